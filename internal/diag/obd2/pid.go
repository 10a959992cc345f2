package obd2

import "fmt"

// Decoded is one decoded PID reading.
type Decoded struct {
	PID   byte
	Name  string
	Value float64
	Unit  string
}

func (d Decoded) String() string {
	return fmt.Sprintf("%s = %.2f %s", d.Name, d.Value, d.Unit)
}

// decodeFunc turns the raw A/B data bytes following mode+pid into a value.
type decodeFunc func(data []byte) (float64, error)

type pidSpec struct {
	name string
	unit string
	fn   decodeFunc
}

func byteA(data []byte) (byte, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("obd2: expected at least 1 data byte")
	}
	return data[0], nil
}

func bytesAB(data []byte) (byte, byte, error) {
	if len(data) < 2 {
		return 0, 0, fmt.Errorf("obd2: expected at least 2 data bytes")
	}
	return data[0], data[1], nil
}

// pidTable is the SAE J1979 mode-01 PID decode table, plus the short/long-term
// fuel trim PIDs.
var pidTable = map[byte]pidSpec{
	0x04: {"Engine Load", "%", func(d []byte) (float64, error) {
		a, err := byteA(d)
		return float64(a) * 100 / 255, err
	}},
	0x05: {"Coolant Temp", "°C", func(d []byte) (float64, error) {
		a, err := byteA(d)
		return float64(a) - 40, err
	}},
	0x06: {"Short Term Fuel Trim Bank 1", "%", fuelTrim},
	0x07: {"Long Term Fuel Trim Bank 1", "%", fuelTrim},
	0x08: {"Short Term Fuel Trim Bank 2", "%", fuelTrim},
	0x09: {"Long Term Fuel Trim Bank 2", "%", fuelTrim},
	0x0A: {"Fuel Pressure", "kPa", func(d []byte) (float64, error) {
		a, err := byteA(d)
		return float64(a) * 3, err
	}},
	0x0B: {"Intake Manifold Pressure", "kPa", func(d []byte) (float64, error) {
		a, err := byteA(d)
		return float64(a), err
	}},
	0x0C: {"Engine RPM", "rpm", func(d []byte) (float64, error) {
		a, b, err := bytesAB(d)
		return (float64(a)*256 + float64(b)) / 4, err
	}},
	0x0D: {"Vehicle Speed", "km/h", func(d []byte) (float64, error) {
		a, err := byteA(d)
		return float64(a), err
	}},
	0x0E: {"Timing Advance", "°", func(d []byte) (float64, error) {
		a, err := byteA(d)
		return float64(a)/2 - 64, err
	}},
	0x0F: {"Intake Air Temp", "°C", func(d []byte) (float64, error) {
		a, err := byteA(d)
		return float64(a) - 40, err
	}},
	0x10: {"MAF Rate", "g/s", func(d []byte) (float64, error) {
		a, b, err := bytesAB(d)
		return (float64(a)*256 + float64(b)) / 100, err
	}},
	0x11: {"Throttle Position", "%", func(d []byte) (float64, error) {
		a, err := byteA(d)
		return float64(a) * 100 / 255, err
	}},
}

func fuelTrim(d []byte) (float64, error) {
	a, err := byteA(d)
	return float64(a)/1.28 - 100, err
}

// Decode looks up pid's spec and evaluates it against data.
func Decode(pid byte, data []byte) (Decoded, error) {
	spec, ok := pidTable[pid]
	if !ok {
		return Decoded{}, fmt.Errorf("obd2: unsupported pid 0x%02X", pid)
	}
	v, err := spec.fn(data)
	if err != nil {
		return Decoded{}, err
	}
	return Decoded{PID: pid, Name: spec.name, Value: v, Unit: spec.unit}, nil
}
