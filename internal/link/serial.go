package link

import (
	"errors"
	"os"
	"time"

	"github.com/kstaniek/canline-gateway/internal/codec"
	"github.com/kstaniek/canline-gateway/internal/logging"
	"github.com/tarm/serial"
)

// serialPort is the minimal tarm/serial surface this package depends on,
// kept as an interface so tests can substitute a fake port.
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	Close() error
}

// SerialLink is the Link implementation for RS-232/USB-CDC adapters, backed
// by github.com/tarm/serial.
type SerialLink struct {
	port         serialPort
	writeTimeout time.Duration
}

// SerialConfig configures OpenSerial.
type SerialConfig struct {
	PortName     string
	Bitrate      Bitrate
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// OpenSerial opens the named port at the baud rate implied by Bitrate,
// 8-N-1, no flow control, then runs the adapter boot sequence: clear OS
// buffers, sleep 100ms for device boot, write the init envelope, wait up to
// 5s for the write to complete, sleep 200ms, clear input again.
func OpenSerial(cfg SerialConfig) (*SerialLink, error) {
	scfg := &serial.Config{
		Name:        cfg.PortName,
		Baud:        cfg.Bitrate.Baud(),
		ReadTimeout: cfg.ReadTimeout,
	}
	port, err := serial.OpenPort(scfg)
	if err != nil {
		return nil, newError("open", classifyOpenErr(err), err)
	}
	l := &SerialLink{port: port, writeTimeout: cfg.WriteTimeout}
	if err := l.boot(cfg.Bitrate.SpeedCode()); err != nil {
		_ = port.Close()
		return nil, err
	}
	return l, nil
}

func (l *SerialLink) boot(speedCode byte) error {
	_ = l.port.Flush()
	time.Sleep(100 * time.Millisecond)

	init := codec.EncodeInit(speedCode)
	written := make(chan error, 1)
	go func() {
		_, err := l.port.Write(init)
		written <- err
	}()
	select {
	case err := <-written:
		if err != nil {
			return newError("boot_write", KindTimeout, err)
		}
	case <-time.After(5 * time.Second):
		return newError("boot_write", KindTimeout, errors.New("init envelope write did not complete"))
	}

	time.Sleep(200 * time.Millisecond)
	_ = l.port.Flush()
	logging.L().Info("link_serial_boot_complete", "speed_code", speedCode)
	return nil
}

// Write implements Link. tarm/serial's Write has no deadline of its own, so
// a hung adapter is bounded here the same way boot's init write is: race the
// blocking write against a timer on a background goroutine.
func (l *SerialLink) Write(p []byte) error {
	if l.writeTimeout <= 0 {
		_, err := l.port.Write(p)
		if err != nil {
			return newError("write", classifyIOErr(err), err)
		}
		return nil
	}

	written := make(chan error, 1)
	go func() {
		_, err := l.port.Write(p)
		written <- err
	}()
	select {
	case err := <-written:
		if err != nil {
			return newError("write", classifyIOErr(err), err)
		}
		return nil
	case <-time.After(l.writeTimeout):
		return newError("write", KindTimeout, errors.New("write did not complete before write_timeout"))
	}
}

// Read implements Link. tarm/serial's ReadTimeout makes this return
// (nil, nil) rather than block indefinitely, which is what the single
// dispatch goroutine's poll loop expects.
func (l *SerialLink) Read() ([]byte, error) {
	buf := make([]byte, 512)
	n, err := l.port.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil
		}
		return nil, newError("read", classifyIOErr(err), err)
	}
	return buf[:n], nil
}

// Close implements Link.
func (l *SerialLink) Close() error {
	if err := l.port.Close(); err != nil {
		return newError("close", KindUnknown, err)
	}
	return nil
}

func classifyOpenErr(err error) ErrorKind {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, os.ErrPermission):
		return KindPermissionDenied
	default:
		return KindUnknown
	}
}

func classifyIOErr(err error) ErrorKind {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	return KindResourceLost
}
