package frame

import "fmt"

// DTCCategory is the top-two-bits classification of a diagnostic trouble
// code: 00->P0, 01->P1, 10->B, 11->C. "U" (network layer) codes are not
// produced by the top-two-bits derivation and are reserved. Bit pattern 10
// maps to B, so 0x8235 -> B0235, not C0235 as a P0/P1/C/B reading would
// give. See DESIGN.md.
type DTCCategory uint8

const (
	CategoryP0 DTCCategory = iota
	CategoryP1
	CategoryB
	CategoryC
)

func (c DTCCategory) prefix() string {
	switch c {
	case CategoryP0:
		return "P0"
	case CategoryP1:
		return "P1"
	case CategoryB:
		return "B"
	case CategoryC:
		return "C"
	default:
		return "U"
	}
}

// DTC is a 16-bit diagnostic trouble code plus the status byte carried
// alongside it in a UDS ReadDTCInformation or OBD-II mode 0x03/0x07 record.
type DTC struct {
	Code       uint16
	Category   DTCCategory
	StatusByte uint8
	Active     bool // status.bit7
}

// NewDTC derives Category and Active from the raw 16-bit code and its
// status byte, per the glossary ("top two bits select category").
func NewDTC(code uint16, status uint8) DTC {
	return DTC{
		Code:       code,
		Category:   DTCCategory((code >> 14) & 0x03),
		StatusByte: status,
		Active:     status&0x80 != 0,
	}
}

// String formats the code as e.g. "P0133" or "B0235": category prefix
// followed by the lower 14 bits in uppercase hex, zero-padded to 3 digits
// after "P0"/"P1" and to 4 digits after "B"/"C".
func (d DTC) String() string {
	p := d.Category.prefix()
	return fmt.Sprintf("%s%0*X", p, 5-len(p), d.Code&0x3FFF)
}
