package uds

import "fmt"

// Negative Response Codes (ISO 14229-1) recognized by this engine.
const (
	NRCGeneralReject               byte = 0x10
	NRCServiceNotSupported         byte = 0x11
	NRCSubFunctionNotSupported     byte = 0x12
	NRCIncorrectLength             byte = 0x13
	NRCConditionsNotCorrect        byte = 0x22
	NRCRequestOutOfRange           byte = 0x31
	NRCSecurityAccessDenied        byte = 0x33
	NRCInvalidKey                  byte = 0x35
	NRCExceedNumberOfAttempts      byte = 0x36
	NRCResponsePending             byte = 0x78
)

var nrcNames = map[byte]string{
	NRCGeneralReject:           "GeneralReject",
	NRCServiceNotSupported:     "ServiceNotSupported",
	NRCSubFunctionNotSupported: "SubFunctionNotSupported",
	NRCIncorrectLength:         "IncorrectLength",
	NRCConditionsNotCorrect:    "ConditionsNotCorrect",
	NRCRequestOutOfRange:       "RequestOutOfRange",
	NRCSecurityAccessDenied:    "SecurityAccessDenied",
	NRCInvalidKey:              "InvalidKey",
	NRCExceedNumberOfAttempts:  "ExceedNumberOfAttempts",
	NRCResponsePending:         "ResponsePending",
}

// NRCName returns the human-readable name for a code, or a hex fallback for
// codes outside the recognised minimum set.
func NRCName(code byte) string {
	if name, ok := nrcNames[code]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(0x%02X)", code)
}

// NRCError is the typed negative response surfaced to callers: a 0x7F
// response carries the echoed service id and the negative response code.
type NRCError struct {
	SID byte
	NRC byte
}

// NewNRCError builds an NRCError for a given service id and code.
func NewNRCError(sid, nrc byte) *NRCError { return &NRCError{SID: sid, NRC: nrc} }

func (e *NRCError) Error() string {
	return fmt.Sprintf("uds: negative response to sid 0x%02X: %s (0x%02X)", e.SID, NRCName(e.NRC), e.NRC)
}
