// Package uds implements the L3.b diagnostic engine: ISO 14229 unified
// diagnostic services over a raw CAN request/response pair. Grounded on
// original_source's udsprotocol.cpp service framing and the security-access
// seed/key exchange, reimplemented against an explicit correlator instead
// of a nested Qt event loop.
package uds

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/kstaniek/canline-gateway/internal/diag"
	"github.com/kstaniek/canline-gateway/internal/frame"
	"github.com/kstaniek/canline-gateway/internal/logging"
	"github.com/kstaniek/canline-gateway/internal/metrics"
)

const engineLabel = "uds"

// Service identifiers (ISO 14229-1).
const (
	SIDDiagnosticSessionControl  byte = 0x10
	SIDReadDataByIdentifier      byte = 0x22
	SIDReadMemoryByAddress       byte = 0x23
	SIDWriteDataByIdentifier     byte = 0x2E
	SIDWriteMemoryByAddress      byte = 0x3D
	SIDClearDiagnosticInfo       byte = 0x14
	SIDReadDTCInformation        byte = 0x19
	SIDTesterPresent             byte = 0x3E
	SIDSecurityAccess            byte = 0x27
	negativeResponseSID          byte = 0x7F
	reportDTCByStatusMask        byte = 0x02
)

const (
	requestTimeout   = 5 * time.Second
	responsePendingMax = 5 // bounds how long a 0x78 responsePending chain can rearm the deadline
)

// KeyFunc computes a SecurityAccess key from a seed. Real ECUs use
// vendor-specific algorithms; XORKeyFunc is a placeholder for development
// and testing against a simulated ECU.
type KeyFunc func(seed []byte) []byte

// XORKeyFunc is the default placeholder key function: key[i] = seed[i] ^ 0xAA.
func XORKeyFunc(seed []byte) []byte {
	key := make([]byte, len(seed))
	for i, b := range seed {
		key[i] = b ^ 0xAA
	}
	return key
}

// Sender is the outbound capability an engine needs from the session.
type Sender interface {
	Send(canID uint32, payload []byte) error
}

// Session tracks the state the UDS engine accumulates across requests.
type Session struct {
	CurrentSession byte
	SecurityLevel  byte
	Seeds          map[byte][]byte
}

// Config configures request/response CAN IDs and the security key function.
type Config struct {
	RequestID  uint32
	ResponseID uint32
	KeyFunc    KeyFunc
}

// Engine is the UDS request/response engine for one session.
type Engine struct {
	sender     Sender
	corr       *diag.Correlator
	requestID  uint32
	responseID uint32
	keyFunc    KeyFunc
	onResponse func([]byte)

	sess Session
}

// New returns an Engine bound to sender.
func New(sender Sender, cfg Config) *Engine {
	if cfg.RequestID == 0 {
		cfg.RequestID = 0x7DF
	}
	if cfg.ResponseID == 0 {
		cfg.ResponseID = 0x7E8
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = XORKeyFunc
	}
	return &Engine{
		sender:     sender,
		corr:       diag.NewCorrelator(),
		requestID:  cfg.RequestID,
		responseID: cfg.ResponseID,
		keyFunc:    cfg.KeyFunc,
		sess:       Session{Seeds: make(map[byte][]byte)},
	}
}

// Feed offers an inbound frame to the engine's pending request.
func (e *Engine) Feed(canID uint32, payload []byte) bool {
	return e.corr.Feed(canID, payload)
}

// SetResponseSink registers a callback invoked with the raw payload of every
// successfully completed request. The gatewayapi wiring layer uses this to
// fan responses out onto a DiagnosticResponse event channel.
func (e *Engine) SetResponseSink(fn func([]byte)) { e.onResponse = fn }

// SessionState returns a copy of the engine's accumulated session state.
func (e *Engine) SessionState() Session {
	cp := e.sess
	cp.Seeds = make(map[byte][]byte, len(e.sess.Seeds))
	for k, v := range e.sess.Seeds {
		cp.Seeds[k] = append([]byte(nil), v...)
	}
	return cp
}

// Busy reports whether a request is currently outstanding.
func (e *Engine) Busy() bool { return e.corr.Pending() }

// Abort fails any outstanding request with ErrConnectionLost, e.g. when the
// underlying session disconnects.
func (e *Engine) Abort() { e.corr.Abort() }

// request performs one synchronous service round trip, rearming the
// deadline on NRC 0x78 ResponsePending up to responsePendingMax times.
func (e *Engine) request(ctx context.Context, pdu []byte) ([]byte, error) {
	metrics.IncDiagRequest(engineLabel)

	sid := pdu[0]
	req, cancel, err := e.corr.Begin(requestTimeout, func(id uint32) bool { return id == e.responseID })
	if err != nil {
		return nil, err
	}
	defer cancel()

	if err := e.sender.Send(e.requestID, pdu); err != nil {
		return nil, err
	}

	pendingExtensions := 0
	for {
		select {
		case data, ok := <-req.Reply:
			if !ok {
				reason := req.Err()
				if reason == diag.ErrTimeout {
					metrics.IncDiagTimeout(engineLabel)
				}
				return nil, reason
			}
			if len(data) >= 3 && data[0] == negativeResponseSID && data[1] == sid {
				nrc := data[2]
				metrics.IncDiagNRC(engineLabel, nrc)
				if nrc == NRCResponsePending {
					if pendingExtensions >= responsePendingMax {
						return nil, diag.ErrTimeout
					}
					pendingExtensions++
					e.corr.Rearm(requestTimeout)
					continue
				}
				if nrc == NRCSecurityAccessDenied || nrc == NRCInvalidKey || nrc == NRCExceedNumberOfAttempts {
					metrics.IncSecurityAccessDenied()
				}
				return nil, NewNRCError(sid, nrc)
			}
			if len(data) < 1 || data[0] != sid+0x40 {
				return nil, fmt.Errorf("uds: unexpected response sid 0x%02X for request sid 0x%02X", firstByte(data), sid)
			}
			if e.onResponse != nil {
				e.onResponse(data)
			}
			return data, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func firstByte(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

// DiagnosticSessionControl (0x10). On a positive response, records
// CurrentSession = sessionType.
func (e *Engine) DiagnosticSessionControl(ctx context.Context, sessionType byte) error {
	_, err := e.request(ctx, []byte{SIDDiagnosticSessionControl, sessionType})
	if err != nil {
		return err
	}
	e.sess.CurrentSession = sessionType
	return nil
}

// ReadDataByIdentifier (0x22).
func (e *Engine) ReadDataByIdentifier(ctx context.Context, did uint16) ([]byte, error) {
	pdu := []byte{SIDReadDataByIdentifier, byte(did >> 8), byte(did)}
	data, err := e.request(ctx, pdu)
	if err != nil {
		return nil, err
	}
	if len(data) < 3 {
		return nil, fmt.Errorf("uds: short ReadDataByIdentifier response")
	}
	return data[3:], nil
}

// WriteDataByIdentifier (0x2E).
func (e *Engine) WriteDataByIdentifier(ctx context.Context, did uint16, value []byte) error {
	pdu := append([]byte{SIDWriteDataByIdentifier, byte(did >> 8), byte(did)}, value...)
	_, err := e.request(ctx, pdu)
	return err
}

// minimalBytes returns the fewest bytes (1..4) needed to represent v, and
// v encoded big-endian in exactly that many bytes.
func minimalBytes(v uint64) (int, []byte) {
	n := 1
	for shift := uint(56); shift >= 8; shift -= 8 {
		if v>>shift != 0 {
			n = int(shift/8) + 1
			break
		}
	}
	if n > 4 {
		n = 4
	}
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return n, out
}

// ReadMemoryByAddress (0x23): first byte packs (addrSize-1)<<4 | (lenSize-1),
// then the big-endian address and length in their minimal byte counts.
func (e *Engine) ReadMemoryByAddress(ctx context.Context, address, length uint32) ([]byte, error) {
	addrN, addrBytes := minimalBytes(uint64(address))
	lenN, lenBytes := minimalBytes(uint64(length))
	sizeByte := byte((addrN-1)<<4 | (lenN - 1))

	pdu := append([]byte{SIDReadMemoryByAddress, sizeByte}, addrBytes...)
	pdu = append(pdu, lenBytes...)

	data, err := e.request(ctx, pdu)
	if err != nil {
		return nil, err
	}
	if len(data) < 1 {
		return nil, fmt.Errorf("uds: empty ReadMemoryByAddress response")
	}
	return data[1:], nil
}

// WriteMemoryByAddress (0x3D): same address encoding as ReadMemoryByAddress,
// followed by the literal data bytes (length is implied by len(data)).
func (e *Engine) WriteMemoryByAddress(ctx context.Context, address uint32, data []byte) error {
	addrN, addrBytes := minimalBytes(uint64(address))
	lenN, lenBytes := minimalBytes(uint64(len(data)))
	sizeByte := byte((addrN-1)<<4 | (lenN - 1))

	pdu := append([]byte{SIDWriteMemoryByAddress, sizeByte}, addrBytes...)
	pdu = append(pdu, lenBytes...)
	pdu = append(pdu, data...)

	_, err := e.request(ctx, pdu)
	return err
}

// ClearDiagnosticInformation (0x14): fixed group-of-DTC trailer (0xFFFFFF
// selects all DTCs).
func (e *Engine) ClearDiagnosticInformation(ctx context.Context, groupOfDTC byte) error {
	pdu := []byte{SIDClearDiagnosticInfo, 0xFF, groupOfDTC, 0xFF, 0xFF, 0xFF}
	_, err := e.request(ctx, pdu)
	return err
}

// ReadDTCInformation (0x19, sub=0x02 reportDTCByStatusMask). Response body
// is a sequence of 4-byte records (dtc_hi, dtc_lo, status, extended_status).
func (e *Engine) ReadDTCInformation(ctx context.Context, statusMask byte) ([]frame.DTC, error) {
	pdu := []byte{SIDReadDTCInformation, reportDTCByStatusMask, statusMask}
	data, err := e.request(ctx, pdu)
	if err != nil {
		return nil, err
	}
	// data = [sid', sub, mask-of-availability, records...] per ISO 14229-1;
	// the fixed 3-byte header precedes the record sequence.
	if len(data) < 3 {
		return nil, nil
	}
	body := data[3:]
	dtcs := make([]frame.DTC, 0, len(body)/4)
	for i := 0; i+3 < len(body); i += 4 {
		code := uint16(body[i])<<8 | uint16(body[i+1])
		status := body[i+2]
		dtcs = append(dtcs, frame.NewDTC(code, status))
	}
	logging.L().Info("uds_dtc_read", "count", len(dtcs))
	return dtcs, nil
}

// TesterPresent (0x3E) is fire-and-forget: sent without waiting for or
// requiring a response.
func (e *Engine) TesterPresent() error {
	return e.sender.Send(e.requestID, []byte{SIDTesterPresent, 0x00})
}

// RequestSeed sends [0x27, level] (level must be odd) and stores the
// returned seed under level.
func (e *Engine) RequestSeed(ctx context.Context, level byte) ([]byte, error) {
	data, err := e.request(ctx, []byte{SIDSecurityAccess, level})
	if err != nil {
		return nil, err
	}
	if len(data) < 2 || data[1] != level {
		return nil, fmt.Errorf("uds: security access level mismatch in seed response")
	}
	seed := append([]byte(nil), data[2:]...)
	e.sess.Seeds[level] = seed
	return seed, nil
}

// SendKey computes key = KeyFunc(seed) for the seed previously stored at
// level and sends [0x27, level+1, key...]. On a positive response, records
// SecurityLevel = level.
func (e *Engine) SendKey(ctx context.Context, level byte) error {
	seed, ok := e.sess.Seeds[level]
	if !ok {
		return fmt.Errorf("uds: no seed on file for level %d", level)
	}
	key := e.keyFunc(seed)
	pdu := append([]byte{SIDSecurityAccess, level + 1}, key...)
	_, err := e.request(ctx, pdu)
	if err != nil {
		return err
	}
	e.sess.SecurityLevel = level
	return nil
}

// DIDBytes returns did as two big-endian bytes.
func DIDBytes(did uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, did)
	return b
}
