// Package obd2 implements the L3.a diagnostic engine: SAE J1979 PID reads,
// stored/pending DTC reads and clear, and the mode 0x09 vehicle-identity
// PIDs. Grounded on original_source's obd2protocol.cpp request/response
// shape and PID table, reimplemented against the session's Sender/Subscribe
// capability instead of a nested Qt event loop.
package obd2

import (
	"context"
	"fmt"
	"time"

	"github.com/kstaniek/canline-gateway/internal/diag"
	"github.com/kstaniek/canline-gateway/internal/frame"
	"github.com/kstaniek/canline-gateway/internal/logging"
	"github.com/kstaniek/canline-gateway/internal/metrics"
)

const engineLabel = "obd2"

const (
	ModeShowCurrentData byte = 0x01
	ModeStoredDTC       byte = 0x03
	ModeClearDTC        byte = 0x04
	ModePendingDTC      byte = 0x07
	ModeVehicleInfo     byte = 0x09
)

const (
	requestTimeout    = 3 * time.Second
	interRequestDelay = 50 * time.Millisecond
)

// Sender is the subset of session.Session an engine needs: send a frame.
type Sender interface {
	Send(canID uint32, payload []byte) error
}

// FrameSource delivers post-filter inbound frames to the engine so it can
// feed its correlator; the gatewayapi wiring layer forwards
// session.EventFrameReceived events here.
type FrameSource interface {
	Subscribe() (events <-chan Frame, unsubscribe func())
}

// Frame is the minimal inbound shape the engine needs from the session
// layer, decoupled from session's Event type to avoid an import cycle.
type Frame struct {
	ID      uint32
	Payload []byte
}

// Engine is the OBD-II request/response engine for one session.
type Engine struct {
	sender     Sender
	corr       *diag.Correlator
	requestID  uint32
	respLow    uint32
	respHigh   uint32
	lastReqAt  time.Time
	onResponse func([]byte)
}

// Config configures request/response CAN IDs; zero values default to the
// standard OBD-II broadcast/response range.
type Config struct {
	RequestID  uint32
	RespIDLow  uint32
	RespIDHigh uint32
}

// New returns an Engine bound to sender for outbound requests. Feed must be
// wired to the session's inbound frame stream by the caller (gatewayapi).
func New(sender Sender, cfg Config) *Engine {
	if cfg.RequestID == 0 {
		cfg.RequestID = 0x7DF
	}
	if cfg.RespIDLow == 0 {
		cfg.RespIDLow = 0x7E8
	}
	if cfg.RespIDHigh == 0 {
		cfg.RespIDHigh = 0x7EB
	}
	return &Engine{
		sender:    sender,
		corr:      diag.NewCorrelator(),
		requestID: cfg.RequestID,
		respLow:   cfg.RespIDLow,
		respHigh:  cfg.RespIDHigh,
	}
}

// Feed offers an inbound frame to the engine's pending request, if any. The
// gatewayapi wiring layer calls this from the session's FrameReceived
// subscription.
func (e *Engine) Feed(canID uint32, payload []byte) bool {
	return e.corr.Feed(canID, payload)
}

// SetResponseSink registers a callback invoked with the raw payload of every
// successfully completed request. The gatewayapi wiring layer uses this to
// fan responses out onto a DiagnosticResponse event channel.
func (e *Engine) SetResponseSink(fn func([]byte)) { e.onResponse = fn }

func (e *Engine) isResponseID(id uint32) bool { return id >= e.respLow && id <= e.respHigh }

// request performs one synchronous mode/pid round trip, admitting at most
// one pending request at a time.
func (e *Engine) request(ctx context.Context, pdu []byte, wantSID byte) ([]byte, error) {
	metrics.IncDiagRequest(engineLabel)

	req, cancel, err := e.corr.Begin(requestTimeout, e.isResponseID)
	if err != nil {
		return nil, err
	}
	defer cancel()

	if err := e.sender.Send(e.requestID, pdu); err != nil {
		return nil, err
	}
	e.lastReqAt = time.Now()

	select {
	case data, ok := <-req.Reply:
		if !ok {
			reason := req.Err()
			if reason == diag.ErrTimeout {
				metrics.IncDiagTimeout(engineLabel)
			}
			return nil, reason
		}
		if len(data) < 1 {
			return nil, fmt.Errorf("obd2: empty response payload")
		}
		if data[0] == 0x7F {
			return nil, fmt.Errorf("obd2: negative response to mode 0x%02X", pdu[0])
		}
		if data[0] != wantSID {
			return nil, fmt.Errorf("obd2: unexpected response sid 0x%02X, want 0x%02X", data[0], wantSID)
		}
		if e.onResponse != nil {
			e.onResponse(data)
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// spaceRequests sleeps interRequestDelay if the previous request was issued
// too recently, per the 50ms inter-request spacing for readMultiplePIDs.
func (e *Engine) spaceRequests() {
	if e.lastReqAt.IsZero() {
		return
	}
	if elapsed := time.Since(e.lastReqAt); elapsed < interRequestDelay {
		time.Sleep(interRequestDelay - elapsed)
	}
}

// ReadPID sends [mode, pid] and decodes the response per the PID table.
func (e *Engine) ReadPID(ctx context.Context, mode, pid byte) (Decoded, error) {
	e.spaceRequests()
	data, err := e.request(ctx, []byte{mode, pid}, mode+0x40)
	if err != nil {
		return Decoded{}, err
	}
	if len(data) < 2 || data[1] != pid {
		return Decoded{}, fmt.Errorf("obd2: response pid mismatch")
	}
	return Decode(pid, data[2:])
}

// ReadMultiplePIDs reads each pid in order, spacing requests 50ms apart.
func (e *Engine) ReadMultiplePIDs(ctx context.Context, mode byte, pids []byte) ([]Decoded, error) {
	out := make([]Decoded, 0, len(pids))
	for _, pid := range pids {
		d, err := e.ReadPID(ctx, mode, pid)
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ReadStoredDTC issues mode 0x03.
func (e *Engine) ReadStoredDTC(ctx context.Context) ([]frame.DTC, error) {
	return e.readDTCs(ctx, ModeStoredDTC)
}

// ReadPendingDTC issues mode 0x07.
func (e *Engine) ReadPendingDTC(ctx context.Context) ([]frame.DTC, error) {
	return e.readDTCs(ctx, ModePendingDTC)
}

func (e *Engine) readDTCs(ctx context.Context, mode byte) ([]frame.DTC, error) {
	data, err := e.request(ctx, []byte{mode}, mode+0x40)
	if err != nil {
		return nil, err
	}
	if len(data) < 2 {
		return nil, nil
	}
	count := int(data[1])
	dtcs := make([]frame.DTC, 0, count)
	body := data[2:]
	for i := 0; i+1 < len(body) && len(dtcs) < count; i += 2 {
		code := uint16(body[i])<<8 | uint16(body[i+1])
		if code == 0 {
			continue
		}
		dtcs = append(dtcs, frame.NewDTC(code, 0))
	}
	logging.L().Info("obd2_dtc_read", "mode", fmt.Sprintf("0x%02X", mode), "count", len(dtcs))
	return dtcs, nil
}

// ClearDTC issues mode 0x04.
func (e *Engine) ClearDTC(ctx context.Context) error {
	_, err := e.request(ctx, []byte{ModeClearDTC}, ModeClearDTC+0x40)
	return err
}

// ReadVIN issues mode 0x09 PID 0x02; the response payload after the mode
// byte is ASCII.
func (e *Engine) ReadVIN(ctx context.Context) (string, error) {
	return e.readVehicleInfoString(ctx, 0x02)
}

// ReadCalibrationID issues mode 0x09 PID 0x04.
func (e *Engine) ReadCalibrationID(ctx context.Context) (string, error) {
	return e.readVehicleInfoString(ctx, 0x04)
}

// ReadECUName issues mode 0x09 PID 0x0A.
func (e *Engine) ReadECUName(ctx context.Context) (string, error) {
	return e.readVehicleInfoString(ctx, 0x0A)
}

func (e *Engine) readVehicleInfoString(ctx context.Context, pid byte) (string, error) {
	data, err := e.request(ctx, []byte{ModeVehicleInfo, pid}, ModeVehicleInfo+0x40)
	if err != nil {
		return "", err
	}
	if len(data) < 2 || data[1] != pid {
		return "", fmt.Errorf("obd2: response pid mismatch")
	}
	body := data[2:]
	// Multi-frame ECU responses may prefix a message-count byte; strip
	// non-printable leading bytes rather than assume a fixed offset.
	start := 0
	for start < len(body) && (body[start] < 0x20 || body[start] > 0x7E) {
		start++
	}
	return string(body[start:]), nil
}

// Busy reports whether a request is currently outstanding.
func (e *Engine) Busy() bool { return e.corr.Pending() }

// Abort fails any outstanding request with ErrConnectionLost, e.g. when the
// underlying session disconnects.
func (e *Engine) Abort() { e.corr.Abort() }
