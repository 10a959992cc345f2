// Package gatewayapi is L4: the thin command/event surface an application
// layer uses to drive the gateway. It depends only on internal/session and
// the two diagnostic engines — no GUI dependency anywhere in or below this
// package, so the core compiles free of any GUI toolkit.
package gatewayapi

import (
	"context"
	"time"

	"github.com/kstaniek/canline-gateway/internal/diag/obd2"
	"github.com/kstaniek/canline-gateway/internal/diag/uds"
	"github.com/kstaniek/canline-gateway/internal/frame"
	"github.com/kstaniek/canline-gateway/internal/logging"
	"github.com/kstaniek/canline-gateway/internal/session"
)

// Gateway wraps one session plus its two diagnostic engines and exposes the
// event surface as one channel per kind, mirroring the session's own
// per-kind event fan-out one layer up for GUI consumers.
type Gateway struct {
	sess *session.Session
	obd2 *obd2.Engine
	uds  *uds.Engine

	sub *session.Subscriber

	ConnectionStatusChanged chan bool
	FrameReceivedText       chan string
	FrameReceived           chan frame.Frame
	ErrorOccurred           chan error
	DiagnosticTimeout       chan string
	DiagnosticResponse      chan []byte
	DtcList                 chan []frame.DTC
}

// EngineConfig configures both diagnostic engines' request/response CAN IDs.
type EngineConfig struct {
	OBD2 obd2.Config
	UDS  uds.Config
}

// New wires a Gateway around opener (session.DefaultSerialOpener or a test double) and
// starts the event pump goroutine that fans session events out to the
// per-kind channels above and into both engines' correlators.
func New(open session.Opener, cfg EngineConfig) *Gateway {
	sess := session.New(open)

	g := &Gateway{
		sess:                    sess,
		ConnectionStatusChanged: make(chan bool, 16),
		FrameReceivedText:       make(chan string, 64),
		FrameReceived:           make(chan frame.Frame, 64),
		ErrorOccurred:           make(chan error, 16),
		DiagnosticTimeout:       make(chan string, 16),
		DiagnosticResponse:      make(chan []byte, 16),
		DtcList:                 make(chan []frame.DTC, 4),
	}
	sender := &sessionSender{sess: sess}
	g.obd2 = obd2.New(sender, cfg.OBD2)
	g.uds = uds.New(sender, cfg.UDS)
	g.obd2.SetResponseSink(g.publishDiagnosticResponse)
	g.uds.SetResponseSink(g.publishDiagnosticResponse)

	g.sub = sess.Subscribe()
	go g.pump()
	return g
}

func (g *Gateway) publishDiagnosticResponse(data []byte) {
	select {
	case g.DiagnosticResponse <- data:
	default:
	}
}

// sessionSender adapts *session.Session to the Sender interface both
// diagnostic engines depend on.
type sessionSender struct{ sess *session.Session }

func (s *sessionSender) Send(canID uint32, payload []byte) error {
	return s.sess.Send(canID, payload)
}

func (g *Gateway) pump() {
	for ev := range g.sub.Out {
		switch ev.Kind {
		case session.EventConnectionStatusChanged:
			select {
			case g.ConnectionStatusChanged <- ev.Connected:
			default:
			}
			if !ev.Connected {
				// A torn-down link can never satisfy an outstanding
				// diagnostic request; fail both engines' pending slots.
				g.obd2.Abort()
				g.uds.Abort()
			}
		case session.EventFrameReceivedText:
			select {
			case g.FrameReceivedText <- ev.Text:
			default:
			}
		case session.EventFrameReceived:
			select {
			case g.FrameReceived <- ev.Frame:
			default:
			}
			g.obd2.Feed(ev.Frame.ID, ev.Frame.Data())
			g.uds.Feed(ev.Frame.ID, ev.Frame.Data())
		case session.EventErrorOccurred:
			select {
			case g.ErrorOccurred <- ev.Err:
			default:
			}
		}
	}
}

// Connect opens the link and starts the session.
func (g *Gateway) Connect(cfg session.Config) error { return g.sess.Connect(cfg) }

// Disconnect tears the session down; idempotent.
func (g *Gateway) Disconnect() error {
	err := g.sess.Disconnect()
	g.sess.Unsubscribe(g.sub)
	return err
}

// Send transmits a raw CAN frame.
func (g *Gateway) Send(canID uint32, payload []byte) error { return g.sess.Send(canID, payload) }

// SetFilterEnabled toggles inbound filtering.
func (g *Gateway) SetFilterEnabled(enabled bool) { g.sess.SetFilterEnabled(enabled) }

// AddFilter sets a filter rule.
func (g *Gateway) AddFilter(id uint32, action frame.RuleAction) { g.sess.AddFilter(id, action) }

// ClearFilters removes every filter rule.
func (g *Gateway) ClearFilters() { g.sess.ClearFilters() }

// Statistics pulls the current statistics snapshot. There is no pushed
// StatisticsUpdated payload; consumers call this on their own cadence.
func (g *Gateway) Statistics() frame.Statistics { return g.sess.Statistics() }

// ResetStatistics zeroes every counter.
func (g *Gateway) ResetStatistics() { g.sess.ResetStatistics() }

// MessagesPerSecond returns the last completed 1Hz rate.
func (g *Gateway) MessagesPerSecond() uint64 { return g.sess.MessagesPerSecond() }

// OBD2 exposes the OBD-II diagnostic engine for per-service invocations.
func (g *Gateway) OBD2() *obd2.Engine { return g.obd2 }

// UDS exposes the UDS diagnostic engine for per-service invocations.
func (g *Gateway) UDS() *uds.Engine { return g.uds }

// ReadDTCList runs an OBD-II stored-DTC read with a bounded context,
// publishing the result on DtcList when it succeeds and on DiagnosticTimeout
// when it fails for any reason.
func (g *Gateway) ReadDTCList(timeout time.Duration) ([]frame.DTC, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	dtcs, err := g.obd2.ReadStoredDTC(ctx)
	return g.publishDTCRead("obd2_read_stored_dtc", dtcs, err)
}

// udsConfirmedAndPendingMask selects ISO 14229's confirmedDTC and
// pendingDTC status bits (0x08 | 0x04), the UDS analogue of OBD-II's
// separate stored/pending mode split.
const udsConfirmedAndPendingMask = 0x0C

// ReadUDSDTCList runs a UDS ReadDTCInformation (0x19, reportDTCByStatusMask)
// with a bounded context, publishing the result on DtcList alongside
// ReadDTCList's OBD-II path so a DtcList subscriber sees both protocols'
// results through the same event, not just OBD-II's.
func (g *Gateway) ReadUDSDTCList(timeout time.Duration) ([]frame.DTC, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	dtcs, err := g.uds.ReadDTCInformation(ctx, udsConfirmedAndPendingMask)
	return g.publishDTCRead("uds_read_dtc_information", dtcs, err)
}

// publishDTCRead is the common tail of ReadDTCList and ReadUDSDTCList:
// publish to DtcList on success, to DiagnosticTimeout (tagged by service)
// on failure.
func (g *Gateway) publishDTCRead(service string, dtcs []frame.DTC, err error) ([]frame.DTC, error) {
	if err != nil {
		logging.L().Warn("gatewayapi_dtc_read_failed", "service", service, "error", err)
		select {
		case g.DiagnosticTimeout <- service:
		default:
		}
		return nil, err
	}
	select {
	case g.DtcList <- dtcs:
	default:
	}
	return dtcs, nil
}
