// Package session implements L2: the connection state machine, filter
// table, statistics, and event fan-out sitting between the byte-oriented
// link (L0/L1) and the diagnostic engines (L3). One background goroutine
// per open connection owns inbound byte delivery and the 1Hz rate tick;
// every public method serializes against it through a single mutex,
// standing in for the cooperative single-threaded event loop the rest of
// the corpus builds with a dedicated goroutine-per-concern.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kstaniek/canline-gateway/internal/codec"
	"github.com/kstaniek/canline-gateway/internal/frame"
	"github.com/kstaniek/canline-gateway/internal/link"
	"github.com/kstaniek/canline-gateway/internal/logging"
	"github.com/kstaniek/canline-gateway/internal/metrics"
)

// State is one of a Session's four connection states.
type State int

const (
	Disconnected State = iota
	Initialising
	Connected
	ErrorState
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Initialising:
		return "initialising"
	case Connected:
		return "connected"
	case ErrorState:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the tagged union broadcast to subscribers.
type Event struct {
	Kind      EventKind
	Connected bool
	Text      string
	Frame     frame.Frame
	Err       error
}

// Config configures a single Connect call, covering either transport; the
// opener injected into New decides which fields it reads.
type Config struct {
	PortName       string
	Bitrate        link.Bitrate
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxBufferBytes int
	USB            link.USBConfig
}

// Opener opens the L0 link for a Config. Session is agnostic to serial vs.
// USB; DefaultSerialOpener and a wrapper around link.DefaultUSBOpener
// supply the concrete choices cmd/canline-gatewayd wires up from flags.
type Opener func(Config) (link.Link, error)

// DefaultSerialOpener opens a SerialLink, running the adapter boot sequence.
func DefaultSerialOpener(cfg Config) (link.Link, error) {
	return link.OpenSerial(link.SerialConfig{
		PortName:     cfg.PortName,
		Bitrate:      cfg.Bitrate,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// Session is the L2 connection: one per adapter, safe for concurrent use.
type Session struct {
	open Opener

	mu       sync.Mutex
	state    State
	lnk      link.Link
	dec      *codec.Decoder
	cancel   context.CancelFunc
	loopDone chan struct{}

	filters *frame.FilterTable
	stats   *frame.Statistics
	rateCtr uint64

	bus *Bus
}

// New returns a Disconnected session using open to acquire the L0 link on
// Connect.
func New(open Opener) *Session {
	return &Session{
		open:    open,
		state:   Disconnected,
		filters: frame.NewFilterTable(),
		stats:   frame.NewStatistics(),
		bus:     NewBus(64),
	}
}

// Subscribe registers a new event subscriber.
func (s *Session) Subscribe() *Subscriber { return s.bus.Subscribe() }

// Unsubscribe removes sub from the bus.
func (s *Session) Unsubscribe(sub *Subscriber) { s.bus.Unsubscribe(sub) }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect performs L0 open, writes the init envelope (handled inside the
// opener's boot sequence), and transitions Disconnected -> Initialising ->
// Connected. On any failure it rolls back to Disconnected and emits an
// ErrorOccurred event.
func (s *Session) Connect(cfg Config) error {
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return newStateError("connect", errNotDisconnected)
	}
	s.state = Initialising
	s.mu.Unlock()
	metrics.IncConnectionStateChange()

	lnk, err := s.open(cfg)
	if err != nil {
		s.mu.Lock()
		s.state = Disconnected
		s.mu.Unlock()
		metrics.IncConnectionStateChange()
		metrics.IncError(classifyLinkErr(err))
		s.emitError(err)
		return err
	}

	dec := codec.NewDecoder(cfg.MaxBufferBytes)
	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})

	s.mu.Lock()
	s.lnk = lnk
	s.dec = dec
	s.cancel = cancel
	s.loopDone = loopDone
	s.rateCtr = 0
	s.stats.Reset()
	s.state = Connected
	s.mu.Unlock()
	metrics.IncConnectionStateChange()

	go s.pollLoop(ctx, lnk, dec, loopDone)

	logging.L().Info("session_connected", "port", cfg.PortName)
	s.bus.Broadcast(Event{Kind: EventConnectionStatusChanged, Connected: true})
	return nil
}

// Disconnect closes L0, clears the reassembly buffer, and emits
// ConnectionStatusChanged(false). Idempotent.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	lnk := s.lnk
	loopDone := s.loopDone
	s.state = Disconnected
	s.lnk = nil
	s.dec = nil
	s.cancel = nil
	s.loopDone = nil
	s.mu.Unlock()
	metrics.IncConnectionStateChange()

	if cancel != nil {
		cancel()
	}
	if loopDone != nil {
		<-loopDone
	}
	if lnk != nil {
		_ = lnk.Close()
	}

	logging.L().Info("session_disconnected")
	s.bus.Broadcast(Event{Kind: EventConnectionStatusChanged, Connected: false})
	return nil
}

// Send forwards a frame to L1 then L0. It fails fast on validation errors
// without touching the link, and auto-disconnects on a ResourceLost write
// error.
func (s *Session) Send(canID uint32, payload []byte) error {
	if canID > frame.EFFMask {
		return ErrCanIDOutOfRange
	}
	if len(payload) > frame.MaxPayload {
		return ErrFrameTooLong
	}

	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	lnk := s.lnk
	s.mu.Unlock()

	wire, err := codec.Encode(canID, payload)
	if err != nil {
		return err
	}
	if err := lnk.Write(wire); err != nil {
		metrics.IncError(classifyLinkErr(err))
		logging.L().Warn("session_send_failed", "can_id", canID, "error", err)
		if link.IsResourceLost(err) {
			s.handleResourceLost(err)
		}
		return err
	}

	now := time.Now()
	s.mu.Lock()
	s.stats.RecordSent(canID, now)
	s.mu.Unlock()
	metrics.IncSessionSent()
	return nil
}

// SetFilterEnabled toggles filtering of inbound frames.
func (s *Session) SetFilterEnabled(enabled bool) {
	s.mu.Lock()
	s.filters.Enabled = enabled
	s.mu.Unlock()
}

// AddFilter sets the rule for a CAN id.
func (s *Session) AddFilter(id uint32, action frame.RuleAction) {
	s.mu.Lock()
	s.filters.Add(id, action)
	s.mu.Unlock()
}

// ClearFilters removes every filter rule.
func (s *Session) ClearFilters() {
	s.mu.Lock()
	s.filters.Clear()
	s.mu.Unlock()
}

// Statistics returns a snapshot of the current counters.
func (s *Session) Statistics() frame.Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.Snapshot()
}

// ResetStatistics zeroes every counter.
func (s *Session) ResetStatistics() {
	s.mu.Lock()
	s.stats.Reset()
	s.mu.Unlock()
}

// MessagesPerSecond returns the rate observed in the last completed 1Hz
// window.
func (s *Session) MessagesPerSecond() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.RatePerSecond
}

// pollLoop is the single goroutine serialising inbound byte delivery and
// the periodic statistics tick for one connection's lifetime.
func (s *Session) pollLoop(ctx context.Context, lnk link.Link, dec *codec.Decoder, loopDone chan struct{}) {
	defer close(loopDone)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickRate()
		default:
		}

		data, err := lnk.Read()
		if err != nil {
			metrics.IncError(classifyLinkErr(err))
			if link.IsResourceLost(err) {
				s.handleResourceLost(err)
				return
			}
			s.emitError(err)
			continue
		}
		if len(data) == 0 {
			continue
		}

		s.mu.Lock()
		if dec.Feed(data, s.dispatchInboundLocked) {
			s.stats.RecordError()
		}
		s.mu.Unlock()
	}
}

// dispatchInboundLocked applies the filter table and fans a decoded frame
// out to subscribers. Callers must hold s.mu.
func (s *Session) dispatchInboundLocked(f frame.Frame) {
	logging.L().Log(context.Background(), logging.LevelTrace, "frame_received", "can_id", f.ID, "len", f.Len)
	if !s.filters.Passes(f.ID) {
		metrics.IncSessionFiltered()
		return
	}
	s.stats.RecordReceived(f.ID, f.Timestamp)
	s.rateCtr++
	metrics.IncSessionReceived()

	s.bus.Broadcast(Event{Kind: EventFrameReceived, Frame: f})
	s.bus.Broadcast(Event{Kind: EventFrameReceivedText, Text: formatFrameText(f)})
}

func (s *Session) tickRate() {
	s.mu.Lock()
	rate := s.rateCtr
	s.rateCtr = 0
	s.stats.RatePerSecond = rate
	s.mu.Unlock()
}

// handleResourceLost implements the Connected --resource-error--> Disconnected
// transition: emits ErrorOccurred, then ConnectionStatusChanged(false).
func (s *Session) handleResourceLost(cause error) {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	lnk := s.lnk
	s.state = Disconnected
	s.lnk = nil
	s.dec = nil
	s.cancel = nil
	s.loopDone = nil
	s.mu.Unlock()
	metrics.IncConnectionStateChange()

	if cancel != nil {
		cancel()
	}
	logging.L().Error("session_resource_lost", "error", cause)
	s.emitError(cause)
	s.bus.Broadcast(Event{Kind: EventConnectionStatusChanged, Connected: false})

	if lnk != nil {
		_ = lnk.Close()
	}
}

func (s *Session) emitError(err error) {
	s.mu.Lock()
	s.stats.RecordError()
	s.mu.Unlock()
	s.bus.Broadcast(Event{Kind: EventErrorOccurred, Err: err})
}

func classifyLinkErr(err error) string {
	var le *link.Error
	if errors.As(err, &le) {
		switch le.Kind {
		case link.KindResourceLost:
			return metrics.ErrResourceLost
		case link.KindTimeout:
			return metrics.ErrTimeout
		default:
			return metrics.ErrLinkWrite
		}
	}
	return metrics.ErrLinkWrite
}
