// Package diag holds the request/response correlation logic shared by the
// OBD-II and UDS engines: an exclusive pending-request slot, an absolute
// deadline, and CAN-ID range matching for accepted responses. Grounded on
// the single-slot / QTimer-deadline pattern of the original diagnostic
// protocol base class, reimplemented as an explicit channel-based notifier
// instead of a nested GUI event loop.
package diag

import (
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when a second request is issued while one is
// outstanding on the same engine.
var ErrBusy = errors.New("diag: engine busy, request already pending")

// ErrTimeout is returned when a pending request's deadline elapses before a
// matching response arrives.
var ErrTimeout = errors.New("diag: request timed out")

// ErrConnectionLost is returned to a pending caller when the underlying
// session disconnects while their request is outstanding.
var ErrConnectionLost = errors.New("diag: connection lost while request pending")

// pending is the single admitted request slot.
type pending struct {
	respID  func(id uint32) bool
	replyCh chan []byte
	timer   *time.Timer
	reason  error // set just before replyCh is closed without a value
}

// Request is a handle on one admitted pending request.
type Request struct {
	Reply <-chan []byte
	p     *pending
}

// Err returns the reason the request failed once Reply has been closed
// without delivering a value. It is only meaningful after a read from
// Reply yields ok == false.
func (r *Request) Err() error {
	if r.p.reason != nil {
		return r.p.reason
	}
	return ErrTimeout
}

// Correlator serialises requests for one diagnostic engine: at most one
// request may be pending at a time, matched against inbound frames by a
// caller-supplied predicate over the CAN response ID.
type Correlator struct {
	mu   sync.Mutex
	pend *pending
}

// NewCorrelator returns an idle Correlator.
func NewCorrelator() *Correlator { return &Correlator{} }

// Begin admits a new pending request if none is outstanding. The caller
// reads *Request.Reply until it accepts a response or the channel is
// closed, then calls the returned release function to free the slot.
func (c *Correlator) Begin(timeout time.Duration, respID func(uint32) bool) (*Request, func(), error) {
	c.mu.Lock()
	if c.pend != nil {
		c.mu.Unlock()
		return nil, nil, ErrBusy
	}
	ch := make(chan []byte, 1)
	p := &pending{respID: respID, replyCh: ch}
	p.timer = time.AfterFunc(timeout, func() { c.expire(p) })
	c.pend = p
	c.mu.Unlock()

	return &Request{Reply: ch, p: p}, func() { c.release(p) }, nil
}

// Rearm extends the deadline of the currently pending request by timeout
// from now, used for NRC 0x78 ResponsePending, without releasing the slot.
func (c *Correlator) Rearm(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pend == nil {
		return
	}
	c.pend.timer.Stop()
	p := c.pend
	c.pend.timer = time.AfterFunc(timeout, func() { c.expire(p) })
}

// Feed offers an inbound frame's CAN ID and payload to the pending request.
// It returns true if the frame was consumed as this request's response.
func (c *Correlator) Feed(canID uint32, payload []byte) bool {
	c.mu.Lock()
	p := c.pend
	if p == nil || !p.respID(canID) {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	select {
	case p.replyCh <- payload:
		return true
	default:
		return false
	}
}

// Abort fails any pending request with ErrConnectionLost, e.g. on
// disconnect.
func (c *Correlator) Abort() {
	c.mu.Lock()
	p := c.pend
	c.pend = nil
	c.mu.Unlock()
	if p != nil {
		p.timer.Stop()
		p.reason = ErrConnectionLost
		close(p.replyCh)
	}
}

func (c *Correlator) expire(target *pending) {
	c.mu.Lock()
	if c.pend != target {
		c.mu.Unlock()
		return
	}
	c.pend = nil
	c.mu.Unlock()
	target.reason = ErrTimeout
	close(target.replyCh)
}

func (c *Correlator) release(p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pend == p {
		p.timer.Stop()
		c.pend = nil
	}
}

// Pending reports whether a request is currently outstanding.
func (c *Correlator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pend != nil
}
