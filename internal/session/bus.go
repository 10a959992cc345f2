package session

import (
	"sync"

	"github.com/kstaniek/canline-gateway/internal/logging"
	"github.com/kstaniek/canline-gateway/internal/metrics"
)

// EventKind tags the union carried by Event.
type EventKind int

const (
	EventConnectionStatusChanged EventKind = iota
	EventFrameReceivedText
	EventFrameReceived
	EventErrorOccurred
)

// BackpressurePolicy decides what happens to a subscriber whose Out channel
// is full when a Broadcast reaches it.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// Subscriber receives Events on Out until Close is called or it is kicked
// for falling behind.
type Subscriber struct {
	Out       chan Event
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the subscriber is done (idempotent).
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() { close(s.Closed) })
}

// Bus fans gateway events out to every subscriber, the same
// snapshot-then-iterate design the connection hub used for broadcasting CAN
// frames to TCP clients: never hold the registry lock while sending, and
// let a configurable policy decide what happens to a slow subscriber.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*Subscriber]struct{}
	bufSize  int
	Policy   BackpressurePolicy
}

// NewBus returns an empty Bus with the given per-subscriber buffer size.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Bus{subs: make(map[*Subscriber]struct{}), bufSize: bufSize}
}

// Subscribe registers and returns a new Subscriber.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{Out: make(chan Event, b.bufSize), Closed: make(chan struct{})}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetSubscriberCount(n)
	return sub
}

// Unsubscribe removes sub from the bus; safe to call multiple times.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, existed := b.subs[sub]
	if existed {
		delete(b.subs, sub)
	}
	n := len(b.subs)
	b.mu.Unlock()
	if existed {
		sub.Close()
		metrics.SetSubscriberCount(n)
	}
}

// Broadcast sends ev to every subscriber, honoring Policy for a subscriber
// whose Out buffer is full.
func (b *Bus) Broadcast(ev Event) {
	for _, sub := range b.Snapshot() {
		select {
		case sub.Out <- ev:
		default:
			if b.Policy == PolicyKick {
				metrics.IncEventKick()
				sub.Close()
			} else {
				metrics.IncEventDrop()
				logging.L().Warn("session_event_dropped", "kind", ev.Kind)
			}
		}
	}
}

// Snapshot returns a slice copy of the current subscriber set.
func (b *Bus) Snapshot() []*Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	return subs
}

// Count returns the number of active subscribers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
