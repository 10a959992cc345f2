// Package frame holds the data model shared by every layer of the gateway:
// the CAN frame itself, the filter table applied to inbound traffic, and the
// statistics counters the session layer maintains.
package frame

import "time"

// CAN ID flag bits, mirrored from <linux/can.h> so callers can reuse the
// same constants SocketCAN tooling expects.
const (
	EFFFlag = 0x80000000 // extended (29-bit) identifier
	SFFMask = 0x7FF
	EFFMask = 0x1FFFFFFF
)

// Direction records whether a Frame was transmitted or received.
type Direction uint8

const (
	Rx Direction = iota
	Tx
)

func (d Direction) String() string {
	if d == Tx {
		return "tx"
	}
	return "rx"
}

// MaxPayload is the classic-CAN payload ceiling; CAN-FD is out of scope.
const MaxPayload = 8

// Frame is a single CAN frame flowing through the gateway.
//
// ID fits within 29 bits (extended) or 11 bits (standard); Len is the valid
// prefix length of Payload (0..8). Frame is a value type: every layer copies
// it rather than sharing a pointer, per the no-shared-mutable-state rule
// between layers.
type Frame struct {
	ID        uint32
	Payload   [MaxPayload]byte
	Len       uint8
	Timestamp time.Time
	Direction Direction
}

// Data returns the valid payload slice.
func (f Frame) Data() []byte { return f.Payload[:f.Len] }

// New builds a Frame from an id and payload slice, truncating Timestamp to
// the call time and defaulting Direction to Rx. Callers needing Tx framing
// set f.Direction explicitly.
func New(id uint32, payload []byte, dir Direction) Frame {
	var f Frame
	f.ID = id
	f.Len = uint8(len(payload))
	copy(f.Payload[:], payload)
	f.Timestamp = time.Now()
	f.Direction = dir
	return f
}

// RuleAction is the verdict a FilterTable assigns to a CAN ID.
type RuleAction uint8

const (
	Allow RuleAction = iota
	Deny
)

// FilterTable gates inbound frames by CAN ID: when disabled every frame
// passes; when enabled, a frame passes iff its ID is absent from rules
// (default allow — see DESIGN.md) or the rule is Allow.
type FilterTable struct {
	Enabled bool
	rules   map[uint32]RuleAction
}

// NewFilterTable returns an empty, disabled filter table.
func NewFilterTable() *FilterTable {
	return &FilterTable{rules: make(map[uint32]RuleAction)}
}

// Add sets (or replaces) the rule for id.
func (t *FilterTable) Add(id uint32, action RuleAction) {
	if t.rules == nil {
		t.rules = make(map[uint32]RuleAction)
	}
	t.rules[id] = action
}

// Clear removes every rule without touching the Enabled flag.
func (t *FilterTable) Clear() {
	t.rules = make(map[uint32]RuleAction)
}

// Passes reports whether id should be dispatched to subscribers.
func (t *FilterTable) Passes(id uint32) bool {
	if !t.Enabled {
		return true
	}
	action, ok := t.rules[id]
	if !ok {
		return true // no explicit rule for this ID: default-allow
	}
	return action == Allow
}

// Statistics is the read-mostly bookkeeping struct owned exclusively by the
// session layer's dispatch goroutine; callers only ever see snapshots.
type Statistics struct {
	Sent          uint64
	Received      uint64
	Errors        uint64
	FirstTx       time.Time
	LastTx        time.Time
	FirstRx       time.Time
	LastRx        time.Time
	PerID         map[uint32]uint64
	RatePerSecond uint64
}

// NewStatistics returns a zeroed Statistics with an initialized PerID map.
func NewStatistics() *Statistics {
	return &Statistics{PerID: make(map[uint32]uint64)}
}

// Snapshot returns a deep copy safe to hand to a caller outside the owning
// goroutine.
func (s *Statistics) Snapshot() Statistics {
	cp := *s
	cp.PerID = make(map[uint32]uint64, len(s.PerID))
	for k, v := range s.PerID {
		cp.PerID[k] = v
	}
	return cp
}

// RecordSent updates counters for an outbound frame of the given id.
func (s *Statistics) RecordSent(id uint32, ts time.Time) {
	s.Sent++
	if s.PerID == nil {
		s.PerID = make(map[uint32]uint64)
	}
	s.PerID[id]++
	if s.FirstTx.IsZero() {
		s.FirstTx = ts
	}
	s.LastTx = ts
}

// RecordReceived updates counters for an inbound frame of the given id.
func (s *Statistics) RecordReceived(id uint32, ts time.Time) {
	s.Received++
	if s.PerID == nil {
		s.PerID = make(map[uint32]uint64)
	}
	s.PerID[id]++
	if s.FirstRx.IsZero() {
		s.FirstRx = ts
	}
	s.LastRx = ts
}

// RecordError increments the error counter.
func (s *Statistics) RecordError() { s.Errors++ }

// Reset zeroes every counter; counters are otherwise monotonic for the
// life of a connection.
func (s *Statistics) Reset() {
	*s = Statistics{PerID: make(map[uint32]uint64)}
}
