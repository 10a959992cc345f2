// Package codec implements the Scanmatic 2 Pro envelope framing: outbound
// encode of a single (id, payload) pair, and inbound reassembly of a byte
// stream into well-formed frames, with resynchronisation after corruption
// and a bounded reassembly buffer.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/canline-gateway/internal/frame"
	"github.com/kstaniek/canline-gateway/internal/logging"
	"github.com/kstaniek/canline-gateway/internal/metrics"
)

const (
	start     byte = 0xAA
	end       byte = 0x55
	typeInit  byte = 0x01
	typeData  byte = 0x02
	maxLength      = frame.MaxPayload
)

var (
	// ErrFrameTooLong is returned by Encode when the payload exceeds 8 bytes.
	ErrFrameTooLong = errors.New("codec: frame payload exceeds 8 bytes")
)

// Encode produces the wire envelope for a CAN-data frame:
// AA 02 <len> <id be32> <payload...> 55.
func Encode(id uint32, payload []byte) ([]byte, error) {
	if len(payload) > maxLength {
		return nil, fmt.Errorf("%w: got %d bytes", ErrFrameTooLong, len(payload))
	}
	out := make([]byte, 0, 3+4+len(payload)+1)
	out = append(out, start, typeData, byte(len(payload)))
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], id)
	out = append(out, idBuf[:]...)
	out = append(out, payload...)
	out = append(out, end)
	return out, nil
}

// EncodeInit produces the init/command envelope: AA 01 <speed_code> 00 55.
func EncodeInit(speedCode byte) []byte {
	return []byte{start, typeInit, speedCode, 0x00, end}
}

// Decoder reassembles a byte stream into envelope-framed frames. It is not
// safe for concurrent use; the session layer's single dispatch goroutine
// owns it exclusively.
type Decoder struct {
	buf           []byte
	maxBufferSize int
}

// NewDecoder returns a Decoder capping its reassembly buffer at
// maxBufferBytes (clamped to a minimum of 1024).
func NewDecoder(maxBufferBytes int) *Decoder {
	if maxBufferBytes < 1024 {
		maxBufferBytes = 1024
	}
	return &Decoder{maxBufferSize: maxBufferBytes}
}

// Feed appends newly-received bytes and emits every complete, valid
// envelope found via emit. The timestamp on each emitted frame.Frame is
// captured at the moment that envelope is fully extracted, not per byte.
// It reports whether the reassembly buffer overflowed and was discarded, so
// the caller can count it as a framing error.
func (d *Decoder) Feed(data []byte, emit func(frame.Frame)) (overflowed bool) {
	if len(d.buf)+len(data) > d.maxBufferSize {
		d.buf = d.buf[:0]
		overflowed = true
		metrics.IncCodecOverflow()
		logging.L().Warn("codec_buffer_overflow", "max_bytes", d.maxBufferSize)
	}
	d.buf = append(d.buf, data...)

	for {
		if !d.extractOne(emit) {
			return overflowed
		}
	}
}

// extractOne attempts to pull exactly one envelope out of d.buf. It returns
// true if it made progress (emitted a frame, resynchronised, or otherwise
// shrank the buffer) and the caller should try again; false when the buffer
// needs more bytes before another attempt can succeed.
func (d *Decoder) extractOne(emit func(frame.Frame)) bool {
	idx := indexByte(d.buf, start)
	if idx < 0 {
		d.buf = d.buf[:0]
		return false
	}
	if idx > 0 {
		d.buf = d.buf[idx:]
	}

	if len(d.buf) < 3 {
		return false
	}
	typ := d.buf[1]
	length := int(d.buf[2])

	if typ != typeData || length > maxLength {
		metrics.IncCodecResync()
		d.buf = d.buf[1:]
		return true
	}

	expected := 3 + 4 + length + 1
	if len(d.buf) < expected {
		return false
	}

	if d.buf[expected-1] != end {
		metrics.IncCodecResync()
		d.buf = d.buf[1:]
		return true
	}

	id := binary.BigEndian.Uint32(d.buf[3:7])
	payload := d.buf[7 : expected-1]
	f := frame.New(id, payload, frame.Rx)
	d.buf = d.buf[expected:]
	emit(f)
	return true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Reset discards any partially-accumulated bytes, e.g. on disconnect.
func (d *Decoder) Reset() { d.buf = d.buf[:0] }

// Len reports the number of unconsumed buffered bytes (test/diagnostic use).
func (d *Decoder) Len() int { return len(d.buf) }
