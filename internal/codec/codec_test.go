package codec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/kstaniek/canline-gateway/internal/frame"
)

func TestEncodeS1(t *testing.T) {
	got, err := Encode(0x123, []byte{0x01, 0x02, 0x03})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0xAA, 0x02, 0x03, 0x00, 0x00, 0x01, 0x23, 0x01, 0x02, 0x03, 0x55}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode = % X, want % X", got, want)
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	_, err := Encode(0x100, make([]byte, 9))
	if err == nil {
		t.Fatal("expected FrameTooLong error for 9-byte payload")
	}
}

func TestDecodeS2(t *testing.T) {
	d := NewDecoder(4096)
	in := []byte{0xAA, 0x02, 0x02, 0x00, 0x00, 0x07, 0xE8, 0x41, 0x0D, 0x55}
	var got []frame.Frame
	d.Feed(in, func(f frame.Frame) { got = append(got, f) })
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	if got[0].ID != 0x7E8 {
		t.Errorf("ID = 0x%X, want 0x7E8", got[0].ID)
	}
	if !bytes.Equal(got[0].Data(), []byte{0x41, 0x0D}) {
		t.Errorf("payload = % X, want 41 0D", got[0].Data())
	}
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		id := uint32(rng.Intn(1 << 29))
		n := rng.Intn(9)
		payload := make([]byte, n)
		rng.Read(payload)

		wire, err := Encode(id, payload)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		d := NewDecoder(4096)
		var got []frame.Frame
		d.Feed(wire, func(f frame.Frame) { got = append(got, f) })
		if len(got) != 1 {
			t.Fatalf("iteration %d: got %d frames, want 1", i, len(got))
		}
		if got[0].ID != id || !bytes.Equal(got[0].Data(), payload) {
			t.Fatalf("iteration %d: roundtrip mismatch: id=0x%X payload=% X", i, got[0].ID, got[0].Data())
		}
	}
}

func TestResyncAfterGarbagePrefix(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 100; i++ {
		garbage := make([]byte, rng.Intn(32))
		for j := range garbage {
			garbage[j] = byte(rng.Intn(256))
			if garbage[j] == start {
				garbage[j] = 0x01 // avoid accidental real start bytes
			}
		}
		valid, _ := Encode(0x7E8, []byte{0x41, 0x0C, 0x1A, 0xF8})
		stream := append(garbage, valid...)

		d := NewDecoder(4096)
		var got []frame.Frame
		d.Feed(stream, func(f frame.Frame) { got = append(got, f) })
		if len(got) != 1 {
			t.Fatalf("iteration %d: got %d frames, want exactly 1", i, len(got))
		}
		if got[0].ID != 0x7E8 {
			t.Fatalf("iteration %d: resynced frame has wrong id 0x%X", i, got[0].ID)
		}
	}
}

func TestNoLossAcrossSplitDeliveries(t *testing.T) {
	valid, _ := Encode(0x321, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 50; trial++ {
		d := NewDecoder(4096)
		var got []frame.Frame
		i := 0
		for i < len(valid) {
			chunk := 1 + rng.Intn(3)
			if i+chunk > len(valid) {
				chunk = len(valid) - i
			}
			d.Feed(valid[i:i+chunk], func(f frame.Frame) { got = append(got, f) })
			i += chunk
		}
		if len(got) != 1 {
			t.Fatalf("trial %d: got %d frames, want 1", trial, len(got))
		}
		if got[0].ID != 0x321 || !bytes.Equal(got[0].Data(), []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
			t.Fatalf("trial %d: split-delivery mismatch", trial)
		}
	}
}

func TestOverflowContainment(t *testing.T) {
	const maxBuf = 1024
	d := NewDecoder(maxBuf)
	garbage := bytes.Repeat([]byte{0x01}, maxBuf+100)
	var got []frame.Frame
	if overflowed := d.Feed(garbage, func(f frame.Frame) { got = append(got, f) }); !overflowed {
		t.Fatal("expected Feed to report overflow when input exceeds maxBufferSize")
	}
	if len(got) != 0 {
		t.Fatalf("got %d frames from pure garbage, want 0", len(got))
	}
	if d.Len() > maxBuf {
		t.Fatalf("buffer grew to %d bytes, want <= %d", d.Len(), maxBuf)
	}

	valid, _ := Encode(0x42, []byte{0x01})
	if overflowed := d.Feed(valid, func(f frame.Frame) { got = append(got, f) }); overflowed {
		t.Fatal("did not expect overflow report for a normal-size feed")
	}
	if len(got) != 1 || got[0].ID != 0x42 {
		t.Fatalf("valid envelope after overflow was not recognised: %+v", got)
	}
}

func TestUnknownTypeAdvancesOneByte(t *testing.T) {
	d := NewDecoder(4096)
	valid, _ := Encode(1, []byte{0x01})
	stream := append([]byte{0xAA, 0x09, 0x02}, valid...)
	var got []frame.Frame
	d.Feed(stream, func(f frame.Frame) { got = append(got, f) })
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("expected resync past unknown type byte, got %+v", got)
	}
}
