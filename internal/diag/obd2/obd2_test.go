package obd2

import (
	"context"
	"math"
	"testing"
	"time"
)

// fakeSender records outbound sends and lets the test script a scripted
// response by directly calling the returned engine's Feed method.
type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) Send(canID uint32, payload []byte) error {
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestDecodeVehicleSpeedS3(t *testing.T) {
	d, err := Decode(0x0D, []byte{0x50})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !almostEqual(d.Value, 80) {
		t.Errorf("value = %v, want 80", d.Value)
	}
}

func TestDecodeEngineRPMS4(t *testing.T) {
	d, err := Decode(0x0C, []byte{0x1A, 0xF8})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !almostEqual(d.Value, 1726) {
		t.Errorf("value = %v, want 1726", d.Value)
	}
}

func TestReadPIDRoundTrip(t *testing.T) {
	fs := &fakeSender{}
	e := New(fs, Config{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		e.Feed(0x7E8, []byte{0x41, 0x0D, 0x50})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := e.ReadPID(ctx, 0x01, 0x0D)
	if err != nil {
		t.Fatalf("ReadPID: %v", err)
	}
	if !almostEqual(d.Value, 80) {
		t.Fatalf("value = %v, want 80", d.Value)
	}
	if len(fs.sent) != 1 || fs.sent[0][0] != 0x01 || fs.sent[0][1] != 0x0D {
		t.Fatalf("sent = %v, want [0x01 0x0D]", fs.sent)
	}
}

func TestReadPIDTimeout(t *testing.T) {
	fs := &fakeSender{}
	e := New(fs, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := e.ReadPID(ctx, 0x01, 0x0D); err == nil {
		t.Fatal("expected error on abandoned request")
	}
}

func TestSecondRequestBusyWhileFirstPending(t *testing.T) {
	fs := &fakeSender{}
	e := New(fs, Config{})

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e.ReadPID(ctx, 0x01, 0x0D)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if e.Busy() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !e.Busy() {
		t.Fatal("expected engine to be busy with outstanding request")
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	if _, err := e.ReadPID(ctx2, 0x01, 0x0C); err == nil {
		t.Fatal("expected second concurrent request to fail")
	}

	e.Feed(0x7E8, []byte{0x41, 0x0D, 0x50})
	<-done
}

func TestReadStoredDTC(t *testing.T) {
	fs := &fakeSender{}
	e := New(fs, Config{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		e.Feed(0x7E8, []byte{0x43, 0x01, 0x01, 0x33})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dtcs, err := e.ReadStoredDTC(ctx)
	if err != nil {
		t.Fatalf("ReadStoredDTC: %v", err)
	}
	if len(dtcs) != 1 || dtcs[0].String() != "P0133" {
		t.Fatalf("dtcs = %v, want [P0133]", dtcs)
	}
}
