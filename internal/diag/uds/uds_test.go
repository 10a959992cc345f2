package uds

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) Send(canID uint32, payload []byte) error {
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func TestXORKeyFuncS6(t *testing.T) {
	key := XORKeyFunc([]byte{0x11, 0x22})
	want := []byte{0xBB, 0x88}
	if len(key) != 2 || key[0] != want[0] || key[1] != want[1] {
		t.Fatalf("key = % X, want % X", key, want)
	}
}

func TestDiagnosticSessionControlS7(t *testing.T) {
	fs := &fakeSender{}
	e := New(fs, Config{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		e.Feed(0x7E8, []byte{0x50, 0x03})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.DiagnosticSessionControl(ctx, 0x03); err != nil {
		t.Fatalf("DiagnosticSessionControl: %v", err)
	}
	if e.SessionState().CurrentSession != 0x03 {
		t.Fatalf("current_session = 0x%X, want 0x03", e.SessionState().CurrentSession)
	}
}

func TestNRCHandlingSecurityAccessDenied(t *testing.T) {
	fs := &fakeSender{}
	e := New(fs, Config{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		e.Feed(0x7E8, []byte{0x7F, 0x22, 0x33})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := e.ReadDataByIdentifier(ctx, 0xF190)
	var nrcErr *NRCError
	if !errors.As(err, &nrcErr) {
		t.Fatalf("err = %v, want *NRCError", err)
	}
	if nrcErr.NRC != NRCSecurityAccessDenied {
		t.Fatalf("nrc = 0x%02X, want 0x33", nrcErr.NRC)
	}
}

func TestResponsePendingKeepAlive(t *testing.T) {
	fs := &fakeSender{}
	e := New(fs, Config{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		e.Feed(0x7E8, []byte{0x7F, 0x10, NRCResponsePending})
		time.Sleep(10 * time.Millisecond)
		e.Feed(0x7E8, []byte{0x50, 0x02})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.DiagnosticSessionControl(ctx, 0x02); err != nil {
		t.Fatalf("DiagnosticSessionControl: %v", err)
	}
}

func TestSecurityAccessSeedKeyExchange(t *testing.T) {
	fs := &fakeSender{}
	e := New(fs, Config{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		e.Feed(0x7E8, []byte{0x67, 0x01, 0x11, 0x22})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	seed, err := e.RequestSeed(ctx, 0x01)
	if err != nil {
		t.Fatalf("RequestSeed: %v", err)
	}
	if len(seed) != 2 {
		t.Fatalf("seed = % X, want 2 bytes", seed)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		e.Feed(0x7E8, []byte{0x67, 0x02})
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := e.SendKey(ctx2, 0x01); err != nil {
		t.Fatalf("SendKey: %v", err)
	}
	if e.SessionState().SecurityLevel != 0x01 {
		t.Fatalf("security_level = %d, want 1", e.SessionState().SecurityLevel)
	}

	sentKey := fs.sent[1][2:]
	want := []byte{0xBB, 0x88}
	if sentKey[0] != want[0] || sentKey[1] != want[1] {
		t.Fatalf("sent key = % X, want % X", sentKey, want)
	}
}

func TestReadMemoryByAddressEncodesMinimalSizes(t *testing.T) {
	fs := &fakeSender{}
	e := New(fs, Config{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		e.Feed(0x7E8, []byte{0x63, 0xDE, 0xAD})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := e.ReadMemoryByAddress(ctx, 0x1234, 2)
	if err != nil {
		t.Fatalf("ReadMemoryByAddress: %v", err)
	}
	if len(data) != 2 || data[0] != 0xDE || data[1] != 0xAD {
		t.Fatalf("data = % X, want DE AD", data)
	}
	sent := fs.sent[0]
	// address 0x1234 needs 2 bytes, length 2 needs 1 byte -> size byte = (2-1)<<4 | (1-1) = 0x10
	if sent[1] != 0x10 {
		t.Fatalf("size byte = 0x%02X, want 0x10", sent[1])
	}
}

func TestClearDiagnosticInformationPDU(t *testing.T) {
	fs := &fakeSender{}
	e := New(fs, Config{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		e.Feed(0x7E8, []byte{0x54})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.ClearDiagnosticInformation(ctx, 0xFF); err != nil {
		t.Fatalf("ClearDiagnosticInformation: %v", err)
	}
	want := []byte{SIDClearDiagnosticInfo, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	got := fs.sent[0]
	if len(got) != len(want) {
		t.Fatalf("pdu = % X, want % X", got, want)
	}
}
