package gatewayapi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/canline-gateway/internal/codec"
	"github.com/kstaniek/canline-gateway/internal/diag"
	"github.com/kstaniek/canline-gateway/internal/diag/obd2"
	"github.com/kstaniek/canline-gateway/internal/diag/uds"
	"github.com/kstaniek/canline-gateway/internal/frame"
	"github.com/kstaniek/canline-gateway/internal/link"
	"github.com/kstaniek/canline-gateway/internal/session"
)

// fakeLink mirrors internal/session's test double so gatewayapi can drive a
// Gateway end to end without real hardware.
type fakeLink struct {
	mu      sync.Mutex
	rxQueue [][]byte
	readErr error
}

func (f *fakeLink) Write(p []byte) error { return nil }

func (f *fakeLink) Read() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	if len(f.rxQueue) == 0 {
		return nil, nil
	}
	chunk := f.rxQueue[0]
	f.rxQueue = f.rxQueue[1:]
	return chunk, nil
}

func (f *fakeLink) Close() error { return nil }

func (f *fakeLink) queueRx(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rxQueue = append(f.rxQueue, data)
}

func newTestGateway(fl *fakeLink) *Gateway {
	return New(func(cfg session.Config) (link.Link, error) { return fl, nil }, EngineConfig{})
}

func TestDisconnectAbortsPendingDiagnosticRequests(t *testing.T) {
	fl := &fakeLink{}
	gw := newTestGateway(fl)
	if err := gw.Connect(session.Config{MaxBufferBytes: 4096}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := gw.OBD2().ReadPID(ctx, obd2.ModeShowCurrentData, 0x0D)
		done <- err
	}()

	// Give the request time to admit into the correlator before tearing the
	// link down.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !gw.OBD2().Busy() {
		time.Sleep(time.Millisecond)
	}
	if !gw.OBD2().Busy() {
		t.Fatal("expected obd2 engine to have an outstanding request before disconnect")
	}

	if err := gw.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, diag.ErrConnectionLost) {
			t.Fatalf("ReadPID error = %v, want ErrConnectionLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for aborted request to return")
	}
}

func TestReadDTCListPublishesDtcListAndDiagnosticResponse(t *testing.T) {
	fl := &fakeLink{}
	gw := newTestGateway(fl)
	if err := gw.Connect(session.Config{MaxBufferBytes: 4096}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer gw.Disconnect()

	result := make(chan []frame.DTC, 1)
	errs := make(chan error, 1)
	go func() {
		dtcs, err := gw.ReadDTCList(2 * time.Second)
		result <- dtcs
		errs <- err
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !gw.OBD2().Busy() {
		time.Sleep(time.Millisecond)
	}
	if !gw.OBD2().Busy() {
		t.Fatal("expected obd2 engine to have an outstanding request")
	}

	// Mode 0x03 response: sid 0x43, dtc count 1, dtc 0x8235.
	wire, err := codec.Encode(0x7E8, []byte{0x43, 0x01, 0x82, 0x35})
	if err != nil {
		t.Fatalf("codec.Encode: %v", err)
	}
	fl.queueRx(wire)

	select {
	case err := <-errs:
		if err != nil {
			t.Fatalf("ReadDTCList: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ReadDTCList")
	}
	dtcs := <-result
	if len(dtcs) != 1 {
		t.Fatalf("got %d dtcs, want 1", len(dtcs))
	}

	select {
	case got := <-gw.DtcList:
		if len(got) != 1 {
			t.Fatalf("DtcList event carried %d dtcs, want 1", len(got))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for DtcList event")
	}

	select {
	case got := <-gw.DiagnosticResponse:
		if len(got) == 0 || got[0] != 0x43 {
			t.Fatalf("DiagnosticResponse = % X, want to start with 0x43", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for DiagnosticResponse event")
	}
}

func TestReadUDSDTCListPublishesDtcList(t *testing.T) {
	fl := &fakeLink{}
	gw := newTestGateway(fl)
	if err := gw.Connect(session.Config{MaxBufferBytes: 4096}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer gw.Disconnect()

	result := make(chan []frame.DTC, 1)
	errs := make(chan error, 1)
	go func() {
		dtcs, err := gw.ReadUDSDTCList(2 * time.Second)
		result <- dtcs
		errs <- err
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !gw.UDS().Busy() {
		time.Sleep(time.Millisecond)
	}
	if !gw.UDS().Busy() {
		t.Fatal("expected uds engine to have an outstanding request")
	}

	// ReadDTCInformation response: sid 0x59, sub 0x02, availability mask
	// 0xFF, one 4-byte record for dtc 0x8235 with status byte 0x08.
	wire, err := codec.Encode(0x7E8, []byte{0x59, 0x02, 0xFF, 0x82, 0x35, 0x08, 0x00})
	if err != nil {
		t.Fatalf("codec.Encode: %v", err)
	}
	fl.queueRx(wire)

	select {
	case err := <-errs:
		if err != nil {
			t.Fatalf("ReadUDSDTCList: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ReadUDSDTCList")
	}
	dtcs := <-result
	if len(dtcs) != 1 || dtcs[0].Code != 0x8235 {
		t.Fatalf("got %v, want one dtc 0x8235", dtcs)
	}

	select {
	case got := <-gw.DtcList:
		if len(got) != 1 || got[0].Code != 0x8235 {
			t.Fatalf("DtcList event = %v, want one dtc 0x8235", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for DtcList event")
	}
}

func TestUDSEngineAlsoAbortsOnDisconnect(t *testing.T) {
	fl := &fakeLink{}
	gw := newTestGateway(fl)
	if err := gw.Connect(session.Config{MaxBufferBytes: 4096}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := gw.UDS().DiagnosticSessionControl(ctx, 0x03)
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !gw.UDS().Busy() {
		time.Sleep(time.Millisecond)
	}
	if !gw.UDS().Busy() {
		t.Fatal("expected uds engine to have an outstanding request before disconnect")
	}

	if err := gw.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	select {
	case err := <-done:
		var nrcErr *uds.NRCError
		if errors.As(err, &nrcErr) {
			t.Fatalf("expected ErrConnectionLost, got NRC error %v", err)
		}
		if !errors.Is(err, diag.ErrConnectionLost) {
			t.Fatalf("DiagnosticSessionControl error = %v, want ErrConnectionLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for aborted request to return")
	}
}
