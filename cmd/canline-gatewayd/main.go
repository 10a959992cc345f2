package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/canline-gateway/internal/diag/obd2"
	"github.com/kstaniek/canline-gateway/internal/diag/uds"
	"github.com/kstaniek/canline-gateway/internal/gatewayapi"
	"github.com/kstaniek/canline-gateway/internal/link"
	"github.com/kstaniek/canline-gateway/internal/metrics"
	"github.com/kstaniek/canline-gateway/internal/session"
)

// Helper implementations live in dedicated files: version.go, config.go,
// logger.go, metrics_logger.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("canline-gatewayd %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}

	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	bitrate, err := link.ParseBitrate(cfg.canBitrate)
	if err != nil {
		l.Error("startup_error", "error", err)
		os.Exit(1)
	}

	opener := session.DefaultSerialOpener
	if cfg.linkKind == "usb" {
		opener = func(sc session.Config) (link.Link, error) {
			return link.DefaultUSBOpener(sc.USB)
		}
	}

	gw := gatewayapi.New(opener, gatewayapi.EngineConfig{
		OBD2: obd2.Config{
			RequestID:  uint32(cfg.obdRequestID),
			RespIDLow:  uint32(cfg.obdRespLow),
			RespIDHigh: uint32(cfg.obdRespHigh),
		},
		UDS: uds.Config{
			RequestID:  uint32(cfg.udsRequestID),
			ResponseID: uint32(cfg.udsResponseID),
		},
	})
	gw.SetFilterEnabled(cfg.filterEnabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)
	go logEvents(ctx, gw, l)

	sessCfg := session.Config{
		PortName:       cfg.portName,
		Bitrate:        bitrate,
		ReadTimeout:    cfg.readTimeout,
		WriteTimeout:   cfg.writeTimeout,
		MaxBufferBytes: cfg.maxBufferBytes,
		USB: link.USBConfig{
			VendorID:     uint16(cfg.usbVID),
			ProductID:    uint16(cfg.usbPID),
			WriteTimeout: cfg.writeTimeout,
		},
	}
	if err := gw.Connect(sessCfg); err != nil {
		l.Error("connect_failed", "error", err)
	}

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	_ = gw.Disconnect()
	wg.Wait()
}

// logEvents drains the gateway's connection-status, error, and diagnostic
// event channels into the structured logger; the frame channels are for
// application consumers (a GUI or a scripted client), not the daemon itself.
func logEvents(ctx context.Context, gw *gatewayapi.Gateway, l *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case connected := <-gw.ConnectionStatusChanged:
			l.Info("connection_status_changed", "connected", connected)
		case err := <-gw.ErrorOccurred:
			l.Warn("gateway_error", "error", err)
		case service := <-gw.DiagnosticTimeout:
			l.Warn("diagnostic_timeout", "service", service)
		case resp := <-gw.DiagnosticResponse:
			l.Debug("diagnostic_response", "bytes", len(resp))
		case dtcs := <-gw.DtcList:
			l.Info("dtc_list", "count", len(dtcs))
		}
	}
}
