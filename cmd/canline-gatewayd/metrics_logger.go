package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/canline-gateway/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"codec_resync", snap.CodecResync,
					"codec_overflow", snap.CodecOverflow,
					"session_sent", snap.Sent,
					"session_received", snap.Received,
					"session_filtered", snap.Filtered,
					"diag_timeouts", snap.DiagTimeouts,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
