package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverridesBasic(t *testing.T) {
	base := baseConfig()

	os.Setenv("CANLINE_GATEWAY_CAN_BITRATE", "250")
	os.Setenv("CANLINE_GATEWAY_FILTER_ENABLED", "true")
	os.Setenv("CANLINE_GATEWAY_READ_TIMEOUT", "100ms")
	os.Setenv("CANLINE_GATEWAY_LOG_METRICS_INTERVAL", "5s")
	t.Cleanup(func() {
		os.Unsetenv("CANLINE_GATEWAY_CAN_BITRATE")
		os.Unsetenv("CANLINE_GATEWAY_FILTER_ENABLED")
		os.Unsetenv("CANLINE_GATEWAY_READ_TIMEOUT")
		os.Unsetenv("CANLINE_GATEWAY_LOG_METRICS_INTERVAL")
	})

	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.canBitrate != 250 {
		t.Fatalf("expected can-bitrate override, got %d", base.canBitrate)
	}
	if !base.filterEnabled {
		t.Fatal("expected filterEnabled true")
	}
	if base.readTimeout != 100*time.Millisecond {
		t.Fatalf("expected readTimeout 100ms, got %v", base.readTimeout)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s, got %v", base.logMetricsEvery)
	}
}

func TestApplyEnvOverridesFlagPrecedence(t *testing.T) {
	base := baseConfig()
	base.canBitrate = 500
	os.Setenv("CANLINE_GATEWAY_CAN_BITRATE", "250")
	t.Cleanup(func() { os.Unsetenv("CANLINE_GATEWAY_CAN_BITRATE") })

	if err := applyEnvOverrides(base, map[string]struct{}{"can-bitrate": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.canBitrate != 500 {
		t.Fatalf("expected can-bitrate unchanged 500, got %d", base.canBitrate)
	}
}

func TestApplyEnvOverridesBadInt(t *testing.T) {
	base := baseConfig()
	os.Setenv("CANLINE_GATEWAY_CAN_BITRATE", "notint")
	t.Cleanup(func() { os.Unsetenv("CANLINE_GATEWAY_CAN_BITRATE") })

	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatal("expected error for bad integer")
	}
}
