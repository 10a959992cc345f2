package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	linkKind       string
	portName       string
	canBitrate     int
	readTimeout    time.Duration
	writeTimeout   time.Duration
	maxBufferBytes int
	usbVID         uint
	usbPID         uint

	filterEnabled bool

	udsRequestID  uint
	udsResponseID uint
	obdRequestID  uint
	obdRespLow    uint
	obdRespHigh   uint

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	linkKind := flag.String("link", "serial", "L0 transport: serial|usb")
	portName := flag.String("port", "/dev/ttyUSB0", "Serial device path (when --link=serial)")
	canBitrate := flag.Int("can-bitrate", 500, "CAN bus bitrate in kbps: 125|250|500|1000")
	readTimeout := flag.Duration("read-timeout", 50*time.Millisecond, "Link read timeout")
	writeTimeout := flag.Duration("write-timeout", time.Second, "Link write timeout")
	maxBufferBytes := flag.Int("max-buffer-bytes", 4096, "Reassembly buffer cap before an overflow resync")
	usbVID := flag.Uint("usb-vid", 0, "USB vendor id (when --link=usb)")
	usbPID := flag.Uint("usb-pid", 0, "USB product id (when --link=usb)")
	filterEnabled := flag.Bool("filter-enabled", false, "Enable inbound CAN ID filtering at startup")
	udsRequestID := flag.Uint("uds-request-id", 0x7DF, "UDS functional request CAN ID")
	udsResponseID := flag.Uint("uds-response-id", 0x7E8, "UDS response CAN ID")
	obdRequestID := flag.Uint("obd-request-id", 0x7DF, "OBD-II broadcast request CAN ID")
	obdRespLow := flag.Uint("obd-resp-low", 0x7E8, "OBD-II accepted response CAN ID range, low bound")
	obdRespHigh := flag.Uint("obd-resp-high", 0x7EB, "OBD-II accepted response CAN ID range, high bound")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: trace|debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.linkKind = *linkKind
	cfg.portName = *portName
	cfg.canBitrate = *canBitrate
	cfg.readTimeout = *readTimeout
	cfg.writeTimeout = *writeTimeout
	cfg.maxBufferBytes = *maxBufferBytes
	cfg.usbVID = *usbVID
	cfg.usbPID = *usbPID
	cfg.filterEnabled = *filterEnabled
	cfg.udsRequestID = *udsRequestID
	cfg.udsResponseID = *udsResponseID
	cfg.obdRequestID = *obdRequestID
	cfg.obdRespLow = *obdRespLow
	cfg.obdRespHigh = *obdRespHigh
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.linkKind {
	case "serial", "usb":
	default:
		return fmt.Errorf("invalid link: %s", c.linkKind)
	}
	switch c.canBitrate {
	case 125, 250, 500, 1000:
	default:
		return fmt.Errorf("invalid can-bitrate: %d", c.canBitrate)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.linkKind == "usb" && (c.usbVID == 0 || c.usbPID == 0) {
		return errors.New("usb-vid and usb-pid are required when --link=usb")
	}
	if c.maxBufferBytes <= 0 {
		return fmt.Errorf("max-buffer-bytes must be > 0 (got %d)", c.maxBufferBytes)
	}
	if c.readTimeout <= 0 {
		return errors.New("read-timeout must be > 0")
	}
	if c.writeTimeout <= 0 {
		return errors.New("write-timeout must be > 0")
	}
	if c.udsRequestID > 0x1FFFFFFF || c.udsResponseID > 0x1FFFFFFF {
		return errors.New("uds-request-id/uds-response-id exceed 29-bit CAN ID range")
	}
	if c.obdRespLow > c.obdRespHigh {
		return errors.New("obd-resp-low must be <= obd-resp-high")
	}
	return nil
}

// applyEnvOverrides maps CANLINE_GATEWAY_* environment variables to config
// fields unless a corresponding flag was explicitly set. Boolean & numeric
// parsing is lax: empty values ignored. Duration accepts Go's
// time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	setInt := func(flagName, envName string, dst *int, min int) {
		if _, ok := set[flagName]; ok {
			return
		}
		v, ok := get(envName)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", envName, err)
			}
			return
		}
		if n < min {
			return
		}
		*dst = n
	}
	setUint := func(flagName, envName string, dst *uint) {
		if _, ok := set[flagName]; ok {
			return
		}
		v, ok := get(envName)
		if !ok || v == "" {
			return
		}
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", envName, err)
			}
			return
		}
		*dst = uint(n)
	}
	setDuration := func(flagName, envName string, dst *time.Duration, allowZero bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		v, ok := get(envName)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", envName, err)
			}
			return
		}
		if d < 0 || (d == 0 && !allowZero) {
			return
		}
		*dst = d
	}
	setString := func(flagName, envName string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			*dst = v
		}
	}
	setBool := func(flagName, envName string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		v, ok := get(envName)
		if !ok || v == "" {
			return
		}
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}

	setString("link", "CANLINE_GATEWAY_LINK", &c.linkKind)
	setString("port", "CANLINE_GATEWAY_PORT", &c.portName)
	setInt("can-bitrate", "CANLINE_GATEWAY_CAN_BITRATE", &c.canBitrate, 1)
	setDuration("read-timeout", "CANLINE_GATEWAY_READ_TIMEOUT", &c.readTimeout, false)
	setDuration("write-timeout", "CANLINE_GATEWAY_WRITE_TIMEOUT", &c.writeTimeout, false)
	setInt("max-buffer-bytes", "CANLINE_GATEWAY_MAX_BUFFER_BYTES", &c.maxBufferBytes, 1)
	setUint("usb-vid", "CANLINE_GATEWAY_USB_VID", &c.usbVID)
	setUint("usb-pid", "CANLINE_GATEWAY_USB_PID", &c.usbPID)
	setBool("filter-enabled", "CANLINE_GATEWAY_FILTER_ENABLED", &c.filterEnabled)
	setUint("uds-request-id", "CANLINE_GATEWAY_UDS_REQUEST_ID", &c.udsRequestID)
	setUint("uds-response-id", "CANLINE_GATEWAY_UDS_RESPONSE_ID", &c.udsResponseID)
	setUint("obd-request-id", "CANLINE_GATEWAY_OBD_REQUEST_ID", &c.obdRequestID)
	setUint("obd-resp-low", "CANLINE_GATEWAY_OBD_RESP_LOW", &c.obdRespLow)
	setUint("obd-resp-high", "CANLINE_GATEWAY_OBD_RESP_HIGH", &c.obdRespHigh)
	setString("log-format", "CANLINE_GATEWAY_LOG_FORMAT", &c.logFormat)
	setString("log-level", "CANLINE_GATEWAY_LOG_LEVEL", &c.logLevel)
	setString("metrics-addr", "CANLINE_GATEWAY_METRICS", &c.metricsAddr)
	setDuration("log-metrics-interval", "CANLINE_GATEWAY_LOG_METRICS_INTERVAL", &c.logMetricsEvery, true)

	return firstErr
}
