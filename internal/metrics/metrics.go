package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/canline-gateway/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	CodecResyncTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codec_resync_total",
		Help: "Total times the envelope decoder resynchronised after corruption.",
	})
	CodecOverflowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codec_overflow_total",
		Help: "Total times the reassembly buffer exceeded its cap and was dropped.",
	})
	SessionSentFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_sent_frames_total",
		Help: "Total CAN frames transmitted by the session layer.",
	})
	SessionReceivedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_received_frames_total",
		Help: "Total CAN frames received and accepted by the session layer's filter.",
	})
	SessionFilteredFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_filtered_frames_total",
		Help: "Total inbound CAN frames dropped by the filter table.",
	})
	ConnectionStateChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_connection_state_changes_total",
		Help: "Total connection state machine transitions.",
	})
	DiagRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diag_requests_total",
		Help: "Total diagnostic requests issued, by engine.",
	}, []string{"engine"})
	DiagTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diag_timeouts_total",
		Help: "Total diagnostic requests that timed out, by engine.",
	}, []string{"engine"})
	DiagNRCTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diag_nrc_total",
		Help: "Total negative responses received, by engine and NRC.",
	}, []string{"engine", "nrc"})
	SecurityAccessDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "security_access_denied_total",
		Help: "Total UDS SecurityAccess negative responses.",
	})
	EventDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_event_dropped_total",
		Help: "Total gateway events dropped by a slow subscriber under the drop backpressure policy.",
	})
	EventKickedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_event_subscriber_kicked_total",
		Help: "Total subscribers disconnected under the kick backpressure policy.",
	})
	SubscriberCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_event_subscribers",
		Help: "Current number of active gateway event subscribers.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrLinkOpen     = "link_open"
	ErrLinkWrite    = "link_write"
	ErrLinkRead     = "link_read"
	ErrFraming      = "framing"
	ErrProtocol     = "protocol"
	ErrTimeout      = "timeout"
	ErrState        = "state"
	ErrResourceLost = "resource_lost"
)

// StartHTTP serves Prometheus metrics at /metrics and the readiness probe at
// /ready on a new mux, listening on addr in a background goroutine.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localCodecResync   uint64
	localCodecOverflow uint64
	localSent          uint64
	localReceived      uint64
	localFiltered      uint64
	localErrors        uint64
	localDiagTimeouts  uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	CodecResync   uint64
	CodecOverflow uint64
	Sent          uint64
	Received      uint64
	Filtered      uint64
	Errors        uint64 // sum across error labels
	DiagTimeouts  uint64
}

func Snap() Snapshot {
	return Snapshot{
		CodecResync:   atomic.LoadUint64(&localCodecResync),
		CodecOverflow: atomic.LoadUint64(&localCodecOverflow),
		Sent:          atomic.LoadUint64(&localSent),
		Received:      atomic.LoadUint64(&localReceived),
		Filtered:      atomic.LoadUint64(&localFiltered),
		Errors:        atomic.LoadUint64(&localErrors),
		DiagTimeouts:  atomic.LoadUint64(&localDiagTimeouts),
	}
}

// Wrapper helpers to keep call sites simple.
func IncCodecResync() {
	CodecResyncTotal.Inc()
	atomic.AddUint64(&localCodecResync, 1)
}

func IncCodecOverflow() {
	CodecOverflowTotal.Inc()
	atomic.AddUint64(&localCodecOverflow, 1)
}

func IncSessionSent() {
	SessionSentFrames.Inc()
	atomic.AddUint64(&localSent, 1)
}

func IncSessionReceived() {
	SessionReceivedFrames.Inc()
	atomic.AddUint64(&localReceived, 1)
}

func IncSessionFiltered() {
	SessionFilteredFrames.Inc()
	atomic.AddUint64(&localFiltered, 1)
}

// IncConnectionStateChange records a session state machine transition.
func IncConnectionStateChange() { ConnectionStateChanges.Inc() }

func IncDiagRequest(engine string) { DiagRequestsTotal.WithLabelValues(engine).Inc() }

func IncDiagTimeout(engine string) {
	DiagTimeoutsTotal.WithLabelValues(engine).Inc()
	atomic.AddUint64(&localDiagTimeouts, 1)
}

// IncDiagNRC records a negative response, keyed by its 1-byte NRC code.
func IncDiagNRC(engine string, nrc byte) {
	DiagNRCTotal.WithLabelValues(engine, hexByte(nrc)).Inc()
}

func IncSecurityAccessDenied() { SecurityAccessDenied.Inc() }

func IncEventDrop() { EventDroppedTotal.Inc() }

func IncEventKick() { EventKickedTotal.Inc() }

func SetSubscriberCount(n int) { SubscriberCount.Set(float64(n)) }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrLinkOpen, ErrLinkWrite, ErrLinkRead,
		ErrFraming, ErrProtocol, ErrTimeout, ErrState, ErrResourceLost,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

func hexByte(b byte) string {
	const hexdigits = "0123456789abcdef"
	return string([]byte{'0', 'x', hexdigits[b>>4], hexdigits[b&0xF]})
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
