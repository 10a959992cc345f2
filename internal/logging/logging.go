package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// LevelTrace sits below Debug for per-frame wire tracing: logging every
// decoded CAN frame at Debug would drown a bus running at a few hundred Hz,
// so that noisiest tier gets its own level, off by default.
const LevelTrace = slog.LevelDebug - 4

// Global structured logger. Initialized with a reasonable text handler.
var logger atomic.Pointer[slog.Logger]

func init() {
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo, ReplaceAttr: hexifyCANAttrs}))
	logger.Store(l)
}

// L returns the current global logger.
func L() *slog.Logger { return logger.Load() }

// Set replaces the global logger.
func Set(l *slog.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// ParseLevel maps a CLI --log-level value to a slog level, defaulting to
// Info for anything unrecognized. "trace" is the gateway's own addition for
// dumping raw frame traffic.
func ParseLevel(name string) slog.Level {
	switch name {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a new logger with given level, format ("text" or "json"), and
// optional writer (defaults stderr). Every handler hexifies can_id attrs, so
// callers never have to remember to fmt.Sprintf("0x%03X", ...) a frame ID
// themselves before logging it.
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: hexifyCANAttrs}
	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// hexifyCANAttrs rewrites the can_id attr (present on most link/session/diag
// log lines) from slog's default decimal rendering to the 0x%03X form every
// CAN tool and the wire protocol itself already use, so a logged ID is
// directly greppable against a candump or the codec's own envelope bytes.
// canID is passed around the gateway as uint32, which slog stores as a
// Uint64 value (and a plain int as an Int64 value), so a.Value.Any() yields
// uint64 or int64 here.
func hexifyCANAttrs(groups []string, a slog.Attr) slog.Attr {
	if a.Key != "can_id" {
		return a
	}
	switch v := a.Value.Any().(type) {
	case uint32:
		return slog.String(a.Key, fmt.Sprintf("0x%03X", v))
	case uint64:
		return slog.String(a.Key, fmt.Sprintf("0x%03X", v))
	case int64:
		return slog.String(a.Key, fmt.Sprintf("0x%03X", v))
	default:
		return a
	}
}
