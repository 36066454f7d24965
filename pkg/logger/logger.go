// Package logger configures the process-wide slog logger used by every
// chorus package. Components log with trace_id/node_id attributes so a
// single trace can be grepped out of interleaved output.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu            sync.RWMutex
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
)

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error. Unknown strings fall back to warn.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// Options controls Init.
type Options struct {
	Level  string
	Format string // "text" or "json"
	Output io.Writer
}

// Init installs the process logger. Safe to call more than once; the last
// call wins. Packages that cached the logger via Get keep their handle, so
// Init should run before anything else in main.
func Init(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var handler slog.Handler
	if strings.ToLower(opts.Format) == "json" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	l := slog.New(handler)
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
	slog.SetDefault(l)
	return l
}

// Get returns the process logger.
func Get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// WithTrace returns a logger carrying trace_id and node_id attributes.
// Empty ids are omitted so temporary invocations stay readable.
func WithTrace(traceID, nodeID string) *slog.Logger {
	l := Get()
	if traceID != "" {
		l = l.With("trace_id", traceID)
	}
	if nodeID != "" {
		l = l.With("node_id", nodeID)
	}
	return l
}
