package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Component identifies a subsystem in log lines.
type Component string

const (
	ComponentDevice  Component = "device"
	ComponentTxSlot  Component = "txslot"
	ComponentHub     Component = "hub"
	ComponentServer  Component = "server"
	ComponentReactor Component = "reactor"
	ComponentUSB     Component = "usb"
	ComponentSerial  Component = "serial"
	ComponentCAN     Component = "socketcan"
)

// Global structured logger. Initialized with a reasonable text handler.
var logger atomic.Pointer[slog.Logger]

func init() {
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
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

// For returns the global logger tagged with a component attribute.
func For(c Component) *slog.Logger { return L().With("component", string(c)) }

// ParseLevel maps debug|info|warn|error to a slog level (info when unknown).
func ParseLevel(s string) slog.Level {
	switch s {
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

// New creates a new logger with given level, format ("text" or "json"), and optional writer (defaults stderr).
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(h)
}

// Discard returns a logger that drops everything (tests).
func Discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
