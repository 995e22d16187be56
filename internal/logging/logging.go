// Package logging wraps log/slog with the small printf-style facade the rest
// of the codebase uses. The console handler is tint; JSON output is available
// for the server when stdout is not a terminal.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

var (
	disabled atomic.Bool
	logger   atomic.Pointer[slog.Logger]
)

func init() {
	logger.Store(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.TimeOnly,
	})))
}

// Options controls Setup.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text (tint) or json
	Output io.Writer
}

// Setup replaces the process logger and installs it as slog's default.
func Setup(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := ParseLevel(opts.Level)

	var h slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		h = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		h = tint.NewHandler(out, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
	}
	l := slog.New(h)
	logger.Store(l)
	slog.SetDefault(l)
	return l
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the current logger. When logging is disabled it returns a logger
// that discards everything.
func L() *slog.Logger {
	if disabled.Load() {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return logger.Load()
}

// With returns a child logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return L().With(args...)
}

// Disable turns off all logging
func Disable() {
	disabled.Store(true)
}

// Enable turns logging back on
func Enable() {
	disabled.Store(false)
}

func logf(level slog.Level, format string, v ...any) {
	l := L()
	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

// Infof logs a formatted info message
func Infof(format string, v ...any) { logf(slog.LevelInfo, format, v...) }

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) { logf(slog.LevelWarn, format, v...) }

// Errorf logs a formatted error message
func Errorf(format string, v ...any) { logf(slog.LevelError, format, v...) }

// Debugf logs a formatted debug message
func Debugf(format string, v ...any) { logf(slog.LevelDebug, format, v...) }
