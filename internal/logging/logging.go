// Package logging provides structured logging for the fnetdaq binaries.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports both text and JSON
// output formats, configurable log levels, and component-based loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("builder")
//	log.Info("connected", "addr", addr)
//
//	// Log with context
//	log.Error("header checksum mismatch", "error", err, "trigger", hdr.TriggerID)
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter is Init with an explicit destination, used for log files.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	InitWithHandler(handler)
}

// InitFile sends log output to path, appending. The returned file should be
// closed at exit.
func InitFile(path string, level slog.Level, jsonFormat bool) (io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	InitWriter(f, level, jsonFormat)
	return f, nil
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	install(handler)
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// LevelFromVerbosity maps a -v/-q count to a slog level. Zero is info,
// positive values lower the threshold, negative values raise it.
func LevelFromVerbosity(v int) slog.Level {
	switch {
	case v >= 1:
		return slog.LevelDebug
	case v == 0:
		return slog.LevelInfo
	case v == -1:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// With returns a new logger with additional attributes.
// These attributes are included in every log entry from the returned logger.
func With(args ...any) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries. The
// logger may be created before Init; it always writes through the handler
// installed last.
//
// Example:
//
//	log := logging.Component("zipper")
//	log.Info("started") // Output: time=... level=INFO component=zipper msg=started
func Component(name string) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return slog.New(&forwardHandler{}).With("component", name)
}

// WithContext returns a logger that includes context values.
func WithContext(ctx context.Context) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}

	logger := Logger

	if device, ok := ctx.Value(contextKeyDevice).(int); ok {
		logger = logger.With("device", device)
	}
	if run, ok := ctx.Value(contextKeyRun).(uint32); ok {
		logger = logger.With("run", run)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyDevice contextKey = iota
	contextKeyRun
)

// ContextWithDevice adds a device id to the context for logging.
func ContextWithDevice(ctx context.Context, device int) context.Context {
	return context.WithValue(ctx, contextKeyDevice, device)
}

// ContextWithRun adds a run number to the context for logging.
func ContextWithRun(ctx context.Context, run uint32) context.Context {
	return context.WithValue(ctx, contextKeyRun, run)
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Error(msg, args...)
}
