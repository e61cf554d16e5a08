// Package logging builds the slog loggers used across emproxy.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a logger writing to stderr.
// Levels: debug, info, warn, error. Formats: text, json.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to w.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// ValidLevel reports whether level is a name NewLogger understands.
func ValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// ValidFormat reports whether format is text or json.
func ValidFormat(format string) bool {
	return strings.EqualFold(format, "text") || strings.EqualFold(format, "json")
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Attribute keys shared by all components.
const (
	KeyComponent = "component"
	KeyAddress   = "address"
	KeyPeer      = "peer"
	KeyState     = "state"
	KeyOutcome   = "outcome"
	KeyAttempt   = "attempt"
	KeyPort      = "port"
	KeyBytes     = "bytes"
	KeyCount     = "count"
	KeyDuration  = "duration"
	KeyError     = "error"
	KeySource    = "src"
	KeyDest      = "dst"
)
