// Package logging provides the structured logger used across all three
// services, generalizing mattcburns-shoal-provision's log/slog setup with
// the {requestId, jobId, component} fields spec.md §4.7 requires on every
// line.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a slog.Logger scoped to component, writing JSON to stdout at
// the given level ("debug", "info", "warn", "error"; defaults to "info").
func New(component, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler).With("component", component)
}

// WithRequest attaches a requestId field.
func WithRequest(l *slog.Logger, requestID string) *slog.Logger {
	if requestID == "" {
		return l
	}
	return l.With("requestId", requestID)
}

// WithJob attaches a jobId field.
func WithJob(l *slog.Logger, jobID string) *slog.Logger {
	if jobID == "" {
		return l
	}
	return l.With("jobId", jobID)
}
