// Package logging builds the engine's slog loggers.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/me/cwlengine/pkg/model"
)

// New creates a logger writing to stderr; stdout carries the run's output
// object.
func New(level, format string) *slog.Logger {
	return NewWithWriter(level, format, os.Stderr)
}

// NewWithWriter creates a logger writing to w. format is "text" or "json".
func NewWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ForJob scopes logger to one job instance.
func ForJob(logger *slog.Logger, job *model.JobInstance) *slog.Logger {
	return logger.With("step", job.StepID, "job_id", job.ID, "attempt", job.Attempt, "scatter_index", job.ScatterIndex)
}

// ParseLevel converts a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
