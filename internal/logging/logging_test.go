package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/me/cwlengine/pkg/model"
)

func TestNewWithWriter_Formats(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"msg=\"job submitted\"", "queue=short"}},
		{"json", []string{`"msg":"job submitted"`, `"queue":"short"`}},
		{"JSON", []string{`"msg":"job submitted"`}},
		{"", []string{"queue=short"}},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		NewWithWriter("info", tt.format, &buf).Info("job submitted", "queue", "short")
		for _, w := range tt.want {
			if !strings.Contains(buf.String(), w) {
				t.Errorf("format %q: output %q missing %q", tt.format, buf.String(), w)
			}
		}
	}
}

func TestNewWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("warn", "text", &buf)
	logger.Info("should not appear")
	logger.Warn("should appear")

	if strings.Contains(buf.String(), "should not appear") {
		t.Errorf("INFO message should be filtered at WARN level, got: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "should appear") {
		t.Errorf("WARN message missing, got: %s", buf.String())
	}
}

func TestForJob(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("debug", "text", &buf).With("component", "engine")
	job := model.NewJobInstance("align", 2, 1, model.RuntimeEnvLocal)

	ForJob(logger, job).Debug("instance finished")

	for _, w := range []string{"component=engine", "step=align", "job_id=" + job.ID, "attempt=1", "scatter_index=2"} {
		if !strings.Contains(buf.String(), w) {
			t.Errorf("output %q missing %q", buf.String(), w)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
