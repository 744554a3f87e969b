package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "text", &buf)

	logger.Info("saving command file", "path", "/dev/shm/job/batch")

	output := buf.String()
	if !strings.Contains(output, "saving command file") {
		t.Errorf("expected message in output, got: %s", output)
	}
	if !strings.Contains(output, "path=/dev/shm/job/batch") {
		t.Errorf("expected path attr in output, got: %s", output)
	}
	if !strings.Contains(output, "level=INFO") {
		t.Errorf("expected level=INFO in output, got: %s", output)
	}
}

func TestNewLoggerWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "json", &buf)

	logger.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, `"msg":"test message"`) {
		t.Errorf("expected JSON msg field in output, got: %s", output)
	}
	if !strings.Contains(output, `"key":"value"`) {
		t.Errorf("expected JSON key field in output, got: %s", output)
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelWarn, "text", &buf)

	logger.Info("should not appear")
	logger.Warn("should appear")

	output := buf.String()
	if strings.Contains(output, "should not appear") {
		t.Errorf("INFO message should be filtered at WARNING level, got: %s", output)
	}
	if !strings.Contains(output, "level=WARNING") {
		t.Errorf("WARN records should be named WARNING, got: %s", output)
	}
}

func TestNewLoggerWithWriter_Critical(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LevelCritical, "text", &buf)

	logger.Error("filtered")
	logger.Log(context.Background(), LevelCritical, "specimen id missing")

	output := buf.String()
	if strings.Contains(output, "filtered") {
		t.Errorf("ERROR should be filtered at CRITICAL, got: %s", output)
	}
	if !strings.Contains(output, "level=CRITICAL") {
		t.Errorf("expected level=CRITICAL, got: %s", output)
	}
}

func TestNewLoggerWithWriter_ChildLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelDebug, "text", &buf)
	child := logger.With("component", "workflow")

	child.Debug("execute", "job_id", "job_abc")

	output := buf.String()
	if !strings.Contains(output, "component=workflow") {
		t.Errorf("expected component in output, got: %s", output)
	}
	if !strings.Contains(output, "job_id=job_abc") {
		t.Errorf("expected job_id in output, got: %s", output)
	}
}

func TestOpenLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	logger, closer, err := OpenLogger(path, slog.LevelInfo, "text")
	if err != nil {
		t.Fatalf("OpenLogger: %v", err)
	}
	logger.Info("to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file missing record: %s", data)
	}
}

func TestOpenLogger_Stderr(t *testing.T) {
	logger, closer, err := OpenLogger("", slog.LevelInfo, "text")
	if err != nil {
		t.Fatalf("OpenLogger: %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger")
	}
	if err := closer.Close(); err != nil {
		t.Errorf("stderr closer should be a no-op, got %v", err)
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
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"CRITICAL", LevelCritical},
		{"unknown", slog.LevelWarn},
		{"", slog.LevelWarn},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestLevelName_RoundTrip(t *testing.T) {
	for _, name := range []string{"CRITICAL", "ERROR", "WARNING", "INFO", "DEBUG"} {
		if !ValidLevel(name) {
			t.Errorf("ValidLevel(%q) = false", name)
		}
		if got := LevelName(ParseLevel(name)); got != name {
			t.Errorf("LevelName(ParseLevel(%q)) = %q", name, got)
		}
	}
	if ValidLevel("verbose") {
		t.Error("ValidLevel(verbose) should be false")
	}
}
