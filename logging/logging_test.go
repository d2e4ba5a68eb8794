package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelInfo)

	// Debug should be filtered
	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	// Info should pass
	logger.Info("info message")
	if buf.Len() == 0 {
		t.Error("info message should be logged")
	}

	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Error("log should contain INFO level")
	}
	if !strings.Contains(output, "info message") {
		t.Error("log should contain the message")
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithComponent("dispatcher")
	logger.SetOutput(&buf)

	logger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "[dispatcher]") {
		t.Errorf("expected component 'dispatcher' in log, got: %s", output)
	}
}

func TestLogger_WithTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithTraceID("req-123")
	logger.SetOutput(&buf)

	logger.Info("test message")

	// TraceID is stored but not shown in simple format
	// Just ensure logging works
	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Error("log should contain the message")
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.Info("dispatch", map[string]interface{}{
		"queue": "task",
	})

	output := buf.String()
	if !strings.Contains(output, "queue=task") {
		t.Errorf("expected field 'queue=task' in log, got: %s", output)
	}
}

func TestLogger_FieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.Info("pulse", map[string]interface{}{"b": 2, "a": 1})

	if !strings.Contains(buf.String(), "pulse a=1 b=2") {
		t.Errorf("fields should be sorted by key, got: %s", buf.String())
	}
}

func TestLogger_TaskStage(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelDebug)

	logger.TaskStage(7, "validate", nil)
	logger.TaskStage(7, "execute", errString("boom"))

	output := buf.String()
	if !strings.Contains(output, "task_stage stage=validate task=7") {
		t.Errorf("expected validate stage, got: %s", output)
	}
	if !strings.Contains(output, "WARN") || !strings.Contains(output, "error=boom") {
		t.Errorf("failed stage should be WARN with error, got: %s", output)
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"WARNING", LevelWarn},
		{" error ", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogger_OpenFile(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	path := filepath.Join(t.TempDir(), "agent.log")
	closer, err := logger.OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	logger.Info("mirrored")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "mirrored") || !strings.Contains(buf.String(), "mirrored") {
		t.Error("log line should reach both the writer and the file")
	}
}

func TestLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithComponent("test")
	logger.SetOutput(&buf)

	logger.Info("hello world", map[string]interface{}{"key": "value"})

	output := buf.String()
	// Format: LEVEL TIMESTAMP [component] message key=value
	// Example: INFO  2026-02-05T04:00:00.000Z [test] hello world key=value
	if !strings.HasPrefix(output, "INFO ") {
		t.Errorf("expected line to start with 'INFO ', got: %s", output)
	}
	if !strings.Contains(output, "[test]") {
		t.Errorf("expected component [test], got: %s", output)
	}
	if !strings.Contains(output, "hello world") {
		t.Errorf("expected message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected key=value, got: %s", output)
	}
}

func TestLogger_TaskComplete(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.TaskComplete(7, "c1", true, 10*time.Millisecond)

	output := buf.String()
	if !strings.Contains(output, "task_complete") {
		t.Error("expected task_complete log")
	}
	if !strings.Contains(output, "client=c1") || !strings.Contains(output, "duration=") {
		t.Errorf("expected client and duration, got: %s", output)
	}
}
