// Package logging provides the line-oriented logger used by every dcn
// participant: LEVEL TIMESTAMP [component] message key=value ...
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger provides structured logging to stdout.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	traceID   string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		traceID:   l.traceID,
	}
}

// WithTraceID returns a new logger with the given trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		traceID:   traceID,
	}
}

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "WARNING":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a log entry in traditional format: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// OpenFile mirrors log output into the file at path, appending.
// The returned closer releases the file.
func (l *Logger) OpenFile(path string) (io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l.mu.Lock()
	l.output = io.MultiWriter(l.output, f)
	l.mu.Unlock()
	return f, nil
}

// --- Domain event helpers ---

// CommandHandled logs a control request handled by the dispatcher.
func (l *Logger) CommandHandled(command string, agentID int, result bool, duration time.Duration) {
	l.Debug("command", map[string]interface{}{
		"command":  command,
		"agent":    agentID,
		"result":   result,
		"duration": duration.String(),
	})
}

// CommandRejected logs a control request rejected as a protocol error.
func (l *Logger) CommandRejected(command string, reason string) {
	l.Warn("command_rejected", map[string]interface{}{
		"command": command,
		"reason":  reason,
	})
}

// TaskStage logs a task runner stage outcome.
func (l *Logger) TaskStage(taskID int, stage string, err error) {
	fields := map[string]interface{}{
		"task":  taskID,
		"stage": stage,
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("task_stage_failed", fields)
		return
	}
	l.Debug("task_stage", fields)
}

// TaskComplete logs the end of a task, successful or not.
func (l *Logger) TaskComplete(taskID int, client string, status bool, duration time.Duration) {
	l.Info("task_complete", map[string]interface{}{
		"task":     taskID,
		"client":   client,
		"status":   status,
		"duration": duration.String(),
	})
}

// BrokerAttempt logs a broker connection attempt.
func (l *Logger) BrokerAttempt(host string, attempt, max int, err error) {
	fields := map[string]interface{}{
		"host":    host,
		"attempt": fmt.Sprintf("%d/%d", attempt, max),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("broker_connect_failed", fields)
		return
	}
	l.Info("broker_connected", fields)
}
