// Package metrics provides JSONL event logging for analytics.
package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event names written to the log.
const (
	EventRequest  = "request"
	EventToolCall = "tool_call"
	EventError    = "error"
)

// Logger writes metrics events to a JSONL file.
type Logger struct {
	file *os.File
	mu   sync.Mutex
}

// NewLogger opens path for appending, creating parent directories.
func NewLogger(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	return &Logger{file: file}, nil
}

// Close closes the log file.
func (l *Logger) Close() error {
	return l.file.Close()
}

func (l *Logger) log(event string, data map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := map[string]interface{}{
		"ts":    time.Now().UTC().Format(time.RFC3339),
		"event": event,
	}
	for k, v := range data {
		e[k] = v
	}

	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = l.file.Write(append(line, '\n'))
}

// LogRequest records one answered JSON-RPC request. code is 0 on success.
func (l *Logger) LogRequest(method string, code int, latencyMs int64) {
	l.log(EventRequest, map[string]interface{}{
		"method":     method,
		"code":       code,
		"latency_ms": latencyMs,
	})
}

// LogToolCall records one tool invocation.
func (l *Logger) LogToolCall(tool string, isError bool, latencyMs int64) {
	l.log(EventToolCall, map[string]interface{}{
		"tool":       tool,
		"is_error":   isError,
		"latency_ms": latencyMs,
	})
}

// LogError logs an error event.
func (l *Logger) LogError(operation, message string) {
	l.log(EventError, map[string]interface{}{
		"operation": operation,
		"message":   message,
	})
}
