package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// RequestLog is one line of the optional gateway request log.
type RequestLog struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	TraceID      string    `json:"trace_id,omitempty"`
	Host         string    `json:"host"`
	AppID        string    `json:"app_id,omitempty"`
	RouteID      string    `json:"route_id,omitempty"`
	DeploymentID string    `json:"deployment_id,omitempty"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Status       int       `json:"status"`
	Outcome      string    `json:"outcome"`
	DurationMs   int64     `json:"duration_ms"`
	ClientIP     string    `json:"client_ip,omitempty"`
}

// Logger writes request lines to the console and/or a JSON-lines file.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	console io.Writer
}

var defaultLogger = &Logger{}

// Default returns the process-wide request logger. It writes nothing until
// SetOutput or SetConsole is called.
func Default() *Logger {
	return defaultLogger
}

// SetOutput appends JSON lines to path.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole sets the human-readable destination; nil disables it.
func (l *Logger) SetConsole(w io.Writer) {
	l.mu.Lock()
	l.console = w
	l.mu.Unlock()
}

// Log writes a request log entry.
func (l *Logger) Log(entry *RequestLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.console == nil && l.file == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if l.console != nil {
		app := entry.AppID
		if app == "" {
			app = "-"
		}
		fmt.Fprintf(l.console, "[request] %d %s %s %s app=%s %dms %s\n",
			entry.Status, entry.RequestID, entry.Method, entry.Path, app, entry.DurationMs, entry.Outcome)
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
