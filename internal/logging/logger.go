package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// AllocationLog is one allocation attempt for one (user, category) pair.
type AllocationLog struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	UserID     string    `json:"user_id"`
	Category   string    `json:"category"`
	SetID      string    `json:"set_id,omitempty"`
	Evicted    int       `json:"evicted,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Logger records one JSON line per draw to an audit file, with an optional
// human-readable echo on stdout.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	enc     *json.Encoder
	console bool
}

var defaultLogger = &Logger{}

// Default returns the process-wide allocation logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput opens (or creates) the audit file at path, replacing any
// previous one.
func (l *Logger) SetOutput(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
	}
	l.file = f
	l.enc = json.NewEncoder(f)
	return nil
}

// SetConsole toggles the stdout echo.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log stamps and records one entry. A logger with neither a file nor the
// console enabled drops entries silently.
func (l *Logger) Log(entry *AllocationLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Timestamp = time.Now()

	if l.console {
		l.echo(entry)
	}
	if l.enc != nil {
		l.enc.Encode(entry)
	}
}

func (l *Logger) echo(entry *AllocationLog) {
	status := "✓"
	if !entry.Success {
		status = "✗"
	}
	line := fmt.Sprintf("[alloc] %s %s %s/%s → %s %dms",
		status, entry.RequestID, entry.UserID, entry.Category, entry.SetID, entry.DurationMs)
	if entry.Evicted > 0 {
		line += fmt.Sprintf(" [evicted:%d]", entry.Evicted)
	}
	fmt.Println(line)
	if entry.Error != "" {
		fmt.Printf("[alloc]   error: %s\n", entry.Error)
	}
}

// Close closes the audit file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
		l.enc = nil
	}
}
