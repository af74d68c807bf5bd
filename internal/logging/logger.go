// Package logging provides the sync engine's structured logging.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	syncerrors "github.com/oghenemoses/tablesync/internal/errors"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Logger provides structured JSON logging, one entry per line.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel LogLevel
}

var (
	global *Logger
	once   sync.Once
)

// Init initializes the global logger. Only the first call takes effect.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		global = &Logger{out: out, minLevel: minLevel}
	})
}

// Get returns the global logger, initializing it with defaults if needed.
func Get() *Logger {
	if global == nil {
		Init(os.Stdout, LevelInfo)
	}
	return global
}

// New returns a standalone logger, independent of the global singleton.
// Components under test construct their own so assertions don't race the
// global instance.
func New(out io.Writer, minLevel LogLevel) *Logger {
	return &Logger{out: out, minLevel: minLevel}
}

// LogEntry is a single structured log line.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	ErrorCode string                 `json:"error_code,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

func (l *Logger) log(level LogLevel, component, message string, code syncerrors.ErrorCode, err error, context map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     string(level),
		Component: component,
		Message:   message,
		Context:   context,
	}
	if code != "" {
		entry.ErrorCode = string(code)
	}
	if err != nil {
		entry.Error = err.Error()
	}

	data, jsonErr := json.Marshal(entry)
	if jsonErr != nil {
		log.Printf("failed to marshal log entry: %v\n", jsonErr)
		return
	}
	fmt.Fprintln(l.out, string(data))
}

func (l *Logger) shouldLog(level LogLevel) bool {
	rank := map[LogLevel]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3}
	return rank[level] >= rank[l.minLevel]
}

// Debug logs a debug message scoped to component.
func (l *Logger) Debug(component, message string, context ...map[string]interface{}) {
	l.log(LevelDebug, component, message, "", nil, mergeContext(context...))
}

// Info logs an info message scoped to component.
func (l *Logger) Info(component, message string, context ...map[string]interface{}) {
	l.log(LevelInfo, component, message, "", nil, mergeContext(context...))
}

// Warn logs a warning message scoped to component.
func (l *Logger) Warn(component, message string, context ...map[string]interface{}) {
	l.log(LevelWarn, component, message, "", nil, mergeContext(context...))
}

// Error logs an error message scoped to component.
func (l *Logger) Error(component, message string, err error, context ...map[string]interface{}) {
	l.log(LevelError, component, message, "", err, mergeContext(context...))
}

// ErrorWithCode logs an error message tagging the sync error's code explicitly,
// so a log line can be grepped by taxonomy code without parsing the message.
func (l *Logger) ErrorWithCode(component, message string, code syncerrors.ErrorCode, err error, context ...map[string]interface{}) {
	l.log(LevelError, component, message, code, err, mergeContext(context...))
}

func mergeContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}
