package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level represents a logging level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level. Unknown values map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// sink is shared by a logger and every logger derived from it, so that
// SetLevel and SetOutput on the root affect all components.
type sink struct {
	mu     sync.Mutex
	level  Level
	output io.Writer
}

// Logger is a levelled logger bound to a component and optional key/value fields.
type Logger struct {
	sink      *sink
	component string
	fields    []field
}

type field struct {
	key   string
	value any
}

// Config holds logger configuration
type Config struct {
	Level     string `yaml:"level" json:"level" toml:"level"`
	Component string `yaml:"-" json:"-" toml:"-"`
}

var (
	defaultLogger = New(&Config{Level: "info", Component: "qitops"})
	defaultMu     sync.RWMutex
)

// New creates a new logger writing to stderr.
func New(cfg *Config) *Logger {
	component := cfg.Component
	if component == "" {
		component = "qitops"
	}
	return &Logger{
		sink:      &sink{level: ParseLevel(cfg.Level), output: os.Stderr},
		component: component,
	}
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.output = w
}

// SetLevel sets the minimum logging level
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() Level {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.level
}

// WithComponent returns a logger sharing this logger's output under a different component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component, fields: l.fields}
}

// With returns a logger that appends key=value to every line.
func (l *Logger) With(key string, value any) *Logger {
	fields := make([]field, len(l.fields), len(l.fields)+1)
	copy(fields, l.fields)
	fields = append(fields, field{key: key, value: value})
	return &Logger{sink: l.sink, component: l.component, fields: fields}
}

// WithRequestID tags lines with request_id. An empty id gets a fresh UUID.
func (l *Logger) WithRequestID(requestID string) *Logger {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return l.With("request_id", requestID)
}

func (l *Logger) log(level Level, format string, args ...any) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if level < l.sink.level {
		return
	}

	var sb strings.Builder
	sb.WriteString(time.Now().Format("2006-01-02 15:04:05"))
	sb.WriteByte(' ')
	sb.WriteString(level.String())
	sb.WriteString(" [")
	sb.WriteString(l.component)
	sb.WriteString("] ")
	sb.WriteString(fmt.Sprintf(format, args...))
	for _, f := range l.fields {
		fmt.Fprintf(&sb, " %s=%v", f.key, f.value)
	}
	sb.WriteByte('\n')
	_, _ = io.WriteString(l.sink.output, sb.String())
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...any) {
	l.log(DEBUG, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...any) {
	l.log(INFO, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...any) {
	l.log(WARN, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...any) {
	l.log(ERROR, format, args...)
}

// FieldKeys returns the sorted field keys attached to the logger.
func (l *Logger) FieldKeys() []string {
	keys := make([]string, 0, len(l.fields))
	for _, f := range l.fields {
		keys = append(keys, f.key)
	}
	sort.Strings(keys)
	return keys
}

// Package-level functions that use the default logger

// SetDefaultLogger sets the package-level default logger
func SetDefaultLogger(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// GetDefaultLogger returns the package-level default logger
func GetDefaultLogger() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Component returns a child of the default logger for the named component.
func Component(name string) *Logger {
	return GetDefaultLogger().WithComponent(name)
}

// SetLevel sets the default logger's level
func SetLevel(level Level) {
	GetDefaultLogger().SetLevel(level)
}

// Debug logs a debug message using the default logger
func Debug(format string, args ...any) {
	GetDefaultLogger().Debug(format, args...)
}

// Info logs an info message using the default logger
func Info(format string, args ...any) {
	GetDefaultLogger().Info(format, args...)
}

// Warn logs a warning message using the default logger
func Warn(format string, args ...any) {
	GetDefaultLogger().Warn(format, args...)
}

// Error logs an error message using the default logger
func Error(format string, args ...any) {
	GetDefaultLogger().Error(format, args...)
}
