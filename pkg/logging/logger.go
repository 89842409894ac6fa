// Package logging provides a structured leveled logger shared by every
// component of the SSTP client, with optional JSON or single-line text
// output and size-based file rotation.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// LogLevel represents logging severity.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a config-file level name, defaulting to INFO for an
// unrecognized value.
func ParseLevel(s string) LogLevel {
	switch s {
	case "debug":
		return DEBUG
	case "warn":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// Format selects the on-wire shape of emitted log lines.
type Format int

const (
	// FormatJSON emits one LogEntry per line as JSON (the only format the
	// original daemon used, since it always ran headless).
	FormatJSON Format = iota
	// FormatText emits a single human-readable line per entry, for an
	// interactively run CLI.
	FormatText
)

// ParseFormat parses a config-file format name, defaulting to FormatJSON.
func ParseFormat(s string) Format {
	if s == "text" {
		return FormatText
	}
	return FormatJSON
}

// Fields represents structured log fields.
type Fields map[string]interface{}

// LogEntry represents a single structured log entry.
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      string                 `json:"level"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	Caller     string                 `json:"caller,omitempty"`
	Component  string                 `json:"component,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
}

// Logger is a structured logger with JSON or text output and log
// rotation.
type Logger struct {
	mu          sync.RWMutex
	output      io.Writer
	level       LogLevel
	format      Format
	fields      Fields
	logFile     *os.File
	logPath     string
	maxFileSize int64
	maxBackups  int
	component   string
}

// NewLogger creates a new structured logger for component, writing at or
// above level, in the given format. An empty logPath logs to stdout.
func NewLogger(component string, level LogLevel, format Format, logPath string) (*Logger, error) {
	logger := &Logger{
		level:       level,
		format:      format,
		fields:      make(Fields),
		component:   component,
		logPath:     logPath,
		maxFileSize: 100 * 1024 * 1024,
		maxBackups:  10,
	}

	if logPath != "" {
		dir := filepath.Dir(logPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.logFile = file
		logger.output = file
	} else {
		logger.output = os.Stdout
	}

	return logger, nil
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// WithField adds a field to the logger's global context.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fields[key] = value
	return l
}

// WithFields adds multiple fields to the logger's global context.
func (l *Logger) WithFields(fields Fields) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range fields {
		l.fields[k] = v
	}
	return l
}

func (l *Logger) log(level LogLevel, msg string, fields Fields) {
	l.mu.RLock()
	currentLevel := l.level
	output := l.output
	format := l.format
	globalFields := l.fields
	component := l.component
	l.mu.RUnlock()

	if level < currentLevel {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Fields:    make(map[string]interface{}),
		Component: component,
	}
	for k, v := range globalFields {
		entry.Fields[k] = v
	}
	if fields != nil {
		for k, v := range fields {
			entry.Fields[k] = v
		}
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	if level >= ERROR {
		entry.StackTrace = getStackTrace(3)
	}

	switch format {
	case FormatText:
		writeTextEntry(output, entry)
	default:
		writeJSONEntry(output, entry)
	}

	l.rotateIfNeeded()

	if level == FATAL {
		l.Close()
		os.Exit(1)
	}
}

func writeJSONEntry(output io.Writer, entry LogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(output, "ERROR: failed to marshal log entry: %v\n", err)
		return
	}
	fmt.Fprintf(output, "%s\n", data)
}

func writeTextEntry(output io.Writer, entry LogEntry) {
	line := fmt.Sprintf("%s [%-5s] %s: %s", entry.Timestamp, entry.Level, entry.Component, entry.Message)
	for k, v := range entry.Fields {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	fmt.Fprintln(output, line)
}

func (l *Logger) Debug(msg string, fields ...Fields) { l.log(DEBUG, msg, firstOrNil(fields)) }
func (l *Logger) Info(msg string, fields ...Fields)  { l.log(INFO, msg, firstOrNil(fields)) }
func (l *Logger) Warn(msg string, fields ...Fields)  { l.log(WARN, msg, firstOrNil(fields)) }
func (l *Logger) Error(msg string, fields ...Fields) { l.log(ERROR, msg, firstOrNil(fields)) }
func (l *Logger) Fatal(msg string, fields ...Fields) { l.log(FATAL, msg, firstOrNil(fields)) }

func firstOrNil(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(DEBUG, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(INFO, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(WARN, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(ERROR, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.log(FATAL, fmt.Sprintf(format, args...), nil) }

// rotateIfNeeded checks if log rotation is needed and performs it.
func (l *Logger) rotateIfNeeded() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile == nil || l.logPath == "" {
		return
	}

	info, err := l.logFile.Stat()
	if err != nil {
		return
	}
	if info.Size() < l.maxFileSize {
		return
	}

	l.logFile.Close()

	for i := l.maxBackups - 1; i > 0; i-- {
		oldPath := fmt.Sprintf("%s.%d", l.logPath, i)
		newPath := fmt.Sprintf("%s.%d", l.logPath, i+1)
		os.Rename(oldPath, newPath)
	}
	os.Rename(l.logPath, fmt.Sprintf("%s.1", l.logPath))

	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		l.output = os.Stdout
		return
	}
	l.logFile = file
	l.output = file
}

// Close closes the logger and releases resources.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}

func (l *Logger) SetMaxFileSize(size int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxFileSize = size
}

func (l *Logger) SetMaxBackups(count int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxBackups = count
}

func getStackTrace(skip int) string {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip, pcs[:])

	frames := runtime.CallersFrames(pcs[:n])
	trace := ""
	for {
		frame, more := frames.Next()
		trace += fmt.Sprintf("\n  %s:%d %s", filepath.Base(frame.File), frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return trace
}

var defaultLogger *Logger
var once sync.Once

// InitDefaultLogger initializes the global default logger.
func InitDefaultLogger(component string, level LogLevel, format Format, logPath string) error {
	var err error
	once.Do(func() {
		defaultLogger, err = NewLogger(component, level, format, logPath)
	})
	return err
}

// GetDefaultLogger returns the global default logger.
func GetDefaultLogger() *Logger {
	if defaultLogger == nil {
		defaultLogger, _ = NewLogger("default", INFO, FormatJSON, "")
	}
	return defaultLogger
}

func Debug(msg string, fields ...Fields) { GetDefaultLogger().Debug(msg, fields...) }
func Info(msg string, fields ...Fields)  { GetDefaultLogger().Info(msg, fields...) }
func Warn(msg string, fields ...Fields)  { GetDefaultLogger().Warn(msg, fields...) }
func Error(msg string, fields ...Fields) { GetDefaultLogger().Error(msg, fields...) }
func Fatal(msg string, fields ...Fields) { GetDefaultLogger().Fatal(msg, fields...) }

func Debugf(format string, args ...interface{}) { GetDefaultLogger().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { GetDefaultLogger().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { GetDefaultLogger().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { GetDefaultLogger().Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { GetDefaultLogger().Fatalf(format, args...) }
