package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level represents an enumeration of log levels.
type Level int

const (
	LevelDebug Level = 10
	LevelInfo  Level = 20
	LevelWarn  Level = 30
	LevelError Level = 40
)

var (
	defaultMu    sync.Mutex
	defaultLevel = LevelInfo
)

func init() {
	if lvl, ok := parseLevel(os.Getenv("LOG_LEVEL")); ok {
		defaultLevel = lvl
	}
}

// ParseLevel maps a level name ("debug", "info", "warn", "error") to a
// Level; unknown names map to Info.
func ParseLevel(s string) Level {
	if lvl, ok := parseLevel(s); ok {
		return lvl
	}
	return LevelInfo
}

func parseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return 0, false
}

// SetDefaultLevel changes the level loggers constructed afterwards start at.
// Loggers already constructed keep their level.
func SetDefaultLevel(level Level) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLevel = level
}

func currentDefault() Level {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultLevel
}

// Logger provides leveled logging with a component prefix and key-value context.
type Logger struct {
	prefix string
	logger *log.Logger

	mu    sync.Mutex
	level Level
}

// New creates a logger for the named component. With no explicit level it
// starts at the package default: Info, or whatever LOG_LEVEL or
// SetDefaultLevel chose.
func New(component string, level ...Level) *Logger {
	lvl := currentDefault()
	if len(level) > 0 {
		lvl = level[0]
	}
	return &Logger{
		prefix: component,
		logger: log.New(os.Stdout, fmt.Sprintf("[%s] ", component), log.LstdFlags),
		level:  lvl,
	}
}

// SetLevel changes the logging level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput redirects log output, primarily for tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.SetOutput(w)
}

// Debug logs a debug message with optional key-value pairs.
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.emit(LevelDebug, "DEBUG", msg, keyvals...)
}

// Info logs an informational message with optional key-value pairs.
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.emit(LevelInfo, "INFO", msg, keyvals...)
}

// Warn logs a warning message with optional key-value pairs.
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.emit(LevelWarn, "WARN", msg, keyvals...)
}

// Error logs an error message with optional key-value pairs.
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.emit(LevelError, "ERROR", msg, keyvals...)
}

func (l *Logger) emit(level Level, tag, msg string, keyvals ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}
	l.logger.Println(format(tag, msg, keyvals...))
}

// format renders "[TAG] msg k1=v1 k2=v2". Dangling keys are dropped.
func format(tag, msg string, keyvals ...interface{}) string {
	out := fmt.Sprintf("[%s] %s", tag, msg)
	for i := 0; i+1 < len(keyvals); i += 2 {
		out += fmt.Sprintf(" %v=%v", keyvals[i], keyvals[i+1])
	}
	return out
}
