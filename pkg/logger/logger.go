// Package logger provides leveled printf-style logging for the command line tools.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents the log level.
type Level int

const (
	LevelQuiet Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

var levelTags = map[Level]string{
	LevelError: "[ERROR] ",
	LevelWarn:  "[WARN]  ",
	LevelInfo:  "[INFO]  ",
	LevelDebug: "[DEBUG] ",
}

// Logger writes leveled messages to a writer.
type Logger struct {
	mu    sync.Mutex
	level Level
	out   io.Writer
	now   func() time.Time
}

// New creates a logger writing to out at the given level.
func New(out io.Writer, level Level) *Logger {
	return &Logger{level: level, out: out, now: time.Now}
}

var std = New(os.Stderr, LevelInfo)

// SetLevel sets the global log level.
func SetLevel(level Level) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = level
}

// ParseLevel parses a level string.
func ParseLevel(s string) Level {
	switch s {
	case "quiet", "q":
		return LevelQuiet
	case "error", "e":
		return LevelError
	case "warn", "w":
		return LevelWarn
	case "info", "i":
		return LevelInfo
	case "debug", "d", "verbose", "v":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// FromVerbosity maps a -v flag value (0=quiet, 1=info, 2+=debug) to a level.
func FromVerbosity(v int) Level {
	switch {
	case v <= 0:
		return LevelQuiet
	case v == 1:
		return LevelInfo
	default:
		return LevelDebug
	}
}

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}
	fmt.Fprintf(l.out, "%s %s%s\n", l.now().Format("15:04:05"), levelTags[level], fmt.Sprintf(format, args...))
}

// Errorf logs an error message.
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, format, args...) }

// Warnf logs a warning.
func (l *Logger) Warnf(format string, args ...interface{}) { l.logf(LevelWarn, format, args...) }

// Infof logs an info message.
func (l *Logger) Infof(format string, args ...interface{}) { l.logf(LevelInfo, format, args...) }

// Debugf logs a debug message.
func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }

// Error logs an error message on the global logger.
func Error(format string, args ...interface{}) {
	std.logf(LevelError, format, args...)
}

// Warn logs a warning on the global logger.
func Warn(format string, args ...interface{}) {
	std.logf(LevelWarn, format, args...)
}

// Info logs an info message on the global logger.
func Info(format string, args ...interface{}) {
	std.logf(LevelInfo, format, args...)
}

// Debug logs a debug message on the global logger.
func Debug(format string, args ...interface{}) {
	std.logf(LevelDebug, format, args...)
}
