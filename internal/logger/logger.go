package logger

import (
	"fmt"
	"log/slog"
)

// Level represents logging level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns string representation of Level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is the interface for logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	SetLevel(level Level)
}

// SlogLogger adapts a slog.Logger to the Logger interface
type SlogLogger struct {
	level  Level
	logger *slog.Logger
}

// NewSlogLogger wraps an existing slog.Logger
func NewSlogLogger(l *slog.Logger, level Level) *SlogLogger {
	return &SlogLogger{level: level, logger: l}
}

// NewDefaultLogger creates a logger backed by the default slog handler
func NewDefaultLogger(level Level) *SlogLogger {
	return &SlogLogger{level: level, logger: slog.Default()}
}

// Debug logs debug message
func (l *SlogLogger) Debug(format string, args ...interface{}) {
	if l.level <= LevelDebug {
		l.logger.Debug(fmt.Sprintf(format, args...))
	}
}

// Info logs info message
func (l *SlogLogger) Info(format string, args ...interface{}) {
	if l.level <= LevelInfo {
		l.logger.Info(fmt.Sprintf(format, args...))
	}
}

// Warn logs warning message
func (l *SlogLogger) Warn(format string, args ...interface{}) {
	if l.level <= LevelWarn {
		l.logger.Warn(fmt.Sprintf(format, args...))
	}
}

// Error logs error message
func (l *SlogLogger) Error(format string, args ...interface{}) {
	if l.level <= LevelError {
		l.logger.Error(fmt.Sprintf(format, args...))
	}
}

// SetLevel sets the logging level
func (l *SlogLogger) SetLevel(level Level) {
	l.level = level
}

// NoOpLogger is a logger that doesn't log anything
type NoOpLogger struct{}

// NewNoOpLogger creates a logger that doesn't log
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// Debug does nothing
func (l *NoOpLogger) Debug(format string, args ...interface{}) {}

// Info does nothing
func (l *NoOpLogger) Info(format string, args ...interface{}) {}

// Warn does nothing
func (l *NoOpLogger) Warn(format string, args ...interface{}) {}

// Error does nothing
func (l *NoOpLogger) Error(format string, args ...interface{}) {}

// SetLevel does nothing
func (l *NoOpLogger) SetLevel(level Level) {}
