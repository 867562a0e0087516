// Package log defines the logging contract used across the booking core.
//
// Components receive a Logger by injection and never construct one themselves;
// the composition root decides the implementation (GoLogger for plain stdout,
// the zap package for structured production logging, NoneLogger for tests).
package log

import (
	"fmt"
	"strings"
)

// Logger is the logging interface consumed by every core component.
type Logger interface {
	Info(args ...any)
	Infof(format string, args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)

	Debug(args ...any)
	Debugf(format string, args ...any)

	Fatal(args ...any)
	Fatalf(format string, args ...any)

	// WithFields returns a child logger with key/value pairs attached to
	// every entry it emits.
	WithFields(fields ...any) Logger

	// Sync flushes any buffered log entries.
	Sync() error
}

// LogLevel represents the level based in logrus/zap.
type LogLevel uint8

const (
	// FatalLevel logs and then the process exits.
	FatalLevel LogLevel = iota
	// ErrorLevel is used for errors that should definitely be noted.
	ErrorLevel
	// WarnLevel is for non-critical entries that deserve eyes.
	WarnLevel
	// InfoLevel is general operational entries about what's going on.
	InfoLevel
	// DebugLevel is usually only enabled when debugging.
	DebugLevel
)

// String returns the string representation of a log level.
func (level LogLevel) String() string {
	switch level {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	default:
		return "unknown"
	}
}

// ParseLevel takes a string level and returns the LogLevel constant.
func ParseLevel(lvl string) (LogLevel, error) {
	switch strings.ToLower(lvl) {
	case "fatal":
		return FatalLevel, nil
	case "error":
		return ErrorLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "info":
		return InfoLevel, nil
	case "debug":
		return DebugLevel, nil
	}

	var l LogLevel

	return l, fmt.Errorf("not a valid LogLevel: %q", lvl)
}
