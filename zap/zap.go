// Package zap provides the production implementation of log.Logger backed by
// go.uber.org/zap.
package zap

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	logpkg "github.com/coursekit/bookingcore/log"
)

const callerSkipFrames = 1

// Environment controls the baseline logger profile.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

// Config contains logger initialization inputs.
type Config struct {
	Environment Environment
	Level       string
}

// Logger implements log.Logger on top of a zap.SugaredLogger.
type Logger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

// Compile-time assertion: *Logger implements log.Logger.
var _ logpkg.Logger = (*Logger)(nil)

// New creates a structured logger with a runtime-adjustable level.
func New(cfg Config) (*Logger, error) {
	baseConfig := buildConfigByEnvironment(cfg.Environment)

	level, err := resolveLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	baseConfig.Level = level
	baseConfig.DisableStacktrace = true

	built, err := baseConfig.Build(zap.AddCallerSkip(callerSkipFrames))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &Logger{sugar: built.Sugar(), level: level}, nil
}

func buildConfigByEnvironment(env Environment) zap.Config {
	switch env {
	case EnvironmentProduction:
		return zap.NewProductionConfig()
	default:
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

		return cfg
	}
}

func resolveLevel(level string) (zap.AtomicLevel, error) {
	if strings.TrimSpace(level) == "" {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}

	var parsed zapcore.Level
	if err := parsed.Set(level); err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("invalid level %q: %w", level, err)
	}

	return zap.NewAtomicLevelAt(parsed), nil
}

// SetLevel adjusts the minimum emitted level at runtime.
func (l *Logger) SetLevel(level string) error {
	var parsed zapcore.Level
	if err := parsed.Set(level); err != nil {
		return fmt.Errorf("invalid level %q: %w", level, err)
	}

	l.level.SetLevel(parsed)

	return nil
}

func (l *Logger) must() *zap.SugaredLogger {
	if l == nil || l.sugar == nil {
		return zap.NewNop().Sugar()
	}

	return l.sugar
}

// Info implements log.Logger.
func (l *Logger) Info(args ...any) { l.must().Info(args...) }

// Infof implements log.Logger.
func (l *Logger) Infof(format string, args ...any) { l.must().Infof(format, args...) }

// Error implements log.Logger.
func (l *Logger) Error(args ...any) { l.must().Error(args...) }

// Errorf implements log.Logger.
func (l *Logger) Errorf(format string, args ...any) { l.must().Errorf(format, args...) }

// Warn implements log.Logger.
func (l *Logger) Warn(args ...any) { l.must().Warn(args...) }

// Warnf implements log.Logger.
func (l *Logger) Warnf(format string, args ...any) { l.must().Warnf(format, args...) }

// Debug implements log.Logger.
func (l *Logger) Debug(args ...any) { l.must().Debug(args...) }

// Debugf implements log.Logger.
func (l *Logger) Debugf(format string, args ...any) { l.must().Debugf(format, args...) }

// Fatal implements log.Logger.
func (l *Logger) Fatal(args ...any) { l.must().Fatal(args...) }

// Fatalf implements log.Logger.
func (l *Logger) Fatalf(format string, args ...any) { l.must().Fatalf(format, args...) }

// WithFields implements log.Logger. Fields are alternating key/value pairs.
//
//nolint:ireturn
func (l *Logger) WithFields(fields ...any) logpkg.Logger {
	return &Logger{sugar: l.must().With(fields...), level: l.level}
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error {
	return l.must().Sync()
}
