package zap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func parsedLevel(t *testing.T, s string) zapcore.Level {
	t.Helper()

	var level zapcore.Level
	require.NoError(t, level.Set(s))

	return level
}

func TestNew_DefaultsToInfo(t *testing.T) {
	logger, err := New(Config{Environment: EnvironmentLocal})
	require.NoError(t, err)
	require.NotNil(t, logger)

	assert.True(t, logger.level.Enabled(parsedLevel(t, "info")))
	assert.False(t, logger.level.Enabled(parsedLevel(t, "debug")))
}

func TestNew_RejectsInvalidLevel(t *testing.T) {
	_, err := New(Config{Environment: EnvironmentLocal, Level: "chatty"})
	assert.Error(t, err)
}

func TestNew_ProductionProfile(t *testing.T) {
	logger, err := New(Config{Environment: EnvironmentProduction, Level: "warn"})
	require.NoError(t, err)

	assert.False(t, logger.level.Enabled(parsedLevel(t, "info")))
	assert.True(t, logger.level.Enabled(parsedLevel(t, "error")))
}

func TestSetLevel_AdjustsAtRuntime(t *testing.T) {
	logger, err := New(Config{Environment: EnvironmentLocal, Level: "info"})
	require.NoError(t, err)

	require.NoError(t, logger.SetLevel("debug"))
	assert.True(t, logger.level.Enabled(parsedLevel(t, "debug")))

	assert.Error(t, logger.SetLevel("nope"))
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger

	assert.NotPanics(t, func() {
		logger.Info("ignored")
		logger.Errorf("%s", "ignored")
	})
}

func TestWithFieldsKeepsLevelHandle(t *testing.T) {
	logger, err := New(Config{Environment: EnvironmentLocal, Level: "warn"})
	require.NoError(t, err)

	child := logger.WithFields("component", "ledger")
	require.NotNil(t, child)

	childZap, ok := child.(*Logger)
	require.True(t, ok)
	assert.Equal(t, logger.level, childZap.level)
}
