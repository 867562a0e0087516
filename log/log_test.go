package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"fatal": FatalLevel,
		"error": ErrorLevel,
		"warn":  WarnLevel,
		"INFO":  InfoLevel,
		"Debug": DebugLevel,
	}

	for input, want := range cases {
		level, err := ParseLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, level, input)
	}
}

func TestParseLevel_Unknown(t *testing.T) {
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "FATAL", FatalLevel.String())
	assert.Equal(t, "ERROR", ErrorLevel.String())
	assert.Equal(t, "WARN", WarnLevel.String())
	assert.Equal(t, "INFO", InfoLevel.String())
	assert.Equal(t, "DEBUG", DebugLevel.String())
}

func TestGoLogger_IsLevelEnabled(t *testing.T) {
	logger := &GoLogger{Level: WarnLevel}

	assert.True(t, logger.IsLevelEnabled(FatalLevel))
	assert.True(t, logger.IsLevelEnabled(ErrorLevel))
	assert.True(t, logger.IsLevelEnabled(WarnLevel))
	assert.False(t, logger.IsLevelEnabled(InfoLevel))
	assert.False(t, logger.IsLevelEnabled(DebugLevel))

	var nilLogger *GoLogger

	assert.False(t, nilLogger.IsLevelEnabled(FatalLevel))
}

func TestSanitizeLogString_EscapesControlCharacters(t *testing.T) {
	in := "user\ninjected\rentry\tdone"

	assert.Equal(t, `user\ninjected\rentry\tdone`, sanitizeLogString(in))
}

func TestSanitizeLogArgs_OnlyTouchesStrings(t *testing.T) {
	sanitized := sanitizeLogArgs([]any{"a\nb", 42, nil})

	assert.Equal(t, `a\nb`, sanitized[0])
	assert.Equal(t, 42, sanitized[1])
	assert.Nil(t, sanitized[2])
}

func TestGoLogger_HydrateWithLevel(t *testing.T) {
	logger := &GoLogger{Level: DebugLevel}

	assert.Equal(t, "[INFO] hello", logger.hydrateWithLevel(InfoLevel, "hello"))
}

func TestGoLogger_WithFieldsAccumulates(t *testing.T) {
	base := &GoLogger{Level: DebugLevel}

	derived, ok := base.WithFields("session", "s1").WithFields("attempt", 2).(*GoLogger)
	require.True(t, ok)

	assert.Equal(t, "[ERROR] [session=s1, attempt=2] boom", derived.hydrateWithLevel(ErrorLevel, "boom"))
	assert.Empty(t, base.fields, "the parent logger is untouched")
}

func TestGoLogger_HydrateFieldsWithDanglingKey(t *testing.T) {
	logger := &GoLogger{fields: []any{"key"}}

	assert.Equal(t, "[key]", logger.hydrateFields())
}

func TestNoneLogger_IsSilentAndChainable(t *testing.T) {
	logger := &NoneLogger{}

	assert.NotPanics(t, func() {
		logger.Info("a")
		logger.Infof("%s", "a")
		logger.Warn("a")
		logger.Error("a")
		logger.Debug("a")
	})

	assert.NoError(t, logger.Sync())
	assert.NotNil(t, logger.WithFields("k", "v"))
}
