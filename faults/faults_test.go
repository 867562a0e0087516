package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndKindOf(t *testing.T) {
	err := New(KindNotFound, "session missing")

	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, "session missing", err.Message)
}

func TestNewf(t *testing.T) {
	err := Newf(KindConflict, "session %s is not open for booking", "s1")

	assert.Contains(t, err.Error(), "session s1 is not open for booking")
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindTimeout, "query timed out", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Contains(t, err.Error(), "query timed out")
}

func TestIs_MatchesThroughWrapping(t *testing.T) {
	inner := New(KindValidation, "count must be positive")
	outer := fmt.Errorf("increment failed: %w", inner)

	assert.True(t, Is(outer, KindValidation))
	assert.False(t, Is(outer, KindConflict))
}

func TestKindOf_PlainError(t *testing.T) {
	require.NotPanics(t, func() {
		assert.Empty(t, KindOf(errors.New("plain")))
	})

	assert.Empty(t, KindOf(nil))
}
