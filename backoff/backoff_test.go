package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	base := 100 * time.Millisecond

	assert.Equal(t, 100*time.Millisecond, Exponential(base, 0))
	assert.Equal(t, 200*time.Millisecond, Exponential(base, 1))
	assert.Equal(t, 400*time.Millisecond, Exponential(base, 2))
	assert.Equal(t, 1600*time.Millisecond, Exponential(base, 4))
}

func TestExponential_NegativeAttemptBehavesLikeZero(t *testing.T) {
	assert.Equal(t, time.Second, Exponential(time.Second, -5))
}

func TestExponential_NonPositiveBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), Exponential(0, 3))
	assert.Equal(t, time.Duration(0), Exponential(-time.Second, 3))
}

func TestExponential_OverflowSaturates(t *testing.T) {
	assert.Equal(t, time.Duration(math.MaxInt64), Exponential(time.Hour, 62))
}

func TestFullJitter_StaysWithinRange(t *testing.T) {
	delay := 250 * time.Millisecond

	for i := 0; i < 100; i++ {
		jittered := FullJitter(delay)
		assert.GreaterOrEqual(t, jittered, time.Duration(0))
		assert.Less(t, jittered, delay)
	}
}

func TestFullJitter_ZeroDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), FullJitter(0))
}

func TestExponentialWithJitter_BoundedByExponential(t *testing.T) {
	base := 100 * time.Millisecond

	for attempt := 0; attempt < 5; attempt++ {
		ceiling := Exponential(base, attempt)

		for i := 0; i < 20; i++ {
			assert.Less(t, ExponentialWithJitter(base, attempt), ceiling)
		}
	}
}

func TestCapped(t *testing.T) {
	assert.Equal(t, time.Second, Capped(5*time.Second, time.Second))
	assert.Equal(t, 500*time.Millisecond, Capped(500*time.Millisecond, time.Second))
	assert.Equal(t, 5*time.Second, Capped(5*time.Second, 0), "non-positive cap disables capping")
}

func TestSleepWithContext_Completes(t *testing.T) {
	start := time.Now()

	err := SleepWithContext(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestSleepWithContext_CancelledEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepWithContext(ctx, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleepWithContext_ZeroDurationReturnsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, SleepWithContext(ctx, 0))
}
