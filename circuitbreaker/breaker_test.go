package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursekit/bookingcore/faults"
	"github.com/coursekit/bookingcore/log"
)

var errBoom = errors.New("dependency error")

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		ResetTimeout:     150 * time.Millisecond,
		HalfOpenRetries:  2,
		CallTimeout:      time.Second,
	}
}

func trip(t *testing.T, b *Breaker, failures int) {
	t.Helper()

	for i := 0; i < failures; i++ {
		_, err := b.Execute(context.Background(), func() (any, error) {
			return nil, errBoom
		})
		require.Error(t, err)
	}
}

func TestBreaker_InitialState(t *testing.T) {
	registry := NewRegistry(&log.NoneLogger{})
	defer registry.Close()

	breaker := registry.GetOrCreate(DependencyDatastore, DefaultConfig())

	assert.Equal(t, StateClosed, breaker.State())
	assert.Equal(t, DependencyDatastore, breaker.Dependency())
}

func TestBreaker_SuccessfulExecution(t *testing.T) {
	registry := NewRegistry(&log.NoneLogger{})
	defer registry.Close()

	breaker := registry.GetOrCreate(DependencyDatastore, testConfig())

	result, err := breaker.Execute(context.Background(), func() (any, error) {
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	registry := NewRegistry(&log.NoneLogger{})
	defer registry.Close()

	breaker := registry.GetOrCreate(DependencyPaymentGateway, testConfig())

	trip(t, breaker, 3)
	assert.Equal(t, StateOpen, breaker.State())

	// The wrapped operation must not be invoked while open.
	var calls atomic.Int32

	start := time.Now()
	_, err := breaker.Execute(context.Background(), func() (any, error) {
		calls.Add(1)
		return nil, nil
	})

	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindServiceUnavailable))
	assert.Equal(t, int32(0), calls.Load())
	assert.Less(t, time.Since(start), 50*time.Millisecond, "open breaker must fail fast")
}

func TestBreaker_SuccessForgivesFailures(t *testing.T) {
	registry := NewRegistry(&log.NoneLogger{})
	defer registry.Close()

	breaker := registry.GetOrCreate(DependencyDatastore, testConfig())

	trip(t, breaker, 2)

	_, err := breaker.Execute(context.Background(), func() (any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	// The consecutive counter restarted, so two more failures stay closed.
	trip(t, breaker, 2)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreaker_FallbackWhileOpen(t *testing.T) {
	registry := NewRegistry(&log.NoneLogger{})
	defer registry.Close()

	breaker := registry.GetOrCreate(DependencyPaymentGateway, testConfig())
	trip(t, breaker, 3)

	result, err := breaker.ExecuteWithFallback(context.Background(),
		func() (any, error) { return nil, errBoom },
		func() (any, error) { return "cached", nil },
	)

	require.NoError(t, err)
	assert.Equal(t, "cached", result)
}

func TestBreaker_TimeoutCountsAsFailure(t *testing.T) {
	registry := NewRegistry(&log.NoneLogger{})
	defer registry.Close()

	config := testConfig()
	config.FailureThreshold = 1
	config.CallTimeout = 20 * time.Millisecond

	breaker := registry.GetOrCreate(DependencyPaymentGateway, config)

	release := make(chan struct{})
	defer close(release)

	_, err := breaker.Execute(context.Background(), func() (any, error) {
		<-release
		return "late", nil
	})

	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindTimeout))
	assert.Equal(t, StateOpen, breaker.State())
}

func TestBreaker_HealCycle(t *testing.T) {
	registry := NewRegistry(&log.NoneLogger{})
	defer registry.Close()

	breaker := registry.GetOrCreate(DependencyDatastore, testConfig())
	trip(t, breaker, 3)
	require.Equal(t, StateOpen, breaker.State())

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, StateHalfOpen, breaker.State())

	// HalfOpenRetries consecutive successes close the breaker.
	for i := 0; i < 2; i++ {
		_, err := breaker.Execute(context.Background(), func() (any, error) {
			return nil, nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreaker_HalfOpenFailureReTrips(t *testing.T) {
	registry := NewRegistry(&log.NoneLogger{})
	defer registry.Close()

	breaker := registry.GetOrCreate(DependencyDatastore, testConfig())
	trip(t, breaker, 3)

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, StateHalfOpen, breaker.State())

	trip(t, breaker, 1)
	assert.Equal(t, StateOpen, breaker.State())
}

type recordingListener struct {
	mu          sync.Mutex
	transitions []string
}

func (l *recordingListener) OnStateChange(dependency Dependency, from, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.transitions = append(l.transitions, string(from)+"->"+string(to))
}

func (l *recordingListener) has(transition string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, tr := range l.transitions {
		if tr == transition {
			return true
		}
	}

	return false
}

func TestBreaker_SelfHealsWithoutTraffic(t *testing.T) {
	registry := NewRegistry(&log.NoneLogger{})
	defer registry.Close()

	listener := &recordingListener{}
	registry.RegisterStateChangeListener(listener)

	breaker := registry.GetOrCreate(DependencyPaymentGateway, testConfig())
	trip(t, breaker, 3)

	// No calls are made during the cooldown; the breaker's own timer must
	// advance it to half-open.
	assert.Eventually(t, func() bool {
		return listener.has("open->half-open")
	}, time.Second, 20*time.Millisecond)
}

func TestBreaker_Reset(t *testing.T) {
	registry := NewRegistry(&log.NoneLogger{})
	defer registry.Close()

	breaker := registry.GetOrCreate(DependencyDatastore, testConfig())
	trip(t, breaker, 3)
	require.Equal(t, StateOpen, breaker.State())

	registry.Reset(DependencyDatastore)

	assert.Equal(t, StateClosed, breaker.State())

	stats := breaker.Stats()
	assert.Zero(t, stats.TotalFailures)
	assert.True(t, stats.LastFailureTime.IsZero())
}

func TestBreaker_Stats(t *testing.T) {
	registry := NewRegistry(&log.NoneLogger{})
	defer registry.Close()

	breaker := registry.GetOrCreate(DependencyDatastore, testConfig())

	for i := 0; i < 4; i++ {
		_, _ = breaker.Execute(context.Background(), func() (any, error) {
			return nil, nil
		})
	}

	trip(t, breaker, 2)

	stats := breaker.Stats()
	assert.Equal(t, uint32(6), stats.Requests)
	assert.Equal(t, uint32(4), stats.TotalSuccesses)
	assert.Equal(t, uint32(2), stats.TotalFailures)
	assert.False(t, stats.LastFailureTime.IsZero())
}

func TestRegistry_IndependentKeys(t *testing.T) {
	registry := NewRegistry(&log.NoneLogger{})
	defer registry.Close()

	datastore := registry.GetOrCreate(DependencyDatastore, testConfig())
	gateway := registry.GetOrCreate(DependencyPaymentGateway, testConfig())

	trip(t, gateway, 3)

	assert.Equal(t, StateOpen, registry.State(DependencyPaymentGateway))
	assert.Equal(t, StateClosed, registry.State(DependencyDatastore))

	_, err := datastore.Execute(context.Background(), func() (any, error) {
		return nil, nil
	})
	assert.NoError(t, err)
}

func TestRegistry_GetOrCreateReturnsSameInstance(t *testing.T) {
	registry := NewRegistry(&log.NoneLogger{})
	defer registry.Close()

	first := registry.GetOrCreate(DependencyDatastore, testConfig())
	second := registry.GetOrCreate(DependencyDatastore, DefaultConfig())

	assert.Same(t, first, second)
}

func TestRegistry_UnknownDependencyState(t *testing.T) {
	registry := NewRegistry(&log.NoneLogger{})
	defer registry.Close()

	assert.Equal(t, StateUnknown, registry.State(Dependency("nonexistent")))
}
