package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/coursekit/bookingcore/faults"
	"github.com/coursekit/bookingcore/log"
)

// healGrace pads the self-heal timer past the reset timeout so the poke never
// races the breaker's own expiry clock.
const healGrace = 50 * time.Millisecond

// Breaker guards a single dependency. One instance exists per Dependency key;
// obtain it from a Registry rather than constructing it directly.
type Breaker struct {
	dependency Dependency
	config     Config
	logger     log.Logger
	notify     func(dependency Dependency, from State, to State)

	mu        sync.Mutex
	cb        *gobreaker.CircuitBreaker
	healTimer *time.Timer
	closed    bool

	lastFailureNanos atomic.Int64
}

func newBreaker(dependency Dependency, config Config, logger log.Logger, notify func(Dependency, State, State)) *Breaker {
	b := &Breaker{
		dependency: dependency,
		config:     config.withDefaults(),
		logger:     logger,
		notify:     notify,
	}

	b.cb = gobreaker.NewCircuitBreaker(b.settings())

	return b
}

// settings builds the underlying state machine configuration. The breaker
// trips on consecutive failures only; there is no rolling failure-ratio
// window, so a single success fully forgives prior failures.
func (b *Breaker) settings() gobreaker.Settings {
	cfg := b.config

	return gobreaker.Settings{
		Name:        "dependency-" + string(b.dependency),
		MaxRequests: cfg.HalfOpenRetries,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			b.onStateChange(convertState(from), convertState(to))
		},
	}
}

// Dependency returns the key this breaker guards.
func (b *Breaker) Dependency() Dependency {
	return b.dependency
}

// Execute runs op through the breaker. While the breaker is open the
// operation is never invoked and a ServiceUnavailable failure is returned
// immediately. A call exceeding the configured CallTimeout is treated as a
// failure.
func (b *Breaker) Execute(ctx context.Context, op Operation) (any, error) {
	return b.execute(ctx, op, nil)
}

// ExecuteWithFallback behaves like Execute, except that while the breaker is
// open the fallback's result is returned instead of a ServiceUnavailable
// failure.
func (b *Breaker) ExecuteWithFallback(ctx context.Context, op Operation, fallback Operation) (any, error) {
	return b.execute(ctx, op, fallback)
}

func (b *Breaker) execute(ctx context.Context, op Operation, fallback Operation) (any, error) {
	result, err := b.current().Execute(func() (any, error) {
		res, opErr := b.runWithTimeout(ctx, op)
		if opErr != nil {
			b.lastFailureNanos.Store(time.Now().UnixNano())
		}

		return res, opErr
	})

	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		if fallback != nil {
			b.logger.Debugf("circuit breaker [%s] is open - serving fallback", b.dependency)
			return fallback()
		}

		b.logger.Warnf("circuit breaker [%s] is open - request rejected immediately", b.dependency)

		return nil, faults.Wrap(faults.KindServiceUnavailable,
			string(b.dependency)+" is currently unavailable (circuit breaker open)", err)
	}

	return result, err
}

// runWithTimeout races op against the per-call timeout. On timeout the
// operation keeps running in its goroutine until it observes the cancelled
// context (or finishes on its own); only its result is discarded.
func (b *Breaker) runWithTimeout(ctx context.Context, op Operation) (any, error) {
	timeout := b.config.CallTimeout

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}

	done := make(chan outcome, 1)

	go func() {
		res, err := op()
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, faults.Newf(faults.KindTimeout,
				"%s call exceeded %s", b.dependency, timeout)
		}

		return nil, faults.Wrap(faults.KindTimeout, string(b.dependency)+" call cancelled", cctx.Err())
	}
}

// State returns the breaker's current state. Reading the state also advances
// an expired open breaker into half-open.
func (b *Breaker) State() State {
	return convertState(b.current().State())
}

// Stats exposes the breaker's observable state for dashboards. It has no
// side effects beyond the lazy open-to-half-open advance shared with State.
func (b *Breaker) Stats() Stats {
	cb := b.current()
	counts := cb.Counts()

	var lastFailure time.Time
	if nanos := b.lastFailureNanos.Load(); nanos != 0 {
		lastFailure = time.Unix(0, nanos)
	}

	return Stats{
		Dependency:           b.dependency,
		State:                convertState(cb.State()),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		LastFailureTime:      lastFailure,
	}
}

// Reset forces the breaker to closed and clears all counters. This is an
// administrative override; the state machine is recreated with the same
// configuration.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopHealTimerLocked()
	b.cb = gobreaker.NewCircuitBreaker(b.settings())
	b.lastFailureNanos.Store(0)

	b.logger.Infof("circuit breaker [%s] reset to closed", b.dependency)
}

// Close tears down the breaker's self-heal timer. The breaker must not be
// used afterwards.
func (b *Breaker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.stopHealTimerLocked()
}

func (b *Breaker) current() *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.cb
}

func (b *Breaker) onStateChange(from, to State) {
	switch to {
	case StateOpen:
		b.logger.Errorf("circuit breaker [%s] opened - requests will fast-fail for %s",
			b.dependency, b.config.ResetTimeout)
		b.armHealTimer()
	case StateHalfOpen:
		b.logger.Infof("circuit breaker [%s] half-open - probing recovery", b.dependency)
	case StateClosed:
		b.logger.Infof("circuit breaker [%s] closed - dependency is healthy", b.dependency)
	}

	if b.notify != nil {
		b.notify(b.dependency, from, to)
	}
}

// armHealTimer schedules a poke for just after the reset timeout elapses so
// the open-to-half-open transition happens even without traffic.
func (b *Breaker) armHealTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.stopHealTimerLocked()
	b.healTimer = time.AfterFunc(b.config.ResetTimeout+healGrace, b.poke)
}

// poke advances the state machine clock. gobreaker transitions open breakers
// to half-open lazily inside State once the reset timeout has elapsed.
func (b *Breaker) poke() {
	_ = b.current().State()
}

func (b *Breaker) stopHealTimerLocked() {
	if b.healTimer != nil {
		b.healTimer.Stop()
		b.healTimer = nil
	}
}
