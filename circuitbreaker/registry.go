package circuitbreaker

import (
	"sync"

	"github.com/coursekit/bookingcore/log"
)

// Registry owns the process-wide set of circuit breakers, one per dependency
// key. It is constructed once by the composition root and passed by reference
// to the components that need it; there is no ambient global state.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[Dependency]*Breaker
	listeners []StateChangeListener
	logger    log.Logger
	closed    bool
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(logger log.Logger) *Registry {
	if logger == nil {
		logger = &log.NoneLogger{}
	}

	return &Registry{
		breakers: make(map[Dependency]*Breaker),
		logger:   logger,
	}
}

// GetOrCreate returns the breaker for the given dependency, creating it with
// the supplied configuration on first use. Subsequent calls ignore config.
func (r *Registry) GetOrCreate(dependency Dependency, config Config) *Breaker {
	r.mu.RLock()
	breaker, exists := r.breakers[dependency]
	r.mu.RUnlock()

	if exists {
		return breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if breaker, exists = r.breakers[dependency]; exists {
		return breaker
	}

	breaker = newBreaker(dependency, config, r.logger, r.notifyListeners)
	r.breakers[dependency] = breaker

	r.logger.Infof("created circuit breaker for dependency: %s", dependency)

	return breaker
}

// Get returns the breaker for the given dependency, if one was created.
func (r *Registry) Get(dependency Dependency) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	breaker, exists := r.breakers[dependency]

	return breaker, exists
}

// State returns the current state of the given dependency's breaker, or
// StateUnknown if none exists.
func (r *Registry) State(dependency Dependency) State {
	breaker, exists := r.Get(dependency)
	if !exists {
		return StateUnknown
	}

	return breaker.State()
}

// Stats returns a snapshot of every registered breaker, keyed by dependency.
func (r *Registry) Stats() map[Dependency]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[Dependency]Stats, len(r.breakers))
	for dependency, breaker := range r.breakers {
		stats[dependency] = breaker.Stats()
	}

	return stats
}

// Reset forces the given dependency's breaker to closed, clearing counters.
func (r *Registry) Reset(dependency Dependency) {
	if breaker, exists := r.Get(dependency); exists {
		breaker.Reset()
	}
}

// RegisterStateChangeListener registers a listener notified on every breaker
// state transition. Listeners run in their own goroutines so a slow listener
// cannot block circuit accounting.
func (r *Registry) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		r.logger.Warnf("attempted to register a nil state change listener")

		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, listener)
}

// Close tears down all breakers and their self-heal timers. The registry
// must not be used afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	r.closed = true

	for _, breaker := range r.breakers {
		breaker.Close()
	}
}

func (r *Registry) notifyListeners(dependency Dependency, from, to State) {
	r.mu.RLock()
	listeners := make([]StateChangeListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, listener := range listeners {
		go func(l StateChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Errorf("state change listener panic for dependency %s: %v", dependency, rec)
				}
			}()

			l.OnStateChange(dependency, from, to)
		}(listener)
	}
}
