package circuitbreaker

import (
	"time"

	"github.com/sony/gobreaker"
)

// Dependency identifies a monitored external dependency. Breakers for
// different dependencies are fully independent.
type Dependency string

const (
	// DependencyDatastore guards every query and transaction against the
	// relational datastore.
	DependencyDatastore Dependency = "datastore"
	// DependencyPaymentGateway guards refund settlement calls to the external
	// payment processor.
	DependencyPaymentGateway Dependency = "payment-gateway"
)

// State represents circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Stats is a read-only snapshot of a breaker's observable state.
type Stats struct {
	Dependency           Dependency
	State                State
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
	LastFailureTime      time.Time
}

// Operation is a fallible, latency-bounded unit of work executed through a
// breaker.
type Operation func() (any, error)

// StateChangeListener is notified when a circuit breaker changes state.
type StateChangeListener interface {
	// OnStateChange is called when a breaker transitions between states.
	OnStateChange(dependency Dependency, from State, to State)
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}
