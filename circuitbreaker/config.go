package circuitbreaker

import "time"

// Config holds circuit breaker configuration for one dependency.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker from closed to open.
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open before allowing
	// half-open probe calls.
	ResetTimeout time.Duration
	// HalfOpenRetries is the number of consecutive half-open successes
	// required to close the breaker. A single half-open failure re-trips it.
	HalfOpenRetries uint32
	// CallTimeout bounds each invocation; exceeding it counts as a failure.
	CallTimeout time.Duration
}

// DefaultConfig provides balanced settings for most dependencies.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenRetries:  3,
		CallTimeout:      10 * time.Second,
	}
}

// DatastoreConfig is tuned for the relational datastore. Databases should be
// stable, so the breaker tolerates more consecutive failures before tripping
// and allows longer-running statements.
func DatastoreConfig() Config {
	return Config{
		FailureThreshold: 10,
		ResetTimeout:     15 * time.Second,
		HalfOpenRetries:  3,
		CallTimeout:      30 * time.Second,
	}
}

// PaymentGatewayConfig is tuned for the external payment processor: fast
// failure detection and a longer cooldown, since gateway outages tend to
// last minutes rather than seconds.
func PaymentGatewayConfig() Config {
	return Config{
		FailureThreshold: 3,
		ResetTimeout:     60 * time.Second,
		HalfOpenRetries:  2,
		CallTimeout:      15 * time.Second,
	}
}

// withDefaults fills zero-value fields so a partially populated Config cannot
// produce a breaker that never trips or never times out.
func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.FailureThreshold == 0 {
		c.FailureThreshold = def.FailureThreshold
	}

	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}

	if c.HalfOpenRetries == 0 {
		c.HalfOpenRetries = def.HalfOpenRetries
	}

	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}

	return c
}
