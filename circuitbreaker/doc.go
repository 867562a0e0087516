// Package circuitbreaker isolates failures of the core's external
// dependencies (the datastore and the payment gateway).
//
// Each monitored dependency gets exactly one Breaker, obtained from a
// Registry that the application's composition root constructs once and passes
// to the components that need it. Dependency keys are a typed enumeration so
// a typo cannot silently fall through to default configuration.
//
// A Breaker races every invocation against a per-call timeout; a timeout
// counts as a failure for circuit accounting even if the underlying work
// eventually completes. The timed-out call itself is not cancelled beyond
// context cancellation, so a non-cooperative operation can keep a goroutine
// alive until it returns.
//
// While open, a breaker fails fast without invoking the operation. Callers
// may supply a fallback to serve degraded results during the cooldown. The
// breaker re-enters half-open lazily on the next call after the reset
// timeout, and also proactively via a timer it owns, so it self-heals even
// without traffic.
package circuitbreaker
