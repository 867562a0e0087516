// Package bookingcore is the resilience and consistency core of a course
// booking platform: circuit breaking around fragile dependencies, a
// metered connection pool, oversell-proof capacity accounting, and the
// refund workflow from request to gateway settlement.
//
// The packages are layered leaves-first. circuitbreaker wraps any fallible
// operation; postgres routes every statement through the datastore breaker;
// ledger performs row-locked capacity mutations on top of the pool; refund
// orchestrates its state machine over the same pool and calls the payment
// gateway through its own breaker. Core in this package is the composition
// root that owns and wires all of them.
package bookingcore
