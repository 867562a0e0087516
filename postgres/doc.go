// Package postgres manages the bounded pool of transactional connections to
// the relational datastore.
//
// Every query and transaction is routed through the datastore circuit
// breaker and bounded by a per-call timeout. Acquiring a connection blocks
// under pool exhaustion up to an acquisition timeout, after which the call
// fails rather than queuing indefinitely. Connections are released on every
// exit path, including errors and panics inside transaction callbacks.
//
// The pool keeps a rolling window of recent query latencies plus error and
// slow-query counters; Metrics exposes them read-only and ResetMetrics clears
// them on explicit request only.
package postgres
