// Package ledger enforces that a session's countable reservations never
// exceed its effective capacity, even under concurrent booking and
// cancellation.
//
// The guarantee does not rely on in-process locking: IncrementBooking reads
// the session row with a row lock inside a datastore transaction and writes
// the new count before committing, so two concurrent increments against the
// same session are serialized by the datastore. The read-then-update inside
// one transaction is the mechanism that prevents lost updates; it is
// correctness-critical, not an optimization.
//
// Capacity shortfalls are reported as a typed IncrementResult with
// Success=false rather than an error, so callers can render "only N spots
// left" without error-driven control flow.
//
// Read paths (CheckAvailability, AvailableSessions) are advisory: they run
// outside transactions and may fan out across sessions in parallel.
package ledger
