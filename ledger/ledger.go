package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coursekit/bookingcore/faults"
	"github.com/coursekit/bookingcore/log"
)

// availabilityFanout bounds how many sessions are counted concurrently on
// the advisory listing path.
const availabilityFanout = 8

// Tx is a datastore transaction owned by a ledger caller.
type Tx interface {
	Commit() error
	Rollback() error
}

// Store is the ledger's persistence boundary.
type Store interface {
	// Begin starts a datastore transaction.
	Begin(ctx context.Context) (Tx, error)

	// SessionForUpdate reads the session row inside tx with a row lock, so
	// a concurrent transaction touching the same session is serialized
	// behind it.
	SessionForUpdate(ctx context.Context, tx Tx, id string) (*Session, error)

	// CountActiveReservations counts the session's reservations in a
	// countable status (PENDING or CONFIRMED) inside tx.
	CountActiveReservations(ctx context.Context, tx Tx, sessionID string) (int, error)

	// SetParticipantCount writes the denormalized count inside tx.
	SetParticipantCount(ctx context.Context, tx Tx, sessionID string, count int) error

	// Session reads a session without a transaction.
	Session(ctx context.Context, id string) (*Session, error)

	// ActiveReservationCount counts countable reservations without a
	// transaction.
	ActiveReservationCount(ctx context.Context, sessionID string) (int, error)

	// Sessions lists candidate sessions for the advisory read path,
	// applying date range, course type and location filters.
	Sessions(ctx context.Context, filters Filters) ([]Session, error)
}

// CapacityBus receives capacity-changed notifications. Implementations must
// be non-blocking from the ledger's perspective; failures are logged, never
// propagated.
type CapacityBus interface {
	EmitCapacityChanged(ctx context.Context, sessionID string, newCount, availableSpots int)
}

// Ledger performs oversell-proof reservation accounting.
type Ledger struct {
	store   Store
	bus     CapacityBus
	logger  log.Logger
	hardCap int
}

// New constructs a ledger. hardCap is the system-wide ceiling applied on top
// of each session's own maximum; bus may be nil.
func New(store Store, bus CapacityBus, hardCap int, logger log.Logger) *Ledger {
	if logger == nil {
		logger = &log.NoneLogger{}
	}

	return &Ledger{
		store:   store,
		bus:     bus,
		logger:  logger,
		hardCap: hardCap,
	}
}

// Option adjusts a single capacity mutation.
type Option func(*callOptions)

type callOptions struct {
	tx Tx
}

// InTx makes the mutation participate in a caller-owned transaction instead
// of opening its own. The caller remains responsible for commit/rollback.
func InTx(tx Tx) Option {
	return func(o *callOptions) {
		o.tx = tx
	}
}

// Begin starts a transaction suitable for passing to InTx, so a caller can
// combine a capacity mutation with its own writes atomically.
func (l *Ledger) Begin(ctx context.Context) (Tx, error) {
	return l.store.Begin(ctx)
}

// CheckAvailability reports a session's current availability. Read-only and
// advisory; the oversell guarantee does not depend on it.
func (l *Ledger) CheckAvailability(ctx context.Context, sessionID string) (Availability, error) {
	sess, err := l.store.Session(ctx, sessionID)
	if err != nil {
		return Availability{}, err
	}

	current, err := l.store.ActiveReservationCount(ctx, sessionID)
	if err != nil {
		return Availability{}, err
	}

	if !sess.Status.Bookable() {
		return Availability{Available: false, CurrentCount: current, RemainingSpots: 0}, nil
	}

	remaining := l.effectiveCapacity(sess) - current
	if remaining < 0 {
		remaining = 0
	}

	return Availability{
		Available:      remaining > 0,
		CurrentCount:   current,
		RemainingSpots: remaining,
	}, nil
}

// IncrementBooking reserves count spots on the session. The session row is
// read under a row lock inside the transaction, so concurrent increments are
// serialized and the capacity check cannot act on stale state.
//
// A capacity shortfall returns Success=false with the spots still available;
// it is not an error. Missing sessions and non-bookable statuses are errors.
func (l *Ledger) IncrementBooking(ctx context.Context, sessionID string, count int, opts ...Option) (IncrementResult, error) {
	if count <= 0 {
		return IncrementResult{}, faults.Newf(faults.KindValidation, "increment count must be positive, got %d", count)
	}

	options := applyOptions(opts)

	tx, owned, err := l.transaction(ctx, options)
	if err != nil {
		return IncrementResult{}, err
	}

	sess, current, err := l.readForUpdate(ctx, tx, owned, sessionID)
	if err != nil {
		return IncrementResult{}, err
	}

	if !sess.Status.Bookable() {
		l.rollbackIfOwned(tx, owned)

		return IncrementResult{}, faults.Newf(faults.KindConflict,
			"session %s is not open for booking (status: %s)", sessionID, sess.Status)
	}

	capacity := l.effectiveCapacity(sess)

	available := capacity - current
	if available < 0 {
		available = 0
	}

	if available < count {
		// Shortfall is a typed result, not an error; roll back only a
		// locally owned transaction so an enclosing one stays usable.
		l.rollbackIfOwned(tx, owned)

		return IncrementResult{
			Success:        false,
			PreviousCount:  current,
			NewCount:       current,
			AvailableSpots: available,
			Message:        fmt.Sprintf("only %d spots available, requested %d", available, count),
		}, nil
	}

	newCount := current + count

	if err := l.store.SetParticipantCount(ctx, tx, sessionID, newCount); err != nil {
		l.rollbackIfOwned(tx, owned)

		return IncrementResult{}, err
	}

	if owned {
		if err := tx.Commit(); err != nil {
			return IncrementResult{}, faults.Wrap(faults.KindTransaction, "capacity increment commit failed", err)
		}

		// A caller-owned transaction may still roll back; its event is
		// deferred to PublishCapacityChange after the caller commits.
		l.emitCapacityChanged(ctx, sessionID, newCount, capacity-newCount)
	}

	return IncrementResult{
		Success:        true,
		PreviousCount:  current,
		NewCount:       newCount,
		AvailableSpots: capacity - newCount,
	}, nil
}

// DecrementBooking releases count spots on the session, flooring the result
// at zero. It succeeds for any existing session regardless of status, since
// cancellations must always be able to free capacity.
func (l *Ledger) DecrementBooking(ctx context.Context, sessionID string, count int, opts ...Option) (IncrementResult, error) {
	if count <= 0 {
		return IncrementResult{}, faults.Newf(faults.KindValidation, "decrement count must be positive, got %d", count)
	}

	options := applyOptions(opts)

	tx, owned, err := l.transaction(ctx, options)
	if err != nil {
		return IncrementResult{}, err
	}

	sess, current, err := l.readForUpdate(ctx, tx, owned, sessionID)
	if err != nil {
		return IncrementResult{}, err
	}

	newCount := current - count
	if newCount < 0 {
		newCount = 0
	}

	if err := l.store.SetParticipantCount(ctx, tx, sessionID, newCount); err != nil {
		l.rollbackIfOwned(tx, owned)

		return IncrementResult{}, err
	}

	capacity := l.effectiveCapacity(sess)
	available := capacity - newCount

	if available < 0 {
		available = 0
	}

	if owned {
		if err := tx.Commit(); err != nil {
			return IncrementResult{}, faults.Wrap(faults.KindTransaction, "capacity decrement commit failed", err)
		}

		l.emitCapacityChanged(ctx, sessionID, newCount, available)
	}

	return IncrementResult{
		Success:        true,
		PreviousCount:  current,
		NewCount:       newCount,
		AvailableSpots: available,
	}, nil
}

// AvailableSessions lists candidate sessions with live availability. Each
// session's countable reservations are counted individually rather than
// trusting the denormalized counter; counting fans out across sessions since
// this path is advisory.
func (l *Ledger) AvailableSessions(ctx context.Context, filters Filters) ([]SessionAvailability, error) {
	sessions, err := l.store.Sessions(ctx, filters)
	if err != nil {
		return nil, err
	}

	results := make([]SessionAvailability, len(sessions))
	errs := make([]error, len(sessions))
	sem := make(chan struct{}, availabilityFanout)

	var wg sync.WaitGroup

	for i, sess := range sessions {
		wg.Add(1)
		sem <- struct{}{}

		go func(i int, sess Session) {
			defer wg.Done()
			defer func() { <-sem }()

			current, err := l.store.ActiveReservationCount(ctx, sess.ID)
			if err != nil {
				errs[i] = err

				return
			}

			available := l.effectiveCapacity(&sess) - current
			if available < 0 {
				available = 0
			}

			results[i] = SessionAvailability{
				Session:         sess,
				CurrentBookings: current,
				AvailableSpots:  available,
			}
		}(i, sess)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	if filters.OnlyAvailable {
		filtered := results[:0]

		for _, r := range results {
			if r.Session.Status.Bookable() && r.AvailableSpots > 0 {
				filtered = append(filtered, r)
			}
		}

		results = filtered
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Session.StartsAt.Before(results[j].Session.StartsAt)
	})

	return results, nil
}

func (l *Ledger) effectiveCapacity(sess *Session) int {
	if l.hardCap > 0 && sess.MaxParticipants > l.hardCap {
		return l.hardCap
	}

	return sess.MaxParticipants
}

func (l *Ledger) transaction(ctx context.Context, options callOptions) (Tx, bool, error) {
	if options.tx != nil {
		return options.tx, false, nil
	}

	tx, err := l.store.Begin(ctx)
	if err != nil {
		return nil, false, err
	}

	return tx, true, nil
}

// readForUpdate locks the session row and resolves the current occupancy
// inside tx. The denormalized counter can run ahead of reservation rows when
// a caller increments before inserting its reservation in the same
// transaction, so the larger of the two values is authoritative. On error a
// locally owned transaction is rolled back.
func (l *Ledger) readForUpdate(ctx context.Context, tx Tx, owned bool, sessionID string) (*Session, int, error) {
	sess, err := l.store.SessionForUpdate(ctx, tx, sessionID)
	if err != nil {
		l.rollbackIfOwned(tx, owned)

		return nil, 0, err
	}

	current, err := l.store.CountActiveReservations(ctx, tx, sessionID)
	if err != nil {
		l.rollbackIfOwned(tx, owned)

		return nil, 0, err
	}

	if sess.CurrentParticipants > current {
		current = sess.CurrentParticipants
	}

	return sess, current, nil
}

func (l *Ledger) rollbackIfOwned(tx Tx, owned bool) {
	if !owned {
		return
	}

	if err := tx.Rollback(); err != nil {
		l.logger.Errorf("capacity transaction rollback failed: %v", err)
	}
}

// PublishCapacityChange broadcasts a capacity change on behalf of a caller
// that ran the mutation inside its own transaction. Such mutations do not
// emit on their own, since the enclosing transaction may still roll back;
// the caller invokes this after its commit.
func (l *Ledger) PublishCapacityChange(ctx context.Context, sessionID string, result IncrementResult) {
	if !result.Success {
		return
	}

	l.emitCapacityChanged(ctx, sessionID, result.NewCount, result.AvailableSpots)
}

func (l *Ledger) emitCapacityChanged(ctx context.Context, sessionID string, newCount, availableSpots int) {
	if l.bus == nil {
		return
	}

	l.bus.EmitCapacityChanged(ctx, sessionID, newCount, availableSpots)
}

func applyOptions(opts []Option) callOptions {
	var options callOptions
	for _, opt := range opts {
		opt(&options)
	}

	return options
}
