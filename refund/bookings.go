package refund

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/coursekit/bookingcore/faults"
	"github.com/coursekit/bookingcore/ledger"
	"github.com/coursekit/bookingcore/log"
	"github.com/coursekit/bookingcore/postgres"
)

// PostgresBookings is the default BookingService. Status changes and their
// capacity effects are applied atomically: the booking update and the
// ledger mutation share one transaction, so a booking can never be
// cancelled without its spots being freed.
type PostgresBookings struct {
	pool   *postgres.Pool
	ledger *ledger.Ledger
	logger log.Logger
}

// NewPostgresBookings wires the service to the pool and the capacity ledger.
func NewPostgresBookings(pool *postgres.Pool, capacity *ledger.Ledger, logger log.Logger) *PostgresBookings {
	if logger == nil {
		logger = &log.NoneLogger{}
	}

	return &PostgresBookings{pool: pool, ledger: capacity, logger: logger}
}

var _ BookingService = (*PostgresBookings)(nil)

// Booking reads the slice of the booking record the workflow needs.
func (b *PostgresBookings) Booking(ctx context.Context, id string) (*Booking, error) {
	var (
		booking Booking
		found   bool
	)

	err := b.pool.Query(ctx, `
		SELECT id, session_id, user_id, attendees, status
		FROM bookings
		WHERE id = $1`, []any{id}, func(rows *sql.Rows) error {
		if !rows.Next() {
			return nil
		}

		found = true

		return rows.Scan(&booking.ID, &booking.SessionID, &booking.UserID, &booking.Attendees, &booking.Status)
	})
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, faults.Newf(faults.KindNotFound, "booking %s not found", id)
	}

	return &booking, nil
}

// Cancel moves the booking to CANCELLED and frees its spots. Already
// cancelled bookings are left alone.
func (b *PostgresBookings) Cancel(ctx context.Context, id string) error {
	return b.setStatus(ctx, id, BookingCancelled, func(ctx context.Context, tx ledger.Tx, booking *Booking) (*ledger.IncrementResult, error) {
		if booking.Status == BookingCancelled {
			return nil, nil
		}

		result, err := b.ledger.DecrementBooking(ctx, booking.SessionID, booking.Attendees, ledger.InTx(tx))
		if err != nil {
			return nil, err
		}

		return &result, nil
	})
}

// Restore moves the booking back to CONFIRMED and re-reserves its spots,
// compensating an optimistic cancellation. If the session filled up in the
// meantime the restore fails with Conflict and nothing changes.
func (b *PostgresBookings) Restore(ctx context.Context, id string) error {
	return b.setStatus(ctx, id, BookingConfirmed, func(ctx context.Context, tx ledger.Tx, booking *Booking) (*ledger.IncrementResult, error) {
		result, err := b.ledger.IncrementBooking(ctx, booking.SessionID, booking.Attendees, ledger.InTx(tx))
		if err != nil {
			return nil, err
		}

		if !result.Success {
			return nil, faults.Newf(faults.KindConflict,
				"cannot restore booking %s: %s", id, result.Message)
		}

		return &result, nil
	})
}

// MarkRefunded records the final settlement. The booking was cancelled when
// the refund was requested, so capacity is untouched.
func (b *PostgresBookings) MarkRefunded(ctx context.Context, id string) error {
	updated, err := b.pool.Exec(ctx, `
		UPDATE bookings
		SET status = $2, updated_at = now()
		WHERE id = $1`, []any{id, BookingRefunded})
	if err != nil {
		return fmt.Errorf("marking booking %s refunded: %w", id, err)
	}

	if updated == 0 {
		return faults.Newf(faults.KindNotFound, "booking %s not found", id)
	}

	return nil
}

// setStatus reads the booking under a row lock, applies the capacity effect
// inside the same transaction, then writes the new status. The capacity
// change is broadcast only after the transaction commits, so a rollback is
// never announced.
func (b *PostgresBookings) setStatus(
	ctx context.Context,
	id string,
	status BookingStatus,
	effect func(context.Context, ledger.Tx, *Booking) (*ledger.IncrementResult, error),
) error {
	tx, err := b.ledger.Begin(ctx)
	if err != nil {
		return err
	}

	pt, ok := tx.(*postgres.Tx)
	if !ok {
		_ = tx.Rollback()

		return fmt.Errorf("refund: foreign ledger transaction type %T", tx)
	}

	booking, err := b.bookingForUpdate(ctx, pt, id)
	if err != nil {
		b.rollback(tx)

		return err
	}

	change, err := effect(ctx, tx, booking)
	if err != nil {
		b.rollback(tx)

		return err
	}

	if _, err := pt.Exec(ctx, `
		UPDATE bookings
		SET status = $2, updated_at = now()
		WHERE id = $1`, []any{id, status}); err != nil {
		b.rollback(tx)

		return fmt.Errorf("updating booking %s status: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return faults.Wrap(faults.KindTransaction, "booking status commit failed", err)
	}

	if change != nil {
		b.ledger.PublishCapacityChange(ctx, booking.SessionID, *change)
	}

	return nil
}

func (b *PostgresBookings) bookingForUpdate(ctx context.Context, tx *postgres.Tx, id string) (*Booking, error) {
	var booking Booking

	err := tx.QueryRow(ctx, `
		SELECT id, session_id, user_id, attendees, status
		FROM bookings
		WHERE id = $1
		FOR UPDATE`, []any{id},
		&booking.ID, &booking.SessionID, &booking.UserID, &booking.Attendees, &booking.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, faults.Newf(faults.KindNotFound, "booking %s not found", id)
		}

		return nil, err
	}

	return &booking, nil
}

func (b *PostgresBookings) rollback(tx ledger.Tx) {
	if err := tx.Rollback(); err != nil {
		b.logger.Errorf("booking transaction rollback failed: %v", err)
	}
}
