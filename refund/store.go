package refund

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/coursekit/bookingcore/faults"
	"github.com/coursekit/bookingcore/postgres"
)

const pgUniqueViolation = "23505"

const refundColumns = `
	r.id, r.booking_id, r.payment_id, r.amount, r.reason, r.requested_by,
	COALESCE(r.approved_by, ''), COALESCE(r.notes, ''), r.status,
	COALESCE(r.external_refund_id, ''), COALESCE(r.failure_reason, ''),
	r.requested_at, r.approved_at, r.rejected_at, r.processed_at`

// PostgresStore implements Store against the relational datastore. The
// one-active-refund-per-booking invariant is enforced by a partial unique
// index on booking_id over non-terminal statuses, so even two racing inserts
// cannot both land.
type PostgresStore struct {
	pool *postgres.Pool
}

// NewPostgresStore wires the store to the pool.
func NewPostgresStore(pool *postgres.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Begin starts a workflow-owned datastore transaction. Statements issued
// through it route through the datastore breaker like pool-level queries.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	return s.pool.Begin(ctx)
}

func concreteTx(tx Tx) (*postgres.Tx, error) {
	pt, ok := tx.(*postgres.Tx)
	if !ok {
		return nil, fmt.Errorf("refund: foreign transaction type %T", tx)
	}

	return pt, nil
}

// Create inserts the refund request. A unique-index violation on the
// booking's active refund maps to Conflict.
func (s *PostgresStore) Create(ctx context.Context, req *Request) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refund_requests
			(id, booking_id, payment_id, amount, reason, requested_by, status, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		[]any{
			req.ID, req.BookingID, req.PaymentID, req.Amount, req.Reason,
			req.RequestedBy, req.Status, req.RequestedAt,
		})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return faults.New(faults.KindConflict, "a refund request already exists for this booking")
		}

		return fmt.Errorf("inserting refund request: %w", err)
	}

	return nil
}

// RefundForUpdate reads the refund row with FOR UPDATE so concurrent
// transitions of the same refund serialize behind this transaction.
func (s *PostgresStore) RefundForUpdate(ctx context.Context, tx Tx, id uuid.UUID) (*Request, error) {
	pt, err := concreteTx(tx)
	if err != nil {
		return nil, err
	}

	var req Request

	err = pt.QueryRow(ctx, `
		SELECT `+refundColumns+`
		FROM refund_requests r
		WHERE r.id = $1
		FOR UPDATE`, []any{id}, refundFields(&req)...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, faults.Newf(faults.KindNotFound, "refund %s not found", id)
		}

		return nil, err
	}

	return &req, nil
}

// Update writes the refund's mutable fields inside tx.
func (s *PostgresStore) Update(ctx context.Context, tx Tx, req *Request) error {
	pt, err := concreteTx(tx)
	if err != nil {
		return err
	}

	affected, err := pt.Exec(ctx, `
		UPDATE refund_requests
		SET status = $2,
		    approved_by = NULLIF($3, ''),
		    notes = NULLIF($4, ''),
		    external_refund_id = NULLIF($5, ''),
		    failure_reason = NULLIF($6, ''),
		    approved_at = $7,
		    rejected_at = $8,
		    processed_at = $9,
		    updated_at = now()
		WHERE id = $1`,
		[]any{
			req.ID, req.Status, req.ApprovedBy, req.Notes, req.ExternalRefundID,
			req.FailureReason, req.ApprovedAt, req.RejectedAt, req.ProcessedAt,
		})
	if err != nil {
		return fmt.Errorf("updating refund %s: %w", req.ID, err)
	}

	if affected == 0 {
		return faults.Newf(faults.KindNotFound, "refund %s not found", req.ID)
	}

	return nil
}

// Refund reads a refund without a transaction.
func (s *PostgresStore) Refund(ctx context.Context, id uuid.UUID) (*Request, error) {
	var (
		req   *Request
		found bool
	)

	err := s.pool.Query(ctx, `
		SELECT `+refundColumns+`
		FROM refund_requests r
		WHERE r.id = $1`, []any{id}, func(rows *sql.Rows) error {
		if !rows.Next() {
			return nil
		}

		found = true

		var err error
		req, err = scanRefundRows(rows)

		return err
	})
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, faults.Newf(faults.KindNotFound, "refund %s not found", id)
	}

	return req, nil
}

// RefundsByStatus lists refunds in the given status, newest first.
func (s *PostgresStore) RefundsByStatus(ctx context.Context, status Status) ([]Request, error) {
	return s.list(ctx, `
		SELECT `+refundColumns+`
		FROM refund_requests r
		WHERE r.status = $1
		ORDER BY r.requested_at DESC`, status)
}

// UserRefunds lists refunds requested by the user, newest first.
func (s *PostgresStore) UserRefunds(ctx context.Context, userID string) ([]Request, error) {
	return s.list(ctx, `
		SELECT `+refundColumns+`
		FROM refund_requests r
		WHERE r.requested_by = $1
		ORDER BY r.requested_at DESC`, userID)
}

func (s *PostgresStore) list(ctx context.Context, query string, arg any) ([]Request, error) {
	var refunds []Request

	err := s.pool.Query(ctx, query, []any{arg}, func(rows *sql.Rows) error {
		for rows.Next() {
			req, err := scanRefundRows(rows)
			if err != nil {
				return err
			}

			refunds = append(refunds, *req)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return refunds, nil
}

// RefundWithDetails joins the refund with its booking, payment and the email
// addresses of the requester and approver.
func (s *PostgresStore) RefundWithDetails(ctx context.Context, id uuid.UUID) (*Details, error) {
	var (
		details Details
		found   bool
	)

	err := s.pool.Query(ctx, `
		SELECT `+refundColumns+`,
		       b.id, b.session_id, b.user_id, b.attendees, b.status,
		       p.id, p.reference, p.amount, p.currency,
		       requester.email, COALESCE(approver.email, '')
		FROM refund_requests r
		JOIN bookings b ON b.id = r.booking_id
		JOIN payments p ON p.id = r.payment_id
		JOIN users requester ON requester.id = r.requested_by
		LEFT JOIN users approver ON approver.id = r.approved_by
		WHERE r.id = $1`, []any{id}, func(rows *sql.Rows) error {
		if !rows.Next() {
			return nil
		}

		found = true

		return rows.Scan(
			&details.Request.ID,
			&details.Request.BookingID,
			&details.Request.PaymentID,
			&details.Request.Amount,
			&details.Request.Reason,
			&details.Request.RequestedBy,
			&details.Request.ApprovedBy,
			&details.Request.Notes,
			&details.Request.Status,
			&details.Request.ExternalRefundID,
			&details.Request.FailureReason,
			&details.Request.RequestedAt,
			&details.Request.ApprovedAt,
			&details.Request.RejectedAt,
			&details.Request.ProcessedAt,
			&details.Booking.ID,
			&details.Booking.SessionID,
			&details.Booking.UserID,
			&details.Booking.Attendees,
			&details.Booking.Status,
			&details.Payment.ID,
			&details.Payment.Reference,
			&details.Payment.Amount,
			&details.Payment.Currency,
			&details.RequesterEmail,
			&details.ApproverEmail,
		)
	})
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, faults.Newf(faults.KindNotFound, "refund %s not found", id)
	}

	return &details, nil
}

// SuccessfulPayment returns the settled payment for the booking, newest
// first when several exist. NotFound when the booking has none.
func (s *PostgresStore) SuccessfulPayment(ctx context.Context, bookingID string) (*Payment, error) {
	var (
		payment Payment
		found   bool
	)

	err := s.pool.Query(ctx, `
		SELECT id, reference, amount, currency
		FROM payments
		WHERE booking_id = $1 AND status = 'SUCCESSFUL'
		ORDER BY created_at DESC
		LIMIT 1`, []any{bookingID}, func(rows *sql.Rows) error {
		if !rows.Next() {
			return nil
		}

		found = true

		return rows.Scan(&payment.ID, &payment.Reference, &payment.Amount, &payment.Currency)
	})
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, faults.Newf(faults.KindNotFound, "no successful payment found for booking %s", bookingID)
	}

	return &payment, nil
}

// HasActiveRefund reports whether the booking has a refund in a non-terminal
// status.
func (s *PostgresStore) HasActiveRefund(ctx context.Context, bookingID string) (bool, error) {
	var exists bool

	err := s.pool.Query(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM refund_requests
			WHERE booking_id = $1 AND status IN ('REQUESTED', 'APPROVED', 'PROCESSING')
		)`, []any{bookingID}, func(rows *sql.Rows) error {
		if rows.Next() {
			return rows.Scan(&exists)
		}

		return nil
	})
	if err != nil {
		return false, err
	}

	return exists, nil
}

// AppendAudit records a transition in the audit trail.
func (s *PostgresStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refund_audit_log (refund_id, from_status, to_status, actor, note, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)`,
		[]any{entry.RefundID, string(entry.From), entry.To, entry.Actor, entry.Note, entry.Timestamp})

	return err
}

// refundFields lists the scan destinations in refundColumns order.
func refundFields(req *Request) []any {
	return []any{
		&req.ID,
		&req.BookingID,
		&req.PaymentID,
		&req.Amount,
		&req.Reason,
		&req.RequestedBy,
		&req.ApprovedBy,
		&req.Notes,
		&req.Status,
		&req.ExternalRefundID,
		&req.FailureReason,
		&req.RequestedAt,
		&req.ApprovedAt,
		&req.RejectedAt,
		&req.ProcessedAt,
	}
}

func scanRefundRows(rows *sql.Rows) (*Request, error) {
	var req Request

	if err := rows.Scan(refundFields(&req)...); err != nil {
		return nil, err
	}

	return &req, nil
}
