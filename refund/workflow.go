package refund

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coursekit/bookingcore/circuitbreaker"
	"github.com/coursekit/bookingcore/faults"
	"github.com/coursekit/bookingcore/log"
)

// Tx is a datastore transaction owned by the workflow.
type Tx interface {
	Commit() error
	Rollback() error
}

// Store is the workflow's persistence boundary.
type Store interface {
	// Begin starts a datastore transaction.
	Begin(ctx context.Context) (Tx, error)

	// Create inserts a new refund request. A concurrent active request for
	// the same booking surfaces as a Conflict.
	Create(ctx context.Context, req *Request) error

	// RefundForUpdate reads the refund row inside tx with a row lock, so
	// concurrent transitions of the same refund are serialized.
	RefundForUpdate(ctx context.Context, tx Tx, id uuid.UUID) (*Request, error)

	// Update writes the refund's mutable fields inside tx.
	Update(ctx context.Context, tx Tx, req *Request) error

	// Refund reads a refund without a transaction.
	Refund(ctx context.Context, id uuid.UUID) (*Request, error)

	// RefundsByStatus lists refunds in the given status, newest first.
	RefundsByStatus(ctx context.Context, status Status) ([]Request, error)

	// RefundWithDetails joins the refund with its booking, payment and the
	// identities involved.
	RefundWithDetails(ctx context.Context, id uuid.UUID) (*Details, error)

	// UserRefunds lists refunds requested by the user, newest first.
	UserRefunds(ctx context.Context, userID string) ([]Request, error)

	// HasActiveRefund reports whether the booking already has a refund in a
	// non-terminal status.
	HasActiveRefund(ctx context.Context, bookingID string) (bool, error)

	// SuccessfulPayment returns the settled payment for the booking, or
	// NotFound when the booking has none.
	SuccessfulPayment(ctx context.Context, bookingID string) (*Payment, error)

	// AppendAudit records a transition in the audit trail.
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// BookingService is the narrow slice of the booking domain the workflow
// drives: the optimistic cancellation on request, its compensating restore
// on rejection, and the final settlement mark.
type BookingService interface {
	Booking(ctx context.Context, id string) (*Booking, error)
	Cancel(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) error
	MarkRefunded(ctx context.Context, id string) error
}

// PaymentGateway settles refunds with the external payment processor.
type PaymentGateway interface {
	CreateRefund(ctx context.Context, paymentReference string, amount decimal.Decimal, metadata map[string]string) (string, error)
}

// Notifier sends fire-and-forget customer and admin notifications.
// Implementations log their own failures; nothing is propagated.
type Notifier interface {
	RefundRequested(ctx context.Context, req *Request)
	RefundProcessed(ctx context.Context, req *Request)
	RefundRejected(ctx context.Context, req *Request, reason string)
	RefundFailed(ctx context.Context, req *Request)
}

// Workflow drives a refund from request to settlement. All status mutations
// go through row-locked transitions, so two concurrent admins cannot both
// move the same refund.
type Workflow struct {
	store    Store
	bookings BookingService
	gateway  PaymentGateway
	breaker  *circuitbreaker.Breaker
	notifier Notifier
	logger   log.Logger
}

// New constructs a workflow. breaker guards every gateway call; notifier may
// be nil.
func New(
	store Store,
	bookings BookingService,
	gateway PaymentGateway,
	breaker *circuitbreaker.Breaker,
	notifier Notifier,
	logger log.Logger,
) *Workflow {
	if logger == nil {
		logger = &log.NoneLogger{}
	}

	return &Workflow{
		store:    store,
		bookings: bookings,
		gateway:  gateway,
		breaker:  breaker,
		notifier: notifier,
		logger:   logger,
	}
}

// RequestInput carries the fields a customer submits with a refund request.
// The refunded amount comes from the booking's settled payment, not from the
// requester.
type RequestInput struct {
	BookingID   string
	Reason      string
	RequestedBy string
}

// RequestRefund creates a refund request and optimistically cancels the
// booking, freeing its spots before any admin decision. RejectRefund is the
// compensating action that restores the booking. The booking must exist,
// belong to the requester, and not already be cancelled or refunded; the
// refund covers the booking's successful payment in full.
func (w *Workflow) RequestRefund(ctx context.Context, input RequestInput) (*Request, error) {
	if input.BookingID == "" {
		return nil, faults.New(faults.KindValidation, "booking identifier is required")
	}

	if input.RequestedBy == "" {
		return nil, faults.New(faults.KindValidation, "requester identifier is required")
	}

	booking, err := w.bookings.Booking(ctx, input.BookingID)
	if err != nil {
		return nil, err
	}

	if booking.UserID != input.RequestedBy {
		return nil, faults.Newf(faults.KindValidation,
			"booking %s does not belong to %s", input.BookingID, input.RequestedBy)
	}

	switch booking.Status {
	case BookingRefunded:
		return nil, faults.Newf(faults.KindConflict, "booking %s is already refunded", input.BookingID)
	case BookingCancelled:
		return nil, faults.Newf(faults.KindConflict, "booking %s is already cancelled", input.BookingID)
	}

	active, err := w.store.HasActiveRefund(ctx, input.BookingID)
	if err != nil {
		return nil, err
	}

	if active {
		return nil, faults.New(faults.KindConflict, "a refund request already exists for this booking")
	}

	payment, err := w.store.SuccessfulPayment(ctx, input.BookingID)
	if err != nil {
		return nil, err
	}

	req := &Request{
		ID:          uuid.New(),
		BookingID:   input.BookingID,
		PaymentID:   payment.ID,
		Amount:      payment.Amount,
		Reason:      input.Reason,
		RequestedBy: input.RequestedBy,
		Status:      StatusRequested,
		RequestedAt: time.Now().UTC(),
	}

	if err := w.store.Create(ctx, req); err != nil {
		return nil, err
	}

	if err := w.bookings.Cancel(ctx, input.BookingID); err != nil {
		// The refund stays in REQUESTED; rejecting it restores the booking,
		// so an admin can recover from a half-applied request.
		w.logger.Errorf("cancelling booking %s for refund %s failed: %v", input.BookingID, req.ID, err)

		return nil, faults.Wrap(faults.KindTransaction, "refund created but booking cancellation failed", err)
	}

	w.audit(ctx, AuditEntry{
		RefundID:  req.ID,
		To:        StatusRequested,
		Actor:     input.RequestedBy,
		Note:      input.Reason,
		Timestamp: req.RequestedAt,
	})

	w.notify(func(n Notifier) { n.RefundRequested(ctx, req) })

	return req, nil
}

// ApproveRefund moves a REQUESTED refund to APPROVED and immediately
// processes it. Approval and processing are coupled; there is no separate
// scheduling step. A gateway failure does not fail the approval call: the
// refund comes back with status FAILED and the gateway error captured on
// the record. Processing is not retried automatically; recovery is a fresh
// refund request.
func (w *Workflow) ApproveRefund(ctx context.Context, id uuid.UUID, approvedBy, notes string) (*Request, error) {
	now := time.Now().UTC()

	req, err := w.transition(ctx, id, StatusRequested, StatusApproved, approvedBy, notes, func(r *Request) {
		r.ApprovedBy = approvedBy
		r.Notes = notes
		r.ApprovedAt = &now
	})
	if err != nil {
		return nil, err
	}

	return w.processRefund(ctx, req)
}

// RejectRefund moves a REQUESTED refund to REJECTED and restores the
// booking to CONFIRMED, undoing the optimistic cancellation.
func (w *Workflow) RejectRefund(ctx context.Context, id uuid.UUID, rejectedBy, reason string) (*Request, error) {
	now := time.Now().UTC()

	req, err := w.transition(ctx, id, StatusRequested, StatusRejected, rejectedBy, reason, func(r *Request) {
		r.ApprovedBy = rejectedBy
		r.Notes = reason
		r.RejectedAt = &now
	})
	if err != nil {
		return nil, err
	}

	if err := w.bookings.Restore(ctx, req.BookingID); err != nil {
		w.logger.Errorf("restoring booking %s after rejecting refund %s failed: %v", req.BookingID, id, err)

		return nil, faults.Wrap(faults.KindTransaction, "refund rejected but booking restore failed", err)
	}

	w.notify(func(n Notifier) { n.RefundRejected(ctx, req, reason) })

	return req, nil
}

// processRefund runs the settlement leg: PROCESSING, one gateway call
// through the payment-gateway breaker, then PROCESSED or FAILED.
func (w *Workflow) processRefund(ctx context.Context, req *Request) (*Request, error) {
	req, err := w.transition(ctx, req.ID, StatusApproved, StatusProcessing, req.ApprovedBy, "", nil)
	if err != nil {
		return nil, err
	}

	result, gatewayErr := w.breaker.Execute(ctx, func() (any, error) {
		return w.gateway.CreateRefund(ctx, req.PaymentID, req.Amount, map[string]string{
			"refund_id":  req.ID.String(),
			"booking_id": req.BookingID,
		})
	})

	if gatewayErr != nil {
		w.logger.Errorf("refund %s settlement failed: %v", req.ID, gatewayErr)

		failed, err := w.transition(ctx, req.ID, StatusProcessing, StatusFailed, req.ApprovedBy, gatewayErr.Error(), func(r *Request) {
			r.FailureReason = gatewayErr.Error()
		})
		if err != nil {
			return nil, err
		}

		w.notify(func(n Notifier) { n.RefundFailed(ctx, failed) })

		return failed, nil
	}

	externalID, _ := result.(string)
	now := time.Now().UTC()

	processed, err := w.transition(ctx, req.ID, StatusProcessing, StatusProcessed, req.ApprovedBy, "", func(r *Request) {
		r.ExternalRefundID = externalID
		r.ProcessedAt = &now
	})
	if err != nil {
		return nil, err
	}

	if err := w.bookings.MarkRefunded(ctx, processed.BookingID); err != nil {
		w.logger.Errorf("marking booking %s refunded after refund %s settled: %v", processed.BookingID, processed.ID, err)
	}

	w.notify(func(n Notifier) { n.RefundProcessed(ctx, processed) })

	return processed, nil
}

// GetRefundsByStatus lists refunds in the given status.
func (w *Workflow) GetRefundsByStatus(ctx context.Context, status Status) ([]Request, error) {
	return w.store.RefundsByStatus(ctx, status)
}

// GetRefundWithDetails returns the refund joined with its booking, payment
// and the identities involved.
func (w *Workflow) GetRefundWithDetails(ctx context.Context, id uuid.UUID) (*Details, error) {
	return w.store.RefundWithDetails(ctx, id)
}

// GetUserRefunds lists refunds requested by the user.
func (w *Workflow) GetUserRefunds(ctx context.Context, userID string) ([]Request, error) {
	return w.store.UserRefunds(ctx, userID)
}

// transition applies a single row-locked state change. The refund is read
// FOR UPDATE inside a transaction and the required source status verified
// under the lock, so concurrent transitions of the same refund serialize and
// at most one wins.
func (w *Workflow) transition(
	ctx context.Context,
	id uuid.UUID,
	from, to Status,
	actor, note string,
	mutate func(*Request),
) (*Request, error) {
	tx, err := w.store.Begin(ctx)
	if err != nil {
		return nil, err
	}

	req, err := w.store.RefundForUpdate(ctx, tx, id)
	if err != nil {
		w.rollback(tx)

		return nil, err
	}

	if req.Status != from {
		w.rollback(tx)

		return nil, faults.Newf(faults.KindConflict,
			"refund is not in pending/approved status (current: %s)", req.Status)
	}

	req.Status = to

	if mutate != nil {
		mutate(req)
	}

	if err := w.store.Update(ctx, tx, req); err != nil {
		w.rollback(tx)

		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, faults.Wrap(faults.KindTransaction, "refund transition commit failed", err)
	}

	w.audit(ctx, AuditEntry{
		RefundID:  id,
		From:      from,
		To:        to,
		Actor:     actor,
		Note:      note,
		Timestamp: time.Now().UTC(),
	})

	return req, nil
}

func (w *Workflow) rollback(tx Tx) {
	if err := tx.Rollback(); err != nil {
		w.logger.Errorf("refund transaction rollback failed: %v", err)
	}
}

// audit is best effort; a missing audit row never fails the transition.
func (w *Workflow) audit(ctx context.Context, entry AuditEntry) {
	if err := w.store.AppendAudit(ctx, entry); err != nil {
		w.logger.Errorf("appending refund audit entry for %s: %v", entry.RefundID, err)
	}
}

func (w *Workflow) notify(send func(Notifier)) {
	if w.notifier == nil {
		return
	}

	send(w.notifier)
}
