package refund

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a refund request.
type Status string

const (
	// StatusRequested refunds await an admin decision.
	StatusRequested Status = "REQUESTED"
	// StatusApproved refunds have been accepted and move straight to
	// processing.
	StatusApproved Status = "APPROVED"
	// StatusRejected is terminal; the booking is restored.
	StatusRejected Status = "REJECTED"
	// StatusProcessing refunds have a gateway call in flight.
	StatusProcessing Status = "PROCESSING"
	// StatusProcessed is terminal; the gateway settled the refund.
	StatusProcessed Status = "PROCESSED"
	// StatusFailed is terminal; recovery is a fresh refund request.
	StatusFailed Status = "FAILED"
)

// transitions is the full set of legal state changes. Anything absent is a
// Conflict.
var transitions = map[Status][]Status{
	StatusRequested:  {StatusApproved, StatusRejected},
	StatusApproved:   {StatusProcessing},
	StatusProcessing: {StatusProcessed, StatusFailed},
}

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// Active reports whether the status blocks a new refund request for the same
// booking.
func (s Status) Active() bool {
	return s == StatusRequested || s == StatusApproved || s == StatusProcessing
}

// Request is a refund request record. Created once, mutated only through the
// workflow's transition methods, never deleted.
type Request struct {
	ID               uuid.UUID
	BookingID        string
	PaymentID        string
	Amount           decimal.Decimal
	Reason           string
	RequestedBy      string
	ApprovedBy       string
	Notes            string
	Status           Status
	ExternalRefundID string
	FailureReason    string
	RequestedAt      time.Time
	ApprovedAt       *time.Time
	RejectedAt       *time.Time
	ProcessedAt      *time.Time
}

// BookingStatus is the lifecycle state of the booking a refund settles.
type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCancelled BookingStatus = "CANCELLED"
	BookingRefunded  BookingStatus = "REFUNDED"
)

// Booking is the slice of a booking record the workflow needs.
type Booking struct {
	ID        string
	SessionID string
	UserID    string
	Attendees int
	Status    BookingStatus
}

// Payment is the slice of a payment record the workflow reads for details.
type Payment struct {
	ID        string
	Reference string
	Amount    decimal.Decimal
	Currency  string
}

// Details joins a refund request with its related booking, payment and the
// identities involved.
type Details struct {
	Request        Request
	Booking        Booking
	Payment        Payment
	RequesterEmail string
	ApproverEmail  string
}

// AuditEntry records a single transition for the refund audit trail.
type AuditEntry struct {
	RefundID  uuid.UUID
	From      Status
	To        Status
	Actor     string
	Note      string
	Timestamp time.Time
}
