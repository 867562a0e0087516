package rabbitmq

import (
	"context"
	"time"

	"github.com/coursekit/bookingcore/ledger"
	"github.com/coursekit/bookingcore/log"
	"github.com/coursekit/bookingcore/refund"
)

var (
	_ ledger.CapacityBus = (*CapacityBus)(nil)
	_ refund.Notifier    = (*RefundNotifier)(nil)
)

// Routing keys for the booking event topology.
const (
	KeyCapacityChanged = "session.capacity.changed"
	KeyRefundRequested = "refund.requested"
	KeyRefundProcessed = "refund.processed"
	KeyRefundRejected  = "refund.rejected"
	KeyRefundFailed    = "refund.failed"
)

// JSONPublisher is the transport slice the event emitters need.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, routingKey string, payload any) error
}

// CapacityChangedEvent is broadcast after every committed capacity mutation.
type CapacityChangedEvent struct {
	SessionID      string    `json:"session_id"`
	NewCount       int       `json:"new_count"`
	AvailableSpots int       `json:"available_spots"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// CapacityBus emits capacity-changed events to the broker. Emission is best
// effort: publish failures are logged and never reach the caller.
type CapacityBus struct {
	publisher JSONPublisher
	logger    log.Logger
}

// NewCapacityBus wires the bus to a publisher.
func NewCapacityBus(publisher JSONPublisher, logger log.Logger) *CapacityBus {
	if logger == nil {
		logger = &log.NoneLogger{}
	}

	return &CapacityBus{publisher: publisher, logger: logger}
}

// EmitCapacityChanged publishes the event under session.capacity.changed.
func (b *CapacityBus) EmitCapacityChanged(ctx context.Context, sessionID string, newCount, availableSpots int) {
	event := CapacityChangedEvent{
		SessionID:      sessionID,
		NewCount:       newCount,
		AvailableSpots: availableSpots,
		OccurredAt:     time.Now().UTC(),
	}

	if err := b.publisher.PublishJSON(ctx, KeyCapacityChanged, event); err != nil {
		b.logger.Errorf("publishing capacity change for session %s: %v", sessionID, err)
	}
}

// RefundEvent is the payload for every refund lifecycle notification. The
// notification service consumes these to send customer and admin emails.
type RefundEvent struct {
	RefundID   string    `json:"refund_id"`
	BookingID  string    `json:"booking_id"`
	Amount     string    `json:"amount"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RefundNotifier publishes refund lifecycle events. Fire and forget;
// failures are logged, never propagated.
type RefundNotifier struct {
	publisher JSONPublisher
	logger    log.Logger
}

// NewRefundNotifier wires the notifier to a publisher.
func NewRefundNotifier(publisher JSONPublisher, logger log.Logger) *RefundNotifier {
	if logger == nil {
		logger = &log.NoneLogger{}
	}

	return &RefundNotifier{publisher: publisher, logger: logger}
}

func (n *RefundNotifier) RefundRequested(ctx context.Context, req *refund.Request) {
	n.emit(ctx, KeyRefundRequested, req, req.Reason)
}

func (n *RefundNotifier) RefundProcessed(ctx context.Context, req *refund.Request) {
	n.emit(ctx, KeyRefundProcessed, req, "")
}

func (n *RefundNotifier) RefundRejected(ctx context.Context, req *refund.Request, reason string) {
	n.emit(ctx, KeyRefundRejected, req, reason)
}

func (n *RefundNotifier) RefundFailed(ctx context.Context, req *refund.Request) {
	n.emit(ctx, KeyRefundFailed, req, req.FailureReason)
}

func (n *RefundNotifier) emit(ctx context.Context, key string, req *refund.Request, reason string) {
	event := RefundEvent{
		RefundID:   req.ID.String(),
		BookingID:  req.BookingID,
		Amount:     req.Amount.String(),
		Status:     string(req.Status),
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}

	if err := n.publisher.PublishJSON(ctx, key, event); err != nil {
		n.logger.Errorf("publishing %s for refund %s: %v", key, event.RefundID, err)
	}
}
