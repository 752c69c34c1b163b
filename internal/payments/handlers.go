package payments

import (
	"context"
	"log/slog"
	"time"

	"ordersaga/internal/events"
)

// Handlers move payments to their final status when the provider outcome
// comes back on the bus.
type Handlers struct {
	log   *slog.Logger
	store Store
	now   func() time.Time
}

// NewHandlers returns handlers applying payment events to store.
func NewHandlers(log *slog.Logger, store Store) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{log: log.With("component", "payment-handlers"), store: store, now: time.Now}
}

// Register binds the payment handlers to their topics and event types.
func (h *Handlers) Register(r *events.Router) {
	r.Handle(events.TypePaymentCompleted, "payments.completed", h.onCompleted)
	r.Handle(events.TypePaymentFailed, "payments.failed", h.onFailed)
}

func (h *Handlers) onCompleted(ctx context.Context, msg events.Message, _ events.Header) error {
	var ev events.PaymentCompleted
	if err := events.Decode(msg, &ev); err != nil {
		return err
	}
	return h.settle(ctx, ev.Header, StatusCompleted, "")
}

func (h *Handlers) onFailed(ctx context.Context, msg events.Message, _ events.Header) error {
	var ev events.PaymentFailed
	if err := events.Decode(msg, &ev); err != nil {
		return err
	}
	return h.settle(ctx, ev.Header, StatusFailed, ev.Reason)
}

// settle moves a pending payment to status. A payment that already left
// pending is not touched.
func (h *Handlers) settle(ctx context.Context, hdr events.Header, status Status, reason string) error {
	id := hdr.PaymentID
	if id == "" {
		id = hdr.AggregateID
	}
	log := h.log.With("payment_id", id, "correlation_id", hdr.CorrelationID, "event_type", hdr.EventType)

	var from Status
	p, err := h.store.ApplyEvent(ctx, events.KeyOf(hdr), id, func(p *Payment) error {
		from = p.Status
		if p.Status != StatusPending {
			return nil
		}
		return p.Transition(status, h.now())
	})
	if err != nil {
		return err
	}
	if from != StatusPending {
		log.Warn("payment already settled, ignoring", "status", p.Status, "wanted", status)
		return nil
	}
	log.Info("payment settled", "status", p.Status, "reason", reason)
	return nil
}
