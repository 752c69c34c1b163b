package orders

import (
	"context"
	"log/slog"
	"time"

	"ordersaga/internal/events"
	"ordersaga/internal/saga"
)

// Handlers apply downstream confirmations to cancelled orders. Each event is
// applied at most once per (correlation, type, aggregate).
type Handlers struct {
	log      *slog.Logger
	store    Store
	notifier Notifier
	now      func() time.Time
}

// NewHandlers returns handlers that apply confirmations to store.
func NewHandlers(log *slog.Logger, store Store, notifier Notifier) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{log: log.With("component", "order-handlers"), store: store, notifier: notifier, now: time.Now}
}

// Register binds the order handlers to their topics and event types.
func (h *Handlers) Register(r *events.Router) {
	r.Handle(events.TypeStockReleased, "orders.stock_released", h.onStockReleased)
	r.Handle(events.TypeRefundCompleted, "orders.refund_completed", h.onRefundCompleted)
}

func (h *Handlers) onStockReleased(ctx context.Context, msg events.Message, _ events.Header) error {
	var ev events.StockReleased
	if err := events.Decode(msg, &ev); err != nil {
		return err
	}
	return h.MarkStockReleased(ctx, ev)
}

func (h *Handlers) onRefundCompleted(ctx context.Context, msg events.Message, _ events.Header) error {
	var ev events.RefundCompleted
	if err := events.Decode(msg, &ev); err != nil {
		return err
	}
	return h.MarkRefundCompleted(ctx, ev)
}

// MarkStockReleased records the inventory confirmation.
func (h *Handlers) MarkStockReleased(ctx context.Context, ev events.StockReleased) error {
	return h.apply(ctx, ev.Header, "stock released", func(o *Order) {
		if o.Saga.StockReleased {
			return
		}
		o.Saga.MarkStockReleased()
		h.converge(o, saga.StateStockReleased)
	})
}

// MarkRefundCompleted records the payment confirmation and flips the payment
// status to refunded.
func (h *Handlers) MarkRefundCompleted(ctx context.Context, ev events.RefundCompleted) error {
	return h.apply(ctx, ev.Header, "refund completed", func(o *Order) {
		if o.Saga.RefundCompleted {
			return
		}
		o.Saga.MarkRefundCompleted()
		if o.PaymentStatus == PaymentPaid {
			o.PaymentStatus = PaymentRefunded
		}
		h.converge(o, saga.StateRefundCompleted)
	})
}

func (h *Handlers) apply(ctx context.Context, hdr events.Header, what string, mutate func(*Order)) error {
	id := hdr.OrderID
	if id == "" {
		id = hdr.AggregateID
	}
	log := h.log.With("order_id", id, "correlation_id", hdr.CorrelationID, "event_type", hdr.EventType)

	skipped := false
	order, err := h.store.ApplyEvent(ctx, events.KeyOf(hdr), id, func(o *Order) error {
		if o.Status != StatusCancelled {
			skipped = true
			return nil
		}
		mutate(o)
		return nil
	})
	if err != nil {
		return err
	}
	if skipped {
		log.Warn("confirmation for an order that is not cancelled, ignoring", "status", order.Status)
		return nil
	}
	log.Info(what, "saga_state", order.Saga.State, "converged", order.Saga.Converged())
	if h.notifier != nil {
		h.notifier.OrderChanged(ctx, NoticeOf(order))
	}
	return nil
}

// converge moves the state forward for a confirmation. Late confirmations
// only set their flag, and FAILED sagas keep their state for the operator.
func (h *Handlers) converge(o *Order, reached saga.State) {
	now := h.now()
	switch o.Saga.State {
	case saga.StateFailed, saga.StateCompensated, saga.StateConverged:
		return
	case saga.StateCompleted:
		if o.Saga.Converged() {
			_ = o.Saga.Advance(saga.StateConverged, now)
		}
		return
	}
	o.Saga.AdvanceIfBehind(reached, now)
}
