package orders

import (
	"context"
	"time"

	"ordersaga/internal/saga"
)

// StatusNotice is pushed to clients whenever an order or its saga moves.
type StatusNotice struct {
	OrderID              string        `json:"orderId"`
	UserID               string        `json:"userId"`
	Status               Status        `json:"status"`
	PaymentStatus        PaymentStatus `json:"paymentStatus"`
	SagaID               string        `json:"sagaId,omitempty"`
	SagaState            saga.State    `json:"sagaState,omitempty"`
	RequiresManualReview bool          `json:"requiresManualReview"`
	At                   time.Time     `json:"at"`
}

// Notifier receives status notices. Implementations must not block.
type Notifier interface {
	OrderChanged(ctx context.Context, n StatusNotice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n StatusNotice)

func (f NotifierFunc) OrderChanged(ctx context.Context, n StatusNotice) { f(ctx, n) }

// FanoutNotifier forwards a notice to every notifier in order.
type FanoutNotifier []Notifier

func (f FanoutNotifier) OrderChanged(ctx context.Context, n StatusNotice) {
	for _, notifier := range f {
		if notifier != nil {
			notifier.OrderChanged(ctx, n)
		}
	}
}

// NoticeOf builds the status notice for o.
func NoticeOf(o Order) StatusNotice {
	return StatusNotice{
		OrderID:              o.ID,
		UserID:               o.UserID,
		Status:               o.Status,
		PaymentStatus:        o.PaymentStatus,
		SagaID:               o.Saga.SagaID,
		SagaState:            o.Saga.State,
		RequiresManualReview: o.Saga.RequiresManualReview,
		At:                   o.UpdatedAt,
	}
}
