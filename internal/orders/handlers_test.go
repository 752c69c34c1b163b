package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"ordersaga/internal/events"
	"ordersaga/internal/saga"
)

func confirmation(t events.Type, o Order) events.Header {
	h := events.NewHeader(t, o.ID, o.Saga.CorrelationID, time.Now())
	h.OrderID = o.ID
	h.SagaID = o.Saga.SagaID
	return h
}

func cancelled(t *testing.T, f *fixture, id string, method PaymentMethod, payment PaymentStatus) Order {
	t.Helper()
	f.seed(t, id, StatusProcessing, payment, method)
	if res := f.coord.Cancel(context.Background(), CancelRequest{OrderID: id}); !res.Success {
		t.Fatalf("cancel %s: %+v", id, res)
	}
	o, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return o
}

func TestHandlers_ConfirmationsConvergeSaga(t *testing.T) {
	f := newFixture(t, nil)
	o := cancelled(t, f, "h1", MethodCreditCard, PaymentPaid)
	h := NewHandlers(nil, f.store, nil)
	ctx := context.Background()

	if err := h.MarkStockReleased(ctx, events.StockReleased{Header: confirmation(events.TypeStockReleased, o)}); err != nil {
		t.Fatalf("stock released: %v", err)
	}
	mid, _ := f.store.Get(ctx, "h1")
	if mid.Saga.State != saga.StateCompleted || !mid.Saga.StockReleased {
		t.Fatalf("refund still outstanding, got %+v", mid.Saga)
	}

	if err := h.MarkRefundCompleted(ctx, events.RefundCompleted{Header: confirmation(events.TypeRefundCompleted, o), AmountCents: o.TotalCents}); err != nil {
		t.Fatalf("refund completed: %v", err)
	}
	done, _ := f.store.Get(ctx, "h1")
	if done.Saga.State != saga.StateConverged || done.PaymentStatus != PaymentRefunded {
		t.Fatalf("expected converged and refunded, got %s %s", done.Saga.State, done.PaymentStatus)
	}
}

func TestHandlers_DuplicateConfirmationIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	o := cancelled(t, f, "h2", MethodCashOnDelivery, PaymentPending)
	h := NewHandlers(nil, f.store, nil)
	ctx := context.Background()

	ev := events.StockReleased{Header: confirmation(events.TypeStockReleased, o)}
	if err := h.MarkStockReleased(ctx, ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	before, _ := f.store.Get(ctx, "h2")

	ev.EventID = "redelivered"
	if err := h.MarkStockReleased(ctx, ev); !errors.Is(err, saga.ErrDuplicateEvent) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	after, _ := f.store.Get(ctx, "h2")
	if after.Version != before.Version {
		t.Fatalf("duplicate must not write, version %d -> %d", before.Version, after.Version)
	}
	if after.Saga.State != saga.StateConverged {
		t.Fatalf("cod order converges on stock release alone, got %s", after.Saga.State)
	}
}

func TestHandlers_OutOfOrderConfirmationsLeaveFlagsMonotonic(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	o, _ := NewOrder("h3", "user-1", MethodUPI, []Item{{SKU: "sku", Quantity: 1, PriceCents: 900}}, time.Now())
	o.Status = StatusCancelled
	o.PaymentStatus = PaymentPaid
	o.Saga = saga.Metadata{SagaID: "saga-3", CorrelationID: "corr-3", StockReleaseRequested: true, RefundRequested: true}
	_ = o.Saga.Advance(saga.StateOrderCancelled, time.Now())
	_ = o.Saga.Advance(saga.StateRefundRequested, time.Now())
	o, _ = f.store.Create(ctx, o)
	h := NewHandlers(nil, f.store, nil)

	if err := h.MarkRefundCompleted(ctx, events.RefundCompleted{Header: confirmation(events.TypeRefundCompleted, o)}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := h.MarkStockReleased(ctx, events.StockReleased{Header: confirmation(events.TypeStockReleased, o)}); err != nil {
		t.Fatalf("stock: %v", err)
	}
	got, _ := f.store.Get(ctx, "h3")
	if got.Saga.State != saga.StateRefundCompleted {
		t.Fatalf("state must not move backwards, got %s", got.Saga.State)
	}
	if !got.Saga.StockReleased || !got.Saga.RefundCompleted || !got.Saga.Converged() {
		t.Fatalf("both confirmations must be recorded, got %+v", got.Saga)
	}
}

func TestHandlers_FailedSagaKeepsStateButRecordsFlag(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	o, _ := NewOrder("h4", "user-1", MethodCashOnDelivery, nil, time.Now())
	o.Status = StatusCancelled
	o.Saga = saga.Metadata{SagaID: "saga-4", CorrelationID: "corr-4", StockReleaseRequested: true}
	_ = o.Saga.Advance(saga.StateStockReleaseRequested, time.Now())
	_ = o.Saga.Fail(StepComplete, errors.New("boom"), time.Now())
	o, _ = f.store.Create(ctx, o)
	h := NewHandlers(nil, f.store, nil)

	if err := h.MarkStockReleased(ctx, events.StockReleased{Header: confirmation(events.TypeStockReleased, o)}); err != nil {
		t.Fatalf("stock: %v", err)
	}
	got, _ := f.store.Get(ctx, "h4")
	if got.Saga.State != saga.StateFailed || !got.Saga.StockReleased || !got.Saga.RequiresManualReview {
		t.Fatalf("unexpected saga %+v", got.Saga)
	}
}

func TestHandlers_IgnoresOrdersThatAreNotCancelled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	o := f.seed(t, "h5", StatusPending, PaymentPending, MethodCashOnDelivery)
	h := NewHandlers(nil, f.store, nil)

	if err := h.MarkStockReleased(ctx, events.StockReleased{Header: confirmation(events.TypeStockReleased, o)}); err != nil {
		t.Fatalf("stock: %v", err)
	}
	got, _ := f.store.Get(ctx, "h5")
	if got.Saga.StockReleased || got.Status != StatusPending {
		t.Fatalf("order must be untouched, got %+v", got)
	}
}

func TestHandlers_ThroughConsumer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	o := cancelled(t, f, "h6", MethodWallet, PaymentPaid)

	router := events.NewRouter()
	NewHandlers(nil, f.store, nil).Register(router)
	source := f.bus.Subscribe(router.Topics()...)
	defer source.Close()
	consumer := events.NewConsumer(events.ConsumerConfig{Name: "orders-test"}, events.ConsumerDeps{
		Source:  source,
		Router:  router,
		Ledger:  f.store.Ledger(),
		Metrics: f.metrics,
	})

	stock := events.StockReleased{Header: confirmation(events.TypeStockReleased, o)}
	refund := events.RefundCompleted{Header: confirmation(events.TypeRefundCompleted, o), AmountCents: o.TotalCents}
	for _, ev := range []events.Event{stock, refund, stock} {
		if err := events.PublishEvent(ctx, f.bus, ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	// The saga's own requests share these topics and route nowhere here.
	var got []events.Outcome
	fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for len(got) < 3 {
		msg, err := source.Fetch(fetchCtx)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		outcome, err := consumer.Process(ctx, msg)
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if outcome == events.OutcomeUnroutable {
			continue
		}
		got = append(got, outcome)
	}

	handled, duplicate := 0, 0
	for _, outcome := range got {
		switch outcome {
		case events.OutcomeHandled:
			handled++
		case events.OutcomeDuplicate:
			duplicate++
		}
	}
	if handled != 2 || duplicate != 1 {
		t.Fatalf("unexpected outcomes %v", got)
	}
	final, _ := f.store.Get(ctx, "h6")
	if final.Saga.State != saga.StateConverged || final.PaymentStatus != PaymentRefunded {
		t.Fatalf("expected converged refunded order, got %s %s", final.Saga.State, final.PaymentStatus)
	}
}
