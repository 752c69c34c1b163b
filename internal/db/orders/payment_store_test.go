package ordersdb

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"ordersaga/internal/events"
	"ordersaga/internal/payments"
	"ordersaga/internal/saga"
)

var paymentRowColumns = []string{"id", "order_id", "user_id", "amount_cents", "currency", "method", "status", "saga_id", "correlation_id", "idempotency_key", "compensation_log", "version", "created_at", "updated_at"}

func paymentRow(id, status string, amount int64, version int64) *sqlmock.Rows {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(paymentRowColumns).AddRow(
		id, "order-1", "user-1", amount, "USD", "credit_card", status,
		"saga-1", "corr-1", "idem-1", []byte(`[]`), version, at, at,
	)
}

func newPayment() payments.Payment {
	return payments.Payment{
		ID: "pay-1", OrderID: "order-1", UserID: "user-1", AmountCents: 1500, Currency: "USD",
		Method: "credit_card", Status: payments.StatusPending, SagaID: "saga-1", CorrelationID: "corr-1",
		IdempotencyKey: "idem-1",
	}
}

func TestPaymentStore_CreateNew(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO payments").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	p, created, err := NewPaymentStore(db).Create(context.Background(), newPayment())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created || p.Version != 1 {
		t.Fatalf("expected new payment at version 1, got created=%v %+v", created, p)
	}
}

func TestPaymentStore_CreateReplay(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO payments").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, order_id, user_id").
		WithArgs("idem-1").
		WillReturnRows(paymentRow("pay-0", "pending", 1500, 1))
	mock.ExpectClose()

	p, created, err := NewPaymentStore(db).Create(context.Background(), newPayment())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created || p.ID != "pay-0" {
		t.Fatalf("expected the stored payment, got created=%v %+v", created, p)
	}
}

func TestPaymentStore_CreateIdempotencyConflict(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO payments").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, order_id, user_id").
		WithArgs("idem-1").
		WillReturnRows(paymentRow("pay-0", "pending", 999, 1))
	mock.ExpectClose()

	_, _, err := NewPaymentStore(db).Create(context.Background(), newPayment())
	if !errors.Is(err, saga.ErrIdempotencyConflict) {
		t.Fatalf("expected idempotency conflict, got %v", err)
	}
}

func TestPaymentStore_CreateInsertError(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO payments").WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectClose()

	if _, _, err := NewPaymentStore(db).Create(context.Background(), newPayment()); err == nil {
		t.Fatalf("expected insert error")
	}
}

func TestPaymentStore_SaveCancelsWithLog(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, order_id, user_id.* FOR UPDATE").
		WithArgs("pay-1").
		WillReturnRows(paymentRow("pay-1", "pending", 1500, 1))
	mock.ExpectExec("UPDATE payments").
		WithArgs("pay-1", int64(1), "cancelled", sqlmock.AnyArg(), int64(2), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	p := newPayment()
	p.Version = 1
	p.Status = payments.StatusCancelled
	p.AppendCompensation("mark_cancelled", "rollback", time.Now())

	saved, err := NewPaymentStore(db).Save(context.Background(), p)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.Version != 2 || len(saved.CompensationLog) != 1 {
		t.Fatalf("unexpected payment %+v", saved)
	}
}

func TestPaymentStore_SaveRejectsIllegalTransition(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, order_id, user_id.* FOR UPDATE").
		WithArgs("pay-1").
		WillReturnRows(paymentRow("pay-1", "failed", 1500, 3))
	mock.ExpectRollback()
	mock.ExpectClose()

	p := newPayment()
	p.Version = 3
	p.Status = payments.StatusCompleted
	if _, err := NewPaymentStore(db).Save(context.Background(), p); !errors.Is(err, saga.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestPaymentStore_ApplyEventDuplicate(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO processed_events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectClose()

	key := events.ProcessedKey{CorrelationID: "corr-1", EventType: events.TypePaymentCompleted, AggregateID: "pay-1"}
	called := false
	_, err := NewPaymentStore(db).ApplyEvent(context.Background(), key, "pay-1", func(*payments.Payment) error {
		called = true
		return nil
	})
	if !errors.Is(err, saga.ErrDuplicateEvent) || called {
		t.Fatalf("expected duplicate without calling fn, got %v called=%v", err, called)
	}
}

func TestPaymentStore_GetNotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT id, order_id, user_id").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(paymentRowColumns))
	mock.ExpectClose()

	if _, err := NewPaymentStore(db).Get(context.Background(), "nope"); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
