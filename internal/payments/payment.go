package payments

import (
	"fmt"
	"strings"
	"time"

	"ordersaga/internal/orders"
	"ordersaga/internal/saga"
)

// Status is a payment lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// ParseStatus maps raw to a Status.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown payment status %q", saga.ErrValidation, raw)
	}
}

// CanTransition reports whether a payment may move from one status to
// another. Only pending and completed payments can move at all.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusCompleted:
		return to == StatusRefunded
	case StatusFailed, StatusCancelled, StatusRefunded:
		return false
	default:
		return false
	}
}

// CompensationEntry is one line of a payment's audit trail.
type CompensationEntry struct {
	Action string    `json:"action"`
	Reason string    `json:"reason,omitempty"`
	SagaID string    `json:"sagaId,omitempty"`
	At     time.Time `json:"at"`
}

// Payment is the payment aggregate. Payments are never deleted; a rolled
// back payment is marked cancelled and keeps its compensation log.
type Payment struct {
	ID              string
	OrderID         string
	UserID          string
	AmountCents     int64
	Currency        string
	Method          orders.PaymentMethod
	Status          Status
	SagaID          string
	CorrelationID   string
	IdempotencyKey  string
	CompensationLog []CompensationEntry
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate checks required fields and the status.
func (p Payment) Validate() error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return fmt.Errorf("%w: payment id is required", saga.ErrValidation)
	case strings.TrimSpace(p.OrderID) == "":
		return fmt.Errorf("%w: payment %s: order id is required", saga.ErrValidation, p.ID)
	case strings.TrimSpace(p.UserID) == "":
		return fmt.Errorf("%w: payment %s: user id is required", saga.ErrValidation, p.ID)
	case p.AmountCents <= 0:
		return fmt.Errorf("%w: payment %s: amount must be positive", saga.ErrValidation, p.ID)
	case len(p.Currency) != 3:
		return fmt.Errorf("%w: payment %s: currency %q is not an ISO 4217 code", saga.ErrValidation, p.ID, p.Currency)
	}
	if _, err := orders.ParsePaymentMethod(string(p.Method)); err != nil {
		return err
	}
	_, err := ParseStatus(string(p.Status))
	return err
}

// Transition moves the payment to status to. Repeating the current status is
// a no-op.
func (p *Payment) Transition(to Status, at time.Time) error {
	if p.Status == to {
		return nil
	}
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("%w: payment %s cannot go from %s to %s", saga.ErrInvalidState, p.ID, p.Status, to)
	}
	p.Status = to
	p.UpdatedAt = at.UTC()
	return nil
}

// AppendCompensation records one undo action on p.
func (p *Payment) AppendCompensation(action, reason string, at time.Time) {
	p.CompensationLog = append(p.CompensationLog, CompensationEntry{
		Action: action,
		Reason: reason,
		SagaID: p.SagaID,
		At:     at.UTC(),
	})
}

// SameCharge reports whether q describes the same charge as p, which is
// what makes reusing an idempotency key legitimate.
func (p Payment) SameCharge(q Payment) bool {
	return p.OrderID == q.OrderID &&
		p.UserID == q.UserID &&
		p.AmountCents == q.AmountCents &&
		strings.EqualFold(p.Currency, q.Currency) &&
		p.Method == q.Method
}

// Clone returns a deep copy of p.
func (p Payment) Clone() Payment {
	out := p
	out.CompensationLog = append([]CompensationEntry(nil), p.CompensationLog...)
	return out
}
