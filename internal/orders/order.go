package orders

import (
	"fmt"
	"strings"
	"time"

	"ordersaga/internal/events"
	"ordersaga/internal/saga"
)

// Status is the order lifecycle status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// ParseStatus maps a stored or wire status to a Status.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusPending, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown order status %q", saga.ErrValidation, raw)
	}
}

// Terminal statuses never change again.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Cancellable reports whether a cancellation saga may start from s.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusProcessing
}

// PaymentStatus is the payment state an order carries.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// ParsePaymentStatus maps raw to a PaymentStatus.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	switch s := PaymentStatus(raw); s {
	case PaymentPending, PaymentPaid, PaymentFailed, PaymentRefunded:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown payment status %q", saga.ErrValidation, raw)
	}
}

// PaymentMethod is how the customer pays.
type PaymentMethod string

const (
	MethodCreditCard     PaymentMethod = "credit_card"
	MethodDebitCard      PaymentMethod = "debit_card"
	MethodUPI            PaymentMethod = "upi"
	MethodNetBanking     PaymentMethod = "net_banking"
	MethodWallet         PaymentMethod = "wallet"
	MethodPayPal         PaymentMethod = "paypal"
	MethodCashOnDelivery PaymentMethod = "cod"
)

// ParsePaymentMethod maps raw to a PaymentMethod.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	m := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	if _, err := m.online(); err != nil {
		return "", err
	}
	return m, nil
}

// Online reports whether money moved at checkout and must be refunded on
// cancellation.
func (m PaymentMethod) Online() bool {
	online, _ := m.online()
	return online
}

func (m PaymentMethod) online() (bool, error) {
	switch m {
	case MethodCreditCard, MethodDebitCard, MethodUPI, MethodNetBanking, MethodWallet, MethodPayPal:
		return true, nil
	case MethodCashOnDelivery:
		return false, nil
	default:
		return false, fmt.Errorf("%w: unknown payment method %q", saga.ErrValidation, string(m))
	}
}

// Item is one order line.
type Item struct {
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"priceCents"`
}

// Order is the order aggregate. It is mutated only through a Store.
type Order struct {
	ID            string
	UserID        string
	Status        Status
	PaymentStatus PaymentStatus
	PaymentMethod PaymentMethod
	Items         []Item
	TotalCents    int64
	Currency      string
	Saga          saga.Metadata
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewOrder builds a pending order and computes its total.
func NewOrder(id, userID string, method PaymentMethod, items []Item, now time.Time) (Order, error) {
	o := Order{
		ID:            strings.TrimSpace(id),
		UserID:        strings.TrimSpace(userID),
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		PaymentMethod: method,
		Items:         append([]Item(nil), items...),
		Currency:      "USD",
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
	for _, it := range o.Items {
		if it.SKU == "" || it.Quantity <= 0 || it.PriceCents < 0 {
			return Order{}, fmt.Errorf("%w: order %s: invalid item %+v", saga.ErrValidation, o.ID, it)
		}
		o.TotalCents += it.PriceCents * int64(it.Quantity)
	}
	if err := o.Validate(); err != nil {
		return Order{}, err
	}
	return o, nil
}

// Validate checks identifiers and every tagged enum.
func (o Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: order id is required", saga.ErrValidation)
	}
	if o.UserID == "" {
		return fmt.Errorf("%w: order %s: user id is required", saga.ErrValidation, o.ID)
	}
	if _, err := ParseStatus(string(o.Status)); err != nil {
		return err
	}
	if _, err := ParsePaymentStatus(string(o.PaymentStatus)); err != nil {
		return err
	}
	if _, err := o.PaymentMethod.online(); err != nil {
		return err
	}
	if _, err := saga.ParseState(string(o.Saga.State)); err != nil {
		return err
	}
	return nil
}

// RequiresRefund is true for online orders whose payment has been captured.
func (o Order) RequiresRefund() bool {
	return o.PaymentMethod.Online() && o.PaymentStatus == PaymentPaid
}

// Clone returns a deep copy.
func (o Order) Clone() Order {
	out := o
	out.Items = append([]Item(nil), o.Items...)
	out.Saga = o.Saga.Clone()
	return out
}

func (o Order) eventItems() []events.Item {
	out := make([]events.Item, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, events.Item{SKU: it.SKU, Quantity: it.Quantity})
	}
	return out
}
