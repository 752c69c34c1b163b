package events

// Item is a line of an order as carried on inventory events.
type Item struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// StockReleaseRequested asks inventory to return stock for an order.
type StockReleaseRequested struct {
	Header
	Items  []Item `json:"items"`
	Reason string `json:"reason,omitempty"`
}

// StockReleased confirms inventory returned the stock.
type StockReleased struct {
	Header
	Items []Item `json:"items,omitempty"`
}

// RefundRequested asks payments to refund an order.
type RefundRequested struct {
	Header
	AmountCents   int64  `json:"amountCents"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"paymentMethod"`
	Reason        string `json:"reason,omitempty"`
}

// RefundCompleted confirms the refund settled.
type RefundCompleted struct {
	Header
	AmountCents int64 `json:"amountCents"`
}

// PaymentInitiated announces a new payment attempt.
type PaymentInitiated struct {
	Header
	UserID      string `json:"userId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	Method      string `json:"method"`
}

// PaymentCompleted confirms a payment was captured.
type PaymentCompleted struct {
	Header
	AmountCents int64 `json:"amountCents"`
}

// PaymentFailed reports a payment that could not be completed.
type PaymentFailed struct {
	Header
	Reason string `json:"reason"`
}

// Compensation actions requested by SagaCompensate.
const (
	ActionReleaseInventory = "release_inventory"
	ActionCancelOrder      = "cancel_order"
)

// SagaCompensate asks participants to undo a failed saga.
type SagaCompensate struct {
	Header
	Reason  string   `json:"reason"`
	Actions []string `json:"actions"`
}
