package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ordersaga/internal/saga"
)

// SchemaVersion is stamped on every event this module emits.
const SchemaVersion = "1.0.0"

// Type names an event on the bus.
type Type string

const (
	TypeOrderCreated          Type = "OrderCreated"
	TypeOrderCancelled        Type = "OrderCancelled"
	TypeOrderStatusChanged    Type = "OrderStatusChanged"
	TypeOrderCompleted        Type = "OrderCompleted"
	TypeStockReserveRequested Type = "StockReserveRequested"
	TypeStockReleaseRequested Type = "StockReleaseRequested"
	TypeStockReleased         Type = "StockReleased"
	TypePaymentInitiated      Type = "PaymentInitiated"
	TypePaymentCompleted      Type = "PaymentCompleted"
	TypePaymentFailed         Type = "PaymentFailed"
	TypeRefundRequested       Type = "RefundRequested"
	TypeRefundCompleted       Type = "RefundCompleted"
	TypeSagaCompensate        Type = "SagaCompensate"
)

const (
	TopicOrderCreated       = "order.created"
	TopicOrderCancelled     = "order.cancelled"
	TopicOrderStatusChanged = "order.status.changed"
	TopicOrderCompleted     = "order.completed"
	TopicInventoryReserve   = "inventory.reserve"
	TopicInventoryRelease   = "inventory.release"
	TopicPaymentInitiated   = "payment.initiated"
	TopicPaymentCompleted   = "payment.completed"
	TopicPaymentFailed      = "payment.failed"
	TopicPaymentRefunded    = "payment.refunded"
	TopicSagaCompensate     = "saga.payment.compensate"

	deadLetterSuffix = ".dlq"
)

var topicByType = map[Type]string{
	TypeOrderCreated:          TopicOrderCreated,
	TypeOrderCancelled:        TopicOrderCancelled,
	TypeOrderStatusChanged:    TopicOrderStatusChanged,
	TypeOrderCompleted:        TopicOrderCompleted,
	TypeStockReserveRequested: TopicInventoryReserve,
	TypeStockReleaseRequested: TopicInventoryRelease,
	TypeStockReleased:         TopicInventoryRelease,
	TypePaymentInitiated:      TopicPaymentInitiated,
	TypePaymentCompleted:      TopicPaymentCompleted,
	TypePaymentFailed:         TopicPaymentFailed,
	TypeRefundRequested:       TopicPaymentRefunded,
	TypeRefundCompleted:       TopicPaymentRefunded,
	TypeSagaCompensate:        TopicSagaCompensate,
}

// TopicFor returns the topic an event type is published on.
func TopicFor(t Type) (string, bool) {
	topic, ok := topicByType[t]
	return topic, ok
}

// Topics lists every topic, sorted by declaration order of the types.
func Topics() []string {
	seen := make(map[string]bool, len(topicByType))
	out := make([]string, 0, len(topicByType))
	for _, t := range []Type{
		TypeOrderCreated, TypeOrderCancelled, TypeOrderStatusChanged, TypeOrderCompleted,
		TypeStockReserveRequested, TypeStockReleaseRequested, TypePaymentInitiated,
		TypePaymentCompleted, TypePaymentFailed, TypeRefundRequested, TypeSagaCompensate,
	} {
		topic := topicByType[t]
		if !seen[topic] {
			seen[topic] = true
			out = append(out, topic)
		}
	}
	return out
}

// DeadLetterTopic names the dead-letter topic for topic.
func DeadLetterTopic(topic string) string {
	if strings.HasSuffix(topic, deadLetterSuffix) {
		return topic
	}
	return topic + deadLetterSuffix
}

// Header is the envelope shared by every event. Typed payloads embed it so the
// fields flatten into the JSON body.
type Header struct {
	EventID       string    `json:"eventId"`
	EventType     Type      `json:"eventType"`
	AggregateID   string    `json:"aggregateId"`
	OrderID       string    `json:"orderId,omitempty"`
	PaymentID     string    `json:"paymentId,omitempty"`
	SagaID        string    `json:"sagaId,omitempty"`
	CorrelationID string    `json:"correlationId"`
	Timestamp     time.Time `json:"timestamp"`
	Version       string    `json:"version"`
}

// Event is anything carrying a Header.
type Event interface {
	Meta() Header
}

// Meta returns the header. Embedding Header satisfies Event.
func (h Header) Meta() Header { return h }

// NewHeader stamps a fresh event id, the schema version and the time.
func NewHeader(t Type, aggregateID, correlationID string, now time.Time) Header {
	return Header{
		EventID:       uuid.NewString(),
		EventType:     t,
		AggregateID:   aggregateID,
		CorrelationID: correlationID,
		Timestamp:     now.UTC(),
		Version:       SchemaVersion,
	}
}

// Validate checks the fields consumers key on.
func (h Header) Validate() error {
	switch {
	case h.EventType == "":
		return fmt.Errorf("%w: event type is required", saga.ErrValidation)
	case strings.TrimSpace(h.AggregateID) == "":
		return fmt.Errorf("%w: %s: aggregate id is required", saga.ErrValidation, h.EventType)
	case strings.TrimSpace(h.CorrelationID) == "":
		return fmt.Errorf("%w: %s: correlation id is required", saga.ErrValidation, h.EventType)
	}
	return nil
}

// Transport header names.
const (
	HeaderCorrelationID    = "correlation-id"
	HeaderEventVersion     = "event-version"
	HeaderEventType        = "event-type"
	HeaderEventID          = "event-id"
	HeaderDeliveryAttempts = "x-delivery-attempts"
	HeaderDeadLetterError  = "x-dead-letter-error"
	HeaderOriginalTopic    = "x-original-topic"
)

// Message is a transport-neutral bus record.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Time      time.Time
}

// Encode builds the bus record for ev. The partition key falls back to the
// aggregate id.
func Encode(topic string, ev Event, partitionKey string) (Message, error) {
	h := ev.Meta()
	if err := h.Validate(); err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(topic) == "" {
		return Message{}, fmt.Errorf("%w: %s: topic is required", saga.ErrValidation, h.EventType)
	}
	if h.EventID == "" || h.Version == "" || h.Timestamp.IsZero() {
		return Message{}, fmt.Errorf("%w: %s: header not stamped, use NewHeader", saga.ErrValidation, h.EventType)
	}
	if partitionKey == "" {
		partitionKey = h.AggregateID
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return Message{}, fmt.Errorf("%w: encode %s: %v", saga.ErrValidation, h.EventType, err)
	}
	return Message{
		Topic: topic,
		Key:   []byte(partitionKey),
		Value: value,
		Headers: map[string]string{
			HeaderCorrelationID: h.CorrelationID,
			HeaderEventVersion:  h.Version,
			HeaderEventType:     string(h.EventType),
			HeaderEventID:       h.EventID,
		},
		Time: h.Timestamp,
	}, nil
}

// DecodeHeader reads the envelope of a record without knowing its type.
func DecodeHeader(msg Message) (Header, error) {
	var h Header
	if err := json.Unmarshal(msg.Value, &h); err != nil {
		return Header{}, fmt.Errorf("%w: decode envelope on %s: %v", saga.ErrValidation, msg.Topic, err)
	}
	if h.EventType == "" {
		h.EventType = Type(msg.Headers[HeaderEventType])
	}
	if h.CorrelationID == "" {
		h.CorrelationID = msg.Headers[HeaderCorrelationID]
	}
	if err := h.Validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

// Decode unmarshals a record into a typed payload.
func Decode(msg Message, into Event) error {
	if err := json.Unmarshal(msg.Value, into); err != nil {
		return fmt.Errorf("%w: decode %s: %v", saga.ErrValidation, msg.Headers[HeaderEventType], err)
	}
	return nil
}
