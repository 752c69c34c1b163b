package events

import (
	"context"
)

// Publisher emits typed events. partitionKey may be empty, in which case the
// aggregate id is used.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event, partitionKey string) error
}

// RawPublisher forwards an already encoded record, used for dead letters.
type RawPublisher interface {
	PublishRaw(ctx context.Context, msg Message) error
}

// Source yields records for a consumer group. Commit acknowledges a record;
// uncommitted records are redelivered after a restart or rebalance.
type Source interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msgs ...Message) error
	Close() error
}

// PublishEvent publishes ev on the topic registered for its type.
func PublishEvent(ctx context.Context, p Publisher, ev Event) error {
	h := ev.Meta()
	topic, ok := TopicFor(h.EventType)
	if !ok {
		return unknownType(h.EventType)
	}
	return p.Publish(ctx, topic, ev, h.AggregateID)
}
