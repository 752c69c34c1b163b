package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeliveryTracker counts failed deliveries of a record across redeliveries and
// restarts.
type DeliveryTracker interface {
	// Record adds a failed attempt and returns the total so far.
	Record(ctx context.Context, msg Message) (int, error)
	Clear(ctx context.Context, msg Message) error
}

func deliveryKey(prefix string, msg Message) string {
	return fmt.Sprintf("%s:%s:%d:%d", prefix, msg.Topic, msg.Partition, msg.Offset)
}

// MemoryTracker counts deliveries in process.
type MemoryTracker struct {
	mu       sync.Mutex
	attempts map[string]int
}

// NewMemoryTracker returns an empty tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{attempts: make(map[string]int)}
}

func (t *MemoryTracker) Record(_ context.Context, msg Message) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := deliveryKey("delivery", msg)
	t.attempts[key]++
	return t.attempts[key], nil
}

func (t *MemoryTracker) Clear(_ context.Context, msg Message) error {
	t.mu.Lock()
	delete(t.attempts, deliveryKey("delivery", msg))
	t.mu.Unlock()
	return nil
}

// RedisTracker keeps attempt counters in Redis with a TTL so they survive a
// consumer restart but not forever.
type RedisTracker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisTracker keeps delivery counts in redis under prefix for ttl.
func NewRedisTracker(client redis.Cmdable, prefix string, ttl time.Duration) *RedisTracker {
	if prefix == "" {
		prefix = "saga:delivery"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisTracker{client: client, prefix: prefix, ttl: ttl}
}

func (t *RedisTracker) Record(ctx context.Context, msg Message) (int, error) {
	key := deliveryKey(t.prefix, msg)
	var incr *redis.IntCmd
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, t.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record delivery %s: %w", key, err)
	}
	return int(incr.Val()), nil
}

func (t *RedisTracker) Clear(ctx context.Context, msg Message) error {
	key := deliveryKey(t.prefix, msg)
	if err := t.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("clear delivery %s: %w", key, err)
	}
	return nil
}
