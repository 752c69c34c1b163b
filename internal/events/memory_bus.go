package events

import (
	"context"
	"fmt"
	"sync"

	"ordersaga/internal/saga"
	"ordersaga/internal/sharding"
)

// MemoryBus is an in-process bus. Records are kept per topic in publish order
// and partitioned by key the same way the Kafka writer hashes them.
type MemoryBus struct {
	mu         sync.Mutex
	partitions int
	topics     map[string]*memTopic
	failNext   []error
	// groups holds committed offsets: group, topic, partition, next offset.
	groups map[string]map[string]map[int]int64
}

type memTopic struct {
	log     []Message
	offsets map[int]int64
	changed chan struct{}
}

// NewMemoryBus returns a bus with the given partitions per topic.
func NewMemoryBus(partitions int) *MemoryBus {
	if partitions < 1 {
		partitions = 1
	}
	return &MemoryBus{
		partitions: partitions,
		topics:     make(map[string]*memTopic),
		groups:     make(map[string]map[string]map[int]int64),
	}
}

// FailNext scripts the errors returned by the next Publish calls, one per call.
func (b *MemoryBus) FailNext(errs ...error) {
	b.mu.Lock()
	b.failNext = append(b.failNext, errs...)
	b.mu.Unlock()
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, ev Event, partitionKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := Encode(topic, ev, partitionKey)
	if err != nil {
		return err
	}
	injectTrace(ctx, msg.Headers)
	return b.append(msg)
}

// PublishRaw appends an already encoded message.
func (b *MemoryBus) PublishRaw(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Topic == "" {
		return fmt.Errorf("%w: raw record without topic", saga.ErrValidation)
	}
	headers := make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	msg.Headers = headers
	return b.append(msg)
}

func (b *MemoryBus) append(msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.failNext) > 0 {
		err := b.failNext[0]
		b.failNext = b.failNext[1:]
		if err != nil {
			return err
		}
	}
	t := b.topicLocked(msg.Topic)
	msg.Partition = sharding.PartitionFor(string(msg.Key), b.partitions)
	msg.Offset = t.offsets[msg.Partition]
	t.offsets[msg.Partition]++
	t.log = append(t.log, msg)
	close(t.changed)
	t.changed = make(chan struct{})
	return nil
}

func (b *MemoryBus) topicLocked(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{offsets: make(map[int]int64), changed: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

// Messages returns a copy of every record published on topic.
func (b *MemoryBus) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	out := make([]Message, len(t.log))
	copy(out, t.log)
	return out
}

// Count returns how many records of type t were published on topic.
func (b *MemoryBus) Count(topic string, t Type) int {
	n := 0
	for _, msg := range b.Messages(topic) {
		if msg.Headers[HeaderEventType] == string(t) {
			n++
		}
	}
	return n
}

// Subscribe joins the default consumer group on topics.
func (b *MemoryBus) Subscribe(topics ...string) *MemorySource {
	return b.SubscribeGroup("", topics...)
}

// SubscribeGroup returns a Source for group. Reading resumes after the
// group's committed offsets, so a rejoining member skips what was already
// processed.
func (b *MemoryBus) SubscribeGroup(group string, topics ...string) *MemorySource {
	src := &MemorySource{
		bus:    b,
		group:  group,
		topics: topics,
		cursor: make(map[string]int, len(topics)),
		start:  make(map[string]map[int]int64, len(topics)),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	for _, topic := range topics {
		b.topicLocked(topic)
		parts := make(map[int]int64)
		for p, next := range b.groups[group][topic] {
			parts[p] = next
		}
		src.start[topic] = parts
	}
	b.mu.Unlock()
	return src
}

// MemorySource reads a MemoryBus. Records are handed out once; redelivery of
// uncommitted records is the consumer's job.
type MemorySource struct {
	bus    *MemoryBus
	group  string
	topics []string

	mu sync.Mutex
	// cursor is the next log index per topic.
	cursor map[string]int
	// start is the group's committed offsets when this member joined.
	start     map[string]map[int]int64
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *MemorySource) Fetch(ctx context.Context) (Message, error) {
	for {
		s.bus.mu.Lock()
		s.mu.Lock()
		var waits []chan struct{}
		for _, topic := range s.topics {
			t := s.bus.topics[topic]
			pos := s.cursor[topic]
			for pos < len(t.log) && t.log[pos].Offset < s.start[topic][t.log[pos].Partition] {
				pos++
			}
			s.cursor[topic] = pos
			if pos < len(t.log) {
				msg := t.log[pos]
				s.cursor[topic] = pos + 1
				s.mu.Unlock()
				s.bus.mu.Unlock()
				return msg, nil
			}
			waits = append(waits, t.changed)
		}
		s.mu.Unlock()
		s.bus.mu.Unlock()

		if err := s.wait(ctx, waits); err != nil {
			return Message{}, err
		}
	}
}

func (s *MemorySource) wait(ctx context.Context, waits []chan struct{}) error {
	if len(waits) == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return ErrSourceClosed
		}
	}
	wake := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	for _, ch := range waits {
		go func(ch chan struct{}) {
			select {
			case <-ch:
				select {
				case wake <- struct{}{}:
				case <-stop:
				}
			case <-stop:
			}
		}(ch)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrSourceClosed
	case <-wake:
		return nil
	}
}

// Commit records msgs as processed for the source's group.
func (s *MemorySource) Commit(ctx context.Context, msgs ...Message) error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	topics, ok := s.bus.groups[s.group]
	if !ok {
		topics = make(map[string]map[int]int64)
		s.bus.groups[s.group] = topics
	}
	for _, msg := range msgs {
		parts, ok := topics[msg.Topic]
		if !ok {
			parts = make(map[int]int64)
			topics[msg.Topic] = parts
		}
		if next := msg.Offset + 1; next > parts[msg.Partition] {
			parts[msg.Partition] = next
		}
	}
	return nil
}

// Committed returns the group's next offset to read for topic/partition,
// Kafka style.
func (s *MemorySource) Committed(topic string, partition int) int64 {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.bus.groups[s.group][topic][partition]
}

func (s *MemorySource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
