package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"ordersaga/internal/reliability"
	"ordersaga/internal/saga"
)

// messageWriter is the slice of *kafka.Writer the producer needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader is the slice of *kafka.Reader the source needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducerConfig configures a KafkaProducer.
type KafkaProducerConfig struct {
	Brokers      []string
	ClientID     string
	MaxAttempts  int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// KafkaProducer publishes events with all-replica acks and key hashing, so a
// given aggregate always lands on the same partition.
type KafkaProducer struct {
	log     *slog.Logger
	writer  messageWriter
	breaker *reliability.CircuitBreaker
}

// NewKafkaProducer returns a producer guarded by breaker.
func NewKafkaProducer(log *slog.Logger, cfg KafkaProducerConfig, breaker *reliability.CircuitBreaker) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka producer: at least one broker is required")
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  maxAttempts,
		BatchTimeout: batchTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.ClientID != "" {
		w.Transport = &kafka.Transport{ClientID: cfg.ClientID}
	}
	return newKafkaProducer(log, w, breaker), nil
}

func newKafkaProducer(log *slog.Logger, w messageWriter, breaker *reliability.CircuitBreaker) *KafkaProducer {
	if log == nil {
		log = slog.Default()
	}
	return &KafkaProducer{log: log, writer: w, breaker: breaker}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, ev Event, partitionKey string) error {
	msg, err := Encode(topic, ev, partitionKey)
	if err != nil {
		return err
	}
	injectTrace(ctx, msg.Headers)
	return p.write(ctx, msg)
}

// PublishRaw writes an already encoded message.
func (p *KafkaProducer) PublishRaw(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return fmt.Errorf("%w: raw record without topic", saga.ErrValidation)
	}
	return p.write(ctx, msg)
}

func (p *KafkaProducer) write(ctx context.Context, msg Message) error {
	km := toKafkaMessage(msg)
	err := p.breaker.Execute(func() error {
		return p.writer.WriteMessages(ctx, km)
	})
	if err == nil {
		p.log.Debug("event published", "topic", msg.Topic, "event_type", msg.Headers[HeaderEventType], "event_id", msg.Headers[HeaderEventID])
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, reliability.ErrCircuitOpen) {
		return fmt.Errorf("publish %s to %s: %w", msg.Headers[HeaderEventType], msg.Topic, err)
	}
	p.log.Warn("event publish failed", "topic", msg.Topic, "event_type", msg.Headers[HeaderEventType], "err", err)
	return fmt.Errorf("%w: publish %s to %s: %v", saga.ErrTransient, msg.Headers[HeaderEventType], msg.Topic, err)
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

func toKafkaMessage(msg Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{
		Topic:   msg.Topic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
		Time:    msg.Time,
	}
}

func fromKafkaMessage(km kafka.Message) Message {
	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:     km.Topic,
		Partition: km.Partition,
		Offset:    km.Offset,
		Key:       km.Key,
		Value:     km.Value,
		Headers:   headers,
		Time:      km.Time,
	}
}

// KafkaSourceConfig configures a consumer group reader.
type KafkaSourceConfig struct {
	Brokers  []string
	GroupID  string
	Topics   []string
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
}

// KafkaSource reads a consumer group with explicit commits.
type KafkaSource struct {
	reader messageReader
}

// NewKafkaSource returns a group reader over cfg.Topics.
func NewKafkaSource(cfg KafkaSourceConfig) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka source: at least one broker is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka source: group id is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("kafka source: at least one topic is required")
	}
	minBytes := cfg.MinBytes
	if minBytes <= 0 {
		minBytes = 1
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10e6
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = 500 * time.Millisecond
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MinBytes:    minBytes,
		MaxBytes:    maxBytes,
		MaxWait:     maxWait,
		StartOffset: kafka.FirstOffset,
	})
	return &KafkaSource{reader: r}, nil
}

func (s *KafkaSource) Fetch(ctx context.Context) (Message, error) {
	km, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return fromKafkaMessage(km), nil
}

func (s *KafkaSource) Commit(ctx context.Context, msgs ...Message) error {
	kms := make([]kafka.Message, 0, len(msgs))
	for _, msg := range msgs {
		kms = append(kms, kafka.Message{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset})
	}
	return s.reader.CommitMessages(ctx, kms...)
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
