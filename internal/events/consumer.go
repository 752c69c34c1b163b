package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"ordersaga/internal/observability"
	"ordersaga/internal/reliability"
	"ordersaga/internal/saga"
	"ordersaga/internal/sharding"
)

// Outcome is what happened to a processed record.
type Outcome string

const (
	OutcomeHandled      Outcome = "handled"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeUnroutable   Outcome = "unroutable"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// ConsumerConfig tunes retries and dead-lettering.
type ConsumerConfig struct {
	Name string
	// MaxDeliveries is the number of failed attempts after which a record is
	// moved to its dead-letter topic.
	MaxDeliveries int
	// Workers is the number of partition workers.
	Workers   int
	QueueSize int
	// Backoff spaces redeliveries; only Delay and Sleep are used.
	Backoff reliability.RetryPolicy
}

// ConsumerDeps are the collaborators a Consumer needs.
type ConsumerDeps struct {
	Log        *slog.Logger
	Source     Source
	Router     *Router
	Ledger     Ledger
	Tracker    DeliveryTracker
	DeadLetter RawPublisher
	Metrics    *observability.Metrics
}

// Consumer applies records from a Source through a Router. A record is
// committed only after its handler succeeded, it was a duplicate, or it was
// dead-lettered.
type Consumer struct {
	cfg        ConsumerConfig
	log        *slog.Logger
	source     Source
	router     *Router
	ledger     Ledger
	tracker    DeliveryTracker
	deadLetter RawPublisher
	metrics    *observability.Metrics
	tracer     trace.Tracer
	sleep      func(context.Context, time.Duration) error
}

// NewConsumer returns a consumer. Missing deps get in-memory defaults.
func NewConsumer(cfg ConsumerConfig, deps ConsumerDeps) *Consumer {
	if cfg.Name == "" {
		cfg.Name = "saga-consumer"
	}
	if cfg.MaxDeliveries < 1 {
		cfg.MaxDeliveries = 5
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	tracker := deps.Tracker
	if tracker == nil {
		tracker = NewMemoryTracker()
	}
	router := deps.Router
	if router == nil {
		router = NewRouter()
	}
	sleep := cfg.Backoff.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			if d <= 0 {
				return ctx.Err()
			}
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	return &Consumer{
		cfg:        cfg,
		log:        log.With("consumer", cfg.Name),
		source:     deps.Source,
		router:     router,
		ledger:     deps.Ledger,
		tracker:    tracker,
		deadLetter: deps.DeadLetter,
		metrics:    deps.Metrics,
		tracer:     otel.Tracer(tracerName),
		sleep:      sleep,
	}
}

// Run fetches until ctx ends. Records are fanned out to workers by partition
// so per-partition order holds. A record that could neither be committed nor
// dead-lettered stops the run so the caller can rejoin and get it redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	queues := make([]chan Message, c.cfg.Workers)
	for i := range queues {
		q := make(chan Message, c.cfg.QueueSize)
		queues[i] = q
		g.Go(func() error {
			for msg := range q {
				if _, err := c.Process(gctx, msg); err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("%s: %w", c.cfg.Name, err)
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		for {
			msg, err := c.source.Fetch(gctx)
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, ErrSourceClosed) {
					return nil
				}
				return fmt.Errorf("%s: fetch: %w", c.cfg.Name, err)
			}
			select {
			case queues[sharding.WorkerFor(msg.Partition, c.cfg.Workers)] <- msg:
			case <-gctx.Done():
				return nil
			}
		}
	})

	c.log.Info("consumer started", "workers", c.cfg.Workers, "types", len(c.router.Types()))
	err := g.Wait()
	c.log.Info("consumer stopped", "err", err)
	return err
}

// Process handles one record, redelivering it in place with backoff until it
// succeeds or reaches MaxDeliveries.
func (c *Consumer) Process(ctx context.Context, msg Message) (Outcome, error) {
	ctx = extractTrace(ctx, msg.Headers)

	h, err := DecodeHeader(msg)
	if err != nil {
		c.log.Error("undecodable record", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		if dlqErr := c.sendToDeadLetter(ctx, msg, err, 0); dlqErr != nil {
			return "", dlqErr
		}
		return OutcomeDeadLettered, c.commit(ctx, msg)
	}

	ctx, span := c.tracer.Start(ctx, "consume "+string(h.EventType),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.String("saga.correlation_id", h.CorrelationID),
			attribute.String("saga.aggregate_id", h.AggregateID),
		))
	defer span.End()

	log := c.log.With("event_type", h.EventType, "aggregate_id", h.AggregateID, "correlation_id", h.CorrelationID, "topic", msg.Topic)

	if c.ledger != nil {
		seen, err := c.ledger.Seen(ctx, KeyOf(h))
		if err != nil {
			log.Warn("processed-event lookup failed, relying on store dedupe", "err", err)
		} else if seen {
			log.Info("duplicate ignored")
			c.metrics.Inc(observability.CounterDuplicates)
			return OutcomeDuplicate, c.commit(ctx, msg)
		}
	}

	rt, ok := c.router.lookup(h.EventType)
	if !ok {
		log.Warn("no handler registered, skipping")
		c.metrics.Inc(observability.CounterUnroutable)
		return OutcomeUnroutable, c.commit(ctx, msg)
	}

	local := 0
	for {
		opSpan := c.metrics.Start("consumer." + rt.name)
		err := rt.handle(ctx, msg, h)
		opSpan.EndKind(err, string(saga.KindOf(err)))

		if err == nil || errors.Is(err, saga.ErrDuplicateEvent) {
			outcome := OutcomeHandled
			if err != nil {
				outcome = OutcomeDuplicate
				log.Info("duplicate ignored")
				c.metrics.Inc(observability.CounterDuplicates)
			}
			if local > 0 {
				if cerr := c.tracker.Clear(ctx, msg); cerr != nil {
					log.Warn("clear delivery counter failed", "err", cerr)
				}
			}
			return outcome, c.commit(ctx, msg)
		}

		span.RecordError(err)
		local++
		attempts, terr := c.tracker.Record(ctx, msg)
		if terr != nil {
			log.Warn("delivery counter unavailable, counting locally", "err", terr)
		}
		attempts = max(attempts, local)

		if attempts >= c.cfg.MaxDeliveries {
			span.SetStatus(codes.Error, "dead lettered")
			log.Error("handler failed permanently, dead-lettering", "handler", rt.name, "attempts", attempts, "err", err)
			if dlqErr := c.sendToDeadLetter(ctx, msg, err, attempts); dlqErr != nil {
				return "", dlqErr
			}
			if cerr := c.tracker.Clear(ctx, msg); cerr != nil {
				log.Warn("clear delivery counter failed", "err", cerr)
			}
			return OutcomeDeadLettered, c.commit(ctx, msg)
		}

		c.metrics.Inc(observability.CounterRedelivered)
		delay := c.cfg.Backoff.Delay(attempts - 1)
		log.Warn("handler failed, redelivering", "handler", rt.name, "attempt", attempts, "delay", delay, "err", err)
		if serr := c.sleep(ctx, delay); serr != nil {
			return "", serr
		}
	}
}

func (c *Consumer) sendToDeadLetter(ctx context.Context, msg Message, cause error, attempts int) error {
	c.metrics.Inc(observability.CounterDeadLettered)
	if c.deadLetter == nil {
		c.log.Error("no dead-letter publisher, dropping record", "topic", msg.Topic, "offset", msg.Offset, "err", cause)
		return nil
	}
	dl := msg
	dl.Topic = DeadLetterTopic(msg.Topic)
	dl.Headers = make(map[string]string, len(msg.Headers)+3)
	for k, v := range msg.Headers {
		dl.Headers[k] = v
	}
	dl.Headers[HeaderOriginalTopic] = msg.Topic
	dl.Headers[HeaderDeliveryAttempts] = strconv.Itoa(attempts)
	dl.Headers[HeaderDeadLetterError] = cause.Error()
	if err := c.deadLetter.PublishRaw(ctx, dl); err != nil {
		return fmt.Errorf("dead-letter %s@%d: %w", msg.Topic, msg.Offset, err)
	}
	return nil
}

func (c *Consumer) commit(ctx context.Context, msg Message) error {
	if err := c.source.Commit(ctx, msg); err != nil {
		return fmt.Errorf("commit %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	return nil
}
