package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"ordersaga/internal/events"
	"ordersaga/internal/observability"
	"ordersaga/internal/orders"
	"ordersaga/internal/reliability"
	"ordersaga/internal/review"
	"ordersaga/internal/saga"
)

const (
	StepCreatePayment    = "create_payment"
	StepPublishInitiated = "publish_payment_initiated"

	// ActionMarkCancelled is logged when a payment is rolled back.
	ActionMarkCancelled = "mark_cancelled"
)

// Request is the checkout data a payment saga starts from.
type Request struct {
	OrderID        string
	UserID         string
	AmountCents    int64
	Currency       string
	Method         string
	IdempotencyKey string
}

// Metadata carries saga identity across the calls of one payment saga.
type Metadata struct {
	SagaID        string
	CorrelationID string
}

// ExecuteResult reports the outcome of a payment saga.
type ExecuteResult struct {
	Success     bool
	Duplicate   bool
	Payment     Payment
	SagaID      string
	Compensated []string
	Err         error
}

// CoordinatorConfig tunes a Coordinator.
type CoordinatorConfig struct {
	Retry reliability.RetryPolicy
	Now   func() time.Time
	NewID func() string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithReview records failed compensations for manual review.
func WithReview(r review.Recorder) Option {
	return func(c *Coordinator) { c.review = r }
}

// WithMetrics counts payment outcomes in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator runs the payment saga: create a pending payment, then announce
// it. A failed announcement rolls the payment back to cancelled.
type Coordinator struct {
	log       *slog.Logger
	store     Store
	publisher events.Publisher
	retry     reliability.RetryPolicy
	now       func() time.Time
	newID     func() string
	review    review.Recorder
	metrics   *observability.Metrics
}

// NewCoordinator returns a payment coordinator over store and publisher.
func NewCoordinator(log *slog.Logger, store Store, publisher events.Publisher, cfg CoordinatorConfig, opts ...Option) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		log:       log.With("saga", "payment"),
		store:     store,
		publisher: publisher,
		retry:     cfg.Retry,
		now:       cfg.Now,
		newID:     cfg.NewID,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = func(attempt int, delay time.Duration, err error) {
			c.metrics.Inc(observability.CounterRetries)
			c.log.Warn("retrying payment step", "attempt", attempt+1, "delay", delay, "err", err)
		}
	}
	return c
}

func (r Request) payment(id string, md Metadata, now time.Time) (Payment, error) {
	method, err := orders.ParsePaymentMethod(r.Method)
	if err != nil {
		return Payment{}, err
	}
	p := Payment{
		ID:             id,
		OrderID:        strings.TrimSpace(r.OrderID),
		UserID:         strings.TrimSpace(r.UserID),
		AmountCents:    r.AmountCents,
		Currency:       strings.ToUpper(strings.TrimSpace(r.Currency)),
		Method:         method,
		Status:         StatusPending,
		SagaID:         md.SagaID,
		CorrelationID:  md.CorrelationID,
		IdempotencyKey: strings.TrimSpace(r.IdempotencyKey),
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
	return p, p.Validate()
}

// Execute starts a payment saga. Errors are reported in the result, never
// returned.
func (c *Coordinator) Execute(ctx context.Context, req Request, md Metadata) ExecuteResult {
	span := c.metrics.Start("saga.payment")
	res := c.execute(ctx, req, md)
	span.EndKind(res.Err, string(saga.KindOf(res.Err)))
	return res
}

func (c *Coordinator) execute(ctx context.Context, req Request, md Metadata) ExecuteResult {
	if md.SagaID == "" {
		md.SagaID = c.newID()
	}
	if md.CorrelationID == "" {
		md.CorrelationID = c.newID()
	}
	log := c.log.With("order_id", req.OrderID, "saga_id", md.SagaID, "correlation_id", md.CorrelationID)

	draft, err := req.payment(c.newID(), md, c.now())
	if err != nil {
		log.Warn("payment rejected", "err", err)
		return ExecuteResult{SagaID: md.SagaID, Err: err}
	}

	var (
		payment Payment
		replay  bool
	)
	steps := []saga.Step{
		{
			Name: StepCreatePayment,
			Do: func(ctx context.Context) error {
				return c.retry.Do(ctx, func(ctx context.Context) error {
					p, created, err := c.store.Create(ctx, draft)
					if err != nil {
						return err
					}
					payment, replay = p, !created
					return nil
				})
			},
			Compensate: func(ctx context.Context) error {
				return c.cancel(ctx, payment.ID, "payment saga rolled back", log)
			},
		},
		{
			Name: StepPublishInitiated,
			Do: func(ctx context.Context) error {
				if replay {
					return nil
				}
				return c.publish(ctx, c.initiatedEvent(payment))
			},
		},
	}

	run := saga.Run(ctx, steps)
	if run.Err == nil {
		if replay {
			return c.replayed(payment, log)
		}
		log.Info("payment initiated", "payment_id", payment.ID, "amount_cents", payment.AmountCents, "method", payment.Method)
		return ExecuteResult{Success: true, Payment: payment, SagaID: payment.SagaID}
	}

	c.metrics.Inc(observability.CounterCompensations)
	result := ExecuteResult{SagaID: md.SagaID, Compensated: run.Compensated, Err: run.Err}
	log.Error("payment saga failed", "step", run.FailedStep, "compensated", run.Compensated, "err", run.Err)
	if run.CompensationErr != nil {
		c.metrics.Inc(observability.CounterRollbackFailed)
		log.Error("payment rollback failed", "severity", "critical", "payment_id", payment.ID, "err", run.CompensationErr)
		c.journal(ctx, payment, md, run.FailedStep, run.CompensationErr, log)
		result.Err = errors.Join(run.Err, run.CompensationErr)
	}
	if payment.ID != "" {
		if p, err := c.store.Get(context.WithoutCancel(ctx), payment.ID); err == nil {
			payment = p
		}
	}
	result.Payment = payment
	return result
}

// replayed answers a reused idempotency key. A payment whose first saga was
// rolled back cannot be revived under the same key.
func (c *Coordinator) replayed(p Payment, log *slog.Logger) ExecuteResult {
	log.Info("payment already exists for idempotency key", "payment_id", p.ID, "status", p.Status)
	res := ExecuteResult{Success: true, Duplicate: true, Payment: p, SagaID: p.SagaID}
	if p.Status == StatusCancelled {
		res.Success = false
		res.Err = fmt.Errorf("%w: payment %s was rolled back, use a new idempotency key", saga.ErrInvalidState, p.ID)
	}
	return res
}

// cancel is the compensation of create_payment: the payment is marked
// cancelled and the action is appended to its log. It is never deleted.
func (c *Coordinator) cancel(ctx context.Context, id, reason string, log *slog.Logger) error {
	wctx, stop := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer stop()
	err := c.retry.Do(wctx, func(ctx context.Context) error {
		cur, err := c.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status == StatusCancelled {
			return nil
		}
		next := cur.Clone()
		now := c.now()
		if err := next.Transition(StatusCancelled, now); err != nil {
			return err
		}
		next.AppendCompensation(ActionMarkCancelled, reason, now)
		_, err = c.store.Save(ctx, next)
		return err
	})
	if err == nil {
		log.Warn("payment marked cancelled", "payment_id", id, "reason", reason)
	}
	return err
}

func (c *Coordinator) journal(ctx context.Context, p Payment, md Metadata, step string, cause error, log *slog.Logger) {
	if c.review == nil {
		return
	}
	item := review.Item{
		Kind:          review.KindRollbackFailed,
		AggregateID:   p.ID,
		SagaID:        md.SagaID,
		CorrelationID: md.CorrelationID,
		Step:          step,
		Error:         cause.Error(),
		At:            c.now().UTC(),
	}
	if item.AggregateID == "" {
		item.AggregateID = p.OrderID
	}
	if err := c.review.Record(context.WithoutCancel(ctx), item); err != nil {
		log.Error("could not journal failed rollback", "severity", "critical", "err", err)
	}
}

// HandleCompletion announces a successful payment. Completion needs no
// compensation.
func (c *Coordinator) HandleCompletion(ctx context.Context, p Payment, md Metadata) error {
	ev := events.PaymentCompleted{
		Header:      c.header(events.TypePaymentCompleted, p.ID, p, md),
		AmountCents: p.AmountCents,
	}
	if err := c.publish(ctx, ev); err != nil {
		return fmt.Errorf("publish payment completed %s: %w", p.ID, err)
	}
	c.log.Info("payment completed", "payment_id", p.ID, "order_id", p.OrderID)
	return nil
}

// HandleFailure announces a failed payment and asks the order and inventory
// services to compensate. The payment itself is left for the PaymentFailed
// consumer to update.
func (c *Coordinator) HandleFailure(ctx context.Context, p Payment, md Metadata, reason string) error {
	failed := events.PaymentFailed{
		Header: c.header(events.TypePaymentFailed, p.ID, p, md),
		Reason: reason,
	}
	if err := c.publish(ctx, failed); err != nil {
		return fmt.Errorf("publish payment failed %s: %w", p.ID, err)
	}
	directive := events.SagaCompensate{
		Header:  c.header(events.TypeSagaCompensate, p.OrderID, p, md),
		Reason:  reason,
		Actions: []string{events.ActionReleaseInventory, events.ActionCancelOrder},
	}
	if err := c.publish(ctx, directive); err != nil {
		return fmt.Errorf("publish saga compensate %s: %w", p.ID, err)
	}
	c.metrics.Inc(observability.CounterCompensations)
	c.log.Warn("payment failed, compensation requested", "payment_id", p.ID, "order_id", p.OrderID, "reason", reason)
	return nil
}

func (c *Coordinator) header(t events.Type, aggregateID string, p Payment, md Metadata) events.Header {
	correlationID := md.CorrelationID
	if correlationID == "" {
		correlationID = p.CorrelationID
	}
	h := events.NewHeader(t, aggregateID, correlationID, c.now())
	h.PaymentID = p.ID
	h.OrderID = p.OrderID
	h.SagaID = md.SagaID
	if h.SagaID == "" {
		h.SagaID = p.SagaID
	}
	return h
}

func (c *Coordinator) initiatedEvent(p Payment) events.PaymentInitiated {
	return events.PaymentInitiated{
		Header:      c.header(events.TypePaymentInitiated, p.ID, p, Metadata{SagaID: p.SagaID, CorrelationID: p.CorrelationID}),
		UserID:      p.UserID,
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
		Method:      string(p.Method),
	}
}

func (c *Coordinator) publish(ctx context.Context, ev events.Event) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		return events.PublishEvent(ctx, c.publisher, ev)
	})
}
