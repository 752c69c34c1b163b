package orders

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
	"ordersaga/internal/reliability"
	"ordersaga/internal/review"
	"ordersaga/internal/saga"
)

// Saga step names, recorded on failure.
const (
	StepCancelOrder   = "cancel_order"
	StepReleaseStock  = "release_stock"
	StepRequestRefund = "request_refund"
	StepComplete      = "complete"
)

// CancelRequest asks for one order to be cancelled.
type CancelRequest struct {
	OrderID       string
	UserID        string
	Reason        string
	CorrelationID string
}

// CancelResult reports how a cancellation ended. Duplicate is set when another
// invocation already owns the saga.
type CancelResult struct {
	Success         bool
	Duplicate       bool
	SagaID          string
	RefundInitiated bool
	State           saga.State
	Err             error
}

// CancellationConfig tunes a CancellationCoordinator.
type CancellationConfig struct {
	Retry reliability.RetryPolicy
	// ResumeAfter is how long an in-progress saga may sit untouched before a
	// repeated cancel, or the sweeper, resumes it.
	ResumeAfter time.Duration
	Now         func() time.Time
	NewID       func() string
}

// Option configures a CancellationCoordinator.
type Option func(*CancellationCoordinator)

// WithNotifier sends status notices to n.
func WithNotifier(n Notifier) Option {
	return func(c *CancellationCoordinator) { c.notifier = n }
}

// WithReview records sagas that need manual review.
func WithReview(r review.Recorder) Option {
	return func(c *CancellationCoordinator) { c.review = r }
}

// WithMetrics counts saga outcomes in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *CancellationCoordinator) { c.metrics = m }
}

// WithSweepLimiter throttles ResumeStalled.
func WithSweepLimiter(l *reliability.RateLimiter) Option {
	return func(c *CancellationCoordinator) { c.limiter = l }
}

// CancellationCoordinator runs the order cancellation saga: cancel the order,
// ask inventory to release stock, ask payments to refund online orders that
// were paid, then mark the saga complete. Confirmations arrive later through
// Handlers.
type CancellationCoordinator struct {
	log         *slog.Logger
	store       Store
	publisher   events.Publisher
	retry       reliability.RetryPolicy
	resumeAfter time.Duration
	now         func() time.Time
	newID       func() string
	notifier    Notifier
	review      review.Recorder
	metrics     *observability.Metrics
	limiter     *reliability.RateLimiter
}

// NewCancellationCoordinator returns a coordinator writing to store and
// publishing saga events on publisher.
func NewCancellationCoordinator(log *slog.Logger, store Store, publisher events.Publisher, cfg CancellationConfig, opts ...Option) *CancellationCoordinator {
	if log == nil {
		log = slog.Default()
	}
	c := &CancellationCoordinator{
		log:         log.With("saga", "cancellation"),
		store:       store,
		publisher:   publisher,
		retry:       cfg.Retry,
		resumeAfter: cfg.ResumeAfter,
		now:         cfg.Now,
		newID:       cfg.NewID,
	}
	if c.resumeAfter <= 0 {
		c.resumeAfter = 5 * time.Minute
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
			c.log.Warn("retrying saga step", "attempt", attempt+1, "delay", delay, "err", err)
		}
	}
	return c
}

// Cancel runs or resumes the cancellation saga for req.OrderID. It never
// returns an error directly; failures are reported in the result.
func (c *CancellationCoordinator) Cancel(ctx context.Context, req CancelRequest) CancelResult {
	span := c.metrics.Start("saga.cancel")
	res := c.cancel(ctx, req)
	span.EndKind(res.Err, string(saga.KindOf(res.Err)))
	return res
}

func (c *CancellationCoordinator) cancel(ctx context.Context, req CancelRequest) CancelResult {
	id := strings.TrimSpace(req.OrderID)
	if id == "" {
		return CancelResult{Err: fmt.Errorf("%w: order id is required", saga.ErrValidation)}
	}
	log := c.log.With("order_id", id)

	var order Order
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		order, err = c.store.Get(ctx, id)
		return err
	})
	if err != nil {
		log.Warn("cancel rejected", "err", err)
		return CancelResult{Err: err}
	}

	switch {
	case order.Status == StatusCancelled:
		if !c.stalled(order) {
			log.Info("cancellation already handled", "saga_id", order.Saga.SagaID, "saga_state", order.Saga.State)
			return duplicateResult(order)
		}
		claimed, won, err := c.claimResume(ctx, id)
		if err != nil {
			log.Error("resume claim failed", "err", err)
			return CancelResult{Err: err}
		}
		if !won {
			log.Info("stalled saga claimed by another invocation", "saga_id", claimed.Saga.SagaID)
			return duplicateResult(claimed)
		}
		log.Warn("resuming stalled cancellation saga", "saga_id", claimed.Saga.SagaID, "saga_state", claimed.Saga.State)
		c.metrics.Inc(observability.CounterResumed)
		return c.drive(ctx, claimed, log.With("saga_id", claimed.Saga.SagaID, "correlation_id", claimed.Saga.CorrelationID))
	case !order.Status.Cancellable():
		err := fmt.Errorf("%w: order %s is %s", saga.ErrInvalidState, id, order.Status)
		log.Info("cancel rejected", "status", order.Status)
		return CancelResult{Err: err}
	}

	order, lost, err := c.markCancelled(ctx, id, req)
	if err != nil {
		log.Error("cancel write failed", "err", err)
		return CancelResult{Err: err}
	}
	if lost {
		log.Info("concurrent cancellation won the race", "saga_id", order.Saga.SagaID)
		return duplicateResult(order)
	}

	log = log.With("saga_id", order.Saga.SagaID, "correlation_id", order.Saga.CorrelationID)
	log.Info("order cancelled, saga started", "payment_method", order.PaymentMethod, "payment_status", order.PaymentStatus)
	c.notify(ctx, order)
	return c.drive(ctx, order, log)
}

func duplicateResult(o Order) CancelResult {
	return CancelResult{
		Success:         true,
		Duplicate:       true,
		SagaID:          o.Saga.SagaID,
		RefundInitiated: o.Saga.RefundRequested,
		State:           o.Saga.State,
	}
}

// stalled reports whether an in-progress saga has been idle past resumeAfter.
func (c *CancellationCoordinator) stalled(o Order) bool {
	if !o.Saga.State.InProgress() {
		return false
	}
	last := o.Saga.LastTransition()
	if last.IsZero() {
		last = o.UpdatedAt
	}
	if o.Saga.ResumedAt.After(last) {
		last = o.Saga.ResumedAt
	}
	return c.now().Sub(last) >= c.resumeAfter
}

// claimResume stamps a stalled saga as resumed so only one invocation drives
// it. won is false when the saga was no longer stalled on the fresh read.
func (c *CancellationCoordinator) claimResume(ctx context.Context, id string) (Order, bool, error) {
	return c.claim(ctx, id,
		func(cur Order) (bool, error) {
			return cur.Status == StatusCancelled && c.stalled(cur), nil
		},
		func(next *Order) error {
			next.Saga.ResumedAt = c.now().UTC()
			return nil
		})
}

// claim saves mutate(cur) when decide(cur) holds. A version conflict re-reads
// the order and decides again, independent of the retry budget, so a losing
// writer observes the winner's state. won is false when decide declined.
func (c *CancellationCoordinator) claim(ctx context.Context, id string, decide func(Order) (bool, error), mutate func(*Order) error) (Order, bool, error) {
	var (
		saved Order
		won   bool
	)
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		for {
			cur, err := c.store.Get(ctx, id)
			if err != nil {
				return err
			}
			ok, err := decide(cur)
			if err != nil {
				return err
			}
			if !ok {
				saved, won = cur, false
				return nil
			}
			next := cur.Clone()
			if err := mutate(&next); err != nil {
				return err
			}
			out, err := c.store.Save(ctx, next)
			if errors.Is(err, saga.ErrVersionConflict) {
				if cerr := ctx.Err(); cerr != nil {
					return cerr
				}
				continue
			}
			if err != nil {
				return err
			}
			saved, won = out, true
			return nil
		}
	})
	return saved, won, err
}

// markCancelled performs the versioned write that starts the saga. lost is
// true when another invocation cancelled the order first.
func (c *CancellationCoordinator) markCancelled(ctx context.Context, id string, req CancelRequest) (Order, bool, error) {
	sagaID := c.newID()
	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		correlationID = c.newID()
	}
	cancelledBy := strings.TrimSpace(req.UserID)
	if cancelledBy == "" {
		cancelledBy = "system"
	}

	saved, won, err := c.claim(ctx, id,
		func(cur Order) (bool, error) {
			if cur.Status == StatusCancelled {
				return false, nil
			}
			if !cur.Status.Cancellable() {
				return false, fmt.Errorf("%w: order %s is %s", saga.ErrInvalidState, id, cur.Status)
			}
			return true, nil
		},
		func(next *Order) error {
			next.Status = StatusCancelled
			next.Saga = saga.Metadata{
				SagaID:        sagaID,
				CorrelationID: correlationID,
				CancelledBy:   cancelledBy,
				CancelReason:  strings.TrimSpace(req.Reason),
			}
			return next.Saga.Advance(saga.StateOrderCancelled, c.now())
		})
	return saved, !won && err == nil, err
}

// drive dispatches every step the order still needs. Steps already flagged
// are skipped, which makes resuming safe.
func (c *CancellationCoordinator) drive(ctx context.Context, order Order, log *slog.Logger) CancelResult {
	var err error

	if !order.Saga.StockReleaseRequested && !order.Saga.StockReleased {
		if err = c.publish(ctx, c.stockReleaseEvent(order)); err == nil {
			var saved Order
			saved, err = c.update(ctx, order.ID, func(o *Order) error {
				o.Saga.MarkStockReleaseRequested()
				o.Saga.AdvanceIfBehind(saga.StateStockReleaseRequested, c.now())
				return nil
			})
			if err == nil {
				order = saved
			}
		}
		if err != nil {
			return c.compensate(ctx, order, StepReleaseStock, err, log)
		}
		log.Info("stock release requested", "items", len(order.Items))
	}

	if order.RequiresRefund() && !order.Saga.RefundRequested {
		if err = c.publish(ctx, c.refundEvent(order)); err == nil {
			var saved Order
			saved, err = c.update(ctx, order.ID, func(o *Order) error {
				o.Saga.MarkRefundRequested()
				o.Saga.AdvanceIfBehind(saga.StateRefundRequested, c.now())
				return nil
			})
			if err == nil {
				order = saved
			}
		}
		if err != nil {
			return c.compensate(ctx, order, StepRequestRefund, err, log)
		}
		log.Info("refund requested", "amount_cents", order.TotalCents, "payment_method", order.PaymentMethod)
	}

	saved, err := c.update(ctx, order.ID, func(o *Order) error {
		if o.Saga.State == saga.StateCompleted || o.Saga.State == saga.StateConverged {
			return nil
		}
		now := c.now()
		if err := o.Saga.Advance(saga.StateCompleted, now); err != nil {
			return err
		}
		if o.Saga.Converged() {
			return o.Saga.Advance(saga.StateConverged, now)
		}
		return nil
	})
	if err != nil {
		return c.compensate(ctx, order, StepComplete, err, log)
	}
	order = saved

	log.Info("cancellation saga dispatched", "saga_state", order.Saga.State, "refund", order.Saga.RefundRequested)
	c.notify(ctx, order)
	return CancelResult{
		Success:         true,
		SagaID:          order.Saga.SagaID,
		RefundInitiated: order.Saga.RefundRequested,
		State:           order.Saga.State,
	}
}

// compensate marks the saga FAILED and queues it for manual review. The order
// stays cancelled; nothing already dispatched is reverted.
func (c *CancellationCoordinator) compensate(ctx context.Context, order Order, step string, cause error, log *slog.Logger) CancelResult {
	c.metrics.Inc(observability.CounterCompensations)
	log.Error("cancellation saga failed, flagging for manual review", "step", step, "err", cause)

	// The caller's context may be the reason we failed.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	result := CancelResult{SagaID: order.Saga.SagaID, State: saga.StateFailed, Err: cause}
	saved, err := c.update(wctx, order.ID, func(o *Order) error {
		return o.Saga.Fail(step, cause, c.now())
	})
	if err != nil {
		log.Error("could not persist saga failure", "severity", "critical", "step", step, "err", err)
		result.Err = errors.Join(cause, fmt.Errorf("%w: persist failure state: %w", saga.ErrCompensation, err))
		result.State = order.Saga.State
	} else {
		result.State = saved.Saga.State
		c.notify(wctx, saved)
	}

	c.metrics.Inc(observability.CounterManualReview)
	if c.review != nil {
		item := review.Item{
			Kind:          review.KindSagaFailed,
			AggregateID:   order.ID,
			SagaID:        order.Saga.SagaID,
			CorrelationID: order.Saga.CorrelationID,
			Step:          step,
			Error:         cause.Error(),
			At:            c.now().UTC(),
		}
		if err := c.review.Record(wctx, item); err != nil {
			log.Error("could not journal manual review", "severity", "critical", "err", err)
		}
	}
	return result
}

// ResumeStalled resumes up to limit sagas that stopped mid-flight, for
// example after a crash between two steps. It returns how many it resumed.
func (c *CancellationCoordinator) ResumeStalled(ctx context.Context, limit int) (int, error) {
	stalled, err := c.store.ListStalled(ctx, c.now().Add(-c.resumeAfter), limit)
	if err != nil {
		return 0, fmt.Errorf("list stalled sagas: %w", err)
	}
	resumed := 0
	for _, o := range stalled {
		if err := c.limiter.Wait(ctx); err != nil {
			return resumed, err
		}
		res := c.Cancel(ctx, CancelRequest{OrderID: o.ID, UserID: o.Saga.CancelledBy, CorrelationID: o.Saga.CorrelationID})
		if res.Success && !res.Duplicate {
			resumed++
		}
	}
	if len(stalled) > 0 {
		c.log.Info("stalled sagas swept", "found", len(stalled), "resumed", resumed)
	}
	return resumed, nil
}

// ResolveManualReview closes a FAILED saga once an operator has fixed the
// downstream state by hand.
func (c *CancellationCoordinator) ResolveManualReview(ctx context.Context, orderID, note string) (Order, error) {
	order, err := c.update(ctx, orderID, func(o *Order) error {
		if o.Saga.State != saga.StateFailed {
			return fmt.Errorf("%w: saga of order %s is %q, not FAILED", saga.ErrInvalidState, o.ID, o.Saga.State)
		}
		return o.Saga.Advance(saga.StateCompensated, c.now())
	})
	if err != nil {
		return Order{}, err
	}
	if c.review != nil {
		if err := c.review.Resolve(ctx, orderID, note); err != nil {
			c.log.Warn("review journal out of sync", "order_id", orderID, "err", err)
		}
	}
	c.log.Info("manual review resolved", "order_id", orderID, "saga_id", order.Saga.SagaID)
	c.notify(ctx, order)
	return order, nil
}

// update applies mutate to a fresh copy and saves it, retrying version
// conflicts against the newest state.
func (c *CancellationCoordinator) update(ctx context.Context, id string, mutate func(*Order) error) (Order, error) {
	var saved Order
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		cur, err := c.store.Get(ctx, id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err := mutate(&next); err != nil {
			return err
		}
		saved, err = c.store.Save(ctx, next)
		return err
	})
	return saved, err
}

func (c *CancellationCoordinator) publish(ctx context.Context, ev events.Event) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		return events.PublishEvent(ctx, c.publisher, ev)
	})
}

func (c *CancellationCoordinator) header(t events.Type, o Order) events.Header {
	h := events.NewHeader(t, o.ID, o.Saga.CorrelationID, c.now())
	h.OrderID = o.ID
	h.SagaID = o.Saga.SagaID
	return h
}

func (c *CancellationCoordinator) stockReleaseEvent(o Order) events.StockReleaseRequested {
	return events.StockReleaseRequested{
		Header: c.header(events.TypeStockReleaseRequested, o),
		Items:  o.eventItems(),
		Reason: o.Saga.CancelReason,
	}
}

func (c *CancellationCoordinator) refundEvent(o Order) events.RefundRequested {
	return events.RefundRequested{
		Header:        c.header(events.TypeRefundRequested, o),
		AmountCents:   o.TotalCents,
		Currency:      o.Currency,
		PaymentMethod: string(o.PaymentMethod),
		Reason:        o.Saga.CancelReason,
	}
}

func (c *CancellationCoordinator) notify(ctx context.Context, o Order) {
	if c.notifier != nil {
		c.notifier.OrderChanged(ctx, NoticeOf(o))
	}
}
