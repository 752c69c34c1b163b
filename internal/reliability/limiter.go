package reliability

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket refilling one token every interval.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	burst    int
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	onWait   func(time.Duration)

	tokens int
	last   time.Time
}

// NewRateLimiter allows one event per interval with the given burst.
func NewRateLimiter(interval time.Duration, burst int) *RateLimiter {
	limiter := &RateLimiter{
		interval: interval,
		burst:    burst,
		now:      time.Now,
		sleep:    sleepWithContext,
	}
	limiter.tokens = burst
	limiter.last = limiter.now()
	return limiter
}

// OnWait registers a hook receiving the time spent blocked in each Wait.
func (r *RateLimiter) OnWait(fn func(time.Duration)) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.onWait = fn
	r.mu.Unlock()
}

// Wait blocks until a token is available or ctx ends. A nil or unconfigured
// limiter never blocks.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if r == nil || r.interval <= 0 || r.burst <= 0 {
		return ctx.Err()
	}

	start := r.now()
	defer func() {
		r.mu.Lock()
		hook := r.onWait
		r.mu.Unlock()
		if hook != nil {
			if waited := r.now().Sub(start); waited > 0 {
				hook(waited)
			}
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.Lock()
		now := r.now()
		r.refill(now)
		if r.tokens > 0 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		wait := r.interval - now.Sub(r.last)
		r.mu.Unlock()
		if wait <= 0 {
			continue
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Allow takes a token without blocking.
func (r *RateLimiter) Allow() bool {
	if r == nil || r.interval <= 0 || r.burst <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(r.now())
	if r.tokens == 0 {
		return false
	}
	r.tokens--
	return true
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.last)
	if elapsed < r.interval {
		return
	}
	add := int(elapsed / r.interval)
	if add <= 0 {
		return
	}
	r.tokens += add
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.last = r.last.Add(time.Duration(add) * r.interval)
}
