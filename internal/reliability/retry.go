package reliability

import (
	"context"
	"time"
)

// RetryPolicy bounds retries of a single saga step. Delay(attempt) is
// min(InitialDelay*2^attempt, MaxDelay) with a zero-based attempt, and Do makes
// at most MaxRetries+1 calls.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Jitter reshapes each delay. Nil means no jitter.
	Jitter func(time.Duration) time.Duration
	Sleep  func(context.Context, time.Duration) error
	// Retryable classifies errors. Nil means IsTransient.
	Retryable func(error) bool
	// OnRetry observes each scheduled retry.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy returns three retries starting at 100ms, capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

// ShouldRetry reports whether a call that failed with err on the given
// zero-based attempt deserves another try.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxRetries {
		return false
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	return retryable(err)
}

// Delay returns the backoff before retry number attempt+1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.InitialDelay
	if delay <= 0 {
		return 0
	}
	for i := 0; i < attempt; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
		if delay > (1<<62)/2 {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Do calls fn until it succeeds, returns a non-retryable error, or the retry
// budget runs out. The last error is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !p.ShouldRetry(err, attempt) {
			return err
		}

		delay := p.Delay(attempt)
		if p.Jitter != nil {
			delay = p.Jitter(delay)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if delay > 0 {
			if serr := sleep(ctx, delay); serr != nil {
				return serr
			}
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
