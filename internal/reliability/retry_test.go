package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/segmentio/kafka-go"

	"ordersaga/internal/saga"
)

func recordingPolicy(maxRetries int, delays *[]time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return nil
		},
	}
}

func TestRetryPolicy_RetriesTransientWithBackoff(t *testing.T) {
	attempts := 0
	var delays []time.Duration
	policy := recordingPolicy(3, &delays)

	err := policy.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("%w: broker unavailable", saga.ErrTransient)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected delays: %v", delays)
	}
}

func TestRetryPolicy_BoundedByMaxRetries(t *testing.T) {
	for maxRetries := 0; maxRetries <= 5; maxRetries++ {
		calls := 0
		var delays []time.Duration
		policy := recordingPolicy(maxRetries, &delays)
		transient := fmt.Errorf("%w: timeout", saga.ErrTransient)

		err := policy.Do(context.Background(), func(context.Context) error {
			calls++
			return transient
		})
		if !errors.Is(err, saga.ErrTransient) {
			t.Fatalf("maxRetries=%d: expected last transient error, got %v", maxRetries, err)
		}
		if calls != maxRetries+1 {
			t.Fatalf("maxRetries=%d: expected %d calls, got %d", maxRetries, maxRetries+1, calls)
		}
		for i, d := range delays {
			if d != policy.Delay(i) {
				t.Fatalf("maxRetries=%d: delay %d = %v, want %v", maxRetries, i, d, policy.Delay(i))
			}
		}
	}
}

func TestRetryPolicy_DelayDoublesAndCaps(t *testing.T) {
	policy := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
	want := []time.Duration{100, 200, 400, 500, 500}
	for i, w := range want {
		if got := policy.Delay(i); got != w*time.Millisecond {
			t.Fatalf("Delay(%d) = %v, want %v", i, got, w*time.Millisecond)
		}
	}
	if got := policy.Delay(200); got != 500*time.Millisecond {
		t.Fatalf("large attempts must stay capped, got %v", got)
	}
}

func TestRetryPolicy_StopsOnPermanentError(t *testing.T) {
	attempts := 0
	var delays []time.Duration
	policy := recordingPolicy(3, &delays)
	expected := fmt.Errorf("%w: order o-1", saga.ErrNotFound)

	err := policy.Do(context.Background(), func(context.Context) error {
		attempts++
		return expected
	})
	if err != expected {
		t.Fatalf("expected %v, got %v", expected, err)
	}
	if attempts != 1 || len(delays) != 0 {
		t.Fatalf("expected a single attempt without delay, got %d attempts %v", attempts, delays)
	}
}

func TestRetryPolicy_JitterAndOnRetryHooks(t *testing.T) {
	var observed []int
	var delays []time.Duration
	policy := recordingPolicy(2, &delays)
	policy.Jitter = func(d time.Duration) time.Duration { return d / 2 }
	policy.OnRetry = func(attempt int, _ time.Duration, _ error) { observed = append(observed, attempt) }

	_ = policy.Do(context.Background(), func(context.Context) error { return saga.ErrVersionConflict })
	if len(observed) != 2 || observed[0] != 0 || observed[1] != 1 {
		t.Fatalf("unexpected retry observations %v", observed)
	}
	if delays[0] != 5*time.Millisecond {
		t.Fatalf("expected jittered delay, got %v", delays[0])
	}
}

func TestRetryPolicy_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{
		MaxRetries:   5,
		InitialDelay: time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}
	calls := 0
	err := policy.Do(ctx, func(context.Context) error {
		calls++
		return saga.ErrTransient
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("expected cancellation after one call, got %v after %d", err, calls)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient sentinel", fmt.Errorf("publish: %w", saga.ErrTransient), true},
		{"version conflict", saga.ErrVersionConflict, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"net timeout", timeoutErr{}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"kafka leader moving", kafka.LeaderNotAvailable, true},
		{"kafka message too large", kafka.MessageSizeTooLarge, false},
		{"connection refused text", errors.New("dial tcp 10.0.0.1:9092: connect: connection refused"), true},
		{"write conflict text", errors.New("WriteConflict: write conflict during plan execution"), true},
		{"validation", fmt.Errorf("%w: bad method", saga.ErrValidation), false},
		{"invalid state", saga.ErrInvalidState, false},
		{"circuit open", ErrCircuitOpen, false},
		{"transient but not found", fmt.Errorf("%w: %w", saga.ErrNotFound, saga.ErrTransient), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
