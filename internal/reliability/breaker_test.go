package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAndResets(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0
	var transitions []BreakerState

	breaker := NewCircuitBreaker(BreakerConfig{
		Name:         "kafka",
		MaxFailures:  2,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
		OnStateChange: func(name string, from, to BreakerState) {
			if name != "kafka" {
				t.Errorf("unexpected breaker name %q", name)
			}
			transitions = append(transitions, to)
		},
	})

	fail := func() error {
		calls++
		return errors.New("fail")
	}

	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if breaker.State() != BreakerOpen {
		t.Fatalf("expected open breaker, got %s", breaker.State())
	}
	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}

	now = now.Add(2 * time.Second)

	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to allow trial, got %v", err)
	}
	if breaker.State() != BreakerClosed {
		t.Fatalf("expected closed breaker, got %s", breaker.State())
	}
	if calls != 2 {
		t.Fatalf("expected 2 failed calls, got %d", calls)
	}
	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(transitions) != len(want) {
		t.Fatalf("unexpected transitions %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("unexpected transitions %v", transitions)
		}
	}
}

func TestCircuitBreaker_NilRunsFn(t *testing.T) {
	var breaker *CircuitBreaker
	ran := false
	if err := breaker.Execute(func() error { ran = true; return nil }); err != nil || !ran {
		t.Fatalf("nil breaker must pass through")
	}
}

func TestRateLimiter_WaitsWhenExhausted(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var sleeps []time.Duration
	var waited []time.Duration

	limiter := NewRateLimiter(100*time.Millisecond, 1)
	limiter.now = func() time.Time { return now }
	limiter.last = now
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		now = now.Add(d)
		return nil
	}
	limiter.OnWait(func(d time.Duration) { waited = append(waited, d) })

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if len(sleeps) != 1 || sleeps[0] != 100*time.Millisecond {
		t.Fatalf("unexpected sleeps %v", sleeps)
	}
	if len(waited) != 1 || waited[0] != 100*time.Millisecond {
		t.Fatalf("unexpected wait observations %v", waited)
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	limiter := NewRateLimiter(time.Second, 2)
	limiter.now = func() time.Time { return now }
	limiter.last = now

	if !limiter.Allow() || !limiter.Allow() {
		t.Fatalf("expected burst of two")
	}
	if limiter.Allow() {
		t.Fatalf("expected limiter to be empty")
	}
	now = now.Add(time.Second)
	if !limiter.Allow() {
		t.Fatalf("expected refill after interval")
	}
}
