package reliability

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is the externally visible breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	Name         string
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
	// OnStateChange fires outside the lock whenever the state moves.
	OnStateChange func(name string, from, to BreakerState)
}

// CircuitBreaker fails fast after MaxFailures consecutive failures and lets a
// single trial call through once ResetTimeout has elapsed.
type CircuitBreaker struct {
	mu         sync.Mutex
	name       string
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time
	onChange   func(name string, from, to BreakerState)

	state          BreakerState
	failures       int
	openedAt       time.Time
	halfOpenFlight bool
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	maxFails := cfg.MaxFailures
	if maxFails < 1 {
		maxFails = 1
	}
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		name:       cfg.Name,
		maxFails:   maxFails,
		resetAfter: resetAfter,
		now:        now,
		onChange:   cfg.OnStateChange,
		state:      BreakerClosed,
	}
}

// State reports the current state without attempting a transition.
func (c *CircuitBreaker) State() BreakerState {
	if c == nil {
		return BreakerClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Execute runs fn unless the breaker is open. A nil breaker always runs fn.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}
	now := c.now()

	c.mu.Lock()
	before := c.state
	switch c.state {
	case BreakerOpen:
		if now.Sub(c.openedAt) < c.resetAfter {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.state = BreakerHalfOpen
	case BreakerHalfOpen:
		if c.halfOpenFlight {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	if c.state == BreakerHalfOpen {
		c.halfOpenFlight = true
	}
	trial := c.state
	c.mu.Unlock()
	c.notify(before, trial)

	err := fn()

	c.mu.Lock()
	from := c.state
	if c.state == BreakerHalfOpen {
		c.halfOpenFlight = false
	}
	switch {
	case err == nil:
		c.state = BreakerClosed
		c.failures = 0
	case c.state == BreakerHalfOpen:
		c.state = BreakerOpen
		c.openedAt = now
		c.failures = 0
	default:
		c.failures++
		if c.failures >= c.maxFails {
			c.state = BreakerOpen
			c.openedAt = now
		}
	}
	to := c.state
	c.mu.Unlock()
	c.notify(from, to)
	return err
}

func (c *CircuitBreaker) notify(from, to BreakerState) {
	if from != to && c.onChange != nil {
		c.onChange(c.name, from, to)
	}
}
