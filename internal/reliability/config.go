package reliability

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries the tunables for retries, the producer breaker and the
// stalled-saga sweeper limiter.
type Config struct {
	MaxRetries          int
	InitialDelay        time.Duration
	MaxDelay            time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// LoadConfigFromEnv reads SAGA_RETRY_*, SAGA_BREAKER_* and SAGA_RATE_LIMIT_*.
// Every variable is required.
func LoadConfigFromEnv() (Config, error) {
	return LoadConfig(os.Getenv)
}

// LoadConfig is LoadConfigFromEnv over an arbitrary lookup.
func LoadConfig(getenv func(string) string) (Config, error) {
	cfg := Config{}
	var err error

	if cfg.MaxRetries, err = parseRequiredInt(getenv, "SAGA_RETRY_MAX_RETRIES"); err != nil {
		return cfg, err
	}
	if cfg.InitialDelay, err = parseRequiredDuration(getenv, "SAGA_RETRY_INITIAL_DELAY"); err != nil {
		return cfg, err
	}
	if cfg.MaxDelay, err = parseRequiredDuration(getenv, "SAGA_RETRY_MAX_DELAY"); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = parseRequiredInt(getenv, "SAGA_BREAKER_MAX_FAILURES"); err != nil {
		return cfg, err
	}
	if cfg.BreakerResetTimeout, err = parseRequiredDuration(getenv, "SAGA_BREAKER_RESET_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = parseRequiredDuration(getenv, "SAGA_RATE_LIMIT_INTERVAL"); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = parseRequiredInt(getenv, "SAGA_RATE_LIMIT_BURST"); err != nil {
		return cfg, err
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		return cfg, errors.New("SAGA_RETRY_MAX_DELAY must be >= SAGA_RETRY_INITIAL_DELAY")
	}
	return cfg, nil
}

// RetryPolicy builds the policy described by the config.
func (c Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   c.MaxRetries,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
	}
}

// Breaker builds a named breaker described by the config.
func (c Config) Breaker(name string, onChange func(name string, from, to BreakerState)) *CircuitBreaker {
	return NewCircuitBreaker(BreakerConfig{
		Name:          name,
		MaxFailures:   c.BreakerMaxFailures,
		ResetTimeout:  c.BreakerResetTimeout,
		OnStateChange: onChange,
	})
}

// Limiter builds the token bucket described by the config.
func (c Config) Limiter() *RateLimiter {
	return NewRateLimiter(c.RateLimitInterval, c.RateLimitBurst)
}

func parseRequiredDuration(getenv func(string) string, name string) (time.Duration, error) {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}

func parseRequiredInt(getenv func(string) string, name string) (int, error) {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}
