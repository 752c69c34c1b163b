package reliability

import (
	"testing"
	"time"
)

func setReliabilityEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SAGA_RETRY_MAX_RETRIES", "3")
	t.Setenv("SAGA_RETRY_INITIAL_DELAY", "50ms")
	t.Setenv("SAGA_RETRY_MAX_DELAY", "500ms")
	t.Setenv("SAGA_BREAKER_MAX_FAILURES", "4")
	t.Setenv("SAGA_BREAKER_RESET_TIMEOUT", "2s")
	t.Setenv("SAGA_RATE_LIMIT_INTERVAL", "1ms")
	t.Setenv("SAGA_RATE_LIMIT_BURST", "100")
}

func TestLoadConfigFromEnv_Parses(t *testing.T) {
	setReliabilityEnv(t)

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("expected 3 retries, got %d", cfg.MaxRetries)
	}
	if cfg.InitialDelay != 50*time.Millisecond || cfg.MaxDelay != 500*time.Millisecond {
		t.Fatalf("unexpected delays %v %v", cfg.InitialDelay, cfg.MaxDelay)
	}
	if cfg.BreakerMaxFailures != 4 || cfg.BreakerResetTimeout != 2*time.Second {
		t.Fatalf("unexpected breaker config %+v", cfg)
	}
	if cfg.RateLimitInterval != time.Millisecond || cfg.RateLimitBurst != 100 {
		t.Fatalf("unexpected limiter config %+v", cfg)
	}

	policy := cfg.RetryPolicy()
	if policy.MaxRetries != 3 || policy.Delay(1) != 100*time.Millisecond {
		t.Fatalf("unexpected policy %+v", policy)
	}
}

func TestLoadConfigFromEnv_Missing(t *testing.T) {
	if _, err := LoadConfigFromEnv(); err == nil {
		t.Fatalf("expected missing env error")
	}
}

func TestLoadConfigFromEnv_RejectsInvertedDelays(t *testing.T) {
	setReliabilityEnv(t)
	t.Setenv("SAGA_RETRY_MAX_DELAY", "10ms")
	if _, err := LoadConfigFromEnv(); err == nil {
		t.Fatalf("expected error for max delay below initial delay")
	}
}
