package observability

import (
	"sync"
	"time"
)

// Counter names shared across packages.
const (
	CounterDuplicates     = "events.duplicate"
	CounterDeadLettered   = "events.dead_lettered"
	CounterRedelivered    = "events.redelivered"
	CounterUnroutable     = "events.unroutable"
	CounterRetries        = "retry.attempts"
	CounterCompensations  = "saga.compensations"
	CounterRollbackFailed = "saga.rollback_failed"
	CounterManualReview   = "saga.manual_review"
	CounterResumed        = "saga.resumed"
)

// OperationSnapshot summarizes one timed operation.
type OperationSnapshot struct {
	Count         int64            `json:"count"`
	Errors        int64            `json:"errors"`
	InFlight      int64            `json:"in_flight"`
	AvgLatencyMs  float64          `json:"avg_latency_ms"`
	MaxLatencyMs  float64          `json:"max_latency_ms"`
	LastLatencyMs float64          `json:"last_latency_ms"`
	ErrorKinds    map[string]int64 `json:"error_kinds,omitempty"`
}

// Snapshot is a point-in-time copy of every metric.
type Snapshot struct {
	UptimeSec       int64                        `json:"uptime_sec"`
	TotalCalls      int64                        `json:"total_calls"`
	TotalErrors     int64                        `json:"total_errors"`
	InFlight        int64                        `json:"in_flight"`
	RateLimitWaits  int64                        `json:"rate_limit_waits"`
	RateLimitWaitMs int64                        `json:"rate_limit_wait_ms"`
	Counters        map[string]int64             `json:"counters"`
	Breakers        map[string]string            `json:"breakers,omitempty"`
	Lifecycle       *LifecycleSnapshot           `json:"lifecycle,omitempty"`
	Operations      map[string]OperationSnapshot `json:"operations"`
}

type opStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
	kinds        map[string]int64
}

// Metrics is an in-process registry of operation spans and named counters,
// served as JSON by Handler.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	ops            map[string]*opStats
	counters       map[string]int64
	breakers       map[string]string
	rateLimitWaits int64
	rateLimitWait  time.Duration
	lifecycle      lifecycleStats
}

// Span measures one operation call.
type Span struct {
	metrics *Metrics
	op      string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

// LifecycleSnapshot reports process uptime and shutdown state.
type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

// NewMetrics returns an empty registry.
func NewMetrics() *Metrics {
	return &Metrics{
		start:    time.Now(),
		ops:      make(map[string]*opStats),
		counters: make(map[string]int64),
		breakers: make(map[string]string),
	}
}

// Start times op until the returned span ends.
func (m *Metrics) Start(op string) *Span {
	if m == nil {
		return &Span{}
	}
	m.mu.Lock()
	m.ensureOp(op).inFlight++
	m.mu.Unlock()
	return &Span{metrics: m, op: op, start: time.Now()}
}

// End closes the span. A non-nil err counts as an error.
func (s *Span) End(err error) {
	kind := ""
	if err != nil {
		kind = "error"
	}
	s.EndKind(err, kind)
}

// EndKind closes the span and buckets a failure under kind.
func (s *Span) EndKind(err error, kind string) {
	if s == nil || s.metrics == nil {
		return
	}
	s.metrics.finish(s.op, time.Since(s.start), err != nil, kind)
}

// Inc bumps a named counter by one.
func (m *Metrics) Inc(name string) { m.Add(name, 1) }

// Add adds n to the named counter.
func (m *Metrics) Add(name string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.mu.Lock()
	m.counters[name] += n
	m.mu.Unlock()
}

// SetBreakerState records the latest state of a named circuit breaker.
func (m *Metrics) SetBreakerState(name, state string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.breakers[name] = state
	m.mu.Unlock()
}

// AddRateLimitWait accumulates time spent waiting on a limiter.
func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

// Snapshot copies the current values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:       int64(time.Since(m.start).Seconds()),
		Operations:      make(map[string]OperationSnapshot, len(m.ops)),
		Counters:        make(map[string]int64, len(m.counters)),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}
	for name, v := range m.counters {
		snap.Counters[name] = v
	}
	if len(m.breakers) > 0 {
		snap.Breakers = make(map[string]string, len(m.breakers))
		for name, state := range m.breakers {
			snap.Breakers[name] = state
		}
	}

	for op, stats := range m.ops {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		entry := OperationSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		if len(stats.kinds) > 0 {
			entry.ErrorKinds = make(map[string]int64, len(stats.kinds))
			for k, v := range stats.kinds {
				entry.ErrorKinds[k] = v
			}
		}
		snap.Operations[op] = entry
		snap.TotalCalls += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}
	return snap
}

// InFlight returns the number of open spans.
func (m *Metrics) InFlight() int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, stats := range m.ops {
		total += stats.inFlight
	}
	return total
}

func (m *Metrics) ensureOp(op string) *opStats {
	stats, ok := m.ops[op]
	if !ok {
		stats = &opStats{}
		m.ops[op] = stats
	}
	return stats
}

func (m *Metrics) finish(op string, dur time.Duration, failed bool, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.ensureOp(op)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
		if kind != "" {
			if stats.kinds == nil {
				stats.kinds = make(map[string]int64)
			}
			stats.kinds[kind]++
		}
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
}

// MarkShutdown records the start of shutdown with inflight work still running.
func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
