package events

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ProcessedKey identifies an applied event: one correlation, one type, one
// aggregate.
type ProcessedKey struct {
	CorrelationID string
	EventType     Type
	AggregateID   string
}

// KeyOf returns the processed key for h.
func KeyOf(h Header) ProcessedKey {
	return ProcessedKey{CorrelationID: h.CorrelationID, EventType: h.EventType, AggregateID: h.AggregateID}
}

func (k ProcessedKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.CorrelationID, k.EventType, k.AggregateID)
}

// Ledger answers whether an event has already been applied. Recording happens
// inside the store transaction that applies the event.
type Ledger interface {
	Seen(ctx context.Context, key ProcessedKey) (bool, error)
}

// MemoryLedger is the in-process processed-event table.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[ProcessedKey]time.Time
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[ProcessedKey]time.Time)}
}

func (l *MemoryLedger) Seen(_ context.Context, key ProcessedKey) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[key]
	return ok, nil
}

// Mark records key and reports whether it was new. Callers hold their own
// aggregate lock so mark and mutation stay atomic.
func (l *MemoryLedger) Mark(key ProcessedKey, at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[key]; ok {
		return false
	}
	l.seen[key] = at
	return true
}

// Len reports how many keys were recorded.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
