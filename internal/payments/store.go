package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ordersaga/internal/events"
	"ordersaga/internal/saga"
)

// Store persists payments with optimistic concurrency.
type Store interface {
	// Create inserts p, or returns the payment already stored under
	// p.IdempotencyKey with created=false. Reusing a key for a different
	// charge fails with saga.ErrIdempotencyConflict.
	Create(ctx context.Context, p Payment) (Payment, bool, error)
	Get(ctx context.Context, id string) (Payment, error)
	Save(ctx context.Context, p Payment) (Payment, error)
	ApplyEvent(ctx context.Context, key events.ProcessedKey, id string, fn func(*Payment) error) (Payment, error)
}

// CheckWrite enforces the rules every store applies when prev is replaced by
// next: legal status transitions and an append-only compensation log.
func CheckWrite(prev Payment, next Payment) error {
	if prev.Status != next.Status && !CanTransition(prev.Status, next.Status) {
		return fmt.Errorf("%w: payment %s cannot go from %s to %s", saga.ErrInvalidState, prev.ID, prev.Status, next.Status)
	}
	if len(next.CompensationLog) < len(prev.CompensationLog) {
		return fmt.Errorf("%w: payment %s: compensation log is append-only", saga.ErrInvalidState, prev.ID)
	}
	for i := range prev.CompensationLog {
		a, b := prev.CompensationLog[i], next.CompensationLog[i]
		if a.Action != b.Action || a.Reason != b.Reason || a.SagaID != b.SagaID || !a.At.Equal(b.At) {
			return fmt.Errorf("%w: payment %s: compensation entry %d was rewritten", saga.ErrInvalidState, prev.ID, i)
		}
	}
	return next.Validate()
}

// MemoryStore keeps payments in process.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]Payment
	byKey  map[string]string
	ledger *events.MemoryLedger
	now    func() time.Time
}

// NewMemoryStore returns an empty store. A nil ledger gets a fresh one.
func NewMemoryStore(ledger *events.MemoryLedger) *MemoryStore {
	if ledger == nil {
		ledger = events.NewMemoryLedger()
	}
	return &MemoryStore{
		byID:   make(map[string]Payment),
		byKey:  make(map[string]string),
		ledger: ledger,
		now:    time.Now,
	}
}

// Ledger returns the processed-event ledger shared with consumers.
func (s *MemoryStore) Ledger() *events.MemoryLedger { return s.ledger }

func (s *MemoryStore) Create(ctx context.Context, p Payment) (Payment, bool, error) {
	if err := ctx.Err(); err != nil {
		return Payment{}, false, err
	}
	if err := p.Validate(); err != nil {
		return Payment{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.IdempotencyKey != "" {
		if id, ok := s.byKey[p.IdempotencyKey]; ok {
			existing := s.byID[id]
			if !existing.SameCharge(p) {
				return Payment{}, false, fmt.Errorf("%w: key %s belongs to payment %s", saga.ErrIdempotencyConflict, p.IdempotencyKey, id)
			}
			return existing.Clone(), false, nil
		}
	}
	if _, ok := s.byID[p.ID]; ok {
		return Payment{}, false, fmt.Errorf("%w: payment %s already exists", saga.ErrInvalidState, p.ID)
	}
	p = p.Clone()
	p.Version = 1
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.byID[p.ID] = p
	if p.IdempotencyKey != "" {
		s.byKey[p.IdempotencyKey] = p.ID
	}
	return p.Clone(), true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Payment, error) {
	if err := ctx.Err(); err != nil {
		return Payment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return Payment{}, fmt.Errorf("%w: payment %s", saga.ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, p Payment) (Payment, error) {
	if err := ctx.Err(); err != nil {
		return Payment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.byID[p.ID]
	if !ok {
		return Payment{}, fmt.Errorf("%w: payment %s", saga.ErrNotFound, p.ID)
	}
	if prev.Version != p.Version {
		return Payment{}, fmt.Errorf("%w: payment %s at version %d, write based on %d", saga.ErrVersionConflict, p.ID, prev.Version, p.Version)
	}
	return s.writeLocked(prev, p.Clone())
}

func (s *MemoryStore) ApplyEvent(ctx context.Context, key events.ProcessedKey, id string, fn func(*Payment) error) (Payment, error) {
	if err := ctx.Err(); err != nil {
		return Payment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.byID[id]
	if !ok {
		return Payment{}, fmt.Errorf("%w: payment %s", saga.ErrNotFound, id)
	}
	if seen, _ := s.ledger.Seen(ctx, key); seen {
		return Payment{}, fmt.Errorf("%w: %s", saga.ErrDuplicateEvent, key)
	}
	next := prev.Clone()
	if err := fn(&next); err != nil {
		return Payment{}, err
	}
	saved, err := s.writeLocked(prev, next)
	if err != nil {
		return Payment{}, err
	}
	s.ledger.Mark(key, s.now())
	return saved, nil
}

func (s *MemoryStore) writeLocked(prev, next Payment) (Payment, error) {
	if err := CheckWrite(prev, next); err != nil {
		return Payment{}, err
	}
	next.IdempotencyKey = prev.IdempotencyKey
	next.Version = prev.Version + 1
	next.UpdatedAt = s.now().UTC()
	s.byID[next.ID] = next
	return next.Clone(), nil
}
