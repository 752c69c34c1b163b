package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ordersaga/internal/events"
	"ordersaga/internal/saga"
)

// Store persists orders with optimistic concurrency.
type Store interface {
	Get(ctx context.Context, id string) (Order, error)
	Create(ctx context.Context, o Order) (Order, error)
	// Save writes o if the stored version still equals o.Version and returns
	// the order with its new version. A stale write fails with
	// saga.ErrVersionConflict.
	Save(ctx context.Context, o Order) (Order, error)
	// ApplyEvent runs fn on the current order and records key as processed in
	// one atomic step. A key seen before fails with saga.ErrDuplicateEvent and
	// fn is not called.
	ApplyEvent(ctx context.Context, key events.ProcessedKey, id string, fn func(*Order) error) (Order, error)
	// ListStalled returns cancelled orders with an in-progress saga last
	// touched before cutoff.
	ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]Order, error)
}

// CheckWrite enforces the rules every store applies to an update of prev into
// next: terminal statuses stay put and saga flags never clear.
func CheckWrite(prev Order, next *Order) error {
	if prev.Status.Terminal() && next.Status != prev.Status {
		return fmt.Errorf("%w: order %s is %s", saga.ErrInvalidState, prev.ID, prev.Status)
	}
	if prev.Status == StatusDelivered && next.Saga.State != prev.Saga.State {
		return fmt.Errorf("%w: order %s is delivered", saga.ErrInvalidState, prev.ID)
	}
	next.Saga.MergeFlags(prev.Saga)
	return next.Validate()
}

// MemoryStore keeps orders in process. Its processed-event ledger doubles as
// the consumer's Ledger.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]Order
	ledger *events.MemoryLedger
	now    func() time.Time
}

// NewMemoryStore returns an empty store. A nil ledger gets a fresh one.
func NewMemoryStore(ledger *events.MemoryLedger) *MemoryStore {
	if ledger == nil {
		ledger = events.NewMemoryLedger()
	}
	return &MemoryStore{
		orders: make(map[string]Order),
		ledger: ledger,
		now:    time.Now,
	}
}

// Ledger returns the processed-event ledger shared with consumers.
func (s *MemoryStore) Ledger() *events.MemoryLedger { return s.ledger }

func (s *MemoryStore) Get(ctx context.Context, id string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: order %s", saga.ErrNotFound, id)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) Create(ctx context.Context, o Order) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	if err := o.Validate(); err != nil {
		return Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return Order{}, fmt.Errorf("%w: order %s already exists", saga.ErrInvalidState, o.ID)
	}
	o = o.Clone()
	o.Version = 1
	s.orders[o.ID] = o
	return o.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, o Order) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.orders[o.ID]
	if !ok {
		return Order{}, fmt.Errorf("%w: order %s", saga.ErrNotFound, o.ID)
	}
	if prev.Version != o.Version {
		return Order{}, fmt.Errorf("%w: order %s at version %d, write based on %d", saga.ErrVersionConflict, o.ID, prev.Version, o.Version)
	}
	return s.writeLocked(prev, o.Clone())
}

func (s *MemoryStore) ApplyEvent(ctx context.Context, key events.ProcessedKey, id string, fn func(*Order) error) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: order %s", saga.ErrNotFound, id)
	}
	if seen, _ := s.ledger.Seen(ctx, key); seen {
		return Order{}, fmt.Errorf("%w: %s", saga.ErrDuplicateEvent, key)
	}
	next := prev.Clone()
	if err := fn(&next); err != nil {
		return Order{}, err
	}
	saved, err := s.writeLocked(prev, next)
	if err != nil {
		return Order{}, err
	}
	s.ledger.Mark(key, s.now())
	return saved, nil
}

func (s *MemoryStore) writeLocked(prev, next Order) (Order, error) {
	if err := CheckWrite(prev, &next); err != nil {
		return Order{}, err
	}
	next.Version = prev.Version + 1
	next.UpdatedAt = s.now().UTC()
	s.orders[next.ID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.orders {
		if o.Status == StatusCancelled && o.Saga.State.InProgress() && o.UpdatedAt.Before(cutoff) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
