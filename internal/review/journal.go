package review

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// Kind groups review items by what failed.
type Kind string

const (
	// KindSagaFailed is a cancellation saga that stopped in FAILED.
	KindSagaFailed Kind = "saga_failed"
	// KindRollbackFailed is a payment saga whose compensation failed.
	KindRollbackFailed Kind = "rollback_failed"
)

// Item is one aggregate awaiting an operator.
type Item struct {
	Kind          Kind      `json:"kind"`
	AggregateID   string    `json:"aggregateId"`
	SagaID        string    `json:"sagaId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Step          string    `json:"step,omitempty"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

// Recorder is where sagas report work that needs a human.
type Recorder interface {
	Record(ctx context.Context, item Item) error
	Resolve(ctx context.Context, aggregateID, note string) error
}

type entry struct {
	Op   string `json:"op"`
	Item Item   `json:"item"`
	Note string `json:"note,omitempty"`
}

// walWriter is satisfied by *FileWAL.
type walWriter interface {
	Write(data []byte) error
}

// Journal keeps the open review items in memory, backed by an optional WAL
// so they survive a restart.
type Journal struct {
	mu      sync.Mutex
	wal     walWriter
	pending map[string]Item
	now     func() time.Time
}

// NewJournal returns a memory-only journal.
func NewJournal() *Journal {
	return &Journal{pending: make(map[string]Item), now: time.Now}
}

// OpenJournal opens the WAL at path and replays it.
func OpenJournal(path string) (*Journal, *FileWAL, error) {
	wal, err := OpenFileWAL(path)
	if err != nil {
		return nil, nil, err
	}
	j := NewJournal()
	j.wal = wal
	if err := j.replay(path); err != nil {
		_ = wal.Close()
		return nil, nil, err
	}
	return j, wal, nil
}

// Record appends item and keeps it open until resolved.
func (j *Journal) Record(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if item.AggregateID == "" {
		return errors.New("review item needs an aggregate id")
	}
	if item.At.IsZero() {
		item.At = j.now().UTC()
	}
	if err := j.append(entry{Op: "record", Item: item}); err != nil {
		return err
	}
	j.mu.Lock()
	j.pending[item.AggregateID] = item
	j.mu.Unlock()
	return nil
}

// Resolve closes the open item for aggregateID.
func (j *Journal) Resolve(ctx context.Context, aggregateID, note string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	item, ok := j.pending[aggregateID]
	j.mu.Unlock()
	if !ok {
		return fmt.Errorf("no open review item for %s", aggregateID)
	}
	if err := j.append(entry{Op: "resolve", Item: item, Note: note}); err != nil {
		return err
	}
	j.mu.Lock()
	delete(j.pending, aggregateID)
	j.mu.Unlock()
	return nil
}

// Pending lists the open items, oldest first.
func (j *Journal) Pending() []Item {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Item, 0, len(j.pending))
	for _, item := range j.pending {
		out = append(out, item)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].At.Before(out[b].At) })
	return out
}

func (j *Journal) append(e entry) error {
	if j.wal == nil {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return j.wal.Write(payload)
}

func (j *Journal) replay(path string) (err error) {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	j.mu.Lock()
	defer j.mu.Unlock()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var e entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return fmt.Errorf("replay %s: %w", path, err)
		}
		switch e.Op {
		case "record":
			j.pending[e.Item.AggregateID] = e.Item
		case "resolve":
			delete(j.pending, e.Item.AggregateID)
		}
	}
	return scanner.Err()
}
