package review

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestJournal_RecordResolveAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "review.wal")
	ctx := context.Background()

	j, wal, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	at := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	if err := j.Record(ctx, Item{Kind: KindSagaFailed, AggregateID: "order-1", Step: "request_refund", At: at}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Record(ctx, Item{Kind: KindRollbackFailed, AggregateID: "pay-1", At: at.Add(time.Minute)}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Resolve(ctx, "order-1", "refund issued by hand"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	replayed, wal2, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = wal2.Close() })

	pending := replayed.Pending()
	if len(pending) != 1 || pending[0].AggregateID != "pay-1" || pending[0].Kind != KindRollbackFailed {
		t.Fatalf("unexpected pending items after replay: %+v", pending)
	}
}

func TestJournal_ResolveUnknown(t *testing.T) {
	if err := NewJournal().Resolve(context.Background(), "nope", ""); err == nil {
		t.Fatalf("expected error resolving unknown item")
	}
}

func TestJournal_RequiresAggregateID(t *testing.T) {
	if err := NewJournal().Record(context.Background(), Item{Kind: KindSagaFailed}); err == nil {
		t.Fatalf("expected error without aggregate id")
	}
}
