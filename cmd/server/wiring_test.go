package main

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"

	"ordersaga/cmd/server/config"
	ordersdb "ordersaga/internal/db/orders"
	"ordersaga/internal/events"
	"ordersaga/internal/observability"
	"ordersaga/internal/orders"
	"ordersaga/internal/reliability"
	"ordersaga/internal/review"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildStores_MemoryFallbackSharesLedger(t *testing.T) {
	st, err := buildStores(context.Background(), discardLogger(), config.PostgresConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer st.close()

	orderStore, ok := st.orders.(*orders.MemoryStore)
	if !ok {
		t.Fatalf("expected memory order store, got %T", st.orders)
	}
	if orderStore.Ledger() != st.ledger {
		t.Fatalf("order store and consumer must share one ledger")
	}
}

func TestBuildStores_PostgresInitializesSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS orders").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS orders_stalled_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS payments").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS processed_events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	prev := openDatabase
	openDatabase = func(ctx context.Context, dsn string) (*sql.DB, error) {
		if dsn != "postgres://saga@localhost/saga" {
			t.Fatalf("unexpected dsn %q", dsn)
		}
		return db, nil
	}
	t.Cleanup(func() { openDatabase = prev })

	maxOpen := 4
	st, err := buildStores(context.Background(), discardLogger(), config.PostgresConfig{
		URL:          "postgres://saga@localhost/saga",
		MaxOpenConns: &maxOpen,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := st.orders.(*ordersdb.OrderStore); !ok {
		t.Fatalf("expected postgres order store, got %T", st.orders)
	}
	if _, ok := st.payments.(*ordersdb.PaymentStore); !ok {
		t.Fatalf("expected postgres payment store, got %T", st.payments)
	}
	if _, ok := st.ledger.(*ordersdb.Ledger); !ok {
		t.Fatalf("expected postgres ledger, got %T", st.ledger)
	}
	if got := db.Stats().MaxOpenConnections; got != maxOpen {
		t.Fatalf("expected max open conns %d, got %d", maxOpen, got)
	}
	st.close()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBuildBus_MemoryFallback(t *testing.T) {
	b, err := buildBus(discardLogger(), config.KafkaConfig{}, reliability.Config{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.close()

	mem, ok := b.publisher.(*events.MemoryBus)
	if !ok {
		t.Fatalf("expected memory bus, got %T", b.publisher)
	}
	source, err := b.source([]string{events.TopicInventoryRelease})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer source.Close()

	ev := events.StockReleased{Header: events.NewHeader(events.TypeStockReleased, "order-1", "corr-1", time.Now())}
	if err := events.PublishEvent(context.Background(), mem, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := source.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if msg.Topic != events.TopicInventoryRelease {
		t.Fatalf("unexpected topic %q", msg.Topic)
	}
}

func TestBuildBus_KafkaReportsBreakerState(t *testing.T) {
	metrics := observability.NewMetrics()
	rel := reliability.Config{BreakerMaxFailures: 3, BreakerResetTimeout: time.Second}
	b, err := buildBus(discardLogger(), config.KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "order-saga"}, rel, metrics)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.close()

	if _, ok := b.publisher.(*events.KafkaProducer); !ok {
		t.Fatalf("expected kafka producer, got %T", b.publisher)
	}
	if got := metrics.Snapshot().Breakers["kafka-producer"]; got != string(reliability.BreakerClosed) {
		t.Fatalf("expected closed breaker, got %q", got)
	}
}

func TestBuildTracker_MemoryWithoutRedis(t *testing.T) {
	tracker, cleanup, err := buildTracker(context.Background(), discardLogger(), config.RedisConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cleanup()
	if _, ok := tracker.(*events.MemoryTracker); !ok {
		t.Fatalf("expected memory tracker, got %T", tracker)
	}
}

func TestBuildTracker_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	poolSize := 2
	tracker, cleanup, err := buildTracker(context.Background(), discardLogger(), config.RedisConfig{
		URL:                "redis://" + mr.Addr() + "/0",
		KeyPrefix:          "saga:test",
		PoolSize:           &poolSize,
		HealthcheckTimeout: time.Second,
		DeliveryTTL:        time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cleanup()

	msg := events.Message{Topic: events.TopicPaymentCompleted, Partition: 1, Offset: 7}
	for want := 1; want <= 2; want++ {
		got, err := tracker.Record(context.Background(), msg)
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if got != want {
			t.Fatalf("expected attempt %d, got %d", want, got)
		}
	}
	if ttl := mr.TTL("saga:test:payment.completed:1:7"); ttl != time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
}

func TestBuildTracker_PingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, _, err := buildTracker(context.Background(), discardLogger(), config.RedisConfig{
		URL:                "redis://" + addr + "/0",
		HealthcheckTimeout: 200 * time.Millisecond,
		DeliveryTTL:        time.Minute,
	})
	if err == nil {
		t.Fatalf("expected ping error")
	}
}

func TestBuildJournal(t *testing.T) {
	journal, cleanup, err := buildJournal(discardLogger(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cleanup()
	if len(journal.Pending()) != 0 {
		t.Fatalf("expected empty journal")
	}

	path := filepath.Join(t.TempDir(), "review.wal")
	journal, cleanup, err = buildJournal(discardLogger(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	item := review.Item{Kind: review.KindRollbackFailed, AggregateID: "pay-1", Error: "rollback failed"}
	if err := journal.Record(context.Background(), item); err != nil {
		t.Fatalf("record: %v", err)
	}
	cleanup()

	reopened, cleanup, err := buildJournal(discardLogger(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer cleanup()
	if pending := reopened.Pending(); len(pending) != 1 || pending[0].AggregateID != "pay-1" {
		t.Fatalf("expected replayed item, got %+v", pending)
	}
}
