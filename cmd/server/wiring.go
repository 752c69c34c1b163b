package main

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"ordersaga/cmd/server/config"
	ordersdb "ordersaga/internal/db/orders"
	"ordersaga/internal/events"
	"ordersaga/internal/observability"
	"ordersaga/internal/orders"
	"ordersaga/internal/payments"
	"ordersaga/internal/reliability"
	"ordersaga/internal/review"
)

var openDatabase = ordersdb.Open

// stores holds the aggregate stores and the processed-event ledger they
// share.
type stores struct {
	orders   orders.Store
	payments payments.Store
	ledger   events.Ledger
	close    func()
}

func buildStores(ctx context.Context, log *slog.Logger, cfg config.PostgresConfig) (stores, error) {
	if cfg.URL == "" {
		log.Info("DATABASE_URL unset, keeping aggregates in memory")
		ledger := events.NewMemoryLedger()
		return stores{
			orders:   orders.NewMemoryStore(ledger),
			payments: payments.NewMemoryStore(ledger),
			ledger:   ledger,
			close:    func() {},
		}, nil
	}

	db, err := openDatabase(ctx, cfg.URL)
	if err != nil {
		return stores{}, err
	}
	if cfg.MaxOpenConns != nil {
		db.SetMaxOpenConns(*cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime != nil {
		db.SetConnMaxLifetime(*cfg.ConnMaxLifetime)
	}
	orderStore, err := ordersdb.NewOrderStoreWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return stores{}, err
	}
	return stores{
		orders:   orderStore,
		payments: ordersdb.NewPaymentStore(db),
		ledger:   ordersdb.NewLedger(db),
		close:    closer(log, "close database", db),
	}, nil
}

// bus is the event plumbing: one publisher for saga events and dead letters,
// plus a factory for fresh consumer sources.
type bus struct {
	publisher  events.Publisher
	deadLetter events.RawPublisher
	source     func(topics []string) (events.Source, error)
	close      func()
}

func buildBus(log *slog.Logger, cfg config.KafkaConfig, rel reliability.Config, metrics *observability.Metrics) (bus, error) {
	if len(cfg.Brokers) == 0 {
		log.Info("KAFKA_BROKERS unset, using the in-process bus")
		mem := events.NewMemoryBus(3)
		return bus{
			publisher:  mem,
			deadLetter: mem,
			source: func(topics []string) (events.Source, error) {
				return mem.SubscribeGroup(cfg.GroupID, topics...), nil
			},
			close: func() {},
		}, nil
	}

	breaker := rel.Breaker("kafka-producer", func(name string, from, to reliability.BreakerState) {
		metrics.SetBreakerState(name, string(to))
		log.Warn("circuit breaker changed state", "breaker", name, "from", from, "to", to)
	})
	metrics.SetBreakerState("kafka-producer", string(breaker.State()))

	producerCfg := events.KafkaProducerConfig{Brokers: cfg.Brokers, ClientID: cfg.ClientID}
	if cfg.MaxAttempts != nil {
		producerCfg.MaxAttempts = *cfg.MaxAttempts
	}
	if cfg.BatchTimeout != nil {
		producerCfg.BatchTimeout = *cfg.BatchTimeout
	}
	if cfg.WriteTimeout != nil {
		producerCfg.WriteTimeout = *cfg.WriteTimeout
	}
	producer, err := events.NewKafkaProducer(log, producerCfg, breaker)
	if err != nil {
		return bus{}, err
	}

	sourceCfg := events.KafkaSourceConfig{Brokers: cfg.Brokers, GroupID: cfg.GroupID}
	if cfg.MaxWait != nil {
		sourceCfg.MaxWait = *cfg.MaxWait
	}
	return bus{
		publisher:  producer,
		deadLetter: producer,
		source: func(topics []string) (events.Source, error) {
			c := sourceCfg
			c.Topics = topics
			return events.NewKafkaSource(c)
		},
		close: closer(log, "close kafka producer", producer),
	}, nil
}

func buildTracker(ctx context.Context, log *slog.Logger, cfg config.RedisConfig) (events.DeliveryTracker, func(), error) {
	if cfg.URL == "" {
		return events.NewMemoryTracker(), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	return events.NewRedisTracker(client, cfg.KeyPrefix, cfg.DeliveryTTL), closer(log, "close redis", client), nil
}

// buildJournal opens the manual review WAL, or keeps the queue in memory when
// no path is configured.
func buildJournal(log *slog.Logger, path string) (*review.Journal, func(), error) {
	if path == "" {
		log.Warn("SAGA_JOURNAL_PATH unset, manual review items will not survive a restart")
		return review.NewJournal(), func() {}, nil
	}
	journal, wal, err := review.OpenJournal(path)
	if err != nil {
		return nil, nil, err
	}
	if pending := journal.Pending(); len(pending) > 0 {
		log.Warn("manual review items pending", "count", len(pending))
	}
	return journal, closer(log, "close review journal", wal), nil
}

type closable interface {
	Close() error
}

func closer(log *slog.Logger, what string, c closable) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Error(what, "err", err)
		}
	}
}
