package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"ordersaga/cmd/server/config"
	apihttp "ordersaga/internal/adapters/http"
	"ordersaga/internal/events"
	"ordersaga/internal/logging"
	"ordersaga/internal/observability"
	"ordersaga/internal/orders"
	"ordersaga/internal/payments"
	"ordersaga/internal/realtime"
	"ordersaga/internal/reliability"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if err := config.Load(os.Getenv("CONFIG_FILE")); err != nil {
		return err
	}
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}
	log := logging.New(obsCfg.LogLevel)
	slog.SetDefault(log)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	httpCfg, err := config.LoadHTTP()
	if err != nil {
		return err
	}
	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	pgCfg, err := config.LoadPostgres()
	if err != nil {
		return err
	}
	kafkaCfg, err := config.LoadKafka()
	if err != nil {
		return err
	}
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	sagaCfg, err := config.LoadSaga()
	if err != nil {
		return err
	}
	relCfg, err := reliability.LoadConfigFromEnv()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()

	st, err := buildStores(ctx, log, pgCfg)
	if err != nil {
		return fmt.Errorf("stores: %w", err)
	}
	defer st.close()

	eventBus, err := buildBus(log, kafkaCfg, relCfg, metrics)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	defer eventBus.close()

	tracker, closeTracker, err := buildTracker(ctx, log, redisCfg)
	if err != nil {
		return fmt.Errorf("delivery tracker: %w", err)
	}
	defer closeTracker()

	journal, closeJournal, err := buildJournal(log, sagaCfg.JournalPath)
	if err != nil {
		return fmt.Errorf("review journal: %w", err)
	}
	defer closeJournal()

	hub := realtime.NewHub(log, 64)
	retry := relCfg.RetryPolicy()

	cancellation := orders.NewCancellationCoordinator(log, st.orders, eventBus.publisher,
		orders.CancellationConfig{Retry: retry, ResumeAfter: sagaCfg.ResumeAfter},
		orders.WithNotifier(hub),
		orders.WithReview(journal),
		orders.WithMetrics(metrics),
		orders.WithSweepLimiter(relCfg.Limiter()),
	)
	paymentSaga := payments.NewCoordinator(log, st.payments, eventBus.publisher,
		payments.CoordinatorConfig{Retry: retry},
		payments.WithReview(journal),
		payments.WithMetrics(metrics),
	)

	router := events.NewRouter()
	orders.NewHandlers(log, st.orders, hub).Register(router)
	payments.NewHandlers(log, st.payments).Register(router)

	api := apihttp.NewHandler(log, cancellation, paymentSaga)
	httpSrv := &http.Server{
		Addr: httpCfg.Addr,
		Handler: api.Routes(map[string]http.Handler{
			"/ws":      hub,
			"/metrics": observability.Handler(metrics),
		}),
		ReadHeaderTimeout: httpCfg.ReadHeaderTimeout,
	}

	limiter := reliability.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst)
	limiter.OnWait(metrics.AddRateLimitWait)
	grpcSrv := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(log, limiter, metrics)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(log, limiter, metrics)),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if env := os.Getenv("APP_ENV"); env != "production" {
		reflection.Register(grpcSrv)
		log.Info("gRPC reflection enabled", "app_env", env)
	}
	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}

	var obsSrv *http.Server
	if obsCfg.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler(metrics))
		obsSrv = &http.Server{Addr: obsCfg.Addr, Handler: mux, ReadHeaderTimeout: httpCfg.ReadHeaderTimeout}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		newSource := func() (events.Source, error) { return eventBus.source(router.Topics()) }
		return superviseConsumer(gctx, log, newSource, func(source events.Source) *events.Consumer {
			return events.NewConsumer(events.ConsumerConfig{
				Name:          "saga-consumer",
				MaxDeliveries: sagaCfg.MaxDeliveries,
				Workers:       sagaCfg.ConsumerWorkers,
				Backoff:       retry,
			}, events.ConsumerDeps{
				Log:        log,
				Source:     source,
				Router:     router,
				Ledger:     st.ledger,
				Tracker:    tracker,
				DeadLetter: eventBus.deadLetter,
				Metrics:    metrics,
			})
		})
	})
	g.Go(func() error {
		runSweeper(gctx, log, cancellation, sagaCfg.SweepInterval, sagaCfg.SweepBatch)
		return nil
	})
	g.Go(func() error {
		log.Info("http server listening", "addr", httpCfg.Addr)
		return serveHTTP(httpSrv)
	})
	if obsSrv != nil {
		g.Go(func() error {
			log.Info("observability server listening", "addr", obsCfg.Addr)
			return serveHTTP(obsSrv)
		})
	}
	g.Go(func() error {
		log.Info("grpc server listening", "addr", grpcCfg.Addr)
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "in_flight", metrics.InFlight())
		metrics.MarkShutdown(metrics.InFlight())
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		grpcSrv.GracefulStop()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown", "err", err)
		}
		if obsSrv != nil {
			_ = obsSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveHTTP(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
