package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-stock-reservations/internal/cart"
	"github.com/ariefcatur/go-stock-reservations/internal/checkout"
	"github.com/ariefcatur/go-stock-reservations/internal/config"
	"github.com/ariefcatur/go-stock-reservations/internal/httpx"
	kafkax "github.com/ariefcatur/go-stock-reservations/internal/kafka"
	"github.com/ariefcatur/go-stock-reservations/internal/logging"
	"github.com/ariefcatur/go-stock-reservations/internal/notify"
	"github.com/ariefcatur/go-stock-reservations/internal/orders"
	"github.com/ariefcatur/go-stock-reservations/internal/postgres"
	"github.com/ariefcatur/go-stock-reservations/internal/redisx"
	"github.com/ariefcatur/go-stock-reservations/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logging.New(cfg.Environment, cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolOptions{})
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		log.Warn("redis unreachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	// The producer outlives the HTTP server so events from in-flight
	// requests still get flushed.
	prodCtx, stopProd := context.WithCancel(context.Background())
	defer stopProd()
	prod := kafkax.NewProducer(cfg.KafkaBrokers, cfg.OrderEventsTopic, 1024, log.Named("producer"))

	store := &postgres.Store{DB: db}
	notifier := &notify.Kafka{Producer: prod, Service: cfg.ServiceName}
	cache := &redisx.OrderCache{RDB: rdb}
	orderSvc := &orders.Service{Store: store, Notifier: notifier, Cache: cache, Log: log.Named("orders")}

	router := httpx.NewRouter(log.Named("http"))
	(&httpx.CartHandler{
		Cart: &cart.Service{Store: store, TTL: cfg.ReservationTTL, Log: log.Named("cart")},
		Log:  log,
	}).Register(router)
	(&httpx.OrdersHandler{
		Saga: &checkout.Saga{
			Store:       store,
			Notifier:    notifier,
			MaxAttempts: cfg.OrderMaxAttempts,
			Backoff:     cfg.OrderRetryBackoff,
			Log:         log.Named("checkout"),
		},
		Orders: orderSvc,
		Idem:   &redisx.Idempotency{RDB: rdb},
		Cache:  cache,
		Log:    log,
	}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return prod.Run(prodCtx) })
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)
		stopProd()
		return err
	})
	return g.Wait()
}
