package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-stock-reservations/internal/config"
	kafkax "github.com/ariefcatur/go-stock-reservations/internal/kafka"
	"github.com/ariefcatur/go-stock-reservations/internal/logging"
	"github.com/ariefcatur/go-stock-reservations/internal/notify"
	"github.com/ariefcatur/go-stock-reservations/internal/orders"
	"github.com/ariefcatur/go-stock-reservations/internal/payments"
	"github.com/ariefcatur/go-stock-reservations/internal/postgres"
	"github.com/ariefcatur/go-stock-reservations/internal/reaper"
	"github.com/ariefcatur/go-stock-reservations/internal/redisx"
	"github.com/ariefcatur/go-stock-reservations/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	cfg := config.Load()
	service := cfg.ServiceName + "-worker"

	log, err := logging.New(cfg.Environment, service)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, service, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolOptions{})
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	prodCtx, stopProd := context.WithCancel(context.Background())
	defer stopProd()
	prod := kafkax.NewProducer(cfg.KafkaBrokers, cfg.OrderEventsTopic, 1024, log.Named("producer"))

	store := &postgres.Store{DB: db}
	orderSvc := &orders.Service{
		Store:    store,
		Notifier: &notify.Kafka{Producer: prod, Service: service},
		Cache:    &redisx.OrderCache{RDB: rdb},
		Log:      log.Named("orders"),
	}
	locker := &redisx.Locker{RDB: rdb}

	schedulers := []*reaper.Scheduler{
		{
			Sweeper:  &reaper.ReservationSweeper{Store: store, BatchSize: cfg.SweepBatchSize, Log: log.Named("reaper")},
			Interval: cfg.ReservationSweepInterval,
			Locker:   locker,
			Log:      log.Named("reaper"),
		},
		{
			Sweeper:  &reaper.StaleOrderSweeper{Orders: orderSvc, MaxAge: cfg.StaleOrderAge, BatchSize: cfg.SweepBatchSize, Log: log.Named("reaper")},
			Interval: cfg.StaleOrderSweepInterval,
			Locker:   locker,
			Log:      log.Named("reaper"),
		},
	}

	payHandler := &payments.Handler{
		Orders: orderSvc,
		Dedup:  &redisx.Deduper{RDB: rdb, Consumer: cfg.PaymentGroup},
		Log:    log.Named("payments"),
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.PaymentGroup, cfg.PaymentTopic, cfg.PaymentWorkers, log.Named("consumer"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return prod.Run(prodCtx) })
	for _, s := range schedulers {
		g.Go(func() error { return s.Run(gctx) })
	}
	g.Go(func() error {
		log.Info("payment consumer started",
			zap.String("group", cfg.PaymentGroup),
			zap.String("topic", cfg.PaymentTopic),
			zap.Int("workers", cfg.PaymentWorkers))
		err := cons.Start(gctx, payHandler.Handle)
		stopProd()
		return err
	})
	return g.Wait()
}
