package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/0m3kk/eventbank/bank/app"
	"github.com/0m3kk/eventbank/bank/config"
	"github.com/0m3kk/eventbank/bank/domain/account"
	"github.com/0m3kk/eventbank/bank/server"
	"github.com/0m3kk/eventbank/cqrs"
	"github.com/0m3kk/eventbank/eventsrc"
	"github.com/0m3kk/eventbank/infra/memory"
	"github.com/0m3kk/eventbank/infra/nats"
	"github.com/0m3kk/eventbank/infra/postgres"
	"github.com/0m3kk/eventbank/infra/redis"
	"github.com/0m3kk/eventbank/outbox"
)

func main() {
	if err := run(); err != nil {
		slog.Error("eventbank exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	slog.Info("Starting", "ledger", cfg.Ledger.Driver, "snapshots", cfg.Snapshot.Driver, "relay", cfg.NATS.URL != "")

	// Cancelled once everything depending on it has been shut down.
	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	// --- Infrastructure ---

	var (
		evtLog    eventsrc.EvtLog
		snapshots eventsrc.SnapshotStore
		outboxes  *postgres.OutboxStore
	)
	switch cfg.Ledger.Driver {
	case config.LedgerPostgres:
		db, err := postgres.NewDB(appCtx, cfg.Ledger.DSN)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		slog.Info("Database connection established")

		outboxes = postgres.NewOutboxStore(db)
		evtLog = postgres.NewLedger(db,
			postgres.WithOutbox(outboxes),
			postgres.WithPollInterval(cfg.Ledger.PollInterval),
			postgres.WithBatchSize(cfg.Ledger.BatchSize),
		)
		snapshots = postgres.NewSnapshotStore(db)
	default:
		evtLog = memory.NewLedger()
		snapshots = memory.NewSnapshotStore()
	}

	if cfg.Snapshot.Driver == config.SnapshotRedis {
		client, err := redis.NewClient(appCtx, cfg.Snapshot.RedisAddr, cfg.Snapshot.RedisPassword, cfg.Snapshot.RedisDB)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer client.Close()
		slog.Info("Redis connection established")

		snapshots = redis.NewSnapshotStore(client, "snapshots:"+string(account.AggregateType))
	}

	// --- Application ---

	factory, err := app.NewAccountFactory(appCtx, app.FactoryConfig{
		CacheCapacity:       cfg.AccountFactory.CacheCapacity,
		CacheBuffer:         cfg.AccountFactory.CacheBuffer,
		EntityCmdBuffer:     cfg.AccountFactory.EntityCmdBuffer,
		EntitySnapshotAfter: cfg.AccountFactory.EntitySnapshotAfter,
	}, evtLog, snapshots)
	if err != nil {
		return fmt.Errorf("failed to create account factory: %w", err)
	}

	ids, terminated := app.NewAccountIDs(appCtx, evtLog, cqrs.WithMaxElapsedTime(cfg.Projection.MaxElapsedTime))

	var relays []*outbox.Relay
	if cfg.NATS.URL != "" && outboxes != nil {
		broker, err := nats.NewBroker(cfg.NATS.URL)
		if err != nil {
			factory.Close()
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer broker.Close()
		slog.Info("NATS connection established")

		for range cfg.Outbox.Workers {
			relay := outbox.NewRelay(outboxes, broker, topicOf, cfg.Outbox.BatchSize, cfg.Outbox.Interval)
			relay.Start(appCtx)
			relays = append(relays, relay)
		}
		slog.Info("Outbox relays started", "workers", len(relays))
	}

	// --- Shutdown coordination ---

	signalCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	serverCtx, stopServer := context.WithCancel(appCtx)
	defer stopServer()
	go func() {
		select {
		case <-signalCtx.Done():
			slog.Warn("Shutting down, because a termination signal was received")
		case <-terminated:
			slog.Warn("Shutting down, because the account IDs projection terminated", "error", ids.Err())
		case <-serverCtx.Done():
			return
		}
		stopServer()
	}()

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, app.NewAccounts(ids, factory))
	slog.Info("Started")
	serverErr := srv.Run(serverCtx)

	for _, relay := range relays {
		relay.Stop()
	}
	factory.Close()
	cancelApp()
	<-terminated
	slog.Info("Stopped")

	return serverErr
}

func topicOf(aggregateType eventsrc.AggregateType) string {
	if aggregateType == account.AggregateType {
		return string(account.AggregateType)
	}
	return ""
}
