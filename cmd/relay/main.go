// The relay consumes the outbox table's logical replication stream and
// publishes each captured insert to the broker. With the corresponding
// intervals configured it also runs the reconcile and reprocess jobs
// in-process.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	outbox "github.com/overtonx/outbox-relay"
	"github.com/overtonx/outbox-relay/internal/config"
	"github.com/overtonx/outbox-relay/storage/pgstore"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}

	store := pgstore.New(db, logger,
		pgstore.WithTable(cfg.OutboxTable),
		pgstore.WithWriteRetryPolicy(cfg.WriteRetry),
	)

	publisher := outbox.NewJetStreamPublisher(cfg.NatsURL, logger,
		outbox.WithStream(cfg.StreamName),
		outbox.WithPublishRetryPolicy(cfg.PublishRetry),
	)
	defer publisher.Close()

	metrics := outbox.NewOpenTelemetryMetricsCollector()

	carrier, err := outbox.NewCarrier(store,
		outbox.WithLogger(logger),
		outbox.WithMetrics(metrics),
		outbox.WithPublisher(publisher),
		outbox.WithStreamQuerier(publisher),
	)
	if err != nil {
		logger.Fatal("Failed to create carrier", zap.Error(err))
	}

	processor := carrier.Processor()
	ingestor := outbox.NewIngestor(cfg.OutboxTable, logger)
	replicator := outbox.NewReplicator(
		cfg.DatabaseURL,
		cfg.SlotName,
		ingestor,
		processor.ProcessInsert,
		logger,
		metrics,
		outbox.WithDispatchConcurrency(cfg.DispatchConcurrency),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var workers []outbox.Worker
	if cfg.ReconcileInterval > 0 {
		workers = append(workers, outbox.NewBaseWorker("reconciler", cfg.ReconcileInterval, logger,
			func(ctx context.Context) error {
				return carrier.CheckPendingEvents(ctx, outbox.WithPendingWindow(cfg.PendingWindow))
			}))
	}
	if cfg.ReprocessInterval > 0 {
		workers = append(workers, outbox.NewBaseWorker("reprocessor", cfg.ReprocessInterval, logger,
			carrier.ReprocessFailedEvents))
	}
	if len(workers) > 0 {
		runner := outbox.NewRunner(logger, workers...)
		go runner.Start(ctx)
		defer runner.Stop()
	}

	if err := replicator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("Replication stream failed", zap.Error(err))
	}
	logger.Info("Relay stopped")
}
