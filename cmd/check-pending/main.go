// check-pending runs one reconciliation pass: recent PENDING records are
// compared against the broker stream's contents and either confirmed as
// PROCESSED or, past the first gap, marked FAILED. The process exits on
// completion; scheduling is left to cron or an equivalent supervisor.
package main

import (
	"context"
	"database/sql"
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

	store := pgstore.New(db, logger,
		pgstore.WithTable(cfg.OutboxTable),
		pgstore.WithWriteRetryPolicy(cfg.WriteRetry),
	)

	publisher := outbox.NewJetStreamPublisher(cfg.NatsURL, logger,
		outbox.WithStream(cfg.StreamName),
	)
	defer publisher.Close()

	carrier, err := outbox.NewCarrier(store,
		outbox.WithLogger(logger),
		outbox.WithStreamQuerier(publisher),
	)
	if err != nil {
		logger.Fatal("Failed to create carrier", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := carrier.CheckPendingEvents(ctx, outbox.WithPendingWindow(cfg.PendingWindow)); err != nil {
		logger.Fatal("Reconciliation run failed", zap.Error(err))
	}
}
