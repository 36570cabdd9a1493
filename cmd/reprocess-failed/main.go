// reprocess-failed runs one reprocessing pass: every FAILED record is
// atomically replaced by a fresh PENDING record for another dispatch attempt.
// The process exits on completion; scheduling is left to cron or an
// equivalent supervisor.
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

	carrier, err := outbox.NewCarrier(store, outbox.WithLogger(logger))
	if err != nil {
		logger.Fatal("Failed to create carrier", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := carrier.ReprocessFailedEvents(ctx); err != nil {
		logger.Fatal("Reprocessing run failed, all operations rolled back", zap.Error(err))
	}
}
