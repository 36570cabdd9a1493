package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Reprocessor gives every FAILED record a clean second attempt.
//
// Each failed record is replaced, inside one transaction, by a fresh PENDING
// record carrying the same business attributes with a new identity and a
// reset attempts counter. The run either fully succeeds or leaves the failed
// set untouched for the next scheduled invocation.
type Reprocessor struct {
	store   Store
	logger  *zap.Logger
	metrics MetricsCollector
}

// NewReprocessor creates a reprocessor over the given store.
func NewReprocessor(store Store, logger *zap.Logger, metrics MetricsCollector) *Reprocessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	return &Reprocessor{store: store, logger: logger, metrics: metrics}
}

// ReprocessFailedEvents runs one reprocessing pass. It is intended to be
// scheduled periodically and must not run concurrently with itself.
func (r *Reprocessor) ReprocessFailedEvents(ctx context.Context) error {
	start := time.Now()
	defer func() {
		r.metrics.RecordDuration("reprocessor.duration", time.Since(start), nil)
	}()

	failed, err := r.store.FindFailedEvents(ctx)
	if err != nil {
		return fmt.Errorf("load failed events: %w", err)
	}
	if len(failed) == 0 {
		r.logger.Info("No failed events to reprocess")
		return nil
	}

	r.logger.Info("Found failed events", zap.Int("count", len(failed)))
	r.metrics.RecordGauge("reprocessor.batch_size", float64(len(failed)), nil)

	err = r.store.WithTransaction(ctx, func(tx Store) error {
		for _, ev := range failed {
			r.logger.Info("Reprocessing failed event",
				zap.String("record_id", ev.ID),
				zap.String("aggregate_id", ev.AggregateID),
				zap.String("event_type", ev.EventType),
				zap.Int("attempts", ev.Attempts),
			)

			// The delete is guarded by status so a record concurrently
			// advanced by another path aborts the whole run.
			if err := tx.Delete(ctx, ev.ID, StatusFailed); err != nil {
				return fmt.Errorf("delete failed record %s: %w", ev.ID, err)
			}

			fresh := NewRecord(ev.AggregateID, ev.AggregateType, ev.EventType, ev.Payload)
			if err := tx.Create(ctx, fresh); err != nil {
				return fmt.Errorf("recreate record %s: %w", ev.ID, err)
			}

			r.logger.Info("Failed event re-queued",
				zap.String("record_id", ev.ID),
				zap.String("requeued_id", fresh.ID),
			)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reprocess failed events: %w", err)
	}

	r.metrics.IncrementCounter("reprocessor.requeued", nil)
	r.logger.Info("Finished reprocessing failed events", zap.Int("count", len(failed)))
	return nil
}
