package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Reconciler repairs divergence between the local PENDING queue and the
// broker's authoritative stream.
//
// The outbox table's creation order is assumed to match the stream's delivery
// order, which holds as long as all publishes go through a single stream. The
// scan is a linear merge over the two ordered sequences: each pending record
// is expected at the next stream position after the last confirmed one, and
// the first missing position invalidates every later record in the worklist.
type Reconciler struct {
	store   Store
	querier StreamQuerier
	logger  *zap.Logger
	metrics MetricsCollector
	window  time.Duration
}

// NewReconciler creates a reconciler over the given store and stream querier.
func NewReconciler(store Store, querier StreamQuerier, logger *zap.Logger, metrics MetricsCollector, opts ...ReconcilerOption) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	r := &Reconciler{
		store:   store,
		querier: querier,
		logger:  logger,
		metrics: metrics,
		window:  DefaultPendingWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CheckPendingEvents runs one reconciliation pass. It is intended to be
// scheduled periodically and must not run concurrently with itself.
func (r *Reconciler) CheckPendingEvents(ctx context.Context) error {
	start := time.Now()
	defer func() {
		r.metrics.RecordDuration("reconciler.duration", time.Since(start), nil)
	}()

	pending, err := r.store.FindRecentPendingEvents(ctx, r.window)
	if err != nil {
		return fmt.Errorf("load recent pending events: %w", err)
	}
	if len(pending) == 0 {
		r.logger.Info("No pending events found")
		return nil
	}

	r.logger.Info("Found pending events", zap.Int("count", len(pending)))
	r.metrics.RecordGauge("reconciler.batch_size", float64(len(pending)), nil)

	last, err := r.store.FindLastProcessedEvent(ctx)
	if err != nil {
		return fmt.Errorf("load last processed event: %w", err)
	}

	var lastSeq uint64
	if last == nil {
		r.logger.Info("No processed events yet, scanning from the start of the stream")
	} else {
		lastSeq = last.SequenceNumber
		r.logger.Info("Found last processed event",
			zap.String("record_id", last.ID),
			zap.Uint64("sequence_number", lastSeq),
		)
	}

	var toFail []string
	for i, ev := range pending {
		lookup := lastSeq + 1

		msg, err := r.querier.MessageAt(ctx, lookup)
		if errors.Is(err, ErrMessageNotFound) {
			// A missing position invalidates the ordering assumption for
			// everything after it; gaps are not probed past this point.
			r.logger.Info("Stream gap detected, failing the remaining worklist",
				zap.String("record_id", ev.ID),
				zap.Uint64("sequence_number", lookup),
				zap.Int("remaining", len(pending)-i),
			)
			for _, rest := range pending[i:] {
				toFail = append(toFail, rest.ID)
			}
			break
		}
		if err != nil {
			// Transient lookup failure: the record stays PENDING for the
			// next run and the expected position does not advance.
			r.logger.Error("Failed to look up stream message",
				zap.String("record_id", ev.ID),
				zap.Uint64("sequence_number", lookup),
				zap.Error(err),
			)
			r.metrics.IncrementCounter("reconciler.lookup_failed", nil)
			continue
		}

		if err := r.store.MarkAsProcessed(ctx, ev.ID, msg.Sequence, ev.Attempts); err != nil {
			r.logger.Error("Failed to mark event as processed",
				zap.String("record_id", ev.ID),
				zap.Uint64("sequence_number", msg.Sequence),
				zap.Error(err),
			)
			continue
		}

		r.logger.Info("Event confirmed on stream",
			zap.String("record_id", ev.ID),
			zap.Uint64("sequence_number", msg.Sequence),
		)
		r.metrics.IncrementCounter("reconciler.confirmed", map[string]string{"event_type": ev.EventType})
		lastSeq = lookup
	}

	if len(toFail) > 0 {
		r.logger.Info("Marking events as failed", zap.Int("count", len(toFail)))

		err := r.store.WithTransaction(ctx, func(tx Store) error {
			return tx.MarkManyAsFailed(ctx, toFail)
		})
		if err != nil {
			return fmt.Errorf("mark gapped events as failed: %w", err)
		}

		r.logger.Info("All gapped events marked as failed", zap.Int("count", len(toFail)))
		r.metrics.RecordGauge("reconciler.failed_batch_size", float64(len(toFail)), nil)
	}

	r.logger.Info("All pending events checked")
	return nil
}
