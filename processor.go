package outbox

import (
	"context"

	"go.uber.org/zap"
)

// Processor converges a single captured insert to PROCESSED or FAILED.
//
// It is invoked once per change-capture insert and may run concurrently for
// distinct records; correctness under overlapping invocations relies on the
// store's conditional updates, not on ordering. A failure is scoped to the
// record that caused it and never propagates into the ingestion stream.
type Processor struct {
	store     Store
	publisher Publisher
	logger    *zap.Logger
	metrics   MetricsCollector
}

// NewProcessor creates a processor over the given store and publisher.
func NewProcessor(store Store, publisher Publisher, logger *zap.Logger, metrics MetricsCollector) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	return &Processor{
		store:     store,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
	}
}

// ProcessInsert handles one captured insert event.
//
// The record's current state is re-read first: duplicate delivery of the same
// change event, or a concurrent path that already finalized the record, turns
// the call into a no-op. A record that has exhausted the publisher's attempt
// budget is moved to FAILED without touching the broker and left to the
// reprocessor.
func (p *Processor) ProcessInsert(ctx context.Context, rec Record) {
	fields := []zap.Field{
		zap.String("record_id", rec.ID),
		zap.String("aggregate_id", rec.AggregateID),
		zap.String("event_type", rec.EventType),
	}

	current, err := p.store.FindUnprocessedByID(ctx, rec.ID)
	if err != nil {
		p.logger.Error("Failed to load outbox record", append(fields, zap.Error(err))...)
		p.recover(ctx, rec.ID, rec.Attempts, fields)
		return
	}

	if current == nil || current.Status == StatusProcessed {
		p.logger.Info("Outbox record already resolved", fields...)
		p.metrics.IncrementCounter("processor.already_resolved", map[string]string{"event_type": rec.EventType})
		return
	}

	if current.Attempts >= p.publisher.RetryPolicy().NumOfAttempts {
		p.logger.Warn("Outbox record reached max attempts",
			append(fields, zap.Int("attempts", current.Attempts))...)
		p.metrics.IncrementCounter("processor.abandoned", map[string]string{"event_type": rec.EventType})
		p.recover(ctx, current.ID, current.Attempts, fields)
		return
	}

	hook := func(err error, attempts int) bool {
		p.logger.Error("Error publishing message",
			append(fields, zap.Int("attempts", attempts), zap.Error(err))...)
		return true
	}

	seq, err := p.publisher.Publish(ctx, *current, hook)
	if err != nil {
		p.metrics.IncrementCounter("processor.publish_failed", map[string]string{"event_type": rec.EventType})
		p.recover(ctx, current.ID, current.Attempts, fields)
		return
	}

	if err := p.store.MarkAsProcessed(ctx, current.ID, seq, current.Attempts); err != nil {
		p.logger.Error("Failed to mark outbox record as processed",
			append(fields, zap.Uint64("sequence_number", seq), zap.Error(err))...)
		p.metrics.IncrementCounter("processor.mark_processed_failed", map[string]string{"event_type": rec.EventType})
		p.recover(ctx, current.ID, current.Attempts, fields)
		return
	}

	p.metrics.IncrementCounter("processor.processed", map[string]string{"event_type": rec.EventType})
	p.logger.Info("Outbox record processed", append(fields, zap.Uint64("sequence_number", seq))...)
}

// recover transitions the record to FAILED with the attempts snapshot that was
// read before the failing step. A failure of the recovery itself is only
// logged: the ingestion stream must keep moving.
func (p *Processor) recover(ctx context.Context, id string, attempts int, fields []zap.Field) {
	if err := p.store.MarkAsFailed(ctx, id, attempts); err != nil {
		p.logger.Error("Failed to mark outbox record as failed",
			append(fields, zap.Int("attempts", attempts), zap.Error(err))...)
		p.metrics.IncrementCounter("processor.mark_failed_failed", nil)
	}
}
