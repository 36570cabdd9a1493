package outbox

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Carrier holds the shared dependencies for the relay services: the record
// store, the publisher, the stream querier, logging and metrics. It acts as a
// dependency injection container for the processor and the batch jobs.
type Carrier struct {
	store     Store
	publisher Publisher
	querier   StreamQuerier
	logger    *zap.Logger
	metrics   MetricsCollector
}

// NewCarrier creates a new Carrier around the given store.
func NewCarrier(store Store, opts ...CarrierOption) (*Carrier, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}

	c := &Carrier{
		store:   store,
		logger:  zap.NewNop(),
		metrics: NewNopMetricsCollector(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.publisher == nil {
		c.publisher = NopPublisher{}
	}

	return c, nil
}

// Processor builds the per-insert processor over the carrier's dependencies.
func (c *Carrier) Processor() *Processor {
	return NewProcessor(c.store, c.publisher, c.logger, c.metrics)
}

// CheckPendingEvents runs one reconciliation pass.
func (c *Carrier) CheckPendingEvents(ctx context.Context, opts ...ReconcilerOption) error {
	if c.querier == nil {
		return errors.New("stream querier is not configured")
	}
	return NewReconciler(c.store, c.querier, c.logger, c.metrics, opts...).CheckPendingEvents(ctx)
}

// ReprocessFailedEvents runs one reprocessing pass.
func (c *Carrier) ReprocessFailedEvents(ctx context.Context) error {
	return NewReprocessor(c.store, c.logger, c.metrics).ReprocessFailedEvents(ctx)
}
