package outbox

import (
	"time"

	"go.uber.org/zap"
)

const (
	defaultStreamName          = "outbox-events"
	defaultDispatchConcurrency = 16
	defaultStatusInterval      = 10 * time.Second
)

//
// Carrier Options
//

type CarrierOption func(*Carrier)

func WithLogger(logger *zap.Logger) CarrierOption {
	return func(c *Carrier) {
		c.logger = logger
	}
}

func WithMetrics(metrics MetricsCollector) CarrierOption {
	return func(c *Carrier) {
		c.metrics = metrics
	}
}

func WithPublisher(publisher Publisher) CarrierOption {
	return func(c *Carrier) {
		c.publisher = publisher
	}
}

func WithStreamQuerier(querier StreamQuerier) CarrierOption {
	return func(c *Carrier) {
		c.querier = querier
	}
}

//
// JetStreamPublisher Options
//

type JetStreamPublisherOption func(*JetStreamPublisher)

func WithStream(stream string) JetStreamPublisherOption {
	return func(p *JetStreamPublisher) {
		p.stream = stream
	}
}

func WithPublishRetryPolicy(policy RetryPolicy) JetStreamPublisherOption {
	return func(p *JetStreamPublisher) {
		p.policy = policy
	}
}

//
// Reconciler Options
//

type ReconcilerOption func(*Reconciler)

func WithPendingWindow(window time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.window = window
	}
}

//
// Replicator Options
//

type ReplicatorOption func(*Replicator)

// WithDispatchConcurrency bounds the number of records dispatched in parallel
// from one replication frame.
func WithDispatchConcurrency(n int) ReplicatorOption {
	return func(r *Replicator) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithStandbyStatusInterval sets how often replication progress is reported
// back to the server.
func WithStandbyStatusInterval(interval time.Duration) ReplicatorOption {
	return func(r *Replicator) {
		if interval > 0 {
			r.statusInterval = interval
		}
	}
}
