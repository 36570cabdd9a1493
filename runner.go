package outbox

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Runner manages the lifecycle of a collection of workers, starting them
// together and stopping them gracefully.
type Runner struct {
	logger *zap.Logger
	wg     sync.WaitGroup

	mu       sync.RWMutex
	workers  []Worker
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

// NewRunner creates a runner for the given workers.
func NewRunner(logger *zap.Logger, workers ...Worker) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		logger:   logger,
		workers:  workers,
		stopChan: make(chan struct{}),
	}
}

// Start runs all workers and blocks until the context is cancelled or Stop is
// called, then waits for every worker to finish shutting down.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		r.logger.Warn("Runner already started")
		return
	}
	r.started = true
	r.mu.Unlock()

	r.logger.Info("Starting workers", zap.Int("worker_count", len(r.workers)))

	for _, w := range r.workers {
		r.wg.Add(1)
		go func(worker Worker) {
			defer r.wg.Done()
			r.logger.Info("Starting worker", zap.String("worker_name", worker.Name()))
			worker.Start(ctx)
			r.logger.Info("Worker stopped", zap.String("worker_name", worker.Name()))
		}(w)
	}

	select {
	case <-ctx.Done():
		r.logger.Info("Context cancelled, stopping workers")
		r.Stop()
	case <-r.stopChan:
		r.logger.Info("Stop signal received, stopping workers")
	}

	r.wg.Wait()
	r.logger.Info("All workers stopped")

	r.mu.Lock()
	r.started = false
	r.mu.Unlock()
}

// Stop gracefully shuts down all workers. Safe to call multiple times.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if !r.started {
			return
		}
		close(r.stopChan)
		for _, worker := range r.workers {
			worker.Stop()
		}
	})
}

// IsStarted reports whether the runner is currently running.
func (r *Runner) IsStarted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.started
}
