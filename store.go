package outbox

import (
	"context"
	"time"
)

// DefaultPendingWindow bounds how far back the reconciler looks for
// unconfirmed records.
const DefaultPendingWindow = 10 * time.Minute

// Store is the sole writer of record state.
//
// Every mutating operation is a conditional update keyed on (id, attempts):
// if the stored attempts value no longer matches what the caller read, another
// writer already resolved the record and the update affects zero rows, which
// is not an error.
type Store interface {
	// FindUnprocessedByID returns the record if its status is PENDING or
	// FAILED, or nil when it is absent or already finalized.
	FindUnprocessedByID(ctx context.Context, id string) (*Record, error)

	// FindRecentPendingEvents returns all PENDING records created within the
	// given window, ordered by creation time ascending.
	FindRecentPendingEvents(ctx context.Context, window time.Duration) ([]Record, error)

	// FindLastProcessedEvent returns the PROCESSED record with the highest
	// sequence number, or nil when none exists.
	FindLastProcessedEvent(ctx context.Context) (*Record, error)

	// FindFailedEvents returns all FAILED records.
	FindFailedEvents(ctx context.Context) ([]Record, error)

	// MarkAsProcessed finalizes the record with the broker-assigned sequence
	// number, provided the stored attempts still equal expectedAttempts.
	MarkAsProcessed(ctx context.Context, id string, sequenceNumber uint64, expectedAttempts int) error

	// MarkAsFailed transitions the record to FAILED, provided the stored
	// attempts still equal expectedAttempts.
	MarkAsFailed(ctx context.Context, id string, expectedAttempts int) error

	// MarkManyAsFailed transitions a batch to FAILED unconditionally. Used
	// once the reconciler has proven the records cannot be valid.
	MarkManyAsFailed(ctx context.Context, ids []string) error

	// Create inserts a new record.
	Create(ctx context.Context, rec Record) error

	// Delete removes the record only while it still has the expected status.
	Delete(ctx context.Context, id string, expectedStatus Status) error

	// WithTransaction runs fn against a store view bound to a single
	// transaction, committing on normal return and rolling back on error.
	WithTransaction(ctx context.Context, fn func(tx Store) error) error
}
