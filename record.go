package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an outbox record.
type Status string

const (
	// StatusPending marks a record that has been staged but not yet confirmed on the broker.
	StatusPending Status = "PENDING"
	// StatusProcessed marks a record whose publish has been confirmed. Terminal.
	StatusProcessed Status = "PROCESSED"
	// StatusFailed marks a record that could not be published and awaits reprocessing.
	StatusFailed Status = "FAILED"
)

// Record is the durable representation of one domain event awaiting delivery.
//
// Attempts doubles as the optimistic-concurrency token: every state-mutating
// store operation is conditional on the attempts value the caller read, and
// increments it on success. SequenceNumber is assigned exactly once, by the
// broker, and is non-zero if and only if the record is PROCESSED.
type Record struct {
	ID             string
	AggregateID    string
	AggregateType  string
	EventType      string
	Payload        []byte
	Status         Status
	Attempts       int
	SequenceNumber uint64
	CreatedAt      time.Time
	ProcessedAt    *time.Time
}

// NewRecord creates a PENDING record for the given event, generating an ID
// and creation timestamp.
func NewRecord(aggregateID, aggregateType, eventType string, payload []byte) Record {
	return Record{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       payload,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
}
