package outbox

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Store interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) FindUnprocessedByID(ctx context.Context, id string) (*Record, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*Record)
	return rec, args.Error(1)
}

func (m *MockStore) FindRecentPendingEvents(ctx context.Context, window time.Duration) ([]Record, error) {
	args := m.Called(ctx, window)
	recs, _ := args.Get(0).([]Record)
	return recs, args.Error(1)
}

func (m *MockStore) FindLastProcessedEvent(ctx context.Context) (*Record, error) {
	args := m.Called(ctx)
	rec, _ := args.Get(0).(*Record)
	return rec, args.Error(1)
}

func (m *MockStore) FindFailedEvents(ctx context.Context) ([]Record, error) {
	args := m.Called(ctx)
	recs, _ := args.Get(0).([]Record)
	return recs, args.Error(1)
}

func (m *MockStore) MarkAsProcessed(ctx context.Context, id string, sequenceNumber uint64, expectedAttempts int) error {
	args := m.Called(ctx, id, sequenceNumber, expectedAttempts)
	return args.Error(0)
}

func (m *MockStore) MarkAsFailed(ctx context.Context, id string, expectedAttempts int) error {
	args := m.Called(ctx, id, expectedAttempts)
	return args.Error(0)
}

func (m *MockStore) MarkManyAsFailed(ctx context.Context, ids []string) error {
	args := m.Called(ctx, ids)
	return args.Error(0)
}

func (m *MockStore) Create(ctx context.Context, rec Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockStore) Delete(ctx context.Context, id string, expectedStatus Status) error {
	args := m.Called(ctx, id, expectedStatus)
	return args.Error(0)
}

// WithTransaction runs fn against the mock itself after the registered
// expectation, so per-operation expectations apply inside the closure.
func (m *MockStore) WithTransaction(ctx context.Context, fn func(tx Store) error) error {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(m)
}
