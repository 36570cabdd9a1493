package outbox

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockPublisher is a mock implementation of the Publisher interface.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, rec Record, hook RetryHook) (uint64, error) {
	args := m.Called(ctx, rec, hook)
	seq, _ := args.Get(0).(uint64)
	return seq, args.Error(1)
}

func (m *MockPublisher) RetryPolicy() RetryPolicy {
	args := m.Called()
	return args.Get(0).(RetryPolicy)
}

// MockStreamQuerier is a mock implementation of the StreamQuerier interface.
type MockStreamQuerier struct {
	mock.Mock
}

func (m *MockStreamQuerier) MessageAt(ctx context.Context, seq uint64) (*StoredMessage, error) {
	args := m.Called(ctx, seq)
	msg, _ := args.Get(0).(*StoredMessage)
	return msg, args.Error(1)
}
