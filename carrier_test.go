package outbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewCarrier(t *testing.T) {
	t.Run("requires a store", func(t *testing.T) {
		carrier, err := NewCarrier(nil)
		assert.Error(t, err)
		assert.Nil(t, carrier)
	})

	t.Run("defaults to a nop publisher", func(t *testing.T) {
		carrier, err := NewCarrier(new(MockStore))
		require.NoError(t, err)
		assert.IsType(t, NopPublisher{}, carrier.publisher)
	})

	t.Run("applies options", func(t *testing.T) {
		publisher := new(MockPublisher)
		querier := new(MockStreamQuerier)
		logger := zap.NewNop()

		carrier, err := NewCarrier(new(MockStore),
			WithLogger(logger),
			WithPublisher(publisher),
			WithStreamQuerier(querier),
		)

		require.NoError(t, err)
		assert.Same(t, publisher, carrier.publisher)
		assert.Same(t, querier, carrier.querier)
		assert.Same(t, logger, carrier.logger)
	})
}

func TestCarrier_Processor(t *testing.T) {
	carrier, err := NewCarrier(new(MockStore), WithPublisher(new(MockPublisher)))
	require.NoError(t, err)

	assert.NotNil(t, carrier.Processor())
}

func TestCarrier_CheckPendingEventsRequiresQuerier(t *testing.T) {
	carrier, err := NewCarrier(new(MockStore))
	require.NoError(t, err)

	assert.Error(t, carrier.CheckPendingEvents(context.Background()))
}

func TestCarrier_ReprocessFailedEvents(t *testing.T) {
	mockStore := new(MockStore)
	mockStore.On("FindFailedEvents", mock.Anything).Return([]Record{}, nil).Once()

	carrier, err := NewCarrier(mockStore)
	require.NoError(t, err)

	assert.NoError(t, carrier.ReprocessFailedEvents(context.Background()))
	mockStore.AssertExpectations(t)
}
