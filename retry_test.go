package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		NumOfAttempts: attempts,
		StartingDelay: time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		Jitter:        JitterNone,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	transient := errors.New("broker unavailable")
	calls := 0
	hookCalls := 0

	err := Retry(context.Background(), fastPolicy(5), func(err error, attempts int) bool {
		hookCalls++
		assert.Equal(t, transient, err)
		assert.Equal(t, hookCalls, attempts)
		return true
	}, func() error {
		calls++
		if calls <= 2 {
			return transient
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, hookCalls, "hook runs once per retry")
}

func TestRetry_ExhaustionReturnsLastErrorUnwrapped(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	hookCalls := 0

	err := Retry(context.Background(), fastPolicy(3), func(error, int) bool {
		hookCalls++
		return true
	}, func() error {
		calls++
		return boom
	})

	assert.Equal(t, boom, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, hookCalls, "no hook invocation after the final attempt")
}

func TestRetry_HookVetoStopsRetrying(t *testing.T) {
	boom := errors.New("boom")
	calls := 0

	err := Retry(context.Background(), fastPolicy(10), func(error, int) bool {
		return false
	}, func() error {
		calls++
		return boom
	})

	assert.Equal(t, boom, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_NilHook(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), nil, func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_SingleAttemptRunsOnce(t *testing.T) {
	boom := errors.New("boom")
	calls := 0

	err := Retry(context.Background(), fastPolicy(1), nil, func() error {
		calls++
		return boom
	})

	assert.Equal(t, boom, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancellationStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Retry(ctx, RetryPolicy{
		NumOfAttempts: 10,
		StartingDelay: 50 * time.Millisecond,
		MaxDelay:      time.Second,
		Jitter:        JitterNone,
	}, nil, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
