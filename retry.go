package outbox

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// JitterMode selects how retry delays are randomized.
type JitterMode string

const (
	// JitterFull randomizes each delay across its whole range.
	JitterFull JitterMode = "full"
	// JitterNone uses the plain exponential delay.
	JitterNone JitterMode = "none"
)

// RetryPolicy bounds the retries of a single operation: exponential delays
// starting at StartingDelay, doubling up to MaxDelay, for at most
// NumOfAttempts total tries.
type RetryPolicy struct {
	NumOfAttempts int
	StartingDelay time.Duration
	MaxDelay      time.Duration
	Jitter        JitterMode
}

// DefaultPublishRetryPolicy is the retry policy applied to broker publishes.
func DefaultPublishRetryPolicy() RetryPolicy {
	return RetryPolicy{
		NumOfAttempts: 10,
		StartingDelay: 1 * time.Second,
		MaxDelay:      10 * time.Second,
		Jitter:        JitterFull,
	}
}

// DefaultWriteRetryPolicy is the retry policy applied to database writes.
func DefaultWriteRetryPolicy() RetryPolicy {
	return RetryPolicy{
		NumOfAttempts: 10,
		StartingDelay: 300 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		Jitter:        JitterFull,
	}
}

// RetryHook is invoked before each retry with the error of the attempt that
// just failed and the number of attempts made so far. Returning false vetoes
// any further retries.
type RetryHook func(err error, attempts int) bool

// Retry runs op under the given policy. The hook, if non-nil, runs before
// each retry and may stop the loop early. On exhaustion or veto the last
// error is returned unwrapped.
func Retry(ctx context.Context, policy RetryPolicy, hook RetryHook, op func() error) error {
	if policy.NumOfAttempts <= 1 {
		return op()
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.StartingDelay
	eb.MaxInterval = policy.MaxDelay
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	switch policy.Jitter {
	case JitterNone:
		eb.RandomizationFactor = 0
	default:
		eb.RandomizationFactor = 1
	}
	eb.Reset()

	attempts := 0
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		attempts++
		if attempts >= policy.NumOfAttempts {
			return backoff.Permanent(err)
		}
		if hook != nil && !hook(err, attempts) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(policy.NumOfAttempts-1)), ctx)
	return backoff.Retry(wrapped, b)
}
