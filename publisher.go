package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ErrMessageNotFound is returned by a StreamQuerier when the stream holds no
// message at the requested sequence. It is an expected outcome, not a failure:
// the reconciler uses it to detect gaps.
var ErrMessageNotFound = errors.New("no message at requested sequence")

// Publisher delivers a record's payload to the message bus and returns the
// broker-assigned sequence number for the publish.
type Publisher interface {
	// Publish sends the record's payload under its event type, deduplicated
	// by aggregate ID, retrying transient failures per the publisher's retry
	// policy. The hook, if non-nil, runs before each retry and may veto
	// further retries. On exhaustion the last error is returned unwrapped.
	Publish(ctx context.Context, rec Record, hook RetryHook) (uint64, error)

	// RetryPolicy exposes the policy bounding Publish attempts.
	RetryPolicy() RetryPolicy
}

// StoredMessage is a message read back from the broker stream.
type StoredMessage struct {
	Subject  string
	Sequence uint64
	Data     []byte
}

// StreamQuerier looks up the stream's contents by sequence position.
type StreamQuerier interface {
	// MessageAt returns the message at the exact sequence position, or
	// ErrMessageNotFound when that position holds no message.
	MessageAt(ctx context.Context, seq uint64) (*StoredMessage, error)
}

// NopPublisher accepts every publish and reports sequence 0. Useful for testing.
type NopPublisher struct{}

// Publish implements the Publisher interface.
func (NopPublisher) Publish(context.Context, Record, RetryHook) (uint64, error) { return 0, nil }

// RetryPolicy implements the Publisher interface.
func (NopPublisher) RetryPolicy() RetryPolicy { return DefaultPublishRetryPolicy() }

// jetStream is the slice of nats.JetStreamContext the publisher uses.
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	GetMsg(stream string, seq uint64, opts ...nats.JSOpt) (*nats.RawStreamMsg, error)
}

// JetStreamPublisher publishes outbox records to a NATS JetStream stream.
//
// The record's event type is the subject and its aggregate ID the message
// deduplication key, so redundant attempts of the same logical event collapse
// on the broker side. The connection is established lazily on first use and
// shared by all subsequent publishes and lookups; a connect failure is a
// retry-eligible error, not fatal.
type JetStreamPublisher struct {
	logger *zap.Logger
	url    string
	stream string
	policy RetryPolicy

	mu sync.Mutex
	nc *nats.Conn
	js jetStream
}

// NewJetStreamPublisher creates a publisher for the given NATS server URL.
func NewJetStreamPublisher(url string, logger *zap.Logger, opts ...JetStreamPublisherOption) *JetStreamPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &JetStreamPublisher{
		logger: logger,
		url:    url,
		stream: defaultStreamName,
		policy: DefaultPublishRetryPolicy(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RetryPolicy implements the Publisher interface.
func (p *JetStreamPublisher) RetryPolicy() RetryPolicy { return p.policy }

// Publish implements the Publisher interface.
func (p *JetStreamPublisher) Publish(ctx context.Context, rec Record, hook RetryHook) (uint64, error) {
	p.logger.Info("Publishing message to stream",
		zap.String("event_type", rec.EventType),
		zap.String("aggregate_id", rec.AggregateID),
		zap.String("aggregate_type", rec.AggregateType),
	)

	var seq uint64
	err := Retry(ctx, p.policy, hook, func() error {
		js, err := p.context()
		if err != nil {
			return err
		}
		ack, err := js.Publish(rec.EventType, rec.Payload, nats.MsgId(rec.AggregateID), nats.Context(ctx))
		if err != nil {
			return err
		}
		seq = ack.Sequence
		return nil
	})
	if err != nil {
		p.logger.Error("Failed to publish message to stream",
			zap.String("event_type", rec.EventType),
			zap.String("aggregate_id", rec.AggregateID),
			zap.Error(err),
		)
		return 0, err
	}

	p.logger.Info("Published message to stream",
		zap.String("event_type", rec.EventType),
		zap.String("aggregate_id", rec.AggregateID),
		zap.Uint64("sequence_number", seq),
	)
	return seq, nil
}

// MessageAt implements the StreamQuerier interface.
func (p *JetStreamPublisher) MessageAt(ctx context.Context, seq uint64) (*StoredMessage, error) {
	js, err := p.context()
	if err != nil {
		return nil, err
	}

	msg, err := js.GetMsg(p.stream, seq, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrMsgNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("get message at sequence %d: %w", seq, err)
	}

	return &StoredMessage{
		Subject:  msg.Subject,
		Sequence: msg.Sequence,
		Data:     msg.Data,
	}, nil
}

// Close releases the broker connection, if one was ever established.
func (p *JetStreamPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nc != nil {
		p.nc.Close()
		p.nc = nil
		p.js = nil
	}
	return nil
}

// context returns the shared JetStream handle, connecting on first use.
func (p *JetStreamPublisher) context() (jetStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.js != nil {
		return p.js, nil
	}

	nc, err := nats.Connect(p.url, nats.Name("outbox-relay"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("acquire jetstream context: %w", err)
	}

	p.nc = nc
	p.js = js
	return js, nil
}
