// Package queue provides the durable stub queue: an append-only ordered log
// with consumer-group semantics. The production implementation is
// Redis Streams; an in-memory implementation with the same semantics backs
// local development and tests.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/allaspects/meshmock/internal/model"
)

// Entry is one delivered stream entry.
type Entry struct {
	StreamID string
	Payload  []byte
}

// PendingEntry describes an entry delivered to a consumer but not yet acked.
type PendingEntry struct {
	StreamID      string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// Queue is the stream contract. Appends survive process restart in the
// production implementation; delivery is at-least-once and duplicate delivery
// after failover must be handled by the consumer.
type Queue interface {
	// Append adds payload to the stream and returns its stream id. Stream ids
	// are totally ordered.
	Append(ctx context.Context, payload []byte) (string, error)

	// ReadAs delivers up to count entries never yet delivered to group,
	// blocking up to block when there are none. Delivered but unacked entries
	// are not delivered again; they stay pending, owned by the consumer until
	// Ack or Claim.
	ReadAs(ctx context.Context, group, consumer string, count int, block time.Duration) ([]Entry, error)

	// Ack releases ownership of streamID and marks it consumed for group.
	Ack(ctx context.Context, group, streamID string) error

	// Pending lists entries delivered to group but not yet acked.
	Pending(ctx context.Context, group string) ([]PendingEntry, error)

	// Claim transfers ownership of ids idle for at least minIdle to
	// newConsumer and returns the claimed entries.
	Claim(ctx context.Context, group, newConsumer string, minIdle time.Duration, ids []string) ([]Entry, error)

	// TrimOlderThan discards entries older than age.
	TrimOlderThan(ctx context.Context, age time.Duration) error

	// EnsureGroup creates the consumer group if it does not exist, creating
	// the stream as needed.
	EnsureGroup(ctx context.Context, group string) error

	// Ping verifies the backend is reachable, for readiness checks.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// messageEnvelope is the wire form of a queued stub: the stub document plus
// retry bookkeeping carried across re-appends.
type messageEnvelope struct {
	Stub       model.Stub `json:"stub"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`
	RetryAt    time.Time  `json:"retry_at,omitempty"`
}

// EncodeMessage serializes a stub with its retry bookkeeping for Append.
func EncodeMessage(stub model.Stub, retryCount int, lastError string, retryAt time.Time) ([]byte, error) {
	return json.Marshal(messageEnvelope{
		Stub:       stub,
		RetryCount: retryCount,
		LastError:  lastError,
		RetryAt:    retryAt,
	})
}

// DecodeMessage parses an entry payload back into a QueueMessage.
func DecodeMessage(streamID string, payload []byte) (model.QueueMessage, error) {
	var env messageEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return model.QueueMessage{}, err
	}
	return model.QueueMessage{
		StreamID:   streamID,
		Stub:       env.Stub,
		RetryCount: env.RetryCount,
		LastError:  env.LastError,
		RetryAt:    env.RetryAt,
	}, nil
}

// EncodeDLQRecord serializes a dead-letter record for the sibling DLQ stream.
func EncodeDLQRecord(rec model.DLQRecord) ([]byte, error) {
	return json.Marshal(rec)
}
