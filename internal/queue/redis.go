package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// payloadField is the single XADD field carrying the message envelope.
const payloadField = "payload"

// RedisQueue is the production Queue, backed by a Redis Stream with consumer
// groups. One RedisQueue is bound to one stream; Sibling derives a queue for
// a related stream (the DLQ) sharing the same client.
type RedisQueue struct {
	client *redis.Client
	stream string
	owner  bool // only the owning instance closes the shared client
}

// NewRedisQueue connects to the queue backend at the given URL and binds to
// stream. db and password override the URL's values when non-zero/non-empty.
func NewRedisQueue(url string, db int, password, stream string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("queue: parsing backend URL: %w", err)
	}
	if db != 0 {
		opts.DB = db
	}
	if password != "" {
		opts.Password = password
	}
	return &RedisQueue{client: redis.NewClient(opts), stream: stream, owner: true}, nil
}

// Sibling returns a queue bound to stream+suffix (e.g. ":dlq") sharing this
// queue's client. Closing a sibling is a no-op; close the owning queue.
func (q *RedisQueue) Sibling(suffix string) *RedisQueue {
	return &RedisQueue{client: q.client, stream: q.stream + suffix}
}

// Stream returns the bound stream name.
func (q *RedisQueue) Stream() string {
	return q.stream
}

// Append adds payload to the stream via XADD and returns the assigned id.
func (q *RedisQueue) Append(ctx context.Context, payload []byte) (string, error) {
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("queue: xadd %s: %w", q.stream, err)
	}
	return id, nil
}

// ReadAs reads up to count new entries for the group via XREADGROUP, blocking
// up to block. An empty read (timeout) returns a nil slice and no error.
func (q *RedisQueue) ReadAs(ctx context.Context, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: xreadgroup %s: %w", q.stream, err)
	}

	var out []Entry
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, Entry{StreamID: m.ID, Payload: entryPayload(m.Values)})
		}
	}
	return out, nil
}

// Ack marks streamID consumed for group via XACK.
func (q *RedisQueue) Ack(ctx context.Context, group, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, group, streamID).Err(); err != nil {
		return fmt.Errorf("queue: xack %s %s: %w", q.stream, streamID, err)
	}
	return nil
}

// Pending lists unacked entries for group via XPENDING.
func (q *RedisQueue) Pending(ctx context.Context, group string) ([]PendingEntry, error) {
	rows, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: xpending %s: %w", q.stream, err)
	}

	out := make([]PendingEntry, len(rows))
	for i, r := range rows {
		out[i] = PendingEntry{
			StreamID:      r.ID,
			Consumer:      r.Consumer,
			Idle:          r.Idle,
			DeliveryCount: r.RetryCount,
		}
	}
	return out, nil
}

// Claim transfers ownership of ids idle for at least minIdle via XCLAIM.
func (q *RedisQueue) Claim(ctx context.Context, group, newConsumer string, minIdle time.Duration, ids []string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    group,
		Consumer: newConsumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: xclaim %s: %w", q.stream, err)
	}

	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Entry{StreamID: m.ID, Payload: entryPayload(m.Values)})
	}
	return out, nil
}

// TrimOlderThan discards entries older than age via XTRIM MINID, using the
// millisecond-timestamp prefix of Redis stream ids.
func (q *RedisQueue) TrimOlderThan(ctx context.Context, age time.Duration) error {
	minID := fmt.Sprintf("%d-0", time.Now().Add(-age).UnixMilli())
	if err := q.client.XTrimMinID(ctx, q.stream, minID).Err(); err != nil {
		return fmt.Errorf("queue: xtrim %s: %w", q.stream, err)
	}
	return nil
}

// EnsureGroup creates the consumer group (and the stream, if missing) via
// XGROUP CREATE MKSTREAM. An already-existing group is not an error.
func (q *RedisQueue) EnsureGroup(ctx context.Context, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("queue: xgroup create %s %s: %w", q.stream, group, err)
	}
	return nil
}

// Ping verifies the backend is reachable.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool when called on the owning queue.
func (q *RedisQueue) Close() error {
	if !q.owner {
		return nil
	}
	return q.client.Close()
}

func entryPayload(values map[string]interface{}) []byte {
	v, ok := values[payloadField]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		return []byte(t)
	case []byte:
		return t
	default:
		return nil
	}
}
