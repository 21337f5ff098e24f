package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/allaspects/meshmock/internal/model"
)

// keyPrefix namespaces dedup entries in the shared Redis deployment.
const keyPrefix = "mock:dedup:"

// RedisIndex is the production dedup index, backed by a Redis key-value store
// with native TTL expiry.
type RedisIndex struct {
	client *redis.Client
}

// NewRedisIndex connects to the Redis backend at the given URL. db and
// password override the URL's values when non-zero/non-empty.
func NewRedisIndex(url string, db int, password string) (*RedisIndex, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("dedup: parsing backend URL: %w", err)
	}
	if db != 0 {
		opts.DB = db
	}
	if password != "" {
		opts.Password = password
	}
	return &RedisIndex{client: redis.NewClient(opts)}, nil
}

// Ping verifies the backend is reachable, for readiness checks.
func (r *RedisIndex) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Seen reports whether fp has an unexpired entry. Redis expires entries
// natively, so EXISTS is sufficient.
func (r *RedisIndex) Seen(ctx context.Context, fp string) (bool, error) {
	n, err := r.client.Exists(ctx, keyPrefix+fp).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: exists: %w", err)
	}
	return n > 0, nil
}

// Mark records fp as seen with the given TTL and metadata, stored as the JSON
// value documented in the backend contract.
func (r *RedisIndex) Mark(ctx context.Context, fp string, meta map[string]string, ttl time.Duration) error {
	entry := model.DedupEntry{
		ProcessedAt: time.Now().UTC(),
		Hash:        fp,
		Metadata:    meta,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dedup: marshalling entry: %w", err)
	}
	if err := r.client.SetEx(ctx, keyPrefix+fp, data, ttl).Err(); err != nil {
		return fmt.Errorf("dedup: setex: %w", err)
	}
	return nil
}

// Stats lists tracked entries and buckets them by age. Listing uses KEYS on
// the dedup namespace; the keyspace is bounded by the TTL window so this stays
// proportional to the active working set.
func (r *RedisIndex) Stats(ctx context.Context) (model.DedupStats, error) {
	stats := model.DedupStats{AgeBuckets: newAgeBuckets()}

	keys, err := r.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return stats, fmt.Errorf("dedup: keys: %w", err)
	}

	now := time.Now().UTC()
	for _, key := range keys {
		data, err := r.client.Get(ctx, key).Result()
		if err != nil {
			continue // expired between KEYS and GET
		}
		var entry model.DedupEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		stats.TotalTracked++
		stats.AgeBuckets[ageBucket(now.Sub(entry.ProcessedAt))]++
	}
	return stats, nil
}

// Sweep deletes entries with no TTL assigned, defensive against keys written
// without expiry by an interrupted or buggy producer. Redis handles normal
// TTL expiry itself.
func (r *RedisIndex) Sweep(ctx context.Context) error {
	keys, err := r.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return fmt.Errorf("dedup: keys: %w", err)
	}
	for _, key := range keys {
		ttl, err := r.client.TTL(ctx, key).Result()
		if err != nil {
			continue
		}
		if ttl == -1 {
			if err := r.client.Del(ctx, key).Err(); err != nil {
				return fmt.Errorf("dedup: del %s: %w", key, err)
			}
		}
	}
	return nil
}

// Close releases the Redis connection pool.
func (r *RedisIndex) Close() error {
	return r.client.Close()
}
