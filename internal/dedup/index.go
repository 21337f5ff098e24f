// Package dedup answers "have we seen this fingerprint before?" with TTL
// expiry. The Index interface is backed by Redis in production and
// an in-process map in development; a bounded LRU tier sits in front of
// either to absorb hot repeats.
package dedup

import (
	"context"
	"time"

	"github.com/allaspects/meshmock/internal/model"
)

// Index is the dedup backend contract. Implementations must fail open:
// Seen returns false on a backend error (prefer a duplicate stub over a
// dropped signal) and Mark errors are the caller's to log and swallow.
type Index interface {
	// Seen reports whether fp has an unexpired entry.
	Seen(ctx context.Context, fp string) (bool, error)

	// Mark records fp as seen with the given TTL and metadata.
	Mark(ctx context.Context, fp string, meta map[string]string, ttl time.Duration) error

	// Stats returns the age-bucketed dedup summary.
	Stats(ctx context.Context) (model.DedupStats, error)

	// Sweep evicts expired or malformed entries. Implementations that rely
	// on backend-native TTL (e.g. Redis SETEX) may treat this as a no-op for
	// expiry and use it only for the "no TTL assigned" defensive cleanup.
	Sweep(ctx context.Context) error

	// Close releases any resources held by the index.
	Close() error
}

// ageBucket returns the DedupStats age_buckets key for a duration.
func ageBucket(age time.Duration) string {
	switch {
	case age < time.Minute:
		return "<1m"
	case age < 5*time.Minute:
		return "1-5m"
	case age < 30*time.Minute:
		return "5-30m"
	default:
		return "30m+"
	}
}

func newAgeBuckets() map[string]int64 {
	return map[string]int64{"<1m": 0, "1-5m": 0, "5-30m": 0, "30m+": 0}
}
