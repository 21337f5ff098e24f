package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/allaspects/meshmock/internal/model"
)

// memoryEntry is a single in-process dedup row.
type memoryEntry struct {
	firstSeenAt time.Time
	ttl         time.Duration // zero means "no TTL assigned" (defensive: swept)
	meta        map[string]string
}

func (e memoryEntry) expired(now time.Time) bool {
	if e.ttl <= 0 {
		return false
	}
	return now.After(e.firstSeenAt.Add(e.ttl))
}

// MemoryIndex is a development-only in-process implementation of Index with
// the same semantics as the Redis-backed one, serving as the documented
// fallback for a missing dedup backend.
type MemoryIndex struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryIndex creates an empty in-process dedup index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]memoryEntry)}
}

// Seen reports whether fp has an unexpired entry, evicting it first if
// expired.
func (m *MemoryIndex) Seen(_ context.Context, fp string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[fp]
	if !ok {
		return false, nil
	}
	if e.expired(time.Now()) {
		delete(m.entries, fp)
		return false, nil
	}
	return true, nil
}

// Mark records fp as seen with the given TTL and metadata.
func (m *MemoryIndex) Mark(_ context.Context, fp string, meta map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[fp] = memoryEntry{firstSeenAt: time.Now(), ttl: ttl, meta: meta}
	return nil
}

// Stats returns the age-bucketed dedup summary.
func (m *MemoryIndex) Stats(_ context.Context) (model.DedupStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	stats := model.DedupStats{AgeBuckets: newAgeBuckets()}
	for _, e := range m.entries {
		if e.expired(now) {
			stats.ExpiredTTLCount++
			continue
		}
		stats.TotalTracked++
		stats.AgeBuckets[ageBucket(now.Sub(e.firstSeenAt))]++
	}
	return stats, nil
}

// Sweep evicts every expired entry and any entry with no TTL assigned
// (defensive against corruption).
func (m *MemoryIndex) Sweep(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for fp, e := range m.entries {
		if e.ttl <= 0 || e.expired(now) {
			delete(m.entries, fp)
		}
	}
	return nil
}

// Close is a no-op for the in-process index.
func (m *MemoryIndex) Close() error { return nil }
