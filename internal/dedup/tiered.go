package dedup

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/allaspects/meshmock/internal/model"
)

// tierEntry is a front-tier LRU row mirroring a backend mark.
type tierEntry struct {
	markedAt time.Time
	ttl      time.Duration
}

func (e tierEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.After(e.markedAt.Add(e.ttl))
}

// TieredIndex layers a bounded in-process LRU in front of a backing Index so
// hot repeats are answered without a network round-trip. The backend stays
// authoritative and shared across processes; the memory tier only holds
// positive answers it wrote itself after a successful backend mark. A live
// tier hit is answered without asking the backend, so a fingerprint the
// backend has already dropped still reads as seen until the tier entry's own
// TTL runs out.
type TieredIndex struct {
	memory  *lru.Cache[string, tierEntry]
	backend Index
}

// NewTieredIndex wraps backend with a memory tier of at most size entries.
func NewTieredIndex(backend Index, size int) (*TieredIndex, error) {
	if size <= 0 {
		size = 4096
	}
	memory, err := lru.New[string, tierEntry](size)
	if err != nil {
		return nil, err
	}
	return &TieredIndex{memory: memory, backend: backend}, nil
}

// Seen consults the memory tier first; a live hit there short-circuits the
// backend call. Misses and expired tier entries fall through to the backend.
func (t *TieredIndex) Seen(ctx context.Context, fp string) (bool, error) {
	if e, ok := t.memory.Get(fp); ok {
		if !e.expired(time.Now()) {
			return true, nil
		}
		t.memory.Remove(fp)
	}
	return t.backend.Seen(ctx, fp)
}

// Mark writes through to the backend and, on success, records the mark in the
// memory tier. A backend failure leaves the tier untouched so Seen stays
// consistent with the authoritative store.
func (t *TieredIndex) Mark(ctx context.Context, fp string, meta map[string]string, ttl time.Duration) error {
	if err := t.backend.Mark(ctx, fp, meta, ttl); err != nil {
		return err
	}
	t.memory.Add(fp, tierEntry{markedAt: time.Now(), ttl: ttl})
	return nil
}

// Stats reports the backend's authoritative view.
func (t *TieredIndex) Stats(ctx context.Context) (model.DedupStats, error) {
	return t.backend.Stats(ctx)
}

// Sweep evicts expired tier entries, then sweeps the backend.
func (t *TieredIndex) Sweep(ctx context.Context) error {
	now := time.Now()
	for _, key := range t.memory.Keys() {
		if e, ok := t.memory.Peek(key); ok && e.expired(now) {
			t.memory.Remove(key)
		}
	}
	return t.backend.Sweep(ctx)
}

// Close closes the backend.
func (t *TieredIndex) Close() error {
	t.memory.Purge()
	return t.backend.Close()
}
