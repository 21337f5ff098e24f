package processor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspects/meshmock/internal/dedup"
	"github.com/allaspects/meshmock/internal/metrics"
	"github.com/allaspects/meshmock/internal/model"
	"github.com/allaspects/meshmock/internal/queue"
	"github.com/allaspects/meshmock/internal/sanitize"
	"github.com/allaspects/meshmock/internal/testutil"
)

func testSanitizer() *sanitize.Sanitizer {
	return sanitize.New(
		[]string{"authorization", "cookie"},
		[]string{"password", "secret", "token"},
		3.5,
	)
}

func runProcessor(t *testing.T, cfg Config, index dedup.Index, events ...model.TrafficEvent) *queue.MemoryQueue {
	t.Helper()

	in := make(chan model.TrafficEvent, len(events))
	for _, ev := range events {
		in <- ev
	}
	close(in)

	out := queue.NewMemoryQueue()
	p := New(cfg, in, testSanitizer(), index, out, metrics.New(), zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not drain in time")
	}
	return out
}

func drainQueue(t *testing.T, q *queue.MemoryQueue) []model.QueueMessage {
	t.Helper()
	entries, err := q.ReadAs(context.Background(), "test", "c", 100, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadAs: %v", err)
	}
	msgs := make([]model.QueueMessage, 0, len(entries))
	for _, e := range entries {
		msg, err := queue.DecodeMessage(e.StreamID, e.Payload)
		if err != nil {
			t.Fatalf("DecodeMessage: %v", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestProcessor_PureDuplicate(t *testing.T) {
	index := dedup.NewMemoryIndex()
	cfg := Config{BatchSize: 1, BatchTimeout: 50 * time.Millisecond, DedupTTL: time.Minute}

	// The same POST /api/v1/users with body {"name":"a"} twice within TTL.
	out := runProcessor(t, cfg, index, testutil.SampleEvent(), testutil.SampleEvent())

	msgs := drainQueue(t, out)
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one stub enqueued, got %d", len(msgs))
	}
	if msgs[0].Stub.ID == "" {
		t.Error("stub id should be the fingerprint hex")
	}
}

func TestProcessor_DistinctEventsBothEnqueued(t *testing.T) {
	index := dedup.NewMemoryIndex()
	cfg := Config{BatchSize: 10, BatchTimeout: 50 * time.Millisecond, DedupTTL: time.Minute}

	a := testutil.SampleEvent()
	b := testutil.SampleEvent()
	b.Request.Path = "/api/v1/orders"

	out := runProcessor(t, cfg, index, a, b)
	msgs := drainQueue(t, out)
	if len(msgs) != 2 {
		t.Fatalf("expected two stubs, got %d", len(msgs))
	}
	if msgs[0].Stub.ID == msgs[1].Stub.ID {
		t.Error("distinct requests must not share a fingerprint")
	}
}

func TestProcessor_ZeroTTLDisablesDedup(t *testing.T) {
	index := dedup.NewMemoryIndex()
	cfg := Config{BatchSize: 1, BatchTimeout: 50 * time.Millisecond, DedupTTL: 0}

	out := runProcessor(t, cfg, index, testutil.SampleEvent(), testutil.SampleEvent())
	msgs := drainQueue(t, out)
	if len(msgs) != 2 {
		t.Fatalf("TTL 0 must treat every event as new: got %d stubs", len(msgs))
	}
}

func TestProcessor_SensitiveLeakPrevention(t *testing.T) {
	index := dedup.NewMemoryIndex()
	cfg := Config{BatchSize: 1, BatchTimeout: 50 * time.Millisecond, DedupTTL: time.Minute}

	out := runProcessor(t, cfg, index, testutil.SensitiveEvent())
	msgs := drainQueue(t, out)
	if len(msgs) != 1 {
		t.Fatalf("expected one stub, got %d", len(msgs))
	}

	raw, err := queue.EncodeMessage(msgs[0].Stub, 0, "", time.Time{})
	if err != nil {
		t.Fatalf("re-encoding stub: %v", err)
	}
	for _, leak := range []string{"eyJ", "a@b.co", `"password":"s"`} {
		if strings.Contains(string(raw), leak) {
			t.Errorf("emitted stub leaks %q", leak)
		}
	}
	if _, ok := msgs[0].Stub.Request.Headers["Authorization"]; ok {
		t.Error("Authorization must not appear in match headers")
	}
}

// failingIndex simulates a down dedup backend.
type failingIndex struct{}

func (failingIndex) Seen(context.Context, string) (bool, error) {
	return false, errors.New("backend down")
}
func (failingIndex) Mark(context.Context, string, map[string]string, time.Duration) error {
	return errors.New("backend down")
}
func (failingIndex) Stats(context.Context) (model.DedupStats, error) {
	return model.DedupStats{}, errors.New("backend down")
}
func (failingIndex) Sweep(context.Context) error { return errors.New("backend down") }
func (failingIndex) Close() error                { return nil }

func TestProcessor_DedupBackendFailOpen(t *testing.T) {
	cfg := Config{BatchSize: 1, BatchTimeout: 50 * time.Millisecond, DedupTTL: time.Minute}

	// Both events flow through despite the backend erroring: a duplicate is
	// preferred over a dropped signal.
	out := runProcessor(t, cfg, failingIndex{}, testutil.SampleEvent(), testutil.SampleEvent())
	msgs := drainQueue(t, out)
	if len(msgs) != 2 {
		t.Fatalf("fail-open should enqueue both, got %d", len(msgs))
	}
}

func TestProcessor_BuilderRejectDropped(t *testing.T) {
	index := dedup.NewMemoryIndex()
	cfg := Config{BatchSize: 1, BatchTimeout: 50 * time.Millisecond, DedupTTL: time.Minute}

	bad := testutil.SampleEvent()
	bad.Response.Status = 999

	out := runProcessor(t, cfg, index, bad, testutil.SampleEvent())
	msgs := drainQueue(t, out)
	if len(msgs) != 1 {
		t.Fatalf("builder-rejected event should be dropped, got %d stubs", len(msgs))
	}
}

func TestProcessor_BatchTimeoutFlush(t *testing.T) {
	index := dedup.NewMemoryIndex()
	in := make(chan model.TrafficEvent, 4)
	out := queue.NewMemoryQueue()
	p := New(Config{BatchSize: 100, BatchTimeout: 50 * time.Millisecond, DedupTTL: time.Minute},
		in, testSanitizer(), index, out, metrics.New(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	// A single event, far below batch_size: only the timeout can flush it.
	in <- testutil.SampleEvent()

	deadline := time.After(3 * time.Second)
	for {
		entries, _ := out.ReadAs(context.Background(), "t", "c", 10, 50*time.Millisecond)
		if len(entries) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("batch was not flushed by timeout")
		default:
		}
	}

	cancel()
	<-done
}

func TestProcessor_TruncatedBodyStillFingerprints(t *testing.T) {
	index := dedup.NewMemoryIndex()
	cfg := Config{BatchSize: 1, BatchTimeout: 50 * time.Millisecond, DedupTTL: time.Minute}

	truncated := testutil.SampleEvent()
	truncated.Request.Body = []byte(strings.Repeat("x", 100))
	truncated.RequestBodyTruncated = true

	out := runProcessor(t, cfg, index, truncated)
	msgs := drainQueue(t, out)
	if len(msgs) != 1 {
		t.Fatalf("truncated event should still produce a stub, got %d", len(msgs))
	}
}
