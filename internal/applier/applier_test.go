package applier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspects/meshmock/internal/backup"
	"github.com/allaspects/meshmock/internal/metrics"
	"github.com/allaspects/meshmock/internal/mockserver"
	"github.com/allaspects/meshmock/internal/model"
	"github.com/allaspects/meshmock/internal/queue"
	"github.com/allaspects/meshmock/internal/testutil"
)

type harness struct {
	main    *queue.MemoryQueue
	dlq     *queue.MemoryQueue
	backups *backup.Store
	applier *Applier
	calls   *int32
	cancel  context.CancelFunc
	done    chan struct{}
}

// newHarness wires an applier against an httptest mock server that serves the
// given per-test handler, with maxRetries as the applier's retry budget.
func newHarness(t *testing.T, handler http.HandlerFunc, maxRetries int) *harness {
	t.Helper()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client := mockserver.New(mockserver.Options{
		BaseURL:               srv.URL,
		Timeout:               2 * time.Second,
		Retry:                 mockserver.RetryConfig{MaxAttempts: 1},
		MaxConcurrentRequests: 4,
		Logger:                zerolog.Nop(),
	})

	backups, err := backup.NewStore(t.TempDir(), false, zerolog.Nop())
	if err != nil {
		t.Fatalf("backup.NewStore: %v", err)
	}
	t.Cleanup(func() { backups.Close() })

	main := queue.NewMemoryQueue()
	dlq := queue.NewMemoryQueue()

	app := New(Config{
		Group:         "wiremock_loader",
		ReadBatchSize: 10,
		BlockDuration: 50 * time.Millisecond,
		MaxRetries:    maxRetries,
		ReclaimIdle:   5 * time.Minute,
		RetentionAge:  24 * time.Hour,
		BackupEnabled: true,
	}, main, dlq, client, backups, metrics.New(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("applier did not stop")
		}
	})

	return &harness{
		main:    main,
		dlq:     dlq,
		backups: backups,
		applier: app,
		calls:   &calls,
		cancel:  cancel,
		done:    done,
	}
}

func enqueueStub(t *testing.T, q *queue.MemoryQueue, stub model.Stub, retryCount int) string {
	t.Helper()
	payload, err := queue.EncodeMessage(stub, retryCount, "", time.Time{})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	id, err := q.Append(context.Background(), payload)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return id
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func pendingCount(q *queue.MemoryQueue) int {
	pending, _ := q.Pending(context.Background(), "wiremock_loader")
	return len(pending)
}

func dlqRecords(t *testing.T, dlq *queue.MemoryQueue) []model.DLQRecord {
	t.Helper()
	entries, _ := dlq.ReadAs(context.Background(), "inspect", "i", 100, 50*time.Millisecond)
	out := make([]model.DLQRecord, 0, len(entries))
	for _, e := range entries {
		var rec model.DLQRecord
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			t.Fatalf("decoding DLQ record: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func TestApplier_SuccessAcksAndBacksUp(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}, 3)

	enqueueStub(t, h.main, testutil.SampleStub("ok1"), 0)

	waitFor(t, 3*time.Second, func() bool {
		return atomic.LoadInt32(h.calls) >= 1 && pendingCount(h.main) == 0
	}, "message was not applied and acked")

	rows, err := h.backups.List("ok1", 0)
	if err != nil {
		t.Fatalf("backup list: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected one backup file for the applied stub, got %d", len(rows))
	}
	if records := dlqRecords(t, h.dlq); len(records) != 0 {
		t.Errorf("no DLQ records expected, got %d", len(records))
	}
}

func TestApplier_PermanentFailureStraightToDLQ(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad mapping", http.StatusBadRequest)
	}, 3)

	enqueueStub(t, h.main, testutil.SampleStub("bad1"), 0)

	// One DLQ record, original acked, exactly one upstream call (no retries).
	waitFor(t, 3*time.Second, func() bool {
		return atomic.LoadInt32(h.calls) == 1 && pendingCount(h.main) == 0
	}, "message was not settled with a single call")

	records := dlqRecordsFresh(t, h.dlq)
	if len(records) != 1 {
		t.Fatalf("expected one DLQ record, got %d", len(records))
	}
	if records[0].FinalError == "" {
		t.Error("DLQ record must carry final_error")
	}
	if records[0].OriginalPayload.ID != "bad1" {
		t.Errorf("DLQ record should carry the original stub: %q", records[0].OriginalPayload.ID)
	}
}

// dlqRecordsFresh reads with a fresh group so previous inspection reads do
// not hide entries.
func dlqRecordsFresh(t *testing.T, dlq *queue.MemoryQueue) []model.DLQRecord {
	t.Helper()
	entries, _ := dlq.ReadAs(context.Background(), "inspect2", "i", 100, 50*time.Millisecond)
	out := make([]model.DLQRecord, 0, len(entries))
	for _, e := range entries {
		var rec model.DLQRecord
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			t.Fatalf("decoding DLQ record: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func TestApplier_TransientFailureReEnqueues(t *testing.T) {
	var failures int32 = 1
	h := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&failures, -1) >= 0 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}, 3)

	enqueueStub(t, h.main, testutil.SampleStub("flaky"), 0)

	// First attempt fails (1s backoff for retry_count 0), the re-enqueued
	// copy succeeds.
	waitFor(t, 10*time.Second, func() bool {
		return atomic.LoadInt32(h.calls) >= 2 && pendingCount(h.main) == 0
	}, "re-enqueued message was not applied")

	if records := dlqRecordsFresh(t, h.dlq); len(records) != 0 {
		t.Errorf("transient failure within budget must not dead-letter, got %d", len(records))
	}
}

func TestApplier_RetriesExhaustedDeadLetters(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}, 2)

	// Already at the retry ceiling: dead-letters without further backoff.
	enqueueStub(t, h.main, testutil.SampleStub("doomed"), 2)

	waitFor(t, 5*time.Second, func() bool {
		return len(dlqRecordsFresh(t, h.dlq)) >= 1
	}, "exhausted message was not dead-lettered")

	waitFor(t, 3*time.Second, func() bool { return pendingCount(h.main) == 0 },
		"original entry should be acked after dead-lettering")
}

func TestApplier_UnparseablePayloadDeadLetters(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}, 3)

	if _, err := h.main.Append(context.Background(), []byte("{corrupt")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return len(dlqRecordsFresh(t, h.dlq)) >= 1 && pendingCount(h.main) == 0
	}, "corrupt message was not dead-lettered and acked")

	if n := atomic.LoadInt32(h.calls); n != 0 {
		t.Errorf("corrupt payload must never reach the mock server, got %d calls", n)
	}
}

func TestApplier_ConsumerNameUnique(t *testing.T) {
	h1 := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}, 3)
	h2 := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}, 3)

	if h1.applier.Consumer() == h2.applier.Consumer() {
		t.Error("consumer names must be unique per instance")
	}
}

func TestApplier_RunningFlag(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}, 3)

	waitFor(t, 2*time.Second, h.applier.Running, "applier should report running")

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("applier did not stop")
	}
	if h.applier.Running() {
		t.Error("stopped applier should not report running")
	}
}
