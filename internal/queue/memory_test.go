package queue

import (
	"context"
	"testing"
	"time"

	"github.com/allaspects/meshmock/internal/testutil"
)

func TestMemoryQueue_AppendReadAck(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	id1, err := q.Append(ctx, []byte("one"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	id2, err := q.Append(ctx, []byte("two"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id2 <= id1 {
		t.Errorf("stream ids must be totally ordered: %s then %s", id1, id2)
	}

	entries, err := q.ReadAs(ctx, "g", "c1", 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadAs: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if string(entries[0].Payload) != "one" || string(entries[1].Payload) != "two" {
		t.Error("entries delivered out of order")
	}

	// Unacked entries are pending, not redelivered to the same group.
	again, _ := q.ReadAs(ctx, "g", "c1", 10, 10*time.Millisecond)
	if len(again) != 0 {
		t.Errorf("already-delivered entries must not be re-read: %d", len(again))
	}

	pending, err := q.Pending(ctx, "g")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}

	if err := q.Ack(ctx, "g", entries[0].StreamID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	pending, _ = q.Pending(ctx, "g")
	if len(pending) != 1 {
		t.Errorf("expected 1 pending after ack, got %d", len(pending))
	}
}

func TestMemoryQueue_BlockingRead(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	start := time.Now()
	entries, err := q.ReadAs(ctx, "g", "c1", 1, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadAs: %v", err)
	}
	if len(entries) != 0 {
		t.Fatal("empty queue should time out with no entries")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("read should have blocked for the full timeout")
	}

	// An append wakes a blocked reader.
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Append(context.Background(), []byte("late"))
	}()
	entries, err = q.ReadAs(ctx, "g", "c1", 1, time.Second)
	if err != nil {
		t.Fatalf("ReadAs: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Payload) != "late" {
		t.Fatalf("expected the late append, got %v", entries)
	}
}

func TestMemoryQueue_Claim(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	q.Append(ctx, []byte("work"))
	entries, _ := q.ReadAs(ctx, "g", "crashed", 1, 50*time.Millisecond)
	if len(entries) != 1 {
		t.Fatal("expected delivery")
	}
	id := entries[0].StreamID

	// Not idle long enough yet.
	claimed, err := q.Claim(ctx, "g", "survivor", time.Hour, []string{id})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatal("entry should not be claimable before min idle")
	}

	claimed, err = q.Claim(ctx, "g", "survivor", 0, []string{id})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatal("entry should be claimable at zero min idle")
	}
	if string(claimed[0].Payload) != "work" {
		t.Errorf("claimed payload: got %q", claimed[0].Payload)
	}

	pending, _ := q.Pending(ctx, "g")
	if len(pending) != 1 || pending[0].Consumer != "survivor" {
		t.Errorf("ownership should transfer to survivor: %+v", pending)
	}
	if pending[0].DeliveryCount != 2 {
		t.Errorf("delivery count should increment on claim: %d", pending[0].DeliveryCount)
	}
}

func TestMemoryQueue_TrimOlderThan(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	q.Append(ctx, []byte("old"))
	time.Sleep(20 * time.Millisecond)
	q.Append(ctx, []byte("new"))

	if err := q.TrimOlderThan(ctx, 10*time.Millisecond); err != nil {
		t.Fatalf("TrimOlderThan: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 retained entry, got %d", q.Len())
	}

	entries, _ := q.ReadAs(ctx, "g", "c", 10, 50*time.Millisecond)
	if len(entries) != 1 || string(entries[0].Payload) != "new" {
		t.Fatalf("expected only the new entry after trim, got %v", entries)
	}
}

func TestMemoryQueue_GroupsAreIndependent(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	q.Append(ctx, []byte("shared"))

	a, _ := q.ReadAs(ctx, "group-a", "c", 1, 50*time.Millisecond)
	b, _ := q.ReadAs(ctx, "group-b", "c", 1, 50*time.Millisecond)
	if len(a) != 1 || len(b) != 1 {
		t.Fatal("each group should receive every entry")
	}
}

func TestMessageEnvelope_RoundTrip(t *testing.T) {
	stub := testutil.SampleStub("abc123")
	retryAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	payload, err := EncodeMessage(stub, 3, "connect refused", retryAt)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	msg, err := DecodeMessage("1-0", payload)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if msg.StreamID != "1-0" {
		t.Errorf("StreamID: got %q", msg.StreamID)
	}
	if msg.Stub.ID != "abc123" {
		t.Errorf("stub id: got %q", msg.Stub.ID)
	}
	if msg.RetryCount != 3 {
		t.Errorf("retry count: got %d, want 3", msg.RetryCount)
	}
	if msg.LastError != "connect refused" {
		t.Errorf("last error: got %q", msg.LastError)
	}
	if !msg.RetryAt.Equal(retryAt) {
		t.Errorf("retry at: got %v, want %v", msg.RetryAt, retryAt)
	}
}

func TestDecodeMessage_Malformed(t *testing.T) {
	if _, err := DecodeMessage("1-0", []byte("{not json")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
