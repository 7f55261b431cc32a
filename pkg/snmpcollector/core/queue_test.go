package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vpbank/oltpoller/pkg/snmpcollector/core"
)

func TestInMemoryQueueStore_OfferPollOrdering(t *testing.T) {
	q := core.NewInMemoryQueueStore(10)
	ctx := context.Background()

	entries := []core.QueueEntry{
		{DeviceID: "dev-1", ProbeNodeID: "low", Priority: 1},
		{DeviceID: "dev-1", ProbeNodeID: "high", Priority: 9},
		{DeviceID: "dev-1", ProbeNodeID: "mid", Priority: 5},
	}
	for _, e := range entries {
		if err := q.Offer(ctx, e); err != nil {
			t.Fatalf("Offer(%s): %v", e.ProbeNodeID, err)
		}
	}

	want := []string{"high", "mid", "low"}
	for _, w := range want {
		got, ok, err := q.Poll(ctx, "dev-1")
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if !ok {
			t.Fatalf("Poll returned ok=false, expected entry %q", w)
		}
		if got.ProbeNodeID != w {
			t.Errorf("Poll() = %q, want %q", got.ProbeNodeID, w)
		}
	}

	if _, ok, err := q.Poll(ctx, "dev-1"); err != nil || ok {
		t.Errorf("Poll on drained queue: ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}

func TestInMemoryQueueStore_OfferIdempotentOnDeviceMaster(t *testing.T) {
	q := core.NewInMemoryQueueStore(10)
	ctx := context.Background()

	entry := core.QueueEntry{DeviceID: "dev-1", ProbeNodeID: "master-1", Priority: 1}
	if err := q.Offer(ctx, entry); err != nil {
		t.Fatalf("first Offer: %v", err)
	}
	if err := q.Offer(ctx, entry); err != nil {
		t.Fatalf("second Offer: %v", err)
	}

	size, err := q.Size(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 1 {
		t.Errorf("Size() = %d, want 1 (duplicate offer must be a no-op)", size)
	}
}

func TestInMemoryQueueStore_OverloadThreshold(t *testing.T) {
	q := core.NewInMemoryQueueStore(2)
	ctx := context.Background()

	if err := q.Offer(ctx, core.QueueEntry{DeviceID: "dev-1", ProbeNodeID: "a"}); err != nil {
		t.Fatalf("Offer a: %v", err)
	}
	if err := q.Offer(ctx, core.QueueEntry{DeviceID: "dev-1", ProbeNodeID: "b"}); err != nil {
		t.Fatalf("Offer b: %v", err)
	}

	err := q.Offer(ctx, core.QueueEntry{DeviceID: "dev-1", ProbeNodeID: "c"})
	var overload *core.ErrQueueOverload
	if !errors.As(err, &overload) {
		t.Fatalf("Offer at threshold: got err=%v, want *ErrQueueOverload", err)
	}
	if overload.DeviceID != "dev-1" {
		t.Errorf("ErrQueueOverload.DeviceID = %q, want dev-1", overload.DeviceID)
	}
}

func TestInMemoryQueueStore_RemoveAndContains(t *testing.T) {
	q := core.NewInMemoryQueueStore(10)
	ctx := context.Background()

	_ = q.Offer(ctx, core.QueueEntry{DeviceID: "dev-1", ProbeNodeID: "master-1"})

	ok, err := q.Contains(ctx, "dev-1", "master-1")
	if err != nil || !ok {
		t.Fatalf("Contains before remove: ok=%v err=%v, want true/nil", ok, err)
	}

	if err := q.Remove(ctx, "dev-1", "master-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	ok, err = q.Contains(ctx, "dev-1", "master-1")
	if err != nil || ok {
		t.Fatalf("Contains after remove: ok=%v err=%v, want false/nil", ok, err)
	}
}

func TestInMemoryQueueStore_PeekDoesNotRemove(t *testing.T) {
	q := core.NewInMemoryQueueStore(10)
	ctx := context.Background()
	_ = q.Offer(ctx, core.QueueEntry{DeviceID: "dev-1", ProbeNodeID: "master-1"})

	first, ok, err := q.Peek(ctx, "dev-1")
	if err != nil || !ok || first.ProbeNodeID != "master-1" {
		t.Fatalf("Peek = %+v, ok=%v, err=%v", first, ok, err)
	}

	size, _ := q.Size(ctx, "dev-1")
	if size != 1 {
		t.Errorf("Size after Peek = %d, want 1 (Peek must not remove)", size)
	}
}

func TestInMemoryQueueStore_TotalSizeAcrossDevices(t *testing.T) {
	q := core.NewInMemoryQueueStore(10)
	ctx := context.Background()
	_ = q.Offer(ctx, core.QueueEntry{DeviceID: "dev-1", ProbeNodeID: "a"})
	_ = q.Offer(ctx, core.QueueEntry{DeviceID: "dev-2", ProbeNodeID: "b"})
	_ = q.Offer(ctx, core.QueueEntry{DeviceID: "dev-2", ProbeNodeID: "c"})

	total, err := q.TotalSize(ctx)
	if err != nil {
		t.Fatalf("TotalSize: %v", err)
	}
	if total != 3 {
		t.Errorf("TotalSize() = %d, want 3", total)
	}
}

func TestInMemoryQueueStore_LockMutualExclusionAndExpiry(t *testing.T) {
	q := core.NewInMemoryQueueStore(10)
	ctx := context.Background()

	token, ok, err := q.AcquireLock(ctx, "create:dev-1", 20*time.Millisecond)
	if err != nil || !ok || token == "" {
		t.Fatalf("first AcquireLock: token=%q ok=%v err=%v", token, ok, err)
	}

	if _, ok, err := q.AcquireLock(ctx, "create:dev-1", 20*time.Millisecond); err != nil || ok {
		t.Fatalf("second AcquireLock while held: ok=%v err=%v, want false/nil", ok, err)
	}

	if err := q.ReleaseLock(ctx, "create:dev-1", token); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}

	if _, ok, err := q.AcquireLock(ctx, "create:dev-1", 20*time.Millisecond); err != nil || !ok {
		t.Fatalf("AcquireLock after release: ok=%v err=%v, want true/nil", ok, err)
	}
}

func TestInMemoryQueueStore_LockStolenAfterExpiry(t *testing.T) {
	q := core.NewInMemoryQueueStore(10)
	ctx := context.Background()

	if _, ok, err := q.AcquireLock(ctx, "drain:dev-1", 5*time.Millisecond); err != nil || !ok {
		t.Fatalf("first AcquireLock: ok=%v err=%v", ok, err)
	}

	time.Sleep(10 * time.Millisecond)

	if _, ok, err := q.AcquireLock(ctx, "drain:dev-1", 5*time.Millisecond); err != nil || !ok {
		t.Fatalf("AcquireLock on expired lock: ok=%v err=%v, want true/nil", ok, err)
	}
}
