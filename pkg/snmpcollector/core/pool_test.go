package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vpbank/oltpoller/pkg/snmpcollector/core"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v", timeout)
	}
}

func TestPool_TryClaim_ExhaustsSlots(t *testing.T) {
	exec := newFakeExecutor()
	exec.block = make(chan struct{})
	events := core.NewEventLog(10, nil, nil)
	runner := core.NewCompositeRunner(exec, events)
	pool := core.NewPool(2, runner, events, nil, nil)

	idx1, ok1 := pool.TryClaim("dev-1", "comp-1")
	idx2, ok2 := pool.TryClaim("dev-2", "comp-2")
	if !ok1 || !ok2 {
		t.Fatalf("expected both claims to succeed, got ok1=%v ok2=%v", ok1, ok2)
	}
	if idx1 == idx2 {
		t.Errorf("expected distinct slot indices, got %d and %d", idx1, idx2)
	}

	if _, ok := pool.TryClaim("dev-3", "comp-3"); ok {
		t.Error("TryClaim should fail once every slot is busy")
	}

	close(exec.block)
}

func TestPool_RunFreesSlotAndInvokesCallback(t *testing.T) {
	exec := newFakeExecutor()
	events := core.NewEventLog(10, nil, nil)
	runner := core.NewCompositeRunner(exec, events)

	var mu sync.Mutex
	var gotDeviceID string
	var gotStatus core.ExecutionStatus
	done := make(chan struct{})

	onDone := func(ctx context.Context, job core.Job, outcome core.CompositeOutcome) {
		mu.Lock()
		gotDeviceID = job.Device.ID
		gotStatus = outcome.Status
		mu.Unlock()
		close(done)
	}

	pool := core.NewPool(1, runner, events, onDone, nil)

	slotIdx, ok := pool.TryClaim("dev-1", "comp-1")
	if !ok {
		t.Fatal("TryClaim failed")
	}

	job := core.Job{
		Composite: core.Composite{ID: "comp-1"},
		Device:    core.Device{ID: "dev-1"},
		Master:    core.ProbeNode{ID: "master-1"},
	}
	pool.Run(context.Background(), slotIdx, job)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onDone was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotDeviceID != "dev-1" {
		t.Errorf("onDone device = %q, want dev-1", gotDeviceID)
	}
	if gotStatus != core.StatusSuccess {
		t.Errorf("onDone status = %v, want SUCCESS", gotStatus)
	}

	waitFor(t, time.Second, func() bool {
		stats := pool.GetStats()
		return stats.FreeSlots == 1 && stats.BusySlots == 0
	})
}

func TestPool_GetStats_ReflectsClaims(t *testing.T) {
	exec := newFakeExecutor()
	exec.block = make(chan struct{})
	events := core.NewEventLog(10, nil, nil)
	runner := core.NewCompositeRunner(exec, events)
	pool := core.NewPool(3, runner, events, nil, nil)

	stats := pool.GetStats()
	if stats.TotalSlots != 3 || stats.FreeSlots != 3 || stats.BusySlots != 0 {
		t.Fatalf("initial stats = %+v, want 3 total/free, 0 busy", stats)
	}

	idx, ok := pool.TryClaim("dev-1", "comp-1")
	if !ok {
		t.Fatal("TryClaim failed")
	}
	pool.Run(context.Background(), idx, core.Job{Device: core.Device{ID: "dev-1"}, Master: core.ProbeNode{ID: "m1"}})

	waitFor(t, time.Second, func() bool {
		stats := pool.GetStats()
		return stats.BusySlots == 1 && stats.FreeSlots == 2
	})

	close(exec.block)
}

func TestPool_Drain_ReturnsStillBusyOnTimeout(t *testing.T) {
	exec := newFakeExecutor()
	exec.block = make(chan struct{}) // never closed: this job never completes
	events := core.NewEventLog(10, nil, nil)
	runner := core.NewCompositeRunner(exec, events)
	pool := core.NewPool(1, runner, events, nil, nil)

	idx, ok := pool.TryClaim("dev-1", "comp-1")
	if !ok {
		t.Fatal("TryClaim failed")
	}
	pool.Run(context.Background(), idx, core.Job{Device: core.Device{ID: "dev-1"}, Master: core.ProbeNode{ID: "m1"}})

	waitFor(t, time.Second, func() bool { return len(pool.InFlight()) == 1 })

	stillBusy := pool.Drain(50 * time.Millisecond)
	if len(stillBusy) != 1 || stillBusy[0] != "dev-1" {
		t.Errorf("Drain() = %v, want [dev-1]", stillBusy)
	}

	close(exec.block)
}

func TestPool_Drain_StopsAcceptingNewClaims(t *testing.T) {
	exec := newFakeExecutor()
	events := core.NewEventLog(10, nil, nil)
	runner := core.NewCompositeRunner(exec, events)
	pool := core.NewPool(2, runner, events, nil, nil)

	pool.Drain(10 * time.Millisecond)

	if _, ok := pool.TryClaim("dev-1", "comp-1"); ok {
		t.Error("TryClaim should fail once the pool is draining")
	}
}
