package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/vpbank/oltpoller/pkg/snmpcollector/core"
)

func TestCompletionCallback_SuccessAdvancesScheduleAndClearsGate(t *testing.T) {
	persistence := newFakePersistence()
	queue := core.NewInMemoryQueueStore(10)
	pool, _ := newTestPool(1)
	events := core.NewEventLog(10, nil, nil)
	dispatcher := core.NewDispatcher(persistence, queue, pool, events, nil)
	cb := core.NewCompletionCallback(persistence, queue, dispatcher, events, nil)

	started := time.Now().Add(-2 * time.Second)
	finished := time.Now()
	job := core.Job{
		Device:    core.Device{ID: "dev-1"},
		Master:    core.ProbeNode{ID: "master-1", IntervalS: 60},
		Execution: core.ExecutionRow{ID: "exec-1", DeviceID: "dev-1", MasterID: "master-1"},
	}
	outcome := core.CompositeOutcome{Status: core.StatusSuccess, StartedAt: started, FinishedAt: finished}

	cb.OnComplete(context.Background(), job, outcome)

	if len(persistence.finalized) != 1 {
		t.Fatalf("len(finalized) = %d, want 1", len(persistence.finalized))
	}
	fc := persistence.finalized[0]
	if fc.row.Status != core.StatusSuccess {
		t.Errorf("finalized status = %v, want SUCCESS", fc.row.Status)
	}
	wantNext := finished.Add(60 * time.Second)
	if !fc.nextRunAt.Equal(wantNext) {
		t.Errorf("nextRunAt = %v, want %v", fc.nextRunAt, wantNext)
	}
	if len(persistence.interrupted) != 0 {
		t.Error("a successful outcome must not call FinalizeInterrupted")
	}
	if len(persistence.gatesCleared) != 1 || persistence.gatesCleared[0] != "master-1" {
		t.Errorf("gatesCleared = %v, want [master-1]", persistence.gatesCleared)
	}

	events2 := events.ForDevice("dev-1")
	found := false
	for _, ev := range events2 {
		if ev.Kind == core.EventTaskCompleted && ev.Outcome == string(core.StatusSuccess) {
			found = true
		}
	}
	if !found {
		t.Error("expected a TASK_COMPLETED/SUCCESS event for dev-1")
	}
}

func TestCompletionCallback_InterruptedNeverAdvancesNextRunAt(t *testing.T) {
	persistence := newFakePersistence()
	queue := core.NewInMemoryQueueStore(10)
	pool, _ := newTestPool(1)
	events := core.NewEventLog(10, nil, nil)
	dispatcher := core.NewDispatcher(persistence, queue, pool, events, nil)
	cb := core.NewCompletionCallback(persistence, queue, dispatcher, events, nil)

	job := core.Job{
		Device:    core.Device{ID: "dev-1"},
		Master:    core.ProbeNode{ID: "master-1", IntervalS: 60},
		Execution: core.ExecutionRow{ID: "exec-1", DeviceID: "dev-1", MasterID: "master-1"},
	}
	outcome := core.CompositeOutcome{Status: core.StatusInterrupted, StartedAt: time.Now(), FinishedAt: time.Now()}

	cb.OnComplete(context.Background(), job, outcome)

	if len(persistence.finalized) != 0 {
		t.Error("an interrupted outcome must never call FinalizeExecution (it would move next_run_at)")
	}
	if len(persistence.interrupted) != 1 {
		t.Fatalf("len(interrupted) = %d, want 1", len(persistence.interrupted))
	}
	if len(persistence.gatesCleared) != 0 {
		t.Error("an interrupted outcome must not clear the gate")
	}
}

func TestCompletionCallback_FailureDoesNotClearGate(t *testing.T) {
	persistence := newFakePersistence()
	queue := core.NewInMemoryQueueStore(10)
	pool, _ := newTestPool(1)
	events := core.NewEventLog(10, nil, nil)
	dispatcher := core.NewDispatcher(persistence, queue, pool, events, nil)
	cb := core.NewCompletionCallback(persistence, queue, dispatcher, events, nil)

	job := core.Job{
		Device:    core.Device{ID: "dev-1"},
		Master:    core.ProbeNode{ID: "master-1", IntervalS: 60},
		Execution: core.ExecutionRow{ID: "exec-1", DeviceID: "dev-1", MasterID: "master-1"},
	}
	outcome := core.CompositeOutcome{Status: core.StatusFailed, StartedAt: time.Now(), FinishedAt: time.Now(), Summary: []byte(`"snmp timeout"`)}

	cb.OnComplete(context.Background(), job, outcome)

	if len(persistence.finalized) != 1 {
		t.Fatalf("len(finalized) = %d, want 1", len(persistence.finalized))
	}
	if persistence.finalized[0].row.Error == "" {
		t.Error("expected Error to be populated from the outcome summary on failure")
	}
	if len(persistence.gatesCleared) != 0 {
		t.Error("a failed outcome must not clear the gate")
	}
}

func TestCompletionCallback_DrainRedispatchesQueuedEntry(t *testing.T) {
	persistence := newFakePersistence()
	persistence.devices["dev-1"] = core.Device{ID: "dev-1", Enabled: true}
	persistence.masters = []core.ProbeNode{{ID: "master-2", DeviceID: "dev-1", Priority: 5}}

	queue := core.NewInMemoryQueueStore(10)
	_ = queue.Offer(context.Background(), core.QueueEntry{DeviceID: "dev-1", ProbeNodeID: "master-2", Priority: 5})

	pool, exec := newTestPool(2)
	exec.block = make(chan struct{})
	events := core.NewEventLog(10, nil, nil)
	dispatcher := core.NewDispatcher(persistence, queue, pool, events, nil)
	cb := core.NewCompletionCallback(persistence, queue, dispatcher, events, nil)

	job := core.Job{
		Device:    core.Device{ID: "dev-1"},
		Master:    core.ProbeNode{ID: "master-1", IntervalS: 60},
		Execution: core.ExecutionRow{ID: "exec-1", DeviceID: "dev-1", MasterID: "master-1"},
	}
	outcome := core.CompositeOutcome{Status: core.StatusSuccess, StartedAt: time.Now(), FinishedAt: time.Now()}

	cb.OnComplete(context.Background(), job, outcome)

	// the queued master-2 entry should have been popped and re-submitted,
	// ending up dispatched (a free slot exists) rather than still queued.
	stillQueued, _ := queue.Contains(context.Background(), "dev-1", "master-2")
	if stillQueued {
		t.Error("expected the drained entry to be removed from the queue")
	}
	found := false
	for _, row := range persistence.written {
		if row.MasterID == "master-2" {
			found = true
		}
	}
	if !found {
		t.Error("expected drain to re-submit master-2 and write a new execution row for it")
	}

	close(exec.block)
}
