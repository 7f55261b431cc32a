package core

import (
	"context"
	"time"
)

// ProbeResult is the opaque outcome of one ProbeNode execution, returned by
// the execute_probe collaborator named in spec §6. The core inspects only
// Status; Summary is an untyped envelope handed to persistence and to the
// control surface unexamined (spec §9 "Dynamic typing of probe result
// summaries").
type ProbeResult struct {
	Status   ExecutionStatus
	Summary  []byte
	Duration time.Duration
}

// ProbeExecutor is the execute_probe out-call (spec §6). SNMPProbeExecutor is
// the production binding; tests use a hand-rolled fake.
type ProbeExecutor interface {
	Execute(ctx context.Context, device Device, node ProbeNode) ProbeResult
}

// CompositeRunner runs a composite's master-then-followers chain (spec
// §4.2). It owns no scheduling state of its own — Run is a pure function of
// its arguments plus the injected ProbeExecutor.
type CompositeRunner struct {
	executor ProbeExecutor
	events   *EventLog
}

// NewCompositeRunner builds a CompositeRunner bound to executor, emitting
// TASK_STARTED events to log (TASK_COMPLETED is emitted by the
// CompletionCallback).
func NewCompositeRunner(executor ProbeExecutor, log *EventLog) *CompositeRunner {
	return &CompositeRunner{executor: executor, events: log}
}

// CompositeOutcome is the result of running one composite to completion.
type CompositeOutcome struct {
	Status     ExecutionStatus
	Summary    []byte
	StartedAt  time.Time
	FinishedAt time.Time
}

// Run executes master, then — only if the master succeeded — each follower
// in declared order. The first follower failure stops the chain; remaining
// followers are skipped and the composite finishes FAILED. Followers never
// advance scheduling state (spec §4.2 "Followers never touch next_run_at");
// Run itself never touches persistence — the caller (the poller slot) is
// responsible for writing the execution row via FinalizeExecution.
func (r *CompositeRunner) Run(ctx context.Context, comp Composite, device Device, master ProbeNode, followers []ProbeNode) CompositeOutcome {
	started := time.Now()

	r.events.Emit(Event{Kind: EventTaskStarted, DeviceID: device.ID, MasterID: master.ID,
		Metadata: map[string]string{"composite_id": comp.ID}})

	masterResult := r.executor.Execute(ctx, device, master)
	if masterResult.Status != StatusSuccess {
		finished := time.Now()
		return CompositeOutcome{Status: masterResult.Status, Summary: masterResult.Summary, StartedAt: started, FinishedAt: finished}
	}

	var lastFollowerSummary []byte
	finalStatus := StatusSuccess
	for _, f := range followers {
		select {
		case <-ctx.Done():
			finished := time.Now()
			return CompositeOutcome{Status: StatusInterrupted, Summary: masterResult.Summary, StartedAt: started, FinishedAt: finished}
		default:
		}

		fr := r.executor.Execute(ctx, device, f)
		lastFollowerSummary = fr.Summary
		if fr.Status != StatusSuccess {
			finalStatus = fr.Status
			break
		}
	}

	finished := time.Now()
	summary := masterResult.Summary
	if lastFollowerSummary != nil {
		summary = lastFollowerSummary
	}
	return CompositeOutcome{Status: finalStatus, Summary: summary, StartedAt: started, FinishedAt: finished}
}
