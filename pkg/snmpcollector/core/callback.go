package core

import (
	"context"
	"log/slog"
	"time"
)

const drainLockTTL = 10 * time.Second

// CompletionCallback implements spec §4.6: it fires exactly once per
// execution row as its final status is written, advances the master's
// schedule, and drains the device's pending queue immediately rather than
// waiting for the next tick.
type CompletionCallback struct {
	persistence Persistence
	queue       QueueStore
	dispatcher  *Dispatcher
	events      *EventLog
	logger      *slog.Logger
}

// NewCompletionCallback builds a CompletionCallback. dispatcher is used only
// for the immediate-drain re-submission step; it must be set before the
// pool is started (coordinator wires this after constructing both).
func NewCompletionCallback(persistence Persistence, queue QueueStore, dispatcher *Dispatcher, events *EventLog, logger *slog.Logger) *CompletionCallback {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &CompletionCallback{persistence: persistence, queue: queue, dispatcher: dispatcher, events: events, logger: logger}
}

// OnComplete is the Pool CompletionFunc: it runs on the slot that just
// freed, before that slot transitions to FREE.
func (c *CompletionCallback) OnComplete(ctx context.Context, job Job, outcome CompositeOutcome) {
	row := job.Execution
	row.Status = outcome.Status
	row.StartedAt = outcome.StartedAt
	row.FinishedAt = outcome.FinishedAt
	if outcome.Status != StatusSuccess {
		row.Error = string(outcome.Summary)
	}

	// (a) advance the master's schedule in the same transaction as the
	// execution row's final status — unless this composite never actually
	// ran to completion (interrupted by shutdown or the watchdog), in which
	// case next_run_at must NOT move so the next tick re-schedules it
	// (spec §5 "Cancellation").
	if outcome.Status == StatusInterrupted {
		if err := c.persistence.FinalizeInterrupted(ctx, row); err != nil {
			c.logger.Error("finalize interrupted execution failed",
				"device", job.Device.ID, "master", job.Master.ID, "execution", row.ID, "error", err.Error())
			return
		}
	} else {
		nextRunAt := outcome.FinishedAt.Add(time.Duration(job.Master.IntervalS) * time.Second)
		if err := c.persistence.FinalizeExecution(ctx, row, nextRunAt); err != nil {
			c.logger.Error("finalize execution failed",
				"device", job.Device.ID, "master", job.Master.ID, "execution", row.ID, "error", err.Error())
			return
		}
	}

	// (b) TASK_COMPLETED event with duration.
	c.events.Emit(Event{
		Kind:     EventTaskCompleted,
		DeviceID: job.Device.ID,
		MasterID: job.Master.ID,
		Outcome:  string(outcome.Status),
		Duration: outcome.FinishedAt.Sub(outcome.StartedAt),
	})

	if outcome.Status == StatusSuccess {
		if err := c.persistence.ClearGate(ctx, job.Master.ID); err != nil {
			c.logger.Warn("clear gate failed", "master", job.Master.ID, "error", err.Error())
		}
	}

	// (c)/(d) immediate-drain: acquire the per-device drain lock, poll the
	// queue, and re-submit through the dispatcher. Failures here are
	// tolerated — the next scheduler tick drains the queue regardless.
	c.drain(ctx, job.Device.ID)
}

func (c *CompletionCallback) drain(ctx context.Context, deviceID string) {
	lockKey := "drain:" + deviceID
	token, ok, err := c.queue.AcquireLock(ctx, lockKey, drainLockTTL)
	if err != nil || !ok {
		return
	}
	defer c.queue.ReleaseLock(ctx, lockKey, token)

	entry, ok, err := c.queue.Poll(ctx, deviceID)
	if err != nil || !ok {
		return
	}

	device, err := c.persistence.LoadDevice(ctx, deviceID)
	if err != nil {
		c.logger.Warn("drain: load device failed", "device", deviceID, "error", err.Error())
		return
	}

	masters, err := c.persistence.LoadEnabledMasters(ctx, time.Now().Add(24*time.Hour))
	var master ProbeNode
	found := false
	for _, m := range masters {
		if m.ID == entry.ProbeNodeID {
			master, found = m, true
			break
		}
	}
	if err != nil || !found {
		c.logger.Warn("drain: master lookup failed", "device", deviceID, "master", entry.ProbeNodeID)
		return
	}

	followers, err := c.persistence.LoadFollowers(ctx, master.ID)
	if err != nil {
		c.logger.Warn("drain: load followers failed", "master", master.ID, "error", err.Error())
		return
	}

	if _, err := c.dispatcher.Submit(ctx, SubmitRequest{
		Device:       device,
		Master:       master,
		Followers:    followers,
		Delayed:      entry.Delayed,
		DelaySeconds: entry.DelaySeconds,
	}); err != nil {
		c.logger.Warn("drain: re-submit failed", "device", deviceID, "master", master.ID, "error", err.Error())
	}
}
