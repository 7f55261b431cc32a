package core

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	watchdogSweepInterval = 30 * time.Second
	orphanAge             = 300 * time.Second
)

// Watchdog implements the delivery watchdog of spec §4.7: every sweep
// interval it looks for execution rows stuck in PENDING with no live worker
// and reclassifies them as INTERRUPTED so the device can be re-dispatched.
type Watchdog struct {
	persistence Persistence
	dispatcher  *Dispatcher
	pool        *Pool
	events      *EventLog
	logger      *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatchdog builds a Watchdog bound to its collaborators.
func NewWatchdog(persistence Persistence, dispatcher *Dispatcher, pool *Pool, events *EventLog, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Watchdog{
		persistence: persistence,
		dispatcher:  dispatcher,
		pool:        pool,
		events:      events,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (w *Watchdog) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(watchdogSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.Sweep(ctx)
			}
		}
	}()
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (w *Watchdog) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// Sweep runs one watchdog pass; exported so it can be driven directly in
// tests and by operational tooling without waiting on the ticker.
func (w *Watchdog) Sweep(ctx context.Context) {
	if stats := w.pool.GetStats(); stats.Saturated {
		// Pool-saturation is considered: wait rather than reclassify, since
		// a re-dispatch right now would just queue again (spec §4.7).
		return
	}

	orphans, err := w.persistence.FindOrphanedExecutions(ctx, time.Now().Add(-orphanAge))
	if err != nil {
		w.logger.Error("watchdog: find orphaned executions failed", "error", err.Error())
		return
	}
	if len(orphans) == 0 {
		return
	}

	inFlight := w.pool.InFlight()
	for _, row := range orphans {
		if inFlight[row.DeviceID] {
			continue // a live worker is in fact running it; not actually orphaned
		}
		w.recover(ctx, row)
	}
}

func (w *Watchdog) recover(ctx context.Context, row ExecutionRow) {
	row.Status = StatusInterrupted
	row.FinishedAt = time.Now()

	// next_run_at is intentionally left unchanged: the next scheduler tick
	// re-schedules this master naturally once the in-flight flag clears.
	device, err := w.persistence.LoadDevice(ctx, row.DeviceID)
	if err != nil {
		w.logger.Error("watchdog: load device failed", "device", row.DeviceID, "error", err.Error())
		return
	}

	if err := w.persistence.FinalizeInterrupted(ctx, row); err != nil {
		w.logger.Error("watchdog: finalize orphan failed", "execution", row.ID, "error", err.Error())
		return
	}

	w.events.Emit(Event{Kind: EventOrphanRecovered, DeviceID: row.DeviceID, MasterID: row.MasterID})

	masters, err := w.persistence.LoadEnabledMasters(ctx, time.Now().Add(24*time.Hour))
	if err != nil {
		w.logger.Error("watchdog: reload masters failed", "error", err.Error())
		return
	}
	var master ProbeNode
	found := false
	for _, m := range masters {
		if m.ID == row.MasterID {
			master, found = m, true
			break
		}
	}
	if !found {
		w.logger.Warn("watchdog: master not found for orphan re-dispatch", "master", row.MasterID)
		return
	}

	followers, err := w.persistence.LoadFollowers(ctx, master.ID)
	if err != nil {
		w.logger.Error("watchdog: load followers failed", "master", master.ID, "error", err.Error())
		return
	}

	if _, err := w.dispatcher.Submit(ctx, SubmitRequest{Device: device, Master: master, Followers: followers}); err != nil {
		w.logger.Error("watchdog: re-submit failed", "device", device.ID, "master", master.ID, "error", err.Error())
	}
}
