package core

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	tickInterval     = time.Second
	tickOverrunWarn  = 3 // consecutive overrun ticks before escalating a warning
)

// Scheduler is the 1 Hz tick loop of spec §4.1. Exactly one instance runs
// cluster-wide; its shutdown/panic-recovery shape is carried over from the
// teacher's own fixed-interval ticker, generalized to the ready-set/compose/
// dispatch algorithm this system actually needs.
type Scheduler struct {
	persistence Persistence
	dispatcher  *Dispatcher
	events      *EventLog
	logger      *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup
	overrun int
}

// NewScheduler builds a Scheduler bound to its collaborators.
func NewScheduler(persistence Persistence, dispatcher *Dispatcher, events *EventLog, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Scheduler{
		persistence: persistence,
		dispatcher:  dispatcher,
		events:      events,
		logger:      logger,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start runs the tick loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.doneCh)

		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()
}

// Stop signals the tick loop to exit and waits for the current tick, if
// any, to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// safeTick recovers a panic inside tick — logged at error level, the tick
// simply terminates and the next one retries from scratch (spec §4.1
// "Failure semantics").
func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panicked", "panic", r)
		}
	}()

	start := time.Now()
	s.events.Emit(Event{Kind: EventTickStart})

	s.Tick(ctx)

	if elapsed := time.Since(start); elapsed > tickInterval {
		s.overrun++
		if s.overrun >= tickOverrunWarn {
			s.logger.Warn("sustained tick overrun", "elapsed", elapsed, "consecutive_overruns", s.overrun)
		}
	} else {
		s.overrun = 0
	}
}

// readyComposite is the in-memory unit the tick assembles and sorts before
// submission (spec §4.1 steps b-d).
type readyComposite struct {
	device       Device
	master       ProbeNode
	followers    []ProbeNode
	delayed      bool
	delaySeconds int
}

// Tick runs one scheduling pass: load ready masters, sort them by the
// frozen ordering key, and submit each through the dispatcher. Exported so
// it can be driven directly in tests without waiting on the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()

	masters, err := s.persistence.LoadEnabledMasters(ctx, now)
	if err != nil {
		s.logger.Error("tick: load enabled masters failed", "error", err.Error())
		return
	}

	ready := make([]readyComposite, 0, len(masters))
	for _, m := range masters {
		if m.WaitingOnGate {
			continue
		}
		if m.NextRunAt.IsZero() {
			repaired := now.Add(time.Duration(m.IntervalS) * time.Second)
			if err := s.persistence.InitializeNextRun(ctx, m.ID, repaired); err != nil {
				s.logger.Error("tick: initialize next_run_at failed", "master", m.ID, "error", err.Error())
				continue
			}
			s.events.Emit(Event{Kind: EventNextRunInitialized, MasterID: m.ID, DeviceID: m.DeviceID})
			m.NextRunAt = repaired
			continue // this master becomes ready on a future tick
		}

		device, err := s.persistence.LoadDevice(ctx, m.DeviceID)
		if err != nil {
			s.logger.Warn("tick: load device failed, skipping master", "master", m.ID, "device", m.DeviceID, "error", err.Error())
			continue
		}
		if !device.Enabled {
			continue
		}

		followers, err := s.persistence.LoadFollowers(ctx, m.ID)
		if err != nil {
			s.logger.Warn("tick: load followers failed, skipping master", "master", m.ID, "error", err.Error())
			continue
		}

		delaySeconds := int(now.Sub(m.NextRunAt).Seconds())
		delayed := delaySeconds > m.IntervalS

		ready = append(ready, readyComposite{
			device:       device,
			master:       m,
			followers:    followers,
			delayed:      delayed,
			delaySeconds: delaySeconds,
		})
	}

	// (d) (delayed desc, delay_seconds desc, priority desc, device_id asc).
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.delayed != b.delayed {
			return a.delayed
		}
		if a.delaySeconds != b.delaySeconds {
			return a.delaySeconds > b.delaySeconds
		}
		if a.master.Priority != b.master.Priority {
			return a.master.Priority > b.master.Priority
		}
		return a.device.ID < b.device.ID
	})

	for _, rc := range ready {
		_, err := s.dispatcher.Submit(ctx, SubmitRequest{
			Device:       rc.device,
			Master:       rc.master,
			Followers:    rc.followers,
			Delayed:      rc.delayed,
			DelaySeconds: rc.delaySeconds,
		})
		if err != nil {
			s.logger.Error("tick: dispatch submit failed", "device", rc.device.ID, "master", rc.master.ID, "error", err.Error())
		}
	}
}
