package core

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// PoolStats is the wire shape served by the control surface's
// GET /pollers/stats endpoint (spec §4.4 get_stats contract; shape grounded
// on the pack's own flat, JSON-taggable scheduler metrics struct).
type PoolStats struct {
	TotalSlots       int     `json:"total_slots"`
	FreeSlots        int     `json:"free_slots"`
	BusySlots        int     `json:"busy_slots"`
	BusyPercent60s   float64 `json:"busy_percent_60s"`
	TotalQueueSize   int     `json:"total_queue_size"`
	Saturated        bool    `json:"saturated"`
	CompletedTotal   int64   `json:"completed_total"`
	DelayedRunTotal  int64   `json:"delayed_run_total"`
}

// Job bundles everything a slot needs to run one composite: the transient
// Composite value, its fully-resolved device/master/followers, and the
// PENDING execution row the dispatcher already wrote.
type Job struct {
	Composite Composite
	Device    Device
	Master    ProbeNode
	Followers []ProbeNode
	Execution ExecutionRow
	Delayed   bool
}

// CompletionFunc is invoked by the slot goroutine once a Job finishes,
// still running on that slot — matching spec §5 "The callback runs on the
// worker slot that just freed, before that slot transitions to FREE."
type CompletionFunc func(ctx context.Context, job Job, outcome CompositeOutcome)

// Pool is the fixed-size poller pool of spec §4.4. It holds a fixed set of
// slots: TryClaim reserves a FREE slot for a device and Run starts one
// goroutine for the claimed job. Each "job" is a whole composite rather
// than a single SNMP request,
// and each slot tracks its own busy time for the saturation calculation.
type Pool struct {
	size     int
	slots    []*slotState
	runner   *CompositeRunner
	onDone   CompletionFunc
	events   *EventLog
	logger   *slog.Logger
	queueLen func() int // total pending-queue size, wired in by the coordinator

	completed     int64
	delayedRuns   int64
	windowSeconds float64

	drainingMu sync.RWMutex
	draining   bool
}

// busyInterval records one completed run's occupancy of a slot, so the
// busy-percent calculation can be windowed instead of cumulative.
type busyInterval struct {
	start time.Time
	end   time.Time
}

type slotState struct {
	mu        sync.Mutex
	slot      PollerSlot
	intervals []busyInterval // completed runs, oldest first; pruned in GetStats
}

// NewPool builds a Pool of size slots. onDone is called synchronously on
// the freeing slot's own goroutine, matching spec §5's callback-ordering
// requirement.
func NewPool(size int, runner *CompositeRunner, events *EventLog, onDone CompletionFunc, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	slots := make([]*slotState, size)
	for i := range slots {
		slots[i] = &slotState{slot: PollerSlot{Index: i, State: SlotFree}}
	}
	return &Pool{
		size:          size,
		slots:         slots,
		runner:        runner,
		onDone:        onDone,
		events:        events,
		logger:        logger,
		windowSeconds: 60,
	}
}

// SetQueueLenFunc wires the pool's saturation calculation to the current
// total pending-queue size (summed across devices). Called once during
// coordinator wiring, after the queue store exists.
func (p *Pool) SetQueueLenFunc(f func() int) { p.queueLen = f }

// TryClaim atomically reserves a FREE slot for deviceID/compositeID and
// returns its index, or ok=false if every slot is BUSY or the pool is
// draining. This is the slot-claim half of the dispatcher's single atomic
// per-device decision (spec §4.3 branch 2) — the in-flight-per-device guard
// itself lives in the dispatcher, not here.
func (p *Pool) TryClaim(deviceID, compositeID string) (int, bool) {
	p.drainingMu.RLock()
	draining := p.draining
	p.drainingMu.RUnlock()
	if draining {
		return 0, false
	}

	for _, s := range p.slots {
		s.mu.Lock()
		if s.slot.State == SlotFree {
			s.slot.State = SlotBusy
			s.slot.DeviceID = deviceID
			s.slot.CompositeID = compositeID
			s.slot.AcquiredAt = time.Now()
			idx := s.slot.Index
			s.mu.Unlock()
			return idx, true
		}
		s.mu.Unlock()
	}
	return 0, false
}

// Run executes job on the previously-claimed slotIdx in a new goroutine and
// returns immediately. The slot transitions back to FREE, and onDone runs,
// once the composite finishes (success, failure, or ctx cancellation).
func (p *Pool) Run(ctx context.Context, slotIdx int, job Job) {
	go func() {
		s := p.slots[slotIdx]
		start := time.Now()

		outcome := p.runner.Run(ctx, job.Composite, job.Device, job.Master, job.Followers)

		s.mu.Lock()
		s.intervals = append(s.intervals, busyInterval{start: start, end: time.Now()})
		s.mu.Unlock()
		atomic.AddInt64(&p.completed, 1)
		if job.Delayed {
			atomic.AddInt64(&p.delayedRuns, 1)
		}

		if p.onDone != nil {
			p.onDone(ctx, job, outcome)
		}

		s.mu.Lock()
		s.slot.State = SlotFree
		s.slot.CompositeID = ""
		deviceID := s.slot.DeviceID
		s.slot.DeviceID = ""
		s.mu.Unlock()

		p.events.Emit(Event{Kind: EventSlotFreed, DeviceID: deviceID, MasterID: job.Master.ID})
	}()
}

// GetStats implements the §4.4 get_stats contract. BusyPercent60s is a real
// sliding window over the trailing windowSeconds (default 60s): completed
// runs older than the window are pruned and dropped from the sum, and runs
// straddling the window boundary are clipped to it. A slot currently BUSY
// contributes its in-progress time from AcquiredAt (or the window start,
// whichever is later) up to now, so a long-running composite counts toward
// busy% immediately instead of only after it finishes.
func (p *Pool) GetStats() PoolStats {
	now := time.Now()
	window := time.Duration(p.windowSeconds * float64(time.Second))
	cutoff := now.Add(-window)

	free, busy := 0, 0
	var busyNanos int64
	for _, s := range p.slots {
		s.mu.Lock()
		kept := s.intervals[:0]
		for _, iv := range s.intervals {
			if iv.end.Before(cutoff) {
				continue // entirely outside the window, drop it
			}
			kept = append(kept, iv)
			ivStart := iv.start
			if ivStart.Before(cutoff) {
				ivStart = cutoff
			}
			busyNanos += iv.end.Sub(ivStart).Nanoseconds()
		}
		s.intervals = kept

		if s.slot.State == SlotFree {
			free++
		} else {
			busy++
			acquired := s.slot.AcquiredAt
			if acquired.Before(cutoff) {
				acquired = cutoff
			}
			busyNanos += now.Sub(acquired).Nanoseconds()
		}
		s.mu.Unlock()
	}

	var busyPct float64
	if p.size > 0 && window > 0 {
		windowNanos := float64(p.size) * float64(window)
		busyPct = (float64(busyNanos) / windowNanos) * 100
		if busyPct > 100 {
			busyPct = 100
		}
	}

	totalQueue := 0
	if p.queueLen != nil {
		totalQueue = p.queueLen()
	}

	saturated := busyPct > 75 || totalQueue > 2*p.size

	return PoolStats{
		TotalSlots:      p.size,
		FreeSlots:       free,
		BusySlots:       busy,
		BusyPercent60s:  busyPct,
		TotalQueueSize:  totalQueue,
		Saturated:       saturated,
		CompletedTotal:  atomic.LoadInt64(&p.completed),
		DelayedRunTotal: atomic.LoadInt64(&p.delayedRuns),
	}
}

// InFlight reports the device ids currently occupying a busy slot, used by
// the watchdog's cross-check against the pool's in-flight set (spec §4.7).
func (p *Pool) InFlight() map[string]bool {
	out := make(map[string]bool)
	for _, s := range p.slots {
		s.mu.Lock()
		if s.slot.State == SlotBusy {
			out[s.slot.DeviceID] = true
		}
		s.mu.Unlock()
	}
	return out
}

// Drain stops the pool from accepting new assignments (TryClaim starts
// returning false) and waits up to timeout for in-flight slots to go FREE.
// It returns the set of device ids still BUSY when the timeout elapsed.
// Drain only reports these devices: it does not finalize or mark their
// executions, and Coordinator.Stop only logs them.
func (p *Pool) Drain(timeout time.Duration) []string {
	p.drainingMu.Lock()
	p.draining = true
	p.drainingMu.Unlock()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(p.InFlight()) == 0 {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	inFlight := p.InFlight()
	remaining := make([]string, 0, len(inFlight))
	for d := range inFlight {
		remaining = append(remaining, d)
	}
	return remaining
}
