package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DispatchOutcome is the result of one Dispatcher.Submit call (spec §4.3).
type DispatchOutcome string

const (
	OutcomeDispatched          DispatchOutcome = "DISPATCHED"
	OutcomeQueued              DispatchOutcome = "QUEUED"
	OutcomeQueuedPoolFull      DispatchOutcome = "QUEUED_POOL_FULL"
	OutcomeDuplicateSuppressed DispatchOutcome = "DUPLICATE_SUPPRESSED"
	OutcomeTooSoon             DispatchOutcome = "TOO_SOON"
	OutcomeOverload            DispatchOutcome = "OVERLOAD"
)

const recentRunGuard = 3 * time.Second

// Dispatcher enforces the "≤1 in-flight probe per device" invariant and
// pool-capacity admission (spec §4.3). Submit is the single entry point used
// by both the scheduler tick and the control surface's out-of-band run
// endpoint, so both paths share the same dedup/recent-run/admission logic.
type Dispatcher struct {
	persistence Persistence
	queue       QueueStore
	pool        *Pool
	events      *EventLog
	logger      *slog.Logger

	creationLockTTL time.Duration
}

// NewDispatcher builds a Dispatcher wired to its collaborators.
func NewDispatcher(persistence Persistence, queue QueueStore, pool *Pool, events *EventLog, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Dispatcher{
		persistence:     persistence,
		queue:           queue,
		pool:            pool,
		events:          events,
		logger:          logger,
		creationLockTTL: 5 * time.Second,
	}
}

// SubmitRequest bundles everything Submit needs to make its admission
// decision and, if dispatched, to run the composite.
type SubmitRequest struct {
	Device       Device
	Master       ProbeNode
	Followers    []ProbeNode
	Delayed      bool
	DelaySeconds int
}

// Submit makes the single atomic per-device admission decision of spec
// §4.3. Two concurrent submissions for the same device serialize on the
// creation lock so only one observes {PENDING,RUNNING} state before it
// changes.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (DispatchOutcome, error) {
	lockKey := "create:" + req.Device.ID
	token, ok, err := d.queue.AcquireLock(ctx, lockKey, d.creationLockTTL)
	if err != nil {
		return "", fmt.Errorf("acquire creation lock for %s: %w", req.Device.ID, err)
	}
	if !ok {
		// Another submission for this device is mid-decision; treat this one
		// as queued rather than racing — the in-flight one will dispatch or
		// queue correctly, and this entry still needs a home.
		return d.enqueue(ctx, req, OutcomeQueued)
	}
	defer d.queue.ReleaseLock(ctx, lockKey, token)

	// Deduplication: refuse if THIS (device, master) pair already has an
	// execution row in {PENDING, RUNNING}, or is already queued. This must
	// be checked per-master, not per-device: a device-level-only check lets
	// the very master that is currently running get re-queued by the next
	// tick (its NextRunAt doesn't advance until finalize), which would put
	// it in-flight and queued simultaneously, violating spec §8.4.
	sameMasterInFlight, err := d.persistence.HasInFlightMaster(ctx, req.Device.ID, req.Master.ID)
	if err != nil {
		return "", fmt.Errorf("check in-flight master for %s/%s: %w", req.Device.ID, req.Master.ID, err)
	}
	alreadyQueued, err := d.queue.Contains(ctx, req.Device.ID, req.Master.ID)
	if err != nil {
		return "", fmt.Errorf("check queued for %s/%s: %w", req.Device.ID, req.Master.ID, err)
	}
	if sameMasterInFlight || alreadyQueued {
		d.events.Emit(Event{Kind: EventDuplicateSuppressed, DeviceID: req.Device.ID, MasterID: req.Master.ID})
		return OutcomeDuplicateSuppressed, nil
	}

	// Recent-run guard.
	if !req.Master.LastRunAt.IsZero() && time.Since(req.Master.LastRunAt) < recentRunGuard {
		d.events.Emit(Event{Kind: EventTooSoon, DeviceID: req.Device.ID, MasterID: req.Master.ID})
		return OutcomeTooSoon, nil
	}

	// Device-level in-flight check: some OTHER master on this device is
	// already running, so this one waits its turn in the device queue.
	inFlight, err := d.persistence.HasInFlight(ctx, req.Device.ID)
	if err != nil {
		return "", fmt.Errorf("check in-flight for %s: %w", req.Device.ID, err)
	}
	if inFlight {
		return d.enqueueLocked(ctx, req, OutcomeQueued)
	}

	slotIdx, claimed := d.pool.TryClaim(req.Device.ID, "")
	if !claimed {
		return d.enqueueLocked(ctx, req, OutcomeQueuedPoolFull)
	}

	execID := uuid.NewString()
	compID := uuid.NewString()
	row := ExecutionRow{
		ID:          execID,
		DeviceID:    req.Device.ID,
		CompositeID: compID,
		MasterID:    req.Master.ID,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
	if err := d.persistence.WriteExecution(ctx, row); err != nil {
		return "", fmt.Errorf("write execution for %s/%s: %w", req.Device.ID, req.Master.ID, err)
	}

	followerIDs := make([]string, 0, len(req.Followers))
	for _, f := range req.Followers {
		followerIDs = append(followerIDs, f.ID)
	}
	comp := Composite{
		ID:          compID,
		DeviceID:    req.Device.ID,
		MasterID:    req.Master.ID,
		Followers:   followerIDs,
		State:       CompositeCreated,
		ExecutionID: execID,
		StartedAt:   time.Now(),
	}

	job := Job{
		Composite: comp,
		Device:    req.Device,
		Master:    req.Master,
		Followers: req.Followers,
		Execution: row,
		Delayed:   req.Delayed,
	}
	d.pool.Run(ctx, slotIdx, job)

	d.events.Emit(Event{Kind: EventDispatchDecision, DeviceID: req.Device.ID, MasterID: req.Master.ID,
		Outcome: string(OutcomeDispatched)})
	return OutcomeDispatched, nil
}

func (d *Dispatcher) enqueueLocked(ctx context.Context, req SubmitRequest, outcome DispatchOutcome) (DispatchOutcome, error) {
	return d.enqueue(ctx, req, outcome)
}

func (d *Dispatcher) enqueue(ctx context.Context, req SubmitRequest, outcome DispatchOutcome) (DispatchOutcome, error) {
	entry := QueueEntry{
		ID:           uuid.NewString(),
		DeviceID:     req.Device.ID,
		ProbeNodeID:  req.Master.ID,
		Delayed:      req.Delayed,
		DelaySeconds: req.DelaySeconds,
		Priority:     req.Master.Priority,
		EnqueuedAt:   time.Now(),
	}
	if err := d.queue.Offer(ctx, entry); err != nil {
		if _, overload := err.(*ErrQueueOverload); overload {
			d.events.Emit(Event{Kind: EventOverload, DeviceID: req.Device.ID, MasterID: req.Master.ID})
			return OutcomeOverload, nil
		}
		return "", fmt.Errorf("offer queue entry for %s/%s: %w", req.Device.ID, req.Master.ID, err)
	}
	d.events.Emit(Event{Kind: EventDispatchDecision, DeviceID: req.Device.ID, MasterID: req.Master.ID,
		Outcome: string(outcome)})
	return outcome, nil
}
