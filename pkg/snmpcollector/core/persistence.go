package core

import (
	"context"
	"time"
)

// Persistence is the out-of-core repository collaborator named in spec §6.
// The core never talks to a database directly; every read of node/device
// configuration and every write of scheduling state goes through this
// interface. PostgresPersistence is the concrete binding; tests use an
// in-memory fake.
type Persistence interface {
	// LoadEnabledMasters returns every enabled master ProbeNode across every
	// enabled device whose NextRunAt is at or before now, or is unset.
	LoadEnabledMasters(ctx context.Context, now time.Time) ([]ProbeNode, error)

	// LoadFollowers returns the enabled followers of masterID, in ChainOrder.
	LoadFollowers(ctx context.Context, masterID string) ([]ProbeNode, error)

	// LoadDevice returns the Device row for deviceID.
	LoadDevice(ctx context.Context, deviceID string) (Device, error)

	// InitializeNextRun repairs a null NextRunAt (spec §4.1 "Edge cases") —
	// it must not be called for a master that already has one.
	InitializeNextRun(ctx context.Context, nodeID string, nextRunAt time.Time) error

	// WriteExecution inserts a new ExecutionRow in PENDING.
	WriteExecution(ctx context.Context, row ExecutionRow) error

	// UpdateExecution updates an in-flight row (e.g. transition to RUNNING,
	// attach worker identity). It never changes a row already in a terminal
	// status.
	UpdateExecution(ctx context.Context, row ExecutionRow) error

	// FinalizeExecution atomically writes the execution row's terminal
	// status together with the master's LastRunAt/NextRunAt (and
	// LastSuccessAt or LastFailureAt). This is the single transaction that
	// spec §4.2 "Scheduling advance" and §4.6(a) require.
	FinalizeExecution(ctx context.Context, row ExecutionRow, nextRunAt time.Time) error

	// FinalizeInterrupted writes the execution row's terminal INTERRUPTED
	// status only — the master's NextRunAt is deliberately left untouched
	// so the next tick re-schedules it (spec §5 "Cancellation").
	FinalizeInterrupted(ctx context.Context, row ExecutionRow) error

	// FindOrphanedExecutions returns PENDING rows created before olderThan
	// with no assigned worker identity — candidates for the watchdog.
	FindOrphanedExecutions(ctx context.Context, olderThan time.Time) ([]ExecutionRow, error)

	// HasInFlight reports whether deviceID currently has an execution row in
	// {PENDING, RUNNING} — the primary correctness lock from spec §5.
	HasInFlight(ctx context.Context, deviceID string) (bool, error)

	// HasInFlightMaster reports whether masterID specifically (not just some
	// other master on the same device) currently has an execution row in
	// {PENDING, RUNNING}. Used by the dispatcher's deduplication check
	// (spec §4.3 "Deduplication") so that resubmitting the master that is
	// itself already running is suppressed rather than queued again.
	HasInFlightMaster(ctx context.Context, deviceID, masterID string) (bool, error)

	// ClearGate clears the WaitingOnGate flag on every master chained to
	// gateMasterID under fire-on-success semantics (spec §4.6 "Chained
	// masters").
	ClearGate(ctx context.Context, gateMasterID string) error
}

// QueueStore is the out-of-core durable device queue collaborator named in
// spec §4.5/§6. RedisQueueStore is the concrete binding.
type QueueStore interface {
	// Offer enqueues entry. Idempotent on (DeviceID, ProbeNodeID): offering
	// an entry already present is a no-op. Returns ErrQueueOverload if the
	// device's queue is already at its soft threshold.
	Offer(ctx context.Context, entry QueueEntry) error

	// Poll removes and returns the highest-priority entry for deviceID, or
	// ok=false if the queue is empty.
	Poll(ctx context.Context, deviceID string) (entry QueueEntry, ok bool, err error)

	// Peek returns the highest-priority entry without removing it.
	Peek(ctx context.Context, deviceID string) (entry QueueEntry, ok bool, err error)

	// Remove cancels a specific (device, master) entry, e.g. when a chained
	// composite is superseded.
	Remove(ctx context.Context, deviceID, masterID string) error

	// Contains reports whether (deviceID, masterID) is currently queued —
	// used by the dispatcher's deduplication check.
	Contains(ctx context.Context, deviceID, masterID string) (bool, error)

	// Size returns the number of entries queued for deviceID.
	Size(ctx context.Context, deviceID string) (int, error)

	// TotalSize returns the number of entries queued across every device.
	TotalSize(ctx context.Context) (int, error)

	// AcquireLock takes a short-TTL advisory lock keyed by key, returning a
	// token that must be passed to ReleaseLock. ok is false if another
	// holder already owns the lock.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)

	// ReleaseLock releases a lock previously acquired with AcquireLock,
	// provided token still matches the current holder.
	ReleaseLock(ctx context.Context, key, token string) error
}

// ErrQueueOverload is returned by QueueStore.Offer when a device's queue is
// at or past its soft threshold (spec §4.5 "Overload").
type ErrQueueOverload struct {
	DeviceID string
	Size     int
}

func (e *ErrQueueOverload) Error() string {
	return "device queue overload: " + e.DeviceID
}
