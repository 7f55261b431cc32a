// Package core implements the scheduling and dispatch system that decides
// when each OLT/ONU device is probed next, serializes probes per device, and
// records the outcome of every attempt. It owns no SNMP transport of its
// own — probe execution, config loading, and wire decoding all live in
// sibling packages and are invoked through the collaborator interfaces
// defined in this package (ProbeExecutor, Persistence, QueueStore).
package core

import "time"

// noopWriter discards everything written to it — the fallback destination
// for every constructor in this package that accepts a nil *slog.Logger,
// matching the teacher's own logger-or-noop pattern.
type noopWriter struct{}

func (noopWriter) Write(b []byte) (int, error) { return len(b), nil }

// ExecutionStatus is the lifecycle state of a single ExecutionRow.
type ExecutionStatus string

const (
	StatusPending     ExecutionStatus = "PENDING"
	StatusRunning     ExecutionStatus = "RUNNING"
	StatusSuccess     ExecutionStatus = "SUCCESS"
	StatusFailed      ExecutionStatus = "FAILED"
	StatusInterrupted ExecutionStatus = "INTERRUPTED"
)

// CompositeState is the lifecycle state of a transient composite node.
type CompositeState string

const (
	CompositeCreated         CompositeState = "CREATED"
	CompositeRunningMaster   CompositeState = "RUNNING_MASTER"
	CompositeRunningFollower CompositeState = "RUNNING_FOLLOWER"
	CompositeCompletedOK     CompositeState = "COMPLETED_SUCCESS"
	CompositeCompletedFailed CompositeState = "COMPLETED_FAILED"
	CompositeInterrupted     CompositeState = "COMPLETED_INTERRUPTED"
)

// SlotState is the state of a single poller pool slot.
type SlotState string

const (
	SlotFree SlotState = "FREE"
	SlotBusy SlotState = "BUSY"
)

// ProbeKind distinguishes a discovery probe (enumerates ONU indices) from a
// get probe (collects attributes for already-known indices).
type ProbeKind string

const (
	ProbeDiscovery ProbeKind = "DISCOVERY"
	ProbeGet       ProbeKind = "GET"
)

// Device is the unit of serialization: the scheduler never allows more than
// one in-flight probe per device id, regardless of how many probe nodes or
// composites reference it.
type Device struct {
	ID       string
	Hostname string
	Enabled  bool
}

// ProbeNode is a single schedulable unit of work against a device: either a
// standalone probe, or one member (master or follower) of a composite.
// IsMaster is meaningful only when ChainID is non-empty; a ProbeNode with an
// empty ChainID is always scheduled alone.
type ProbeNode struct {
	ID         string
	DeviceID   string
	Kind       ProbeKind
	Priority   int
	IntervalS  int
	ChainID    string
	IsMaster   bool
	ChainOrder int // follower execution order within ChainID, ignored for masters

	// WaitingOnGate is set on a dependent master created under the
	// fire-on-success semantics of spec §4.2 "Chained masters": while true
	// this node is not eligible for scheduling. Cleared by the completion
	// callback when the gating composite finishes SUCCESS.
	WaitingOnGate bool

	NextRunAt     time.Time
	LastRunAt     time.Time
	LastSuccessAt time.Time
	LastFailureAt time.Time
}

// Composite is the transient scheduling unit created when a ready master is
// dispatched: the master plus its followers, executed in ChainOrder with no
// preemption once started. Composites are not persisted as a distinct row;
// they exist only for the lifetime of one dispatch and are represented here
// purely in memory.
type Composite struct {
	ID         string
	DeviceID   string
	MasterID   string
	Followers  []string // ProbeNode IDs, in ChainOrder
	State      CompositeState
	ExecutionID string // the ExecutionRow this composite is driving
	StartedAt  time.Time
}

// ExecutionRow is the durable record of one attempt to run a composite. It
// is created PENDING when a composite is admitted and finalized exactly
// once; it stays PENDING while its slot runs the composite, as nothing in
// this package moves it to RUNNING.
type ExecutionRow struct {
	ID          string
	DeviceID    string
	CompositeID string
	MasterID    string
	Status      ExecutionStatus
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Error       string
}

// QueueEntry is a durable, per-device record that a probe node is waiting
// for a free slot. Its ordering fields are frozen at enqueue time (spec
// §4.5): the queue never re-ranks a waiting entry as it ages.
type QueueEntry struct {
	ID           string
	DeviceID     string
	ProbeNodeID  string
	Delayed      bool
	DelaySeconds int
	Priority     int
	EnqueuedAt   time.Time
}

// Less implements the frozen per-device queue ordering key from spec §4.5:
// (priority desc, delay_score desc, enqueue_instant asc). Priority is the
// primary key; delay_seconds only breaks ties within the same priority, and
// EnqueuedAt is the final tiebreak among otherwise-equal entries.
func (e QueueEntry) Less(other QueueEntry) bool {
	if e.Priority != other.Priority {
		return e.Priority > other.Priority
	}
	if e.DelaySeconds != other.DelaySeconds {
		return e.DelaySeconds > other.DelaySeconds
	}
	return e.EnqueuedAt.Before(other.EnqueuedAt)
}

// PollerSlot is one unit of fixed concurrency in the poller pool.
type PollerSlot struct {
	Index       int
	State       SlotState
	CompositeID string
	DeviceID    string
	AcquiredAt  time.Time
}
