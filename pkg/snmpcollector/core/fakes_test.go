package core_test

import (
	"context"
	"sync"
	"time"

	"github.com/vpbank/oltpoller/pkg/snmpcollector/core"
)

// fakePersistence is a hand-rolled, in-memory Persistence used across the
// dispatcher/callback/watchdog/scheduler tests. Every behavior is driven by
// plain fields rather than a mocking framework, matching the pack's own
// test-double style.
type fakePersistence struct {
	mu sync.Mutex

	masters   []core.ProbeNode
	followers map[string][]core.ProbeNode
	devices   map[string]core.Device

	// inFlight maps deviceID -> the masterID currently occupying that
	// device's single PENDING/RUNNING execution row (spec §3 "at most one
	// in-flight probe per device"). Absence means the device is free.
	inFlight map[string]string

	written     []core.ExecutionRow
	updated     []core.ExecutionRow
	finalized   []finalizeCall
	interrupted []core.ExecutionRow
	orphans     []core.ExecutionRow
	gatesCleared []string
	nextRunInits []nextRunInit

	writeErr          error
	finalizeErr       error
	finalizeInterrErr error
	hasInFlightErr    error
}

type finalizeCall struct {
	row       core.ExecutionRow
	nextRunAt time.Time
}

type nextRunInit struct {
	nodeID    string
	nextRunAt time.Time
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{
		followers: make(map[string][]core.ProbeNode),
		devices:   make(map[string]core.Device),
		inFlight:  make(map[string]string),
	}
}

func (f *fakePersistence) LoadEnabledMasters(ctx context.Context, now time.Time) ([]core.ProbeNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.ProbeNode, len(f.masters))
	copy(out, f.masters)
	return out, nil
}

func (f *fakePersistence) LoadFollowers(ctx context.Context, masterID string) ([]core.ProbeNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.followers[masterID], nil
}

func (f *fakePersistence) LoadDevice(ctx context.Context, deviceID string) (core.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[deviceID]
	if !ok {
		return core.Device{}, errNotFound
	}
	return d, nil
}

func (f *fakePersistence) InitializeNextRun(ctx context.Context, nodeID string, nextRunAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRunInits = append(f.nextRunInits, nextRunInit{nodeID: nodeID, nextRunAt: nextRunAt})
	return nil
}

func (f *fakePersistence) WriteExecution(ctx context.Context, row core.ExecutionRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, row)
	f.inFlight[row.DeviceID] = row.MasterID
	return nil
}

func (f *fakePersistence) UpdateExecution(ctx context.Context, row core.ExecutionRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, row)
	return nil
}

func (f *fakePersistence) FinalizeExecution(ctx context.Context, row core.ExecutionRow, nextRunAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	f.finalized = append(f.finalized, finalizeCall{row: row, nextRunAt: nextRunAt})
	delete(f.inFlight, row.DeviceID)
	return nil
}

func (f *fakePersistence) FinalizeInterrupted(ctx context.Context, row core.ExecutionRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalizeInterrErr != nil {
		return f.finalizeInterrErr
	}
	f.interrupted = append(f.interrupted, row)
	delete(f.inFlight, row.DeviceID)
	return nil
}

func (f *fakePersistence) FindOrphanedExecutions(ctx context.Context, olderThan time.Time) ([]core.ExecutionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.ExecutionRow, len(f.orphans))
	copy(out, f.orphans)
	return out, nil
}

func (f *fakePersistence) HasInFlight(ctx context.Context, deviceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hasInFlightErr != nil {
		return false, f.hasInFlightErr
	}
	_, ok := f.inFlight[deviceID]
	return ok, nil
}

func (f *fakePersistence) HasInFlightMaster(ctx context.Context, deviceID, masterID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hasInFlightErr != nil {
		return false, f.hasInFlightErr
	}
	return f.inFlight[deviceID] == masterID, nil
}

func (f *fakePersistence) ClearGate(ctx context.Context, gateMasterID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gatesCleared = append(f.gatesCleared, gateMasterID)
	return nil
}

// errNotFound is returned by fakePersistence.LoadDevice for unknown ids.
var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "not found" }

// fakeExecutor is a hand-rolled ProbeExecutor whose result is driven per
// node id, recording every call it receives.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []string // node ids, in call order
	results map[string]core.ProbeResult
	block   chan struct{} // if non-nil, Execute waits on it before returning
	delay   time.Duration
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{results: make(map[string]core.ProbeResult)}
}

func (e *fakeExecutor) Execute(ctx context.Context, device core.Device, node core.ProbeNode) core.ProbeResult {
	e.mu.Lock()
	e.calls = append(e.calls, node.ID)
	result, ok := e.results[node.ID]
	e.mu.Unlock()

	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return core.ProbeResult{Status: core.StatusInterrupted}
		}
	}
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return core.ProbeResult{Status: core.StatusInterrupted}
		}
	}

	if !ok {
		return core.ProbeResult{Status: core.StatusSuccess}
	}
	return result
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *fakeExecutor) callOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	copy(out, e.calls)
	return out
}
