package core

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultQueueSoftThreshold = 100

// deviceHeap is a container/heap.Interface over a single device's pending
// entries, ordered by the frozen key from spec §4.5: (priority desc,
// delay_score desc, enqueue_instant asc). EnqueuedAt is the final tiebreak,
// so ordering within one device is fully deterministic.
type deviceHeap []QueueEntry

func (h deviceHeap) Len() int            { return len(h) }
func (h deviceHeap) Less(i, j int) bool  { return h[i].Less(h[j]) }
func (h deviceHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deviceHeap) Push(x interface{}) { *h = append(*h, x.(QueueEntry)) }
func (h *deviceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// localQueue is the in-process priority-queue mirror of a device's pending
// entries (spec §4.5 "Device pending queue"). It is the structural pattern
// wired in from the pack's own heap-based ready queue, generalized to one
// heap per device and with no re-ranking of waiting entries — the ordering
// key is frozen at Offer time and never recomputed.
type localQueue struct {
	mu           sync.Mutex
	heaps        map[string]*deviceHeap
	softThreshold int
}

func newLocalQueue(softThreshold int) *localQueue {
	if softThreshold <= 0 {
		softThreshold = defaultQueueSoftThreshold
	}
	return &localQueue{heaps: make(map[string]*deviceHeap), softThreshold: softThreshold}
}

func (q *localQueue) offer(entry QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.heaps[entry.DeviceID]
	if !ok {
		h = &deviceHeap{}
		q.heaps[entry.DeviceID] = h
	}
	for _, e := range *h {
		if e.ProbeNodeID == entry.ProbeNodeID {
			return nil // idempotent on (device, master)
		}
	}
	if len(*h) >= q.softThreshold {
		return &ErrQueueOverload{DeviceID: entry.DeviceID, Size: len(*h)}
	}
	heap.Push(h, entry)
	return nil
}

func (q *localQueue) poll(deviceID string) (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.heaps[deviceID]
	if !ok || h.Len() == 0 {
		return QueueEntry{}, false
	}
	return heap.Pop(h).(QueueEntry), true
}

func (q *localQueue) peek(deviceID string) (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.heaps[deviceID]
	if !ok || h.Len() == 0 {
		return QueueEntry{}, false
	}
	return (*h)[0], true
}

func (q *localQueue) remove(deviceID, masterID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.heaps[deviceID]
	if !ok {
		return
	}
	for i, e := range *h {
		if e.ProbeNodeID == masterID {
			heap.Remove(h, i)
			return
		}
	}
}

func (q *localQueue) contains(deviceID, masterID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.heaps[deviceID]
	if !ok {
		return false
	}
	for _, e := range *h {
		if e.ProbeNodeID == masterID {
			return true
		}
	}
	return false
}

func (q *localQueue) size(deviceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.heaps[deviceID]
	if !ok {
		return 0
	}
	return h.Len()
}

func (q *localQueue) totalSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, h := range q.heaps {
		total += h.Len()
	}
	return total
}

// InMemoryQueueStore is a QueueStore implementation backed entirely by
// localQueue plus an in-process lock table. It is used by tests and by
// single-process deployments that do not need a queue shared across
// processes during a rolling deploy; RedisQueueStore is the durable,
// multi-process binding described in spec §4.5.
type InMemoryQueueStore struct {
	q     *localQueue
	locks sync.Map // key -> *lockEntry
}

type lockEntry struct {
	token   string
	expires time.Time
}

// NewInMemoryQueueStore builds a QueueStore with the given per-device soft
// threshold (spec §4.5 default 100).
func NewInMemoryQueueStore(softThreshold int) *InMemoryQueueStore {
	return &InMemoryQueueStore{q: newLocalQueue(softThreshold)}
}

func (s *InMemoryQueueStore) Offer(_ context.Context, entry QueueEntry) error {
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}
	return s.q.offer(entry)
}

func (s *InMemoryQueueStore) Poll(_ context.Context, deviceID string) (QueueEntry, bool, error) {
	e, ok := s.q.poll(deviceID)
	return e, ok, nil
}

func (s *InMemoryQueueStore) Peek(_ context.Context, deviceID string) (QueueEntry, bool, error) {
	e, ok := s.q.peek(deviceID)
	return e, ok, nil
}

func (s *InMemoryQueueStore) Remove(_ context.Context, deviceID, masterID string) error {
	s.q.remove(deviceID, masterID)
	return nil
}

func (s *InMemoryQueueStore) Contains(_ context.Context, deviceID, masterID string) (bool, error) {
	return s.q.contains(deviceID, masterID), nil
}

func (s *InMemoryQueueStore) Size(_ context.Context, deviceID string) (int, error) {
	return s.q.size(deviceID), nil
}

func (s *InMemoryQueueStore) TotalSize(_ context.Context) (int, error) {
	return s.q.totalSize(), nil
}

func (s *InMemoryQueueStore) AcquireLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	now := time.Now()
	token := uuid.NewString()
	existing, loaded := s.locks.LoadOrStore(key, &lockEntry{token: token, expires: now.Add(ttl)})
	if !loaded {
		return token, true, nil
	}
	le := existing.(*lockEntry)
	if now.After(le.expires) {
		// expired: steal it
		s.locks.Store(key, &lockEntry{token: token, expires: now.Add(ttl)})
		return token, true, nil
	}
	return "", false, nil
}

func (s *InMemoryQueueStore) ReleaseLock(_ context.Context, key, token string) error {
	existing, ok := s.locks.Load(key)
	if !ok {
		return nil
	}
	if existing.(*lockEntry).token == token {
		s.locks.Delete(key)
	}
	return nil
}
