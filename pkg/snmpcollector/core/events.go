package core

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EventKind enumerates the structured events emitted by every decision point
// in the core (§4.8).
type EventKind string

const (
	EventTickStart           EventKind = "TICK_START"
	EventNextRunInitialized  EventKind = "NEXT_RUN_INITIALIZED"
	EventDispatchDecision    EventKind = "DISPATCH_DECISION"
	EventDuplicateSuppressed EventKind = "DUPLICATE_SUPPRESSED"
	EventTooSoon             EventKind = "TOO_SOON"
	EventQueued              EventKind = "QUEUED"
	EventSlotFreed           EventKind = "SLOT_FREED"
	EventTaskStarted         EventKind = "TASK_STARTED"
	EventTaskCompleted       EventKind = "TASK_COMPLETED"
	EventOverload            EventKind = "OVERLOAD"
	EventOrphanRecovered     EventKind = "ORPHAN_RECOVERED"
	EventShutdown            EventKind = "SHUTDOWN"
)

// Event is one append-only record in the event log, indexed by device id and
// master (probe node) id for the dashboard and for post-mortem debugging.
type Event struct {
	Kind      EventKind
	DeviceID  string
	MasterID  string
	Outcome   string
	Duration  time.Duration
	Metadata  map[string]string
	Timestamp time.Time
}

// EventLog is an append-only, thread-safe sink for Events. It never mutates
// a prior entry; Emit bounds memory by dropping the oldest entries once the
// ring exceeds its capacity, which is a memory policy only
// and not a correctness requirement (spec §4.8 leaves retention out of
// core scope).
type EventLog struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	logger   *slog.Logger

	decisions *prometheus.CounterVec
	completed *prometheus.CounterVec
	overloads prometheus.Counter
	orphans   prometheus.Counter
}

// NewEventLog builds an EventLog backed by an in-memory ring of the given
// capacity plus a set of prometheus counters registered against reg. Pass a
// nil registerer to skip prometheus registration (used in tests).
func NewEventLog(capacity int, logger *slog.Logger, reg prometheus.Registerer) *EventLog {
	if capacity <= 0 {
		capacity = 10000
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	el := &EventLog{
		capacity: capacity,
		logger:   logger,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oltpoller",
			Subsystem: "scheduler",
			Name:      "decisions_total",
			Help:      "Count of scheduling decisions by event kind and outcome.",
		}, []string{"kind", "outcome"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oltpoller",
			Subsystem: "scheduler",
			Name:      "executions_completed_total",
			Help:      "Count of finished executions by final status.",
		}, []string{"status"}),
		overloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oltpoller",
			Subsystem: "scheduler",
			Name:      "queue_overloads_total",
			Help:      "Count of device-queue offers rejected for overload.",
		}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oltpoller",
			Subsystem: "scheduler",
			Name:      "orphans_recovered_total",
			Help:      "Count of PENDING executions reclassified by the watchdog.",
		}),
	}
	if reg != nil {
		reg.MustRegister(el.decisions, el.completed, el.overloads, el.orphans)
	}
	return el
}

// Emit appends ev to the log and updates the matching prometheus series.
// Emit must never block the scheduler tick for more than a few
// microseconds — the in-memory append and counter increments are the only
// work done here.
func (l *EventLog) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.events = append(l.events, ev)
	if over := len(l.events) - l.capacity; over > 0 {
		l.events = l.events[over:]
	}
	l.mu.Unlock()

	switch ev.Kind {
	case EventDispatchDecision:
		l.decisions.WithLabelValues(string(ev.Kind), ev.Outcome).Inc()
	case EventDuplicateSuppressed, EventTooSoon, EventQueued:
		l.decisions.WithLabelValues(string(ev.Kind), "").Inc()
	case EventTaskCompleted:
		l.completed.WithLabelValues(ev.Outcome).Inc()
	case EventOverload:
		l.overloads.Inc()
	case EventOrphanRecovered:
		l.orphans.Inc()
	}

	l.logger.Debug("event",
		"kind", ev.Kind,
		"device_id", ev.DeviceID,
		"master_id", ev.MasterID,
		"outcome", ev.Outcome,
		"duration_ms", ev.Duration.Milliseconds(),
	)
}

// Recent returns a snapshot of up to n most recent events, newest last.
// n <= 0 returns the full retained window.
func (l *EventLog) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n >= len(l.events) {
		out := make([]Event, len(l.events))
		copy(out, l.events)
		return out
	}
	out := make([]Event, n)
	copy(out, l.events[len(l.events)-n:])
	return out
}

// ForDevice filters the retained window to events for a single device id.
func (l *EventLog) ForDevice(deviceID string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.DeviceID == deviceID {
			out = append(out, ev)
		}
	}
	return out
}
