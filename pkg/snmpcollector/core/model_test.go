package core_test

import (
	"testing"
	"time"

	"github.com/vpbank/oltpoller/pkg/snmpcollector/core"
)

func TestQueueEntry_Less_Ordering(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		a, b core.QueueEntry
		want bool
	}{
		{
			name: "higher priority wins regardless of delay_seconds",
			a:    core.QueueEntry{Priority: 5, DelaySeconds: 0, EnqueuedAt: now},
			b:    core.QueueEntry{Priority: 1, DelaySeconds: 50, EnqueuedAt: now.Add(-time.Hour)},
			want: true,
		},
		{
			name: "within same priority, larger delay_seconds wins",
			a:    core.QueueEntry{Priority: 3, DelaySeconds: 50, EnqueuedAt: now},
			b:    core.QueueEntry{Priority: 3, DelaySeconds: 10, EnqueuedAt: now.Add(-time.Hour)},
			want: true,
		},
		{
			name: "within same priority and delay, earlier enqueue wins",
			a:    core.QueueEntry{Priority: 3, DelaySeconds: 10, EnqueuedAt: now.Add(-time.Minute)},
			b:    core.QueueEntry{Priority: 3, DelaySeconds: 10, EnqueuedAt: now},
			want: true,
		},
		{
			name: "later enqueue loses within same priority and delay",
			a:    core.QueueEntry{Priority: 3, DelaySeconds: 10, EnqueuedAt: now},
			b:    core.QueueEntry{Priority: 3, DelaySeconds: 10, EnqueuedAt: now.Add(-time.Minute)},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.a.Less(tt.b)
			if got != tt.want {
				t.Errorf("Less() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueueEntry_Less_Irreflexive(t *testing.T) {
	e := core.QueueEntry{DelaySeconds: 10, Priority: 5, EnqueuedAt: time.Now()}
	if e.Less(e) {
		t.Error("an entry must not sort before itself")
	}
}
