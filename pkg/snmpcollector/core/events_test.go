package core_test

import (
	"testing"

	"github.com/vpbank/oltpoller/pkg/snmpcollector/core"
)

func TestEventLog_RecentReturnsNewestLast(t *testing.T) {
	log := core.NewEventLog(10, nil, nil)
	log.Emit(core.Event{Kind: core.EventTickStart, DeviceID: "dev-1"})
	log.Emit(core.Event{Kind: core.EventQueued, DeviceID: "dev-2"})
	log.Emit(core.Event{Kind: core.EventSlotFreed, DeviceID: "dev-3"})

	recent := log.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("len(Recent(2)) = %d, want 2", len(recent))
	}
	if recent[0].DeviceID != "dev-2" || recent[1].DeviceID != "dev-3" {
		t.Errorf("Recent(2) = %+v, want [dev-2, dev-3] in that order", recent)
	}
}

func TestEventLog_RingBufferTrimsOldestEntries(t *testing.T) {
	log := core.NewEventLog(2, nil, nil)
	log.Emit(core.Event{Kind: core.EventTickStart, DeviceID: "dev-1"})
	log.Emit(core.Event{Kind: core.EventQueued, DeviceID: "dev-2"})
	log.Emit(core.Event{Kind: core.EventSlotFreed, DeviceID: "dev-3"})

	all := log.Recent(0)
	if len(all) != 2 {
		t.Fatalf("len(Recent(0)) = %d, want 2 (capacity bound)", len(all))
	}
	if all[0].DeviceID != "dev-2" || all[1].DeviceID != "dev-3" {
		t.Errorf("Recent(0) = %+v, want the two newest entries", all)
	}
}

func TestEventLog_ForDeviceFiltersByDeviceID(t *testing.T) {
	log := core.NewEventLog(10, nil, nil)
	log.Emit(core.Event{Kind: core.EventTaskStarted, DeviceID: "dev-1"})
	log.Emit(core.Event{Kind: core.EventTaskCompleted, DeviceID: "dev-2"})
	log.Emit(core.Event{Kind: core.EventTaskCompleted, DeviceID: "dev-1"})

	got := log.ForDevice("dev-1")
	if len(got) != 2 {
		t.Fatalf("len(ForDevice(dev-1)) = %d, want 2", len(got))
	}
	for _, ev := range got {
		if ev.DeviceID != "dev-1" {
			t.Errorf("ForDevice returned event for %q", ev.DeviceID)
		}
	}
}

func TestEventLog_EmitStampsTimestampWhenZero(t *testing.T) {
	log := core.NewEventLog(10, nil, nil)
	log.Emit(core.Event{Kind: core.EventShutdown})

	recent := log.Recent(1)
	if len(recent) != 1 {
		t.Fatalf("len(Recent(1)) = %d, want 1", len(recent))
	}
	if recent[0].Timestamp.IsZero() {
		t.Error("Emit must stamp a zero Timestamp with the current time")
	}
}
