package core

import (
	"strings"
	"testing"
	"time"
)

func TestRegistryCreateAndGet(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(time.Hour, nil)
	room := reg.Create()
	if !strings.HasPrefix(room.ID, "r") || !strings.Contains(room.ID, "-") {
		t.Fatalf("room id = %q", room.ID)
	}
	got, ok := reg.Get(room.ID)
	if !ok || got != room {
		t.Fatal("lookup failed")
	}
	if reg.Count() != 1 {
		t.Fatalf("count = %d", reg.Count())
	}

	reg.Dispose(room.ID)
	if _, ok := reg.Get(room.ID); ok {
		t.Fatal("disposed room still present")
	}
}

func TestRegistryIDsAreUnique(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(time.Hour, nil)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := reg.Create().ID
		if seen[id] {
			t.Fatalf("duplicate room id %q", id)
		}
		seen[id] = true
	}
}

func TestSweepRemovesLongEmptyRooms(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(time.Hour, nil)
	room := reg.Create()
	s, _ := newTestSession("p-a")
	_, _, _ = room.AddPlayer(s)
	room.RemovePeer("p-a")

	if removed := reg.Sweep(time.Now()); removed != 0 {
		t.Fatalf("swept %d rooms inside the grace period", removed)
	}
	if removed := reg.Sweep(time.Now().Add(emptyRoomGrace + time.Second)); removed != 1 {
		t.Fatalf("swept %d rooms, want 1", removed)
	}
	if reg.Count() != 0 {
		t.Fatalf("count = %d", reg.Count())
	}
}

func TestSweepRemovesIdleRooms(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(time.Minute, nil)
	room := reg.Create()
	s, _ := newTestSession("p-a")
	_, _, _ = room.AddPlayer(s)

	// Occupied but older than the idle TTL.
	if removed := reg.Sweep(time.Now().Add(2 * time.Minute)); removed != 1 {
		t.Fatalf("swept %d rooms, want 1", removed)
	}
}
