package core

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// emptyRoomGrace is how long an empty room survives before the sweeper
// removes it.
const emptyRoomGrace = 60 * time.Second

// Registry owns the room id space and room lifecycle.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	idleTTL  time.Duration
	recorder Recorder
}

// NewRegistry returns a registry whose rooms expire after idleTTL.
// recorder may be nil.
func NewRegistry(idleTTL time.Duration, recorder Recorder) *Registry {
	if idleTTL <= 0 {
		idleTTL = time.Hour
	}
	return &Registry{
		rooms:    make(map[string]*Room),
		idleTTL:  idleTTL,
		recorder: recorder,
	}
}

// newRoomID builds an unguessable room id: millisecond timestamp in base36
// plus 48 bits of UUID-derived entropy.
func newRoomID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return "r" + strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + suffix
}

// Create registers a new empty room and returns it.
func (g *Registry) Create() *Room {
	room := NewRoom(newRoomID(), g.recorder)

	g.mu.Lock()
	g.rooms[room.ID] = room
	count := len(g.rooms)
	g.mu.Unlock()

	slog.Info("room created", "room_id", room.ID, "total_rooms", count)
	return room
}

// Get looks up a room by id.
func (g *Registry) Get(roomID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[roomID]
	return room, ok
}

// Dispose removes a room from the registry.
func (g *Registry) Dispose(roomID string) {
	g.mu.Lock()
	_, ok := g.rooms[roomID]
	delete(g.rooms, roomID)
	count := len(g.rooms)
	g.mu.Unlock()

	if ok {
		slog.Info("room destroyed", "room_id", roomID, "total_rooms", count)
	}
}

// Rooms returns a snapshot of all live rooms.
func (g *Registry) Rooms() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		out = append(out, room)
	}
	return out
}

// Count returns the number of live rooms.
func (g *Registry) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Sweep removes rooms that have been empty for at least the grace period or
// whose age exceeds the idle TTL. Returns how many rooms were removed.
func (g *Registry) Sweep(now time.Time) int {
	g.mu.Lock()
	var doomed []string
	for id, room := range g.rooms {
		emptySince := room.EmptySince()
		if !emptySince.IsZero() && now.Sub(emptySince) >= emptyRoomGrace {
			doomed = append(doomed, id)
			continue
		}
		if now.Sub(room.CreatedAt()) > g.idleTTL {
			doomed = append(doomed, id)
		}
	}
	for _, id := range doomed {
		delete(g.rooms, id)
	}
	count := len(g.rooms)
	g.mu.Unlock()

	if len(doomed) > 0 {
		slog.Info("rooms swept", "removed", len(doomed), "total_rooms", count)
	}
	return len(doomed)
}
