// Package core holds the hub's authoritative session state: connected peers,
// rooms, and the registry that owns room lifecycle. All mutation goes through
// mutex-guarded methods; fanout order is fixed by the room lock.
package core

import (
	"errors"
	"sync"
	"time"

	"gemclash/internal/protocol"
)

// Peer roles within a room.
const (
	RoleNone      = "NONE"
	RoleHost      = "HOST"
	RoleGuest     = "GUEST"
	RoleSpectator = "SPECTATOR"
)

// Session-logical errors surfaced to the originating request.
var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomFull       = errors.New("room is full")
	ErrNotYourTurn    = errors.New("not your turn")
	ErrInvalidMove    = errors.New("invalid move")
	ErrGameNotStarted = errors.New("game has not started")
	ErrStaleSnapshot  = errors.New("snapshot is stale")
	ErrNotInRoom      = errors.New("peer is not in the room")
	ErrNotAPlayer     = errors.New("peer is not a player in the room")
)

// Session is one connected (or reconnect-pending) peer. The outbox is
// replaced on reconnect; the Session itself is stable for the peer's
// lifetime so rooms can hold references across transport drops.
type Session struct {
	PeerID string

	mu         sync.Mutex
	out        *protocol.Outbox
	roomID     string
	role       string
	connected  bool
	latencyMs  float64
	lastActive time.Time
}

// NewSession returns a connected session draining into out.
func NewSession(peerID string, out *protocol.Outbox) *Session {
	return &Session{
		PeerID:     peerID,
		out:        out,
		role:       RoleNone,
		connected:  true,
		lastActive: time.Now(),
	}
}

// Push queues a frame for the peer. Frames pushed while the peer is between
// transports are dropped by the closed outbox and resynced on reattach.
func (s *Session) Push(env protocol.Envelope) error {
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	if out == nil {
		return protocol.ErrOutboxClosed
	}
	err := out.Push(env)
	if errors.Is(err, protocol.ErrBackpressure) {
		// Queue is solid critical frames; the peer cannot keep up and
		// state can no longer be delivered reliably. Abort the transport.
		out.Abort()
	}
	return err
}

// AttachOutbox swaps in a fresh outbox on reconnect and marks the session
// connected. The previous outbox is closed.
func (s *Session) AttachOutbox(out *protocol.Outbox) {
	s.mu.Lock()
	old := s.out
	s.out = out
	s.connected = true
	s.lastActive = time.Now()
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// MarkDisconnected closes the outbox and flags the session as awaiting a
// possible reconnect.
func (s *Session) MarkDisconnected() {
	s.mu.Lock()
	out := s.out
	s.out = nil
	s.connected = false
	s.mu.Unlock()
	if out != nil {
		out.Close()
	}
}

// UsesOutbox reports whether out is the session's current outbox. A
// displaced or disconnected transport no longer speaks for the session.
func (s *Session) UsesOutbox(out *protocol.Outbox) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out == out
}

// Connected reports whether a live transport is attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Room returns the current room id, or "" when not in a room.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Role returns the current role. RoleNone iff the session has no room.
func (s *Session) Role() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// SetRoom records room membership. Clearing the room resets the role.
func (s *Session) SetRoom(roomID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
	if roomID == "" {
		s.role = RoleNone
	} else {
		s.role = role
	}
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

// LastActive returns the last-activity timestamp.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// SetLatency records the last observed round-trip latency.
func (s *Session) SetLatency(ms float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencyMs = ms
}

// Latency returns the last observed round-trip latency in milliseconds.
func (s *Session) Latency() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latencyMs
}
