package core

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gemclash/internal/protocol"
	"gemclash/internal/statesync"
)

// reconnectWindow is how long a room holds a disconnected player's slot
// before terminating the match as abandoned.
const reconnectWindow = 30 * time.Second

// Recorder receives every frame a room broadcasts. A persistent recorder
// implements match replay by appending frames to durable storage.
type Recorder interface {
	RecordFrame(roomID string, env protocol.Envelope)
}

// slot is one player seat.
type slot struct {
	session      *Session
	peerID       string
	lastMove     int64
	awaiting     bool
	awaitingFrom time.Time
}

// Room is a two-player session plus spectators. All state is guarded by mu;
// broadcasts happen under the lock so every recipient observes accepted
// moves in the same order. Recorder writes happen after the lock is
// released so fanout never waits on storage.
type Room struct {
	ID string

	mu         sync.Mutex
	host       *slot
	guest      *slot
	spectators map[string]*Session
	moveLog    []protocol.MoveRecord
	snapshot   *statesync.Snapshot
	started    bool
	ended      bool
	curTurn    string
	createdAt  time.Time
	emptySince time.Time
	journal    []protocol.Envelope

	// journalMu serializes recorder writes so frames land in broadcast
	// order.
	journalMu sync.Mutex

	recorder Recorder
	now      func() time.Time
}

// NewRoom returns an empty room. recorder may be nil.
func NewRoom(id string, recorder Recorder) *Room {
	now := time.Now()
	return &Room{
		ID:         id,
		spectators: make(map[string]*Session),
		createdAt:  now,
		emptySince: now,
		recorder:   recorder,
		now:        time.Now,
	}
}

// CreatedAt returns the room creation time.
func (r *Room) CreatedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createdAt
}

// Started reports whether both player slots have been filled.
func (r *Room) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Ended reports whether a terminal GAME_END has been broadcast.
func (r *Room) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// PlayerCount returns the number of occupied player slots (0, 1, or 2).
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playerCountLocked()
}

func (r *Room) playerCountLocked() int {
	n := 0
	if r.host != nil {
		n++
	}
	if r.guest != nil {
		n++
	}
	return n
}

// SpectatorCount returns the spectator set size.
func (r *Room) SpectatorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spectators)
}

// MoveCount returns the move log length.
func (r *Room) MoveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.moveLog)
}

// MoveLog returns a copy of the ordered move log.
func (r *Room) MoveLog() []protocol.MoveRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.MoveRecord, len(r.moveLog))
	copy(out, r.moveLog)
	return out
}

// CurrentTurn returns the peer id holding the turn, or "" before start.
func (r *Room) CurrentTurn() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.curTurn
}

// Snapshot returns a copy of the latest authoritative snapshot, or nil.
func (r *Room) Snapshot() *statesync.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapshot == nil {
		return nil
	}
	out := r.snapshot.Clone()
	return &out
}

// Players returns the peer ids in slot order (host first).
func (r *Room) Players() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	if r.host != nil {
		out = append(out, r.host.peerID)
	}
	if r.guest != nil {
		out = append(out, r.guest.peerID)
	}
	return out
}

// Empty reports whether the room has no players and no spectators.
func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emptyLocked()
}

func (r *Room) emptyLocked() bool {
	return r.host == nil && r.guest == nil && len(r.spectators) == 0
}

// EmptySince returns when the room last became empty. Zero while occupied.
func (r *Room) EmptySince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.emptyLocked() {
		return time.Time{}
	}
	return r.emptySince
}

// AddPlayer assigns the session to the host slot if free, else the guest
// slot. Filling the second slot starts the game: the room seeds the turn to
// the host and returns started=true so the caller can emit GAME_START.
func (r *Room) AddPlayer(s *Session) (role string, started bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.host == nil:
		r.host = &slot{session: s, peerID: s.PeerID}
		role = RoleHost
	case r.guest == nil:
		r.guest = &slot{session: s, peerID: s.PeerID}
		role = RoleGuest
	default:
		return "", false, ErrRoomFull
	}

	if r.host != nil && r.guest != nil && !r.started {
		r.started = true
		r.curTurn = r.host.peerID
		started = true
	}

	slog.Info("player joined room", "room_id", r.ID, "peer_id", s.PeerID, "role", role, "started", r.started)
	return role, started, nil
}

// AddSpectator appends the session to the spectator set.
func (r *Room) AddSpectator(s *Session) {
	r.mu.Lock()
	r.spectators[s.PeerID] = s
	count := len(r.spectators)
	r.mu.Unlock()
	slog.Info("spectator joined room", "room_id", r.ID, "peer_id", s.PeerID, "spectators", count)
}

// RemovePeer drops the peer from its slot or the spectator set and
// broadcasts PLAYER_LEFT or SPECTATOR_LEFT to the remaining peers. Returns
// the removed role and whether the room is now empty.
func (r *Room) RemovePeer(peerID string) (role string, empty bool) {
	r.mu.Lock()
	role = RoleNone
	switch {
	case r.host != nil && r.host.peerID == peerID:
		r.host = nil
		role = RoleHost
	case r.guest != nil && r.guest.peerID == peerID:
		r.guest = nil
		role = RoleGuest
	default:
		if _, ok := r.spectators[peerID]; ok {
			delete(r.spectators, peerID)
			role = RoleSpectator
		}
	}

	if role != RoleNone {
		tag := protocol.TypePlayerLeft
		if role == RoleSpectator {
			tag = protocol.TypeSpectatorLeft
		}
		if env, err := protocol.NewEnvelope(tag, "", protocol.PeerEventData{RoomID: r.ID, PeerID: peerID}); err == nil {
			r.broadcastLocked(env, peerID)
		}
	}

	empty = r.emptyLocked()
	if empty {
		r.emptySince = r.now()
	}
	r.mu.Unlock()
	r.flushJournal()

	if role != RoleNone {
		slog.Info("peer left room", "room_id", r.ID, "peer_id", peerID, "role", role, "empty", empty)
	}
	return role, empty
}

// MarkDisconnected flags a player slot as awaiting reconnect and notifies
// the remaining peers. Returns false when the peer is not a player here
// (spectators are simply removed by the caller).
func (r *Room) MarkDisconnected(peerID string) bool {
	r.mu.Lock()
	sl := r.slotOfLocked(peerID)
	if sl == nil {
		r.mu.Unlock()
		return false
	}
	sl.awaiting = true
	sl.awaitingFrom = r.now()
	if env, err := protocol.NewEnvelope(protocol.TypePlayerDisconnected, "", protocol.PeerEventData{RoomID: r.ID, PeerID: peerID}); err == nil {
		r.broadcastLocked(env, peerID)
	}
	r.mu.Unlock()
	r.flushJournal()

	slog.Info("player awaiting reconnect", "room_id", r.ID, "peer_id", peerID, "window", reconnectWindow)
	return true
}

// Rejoin reattaches a returning player to its held slot. The latest
// authoritative snapshot is replayed to the peer and PLAYER_RECONNECTED is
// broadcast to everyone else.
func (r *Room) Rejoin(s *Session) bool {
	r.mu.Lock()
	sl := r.slotOfLocked(s.PeerID)
	if sl == nil {
		r.mu.Unlock()
		return false
	}
	sl.session = s
	sl.awaiting = false
	sl.awaitingFrom = time.Time{}

	if r.snapshot != nil {
		snap := r.snapshot.Clone()
		if env, err := protocol.NewEnvelope(protocol.TypeStateSync, "", protocol.StateSyncData{RoomID: r.ID, State: &snap}); err == nil {
			_ = s.Push(env)
		}
	}
	if env, err := protocol.NewEnvelope(protocol.TypePlayerReconnected, "", protocol.PeerEventData{RoomID: r.ID, PeerID: s.PeerID}); err == nil {
		r.broadcastLocked(env, s.PeerID)
	}
	r.mu.Unlock()
	r.flushJournal()

	slog.Info("player rejoined room", "room_id", r.ID, "peer_id", s.PeerID)
	return true
}

// ExpireReconnect checks whether the peer's reconnect window has elapsed.
// When it has, the match ends as abandoned: GAME_END is broadcast with the
// opponent as winner and the room is marked ended. Returns whether the room
// was terminated and the winning opponent id.
func (r *Room) ExpireReconnect(peerID string) (expired bool, winner string) {
	r.mu.Lock()
	sl := r.slotOfLocked(peerID)
	if sl == nil || !sl.awaiting || r.ended {
		r.mu.Unlock()
		return false, ""
	}
	if r.now().Sub(sl.awaitingFrom) < reconnectWindow {
		r.mu.Unlock()
		return false, ""
	}

	if other := r.otherSlotLocked(peerID); other != nil {
		winner = other.peerID
	}
	r.endLocked(winner, "abandoned")
	r.mu.Unlock()
	r.flushJournal()

	slog.Info("match abandoned", "room_id", r.ID, "peer_id", peerID, "winner", winner)
	return true, winner
}

// End terminates the match with an explicit GAME_END broadcast.
func (r *Room) End(winner, reason string) {
	r.mu.Lock()
	r.endLocked(winner, reason)
	r.mu.Unlock()
	r.flushJournal()
	slog.Info("match ended", "room_id", r.ID, "winner", winner, "reason", reason)
}

func (r *Room) endLocked(winner, reason string) {
	if r.ended {
		return
	}
	r.ended = true
	data := protocol.GameEndData{RoomID: r.ID, Winner: winner, Reason: reason}
	if r.snapshot != nil {
		data.FinalScore = map[string]int{
			"playerScore":   r.snapshot.PlayerScore,
			"opponentScore": r.snapshot.OpponentScore,
		}
	}
	if env, err := protocol.NewEnvelope(protocol.TypeGameEnd, "", data); err == nil {
		r.broadcastLocked(env, "")
	}
}

// RecordMove validates and applies a move: the sender must hold the turn,
// the game must be started, and the move number must extend the sender's
// sequence by exactly one. The accepted move is appended to the log, fanned
// out to the other player and all spectators, and the turn flips.
func (r *Room) RecordMove(peerID string, mv protocol.Move) (protocol.MoveRecord, error) {
	r.mu.Lock()
	defer r.flushJournal()
	defer r.mu.Unlock()

	if !r.started || r.ended {
		return protocol.MoveRecord{}, ErrGameNotStarted
	}
	sl := r.slotOfLocked(peerID)
	if sl == nil {
		return protocol.MoveRecord{}, ErrNotAPlayer
	}
	if r.curTurn != peerID {
		return protocol.MoveRecord{}, ErrNotYourTurn
	}
	if mv.MoveNumber != sl.lastMove+1 {
		return protocol.MoveRecord{}, fmt.Errorf("%w: move number %d, expected %d", ErrInvalidMove, mv.MoveNumber, sl.lastMove+1)
	}

	rec := protocol.MoveRecord{
		Move:            mv,
		OriginPeerID:    peerID,
		ServerTimestamp: r.now().UnixMilli(),
	}
	sl.lastMove = mv.MoveNumber
	r.moveLog = append(r.moveLog, rec)

	if other := r.otherSlotLocked(peerID); other != nil {
		r.curTurn = other.peerID
	}

	env, err := protocol.NewEnvelope(protocol.TypeMove, peerID, protocol.MoveData{RoomID: r.ID, Move: mv})
	if err != nil {
		return protocol.MoveRecord{}, err
	}
	env.Timestamp = rec.ServerTimestamp
	r.broadcastLocked(env, peerID)

	slog.Debug("move recorded", "room_id", r.ID, "peer_id", peerID, "move_number", mv.MoveNumber, "next_turn", r.curTurn)
	return rec, nil
}

// RecordSnapshot stores a player's snapshot as the room's authoritative
// state when it advances the version (ties broken by later timestamp) and
// fans out STATE_SYNC to the other peers.
func (r *Room) RecordSnapshot(peerID string, data protocol.StateSyncData) error {
	r.mu.Lock()
	defer r.flushJournal()
	defer r.mu.Unlock()

	if r.slotOfLocked(peerID) == nil {
		return ErrNotAPlayer
	}
	if data.State == nil {
		return fmt.Errorf("%w: sync carries no full snapshot", ErrInvalidMove)
	}

	if r.snapshot != nil {
		cur := r.snapshot
		if data.State.Version < cur.Version ||
			(data.State.Version == cur.Version && data.State.Timestamp <= cur.Timestamp) {
			return fmt.Errorf("%w: version %d <= %d", ErrStaleSnapshot, data.State.Version, cur.Version)
		}
	}

	snap := data.State.Clone()
	r.snapshot = &snap

	env, err := protocol.NewEnvelope(protocol.TypeStateSync, peerID, protocol.StateSyncData{
		RoomID: r.ID,
		State:  data.State,
		Final:  data.Final,
	})
	if err != nil {
		return err
	}
	r.broadcastLocked(env, peerID)

	slog.Debug("snapshot recorded", "room_id", r.ID, "peer_id", peerID, "version", snap.Version, "final", data.Final)
	return nil
}

// RouteChat fans out a chat frame unchanged to everyone but the sender.
// The sender must be a member of the room.
func (r *Room) RouteChat(peerID string, env protocol.Envelope) error {
	r.mu.Lock()
	defer r.flushJournal()
	defer r.mu.Unlock()

	if r.slotOfLocked(peerID) == nil {
		if _, ok := r.spectators[peerID]; !ok {
			return ErrNotInRoom
		}
	}
	r.broadcastLocked(env, peerID)
	return nil
}

// Broadcast fans out a frame to every member except exceptPeerID.
func (r *Room) Broadcast(env protocol.Envelope, exceptPeerID string) {
	r.mu.Lock()
	r.broadcastLocked(env, exceptPeerID)
	r.mu.Unlock()
	r.flushJournal()
}

// broadcastLocked delivers to connected players and spectators in a fixed
// order (host, guest, spectators) and stages the frame for the recorder.
// Backpressure failures are handled by the transport layer; here they only
// log.
func (r *Room) broadcastLocked(env protocol.Envelope, exceptPeerID string) {
	deliver := func(s *Session) {
		if s == nil || s.PeerID == exceptPeerID {
			return
		}
		if err := s.Push(env); err != nil {
			slog.Debug("room fanout drop", "room_id", r.ID, "peer_id", s.PeerID, "type", env.Type, "err", err)
		}
	}
	if r.host != nil {
		deliver(r.host.session)
	}
	if r.guest != nil {
		deliver(r.guest.session)
	}
	for _, s := range r.spectators {
		deliver(s)
	}
	if r.recorder != nil {
		r.journal = append(r.journal, env)
	}
}

// flushJournal hands staged broadcast frames to the recorder. Callers invoke
// it after releasing mu; journalMu keeps concurrent flushers from
// reordering frames.
func (r *Room) flushJournal() {
	if r.recorder == nil {
		return
	}
	r.journalMu.Lock()
	defer r.journalMu.Unlock()

	r.mu.Lock()
	frames := r.journal
	r.journal = nil
	r.mu.Unlock()

	for _, env := range frames {
		r.recorder.RecordFrame(r.ID, env)
	}
}

func (r *Room) slotOfLocked(peerID string) *slot {
	if r.host != nil && r.host.peerID == peerID {
		return r.host
	}
	if r.guest != nil && r.guest.peerID == peerID {
		return r.guest
	}
	return nil
}

func (r *Room) otherSlotLocked(peerID string) *slot {
	if r.host != nil && r.host.peerID != peerID {
		return r.host
	}
	if r.guest != nil && r.guest.peerID != peerID {
		return r.guest
	}
	return nil
}
