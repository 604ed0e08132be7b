package core

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gemclash/internal/matchmaker"
	"gemclash/internal/protocol"
)

// ResultSink receives terminal match results. A store-backed sink persists
// them; a nil sink drops them.
type ResultSink interface {
	RecordMatch(roomID, winner, reason string, scores map[string]int, endedAt time.Time)
}

// Hub owns all authoritative session state: the peer map, the room
// registry, the matchmaking queue, and in-memory ratings.
type Hub struct {
	mu      sync.RWMutex
	peers   map[string]*Session
	ratings map[string]float64

	registry *Registry
	queue    *matchmaker.Queue
	results  ResultSink
}

// NewHub wires a hub over its registry and queue. results may be nil.
func NewHub(registry *Registry, queue *matchmaker.Queue, results ResultSink) *Hub {
	return &Hub{
		peers:    make(map[string]*Session),
		ratings:  make(map[string]float64),
		registry: registry,
		queue:    queue,
		results:  results,
	}
}

// Registry exposes the room registry.
func (h *Hub) Registry() *Registry { return h.registry }

// QueueDepth returns the matchmaking queue depth.
func (h *Hub) QueueDepth() int { return h.queue.Len() }

// PeerCount returns the number of known peers, including those inside the
// reconnect grace window.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Peer looks up a session by peer id.
func (h *Hub) Peer(peerID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.peers[peerID]
	return s, ok
}

// Connect registers a transport for a peer. A recognized offered id
// reattaches the existing session, displacing whatever transport held it
// before; a half-open old connection must not strand the peer's room slot.
// Unknown ids get a fresh session. Returns the session and whether this was
// a reattach.
func (h *Hub) Connect(offeredID string, out *protocol.Outbox) (*Session, bool) {
	h.mu.Lock()
	if offeredID != "" {
		if existing, ok := h.peers[offeredID]; ok {
			h.mu.Unlock()
			// Closing the previous outbox makes the stale writer exit; its
			// connection no longer speaks for this session.
			existing.AttachOutbox(out)
			slog.Info("peer reattached", "peer_id", offeredID)
			return existing, true
		}
	}

	peerID := offeredID
	if peerID == "" {
		peerID = "p-" + uuid.NewString()
	}
	s := NewSession(peerID, out)
	h.peers[peerID] = s
	count := len(h.peers)
	h.mu.Unlock()

	slog.Info("peer connected", "peer_id", peerID, "total_peers", count)
	return s, false
}

// Disconnect handles a graceful goodbye: the peer leaves its room, its
// ticket is dropped, and the session is forgotten immediately.
func (h *Hub) Disconnect(s *Session) {
	h.queue.Cancel(s.PeerID)
	if roomID := s.Room(); roomID != "" {
		if room, ok := h.registry.Get(roomID); ok {
			room.RemovePeer(s.PeerID)
		}
		s.SetRoom("", RoleNone)
	}
	s.MarkDisconnected()

	h.mu.Lock()
	delete(h.peers, s.PeerID)
	count := len(h.peers)
	h.mu.Unlock()

	slog.Info("peer disconnected", "peer_id", s.PeerID, "total_peers", count)
}

// PeerLost handles an unexpected transport drop. A player in a started
// match keeps its slot for the reconnect window; everyone else is removed
// immediately.
func (h *Hub) PeerLost(s *Session) {
	s.MarkDisconnected()
	h.queue.Cancel(s.PeerID)

	roomID := s.Room()
	if roomID == "" {
		h.forget(s)
		return
	}
	room, ok := h.registry.Get(roomID)
	if !ok {
		h.forget(s)
		return
	}

	if room.Started() && !room.Ended() && room.MarkDisconnected(s.PeerID) {
		peerID := s.PeerID
		time.AfterFunc(reconnectWindow, func() {
			h.expireReconnect(room, peerID)
		})
		slog.Info("peer lost mid-match", "peer_id", peerID, "room_id", room.ID)
		return
	}

	room.RemovePeer(s.PeerID)
	s.SetRoom("", RoleNone)
	h.forget(s)
}

func (h *Hub) forget(s *Session) {
	h.mu.Lock()
	delete(h.peers, s.PeerID)
	h.mu.Unlock()
	slog.Info("peer forgotten", "peer_id", s.PeerID)
}

func (h *Hub) expireReconnect(room *Room, peerID string) {
	expired, winner := room.ExpireReconnect(peerID)
	if !expired {
		return
	}
	h.finishMatch(room, winner, "abandoned")
	room.RemovePeer(peerID)

	h.mu.Lock()
	s, ok := h.peers[peerID]
	h.mu.Unlock()
	if ok && !s.Connected() {
		s.SetRoom("", RoleNone)
		h.forget(s)
	}
}

// finishMatch records the result and applies the reference Elo update to
// the in-memory ratings.
func (h *Hub) finishMatch(room *Room, winner, reason string) {
	players := room.Players()
	var scores map[string]int
	if snap := room.Snapshot(); snap != nil {
		scores = map[string]int{
			"playerScore":   snap.PlayerScore,
			"opponentScore": snap.OpponentScore,
		}
	}
	if h.results != nil {
		h.results.RecordMatch(room.ID, winner, reason, scores, time.Now())
	}

	if len(players) == 2 && winner != "" {
		a, b := players[0], players[1]
		h.mu.Lock()
		ra, rb := h.ratings[a], h.ratings[b]
		if ra == 0 {
			ra = matchmaker.DefaultRating
		}
		if rb == 0 {
			rb = matchmaker.DefaultRating
		}
		ra, rb = matchmaker.EloUpdate(ra, rb, winner == a)
		h.ratings[a], h.ratings[b] = ra, rb
		h.mu.Unlock()
		slog.Debug("ratings updated", "room_id", room.ID, "winner", winner)
	}
}

// Rating returns a peer's in-memory rating.
func (h *Hub) Rating(peerID string) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.ratings[peerID]; ok {
		return r
	}
	return matchmaker.DefaultRating
}

// --- Request handlers (called from the websocket read loop) ---

// HandleCreateRoom creates a room with the requester as host.
func (h *Hub) HandleCreateRoom(s *Session, env protocol.Envelope) {
	if s.Room() != "" {
		h.pushError(s, env, protocol.CodeProtocolError, "peer is already in a room")
		return
	}
	room := h.registry.Create()
	role, _, err := room.AddPlayer(s)
	if err != nil {
		h.pushError(s, env, protocol.CodeRoomFull, err.Error())
		return
	}
	s.SetRoom(room.ID, role)
	h.reply(s, env, protocol.TypeRoomCreated, protocol.RoomCreatedData{RoomID: room.ID})
}

// HandleJoinRoom routes a join: rejoin of a held slot, spectate, or taking
// the guest seat. Filling the second seat starts the game.
func (h *Hub) HandleJoinRoom(s *Session, env protocol.Envelope) {
	var data protocol.JoinRoomData
	if err := env.DecodeData(&data); err != nil {
		h.pushError(s, env, protocol.CodeProtocolError, "malformed JOIN_ROOM payload")
		return
	}

	room, ok := h.registry.Get(data.RoomID)
	if !ok {
		h.reply(s, env, protocol.TypeRoomNotFound, protocol.RoomRefData{RoomID: data.RoomID})
		return
	}

	// Returning player with a held slot.
	if room.Rejoin(s) {
		s.SetRoom(room.ID, s.Role())
		h.reply(s, env, protocol.TypeRoomJoined, protocol.RoomJoinedData{
			RoomID:    room.ID,
			PeerCount: room.PlayerCount() + room.SpectatorCount(),
			Rejoined:  true,
		})
		return
	}

	if s.Room() != "" {
		h.pushError(s, env, protocol.CodeProtocolError, "peer is already in a room")
		return
	}

	if data.Spectate || room.PlayerCount() == 2 {
		room.AddSpectator(s)
		s.SetRoom(room.ID, RoleSpectator)
		h.reply(s, env, protocol.TypeRoomJoined, protocol.RoomJoinedData{
			RoomID:    room.ID,
			PeerCount: room.PlayerCount() + room.SpectatorCount(),
			Spectator: true,
		})
		return
	}

	opponent := ""
	if players := room.Players(); len(players) > 0 {
		opponent = players[0]
	}
	role, started, err := room.AddPlayer(s)
	if err != nil {
		if errors.Is(err, ErrRoomFull) {
			h.reply(s, env, protocol.TypeRoomFull, protocol.RoomRefData{RoomID: room.ID})
			return
		}
		h.pushError(s, env, protocol.CodeProtocolError, err.Error())
		return
	}
	s.SetRoom(room.ID, role)
	h.reply(s, env, protocol.TypeRoomJoined, protocol.RoomJoinedData{
		RoomID:     room.ID,
		OpponentID: opponent,
		PeerCount:  room.PlayerCount() + room.SpectatorCount(),
	})

	if started {
		players := room.Players()
		start := protocol.GameStartData{
			RoomID:         room.ID,
			Players:        players,
			StartingPlayer: players[0],
		}
		if startEnv, err := protocol.NewEnvelope(protocol.TypeGameStart, "", start); err == nil {
			room.Broadcast(startEnv, "")
		}
		slog.Info("game started", "room_id", room.ID, "players", players)
	}
}

// HandleLeaveRoom removes the requester from its room.
func (h *Hub) HandleLeaveRoom(s *Session, env protocol.Envelope) {
	roomID := s.Room()
	if roomID == "" {
		return
	}
	room, ok := h.registry.Get(roomID)
	if !ok {
		s.SetRoom("", RoleNone)
		return
	}
	wasPlayer := s.Role() == RoleHost || s.Role() == RoleGuest
	room.RemovePeer(s.PeerID)
	s.SetRoom("", RoleNone)

	// A player walking out of a live match forfeits it.
	if wasPlayer && room.Started() && !room.Ended() {
		winner := ""
		if players := room.Players(); len(players) == 1 {
			winner = players[0]
		}
		room.End(winner, "forfeit")
		h.finishMatch(room, winner, "forfeit")
	}
}

// HandleMove validates and routes a move. Accepted moves produce no reply
// to the sender; rejections surface as ERROR frames.
func (h *Hub) HandleMove(s *Session, env protocol.Envelope) {
	var data protocol.MoveData
	if err := env.DecodeData(&data); err != nil {
		h.pushError(s, env, protocol.CodeProtocolError, "malformed MOVE payload")
		return
	}
	room, ok := h.roomOf(s, data.RoomID)
	if !ok {
		h.pushError(s, env, protocol.CodeRoomNotFound, "no such room")
		return
	}
	if _, err := room.RecordMove(s.PeerID, data.Move); err != nil {
		h.pushError(s, env, moveErrorCode(err), err.Error())
	}
}

// HandleStateSync stores a full snapshot as room-authoritative state and
// fans it out; deltas are relayed to the other peers without storage. A
// final sync ends the match.
func (h *Hub) HandleStateSync(s *Session, env protocol.Envelope) {
	var data protocol.StateSyncData
	if err := env.DecodeData(&data); err != nil {
		h.pushError(s, env, protocol.CodeProtocolError, "malformed STATE_SYNC payload")
		return
	}
	room, ok := h.roomOf(s, data.RoomID)
	if !ok {
		h.pushError(s, env, protocol.CodeRoomNotFound, "no such room")
		return
	}

	if data.State == nil {
		// Delta-only sync: relay; consumers reconcile via version numbers.
		relay := env
		relay.PeerID = s.PeerID
		room.Broadcast(relay, s.PeerID)
		return
	}

	if err := room.RecordSnapshot(s.PeerID, data); err != nil {
		if errors.Is(err, ErrStaleSnapshot) {
			h.pushError(s, env, protocol.CodeStaleSnapshot, err.Error())
			return
		}
		h.pushError(s, env, protocol.CodeProtocolError, err.Error())
		return
	}

	if data.Final && !room.Ended() {
		winner := h.winnerFromFinal(s.PeerID, room, data)
		room.End(winner, "completed")
		h.finishMatch(room, winner, "completed")
	}
}

// winnerFromFinal decides the winner from the sender-relative final
// snapshot: the sender wins on a strictly higher own score.
func (h *Hub) winnerFromFinal(senderID string, room *Room, data protocol.StateSyncData) string {
	if data.State.PlayerScore > data.State.OpponentScore {
		return senderID
	}
	if data.State.PlayerScore < data.State.OpponentScore {
		if players := room.Players(); len(players) == 2 {
			if players[0] == senderID {
				return players[1]
			}
			return players[0]
		}
	}
	return "" // draw
}

// HandleChat routes a chat frame unchanged to the rest of the room.
func (h *Hub) HandleChat(s *Session, env protocol.Envelope) {
	var data protocol.ChatData
	if err := env.DecodeData(&data); err != nil || data.Message == "" || len(data.Message) > 500 {
		h.pushError(s, env, protocol.CodeProtocolError, "chat message must be 1-500 bytes")
		return
	}
	room, ok := h.roomOf(s, data.RoomID)
	if !ok {
		h.pushError(s, env, protocol.CodeRoomNotFound, "no such room")
		return
	}
	relay := env
	relay.PeerID = s.PeerID
	if err := room.RouteChat(s.PeerID, relay); err != nil {
		h.pushError(s, env, protocol.CodeProtocolError, err.Error())
	}
}

// HandleFindMatch queues the requester for pairing.
func (h *Hub) HandleFindMatch(s *Session, env protocol.Envelope) {
	if s.Room() != "" {
		h.pushError(s, env, protocol.CodeProtocolError, "peer is already in a room")
		return
	}
	var data protocol.FindMatchData
	_ = env.DecodeData(&data)
	if err := h.queue.Enqueue(s.PeerID, data.Mode); err != nil {
		h.pushError(s, env, protocol.CodeProtocolError, "this mode pairs through room create and join")
	}
}

// HandleCancelMatch drops the requester's matchmaking ticket.
func (h *Hub) HandleCancelMatch(s *Session, _ protocol.Envelope) {
	h.queue.Cancel(s.PeerID)
}

// DrainMatchmaker pairs queued peers: each pair gets a fresh room, both
// peers become players, and each receives GAME_START naming its opponent.
func (h *Hub) DrainMatchmaker() int {
	return h.queue.Drain(
		func(peerID string) bool {
			s, ok := h.Peer(peerID)
			return ok && s.Connected()
		},
		func(a, b matchmaker.Ticket) {
			sa, okA := h.Peer(a.PeerID)
			sb, okB := h.Peer(b.PeerID)
			if !okA || !okB {
				return
			}
			room := h.registry.Create()
			roleA, _, errA := room.AddPlayer(sa)
			roleB, _, errB := room.AddPlayer(sb)
			if errA != nil || errB != nil {
				h.registry.Dispose(room.ID)
				return
			}
			sa.SetRoom(room.ID, roleA)
			sb.SetRoom(room.ID, roleB)

			h.pushGameStart(sa, room.ID, b.PeerID)
			h.pushGameStart(sb, room.ID, a.PeerID)
			slog.Info("matchmade pair", "room_id", room.ID, "host", a.PeerID, "guest", b.PeerID)
		},
	)
}

func (h *Hub) pushGameStart(s *Session, roomID, opponentID string) {
	env, err := protocol.NewEnvelope(protocol.TypeGameStart, "", protocol.GameStartData{
		RoomID:     roomID,
		OpponentID: opponentID,
	})
	if err != nil {
		return
	}
	if pushErr := s.Push(env); pushErr != nil {
		slog.Debug("game start push failed", "peer_id", s.PeerID, "err", pushErr)
	}
}

// SweepRooms removes expired rooms.
func (h *Hub) SweepRooms(now time.Time) int {
	return h.registry.Sweep(now)
}

// RoomSummary is the ops-surface view of one room.
type RoomSummary struct {
	ID         string `json:"id"`
	Players    int    `json:"players"`
	Spectators int    `json:"spectators"`
	Started    bool   `json:"started"`
	Ended      bool   `json:"ended"`
	Moves      int    `json:"moves"`
}

// StateSummary returns summaries for all live rooms.
func (h *Hub) StateSummary() []RoomSummary {
	rooms := h.registry.Rooms()
	out := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, RoomSummary{
			ID:         room.ID,
			Players:    room.PlayerCount(),
			Spectators: room.SpectatorCount(),
			Started:    room.Started(),
			Ended:      room.Ended(),
			Moves:      room.MoveCount(),
		})
	}
	return out
}

// roomOf resolves the room a request targets, preferring the session's
// membership and falling back to the payload's room id for spectator reads.
func (h *Hub) roomOf(s *Session, roomID string) (*Room, bool) {
	if id := s.Room(); id != "" {
		roomID = id
	}
	if roomID == "" {
		return nil, false
	}
	return h.registry.Get(roomID)
}

// reply pushes a response frame correlated to the originating request.
func (h *Hub) reply(s *Session, req protocol.Envelope, tag string, data any) {
	env, err := protocol.NewEnvelope(tag, "", data)
	if err != nil {
		return
	}
	env.MessageID = req.MessageID
	if pushErr := s.Push(env); pushErr != nil {
		slog.Debug("reply push failed", "peer_id", s.PeerID, "type", tag, "err", pushErr)
	}
}

// pushError sends an ERROR frame correlated to the originating request.
func (h *Hub) pushError(s *Session, req protocol.Envelope, code, msg string) {
	h.reply(s, req, protocol.TypeError, protocol.ErrorData{Code: code, Message: msg})
}

func moveErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotYourTurn):
		return protocol.CodeNotYourTurn
	case errors.Is(err, ErrGameNotStarted):
		return protocol.CodeGameNotStarted
	case errors.Is(err, ErrNotAPlayer):
		return protocol.CodeProtocolError
	default:
		return protocol.CodeInvalidMove
	}
}
