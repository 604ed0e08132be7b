// Package protocol defines the JSON wire envelope exchanged between hub and
// peers, the typed payload per message tag, and the bounded outbound queue
// policy shared by both ends.
package protocol

import (
	"encoding/json"
	"time"

	"gemclash/internal/statesync"
)

// Message tags.
const (
	TypeConnect            = "CONNECT"
	TypeDisconnect         = "DISCONNECT"
	TypeCreateRoom         = "CREATE_ROOM"
	TypeRoomCreated        = "ROOM_CREATED"
	TypeJoinRoom           = "JOIN_ROOM"
	TypeRoomJoined         = "ROOM_JOINED"
	TypeRoomNotFound       = "ROOM_NOT_FOUND"
	TypeRoomFull           = "ROOM_FULL"
	TypeLeaveRoom          = "LEAVE_ROOM"
	TypeFindMatch          = "FIND_MATCH"
	TypeCancelMatch        = "CANCEL_MATCH"
	TypeGameStart          = "GAME_START"
	TypeMove               = "MOVE"
	TypeStateSync          = "STATE_SYNC"
	TypeGameEnd            = "GAME_END"
	TypeChat               = "CHAT"
	TypePing               = "PING"
	TypePong               = "PONG"
	TypeError              = "ERROR"
	TypePlayerLeft         = "PLAYER_LEFT"
	TypeSpectatorLeft      = "SPECTATOR_LEFT"
	TypePlayerDisconnected = "PLAYER_DISCONNECTED"
	TypePlayerReconnected  = "PLAYER_RECONNECTED"
)

// Error codes carried by ERROR frames.
const (
	CodeRoomNotFound       = "ROOM_NOT_FOUND"
	CodeRoomFull           = "ROOM_FULL"
	CodeInvalidMove        = "INVALID_MOVE"
	CodeNotYourTurn        = "NOT_YOUR_TURN"
	CodeGameNotStarted     = "GAME_NOT_STARTED"
	CodeStaleSnapshot      = "STALE_SNAPSHOT"
	CodeConnectionTimeout  = "CONNECTION_TIMEOUT"
	CodeReconnectionFailed = "RECONNECTION_FAILED"
	CodeProtocolError      = "PROTOCOL_ERROR"
	CodeBackpressureAbort  = "BACKPRESSURE_ABORT"
)

// knownTypes is the set of tags this build understands. Frames with other
// tags are dropped with a throttled warning.
var knownTypes = map[string]struct{}{
	TypeConnect: {}, TypeDisconnect: {}, TypeCreateRoom: {}, TypeRoomCreated: {},
	TypeJoinRoom: {}, TypeRoomJoined: {}, TypeRoomNotFound: {}, TypeRoomFull: {},
	TypeLeaveRoom: {}, TypeFindMatch: {}, TypeCancelMatch: {}, TypeGameStart: {},
	TypeMove: {}, TypeStateSync: {}, TypeGameEnd: {}, TypeChat: {}, TypePing: {},
	TypePong: {}, TypeError: {}, TypePlayerLeft: {}, TypeSpectatorLeft: {},
	TypePlayerDisconnected: {}, TypePlayerReconnected: {},
}

// KnownType reports whether the tag is part of the protocol.
func KnownType(tag string) bool {
	_, ok := knownTypes[tag]
	return ok
}

// Envelope is the wire frame. Data carries a tag-specific payload; unknown
// fields in either are ignored on read.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	PeerID    string          `json:"peerId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// NewEnvelope builds an envelope with the payload marshaled and the current
// time stamped in.
func NewEnvelope(tag, peerID string, data any) (Envelope, error) {
	env := Envelope{Type: tag, PeerID: peerID, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = raw
	}
	return env, nil
}

// DecodeData unmarshals the tag-specific payload into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Critical reports whether a frame may never be dropped by the outbound
// queue: moves, game start/end, and terminal state syncs.
func (e Envelope) Critical() bool {
	switch e.Type {
	case TypeMove, TypeGameStart, TypeGameEnd:
		return true
	case TypeStateSync:
		var d StateSyncData
		if err := e.DecodeData(&d); err != nil {
			return false
		}
		return d.Final
	}
	return false
}

// Pos is one grid coordinate of a move token.
type Pos struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Move is the opaque move token: a swap of two grid coordinates plus the
// sender's per-room move number.
type Move struct {
	PosA       Pos   `json:"posA"`
	PosB       Pos   `json:"posB"`
	MoveNumber int64 `json:"moveNumber"`
}

// MoveRecord is a move with its routing metadata as recorded in a room's
// move log and in reconnection blobs.
type MoveRecord struct {
	Move            Move   `json:"move"`
	OriginPeerID    string `json:"originPeerId"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

// ConnectData is the CONNECT payload in both directions. A client may offer
// a previously assigned peer id; the hub echoes the authoritative one with
// status "connected".
type ConnectData struct {
	PeerID string `json:"peerId,omitempty"`
	Status string `json:"status,omitempty"`
}

// DisconnectData is the DISCONNECT payload.
type DisconnectData struct {
	PeerID string `json:"peerId"`
	Reason string `json:"reason,omitempty"`
}

// CreateRoomData is the CREATE_ROOM payload.
type CreateRoomData struct {
	PeerID string `json:"peerId"`
}

// RoomCreatedData is the ROOM_CREATED payload.
type RoomCreatedData struct {
	RoomID string `json:"roomId"`
}

// JoinRoomData is the JOIN_ROOM payload. Spectate requests read-only
// membership when both player slots are taken.
type JoinRoomData struct {
	RoomID   string `json:"roomId"`
	PeerID   string `json:"peerId"`
	Spectate bool   `json:"spectate,omitempty"`
}

// RoomJoinedData is the ROOM_JOINED payload.
type RoomJoinedData struct {
	RoomID     string `json:"roomId"`
	OpponentID string `json:"opponentId,omitempty"`
	PeerCount  int    `json:"peerCount"`
	Spectator  bool   `json:"spectator,omitempty"`
	Rejoined   bool   `json:"rejoined,omitempty"`
}

// RoomRefData names a room in ROOM_NOT_FOUND / ROOM_FULL / LEAVE_ROOM style
// payloads.
type RoomRefData struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId,omitempty"`
}

// FindMatchData is the FIND_MATCH payload.
type FindMatchData struct {
	PeerID string `json:"peerId"`
	Mode   string `json:"mode,omitempty"`
}

// GameStartData is the GAME_START payload. Matchmade pairs receive the
// OpponentID form; rooms filled by JOIN_ROOM receive the Players form.
type GameStartData struct {
	RoomID         string   `json:"roomId"`
	Players        []string `json:"players,omitempty"`
	StartingPlayer string   `json:"startingPlayer,omitempty"`
	OpponentID     string   `json:"opponentId,omitempty"`
}

// MoveData is the MOVE payload in both directions.
type MoveData struct {
	RoomID string `json:"roomId"`
	Move   Move   `json:"move"`
}

// StateSyncData is the STATE_SYNC payload: exactly one of State or Delta is
// set. Final marks the terminal sync of a finished game.
type StateSyncData struct {
	RoomID string              `json:"roomId"`
	State  *statesync.Snapshot `json:"state,omitempty"`
	Delta  *statesync.Delta    `json:"delta,omitempty"`
	Final  bool                `json:"final,omitempty"`
}

// GameEndData is the GAME_END payload.
type GameEndData struct {
	RoomID     string         `json:"roomId,omitempty"`
	Winner     string         `json:"winner,omitempty"`
	Reason     string         `json:"reason"`
	FinalScore map[string]int `json:"finalScore,omitempty"`
}

// ChatData is the CHAT payload; the core routes it unchanged.
type ChatData struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// PingData is the PING/PONG payload. The responder echoes the timestamp.
type PingData struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorData is the ERROR payload.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// PeerEventData names a peer in PLAYER_LEFT / SPECTATOR_LEFT /
// PLAYER_DISCONNECTED / PLAYER_RECONNECTED payloads.
type PeerEventData struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}
