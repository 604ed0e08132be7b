// Package recovery preserves game snapshots across disconnects: an in-memory
// ring backed by a durable key-value copy of the latest snapshot, plus the
// recovery handshake that reconciles local and server state on reattach.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gemclash/internal/protocol"
	"gemclash/internal/statesync"
)

const (
	// ringCapacity bounds the in-memory snapshot history.
	ringCapacity = 10

	// minPersistInterval throttles durable writes; saves inside the window
	// still land in the ring.
	minPersistInterval = 5 * time.Second

	// recoveryWindow is the longest disconnect a recovery may bridge.
	recoveryWindow = 60 * time.Second
)

// Recovery failures.
var (
	ErrRecoveryTimeout = errors.New("disconnect exceeded the recovery window")
	ErrNoSnapshot      = errors.New("no snapshot available to recover from")
)

// KV is the durable key-value surface the manager persists to. The sqlite
// store satisfies it; tests use an in-memory map.
type KV interface {
	SaveSnapshot(ctx context.Context, key string, payload []byte) error
	LoadSnapshot(ctx context.Context, key string) ([]byte, error)
}

// Durable key layout: one key per room plus a sentinel naming the most
// recent room.
const latestRoomKey = "snapshot:latest-room"

func roomKey(roomID string) string { return "snapshot:" + roomID }

// GameSnapshot is the reconnection blob: everything needed to resume a match
// after a transport drop.
type GameSnapshot struct {
	Timestamp            int64                 `json:"timestamp"`
	RoomID               string                `json:"roomId"`
	PeerID               string                `json:"peerId"`
	OpponentID           string                `json:"opponentId"`
	State                statesync.Snapshot    `json:"state"`
	MoveHistory          []protocol.MoveRecord `json:"moveHistory"`
	LastSyncedMoveNumber int64                 `json:"lastSyncedMoveNumber"`
}

// Manager owns the snapshot ring and the durable copy.
type Manager struct {
	mu          sync.Mutex
	ring        []GameSnapshot
	lastPersist time.Time
	kv          KV
	now         func() time.Time
}

// NewManager returns a manager persisting to kv. kv may be nil; the ring
// still works, durable recovery does not.
func NewManager(kv KV) *Manager {
	return &Manager{kv: kv, now: time.Now}
}

// SaveSnapshot appends to the ring and, outside the persist throttle window,
// writes the latest copy durably.
func (m *Manager) SaveSnapshot(ctx context.Context, snap GameSnapshot) error {
	if snap.RoomID == "" {
		return fmt.Errorf("snapshot has no room id")
	}
	if snap.Timestamp == 0 {
		snap.Timestamp = m.now().UnixMilli()
	}

	m.mu.Lock()
	m.ring = append(m.ring, snap)
	if len(m.ring) > ringCapacity {
		m.ring = m.ring[len(m.ring)-ringCapacity:]
	}
	persist := m.kv != nil && m.now().Sub(m.lastPersist) >= minPersistInterval
	if persist {
		m.lastPersist = m.now()
	}
	m.mu.Unlock()

	if !persist {
		return nil
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := m.kv.SaveSnapshot(ctx, roomKey(snap.RoomID), raw); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	if err := m.kv.SaveSnapshot(ctx, latestRoomKey, []byte(snap.RoomID)); err != nil {
		return fmt.Errorf("persist latest-room sentinel: %w", err)
	}
	slog.Debug("snapshot persisted", "room_id", snap.RoomID, "version", snap.State.Version)
	return nil
}

// Latest returns the most recent ring snapshot.
func (m *Manager) Latest() (GameSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ring) == 0 {
		return GameSnapshot{}, false
	}
	return m.ring[len(m.ring)-1], true
}

// History returns the ring contents, oldest first.
func (m *Manager) History() []GameSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]GameSnapshot, len(m.ring))
	copy(out, m.ring)
	return out
}

// Clear drops the ring, typically after a clean game end.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.ring = nil
	m.mu.Unlock()
}

// loadDurable reads the latest persisted snapshot via the sentinel key.
func (m *Manager) loadDurable(ctx context.Context) (GameSnapshot, bool) {
	if m.kv == nil {
		return GameSnapshot{}, false
	}
	roomRaw, err := m.kv.LoadSnapshot(ctx, latestRoomKey)
	if err != nil || len(roomRaw) == 0 {
		return GameSnapshot{}, false
	}
	raw, err := m.kv.LoadSnapshot(ctx, roomKey(string(roomRaw)))
	if err != nil {
		return GameSnapshot{}, false
	}
	var snap GameSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		slog.Warn("durable snapshot decode failed", "err", err)
		return GameSnapshot{}, false
	}
	return snap, true
}

// Recover reassembles game state after a disconnect. disconnectedFor is how
// long the transport was down; serverState is the authoritative snapshot from
// the post-reconnect sync, nil when the sync failed or was skipped.
//
// Server values win for scores, move counts, and turn; local values fill in
// everything the server does not supply.
func (m *Manager) Recover(ctx context.Context, disconnectedFor time.Duration, serverState *statesync.Snapshot) (GameSnapshot, error) {
	if disconnectedFor > recoveryWindow {
		return GameSnapshot{}, ErrRecoveryTimeout
	}

	local, ok := m.Latest()
	if !ok {
		local, ok = m.loadDurable(ctx)
	}

	switch {
	case !ok && serverState == nil:
		return GameSnapshot{}, ErrNoSnapshot
	case !ok:
		return GameSnapshot{
			Timestamp: m.now().UnixMilli(),
			State:     serverState.Clone(),
		}, nil
	case serverState == nil:
		return local, nil
	}

	merged := local
	merged.State = mergeAuthoritative(local.State, *serverState)
	merged.Timestamp = m.now().UnixMilli()
	slog.Info("game state recovered", "room_id", merged.RoomID,
		"local_version", local.State.Version, "server_version", serverState.Version)
	return merged, nil
}

// mergeAuthoritative overlays server-authoritative fields onto the local
// snapshot.
func mergeAuthoritative(local, server statesync.Snapshot) statesync.Snapshot {
	out := local.Clone()
	out.PlayerScore = server.PlayerScore
	out.OpponentScore = server.OpponentScore
	out.PlayerMoves = server.PlayerMoves
	out.OpponentMoves = server.OpponentMoves
	out.CurrentTurn = server.CurrentTurn
	if server.Version > out.Version {
		out.Version = server.Version
	}
	if server.Timestamp > out.Timestamp {
		out.Timestamp = server.Timestamp
	}
	return out
}
