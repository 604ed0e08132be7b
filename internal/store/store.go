// Package store persists match history, replay frames, and recovery
// snapshots in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"gemclash/internal/protocol"
)

// ErrSnapshotNotFound is returned when no snapshot exists for a key.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Store persists server state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	key TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	updated_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS replay_frames (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	frame TEXT NOT NULL,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_replay_room ON replay_frames(room_id, id);

CREATE TABLE IF NOT EXISTS matches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	winner TEXT NOT NULL,
	reason TEXT NOT NULL,
	scores TEXT NOT NULL,
	ended_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_matches_room ON matches(room_id);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// SaveSnapshot upserts a snapshot payload under a key.
func (s *Store) SaveSnapshot(ctx context.Context, key string, payload []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("snapshot key is required")
	}
	const q = `INSERT OR REPLACE INTO snapshots (key, payload, updated_at_unix_ms) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, key, string(payload), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	slog.Debug("snapshot saved", "key", key, "size", len(payload))
	return nil
}

// LoadSnapshot returns the payload stored under a key.
func (s *Store) LoadSnapshot(ctx context.Context, key string) ([]byte, error) {
	const q = `SELECT payload FROM snapshots WHERE key = ?`
	var payload string
	err := s.db.QueryRowContext(ctx, q, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return []byte(payload), nil
}

// DeleteSnapshot removes the snapshot stored under a key.
func (s *Store) DeleteSnapshot(ctx context.Context, key string) error {
	const q = `DELETE FROM snapshots WHERE key = ?`
	if _, err := s.db.ExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// RecordFrame appends one broadcast frame to a room's replay log. Encode
// failures are logged and dropped so room broadcasting never stalls on the
// replay path.
func (s *Store) RecordFrame(roomID string, env protocol.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		slog.Warn("replay frame encode failed", "room_id", roomID, "err", err)
		return
	}
	const q = `INSERT INTO replay_frames (room_id, frame, ts) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(context.Background(), q, roomID, string(raw), env.Timestamp); err != nil {
		slog.Warn("replay frame persist failed", "room_id", roomID, "err", err)
	}
}

// ReplayFrames returns a room's broadcast log in original order.
func (s *Store) ReplayFrames(ctx context.Context, roomID string) ([]protocol.Envelope, error) {
	const q = `SELECT frame FROM replay_frames WHERE room_id = ? ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, roomID)
	if err != nil {
		return nil, fmt.Errorf("query replay frames: %w", err)
	}
	defer rows.Close()

	var frames []protocol.Envelope
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan replay frame: %w", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("decode replay frame: %w", err)
		}
		frames = append(frames, env)
	}
	slog.Debug("replay frames loaded", "room_id", roomID, "count", len(frames))
	return frames, rows.Err()
}

// RecordMatch persists one terminal match result.
func (s *Store) RecordMatch(roomID, winner, reason string, scores map[string]int, endedAt time.Time) {
	raw, err := json.Marshal(scores)
	if err != nil {
		raw = []byte("{}")
	}
	const q = `INSERT INTO matches (room_id, winner, reason, scores, ended_at_unix_ms) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(context.Background(), q, roomID, winner, reason, string(raw), endedAt.UnixMilli()); err != nil {
		slog.Warn("match result persist failed", "room_id", roomID, "err", err)
		return
	}
	slog.Debug("match recorded", "room_id", roomID, "winner", winner, "reason", reason)
}

// MatchRow is one persisted match result.
type MatchRow struct {
	ID      int64
	RoomID  string
	Winner  string
	Reason  string
	Scores  map[string]int
	EndedAt time.Time
}

// RecentMatches returns the most recent match results, newest first.
func (s *Store) RecentMatches(ctx context.Context, limit int) ([]MatchRow, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, room_id, winner, reason, scores, ended_at_unix_ms
FROM matches
ORDER BY id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}
	defer rows.Close()

	var matches []MatchRow
	for rows.Next() {
		var (
			m       MatchRow
			scores  string
			endedMs int64
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Winner, &m.Reason, &scores, &endedMs); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		if err := json.Unmarshal([]byte(scores), &m.Scores); err != nil {
			m.Scores = nil
		}
		m.EndedAt = time.UnixMilli(endedMs).UTC()
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
