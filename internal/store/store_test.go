package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gemclash/internal/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.LoadSnapshot(ctx, "snapshot:r-1"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("missing snapshot: %v", err)
	}

	if err := st.SaveSnapshot(ctx, "snapshot:r-1", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Upsert replaces in place.
	if err := st.SaveSnapshot(ctx, "snapshot:r-1", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("second save: %v", err)
	}

	payload, err := st.LoadSnapshot(ctx, "snapshot:r-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(payload) != `{"v":2}` {
		t.Fatalf("payload = %s", payload)
	}

	if err := st.DeleteSnapshot(ctx, "snapshot:r-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.LoadSnapshot(ctx, "snapshot:r-1"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("deleted snapshot: %v", err)
	}
}

func TestSaveSnapshotRejectsEmptyKey(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	if err := st.SaveSnapshot(context.Background(), " ", []byte("x")); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestReplayFramesPreserveOrder(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		env, err := protocol.NewEnvelope(protocol.TypeMove, "p-a", protocol.MoveData{
			RoomID: "r-1",
			Move:   protocol.Move{MoveNumber: int64(i)},
		})
		if err != nil {
			t.Fatalf("build frame: %v", err)
		}
		st.RecordFrame("r-1", env)
	}
	// Another room's frames must not leak in.
	other, _ := protocol.NewEnvelope(protocol.TypeChat, "p-x", protocol.ChatData{RoomID: "r-2", Message: "hi"})
	st.RecordFrame("r-2", other)

	frames, err := st.ReplayFrames(ctx, "r-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	for i, env := range frames {
		var data protocol.MoveData
		if err := env.DecodeData(&data); err != nil {
			t.Fatalf("decode frame %d: %v", i, err)
		}
		if data.Move.MoveNumber != int64(i+1) {
			t.Fatalf("frame %d move number = %d", i, data.Move.MoveNumber)
		}
	}

	empty, err := st.ReplayFrames(ctx, "r-none")
	if err != nil || len(empty) != 0 {
		t.Fatalf("unknown room: %d frames, err=%v", len(empty), err)
	}
}

func TestRecentMatchesNewestFirst(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	base := time.UnixMilli(1_700_000_000_000).UTC()
	st.RecordMatch("r-1", "p-a", "completed", map[string]int{"playerScore": 300, "opponentScore": 100}, base)
	st.RecordMatch("r-2", "p-b", "forfeit", nil, base.Add(time.Minute))
	st.RecordMatch("r-3", "", "abandoned", nil, base.Add(2*time.Minute))

	matches, err := st.RecentMatches(ctx, 2)
	if err != nil {
		t.Fatalf("recent matches: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].RoomID != "r-3" || matches[1].RoomID != "r-2" {
		t.Fatalf("order: %q, %q", matches[0].RoomID, matches[1].RoomID)
	}

	all, err := st.RecentMatches(ctx, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("default limit: %d matches, err=%v", len(all), err)
	}
	last := all[2]
	if last.Winner != "p-a" || last.Reason != "completed" || last.Scores["playerScore"] != 300 {
		t.Fatalf("oldest match: %+v", last)
	}
	if !last.EndedAt.Equal(base) {
		t.Fatalf("ended at = %v, want %v", last.EndedAt, base)
	}
}
