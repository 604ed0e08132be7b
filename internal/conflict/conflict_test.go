package conflict

import (
	"testing"

	"gemclash/internal/statesync"
)

func grid(rows, cols int, fill string) statesync.Grid {
	g := make(statesync.Grid, rows)
	for i := range g {
		g[i] = make([]string, cols)
		for j := range g[i] {
			g[i][j] = fill
		}
	}
	return g
}

// consistentPair returns a local/remote snapshot pair that agrees: each
// side's playerGrid mirrors the other side's opponentGrid.
func consistentPair() (statesync.Snapshot, statesync.Snapshot) {
	local := statesync.Snapshot{
		Version:       5,
		Timestamp:     10_000,
		PlayerGrid:    grid(4, 4, "red"),
		OpponentGrid:  grid(4, 4, "blue"),
		PlayerScore:   200,
		OpponentScore: 150,
	}
	remote := statesync.Snapshot{
		Version:       5,
		Timestamp:     10_500,
		PlayerGrid:    grid(4, 4, "blue"),
		OpponentGrid:  grid(4, 4, "red"),
		PlayerScore:   150,
		OpponentScore: 200,
	}
	return local, remote
}

func TestDetectNoConflict(t *testing.T) {
	t.Parallel()

	local, remote := consistentPair()
	if c := Detect(local, remote); c != nil {
		t.Fatalf("expected no conflict, got %+v", c)
	}
}

func TestDetectVersionMismatch(t *testing.T) {
	t.Parallel()

	local, remote := consistentPair()
	remote.Version = local.Version + 2
	c := Detect(local, remote)
	if c == nil || c.Type != TypeVersionMismatch {
		t.Fatalf("expected VERSION_MISMATCH, got %+v", c)
	}
}

func TestDetectToleratesSingleVersionGap(t *testing.T) {
	t.Parallel()

	local, remote := consistentPair()
	remote.Version = local.Version + 1
	if c := Detect(local, remote); c != nil {
		t.Fatalf("gap of 1 should be tolerated, got %+v", c)
	}
}

func TestDetectGridInconsistency(t *testing.T) {
	t.Parallel()

	local, remote := consistentPair()
	// Six mirrored cells diverge, one above the threshold.
	for i := 0; i < 6; i++ {
		remote.OpponentGrid[i/4][i%4] = "green"
	}
	c := Detect(local, remote)
	if c == nil || c.Type != TypeGridInconsistency {
		t.Fatalf("expected GRID_INCONSISTENCY, got %+v", c)
	}
}

func TestDetectScoreMismatch(t *testing.T) {
	t.Parallel()

	local, remote := consistentPair()
	remote.PlayerScore += 101
	c := Detect(local, remote)
	if c == nil || c.Type != TypeScoreMismatch {
		t.Fatalf("expected SCORE_MISMATCH, got %+v", c)
	}
}

func TestDetectStateDivergence(t *testing.T) {
	t.Parallel()

	local, remote := consistentPair()
	remote.Timestamp = local.Timestamp + 10_001
	c := Detect(local, remote)
	if c == nil || c.Type != TypeStateDivergence {
		t.Fatalf("expected STATE_DIVERGENCE, got %+v", c)
	}
}

func TestDetectOrderVersionBeforeGrid(t *testing.T) {
	t.Parallel()

	local, remote := consistentPair()
	remote.Version = local.Version + 3
	remote.OpponentGrid = grid(4, 4, "green")
	c := Detect(local, remote)
	if c == nil || c.Type != TypeVersionMismatch {
		t.Fatalf("version check should win, got %+v", c)
	}
}
