package conflict

import (
	"testing"

	"gemclash/internal/statesync"
)

func testConflict(local, remote statesync.Snapshot) Conflict {
	return Conflict{
		Type:          TypeScoreMismatch,
		LocalVersion:  local.Version,
		RemoteVersion: remote.Version,
	}
}

func TestResolverDefaultsToServerAuthoritative(t *testing.T) {
	t.Parallel()

	r := NewResolver("")
	if r.Policy() != PolicyServerAuthoritative {
		t.Fatalf("policy = %q", r.Policy())
	}
	r = NewResolver("BOGUS")
	if r.Policy() != PolicyServerAuthoritative {
		t.Fatalf("unknown policy should fall back, got %q", r.Policy())
	}
}

func TestServerAuthoritativeAdoptsRemote(t *testing.T) {
	t.Parallel()

	local, remote := consistentPair()
	local.PlayerGrid[0][0] = "green"
	remote.PlayerScore = 999

	r := NewResolver(PolicyServerAuthoritative)
	res := r.Resolve(testConflict(local, remote), local, remote)
	if !res.Success {
		t.Fatalf("resolution failed: %+v", res)
	}
	if res.Resolved.PlayerScore != 999 {
		t.Fatalf("resolved state is not remote: %+v", res.Resolved)
	}
	if !res.RollbackRequired {
		t.Fatal("diverged local state should require rollback")
	}
	if len(res.CompensationMoves) == 0 {
		t.Fatal("expected cell compensation moves")
	}
}

func TestClientAuthoritativeKeepsLocal(t *testing.T) {
	t.Parallel()

	local, remote := consistentPair()
	r := NewResolver(PolicyClientAuthoritative)
	res := r.Resolve(testConflict(local, remote), local, remote)
	if res.Resolved.PlayerScore != local.PlayerScore {
		t.Fatalf("resolved state is not local: %+v", res.Resolved)
	}
	if res.RollbackRequired {
		t.Fatal("keeping local state needs no rollback")
	}
}

func TestLatestTimestampPicksNewerSide(t *testing.T) {
	t.Parallel()

	local, remote := consistentPair()
	remote.Timestamp = local.Timestamp + 500

	r := NewResolver(PolicyLatestTimestamp)
	res := r.Resolve(testConflict(local, remote), local, remote)
	if res.Resolved.PlayerScore != remote.PlayerScore {
		t.Fatalf("newer remote should win: %+v", res.Resolved)
	}
	if !res.RollbackRequired {
		t.Fatal("adopting remote requires rollback")
	}

	local.Timestamp = remote.Timestamp + 500
	res = r.Resolve(testConflict(local, remote), local, remote)
	if res.Resolved.PlayerScore != local.PlayerScore {
		t.Fatalf("newer local should win: %+v", res.Resolved)
	}
}

func TestMergeTakesMaxScalarsAndNonEmptyCells(t *testing.T) {
	t.Parallel()

	local := statesync.Snapshot{
		Version:      3,
		Timestamp:    1000,
		PlayerGrid:   statesync.Grid{{"red", ""}},
		PlayerScore:  100,
		PlayerMoves:  4,
		CurrentTurn:  "p-a",
		ActiveEvents: []string{"storm"},
	}
	remote := statesync.Snapshot{
		Version:       5,
		Timestamp:     2000,
		PlayerGrid:    statesync.Grid{{"blue", "gold"}},
		PlayerScore:   80,
		OpponentScore: 120,
		CurrentTurn:   "p-b",
	}

	r := NewResolver(PolicyMerge)
	res := r.Resolve(testConflict(local, remote), local, remote)

	got := res.Resolved
	if got.PlayerScore != 100 || got.OpponentScore != 120 || got.PlayerMoves != 4 {
		t.Fatalf("scalar merge wrong: %+v", got)
	}
	if got.PlayerGrid[0][0] != "red" {
		t.Fatalf("local non-empty cell should win: %q", got.PlayerGrid[0][0])
	}
	if got.PlayerGrid[0][1] != "gold" {
		t.Fatalf("remote should fill empty local cell: %q", got.PlayerGrid[0][1])
	}
	if got.CurrentTurn != "p-b" {
		t.Fatalf("later side should supply the turn: %q", got.CurrentTurn)
	}
	if got.Version != 6 {
		t.Fatalf("merged version = %d, want max+1 = 6", got.Version)
	}
}

func TestRollbackChoosesLowerVersion(t *testing.T) {
	t.Parallel()

	local, remote := consistentPair()
	local.Version = 7
	remote.Version = 4

	r := NewResolver(PolicyRollback)
	res := r.Resolve(testConflict(local, remote), local, remote)
	if res.Resolved.Version != 4 {
		t.Fatalf("rollback version = %d, want 4", res.Resolved.Version)
	}
	if !res.RollbackRequired {
		t.Fatal("rollback resolution must flag rollback")
	}
}

func TestResolverStatsAndHistory(t *testing.T) {
	t.Parallel()

	local, remote := consistentPair()
	r := NewResolver(PolicyServerAuthoritative)

	for i := 0; i < 3; i++ {
		r.Resolve(testConflict(local, remote), local, remote)
	}

	stats := r.Stats()
	if stats.ByType[TypeScoreMismatch] != 3 {
		t.Fatalf("by-type count = %d, want 3", stats.ByType[TypeScoreMismatch])
	}
	if stats.ByStrategy[PolicyServerAuthoritative] != 3 {
		t.Fatalf("by-strategy count = %d, want 3", stats.ByStrategy[PolicyServerAuthoritative])
	}
	if len(r.History()) != 3 {
		t.Fatalf("history = %d, want 3", len(r.History()))
	}
}
