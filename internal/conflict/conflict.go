// Package conflict detects divergence between local and remote state
// snapshots and resolves it under a configurable policy.
package conflict

import (
	"fmt"
	"time"

	"gemclash/internal/statesync"
)

// Conflict types, checked in this order.
const (
	TypeVersionMismatch   = "VERSION_MISMATCH"
	TypeGridInconsistency = "GRID_INCONSISTENCY"
	TypeScoreMismatch     = "SCORE_MISMATCH"
	TypeStateDivergence   = "STATE_DIVERGENCE"
)

// Resolution policies.
const (
	PolicyServerAuthoritative = "SERVER_AUTHORITATIVE"
	PolicyClientAuthoritative = "CLIENT_AUTHORITATIVE"
	PolicyLatestTimestamp     = "LATEST_TIMESTAMP"
	PolicyMerge               = "MERGE"
	PolicyRollback            = "ROLLBACK"
)

// Detection thresholds.
const (
	versionGap      = 1     // |local−remote| above this is a version mismatch
	gridCellGap     = 5     // differing mirrored cells above this is inconsistency
	scoreGap        = 100   // total score divergence above this is a mismatch
	timestampGapMs  = 10000 // timestamp divergence above this is state divergence
	historyCapacity = 100   // retained conflict records
)

// Conflict is one detected divergence.
type Conflict struct {
	Type          string    `json:"type"`
	DetectedAt    time.Time `json:"detectedAt"`
	LocalVersion  int64     `json:"localVersion"`
	RemoteVersion int64     `json:"remoteVersion"`
	Description   string    `json:"description"`
}

// Detect compares a local and a remote snapshot of the same room and returns
// the first divergence found, or nil when the states are consistent.
//
// The grid check compares mirrored pairs: my playerGrid against the remote's
// opponentGrid and vice versa, since each side labels grids from its own
// perspective.
func Detect(local, remote statesync.Snapshot) *Conflict {
	gap := local.Version - remote.Version
	if gap < 0 {
		gap = -gap
	}
	if gap > versionGap {
		return &Conflict{
			Type:          TypeVersionMismatch,
			DetectedAt:    time.Now(),
			LocalVersion:  local.Version,
			RemoteVersion: remote.Version,
			Description:   fmt.Sprintf("version gap %d exceeds %d", gap, versionGap),
		}
	}

	diff := statesync.CellDiffCount(local.PlayerGrid, remote.OpponentGrid)
	if d := statesync.CellDiffCount(local.OpponentGrid, remote.PlayerGrid); d > diff {
		diff = d
	}
	if diff > gridCellGap {
		return &Conflict{
			Type:          TypeGridInconsistency,
			DetectedAt:    time.Now(),
			LocalVersion:  local.Version,
			RemoteVersion: remote.Version,
			Description:   fmt.Sprintf("%d mirrored cells differ (threshold %d)", diff, gridCellGap),
		}
	}

	localSum := local.PlayerScore + local.OpponentScore
	remoteSum := remote.PlayerScore + remote.OpponentScore
	scoreDiff := localSum - remoteSum
	if scoreDiff < 0 {
		scoreDiff = -scoreDiff
	}
	if scoreDiff > scoreGap {
		return &Conflict{
			Type:          TypeScoreMismatch,
			DetectedAt:    time.Now(),
			LocalVersion:  local.Version,
			RemoteVersion: remote.Version,
			Description:   fmt.Sprintf("score totals diverge by %d (threshold %d)", scoreDiff, scoreGap),
		}
	}

	tsDiff := local.Timestamp - remote.Timestamp
	if tsDiff < 0 {
		tsDiff = -tsDiff
	}
	if tsDiff > timestampGapMs {
		return &Conflict{
			Type:          TypeStateDivergence,
			DetectedAt:    time.Now(),
			LocalVersion:  local.Version,
			RemoteVersion: remote.Version,
			Description:   fmt.Sprintf("timestamps diverge by %dms (threshold %dms)", tsDiff, timestampGapMs),
		}
	}
	return nil
}
