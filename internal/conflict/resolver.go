package conflict

import (
	"fmt"
	"sync"
	"time"

	"gemclash/internal/statesync"
)

// latencyAlpha is the EWMA gain for resolution latency.
const latencyAlpha = 0.3

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	Success           bool               `json:"success"`
	Strategy          string             `json:"strategy"`
	Resolved          statesync.Snapshot `json:"resolvedState"`
	RollbackRequired  bool               `json:"rollbackRequired"`
	CompensationMoves []statesync.Change `json:"compensationMoves,omitempty"`
	Message           string             `json:"message,omitempty"`
}

// Stats aggregates resolver observability counters.
type Stats struct {
	ByType       map[string]int `json:"byType"`
	ByStrategy   map[string]int `json:"byStrategy"`
	AvgLatencyMs float64        `json:"avgLatencyMs"`
}

// Resolver applies a configured policy to detected conflicts and keeps a
// bounded history of conflict records for observability.
type Resolver struct {
	mu      sync.Mutex
	policy  string
	history []Conflict
	stats   Stats

	now func() time.Time
}

// NewResolver returns a resolver with the given policy. An empty or unknown
// policy selects SERVER_AUTHORITATIVE.
func NewResolver(policy string) *Resolver {
	switch policy {
	case PolicyServerAuthoritative, PolicyClientAuthoritative, PolicyLatestTimestamp, PolicyMerge, PolicyRollback:
	default:
		policy = PolicyServerAuthoritative
	}
	return &Resolver{
		policy: policy,
		stats:  Stats{ByType: make(map[string]int), ByStrategy: make(map[string]int)},
		now:    time.Now,
	}
}

// Policy returns the configured policy.
func (r *Resolver) Policy() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy
}

// SetPolicy switches the resolution policy.
func (r *Resolver) SetPolicy(policy string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = policy
}

// Resolve applies the configured policy to a detected conflict between the
// local snapshot and the remote (server-origin) snapshot.
//
// Compensation moves are cell-level diffs from the local grids to the chosen
// state; the game app replays them to converge without a full re-render.
func (r *Resolver) Resolve(c Conflict, local, remote statesync.Snapshot) Resolution {
	start := r.now()

	r.mu.Lock()
	policy := r.policy
	r.mu.Unlock()

	var res Resolution
	switch policy {
	case PolicyClientAuthoritative:
		res = Resolution{
			Success:  true,
			Strategy: policy,
			Resolved: local.Clone(),
			Message:  "kept local state",
		}

	case PolicyLatestTimestamp:
		if remote.Timestamp > local.Timestamp {
			res = Resolution{
				Success:           true,
				Strategy:          policy,
				Resolved:          remote.Clone(),
				RollbackRequired:  true,
				CompensationMoves: cellCompensation(local, remote),
				Message:           "remote state is newer",
			}
		} else {
			res = Resolution{
				Success:  true,
				Strategy: policy,
				Resolved: local.Clone(),
				Message:  "local state is newer",
			}
		}

	case PolicyMerge:
		merged := merge(local, remote)
		res = Resolution{
			Success:           true,
			Strategy:          policy,
			Resolved:          merged,
			CompensationMoves: cellCompensation(local, merged),
			Message:           "merged local and remote state",
		}

	case PolicyRollback:
		chosen := local
		if remote.Version < local.Version {
			chosen = remote
		}
		res = Resolution{
			Success:          true,
			Strategy:         policy,
			Resolved:         chosen.Clone(),
			RollbackRequired: true,
			Message:          fmt.Sprintf("rolled back to version %d", chosen.Version),
		}

	default: // server authoritative
		res = Resolution{
			Success:           true,
			Strategy:          PolicyServerAuthoritative,
			Resolved:          remote.Clone(),
			RollbackRequired:  localDisagrees(local, remote),
			CompensationMoves: cellCompensation(local, remote),
			Message:           "adopted server state",
		}
	}

	elapsed := float64(r.now().Sub(start).Microseconds()) / 1000.0

	r.mu.Lock()
	r.history = append(r.history, c)
	if len(r.history) > historyCapacity {
		r.history = r.history[len(r.history)-historyCapacity:]
	}
	r.stats.ByType[c.Type]++
	r.stats.ByStrategy[res.Strategy]++
	if r.stats.AvgLatencyMs == 0 {
		r.stats.AvgLatencyMs = elapsed
	} else {
		r.stats.AvgLatencyMs = latencyAlpha*elapsed + (1-latencyAlpha)*r.stats.AvgLatencyMs
	}
	r.mu.Unlock()

	return res
}

// Record notes a conflict that was detected but could not be resolved in
// place, such as a delta whose base trails the local snapshot. It feeds the
// same history and per-type counters as Resolve.
func (r *Resolver) Record(c Conflict) {
	r.mu.Lock()
	r.history = append(r.history, c)
	if len(r.history) > historyCapacity {
		r.history = r.history[len(r.history)-historyCapacity:]
	}
	r.stats.ByType[c.Type]++
	r.mu.Unlock()
}

// History returns a copy of the retained conflict records, oldest first.
func (r *Resolver) History() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conflict, len(r.history))
	copy(out, r.history)
	return out
}

// Stats returns a copy of the aggregated counters.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Stats{
		ByType:       make(map[string]int, len(r.stats.ByType)),
		ByStrategy:   make(map[string]int, len(r.stats.ByStrategy)),
		AvgLatencyMs: r.stats.AvgLatencyMs,
	}
	for k, v := range r.stats.ByType {
		out.ByType[k] = v
	}
	for k, v := range r.stats.ByStrategy {
		out.ByStrategy[k] = v
	}
	return out
}

// localDisagrees reports whether the local snapshot differs from the target
// in any synchronized field.
func localDisagrees(local, target statesync.Snapshot) bool {
	return len(statesync.Diff(local, target)) > 0
}

// cellCompensation returns the cell-level changes that take the local grids
// to the target grids.
func cellCompensation(local, target statesync.Snapshot) []statesync.Change {
	var cells []statesync.Change
	for _, ch := range statesync.Diff(local, target) {
		if ch.Kind == statesync.ChangeCell {
			cells = append(cells, ch)
		}
	}
	return cells
}

// merge synthesizes a snapshot from both sides: scalars take the max, the
// later snapshot supplies timestamp, turn, and active events, and each cell
// takes the non-empty value, preferring local when both are non-empty.
func merge(local, remote statesync.Snapshot) statesync.Snapshot {
	out := local.Clone()

	later := remote
	if local.Timestamp >= remote.Timestamp {
		later = local
	}
	out.Timestamp = later.Timestamp
	out.CurrentTurn = later.CurrentTurn
	out.ActiveEvents = make([]string, len(later.ActiveEvents))
	copy(out.ActiveEvents, later.ActiveEvents)

	out.PlayerScore = maxInt(local.PlayerScore, remote.PlayerScore)
	out.OpponentScore = maxInt(local.OpponentScore, remote.OpponentScore)
	out.PlayerMoves = maxInt(local.PlayerMoves, remote.PlayerMoves)
	out.OpponentMoves = maxInt(local.OpponentMoves, remote.OpponentMoves)
	out.EventProgress = maxInt(local.EventProgress, remote.EventProgress)

	out.PlayerGrid = mergeGrids(local.PlayerGrid, remote.PlayerGrid)
	out.OpponentGrid = mergeGrids(local.OpponentGrid, remote.OpponentGrid)

	out.Version = maxInt64(local.Version, remote.Version) + 1
	out.BaseVersion = 0
	return out
}

func mergeGrids(local, remote statesync.Grid) statesync.Grid {
	out := local.Clone()
	rows, cols := out.Dims()
	rRows, rCols := remote.Dims()
	for r := 0; r < rows && r < rRows; r++ {
		for c := 0; c < cols && c < rCols; c++ {
			if out[r][c] == "" && remote[r][c] != "" {
				out[r][c] = remote[r][c]
			}
		}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
