package statesync

import (
	"errors"
	"fmt"
)

// Change kinds.
const (
	ChangeCell   = "cell"
	ChangeScalar = "scalar"
	ChangeEvents = "events"
	ChangeTurn   = "turn"
)

// ErrBaseVersionMismatch is returned by Apply when the delta's base version
// does not match the snapshot it is applied to. A base version older than the
// local version signals a conflict to the caller.
var ErrBaseVersionMismatch = errors.New("delta base version does not match snapshot version")

// Change is a single sparse state mutation.
type Change struct {
	Kind string `json:"kind"`

	// Kind == cell
	Grid string `json:"grid,omitempty"`
	Row  int    `json:"row,omitempty"`
	Col  int    `json:"col,omitempty"`
	Cell string `json:"cell,omitempty"`

	// Kind == scalar
	Field string `json:"field,omitempty"`
	Value int    `json:"value,omitempty"`

	// Kind == events
	EventProgress int      `json:"eventProgress,omitempty"`
	ActiveEvents  []string `json:"activeEvents,omitempty"`

	// Kind == turn
	Turn string `json:"turn,omitempty"`
}

// Delta is a sparse description of the changes between two snapshots of the
// same producer. Applying it to a snapshot at BaseVersion yields a snapshot
// at Version.
type Delta struct {
	Version     int64    `json:"version"`
	BaseVersion int64    `json:"baseVersion"`
	Changes     []Change `json:"changes"`
	Timestamp   int64    `json:"timestamp"`
}

// Diff computes the change set that turns prev into next. Returns nil when
// the snapshots are identical in all synchronized fields.
func Diff(prev, next Snapshot) []Change {
	var changes []Change
	changes = appendGridDiff(changes, GridPlayer, prev.PlayerGrid, next.PlayerGrid)
	changes = appendGridDiff(changes, GridOpponent, prev.OpponentGrid, next.OpponentGrid)

	for _, field := range []string{FieldPlayerScore, FieldOpponentScore, FieldPlayerMoves, FieldOpponentMoves} {
		pv, _ := prev.scalar(field)
		nv, _ := next.scalar(field)
		if pv != nv {
			changes = append(changes, Change{Kind: ChangeScalar, Field: field, Value: nv})
		}
	}
	if prev.EventProgress != next.EventProgress || !equalEvents(prev.ActiveEvents, next.ActiveEvents) {
		events := make([]string, len(next.ActiveEvents))
		copy(events, next.ActiveEvents)
		changes = append(changes, Change{Kind: ChangeEvents, EventProgress: next.EventProgress, ActiveEvents: events})
	}
	if prev.CurrentTurn != next.CurrentTurn {
		changes = append(changes, Change{Kind: ChangeTurn, Turn: next.CurrentTurn})
	}
	return changes
}

func appendGridDiff(changes []Change, selector string, prev, next Grid) []Change {
	rows, cols := next.Dims()
	pRows, pCols := prev.Dims()
	if pRows > rows {
		rows = pRows
	}
	if pCols > cols {
		cols = pCols
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			pv, nv := "", ""
			if r < pRows && c < pCols {
				pv = prev[r][c]
			}
			if nRows, nCols := next.Dims(); r < nRows && c < nCols {
				nv = next[r][c]
			}
			if pv != nv {
				changes = append(changes, Change{Kind: ChangeCell, Grid: selector, Row: r, Col: c, Cell: nv})
			}
		}
	}
	return changes
}

// Apply applies a delta to a snapshot and returns the resulting snapshot.
// The input snapshot is not mutated. The delta's base version must equal the
// snapshot's version; Apply is idempotent for deltas whose version the
// snapshot already carries.
func Apply(snap Snapshot, delta Delta) (Snapshot, error) {
	if snap.Version == delta.Version {
		// Already applied.
		return snap.Clone(), nil
	}
	if snap.Version != delta.BaseVersion {
		return Snapshot{}, fmt.Errorf("%w: snapshot=%d base=%d", ErrBaseVersionMismatch, snap.Version, delta.BaseVersion)
	}

	out := snap.Clone()
	for _, ch := range delta.Changes {
		switch ch.Kind {
		case ChangeCell:
			grid, ok := out.gridBySelector(ch.Grid)
			if !ok {
				return Snapshot{}, fmt.Errorf("apply delta: unknown grid selector %q", ch.Grid)
			}
			rows, cols := grid.Dims()
			if ch.Row < 0 || ch.Row >= rows || ch.Col < 0 || ch.Col >= cols {
				return Snapshot{}, fmt.Errorf("apply delta: cell (%d,%d) outside %dx%d grid %q", ch.Row, ch.Col, rows, cols, ch.Grid)
			}
			grid[ch.Row][ch.Col] = ch.Cell
		case ChangeScalar:
			if !out.setScalar(ch.Field, ch.Value) {
				return Snapshot{}, fmt.Errorf("apply delta: unknown scalar field %q", ch.Field)
			}
		case ChangeEvents:
			out.EventProgress = ch.EventProgress
			events := make([]string, len(ch.ActiveEvents))
			copy(events, ch.ActiveEvents)
			out.ActiveEvents = events
		case ChangeTurn:
			out.CurrentTurn = ch.Turn
		default:
			return Snapshot{}, fmt.Errorf("apply delta: unknown change kind %q", ch.Kind)
		}
	}
	out.Version = delta.Version
	out.BaseVersion = delta.BaseVersion
	out.Timestamp = delta.Timestamp
	return out, nil
}
