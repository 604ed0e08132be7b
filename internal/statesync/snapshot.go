// Package statesync implements snapshot/delta state synchronization for a
// battle session. Each producer stamps its own monotone version counter;
// consumers apply deltas against a matching base version and fall back to
// full snapshots on keyframes or divergence.
package statesync

// Grid selectors used in cell change records.
const (
	GridPlayer   = "player"
	GridOpponent = "opponent"
)

// Scalar field names used in scalar change records.
const (
	FieldPlayerScore   = "playerScore"
	FieldOpponentScore = "opponentScore"
	FieldPlayerMoves   = "playerMoves"
	FieldOpponentMoves = "opponentMoves"
)

// Grid is a rectangular array of opaque cell tags. The core never interprets
// tags; an empty string means an empty cell.
type Grid [][]string

// Clone returns a deep copy of the grid.
func (g Grid) Clone() Grid {
	if g == nil {
		return nil
	}
	out := make(Grid, len(g))
	for i, row := range g {
		out[i] = make([]string, len(row))
		copy(out[i], row)
	}
	return out
}

// Dims returns the grid dimensions as (rows, cols). A nil grid is 0x0.
func (g Grid) Dims() (rows, cols int) {
	if len(g) == 0 {
		return 0, 0
	}
	return len(g), len(g[0])
}

// Snapshot is a full capture of one room's synchronized state at a version.
type Snapshot struct {
	Version       int64    `json:"version"`
	BaseVersion   int64    `json:"baseVersion,omitempty"`
	Timestamp     int64    `json:"timestamp"`
	PlayerGrid    Grid     `json:"playerGrid"`
	OpponentGrid  Grid     `json:"opponentGrid"`
	PlayerScore   int      `json:"playerScore"`
	OpponentScore int      `json:"opponentScore"`
	PlayerMoves   int      `json:"playerMoves"`
	OpponentMoves int      `json:"opponentMoves"`
	EventProgress int      `json:"eventProgress"`
	ActiveEvents  []string `json:"activeEvents,omitempty"`
	CurrentTurn   string   `json:"currentTurn,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.PlayerGrid = s.PlayerGrid.Clone()
	out.OpponentGrid = s.OpponentGrid.Clone()
	if s.ActiveEvents != nil {
		out.ActiveEvents = make([]string, len(s.ActiveEvents))
		copy(out.ActiveEvents, s.ActiveEvents)
	}
	return out
}

// scalar returns the named counter value.
func (s Snapshot) scalar(field string) (int, bool) {
	switch field {
	case FieldPlayerScore:
		return s.PlayerScore, true
	case FieldOpponentScore:
		return s.OpponentScore, true
	case FieldPlayerMoves:
		return s.PlayerMoves, true
	case FieldOpponentMoves:
		return s.OpponentMoves, true
	}
	return 0, false
}

// setScalar assigns the named counter value.
func (s *Snapshot) setScalar(field string, value int) bool {
	switch field {
	case FieldPlayerScore:
		s.PlayerScore = value
	case FieldOpponentScore:
		s.OpponentScore = value
	case FieldPlayerMoves:
		s.PlayerMoves = value
	case FieldOpponentMoves:
		s.OpponentMoves = value
	default:
		return false
	}
	return true
}

// gridBySelector returns the grid named by a cell change selector.
func (s *Snapshot) gridBySelector(sel string) (Grid, bool) {
	switch sel {
	case GridPlayer:
		return s.PlayerGrid, true
	case GridOpponent:
		return s.OpponentGrid, true
	}
	return nil, false
}

// equalEvents reports whether two active-event lists match element-wise.
func equalEvents(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CellDiffCount counts differing cells between two grids. Cells outside the
// smaller grid's bounds count as differing.
func CellDiffCount(a, b Grid) int {
	aRows, aCols := a.Dims()
	bRows, bCols := b.Dims()
	rows, cols := aRows, aCols
	if bRows > rows {
		rows = bRows
	}
	if bCols > cols {
		cols = bCols
	}
	diff := 0
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			av, bv := "", ""
			if r < aRows && c < aCols {
				av = a[r][c]
			}
			if r < bRows && c < bCols {
				bv = b[r][c]
			}
			if av != bv {
				diff++
			}
		}
	}
	return diff
}
