package statesync

import (
	"sync"
	"time"
)

// Sync modes.
const (
	ModeFull   = "FULL"
	ModeDelta  = "DELTA"
	ModeHybrid = "HYBRID"
)

const (
	// keyframeEvery forces a full snapshot on every Nth sync in hybrid mode.
	keyframeEvery = 10
	// maxDeltaChanges is the change-record count above which hybrid mode
	// falls back to a full snapshot.
	maxDeltaChanges = 50
	// staleVersionWindow is how far behind the local version a remote
	// snapshot may be and still be accepted.
	staleVersionWindow = 5
)

// Stats aggregates synchronizer counters.
type Stats struct {
	TotalSyncs   int     `json:"totalSyncs"`
	FullSyncs    int     `json:"fullSyncs"`
	DeltaSyncs   int     `json:"deltaSyncs"`
	AvgDeltaSize float64 `json:"avgDeltaSize"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	Conflicts    int     `json:"conflicts"`
}

// Payload is one outbound sync unit: either a full snapshot or a delta,
// never both.
type Payload struct {
	State *Snapshot
	Delta *Delta
}

// Synchronizer produces versioned snapshots and sync payloads for one
// producer. Versions are strictly monotone per synchronizer.
type Synchronizer struct {
	mu       sync.Mutex
	mode     string
	version  int64
	current  *Snapshot
	previous *Snapshot
	stats    Stats

	deltaSizeSum int
	latencySum   float64
	latencyCount int

	now func() time.Time
}

// NewSynchronizer returns a synchronizer in the given mode. An empty mode
// selects hybrid.
func NewSynchronizer(mode string) *Synchronizer {
	switch mode {
	case ModeFull, ModeDelta, ModeHybrid:
	default:
		mode = ModeHybrid
	}
	return &Synchronizer{mode: mode, now: time.Now}
}

// Mode returns the configured sync mode.
func (s *Synchronizer) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Version returns the last assigned version.
func (s *Synchronizer) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Current returns a copy of the current snapshot, or nil before the first
// capture.
func (s *Synchronizer) Current() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	out := s.current.Clone()
	return &out
}

// Capture ingests the game engine's exposed state, stamps it with the next
// version and the current time, and makes it the current snapshot. The
// previous current snapshot becomes the delta base.
func (s *Synchronizer) Capture(state Snapshot) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.version++
	snap := state.Clone()
	snap.Version = s.version
	snap.Timestamp = s.now().UnixMilli()
	if s.current != nil {
		snap.BaseVersion = s.current.Version
	}

	s.previous = s.current
	s.current = &snap
	out := snap.Clone()
	return out
}

// PrepareSync decides between full and delta for the current snapshot and
// returns the payload to transmit. Returns a zero payload when nothing has
// been captured yet, or when delta mode finds no changes to send.
func (s *Synchronizer) PrepareSync() Payload {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return Payload{}
	}

	var delta *Delta
	if s.previous != nil {
		if changes := Diff(*s.previous, *s.current); len(changes) > 0 {
			delta = &Delta{
				Version:     s.current.Version,
				BaseVersion: s.previous.Version,
				Changes:     changes,
				Timestamp:   s.current.Timestamp,
			}
		} else if s.mode == ModeDelta {
			// Nothing changed; delta mode has nothing to transmit.
			return Payload{}
		}
	}

	s.stats.TotalSyncs++
	if s.useDeltaLocked(delta) {
		s.stats.DeltaSyncs++
		s.deltaSizeSum += len(delta.Changes)
		s.stats.AvgDeltaSize = float64(s.deltaSizeSum) / float64(s.stats.DeltaSyncs)
		return Payload{Delta: delta}
	}

	s.stats.FullSyncs++
	full := s.current.Clone()
	return Payload{State: &full}
}

// useDeltaLocked implements the mode selection rules. The first sync is
// always full because no previous snapshot exists.
func (s *Synchronizer) useDeltaLocked(delta *Delta) bool {
	if delta == nil {
		return false
	}
	switch s.mode {
	case ModeFull:
		return false
	case ModeDelta:
		return true
	default: // hybrid
		if s.stats.TotalSyncs%keyframeEvery == 0 {
			return false
		}
		return len(delta.Changes) <= maxDeltaChanges
	}
}

// AcceptRemote reports whether a remote snapshot is fresh enough to apply.
// Remotes more than staleVersionWindow versions behind are discarded.
func (s *Synchronizer) AcceptRemote(remote Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return remote.Version >= s.version-staleVersionWindow
}

// AdoptRemote replaces the current snapshot with a remotely resolved state
// and advances the local version counter past it so subsequent captures stay
// monotone.
func (s *Synchronizer) AdoptRemote(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	adopted := snap.Clone()
	s.previous = s.current
	s.current = &adopted
	if adopted.Version > s.version {
		s.version = adopted.Version
	}
}

// RecordLatency folds one measured sync round-trip into the running average.
func (s *Synchronizer) RecordLatency(ms float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencySum += ms
	s.latencyCount++
	s.stats.AvgLatencyMs = s.latencySum / float64(s.latencyCount)
}

// RecordConflict bumps the conflict counter.
func (s *Synchronizer) RecordConflict() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Conflicts++
}

// Stats returns a copy of the aggregated counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
