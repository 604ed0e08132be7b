package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gemclash/internal/statesync"
)

type memKV struct {
	data  map[string][]byte
	saves int
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (kv *memKV) SaveSnapshot(_ context.Context, key string, payload []byte) error {
	kv.saves++
	kv.data[key] = append([]byte(nil), payload...)
	return nil
}

func (kv *memKV) LoadSnapshot(_ context.Context, key string) ([]byte, error) {
	payload, ok := kv.data[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return payload, nil
}

func snapAt(roomID string, version int64) GameSnapshot {
	return GameSnapshot{
		Timestamp: version * 1000,
		RoomID:    roomID,
		PeerID:    "p-a",
		State:     statesync.Snapshot{Version: version, Timestamp: version * 1000, PlayerScore: int(version) * 10},
	}
}

func TestRingKeepsLastTen(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	for v := int64(1); v <= 13; v++ {
		if err := m.SaveSnapshot(context.Background(), snapAt("r-1", v)); err != nil {
			t.Fatalf("save %d: %v", v, err)
		}
	}

	hist := m.History()
	if len(hist) != 10 {
		t.Fatalf("history = %d, want 10", len(hist))
	}
	if hist[0].State.Version != 4 || hist[9].State.Version != 13 {
		t.Fatalf("history spans %d..%d", hist[0].State.Version, hist[9].State.Version)
	}
	latest, ok := m.Latest()
	if !ok || latest.State.Version != 13 {
		t.Fatalf("latest = %+v ok=%v", latest, ok)
	}

	m.Clear()
	if _, ok := m.Latest(); ok {
		t.Fatal("latest after clear")
	}
}

func TestSaveRejectsMissingRoom(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	if err := m.SaveSnapshot(context.Background(), GameSnapshot{}); err == nil {
		t.Fatal("expected error for missing room id")
	}
}

func TestPersistThrottle(t *testing.T) {
	t.Parallel()

	kv := newMemKV()
	m := NewManager(kv)
	clock := time.UnixMilli(0)
	m.now = func() time.Time { return clock }

	// First save persists: room key plus sentinel.
	if err := m.SaveSnapshot(context.Background(), snapAt("r-1", 1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if kv.saves != 2 {
		t.Fatalf("saves = %d, want 2", kv.saves)
	}

	// Inside the window only the ring grows.
	clock = clock.Add(2 * time.Second)
	if err := m.SaveSnapshot(context.Background(), snapAt("r-1", 2)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if kv.saves != 2 {
		t.Fatalf("throttled save hit the store: %d", kv.saves)
	}
	if len(m.History()) != 2 {
		t.Fatalf("ring = %d, want 2", len(m.History()))
	}

	// Past the window the durable copy refreshes.
	clock = clock.Add(4 * time.Second)
	if err := m.SaveSnapshot(context.Background(), snapAt("r-1", 3)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if kv.saves != 4 {
		t.Fatalf("saves = %d, want 4", kv.saves)
	}
}

func TestRecoverTimeout(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	_ = m.SaveSnapshot(context.Background(), snapAt("r-1", 1))
	if _, err := m.Recover(context.Background(), 61*time.Second, nil); !errors.Is(err, ErrRecoveryTimeout) {
		t.Fatalf("recover: %v", err)
	}
}

func TestRecoverWithNoSources(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	if _, err := m.Recover(context.Background(), time.Second, nil); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("recover: %v", err)
	}
}

func TestRecoverFromServerOnly(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	server := statesync.Snapshot{Version: 7, PlayerScore: 70}
	got, err := m.Recover(context.Background(), time.Second, &server)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got.State.Version != 7 || got.State.PlayerScore != 70 {
		t.Fatalf("recovered state: %+v", got.State)
	}
}

func TestRecoverFromLocalOnly(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	_ = m.SaveSnapshot(context.Background(), snapAt("r-1", 3))
	got, err := m.Recover(context.Background(), time.Second, nil)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got.RoomID != "r-1" || got.State.Version != 3 {
		t.Fatalf("recovered: %+v", got)
	}
}

func TestRecoverMergePrefersServerScoresAndTurn(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	local := snapAt("r-1", 5)
	local.State.PlayerGrid = statesync.Grid{{"red", "blue"}}
	local.State.CurrentTurn = "p-a"
	_ = m.SaveSnapshot(context.Background(), local)

	server := statesync.Snapshot{
		Version:       8,
		Timestamp:     9000,
		PlayerScore:   111,
		OpponentScore: 222,
		PlayerMoves:   6,
		CurrentTurn:   "p-b",
	}
	got, err := m.Recover(context.Background(), time.Second, &server)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	st := got.State
	if st.PlayerScore != 111 || st.OpponentScore != 222 || st.PlayerMoves != 6 || st.CurrentTurn != "p-b" {
		t.Fatalf("server fields not authoritative: %+v", st)
	}
	if st.Version != 8 || st.Timestamp != 9000 {
		t.Fatalf("version/timestamp not lifted: %+v", st)
	}
	// The local grid survives; the server sent none.
	if len(st.PlayerGrid) != 1 || st.PlayerGrid[0][0] != "red" {
		t.Fatalf("local grid lost: %+v", st.PlayerGrid)
	}
}

func TestRecoverFallsBackToDurableCopy(t *testing.T) {
	t.Parallel()

	kv := newMemKV()
	writer := NewManager(kv)
	if err := writer.SaveSnapshot(context.Background(), snapAt("r-9", 4)); err != nil {
		t.Fatalf("save: %v", err)
	}

	// A fresh manager sharing the store has an empty ring.
	reader := NewManager(kv)
	got, err := reader.Recover(context.Background(), time.Second, nil)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got.RoomID != "r-9" || got.State.Version != 4 {
		t.Fatalf("recovered: %+v", got)
	}
}

func TestQualityBuckets(t *testing.T) {
	t.Parallel()

	// No samples yet: the link quality is not knowable.
	if got := NewQualityMonitor().Bucket(); got != QualityUnknown {
		t.Fatalf("empty bucket = %q, want %q", got, QualityUnknown)
	}

	cases := []struct {
		latency float64
		want    string
	}{
		{10, QualityExcellent},
		{49, QualityExcellent},
		{50, QualityGood},
		{150, QualityFair},
		{200, QualityPoor},
		{900, QualityPoor},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%vms", tc.latency), func(t *testing.T) {
			t.Parallel()
			q := NewQualityMonitor()
			q.Record(tc.latency)
			if got := q.Bucket(); got != tc.want {
				t.Fatalf("bucket(%v) = %q, want %q", tc.latency, got, tc.want)
			}
		})
	}
}

func TestQualityAverageAndJitter(t *testing.T) {
	t.Parallel()

	q := NewQualityMonitor()
	for _, ms := range []float64{40, 60, 40, 60} {
		q.Record(ms)
	}
	if avg := q.Average(); avg != 50 {
		t.Fatalf("average = %v, want 50", avg)
	}
	if j := q.Jitter(); j != 10 {
		t.Fatalf("jitter = %v, want 10", j)
	}

	// A flat line has no jitter.
	flat := NewQualityMonitor()
	flat.Record(80)
	flat.Record(80)
	if j := flat.Jitter(); j != 0 {
		t.Fatalf("flat jitter = %v", j)
	}
}
