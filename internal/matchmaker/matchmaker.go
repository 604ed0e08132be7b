// Package matchmaker pairs waiting peers FIFO. The hub drains the queue on
// a fixed interval; search timeouts are a client-side concern.
package matchmaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Matchmaking modes. Only RANDOM has dedicated behavior at the core level;
// RANKED degrades to RANDOM, and INVITE/CUSTOM flows go through the room
// registry directly.
const (
	ModeRandom = "RANDOM"
	ModeRanked = "RANKED"
	ModeInvite = "INVITE"
	ModeCustom = "CUSTOM"
)

// ErrModeNotQueueable is returned by Enqueue for modes whose matches are
// formed through room create and join rather than FIFO pairing.
var ErrModeNotQueueable = errors.New("mode is not served by the queue")

// Ticket is one queued search.
type Ticket struct {
	PeerID     string
	Mode       string
	EnqueuedAt time.Time
}

// Queue is the FIFO pairing queue.
type Queue struct {
	mu      sync.Mutex
	tickets []Ticket
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends a ticket. A peer already in the queue keeps its original
// position; re-enqueueing is a no-op. INVITE and CUSTOM are rejected: those
// matches are formed by creating and joining a room directly.
func (q *Queue) Enqueue(peerID, mode string) error {
	switch mode {
	case ModeInvite, ModeCustom:
		return fmt.Errorf("%w: %s", ErrModeNotQueueable, mode)
	case ModeRandom, ModeRanked:
	default:
		mode = ModeRandom
	}

	q.mu.Lock()
	for _, t := range q.tickets {
		if t.PeerID == peerID {
			q.mu.Unlock()
			return nil
		}
	}
	q.tickets = append(q.tickets, Ticket{PeerID: peerID, Mode: mode, EnqueuedAt: time.Now()})
	depth := len(q.tickets)
	q.mu.Unlock()

	slog.Info("matchmaking ticket queued", "peer_id", peerID, "mode", mode, "queue_depth", depth)
	return nil
}

// Cancel removes the peer's ticket. Returns whether one was removed.
func (q *Queue) Cancel(peerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.tickets {
		if t.PeerID == peerID {
			q.tickets = append(q.tickets[:i], q.tickets[i+1:]...)
			slog.Info("matchmaking ticket canceled", "peer_id", peerID, "queue_depth", len(q.tickets))
			return true
		}
	}
	return false
}

// Len returns the queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tickets)
}

// Drain pairs tickets oldest-first while at least two remain. alive filters
// out tickets whose peer has disconnected; such tickets are discarded
// silently. pair receives each matched pair.
func (q *Queue) Drain(alive func(peerID string) bool, pair func(a, b Ticket)) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	matched := 0
	var live []Ticket
	for _, t := range q.tickets {
		if alive == nil || alive(t.PeerID) {
			live = append(live, t)
		}
	}
	q.tickets = live

	for len(q.tickets) >= 2 {
		a, b := q.tickets[0], q.tickets[1]
		q.tickets = q.tickets[2:]
		pair(a, b)
		matched++
	}
	return matched
}
