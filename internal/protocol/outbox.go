package protocol

import (
	"context"
	"errors"
	"sync"
)

// DefaultOutboxSize is the per-peer outbound queue bound.
const DefaultOutboxSize = 256

// Outbox errors.
var (
	// ErrBackpressure means the queue is full of critical frames; the
	// connection must be closed with BACKPRESSURE_ABORT.
	ErrBackpressure = errors.New("outbound queue full of critical frames")
	ErrOutboxClosed = errors.New("outbound queue closed")
)

// Outbox is a bounded outbound frame queue. On overflow the oldest
// non-critical frame is dropped; critical frames (MOVE, GAME_START,
// GAME_END, terminal STATE_SYNC) are never dropped.
type Outbox struct {
	mu      sync.Mutex
	frames  []Envelope
	max     int
	closed  bool
	aborted bool
	dropped int

	notify chan struct{}
}

// NewOutbox returns a queue bounded to max frames. max <= 0 selects
// DefaultOutboxSize.
func NewOutbox(max int) *Outbox {
	if max <= 0 {
		max = DefaultOutboxSize
	}
	return &Outbox{max: max, notify: make(chan struct{}, 1)}
}

// Push enqueues a frame. When the queue is at capacity the oldest
// non-critical frame is evicted first; if every queued frame is critical,
// Push fails with ErrBackpressure.
func (o *Outbox) Push(env Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOutboxClosed
	}
	if len(o.frames) >= o.max {
		evicted := false
		for i, queued := range o.frames {
			if !queued.Critical() {
				o.frames = append(o.frames[:i], o.frames[i+1:]...)
				o.dropped++
				evicted = true
				break
			}
		}
		if !evicted {
			return ErrBackpressure
		}
	}
	o.frames = append(o.frames, env)

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop blocks until a frame is available, the queue is closed, or the context
// is canceled.
func (o *Outbox) Pop(ctx context.Context) (Envelope, error) {
	for {
		o.mu.Lock()
		if len(o.frames) > 0 {
			env := o.frames[0]
			o.frames = o.frames[1:]
			o.mu.Unlock()
			return env, nil
		}
		closed, aborted := o.closed, o.aborted
		o.mu.Unlock()

		if aborted {
			return Envelope{}, ErrBackpressure
		}
		if closed {
			return Envelope{}, ErrOutboxClosed
		}
		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-o.notify:
		}
	}
}

// Close marks the queue closed. Pending frames are discarded.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.frames = nil
	o.closed = true
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Abort closes the queue because it overflowed with critical frames. A
// blocked Pop observes ErrBackpressure so the transport can close the
// connection with the backpressure code.
func (o *Outbox) Abort() {
	o.mu.Lock()
	o.frames = nil
	o.closed = true
	o.aborted = true
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued frames.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

// Dropped returns how many non-critical frames were evicted on overflow.
func (o *Outbox) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
