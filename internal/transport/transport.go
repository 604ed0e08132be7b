// Package transport is the client side of the wire: one websocket at a time,
// the CONNECT handshake, the heartbeat with smoothed RTT, and the reconnect
// loop that rehydrates the peer id and rejoins an active room.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"gemclash/internal/protocol"
)

// Connection states.
const (
	StateDisconnected = "DISCONNECTED"
	StateConnecting   = "CONNECTING"
	StateConnected    = "CONNECTED"
	StateReconnecting = "RECONNECTING"
	StateError        = "ERROR"
)

const (
	// connectTimeout bounds the dial plus CONNECT handshake.
	connectTimeout = 10 * time.Second

	writeTimeout = 5 * time.Second

	// pingInterval drives the heartbeat; maxMissedPongs consecutive silent
	// intervals declare the connection lost.
	pingInterval   = 5 * time.Second
	maxMissedPongs = 6

	// rttAlpha is the smoothing gain for the latency estimate.
	rttAlpha = 0.3

	// Reconnect loop: up to maxReconnectAttempts with backoff
	// reconnectBackoffStep x attempt number.
	maxReconnectAttempts = 5
	reconnectBackoffStep = 2 * time.Second
)

// ErrNotConnected is returned by Send when no transport is attached.
var ErrNotConnected = errors.New("transport is not connected")

// Transport manages the websocket connection to the hub. The outbox lives
// for the transport's lifetime: frames queued while the link is down are
// flushed once a reconnect attaches a fresh connection.
type Transport struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	state  string
	url    string
	peerID string
	roomID string
	cancel context.CancelFunc

	outbox *protocol.Outbox

	// Heartbeat and reconnect tuning, fixed at construction.
	pingInterval   time.Duration
	maxMissedPongs int32
	maxReconnects  int
	backoffStep    time.Duration

	// smoothedRTT is stored as float64 bits for atomic access.
	smoothedRTT atomic.Uint64
	missedPongs atomic.Int32

	// closing marks a user-initiated Close so the read loop does not start
	// the reconnect loop.
	closing atomic.Bool

	cbMu           sync.RWMutex
	onFrame        func(protocol.Envelope)
	onStateChange  func(state string)
	onDisconnected func(reason string)
}

// NewTransport creates a disconnected transport.
func NewTransport() *Transport {
	return &Transport{
		state:          StateDisconnected,
		outbox:         protocol.NewOutbox(protocol.DefaultOutboxSize),
		pingInterval:   pingInterval,
		maxMissedPongs: maxMissedPongs,
		maxReconnects:  maxReconnectAttempts,
		backoffStep:    reconnectBackoffStep,
	}
}

// --- Callback setters. Register before calling Connect. ---

func (t *Transport) SetOnFrame(fn func(protocol.Envelope)) {
	t.cbMu.Lock()
	t.onFrame = fn
	t.cbMu.Unlock()
}

func (t *Transport) SetOnStateChange(fn func(state string)) {
	t.cbMu.Lock()
	t.onStateChange = fn
	t.cbMu.Unlock()
}

func (t *Transport) SetOnDisconnected(fn func(reason string)) {
	t.cbMu.Lock()
	t.onDisconnected = fn
	t.cbMu.Unlock()
}

// State returns the current connection state.
func (t *Transport) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// PeerID returns the hub-assigned peer id, or "" before the first handshake.
// The id is stable across reconnects for the process lifetime.
func (t *Transport) PeerID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerID
}

// SetRoom records the active room so the reconnect loop can rejoin it.
// Pass "" when the room is left.
func (t *Transport) SetRoom(roomID string) {
	t.mu.Lock()
	t.roomID = roomID
	t.mu.Unlock()
}

// RTT returns the smoothed round-trip latency in milliseconds.
func (t *Transport) RTT() float64 {
	return math.Float64frombits(t.smoothedRTT.Load())
}

func (t *Transport) setState(state string) {
	t.mu.Lock()
	if t.state == state {
		t.mu.Unlock()
		return
	}
	t.state = state
	t.mu.Unlock()

	t.cbMu.RLock()
	fn := t.onStateChange
	t.cbMu.RUnlock()
	if fn != nil {
		fn(state)
	}
}

// Connect dials the hub and performs the CONNECT handshake. Callbacks must be
// registered before calling Connect.
func (t *Transport) Connect(ctx context.Context, url string) error {
	t.closing.Store(false)
	t.setState(StateConnecting)

	t.mu.Lock()
	t.url = url
	offered := t.peerID
	t.mu.Unlock()

	conn, peerID, err := t.dial(ctx, url, offered)
	if err != nil {
		t.setState(StateDisconnected)
		return err
	}
	t.attach(ctx, conn, peerID)
	t.setState(StateConnected)
	return nil
}

// dial performs one connection attempt: websocket dial, CONNECT out, CONNECT
// ack in. Returns the live connection and the authoritative peer id.
func (t *Transport) dial(ctx context.Context, url, offeredPeerID string) (*websocket.Conn, string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("dial hub: %w", err)
	}
	conn.SetReadLimit(protocol.MaxFrameBytes)

	hello, err := protocol.NewEnvelope(protocol.TypeConnect, offeredPeerID, protocol.ConnectData{PeerID: offeredPeerID})
	if err != nil {
		conn.Close()
		return nil, "", err
	}
	raw, err := protocol.Encode(hello)
	if err != nil {
		conn.Close()
		return nil, "", err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("send handshake: %w", err)
	}

	deadline := time.Now().Add(connectTimeout)
	if d, ok := dialCtx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	_, ackRaw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("read handshake ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	ack, err := protocol.Decode(ackRaw)
	if err != nil || ack.Type != protocol.TypeConnect {
		conn.Close()
		return nil, "", fmt.Errorf("unexpected handshake ack")
	}
	var ackData protocol.ConnectData
	if err := ack.DecodeData(&ackData); err != nil || ackData.PeerID == "" {
		conn.Close()
		return nil, "", fmt.Errorf("handshake ack has no peer id")
	}
	return conn, ackData.PeerID, nil
}

// attach installs a live connection and starts the write, read, and ping
// loops for it.
func (t *Transport) attach(ctx context.Context, conn *websocket.Conn, peerID string) {
	loopCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.conn = conn
	t.cancel = cancel
	t.peerID = peerID
	t.mu.Unlock()

	t.missedPongs.Store(0)

	go t.writeLoop(loopCtx, conn, t.outbox)
	go t.readLoop(ctx, conn)
	go t.pingLoop(loopCtx)
}

// Send queues a frame for delivery. The peer id and timestamp are stamped in.
// While the transport is reconnecting the frame is held in the queue and
// flushed once the link is back; only a transport that never connected or
// gave up rejects the frame.
func (t *Transport) Send(env protocol.Envelope) error {
	t.mu.Lock()
	state := t.state
	peerID := t.peerID
	t.mu.Unlock()
	if state == StateDisconnected || state == StateError {
		return ErrNotConnected
	}
	if env.PeerID == "" {
		env.PeerID = peerID
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	return t.outbox.Push(env)
}

// Close disconnects gracefully, disables the reconnect loop, and closes the
// outbound queue. Terminal.
func (t *Transport) Close() {
	t.closing.Store(true)

	goodbye, err := protocol.NewEnvelope(protocol.TypeDisconnect, t.PeerID(), protocol.DisconnectData{PeerID: t.PeerID()})
	if err == nil {
		_ = t.Send(goodbye)
	}
	// Give the writer a moment to flush the goodbye.
	time.Sleep(50 * time.Millisecond)

	t.teardown()
	t.outbox.Close()
	t.setState(StateDisconnected)
}

// teardown detaches the current connection and stops its loops. The outbox
// stays open so frames keep queueing across the gap.
func (t *Transport) teardown() {
	t.mu.Lock()
	conn := t.conn
	cancel := t.cancel
	t.conn = nil
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

func (t *Transport) writeLoop(ctx context.Context, conn *websocket.Conn, outbox *protocol.Outbox) {
	for {
		env, err := outbox.Pop(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrBackpressure) {
				conn.Close()
			}
			return
		}
		raw, err := protocol.Encode(env)
		if err != nil {
			slog.Warn("frame encode failed", "type", env.Type, "err", err)
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			// The link died mid-write; requeue so the frame survives into
			// the next connection.
			_ = outbox.Push(env)
			return
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			slog.Debug("malformed frame dropped", "err", err)
			continue
		}

		if env.Type == protocol.TypePong {
			t.missedPongs.Store(0)
			var pong protocol.PingData
			if err := env.DecodeData(&pong); err == nil && pong.Timestamp > 0 {
				t.recordRTT(float64(time.Now().UnixMilli() - pong.Timestamp))
			}
			continue
		}

		t.cbMu.RLock()
		onFrame := t.onFrame
		t.cbMu.RUnlock()
		if onFrame != nil {
			onFrame(env)
		}
	}

	if t.closing.Load() || ctx.Err() != nil {
		return
	}
	t.setState(StateReconnecting)
	t.teardown()
	go t.reconnectLoop(ctx)
}

func (t *Transport) recordRTT(sample float64) {
	if sample < 0 {
		return
	}
	old := math.Float64frombits(t.smoothedRTT.Load())
	next := sample
	if old != 0 {
		next = rttAlpha*sample + (1-rttAlpha)*old
	}
	t.smoothedRTT.Store(math.Float64bits(next))
}

// pingLoop sends a heartbeat every pingInterval. Each tick that arrives
// before a pong counts as a miss; maxMissedPongs misses close the connection,
// which lands the read loop in the reconnect path.
func (t *Transport) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.missedPongs.Add(1) > t.maxMissedPongs {
				slog.Warn("heartbeat timeout, dropping connection")
				t.mu.Lock()
				conn := t.conn
				t.mu.Unlock()
				if conn != nil {
					conn.Close()
				}
				return
			}
			ping, err := protocol.NewEnvelope(protocol.TypePing, t.PeerID(), protocol.PingData{Timestamp: time.Now().UnixMilli()})
			if err == nil {
				_ = t.Send(ping)
			}
		}
	}
}

// reconnectLoop retries the dial with linear backoff, rehydrating the peer id
// and rejoining the active room on success. Exhausting every attempt lands
// the transport in ERROR.
func (t *Transport) reconnectLoop(ctx context.Context) {
	t.mu.Lock()
	url := t.url
	offered := t.peerID
	t.mu.Unlock()

	for attempt := 1; attempt <= t.maxReconnects; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.backoffStep * time.Duration(attempt)):
		}
		if t.closing.Load() {
			return
		}

		slog.Info("reconnect attempt", "attempt", attempt, "url", url)
		conn, peerID, err := t.dial(ctx, url, offered)
		if err != nil {
			slog.Warn("reconnect attempt failed", "attempt", attempt, "err", err)
			continue
		}
		t.attach(ctx, conn, peerID)
		t.setState(StateConnected)

		t.mu.Lock()
		roomID := t.roomID
		t.mu.Unlock()
		if roomID != "" {
			join, err := protocol.NewEnvelope(protocol.TypeJoinRoom, peerID, protocol.JoinRoomData{RoomID: roomID, PeerID: peerID})
			if err == nil {
				_ = t.Send(join)
			}
		}
		return
	}

	slog.Error("reconnect attempts exhausted")
	t.setState(StateError)
	t.cbMu.RLock()
	fn := t.onDisconnected
	t.cbMu.RUnlock()
	if fn != nil {
		fn("reconnect attempts exhausted")
	}
}
