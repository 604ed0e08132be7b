// Package session is the client-side orchestrator: one controller tying the
// transport, the state synchronizer, the conflict resolver, and the
// reconnection manager into a single API for the surrounding game app.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gemclash/internal/conflict"
	"gemclash/internal/protocol"
	"gemclash/internal/recovery"
	"gemclash/internal/statesync"
	"gemclash/internal/transport"
)

// Observable controller states.
const (
	StateDisconnected = "DISCONNECTED"
	StateConnecting   = "CONNECTING"
	StateConnected    = "CONNECTED"
	StateInLobby      = "IN_LOBBY"
	StateInRoom       = "IN_ROOM"
	StateInBattle     = "IN_BATTLE"
	StateReconnecting = "RECONNECTING"
	StateError        = "ERROR"
)

const (
	// requestTimeout bounds one request/response round trip.
	requestTimeout = 10 * time.Second

	// matchTimeout bounds a matchmaking search before it is canceled.
	matchTimeout = 60 * time.Second

	// defaultSyncInterval drives auto-sync while in battle.
	defaultSyncInterval = 5 * time.Second
)

// Controller errors.
var (
	ErrNotConnected  = errors.New("controller is not connected")
	ErrNotInBattle   = errors.New("no battle in progress")
	ErrMatchTimeout  = errors.New("matchmaking timed out")
	ErrRequestFailed = errors.New("request rejected")
)

// Engine is the surface the game app exposes to the controller: the current
// board state for sync capture, and the hook for replaying opponent moves.
type Engine interface {
	CurrentState() statesync.Snapshot
	ApplyOpponentMove(mv protocol.Move)
}

// Options configures a controller.
type Options struct {
	Engine Engine

	// AutoSync produces a STATE_SYNC every SyncInterval while in battle.
	AutoSync     bool
	SyncInterval time.Duration

	// SyncMode selects the synchronizer mode; empty means hybrid.
	SyncMode string

	// ConflictPolicy selects the resolution policy; empty means
	// server-authoritative.
	ConflictPolicy string

	// KV is the durable snapshot store; nil keeps recovery in-memory only.
	KV recovery.KV
}

// Controller is the client-side peer session.
type Controller struct {
	tr       *transport.Transport
	sync     *statesync.Synchronizer
	resolver *conflict.Resolver
	recov    *recovery.Manager
	quality  *recovery.QualityMonitor
	engine   Engine

	autoSync     bool
	syncInterval time.Duration

	mu             sync.Mutex
	state          string
	roomID         string
	opponentID     string
	spectator      bool
	moveNumber     int64
	disconnectedAt time.Time
	pending        map[string]chan protocol.Envelope
	matchCh        chan protocol.GameStartData
	cancelLoops    context.CancelFunc

	cbMu            sync.RWMutex
	onStateChange   func(state string)
	onOpponentMove  func(mv protocol.Move, peerID string)
	onGameStart     func(data protocol.GameStartData)
	onGameEnd       func(data protocol.GameEndData)
	onStateSynced   func(snap statesync.Snapshot)
	onConflict      func(c conflict.Conflict, res conflict.Resolution)
	onChat          func(peerID, message string)
	onPeerEvent     func(tag string, data protocol.PeerEventData)
	onSessionError  func(data protocol.ErrorData)
}

// NewController builds a controller from options.
func NewController(opts Options) *Controller {
	interval := opts.SyncInterval
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	c := &Controller{
		tr:           transport.NewTransport(),
		sync:         statesync.NewSynchronizer(opts.SyncMode),
		resolver:     conflict.NewResolver(opts.ConflictPolicy),
		recov:        recovery.NewManager(opts.KV),
		quality:      recovery.NewQualityMonitor(),
		engine:       opts.Engine,
		autoSync:     opts.AutoSync,
		syncInterval: interval,
		state:        StateDisconnected,
		pending:      make(map[string]chan protocol.Envelope),
	}
	c.tr.SetOnFrame(c.handleFrame)
	c.tr.SetOnStateChange(c.handleTransportState)
	c.tr.SetOnDisconnected(func(reason string) {
		slog.Error("session lost", "reason", reason)
	})
	return c
}

// --- Callback setters. Register before Connect. ---

func (c *Controller) SetOnStateChange(fn func(state string)) {
	c.cbMu.Lock()
	c.onStateChange = fn
	c.cbMu.Unlock()
}

func (c *Controller) SetOnOpponentMove(fn func(mv protocol.Move, peerID string)) {
	c.cbMu.Lock()
	c.onOpponentMove = fn
	c.cbMu.Unlock()
}

func (c *Controller) SetOnGameStart(fn func(data protocol.GameStartData)) {
	c.cbMu.Lock()
	c.onGameStart = fn
	c.cbMu.Unlock()
}

func (c *Controller) SetOnGameEnd(fn func(data protocol.GameEndData)) {
	c.cbMu.Lock()
	c.onGameEnd = fn
	c.cbMu.Unlock()
}

func (c *Controller) SetOnStateSynced(fn func(snap statesync.Snapshot)) {
	c.cbMu.Lock()
	c.onStateSynced = fn
	c.cbMu.Unlock()
}

func (c *Controller) SetOnConflict(fn func(cf conflict.Conflict, res conflict.Resolution)) {
	c.cbMu.Lock()
	c.onConflict = fn
	c.cbMu.Unlock()
}

func (c *Controller) SetOnChat(fn func(peerID, message string)) {
	c.cbMu.Lock()
	c.onChat = fn
	c.cbMu.Unlock()
}

func (c *Controller) SetOnPeerEvent(fn func(tag string, data protocol.PeerEventData)) {
	c.cbMu.Lock()
	c.onPeerEvent = fn
	c.cbMu.Unlock()
}

func (c *Controller) SetOnError(fn func(data protocol.ErrorData)) {
	c.cbMu.Lock()
	c.onSessionError = fn
	c.cbMu.Unlock()
}

// State returns the observable controller state.
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PeerID returns the hub-assigned peer id.
func (c *Controller) PeerID() string { return c.tr.PeerID() }

// Room returns the active room id, or "".
func (c *Controller) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Latency returns the smoothed round-trip latency in milliseconds.
func (c *Controller) Latency() float64 { return c.tr.RTT() }

// Quality returns the connection quality bucket.
func (c *Controller) Quality() string { return c.quality.Bucket() }

func (c *Controller) setState(state string) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	slog.Debug("session state", "state", state)
	c.cbMu.RLock()
	fn := c.onStateChange
	c.cbMu.RUnlock()
	if fn != nil {
		fn(state)
	}
}

// setStateUnlessBattle applies a request-driven transition. The GAME_START
// broadcast can outrun the request's own response on the same connection;
// a session already in battle keeps that state.
func (c *Controller) setStateUnlessBattle(state string) {
	c.mu.Lock()
	if c.state == StateInBattle || c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	slog.Debug("session state", "state", state)
	c.cbMu.RLock()
	fn := c.onStateChange
	c.cbMu.RUnlock()
	if fn != nil {
		fn(state)
	}
}

// Connect dials the hub and starts the background loops.
func (c *Controller) Connect(ctx context.Context, url string) error {
	c.setState(StateConnecting)
	if err := c.tr.Connect(ctx, url); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancelLoops != nil {
		c.cancelLoops()
	}
	c.cancelLoops = cancel
	c.mu.Unlock()

	go c.autoSyncLoop(loopCtx)
	go c.qualityLoop(loopCtx)

	c.setState(StateConnected)
	return nil
}

// Shutdown says goodbye and tears the session down. Terminal.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.cancelLoops != nil {
		c.cancelLoops()
		c.cancelLoops = nil
	}
	c.roomID = ""
	c.opponentID = ""
	c.mu.Unlock()

	c.tr.Close()
	c.setState(StateDisconnected)
}

// request sends a correlated frame and waits for the matching response.
func (c *Controller) request(ctx context.Context, tag string, data any) (protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(tag, c.tr.PeerID(), data)
	if err != nil {
		return protocol.Envelope{}, err
	}
	env.MessageID = uuid.NewString()

	ch := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	c.pending[env.MessageID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.MessageID)
		c.mu.Unlock()
	}()

	if err := c.tr.Send(env); err != nil {
		return protocol.Envelope{}, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	case <-timer.C:
		return protocol.Envelope{}, fmt.Errorf("%s: %w", tag, context.DeadlineExceeded)
	}
}

// CreateRoom creates a room with this peer as host.
func (c *Controller) CreateRoom(ctx context.Context) (string, error) {
	if c.State() == StateDisconnected {
		return "", ErrNotConnected
	}
	resp, err := c.request(ctx, protocol.TypeCreateRoom, protocol.CreateRoomData{PeerID: c.tr.PeerID()})
	if err != nil {
		return "", err
	}
	if resp.Type == protocol.TypeError {
		return "", respError(resp)
	}
	var data protocol.RoomCreatedData
	if err := resp.DecodeData(&data); err != nil || data.RoomID == "" {
		return "", fmt.Errorf("%w: malformed ROOM_CREATED", ErrRequestFailed)
	}

	c.enterRoom(data.RoomID, "", false)
	c.setState(StateInRoom)
	return data.RoomID, nil
}

// JoinRoom joins (or spectates) an existing room.
func (c *Controller) JoinRoom(ctx context.Context, roomID string, spectate bool) (protocol.RoomJoinedData, error) {
	if c.State() == StateDisconnected {
		return protocol.RoomJoinedData{}, ErrNotConnected
	}
	resp, err := c.request(ctx, protocol.TypeJoinRoom, protocol.JoinRoomData{
		RoomID:   roomID,
		PeerID:   c.tr.PeerID(),
		Spectate: spectate,
	})
	if err != nil {
		return protocol.RoomJoinedData{}, err
	}
	switch resp.Type {
	case protocol.TypeRoomJoined:
	case protocol.TypeRoomNotFound:
		return protocol.RoomJoinedData{}, fmt.Errorf("%w: room %s not found", ErrRequestFailed, roomID)
	case protocol.TypeRoomFull:
		return protocol.RoomJoinedData{}, fmt.Errorf("%w: room %s is full", ErrRequestFailed, roomID)
	case protocol.TypeError:
		return protocol.RoomJoinedData{}, respError(resp)
	default:
		return protocol.RoomJoinedData{}, fmt.Errorf("%w: unexpected %s", ErrRequestFailed, resp.Type)
	}

	var data protocol.RoomJoinedData
	if err := resp.DecodeData(&data); err != nil {
		return protocol.RoomJoinedData{}, fmt.Errorf("%w: malformed ROOM_JOINED", ErrRequestFailed)
	}
	c.enterRoom(data.RoomID, data.OpponentID, data.Spectator)
	c.setStateUnlessBattle(StateInRoom)
	return data, nil
}

// LeaveRoom leaves the current room.
func (c *Controller) LeaveRoom() error {
	c.mu.Lock()
	roomID := c.roomID
	c.roomID = ""
	c.opponentID = ""
	c.spectator = false
	c.moveNumber = 0
	c.mu.Unlock()
	if roomID == "" {
		return nil
	}

	c.tr.SetRoom("")
	env, err := protocol.NewEnvelope(protocol.TypeLeaveRoom, c.tr.PeerID(), protocol.RoomRefData{RoomID: roomID, PeerID: c.tr.PeerID()})
	if err != nil {
		return err
	}
	if err := c.tr.Send(env); err != nil {
		return err
	}
	c.setState(StateInLobby)
	return nil
}

// FindMatch queues for pairing and blocks until a match starts or the search
// times out. A timeout cancels the ticket.
func (c *Controller) FindMatch(ctx context.Context, mode string) (protocol.GameStartData, error) {
	if c.State() == StateDisconnected {
		return protocol.GameStartData{}, ErrNotConnected
	}

	ch := make(chan protocol.GameStartData, 1)
	c.mu.Lock()
	c.matchCh = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.matchCh = nil
		c.mu.Unlock()
	}()

	env, err := protocol.NewEnvelope(protocol.TypeFindMatch, c.tr.PeerID(), protocol.FindMatchData{
		PeerID: c.tr.PeerID(),
		Mode:   mode,
	})
	if err != nil {
		return protocol.GameStartData{}, err
	}
	if err := c.tr.Send(env); err != nil {
		return protocol.GameStartData{}, err
	}
	c.setStateUnlessBattle(StateInLobby)

	timer := time.NewTimer(matchTimeout)
	defer timer.Stop()
	select {
	case start := <-ch:
		return start, nil
	case <-ctx.Done():
		c.CancelMatch()
		return protocol.GameStartData{}, ctx.Err()
	case <-timer.C:
		c.CancelMatch()
		return protocol.GameStartData{}, ErrMatchTimeout
	}
}

// CancelMatch withdraws a queued search.
func (c *Controller) CancelMatch() {
	env, err := protocol.NewEnvelope(protocol.TypeCancelMatch, c.tr.PeerID(), nil)
	if err != nil {
		return
	}
	_ = c.tr.Send(env)
	if c.State() == StateInLobby {
		c.setState(StateConnected)
	}
}

// ExecuteMove sends the local player's move. The move number is assigned
// here, per peer per room, strictly sequential. Rejections arrive
// asynchronously as ERROR frames.
func (c *Controller) ExecuteMove(posA, posB protocol.Pos) (protocol.Move, error) {
	c.mu.Lock()
	if c.state != StateInBattle || c.spectator {
		c.mu.Unlock()
		return protocol.Move{}, ErrNotInBattle
	}
	c.moveNumber++
	mv := protocol.Move{PosA: posA, PosB: posB, MoveNumber: c.moveNumber}
	roomID := c.roomID
	c.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.TypeMove, c.tr.PeerID(), protocol.MoveData{RoomID: roomID, Move: mv})
	if err != nil {
		return protocol.Move{}, err
	}
	if err := c.tr.Send(env); err != nil {
		return protocol.Move{}, err
	}
	return mv, nil
}

// SendChat routes a chat message through the room.
func (c *Controller) SendChat(message string) error {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()
	if roomID == "" {
		return ErrNotInBattle
	}
	env, err := protocol.NewEnvelope(protocol.TypeChat, c.tr.PeerID(), protocol.ChatData{RoomID: roomID, Message: message})
	if err != nil {
		return err
	}
	return c.tr.Send(env)
}

// SyncNow captures the engine state and transmits one STATE_SYNC
// immediately. final marks the terminal sync of a finished game.
func (c *Controller) SyncNow(final bool) error {
	if c.engine == nil {
		return fmt.Errorf("no engine attached")
	}
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()
	if roomID == "" {
		return ErrNotInBattle
	}

	captured := c.sync.Capture(c.engine.CurrentState())
	payload := c.sync.PrepareSync()
	if payload.State == nil && payload.Delta == nil {
		return nil
	}

	env, err := protocol.NewEnvelope(protocol.TypeStateSync, c.tr.PeerID(), protocol.StateSyncData{
		RoomID: roomID,
		State:  payload.State,
		Delta:  payload.Delta,
		Final:  final,
	})
	if err != nil {
		return err
	}
	if err := c.tr.Send(env); err != nil {
		return err
	}

	c.saveRecoverySnapshot(captured)
	return nil
}

func (c *Controller) saveRecoverySnapshot(snap statesync.Snapshot) {
	c.mu.Lock()
	roomID := c.roomID
	opponentID := c.opponentID
	moveNumber := c.moveNumber
	c.mu.Unlock()
	if roomID == "" {
		return
	}
	err := c.recov.SaveSnapshot(context.Background(), recovery.GameSnapshot{
		RoomID:               roomID,
		PeerID:               c.tr.PeerID(),
		OpponentID:           opponentID,
		State:                snap,
		LastSyncedMoveNumber: moveNumber,
	})
	if err != nil {
		slog.Warn("recovery snapshot save failed", "err", err)
	}
}

// autoSyncLoop drives periodic STATE_SYNC while a battle is live.
func (c *Controller) autoSyncLoop(ctx context.Context) {
	if !c.autoSync || c.engine == nil {
		return
	}
	ticker := time.NewTicker(c.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateInBattle {
				continue
			}
			if err := c.SyncNow(false); err != nil {
				slog.Debug("auto-sync skipped", "err", err)
			}
		}
	}
}

// qualityLoop feeds the latency monitor from the transport's RTT estimate.
func (c *Controller) qualityLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rtt := c.tr.RTT(); rtt > 0 {
				c.quality.Record(rtt)
				c.sync.RecordLatency(rtt)
			}
		}
	}
}

func (c *Controller) enterRoom(roomID, opponentID string, spectator bool) {
	c.mu.Lock()
	c.roomID = roomID
	c.opponentID = opponentID
	c.spectator = spectator
	c.moveNumber = 0
	c.mu.Unlock()
	c.tr.SetRoom(roomID)
}

// handleTransportState maps transport states onto the session state machine
// and runs recovery after a successful reconnect.
func (c *Controller) handleTransportState(state string) {
	switch state {
	case transport.StateReconnecting:
		c.mu.Lock()
		c.disconnectedAt = time.Now()
		c.mu.Unlock()
		c.setState(StateReconnecting)

	case transport.StateConnected:
		c.mu.Lock()
		wasReconnecting := c.state == StateReconnecting
		down := time.Since(c.disconnectedAt)
		roomID := c.roomID
		c.mu.Unlock()

		if !wasReconnecting {
			return
		}
		if roomID == "" {
			c.setState(StateConnected)
			return
		}
		// The transport has already re-issued JOIN_ROOM; reconcile local
		// state while the authoritative snapshot is in flight.
		if recovered, err := c.recov.Recover(context.Background(), down, nil); err == nil {
			c.sync.AdoptRemote(recovered.State)
			c.mu.Lock()
			c.moveNumber = recovered.LastSyncedMoveNumber
			c.mu.Unlock()
		} else {
			slog.Warn("recovery failed", "err", err)
			// A blown recovery window or an empty snapshot store both mean
			// the battle state cannot be reconstructed.
			if errors.Is(err, recovery.ErrRecoveryTimeout) || errors.Is(err, recovery.ErrNoSnapshot) {
				c.setState(StateError)
				return
			}
		}
		c.setState(StateInBattle)

	case transport.StateError:
		c.setState(StateError)
	}
}

// handleFrame dispatches every inbound frame from the transport.
func (c *Controller) handleFrame(env protocol.Envelope) {
	// Correlated responses are delivered to their waiting request.
	if env.MessageID != "" {
		c.mu.Lock()
		ch, ok := c.pending[env.MessageID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- env:
			default:
			}
			return
		}
	}

	switch env.Type {
	case protocol.TypeGameStart:
		c.handleGameStart(env)

	case protocol.TypeMove:
		c.handleOpponentMove(env)

	case protocol.TypeStateSync:
		c.handleStateSync(env)

	case protocol.TypeGameEnd:
		var data protocol.GameEndData
		if err := env.DecodeData(&data); err != nil {
			return
		}
		c.recov.Clear()
		c.setState(StateInRoom)
		c.cbMu.RLock()
		fn := c.onGameEnd
		c.cbMu.RUnlock()
		if fn != nil {
			fn(data)
		}

	case protocol.TypeChat:
		var data protocol.ChatData
		if err := env.DecodeData(&data); err != nil {
			return
		}
		c.cbMu.RLock()
		fn := c.onChat
		c.cbMu.RUnlock()
		if fn != nil {
			fn(env.PeerID, data.Message)
		}

	case protocol.TypePlayerLeft, protocol.TypeSpectatorLeft,
		protocol.TypePlayerDisconnected, protocol.TypePlayerReconnected:
		var data protocol.PeerEventData
		if err := env.DecodeData(&data); err != nil {
			return
		}
		c.cbMu.RLock()
		fn := c.onPeerEvent
		c.cbMu.RUnlock()
		if fn != nil {
			fn(env.Type, data)
		}

	case protocol.TypeError:
		var data protocol.ErrorData
		if err := env.DecodeData(&data); err != nil {
			return
		}
		slog.Warn("session error frame", "code", data.Code, "message", data.Message)
		c.cbMu.RLock()
		fn := c.onSessionError
		c.cbMu.RUnlock()
		if fn != nil {
			fn(data)
		}

	default:
		slog.Debug("unhandled frame", "type", env.Type)
	}
}

func (c *Controller) handleGameStart(env protocol.Envelope) {
	var data protocol.GameStartData
	if err := env.DecodeData(&data); err != nil {
		return
	}

	opponent := data.OpponentID
	if opponent == "" {
		for _, p := range data.Players {
			if p != c.tr.PeerID() {
				opponent = p
			}
		}
	}
	c.enterRoom(data.RoomID, opponent, false)
	c.setState(StateInBattle)

	c.mu.Lock()
	matchCh := c.matchCh
	c.mu.Unlock()
	if matchCh != nil {
		select {
		case matchCh <- data:
		default:
		}
	}

	c.cbMu.RLock()
	fn := c.onGameStart
	c.cbMu.RUnlock()
	if fn != nil {
		fn(data)
	}
}

func (c *Controller) handleOpponentMove(env protocol.Envelope) {
	var data protocol.MoveData
	if err := env.DecodeData(&data); err != nil {
		return
	}
	if env.PeerID == c.tr.PeerID() {
		return
	}
	if c.engine != nil {
		c.engine.ApplyOpponentMove(data.Move)
	}
	c.cbMu.RLock()
	fn := c.onOpponentMove
	c.cbMu.RUnlock()
	if fn != nil {
		fn(data.Move, env.PeerID)
	}
}

// handleStateSync reconciles an inbound snapshot or delta with local state.
// Conflicts between a remote full snapshot and the local one go through the
// resolver; the winning state is adopted and surfaced to the app.
func (c *Controller) handleStateSync(env protocol.Envelope) {
	var data protocol.StateSyncData
	if err := env.DecodeData(&data); err != nil {
		return
	}

	switch {
	case data.State != nil:
		remote := *data.State
		if !c.sync.AcceptRemote(remote) {
			slog.Debug("stale remote snapshot dropped", "version", remote.Version)
			return
		}
		local := c.sync.Current()
		adopted := remote
		if local != nil {
			if cf := conflict.Detect(*local, remote); cf != nil {
				c.sync.RecordConflict()
				res := c.resolver.Resolve(*cf, *local, remote)
				adopted = res.Resolved
				c.cbMu.RLock()
				fn := c.onConflict
				c.cbMu.RUnlock()
				if fn != nil {
					fn(*cf, res)
				}
			}
		}
		c.sync.AdoptRemote(adopted)
		c.emitStateSynced(adopted)

	case data.Delta != nil:
		local := c.sync.Current()
		if local == nil {
			slog.Debug("delta dropped, no base snapshot", "version", data.Delta.Version)
			return
		}
		next, err := statesync.Apply(*local, *data.Delta)
		if err != nil {
			if errors.Is(err, statesync.ErrBaseVersionMismatch) && data.Delta.BaseVersion < local.Version {
				c.reportDeltaConflict(*local, *data.Delta)
				return
			}
			slog.Debug("delta apply failed, awaiting keyframe", "err", err)
			return
		}
		c.sync.AdoptRemote(next)
		c.emitStateSynced(next)
	}
}

// reportDeltaConflict surfaces a delta whose base trails the local snapshot:
// the remote peer is mutating an older state than ours, so the divergence is
// counted and handed to the app. The local snapshot stays in place until the
// next keyframe replaces it.
func (c *Controller) reportDeltaConflict(local statesync.Snapshot, delta statesync.Delta) {
	c.sync.RecordConflict()
	cf := conflict.Conflict{
		Type:          conflict.TypeVersionMismatch,
		DetectedAt:    time.Now(),
		LocalVersion:  local.Version,
		RemoteVersion: delta.BaseVersion,
		Description:   fmt.Sprintf("delta base version %d trails local version %d", delta.BaseVersion, local.Version),
	}
	c.resolver.Record(cf)
	slog.Warn("divergent delta received", "local_version", local.Version, "base_version", delta.BaseVersion)

	c.cbMu.RLock()
	fn := c.onConflict
	c.cbMu.RUnlock()
	if fn != nil {
		fn(cf, conflict.Resolution{
			Strategy: c.resolver.Policy(),
			Resolved: local.Clone(),
			Message:  "kept local state until the next keyframe",
		})
	}
}

func (c *Controller) emitStateSynced(snap statesync.Snapshot) {
	c.cbMu.RLock()
	fn := c.onStateSynced
	c.cbMu.RUnlock()
	if fn != nil {
		fn(snap)
	}
}

func respError(resp protocol.Envelope) error {
	var data protocol.ErrorData
	if err := resp.DecodeData(&data); err != nil {
		return ErrRequestFailed
	}
	return fmt.Errorf("%w: %s: %s", ErrRequestFailed, data.Code, data.Message)
}
