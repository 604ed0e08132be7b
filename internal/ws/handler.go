// Package ws owns websocket transport for the hub: the upgrade, the CONNECT
// handshake, the per-connection writer draining the session outbox, and the
// read loop dispatching into core.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"gemclash/internal/core"
	"gemclash/internal/protocol"
)

const (
	writeTimeout = 5 * time.Second

	// A peer producing more than parseErrorLimit malformed frames inside
	// parseErrorWindow is disconnected with PROTOCOL_ERROR.
	parseErrorLimit  = 16
	parseErrorWindow = 60 * time.Second

	// Unknown-type warnings are logged at most once per minute per
	// connection.
	unknownWarnInterval = time.Minute
)

// Handler owns websocket transport for the hub.
type Handler struct {
	hub      *core.Hub
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to hub.
func NewHandler(hub *core.Hub) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(protocol.MaxFrameBytes)

	// Handshake: the first frame must be CONNECT. A returning client offers
	// its previous peer id to reclaim its session.
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	hello, err := protocol.Decode(raw)
	if err != nil || hello.Type != protocol.TypeConnect {
		h.writeDirectError(conn, protocol.CodeProtocolError, "first frame must be CONNECT")
		return
	}
	var connectData protocol.ConnectData
	if err := hello.DecodeData(&connectData); err != nil {
		h.writeDirectError(conn, protocol.CodeProtocolError, "malformed CONNECT payload")
		return
	}

	outbox := protocol.NewOutbox(protocol.DefaultOutboxSize)
	session, reattached := h.hub.Connect(connectData.PeerID, outbox)

	ack, err := protocol.NewEnvelope(protocol.TypeConnect, session.PeerID, protocol.ConnectData{
		PeerID: session.PeerID,
		Status: "connected",
	})
	if err == nil {
		ack.MessageID = hello.MessageID
		_ = session.Push(ack)
	}
	if reattached {
		// Rejoining the held room replays the authoritative snapshot.
		if roomID := session.Room(); roomID != "" {
			if room, ok := h.hub.Registry().Get(roomID); ok {
				room.Rejoin(session)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, outbox)
	}()

	h.readLoop(conn, session)

	// The read loop returned: the transport is gone or the peer said
	// goodbye. Only an unexpected drop of the session's current transport
	// counts as a loss; a displaced or already-disconnected one does not.
	cancel()
	<-writerDone
	if session.UsesOutbox(outbox) {
		h.hub.PeerLost(session)
	}
}

// writeLoop drains the outbox onto the wire. An aborted outbox closes the
// connection with the backpressure code; a regular close ends it silently.
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, outbox *protocol.Outbox) {
	for {
		env, err := outbox.Pop(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrBackpressure) {
				deadline := time.Now().Add(writeTimeout)
				msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, protocol.CodeBackpressureAbort)
				_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
				_ = conn.Close()
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
			return
		}
	}
}

// readLoop parses and dispatches inbound frames until the connection drops,
// the peer disconnects gracefully, or the parse-error threshold trips.
func (h *Handler) readLoop(conn *websocket.Conn, session *core.Session) {
	var (
		parseErrors     []time.Time
		lastUnknownWarn time.Time
	)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		session.Touch()

		env, err := protocol.Decode(raw)
		if err != nil {
			var pe *protocol.ParseError
			if errors.As(err, &pe) {
				now := time.Now()
				parseErrors = append(parseErrors, now)
				for len(parseErrors) > 0 && now.Sub(parseErrors[0]) > parseErrorWindow {
					parseErrors = parseErrors[1:]
				}
				if len(parseErrors) > parseErrorLimit {
					slog.Warn("parse error threshold exceeded", "peer_id", session.PeerID)
					h.pushError(session, env, protocol.CodeProtocolError, "too many malformed frames")
					return
				}
				slog.Debug("malformed frame dropped", "peer_id", session.PeerID, "err", err)
			}
			continue
		}

		if !protocol.KnownType(env.Type) {
			if time.Since(lastUnknownWarn) >= unknownWarnInterval {
				slog.Warn("unknown frame type dropped", "peer_id", session.PeerID, "type", env.Type)
				lastUnknownWarn = time.Now()
			}
			continue
		}

		if done := h.dispatch(session, env); done {
			return
		}
	}
}

// dispatch routes one inbound frame. Returns true when the connection should
// close.
func (h *Handler) dispatch(session *core.Session, env protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypePing:
		var ping protocol.PingData
		_ = env.DecodeData(&ping)
		pong, err := protocol.NewEnvelope(protocol.TypePong, "", protocol.PingData{Timestamp: ping.Timestamp})
		if err == nil {
			pong.MessageID = env.MessageID
			_ = session.Push(pong)
		}

	case protocol.TypeDisconnect:
		h.hub.Disconnect(session)
		return true

	case protocol.TypeCreateRoom:
		h.hub.HandleCreateRoom(session, env)

	case protocol.TypeJoinRoom:
		h.hub.HandleJoinRoom(session, env)

	case protocol.TypeLeaveRoom:
		h.hub.HandleLeaveRoom(session, env)

	case protocol.TypeFindMatch:
		h.hub.HandleFindMatch(session, env)

	case protocol.TypeCancelMatch:
		h.hub.HandleCancelMatch(session, env)

	case protocol.TypeMove:
		h.hub.HandleMove(session, env)

	case protocol.TypeStateSync:
		h.hub.HandleStateSync(session, env)

	case protocol.TypeChat:
		h.hub.HandleChat(session, env)

	default:
		// Server-to-client tags arriving inbound are dropped.
		slog.Debug("unexpected inbound frame dropped", "peer_id", session.PeerID, "type", env.Type)
	}
	return false
}

func (h *Handler) pushError(session *core.Session, req protocol.Envelope, code, msg string) {
	env, err := protocol.NewEnvelope(protocol.TypeError, "", protocol.ErrorData{Code: code, Message: msg})
	if err != nil {
		return
	}
	env.MessageID = req.MessageID
	_ = session.Push(env)
}

func (h *Handler) writeDirectError(conn *websocket.Conn, code, msg string) {
	env, err := protocol.NewEnvelope(protocol.TypeError, "", protocol.ErrorData{Code: code, Message: msg})
	if err != nil {
		return
	}
	raw, err := protocol.Encode(env)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, raw)
}
