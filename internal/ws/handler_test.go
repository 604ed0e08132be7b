package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"gemclash/internal/core"
	"gemclash/internal/matchmaker"
	"gemclash/internal/protocol"
)

func startTestServer(t *testing.T) (*httptest.Server, *core.Hub) {
	t.Helper()
	hub := core.NewHub(core.NewRegistry(time.Hour, nil), matchmaker.NewQueue(), nil)
	e := echo.New()
	e.HideBanner = true
	NewHandler(hub).Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, hub
}

func connectClient(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, tag string, data any, messageID string) {
	t.Helper()
	env, err := protocol.NewEnvelope(tag, "", data)
	if err != nil {
		t.Fatalf("build %s: %v", tag, err)
	}
	env.MessageID = messageID
	raw, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode %s: %v", tag, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write %s: %v", tag, err)
	}
}

func readMsg(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	env, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return env
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, tag string) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env := readMsg(t, conn)
		if env.Type == tag {
			return env
		}
	}
	t.Fatalf("no %s frame arrived", tag)
	return protocol.Envelope{}
}

// handshake completes the CONNECT exchange and returns the assigned peer id.
func handshake(t *testing.T, conn *websocket.Conn, offeredID string) string {
	t.Helper()
	writeMsg(t, conn, protocol.TypeConnect, protocol.ConnectData{PeerID: offeredID}, "msg-connect")
	ack := readMsg(t, conn)
	if ack.Type != protocol.TypeConnect {
		t.Fatalf("ack type = %q", ack.Type)
	}
	if ack.MessageID != "msg-connect" {
		t.Fatalf("ack not correlated: %q", ack.MessageID)
	}
	var data protocol.ConnectData
	if err := ack.DecodeData(&data); err != nil || data.PeerID == "" || data.Status != "connected" {
		t.Fatalf("ack payload: %+v err=%v", data, err)
	}
	return data.PeerID
}

func TestConnectHandshake(t *testing.T) {
	t.Parallel()

	srv, hub := startTestServer(t)
	conn := connectClient(t, srv)
	peerID := handshake(t, conn, "")
	if !strings.HasPrefix(peerID, "p-") {
		t.Fatalf("peer id = %q", peerID)
	}
	if hub.PeerCount() != 1 {
		t.Fatalf("peer count = %d", hub.PeerCount())
	}
}

func TestFirstFrameMustBeConnect(t *testing.T) {
	t.Parallel()

	srv, _ := startTestServer(t)
	conn := connectClient(t, srv)
	writeMsg(t, conn, protocol.TypePing, protocol.PingData{Timestamp: 1}, "")
	env := readMsg(t, conn)
	if env.Type != protocol.TypeError {
		t.Fatalf("frame type = %q", env.Type)
	}
	var data protocol.ErrorData
	if err := env.DecodeData(&data); err != nil || data.Code != protocol.CodeProtocolError {
		t.Fatalf("error payload: %+v err=%v", data, err)
	}
}

func TestParseErrorThresholdDisconnects(t *testing.T) {
	t.Parallel()

	srv, _ := startTestServer(t)
	conn := connectClient(t, srv)
	handshake(t, conn, "")

	// One past the limit trips the disconnect.
	for i := 0; i <= 16; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
			t.Fatalf("write garbage %d: %v", i, err)
		}
	}

	env := readMsg(t, conn)
	if env.Type != protocol.TypeError {
		t.Fatalf("frame type = %q", env.Type)
	}
	var data protocol.ErrorData
	if err := env.DecodeData(&data); err != nil || data.Code != protocol.CodeProtocolError {
		t.Fatalf("error payload: %+v err=%v", data, err)
	}

	// The server hangs up after the error frame.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection still open past the threshold")
	}
}

func TestPingPongEchoesTimestamp(t *testing.T) {
	t.Parallel()

	srv, _ := startTestServer(t)
	conn := connectClient(t, srv)
	handshake(t, conn, "")

	writeMsg(t, conn, protocol.TypePing, protocol.PingData{Timestamp: 123456}, "msg-ping")
	pong := readMsg(t, conn)
	if pong.Type != protocol.TypePong || pong.MessageID != "msg-ping" {
		t.Fatalf("pong: type=%q id=%q", pong.Type, pong.MessageID)
	}
	var data protocol.PingData
	if err := pong.DecodeData(&data); err != nil || data.Timestamp != 123456 {
		t.Fatalf("pong payload: %+v err=%v", data, err)
	}
}

func TestRoomFlowOverWebSocket(t *testing.T) {
	t.Parallel()

	srv, _ := startTestServer(t)

	host := connectClient(t, srv)
	hostID := handshake(t, host, "")
	guest := connectClient(t, srv)
	handshake(t, guest, "")

	writeMsg(t, host, protocol.TypeCreateRoom, nil, "msg-create")
	created := readMsg(t, host)
	if created.Type != protocol.TypeRoomCreated {
		t.Fatalf("create reply: %q", created.Type)
	}
	var room protocol.RoomCreatedData
	if err := created.DecodeData(&room); err != nil {
		t.Fatalf("decode: %v", err)
	}

	writeMsg(t, guest, protocol.TypeJoinRoom, protocol.JoinRoomData{RoomID: room.RoomID}, "msg-join")
	joined := readMsg(t, guest)
	if joined.Type != protocol.TypeRoomJoined {
		t.Fatalf("join reply: %q", joined.Type)
	}

	// Both sides see the game start, host opens.
	var start protocol.GameStartData
	startEnv := readUntil(t, guest, protocol.TypeGameStart)
	if err := startEnv.DecodeData(&start); err != nil || start.StartingPlayer != hostID {
		t.Fatalf("game start: %+v err=%v", start, err)
	}
	readUntil(t, host, protocol.TypeGameStart)

	// The host's move reaches the guest.
	writeMsg(t, host, protocol.TypeMove, protocol.MoveData{
		RoomID: room.RoomID,
		Move:   protocol.Move{PosA: protocol.Pos{Row: 0, Col: 0}, PosB: protocol.Pos{Row: 0, Col: 1}, MoveNumber: 1},
	}, "msg-move")
	moveEnv := readUntil(t, guest, protocol.TypeMove)
	if moveEnv.PeerID != hostID {
		t.Fatalf("move origin = %q", moveEnv.PeerID)
	}
	var mv protocol.MoveData
	if err := moveEnv.DecodeData(&mv); err != nil || mv.Move.MoveNumber != 1 {
		t.Fatalf("move payload: %+v err=%v", mv, err)
	}
}

func TestAbruptDropAndRejoinMidMatch(t *testing.T) {
	t.Parallel()

	srv, _ := startTestServer(t)

	host := connectClient(t, srv)
	handshake(t, host, "")
	guest := connectClient(t, srv)
	guestID := handshake(t, guest, "")

	writeMsg(t, host, protocol.TypeCreateRoom, nil, "msg-create")
	created := readMsg(t, host)
	var room protocol.RoomCreatedData
	if err := created.DecodeData(&room); err != nil {
		t.Fatalf("decode: %v", err)
	}
	writeMsg(t, guest, protocol.TypeJoinRoom, protocol.JoinRoomData{RoomID: room.RoomID}, "msg-join")
	readUntil(t, guest, protocol.TypeGameStart)
	readUntil(t, host, protocol.TypeGameStart)

	// The guest's transport dies without a goodbye. The host is told and the
	// slot is held for the reconnect window.
	_ = guest.Close()
	readUntil(t, host, protocol.TypePlayerDisconnected)

	// A fresh transport offering the old peer id reclaims the session and
	// the held seat.
	back := connectClient(t, srv)
	backID := handshake(t, back, guestID)
	if backID != guestID {
		t.Fatalf("rejoin id = %q, want %q", backID, guestID)
	}
	readUntil(t, host, protocol.TypePlayerReconnected)
}

func TestDisplacedConnectionCloseKeepsSession(t *testing.T) {
	t.Parallel()

	srv, hub := startTestServer(t)
	first := connectClient(t, srv)
	peerID := handshake(t, first, "")

	// A second transport offering the same id takes the session over.
	second := connectClient(t, srv)
	if got := handshake(t, second, peerID); got != peerID {
		t.Fatalf("takeover id = %q, want %q", got, peerID)
	}

	// The displaced connection going away is not a peer loss.
	_ = first.Close()
	time.Sleep(100 * time.Millisecond)
	s, ok := hub.Peer(peerID)
	if !ok || !s.Connected() {
		t.Fatalf("session lost after displaced close: ok=%v", ok)
	}
	if hub.PeerCount() != 1 {
		t.Fatalf("peer count = %d", hub.PeerCount())
	}

	// The surviving transport still round-trips.
	writeMsg(t, second, protocol.TypePing, protocol.PingData{Timestamp: 7}, "msg-ping")
	if pong := readMsg(t, second); pong.Type != protocol.TypePong {
		t.Fatalf("pong type = %q", pong.Type)
	}
}

func TestGracefulDisconnectForgetsPeer(t *testing.T) {
	t.Parallel()

	srv, hub := startTestServer(t)
	conn := connectClient(t, srv)
	handshake(t, conn, "")
	writeMsg(t, conn, protocol.TypeDisconnect, protocol.DisconnectData{Reason: "bye"}, "")

	deadline := time.Now().Add(2 * time.Second)
	for hub.PeerCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.PeerCount() != 0 {
		t.Fatalf("peer count = %d", hub.PeerCount())
	}
}
