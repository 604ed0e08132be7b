// Package httpapi is the Echo application: the websocket route plus the ops
// surface (health, state, replay, match history).
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"gemclash/internal/core"
	"gemclash/internal/protocol"
	"gemclash/internal/store"
	"gemclash/internal/ws"
)

// Server is the Echo application.
type Server struct {
	echo *echo.Echo
	hub  *core.Hub
	db   *store.Store
}

// New constructs an Echo app with websocket + REST routes. db may be nil;
// replay and match-history routes are then absent.
func New(hub *core.Hub, db *store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, hub: hub, db: db}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	if s.db != nil {
		s.echo.GET("/api/replay/:roomId", s.handleReplay)
		s.echo.GET("/api/matches", s.handleMatches)
	}
	ws.NewHandler(s.hub).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Peers  int    `json:"peers"`
	Rooms  int    `json:"rooms"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Peers:  s.hub.PeerCount(),
		Rooms:  s.hub.Registry().Count(),
	})
}

type stateResponse struct {
	Peers     int                `json:"peers"`
	QueueSize int                `json:"queueSize"`
	Rooms     []core.RoomSummary `json:"rooms"`
}

func (s *Server) handleState(c echo.Context) error {
	rooms := s.hub.StateSummary()
	if rooms == nil {
		rooms = []core.RoomSummary{}
	}
	return c.JSON(http.StatusOK, stateResponse{
		Peers:     s.hub.PeerCount(),
		QueueSize: s.hub.QueueDepth(),
		Rooms:     rooms,
	})
}

type replayResponse struct {
	RoomID string              `json:"roomId"`
	Frames []protocol.Envelope `json:"frames"`
}

func (s *Server) handleReplay(c echo.Context) error {
	roomID := strings.TrimSpace(c.Param("roomId"))
	if roomID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "room id is required")
	}
	frames, err := s.db.ReplayFrames(c.Request().Context(), roomID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "load replay frames")
	}
	if len(frames) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no replay for room")
	}
	return c.JSON(http.StatusOK, replayResponse{RoomID: roomID, Frames: frames})
}

func (s *Server) handleMatches(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	matches, err := s.db.RecentMatches(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "load match history")
	}
	if matches == nil {
		matches = []store.MatchRow{}
	}
	return c.JSON(http.StatusOK, matches)
}
