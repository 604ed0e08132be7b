package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"gemclash/internal/core"
	"gemclash/internal/httpapi"
	"gemclash/internal/matchmaker"
	"gemclash/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

// config is the hub's environment-driven configuration.
type config struct {
	Host              string
	Port              int
	DBPath            string
	IdleRoomTTL       time.Duration
	MatchmakeInterval time.Duration
	SweepInterval     time.Duration
	Debug             bool
}

// loadConfig reads configuration from the environment. Unset variables take
// defaults; malformed values are errors.
func loadConfig() (config, error) {
	cfg := config{
		Host:              os.Getenv("HOST"),
		Port:              8080,
		DBPath:            "gemclash.db",
		IdleRoomTTL:       time.Hour,
		MatchmakeInterval: 2 * time.Second,
		SweepInterval:     30 * time.Second,
		Debug:             os.Getenv("DEBUG") == "1",
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return cfg, fmt.Errorf("invalid PORT %q", v)
		}
		cfg.Port = port
	}
	if v := os.Getenv("IDLE_ROOM_TTL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return cfg, fmt.Errorf("invalid IDLE_ROOM_TTL_SECONDS %q", v)
		}
		cfg.IdleRoomTTL = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("MATCHMAKE_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return cfg, fmt.Errorf("invalid MATCHMAKE_INTERVAL_MS %q", v)
		}
		cfg.MatchmakeInterval = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("ROOM_SWEEP_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return cfg, fmt.Errorf("invalid ROOM_SWEEP_INTERVAL_MS %q", v)
		}
		cfg.SweepInterval = time.Duration(ms) * time.Millisecond
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if cfg.Debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	slog.Info("starting hub", "version", Version, "addr", addr, "db", cfg.DBPath)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open sqlite store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	registry := core.NewRegistry(cfg.IdleRoomTTL, db)
	queue := matchmaker.NewQueue()
	hub := core.NewHub(registry, queue, db)
	server := httpapi.New(hub, db)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Run(ctx, addr)
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.MatchmakeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				hub.DrainMatchmaker()
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				hub.SweepRooms(time.Now())
			}
		}
	})

	if err := g.Wait(); err != nil {
		slog.Error("hub error", "err", err)
		os.Exit(1)
	}
	slog.Info("hub stopped")
}
