package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ducklets/api/internal/access"
	"ducklets/api/internal/app"
	"ducklets/api/internal/config"
	"ducklets/api/internal/fanout"
	"ducklets/api/internal/gitrepo"
	"ducklets/api/internal/persist"
	"ducklets/api/internal/room"
	"ducklets/api/internal/session"
	"ducklets/api/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		slog.Error("ducklets api stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	flags := config.Flags("ducklets-api")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx := context.Background()
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	rooms := store.NewPostgresStore(db)
	history := gitrepo.New(cfg.HistoryDir)
	saver := persist.MultiSaver{rooms, history}

	var (
		states     access.StateStore = rooms
		roomOpts                     = []room.Option{room.WithPersistDelay(cfg.PersistDebounce), room.WithAwarenessTimeout(cfg.AwarenessTimeout())}
		serviceOps                   = []app.Option{app.WithHistory(history)}
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()

		states = redisStore
		roomOpts = append(roomOpts,
			room.WithCache(redisStore),
			room.WithBus(fanout.NewRedisBus(redisStore.Client(), logger)))
		serviceOps = append(serviceOps, app.WithRedis(redisStore))
		logger.Info("using redis for access state, document cache and fan-out")
	} else {
		logger.Warn("REDIS_URL not set; rooms are not shared across nodes")
	}
	// Postgres keeps the document state after the warm cache expires.
	roomOpts = append(roomOpts, room.WithCache(rooms))

	registry := room.NewRegistry(rooms, saver, logger, roomOpts...)
	service := app.New(cfg, rooms, states, registry, logger, serviceOps...)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("ducklets api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	service.Shutdown(shutdownCtx)
	return nil
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
