package app

import (
	"context"
	"log/slog"
	"net/http"

	"ducklets/api/internal/access"
	"ducklets/api/internal/auth"
	"ducklets/api/internal/config"
	"ducklets/api/internal/crdt"
	"ducklets/api/internal/protocol"
	"ducklets/api/internal/room"
	"ducklets/api/internal/store"
)

// RoomStore is the durable side of the server: room records, allow-lists
// and the last persisted snapshot.
type RoomStore interface {
	access.RoomDirectory
	room.SnapshotLoader
	Ping(ctx context.Context) error
}

// HistoryArchive serves past snapshots of a room.
type HistoryArchive interface {
	History(roomID string, limit int) ([]store.CommitInfo, error)
	SnapshotByHash(roomID, hash string) (crdt.Snapshot, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Option func(*Service)

func WithHistory(h HistoryArchive) Option {
	return func(s *Service) { s.history = h }
}

// WithRedis adds Redis to the readiness checks.
func WithRedis(p Pinger) Option {
	return func(s *Service) { s.redis = p }
}

type Service struct {
	cfg     config.Config
	store   RoomStore
	access  *access.Machine
	rooms   *room.Registry
	control *ControlHub
	history HistoryArchive
	redis   Pinger
	logger  *slog.Logger
}

func New(cfg config.Config, rooms RoomStore, states access.StateStore, registry *room.Registry, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	hub := newControlHub(logger)
	machine := access.NewMachine(rooms, states, logger,
		access.WithNotifier(hub),
		access.WithKicker(registry),
		access.WithRetryAfter(cfg.JoinRequestHint))
	hub.machine = machine

	s := &Service{
		cfg:     cfg,
		store:   rooms,
		access:  machine,
		rooms:   registry,
		control: hub,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping reports each dependency's health. A nil entry means healthy.
func (s *Service) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.redis != nil {
		checks["redis"] = s.redis.Ping(ctx)
	}
	return checks
}

// Authenticate verifies a token and returns the user it names.
func (s *Service) Authenticate(token string) (protocol.UserInfo, error) {
	if token == "" {
		return protocol.UserInfo{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Missing token", nil)
	}
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return protocol.UserInfo{}, err
	}
	return protocol.UserInfo{
		ID:       claims.Sub,
		Username: claims.Username,
		Fullname: claims.Fullname,
		PhotoURL: claims.PhotoURL,
	}, nil
}

// RoomSnapshot returns the live content of an open room, or the persisted
// snapshot when nobody is editing. live reports which one it is.
func (s *Service) RoomSnapshot(ctx context.Context, user protocol.UserInfo, roomID string) (crdt.Snapshot, bool, error) {
	if _, err := s.access.CanAttach(ctx, roomID, user.ID); err != nil {
		return crdt.Snapshot{}, false, err
	}
	if snap, ok := s.rooms.Snapshot(roomID); ok {
		return snap, true, nil
	}
	snap, _, err := s.store.LoadSnapshot(ctx, roomID)
	if err != nil {
		return crdt.Snapshot{}, false, err
	}
	return snap, false, nil
}

func (s *Service) RoomHistory(ctx context.Context, user protocol.UserInfo, roomID string, limit int) ([]store.CommitInfo, error) {
	if _, err := s.access.CanAttach(ctx, roomID, user.ID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []store.CommitInfo{}, nil
	}
	return s.history.History(roomID, limit)
}

func (s *Service) RoomSnapshotAt(ctx context.Context, user protocol.UserInfo, roomID, hash string) (crdt.Snapshot, error) {
	if _, err := s.access.CanAttach(ctx, roomID, user.ID); err != nil {
		return crdt.Snapshot{}, err
	}
	if s.history == nil {
		return crdt.Snapshot{}, domainError(http.StatusNotFound, "NO_HISTORY", "History is not enabled", nil)
	}
	return s.history.SnapshotByHash(roomID, hash)
}

// Shutdown closes control sessions and flushes every open room.
func (s *Service) Shutdown(ctx context.Context) {
	s.control.closeAll()
	s.rooms.Shutdown(ctx)
}
