package access

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ducklets/api/internal/protocol"
	"ducklets/api/internal/rbac"
	"ducklets/api/internal/store"
)

// DefaultRetryAfter is the advisory wait a requester shows before telling
// the user the owner has not answered yet. The request itself stays open.
const DefaultRetryAfter = 5 * time.Second

type Option func(*Machine)

func WithNotifier(n Notifier) Option {
	return func(m *Machine) { m.notifier = n }
}

func WithKicker(k Kicker) Option {
	return func(m *Machine) { m.kicker = k }
}

func WithRetryAfter(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.retryAfter = d
		}
	}
}

// Machine is the access control state machine shared by every room.
type Machine struct {
	rooms      RoomDirectory
	states     StateStore
	notifier   Notifier
	kicker     Kicker
	logger     *slog.Logger
	retryAfter time.Duration
	now        func() time.Time
}

func NewMachine(rooms RoomDirectory, states StateStore, logger *slog.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		rooms:      rooms,
		states:     states,
		notifier:   noopNotifier{},
		kicker:     noopKicker{},
		logger:     logger,
		retryAfter: DefaultRetryAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) RetryAfter() time.Duration {
	return m.retryAfter
}

// Status computes a user's state in a room. An eviction mark beats every
// admission rule. Non-public rooms admit everyone; public rooms admit the
// owner and allow-listed users.
func (m *Machine) Status(ctx context.Context, roomID, userID string) (Decision, error) {
	room, err := m.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return Decision{}, err
	}
	state, err := m.stateIn(ctx, room, userID)
	if err != nil {
		return Decision{}, err
	}
	return Decision{State: state, Role: roleFor(room, state, userID), Room: room}, nil
}

func (m *Machine) stateIn(ctx context.Context, room store.Room, userID string) (State, error) {
	if userID == "" {
		return StateUnaffiliated, nil
	}
	if !room.IsOwner(userID) {
		evicted, err := m.states.IsEvicted(ctx, room.ID, userID)
		if err != nil {
			return "", err
		}
		if evicted {
			return StateEvicted, nil
		}
	}
	if !room.IsPublic || room.IsOwner(userID) || room.Allows(userID) {
		return StateAdmitted, nil
	}
	_, pending, err := m.states.PendingRequest(ctx, room.ID, userID)
	if err != nil {
		return "", err
	}
	if pending {
		return StateRequestPending, nil
	}
	return StateUnaffiliated, nil
}

// JoinRoom is the admission check behind a join-room request.
func (m *Machine) JoinRoom(ctx context.Context, user protocol.UserInfo, roomID string) (Decision, error) {
	decision, err := m.Status(ctx, roomID, user.ID)
	if err != nil {
		return Decision{}, err
	}
	m.logger.Debug("join room", "room_id", roomID, "user_id", user.ID, "state", decision.State)
	return decision, nil
}

// CanAttach gates sync-channel attachment. Only admitted users pass.
func (m *Machine) CanAttach(ctx context.Context, roomID, userID string) (Decision, error) {
	decision, err := m.Status(ctx, roomID, userID)
	if err != nil {
		return Decision{}, err
	}
	if !decision.Admitted() || !rbac.Can(decision.Role, rbac.ActionWrite) {
		return decision, fmt.Errorf("%w: %s is %s in room %s", ErrAccessDenied, userID, decision.State, roomID)
	}
	return decision, nil
}

// RequestJoin records a join request and tells the owner. Requests from
// users who are already admitted are no-ops.
func (m *Machine) RequestJoin(ctx context.Context, user protocol.UserInfo, roomID string) (Decision, error) {
	decision, err := m.Status(ctx, roomID, user.ID)
	if err != nil {
		return Decision{}, err
	}
	if decision.Admitted() {
		return decision, nil
	}
	if user.ID == "" {
		return decision, fmt.Errorf("%w: anonymous users cannot request access", ErrAccessDenied)
	}

	req := store.JoinRequest{
		RoomID:      roomID,
		UserID:      user.ID,
		Username:    user.Username,
		Fullname:    user.Fullname,
		PhotoURL:    user.PhotoURL,
		RequestedAt: m.now().UTC(),
	}
	if err := m.states.MarkPending(ctx, req); err != nil {
		return Decision{}, err
	}

	delivered := m.notifier.NotifyUser(decision.Room.OwnerID, protocol.Envelope{
		Type:   protocol.KindJoinRequestSubmitted,
		RoomID: roomID,
		User:   &user,
		Room:   roomInfo(decision.Room),
	})
	m.logger.Info("join request submitted",
		"room_id", roomID,
		"user_id", user.ID,
		"owner_sessions", delivered)

	// An evicted user stays evicted until the owner accepts the request.
	if decision.State != StateEvicted {
		decision.State = StateRequestPending
	}
	return decision, nil
}

func (m *Machine) requireOwner(ctx context.Context, actor protocol.UserInfo, roomID string) (store.Room, error) {
	decision, err := m.Status(ctx, roomID, actor.ID)
	if err != nil {
		return store.Room{}, err
	}
	if !rbac.Can(decision.Role, rbac.ActionManage) {
		return store.Room{}, fmt.Errorf("%w: %s in room %s", ErrNotOwner, actor.ID, roomID)
	}
	return decision.Room, nil
}

// Accept admits a user: the allow-list gains the user, pending and eviction
// marks are cleared and the requester is told to retry. Accepting an
// already-admitted user does nothing.
func (m *Machine) Accept(ctx context.Context, actor protocol.UserInfo, roomID, userID string) error {
	room, err := m.requireOwner(ctx, actor, roomID)
	if err != nil {
		return err
	}
	_, pending, err := m.states.PendingRequest(ctx, roomID, userID)
	if err != nil {
		return err
	}
	evicted, err := m.states.IsEvicted(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if (room.Allows(userID) || room.IsOwner(userID)) && !pending && !evicted {
		return nil
	}

	if err := m.rooms.AddToAllowList(ctx, roomID, userID); err != nil {
		return fmt.Errorf("accept %s: %w", userID, err)
	}
	if err := m.states.ClearPending(ctx, roomID, userID); err != nil {
		return err
	}
	if err := m.states.ClearEvicted(ctx, roomID, userID); err != nil {
		return err
	}

	m.notifier.NotifyUser(userID, protocol.Envelope{
		Type:   protocol.KindJoinRequestAccepted,
		RoomID: roomID,
		UserID: userID,
	})
	m.logger.Info("join request accepted", "room_id", roomID, "user_id", userID, "owner_id", actor.ID)
	return nil
}

// Reject drops a pending request. Rejecting a user without a request does
// nothing.
func (m *Machine) Reject(ctx context.Context, actor protocol.UserInfo, roomID, userID string) error {
	if _, err := m.requireOwner(ctx, actor, roomID); err != nil {
		return err
	}
	_, pending, err := m.states.PendingRequest(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if !pending {
		return nil
	}
	if err := m.states.ClearPending(ctx, roomID, userID); err != nil {
		return err
	}
	m.notifier.NotifyUser(userID, protocol.Envelope{
		Type:   protocol.KindJoinRequestRejected,
		RoomID: roomID,
		UserID: userID,
	})
	m.logger.Info("join request rejected", "room_id", roomID, "user_id", userID, "owner_id", actor.ID)
	return nil
}

// Evict removes a user from the allow-list, marks them evicted and closes
// their sync sessions. Evicting an evicted user only re-runs the kick.
func (m *Machine) Evict(ctx context.Context, actor protocol.UserInfo, roomID, userID string) error {
	room, err := m.requireOwner(ctx, actor, roomID)
	if err != nil {
		return err
	}
	if room.IsOwner(userID) {
		return ErrCannotEvictOwner
	}
	evicted, err := m.states.IsEvicted(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if evicted {
		m.kicker.Kick(roomID, userID)
		return nil
	}

	if err := m.rooms.RemoveFromAllowList(ctx, roomID, userID); err != nil {
		return fmt.Errorf("evict %s: %w", userID, err)
	}
	if err := m.states.ClearPending(ctx, roomID, userID); err != nil {
		return err
	}
	if err := m.states.MarkEvicted(ctx, roomID, userID); err != nil {
		return err
	}

	m.notifier.NotifyUser(userID, protocol.Envelope{
		Type:   protocol.KindUserRemoved,
		RoomID: roomID,
		UserID: userID,
	})
	closed := m.kicker.Kick(roomID, userID)
	m.logger.Info("user removed",
		"room_id", roomID,
		"user_id", userID,
		"owner_id", actor.ID,
		"sessions_closed", closed)
	return nil
}

// UpdateRoom relays fresh room metadata to everyone in the room. The CRUD
// service has already stored the change; only the owner may announce it.
func (m *Machine) UpdateRoom(ctx context.Context, editor protocol.UserInfo, roomID string) (store.Room, error) {
	room, err := m.requireOwner(ctx, editor, roomID)
	if err != nil {
		return store.Room{}, err
	}
	m.notifier.NotifyRoom(roomID, protocol.Envelope{
		Type:   protocol.KindRoomMetadataUpdated,
		RoomID: roomID,
		Room:   roomInfo(room),
		Editor: &editor,
	}, editor.ID)
	m.logger.Info("room metadata updated", "room_id", roomID, "editor_id", editor.ID, "is_public", room.IsPublic)
	return room, nil
}

func roomInfo(room store.Room) *protocol.RoomInfo {
	return &protocol.RoomInfo{
		ID:          room.ID,
		Name:        room.Name,
		Description: room.Description,
		IsPublic:    room.IsPublic,
		OwnerID:     room.OwnerID,
	}
}
