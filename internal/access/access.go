// Package access decides who may attach to a room's sync channel. All
// transitions are driven by control-channel requests; document traffic never
// changes a user's state.
package access

import (
	"context"
	"errors"

	"ducklets/api/internal/protocol"
	"ducklets/api/internal/rbac"
	"ducklets/api/internal/store"
)

var (
	ErrAccessDenied     = errors.New("access denied")
	ErrNotOwner         = errors.New("only the room owner may do this")
	ErrCannotEvictOwner = errors.New("the room owner cannot be removed")
)

type State string

const (
	StateUnaffiliated   State = "unaffiliated"
	StateRequestPending State = "request_pending"
	StateAdmitted       State = "admitted"
	StateEvicted        State = "evicted"
)

// RoomDirectory is the CRUD collaborator owning room metadata and the
// allow-list.
type RoomDirectory interface {
	GetRoom(ctx context.Context, roomID string) (store.Room, error)
	AddToAllowList(ctx context.Context, roomID, userID string) error
	RemoveFromAllowList(ctx context.Context, roomID, userID string) error
}

// StateStore keeps the marks that are not part of the room record.
type StateStore interface {
	MarkPending(ctx context.Context, req store.JoinRequest) error
	PendingRequest(ctx context.Context, roomID, userID string) (store.JoinRequest, bool, error)
	ClearPending(ctx context.Context, roomID, userID string) error
	MarkEvicted(ctx context.Context, roomID, userID string) error
	ClearEvicted(ctx context.Context, roomID, userID string) error
	IsEvicted(ctx context.Context, roomID, userID string) (bool, error)
}

// Notifier delivers control envelopes to connected control sessions.
type Notifier interface {
	NotifyUser(userID string, env protocol.Envelope) int
	NotifyRoom(roomID string, env protocol.Envelope, exceptUserID string) int
}

// Kicker forcibly detaches a user's sync sessions from a room.
type Kicker interface {
	Kick(roomID, userID string) int
}

// Decision is the outcome of an admission check.
type Decision struct {
	State State
	Role  rbac.Role
	Room  store.Room
}

func (d Decision) Admitted() bool {
	return d.State == StateAdmitted
}

func roleFor(room store.Room, state State, userID string) rbac.Role {
	switch {
	case state != StateAdmitted:
		return rbac.RoleGuest
	case room.IsOwner(userID):
		return rbac.RoleOwner
	default:
		return rbac.RoleEditor
	}
}

type noopNotifier struct{}

func (noopNotifier) NotifyUser(string, protocol.Envelope) int         { return 0 }
func (noopNotifier) NotifyRoom(string, protocol.Envelope, string) int { return 0 }

type noopKicker struct{}

func (noopKicker) Kick(string, string) int { return 0 }
