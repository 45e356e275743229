package store

import (
	"errors"
	"time"
)

var ErrRoomNotFound = errors.New("room not found")

// Room is the metadata the collaboration server needs about a ducklet.
// Everything else about a room belongs to the CRUD service.
type Room struct {
	ID          string
	Name        string
	Description string
	IsPublic    bool
	OwnerID     string
	AllowList   []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (r Room) IsOwner(userID string) bool {
	return userID != "" && r.OwnerID == userID
}

// Allows reports whether userID is on the room's allow-list.
func (r Room) Allows(userID string) bool {
	for _, id := range r.AllowList {
		if id == userID {
			return true
		}
	}
	return false
}

// JoinRequest is a pending request by a user to be admitted to a room.
type JoinRequest struct {
	RoomID      string    `json:"roomId"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username,omitempty"`
	Fullname    string    `json:"fullname,omitempty"`
	PhotoURL    string    `json:"photoURL,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

type RoomContents struct {
	RoomID    string
	Head      string
	HTML      string
	CSS       string
	JS        string
	UpdatedAt time.Time
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}
