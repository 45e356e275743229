package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind names a control envelope.
type Kind string

const (
	KindJoinRoom             Kind = "join-room"
	KindAck                  Kind = "ack"
	KindJoinRequest          Kind = "join-request"
	KindJoinRequestSubmitted Kind = "join-request-submitted"
	KindJoinRequestAccept    Kind = "join-request-accept"
	KindJoinRequestAccepted  Kind = "join-request-accepted"
	KindJoinRequestReject    Kind = "join-request-reject"
	KindJoinRequestRejected  Kind = "join-request-rejected"
	KindRemoveUser           Kind = "remove-user"
	KindUserRemoved          Kind = "user-removed"
	KindRoomUpdated          Kind = "room-updated"
	KindRoomMetadataUpdated  Kind = "room-metadata-updated"
	KindPing                 Kind = "ping"
	KindPong                 Kind = "pong"
)

// Requests are the kinds a client may send.
func (k Kind) Request() bool {
	switch k {
	case KindJoinRoom, KindJoinRequest, KindJoinRequestAccept, KindJoinRequestReject,
		KindRemoveUser, KindRoomUpdated, KindPing:
		return true
	default:
		return false
	}
}

const (
	StatusOK     = "ok"
	StatusDenied = "denied"
	StatusError  = "error"
)

type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Fullname string `json:"fullname,omitempty"`
	PhotoURL string `json:"photoURL,omitempty"`
}

type RoomInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	IsPublic    bool   `json:"isPublic"`
	OwnerID     string `json:"ownerId,omitempty"`
}

// Envelope is one JSON text frame on the control channel. ID correlates a
// request with its ack.
type Envelope struct {
	Type         Kind      `json:"type"`
	ID           string    `json:"id,omitempty"`
	RoomID       string    `json:"roomId,omitempty"`
	UserID       string    `json:"userId,omitempty"`
	Status       string    `json:"status,omitempty"`
	State        string    `json:"state,omitempty"`
	Error        string    `json:"error,omitempty"`
	Message      string    `json:"message,omitempty"`
	RetryAfterMs int64     `json:"retryAfterMs,omitempty"`
	Room         *RoomInfo `json:"room,omitempty"`
	User         *UserInfo `json:"user,omitempty"`
	Editor       *UserInfo `json:"editor,omitempty"`
}

// Ack builds the reply to req.
func Ack(req Envelope, status string) Envelope {
	return Envelope{Type: KindAck, ID: req.ID, RoomID: req.RoomID, Status: status}
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return env, nil
}

// Validate checks that a client request carries the fields its kind needs.
func (e Envelope) Validate() error {
	if !e.Type.Request() {
		return fmt.Errorf("%w: %q is not a request", ErrMalformedMessage, e.Type)
	}
	switch e.Type {
	case KindPing:
		return nil
	case KindJoinRequestAccept, KindJoinRequestReject, KindRemoveUser:
		if e.UserID == "" {
			return fmt.Errorf("%w: %s needs userId", ErrMalformedMessage, e.Type)
		}
	}
	if e.RoomID == "" && e.Room == nil {
		return fmt.Errorf("%w: %s needs roomId", ErrMalformedMessage, e.Type)
	}
	return nil
}

// TargetRoom returns the room id named by the envelope, preferring roomId.
func (e Envelope) TargetRoom() string {
	if e.RoomID != "" {
		return e.RoomID
	}
	if e.Room != nil {
		return e.Room.ID
	}
	return ""
}
