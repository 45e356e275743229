// Package protocol defines the frames exchanged on the two websocket
// planes: binary CBOR messages on the sync channel and JSON envelopes on the
// control channel.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"ducklets/api/internal/codec"
)

var ErrMalformedMessage = errors.New("malformed message")

// RoomPrefix scopes sync channel names to a room.
const RoomPrefix = "room:"

func SyncRoomName(roomID string) string {
	return RoomPrefix + roomID
}

// ParseSyncRoom extracts the room id from a sync channel name.
func ParseSyncRoom(name string) (string, error) {
	id, ok := strings.CutPrefix(name, RoomPrefix)
	if !ok || id == "" || strings.ContainsAny(id, "/ ") {
		return "", fmt.Errorf("invalid sync room name %q", name)
	}
	return id, nil
}

type MessageType uint8

const (
	// SyncStep1 carries the sender's state vector.
	SyncStep1 MessageType = iota + 1
	// SyncStep2 answers a SyncStep1 with the updates the peer is missing.
	SyncStep2
	Update
	Awareness
	QueryAwareness
)

func (t MessageType) String() string {
	switch t {
	case SyncStep1:
		return "sync-step-1"
	case SyncStep2:
		return "sync-step-2"
	case Update:
		return "update"
	case Awareness:
		return "awareness"
	case QueryAwareness:
		return "query-awareness"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message is one binary frame on the sync channel. Payload is opaque to the
// transport: a state vector, a document update or an awareness update.
type Message struct {
	Type    MessageType `cbor:"1,keyasint"`
	Payload []byte      `cbor:"2,keyasint,omitempty"`
}

func EncodeMessage(msg Message) ([]byte, error) {
	data, err := codec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	return data, nil
}

// MustEncode is for message types whose encoding cannot fail.
func MustEncode(msgType MessageType, payload []byte) []byte {
	data, err := EncodeMessage(Message{Type: msgType, Payload: payload})
	if err != nil {
		panic(err)
	}
	return data
}

func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := codec.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch msg.Type {
	case SyncStep1, SyncStep2, Update, Awareness:
		if msg.Type != SyncStep1 && len(msg.Payload) == 0 {
			return Message{}, fmt.Errorf("%w: %s without payload", ErrMalformedMessage, msg.Type)
		}
	case QueryAwareness:
	default:
		return Message{}, fmt.Errorf("%w: unknown type %d", ErrMalformedMessage, msg.Type)
	}
	return msg, nil
}
