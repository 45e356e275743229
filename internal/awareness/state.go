// Package awareness tracks ephemeral per-client presence: who is in a room,
// their display attributes and pointer position. Nothing here is persisted.
package awareness

import (
	"errors"
	"fmt"

	"ducklets/api/internal/codec"
)

var ErrMalformedUpdate = errors.New("malformed awareness update")

// Pointer is a cursor position normalized to the viewport, both axes in
// [0, 1].
type Pointer struct {
	X float64 `cbor:"1,keyasint" json:"x"`
	Y float64 `cbor:"2,keyasint" json:"y"`
}

func (p Pointer) clamp() Pointer {
	return Pointer{X: clampUnit(p.X), Y: clampUnit(p.Y)}
}

func clampUnit(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// State is what one client advertises about itself.
type State struct {
	UserID   string   `cbor:"1,keyasint,omitempty" json:"id"`
	Name     string   `cbor:"2,keyasint,omitempty" json:"name"`
	Username string   `cbor:"3,keyasint,omitempty" json:"username"`
	Fullname string   `cbor:"4,keyasint,omitempty" json:"fullname"`
	PhotoURL string   `cbor:"5,keyasint,omitempty" json:"photoURL"`
	Color    string   `cbor:"6,keyasint,omitempty" json:"color"`
	Pointer  *Pointer `cbor:"7,keyasint,omitempty" json:"pos,omitempty"`
}

// Patch changes a subset of a State. Nil fields are left alone.
type Patch struct {
	UserID       *string
	Name         *string
	Username     *string
	Fullname     *string
	PhotoURL     *string
	Color        *string
	Pointer      *Pointer
	ClearPointer bool
}

func (p Patch) apply(s State) State {
	if p.UserID != nil {
		s.UserID = *p.UserID
	}
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.Username != nil {
		s.Username = *p.Username
	}
	if p.Fullname != nil {
		s.Fullname = *p.Fullname
	}
	if p.PhotoURL != nil {
		s.PhotoURL = *p.PhotoURL
	}
	if p.Color != nil {
		s.Color = *p.Color
	}
	switch {
	case p.ClearPointer:
		s.Pointer = nil
	case p.Pointer != nil:
		pointer := p.Pointer.clamp()
		s.Pointer = &pointer
	}
	return s
}

// Entry is one client's state on the wire. A nil State announces that the
// client left.
type Entry struct {
	ClientID uint64 `cbor:"1,keyasint"`
	Clock    uint64 `cbor:"2,keyasint"`
	State    *State `cbor:"3,keyasint,omitempty"`
}

type Update struct {
	Entries []Entry `cbor:"1,keyasint"`
}

// Encode serializes an update for the wire.
func (u Update) Encode() ([]byte, error) {
	return encodeUpdate(u.Entries)
}

func encodeUpdate(entries []Entry) ([]byte, error) {
	data, err := codec.Marshal(Update{Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("encode awareness update: %w", err)
	}
	return data, nil
}

// DecodeUpdate parses an awareness blob. Pointers are clamped on the way in.
func DecodeUpdate(data []byte) (Update, error) {
	var update Update
	if len(data) == 0 {
		return update, fmt.Errorf("%w: empty blob", ErrMalformedUpdate)
	}
	if err := codec.Unmarshal(data, &update); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for i, entry := range update.Entries {
		if entry.Clock == 0 {
			return Update{}, fmt.Errorf("%w: client %d has zero clock", ErrMalformedUpdate, entry.ClientID)
		}
		if entry.State != nil && entry.State.Pointer != nil {
			pointer := entry.State.Pointer.clamp()
			update.Entries[i].State.Pointer = &pointer
		}
	}
	return update, nil
}
