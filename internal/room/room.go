// Package room hosts the live state of every open ducklet: its document,
// its awareness map, its persistence debouncer and the sync sessions
// attached to it.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"ducklets/api/internal/awareness"
	"ducklets/api/internal/crdt"
	"ducklets/api/internal/fanout"
	"ducklets/api/internal/metrics"
	"ducklets/api/internal/persist"
	"ducklets/api/internal/protocol"
)

const (
	// CloseEvicted is the websocket close code sent to a kicked session.
	CloseEvicted = 4403
	// CloseGoingAway is sent to every session when the server shuts down.
	CloseGoingAway = 1001
)

var (
	ErrEvicted     = errors.New("session was removed from the room")
	ErrNotAttached = errors.New("session is not attached to the room")
	// ErrForeignAwareness rejects presence entries for a client id other
	// than the one the session announced first.
	ErrForeignAwareness = errors.New("awareness entry for another client")
)

// Session is one sync transport connection.
type Session interface {
	ID() string
	UserID() string
	// Send queues a frame without blocking. It reports false when the
	// frame was dropped.
	Send(frame []byte) bool
	Close(code int, reason string)
}

// member is one attached session. A session owns at most one awareness
// client id, bound by its first awareness frame.
type member struct {
	session Session
	client  uint64
	bound   bool
	live    bool
	evicted bool
}

// claim checks that every entry of update belongs to the member's client
// and stamps the session's user onto the announced states.
func (m *member) claim(update awareness.Update) error {
	for i, entry := range update.Entries {
		if !m.bound {
			m.client, m.bound = entry.ClientID, true
		}
		if entry.ClientID != m.client {
			return fmt.Errorf("%w: session owns %d, got %d", ErrForeignAwareness, m.client, entry.ClientID)
		}
		if entry.State != nil {
			state := *entry.State
			state.UserID = m.session.UserID()
			update.Entries[i].State = &state
		}
	}
	return nil
}

// Room serializes every merge and relay for one document. Rooms do not
// share locks.
type Room struct {
	id        string
	doc       *crdt.Doc
	awareness *awareness.Tracker
	debouncer *persist.Debouncer
	bus       fanout.Bus
	logger    *slog.Logger

	mu      sync.Mutex
	members map[string]*member

	stop func()
}

func newRoom(id string, doc *crdt.Doc, tracker *awareness.Tracker, bus fanout.Bus, logger *slog.Logger) *Room {
	return &Room{
		id:        id,
		doc:       doc,
		awareness: tracker,
		bus:       bus,
		logger:    logger.With("room_id", id),
		members:   make(map[string]*member),
	}
}

func (r *Room) ID() string { return r.id }

func (r *Room) Snapshot() crdt.Snapshot { return r.doc.Snapshot() }

// Sessions counts attached sessions, kicked ones included until they
// detach.
func (r *Room) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Attach registers s and opens the sync handshake: the server's state
// vector followed by every live awareness state.
func (r *Room) Attach(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sv, err := crdt.EncodeStateVector(r.doc.StateVector())
	if err != nil {
		return fmt.Errorf("encode state vector: %w", err)
	}
	r.members[s.ID()] = &member{session: s}
	s.Send(protocol.MustEncode(protocol.SyncStep1, sv))

	if len(r.awareness.States()) > 0 {
		states, err := r.awareness.EncodeUpdate()
		if err != nil {
			return fmt.Errorf("encode awareness: %w", err)
		}
		s.Send(protocol.MustEncode(protocol.Awareness, states))
	}
	r.logger.Info("session attached", "session_id", s.ID(), "user_id", s.UserID())
	return nil
}

// Detach removes s, clears the awareness client it announced and returns
// how many sessions remain.
func (r *Room) Detach(s Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[s.ID()]
	if !ok {
		return len(r.members)
	}
	delete(r.members, s.ID())
	r.clearClients(m)
	r.logger.Info("session detached", "session_id", s.ID(), "user_id", s.UserID())
	return len(r.members)
}

// Kick closes every session of userID. Frames those sessions still have
// in flight are discarded.
func (r *Room) Kick(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kicked := 0
	for _, m := range r.members {
		if m.evicted || m.session.UserID() != userID {
			continue
		}
		m.evicted = true
		r.clearClients(m)
		m.session.Close(CloseEvicted, "removed from room")
		kicked++
	}
	if kicked > 0 {
		r.logger.Info("user kicked", "user_id", userID, "sessions", kicked)
	}
	return kicked
}

func (r *Room) disconnectAll(code int, reason string) {
	r.mu.Lock()
	sessions := make([]Session, 0, len(r.members))
	for _, m := range r.members {
		sessions = append(sessions, m.session)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close(code, reason)
	}
}

// clearClients must run with r.mu held.
func (r *Room) clearClients(m *member) {
	if !m.live {
		return
	}
	m.live = false

	update, err := r.awareness.ClearLocalState(m.client)
	if err != nil {
		r.logger.Error("encode awareness removal", "error", err)
		return
	}
	if update == nil {
		return
	}
	frame := protocol.MustEncode(protocol.Awareness, update)
	r.broadcastLocked(frame, m.session.ID())
	r.publish(frame)
}

// HandleMessage processes one frame received from s.
func (r *Room) HandleMessage(s Session, data []byte) error {
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		metrics.Malformed("sync")
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[s.ID()]
	if !ok {
		return ErrNotAttached
	}
	if m.evicted {
		return ErrEvicted
	}

	switch msg.Type {
	case protocol.SyncStep1:
		sv, err := crdt.DecodeStateVector(msg.Payload)
		if err != nil {
			metrics.Malformed("state-vector")
			return err
		}
		update, err := r.doc.EncodeStateAsUpdate(sv)
		if err != nil {
			return fmt.Errorf("encode missing state: %w", err)
		}
		s.Send(protocol.MustEncode(protocol.SyncStep2, update))

	case protocol.SyncStep2, protocol.Update:
		if _, err := r.doc.ApplyUpdate(msg.Payload, crdt.Local); err != nil {
			metrics.Malformed("update")
			return err
		}
		frame := protocol.MustEncode(protocol.Update, msg.Payload)
		r.broadcastLocked(frame, s.ID())
		r.publish(frame)

	case protocol.Awareness:
		update, err := awareness.DecodeUpdate(msg.Payload)
		if err != nil {
			metrics.Malformed("awareness")
			return err
		}
		if err := m.claim(update); err != nil {
			metrics.Malformed("awareness")
			return err
		}
		change := r.awareness.Apply(update)
		switch {
		case len(change.Added) > 0 || len(change.Updated) > 0:
			m.live = true
		case len(change.Removed) > 0:
			m.live = false
		}
		payload, err := update.Encode()
		if err != nil {
			return err
		}
		frame := protocol.MustEncode(protocol.Awareness, payload)
		r.broadcastLocked(frame, s.ID())
		r.publish(frame)

	case protocol.QueryAwareness:
		states, err := r.awareness.EncodeUpdate()
		if err != nil {
			return fmt.Errorf("encode awareness: %w", err)
		}
		s.Send(protocol.MustEncode(protocol.Awareness, states))
	}
	return nil
}

// handleRemote merges a frame relayed by another server node. Remote
// merges neither persist nor republish.
func (r *Room) handleRemote(data []byte) {
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		metrics.Malformed("fanout")
		r.logger.Warn("dropping malformed relayed frame", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg.Type {
	case protocol.Update, protocol.SyncStep2:
		if _, err := r.doc.ApplyUpdate(msg.Payload, crdt.Remote); err != nil {
			metrics.Malformed("update")
			r.logger.Warn("dropping malformed relayed update", "error", err)
			return
		}
		r.broadcastLocked(protocol.MustEncode(protocol.Update, msg.Payload), "")
	case protocol.Awareness:
		if _, err := r.awareness.ApplyUpdate(msg.Payload); err != nil {
			metrics.Malformed("awareness")
			r.logger.Warn("dropping malformed relayed awareness", "error", err)
			return
		}
		r.broadcastLocked(data, "")
	}
}

func (r *Room) broadcast(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(frame, "")
}

func (r *Room) broadcastLocked(frame []byte, exceptSessionID string) {
	for id, m := range r.members {
		if id == exceptSessionID || m.evicted {
			continue
		}
		if !m.session.Send(frame) {
			r.logger.Warn("session send buffer full", "session_id", id, "user_id", m.session.UserID())
		}
	}
}

func (r *Room) publish(frame []byte) {
	if err := r.bus.Publish(context.Background(), r.id, frame); err != nil {
		r.logger.Warn("fanout publish failed", "error", err)
	}
}
