package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"ducklets/api/internal/access"
	"ducklets/api/internal/metrics"
	"ducklets/api/internal/protocol"
	"github.com/gorilla/websocket"
)

const controlRequestTimeout = 10 * time.Second

// ControlHub owns the control channel sessions. It delivers access
// notifications to users and relays room metadata to the sessions that
// joined a room.
type ControlHub struct {
	machine *access.Machine
	logger  *slog.Logger

	mu     sync.RWMutex
	users  map[string]map[*wsConn]struct{}
	rooms  map[string]map[*wsConn]struct{}
	joined map[*wsConn]map[string]struct{}
}

func newControlHub(logger *slog.Logger) *ControlHub {
	return &ControlHub{
		logger: logger,
		users:  make(map[string]map[*wsConn]struct{}),
		rooms:  make(map[string]map[*wsConn]struct{}),
		joined: make(map[*wsConn]map[string]struct{}),
	}
}

func (h *ControlHub) register(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.users[c.user.ID] == nil {
		h.users[c.user.ID] = make(map[*wsConn]struct{})
	}
	h.users[c.user.ID][c] = struct{}{}
	h.joined[c] = make(map[string]struct{})
}

func (h *ControlHub) unregister(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.users[c.user.ID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.users, c.user.ID)
		}
	}
	for roomID := range h.joined[c] {
		if conns, ok := h.rooms[roomID]; ok {
			delete(conns, c)
			if len(conns) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	delete(h.joined, c)
}

func (h *ControlHub) join(c *wsConn, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.joined[c]; !ok {
		return
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*wsConn]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
	h.joined[c][roomID] = struct{}{}
}

// leave unsubscribes every control session of userID from roomID.
func (h *ControlHub) leave(roomID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.users[userID] {
		delete(h.joined[c], roomID)
		delete(h.rooms[roomID], c)
	}
	if len(h.rooms[roomID]) == 0 {
		delete(h.rooms, roomID)
	}
}

// NotifyUser sends env to every control session of userID.
func (h *ControlHub) NotifyUser(userID string, env protocol.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.deliver(h.users[userID], env, "")
}

// NotifyRoom sends env to every session that joined roomID, except those
// of exceptUserID.
func (h *ControlHub) NotifyRoom(roomID string, env protocol.Envelope, exceptUserID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.deliver(h.rooms[roomID], env, exceptUserID)
}

func (h *ControlHub) deliver(conns map[*wsConn]struct{}, env protocol.Envelope, exceptUserID string) int {
	if len(conns) == 0 {
		return 0
	}
	frame, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("encode control envelope", "type", env.Type, "error", err)
		return 0
	}
	sent := 0
	for c := range conns {
		if exceptUserID != "" && c.user.ID == exceptUserID {
			continue
		}
		if c.Send(frame) {
			sent++
		}
	}
	return sent
}

func (h *ControlHub) closeAll() {
	h.mu.RLock()
	conns := make([]*wsConn, 0, len(h.joined))
	for c := range h.joined {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

// serve runs one control session until it disconnects.
func (h *ControlHub) serve(c *wsConn) {
	h.register(c)
	metrics.SessionOpened("control")
	defer func() {
		h.unregister(c)
		metrics.SessionClosed("control")
	}()

	go c.writePump()
	c.readPump(func(data []byte) error {
		h.reply(c, h.handle(c, data))
		return nil
	})
}

func (h *ControlHub) reply(c *wsConn, env protocol.Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("encode control ack", "error", err)
		return
	}
	if !c.Send(frame) {
		c.logger.Warn("control send buffer full")
	}
}

// handle executes one request and returns its ack.
func (h *ControlHub) handle(c *wsConn, data []byte) protocol.Envelope {
	req, err := protocol.DecodeEnvelope(data)
	if err != nil {
		metrics.Malformed("control")
		return protocol.Envelope{Type: protocol.KindAck, Status: protocol.StatusError, Error: err.Error()}
	}
	if err := req.Validate(); err != nil {
		metrics.Malformed("control")
		return h.fail(req, err)
	}
	if req.Type == protocol.KindPing {
		return protocol.Envelope{Type: protocol.KindPong, ID: req.ID}
	}

	ctx, cancel := context.WithTimeout(context.Background(), controlRequestTimeout)
	defer cancel()

	roomID := req.TargetRoom()
	ack := protocol.Ack(req, protocol.StatusOK)
	ack.RoomID = roomID

	switch req.Type {
	case protocol.KindJoinRoom:
		decision, err := h.machine.JoinRoom(ctx, c.user, roomID)
		if err != nil {
			return h.fail(req, err)
		}
		ack.State = string(decision.State)
		ack.Room = roomInfo(decision)
		if decision.Admitted() {
			h.join(c, roomID)
		} else {
			ack.Status = protocol.StatusDenied
		}

	case protocol.KindJoinRequest:
		decision, err := h.machine.RequestJoin(ctx, c.user, roomID)
		if err != nil {
			return h.fail(req, err)
		}
		ack.State = string(decision.State)
		if decision.State == access.StateRequestPending {
			ack.RetryAfterMs = h.machine.RetryAfter().Milliseconds()
		}

	case protocol.KindJoinRequestAccept:
		if err := h.machine.Accept(ctx, c.user, roomID, req.UserID); err != nil {
			return h.fail(req, err)
		}
		ack.UserID = req.UserID

	case protocol.KindJoinRequestReject:
		if err := h.machine.Reject(ctx, c.user, roomID, req.UserID); err != nil {
			return h.fail(req, err)
		}
		ack.UserID = req.UserID

	case protocol.KindRemoveUser:
		if err := h.machine.Evict(ctx, c.user, roomID, req.UserID); err != nil {
			return h.fail(req, err)
		}
		h.leave(roomID, req.UserID)
		ack.UserID = req.UserID

	case protocol.KindRoomUpdated:
		if _, err := h.machine.UpdateRoom(ctx, c.user, roomID); err != nil {
			return h.fail(req, err)
		}
	}

	metrics.AccessTransition(string(req.Type))
	return ack
}

func (h *ControlHub) fail(req protocol.Envelope, err error) protocol.Envelope {
	ack := protocol.Ack(req, ackStatus(err))
	ack.RoomID = req.TargetRoom()
	ack.Error = err.Error()
	h.logger.Info("control request refused", "type", req.Type, "room_id", ack.RoomID, "error", err)
	return ack
}

func roomInfo(decision access.Decision) *protocol.RoomInfo {
	return &protocol.RoomInfo{
		ID:          decision.Room.ID,
		Name:        decision.Room.Name,
		Description: decision.Room.Description,
		IsPublic:    decision.Room.IsPublic,
		OwnerID:     decision.Room.OwnerID,
	}
}
