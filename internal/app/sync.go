package app

import (
	"context"
	"errors"
	"net/http"

	"ducklets/api/internal/metrics"
	"ducklets/api/internal/protocol"
	"ducklets/api/internal/room"
	"github.com/gorilla/websocket"
)

// serveSync attaches an admitted user to the live document named by
// channel, which has the form room:<id>.
func (s *HTTPServer) serveSync(w http.ResponseWriter, r *http.Request, channel string) {
	roomID, err := protocol.ParseSyncRoom(channel)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ROOM", err.Error(), nil)
		return
	}
	user, err := s.service.Authenticate(requestToken(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	if _, err := s.service.access.CanAttach(r.Context(), roomID, user.ID); err != nil {
		s.fail(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("sync upgrade failed", "room_id", roomID, "user_id", user.ID, "error", err)
		return
	}
	c := newWSConn(conn, user, websocket.BinaryMessage, s.logger.With("channel", "sync", "room_id", roomID))
	metrics.SessionOpened("sync")
	defer metrics.SessionClosed("sync")

	rooms := s.service.rooms
	live, err := rooms.Attach(context.Background(), roomID, c)
	if err != nil {
		c.logger.Error("attach failed", "error", err)
		c.Close(websocket.CloseInternalServerErr, "room unavailable")
		return
	}
	defer rooms.Detach(context.Background(), roomID, c)

	go c.writePump()
	c.readPump(func(data []byte) error {
		err := live.HandleMessage(c, data)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, room.ErrEvicted), errors.Is(err, room.ErrNotAttached):
			return errStopReading
		default:
			c.logger.Debug("sync frame dropped", "error", err)
			return nil
		}
	})
}
