package app

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"ducklets/api/internal/protocol"
	"ducklets/api/internal/util"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	sendBuffer     = 256
)

var errStopReading = errors.New("stop reading")

// wsConn is one websocket session on either channel.
type wsConn struct {
	id          string
	user        protocol.UserInfo
	conn        *websocket.Conn
	messageType int
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	logger      *slog.Logger
}

func newWSConn(conn *websocket.Conn, user protocol.UserInfo, messageType int, logger *slog.Logger) *wsConn {
	id := util.NewID("ws")
	return &wsConn{
		id:          id,
		user:        user,
		conn:        conn,
		messageType: messageType,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		logger:      logger.With("session_id", id, "user_id", user.ID),
	}
}

func (c *wsConn) ID() string     { return c.id }
func (c *wsConn) UserID() string { return c.user.ID }

// Send queues a frame. Frames sent after Close, or while the buffer is
// full, are dropped.
func (c *wsConn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close sends a close frame with code and drops whatever is still queued.
func (c *wsConn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(writeWait))
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("set write deadline", "error", err)
			}
			if err := c.conn.WriteMessage(c.messageType, frame); err != nil {
				c.Close(websocket.CloseGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close(websocket.CloseGoingAway, "ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump feeds every inbound frame to handle until the peer goes away or
// handle returns errStopReading.
func (c *wsConn) readPump(handle func([]byte) error) {
	defer c.Close(websocket.CloseNormalClosure, "")

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		if err := handle(data); errors.Is(err, errStopReading) {
			return
		}
	}
}
