package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ducklets/api/internal/protocol"
	"ducklets/api/internal/util"
	"github.com/gorilla/websocket"
)

const notificationBuffer = 64

var (
	// ErrDenied is returned for acks with status denied.
	ErrDenied = errors.New("request denied")
	// ErrRequestFailed is returned for acks with status error.
	ErrRequestFailed = errors.New("request failed")
)

// ControlClient speaks the JSON control protocol. Requests are matched to
// their acks by id; everything else the server pushes is delivered on
// Notifications.
type ControlClient struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Envelope
	err     error

	notifications chan protocol.Envelope
	done          chan struct{}
	closeOnce     sync.Once
}

func DialControl(ctx context.Context, baseURL, token string, opts ...Option) (*ControlClient, error) {
	o := newOptions(opts)
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/control"
	u.RawQuery = url.Values{"token": {token}}.Encode()

	conn, resp, err := o.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrAccessDenied, resp.Status)
		}
		return nil, fmt.Errorf("dial control: %w", err)
	}

	c := &ControlClient{
		conn:          conn,
		logger:        o.logger.With("channel", "control"),
		pending:       make(map[string]chan protocol.Envelope),
		notifications: make(chan protocol.Envelope, notificationBuffer),
		done:          make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Notifications delivers server pushes such as join-request-submitted.
// The channel is closed when the connection ends.
func (c *ControlClient) Notifications() <-chan protocol.Envelope {
	return c.notifications
}

// Request sends req and waits for its ack. An id is assigned when req has
// none. The ack is returned whatever its status.
func (c *ControlClient) Request(ctx context.Context, req protocol.Envelope) (protocol.Envelope, error) {
	if req.ID == "" {
		req.ID = util.NewID("req")
	}
	reply := make(chan protocol.Envelope, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return protocol.Envelope{}, err
	}
	c.pending[req.ID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("send %s: %w", req.Type, err)
	}

	select {
	case ack := <-reply:
		return ack, nil
	case <-c.done:
		return protocol.Envelope{}, c.closeErr()
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (c *ControlClient) call(ctx context.Context, req protocol.Envelope) (protocol.Envelope, error) {
	ack, err := c.Request(ctx, req)
	if err != nil {
		return ack, err
	}
	switch ack.Status {
	case protocol.StatusOK, "":
		return ack, nil
	case protocol.StatusDenied:
		return ack, fmt.Errorf("%w: %s %s", ErrDenied, req.Type, ack.Error)
	default:
		return ack, fmt.Errorf("%w: %s %s", ErrRequestFailed, req.Type, ack.Error)
	}
}

// JoinRoom asks for admission. A user who is not admitted gets ErrDenied
// along with an ack carrying their state.
func (c *ControlClient) JoinRoom(ctx context.Context, roomID string) (protocol.Envelope, error) {
	return c.call(ctx, protocol.Envelope{Type: protocol.KindJoinRoom, RoomID: roomID})
}

func (c *ControlClient) RequestJoin(ctx context.Context, roomID string) (protocol.Envelope, error) {
	return c.call(ctx, protocol.Envelope{Type: protocol.KindJoinRequest, RoomID: roomID})
}

func (c *ControlClient) Accept(ctx context.Context, roomID, userID string) error {
	_, err := c.call(ctx, protocol.Envelope{Type: protocol.KindJoinRequestAccept, RoomID: roomID, UserID: userID})
	return err
}

func (c *ControlClient) Reject(ctx context.Context, roomID, userID string) error {
	_, err := c.call(ctx, protocol.Envelope{Type: protocol.KindJoinRequestReject, RoomID: roomID, UserID: userID})
	return err
}

func (c *ControlClient) RemoveUser(ctx context.Context, roomID, userID string) error {
	_, err := c.call(ctx, protocol.Envelope{Type: protocol.KindRemoveUser, RoomID: roomID, UserID: userID})
	return err
}

// RoomUpdated announces that the room record changed.
func (c *ControlClient) RoomUpdated(ctx context.Context, roomID string) error {
	_, err := c.call(ctx, protocol.Envelope{Type: protocol.KindRoomUpdated, RoomID: roomID})
	return err
}

func (c *ControlClient) Ping(ctx context.Context) error {
	_, err := c.Request(ctx, protocol.Envelope{Type: protocol.KindPing})
	return err
}

func (c *ControlClient) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *ControlClient) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

func (c *ControlClient) readLoop() {
	defer func() {
		c.closeOnce.Do(func() {
			close(c.done)
			close(c.notifications)
		})
	}()
	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("control connection closed: %w", err)
			c.mu.Unlock()
			return
		}
		if env.Type == protocol.KindAck || env.Type == protocol.KindPong {
			c.mu.Lock()
			reply, ok := c.pending[env.ID]
			c.mu.Unlock()
			if ok {
				reply <- env
				continue
			}
		}
		select {
		case c.notifications <- env:
		default:
			c.logger.Warn("notification dropped", "type", env.Type)
		}
	}
}
