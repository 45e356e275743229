// Package client is the Go side of the two websocket planes: a sync
// Provider that keeps a local replica of a room document and a
// ControlClient for admission requests.
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

	"ducklets/api/internal/awareness"
	"ducklets/api/internal/crdt"
	"ducklets/api/internal/protocol"
	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	closeEvicted = 4403
)

var (
	// ErrAccessDenied means the server refused the sync upgrade. The
	// Provider does not retry it.
	ErrAccessDenied = errors.New("sync access denied")
	ErrEvicted      = errors.New("removed from room")
	ErrClosed       = errors.New("provider closed")
)

type options struct {
	logger    *slog.Logger
	dialer    *websocket.Dialer
	heartbeat time.Duration
	throttle  time.Duration
	backoff   func() backoff.BackOff
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHeartbeat sets how often the local awareness state is renewed.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

func WithPointerThrottle(d time.Duration) Option {
	return func(o *options) { o.throttle = d }
}

// WithBackoff replaces the reconnect policy. The factory is called once per
// outage.
func WithBackoff(newBackOff func() backoff.BackOff) Option {
	return func(o *options) { o.backoff = newBackOff }
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func newOptions(opts []Option) options {
	o := options{
		logger:    slog.Default(),
		dialer:    websocket.DefaultDialer,
		heartbeat: awareness.DefaultHeartbeat,
		throttle:  awareness.DefaultPointerInterval,
		backoff:   defaultBackOff,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.heartbeat <= 0 {
		o.heartbeat = awareness.DefaultHeartbeat
	}
	return o
}

// Provider binds a local document replica to one room's sync channel. It
// reconnects on transport loss and resynchronizes through a full
// state-vector exchange each time; edits made while offline reach the
// server through that exchange.
type Provider struct {
	roomID    string
	url       string
	doc       *crdt.Doc
	awareness *awareness.Tracker
	throttle  *awareness.PointerThrottle
	opts      options
	logger    *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	err      error
	synced   chan struct{}
	syncOnce *sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// Connect dials the room's sync channel and starts replicating. The first
// dial is synchronous so that refusals surface to the caller.
func Connect(ctx context.Context, baseURL, roomID, token string, opts ...Option) (*Provider, error) {
	o := newOptions(opts)
	endpoint, err := syncURL(baseURL, roomID, token)
	if err != nil {
		return nil, err
	}
	doc := crdt.NewDoc(crdt.NewClientID())

	runCtx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		roomID:    roomID,
		url:       endpoint,
		doc:       doc,
		awareness: awareness.NewTracker(o.heartbeat * awareness.DefaultMisses),
		opts:      o,
		logger:    o.logger.With("room_id", roomID, "client_id", doc.ClientID()),
		synced:    make(chan struct{}),
		syncOnce:  &sync.Once{},
		ctx:       runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	p.throttle = awareness.NewPointerThrottle(o.throttle, p.sendPointer)
	doc.Observe(p.onDocEvent)

	conn, err := p.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	p.wg.Add(2)
	go p.run(conn)
	go p.heartbeatLoop()
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	return p, nil
}

func syncURL(baseURL, roomID, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/sync/" + protocol.SyncRoomName(roomID)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *Provider) RoomID() string { return p.roomID }

// Doc is the local replica. Local edits applied to it are sent to the
// server.
func (p *Provider) Doc() *crdt.Doc { return p.doc }

func (p *Provider) Awareness() *awareness.Tracker { return p.awareness }

func (p *Provider) Snapshot() crdt.Snapshot { return p.doc.Snapshot() }

func (p *Provider) Insert(field crdt.Field, pos int, value string) error {
	_, err := p.doc.Insert(field, pos, value)
	return err
}

func (p *Provider) Delete(field crdt.Field, pos, length int) error {
	_, err := p.doc.Delete(field, pos, length)
	return err
}

// Connected reports whether a transport is currently attached.
func (p *Provider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// WaitSynced blocks until the server's state has been merged since the
// last (re)connect.
func (p *Provider) WaitSynced(ctx context.Context) error {
	p.mu.Lock()
	synced := p.synced
	p.mu.Unlock()
	select {
	case <-synced:
		return nil
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the provider stops for good.
func (p *Provider) Done() <-chan struct{} { return p.done }

// Err returns why the provider stopped.
func (p *Provider) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// SetLocalState merges patch into this client's awareness entry and
// announces it.
func (p *Provider) SetLocalState(patch awareness.Patch) error {
	update, err := p.awareness.SetLocalState(p.doc.ClientID(), patch)
	if err != nil {
		return err
	}
	p.send(protocol.MustEncode(protocol.Awareness, update))
	return nil
}

// MovePointer records a pointer position. Positions are forwarded at most
// once per throttle interval.
func (p *Provider) MovePointer(x, y float64) {
	p.throttle.Move(awareness.Pointer{X: x, Y: y})
}

// Close withdraws this client's awareness entry and disconnects.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.err == nil {
		p.err = ErrClosed
	}
	conn := p.conn
	p.mu.Unlock()

	p.throttle.Stop()
	if update, err := p.awareness.ClearLocalState(p.doc.ClientID()); err == nil && update != nil {
		p.send(protocol.MustEncode(protocol.Awareness, update))
	}
	p.cancel()
	if conn != nil {
		p.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		p.writeMu.Unlock()
		_ = conn.Close()
	}
	<-p.done
	return nil
}

func (p *Provider) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := p.opts.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized) {
			return nil, fmt.Errorf("%w: %s", ErrAccessDenied, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", p.roomID, err)
	}
	return conn, nil
}

// attach installs conn and opens the handshake.
func (p *Provider) attach(conn *websocket.Conn) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return false
	}
	p.conn = conn
	p.synced = make(chan struct{})
	p.syncOnce = &sync.Once{}
	p.mu.Unlock()

	sv, err := crdt.EncodeStateVector(p.doc.StateVector())
	if err != nil {
		p.logger.Error("encode state vector", "error", err)
		return true
	}
	p.send(protocol.MustEncode(protocol.SyncStep1, sv))
	if _, ok := p.awareness.State(p.doc.ClientID()); ok {
		if update, err := p.awareness.EncodeUpdate(p.doc.ClientID()); err == nil {
			p.send(protocol.MustEncode(protocol.Awareness, update))
		}
	}
	p.logger.Debug("sync connected")
	return true
}

func (p *Provider) detach(conn *websocket.Conn) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()
	_ = conn.Close()
}

func (p *Provider) stop(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.closed = true
	p.mu.Unlock()
	p.throttle.Stop()
	p.cancel()
}

// run reads from conn until the transport drops, then reconnects.
func (p *Provider) run(conn *websocket.Conn) {
	defer p.wg.Done()
	for {
		if !p.attach(conn) {
			return
		}
		err := p.readLoop(conn)
		p.detach(conn)

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == closeEvicted {
			p.logger.Info("removed from room")
			p.stop(ErrEvicted)
			return
		}
		if p.ctx.Err() != nil {
			return
		}
		p.logger.Warn("sync transport lost", "error", err)

		conn = p.reconnect()
		if conn == nil {
			return
		}
	}
}

func (p *Provider) reconnect() *websocket.Conn {
	b := p.opts.backoff()
	b.Reset()
	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			p.stop(fmt.Errorf("reconnect %s: gave up", p.roomID))
			return nil
		}
		select {
		case <-p.ctx.Done():
			return nil
		case <-time.After(wait):
		}

		conn, err := p.dial(p.ctx)
		if err == nil {
			return conn
		}
		if errors.Is(err, ErrAccessDenied) {
			p.stop(err)
			return nil
		}
		p.logger.Debug("reconnect failed", "error", err, "retry_in", wait)
	}
}

func (p *Provider) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := p.handle(data); err != nil {
			p.logger.Warn("dropping sync frame", "error", err)
		}
	}
}

func (p *Provider) handle(data []byte) error {
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		return err
	}
	switch msg.Type {
	case protocol.SyncStep1:
		sv, err := crdt.DecodeStateVector(msg.Payload)
		if err != nil {
			return err
		}
		update, err := p.doc.EncodeStateAsUpdate(sv)
		if err != nil {
			return err
		}
		p.send(protocol.MustEncode(protocol.SyncStep2, update))

	case protocol.SyncStep2:
		if _, err := p.doc.ApplyUpdate(msg.Payload, crdt.Remote); err != nil {
			return err
		}
		p.mu.Lock()
		once, synced := p.syncOnce, p.synced
		p.mu.Unlock()
		once.Do(func() { close(synced) })

	case protocol.Update:
		if _, err := p.doc.ApplyUpdate(msg.Payload, crdt.Remote); err != nil {
			return err
		}

	case protocol.Awareness:
		if _, err := p.awareness.ApplyUpdate(msg.Payload); err != nil {
			return err
		}

	case protocol.QueryAwareness:
		if _, ok := p.awareness.State(p.doc.ClientID()); ok {
			update, err := p.awareness.EncodeUpdate(p.doc.ClientID())
			if err != nil {
				return err
			}
			p.send(protocol.MustEncode(protocol.Awareness, update))
		}
	}
	return nil
}

// onDocEvent forwards local edits. Remote merges are never echoed.
func (p *Provider) onDocEvent(event crdt.Event) {
	if event.Origin != crdt.Local {
		return
	}
	p.send(protocol.MustEncode(protocol.Update, event.Update))
}

func (p *Provider) sendPointer(pointer awareness.Pointer) {
	if err := p.SetLocalState(awareness.Patch{Pointer: &pointer}); err != nil {
		p.logger.Warn("send pointer", "error", err)
	}
}

func (p *Provider) heartbeatLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if _, ok := p.awareness.State(p.doc.ClientID()); !ok {
				continue
			}
			if err := p.SetLocalState(awareness.Patch{}); err != nil {
				p.logger.Warn("awareness heartbeat", "error", err)
			}
		}
	}
}

// send writes frame to the current transport. Frames sent while
// disconnected are dropped; the next handshake carries their content.
func (p *Provider) send(frame []byte) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		p.logger.Debug("sync write failed", "error", err)
	}
}
