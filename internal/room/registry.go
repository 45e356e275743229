package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ducklets/api/internal/awareness"
	"ducklets/api/internal/crdt"
	"ducklets/api/internal/fanout"
	"ducklets/api/internal/metrics"
	"ducklets/api/internal/persist"
	"ducklets/api/internal/protocol"
)

// SnapshotLoader reads the last persisted snapshot of a room.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, roomID string) (crdt.Snapshot, bool, error)
}

// DocCache keeps the full encoded document between room lifetimes so a
// reopened room keeps its item identities. Replicas that outlive a room
// then merge into the same items instead of duplicating seeded text.
type DocCache interface {
	SaveDocState(ctx context.Context, roomID string, state []byte) error
	LoadDocState(ctx context.Context, roomID string) ([]byte, bool, error)
}

type Option func(*Registry)

// WithCache adds a document state store. Stores are read in the order they
// were added and every one of them is written.
func WithCache(cache DocCache) Option {
	return func(r *Registry) { r.caches = append(r.caches, cache) }
}

func WithBus(bus fanout.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

func WithPersistDelay(d time.Duration) Option {
	return func(r *Registry) { r.persistDelay = d }
}

// WithAwarenessTimeout sets how long a client may stay silent before the
// server drops its awareness state.
func WithAwarenessTimeout(d time.Duration) Option {
	return func(r *Registry) { r.awarenessTimeout = d }
}

type slot struct {
	room    *Room
	ready   chan struct{}
	err     error
	closing bool
	closed  chan struct{}
}

// Registry opens rooms on first attach and tears them down after the last
// session leaves.
type Registry struct {
	loader SnapshotLoader
	saver  persist.Saver
	caches []DocCache
	bus    fanout.Bus
	logger *slog.Logger

	persistDelay     time.Duration
	awarenessTimeout time.Duration

	mu    sync.Mutex
	rooms map[string]*slot
}

func NewRegistry(loader SnapshotLoader, saver persist.Saver, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		loader:           loader,
		saver:            saver,
		bus:              fanout.Nop{},
		logger:           logger,
		persistDelay:     persist.DefaultDelay,
		awarenessTimeout: awareness.DefaultTimeout,
		rooms:            make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach opens the room if needed and attaches s to it.
func (g *Registry) Attach(ctx context.Context, roomID string, s Session) (*Room, error) {
	for {
		g.mu.Lock()
		sl, ok := g.rooms[roomID]
		if ok && sl.closing {
			g.mu.Unlock()
			select {
			case <-sl.closed:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if !ok {
			sl = &slot{ready: make(chan struct{}), closed: make(chan struct{})}
			g.rooms[roomID] = sl
			g.mu.Unlock()

			sl.room, sl.err = g.open(ctx, roomID)
			if sl.err != nil {
				g.mu.Lock()
				delete(g.rooms, roomID)
				g.mu.Unlock()
			}
			close(sl.ready)
		} else {
			g.mu.Unlock()
		}

		select {
		case <-sl.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if sl.err != nil {
			return nil, sl.err
		}

		// The room may have started closing between ready and here.
		g.mu.Lock()
		if sl.closing {
			g.mu.Unlock()
			continue
		}
		err := sl.room.Attach(s)
		g.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return sl.room, nil
	}
}

// Detach removes s from its room and closes the room when it was the last
// session.
func (g *Registry) Detach(ctx context.Context, roomID string, s Session) {
	g.mu.Lock()
	sl, ok := g.rooms[roomID]
	if !ok || sl.closing || sl.room == nil {
		g.mu.Unlock()
		return
	}
	if sl.room.Detach(s) > 0 {
		g.mu.Unlock()
		return
	}
	sl.closing = true
	g.mu.Unlock()

	g.close(ctx, sl.room)

	g.mu.Lock()
	delete(g.rooms, roomID)
	g.mu.Unlock()
	close(sl.closed)
}

// Kick closes every sync session userID holds in roomID.
func (g *Registry) Kick(roomID, userID string) int {
	r := g.Get(roomID)
	if r == nil {
		return 0
	}
	return r.Kick(userID)
}

// Get returns the open room or nil.
func (g *Registry) Get(roomID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	sl, ok := g.rooms[roomID]
	if !ok || sl.closing {
		return nil
	}
	select {
	case <-sl.ready:
		return sl.room
	default:
		return nil
	}
}

// Snapshot returns the live content of an open room.
func (g *Registry) Snapshot(roomID string) (crdt.Snapshot, bool) {
	r := g.Get(roomID)
	if r == nil {
		return crdt.Snapshot{}, false
	}
	return r.Snapshot(), true
}

// Len counts open rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Shutdown closes every open room, flushing pending writes.
func (g *Registry) Shutdown(ctx context.Context) {
	g.mu.Lock()
	var rooms []*Room
	for _, sl := range g.rooms {
		select {
		case <-sl.ready:
		default:
			continue
		}
		if sl.closing || sl.room == nil {
			continue
		}
		sl.closing = true
		rooms = append(rooms, sl.room)
	}
	g.mu.Unlock()

	for _, r := range rooms {
		r.disconnectAll(CloseGoingAway, "server shutting down")
		g.close(ctx, r)
		g.mu.Lock()
		if sl, ok := g.rooms[r.id]; ok {
			delete(g.rooms, r.id)
			close(sl.closed)
		}
		g.mu.Unlock()
	}
}

func (g *Registry) open(ctx context.Context, roomID string) (*Room, error) {
	doc, err := g.load(ctx, roomID)
	if err != nil {
		return nil, err
	}

	saver := g.saver
	if len(g.caches) > 0 {
		saver = persist.MultiSaver{g.saver, persist.SaverFunc(func(ctx context.Context, roomID string, _ crdt.Snapshot) error {
			return g.saveState(ctx, roomID, doc)
		})}
	}

	r := newRoom(roomID, doc, awareness.NewTracker(g.awarenessTimeout), g.bus, g.logger)
	r.debouncer = persist.NewDebouncer(roomID, g.persistDelay, doc.Snapshot, saver,
		persist.WithLogger(r.logger),
		persist.WithResultHook(metrics.PersistResult))

	stopObserve := doc.Observe(func(ev crdt.Event) {
		metrics.UpdateMerged(ev.Origin.String())
		if ev.Origin == crdt.Local {
			r.debouncer.Touch()
		}
	})

	stopBus, err := g.bus.Subscribe(ctx, roomID, func(_ string, data []byte) {
		r.handleRemote(data)
	})
	if err != nil {
		stopObserve()
		return nil, fmt.Errorf("subscribe room %s: %w", roomID, err)
	}

	reapCtx, cancelReap := context.WithCancel(context.Background())
	var reaper sync.WaitGroup
	reaper.Add(1)
	go func() {
		defer reaper.Done()
		r.awareness.RunReaper(reapCtx, g.awarenessTimeout/awareness.DefaultMisses, func(ids []uint64, update []byte) {
			r.logger.Debug("awareness clients timed out", "client_ids", ids)
			r.broadcast(protocol.MustEncode(protocol.Awareness, update))
		})
	}()

	r.stop = func() {
		cancelReap()
		reaper.Wait()
		stopBus()
		stopObserve()
	}
	metrics.RoomOpened()
	r.logger.Info("room opened")
	return r, nil
}

// load builds the room document from the first state store holding it and
// falls back to seeding from the persisted snapshot.
func (g *Registry) load(ctx context.Context, roomID string) (*crdt.Doc, error) {
	client := crdt.NewClientID()
	for _, cache := range g.caches {
		state, ok, err := cache.LoadDocState(ctx, roomID)
		if err != nil {
			g.logger.Warn("doc state read failed", "room_id", roomID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		doc := crdt.NewDoc(client)
		if err := doc.LoadState(state); err != nil {
			g.logger.Warn("discarding unreadable doc state", "room_id", roomID, "error", err)
			continue
		}
		return doc, nil
	}

	doc := crdt.NewDoc(client)
	if g.loader == nil {
		return doc, nil
	}
	snapshot, ok, err := g.loader.LoadSnapshot(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", roomID, err)
	}
	if ok {
		if err := doc.Seed(snapshot); err != nil {
			return nil, fmt.Errorf("seed %s: %w", roomID, err)
		}
		g.logger.Info("room seeded from snapshot", "room_id", roomID)
	}
	return doc, nil
}

func (g *Registry) saveState(ctx context.Context, roomID string, doc *crdt.Doc) error {
	state, err := doc.EncodeState()
	if err != nil {
		return fmt.Errorf("encode doc state: %w", err)
	}
	var errs []error
	for _, cache := range g.caches {
		if err := cache.SaveDocState(ctx, roomID, state); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *Registry) close(ctx context.Context, r *Room) {
	r.stop()
	if err := r.debouncer.Flush(ctx); err != nil {
		r.logger.Error("final flush failed", "error", err)
	}
	r.debouncer.Close()

	if len(g.caches) > 0 {
		if err := g.saveState(ctx, r.id, r.doc); err != nil {
			r.logger.Warn("doc state write failed", "error", err)
		}
	}
	metrics.RoomClosed()
	r.logger.Info("room closed")
}
