package room

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ducklets/api/internal/awareness"
	"ducklets/api/internal/crdt"
	"ducklets/api/internal/fanout"
	"ducklets/api/internal/protocol"
	"ducklets/api/internal/session"
	"ducklets/api/internal/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id     string
	userID string
	frames chan []byte

	mu        sync.Mutex
	closed    bool
	closeCode int
}

func newSession(id, userID string) *fakeSession {
	return &fakeSession{id: id, userID: userID, frames: make(chan []byte, 64)}
}

func (s *fakeSession) ID() string     { return s.id }
func (s *fakeSession) UserID() string { return s.userID }

func (s *fakeSession) Send(frame []byte) bool {
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

func (s *fakeSession) Close(code int, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCode = code
}

func (s *fakeSession) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case frame := <-s.frames:
		msg, err := protocol.DecodeMessage(frame)
		require.NoError(t, err)
		return msg
	case <-time.After(time.Second):
		t.Fatalf("session %s received nothing", s.id)
		return protocol.Message{}
	}
}

func (s *fakeSession) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case frame := <-s.frames:
		msg, _ := protocol.DecodeMessage(frame)
		t.Fatalf("session %s received unexpected %s", s.id, msg.Type)
	case <-time.After(30 * time.Millisecond):
	}
}

type countingSaver struct {
	*store.MemoryStore
	writes atomic.Int32
}

func (c *countingSaver) SaveSnapshot(ctx context.Context, roomID string, snap crdt.Snapshot) error {
	c.writes.Add(1)
	return c.MemoryStore.SaveSnapshot(ctx, roomID, snap)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRegistry(t *testing.T, opts ...Option) (*Registry, *countingSaver) {
	t.Helper()
	saver := &countingSaver{MemoryStore: store.NewMemoryStore()}
	opts = append([]Option{WithPersistDelay(20 * time.Millisecond)}, opts...)
	reg := NewRegistry(saver, saver, quietLogger(), opts...)
	t.Cleanup(func() { reg.Shutdown(context.Background()) })
	return reg, saver
}

// attach attaches s and consumes the opening SyncStep1.
func attach(t *testing.T, reg *Registry, roomID string, s *fakeSession) *Room {
	t.Helper()
	r, err := reg.Attach(context.Background(), roomID, s)
	require.NoError(t, err)
	msg := s.next(t)
	require.Equal(t, protocol.SyncStep1, msg.Type)
	return r
}

func TestUpdatesRelayToOtherSessionsAndPersist(t *testing.T) {
	reg, saver := newRegistry(t)
	a, b := newSession("a", "alice"), newSession("b", "bob")
	r := attach(t, reg, "1", a)
	attach(t, reg, "1", b)

	client := crdt.NewDoc(7)
	update, err := client.Insert(crdt.FieldHTML, 0, "<p>quack</p>")
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(a, protocol.MustEncode(protocol.Update, update)))

	msg := b.next(t)
	assert.Equal(t, protocol.Update, msg.Type)
	assert.Equal(t, update, msg.Payload)
	a.expectQuiet(t)

	assert.Equal(t, "<p>quack</p>", r.Snapshot().HTML)
	require.Eventually(t, func() bool { return saver.writes.Load() == 1 }, time.Second, 5*time.Millisecond)
	saved, ok, err := saver.LoadSnapshot(context.Background(), "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<p>quack</p>", saved.HTML)
}

func TestStepOneIsAnsweredWithMissingState(t *testing.T) {
	reg, _ := newRegistry(t)
	a, b := newSession("a", "alice"), newSession("b", "bob")
	r := attach(t, reg, "1", a)

	client := crdt.NewDoc(7)
	update, err := client.Insert(crdt.FieldCSS, 0, "p{}")
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(a, protocol.MustEncode(protocol.SyncStep2, update)))

	attach(t, reg, "1", b)
	fresh := crdt.NewDoc(9)
	sv, err := crdt.EncodeStateVector(fresh.StateVector())
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(b, protocol.MustEncode(protocol.SyncStep1, sv)))

	msg := b.next(t)
	require.Equal(t, protocol.SyncStep2, msg.Type)
	require.NoError(t, fresh.ApplyRemoteUpdate(msg.Payload))
	assert.Equal(t, "p{}", fresh.Text(crdt.FieldCSS))
}

func TestMalformedFramesAreDropped(t *testing.T) {
	reg, saver := newRegistry(t)
	a, b := newSession("a", "alice"), newSession("b", "bob")
	r := attach(t, reg, "1", a)
	attach(t, reg, "1", b)

	assert.ErrorIs(t, r.HandleMessage(a, []byte{0xff, 0x00}), protocol.ErrMalformedMessage)
	assert.ErrorIs(t, r.HandleMessage(a, protocol.MustEncode(protocol.Update, []byte{0x01})), crdt.ErrMalformedUpdate)
	assert.ErrorIs(t, r.HandleMessage(a, protocol.MustEncode(protocol.Awareness, []byte{0x01})), awareness.ErrMalformedUpdate)

	b.expectQuiet(t)
	assert.Zero(t, saver.writes.Load())
	assert.Equal(t, crdt.Snapshot{}, r.Snapshot())
}

func TestAwarenessRelayAndCleanupOnDetach(t *testing.T) {
	reg, _ := newRegistry(t)
	a, b := newSession("a", "alice"), newSession("b", "bob")
	r := attach(t, reg, "1", a)
	attach(t, reg, "1", b)

	name := "Alice"
	local := awareness.NewTracker(0)
	update, err := local.SetLocalState(42, awareness.Patch{Name: &name, Pointer: &awareness.Pointer{X: 0.5, Y: 0.25}})
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(a, protocol.MustEncode(protocol.Awareness, update)))

	peer := awareness.NewTracker(0)
	msg := b.next(t)
	require.Equal(t, protocol.Awareness, msg.Type)
	_, err = peer.ApplyUpdate(msg.Payload)
	require.NoError(t, err)
	state, ok := peer.State(42)
	require.True(t, ok)
	assert.Equal(t, "Alice", state.Name)

	// A late joiner receives the current presence right after step one.
	c := newSession("c", "carol")
	attach(t, reg, "1", c)
	msg = c.next(t)
	require.Equal(t, protocol.Awareness, msg.Type)

	reg.Detach(context.Background(), "1", a)
	msg = b.next(t)
	require.Equal(t, protocol.Awareness, msg.Type)
	_, err = peer.ApplyUpdate(msg.Payload)
	require.NoError(t, err)
	_, ok = peer.State(42)
	assert.False(t, ok)
}

func TestQueryAwareness(t *testing.T) {
	reg, _ := newRegistry(t)
	a := newSession("a", "alice")
	r := attach(t, reg, "1", a)

	require.NoError(t, r.HandleMessage(a, protocol.MustEncode(protocol.QueryAwareness, nil)))
	msg := a.next(t)
	assert.Equal(t, protocol.Awareness, msg.Type)
}

func TestKickClosesSessionsAndDiscardsTheirFrames(t *testing.T) {
	reg, _ := newRegistry(t)
	a, b, b2 := newSession("a", "alice"), newSession("b", "bob"), newSession("b2", "bob")
	r := attach(t, reg, "1", a)
	attach(t, reg, "1", b)
	attach(t, reg, "1", b2)

	assert.Equal(t, 2, reg.Kick("1", "bob"))
	assert.Equal(t, 0, reg.Kick("1", "bob"))
	assert.Equal(t, 0, reg.Kick("missing", "bob"))
	assert.True(t, b.closed)
	assert.Equal(t, CloseEvicted, b.closeCode)
	assert.False(t, a.closed)

	client := crdt.NewDoc(7)
	update, err := client.Insert(crdt.FieldJS, 0, "alert(1)")
	require.NoError(t, err)
	assert.ErrorIs(t, r.HandleMessage(b, protocol.MustEncode(protocol.Update, update)), ErrEvicted)
	a.expectQuiet(t)
	assert.Empty(t, r.Snapshot().JS)

	reg.Detach(context.Background(), "1", b)
	reg.Detach(context.Background(), "1", b2)
	assert.ErrorIs(t, r.HandleMessage(b, protocol.MustEncode(protocol.Update, update)), ErrNotAttached)
	assert.Equal(t, 1, r.Sessions())
}

func TestLastDetachFlushesAndCaches(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := session.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	reg, saver := newRegistry(t, WithCache(cache), WithPersistDelay(time.Hour))
	a := newSession("a", "alice")
	r := attach(t, reg, "1", a)

	client := crdt.NewDoc(7)
	update, err := client.Insert(crdt.FieldHead, 0, "<title>duck</title>")
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(a, protocol.MustEncode(protocol.Update, update)))

	reg.Detach(context.Background(), "1", a)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, int32(1), saver.writes.Load())
	_, cached, err := cache.LoadDocState(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, cached)

	// Reopening from the cache keeps item identities, so the client's own
	// state vector means nothing is missing.
	b := newSession("b", "alice")
	r2 := attach(t, reg, "1", b)
	assert.Equal(t, "<title>duck</title>", r2.Snapshot().Head)
	sv, err := crdt.EncodeStateVector(client.StateVector())
	require.NoError(t, err)
	require.NoError(t, r2.HandleMessage(b, protocol.MustEncode(protocol.SyncStep1, sv)))
	msg := b.next(t)
	missing, err := crdt.DecodeUpdate(msg.Payload)
	require.NoError(t, err)
	assert.Empty(t, missing.Items)
}

func TestRoomSeedsFromPersistedSnapshot(t *testing.T) {
	reg, saver := newRegistry(t)
	require.NoError(t, saver.MemoryStore.SaveSnapshot(context.Background(), "1", crdt.Snapshot{HTML: "<h1>hi</h1>"}))

	a := newSession("a", "alice")
	r := attach(t, reg, "1", a)
	assert.Equal(t, "<h1>hi</h1>", r.Snapshot().HTML)
	snap, ok := reg.Snapshot("1")
	assert.True(t, ok)
	assert.Equal(t, "<h1>hi</h1>", snap.HTML)

	// Seeding is not an edit and schedules no write.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, saver.writes.Load())

	_, ok = reg.Snapshot("2")
	assert.False(t, ok)
}

func TestUpdatesCrossNodesAsRemote(t *testing.T) {
	mr := miniredis.RunT(t)
	busFor := func() *fanout.RedisBus {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return fanout.NewRedisBus(client, quietLogger())
	}
	regA, saverA := newRegistry(t, WithBus(busFor()))
	regB, saverB := newRegistry(t, WithBus(busFor()))

	a, b := newSession("a", "alice"), newSession("b", "bob")
	r := attach(t, regA, "1", a)
	attach(t, regB, "1", b)

	client := crdt.NewDoc(7)
	update, err := client.Insert(crdt.FieldHTML, 0, "<b>x</b>")
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(a, protocol.MustEncode(protocol.Update, update)))

	msg := b.next(t)
	assert.Equal(t, protocol.Update, msg.Type)
	require.Eventually(t, func() bool {
		snap, _ := regB.Snapshot("1")
		return snap.HTML == "<b>x</b>"
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return saverA.writes.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, saverB.writes.Load(), "relayed merges must not persist")
}

func TestShutdownDisconnectsSessionsAndFlushes(t *testing.T) {
	reg, saver := newRegistry(t, WithPersistDelay(time.Hour))
	a := newSession("a", "alice")
	r := attach(t, reg, "1", a)

	client := crdt.NewDoc(9)
	update, err := client.Insert(crdt.FieldJS, 0, "quack()")
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(a, protocol.MustEncode(protocol.Update, update)))

	reg.Shutdown(context.Background())

	a.mu.Lock()
	assert.True(t, a.closed)
	assert.Equal(t, CloseGoingAway, a.closeCode)
	a.mu.Unlock()
	assert.Equal(t, 0, reg.Len())

	snap, ok, err := saver.LoadSnapshot(context.Background(), "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "quack()", snap.JS)
	assert.Equal(t, int32(1), saver.writes.Load())
}

func TestRestartedNodeMergesSurvivingReplicaWithoutDuplicates(t *testing.T) {
	durable := &countingSaver{MemoryStore: store.NewMemoryStore()}
	open := func() *Registry {
		reg := NewRegistry(durable, durable, quietLogger(), WithCache(durable), WithPersistDelay(20*time.Millisecond))
		t.Cleanup(func() { reg.Shutdown(context.Background()) })
		return reg
	}

	first := open()
	a := newSession("a", "alice")
	r := attach(t, first, "1", a)

	replica := crdt.NewDoc(7)
	update, err := replica.Insert(crdt.FieldHTML, 0, "hello")
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(a, protocol.MustEncode(protocol.Update, update)))

	// The debounced write stores the encoded document with the snapshot,
	// so a node that dies before the room closes loses nothing.
	require.Eventually(t, func() bool {
		_, ok, _ := durable.LoadDocState(context.Background(), "1")
		return ok && durable.writes.Load() == 1
	}, time.Second, 5*time.Millisecond)

	second := open()
	b := newSession("b", "alice")
	r2 := attach(t, second, "1", b)
	require.Equal(t, "hello", r2.Snapshot().HTML)

	// The surviving replica pushes everything it holds on reconnect.
	state, err := replica.EncodeState()
	require.NoError(t, err)
	require.NoError(t, r2.HandleMessage(b, protocol.MustEncode(protocol.SyncStep2, state)))
	assert.Equal(t, "hello", r2.Snapshot().HTML)

	sv, err := crdt.EncodeStateVector(replica.StateVector())
	require.NoError(t, err)
	require.NoError(t, r2.HandleMessage(b, protocol.MustEncode(protocol.SyncStep1, sv)))
	msg := b.next(t)
	require.Equal(t, protocol.SyncStep2, msg.Type)
	missing, err := crdt.DecodeUpdate(msg.Payload)
	require.NoError(t, err)
	assert.Empty(t, missing.Items)
}

func TestClosedRoomReopensFromDurableState(t *testing.T) {
	reg, saver := newRegistry(t)
	reg.caches = append(reg.caches, saver)

	a := newSession("a", "alice")
	r := attach(t, reg, "1", a)
	replica := crdt.NewDoc(7)
	update, err := replica.Insert(crdt.FieldCSS, 0, "p{}")
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(a, protocol.MustEncode(protocol.Update, update)))
	reg.Detach(context.Background(), "1", a)
	require.Equal(t, 0, reg.Len())

	b := newSession("b", "alice")
	r2 := attach(t, reg, "1", b)
	state, err := replica.EncodeState()
	require.NoError(t, err)
	require.NoError(t, r2.HandleMessage(b, protocol.MustEncode(protocol.SyncStep2, state)))
	assert.Equal(t, "p{}", r2.Snapshot().CSS)
}

func TestSessionOwnsOneAwarenessClient(t *testing.T) {
	reg, _ := newRegistry(t)
	a, b := newSession("a", "alice"), newSession("b", "bob")
	r := attach(t, reg, "1", a)
	attach(t, reg, "1", b)

	local := awareness.NewTracker(0)
	name, spoofed := "Alice", "mallory"
	first, err := local.SetLocalState(11, awareness.Patch{Name: &name, UserID: &spoofed})
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(a, protocol.MustEncode(protocol.Awareness, first)))

	msg := b.next(t)
	require.Equal(t, protocol.Awareness, msg.Type)
	peer := awareness.NewTracker(0)
	_, err = peer.ApplyUpdate(msg.Payload)
	require.NoError(t, err)
	relayed, ok := peer.State(11)
	require.True(t, ok)
	assert.Equal(t, "alice", relayed.UserID)

	for _, id := range []uint64{12, 13} {
		other, err := local.SetLocalState(id, awareness.Patch{Name: &name})
		require.NoError(t, err)
		assert.ErrorIs(t, r.HandleMessage(a, protocol.MustEncode(protocol.Awareness, other)), ErrForeignAwareness)
	}
	b.expectQuiet(t)

	states := r.awareness.States()
	require.Len(t, states, 1)
	assert.Equal(t, "alice", states[11].UserID)

	// Updates for the bound client keep flowing.
	renamed := "Alice B."
	again, err := local.SetLocalState(11, awareness.Patch{Name: &renamed})
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(a, protocol.MustEncode(protocol.Awareness, again)))
	assert.Equal(t, protocol.Awareness, b.next(t).Type)
}
