package access

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"ducklets/api/internal/protocol"
	"ducklets/api/internal/session"
	"ducklets/api/internal/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	userID string
	roomID string
	env    protocol.Envelope
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (n *recordingNotifier) NotifyUser(userID string, env protocol.Envelope) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{userID: userID, env: env})
	return 1
}

func (n *recordingNotifier) NotifyRoom(roomID string, env protocol.Envelope, _ string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{roomID: roomID, env: env})
	return 1
}

func (n *recordingNotifier) kinds() []protocol.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]protocol.Kind, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.env.Type)
	}
	return out
}

type fakeKicker struct {
	kicks []string
}

func (k *fakeKicker) Kick(roomID, userID string) int {
	k.kicks = append(k.kicks, roomID+"/"+userID)
	return 1
}

var (
	owner = protocol.UserInfo{ID: "alice", Username: "alice"}
	guest = protocol.UserInfo{ID: "bob", Username: "bob", Fullname: "Bob B"}
)

type fixture struct {
	machine  *Machine
	rooms    *store.MemoryStore
	notifier *recordingNotifier
	kicker   *fakeKicker
}

func newFixture(t *testing.T, states StateStore, public bool) fixture {
	t.Helper()
	rooms := store.NewMemoryStore()
	require.NoError(t, rooms.SaveRoom(context.Background(), store.Room{ID: "1", OwnerID: owner.ID, IsPublic: public}))
	notifier := &recordingNotifier{}
	kicker := &fakeKicker{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewMachine(rooms, states, logger, WithNotifier(notifier), WithKicker(kicker))
	return fixture{machine: m, rooms: rooms, notifier: notifier, kicker: kicker}
}

func TestStatusRules(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		public bool
		user   string
		setup  func(t *testing.T, f fixture)
		want   State
	}{
		{name: "private room admits anyone", public: false, user: "bob", want: StateAdmitted},
		{name: "public room admits owner", public: true, user: "alice", want: StateAdmitted},
		{name: "public room refuses stranger", public: true, user: "bob", want: StateUnaffiliated},
		{name: "public room admits allow-listed", public: true, user: "bob", want: StateAdmitted, setup: func(t *testing.T, f fixture) {
			require.NoError(t, f.rooms.AddToAllowList(ctx, "1", "bob"))
		}},
		{name: "pending request", public: true, user: "bob", want: StateRequestPending, setup: func(t *testing.T, f fixture) {
			_, err := f.machine.RequestJoin(ctx, guest, "1")
			require.NoError(t, err)
		}},
		{name: "eviction beats private room", public: false, user: "bob", want: StateEvicted, setup: func(t *testing.T, f fixture) {
			require.NoError(t, f.machine.Evict(ctx, owner, "1", "bob"))
		}},
		{name: "anonymous user", public: true, user: "", want: StateUnaffiliated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, NewMemoryStateStore(), tt.public)
			if tt.setup != nil {
				tt.setup(t, f)
			}
			decision, err := f.machine.Status(ctx, "1", tt.user)
			require.NoError(t, err)
			assert.Equal(t, tt.want, decision.State)
		})
	}
}

func TestUnknownRoom(t *testing.T) {
	f := newFixture(t, NewMemoryStateStore(), true)
	_, err := f.machine.JoinRoom(context.Background(), guest, "nope")
	assert.ErrorIs(t, err, store.ErrRoomNotFound)
}

func TestRequestAcceptFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStateStore(), true)

	decision, err := f.machine.JoinRoom(ctx, guest, "1")
	require.NoError(t, err)
	assert.False(t, decision.Admitted())
	_, err = f.machine.CanAttach(ctx, "1", guest.ID)
	assert.ErrorIs(t, err, ErrAccessDenied)

	decision, err = f.machine.RequestJoin(ctx, guest, "1")
	require.NoError(t, err)
	assert.Equal(t, StateRequestPending, decision.State)
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, owner.ID, f.notifier.sent[0].userID)
	assert.Equal(t, protocol.KindJoinRequestSubmitted, f.notifier.sent[0].env.Type)
	assert.Equal(t, "Bob B", f.notifier.sent[0].env.User.Fullname)

	_, err = f.machine.CanAttach(ctx, "1", guest.ID)
	assert.ErrorIs(t, err, ErrAccessDenied, "pending users cannot attach")

	require.NoError(t, f.machine.Accept(ctx, owner, "1", guest.ID))
	require.NoError(t, f.machine.Accept(ctx, owner, "1", guest.ID))
	assert.Equal(t, []protocol.Kind{protocol.KindJoinRequestSubmitted, protocol.KindJoinRequestAccepted}, f.notifier.kinds())

	decision, err = f.machine.CanAttach(ctx, "1", guest.ID)
	require.NoError(t, err)
	assert.True(t, decision.Admitted())

	room, err := f.rooms.GetRoom(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, room.AllowList)
}

func TestOnlyOwnerManages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStateStore(), true)
	require.NoError(t, f.rooms.AddToAllowList(ctx, "1", "carol"))
	carol := protocol.UserInfo{ID: "carol"}

	assert.ErrorIs(t, f.machine.Accept(ctx, carol, "1", "bob"), ErrNotOwner)
	assert.ErrorIs(t, f.machine.Reject(ctx, carol, "1", "bob"), ErrNotOwner)
	assert.ErrorIs(t, f.machine.Evict(ctx, carol, "1", "bob"), ErrNotOwner)
	_, err := f.machine.UpdateRoom(ctx, carol, "1")
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.Empty(t, f.notifier.sent)
}

func TestRejectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStateStore(), true)

	require.NoError(t, f.machine.Reject(ctx, owner, "1", guest.ID))
	assert.Empty(t, f.notifier.sent)

	_, err := f.machine.RequestJoin(ctx, guest, "1")
	require.NoError(t, err)
	require.NoError(t, f.machine.Reject(ctx, owner, "1", guest.ID))
	require.NoError(t, f.machine.Reject(ctx, owner, "1", guest.ID))
	assert.Equal(t, []protocol.Kind{protocol.KindJoinRequestSubmitted, protocol.KindJoinRequestRejected}, f.notifier.kinds())

	decision, err := f.machine.Status(ctx, "1", guest.ID)
	require.NoError(t, err)
	assert.Equal(t, StateUnaffiliated, decision.State)
}

func TestEvictionBlocksUntilReadmitted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStateStore(), true)
	require.NoError(t, f.rooms.AddToAllowList(ctx, "1", guest.ID))

	require.NoError(t, f.machine.Evict(ctx, owner, "1", guest.ID))
	require.NoError(t, f.machine.Evict(ctx, owner, "1", guest.ID))
	assert.Equal(t, []protocol.Kind{protocol.KindUserRemoved}, f.notifier.kinds())
	assert.Equal(t, []string{"1/bob", "1/bob"}, f.kicker.kicks)

	_, err := f.machine.CanAttach(ctx, "1", guest.ID)
	assert.ErrorIs(t, err, ErrAccessDenied)

	// A new request keeps the user out until the owner accepts it.
	decision, err := f.machine.RequestJoin(ctx, guest, "1")
	require.NoError(t, err)
	assert.Equal(t, StateEvicted, decision.State)
	decision, err = f.machine.Status(ctx, "1", guest.ID)
	require.NoError(t, err)
	assert.Equal(t, StateEvicted, decision.State)

	require.NoError(t, f.machine.Accept(ctx, owner, "1", guest.ID))
	_, err = f.machine.CanAttach(ctx, "1", guest.ID)
	assert.NoError(t, err)
}

func TestOwnerCannotBeEvicted(t *testing.T) {
	f := newFixture(t, NewMemoryStateStore(), true)
	err := f.machine.Evict(context.Background(), owner, "1", owner.ID)
	assert.True(t, errors.Is(err, ErrCannotEvictOwner))
	assert.Empty(t, f.kicker.kicks)
}

func TestUpdateRoomRelaysMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStateStore(), false)
	require.NoError(t, f.rooms.SaveRoom(ctx, store.Room{ID: "1", OwnerID: owner.ID, Name: "Renamed", IsPublic: true}))

	room, err := f.machine.UpdateRoom(ctx, owner, "1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", room.Name)
	require.Len(t, f.notifier.sent, 1)
	got := f.notifier.sent[0]
	assert.Equal(t, "1", got.roomID)
	assert.Equal(t, protocol.KindRoomMetadataUpdated, got.env.Type)
	assert.Equal(t, "Renamed", got.env.Room.Name)
	assert.Equal(t, owner.ID, got.env.Editor.ID)
}

func TestMachineWithRedisStateStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	states, err := session.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = states.Close() })

	f := newFixture(t, states, true)
	_, err = f.machine.RequestJoin(ctx, guest, "1")
	require.NoError(t, err)
	decision, err := f.machine.Status(ctx, "1", guest.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRequestPending, decision.State)

	require.NoError(t, f.machine.Accept(ctx, owner, "1", guest.ID))
	require.NoError(t, f.machine.Evict(ctx, owner, "1", guest.ID))
	decision, err = f.machine.Status(ctx, "1", guest.ID)
	require.NoError(t, err)
	assert.Equal(t, StateEvicted, decision.State)
}
