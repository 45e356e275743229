package awareness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(v string) *string { return &v }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	tracker := NewTracker(DefaultTimeout)
	tracker.now = clock.Now
	return tracker, clock
}

func TestSetLocalStateMergesAndPropagates(t *testing.T) {
	alice, _ := newTestTracker()
	server, _ := newTestTracker()

	update, err := alice.SetLocalState(1, Patch{UserID: strPtr("u1"), Username: strPtr("alice"), Color: strPtr("#f00")})
	require.NoError(t, err)
	change, err := server.ApplyUpdate(update)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, change.Added)

	update, err = alice.SetLocalState(1, Patch{Pointer: &Pointer{X: 1.5, Y: -2}})
	require.NoError(t, err)
	change, err = server.ApplyUpdate(update)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, change.Updated)

	state, ok := server.State(1)
	require.True(t, ok)
	assert.Equal(t, "alice", state.Username)
	assert.Equal(t, "#f00", state.Color)
	require.NotNil(t, state.Pointer)
	assert.Equal(t, Pointer{X: 1, Y: 0}, *state.Pointer)
}

func TestStaleUpdatesAreIgnored(t *testing.T) {
	alice, _ := newTestTracker()
	server, _ := newTestTracker()

	first, err := alice.SetLocalState(1, Patch{Color: strPtr("red")})
	require.NoError(t, err)
	second, err := alice.SetLocalState(1, Patch{Color: strPtr("blue")})
	require.NoError(t, err)

	_, err = server.ApplyUpdate(second)
	require.NoError(t, err)
	change, err := server.ApplyUpdate(first)
	require.NoError(t, err)
	assert.True(t, change.Empty())

	state, _ := server.State(1)
	assert.Equal(t, "blue", state.Color)
}

func TestRemovalCannotBeResurrectedByOldUpdate(t *testing.T) {
	alice, _ := newTestTracker()
	server, _ := newTestTracker()

	join, err := alice.SetLocalState(1, Patch{Username: strPtr("alice")})
	require.NoError(t, err)
	leave, err := alice.ClearLocalState(1)
	require.NoError(t, err)

	_, err = server.ApplyUpdate(join)
	require.NoError(t, err)
	change, err := server.ApplyUpdate(leave)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, change.Removed)

	_, err = server.ApplyUpdate(join)
	require.NoError(t, err)
	_, ok := server.State(1)
	assert.False(t, ok)
}

func TestReapRemovesSilentClients(t *testing.T) {
	tracker, clock := newTestTracker()
	_, err := tracker.SetLocalState(1, Patch{Username: strPtr("quiet")})
	require.NoError(t, err)
	_, err = tracker.SetLocalState(2, Patch{Username: strPtr("chatty")})
	require.NoError(t, err)

	clock.Advance(DefaultHeartbeat)
	tracker.Renew(2)
	clock.Advance(DefaultHeartbeat)

	ids, update, err := tracker.Reap(clock.Now())
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids)
	require.NotEmpty(t, update)
	assert.Len(t, tracker.States(), 1)

	peer, _ := newTestTracker()
	full, err := tracker.EncodeUpdate(1, 2)
	require.NoError(t, err)
	_, err = peer.ApplyUpdate(full)
	require.NoError(t, err)
	_, ok := peer.State(1)
	assert.False(t, ok)
}

func TestMalformedAwarenessIsDropped(t *testing.T) {
	tracker, _ := newTestTracker()
	var calls int
	tracker.OnUpdate(func(Change, map[uint64]State) { calls++ })

	for _, blob := range [][]byte{nil, {0xff}, {0xa1, 0x01, 0x81, 0xa1, 0x01, 0x05}} {
		_, err := tracker.ApplyUpdate(blob)
		assert.ErrorIs(t, err, ErrMalformedUpdate)
	}
	assert.Zero(t, calls)
}

func TestOnUpdateReceivesFullMap(t *testing.T) {
	tracker, _ := newTestTracker()
	var got map[uint64]State
	stop := tracker.OnUpdate(func(_ Change, states map[uint64]State) { got = states })

	_, err := tracker.SetLocalState(1, Patch{Username: strPtr("a")})
	require.NoError(t, err)
	_, err = tracker.SetLocalState(2, Patch{Username: strPtr("b")})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	stop()
	_, err = tracker.ClearLocalState(1)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRunReaperStopsWithContext(t *testing.T) {
	tracker := NewTracker(time.Millisecond)
	_, err := tracker.SetLocalState(1, Patch{Username: strPtr("gone")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	reaped := make(chan []uint64, 1)
	done := make(chan struct{})
	go func() {
		tracker.RunReaper(ctx, 5*time.Millisecond, func(ids []uint64, _ []byte) {
			select {
			case reaped <- ids:
			default:
			}
		})
		close(done)
	}()

	select {
	case ids := <-reaped:
		assert.Equal(t, []uint64{1}, ids)
	case <-time.After(time.Second):
		t.Fatal("reaper did not run")
	}
	cancel()
	<-done
}

func TestPointerThrottleKeepsTrailingPosition(t *testing.T) {
	sent := make(chan Pointer, 4)
	throttle := NewPointerThrottle(20*time.Millisecond, func(p Pointer) { sent <- p })
	defer throttle.Stop()

	throttle.Move(Pointer{X: 0.1, Y: 0.1})
	throttle.Move(Pointer{X: 0.2, Y: 0.2})
	throttle.Move(Pointer{X: 0.3, Y: 0.3})

	select {
	case p := <-sent:
		assert.Equal(t, Pointer{X: 0.3, Y: 0.3}, p)
	case <-time.After(time.Second):
		t.Fatal("throttle never fired")
	}
	select {
	case p := <-sent:
		t.Fatalf("unexpected extra pointer %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
}
