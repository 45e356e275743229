package awareness

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	DefaultHeartbeat = 5 * time.Second
	DefaultMisses    = 2
	DefaultTimeout   = DefaultHeartbeat * DefaultMisses
)

// Change lists the clients touched by one merge.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Listener receives every change together with a copy of all live states.
type Listener func(change Change, states map[uint64]State)

type entry struct {
	clock    uint64
	state    *State
	lastSeen time.Time
}

// Tracker holds the awareness map of one replica. Clocks survive removal
// so a late update for a departed client cannot resurrect it.
type Tracker struct {
	mu        sync.Mutex
	entries   map[uint64]*entry
	timeout   time.Duration
	now       func() time.Time
	listeners map[int]Listener
	nextID    int
}

func NewTracker(timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		entries:   make(map[uint64]*entry),
		timeout:   timeout,
		now:       time.Now,
		listeners: make(map[int]Listener),
	}
}

// OnUpdate registers listener and returns a function that removes it.
func (t *Tracker) OnUpdate(listener Listener) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = listener
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

func (t *Tracker) emit(change Change) {
	if change.Empty() {
		return
	}
	t.mu.Lock()
	states := t.statesLocked()
	listeners := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()
	for _, l := range listeners {
		l(change, states)
	}
}

func (t *Tracker) statesLocked() map[uint64]State {
	states := make(map[uint64]State, len(t.entries))
	for id, e := range t.entries {
		if e.state != nil {
			states[id] = *e.state
		}
	}
	return states
}

// States returns a copy of every live client state.
func (t *Tracker) States() map[uint64]State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statesLocked()
}

// State returns one client's state.
func (t *Tracker) State(clientID uint64) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[clientID]
	if !ok || e.state == nil {
		return State{}, false
	}
	return *e.state, true
}

// SetLocalState merges patch into the client's state, bumps its clock and
// returns the update to broadcast.
func (t *Tracker) SetLocalState(clientID uint64, patch Patch) ([]byte, error) {
	t.mu.Lock()
	e, ok := t.entries[clientID]
	if !ok {
		e = &entry{}
		t.entries[clientID] = e
	}
	var current State
	if e.state != nil {
		current = *e.state
	}
	added := e.state == nil
	next := patch.apply(current)
	e.state = &next
	e.clock++
	e.lastSeen = t.now()
	out := Entry{ClientID: clientID, Clock: e.clock, State: &next}
	t.mu.Unlock()

	change := Change{Updated: []uint64{clientID}}
	if added {
		change = Change{Added: []uint64{clientID}}
	}
	t.emit(change)
	return encodeUpdate([]Entry{out})
}

// ClearLocalState removes the given clients and returns the removal update.
// Clients that are not present are skipped.
func (t *Tracker) ClearLocalState(clientIDs ...uint64) ([]byte, error) {
	t.mu.Lock()
	var out []Entry
	var removed []uint64
	for _, id := range clientIDs {
		e, ok := t.entries[id]
		if !ok || e.state == nil {
			continue
		}
		e.state = nil
		e.clock++
		out = append(out, Entry{ClientID: id, Clock: e.clock})
		removed = append(removed, id)
	}
	t.mu.Unlock()

	if len(out) == 0 {
		return nil, nil
	}
	t.emit(Change{Removed: removed})
	return encodeUpdate(out)
}

// Renew marks a client as seen without changing its state.
func (t *Tracker) Renew(clientID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[clientID]; ok && e.state != nil {
		e.lastSeen = t.now()
	}
}

// ApplyUpdate merges a remote awareness blob. An entry wins when its clock
// is newer than the known one; an equal clock only counts when it removes a
// live client.
func (t *Tracker) ApplyUpdate(data []byte) (Change, error) {
	update, err := DecodeUpdate(data)
	if err != nil {
		return Change{}, err
	}
	return t.Apply(update), nil
}

// Apply merges an already decoded update.
func (t *Tracker) Apply(update Update) Change {
	var change Change
	t.mu.Lock()
	now := t.now()
	for _, in := range update.Entries {
		e, ok := t.entries[in.ClientID]
		if !ok {
			e = &entry{}
			t.entries[in.ClientID] = e
		}
		live := e.state != nil
		accept := in.Clock > e.clock || (in.Clock == e.clock && in.State == nil && live)
		if !accept {
			if in.Clock == e.clock && live {
				e.lastSeen = now
			}
			continue
		}
		e.clock = in.Clock
		e.lastSeen = now
		switch {
		case in.State == nil:
			e.state = nil
			if live {
				change.Removed = append(change.Removed, in.ClientID)
			}
		case live:
			state := *in.State
			e.state = &state
			change.Updated = append(change.Updated, in.ClientID)
		default:
			state := *in.State
			e.state = &state
			change.Added = append(change.Added, in.ClientID)
		}
	}
	t.mu.Unlock()

	t.emit(change)
	return change
}

// EncodeUpdate encodes the given clients, or every live client when none
// are named.
func (t *Tracker) EncodeUpdate(clientIDs ...uint64) ([]byte, error) {
	t.mu.Lock()
	if len(clientIDs) == 0 {
		for id, e := range t.entries {
			if e.state != nil {
				clientIDs = append(clientIDs, id)
			}
		}
		sort.Slice(clientIDs, func(i, j int) bool { return clientIDs[i] < clientIDs[j] })
	}
	out := make([]Entry, 0, len(clientIDs))
	for _, id := range clientIDs {
		e, ok := t.entries[id]
		if !ok {
			continue
		}
		var state *State
		if e.state != nil {
			copied := *e.state
			state = &copied
		}
		out = append(out, Entry{ClientID: id, Clock: e.clock, State: state})
	}
	t.mu.Unlock()
	return encodeUpdate(out)
}

// Reap removes clients that were not renewed within the timeout and returns
// their ids with the removal update to broadcast.
func (t *Tracker) Reap(now time.Time) ([]uint64, []byte, error) {
	t.mu.Lock()
	var stale []uint64
	for id, e := range t.entries {
		if e.state != nil && now.Sub(e.lastSeen) >= t.timeout {
			stale = append(stale, id)
		}
	}
	t.mu.Unlock()
	if len(stale) == 0 {
		return nil, nil, nil
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	update, err := t.ClearLocalState(stale...)
	return stale, update, err
}

// RunReaper calls Reap every interval until ctx is done. onReap receives
// each non-empty removal update.
func (t *Tracker) RunReaper(ctx context.Context, interval time.Duration, onReap func(ids []uint64, update []byte)) {
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ids, update, err := t.Reap(now)
			if err != nil || len(ids) == 0 || onReap == nil {
				continue
			}
			onReap(ids, update)
		}
	}
}
