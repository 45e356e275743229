package crdt

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// maxPending bounds the number of items and deletes a text will hold while
// waiting for their causal dependencies.
const maxPending = 1 << 16

type node struct {
	id      ID
	stamp   uint64
	origin  *ID
	value   string
	deleted bool
}

// text is a replicated growable array of runes. Concurrent inserts after the
// same origin are ordered by (stamp, client) descending, which makes the
// final sequence independent of delivery order.
type text struct {
	field Field
	nodes []*node
	index map[ID]*node
	// clock holds the highest contiguous seq integrated per client.
	clock map[uint64]uint64
	// stamp is the Lamport clock: max stamp seen so far.
	stamp uint64

	pendingItems   []Item
	pendingDeletes []ID
	pendingLimit   int
}

func newText(field Field) *text {
	return &text{
		field:        field,
		index:        make(map[ID]*node),
		clock:        make(map[uint64]uint64),
		pendingLimit: maxPending,
	}
}

func (t *text) String() string {
	var b strings.Builder
	for _, n := range t.nodes {
		if !n.deleted {
			b.WriteString(n.value)
		}
	}
	return b.String()
}

func (t *text) visibleLen() int {
	count := 0
	for _, n := range t.nodes {
		if !n.deleted {
			count++
		}
	}
	return count
}

// visibleNode returns the node at visible rune position pos, or nil.
func (t *text) visibleNode(pos int) *node {
	if pos < 0 {
		return nil
	}
	seen := 0
	for _, n := range t.nodes {
		if n.deleted {
			continue
		}
		if seen == pos {
			return n
		}
		seen++
	}
	return nil
}

func (t *text) position(id ID) int {
	for i, n := range t.nodes {
		if n.id == id {
			return i
		}
	}
	return -1
}

func (t *text) has(id ID) bool {
	_, ok := t.index[id]
	return ok
}

// ready reports whether item can be integrated now. Items already
// integrated are reported as not ready; callers check has() first.
func (t *text) ready(item Item) bool {
	if item.ID.Seq != t.clock[item.ID.Client]+1 {
		return false
	}
	if item.Origin != nil && !t.has(*item.Origin) {
		return false
	}
	return true
}

func (t *text) integrate(item Item) {
	pos := 0
	if item.Origin != nil {
		pos = t.position(*item.Origin) + 1
	}
	for pos < len(t.nodes) && precedes(t.nodes[pos], item) {
		pos++
	}
	n := &node{id: item.ID, stamp: item.Stamp, origin: item.Origin, value: item.Value}
	t.nodes = append(t.nodes, nil)
	copy(t.nodes[pos+1:], t.nodes[pos:])
	t.nodes[pos] = n
	t.index[item.ID] = n
	t.clock[item.ID.Client] = item.ID.Seq
	if item.Stamp > t.stamp {
		t.stamp = item.Stamp
	}
}

// precedes reports whether existing must stay ahead of a new item placed
// after the same origin.
func precedes(existing *node, item Item) bool {
	if existing.stamp != item.Stamp {
		return existing.stamp > item.Stamp
	}
	return existing.id.Client > item.ID.Client
}

// apply merges remote items and deletes, buffering anything whose
// dependencies have not arrived yet. It returns whether the visible or
// tombstone state changed and whether the pending buffer overflowed. On
// overflow only the parts of this call that are still waiting are dropped;
// whatever was buffered before stays.
func (t *text) apply(items []Item, deletes []ID) (changed bool, overflow bool) {
	var buffered map[ID]struct{}
	if len(t.pendingItems) > 0 {
		buffered = make(map[ID]struct{}, len(t.pendingItems))
		for _, item := range t.pendingItems {
			buffered[item.ID] = struct{}{}
		}
	}
	incoming := make(map[ID]struct{}, len(items))
	for _, item := range items {
		if t.has(item.ID) || item.ID.Seq <= t.clock[item.ID.Client] {
			continue
		}
		if _, ok := buffered[item.ID]; ok {
			continue
		}
		if _, ok := incoming[item.ID]; ok {
			continue
		}
		incoming[item.ID] = struct{}{}
		t.pendingItems = append(t.pendingItems, item)
	}
	oldDeletes := len(t.pendingDeletes)
	t.pendingDeletes = append(t.pendingDeletes, deletes...)

	for progress := true; progress; {
		progress = false
		remaining := t.pendingItems[:0]
		for _, item := range t.pendingItems {
			switch {
			case t.has(item.ID):
			case t.ready(item):
				t.integrate(item)
				changed = true
				progress = true
			default:
				remaining = append(remaining, item)
			}
		}
		t.pendingItems = remaining
	}

	remainingDeletes := t.pendingDeletes[:0]
	keptOld := 0
	for i, id := range t.pendingDeletes {
		n, ok := t.index[id]
		if !ok {
			remainingDeletes = append(remainingDeletes, id)
			if i < oldDeletes {
				keptOld++
			}
			continue
		}
		if !n.deleted {
			n.deleted = true
			changed = true
		}
	}
	t.pendingDeletes = remainingDeletes

	if t.pendingCount() > t.pendingLimit {
		kept := t.pendingItems[:0]
		for _, item := range t.pendingItems {
			if _, ok := incoming[item.ID]; !ok {
				kept = append(kept, item)
			}
		}
		t.pendingItems = kept
		t.pendingDeletes = t.pendingDeletes[:keptOld]
		overflow = true
	}
	return changed, overflow
}

// insert applies a local insertion at visible rune position pos and returns
// the generated items.
func (t *text) insert(client uint64, pos int, value string) []Item {
	if value == "" {
		return nil
	}
	if pos < 0 {
		pos = 0
	}
	if length := t.visibleLen(); pos > length {
		pos = length
	}
	var origin *ID
	if left := t.visibleNode(pos - 1); left != nil {
		id := left.id
		origin = &id
	}
	items := make([]Item, 0, utf8.RuneCountInString(value))
	for _, r := range value {
		item := Item{
			Field:  t.field,
			ID:     ID{Client: client, Seq: t.clock[client] + 1},
			Stamp:  t.stamp + 1,
			Origin: origin,
			Value:  string(r),
		}
		t.integrate(item)
		items = append(items, item)
		id := item.ID
		origin = &id
	}
	return items
}

// remove tombstones length visible runes starting at pos.
func (t *text) remove(pos, length int) []DeleteRef {
	if length <= 0 || pos < 0 {
		return nil
	}
	var refs []DeleteRef
	seen := 0
	for _, n := range t.nodes {
		if n.deleted {
			continue
		}
		if seen >= pos && seen < pos+length {
			n.deleted = true
			refs = append(refs, DeleteRef{Field: t.field, ID: n.id})
		}
		seen++
		if seen >= pos+length {
			break
		}
	}
	return refs
}

func (t *text) stateVector() map[uint64]uint64 {
	sv := make(map[uint64]uint64, len(t.clock))
	for client, seq := range t.clock {
		sv[client] = seq
	}
	return sv
}

// diff returns every item the holder of sv is missing, ordered by stamp so
// the receiver can integrate them in one pass, plus the full delete set.
func (t *text) diff(sv map[uint64]uint64) ([]Item, []DeleteRef) {
	var items []Item
	var deletes []DeleteRef
	for _, n := range t.nodes {
		if n.id.Seq > sv[n.id.Client] {
			items = append(items, Item{
				Field:  t.field,
				ID:     n.id,
				Stamp:  n.stamp,
				Origin: n.origin,
				Value:  n.value,
			})
		}
		if n.deleted {
			deletes = append(deletes, DeleteRef{Field: t.field, ID: n.id})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Stamp != items[j].Stamp {
			return items[i].Stamp < items[j].Stamp
		}
		if items[i].ID.Client != items[j].ID.Client {
			return items[i].ID.Client < items[j].ID.Client
		}
		return items[i].ID.Seq < items[j].ID.Seq
	})
	return items, deletes
}

func (t *text) pendingCount() int {
	return len(t.pendingItems) + len(t.pendingDeletes)
}
