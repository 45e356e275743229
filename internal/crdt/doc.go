// Package crdt implements the room document: four independently replicated
// text fields whose updates merge idempotently and commutatively.
package crdt

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Origin tags every applied update with where it came from. Only Local
// merges schedule persistence, which breaks persist/broadcast echo loops.
type Origin int

const (
	Local Origin = iota
	Remote
)

func (o Origin) String() string {
	if o == Local {
		return "local"
	}
	return "remote"
}

// SeedClientID is the client id used when seeding a document from a
// persisted snapshot. Every replica that seeds the same snapshot produces
// identical items, so seeds merge instead of duplicating.
const SeedClientID uint64 = 0

// EditKind selects the local edit operation.
type EditKind int

const (
	EditInsert EditKind = iota
	EditDelete
)

// Edit is a local change expressed in visible rune positions.
type Edit struct {
	Kind   EditKind
	Pos    int
	Text   string
	Length int
}

// Event is delivered to observers after a merge changed the document.
type Event struct {
	Origin Origin
	Update []byte
	Fields []Field
}

// Doc holds the four replicated fields of one room. All methods are safe
// for concurrent use; merges are serialized by an internal mutex and never
// block on I/O.
type Doc struct {
	mu        sync.Mutex
	client    uint64
	texts     map[Field]*text
	observers map[int]func(Event)
	nextObs   int
}

// NewClientID returns a random non-zero replica id.
func NewClientID() uint64 {
	for {
		id := uuid.New()
		if v := binary.BigEndian.Uint64(id[:8]); v != SeedClientID {
			return v
		}
	}
}

// NewDoc creates an empty document whose local edits are attributed to
// client.
func NewDoc(client uint64) *Doc {
	texts := make(map[Field]*text, len(Fields))
	for _, field := range Fields {
		texts[field] = newText(field)
	}
	return &Doc{
		client:    client,
		texts:     texts,
		observers: make(map[int]func(Event)),
	}
}

func (d *Doc) ClientID() uint64 {
	return d.client
}

// Observe registers fn for change events and returns a function that
// removes it.
func (d *Doc) Observe(fn func(Event)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, id)
	}
}

func (d *Doc) notify(event Event) {
	d.mu.Lock()
	observers := make([]func(Event), 0, len(d.observers))
	for _, fn := range d.observers {
		observers = append(observers, fn)
	}
	d.mu.Unlock()
	for _, fn := range observers {
		fn(event)
	}
}

// ApplyLocalEdit applies edit to field and returns the field's new text and
// the encoded update to broadcast. Edits are never rejected; positions are
// clamped to the current text.
func (d *Doc) ApplyLocalEdit(field Field, edit Edit) (string, []byte, error) {
	if !field.Valid() {
		return "", nil, fmt.Errorf("apply edit: unknown field %q", field)
	}
	d.mu.Lock()
	t := d.texts[field]
	var update Update
	switch edit.Kind {
	case EditInsert:
		update.Items = t.insert(d.client, edit.Pos, edit.Text)
	case EditDelete:
		update.Deletes = t.remove(edit.Pos, edit.Length)
	default:
		d.mu.Unlock()
		return "", nil, fmt.Errorf("apply edit: unknown edit kind %d", edit.Kind)
	}
	value := t.String()
	d.mu.Unlock()

	if update.Empty() {
		return value, nil, nil
	}
	data, err := EncodeUpdate(update)
	if err != nil {
		return value, nil, err
	}
	d.notify(Event{Origin: Local, Update: data, Fields: []Field{field}})
	return value, data, nil
}

// Insert is shorthand for an insert edit.
func (d *Doc) Insert(field Field, pos int, value string) ([]byte, error) {
	_, update, err := d.ApplyLocalEdit(field, Edit{Kind: EditInsert, Pos: pos, Text: value})
	return update, err
}

// Delete is shorthand for a delete edit.
func (d *Doc) Delete(field Field, pos, length int) ([]byte, error) {
	_, update, err := d.ApplyLocalEdit(field, Edit{Kind: EditDelete, Pos: pos, Length: length})
	return update, err
}

// ApplyRemoteUpdate merges an update received from a peer.
func (d *Doc) ApplyRemoteUpdate(data []byte) error {
	_, err := d.ApplyUpdate(data, Remote)
	return err
}

// ApplyUpdate merges an encoded update tagged with origin. It reports
// whether the document changed. Malformed blobs return ErrMalformedUpdate
// and leave every field untouched.
func (d *Doc) ApplyUpdate(data []byte, origin Origin) (bool, error) {
	update, err := DecodeUpdate(data)
	if err != nil {
		return false, err
	}
	return d.merge(update, data, origin)
}

func (d *Doc) merge(update Update, data []byte, origin Origin) (bool, error) {
	itemsByField, deletesByField := update.byField()

	var changedFields []Field
	var overflowed []Field
	d.mu.Lock()
	for _, field := range Fields {
		items, deletes := itemsByField[field], deletesByField[field]
		if len(items) == 0 && len(deletes) == 0 {
			continue
		}
		changed, overflow := d.texts[field].apply(items, deletes)
		if changed {
			changedFields = append(changedFields, field)
		}
		if overflow {
			overflowed = append(overflowed, field)
		}
	}
	d.mu.Unlock()

	if len(changedFields) > 0 {
		d.notify(Event{Origin: origin, Update: data, Fields: changedFields})
	}
	if len(overflowed) > 0 {
		return len(changedFields) > 0, fmt.Errorf("%w: pending buffer overflow in %v", ErrMalformedUpdate, overflowed)
	}
	return len(changedFields) > 0, nil
}

// Snapshot returns the four fields as plain strings.
func (d *Doc) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	var snap Snapshot
	for _, field := range Fields {
		snap.set(field, d.texts[field].String())
	}
	return snap
}

// Text returns the current value of one field.
func (d *Doc) Text(field Field) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.texts[field]
	if !ok {
		return ""
	}
	return t.String()
}

// StateVector reports what this replica has integrated.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(StateVector, len(Fields))
	for _, field := range Fields {
		sv[field] = d.texts[field].stateVector()
	}
	return sv
}

// EncodeStateAsUpdate returns the update a replica holding sv is missing.
// A nil sv yields the whole document.
func (d *Doc) EncodeStateAsUpdate(sv StateVector) ([]byte, error) {
	d.mu.Lock()
	var update Update
	for _, field := range Fields {
		items, deletes := d.texts[field].diff(sv[field])
		update.Items = append(update.Items, items...)
		update.Deletes = append(update.Deletes, deletes...)
	}
	d.mu.Unlock()
	return EncodeUpdate(update)
}

// EncodeState returns the whole document, tombstones included.
func (d *Doc) EncodeState() ([]byte, error) {
	return d.EncodeStateAsUpdate(nil)
}

// LoadState merges a blob produced by EncodeState without notifying
// observers.
func (d *Doc) LoadState(data []byte) error {
	update, err := DecodeUpdate(data)
	if err != nil {
		return err
	}
	itemsByField, deletesByField := update.byField()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, field := range Fields {
		if _, overflow := d.texts[field].apply(itemsByField[field], deletesByField[field]); overflow {
			return fmt.Errorf("%w: pending buffer overflow in %s", ErrMalformedUpdate, field)
		}
	}
	return nil
}

// Pending returns how many items and deletes wait for dependencies.
func (d *Doc) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, t := range d.texts {
		total += t.pendingCount()
	}
	return total
}

// IsEmpty reports whether no field holds any item, visible or deleted.
func (d *Doc) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.texts {
		if len(t.nodes) > 0 || t.pendingCount() > 0 {
			return false
		}
	}
	return true
}

// Seed fills an empty document with snapshot content attributed to
// SeedClientID. It is a no-op on a document that already holds items.
// Seeding does not notify observers.
func (d *Doc) Seed(snapshot Snapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.texts {
		if len(t.nodes) > 0 {
			return nil
		}
	}
	for _, field := range Fields {
		d.texts[field].insert(SeedClientID, 0, snapshot.Get(field))
	}
	return nil
}
