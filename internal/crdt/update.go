package crdt

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"ducklets/api/internal/codec"
)

// ErrMalformedUpdate is returned for update blobs that fail to decode or
// validate. Such updates are dropped whole.
var ErrMalformedUpdate = errors.New("malformed update")

// ID identifies one inserted character: the inserting client and that
// client's contiguous sequence number within the field.
type ID struct {
	Client uint64 `cbor:"1,keyasint"`
	Seq    uint64 `cbor:"2,keyasint"`
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Seq)
}

// Item is a single inserted rune together with its causal metadata.
type Item struct {
	Field  Field  `cbor:"1,keyasint"`
	ID     ID     `cbor:"2,keyasint"`
	Stamp  uint64 `cbor:"3,keyasint"`
	Origin *ID    `cbor:"4,keyasint,omitempty"`
	Value  string `cbor:"5,keyasint"`
}

// DeleteRef marks an item as removed. Deletes are tombstones, so applying
// one twice is harmless.
type DeleteRef struct {
	Field Field `cbor:"1,keyasint"`
	ID    ID    `cbor:"2,keyasint"`
}

// Update is the unit exchanged between replicas.
type Update struct {
	Items   []Item      `cbor:"1,keyasint,omitempty"`
	Deletes []DeleteRef `cbor:"2,keyasint,omitempty"`
}

func (u Update) Empty() bool {
	return len(u.Items) == 0 && len(u.Deletes) == 0
}

// StateVector records, per field and client, the highest contiguous
// sequence number a replica has integrated.
type StateVector map[Field]map[uint64]uint64

func EncodeUpdate(update Update) ([]byte, error) {
	data, err := codec.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

func DecodeUpdate(data []byte) (Update, error) {
	var update Update
	if len(data) == 0 {
		return update, fmt.Errorf("%w: empty blob", ErrMalformedUpdate)
	}
	if err := codec.Unmarshal(data, &update); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if err := update.validate(); err != nil {
		return Update{}, err
	}
	return update, nil
}

func (u Update) byField() (map[Field][]Item, map[Field][]ID) {
	items := make(map[Field][]Item)
	for _, item := range u.Items {
		items[item.Field] = append(items[item.Field], item)
	}
	deletes := make(map[Field][]ID)
	for _, ref := range u.Deletes {
		deletes[ref.Field] = append(deletes[ref.Field], ref.ID)
	}
	return items, deletes
}

func (u Update) validate() error {
	for _, item := range u.Items {
		if !item.Field.Valid() {
			return fmt.Errorf("%w: unknown field %q", ErrMalformedUpdate, item.Field)
		}
		if item.ID.Seq == 0 || item.Stamp == 0 {
			return fmt.Errorf("%w: item %s has zero seq or stamp", ErrMalformedUpdate, item.ID)
		}
		if item.Origin != nil && item.Origin.Seq == 0 {
			return fmt.Errorf("%w: item %s has invalid origin", ErrMalformedUpdate, item.ID)
		}
		if !utf8.ValidString(item.Value) || utf8.RuneCountInString(item.Value) != 1 {
			return fmt.Errorf("%w: item %s must carry exactly one rune", ErrMalformedUpdate, item.ID)
		}
	}
	for _, ref := range u.Deletes {
		if !ref.Field.Valid() {
			return fmt.Errorf("%w: unknown field %q", ErrMalformedUpdate, ref.Field)
		}
		if ref.ID.Seq == 0 {
			return fmt.Errorf("%w: delete of zero seq", ErrMalformedUpdate)
		}
	}
	return nil
}

func EncodeStateVector(sv StateVector) ([]byte, error) {
	data, err := codec.Marshal(sv)
	if err != nil {
		return nil, fmt.Errorf("encode state vector: %w", err)
	}
	return data, nil
}

func DecodeStateVector(data []byte) (StateVector, error) {
	sv := StateVector{}
	if len(data) == 0 {
		return sv, nil
	}
	if err := codec.Unmarshal(data, &sv); err != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedUpdate, err)
	}
	for field := range sv {
		if !field.Valid() {
			return nil, fmt.Errorf("%w: state vector names unknown field %q", ErrMalformedUpdate, field)
		}
	}
	return sv, nil
}
