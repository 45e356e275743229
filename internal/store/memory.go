package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ducklets/api/internal/crdt"
)

// MemoryStore keeps rooms and contents in process. It backs tests and
// single-node development runs without Postgres.
type MemoryStore struct {
	mu       sync.Mutex
	rooms    map[string]Room
	contents map[string]RoomContents
	states   map[string][]byte
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[string]Room),
		contents: make(map[string]RoomContents),
		states:   make(map[string][]byte),
		now:      time.Now,
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) GetRoom(_ context.Context, roomID string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	room.AllowList = append([]string(nil), room.AllowList...)
	return room, nil
}

func (s *MemoryStore) SaveRoom(_ context.Context, room Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.rooms[room.ID]; ok {
		existing.Name = room.Name
		existing.Description = room.Description
		existing.IsPublic = room.IsPublic
		existing.UpdatedAt = now
		s.rooms[room.ID] = existing
		return nil
	}
	room.AllowList = append([]string(nil), room.AllowList...)
	room.CreatedAt = now
	room.UpdatedAt = now
	s.rooms[room.ID] = room
	return nil
}

func (s *MemoryStore) AddToAllowList(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if room.Allows(userID) {
		return nil
	}
	room.AllowList = append(room.AllowList, userID)
	s.rooms[roomID] = room
	return nil
}

func (s *MemoryStore) RemoveFromAllowList(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	kept := room.AllowList[:0:0]
	for _, id := range room.AllowList {
		if id != userID {
			kept = append(kept, id)
		}
	}
	room.AllowList = kept
	s.rooms[roomID] = room
	return nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, roomID string, snapshot crdt.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents[roomID] = RoomContents{
		RoomID:    roomID,
		Head:      snapshot.Head,
		HTML:      snapshot.HTML,
		CSS:       snapshot.CSS,
		JS:        snapshot.JS,
		UpdatedAt: s.now(),
	}
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context, roomID string) (crdt.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	contents, ok := s.contents[roomID]
	if !ok {
		return crdt.Snapshot{}, false, nil
	}
	return contents.Snapshot(), true, nil
}

func (s *MemoryStore) SaveDocState(_ context.Context, roomID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[roomID] = append([]byte(nil), state...)
	return nil
}

func (s *MemoryStore) LoadDocState(_ context.Context, roomID string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[roomID]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), state...), true, nil
}
