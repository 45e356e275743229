package access

import (
	"context"
	"sync"

	"ducklets/api/internal/store"
)

type roomUser struct {
	roomID string
	userID string
}

// MemoryStateStore is a process-local StateStore for single-node runs and
// tests.
type MemoryStateStore struct {
	mu      sync.Mutex
	pending map[roomUser]store.JoinRequest
	evicted map[roomUser]struct{}
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		pending: make(map[roomUser]store.JoinRequest),
		evicted: make(map[roomUser]struct{}),
	}
}

func (s *MemoryStateStore) MarkPending(_ context.Context, req store.JoinRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[roomUser{req.RoomID, req.UserID}] = req
	return nil
}

func (s *MemoryStateStore) PendingRequest(_ context.Context, roomID, userID string) (store.JoinRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[roomUser{roomID, userID}]
	return req, ok, nil
}

func (s *MemoryStateStore) ClearPending(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, roomUser{roomID, userID})
	return nil
}

func (s *MemoryStateStore) MarkEvicted(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted[roomUser{roomID, userID}] = struct{}{}
	return nil
}

func (s *MemoryStateStore) ClearEvicted(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.evicted, roomUser{roomID, userID})
	return nil
}

func (s *MemoryStateStore) IsEvicted(_ context.Context, roomID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.evicted[roomUser{roomID, userID}]
	return ok, nil
}
