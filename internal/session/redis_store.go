// Package session keeps short-lived room state in Redis: access-control
// marks (pending join requests, evictions) and the warm document cache that
// lets a room be rebuilt on any node without replaying Postgres.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"ducklets/api/internal/codec"
	"ducklets/api/internal/store"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "ducklets:"
	defaultDocTTL = 6 * time.Hour
)

// RedisStore implements access state and document cache storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	docTTL time.Duration
}

// NewRedisStore creates a new Redis-backed store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: defaultPrefix,
		docTTL: defaultDocTTL,
	}
}

// Client exposes the underlying connection so other Redis users (the
// fan-out relay) share one pool.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) pendingKey(roomID string) string {
	return s.prefix + "access:pending:" + roomID
}

func (s *RedisStore) evictedKey(roomID string) string {
	return s.prefix + "access:evicted:" + roomID
}

func (s *RedisStore) docKey(roomID string) string {
	return s.prefix + "doc:" + roomID
}

// MarkPending records a join request. Re-submitting refreshes the request.
// Requests never expire; they stay until the owner accepts or rejects them.
func (s *RedisStore) MarkPending(ctx context.Context, req store.JoinRequest) error {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	jsonData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal join request: %w", err)
	}

	if err := s.client.HSet(ctx, s.pendingKey(req.RoomID), req.UserID, jsonData).Err(); err != nil {
		return fmt.Errorf("save join request: %w", err)
	}
	return nil
}

// PendingRequest returns the recorded join request of a user, if any.
func (s *RedisStore) PendingRequest(ctx context.Context, roomID, userID string) (store.JoinRequest, bool, error) {
	jsonData, err := s.client.HGet(ctx, s.pendingKey(roomID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return store.JoinRequest{}, false, nil
	}
	if err != nil {
		return store.JoinRequest{}, false, fmt.Errorf("lookup join request: %w", err)
	}

	var req store.JoinRequest
	if err := json.Unmarshal([]byte(jsonData), &req); err != nil {
		return store.JoinRequest{}, false, fmt.Errorf("unmarshal join request: %w", err)
	}
	return req, true, nil
}

// ListPending returns every open request of a room, oldest first.
func (s *RedisStore) ListPending(ctx context.Context, roomID string) ([]store.JoinRequest, error) {
	values, err := s.client.HGetAll(ctx, s.pendingKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list join requests: %w", err)
	}
	requests := make([]store.JoinRequest, 0, len(values))
	for _, raw := range values {
		var req store.JoinRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return nil, fmt.Errorf("unmarshal join request: %w", err)
		}
		requests = append(requests, req)
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].RequestedAt.Before(requests[j].RequestedAt)
	})
	return requests, nil
}

func (s *RedisStore) ClearPending(ctx context.Context, roomID, userID string) error {
	if err := s.client.HDel(ctx, s.pendingKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("clear join request: %w", err)
	}
	return nil
}

func (s *RedisStore) MarkEvicted(ctx context.Context, roomID, userID string) error {
	if err := s.client.SAdd(ctx, s.evictedKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("mark evicted: %w", err)
	}
	return nil
}

func (s *RedisStore) ClearEvicted(ctx context.Context, roomID, userID string) error {
	if err := s.client.SRem(ctx, s.evictedKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("clear evicted: %w", err)
	}
	return nil
}

func (s *RedisStore) IsEvicted(ctx context.Context, roomID, userID string) (bool, error) {
	evicted, err := s.client.SIsMember(ctx, s.evictedKey(roomID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("check evicted: %w", err)
	}
	return evicted, nil
}

// SaveDocState caches an encoded document, zstd-compressed.
func (s *RedisStore) SaveDocState(ctx context.Context, roomID string, state []byte) error {
	compressed, err := codec.Compress(state)
	if err != nil {
		return fmt.Errorf("compress doc state: %w", err)
	}
	if err := s.client.Set(ctx, s.docKey(roomID), compressed, s.docTTL).Err(); err != nil {
		return fmt.Errorf("save doc state: %w", err)
	}
	return nil
}

// LoadDocState returns the cached document of a room. ok is false on a
// cache miss.
func (s *RedisStore) LoadDocState(ctx context.Context, roomID string) ([]byte, bool, error) {
	compressed, err := s.client.Get(ctx, s.docKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load doc state: %w", err)
	}
	state, err := codec.Decompress(compressed)
	if err != nil {
		return nil, false, fmt.Errorf("decompress doc state: %w", err)
	}
	return state, true, nil
}

func (s *RedisStore) DeleteDocState(ctx context.Context, roomID string) error {
	if err := s.client.Del(ctx, s.docKey(roomID)).Err(); err != nil {
		return fmt.Errorf("delete doc state: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
