// Package fanout relays sync frames between server nodes that host the same
// room.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"ducklets/api/internal/codec"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "ducklets:sync:"

// Handler receives a frame published by another node.
type Handler func(roomID string, data []byte)

// Bus publishes frames for a room and delivers frames from other nodes.
type Bus interface {
	Publish(ctx context.Context, roomID string, data []byte) error
	Subscribe(ctx context.Context, roomID string, h Handler) (func(), error)
}

func Channel(roomID string) string {
	return channelPrefix + "room:" + roomID
}

type frame struct {
	Node string `cbor:"1,keyasint"`
	Room string `cbor:"2,keyasint"`
	Data []byte `cbor:"3,keyasint"`
}

type RedisBus struct {
	client *redis.Client
	node   string
	logger *slog.Logger
}

func NewRedisBus(client *redis.Client, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, node: uuid.NewString(), logger: logger}
}

// Node is the id this bus stamps on its own frames.
func (b *RedisBus) Node() string {
	return b.node
}

func (b *RedisBus) Publish(ctx context.Context, roomID string, data []byte) error {
	payload, err := codec.Marshal(frame{Node: b.node, Room: roomID, Data: data})
	if err != nil {
		return fmt.Errorf("encode fanout frame: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(roomID), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", Channel(roomID), err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed by Redis. The
// returned func stops delivery and waits for the relay goroutine to exit.
func (b *RedisBus) Subscribe(ctx context.Context, roomID string, h Handler) (func(), error) {
	pubsub := b.client.Subscribe(ctx, Channel(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", Channel(roomID), err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			var f frame
			if err := codec.Unmarshal([]byte(msg.Payload), &f); err != nil {
				b.logger.Warn("dropping malformed fanout frame", "room_id", roomID, "error", err)
				continue
			}
			if f.Node == b.node || f.Room != roomID {
				continue
			}
			h(roomID, f.Data)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = pubsub.Close()
			<-done
		})
	}, nil
}

// Nop is the single-node bus.
type Nop struct{}

func (Nop) Publish(context.Context, string, []byte) error { return nil }

func (Nop) Subscribe(context.Context, string, Handler) (func(), error) {
	return func() {}, nil
}
