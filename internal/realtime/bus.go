package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"plixmap/api/internal/protocol"
)

// Target selects the sockets a message is delivered to. An empty target
// reaches every socket.
type Target struct {
	ActorIDs []string `json:"actorIds,omitempty"`
	SocketID string   `json:"socketId,omitempty"`
}

func (t Target) Broadcast() bool {
	return len(t.ActorIDs) == 0 && t.SocketID == ""
}

func (t Target) matches(socketID, actorID string) bool {
	if t.Broadcast() {
		return true
	}
	if t.SocketID != "" && t.SocketID == socketID {
		return true
	}
	for _, id := range t.ActorIDs {
		if id == actorID {
			return true
		}
	}
	return false
}

func ToActors(ids ...string) Target {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return Target{ActorIDs: out}
}

type Message struct {
	Target   Target            `json:"target"`
	Envelope protocol.Envelope `json:"envelope"`
}

// Bus fans messages out to every hub subscribed to it.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, handler func(Message)) (func(), error)
	Close() error
}

// LocalBus delivers synchronously inside one process.
type LocalBus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(Message)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[int]func(Message))}
}

func (b *LocalBus) Publish(_ context.Context, msg Message) error {
	b.mu.RLock()
	handlers := make([]func(Message), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, handler func(Message)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.handlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[int]func(Message))
	return nil
}

const DefaultChannel = "plixmap:realtime"

// RedisBus carries messages over Redis pub/sub so several API processes can
// serve sockets.
type RedisBus struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

func NewRedisBus(client *redis.Client, channel string, log zerolog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel, log: log.With().Str("component", "redis_bus").Logger()}
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish bus message: %w", err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed, then delivers
// messages from a goroutine until the returned cancel func is called.
func (b *RedisBus) Subscribe(ctx context.Context, handler func(Message)) (func(), error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for raw := range sub.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				b.log.Warn().Err(err).Msg("dropping malformed bus message")
				continue
			}
			handler(msg)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = sub.Close()
			<-done
		})
	}, nil
}

func (b *RedisBus) Close() error {
	return nil
}
