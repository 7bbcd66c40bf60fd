package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultEntryTTL bounds how long a socket survives in Redis without a
// refresh, so a crashed process does not leave ghosts behind.
const DefaultEntryTTL = 2 * time.Minute

// RedisMirror stores one key per socket plus an index set.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMirror connects to redisURL and verifies the connection.
func NewRedisMirror(redisURL string) (*RedisMirror, error) {
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
	return NewRedisMirrorWithClient(client), nil
}

func NewRedisMirrorWithClient(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client, prefix: "presence:", ttl: DefaultEntryTTL}
}

func (m *RedisMirror) Client() *redis.Client {
	return m.client
}

func (m *RedisMirror) socketKey(socketID string) string {
	return m.prefix + "socket:" + socketID
}

func (m *RedisMirror) indexKey() string {
	return m.prefix + "sockets"
}

func (m *RedisMirror) Put(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	pipe := m.client.TxPipeline()
	pipe.Set(ctx, m.socketKey(entry.SocketID), data, m.ttl)
	pipe.SAdd(ctx, m.indexKey(), entry.SocketID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save presence entry: %w", err)
	}
	return nil
}

func (m *RedisMirror) Remove(ctx context.Context, socketID string) error {
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.socketKey(socketID))
	pipe.SRem(ctx, m.indexKey(), socketID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove presence entry: %w", err)
	}
	return nil
}

// Refresh extends the TTL of the given sockets.
func (m *RedisMirror) Refresh(ctx context.Context, socketIDs []string) error {
	if len(socketIDs) == 0 {
		return nil
	}
	pipe := m.client.Pipeline()
	for _, id := range socketIDs {
		pipe.Expire(ctx, m.socketKey(id), m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("refresh presence entries: %w", err)
	}
	return nil
}

// List returns every live entry across processes and drops index members
// whose key expired.
func (m *RedisMirror) List(ctx context.Context) ([]Entry, error) {
	ids, err := m.client.SMembers(ctx, m.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence index: %w", err)
	}
	if len(ids) == 0 {
		return []Entry{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = m.socketKey(id)
	}
	values, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence entries: %w", err)
	}

	out := make([]Entry, 0, len(values))
	var stale []any
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, entry)
	}
	if len(stale) > 0 {
		if err := m.client.SRem(ctx, m.indexKey(), stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune presence index: %w", err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i].PresenceEntry, out[j].PresenceEntry) })
	return out, nil
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
