package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plixmap/api/internal/auth"
	"plixmap/api/internal/lockd"
	"plixmap/api/internal/metrics"
	"plixmap/api/internal/presence"
	"plixmap/api/internal/protocol"
	"plixmap/api/internal/rbac"
)

type tokenMap map[string]auth.Identity

func (m tokenMap) Parse(token string) (auth.Identity, error) {
	id, ok := m[token]
	if !ok {
		return auth.Identity{}, errors.New("bad token")
	}
	return id, nil
}

type hubFixture struct {
	hub      *Hub
	table    *lockd.Table
	registry *presence.Registry
	server   *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	registry := presence.NewRegistry(nil, zerolog.Nop())
	table := lockd.NewTable(lockd.Options{Presence: registry})
	hub := NewHub(Options{
		Presence: registry,
		Locks:    table,
		Metrics:  metrics.New(),
		Tokens: tokenMap{
			"tok-alice": {UserID: "alice", Name: "Alice", Role: rbac.RoleEditor},
			"tok-bob":   {UserID: "bob", Name: "Bob", Role: rbac.RoleEditor},
		},
	})
	require.NoError(t, hub.Start(context.Background()))
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
		table.Close()
	})
	return &hubFixture{hub: hub, table: table, registry: registry, server: server}
}

func (f *hubFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// next reads envelopes until one satisfies match.
func next(t *testing.T, conn *websocket.Conn, match func(protocol.Envelope) bool) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		env, err := protocol.ParseEnvelope(data)
		require.NoError(t, err)
		if match(env) {
			return env
		}
	}
}

func lockPresence(env protocol.Envelope) bool {
	if env.Type != protocol.TypeGlobalPresence {
		return false
	}
	var p protocol.GlobalPresence
	return json.Unmarshal(env.Payload, &p) == nil && p.LockedPlans != nil
}

func TestFirstFrameIsLockSnapshot(t *testing.T) {
	f := newHubFixture(t)
	_, err := f.table.Acquire(lockd.Actor{ID: "bob", Name: "Bob"}, "plan-1")
	require.NoError(t, err)

	conn := f.dial(t, "tok-alice")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.ParseEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeGlobalPresence, env.Type)

	var p protocol.GlobalPresence
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, "bob", p.LockedPlans["plan-1"].HolderID)
	assert.NotNil(t, p.Reservations)

	users := next(t, conn, func(env protocol.Envelope) bool {
		var p protocol.GlobalPresence
		return env.Type == protocol.TypeGlobalPresence && json.Unmarshal(env.Payload, &p) == nil && p.Users != nil
	})
	var up protocol.GlobalPresence
	require.NoError(t, users.Decode(&up))
	require.Len(t, up.Users, 1)
	assert.Equal(t, "alice", up.Users[0].ActorID)
	assert.Nil(t, up.LockedPlans)
}

func TestLockChangesAndNegotiationAreFannedOut(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t, "tok-alice")
	bob := f.dial(t, "tok-bob")
	require.Eventually(t, func() bool { return f.hub.SocketCount() == 2 }, 3*time.Second, 10*time.Millisecond)

	_, err := f.table.Acquire(lockd.Actor{ID: "alice", Name: "Alice"}, "plan-1")
	require.NoError(t, err)

	env := next(t, bob, func(env protocol.Envelope) bool {
		if !lockPresence(env) {
			return false
		}
		var p protocol.GlobalPresence
		_ = env.Decode(&p)
		_, ok := p.LockedPlans["plan-1"]
		return ok
	})
	assert.Equal(t, protocol.TypeGlobalPresence, env.Type)

	req, err := f.table.RequestUnlock(lockd.Actor{ID: "bob", Name: "Bob"}, "plan-1", "alice", "please", 5)
	require.NoError(t, err)

	got := next(t, alice, func(env protocol.Envelope) bool { return env.Type == protocol.TypeUnlockRequest })
	var ev protocol.UnlockRequestEvent
	require.NoError(t, got.Decode(&ev))
	assert.Equal(t, req.ID, ev.Request.ID)
	assert.Equal(t, "please", ev.Request.Message)

	_, err = f.table.GrantUnlock(lockd.Actor{ID: "alice"}, req.ID)
	require.NoError(t, err)
	update := next(t, bob, func(env protocol.Envelope) bool { return env.Type == protocol.TypeUnlockRequestUpdate })
	require.NoError(t, update.Decode(&ev))
	assert.Equal(t, protocol.UnlockGranted, ev.Request.Status)
	require.NotNil(t, ev.Reservation)
	assert.Equal(t, "bob", ev.Reservation.GrantedToID)
}

func TestReconnectReplaysPendingRequests(t *testing.T) {
	f := newHubFixture(t)
	_, err := f.table.Acquire(lockd.Actor{ID: "alice", Name: "Alice"}, "plan-1")
	require.NoError(t, err)
	req, err := f.table.RequestUnlock(lockd.Actor{ID: "bob", Name: "Bob"}, "plan-1", "", "", 2)
	require.NoError(t, err)

	alice := f.dial(t, "tok-alice")
	env := next(t, alice, func(env protocol.Envelope) bool { return env.Type == protocol.TypeUnlockRequest })
	var ev protocol.UnlockRequestEvent
	require.NoError(t, env.Decode(&ev))
	assert.Equal(t, req.ID, ev.Request.ID)
}

func TestViewEnvelopeUpdatesPresence(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "tok-alice")

	env, err := protocol.NewEnvelope(protocol.TypeView, protocol.ViewPayload{DocumentID: "plan-7"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.hub.SocketCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.WriteJSON(env))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))

	assert.Eventually(t, func() bool { return f.registry.IsViewing("alice", "plan-7") }, 3*time.Second, 10*time.Millisecond)
}

func TestDisconnectRemovesPresence(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "tok-alice")
	require.Eventually(t, func() bool { return f.registry.IsOnline("alice") }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return !f.registry.IsOnline("alice") }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.hub.SocketCount())
}

func TestRejectsUnknownToken(t *testing.T) {
	f := newHubFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTargetMatching(t *testing.T) {
	assert.True(t, Target{}.matches("s1", "alice"))
	assert.True(t, ToActors("bob", "alice").matches("s1", "alice"))
	assert.False(t, ToActors("bob").matches("s1", "alice"))
	assert.True(t, Target{SocketID: "s1"}.matches("s1", "alice"))
	assert.False(t, Target{SocketID: "s2"}.matches("s1", "alice"))
	assert.Equal(t, []string{"a", "b"}, ToActors("a", "", "b", "a").ActorIDs)
}

func TestRedisBusDeliversToSubscribers(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	bus := NewRedisBus(client, "", zerolog.Nop())

	got := make(chan Message, 1)
	cancel, err := bus.Subscribe(context.Background(), func(msg Message) { got <- msg })
	require.NoError(t, err)
	defer cancel()

	env, err := protocol.NewEnvelope(protocol.TypeClientChatClear, protocol.ChatClearEvent{ClientID: "c1"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), Message{Target: ToActors("alice"), Envelope: env}))

	select {
	case msg := <-got:
		assert.Equal(t, protocol.TypeClientChatClear, msg.Envelope.Type)
		assert.Equal(t, []string{"alice"}, msg.Target.ActorIDs)
		var ev protocol.ChatClearEvent
		require.NoError(t, msg.Envelope.Decode(&ev))
		assert.Equal(t, "c1", ev.ClientID)
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestLocalBusUnsubscribe(t *testing.T) {
	bus := NewLocalBus()
	count := 0
	cancel, err := bus.Subscribe(context.Background(), func(Message) { count++ })
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), Message{}))
	cancel()
	require.NoError(t, bus.Publish(context.Background(), Message{}))
	assert.Equal(t, 1, count)
}

// laggyBus holds back lock pushes that still show plan-1 held.
type laggyBus struct {
	*LocalBus
	lag time.Duration
}

func (b laggyBus) Publish(ctx context.Context, msg Message) error {
	var p protocol.GlobalPresence
	if msg.Envelope.Type == protocol.TypeGlobalPresence && msg.Envelope.Decode(&p) == nil {
		if _, held := p.LockedPlans["plan-1"]; held {
			time.Sleep(b.lag)
		}
	}
	return b.LocalBus.Publish(ctx, msg)
}

func TestSlowLockPushDoesNotOvertakeNewerOne(t *testing.T) {
	registry := presence.NewRegistry(nil, zerolog.Nop())
	table := lockd.NewTable(lockd.Options{Presence: registry})
	t.Cleanup(table.Close)
	bus := laggyBus{LocalBus: NewLocalBus(), lag: 150 * time.Millisecond}
	hub := NewHub(Options{Bus: bus, Presence: registry, Locks: table})
	require.NoError(t, hub.Start(context.Background()))
	t.Cleanup(hub.Close)

	var mu sync.Mutex
	var pushes []protocol.GlobalPresence
	cancel, err := bus.Subscribe(context.Background(), func(msg Message) {
		var p protocol.GlobalPresence
		if msg.Envelope.Decode(&p) == nil && p.LockedPlans != nil {
			mu.Lock()
			pushes = append(pushes, p)
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	defer cancel()

	alice := lockd.Actor{ID: "alice", Name: "Alice"}
	acquired := make(chan error, 1)
	go func() {
		_, err := table.Acquire(alice, "plan-1")
		acquired <- err
	}()
	require.Eventually(t, func() bool {
		_, held := table.Holder("plan-1")
		return held
	}, time.Second, time.Millisecond)
	require.NoError(t, table.Release(alice, "plan-1"))
	require.NoError(t, <-acquired)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, pushes)
	last := pushes[len(pushes)-1]
	assert.Empty(t, last.LockedPlans, "the release must be the last push")
	for i := 1; i < len(pushes); i++ {
		assert.Less(t, pushes[i-1].Seq, pushes[i].Seq)
	}
}

func TestLockChangeDuringRegistrationReachesNewSocket(t *testing.T) {
	f := newHubFixture(t)

	// Park registration and the broadcast on the same gate, then let them
	// race.
	f.hub.lockPush.Lock()
	conn := f.dial(t, "tok-alice")
	acquired := make(chan error, 1)
	go func() {
		_, err := f.table.Acquire(lockd.Actor{ID: "bob", Name: "Bob"}, "plan-1")
		acquired <- err
	}()
	require.Eventually(t, func() bool {
		_, held := f.table.Holder("plan-1")
		return held
	}, time.Second, time.Millisecond)
	f.hub.lockPush.Unlock()
	require.NoError(t, <-acquired)

	env := next(t, conn, func(env protocol.Envelope) bool {
		if !lockPresence(env) {
			return false
		}
		var p protocol.GlobalPresence
		require.NoError(t, env.Decode(&p))
		_, held := p.LockedPlans["plan-1"]
		return held
	})
	assert.Equal(t, protocol.TypeGlobalPresence, env.Type)
}
