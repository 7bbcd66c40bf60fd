package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"plixmap/api/internal/assets"
	"plixmap/api/internal/auth"
	"plixmap/api/internal/lockd"
	"plixmap/api/internal/metrics"
	"plixmap/api/internal/protocol"
	"plixmap/api/internal/rbac"
	"plixmap/api/internal/realtime"
	"plixmap/api/internal/store"
)

// fakeStore keeps everything in memory; the fn fields override single
// methods for failure cases.
type fakeStore struct {
	mu        sync.Mutex
	state     *protocol.StateResponse
	users     map[string]store.User
	chat      []store.ChatRow
	events    []store.LockEvent
	saveCount int

	pingFn      func(context.Context) error
	saveStateFn func(context.Context, []protocol.Client, []protocol.ObjectType, string) (time.Time, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[string]store.User{}}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) EnsureUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) ListUsers(context.Context) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeStore) LoadState(context.Context) (protocol.StateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == nil {
		return protocol.StateResponse{Clients: []protocol.Client{}, ObjectTypes: []protocol.ObjectType{}}, nil
	}
	return protocol.StateResponse{
		Clients:     protocol.CloneClients(f.state.Clients),
		ObjectTypes: protocol.CloneObjectTypes(f.state.ObjectTypes),
		UpdatedAt:   f.state.UpdatedAt,
	}, nil
}

func (f *fakeStore) SaveState(ctx context.Context, clients []protocol.Client, objectTypes []protocol.ObjectType, updatedBy string) (time.Time, error) {
	if f.saveStateFn != nil {
		return f.saveStateFn(ctx, clients, objectTypes, updatedBy)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	at := time.Now().UTC()
	f.state = &protocol.StateResponse{
		Clients:     protocol.CloneClients(clients),
		ObjectTypes: protocol.CloneObjectTypes(objectTypes),
		UpdatedAt:   &at,
	}
	f.saveCount++
	return at, nil
}

func (f *fakeStore) AppendLockEvent(_ context.Context, ev store.LockEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) ListLockEvents(_ context.Context, documentID string, _ int) ([]store.LockEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.LockEvent{}
	for _, ev := range f.events {
		if ev.DocumentID == documentID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeStore) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeStore) InsertChatMessage(_ context.Context, row store.ChatRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chat = append(f.chat, row)
	return nil
}

func (f *fakeStore) UpdateChatMessage(_ context.Context, id, fromID, body string, at time.Time) (store.ChatRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.chat {
		if f.chat[i].ID == id && f.chat[i].FromID == fromID {
			f.chat[i].Body = body
			f.chat[i].UpdatedAt = &at
			return f.chat[i], nil
		}
	}
	return store.ChatRow{}, store.ErrNotFound
}

func (f *fakeStore) ListClientChat(_ context.Context, clientID string, _ int) ([]store.ChatRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.ChatRow{}
	for _, row := range f.chat {
		if row.ClientID == clientID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeStore) ClearClientChat(_ context.Context, clientID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.chat[:0]
	var n int64
	for _, row := range f.chat {
		if row.ClientID == clientID {
			n++
			continue
		}
		kept = append(kept, row)
	}
	f.chat = kept
	return n, nil
}

func (f *fakeStore) ListDirectChat(_ context.Context, userA, userB string, _ int) ([]store.ChatRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.ChatRow{}
	for _, row := range f.chat {
		if (row.FromID == userA && row.ToID == userB) || (row.FromID == userB && row.ToID == userA) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkDirectDelivered(_ context.Context, recipientID string, at time.Time) ([]store.ChatRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.ChatRow{}
	for i := range f.chat {
		if f.chat[i].ToID == recipientID && f.chat[i].DeliveredAt == nil {
			f.chat[i].DeliveredAt = &at
			out = append(out, f.chat[i])
		}
	}
	return out, nil
}

func (f *fakeStore) MarkDirectRead(_ context.Context, readerID, peerID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.chat {
		if f.chat[i].ToID == readerID && f.chat[i].FromID == peerID && f.chat[i].ReadAt == nil {
			f.chat[i].ReadAt = &at
		}
	}
	return nil
}

type published struct {
	target realtime.Target
	kind   protocol.EnvelopeType
	data   any
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *fakePublisher) Publish(_ context.Context, target realtime.Target, kind protocol.EnvelopeType, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{target: target, kind: kind, data: payload})
	return nil
}

func (p *fakePublisher) ofKind(kind protocol.EnvelopeType) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.sent {
		if m.kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type fakePresence struct {
	online map[string]bool
}

func (p fakePresence) Users() []protocol.PresenceEntry {
	out := []protocol.PresenceEntry{}
	for id := range p.online {
		out = append(out, protocol.PresenceEntry{ActorID: id, SocketID: "sock_" + id})
	}
	return out
}

func (p fakePresence) IsOnline(actorID string) bool { return p.online[actorID] }

func (p fakePresence) IsViewing(string, string) bool { return false }

type testEnv struct {
	store     *fakeStore
	locks     *lockd.Table
	assets    *assets.MemoryStore
	publisher *fakePublisher
	issuer    *auth.Issuer
	metrics   *metrics.Metrics
	service   *Service
	server    *HTTPServer
}

var (
	alice = auth.Identity{UserID: "alice", Name: "Alice", Role: rbac.RoleEditor}
	bob   = auth.Identity{UserID: "bob", Name: "Bob", Role: rbac.RoleEditor}
	root  = auth.Identity{UserID: "root", Name: "Root", Role: rbac.RoleSuperadmin}
	admin = auth.Identity{UserID: "ada", Name: "Ada", Role: rbac.RoleAdmin}
	guest = auth.Identity{UserID: "guest", Name: "Guest", Role: rbac.RoleViewer}
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     newFakeStore(),
		assets:    assets.NewMemoryStore(),
		publisher: &fakePublisher{},
		issuer:    auth.NewIssuer("test-secret", time.Hour, clock.RealClock{}),
		metrics:   metrics.New(),
	}
	presence := fakePresence{online: map[string]bool{"alice": true, "bob": true}}
	env.locks = lockd.NewTable(lockd.Options{Presence: presence})
	t.Cleanup(env.locks.Close)

	env.service = New(Deps{
		Store:     env.store,
		Locks:     env.locks,
		Assets:    env.assets,
		Publisher: env.publisher,
		Presence:  presence,
		Tokens:    env.issuer,
		Metrics:   env.metrics,
		Logger:    zerolog.Nop(),
	})
	env.server = NewHTTPServer(env.service, HTTPOptions{CORSOrigin: "*", Metrics: env.metrics, Logger: zerolog.Nop()})
	return env
}

func (e *testEnv) token(t *testing.T, id auth.Identity) string {
	t.Helper()
	token, err := e.issuer.Issue(id)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func samplePlans() []protocol.Client {
	return []protocol.Client{{
		ID: "c1", Name: "Acme",
		Sites: []protocol.Site{{
			ID: "s1", Name: "HQ",
			FloorPlans: []protocol.FloorPlan{
				{ID: "p1", Name: "Ground", Objects: []protocol.Object{{ID: "o1", TypeID: "desk", Name: "Desk 1"}}},
				{ID: "p2", Name: "First"},
			},
		}},
	}}
}
