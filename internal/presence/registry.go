// Package presence tracks connected realtime sockets and which floor plan
// each of them shows.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"plixmap/api/internal/protocol"
)

// Entry is a socket as the server sees it. Viewing is the floor plan the
// socket last declared with a view envelope.
type Entry struct {
	protocol.PresenceEntry
	Viewing string `json:"viewing,omitempty"`
}

// Mirror receives a copy of every change so sessions can be listed from
// outside this process.
type Mirror interface {
	Put(ctx context.Context, entry Entry) error
	Remove(ctx context.Context, socketID string) error
}

type Registry struct {
	mu      sync.RWMutex
	sockets map[string]Entry
	mirror  Mirror
	log     zerolog.Logger
}

func NewRegistry(mirror Mirror, log zerolog.Logger) *Registry {
	return &Registry{
		sockets: make(map[string]Entry),
		mirror:  mirror,
		log:     log.With().Str("component", "presence").Logger(),
	}
}

func (r *Registry) Add(entry Entry) {
	r.mu.Lock()
	r.sockets[entry.SocketID] = entry
	r.mu.Unlock()
	r.mirrorPut(entry)
}

func (r *Registry) Remove(socketID string) (Entry, bool) {
	r.mu.Lock()
	entry, ok := r.sockets[socketID]
	delete(r.sockets, socketID)
	r.mu.Unlock()
	if ok && r.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.mirror.Remove(ctx, socketID); err != nil {
			r.log.Warn().Err(err).Str("socket_id", socketID).Msg("presence mirror remove failed")
		}
	}
	return entry, ok
}

// SetViewing records the floor plan shown by a socket. It reports false for
// unknown sockets.
func (r *Registry) SetViewing(socketID, documentID string) bool {
	r.mu.Lock()
	entry, ok := r.sockets[socketID]
	if ok {
		entry.Viewing = documentID
		r.sockets[socketID] = entry
	}
	r.mu.Unlock()
	if ok {
		r.mirrorPut(entry)
	}
	return ok
}

// Users lists every socket, oldest connection first.
func (r *Registry) Users() []protocol.PresenceEntry {
	r.mu.RLock()
	out := make([]protocol.PresenceEntry, 0, len(r.sockets))
	for _, entry := range r.sockets {
		out = append(out, entry.PresenceEntry)
	}
	r.mu.RUnlock()
	sortEntries(out)
	return out
}

func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.sockets))
	for _, entry := range r.sockets {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i].PresenceEntry, out[j].PresenceEntry) })
	return out
}

func (r *Registry) IsOnline(actorID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.sockets {
		if entry.ActorID == actorID {
			return true
		}
	}
	return false
}

func (r *Registry) IsViewing(actorID, documentID string) bool {
	if documentID == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.sockets {
		if entry.ActorID == actorID && entry.Viewing == documentID {
			return true
		}
	}
	return false
}

type refresher interface {
	Refresh(ctx context.Context, socketIDs []string) error
}

// RefreshMirror extends the lifetime of this process's sockets in the mirror.
func (r *Registry) RefreshMirror(ctx context.Context) error {
	m, ok := r.mirror.(refresher)
	if !ok {
		return nil
	}
	r.mu.RLock()
	ids := make([]string, 0, len(r.sockets))
	for id := range r.sockets {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	return m.Refresh(ctx, ids)
}

func (r *Registry) mirrorPut(entry Entry) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.mirror.Put(ctx, entry); err != nil {
		r.log.Warn().Err(err).Str("socket_id", entry.SocketID).Msg("presence mirror put failed")
	}
}

func sortEntries(entries []protocol.PresenceEntry) {
	sort.Slice(entries, func(i, j int) bool { return less(entries[i], entries[j]) })
}

func less(a, b protocol.PresenceEntry) bool {
	if !a.ConnectedAt.Equal(b.ConnectedAt) {
		return a.ConnectedAt.Before(b.ConnectedAt)
	}
	return a.SocketID < b.SocketID
}
