// Package registry holds the client's copy of the server presence snapshot.
// Every push replaces whole sub-registries; nothing is merged.
package registry

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"plixmap/api/internal/protocol"
)

// View is an immutable copy of the registry. Synced is false until the first
// lock snapshot after construction or after Invalidate.
type View struct {
	Users        []protocol.PresenceEntry
	Locks        map[string]protocol.Lock
	Reservations map[string]protocol.Reservation
	ForceUnlocks map[string]protocol.ForceUnlockRequest
	Synced       bool
}

// Online reports whether the actor has at least one socket.
func (v View) Online(actorID string) bool {
	for _, u := range v.Users {
		if u.ActorID == actorID {
			return true
		}
	}
	return false
}

type Registry struct {
	mu      sync.Mutex
	view    View
	seq     uint64
	subs    map[int]func(View)
	nextSub int
	log     zerolog.Logger
}

func New(log zerolog.Logger) *Registry {
	return &Registry{
		view: View{
			Users:        []protocol.PresenceEntry{},
			Locks:        map[string]protocol.Lock{},
			Reservations: map[string]protocol.Reservation{},
			ForceUnlocks: map[string]protocol.ForceUnlockRequest{},
		},
		subs: make(map[int]func(View)),
		log:  log.With().Str("component", "registry").Logger(),
	}
}

// Apply installs a presence push. Each present field replaces its registry;
// absent (null) fields are left alone. Lock maps older than the last applied
// ones (by Seq) are ignored.
func (r *Registry) Apply(p protocol.GlobalPresence) {
	r.mu.Lock()
	if p.Users != nil {
		r.view.Users = append([]protocol.PresenceEntry{}, p.Users...)
	}
	if p.LockedPlans != nil && r.view.Synced && p.Seq < r.seq {
		r.log.Debug().Uint64("seq", p.Seq).Uint64("applied", r.seq).Msg("dropping stale lock snapshot")
		p.LockedPlans, p.Reservations, p.ForceUnlocks = nil, nil, nil
	}
	if p.LockedPlans != nil {
		r.view.Locks = copyMap(p.LockedPlans)
		r.view.Synced = true
		r.seq = p.Seq
	}
	if p.Reservations != nil {
		r.view.Reservations = copyMap(p.Reservations)
	}
	if p.ForceUnlocks != nil {
		r.view.ForceUnlocks = copyMap(p.ForceUnlocks)
	}
	view := r.viewLocked()
	fns := r.subscribersLocked()
	r.mu.Unlock()

	for _, fn := range fns {
		fn(view)
	}
}

// HandleEnvelope decodes a global_presence envelope and applies it. Decode
// failures are logged and dropped.
func (r *Registry) HandleEnvelope(env protocol.Envelope) {
	var p protocol.GlobalPresence
	if err := env.Decode(&p); err != nil {
		r.log.Debug().Err(err).Msg("dropping presence push")
		return
	}
	r.Apply(p)
}

// Invalidate forgets the lock part of the snapshot. Called on every
// reconnect: nothing learned before the gap may be trusted.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.view.Locks = map[string]protocol.Lock{}
	r.view.Reservations = map[string]protocol.Reservation{}
	r.view.ForceUnlocks = map[string]protocol.ForceUnlockRequest{}
	r.view.Synced = false
	r.seq = 0
	view := r.viewLocked()
	fns := r.subscribersLocked()
	r.mu.Unlock()

	for _, fn := range fns {
		fn(view)
	}
}

func (r *Registry) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked()
}

// Subscribe registers fn for every change; fn runs after the registry lock
// is released.
func (r *Registry) Subscribe(fn func(View)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *Registry) viewLocked() View {
	return View{
		Users:        append([]protocol.PresenceEntry{}, r.view.Users...),
		Locks:        copyMap(r.view.Locks),
		Reservations: copyMap(r.view.Reservations),
		ForceUnlocks: copyMap(r.view.ForceUnlocks),
		Synced:       r.view.Synced,
	}
}

func (r *Registry) subscribersLocked() []func(View) {
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(View), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.subs[id])
	}
	return fns
}

func copyMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
