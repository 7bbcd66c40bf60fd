// Package docstore is the client's single container for the floor-plan graph.
// All writes go through its action methods; every other component reads
// snapshots and subscribes to changes.
package docstore

import (
	"sort"
	"sync"

	"plixmap/api/internal/protocol"
)

// Graph is the editable part of the document.
type Graph struct {
	Clients     []protocol.Client
	ObjectTypes []protocol.ObjectType
}

func (g Graph) clone() Graph {
	return Graph{
		Clients:     protocol.CloneClients(g.Clients),
		ObjectTypes: protocol.CloneObjectTypes(g.ObjectTypes),
	}
}

// Snapshot is a read-only copy of the store. SavedVersion never exceeds
// Version; equality means nothing is waiting to be persisted.
type Snapshot struct {
	Graph
	Version      uint64
	SavedVersion uint64
	// ActivePlanID is the floor plan currently open in the editor.
	ActivePlanID string
	// RevisionPending is set when the active plan must be committed as a
	// named revision before autosave may continue.
	RevisionPending bool
}

// Dirty reports whether local edits are not yet persisted.
func (s Snapshot) Dirty() bool { return s.Version != s.SavedVersion }

type Store struct {
	mu              sync.Mutex
	graph           Graph
	version         uint64
	saved           uint64
	active          string
	revisionPending map[string]bool
	subs            map[int]func(Snapshot)
	nextSub         int
}

func New() *Store {
	return &Store{
		revisionPending: make(map[string]bool),
		subs:            make(map[int]func(Snapshot)),
	}
}

// Load replaces the graph with server state and marks everything saved. It is
// used for the initial fetch and for refetches after a discard.
func (s *Store) Load(state protocol.StateResponse) {
	s.mu.Lock()
	s.graph = Graph{Clients: state.Clients, ObjectTypes: state.ObjectTypes}.clone()
	s.version++
	s.saved = s.version
	s.mu.Unlock()
	s.notify()
}

// Mutate applies fn to the live graph and bumps the version. fn must not keep
// references to the graph after it returns.
func (s *Store) Mutate(fn func(g *Graph)) uint64 {
	s.mu.Lock()
	fn(&s.graph)
	s.version++
	v := s.version
	s.mu.Unlock()
	s.notify()
	return v
}

// MarkSaved records that everything up to version reached the server.
func (s *Store) MarkSaved(version uint64) {
	s.mu.Lock()
	changed := s.markSavedLocked(version)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *Store) markSavedLocked(version uint64) bool {
	if version > s.version {
		version = s.version
	}
	if version <= s.saved {
		return false
	}
	s.saved = version
	return true
}

// ReplaceIfCurrent swaps in a server echo taken at version. When the local
// version moved on in the meantime only the saved marker advances, so edits
// made during the call survive and go out with the next save.
func (s *Store) ReplaceIfCurrent(g Graph, version uint64) bool {
	s.mu.Lock()
	replaced := false
	if s.version == version {
		s.graph = g.clone()
		s.saved = version
		replaced = true
	} else {
		s.markSavedLocked(version)
	}
	s.mu.Unlock()
	s.notify()
	return replaced
}

func (s *Store) SetActivePlan(planID string) {
	s.mu.Lock()
	s.active = planID
	s.mu.Unlock()
	s.notify()
}

// SetRevisionPending marks or clears the "commit as named revision first" flag
// of a floor plan.
func (s *Store) SetRevisionPending(planID string, pending bool) {
	s.mu.Lock()
	if pending {
		s.revisionPending[planID] = true
	} else {
		delete(s.revisionPending, planID)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Graph:           s.graph.clone(),
		Version:         s.version,
		SavedVersion:    s.saved,
		ActivePlanID:    s.active,
		RevisionPending: s.active != "" && s.revisionPending[s.active],
	}
}

// Versions is the cheap variant of Snapshot for callers that only compare
// counters.
func (s *Store) Versions() (version, saved uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version, s.saved
}

// Subscribe registers fn for every change. fn runs on the goroutine that
// changed the store, after the store lock is released.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	if len(s.subs) == 0 {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
