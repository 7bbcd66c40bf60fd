package protocol

import "time"

// PresenceEntry describes one connected socket.
type PresenceEntry struct {
	ActorID     string    `json:"actorId"`
	Name        string    `json:"name,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	IP          string    `json:"ip"`
	SocketID    string    `json:"socketId"`
}

// GlobalPresence is a full snapshot. Every non-nil field replaces the
// corresponding registry on the client; nil fields (JSON null) leave it
// untouched. An empty map or slice is present and clears the registry.
type GlobalPresence struct {
	LockedPlans  map[string]Lock               `json:"lockedPlans"`
	Reservations map[string]Reservation        `json:"reservations"`
	ForceUnlocks map[string]ForceUnlockRequest `json:"forceUnlocks"`
	Users        []PresenceEntry               `json:"users"`
	// Seq orders lock pushes. A push carrying lock maps with a lower Seq
	// than one already applied is stale.
	Seq uint64 `json:"seq,omitempty"`
}

// LockSnapshot is the lock-table part of a presence push.
type LockSnapshot struct {
	Locks        map[string]Lock               `json:"lockedPlans"`
	Reservations map[string]Reservation        `json:"reservations"`
	ForceUnlocks map[string]ForceUnlockRequest `json:"forceUnlocks"`
	Seq          uint64                        `json:"seq,omitempty"`
}

// Presence wraps a lock snapshot as a global_presence payload.
func (s LockSnapshot) Presence() GlobalPresence {
	p := GlobalPresence{
		LockedPlans:  s.Locks,
		Reservations: s.Reservations,
		ForceUnlocks: s.ForceUnlocks,
		Seq:          s.Seq,
	}
	if p.LockedPlans == nil {
		p.LockedPlans = map[string]Lock{}
	}
	if p.Reservations == nil {
		p.Reservations = map[string]Reservation{}
	}
	if p.ForceUnlocks == nil {
		p.ForceUnlocks = map[string]ForceUnlockRequest{}
	}
	return p
}

// UsersPresence wraps an online-user list as a global_presence payload.
func UsersPresence(users []PresenceEntry) GlobalPresence {
	if users == nil {
		users = []PresenceEntry{}
	}
	return GlobalPresence{Users: users}
}
