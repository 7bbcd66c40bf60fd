package coordinator

import (
	"time"

	"plixmap/api/internal/client/registry"
	"plixmap/api/internal/protocol"
)

// State is one document's lock state as seen by the local actor.
type State string

const (
	// Unknown means no lock snapshot arrived since start or since the last
	// reconnect.
	Unknown          State = "unknown"
	Unlocked         State = "unlocked"
	HeldByMe         State = "held_by_me"
	HeldByOther      State = "held_by_other"
	ReservedForMe    State = "reserved_for_me"
	ReservedForOther State = "reserved_for_other"
	ForceGrace       State = "force_grace"
	ForceDecision    State = "force_decision"
)

// Forced reports whether a force unlock is running on the document.
func (s State) Forced() bool { return s == ForceGrace || s == ForceDecision }

// Status is the projected view of one document. The remaining durations are
// countdowns for display; the server owns the real deadlines.
type Status struct {
	DocumentID  string
	State       State
	Lock        *protocol.Lock
	Reservation *protocol.Reservation
	Force       *protocol.ForceUnlockRequest

	GraceRemaining       time.Duration
	DecisionRemaining    time.Duration
	ReservationRemaining time.Duration
}

// Derive projects a registry view onto one document at time now. A holder
// who handed the lock over sees the document Unlocked while the reservation
// runs; Open still leaves it to the grantee. Deadlines
// that passed locally move the projection forward (grace into decision, an
// expired reservation to unlocked) until the next snapshot confirms it.
func Derive(actorID string, view registry.View, documentID string, now time.Time) Status {
	st := Status{DocumentID: documentID, State: Unknown}
	if !view.Synced {
		return st
	}
	if lock, ok := view.Locks[documentID]; ok {
		lock := lock
		st.Lock = &lock
	}
	if res, ok := view.Reservations[documentID]; ok {
		res := res
		st.Reservation = &res
	}
	if force, ok := view.ForceUnlocks[documentID]; ok && force.Status.Active() {
		force := force
		st.Force = &force
	}

	switch {
	case st.Force != nil:
		st.State = ForceDecision
		if st.Force.Status == protocol.ForceGrace && now.Before(st.Force.GraceDeadline) {
			st.State = ForceGrace
			st.GraceRemaining = st.Force.GraceDeadline.Sub(now)
		}
		if st.State == ForceDecision && now.Before(st.Force.DecisionDeadline) {
			st.DecisionRemaining = st.Force.DecisionDeadline.Sub(now)
		}
	case st.Lock != nil:
		st.State = HeldByOther
		if st.Lock.HolderID == actorID {
			st.State = HeldByMe
		}
	case st.Reservation != nil && now.Before(st.Reservation.ExpiresAt):
		switch actorID {
		case st.Reservation.GrantedToID:
			st.State = ReservedForMe
		case st.Reservation.GrantedByID:
			// The former holder is done with the document.
			st.State = Unlocked
		default:
			st.State = ReservedForOther
		}
		st.ReservationRemaining = st.Reservation.ExpiresAt.Sub(now)
	default:
		st.State = Unlocked
	}
	return st
}

// nextDeadline returns the earliest future instant at which a projection in
// view changes on its own.
func nextDeadline(view registry.View, now time.Time) (time.Time, bool) {
	var next time.Time
	consider := func(t time.Time) {
		if t.After(now) && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	for _, f := range view.ForceUnlocks {
		if f.Status == protocol.ForceGrace {
			consider(f.GraceDeadline)
		}
		if f.Status.Active() {
			consider(f.DecisionDeadline)
		}
	}
	for _, r := range view.Reservations {
		consider(r.ExpiresAt)
	}
	return next, !next.IsZero()
}
