package lockd

import (
	"time"

	"plixmap/api/internal/protocol"
)

type EventKind string

const (
	// EventLocksChanged means the lock or reservation set changed; listeners
	// read a fresh Snapshot.
	EventLocksChanged    EventKind = "locks_changed"
	EventUnlockRequested EventKind = "unlock_requested"
	EventUnlockUpdated   EventKind = "unlock_updated"
	EventForceChanged    EventKind = "force_changed"
)

type Reason string

const (
	ReasonAcquired           Reason = "acquired"
	ReasonReleased           Reason = "released"
	ReasonTouched            Reason = "touched"
	ReasonGranted            Reason = "granted"
	ReasonReservationExpired Reason = "reservation_expired"
	ReasonForceCompleted     Reason = "force_completed"
)

type Event struct {
	Kind       EventKind
	DocumentID string
	ActorID    string
	Reason     Reason
	At         time.Time
	Unlock     *protocol.UnlockRequestEvent
	Force      *protocol.ForceUnlockEvent
}

// batch collects events produced under the table mutex.
type batch struct {
	at     time.Time
	events []Event
}

func (b *batch) add(ev Event) {
	if ev.At.IsZero() {
		ev.At = b.at
	}
	b.events = append(b.events, ev)
}

func (b *batch) locks(documentID, actorID string, reason Reason) {
	b.add(Event{Kind: EventLocksChanged, DocumentID: documentID, ActorID: actorID, Reason: reason})
}

func (b *batch) force(documentID, actorID string, ev protocol.ForceUnlockEvent) {
	b.add(Event{Kind: EventForceChanged, DocumentID: documentID, ActorID: actorID, Force: &ev})
}
