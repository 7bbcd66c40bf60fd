// Package lockd is the authoritative lock table. It is the only place where
// Locks, Reservations, UnlockRequests and ForceUnlockRequests change; every
// other component observes it through events and snapshots.
package lockd

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"plixmap/api/internal/protocol"
	"plixmap/api/internal/util"
)

const (
	DefaultUnlockRequestTTL       = 5 * time.Minute
	DefaultForceReservationWindow = 10 * time.Minute

	resolvedRetention = time.Hour
	maxMessageLength  = 500
)

// Actor is the identity performing an operation.
type Actor struct {
	ID         string
	Name       string
	Privileged bool
}

// PresenceOracle answers questions about connected sockets. The realtime hub
// implements it.
type PresenceOracle interface {
	IsOnline(actorID string) bool
	IsViewing(actorID, documentID string) bool
}

type Options struct {
	Clock clock.WithDelayedExecution
	// UnlockRequestTTL bounds how long a request stays pending unanswered.
	UnlockRequestTTL time.Duration
	// ForceReservationWindow is the reservation handed to a privileged actor
	// that completes a force unlock while not viewing the floor plan.
	ForceReservationWindow time.Duration
	Presence               PresenceOracle
	Logger                 zerolog.Logger
}

type docState struct {
	lock        *protocol.Lock
	reservation *protocol.Reservation
	force       *protocol.ForceUnlockRequest
}

func (d *docState) empty() bool {
	return d.lock == nil && d.reservation == nil && d.force == nil
}

type Table struct {
	mu        sync.Mutex
	clock     clock.WithDelayedExecution
	opts      Options
	log       zerolog.Logger
	docs      map[string]*docState
	requests  map[string]*protocol.UnlockRequest
	timers    map[string]clock.Timer
	names     map[string]string
	listeners []func(Event)
	// seq grows with every committed operation and stamps snapshots.
	seq uint64
}

func NewTable(opts Options) *Table {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.UnlockRequestTTL <= 0 {
		opts.UnlockRequestTTL = DefaultUnlockRequestTTL
	}
	if opts.ForceReservationWindow <= 0 {
		opts.ForceReservationWindow = DefaultForceReservationWindow
	}
	return &Table{
		clock:    opts.Clock,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "lockd").Logger(),
		docs:     make(map[string]*docState),
		requests: make(map[string]*protocol.UnlockRequest),
		timers:   make(map[string]clock.Timer),
		names:    make(map[string]string),
	}
}

// OnEvent registers a listener. Listeners run synchronously after the table
// mutex is released, in registration order.
func (t *Table) OnEvent(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// SetPresence installs the presence oracle after construction; the hub and
// the table reference each other.
func (t *Table) SetPresence(p PresenceOracle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opts.Presence = p
}

func (t *Table) Acquire(actor Actor, documentID string) (protocol.Lock, error) {
	var out protocol.Lock
	err := t.apply(func(now time.Time, b *batch) error {
		st := t.doc(documentID)
		if st.lock != nil {
			if st.lock.HolderID != actor.ID {
				return ErrLocked
			}
			st.lock.LastActionAt = now
			out = *st.lock
			return nil
		}
		if st.reservation != nil {
			if st.reservation.GrantedToID != actor.ID {
				return ErrReserved
			}
			st.reservation = nil
			t.stopTimer(reservationTimer(documentID))
		}
		st.lock = &protocol.Lock{
			DocumentID:   documentID,
			HolderID:     actor.ID,
			HolderName:   actor.Name,
			AcquiredAt:   now,
			LastActionAt: now,
		}
		out = *st.lock
		b.locks(documentID, actor.ID, ReasonAcquired)
		return nil
	})
	return out, err
}

func (t *Table) Release(actor Actor, documentID string) error {
	return t.apply(func(now time.Time, b *batch) error {
		st := t.doc(documentID)
		if st.lock == nil {
			return ErrNotLocked
		}
		if st.lock.HolderID != actor.ID {
			return ErrNotHolder
		}
		if err := holderBlocked(st); err != nil {
			return err
		}
		st.lock = nil
		t.expirePendingLocked(documentID, "", now, b)
		b.locks(documentID, actor.ID, ReasonReleased)
		return nil
	})
}

// Touch records holder activity. Saved marks a persisted save and revision,
// when set, the named revision it produced.
func (t *Table) Touch(actor Actor, documentID string, saved bool, revision string) error {
	return t.apply(func(now time.Time, b *batch) error {
		st := t.doc(documentID)
		if st.lock == nil {
			return ErrNotLocked
		}
		if st.lock.HolderID != actor.ID {
			return ErrNotHolder
		}
		st.lock.LastActionAt = now
		if saved {
			at := now
			st.lock.LastSaveAt = &at
		}
		if revision != "" {
			st.lock.LastSaveRevision = revision
		}
		b.locks(documentID, actor.ID, ReasonTouched)
		return nil
	})
}

func (t *Table) RequestUnlock(actor Actor, documentID, targetID, message string, grantMinutes float64) (protocol.UnlockRequest, error) {
	var out protocol.UnlockRequest
	err := t.apply(func(now time.Time, b *batch) error {
		if !protocol.ValidGrantMinutes(grantMinutes) {
			return ErrInvalidGrant
		}
		st := t.doc(documentID)
		if st.lock == nil {
			return ErrNotLocked
		}
		if st.lock.HolderID == actor.ID {
			return ErrSelfRequest
		}
		if targetID != "" && targetID != st.lock.HolderID {
			return ErrTargetMismatch
		}
		for _, req := range t.requests {
			if req.DocumentID == documentID && req.RequesterID == actor.ID && req.Status == protocol.UnlockPending {
				t.resolveLocked(req, protocol.UnlockExpired, now, nil, b)
			}
		}
		req := &protocol.UnlockRequest{
			ID:           util.NewID("unlock"),
			DocumentID:   documentID,
			RequesterID:  actor.ID,
			HolderID:     st.lock.HolderID,
			Message:      trimMessage(message),
			GrantMinutes: grantMinutes,
			Status:       protocol.UnlockPending,
			CreatedAt:    now,
		}
		t.requests[req.ID] = req
		t.schedule(requestTimer(req.ID), t.opts.UnlockRequestTTL)
		out = *req
		b.add(Event{
			Kind:       EventUnlockRequested,
			DocumentID: documentID,
			ActorID:    actor.ID,
			Unlock:     &protocol.UnlockRequestEvent{Request: *req},
		})
		return nil
	})
	return out, err
}

func (t *Table) GrantUnlock(actor Actor, requestID string) (protocol.Reservation, error) {
	var out protocol.Reservation
	err := t.apply(func(now time.Time, b *batch) error {
		req, err := t.pendingRequest(requestID)
		if err != nil {
			return err
		}
		if req.HolderID != actor.ID {
			return ErrNotHolder
		}
		st := t.doc(req.DocumentID)
		if st.lock == nil || st.lock.HolderID != actor.ID {
			return ErrNotHolder
		}
		if err := holderBlocked(st); err != nil {
			return err
		}
		st.lock = nil
		res := &protocol.Reservation{
			DocumentID:  req.DocumentID,
			GrantedToID: req.RequesterID,
			GrantedByID: req.HolderID,
			ExpiresAt:   now.Add(protocol.GrantDuration(req.GrantMinutes)),
		}
		st.reservation = res
		t.schedule(reservationTimer(req.DocumentID), res.ExpiresAt.Sub(now))
		out = *res
		t.resolveLocked(req, protocol.UnlockGranted, now, res, b)
		t.expirePendingLocked(req.DocumentID, req.ID, now, b)
		b.locks(req.DocumentID, actor.ID, ReasonGranted)
		return nil
	})
	return out, err
}

func (t *Table) DenyUnlock(actor Actor, requestID string) error {
	return t.apply(func(now time.Time, b *batch) error {
		req, err := t.pendingRequest(requestID)
		if err != nil {
			return err
		}
		if req.HolderID != actor.ID {
			return ErrNotHolder
		}
		t.resolveLocked(req, protocol.UnlockDenied, now, nil, b)
		return nil
	})
}

// CancelUnlock withdraws a pending request; it ends as expired.
func (t *Table) CancelUnlock(actor Actor, requestID string) error {
	return t.apply(func(now time.Time, b *batch) error {
		req, err := t.pendingRequest(requestID)
		if err != nil {
			return err
		}
		if req.RequesterID != actor.ID {
			return ErrNotRequester
		}
		t.resolveLocked(req, protocol.UnlockExpired, now, nil, b)
		return nil
	})
}

func (t *Table) ForceUnlock(actor Actor, documentID string, graceMinutes int) (protocol.ForceUnlockRequest, error) {
	var out protocol.ForceUnlockRequest
	err := t.apply(func(now time.Time, b *batch) error {
		if !actor.Privileged {
			return ErrForbidden
		}
		if !protocol.ValidGraceMinutes(graceMinutes) {
			return ErrInvalidGrace
		}
		st := t.doc(documentID)
		if st.lock == nil {
			return ErrNotLocked
		}
		if st.lock.HolderID == actor.ID {
			return ErrSelfRequest
		}
		if st.force != nil {
			return ErrForceActive
		}
		if actor.Name != "" {
			t.names[actor.ID] = actor.Name
		}
		grace, decision := protocol.ForceDeadlines(now, graceMinutes)
		force := &protocol.ForceUnlockRequest{
			ID:               util.NewID("force"),
			DocumentID:       documentID,
			RequesterID:      actor.ID,
			HolderID:         st.lock.HolderID,
			GraceMinutes:     graceMinutes,
			GraceDeadline:    grace,
			DecisionDeadline: decision,
			Status:           protocol.ForceGrace,
			CreatedAt:        now,
		}
		if !now.Before(grace) {
			force.Status = protocol.ForceDecision
		}
		st.force = force
		t.schedule(graceTimer(documentID), grace.Sub(now))
		t.schedule(decisionTimer(documentID), decision.Sub(now))
		out = *force
		b.force(documentID, actor.ID, protocol.ForceUnlockEvent{Request: *force})
		return nil
	})
	return out, err
}

func (t *Table) CancelForceUnlock(actor Actor, documentID string) error {
	return t.apply(func(now time.Time, b *batch) error {
		if !actor.Privileged {
			return ErrForbidden
		}
		st := t.doc(documentID)
		if st.force == nil {
			return ErrForceNotFound
		}
		force := st.force
		force.Status = protocol.ForceCancelled
		t.clearForceLocked(documentID, st)
		b.force(documentID, actor.ID, protocol.ForceUnlockEvent{Request: *force})
		return nil
	})
}

// ResolveForceUnlock records the holder's choice during the decision window
// and completes the hand-off.
func (t *Table) ResolveForceUnlock(actor Actor, documentID string, action protocol.ForceAction) (protocol.ForceUnlockEvent, error) {
	var out protocol.ForceUnlockEvent
	err := t.apply(func(now time.Time, b *batch) error {
		st := t.doc(documentID)
		if st.force == nil {
			return ErrForceNotFound
		}
		if st.force.HolderID != actor.ID {
			return ErrNotHolder
		}
		if st.force.Status == protocol.ForceGrace {
			return ErrForceGrace
		}
		out = t.completeForceLocked(documentID, st, action, now, b)
		return nil
	})
	return out, err
}

// Sweep applies every deadline that has passed. Timers call it; it is
// idempotent, so a late or duplicate timer is harmless.
func (t *Table) Sweep() {
	_ = t.apply(func(time.Time, *batch) error { return nil })
}

func (t *Table) sweepLater() {
	go t.Sweep()
}

// Snapshot returns the current locks, reservations and active force unlocks.
func (t *Table) Snapshot() protocol.LockSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := protocol.LockSnapshot{
		Locks:        make(map[string]protocol.Lock),
		Reservations: make(map[string]protocol.Reservation),
		ForceUnlocks: make(map[string]protocol.ForceUnlockRequest),
		Seq:          t.seq,
	}
	for id, st := range t.docs {
		if st.lock != nil {
			snap.Locks[id] = *st.lock
		}
		if st.reservation != nil {
			snap.Reservations[id] = *st.reservation
		}
		if st.force != nil {
			snap.ForceUnlocks[id] = *st.force
		}
	}
	return snap
}

// PendingRequests lists pending requests where actorID is holder or
// requester, oldest first. The hub replays them to reconnecting sockets.
func (t *Table) PendingRequests(actorID string) []protocol.UnlockRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.UnlockRequest, 0)
	for _, req := range t.requests {
		if req.Status != protocol.UnlockPending {
			continue
		}
		if req.HolderID == actorID || req.RequesterID == actorID {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Request returns one request by id, resolved or not.
func (t *Table) Request(requestID string) (protocol.UnlockRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.requests[requestID]
	if !ok {
		return protocol.UnlockRequest{}, false
	}
	return *req, true
}

// Holder returns the current holder of documentID, if any.
func (t *Table) Holder(documentID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.docs[documentID]
	if !ok || st.lock == nil {
		return "", false
	}
	return st.lock.HolderID, true
}

// Owner returns who may write documentID: the lock holder, or else the
// grantee of a reservation that has not expired.
func (t *Table) Owner(documentID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.docs[documentID]
	switch {
	case !ok:
		return "", false
	case st.lock != nil:
		return st.lock.HolderID, true
	case st.reservation != nil && t.clock.Now().Before(st.reservation.ExpiresAt):
		return st.reservation.GrantedToID, true
	}
	return "", false
}

// Close stops all pending timers.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, timer := range t.timers {
		timer.Stop()
		delete(t.timers, key)
	}
}

// apply runs op under the table mutex after advancing every deadline, then
// delivers the collected events outside the mutex.
func (t *Table) apply(op func(now time.Time, b *batch) error) error {
	t.mu.Lock()
	now := t.clock.Now()
	b := &batch{at: now}
	t.advanceLocked(now, b)
	err := op(now, b)
	t.pruneLocked(now)
	t.seq++
	listeners := append([]func(Event){}, t.listeners...)
	t.mu.Unlock()

	for _, ev := range b.events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
	return err
}

func (t *Table) advanceLocked(now time.Time, b *batch) {
	presence := t.opts.Presence
	for id, st := range t.docs {
		if st.reservation != nil && !now.Before(st.reservation.ExpiresAt) {
			grantee := st.reservation.GrantedToID
			st.reservation = nil
			t.stopTimer(reservationTimer(id))
			b.locks(id, grantee, ReasonReservationExpired)
		}
		if st.force == nil {
			continue
		}
		if st.force.Status == protocol.ForceGrace && !now.Before(st.force.GraceDeadline) {
			st.force.Status = protocol.ForceDecision
			b.force(id, st.force.RequesterID, protocol.ForceUnlockEvent{Request: *st.force})
		}
		if st.force.Status == protocol.ForceDecision && !now.Before(st.force.DecisionDeadline) {
			if presence != nil && !presence.IsOnline(st.force.HolderID) {
				// A holder that went away cannot answer: treat as discard.
				t.completeForceLocked(id, st, protocol.ForceActionDiscard, now, b)
				continue
			}
			force := st.force
			force.Status = protocol.ForceExpired
			t.clearForceLocked(id, st)
			b.force(id, force.RequesterID, protocol.ForceUnlockEvent{Request: *force})
		}
	}
	for _, req := range t.requests {
		if req.Status == protocol.UnlockPending && !now.Before(req.CreatedAt.Add(t.opts.UnlockRequestTTL)) {
			t.resolveLocked(req, protocol.UnlockExpired, now, nil, b)
		}
	}
}

func (t *Table) completeForceLocked(documentID string, st *docState, action protocol.ForceAction, now time.Time, b *batch) protocol.ForceUnlockEvent {
	force := st.force
	force.Status = protocol.ForceCompleted
	force.Action = action
	t.clearForceLocked(documentID, st)
	st.lock = nil
	t.expirePendingLocked(documentID, "", now, b)

	ev := protocol.ForceUnlockEvent{Request: *force}
	presence := t.opts.Presence
	if presence != nil && presence.IsViewing(force.RequesterID, documentID) {
		st.lock = &protocol.Lock{
			DocumentID:   documentID,
			HolderID:     force.RequesterID,
			HolderName:   t.names[force.RequesterID],
			AcquiredAt:   now,
			LastActionAt: now,
		}
		ev.Acquired = true
	} else {
		res := &protocol.Reservation{
			DocumentID:  documentID,
			GrantedToID: force.RequesterID,
			GrantedByID: force.HolderID,
			ExpiresAt:   now.Add(t.opts.ForceReservationWindow),
		}
		st.reservation = res
		t.schedule(reservationTimer(documentID), t.opts.ForceReservationWindow)
		ev.Reservation = res
	}
	b.force(documentID, force.HolderID, ev)
	b.locks(documentID, force.RequesterID, ReasonForceCompleted)
	t.log.Info().
		Str("document_id", documentID).
		Str("holder_id", force.HolderID).
		Str("requester_id", force.RequesterID).
		Str("action", string(action)).
		Bool("acquired", ev.Acquired).
		Msg("force unlock completed")
	return ev
}

func (t *Table) clearForceLocked(documentID string, st *docState) {
	st.force = nil
	t.stopTimer(graceTimer(documentID))
	t.stopTimer(decisionTimer(documentID))
}

func (t *Table) resolveLocked(req *protocol.UnlockRequest, status protocol.UnlockStatus, now time.Time, res *protocol.Reservation, b *batch) {
	req.Status = status
	at := now
	req.ResolvedAt = &at
	t.stopTimer(requestTimer(req.ID))
	ev := protocol.UnlockRequestEvent{Request: *req}
	if res != nil {
		copied := *res
		ev.Reservation = &copied
	}
	b.add(Event{Kind: EventUnlockUpdated, DocumentID: req.DocumentID, ActorID: req.HolderID, Unlock: &ev})
}

// expirePendingLocked ends every pending request on documentID except keep.
func (t *Table) expirePendingLocked(documentID, keep string, now time.Time, b *batch) {
	for _, req := range t.requests {
		if req.DocumentID == documentID && req.ID != keep && req.Status == protocol.UnlockPending {
			t.resolveLocked(req, protocol.UnlockExpired, now, nil, b)
		}
	}
}

func (t *Table) pruneLocked(now time.Time) {
	for id, req := range t.requests {
		if req.Status != protocol.UnlockPending && req.ResolvedAt != nil && now.Sub(*req.ResolvedAt) > resolvedRetention {
			delete(t.requests, id)
		}
	}
	for id, st := range t.docs {
		if st.empty() {
			delete(t.docs, id)
		}
	}
}

func (t *Table) pendingRequest(requestID string) (*protocol.UnlockRequest, error) {
	req, ok := t.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if req.Status != protocol.UnlockPending {
		return nil, ErrRequestResolved
	}
	return req, nil
}

func (t *Table) doc(documentID string) *docState {
	st, ok := t.docs[documentID]
	if !ok {
		st = &docState{}
		t.docs[documentID] = st
	}
	return st
}

func (t *Table) schedule(key string, d time.Duration) {
	t.stopTimer(key)
	if d < 0 {
		d = 0
	}
	// Sweep reads the clock, so it must not run on the clock's goroutine.
	t.timers[key] = t.clock.AfterFunc(d, t.sweepLater)
}

func (t *Table) stopTimer(key string) {
	if timer, ok := t.timers[key]; ok {
		timer.Stop()
		delete(t.timers, key)
	}
}

// holderBlocked reports whether a running force unlock takes the holder's
// voluntary controls away.
func holderBlocked(st *docState) error {
	if st.force == nil {
		return nil
	}
	if st.force.Status == protocol.ForceGrace {
		return ErrForceGrace
	}
	return ErrForceActive
}

func trimMessage(message string) string {
	message = strings.TrimSpace(message)
	if r := []rune(message); len(r) > maxMessageLength {
		return string(r[:maxMessageLength])
	}
	return message
}

func reservationTimer(documentID string) string { return "reservation:" + documentID }
func graceTimer(documentID string) string       { return "grace:" + documentID }
func decisionTimer(documentID string) string    { return "decision:" + documentID }
func requestTimer(requestID string) string      { return "request:" + requestID }
