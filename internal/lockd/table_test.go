package lockd

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"plixmap/api/internal/protocol"
)

var (
	alice = Actor{ID: "u-alice", Name: "Alice"}
	bob   = Actor{ID: "u-bob", Name: "Bob"}
	root  = Actor{ID: "u-root", Name: "Root", Privileged: true}
)

type fakePresence struct {
	mu      sync.Mutex
	online  map[string]bool
	viewing map[string]string
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: map[string]bool{}, viewing: map[string]string{}}
}

func (p *fakePresence) IsOnline(actorID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[actorID]
}

func (p *fakePresence) IsViewing(actorID, documentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewing[actorID] == documentID
}

func (p *fakePresence) view(actorID, documentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[actorID] = true
	p.viewing[actorID] = documentID
}

func (p *fakePresence) leave(actorID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, actorID)
	delete(p.viewing, actorID)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) has(kind EventKind, match func(Event) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind && (match == nil || match(ev)) {
			return true
		}
	}
	return false
}

func newTestTable(t *testing.T) (*Table, *testingclock.FakeClock, *fakePresence, *recorder) {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	presence := newFakePresence()
	table := NewTable(Options{Clock: clk, Presence: presence})
	rec := &recorder{}
	table.OnEvent(rec.record)
	t.Cleanup(table.Close)
	return table, clk, presence, rec
}

// step advances the fake clock and applies deadlines synchronously.
func step(table *Table, clk *testingclock.FakeClock, d time.Duration) {
	clk.Step(d)
	table.Sweep()
}

func TestAcquireIsIdempotentForHolder(t *testing.T) {
	table, _, _, _ := newTestTable(t)

	first, err := table.Acquire(alice, "plan-1")
	require.NoError(t, err)
	again, err := table.Acquire(alice, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, first.AcquiredAt, again.AcquiredAt)

	_, err = table.Acquire(bob, "plan-1")
	assert.ErrorIs(t, err, ErrLocked)

	require.ErrorIs(t, table.Release(bob, "plan-1"), ErrNotHolder)
	require.NoError(t, table.Release(alice, "plan-1"))
	_, err = table.Acquire(bob, "plan-1")
	assert.NoError(t, err)
}

func TestGrantCreatesReservationForRequester(t *testing.T) {
	table, clk, _, rec := newTestTable(t)

	_, err := table.Acquire(alice, "plan-1")
	require.NoError(t, err)
	req, err := table.RequestUnlock(bob, "plan-1", alice.ID, "  need to move desks  ", 10)
	require.NoError(t, err)
	assert.Equal(t, "need to move desks", req.Message)
	assert.Equal(t, alice.ID, req.HolderID)
	assert.True(t, rec.has(EventUnlockRequested, nil))

	res, err := table.GrantUnlock(alice, req.ID)
	require.NoError(t, err)
	assert.Equal(t, bob.ID, res.GrantedToID)
	assert.Equal(t, alice.ID, res.GrantedByID)
	assert.Equal(t, clk.Now().Add(10*time.Minute), res.ExpiresAt)

	snap := table.Snapshot()
	assert.NotContains(t, snap.Locks, "plan-1")
	assert.Contains(t, snap.Reservations, "plan-1")
	owner, ok := table.Owner("plan-1")
	assert.True(t, ok)
	assert.Equal(t, bob.ID, owner, "a reservation keeps the plan owned by its grantee")
	_, held := table.Holder("plan-1")
	assert.False(t, held)

	granted, ok := table.Request(req.ID)
	require.True(t, ok)
	assert.Equal(t, protocol.UnlockGranted, granted.Status)

	_, err = table.Acquire(root, "plan-1")
	assert.ErrorIs(t, err, ErrReserved)
	_, err = table.Acquire(alice, "plan-1")
	assert.ErrorIs(t, err, ErrReserved)

	step(table, clk, 9*time.Minute)
	lock, err := table.Acquire(bob, "plan-1")
	require.NoError(t, err)
	owner, _ = table.Owner("plan-1")
	assert.Equal(t, bob.ID, owner)
	assert.Equal(t, bob.ID, lock.HolderID)
	assert.NotContains(t, table.Snapshot().Reservations, "plan-1")
}

func TestReservationExpiresAfterGrantWindow(t *testing.T) {
	table, clk, _, rec := newTestTable(t)

	_, err := table.Acquire(alice, "plan-1")
	require.NoError(t, err)
	req, err := table.RequestUnlock(bob, "plan-1", "", "", 0.5)
	require.NoError(t, err)
	_, err = table.GrantUnlock(alice, req.ID)
	require.NoError(t, err)

	clk.Step(30 * time.Second)
	_, owned := table.Owner("plan-1")
	assert.False(t, owned, "an expired reservation owns nothing even before the sweep")
	table.Sweep()
	snap := table.Snapshot()
	assert.Empty(t, snap.Reservations)
	assert.Empty(t, snap.Locks)
	assert.Eventually(t, func() bool {
		return rec.has(EventLocksChanged, func(ev Event) bool { return ev.Reason == ReasonReservationExpired })
	}, time.Second, 10*time.Millisecond)

	_, err = table.Acquire(root, "plan-1")
	assert.NoError(t, err)
}

func TestRequestUnlockValidation(t *testing.T) {
	table, _, _, _ := newTestTable(t)

	_, err := table.RequestUnlock(bob, "plan-1", "", "", 5)
	assert.ErrorIs(t, err, ErrNotLocked)

	_, err = table.Acquire(alice, "plan-1")
	require.NoError(t, err)

	_, err = table.RequestUnlock(bob, "plan-1", "", "", 0.25)
	assert.ErrorIs(t, err, ErrInvalidGrant)
	_, err = table.RequestUnlock(bob, "plan-1", "", "", 61)
	assert.ErrorIs(t, err, ErrInvalidGrant)
	_, err = table.RequestUnlock(bob, "plan-1", root.ID, "", 5)
	assert.ErrorIs(t, err, ErrTargetMismatch)
	_, err = table.RequestUnlock(alice, "plan-1", "", "", 5)
	assert.ErrorIs(t, err, ErrSelfRequest)
}

func TestNewRequestReplacesPendingOne(t *testing.T) {
	table, _, _, _ := newTestTable(t)

	_, err := table.Acquire(alice, "plan-1")
	require.NoError(t, err)
	first, err := table.RequestUnlock(bob, "plan-1", "", "first", 5)
	require.NoError(t, err)
	second, err := table.RequestUnlock(bob, "plan-1", "", "second", 5)
	require.NoError(t, err)

	old, ok := table.Request(first.ID)
	require.True(t, ok)
	assert.Equal(t, protocol.UnlockExpired, old.Status)

	pending := table.PendingRequests(alice.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
}

func TestDenyAndCancel(t *testing.T) {
	table, _, _, rec := newTestTable(t)

	_, err := table.Acquire(alice, "plan-1")
	require.NoError(t, err)
	req, err := table.RequestUnlock(bob, "plan-1", "", "", 5)
	require.NoError(t, err)

	assert.ErrorIs(t, table.DenyUnlock(bob, req.ID), ErrNotHolder)
	assert.ErrorIs(t, table.CancelUnlock(alice, req.ID), ErrNotRequester)
	require.NoError(t, table.DenyUnlock(alice, req.ID))
	assert.ErrorIs(t, table.DenyUnlock(alice, req.ID), ErrRequestResolved)
	assert.ErrorIs(t, table.CancelUnlock(bob, "missing"), ErrRequestNotFound)

	assert.True(t, rec.has(EventUnlockUpdated, func(ev Event) bool {
		return ev.Unlock.Request.Status == protocol.UnlockDenied
	}))

	again, err := table.RequestUnlock(bob, "plan-1", "", "", 5)
	require.NoError(t, err)
	require.NoError(t, table.CancelUnlock(bob, again.ID))
	cancelled, _ := table.Request(again.ID)
	assert.Equal(t, protocol.UnlockExpired, cancelled.Status)

	snap := table.Snapshot()
	assert.Equal(t, alice.ID, snap.Locks["plan-1"].HolderID)
}

func TestPendingRequestExpiresAfterTTL(t *testing.T) {
	table, clk, _, _ := newTestTable(t)

	_, err := table.Acquire(alice, "plan-1")
	require.NoError(t, err)
	req, err := table.RequestUnlock(bob, "plan-1", "", "", 5)
	require.NoError(t, err)

	step(table, clk, DefaultUnlockRequestTTL)
	got, _ := table.Request(req.ID)
	assert.Equal(t, protocol.UnlockExpired, got.Status)
	_, err = table.GrantUnlock(alice, req.ID)
	assert.ErrorIs(t, err, ErrRequestResolved)
}

func TestReleaseExpiresPendingRequests(t *testing.T) {
	table, _, _, _ := newTestTable(t)

	_, err := table.Acquire(alice, "plan-1")
	require.NoError(t, err)
	req, err := table.RequestUnlock(bob, "plan-1", "", "", 5)
	require.NoError(t, err)
	require.NoError(t, table.Release(alice, "plan-1"))

	got, _ := table.Request(req.ID)
	assert.Equal(t, protocol.UnlockExpired, got.Status)
	assert.Empty(t, table.PendingRequests(bob.ID))
}

func TestForceUnlockRequiresPrivilege(t *testing.T) {
	table, _, _, _ := newTestTable(t)

	_, err := table.Acquire(alice, "plan-1")
	require.NoError(t, err)

	_, err = table.ForceUnlock(bob, "plan-1", 1)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = table.ForceUnlock(root, "plan-1", 61)
	assert.ErrorIs(t, err, ErrInvalidGrace)
	_, err = table.ForceUnlock(root, "plan-2", 1)
	assert.ErrorIs(t, err, ErrNotLocked)

	_, err = table.ForceUnlock(root, "plan-1", 1)
	require.NoError(t, err)
	_, err = table.ForceUnlock(root, "plan-1", 1)
	assert.ErrorIs(t, err, ErrForceActive)
}

func TestForceUnlockSaveHandsLockToViewingRequester(t *testing.T) {
	table, clk, presence, rec := newTestTable(t)
	presence.view(alice.ID, "plan-1")
	presence.view(root.ID, "plan-1")

	_, err := table.Acquire(alice, "plan-1")
	require.NoError(t, err)
	pending, err := table.RequestUnlock(bob, "plan-1", "", "", 5)
	require.NoError(t, err)

	force, err := table.ForceUnlock(root, "plan-1", 2)
	require.NoError(t, err)
	assert.Equal(t, protocol.ForceGrace, force.Status)
	assert.Equal(t, 5*time.Minute, force.DecisionDeadline.Sub(force.GraceDeadline))

	assert.ErrorIs(t, table.Release(alice, "plan-1"), ErrForceGrace)
	_, err = table.GrantUnlock(alice, pending.ID)
	assert.ErrorIs(t, err, ErrForceGrace)
	_, err = table.ResolveForceUnlock(alice, "plan-1", protocol.ForceActionSave)
	assert.ErrorIs(t, err, ErrForceGrace)

	step(table, clk, 2*time.Minute)
	assert.Equal(t, protocol.ForceDecision, table.Snapshot().ForceUnlocks["plan-1"].Status)
	assert.ErrorIs(t, table.Release(alice, "plan-1"), ErrForceActive)

	_, err = table.ResolveForceUnlock(root, "plan-1", protocol.ForceActionSave)
	assert.ErrorIs(t, err, ErrNotHolder)

	ev, err := table.ResolveForceUnlock(alice, "plan-1", protocol.ForceActionSave)
	require.NoError(t, err)
	assert.True(t, ev.Acquired)
	assert.Nil(t, ev.Reservation)
	assert.Equal(t, protocol.ForceCompleted, ev.Request.Status)
	assert.Equal(t, protocol.ForceActionSave, ev.Request.Action)

	snap := table.Snapshot()
	assert.Equal(t, root.ID, snap.Locks["plan-1"].HolderID)
	assert.Equal(t, root.Name, snap.Locks["plan-1"].HolderName)
	assert.Empty(t, snap.ForceUnlocks)

	got, _ := table.Request(pending.ID)
	assert.Equal(t, protocol.UnlockExpired, got.Status)
	assert.True(t, rec.has(EventForceChanged, func(ev Event) bool {
		return ev.Force.Request.Status == protocol.ForceCompleted
	}))
}

func TestForceUnlockReservesWhenRequesterNotViewing(t *testing.T) {
	table, _, presence, _ := newTestTable(t)
	presence.view(alice.ID, "plan-1")

	_, err := table.Acquire(alice, "plan-1")
	require.NoError(t, err)
	force, err := table.ForceUnlock(root, "plan-1", 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.ForceDecision, force.Status)

	ev, err := table.ResolveForceUnlock(alice, "plan-1", protocol.ForceActionDiscard)
	require.NoError(t, err)
	assert.False(t, ev.Acquired)
	require.NotNil(t, ev.Reservation)
	assert.Equal(t, root.ID, ev.Reservation.GrantedToID)

	_, err = table.Acquire(alice, "plan-1")
	assert.ErrorIs(t, err, ErrReserved)
	_, err = table.Acquire(root, "plan-1")
	assert.NoError(t, err)
}

func TestForceDecisionTimeoutWithOnlineHolderKeepsLock(t *testing.T) {
	table, clk, presence, _ := newTestTable(t)
	presence.view(alice.ID, "plan-1")

	_, err := table.Acquire(alice, "plan-1")
	require.NoError(t, err)
	_, err = table.ForceUnlock(root, "plan-1", 1)
	require.NoError(t, err)

	step(table, clk, time.Minute)
	step(table, clk, protocol.DecisionWindow)

	snap := table.Snapshot()
	assert.Empty(t, snap.ForceUnlocks)
	assert.Equal(t, alice.ID, snap.Locks["plan-1"].HolderID)
	assert.NoError(t, table.Release(alice, "plan-1"))
}

func TestForceDecisionTimeoutWithOfflineHolderDiscards(t *testing.T) {
	table, clk, presence, rec := newTestTable(t)
	presence.view(alice.ID, "plan-1")

	_, err := table.Acquire(alice, "plan-1")
	require.NoError(t, err)
	_, err = table.ForceUnlock(root, "plan-1", 1)
	require.NoError(t, err)

	presence.leave(alice.ID)
	step(table, clk, time.Minute+protocol.DecisionWindow)

	snap := table.Snapshot()
	assert.Empty(t, snap.Locks)
	assert.Equal(t, root.ID, snap.Reservations["plan-1"].GrantedToID)
	assert.Eventually(t, func() bool {
		return rec.has(EventForceChanged, func(ev Event) bool {
			return ev.Force.Request.Status == protocol.ForceCompleted && ev.Force.Request.Action == protocol.ForceActionDiscard
		})
	}, time.Second, 10*time.Millisecond)
}

func TestCancelForceUnlockRestoresHolderControls(t *testing.T) {
	table, _, _, _ := newTestTable(t)

	_, err := table.Acquire(alice, "plan-1")
	require.NoError(t, err)
	_, err = table.ForceUnlock(root, "plan-1", 3)
	require.NoError(t, err)

	assert.ErrorIs(t, table.CancelForceUnlock(bob, "plan-1"), ErrForbidden)
	require.NoError(t, table.CancelForceUnlock(root, "plan-1"))
	assert.ErrorIs(t, table.CancelForceUnlock(root, "plan-1"), ErrForceNotFound)
	assert.NoError(t, table.Release(alice, "plan-1"))
}

func TestTouchRecordsSaves(t *testing.T) {
	table, clk, _, _ := newTestTable(t)

	_, err := table.Acquire(alice, "plan-1")
	require.NoError(t, err)
	clk.Step(time.Minute)
	require.NoError(t, table.Touch(alice, "plan-1", true, "rev-1"))
	assert.ErrorIs(t, table.Touch(bob, "plan-1", true, ""), ErrNotHolder)

	lock := table.Snapshot().Locks["plan-1"]
	require.NotNil(t, lock.LastSaveAt)
	assert.Equal(t, clk.Now(), *lock.LastSaveAt)
	assert.Equal(t, "rev-1", lock.LastSaveRevision)
	assert.Equal(t, clk.Now(), lock.LastActionAt)
}

// A random operation mix never leaves a floor plan both locked and reserved.
func TestRandomOperationsKeepLockAndReservationExclusive(t *testing.T) {
	table, clk, presence, _ := newTestTable(t)
	actors := []Actor{alice, bob, root}
	docs := []string{"plan-1", "plan-2"}
	for _, a := range actors {
		presence.view(a.ID, "plan-1")
	}
	rng := rand.New(rand.NewSource(42))
	var requests []string

	for i := 0; i < 2000; i++ {
		a := actors[rng.Intn(len(actors))]
		doc := docs[rng.Intn(len(docs))]
		switch rng.Intn(9) {
		case 0, 1:
			_, _ = table.Acquire(a, doc)
		case 2:
			_ = table.Release(a, doc)
		case 3:
			if req, err := table.RequestUnlock(a, doc, "", "", float64(1+rng.Intn(3))); err == nil {
				requests = append(requests, req.ID)
			}
		case 4:
			if len(requests) > 0 {
				_, _ = table.GrantUnlock(a, requests[rng.Intn(len(requests))])
			}
		case 5:
			_, _ = table.ForceUnlock(a, doc, rng.Intn(2))
		case 6:
			_, _ = table.ResolveForceUnlock(a, doc, protocol.ForceActionSave)
		case 7:
			_ = table.CancelForceUnlock(a, doc)
		case 8:
			step(table, clk, time.Duration(rng.Intn(90))*time.Second)
		}

		snap := table.Snapshot()
		for id := range snap.Locks {
			_, reserved := snap.Reservations[id]
			require.False(t, reserved, "plan %s locked and reserved at step %d", id, i)
		}
		for id := range snap.ForceUnlocks {
			_, locked := snap.Locks[id]
			require.True(t, locked, "force unlock without lock on %s at step %d", id, i)
		}
	}
}
