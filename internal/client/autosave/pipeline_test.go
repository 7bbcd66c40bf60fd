package autosave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"plixmap/api/internal/client/docstore"
	"plixmap/api/internal/protocol"
)

// fakeSaver records every call. When gate is set each call blocks until a
// value is sent on it or its context ends.
type fakeSaver struct {
	mu       sync.Mutex
	calls    []protocol.SaveStateRequest
	active   int
	maxOpen  int
	gate     chan struct{}
	respond  func(req protocol.SaveStateRequest) (protocol.SaveStateResponse, error)
	canceled int
}

func (f *fakeSaver) SaveState(ctx context.Context, req protocol.SaveStateRequest) (protocol.SaveStateResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.active++
	if f.active > f.maxOpen {
		f.maxOpen = f.active
	}
	gate := f.gate
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			f.mu.Lock()
			f.canceled++
			f.mu.Unlock()
			return protocol.SaveStateResponse{}, ctx.Err()
		}
	}
	if f.respond != nil {
		return f.respond(req)
	}
	return protocol.SaveStateResponse{}, nil
}

func (f *fakeSaver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSaver) lastCall() protocol.SaveStateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeSaver) openCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func seeded() *docstore.Store {
	s := docstore.New()
	s.Load(protocol.StateResponse{Clients: []protocol.Client{{ID: "c1", Name: "Acme"}}})
	return s
}

func newPipeline(t *testing.T, store *docstore.Store, saver *fakeSaver, elevated bool) (*Pipeline, *testingclock.FakeClock) {
	t.Helper()
	fc := testingclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	p := New(Options{Store: store, Saver: saver, Elevated: elevated, Clock: fc, Logger: zerolog.Nop()})
	p.Start()
	t.Cleanup(p.Close)
	return p, fc
}

func rename(store *docstore.Store, name string) uint64 {
	return store.Mutate(func(g *docstore.Graph) { g.Clients[0].Name = name })
}

func TestTwoEditsInOneWindowProduceOneSave(t *testing.T) {
	store := seeded()
	saver := &fakeSaver{}
	_, fc := newPipeline(t, store, saver, true)

	rename(store, "first")
	fc.Step(100 * time.Millisecond)
	rename(store, "second")

	fc.Step(600 * time.Millisecond)
	assert.Never(t, func() bool { return saver.callCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	fc.Step(50 * time.Millisecond)
	require.Eventually(t, func() bool { return saver.callCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "second", saver.lastCall().Clients[0].Name)

	require.Eventually(t, func() bool { return !store.Snapshot().Dirty() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, saver.callCount())
}

func TestAcceptedWithoutEchoOnlyMarksSaved(t *testing.T) {
	store := seeded()
	saver := &fakeSaver{}
	p, fc := newPipeline(t, store, saver, false)

	v := rename(store, "local")
	fc.Step(DefaultDebounce)

	require.Eventually(t, func() bool { return !store.Snapshot().Dirty() }, time.Second, 5*time.Millisecond)
	snap := store.Snapshot()
	assert.Equal(t, v, snap.SavedVersion)
	assert.Equal(t, "local", snap.Clients[0].Name)
	assert.Zero(t, p.Stats().Replaced)
}

func TestEchoReplacesForNonElevatedCaller(t *testing.T) {
	store := seeded()
	saver := &fakeSaver{respond: func(req protocol.SaveStateRequest) (protocol.SaveStateResponse, error) {
		clients := protocol.CloneClients(req.Clients)
		clients[0].Name = "server copy"
		return protocol.SaveStateResponse{Clients: clients}, nil
	}}
	p, fc := newPipeline(t, store, saver, false)

	rename(store, "local")
	fc.Step(DefaultDebounce)

	require.Eventually(t, func() bool { return p.Stats().Replaced == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "server copy", store.Snapshot().Clients[0].Name)
	assert.False(t, store.Snapshot().Dirty())
}

func TestElevatedCallerReplacesOnlyWhenTransformed(t *testing.T) {
	transformed := false
	store := seeded()
	saver := &fakeSaver{respond: func(req protocol.SaveStateRequest) (protocol.SaveStateResponse, error) {
		clients := protocol.CloneClients(req.Clients)
		clients[0].Name = "rewritten"
		return protocol.SaveStateResponse{Clients: clients, Transformed: transformed}, nil
	}}
	p, fc := newPipeline(t, store, saver, true)

	rename(store, "local")
	fc.Step(DefaultDebounce)
	require.Eventually(t, func() bool { return !store.Snapshot().Dirty() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "local", store.Snapshot().Clients[0].Name)

	transformed = true
	rename(store, "with inline image")
	fc.Step(DefaultDebounce)
	require.Eventually(t, func() bool { return p.Stats().Replaced == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "rewritten", store.Snapshot().Clients[0].Name)
}

func TestSingleFlightSchedulesExactlyOneFollowUp(t *testing.T) {
	store := seeded()
	saver := &fakeSaver{gate: make(chan struct{})}
	p, fc := newPipeline(t, store, saver, true)

	rename(store, "one")
	fc.Step(DefaultDebounce)
	require.Eventually(t, func() bool { return saver.openCalls() == 1 }, time.Second, 5*time.Millisecond)

	rename(store, "two")
	fc.Step(DefaultDebounce)
	require.Eventually(t, func() bool { return p.Stats().Reruns == 1 }, time.Second, 5*time.Millisecond)
	rename(store, "three")
	fc.Step(DefaultDebounce)
	require.Eventually(t, func() bool { return p.Stats().Reruns == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, saver.callCount(), "no second call while one is in flight")

	saver.gate <- struct{}{}
	require.Eventually(t, func() bool { return p.Stats().FollowUps == 1 }, time.Second, 5*time.Millisecond)

	fc.Step(DefaultFollowUp)
	require.Eventually(t, func() bool { return saver.openCalls() == 1 && saver.callCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "three", saver.lastCall().Clients[0].Name)
	saver.gate <- struct{}{}

	require.Eventually(t, func() bool { return !store.Snapshot().Dirty() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.Stats().FollowUps)
	saver.mu.Lock()
	assert.Equal(t, 1, saver.maxOpen)
	saver.mu.Unlock()
}

func TestFlushSupersedesInFlightCall(t *testing.T) {
	store := seeded()
	saver := &fakeSaver{gate: make(chan struct{})}
	fc := testingclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	p := New(Options{Store: store, Saver: saver, Elevated: true, Clock: fc, Logger: zerolog.Nop()})
	defer p.Close()

	rename(store, "draft")
	go func() { _ = p.Flush(context.Background()) }()
	require.Eventually(t, func() bool { return saver.openCalls() == 1 }, time.Second, 5*time.Millisecond)

	rename(store, "final")
	done := make(chan error, 1)
	go func() { done <- p.Flush(context.Background()) }()

	require.Eventually(t, func() bool {
		saver.mu.Lock()
		defer saver.mu.Unlock()
		return saver.canceled == 1
	}, time.Second, 5*time.Millisecond)
	saver.gate <- struct{}{}
	require.NoError(t, <-done)
	assert.Equal(t, "final", saver.lastCall().Clients[0].Name)
	assert.False(t, store.Snapshot().Dirty())
}

func TestFailureIsSwallowedAndNextEditRetries(t *testing.T) {
	fail := true
	store := seeded()
	saver := &fakeSaver{respond: func(protocol.SaveStateRequest) (protocol.SaveStateResponse, error) {
		if fail {
			return protocol.SaveStateResponse{}, errors.New("offline")
		}
		return protocol.SaveStateResponse{}, nil
	}}
	p, fc := newPipeline(t, store, saver, true)

	rename(store, "offline edit")
	fc.Step(DefaultDebounce)
	require.Eventually(t, func() bool { return p.Stats().Failures == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, store.Snapshot().Dirty())

	fc.Step(time.Minute)
	assert.Equal(t, 1, saver.callCount(), "no retry without a new edit")

	fail = false
	rename(store, "back online")
	fc.Step(DefaultDebounce)
	require.Eventually(t, func() bool { return !store.Snapshot().Dirty() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, saver.callCount())
}

func TestPendingNamedRevisionDefersAutosave(t *testing.T) {
	store := seeded()
	store.SetActivePlan("p1")
	store.SetRevisionPending("p1", true)
	saver := &fakeSaver{}
	_, fc := newPipeline(t, store, saver, true)

	rename(store, "needs a revision")
	fc.Step(DefaultDebounce)
	assert.Never(t, func() bool { return saver.callCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	store.SetRevisionPending("p1", false)
	fc.Step(DefaultDebounce)
	require.Eventually(t, func() bool { return saver.callCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFlushRefusesPendingNamedRevision(t *testing.T) {
	store := seeded()
	store.SetActivePlan("p1")
	saver := &fakeSaver{}
	p, _ := newPipeline(t, store, saver, true)

	store.SetRevisionPending("p1", true)
	rename(store, "unversioned")
	assert.ErrorIs(t, p.Flush(context.Background()), ErrRevisionPending)
	assert.Zero(t, saver.callCount())
	assert.True(t, store.Snapshot().Dirty())

	store.SetRevisionPending("p1", false)
	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, 1, saver.callCount())
	assert.False(t, store.Snapshot().Dirty())
}

func TestPauseDropsScheduledSave(t *testing.T) {
	store := seeded()
	saver := &fakeSaver{}
	p, fc := newPipeline(t, store, saver, true)

	rename(store, "about to be discarded")
	fc.Step(DefaultDebounce / 2)
	p.Pause()
	fc.Step(DefaultDebounce)
	assert.Never(t, func() bool { return saver.callCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	rename(store, "fresh edit")
	fc.Step(DefaultDebounce)
	require.Eventually(t, func() bool { return saver.callCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPauseAbandonsCallInFlight(t *testing.T) {
	store := seeded()
	saver := &fakeSaver{gate: make(chan struct{}), respond: func(req protocol.SaveStateRequest) (protocol.SaveStateResponse, error) {
		return protocol.SaveStateResponse{}, nil
	}}
	p, fc := newPipeline(t, store, saver, true)

	rename(store, "half sent")
	fc.Step(DefaultDebounce)
	require.Eventually(t, func() bool { return saver.openCalls() == 1 }, time.Second, 5*time.Millisecond)

	p.Pause()
	require.Eventually(t, func() bool {
		saver.mu.Lock()
		defer saver.mu.Unlock()
		return saver.canceled == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, store.Snapshot().Dirty(), "an abandoned call never marks the edit saved")
}
