// Package autosave persists local document edits in the background: debounced,
// one call at a time, gated on the store's version counters.
package autosave

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"plixmap/api/internal/client/docstore"
	"plixmap/api/internal/protocol"
)

const (
	DefaultDebounce = 650 * time.Millisecond
	DefaultFollowUp = 50 * time.Millisecond
)

var (
	ErrClosed          = errors.New("autosave: closed")
	ErrRevisionPending = errors.New("autosave: commit the named revision first")
)

// Saver is the document store endpoint.
type Saver interface {
	SaveState(ctx context.Context, req protocol.SaveStateRequest) (protocol.SaveStateResponse, error)
}

type Options struct {
	Store *docstore.Store
	Saver Saver
	// Elevated callers get no echo replace unless the server says it
	// transformed the graph.
	Elevated bool
	Debounce time.Duration
	FollowUp time.Duration
	Clock    clock.WithDelayedExecution
	Logger   zerolog.Logger
}

// Stats counts what the pipeline did. Failures are otherwise silent.
type Stats struct {
	Saves     int
	Failures  int
	Replaced  int
	Reruns    int
	FollowUps int
}

type Pipeline struct {
	store    *docstore.Store
	saver    Saver
	elevated bool
	debounce time.Duration
	followUp time.Duration
	clock    clock.WithDelayedExecution
	log      zerolog.Logger

	mu       sync.Mutex
	timer    clock.Timer
	tick     uint64
	inFlight bool
	rerun    bool
	gen      uint64
	cancel   context.CancelFunc
	closed   bool
	stats    Stats

	unsubscribe func()
}

func New(opts Options) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.FollowUp <= 0 {
		opts.FollowUp = DefaultFollowUp
	}
	return &Pipeline{
		store:    opts.Store,
		saver:    opts.Saver,
		elevated: opts.Elevated,
		debounce: opts.Debounce,
		followUp: opts.FollowUp,
		clock:    opts.Clock,
		log:      opts.Logger.With().Str("component", "autosave").Logger(),
	}
}

// Start subscribes to the store. Every change that leaves unsaved edits
// (re)starts the debounce window.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unsubscribe != nil || p.closed {
		return
	}
	p.unsubscribe = p.store.Subscribe(p.onChange)
}

func (p *Pipeline) onChange(snap docstore.Snapshot) {
	if !snap.Dirty() || snap.RevisionPending {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduleLocked(p.debounce)
}

func (p *Pipeline) scheduleLocked(d time.Duration) {
	if p.closed {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.tick++
	tick := p.tick
	// fire reads the clock again, so it must not run on the clock's goroutine.
	p.timer = p.clock.AfterFunc(d, func() { go p.fire(tick) })
}

// fire runs when a debounce or follow-up window ends. A tick that was
// stopped or replaced after it was dispatched does nothing.
func (p *Pipeline) fire(tick uint64) {
	p.mu.Lock()
	if tick != p.tick {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.inFlight {
		p.rerun = true
		p.stats.Reruns++
		p.mu.Unlock()
		return
	}
	snap := p.store.Snapshot()
	if !snap.Dirty() || snap.RevisionPending {
		p.mu.Unlock()
		return
	}
	ctx, gen := p.beginLocked()
	p.mu.Unlock()

	resp, err := p.save(ctx, snap)
	p.complete(gen, snap, resp, err)
}

// beginLocked supersedes any call still pending and opens a new generation.
func (p *Pipeline) beginLocked() (context.Context, uint64) {
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.gen++
	p.inFlight = true
	p.stats.Saves++
	return ctx, p.gen
}

func (p *Pipeline) save(ctx context.Context, snap docstore.Snapshot) (protocol.SaveStateResponse, error) {
	return p.saver.SaveState(ctx, protocol.SaveStateRequest{
		Clients:     snap.Clients,
		ObjectTypes: snap.ObjectTypes,
	})
}

func (p *Pipeline) complete(gen uint64, snap docstore.Snapshot, resp protocol.SaveStateResponse, err error) {
	p.mu.Lock()
	if gen != p.gen {
		// Superseded: a newer call owns the in-flight slot.
		p.mu.Unlock()
		return
	}
	p.inFlight = false
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if err != nil {
		p.stats.Failures++
	}
	p.mu.Unlock()

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.log.Debug().Err(err).Uint64("version", snap.Version).Msg("save failed, waiting for next edit")
		}
	} else {
		p.apply(snap, resp)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	rerun := p.rerun
	p.rerun = false
	if !rerun {
		return
	}
	version, saved := p.store.Versions()
	if version != saved {
		p.stats.FollowUps++
		p.scheduleLocked(p.followUp)
	}
}

func (p *Pipeline) apply(snap docstore.Snapshot, resp protocol.SaveStateResponse) {
	if resp.Clients == nil {
		p.store.MarkSaved(snap.Version)
		return
	}
	if p.elevated && !resp.Transformed {
		p.store.MarkSaved(snap.Version)
		return
	}
	echo := docstore.Graph{Clients: resp.Clients, ObjectTypes: resp.ObjectTypes}
	if echo.ObjectTypes == nil {
		echo.ObjectTypes = snap.ObjectTypes
	}
	if p.store.ReplaceIfCurrent(echo, snap.Version) {
		p.mu.Lock()
		p.stats.Replaced++
		p.mu.Unlock()
	}
}

// Flush saves the freshest snapshot right away, superseding a call in flight,
// and reports the outcome. Save-then-release uses it. Edits waiting for a
// named revision are not flushed: Flush returns ErrRevisionPending and the
// caller keeps the lock.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	snap := p.store.Snapshot()
	if !snap.Dirty() {
		p.mu.Unlock()
		return nil
	}
	if snap.RevisionPending {
		p.mu.Unlock()
		return ErrRevisionPending
	}
	p.stopLocked()
	callCtx, gen := p.beginLocked()
	p.rerun = false
	p.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.gen == gen && p.cancel != nil {
			p.cancel()
		}
	})
	defer stop()

	resp, err := p.save(callCtx, snap)
	p.complete(gen, snap, resp, err)
	return err
}

// Pause stops the debounce window and aborts a call in flight without
// detaching from the store. The next edit starts a new window.
// Discard-then-release calls it before the server drops the lock.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.rerun = false
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	// A call still returning belongs to an old generation now.
	p.gen++
	p.inFlight = false
}

func (p *Pipeline) stopLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.tick++
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close stops the window, aborts a pending call and detaches from the store.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.stopLocked()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}
