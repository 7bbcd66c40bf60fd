// Package coordinator is the client half of the lock protocol. It projects
// the presence snapshot onto per-document states and issues negotiation
// calls; it never moves a state on its own, only on server confirmation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"plixmap/api/internal/client/registry"
	"plixmap/api/internal/client/transport"
	"plixmap/api/internal/protocol"
)

var (
	ErrControlsDisabled = errors.New("coordinator: release is disabled during a force unlock")
	ErrNotHolder        = errors.New("coordinator: lock not held by you")
	ErrNotHeldByOther   = errors.New("coordinator: document is not locked by someone else")
	ErrNotReserved      = errors.New("coordinator: no reservation for you")
	ErrNotInDecision    = errors.New("coordinator: no force-unlock decision pending for you")
	ErrInvalidGrant     = errors.New("coordinator: grant minutes must be between 0.5 and 60")
	ErrInvalidGrace     = errors.New("coordinator: grace minutes must be between 0 and 60")
	ErrUnknownState     = errors.New("coordinator: waiting for lock snapshot")
)

// LockAPI is the server's lock negotiation endpoint.
type LockAPI interface {
	Acquire(ctx context.Context, documentID string) (protocol.Lock, error)
	Release(ctx context.Context, documentID string) error
	RequestUnlock(ctx context.Context, documentID, targetUserID, message string, grantMinutes float64) (protocol.UnlockRequest, error)
	GrantUnlock(ctx context.Context, requestID string) (protocol.Reservation, error)
	DenyUnlock(ctx context.Context, requestID string) error
	CancelUnlock(ctx context.Context, requestID string) error
	ForceUnlock(ctx context.Context, documentID string, graceMinutes int) (protocol.ForceUnlockRequest, error)
	CancelForceUnlock(ctx context.Context, documentID string) error
	ResolveForceUnlock(ctx context.Context, documentID string, action protocol.ForceAction) (protocol.ForceUnlockEvent, error)
}

// Sender writes envelopes on the realtime channel.
type Sender interface {
	Send(kind protocol.EnvelopeType, payload any) error
}

// Router is the dispatch side of the realtime transport.
type Router interface {
	Handle(kind protocol.EnvelopeType, h transport.Handler)
	OnOpen(fn func())
}

// Flusher persists pending edits right away (save-then-release). Pause
// drops a scheduled save without running it (discard-then-release).
type Flusher interface {
	Flush(ctx context.Context) error
	Pause()
}

type Options struct {
	ActorID  string
	API      LockAPI
	Registry *registry.Registry
	Sender   Sender
	Flusher  Flusher
	// Discard drops unsaved local edits of a document after a
	// discard-then-release.
	Discard  func(ctx context.Context, documentID string) error
	Notifier Notifier
	Clock    clock.WithDelayedExecution
	Logger   zerolog.Logger
}

// Change reports a projected state transition of one document.
type Change struct {
	DocumentID string
	From, To   State
}

type Coordinator struct {
	actorID  string
	api      LockAPI
	reg      *registry.Registry
	sender   Sender
	flusher  Flusher
	discard  func(ctx context.Context, documentID string) error
	notifier Notifier
	clock    clock.WithDelayedExecution
	log      zerolog.Logger

	mu        sync.Mutex
	states    map[string]State
	active    string
	incoming  map[string]protocol.UnlockRequest
	outgoing  map[string]protocol.UnlockRequest
	timer     clock.Timer
	listeners []func(Change)
	unsub     func()
}

func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Notifier == nil {
		opts.Notifier = NotifierFunc(func(Notice) {})
	}
	c := &Coordinator{
		actorID:  opts.ActorID,
		api:      opts.API,
		reg:      opts.Registry,
		sender:   opts.Sender,
		flusher:  opts.Flusher,
		discard:  opts.Discard,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		log:      opts.Logger.With().Str("component", "coordinator").Logger(),
		states:   make(map[string]State),
		incoming: make(map[string]protocol.UnlockRequest),
		outgoing: make(map[string]protocol.UnlockRequest),
	}
	c.unsub = c.reg.Subscribe(c.refresh)
	return c
}

// Bind installs the negotiation handlers and the reconnect hook.
func (c *Coordinator) Bind(r Router) {
	r.Handle(protocol.TypeGlobalPresence, c.reg.HandleEnvelope)
	r.Handle(protocol.TypeUnlockRequest, c.handleUnlockRequest)
	r.Handle(protocol.TypeUnlockRequestUpdate, c.handleUnlockUpdate)
	r.Handle(protocol.TypeForceUnlock, c.handleForceUnlock)
	r.OnOpen(c.Reconnected)
}

// Subscribe registers fn for projected state changes.
func (c *Coordinator) Subscribe(fn func(Change)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Reconnected drops the projection, its timers and the request lists; the
// server sends a fresh snapshot and replays pending requests on every new
// socket. The open document is declared again because the new socket starts
// without one.
func (c *Coordinator) Reconnected() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.incoming = make(map[string]protocol.UnlockRequest)
	c.outgoing = make(map[string]protocol.UnlockRequest)
	active := c.active
	c.mu.Unlock()

	c.reg.Invalidate()
	if active != "" {
		c.sendView(active)
	}
}

func (c *Coordinator) Status(documentID string) Status {
	return Derive(c.actorID, c.reg.View(), documentID, c.clock.Now())
}

func (c *Coordinator) State(documentID string) State {
	return c.Status(documentID).State
}

// refresh re-derives every known document, re-arms the projection timer and
// reports what moved.
func (c *Coordinator) refresh(view registry.View) {
	now := c.clock.Now()

	c.mu.Lock()
	docs := map[string]bool{}
	for id := range c.states {
		docs[id] = true
	}
	for id := range view.Locks {
		docs[id] = true
	}
	for id := range view.Reservations {
		docs[id] = true
	}
	for id := range view.ForceUnlocks {
		docs[id] = true
	}
	if c.active != "" {
		docs[c.active] = true
	}

	var changes []Change
	for id := range docs {
		next := Derive(c.actorID, view, id, now).State
		prev, seen := c.states[id]
		if !seen {
			prev = Unknown
		}
		if next != prev {
			changes = append(changes, Change{DocumentID: id, From: prev, To: next})
		}
		c.states[id] = next
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].DocumentID < changes[j].DocumentID })

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if at, ok := nextDeadline(view, now); ok {
		c.timer = c.clock.AfterFunc(at.Sub(now), func() { go c.refresh(c.reg.View()) })
	}
	listeners := append([]func(Change){}, c.listeners...)
	c.mu.Unlock()

	for _, ch := range changes {
		c.log.Debug().Str("document_id", ch.DocumentID).Str("from", string(ch.From)).Str("to", string(ch.To)).Msg("lock state")
		for _, fn := range listeners {
			fn(ch)
		}
	}
}

// Open declares the document as shown and, with write permission, tries to
// take the lock when it is free or reserved for us.
func (c *Coordinator) Open(ctx context.Context, documentID string, canWrite bool) (State, error) {
	c.mu.Lock()
	c.active = documentID
	c.mu.Unlock()
	c.sendView(documentID)

	status := c.Status(documentID)
	state := status.State
	if !canWrite || (state != Unlocked && state != ReservedForMe) {
		return state, nil
	}
	if res := status.Reservation; res != nil && res.GrantedToID != c.actorID {
		return state, nil
	}
	if _, err := c.api.Acquire(ctx, documentID); err != nil {
		c.fail(documentID, "acquire", err)
		return state, err
	}
	return c.State(documentID), nil
}

// Leave stops showing the active document.
func (c *Coordinator) Leave() {
	c.mu.Lock()
	c.active = ""
	c.mu.Unlock()
	c.sendView("")
}

func (c *Coordinator) sendView(documentID string) {
	if c.sender == nil {
		return
	}
	if err := c.sender.Send(protocol.TypeView, protocol.ViewPayload{DocumentID: documentID}); err != nil {
		c.log.Debug().Err(err).Str("document_id", documentID).Msg("view not sent")
	}
}

func (c *Coordinator) Release(ctx context.Context, documentID string) error {
	switch state := c.State(documentID); {
	case state == Unknown:
		return ErrUnknownState
	case state.Forced():
		return ErrControlsDisabled
	case state != HeldByMe:
		return ErrNotHolder
	}
	if err := c.api.Release(ctx, documentID); err != nil {
		c.fail(documentID, "release", err)
		return err
	}
	return nil
}

// TakeOver consumes a reservation granted to us.
func (c *Coordinator) TakeOver(ctx context.Context, documentID string) error {
	if c.State(documentID) != ReservedForMe {
		return ErrNotReserved
	}
	if _, err := c.api.Acquire(ctx, documentID); err != nil {
		c.fail(documentID, "take over", err)
		return err
	}
	return nil
}

func (c *Coordinator) RequestUnlock(ctx context.Context, documentID, message string, grantMinutes float64) (protocol.UnlockRequest, error) {
	status := c.Status(documentID)
	if status.State == Unknown {
		return protocol.UnlockRequest{}, ErrUnknownState
	}
	if status.State != HeldByOther || status.Lock == nil {
		return protocol.UnlockRequest{}, ErrNotHeldByOther
	}
	if !protocol.ValidGrantMinutes(grantMinutes) {
		return protocol.UnlockRequest{}, ErrInvalidGrant
	}
	req, err := c.api.RequestUnlock(ctx, documentID, status.Lock.HolderID, message, grantMinutes)
	if err != nil {
		c.fail(documentID, "request unlock", err)
		return protocol.UnlockRequest{}, err
	}
	c.mu.Lock()
	for id, prev := range c.outgoing {
		if prev.DocumentID == documentID {
			delete(c.outgoing, id)
		}
	}
	c.outgoing[req.ID] = req
	c.mu.Unlock()
	return req, nil
}

func (c *Coordinator) GrantUnlock(ctx context.Context, requestID string) (protocol.Reservation, error) {
	res, err := c.api.GrantUnlock(ctx, requestID)
	if err != nil {
		c.fail(c.incomingDoc(requestID), "grant", err)
		return protocol.Reservation{}, err
	}
	c.dropIncoming(requestID)
	return res, nil
}

func (c *Coordinator) DenyUnlock(ctx context.Context, requestID string) error {
	if err := c.api.DenyUnlock(ctx, requestID); err != nil {
		c.fail(c.incomingDoc(requestID), "deny", err)
		return err
	}
	c.dropIncoming(requestID)
	return nil
}

func (c *Coordinator) CancelUnlock(ctx context.Context, requestID string) error {
	if err := c.api.CancelUnlock(ctx, requestID); err != nil {
		c.fail("", "cancel request", err)
		return err
	}
	c.mu.Lock()
	delete(c.outgoing, requestID)
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) ForceUnlock(ctx context.Context, documentID string, graceMinutes int) (protocol.ForceUnlockRequest, error) {
	if !protocol.ValidGraceMinutes(graceMinutes) {
		return protocol.ForceUnlockRequest{}, ErrInvalidGrace
	}
	req, err := c.api.ForceUnlock(ctx, documentID, graceMinutes)
	if err != nil {
		c.fail(documentID, "force unlock", err)
		return protocol.ForceUnlockRequest{}, err
	}
	return req, nil
}

func (c *Coordinator) CancelForceUnlock(ctx context.Context, documentID string) error {
	if err := c.api.CancelForceUnlock(ctx, documentID); err != nil {
		c.fail(documentID, "cancel force unlock", err)
		return err
	}
	return nil
}

// Resolve answers the decision window as the holder: save flushes pending
// edits before releasing, discard stops the scheduled save first and drops
// the edits after the server confirmed.
func (c *Coordinator) Resolve(ctx context.Context, documentID string, action protocol.ForceAction) error {
	status := c.Status(documentID)
	if status.State != ForceDecision || status.Force == nil || status.Force.HolderID != c.actorID {
		return ErrNotInDecision
	}
	if action == protocol.ForceActionSave && c.flusher != nil {
		if err := c.flusher.Flush(ctx); err != nil {
			c.fail(documentID, "save before release", err)
			return fmt.Errorf("save before release: %w", err)
		}
	}
	if action == protocol.ForceActionDiscard && c.flusher != nil {
		c.flusher.Pause()
	}
	if _, err := c.api.ResolveForceUnlock(ctx, documentID, action); err != nil {
		c.fail(documentID, "resolve force unlock", err)
		return err
	}
	if action == protocol.ForceActionDiscard && c.discard != nil {
		if err := c.discard(ctx, documentID); err != nil {
			c.log.Warn().Err(err).Str("document_id", documentID).Msg("discarding local edits failed")
		}
	}
	return nil
}

// Incoming lists pending requests addressed to us as holder.
func (c *Coordinator) Incoming() []protocol.UnlockRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedRequests(c.incoming)
}

// Outgoing lists our own requests with their last known status.
func (c *Coordinator) Outgoing() []protocol.UnlockRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedRequests(c.outgoing)
}

func (c *Coordinator) incomingDoc(requestID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incoming[requestID].DocumentID
}

func (c *Coordinator) dropIncoming(requestID string) {
	c.mu.Lock()
	delete(c.incoming, requestID)
	c.mu.Unlock()
}

func (c *Coordinator) fail(documentID, op string, err error) {
	c.log.Debug().Err(err).Str("document_id", documentID).Str("op", op).Msg("lock call failed")
	c.notifier.Notify(Notice{Kind: NoticeFailed, DocumentID: documentID, Message: op, Err: err})
}

func (c *Coordinator) handleUnlockRequest(env protocol.Envelope) {
	var ev protocol.UnlockRequestEvent
	if err := env.Decode(&ev); err != nil {
		c.log.Debug().Err(err).Msg("dropping unlock request")
		return
	}
	req := ev.Request
	if req.HolderID != c.actorID || req.Status != protocol.UnlockPending {
		return
	}
	c.mu.Lock()
	_, known := c.incoming[req.ID]
	c.incoming[req.ID] = req
	c.mu.Unlock()
	if !known {
		c.notifier.Notify(Notice{Kind: NoticeUnlockRequested, DocumentID: req.DocumentID, RequestID: req.ID, ActorID: req.RequesterID, Message: req.Message})
	}
}

func (c *Coordinator) handleUnlockUpdate(env protocol.Envelope) {
	var ev protocol.UnlockRequestEvent
	if err := env.Decode(&ev); err != nil {
		c.log.Debug().Err(err).Msg("dropping unlock update")
		return
	}
	req := ev.Request

	if req.HolderID == c.actorID && req.Status != protocol.UnlockPending {
		c.dropIncoming(req.ID)
	}
	if req.RequesterID != c.actorID {
		return
	}

	c.mu.Lock()
	prev, known := c.outgoing[req.ID]
	c.outgoing[req.ID] = req
	c.mu.Unlock()
	if known && prev.Status == req.Status {
		return
	}

	notice := Notice{DocumentID: req.DocumentID, RequestID: req.ID, ActorID: req.HolderID}
	switch req.Status {
	case protocol.UnlockGranted:
		notice.Kind = NoticeUnlockGranted
		notice.Reservation = ev.Reservation
	case protocol.UnlockDenied:
		notice.Kind = NoticeUnlockDenied
	case protocol.UnlockExpired:
		notice.Kind = NoticeUnlockExpired
	default:
		return
	}
	c.notifier.Notify(notice)
}

func (c *Coordinator) handleForceUnlock(env protocol.Envelope) {
	var ev protocol.ForceUnlockEvent
	if err := env.Decode(&ev); err != nil {
		c.log.Debug().Err(err).Msg("dropping force unlock")
		return
	}
	req := ev.Request
	if req.HolderID != c.actorID && req.RequesterID != c.actorID {
		return
	}
	notice := Notice{DocumentID: req.DocumentID, RequestID: req.ID, Force: &req, Reservation: ev.Reservation}
	notice.ActorID = req.RequesterID
	if req.RequesterID == c.actorID {
		notice.ActorID = req.HolderID
	}
	switch req.Status {
	case protocol.ForceGrace:
		notice.Kind = NoticeForceStarted
	case protocol.ForceDecision:
		notice.Kind = NoticeForceDecision
	case protocol.ForceCompleted:
		notice.Kind = NoticeForceCompleted
	case protocol.ForceCancelled:
		notice.Kind = NoticeForceCancelled
	case protocol.ForceExpired:
		notice.Kind = NoticeForceExpired
	default:
		return
	}
	c.notifier.Notify(notice)
}

// Close detaches from the registry and stops the projection timer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func sortedRequests(in map[string]protocol.UnlockRequest) []protocol.UnlockRequest {
	out := make([]protocol.UnlockRequest, 0, len(in))
	for _, r := range in {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
