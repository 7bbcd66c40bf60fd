// Package app is the HTTP surface of the server: the document store, the
// lock negotiation API, chat and the supporting read endpoints.
package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"plixmap/api/internal/assets"
	"plixmap/api/internal/auth"
	"plixmap/api/internal/lockd"
	"plixmap/api/internal/metrics"
	"plixmap/api/internal/protocol"
	"plixmap/api/internal/rbac"
	"plixmap/api/internal/realtime"
	"plixmap/api/internal/revision"
	"plixmap/api/internal/search"
	"plixmap/api/internal/store"
)

// Store is the persistence the service needs; *store.PostgresStore
// implements it.
type Store interface {
	Ping(ctx context.Context) error
	EnsureUser(ctx context.Context, user store.User) error
	ListUsers(ctx context.Context) ([]store.User, error)
	LoadState(ctx context.Context) (protocol.StateResponse, error)
	SaveState(ctx context.Context, clients []protocol.Client, objectTypes []protocol.ObjectType, updatedBy string) (time.Time, error)
	AppendLockEvent(ctx context.Context, ev store.LockEvent) error
	ListLockEvents(ctx context.Context, documentID string, limit int) ([]store.LockEvent, error)
	InsertChatMessage(ctx context.Context, row store.ChatRow) error
	UpdateChatMessage(ctx context.Context, id, fromID, body string, at time.Time) (store.ChatRow, error)
	ListClientChat(ctx context.Context, clientID string, limit int) ([]store.ChatRow, error)
	ClearClientChat(ctx context.Context, clientID string) (int64, error)
	ListDirectChat(ctx context.Context, userA, userB string, limit int) ([]store.ChatRow, error)
	MarkDirectDelivered(ctx context.Context, recipientID string, at time.Time) ([]store.ChatRow, error)
	MarkDirectRead(ctx context.Context, readerID, peerID string, at time.Time) error
}

type Revisions interface {
	Commit(plan protocol.FloorPlan, name, author string) (revision.Revision, error)
	List(planID string, limit int) ([]revision.Revision, error)
	Get(planID, name string) (protocol.FloorPlan, error)
}

// Publisher fans envelopes out to sockets; *realtime.Hub implements it.
type Publisher interface {
	Publish(ctx context.Context, target realtime.Target, kind protocol.EnvelopeType, payload any) error
}

type PresenceView interface {
	Users() []protocol.PresenceEntry
	IsOnline(actorID string) bool
}

type Deps struct {
	Store     Store
	Locks     *lockd.Table
	Assets    assets.Store
	Revisions Revisions
	Search    *search.Service
	Publisher Publisher
	Presence  PresenceView
	Tokens    *auth.Issuer
	Metrics   *metrics.Metrics
	Clock     clock.PassiveClock
	Logger    zerolog.Logger
}

type Service struct {
	store     Store
	locks     *lockd.Table
	assets    assets.Store
	revisions Revisions
	search    *search.Service
	publisher Publisher
	presence  PresenceView
	tokens    *auth.Issuer
	metrics   *metrics.Metrics
	clock     clock.PassiveClock
	log       zerolog.Logger

	// saveMu serializes the load-merge-save cycle of POST /api/state.
	saveMu sync.Mutex
}

func New(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.RealClock{}
	}
	if d.Assets == nil {
		d.Assets = assets.NewMemoryStore()
	}
	return &Service{
		store:     d.Store,
		locks:     d.Locks,
		assets:    d.Assets,
		revisions: d.Revisions,
		search:    d.Search,
		publisher: d.Publisher,
		presence:  d.Presence,
		tokens:    d.Tokens,
		metrics:   d.Metrics,
		clock:     d.Clock,
		log:       d.Logger.With().Str("component", "app").Logger(),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SessionFromToken(token string) (auth.Identity, error) {
	return s.tokens.Parse(token)
}

func (s *Service) Can(id auth.Identity, action rbac.Action) bool {
	return rbac.Can(id.Role, action)
}

func actorOf(id auth.Identity) lockd.Actor {
	return lockd.Actor{
		ID:         id.UserID,
		Name:       id.Name,
		Privileged: rbac.Can(id.Role, rbac.ActionForceUnlock),
	}
}

func (s *Service) LoadState(ctx context.Context) (protocol.StateResponse, error) {
	state, err := s.store.LoadState(ctx)
	if err != nil {
		return protocol.StateResponse{}, err
	}
	if state.Clients == nil {
		state.Clients = []protocol.Client{}
	}
	if state.ObjectTypes == nil {
		state.ObjectTypes = []protocol.ObjectType{}
	}
	return state, nil
}

// SaveState stores the caller's graph. Floor plans locked by someone else
// keep their stored content and inline images move to the asset store;
// either rewrite makes the response an echo flagged as transformed.
// Callers without an elevated role always get the stored graph back.
func (s *Service) SaveState(ctx context.Context, id auth.Identity, req protocol.SaveStateRequest) (protocol.SaveStateResponse, error) {
	if !s.Can(id, rbac.ActionEdit) {
		s.countSave("forbidden")
		return protocol.SaveStateResponse{}, errForbidden
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	stored, err := s.store.LoadState(ctx)
	if err != nil {
		s.countSave("error")
		return protocol.SaveStateResponse{}, err
	}

	clients := protocol.CloneClients(req.Clients)
	if clients == nil {
		clients = []protocol.Client{}
	}
	objectTypes := protocol.CloneObjectTypes(req.ObjectTypes)
	if objectTypes == nil {
		objectTypes = []protocol.ObjectType{}
	}

	clients, transformed := s.restoreForeignPlans(id.UserID, stored.Clients, clients)

	extracted, err := assets.ExtractInline(ctx, s.assets, clients)
	if err != nil {
		s.countSave("error")
		return protocol.SaveStateResponse{}, err
	}
	if extracted > 0 {
		transformed = true
		if s.metrics != nil {
			s.metrics.AssetsExtracted.Add(float64(extracted))
		}
	}

	updatedAt, err := s.store.SaveState(ctx, clients, objectTypes, id.UserID)
	if err != nil {
		s.countSave("error")
		return protocol.SaveStateResponse{}, err
	}

	s.touchHeldPlans(actorOf(id), stored.Clients, clients)
	if s.search != nil {
		s.search.Reindex(clients)
	}

	s.log.Debug().
		Str("actor_id", id.UserID).
		Bool("transformed", transformed).
		Int("assets_extracted", extracted).
		Msg("state saved")

	if !transformed && rbac.Elevated(id.Role) {
		s.countSave("accepted")
		return protocol.SaveStateResponse{}, nil
	}
	if transformed {
		s.countSave("transformed")
	} else {
		s.countSave("echoed")
	}
	return protocol.SaveStateResponse{
		Clients:     clients,
		ObjectTypes: objectTypes,
		Transformed: transformed,
		UpdatedAt:   &updatedAt,
	}, nil
}

type planSlot struct {
	client protocol.Client
	site   protocol.Site
	plan   protocol.FloorPlan
}

// restoreForeignPlans puts back the stored content of every floor plan
// locked by, or reserved for, an actor other than callerID. Removed plans
// come back together with their client and site. It returns the patched
// clients and whether anything changed.
func (s *Service) restoreForeignPlans(callerID string, stored, incoming []protocol.Client) ([]protocol.Client, bool) {
	if s.locks == nil {
		return incoming, false
	}
	storedPlans := map[string]planSlot{}
	protocol.EachPlan(stored, func(c *protocol.Client, site *protocol.Site, plan *protocol.FloorPlan) {
		storedPlans[plan.ID] = planSlot{
			client: protocol.Client{ID: c.ID, Name: c.Name},
			site:   protocol.Site{ID: site.ID, Name: site.Name},
			plan:   *plan,
		}
	})

	foreign := func(planID string) bool {
		owner, ok := s.locks.Owner(planID)
		return ok && owner != callerID
	}

	changed := false
	seen := map[string]bool{}
	protocol.EachPlan(incoming, func(_ *protocol.Client, _ *protocol.Site, plan *protocol.FloorPlan) {
		seen[plan.ID] = true
		if !foreign(plan.ID) {
			return
		}
		slot, ok := storedPlans[plan.ID]
		if !ok || samePlan(slot.plan, *plan) {
			return
		}
		*plan = protocol.ClonePlan(slot.plan)
		changed = true
	})

	ids := make([]string, 0, len(storedPlans))
	for planID := range storedPlans {
		if !seen[planID] && foreign(planID) {
			ids = append(ids, planID)
		}
	}
	sort.Strings(ids)
	for _, planID := range ids {
		slot := storedPlans[planID]
		var site *protocol.Site
		incoming, site = ensureSite(incoming, slot)
		site.FloorPlans = append(site.FloorPlans, protocol.ClonePlan(slot.plan))
		changed = true
	}
	return incoming, changed
}

// touchHeldPlans records a save on every plan the caller holds whose content
// changed with this request.
func (s *Service) touchHeldPlans(actor lockd.Actor, stored, saved []protocol.Client) {
	if s.locks == nil {
		return
	}
	protocol.EachPlan(saved, func(_ *protocol.Client, _ *protocol.Site, plan *protocol.FloorPlan) {
		holder, ok := s.locks.Holder(plan.ID)
		if !ok || holder != actor.ID {
			return
		}
		if prev, found := protocol.FindPlan(stored, plan.ID); found && samePlan(*prev, *plan) {
			return
		}
		if err := s.locks.Touch(actor, plan.ID, true, ""); err != nil {
			s.log.Debug().Err(err).Str("document_id", plan.ID).Msg("touch after save")
		}
	})
}

func (s *Service) countSave(outcome string) {
	if s.metrics != nil {
		s.metrics.StateSavesTotal.WithLabelValues(outcome).Inc()
	}
}

// ensureSite finds the slot's site in clients, recreating the client and
// site shells the caller removed.
func ensureSite(clients []protocol.Client, slot planSlot) ([]protocol.Client, *protocol.Site) {
	ci := slices.IndexFunc(clients, func(c protocol.Client) bool { return c.ID == slot.client.ID })
	if ci < 0 {
		clients = append(clients, slot.client)
		ci = len(clients) - 1
	}
	sites := clients[ci].Sites
	si := slices.IndexFunc(sites, func(s protocol.Site) bool { return s.ID == slot.site.ID })
	if si < 0 {
		clients[ci].Sites = append(sites, slot.site)
		si = len(clients[ci].Sites) - 1
	}
	return clients, &clients[ci].Sites[si]
}

func samePlan(a, b protocol.FloorPlan) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ra, rb)
}

// ── Lock negotiation ──

func (s *Service) LockSnapshot() protocol.LockSnapshot {
	return s.locks.Snapshot()
}

func (s *Service) Acquire(id auth.Identity, planID string) (protocol.Lock, error) {
	if !s.Can(id, rbac.ActionEdit) {
		return protocol.Lock{}, errForbidden
	}
	return s.locks.Acquire(actorOf(id), planID)
}

func (s *Service) Release(id auth.Identity, planID string) error {
	return s.locks.Release(actorOf(id), planID)
}

type UnlockRequestInput struct {
	TargetUserID string  `json:"targetUserId"`
	DocumentID   string  `json:"documentId"`
	Message      string  `json:"message"`
	GrantMinutes float64 `json:"grantMinutes"`
}

func (s *Service) RequestUnlock(id auth.Identity, in UnlockRequestInput) (protocol.UnlockRequest, error) {
	if !s.Can(id, rbac.ActionEdit) {
		return protocol.UnlockRequest{}, errForbidden
	}
	if strings.TrimSpace(in.DocumentID) == "" || strings.TrimSpace(in.TargetUserID) == "" {
		return protocol.UnlockRequest{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "documentId and targetUserId are required", nil)
	}
	return s.locks.RequestUnlock(actorOf(id), in.DocumentID, in.TargetUserID, in.Message, in.GrantMinutes)
}

func (s *Service) GrantUnlock(id auth.Identity, requestID string) (protocol.Reservation, error) {
	return s.locks.GrantUnlock(actorOf(id), requestID)
}

func (s *Service) DenyUnlock(id auth.Identity, requestID string) error {
	return s.locks.DenyUnlock(actorOf(id), requestID)
}

func (s *Service) CancelUnlock(id auth.Identity, requestID string) error {
	return s.locks.CancelUnlock(actorOf(id), requestID)
}

func (s *Service) ForceUnlock(id auth.Identity, planID string, graceMinutes int) (protocol.ForceUnlockRequest, error) {
	return s.locks.ForceUnlock(actorOf(id), planID, graceMinutes)
}

func (s *Service) CancelForceUnlock(id auth.Identity, planID string) error {
	return s.locks.CancelForceUnlock(actorOf(id), planID)
}

func (s *Service) ResolveForceUnlock(id auth.Identity, planID, rawAction string) (protocol.ForceUnlockEvent, error) {
	action, err := protocol.ParseForceAction(rawAction)
	if err != nil {
		return protocol.ForceUnlockEvent{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.locks.ResolveForceUnlock(actorOf(id), planID, action)
}

func (s *Service) LockEvents(ctx context.Context, id auth.Identity, planID string, limit int) ([]store.LockEvent, error) {
	if !s.Can(id, rbac.ActionModerate) {
		return nil, errForbidden
	}
	return s.store.ListLockEvents(ctx, planID, limit)
}

func (s *Service) Presence() []protocol.PresenceEntry {
	if s.presence == nil {
		return []protocol.PresenceEntry{}
	}
	return s.presence.Users()
}

// ── Revisions ──

// CommitRevision tags the stored content of a floor plan. When the caller
// holds the plan the lock records the revision.
func (s *Service) CommitRevision(ctx context.Context, id auth.Identity, planID, name string) (revision.Revision, error) {
	if !s.Can(id, rbac.ActionEdit) {
		return revision.Revision{}, errForbidden
	}
	if s.revisions == nil {
		return revision.Revision{}, domainError(http.StatusServiceUnavailable, "REVISIONS_UNAVAILABLE", "Revisions are not configured", nil)
	}
	if holder, ok := s.locks.Holder(planID); ok && holder != id.UserID {
		return revision.Revision{}, lockd.ErrLocked
	}
	state, err := s.store.LoadState(ctx)
	if err != nil {
		return revision.Revision{}, err
	}
	plan, ok := protocol.FindPlan(state.Clients, planID)
	if !ok {
		return revision.Revision{}, domainError(http.StatusNotFound, "NOT_FOUND", "Floor plan not found", nil)
	}
	rev, err := s.revisions.Commit(*plan, name, id.Name)
	if err != nil {
		return revision.Revision{}, err
	}
	if holder, held := s.locks.Holder(planID); held && holder == id.UserID {
		if err := s.locks.Touch(actorOf(id), planID, true, rev.Name); err != nil {
			s.log.Debug().Err(err).Str("document_id", planID).Msg("touch after revision")
		}
	}
	return rev, nil
}

func (s *Service) ListRevisions(planID string, limit int) ([]revision.Revision, error) {
	if s.revisions == nil {
		return []revision.Revision{}, nil
	}
	return s.revisions.List(planID, limit)
}

func (s *Service) GetRevision(planID, name string) (protocol.FloorPlan, error) {
	if s.revisions == nil {
		return protocol.FloorPlan{}, revision.ErrNotFound
	}
	return s.revisions.Get(planID, name)
}

// ── Assets & search ──

func (s *Service) OpenAsset(ctx context.Context, key string) (io.ReadCloser, assets.Info, error) {
	return s.assets.Get(ctx, key)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}
