package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"plixmap/api/internal/auth"
	"plixmap/api/internal/lockd"
	"plixmap/api/internal/protocol"
	"plixmap/api/internal/revision"
)

func (e *testEnv) do(t *testing.T, method, path string, id *auth.Identity, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if id != nil {
		req.Header.Set("Authorization", "Bearer "+e.token(t, *id))
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]any](t, rr)["code"].(string)
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/healthz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}

	env.store.pingFn = func(context.Context) error { return errors.New("connection refused") }
	rr = env.do(t, http.MethodGet, "/api/ready", nil, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	body := decode[map[string]any](t, rr)
	if body["status"] != "not_ready" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/state", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("Authorization", "Bearer forged.token")
	rr = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", rr.Code)
	}
}

func TestEmptyStateAsksClientToSeed(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/state", &alice, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decode[map[string]any](t, rr)
	if body["updatedAt"] != nil {
		t.Fatalf("expected null updatedAt, got %v", body["updatedAt"])
	}
}

func TestSaveStateEchoDependsOnRole(t *testing.T) {
	env := newTestEnv(t)
	req := protocol.SaveStateRequest{Clients: samplePlans()}

	rr := env.do(t, http.MethodPost, "/api/state", &admin, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if strings.TrimSpace(rr.Body.String()) != "{}" {
		t.Fatalf("elevated save should not echo, got %s", rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/api/state", &alice, req)
	resp := decode[protocol.SaveStateResponse](t, rr)
	if len(resp.Clients) != 1 || resp.Transformed {
		t.Fatalf("editor save should echo untransformed graph, got %+v", resp)
	}

	rr = env.do(t, http.MethodPost, "/api/state", &guest, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer save expected 403, got %d", rr.Code)
	}
}

func TestSaveStateExtractsInlineImages(t *testing.T) {
	env := newTestEnv(t)
	clients := samplePlans()
	payload := []byte("\x89PNG fake image")
	clients[0].Sites[0].FloorPlans[0].ImageURL = "data:image/png;base64," + base64.StdEncoding.EncodeToString(payload)

	rr := env.do(t, http.MethodPost, "/api/state", &admin, protocol.SaveStateRequest{Clients: clients})
	resp := decode[protocol.SaveStateResponse](t, rr)
	if !resp.Transformed {
		t.Fatalf("expected transformed echo, got %s", rr.Body.String())
	}
	ref := resp.Clients[0].Sites[0].FloorPlans[0].ImageURL
	if !strings.HasPrefix(ref, "/api/assets/") {
		t.Fatalf("expected asset reference, got %q", ref)
	}
	if env.assets.Len() != 1 {
		t.Fatalf("expected one stored asset, got %d", env.assets.Len())
	}

	rr = env.do(t, http.MethodGet, ref, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("asset fetch expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected content type %q", rr.Header().Get("Content-Type"))
	}
	if !bytes.Equal(rr.Body.Bytes(), payload) {
		t.Fatalf("asset body mismatch")
	}

	rr = env.do(t, http.MethodGet, "/api/assets/missing.png", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing asset expected 404, got %d", rr.Code)
	}
}

func TestSaveStateRestoresPlansLockedByOthers(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/state", &admin, protocol.SaveStateRequest{Clients: samplePlans()})

	if rr := env.do(t, http.MethodPost, "/api/locks/p1/acquire", &bob, nil); rr.Code != http.StatusOK {
		t.Fatalf("acquire expected 200, got %d", rr.Code)
	}

	edited := samplePlans()
	edited[0].Sites[0].FloorPlans[0].Objects[0].Name = "Hijacked"
	edited[0].Sites[0].FloorPlans[1].Name = "First (renamed)"
	rr := env.do(t, http.MethodPost, "/api/state", &admin, protocol.SaveStateRequest{Clients: edited})
	resp := decode[protocol.SaveStateResponse](t, rr)
	if !resp.Transformed {
		t.Fatalf("expected transformed echo, got %s", rr.Body.String())
	}
	plans := resp.Clients[0].Sites[0].FloorPlans
	if plans[0].Objects[0].Name != "Desk 1" {
		t.Fatalf("locked plan was overwritten: %+v", plans[0])
	}
	if plans[1].Name != "First (renamed)" {
		t.Fatalf("unlocked plan edit was lost: %+v", plans[1])
	}

	// Removing a plan someone else holds puts it back.
	removed := samplePlans()
	removed[0].Sites[0].FloorPlans = removed[0].Sites[0].FloorPlans[1:]
	resp = decode[protocol.SaveStateResponse](t, env.do(t, http.MethodPost, "/api/state", &admin, protocol.SaveStateRequest{Clients: removed}))
	if _, ok := protocol.FindPlan(resp.Clients, "p1"); !ok || !resp.Transformed {
		t.Fatalf("expected p1 restored, got %+v", resp.Clients)
	}
}

func TestSaveByHolderTouchesLock(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/state", &admin, protocol.SaveStateRequest{Clients: samplePlans()})
	env.do(t, http.MethodPost, "/api/locks/p1/acquire", &alice, nil)

	edited := samplePlans()
	edited[0].Sites[0].FloorPlans[0].Objects[0].X = 42
	env.do(t, http.MethodPost, "/api/state", &alice, protocol.SaveStateRequest{Clients: edited})

	lock := env.locks.Snapshot().Locks["p1"]
	if lock.LastSaveAt == nil {
		t.Fatalf("expected lastSaveAt after save, got %+v", lock)
	}
	if env.locks.Snapshot().Locks["p2"].HolderID != "" {
		t.Fatalf("p2 should stay unlocked")
	}
}

func TestSaveStateStoreFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.saveStateFn = func(context.Context, []protocol.Client, []protocol.ObjectType, string) (time.Time, error) {
		return time.Time{}, errors.New("disk full")
	}
	rr := env.do(t, http.MethodPost, "/api/state", &admin, protocol.SaveStateRequest{Clients: samplePlans()})
	if rr.Code != http.StatusInternalServerError || errorCode(t, rr) != "SERVER_ERROR" {
		t.Fatalf("expected 500 SERVER_ERROR, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestNegotiatedHandOff(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/api/locks/p1/acquire", &alice, nil)
	rr := env.do(t, http.MethodPost, "/api/locks/p1/acquire", &bob, nil)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "LOCKED" {
		t.Fatalf("expected 409 LOCKED, got %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/api/unlock-requests", &bob, UnlockRequestInput{
		TargetUserID: "alice", DocumentID: "p1", Message: "need it", GrantMinutes: 120,
	})
	if rr.Code != http.StatusUnprocessableEntity || errorCode(t, rr) != "INVALID_GRANT" {
		t.Fatalf("expected 422 INVALID_GRANT, got %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/api/unlock-requests", &bob, UnlockRequestInput{
		TargetUserID: "alice", DocumentID: "p1", Message: "need it", GrantMinutes: 5,
	})
	created := decode[struct {
		Request protocol.UnlockRequest `json:"request"`
	}](t, rr)
	if created.Request.Status != protocol.UnlockPending {
		t.Fatalf("unexpected request: %+v", created.Request)
	}

	rr = env.do(t, http.MethodPost, "/api/unlock-requests/"+created.Request.ID+"/grant", &bob, nil)
	if rr.Code != http.StatusForbidden || errorCode(t, rr) != "NOT_HOLDER" {
		t.Fatalf("requester cannot grant, got %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/api/unlock-requests/"+created.Request.ID+"/grant", &alice, nil)
	granted := decode[struct {
		Reservation protocol.Reservation `json:"reservation"`
	}](t, rr)
	if granted.Reservation.GrantedToID != "bob" {
		t.Fatalf("unexpected reservation: %+v", granted.Reservation)
	}

	rr = env.do(t, http.MethodPost, "/api/locks/p1/acquire", &alice, nil)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "RESERVED" {
		t.Fatalf("expected 409 RESERVED, got %d %s", rr.Code, rr.Body.String())
	}
	if rr = env.do(t, http.MethodPost, "/api/locks/p1/acquire", &bob, nil); rr.Code != http.StatusOK {
		t.Fatalf("grantee acquire expected 200, got %d", rr.Code)
	}

	snap := decode[protocol.GlobalPresence](t, env.do(t, http.MethodGet, "/api/locks", &alice, nil))
	if snap.LockedPlans["p1"].HolderID != "bob" || len(snap.Reservations) != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestForceUnlockOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/locks/p1/acquire", &alice, nil)

	rr := env.do(t, http.MethodPost, "/api/locks/p1/force", &admin, map[string]any{"graceMinutes": 0})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("admin force expected 403, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/locks/p1/force", &root, map[string]any{"graceMinutes": 0})
	started := decode[struct {
		ForceUnlock protocol.ForceUnlockRequest `json:"forceUnlock"`
	}](t, rr)
	if started.ForceUnlock.Status != protocol.ForceDecision {
		t.Fatalf("zero grace should start the decision window, got %+v", started.ForceUnlock)
	}

	rr = env.do(t, http.MethodPost, "/api/locks/p1/release", &alice, nil)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "FORCE_ACTIVE" {
		t.Fatalf("release during force expected 409 FORCE_ACTIVE, got %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/api/locks/p1/force/resolve", &alice, map[string]any{"action": "shred"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown action expected 422, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/locks/p1/force/resolve", &alice, map[string]any{"action": "discard"})
	ev := decode[protocol.ForceUnlockEvent](t, rr)
	if ev.Request.Status != protocol.ForceCompleted || ev.Reservation == nil || ev.Reservation.GrantedToID != "root" {
		t.Fatalf("unexpected completion: %+v", ev)
	}
}

func TestRevisionsOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.service.revisions = revision.New(t.TempDir(), testingclock.NewFakePassiveClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)))
	env.do(t, http.MethodPost, "/api/state", &admin, protocol.SaveStateRequest{Clients: samplePlans()})
	env.do(t, http.MethodPost, "/api/locks/p1/acquire", &alice, nil)

	rr := env.do(t, http.MethodPost, "/api/plans/p1/revisions", &bob, map[string]any{"name": "Sneaky"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("revision of a plan held by someone else expected 409, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/plans/p1/revisions", &alice, map[string]any{"name": "Q2 layout"})
	if rr.Code != http.StatusOK {
		t.Fatalf("commit expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	if got := env.locks.Snapshot().Locks["p1"].LastSaveRevision; got != "Q2 layout" {
		t.Fatalf("lock revision = %q", got)
	}

	rr = env.do(t, http.MethodPost, "/api/plans/p1/revisions", &alice, map[string]any{"name": "Q2 layout"})
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "REVISION_EXISTS" {
		t.Fatalf("duplicate expected 409 REVISION_EXISTS, got %d %s", rr.Code, rr.Body.String())
	}

	list := decode[map[string][]revision.Revision](t, env.do(t, http.MethodGet, "/api/plans/p1/revisions", &bob, nil))
	if len(list["revisions"]) != 1 {
		t.Fatalf("unexpected revisions: %+v", list)
	}
	got := decode[map[string]protocol.FloorPlan](t, env.do(t, http.MethodGet, "/api/plans/p1/revisions/Q2%20layout", &bob, nil))
	if got["plan"].Name != "Ground" {
		t.Fatalf("unexpected plan: %+v", got)
	}
}

func TestSearchFallsBackToEmpty(t *testing.T) {
	env := newTestEnv(t)
	body := decode[map[string]any](t, env.do(t, http.MethodGet, "/api/search?q=desk", &alice, nil))
	if body["query"] != "desk" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestMapErrorCoversLockErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{lockd.ErrLocked, http.StatusConflict, "LOCKED"},
		{lockd.ErrNotRequester, http.StatusForbidden, "NOT_REQUESTER"},
		{lockd.ErrInvalidGrace, http.StatusUnprocessableEntity, "INVALID_GRACE"},
		{lockd.ErrRequestNotFound, http.StatusNotFound, "REQUEST_NOT_FOUND"},
		{auth.ErrExpiredToken, http.StatusUnauthorized, "UNAUTHORIZED"},
		{errors.New("boom"), http.StatusInternalServerError, "SERVER_ERROR"},
		{domainError(http.StatusTeapot, "TEAPOT", "short and stout", nil), http.StatusTeapot, "TEAPOT"},
	}
	for _, tc := range cases {
		status, code, _, _ := mapError(tc.err)
		if status != tc.status || code != tc.code {
			t.Errorf("mapError(%v) = %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/healthz", nil, nil)
	rr := env.do(t, http.MethodGet, "/metrics", nil, nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "plixmap_http_requests_total") {
		t.Fatalf("metrics endpoint missing counters: %d", rr.Code)
	}
}

func TestSaveStateRecreatesShellAroundLockedPlan(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/state", &admin, protocol.SaveStateRequest{Clients: samplePlans()})
	if rr := env.do(t, http.MethodPost, "/api/locks/p1/acquire", &bob, nil); rr.Code != http.StatusOK {
		t.Fatalf("acquire expected 200, got %d", rr.Code)
	}

	env.do(t, http.MethodPost, "/api/state", &admin, protocol.SaveStateRequest{Clients: []protocol.Client{}})

	state := decode[protocol.StateResponse](t, env.do(t, http.MethodGet, "/api/state", &admin, nil))
	if len(state.Clients) != 1 || state.Clients[0].Name != "Acme" || state.Clients[0].Sites[0].Name != "HQ" {
		t.Fatalf("expected client and site shell around p1, got %+v", state.Clients)
	}
	plans := state.Clients[0].Sites[0].FloorPlans
	if len(plans) != 1 || plans[0].ID != "p1" || plans[0].Objects[0].Name != "Desk 1" {
		t.Fatalf("expected only the locked plan to survive, got %+v", plans)
	}
}

func TestSaveStateProtectsReservedPlan(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/state", &admin, protocol.SaveStateRequest{Clients: samplePlans()})
	env.do(t, http.MethodPost, "/api/locks/p1/acquire", &alice, nil)
	created := decode[struct {
		Request protocol.UnlockRequest `json:"request"`
	}](t, env.do(t, http.MethodPost, "/api/unlock-requests", &bob, UnlockRequestInput{
		TargetUserID: "alice", DocumentID: "p1", Message: "mine next", GrantMinutes: 5,
	}))
	if rr := env.do(t, http.MethodPost, "/api/unlock-requests/"+created.Request.ID+"/grant", &alice, nil); rr.Code != http.StatusOK {
		t.Fatalf("grant expected 200, got %d %s", rr.Code, rr.Body.String())
	}

	// The former holder's late autosave does not land on the reserved plan.
	late := samplePlans()
	late[0].Sites[0].FloorPlans[0].Objects[0].Name = "Late edit"
	resp := decode[protocol.SaveStateResponse](t, env.do(t, http.MethodPost, "/api/state", &alice, protocol.SaveStateRequest{Clients: late}))
	if plan, ok := protocol.FindPlan(resp.Clients, "p1"); !ok || !resp.Transformed || plan.Objects[0].Name != "Desk 1" {
		t.Fatalf("expected reserved plan restored, got %+v", resp)
	}

	mine := samplePlans()
	mine[0].Sites[0].FloorPlans[0].Objects[0].Name = "Grantee edit"
	env.do(t, http.MethodPost, "/api/state", &bob, protocol.SaveStateRequest{Clients: mine})
	state := decode[protocol.StateResponse](t, env.do(t, http.MethodGet, "/api/state", &admin, nil))
	if plan, ok := protocol.FindPlan(state.Clients, "p1"); !ok || plan.Objects[0].Name != "Grantee edit" {
		t.Fatalf("grantee save should be stored, got %+v", plan)
	}
}

func TestRouterFallbacks(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/nowhere", &alice, nil)
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != "NOT_FOUND" {
		t.Fatalf("unknown path expected 404 NOT_FOUND, got %d %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("fallback responses still carry a request id")
	}

	rr = env.do(t, http.MethodPut, "/api/state", &alice, nil)
	if rr.Code != http.StatusMethodNotAllowed || errorCode(t, rr) != "METHOD_NOT_ALLOWED" {
		t.Fatalf("wrong method expected 405, got %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodOptions, "/api/locks/p1/acquire", nil, nil)
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight expected 204 with CORS headers, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/api/locks/p1/events", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("lock routes need a session, got %d", rr.Code)
	}
}
