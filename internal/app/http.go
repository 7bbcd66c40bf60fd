package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"plixmap/api/internal/assets"
	"plixmap/api/internal/auth"
	"plixmap/api/internal/metrics"
	"plixmap/api/internal/protocol"
	"plixmap/api/internal/search"
)

type HTTPOptions struct {
	CORSOrigin string
	// Realtime serves GET /ws; it bypasses the JSON middleware because the
	// upgrade hijacks the connection.
	Realtime http.Handler
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	realtime   http.Handler
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

func NewHTTPServer(service *Service, opts HTTPOptions) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: opts.CORSOrigin,
		realtime:   opts.Realtime,
		metrics:    opts.Metrics,
		log:        opts.Logger.With().Str("component", "http").Logger(),
	}
}

// Handler routes the API. /ws and /metrics bypass the JSON middleware;
// everything else, unmatched paths included, goes through it.
func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	if s.realtime != nil {
		router.Handle("/ws", s.realtime)
	}
	if s.metrics != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	router.NotFoundHandler = s.withMiddleware(http.HandlerFunc(notFound))
	router.MethodNotAllowedHandler = s.withMiddleware(http.HandlerFunc(methodNotAllowed))

	api := router.NewRoute().Subrouter()
	api.Use(s.withMiddleware)
	api.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNoContent, map[string]any{})
	})

	// Health checks and assets need no session. Asset keys are content hashes and
	// image tags cannot send a token.
	api.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc(assets.URLPrefix+"{key}", s.handleAsset).Methods(http.MethodGet)

	api.HandleFunc("/api/session", s.authed(s.handleSession)).Methods(http.MethodGet)
	api.HandleFunc("/api/state", s.authed(s.handleLoadState)).Methods(http.MethodGet)
	api.HandleFunc("/api/state", s.authed(s.handleSaveState)).Methods(http.MethodPost)
	api.HandleFunc("/api/presence", s.authed(s.handlePresence)).Methods(http.MethodGet)
	api.HandleFunc("/api/search", s.authed(s.handleSearch)).Methods(http.MethodGet)

	api.HandleFunc("/api/locks", s.authed(s.handleLockSnapshot)).Methods(http.MethodGet)
	api.HandleFunc("/api/locks/{planId}/events", s.authed(s.handleLockEvents)).Methods(http.MethodGet)
	api.HandleFunc("/api/locks/{planId}/acquire", s.authed(s.handleAcquire)).Methods(http.MethodPost)
	api.HandleFunc("/api/locks/{planId}/release", s.authed(s.handleRelease)).Methods(http.MethodPost)
	api.HandleFunc("/api/locks/{planId}/force", s.authed(s.handleForceUnlock)).Methods(http.MethodPost)
	api.HandleFunc("/api/locks/{planId}/force/cancel", s.authed(s.handleCancelForceUnlock)).Methods(http.MethodPost)
	api.HandleFunc("/api/locks/{planId}/force/resolve", s.authed(s.handleResolveForceUnlock)).Methods(http.MethodPost)

	api.HandleFunc("/api/unlock-requests", s.authed(s.handleRequestUnlock)).Methods(http.MethodPost)
	api.HandleFunc("/api/unlock-requests/{requestId}/grant", s.authed(s.handleGrantUnlock)).Methods(http.MethodPost)
	api.HandleFunc("/api/unlock-requests/{requestId}/deny", s.authed(s.handleDenyUnlock)).Methods(http.MethodPost)
	api.HandleFunc("/api/unlock-requests/{requestId}/cancel", s.authed(s.handleCancelUnlock)).Methods(http.MethodPost)

	api.HandleFunc("/api/plans/{planId}/revisions", s.authed(s.handleListRevisions)).Methods(http.MethodGet)
	api.HandleFunc("/api/plans/{planId}/revisions", s.authed(s.handleCommitRevision)).Methods(http.MethodPost)
	api.HandleFunc("/api/plans/{planId}/revisions/{name}", s.authed(s.handleGetRevision)).Methods(http.MethodGet)

	api.HandleFunc("/api/chat/clients/{clientId}", s.authed(s.handleClearClientChat)).Methods(http.MethodDelete)
	api.HandleFunc("/api/chat/clients/{clientId}/messages", s.authed(s.handleListClientChat)).Methods(http.MethodGet)
	api.HandleFunc("/api/chat/clients/{clientId}/messages", s.authed(s.handleSendClientMessage)).Methods(http.MethodPost)
	api.HandleFunc("/api/chat/clients/{clientId}/messages/{messageId}", s.authed(s.handleEditClientMessage)).Methods(http.MethodPut)
	api.HandleFunc("/api/chat/dm/{peerId}/messages", s.authed(s.handleListDirectChat)).Methods(http.MethodGet)
	api.HandleFunc("/api/chat/dm/{peerId}/messages", s.authed(s.handleSendDirectMessage)).Methods(http.MethodPost)
	api.HandleFunc("/api/chat/dm/{peerId}/messages/{messageId}", s.authed(s.handleEditDirectMessage)).Methods(http.MethodPut)
	api.HandleFunc("/api/chat/dm/{peerId}/read", s.authed(s.handleMarkDirectRead)).Methods(http.MethodPost)

	return router
}

// sessionHandler is a route that needs a verified caller.
type sessionHandler func(w http.ResponseWriter, r *http.Request, id auth.Identity)

func (s *HTTPServer) authed(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		h(w, r, id)
	}
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, _ *http.Request, id auth.Identity) {
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        id.UserID,
		"userName":      id.Name,
		"role":          id.Role,
	})
}

func (s *HTTPServer) handleLoadState(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	state, err := s.service.LoadState(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) handleSaveState(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var body protocol.SaveStateRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	resp, err := s.service.SaveState(r.Context(), id, body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, _ *http.Request, _ auth.Identity) {
	writeJSON(w, http.StatusOK, map[string]any{"users": s.service.Presence()})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	query := r.URL.Query()
	q := search.Query{
		Text:       strings.TrimSpace(query.Get("q")),
		FilterType: search.ResultType(strings.TrimSpace(query.Get("type"))),
		ClientID:   strings.TrimSpace(query.Get("clientId")),
		Limit:      intParam(query.Get("limit"), 20),
		Offset:     intParam(query.Get("offset"), 0),
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
}

func (s *HTTPServer) handleAsset(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	body, info, err := s.service.OpenAsset(r.Context(), key)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.log.Debug().Err(err).Str("key", key).Msg("asset stream interrupted")
	}
}

// ── Locks ──

func (s *HTTPServer) handleLockSnapshot(w http.ResponseWriter, _ *http.Request, _ auth.Identity) {
	writeJSON(w, http.StatusOK, s.service.LockSnapshot().Presence())
}

func (s *HTTPServer) handleLockEvents(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	events, err := s.service.LockEvents(r.Context(), id, mux.Vars(r)["planId"], intParam(r.URL.Query().Get("limit"), 100))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *HTTPServer) handleAcquire(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	lock, err := s.service.Acquire(id, mux.Vars(r)["planId"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lock": lock})
}

func (s *HTTPServer) handleRelease(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	if err := s.service.Release(id, mux.Vars(r)["planId"]); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleForceUnlock(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var body struct {
		GraceMinutes int `json:"graceMinutes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	force, err := s.service.ForceUnlock(id, mux.Vars(r)["planId"], body.GraceMinutes)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"forceUnlock": force})
}

func (s *HTTPServer) handleCancelForceUnlock(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	if err := s.service.CancelForceUnlock(id, mux.Vars(r)["planId"]); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleResolveForceUnlock(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var body struct {
		Action string `json:"action"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	ev, err := s.service.ResolveForceUnlock(id, mux.Vars(r)["planId"], body.Action)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// ── Unlock requests ──

func (s *HTTPServer) handleRequestUnlock(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var body UnlockRequestInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	req, err := s.service.RequestUnlock(id, body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": req})
}

func (s *HTTPServer) handleGrantUnlock(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	res, err := s.service.GrantUnlock(id, mux.Vars(r)["requestId"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservation": res})
}

func (s *HTTPServer) handleDenyUnlock(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	if err := s.service.DenyUnlock(id, mux.Vars(r)["requestId"]); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleCancelUnlock(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	if err := s.service.CancelUnlock(id, mux.Vars(r)["requestId"]); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ── Revisions ──

func (s *HTTPServer) handleListRevisions(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	revs, err := s.service.ListRevisions(mux.Vars(r)["planId"], intParam(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revs})
}

func (s *HTTPServer) handleCommitRevision(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	rev, err := s.service.CommitRevision(r.Context(), id, mux.Vars(r)["planId"], body.Name)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revision": rev})
}

func (s *HTTPServer) handleGetRevision(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	vars := mux.Vars(r)
	plan, err := s.service.GetRevision(vars["planId"], vars["name"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan": plan})
}

// ── Chat ──

func readText(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return "", false
	}
	return body.Text, true
}

func (s *HTTPServer) handleClearClientChat(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	n, err := s.service.ClearClientChat(r.Context(), id, mux.Vars(r)["clientId"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *HTTPServer) handleListClientChat(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	msgs, err := s.service.ListClientChat(r.Context(), id, mux.Vars(r)["clientId"], intParam(r.URL.Query().Get("limit"), 200))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *HTTPServer) handleSendClientMessage(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	text, ok := readText(w, r)
	if !ok {
		return
	}
	msg, err := s.service.SendClientMessage(r.Context(), id, mux.Vars(r)["clientId"], text)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *HTTPServer) handleEditClientMessage(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	text, ok := readText(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	msg, err := s.service.EditClientMessage(r.Context(), id, vars["clientId"], vars["messageId"], text)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *HTTPServer) handleListDirectChat(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	msgs, err := s.service.ListDirectChat(r.Context(), id, mux.Vars(r)["peerId"], intParam(r.URL.Query().Get("limit"), 200))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *HTTPServer) handleSendDirectMessage(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	text, ok := readText(w, r)
	if !ok {
		return
	}
	msg, err := s.service.SendDirectMessage(r.Context(), id, mux.Vars(r)["peerId"], text)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *HTTPServer) handleEditDirectMessage(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	text, ok := readText(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	msg, err := s.service.EditDirectMessage(r.Context(), id, vars["peerId"], vars["messageId"], text)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *HTTPServer) handleMarkDirectRead(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	ev, err := s.service.MarkDirectRead(r.Context(), id, mux.Vars(r)["peerId"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Identity{}, false
	}
	id, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Identity{}, false
	}
	return id, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		if s.metrics != nil {
			s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(writer.status)).Inc()
			s.metrics.HTTPRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
		}
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

// RequestID returns the id the middleware assigned to the request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func intParam(raw string, fallback int) int {
	if raw = strings.TrimSpace(raw); raw == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
		return parsed
	}
	return fallback
}
