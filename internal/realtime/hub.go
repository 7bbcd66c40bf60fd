// Package realtime is the server side of the realtime channel: it accepts
// websocket sessions, keeps presence current and fans lock table and chat
// changes out to the sockets that need them.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"plixmap/api/internal/auth"
	"plixmap/api/internal/lockd"
	"plixmap/api/internal/metrics"
	"plixmap/api/internal/presence"
	"plixmap/api/internal/protocol"
	"plixmap/api/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxInboundSize = 64 << 10
	sendQueueSize  = 64
)

type TokenParser interface {
	Parse(token string) (auth.Identity, error)
}

// SessionHooks lets the chat service react to socket lifecycle and read
// receipts without the hub knowing about storage.
type SessionHooks interface {
	Connected(ctx context.Context, actor auth.Identity, socketID string)
	ClientChatRead(ctx context.Context, actor auth.Identity, ev protocol.ChatReadEvent)
	DirectChatRead(ctx context.Context, actor auth.Identity, ev protocol.ChatReadEvent)
}

type Options struct {
	Bus      Bus
	Presence *presence.Registry
	Locks    *lockd.Table
	Tokens   TokenParser
	Hooks    SessionHooks
	Metrics  *metrics.Metrics
	Clock    clock.PassiveClock
	Logger   zerolog.Logger
	// CheckOrigin defaults to accepting every origin; the REST API applies
	// CORS separately.
	CheckOrigin func(r *http.Request) bool
}

type Hub struct {
	bus      Bus
	presence *presence.Registry
	locks    *lockd.Table
	tokens   TokenParser
	hooks    SessionHooks
	metrics  *metrics.Metrics
	clock    clock.PassiveClock
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	sockets map[string]*socket
	unsub   func()

	// lockPush serializes reading a lock snapshot with publishing it and
	// with registering a socket, so pushes leave in table order.
	lockPush sync.Mutex
}

type socket struct {
	id    string
	actor auth.Identity
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *socket) close() {
	s.once.Do(func() { close(s.done) })
}

// enqueue never blocks; a full queue means the peer is not reading.
func (s *socket) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func NewHub(opts Options) *Hub {
	if opts.Bus == nil {
		opts.Bus = NewLocalBus()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		bus:      opts.Bus,
		presence: opts.Presence,
		locks:    opts.Locks,
		tokens:   opts.Tokens,
		hooks:    opts.Hooks,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		log:      opts.Logger.With().Str("component", "hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		sockets: make(map[string]*socket),
	}
}

// Start subscribes to the bus and to lock table events.
func (h *Hub) Start(ctx context.Context) error {
	unsub, err := h.bus.Subscribe(ctx, h.deliver)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.unsub = unsub
	h.mu.Unlock()
	if h.locks != nil {
		h.locks.OnEvent(h.HandleLockEvent)
	}
	return nil
}

// SetHooks installs the session hooks after construction.
func (h *Hub) SetHooks(hooks SessionHooks) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = hooks
}

// Close disconnects every socket and leaves the bus.
func (h *Hub) Close() {
	h.mu.Lock()
	unsub := h.unsub
	h.unsub = nil
	sockets := make([]*socket, 0, len(h.sockets))
	for _, s := range h.sockets {
		sockets = append(sockets, s)
	}
	h.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	for _, s := range sockets {
		s.close()
	}
}

// Publish sends an envelope to the sockets selected by target through the bus.
func (h *Hub) Publish(ctx context.Context, target Target, kind protocol.EnvelopeType, payload any) error {
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.BroadcastsTotal.WithLabelValues(string(kind)).Inc()
	}
	return h.bus.Publish(ctx, Message{Target: target, Envelope: env})
}

// HandleLockEvent turns lock table transitions into envelopes.
func (h *Hub) HandleLockEvent(ev lockd.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch ev.Kind {
	case lockd.EventLocksChanged:
		err = h.BroadcastLocks(ctx)
	case lockd.EventUnlockRequested:
		req := ev.Unlock.Request
		err = h.Publish(ctx, ToActors(req.HolderID), protocol.TypeUnlockRequest, ev.Unlock)
	case lockd.EventUnlockUpdated:
		req := ev.Unlock.Request
		err = h.Publish(ctx, ToActors(req.RequesterID, req.HolderID), protocol.TypeUnlockRequestUpdate, ev.Unlock)
	case lockd.EventForceChanged:
		req := ev.Force.Request
		if err = h.Publish(ctx, ToActors(req.HolderID, req.RequesterID), protocol.TypeForceUnlock, ev.Force); err == nil {
			err = h.BroadcastLocks(ctx)
		}
	}
	if err != nil {
		h.log.Error().Err(err).Str("kind", string(ev.Kind)).Str("document_id", ev.DocumentID).Msg("lock event fan-out failed")
	}
}

// BroadcastLocks pushes the current lock table to every socket. Snapshots
// are read and published one at a time; clients also drop any push whose
// Seq is below the last one they applied.
func (h *Hub) BroadcastLocks(ctx context.Context) error {
	if h.locks == nil {
		return nil
	}
	h.lockPush.Lock()
	defer h.lockPush.Unlock()
	snap := h.locks.Snapshot()
	if h.metrics != nil {
		h.metrics.LocksHeld.Set(float64(len(snap.Locks)))
	}
	return h.Publish(ctx, Target{}, protocol.TypeGlobalPresence, snap.Presence())
}

func (h *Hub) BroadcastUsers(ctx context.Context) error {
	return h.Publish(ctx, Target{}, protocol.TypeGlobalPresence, protocol.UsersPresence(h.presence.Users()))
}

// ServeHTTP upgrades GET /ws?token=... to a realtime session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r.Header.Get("Authorization"))
	}
	actor, err := h.tokens.Parse(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	s := &socket{
		id:    util.NewID("sock"),
		actor: actor,
		conn:  conn,
		send:  make(chan []byte, sendQueueSize),
		done:  make(chan struct{}),
	}
	h.register(r.Context(), s, clientIP(r))
	go h.writeLoop(s)
	h.readLoop(s)
}

func (h *Hub) register(ctx context.Context, s *socket, ip string) {
	// The snapshot is queued before the socket becomes reachable through the
	// bus, so it is always the first frame a (re)connecting client sees. Both
	// happen under lockPush: a lock change either lands in this snapshot or
	// is broadcast after the socket is listed.
	h.lockPush.Lock()
	if h.locks != nil {
		snap := h.locks.Snapshot()
		h.enqueueDirect(s, protocol.TypeGlobalPresence, snap.Presence())
		for _, req := range h.locks.PendingRequests(s.actor.UserID) {
			kind := protocol.TypeUnlockRequestUpdate
			if req.HolderID == s.actor.UserID {
				kind = protocol.TypeUnlockRequest
			}
			h.enqueueDirect(s, kind, protocol.UnlockRequestEvent{Request: req})
		}
		for _, force := range snap.ForceUnlocks {
			if force.HolderID == s.actor.UserID || force.RequesterID == s.actor.UserID {
				h.enqueueDirect(s, protocol.TypeForceUnlock, protocol.ForceUnlockEvent{Request: force})
			}
		}
	}

	h.mu.Lock()
	h.sockets[s.id] = s
	hooks := h.hooks
	h.mu.Unlock()
	h.lockPush.Unlock()

	h.presence.Add(presence.Entry{PresenceEntry: protocol.PresenceEntry{
		ActorID:     s.actor.UserID,
		Name:        s.actor.Name,
		ConnectedAt: h.clock.Now(),
		IP:          ip,
		SocketID:    s.id,
	}})
	if h.metrics != nil {
		h.metrics.WebsocketConnections.Inc()
	}
	h.log.Info().Str("socket_id", s.id).Str("actor_id", s.actor.UserID).Str("ip", ip).Msg("socket connected")

	if err := h.BroadcastUsers(ctx); err != nil {
		h.log.Error().Err(err).Msg("presence broadcast failed")
	}
	if hooks != nil {
		hooks.Connected(context.WithoutCancel(ctx), s.actor, s.id)
	}
}

func (h *Hub) unregister(s *socket) {
	h.mu.Lock()
	_, ok := h.sockets[s.id]
	delete(h.sockets, s.id)
	h.mu.Unlock()
	s.close()
	if !ok {
		return
	}
	h.presence.Remove(s.id)
	if h.metrics != nil {
		h.metrics.WebsocketConnections.Dec()
	}
	h.log.Info().Str("socket_id", s.id).Str("actor_id", s.actor.UserID).Msg("socket disconnected")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.BroadcastUsers(ctx); err != nil {
		h.log.Error().Err(err).Msg("presence broadcast failed")
	}
}

func (h *Hub) readLoop(s *socket) {
	defer func() {
		h.unregister(s)
		_ = s.conn.Close()
	}()
	s.conn.SetReadLimit(maxInboundSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("socket_id", s.id).Msg("socket read failed")
			}
			return
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			h.log.Debug().Err(err).Str("socket_id", s.id).Msg("dropping inbound frame")
			continue
		}
		h.handleInbound(s, env)
	}
}

func (h *Hub) handleInbound(s *socket, env protocol.Envelope) {
	h.mu.RLock()
	hooks := h.hooks
	h.mu.RUnlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch env.Type {
	case protocol.TypeView:
		var view protocol.ViewPayload
		if err := env.Decode(&view); err != nil {
			return
		}
		h.presence.SetViewing(s.id, view.DocumentID)
	case protocol.TypeClientChatRead:
		var ev protocol.ChatReadEvent
		if err := env.Decode(&ev); err != nil || hooks == nil {
			return
		}
		hooks.ClientChatRead(ctx, s.actor, ev)
	case protocol.TypeDMChatRead:
		var ev protocol.ChatReadEvent
		if err := env.Decode(&ev); err != nil || hooks == nil {
			return
		}
		hooks.DirectChatRead(ctx, s.actor, ev)
	default:
		h.log.Debug().Str("type", string(env.Type)).Str("socket_id", s.id).Msg("ignoring inbound envelope")
	}
}

func (h *Hub) writeLoop(s *socket) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// deliver is the bus handler: it routes a message to matching local sockets.
func (h *Hub) deliver(msg Message) {
	frame, err := json.Marshal(msg.Envelope)
	if err != nil {
		h.log.Error().Err(err).Msg("encode envelope")
		return
	}
	h.mu.RLock()
	targets := make([]*socket, 0, len(h.sockets))
	for _, s := range h.sockets {
		if msg.Target.matches(s.id, s.actor.UserID) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.enqueue(frame) {
			if h.metrics != nil {
				h.metrics.DroppedFramesTotal.Inc()
			}
			h.log.Warn().Str("socket_id", s.id).Str("type", string(msg.Envelope.Type)).Msg("send queue full, closing socket")
			s.close()
		}
	}
}

func (h *Hub) enqueueDirect(s *socket, kind protocol.EnvelopeType, payload any) {
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		h.log.Error().Err(err).Msg("encode envelope")
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		h.log.Error().Err(err).Msg("encode envelope")
		return
	}
	s.enqueue(frame)
}

// SocketCount reports the number of sockets served by this process.
func (h *Hub) SocketCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets)
}

// RunHeartbeat refreshes the presence mirror until ctx is done.
func (h *Hub) RunHeartbeat(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if err := h.presence.RefreshMirror(ctx); err != nil {
				h.log.Warn().Err(err).Msg("presence mirror refresh failed")
			}
		}
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
