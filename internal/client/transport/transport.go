// Package transport keeps one reconnecting websocket per session and
// dispatches inbound envelopes through a typed handler table.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"plixmap/api/internal/protocol"
)

const (
	DefaultReconnectDelay = 1500 * time.Millisecond
	// DefaultDialTimeout bounds one dial including the websocket handshake.
	DefaultDialTimeout = 10 * time.Second
)

var ErrNotConnected = errors.New("transport: not connected")

// Conn is the part of *websocket.Conn the transport uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, error)
}

// GorillaDialer adapts a gorilla dialer.
type GorillaDialer struct {
	Dialer *websocket.Dialer
}

func (d GorillaDialer) DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, urlStr, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// TokenSource reports the session token and whether the session is still
// authenticated. Reconnects stop once it returns false.
type TokenSource interface {
	Token() (string, bool)
}

// StaticToken is a TokenSource for a fixed token.
type StaticToken string

func (t StaticToken) Token() (string, bool) { return string(t), t != "" }

type Handler func(env protocol.Envelope)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	// BaseURL is the API origin; http maps to ws and https to wss.
	BaseURL        string
	Tokens         TokenSource
	Dialer         Dialer
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	Clock          clock.WithDelayedExecution
	Logger         zerolog.Logger
}

type Transport struct {
	baseURL string
	tokens  TokenSource
	dialer  Dialer
	delay   time.Duration
	timeout time.Duration
	clock   clock.WithDelayedExecution
	log     zerolog.Logger

	mu        sync.Mutex
	state     State
	conn      Conn
	reconnect clock.Timer
	handlers  map[protocol.EnvelopeType]Handler
	onOpen    []func()
	dials     int

	writeMu sync.Mutex
}

func New(opts Options) *Transport {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Dialer == nil {
		opts.Dialer = GorillaDialer{}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	return &Transport{
		baseURL:  opts.BaseURL,
		tokens:   opts.Tokens,
		dialer:   opts.Dialer,
		delay:    opts.ReconnectDelay,
		timeout:  opts.DialTimeout,
		clock:    opts.Clock,
		log:      opts.Logger.With().Str("component", "transport").Logger(),
		handlers: make(map[protocol.EnvelopeType]Handler),
	}
}

// SocketURL derives the websocket endpoint from the API origin.
func SocketURL(base, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Handle installs the handler for one envelope type, replacing any previous
// one.
func (t *Transport) Handle(kind protocol.EnvelopeType, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[kind] = h
}

// OnOpen registers fn for every successful (re)connect. Listeners use it to
// drop state that must be rebuilt from the next snapshot.
func (t *Transport) OnOpen(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOpen = append(t.onOpen, fn)
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Dials reports how many connection attempts were made.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// Start connects in the background. Calling it again while connecting or
// open does nothing.
func (t *Transport) Start() {
	t.mu.Lock()
	if t.state != StateIdle || t.reconnect != nil {
		t.mu.Unlock()
		return
	}
	t.state = StateConnecting
	t.mu.Unlock()
	go t.connect()
}

func (t *Transport) connect() {
	token, ok := t.tokens.Token()
	if !ok {
		t.mu.Lock()
		if t.state == StateConnecting {
			t.state = StateIdle
		}
		t.mu.Unlock()
		t.log.Info().Msg("session not authenticated, not connecting")
		return
	}
	target, err := SocketURL(t.baseURL, token)
	if err != nil {
		t.mu.Lock()
		if t.state == StateConnecting {
			t.state = StateIdle
		}
		t.mu.Unlock()
		t.log.Error().Err(err).Msg("invalid socket url")
		return
	}

	t.mu.Lock()
	t.dials++
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	conn, err := t.dialer.DialContext(ctx, target, nil)
	cancel()

	t.mu.Lock()
	if t.state == StateClosed {
		// Close was requested while dialing: finish the handshake, then close.
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		t.state = StateIdle
		t.scheduleReconnectLocked()
		t.mu.Unlock()
		t.log.Debug().Err(err).Dur("retry_in", t.delay).Msg("dial failed")
		return
	}
	t.conn = conn
	t.state = StateOpen
	listeners := append([]func(){}, t.onOpen...)
	t.mu.Unlock()

	t.log.Debug().Msg("socket open")
	for _, fn := range listeners {
		t.safely("open listener", fn)
	}
	go t.readLoop(conn)
}

func (t *Transport) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.closed(conn, err)
			return
		}
		t.Dispatch(data)
	}
}

// closed is the single close path: the read loop ends here for remote
// closes, local errors and write failures alike.
func (t *Transport) closed(conn Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	_ = conn.Close()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = StateIdle
	t.scheduleReconnectLocked()
	t.mu.Unlock()
	t.log.Debug().Err(cause).Dur("retry_in", t.delay).Msg("socket closed")
}

func (t *Transport) scheduleReconnectLocked() {
	if t.reconnect != nil {
		return
	}
	t.reconnect = t.clock.AfterFunc(t.delay, func() { go t.redial() })
}

// redial runs off the timer goroutine; a failed dial re-arms the timer.
func (t *Transport) redial() {
	t.mu.Lock()
	t.reconnect = nil
	if t.state != StateIdle {
		t.mu.Unlock()
		return
	}
	t.state = StateConnecting
	t.mu.Unlock()
	t.connect()
}

// Dispatch routes one inbound frame. Malformed frames and unknown types are
// dropped; a panicking handler does not take the loop down.
func (t *Transport) Dispatch(data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		t.log.Debug().Err(err).Msg("dropping malformed envelope")
		return
	}
	t.mu.Lock()
	h, ok := t.handlers[env.Type]
	t.mu.Unlock()
	if !ok {
		t.log.Debug().Str("type", string(env.Type)).Msg("dropping unknown envelope")
		return
	}
	t.safely(string(env.Type), func() { h(env) })
}

func (t *Transport) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().Interface("panic", r).Str("handler", what).Msg("handler panicked")
		}
	}()
	fn()
}

// Send writes one envelope. A write error closes the socket; the read loop
// then schedules the reconnect.
func (t *Transport) Send(kind protocol.EnvelopeType, payload any) error {
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

// Close stops reconnecting and closes the socket. A dial in progress is
// allowed to finish, bounded by the dial timeout, and its connection is
// closed right after.
func (t *Transport) Close() {
	t.mu.Lock()
	t.state = StateClosed
	if t.reconnect != nil {
		t.reconnect.Stop()
		t.reconnect = nil
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
}
