// Package apiclient is the HTTP client for the Plixmap API. It backs the
// lock coordinator, the autosave pipeline and the plixctl commands.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"plixmap/api/internal/protocol"
	"plixmap/api/internal/revision"
	"plixmap/api/internal/search"
)

const defaultTimeout = 30 * time.Second

// Error is a non-2xx response decoded from the API error body.
type Error struct {
	Status  int
	Code    string
	Message string
	Details json.RawMessage
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api: %s: %s", e.Code, e.Message)
}

// IsCode reports whether err is an API error carrying code.
func IsCode(err error, code string) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Session is the identity behind the client's token.
type Session struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"userId"`
	UserName      string `json:"userName"`
	Role          string `json:"role"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the bearer token; it satisfies the transport's token source.
func (c *Client) Token() (string, bool) { return c.token, c.token != "" }

func (c *Client) do(ctx context.Context, method, path string, body, target any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if target == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Code    string          `json:"code"`
		Error   string          `json:"error"`
		Details json.RawMessage `json:"details"`
	}
	apiErr := &Error{Status: resp.StatusCode}
	if err := json.Unmarshal(raw, &body); err == nil && body.Code != "" {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
		apiErr.Details = body.Details
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func seg(s string) string { return url.PathEscape(s) }

// ── session, state, presence ──

func (c *Client) Session(ctx context.Context) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodGet, "/api/session", nil, &out)
	return out, err
}

func (c *Client) LoadState(ctx context.Context) (protocol.StateResponse, error) {
	var out protocol.StateResponse
	err := c.do(ctx, http.MethodGet, "/api/state", nil, &out)
	return out, err
}

func (c *Client) SaveState(ctx context.Context, req protocol.SaveStateRequest) (protocol.SaveStateResponse, error) {
	var out protocol.SaveStateResponse
	err := c.do(ctx, http.MethodPost, "/api/state", req, &out)
	return out, err
}

func (c *Client) Presence(ctx context.Context) ([]protocol.PresenceEntry, error) {
	var out struct {
		Users []protocol.PresenceEntry `json:"users"`
	}
	err := c.do(ctx, http.MethodGet, "/api/presence", nil, &out)
	return out.Users, err
}

func (c *Client) Locks(ctx context.Context) (protocol.GlobalPresence, error) {
	var out protocol.GlobalPresence
	err := c.do(ctx, http.MethodGet, "/api/locks", nil, &out)
	return out, err
}

// ── locks ──

func (c *Client) Acquire(ctx context.Context, documentID string) (protocol.Lock, error) {
	var out struct {
		Lock protocol.Lock `json:"lock"`
	}
	err := c.do(ctx, http.MethodPost, "/api/locks/"+seg(documentID)+"/acquire", nil, &out)
	return out.Lock, err
}

func (c *Client) Release(ctx context.Context, documentID string) error {
	return c.do(ctx, http.MethodPost, "/api/locks/"+seg(documentID)+"/release", nil, nil)
}

func (c *Client) RequestUnlock(ctx context.Context, documentID, targetUserID, message string, grantMinutes float64) (protocol.UnlockRequest, error) {
	body := map[string]any{
		"targetUserId": targetUserID,
		"documentId":   documentID,
		"message":      message,
		"grantMinutes": grantMinutes,
	}
	var out struct {
		Request protocol.UnlockRequest `json:"request"`
	}
	err := c.do(ctx, http.MethodPost, "/api/unlock-requests", body, &out)
	return out.Request, err
}

func (c *Client) GrantUnlock(ctx context.Context, requestID string) (protocol.Reservation, error) {
	var out struct {
		Reservation protocol.Reservation `json:"reservation"`
	}
	err := c.do(ctx, http.MethodPost, "/api/unlock-requests/"+seg(requestID)+"/grant", nil, &out)
	return out.Reservation, err
}

func (c *Client) DenyUnlock(ctx context.Context, requestID string) error {
	return c.do(ctx, http.MethodPost, "/api/unlock-requests/"+seg(requestID)+"/deny", nil, nil)
}

func (c *Client) CancelUnlock(ctx context.Context, requestID string) error {
	return c.do(ctx, http.MethodPost, "/api/unlock-requests/"+seg(requestID)+"/cancel", nil, nil)
}

func (c *Client) ForceUnlock(ctx context.Context, documentID string, graceMinutes int) (protocol.ForceUnlockRequest, error) {
	var out struct {
		ForceUnlock protocol.ForceUnlockRequest `json:"forceUnlock"`
	}
	body := map[string]int{"graceMinutes": graceMinutes}
	err := c.do(ctx, http.MethodPost, "/api/locks/"+seg(documentID)+"/force", body, &out)
	return out.ForceUnlock, err
}

func (c *Client) CancelForceUnlock(ctx context.Context, documentID string) error {
	return c.do(ctx, http.MethodPost, "/api/locks/"+seg(documentID)+"/force/cancel", nil, nil)
}

func (c *Client) ResolveForceUnlock(ctx context.Context, documentID string, action protocol.ForceAction) (protocol.ForceUnlockEvent, error) {
	var out protocol.ForceUnlockEvent
	body := map[string]string{"action": string(action)}
	err := c.do(ctx, http.MethodPost, "/api/locks/"+seg(documentID)+"/force/resolve", body, &out)
	return out, err
}

// ── revisions ──

func (c *Client) CommitRevision(ctx context.Context, planID, name string) (revision.Revision, error) {
	var out struct {
		Revision revision.Revision `json:"revision"`
	}
	err := c.do(ctx, http.MethodPost, "/api/plans/"+seg(planID)+"/revisions", map[string]string{"name": name}, &out)
	return out.Revision, err
}

func (c *Client) ListRevisions(ctx context.Context, planID string) ([]revision.Revision, error) {
	var out struct {
		Revisions []revision.Revision `json:"revisions"`
	}
	err := c.do(ctx, http.MethodGet, "/api/plans/"+seg(planID)+"/revisions", nil, &out)
	return out.Revisions, err
}

// ── chat ──

func (c *Client) SendClientMessage(ctx context.Context, clientID, text string) (protocol.ChatMessage, error) {
	return c.message(ctx, http.MethodPost, "/api/chat/clients/"+seg(clientID)+"/messages", text)
}

func (c *Client) EditClientMessage(ctx context.Context, clientID, messageID, text string) (protocol.ChatMessage, error) {
	return c.message(ctx, http.MethodPut, "/api/chat/clients/"+seg(clientID)+"/messages/"+seg(messageID), text)
}

func (c *Client) ClientMessages(ctx context.Context, clientID string, limit int) ([]protocol.ChatMessage, error) {
	return c.messages(ctx, "/api/chat/clients/"+seg(clientID)+"/messages", limit)
}

func (c *Client) SendDirectMessage(ctx context.Context, peerID, text string) (protocol.ChatMessage, error) {
	return c.message(ctx, http.MethodPost, "/api/chat/dm/"+seg(peerID)+"/messages", text)
}

func (c *Client) EditDirectMessage(ctx context.Context, peerID, messageID, text string) (protocol.ChatMessage, error) {
	return c.message(ctx, http.MethodPut, "/api/chat/dm/"+seg(peerID)+"/messages/"+seg(messageID), text)
}

func (c *Client) DirectMessages(ctx context.Context, peerID string, limit int) ([]protocol.ChatMessage, error) {
	return c.messages(ctx, "/api/chat/dm/"+seg(peerID)+"/messages", limit)
}

func (c *Client) MarkDirectRead(ctx context.Context, peerID string) (protocol.ChatReadEvent, error) {
	var out protocol.ChatReadEvent
	err := c.do(ctx, http.MethodPost, "/api/chat/dm/"+seg(peerID)+"/read", nil, &out)
	return out, err
}

func (c *Client) message(ctx context.Context, method, path, text string) (protocol.ChatMessage, error) {
	var out struct {
		Message protocol.ChatMessage `json:"message"`
	}
	err := c.do(ctx, method, path, map[string]string{"text": text}, &out)
	return out.Message, err
}

func (c *Client) messages(ctx context.Context, path string, limit int) ([]protocol.ChatMessage, error) {
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Messages []protocol.ChatMessage `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Messages, err
}

// ── search ──

func (c *Client) Search(ctx context.Context, q search.Query) (search.Response, error) {
	params := url.Values{}
	params.Set("q", q.Text)
	if q.FilterType != "" {
		params.Set("type", string(q.FilterType))
	}
	if q.ClientID != "" {
		params.Set("clientId", q.ClientID)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	var out search.Response
	err := c.do(ctx, http.MethodGet, "/api/search?"+params.Encode(), nil, &out)
	return out, err
}
