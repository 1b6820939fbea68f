// Package chatsync keeps a chat room's message list, typing state and room
// directory in sync across a paginated history API, a live push channel and
// optimistic local sends.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com"))
//	actor, _ := chatsync.ActorFromToken(token)
//
//	session, _ := chatsync.NewSession(chatsync.Config{
//		Transport: client.NewWSTransport(&chatsync.TransportConfig{AutoReconnect: true}),
//		Backend:   client,
//		Actor:     actor,
//	})
//	session.Open()
//	defer session.Close()
//
//	session.On(chatsync.EventMessagesChanged, func(_ string, p any) { ... })
//	session.SelectRoom(ctx, "room-1")
//	session.Send(ctx, "room-1", "Hello")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST collaborator of a Session. It implements Backend.
type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a REST client authenticating with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	result, err := decodeJSON[Result](data)
	if err != nil {
		if resp.StatusCode >= 400 {
			return nil, &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: strings.TrimSpace(string(data))}
		}
		return nil, err
	}
	if result.Error != nil {
		return nil, result.Error
	}
	if !result.OK || resp.StatusCode >= 400 {
		return nil, &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func roomPath(roomID string, suffix string) string {
	return "/api/chat/rooms/" + url.PathEscape(roomID) + suffix
}

// ============================================================================
// Backend
// ============================================================================

// FetchHistory loads one page of room history. An empty beforeMessageID
// loads the newest page.
func (c *Client) FetchHistory(ctx context.Context, roomID string, pageSize int, beforeMessageID string) (*HistoryPage, error) {
	q := map[string]string{}
	if pageSize > 0 {
		q["size"] = strconv.Itoa(pageSize)
	}
	if beforeMessageID != "" {
		q["before"] = beforeMessageID
	}
	res, err := c.doRequest(ctx, http.MethodGet, roomPath(roomID, "/messages"), nil, q)
	if err != nil {
		return nil, err
	}
	var page HistoryPage
	if err := res.Decode(&page); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	for i := range page.Messages {
		if page.Messages[i].RoomID == "" {
			page.Messages[i].RoomID = roomID
		}
		page.Messages[i].SenderType = ParseSenderType(string(page.Messages[i].SenderType))
	}
	return &page, nil
}

// SendMessage persists a message and returns it as stored.
func (c *Client) SendMessage(ctx context.Context, roomID string, payload SendPayload) (*Message, error) {
	res, err := c.doRequest(ctx, http.MethodPost, roomPath(roomID, "/messages"), payload, nil)
	if err != nil {
		return nil, err
	}
	var m Message
	if err := res.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.RoomID == "" {
		m.RoomID = roomID
	}
	m.SenderType = ParseSenderType(string(m.SenderType))
	return &m, nil
}

// ListRooms lists rooms of a category. ScopeAll is the admin view.
func (c *Client) ListRooms(ctx context.Context, category RoomCategory, scope RoomScope) ([]Room, error) {
	q := map[string]string{}
	if category != "" {
		q["category"] = string(category)
	}
	if scope != "" {
		q["scope"] = string(scope)
	}
	res, err := c.doRequest(ctx, http.MethodGet, "/api/chat/rooms", nil, q)
	if err != nil {
		return nil, err
	}
	var rooms []Room
	if err := res.Decode(&rooms); err != nil {
		return nil, fmt.Errorf("decode rooms: %w", err)
	}
	for i := range rooms {
		normalizeRoles(&rooms[i])
	}
	return rooms, nil
}

// JoinRoom claims a room for the caller.
func (c *Client) JoinRoom(ctx context.Context, roomID string) (*Room, error) {
	res, err := c.doRequest(ctx, http.MethodPost, roomPath(roomID, "/join"), nil, nil)
	if err != nil {
		return nil, err
	}
	var r Room
	if err := res.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode room: %w", err)
	}
	if r.ID == "" {
		r.ID = roomID
	}
	normalizeRoles(&r)
	return &r, nil
}

func normalizeRoles(r *Room) {
	for i := range r.Participants {
		r.Participants[i].Role = ParseSenderType(string(r.Participants[i].Role))
	}
}

// ============================================================================
// Transport factories
// ============================================================================

// WSURL returns the WebSocket push URL.
func (c *Client) WSURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

// SSEURL returns the SSE push URL.
func (c *Client) SSEURL() string {
	return c.baseURL + "/sse"
}

// NewWSTransport creates a WebSocket transport for this client's server. The
// client's token is used unless config sets one.
func (c *Client) NewWSTransport(config *TransportConfig) *WSTransport {
	cfg := c.transportConfig(config)
	return NewWSTransport(c.WSURL(), &cfg)
}

// NewSSETransport creates an SSE transport for this client's server.
func (c *Client) NewSSETransport(config *TransportConfig) *SSETransport {
	cfg := c.transportConfig(config)
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return NewSSETransport(c.SSEURL(), &cfg)
}

func (c *Client) transportConfig(config *TransportConfig) TransportConfig {
	var cfg TransportConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	return cfg
}
