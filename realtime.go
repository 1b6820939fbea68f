package chatsync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// TransportConfig configures the WebSocket and SSE transports.
type TransportConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// StaleTimeout closes an SSE stream that delivered nothing, not even a
	// heartbeat comment, for this long.
	StaleTimeout time.Duration
	HTTPClient   *http.Client
	Logger       *zerolog.Logger
}

func (c *TransportConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = 45 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// Server control frame types. Everything else is a room frame.
const (
	frameAuthenticated = "authenticated"
	framePong          = "pong"
	frameError         = "error"
	frameSubscribed    = "subscribed"
)

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Handlers
// ============================================================================

// handlerSet holds frame and state callbacks. Callbacks run synchronously on
// the transport goroutine so frames of one connection are applied in
// arrival order.
type handlerSet struct {
	mu      sync.RWMutex
	onFrame []func(Frame)
	onState []func(ConnectionState, error)
}

func (h *handlerSet) OnFrame(fn func(Frame)) {
	h.mu.Lock()
	h.onFrame = append(h.onFrame, fn)
	h.mu.Unlock()
}

func (h *handlerSet) OnStateChange(fn func(ConnectionState, error)) {
	h.mu.Lock()
	h.onState = append(h.onState, fn)
	h.mu.Unlock()
}

func (h *handlerSet) dispatch(f Frame) {
	h.mu.RLock()
	handlers := append([]func(Frame){}, h.onFrame...)
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(f)
	}
}

func (h *handlerSet) emitState(s ConnectionState, err error) {
	h.mu.RLock()
	handlers := append([]func(ConnectionState, error){}, h.onState...)
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(s, err)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *TransportConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// roomSet is the set of rooms a transport keeps subscribed across
// reconnects.
type roomSet map[string]struct{}

func (rs roomSet) sorted() []string {
	out := make([]string, 0, len(rs))
	for id := range rs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func withToken(rawURL, token string, extra url.Values) string {
	q := url.Values{}
	for k, v := range extra {
		q[k] = v
	}
	if token != "" {
		q.Set("token", token)
	}
	if len(q) == 0 {
		return rawURL
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + q.Encode()
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is a WebSocket push transport with auth handshake, heartbeat
// and auto-reconnect. Subscribed rooms are re-subscribed after a reconnect.
type WSTransport struct {
	handlerSet

	url              string
	config           *TransportConfig
	log              zerolog.Logger
	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnectionState
	intentionalClose bool
	recon            *reconnector
	cancelFn         context.CancelFunc
	rooms            roomSet
	pingCounter      int
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
}

// NewWSTransport creates a transport for a ws:// or wss:// URL. Call Connect
// to establish the connection.
func NewWSTransport(wsURL string, config *TransportConfig) *WSTransport {
	var cfg TransportConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &WSTransport{
		url:          wsURL,
		config:       &cfg,
		log:          cfg.Logger.With().Str("transport", "ws").Logger(),
		state:        StateDisconnected,
		recon:        newReconnector(&cfg),
		rooms:        make(roomSet),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// State returns the current connection state.
func (ws *WSTransport) State() ConnectionState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *WSTransport) setState(s ConnectionState, err error) {
	ws.mu.Lock()
	changed := ws.state != s
	ws.state = s
	ws.mu.Unlock()
	if changed {
		ws.emitState(s, err)
	}
}

// Connect dials the server, waits for the authenticated frame and
// subscribes every tracked room.
func (ws *WSTransport) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.intentionalClose = false
	ws.state = StateConnecting
	ws.mu.Unlock()
	ws.emitState(StateConnecting, nil)

	conn, _, err := websocket.Dial(ctx, withToken(ws.url, ws.config.Token, nil), &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
	})
	if err != nil {
		err = fmt.Errorf("websocket dial: %w", err)
		ws.setState(StateError, err)
		return err
	}

	// First frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		err = fmt.Errorf("read auth message: %w", err)
		ws.setState(StateError, err)
		return err
	}

	var env Frame
	if err := json.Unmarshal(data, &env); err != nil || env.Type != frameAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		err = fmt.Errorf("expected '%s', got '%s'", frameAuthenticated, env.Type)
		ws.setState(StateError, err)
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	if ws.cancelFn != nil {
		ws.cancelFn()
	}
	ws.conn = conn
	ws.cancelFn = cancel
	rooms := ws.rooms.sorted()
	ws.mu.Unlock()
	ws.recon.markConnected()

	for _, roomID := range rooms {
		if err := ws.write(connCtx, conn, subscribeCommand(CommandSubscribe, roomID)); err != nil {
			ws.log.Warn().Err(err).Str("room", roomID).Msg("resubscribe")
		}
	}

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)

	ws.setState(StateConnected, nil)
	return nil
}

// Disconnect closes the connection without reconnecting.
func (ws *WSTransport) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.mu.Unlock()

	ws.clearPendingPings()
	ws.recon.reset()
	ws.setState(StateDisconnected, nil)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func subscribeCommand(typ, roomID string) *Command {
	return &Command{
		Type:    typ,
		RoomID:  roomID,
		Payload: map[string]interface{}{"roomId": roomID, "topics": RoomTopics},
	}
}

// Subscribe subscribes a room's topics. While disconnected the room is only
// tracked and is subscribed on the next connect.
func (ws *WSTransport) Subscribe(ctx context.Context, roomID string) error {
	ws.mu.Lock()
	ws.rooms[roomID] = struct{}{}
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return nil
	}
	return ws.write(ctx, conn, subscribeCommand(CommandSubscribe, roomID))
}

// Unsubscribe stops tracking a room and unsubscribes it when connected.
func (ws *WSTransport) Unsubscribe(ctx context.Context, roomID string) error {
	ws.mu.Lock()
	delete(ws.rooms, roomID)
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return nil
	}
	return ws.write(ctx, conn, subscribeCommand(CommandUnsubscribe, roomID))
}

// Publish sends a raw command over the WebSocket.
func (ws *WSTransport) Publish(ctx context.Context, cmd *Command) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return ws.write(ctx, conn, cmd)
}

func (ws *WSTransport) write(ctx context.Context, conn *websocket.Conn, cmd *Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the pong.
func (ws *WSTransport) Ping(ctx context.Context) (*PongPayload, error) {
	ws.pendingMu.Lock()
	ws.pingCounter++
	requestID := "ping-" + strconv.Itoa(ws.pingCounter)
	ch := make(chan PongPayload, 1)
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	forget := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	err := ws.Publish(ctx, &Command{
		Type:      CommandPing,
		Payload:   map[string]string{"requestId": requestID},
		RequestID: requestID,
	})
	if err != nil {
		forget()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		forget()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (ws *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose || ws.conn != conn
			if !intentional {
				ws.conn = nil
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.clearPendingPings()
			ws.log.Warn().Err(err).Msg("connection lost")
			ws.setState(StateDisconnected, err)

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect(ctx)
			}
			return
		}

		var env Frame
		if err := json.Unmarshal(data, &env); err != nil {
			ws.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}

		switch env.Type {
		case framePong:
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.resolvePing(p)
			}
		case frameError:
			ws.log.Warn().RawJSON("payload", env.Payload).Msg("server error frame")
		case frameAuthenticated, frameSubscribed:
		default:
			ws.dispatch(env)
		}
	}
}

func (ws *WSTransport) resolvePing(p PongPayload) {
	ws.pendingMu.Lock()
	ch, ok := ws.pendingPings[p.RequestID]
	if ok {
		delete(ws.pendingPings, p.RequestID)
	}
	ws.pendingMu.Unlock()
	if ok {
		ch <- p
	}
}

func (ws *WSTransport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}

			if _, err := ws.Ping(ctx); err != nil {
				// Heartbeat failed, force close so the read loop reconnects.
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *WSTransport) scheduleReconnect(ctx context.Context) {
	for {
		attempt, delay := ws.recon.nextDelay()
		ws.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		err := ws.Connect(ctx)
		if err == nil {
			return
		}
		ws.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		if !ws.config.AutoReconnect || !ws.recon.shouldReconnect() {
			ws.setState(StateError, err)
			return
		}
	}
}

func (ws *WSTransport) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

// ============================================================================
// SSETransport
// ============================================================================

// SSETransport is a server-push-only transport. The subscribed room set is
// sent as the rooms query parameter, so a subscription change re-opens the
// stream. Publish is unsupported; sends fall back to the backend.
type SSETransport struct {
	handlerSet

	url              string
	config           *TransportConfig
	log              zerolog.Logger
	mu               sync.Mutex
	state            ConnectionState
	intentionalClose bool
	recon            *reconnector
	cancelFn         context.CancelFunc
	stream           int
	rooms            roomSet
	lastDataTime     time.Time
}

// NewSSETransport creates a transport for an SSE endpoint URL.
func NewSSETransport(sseURL string, config *TransportConfig) *SSETransport {
	var cfg TransportConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &SSETransport{
		url:    sseURL,
		config: &cfg,
		log:    cfg.Logger.With().Str("transport", "sse").Logger(),
		state:  StateDisconnected,
		recon:  newReconnector(&cfg),
		rooms:  make(roomSet),
	}
}

// State returns the current connection state.
func (sse *SSETransport) State() ConnectionState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

func (sse *SSETransport) setState(s ConnectionState, err error) {
	sse.mu.Lock()
	changed := sse.state != s
	sse.state = s
	sse.mu.Unlock()
	if changed {
		sse.emitState(s, err)
	}
}

// Connect opens the event stream.
func (sse *SSETransport) Connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state == StateConnected || sse.state == StateConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.intentionalClose = false
	sse.state = StateConnecting
	sse.mu.Unlock()
	sse.emitState(StateConnecting, nil)

	if err := sse.open(ctx); err != nil {
		sse.setState(StateError, err)
		return err
	}
	sse.setState(StateConnected, nil)
	return nil
}

// open starts a new stream for the current room set, replacing any open one.
func (sse *SSETransport) open(ctx context.Context) error {
	sse.mu.Lock()
	extra := url.Values{}
	if rooms := sse.rooms.sorted(); len(rooms) > 0 {
		extra.Set("rooms", strings.Join(rooms, ","))
	}
	sse.mu.Unlock()

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, withToken(sse.url, sse.config.Token, extra), nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := sse.config.HTTPClient.Do(req)
		done <- result{resp, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
	if res.err != nil {
		cancel()
		return fmt.Errorf("SSE connect: %w", res.err)
	}
	if res.resp.StatusCode != http.StatusOK {
		res.resp.Body.Close()
		cancel()
		return fmt.Errorf("SSE HTTP %d", res.resp.StatusCode)
	}

	sse.mu.Lock()
	if sse.cancelFn != nil {
		sse.cancelFn()
	}
	sse.cancelFn = cancel
	sse.stream++
	stream := sse.stream
	sse.lastDataTime = time.Now()
	sse.mu.Unlock()
	sse.recon.markConnected()

	go sse.readLoop(streamCtx, stream, res.resp)
	go sse.heartbeatWatchdog(streamCtx, cancel)
	return nil
}

// Disconnect closes the stream without reconnecting.
func (sse *SSETransport) Disconnect() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.stream++
	sse.mu.Unlock()

	sse.recon.reset()
	sse.setState(StateDisconnected, nil)
	return nil
}

// Subscribe adds a room and re-opens the stream if connected.
func (sse *SSETransport) Subscribe(ctx context.Context, roomID string) error {
	return sse.updateRooms(ctx, func(rs roomSet) bool {
		if _, ok := rs[roomID]; ok {
			return false
		}
		rs[roomID] = struct{}{}
		return true
	})
}

// Unsubscribe removes a room and re-opens the stream if connected.
func (sse *SSETransport) Unsubscribe(ctx context.Context, roomID string) error {
	return sse.updateRooms(ctx, func(rs roomSet) bool {
		if _, ok := rs[roomID]; !ok {
			return false
		}
		delete(rs, roomID)
		return true
	})
}

func (sse *SSETransport) updateRooms(ctx context.Context, change func(roomSet) bool) error {
	sse.mu.Lock()
	changed := change(sse.rooms)
	connected := sse.state == StateConnected
	sse.mu.Unlock()
	if !changed || !connected {
		return nil
	}
	if err := sse.open(ctx); err != nil {
		sse.setState(StateError, err)
		return err
	}
	return nil
}

// Publish is unsupported on a server-push-only stream.
func (sse *SSETransport) Publish(ctx context.Context, cmd *Command) error {
	return ErrPublishUnsupported
}

func (sse *SSETransport) readLoop(ctx context.Context, stream int, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}

		if strings.HasPrefix(line, "data:") {
			jsonStr := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var env Frame
			if err := json.Unmarshal([]byte(jsonStr), &env); err != nil {
				sse.log.Warn().Err(err).Msg("dropping undecodable event")
				continue
			}
			switch env.Type {
			case frameAuthenticated, frameSubscribed, framePong:
			case frameError:
				sse.log.Warn().RawJSON("payload", env.Payload).Msg("server error event")
			default:
				sse.dispatch(env)
			}
		}
	}

	sse.mu.Lock()
	superseded := sse.intentionalClose || sse.stream != stream
	sse.mu.Unlock()
	if superseded {
		return
	}

	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("stream ended")
	}
	sse.log.Warn().Err(err).Msg("stream lost")
	sse.setState(StateDisconnected, err)

	if sse.config.AutoReconnect && sse.recon.shouldReconnect() {
		sse.scheduleReconnect()
	}
}

func (sse *SSETransport) heartbeatWatchdog(ctx context.Context, cancel context.CancelFunc) {
	interval := sse.config.StaleTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > sse.config.StaleTimeout
			sse.mu.Unlock()
			if stale {
				sse.log.Warn().Msg("stream stale, closing")
				cancel()
				return
			}
		}
	}
}

func (sse *SSETransport) scheduleReconnect() {
	for {
		attempt, delay := sse.recon.nextDelay()
		sse.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		time.Sleep(delay)

		sse.mu.Lock()
		intentional := sse.intentionalClose
		sse.mu.Unlock()
		if intentional {
			return
		}

		err := sse.Connect(context.Background())
		if err == nil {
			return
		}
		sse.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		if !sse.config.AutoReconnect || !sse.recon.shouldReconnect() {
			return
		}
	}
}
