package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

type stateLog struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (l *stateLog) add(s ConnectionState, _ error) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) snapshot() []ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConnectionState(nil), l.states...)
}

func (l *stateLog) count(s ConnectionState) int {
	n := 0
	for _, st := range l.snapshot() {
		if st == s {
			n++
		}
	}
	return n
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		var zero T
		t.Fatal("timed out waiting")
		return zero
	}
}

// wsServer accepts WebSocket connections, authenticates them and records
// every command received. Pings are answered with pongs.
type wsServer struct {
	*httptest.Server
	token string
	cmds  chan Command
	conns chan *websocket.Conn
	auth  string
}

func newWSServer(t *testing.T, auth string) *wsServer {
	t.Helper()
	if auth == "" {
		auth = `{"type":"authenticated","payload":{"userId":"me"}}`
	}
	s := &wsServer{
		token: "tok-ws",
		cmds:  make(chan Command, 64),
		conns: make(chan *websocket.Conn, 4),
		auth:  auth,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusInternalError, "")
		ctx := r.Context()
		if err := c.Write(ctx, websocket.MessageText, []byte(s.auth)); err != nil {
			return
		}
		s.conns <- c
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var cmd Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				continue
			}
			if cmd.Type == CommandPing {
				pong := fmt.Sprintf(`{"type":"pong","payload":{"requestId":%q}}`, cmd.RequestID)
				c.Write(ctx, websocket.MessageText, []byte(pong))
			}
			s.cmds <- cmd
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// nextCommand skips pings.
func (s *wsServer) nextCommand(t *testing.T) Command {
	t.Helper()
	for {
		cmd := recv(t, s.cmds)
		if cmd.Type != CommandPing {
			return cmd
		}
	}
}

func commandRoom(cmd Command) string {
	if p, ok := cmd.Payload.(map[string]any); ok {
		if id, ok := p["roomId"].(string); ok {
			return id
		}
	}
	return ""
}

// ============================================================================
// WSTransport
// ============================================================================

func TestWSTransport(t *testing.T) {
	srv := newWSServer(t, "")
	tr := NewWSTransport(srv.wsURL(), &TransportConfig{Token: srv.token})
	t.Cleanup(func() { tr.Disconnect() })

	states := &stateLog{}
	tr.OnStateChange(states.add)
	frames := make(chan Frame, 8)
	tr.OnFrame(func(f Frame) { frames <- f })

	ctx := context.Background()
	if err := tr.Publish(ctx, &Command{Type: CommandSend}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("publish before connect: %v", err)
	}
	if err := tr.Subscribe(ctx, "r1"); err != nil {
		t.Fatalf("subscribe while disconnected: %v", err)
	}

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if tr.State() != StateConnected {
		t.Fatalf("state = %s", tr.State())
	}
	conn := recv(t, srv.conns)

	t.Run("tracked rooms subscribed on connect", func(t *testing.T) {
		cmd := srv.nextCommand(t)
		if cmd.Type != CommandSubscribe || cmd.RoomID != "r1" || commandRoom(cmd) != "r1" {
			t.Fatalf("command = %+v", cmd)
		}
	})

	t.Run("subscribe and unsubscribe while connected", func(t *testing.T) {
		if err := tr.Subscribe(ctx, "r2"); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		if cmd := srv.nextCommand(t); cmd.Type != CommandSubscribe || cmd.RoomID != "r2" {
			t.Fatalf("command = %+v", cmd)
		}
		if err := tr.Unsubscribe(ctx, "r2"); err != nil {
			t.Fatalf("Unsubscribe: %v", err)
		}
		if cmd := srv.nextCommand(t); cmd.Type != CommandUnsubscribe || cmd.RoomID != "r2" {
			t.Fatalf("command = %+v", cmd)
		}
	})

	t.Run("room frames dispatched, control frames not", func(t *testing.T) {
		for _, raw := range []string{
			`{"type":"subscribed","roomId":"r1"}`,
			`{"type":"error","payload":{"message":"nope"}}`,
			`not json`,
			`{"type":"message","roomId":"r1","payload":{"id":"m1","content":"hi"}}`,
		} {
			if err := conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
				t.Fatalf("server write: %v", err)
			}
		}
		f := recv(t, frames)
		if f.Type != TopicMessage || f.RoomID != "r1" {
			t.Fatalf("frame = %+v", f)
		}
		ev, err := ParseFrame(f)
		if err != nil || ev.(*MessageEvent).Message.ID != "m1" {
			t.Fatalf("parse: %v %+v", err, ev)
		}
	})

	t.Run("publish", func(t *testing.T) {
		err := tr.Publish(ctx, &Command{Type: CommandSend, RoomID: "r1", RequestID: "cid-1", Payload: SendPayload{Content: "Hello"}})
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		cmd := srv.nextCommand(t)
		if cmd.Type != CommandSend || cmd.RequestID != "cid-1" {
			t.Fatalf("command = %+v", cmd)
		}
	})

	t.Run("ping", func(t *testing.T) {
		pong, err := tr.Ping(ctx)
		if err != nil {
			t.Fatalf("Ping: %v", err)
		}
		if !strings.HasPrefix(pong.RequestID, "ping-") {
			t.Fatalf("pong = %+v", pong)
		}
	})

	if err := tr.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := tr.Publish(ctx, &Command{Type: CommandSend}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("publish after disconnect: %v", err)
	}
	got := states.snapshot()
	want := []ConnectionState{StateConnecting, StateConnected, StateDisconnected}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
}

func TestWSTransportAuthFailure(t *testing.T) {
	t.Run("rejected upgrade", func(t *testing.T) {
		srv := newWSServer(t, "")
		tr := NewWSTransport(srv.wsURL(), &TransportConfig{Token: "wrong"})
		states := &stateLog{}
		tr.OnStateChange(states.add)
		if err := tr.Connect(context.Background()); err == nil {
			t.Fatal("expected error")
		}
		if tr.State() != StateError || states.count(StateError) != 1 {
			t.Fatalf("states = %v", states.snapshot())
		}
	})

	t.Run("unexpected first frame", func(t *testing.T) {
		srv := newWSServer(t, `{"type":"error","payload":{"message":"bad token"}}`)
		tr := NewWSTransport(srv.wsURL(), &TransportConfig{Token: srv.token})
		err := tr.Connect(context.Background())
		if err == nil || !strings.Contains(err.Error(), "authenticated") {
			t.Fatalf("got %v", err)
		}
	})
}

func TestWSTransportReconnect(t *testing.T) {
	srv := newWSServer(t, "")
	tr := NewWSTransport(srv.wsURL(), &TransportConfig{
		Token:              srv.token,
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})
	t.Cleanup(func() { tr.Disconnect() })
	states := &stateLog{}
	tr.OnStateChange(states.add)

	ctx := context.Background()
	tr.Subscribe(ctx, "r1")
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := recv(t, srv.conns)
	if cmd := srv.nextCommand(t); cmd.RoomID != "r1" {
		t.Fatalf("command = %+v", cmd)
	}

	first.Close(websocket.StatusGoingAway, "restart")

	recv(t, srv.conns)
	if cmd := srv.nextCommand(t); cmd.Type != CommandSubscribe || cmd.RoomID != "r1" {
		t.Fatalf("resubscribe = %+v", cmd)
	}
	waitFor(t, func() bool { return states.count(StateConnected) == 2 })
	if states.count(StateDisconnected) != 1 {
		t.Fatalf("states = %v", states.snapshot())
	}
}

func TestWSTransportConnectionLost(t *testing.T) {
	srv := newWSServer(t, "")
	tr := NewWSTransport(srv.wsURL(), &TransportConfig{Token: srv.token})
	errs := make(chan error, 4)
	tr.OnStateChange(func(s ConnectionState, err error) {
		if s == StateDisconnected {
			errs <- err
		}
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	recv(t, srv.conns).Close(websocket.StatusGoingAway, "bye")

	if err := recv(t, errs); err == nil {
		t.Fatal("unexpected loss should carry an error")
	}
	if tr.State() != StateDisconnected {
		t.Fatalf("state = %s", tr.State())
	}
	if err := tr.Publish(context.Background(), &Command{Type: CommandTyping}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("publish = %v", err)
	}
}

// ============================================================================
// SSETransport
// ============================================================================

type sseServer struct {
	*httptest.Server
	requests chan string
}

func newSSEServer(t *testing.T, status int) *sseServer {
	t.Helper()
	s := &sseServer{requests: make(chan string, 8)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" || r.URL.Query().Get("token") != "tok-sse" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		s.requests <- r.URL.Query().Get("rooms")
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		flusher.Flush()

		fmt.Fprint(w, ": heartbeat\n\n")
		fmt.Fprint(w, "data: {\"type\":\"subscribed\"}\n\n")
		fmt.Fprint(w, "data: {broken\n\n")
		fmt.Fprintf(w, "data: {\"type\":\"typing\",\"roomId\":%q,\"payload\":{\"senderId\":\"c1\",\"isTyping\":true}}\n\n", r.URL.Query().Get("rooms"))
		flusher.Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(s.Close)
	return s
}

func TestSSETransport(t *testing.T) {
	srv := newSSEServer(t, http.StatusOK)
	tr := NewSSETransport(srv.URL+"/sse", &TransportConfig{Token: "tok-sse"})
	t.Cleanup(func() { tr.Disconnect() })
	states := &stateLog{}
	tr.OnStateChange(states.add)
	frames := make(chan Frame, 8)
	tr.OnFrame(func(f Frame) { frames <- f })

	ctx := context.Background()
	if err := tr.Subscribe(ctx, "r1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if rooms := recv(t, srv.requests); rooms != "r1" {
		t.Fatalf("rooms = %q", rooms)
	}
	if f := recv(t, frames); f.Type != TopicTyping || f.RoomID != "r1" {
		t.Fatalf("frame = %+v", f)
	}

	if err := tr.Subscribe(ctx, "r0"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if rooms := recv(t, srv.requests); rooms != "r0,r1" {
		t.Fatalf("rooms = %q", rooms)
	}
	recv(t, frames)

	// Unchanged room set does not re-open the stream.
	if err := tr.Subscribe(ctx, "r0"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	select {
	case rooms := <-srv.requests:
		t.Fatalf("unexpected reconnect with rooms %q", rooms)
	case <-time.After(50 * time.Millisecond):
	}

	if err := tr.Publish(ctx, &Command{Type: CommandSend}); !errors.Is(err, ErrPublishUnsupported) {
		t.Fatalf("Publish = %v", err)
	}

	if err := tr.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	got := states.snapshot()
	want := []ConnectionState{StateConnecting, StateConnected, StateDisconnected}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
}

func TestSSETransportHTTPError(t *testing.T) {
	srv := newSSEServer(t, http.StatusServiceUnavailable)
	tr := NewSSETransport(srv.URL+"/sse", &TransportConfig{Token: "tok-sse"})
	err := tr.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("got %v", err)
	}
	if tr.State() != StateError {
		t.Fatalf("state = %s", tr.State())
	}
}

// ============================================================================
// Helpers
// ============================================================================

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&TransportConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    300 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})

	bounds := []struct{ lo, hi time.Duration }{
		{100 * time.Millisecond, 150 * time.Millisecond},
		{200 * time.Millisecond, 250 * time.Millisecond},
		{300 * time.Millisecond, 300 * time.Millisecond},
	}
	for i, b := range bounds {
		if !r.shouldReconnect() {
			t.Fatalf("attempt %d refused", i+1)
		}
		attempt, d := r.nextDelay()
		if attempt != i+1 || d < b.lo || d > b.hi {
			t.Fatalf("attempt %d: delay %v not in [%v, %v]", attempt, d, b.lo, b.hi)
		}
	}
	if r.shouldReconnect() {
		t.Fatal("attempts exhausted")
	}
	r.reset()
	if !r.shouldReconnect() {
		t.Fatal("reset should allow reconnecting")
	}

	unlimited := newReconnector(&TransportConfig{MaxReconnectAttempts: -1, ReconnectBaseDelay: time.Millisecond, ReconnectMaxDelay: time.Millisecond})
	for i := 0; i < 50; i++ {
		unlimited.nextDelay()
	}
	if !unlimited.shouldReconnect() {
		t.Fatal("negative max means unlimited")
	}
}

func TestWithToken(t *testing.T) {
	tests := []struct {
		url, token string
		rooms      string
		want       string
	}{
		{"ws://h/ws", "t", "", "ws://h/ws?token=t"},
		{"ws://h/ws?v=2", "t", "", "ws://h/ws?v=2&token=t"},
		{"http://h/sse", "", "", "http://h/sse"},
		{"http://h/sse", "t", "r1,r2", "http://h/sse?rooms=r1%2Cr2&token=t"},
	}
	for _, tt := range tests {
		var extra map[string][]string
		if tt.rooms != "" {
			extra = map[string][]string{"rooms": {tt.rooms}}
		}
		if got := withToken(tt.url, tt.token, extra); got != tt.want {
			t.Fatalf("withToken(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestTransportDefaults(t *testing.T) {
	var cfg TransportConfig
	cfg.defaults()
	if cfg.ReconnectBaseDelay != time.Second || cfg.ReconnectMaxDelay != 30*time.Second ||
		cfg.MaxReconnectAttempts != 10 || cfg.HeartbeatInterval != 25*time.Second ||
		cfg.StaleTimeout != 45*time.Second || cfg.HTTPClient == nil || cfg.Logger == nil {
		t.Fatalf("defaults = %+v", cfg)
	}
}
