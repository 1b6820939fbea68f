package chatsync

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// SignatureHeader carries the HMAC-SHA256 signature of a pushed webhook body.
const SignatureHeader = "X-Chatsync-Signature"

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// The signature may carry a "sha256=" prefix. Comparison is constant-time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := SignWebhookBody(body, secret)
	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the hex HMAC-SHA256 of body, without prefix.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookFrames parses a webhook body holding one frame or an array of
// frames. Only the envelopes are validated here; payloads are parsed when
// the frames are applied.
func ParseWebhookFrames(body string) ([]Frame, error) {
	trimmed := bytes.TrimSpace([]byte(body))
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty webhook body")
	}

	var frames []Frame
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &frames); err != nil {
			return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
		}
	} else {
		var f Frame
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
		}
		frames = []Frame{f}
	}

	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames in webhook body")
	}
	for i, f := range frames {
		if f.Type == "" {
			return nil, fmt.Errorf("missing type field in frame %d", i)
		}
	}
	return frames, nil
}

// ============================================================================
// PushWebhook
// ============================================================================

// PushWebhook is a receive-only Transport for relay deployments where the
// chat server POSTs signed frames to this process instead of holding a
// socket open. Frames are accepted while the transport is connected.
type PushWebhook struct {
	handlerSet

	secret string
	mu     sync.Mutex
	state  ConnectionState
	rooms  roomSet
}

// NewPushWebhook creates a webhook transport verifying bodies with secret.
func NewPushWebhook(secret string) (*PushWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &PushWebhook{
		secret: secret,
		state:  StateDisconnected,
		rooms:  make(roomSet),
	}, nil
}

// Connect starts accepting frames.
func (w *PushWebhook) Connect(ctx context.Context) error {
	w.setState(StateConnected)
	return nil
}

// Disconnect stops accepting frames.
func (w *PushWebhook) Disconnect() error {
	w.setState(StateDisconnected)
	return nil
}

func (w *PushWebhook) setState(s ConnectionState) {
	w.mu.Lock()
	changed := w.state != s
	w.state = s
	w.mu.Unlock()
	if changed {
		w.emitState(s, nil)
	}
}

// State returns the current state.
func (w *PushWebhook) State() ConnectionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Subscribe records interest in a room. Frames for other rooms are still
// delivered so unread counts stay current.
func (w *PushWebhook) Subscribe(ctx context.Context, roomID string) error {
	w.mu.Lock()
	w.rooms[roomID] = struct{}{}
	w.mu.Unlock()
	return nil
}

// Unsubscribe drops interest in a room.
func (w *PushWebhook) Unsubscribe(ctx context.Context, roomID string) error {
	w.mu.Lock()
	delete(w.rooms, roomID)
	w.mu.Unlock()
	return nil
}

// Rooms returns the subscribed rooms.
func (w *PushWebhook) Rooms() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rooms.sorted()
}

// Publish is unsupported; the webhook only receives.
func (w *PushWebhook) Publish(ctx context.Context, cmd *Command) error {
	return ErrPublishUnsupported
}

// Verify verifies an HMAC-SHA256 signature.
func (w *PushWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a webhook request (verify + parse + dispatch).
// Returns the status code and response body for the caller to write.
func (w *PushWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	frames, err := ParseWebhookFrames(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if w.State() != StateConnected {
		return http.StatusServiceUnavailable, map[string]string{"error": "Not accepting frames"}
	}

	for _, f := range frames {
		w.dispatch(f)
	}
	return http.StatusOK, map[string]any{"ok": true, "accepted": len(frames)}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := chatsync.NewPushWebhook("secret")
//	http.Handle("/chat/push", wh.HTTPHandler())
func (w *PushWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
