//go:build integration

package chatsync_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/haulbase/chatsync"
)

// helpers ---------------------------------------------------------------

func token(t *testing.T) string {
	t.Helper()
	tok := os.Getenv("CHATSYNC_TOKEN_TEST")
	if tok == "" {
		t.Fatal("CHATSYNC_TOKEN_TEST environment variable is required")
	}
	return tok
}

func testRoom(t *testing.T) string {
	t.Helper()
	room := os.Getenv("CHATSYNC_ROOM_TEST")
	if room == "" {
		t.Skip("CHATSYNC_ROOM_TEST not set")
	}
	return room
}

func newClient(t *testing.T) *chatsync.Client {
	t.Helper()
	if base := os.Getenv("CHATSYNC_BASE_URL_TEST"); base != "" {
		return chatsync.NewClient(token(t), chatsync.WithBaseURL(base))
	}
	return chatsync.NewClient(token(t))
}

func newSession(t *testing.T, client *chatsync.Client) *chatsync.Session {
	t.Helper()
	actor, err := chatsync.ActorFromToken(token(t))
	if err != nil {
		t.Fatalf("ActorFromToken: %v", err)
	}
	s, err := chatsync.NewSession(chatsync.Config{
		Transport: client.NewWSTransport(&chatsync.TransportConfig{AutoReconnect: true}),
		Backend:   client,
		Actor:     actor,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// =======================================================================
// Group 1: REST backend
// =======================================================================

func TestIntegration_Rooms_List(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rooms, err := client.ListRooms(ctx, chatsync.CategorySupport, chatsync.ScopeMine)
	if err != nil {
		t.Fatalf("ListRooms returned error: %v", err)
	}
	for _, r := range rooms {
		if r.ID == "" {
			t.Errorf("room without id: %+v", r)
		}
	}
	t.Logf("ListRooms: %d support rooms", len(rooms))
}

func TestIntegration_History_Paging(t *testing.T) {
	client := newClient(t)
	room := testRoom(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	page, err := client.FetchHistory(ctx, room, 5, "")
	if err != nil {
		t.Fatalf("FetchHistory returned error: %v", err)
	}
	t.Logf("newest page: %d messages, hasMore=%v", len(page.Messages), page.HasMore)
	if !page.HasMore || len(page.Messages) == 0 {
		return
	}

	store := chatsync.NewMessageStore(room)
	store.SeedPage(page)
	oldest, _ := store.Oldest()
	older, err := client.FetchHistory(ctx, room, 5, oldest.ID)
	if err != nil {
		t.Fatalf("FetchHistory(before) returned error: %v", err)
	}
	store.PrependPage(older)
	msgs := store.Messages()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].SentAt < msgs[i-1].SentAt {
			t.Fatalf("history out of order at %d", i)
		}
	}
}

// =======================================================================
// Group 2: Session over WebSocket
// =======================================================================

func TestIntegration_Session_SendAndEcho(t *testing.T) {
	client := newClient(t)
	room := testRoom(t)
	s := newSession(t, client)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	content := fmt.Sprintf("integration %d", time.Now().UnixNano())
	confirmed := make(chan chatsync.Message, 1)
	s.On(chatsync.EventMessagesChanged, func(_ string, p any) {
		ch := p.(chatsync.MessagesChanged)
		if ch.Message != nil && ch.Message.Content == content && !ch.Message.IsProvisional() {
			select {
			case confirmed <- *ch.Message:
			default:
			}
		}
	})

	if err := s.SelectRoom(ctx, room); err != nil {
		t.Fatalf("SelectRoom returned error: %v", err)
	}
	sent, err := s.Send(ctx, room, content)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	t.Logf("Send: id=%s", sent.ID)

	select {
	case m := <-confirmed:
		t.Logf("confirmed: id=%s at=%d", m.ID, m.SentAt)
	case <-ctx.Done():
		t.Fatal("no confirmation for sent message")
	}

	count := 0
	for _, m := range s.Messages(room) {
		if m.Content == content {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one copy of the sent message, got %d", count)
	}
}
