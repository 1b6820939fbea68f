package chatsync

import (
	"context"
	"errors"
)

// ConnectionState is the state of a push transport.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateError        ConnectionState = "ERROR"
)

var (
	// ErrNoActor is returned when an operation needs an identified actor and
	// none is set. Nothing is sent to the network.
	ErrNoActor = errors.New("chatsync: no actor identity")
	// ErrNotConnected is returned by transports asked to publish while down.
	ErrNotConnected = errors.New("chatsync: transport not connected")
	// ErrPublishUnsupported is returned by receive-only transports.
	ErrPublishUnsupported = errors.New("chatsync: transport cannot publish")
	ErrRoomClosed         = errors.New("chatsync: room is closed")
	ErrSessionClosed      = errors.New("chatsync: session closed")
	ErrUnknownRoom        = errors.New("chatsync: unknown room")
)

// Transport is a push channel delivering room frames.
//
// Implementations invoke frame and state handlers from their own goroutines.
// A transport reconnects on its own after unexpected loss and re-establishes
// every room it was subscribed to; it reports that through a CONNECTED state
// change.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	State() ConnectionState
	Subscribe(ctx context.Context, roomID string) error
	Unsubscribe(ctx context.Context, roomID string) error
	Publish(ctx context.Context, cmd *Command) error
	OnFrame(h func(Frame))
	OnStateChange(h func(ConnectionState, error))
}

// HistoryFetcher loads pages of room history, newest page first.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, roomID string, pageSize int, beforeMessageID string) (*HistoryPage, error)
}

// MessageSender persists a message with a request/response call.
type MessageSender interface {
	SendMessage(ctx context.Context, roomID string, payload SendPayload) (*Message, error)
}

// RoomService lists and claims rooms.
type RoomService interface {
	ListRooms(ctx context.Context, category RoomCategory, scope RoomScope) ([]Room, error)
	JoinRoom(ctx context.Context, roomID string) (*Room, error)
}

// Backend bundles the request/response collaborators a Session needs.
type Backend interface {
	HistoryFetcher
	MessageSender
	RoomService
}
