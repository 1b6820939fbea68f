package chatsync

import (
	"encoding/json"
	"strings"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the chat backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic backend response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Actors
// ============================================================================

// SenderType is the role class of a message author.
type SenderType string

const (
	SenderStaff     SenderType = "STAFF"
	SenderCustomer  SenderType = "CUSTOMER"
	SenderDriver    SenderType = "DRIVER"
	SenderGuest     SenderType = "GUEST"
	SenderAnonymous SenderType = "ANONYMOUS"
)

// IsStaff reports whether t is the staff side of a conversation.
func (t SenderType) IsStaff() bool { return t == SenderStaff }

// Valid reports whether t is one of the known sender types.
func (t SenderType) Valid() bool {
	switch t {
	case SenderStaff, SenderCustomer, SenderDriver, SenderGuest, SenderAnonymous:
		return true
	}
	return false
}

// ParseSenderType maps a role string (any case) to a SenderType.
// Unknown roles map to SenderAnonymous.
func ParseSenderType(s string) SenderType {
	t := SenderType(strings.ToUpper(strings.TrimSpace(s)))
	if t.Valid() {
		return t
	}
	switch t {
	case "ADMIN", "SUPPORT", "EMPLOYEE":
		return SenderStaff
	case "USER":
		return SenderCustomer
	}
	return SenderAnonymous
}

// ============================================================================
// Messages
// ============================================================================

// ProvisionalPrefix marks ids assigned locally at optimistic-send time.
const ProvisionalPrefix = "temp-"

// SystemPrefix marks system notices carried in message content.
const SystemPrefix = "SYSTEM:"

// Message is one chat utterance in a room.
type Message struct {
	ID         string     `json:"id"`
	ClientID   string     `json:"clientId,omitempty"`
	RoomID     string     `json:"roomId"`
	SenderID   string     `json:"senderId"`
	SenderName string     `json:"senderName,omitempty"`
	SenderType SenderType `json:"senderType"`
	Content    string     `json:"content"`
	SentAt     Timestamp  `json:"timestamp"`
	IsRead     bool       `json:"isRead"`
}

// IsProvisional reports whether the message carries a client-provisional id.
func (m *Message) IsProvisional() bool {
	return strings.HasPrefix(m.ID, ProvisionalPrefix)
}

// ContentKind classifies what a message's content encodes.
type ContentKind string

const (
	KindText   ContentKind = "text"
	KindLink   ContentKind = "link"
	KindImage  ContentKind = "image"
	KindSystem ContentKind = "system"
)

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".svg"}

// Kind classifies the message content.
func (m *Message) Kind() ContentKind {
	c := strings.TrimSpace(m.Content)
	if strings.HasPrefix(c, SystemPrefix) {
		return KindSystem
	}
	lower := strings.ToLower(c)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		if strings.ContainsAny(c, " \n\t") {
			return KindText
		}
		path := lower
		if i := strings.IndexAny(path, "?#"); i >= 0 {
			path = path[:i]
		}
		for _, ext := range imageExtensions {
			if strings.HasSuffix(path, ext) {
				return KindImage
			}
		}
		return KindLink
	}
	return KindText
}

// SystemText returns the notice text of a system message without its prefix.
func (m *Message) SystemText() string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(m.Content), SystemPrefix))
}

// MessageSummary is the last-message preview kept on a room.
type MessageSummary struct {
	Content string    `json:"content"`
	SentAt  Timestamp `json:"timestamp"`
}

// HistoryPage is one page returned by a history fetch.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// SendPayload is the body of an outbound chat message.
type SendPayload struct {
	Content    string     `json:"content"`
	SenderID   string     `json:"senderId"`
	SenderName string     `json:"senderName,omitempty"`
	SenderType SenderType `json:"senderType"`
	ClientID   string     `json:"clientId,omitempty"`
}

// ============================================================================
// Rooms
// ============================================================================

// RoomType tags what a room is for.
type RoomType string

const (
	RoomSupport          RoomType = "SUPPORT"
	RoomSupported        RoomType = "SUPPORTED"
	RoomOrder            RoomType = "ORDER_TYPE"
	RoomDriverStaffOrder RoomType = "DRIVER_STAFF_ORDER"
)

// RoomStatus is the lifecycle status of a room.
type RoomStatus string

const (
	RoomActive  RoomStatus = "active"
	RoomPending RoomStatus = "pending"
	RoomClosed  RoomStatus = "closed"
)

// RoomCategory groups room types for directory listings.
type RoomCategory string

const (
	CategorySupport RoomCategory = "support"
	CategoryOrder   RoomCategory = "order"
	CategoryDriver  RoomCategory = "driver"
)

// Category returns the directory category a room type belongs to.
func (t RoomType) Category() RoomCategory {
	switch t {
	case RoomOrder:
		return CategoryOrder
	case RoomDriverStaffOrder:
		return CategoryDriver
	}
	return CategorySupport
}

// RoomScope selects between the admin view (all rooms) and the actor's own rooms.
type RoomScope string

const (
	ScopeAll  RoomScope = "all"
	ScopeMine RoomScope = "mine"
)

// Participant is a member of a room.
type Participant struct {
	UserID string     `json:"userId"`
	Role   SenderType `json:"role"`
}

// Room is a chat channel visible to the current actor.
type Room struct {
	ID           string          `json:"id"`
	Type         RoomType        `json:"type"`
	Status       RoomStatus      `json:"status"`
	Participants []Participant   `json:"participants,omitempty"`
	UnreadCount  int             `json:"unreadCount"`
	LastMessage  *MessageSummary `json:"lastMessage,omitempty"`
	CreatedAt    Timestamp       `json:"createdAt"`
}

func (r Room) clone() Room {
	c := r
	if r.Participants != nil {
		c.Participants = append([]Participant(nil), r.Participants...)
	}
	if r.LastMessage != nil {
		lm := *r.LastMessage
		c.LastMessage = &lm
	}
	return c
}
