package chatsync

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Wire Frames
// ============================================================================

// Push channel topics of a room.
const (
	TopicMessage    = "message"
	TopicTyping     = "typing"
	TopicReadStatus = "read-status"
	TopicClosed     = "closed"
)

// RoomTopics lists the topics a room subscription covers.
var RoomTopics = []string{TopicMessage, TopicTyping, TopicReadStatus, TopicClosed}

// Frame is the wire envelope of every server-pushed event.
type Frame struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server frame.
type Command struct {
	Type      string      `json:"type"`
	RoomID    string      `json:"roomId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// Client command types.
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandSend        = "message.send"
	CommandTyping      = "typing"
	CommandPing        = "ping"
)

// FrameError reports a push frame that could not be parsed. Such frames are
// dropped.
type FrameError struct {
	Type   string
	RoomID string
	Reason string
	Err    error
}

func (e *FrameError) Error() string {
	msg := fmt.Sprintf("malformed %q frame", e.Type)
	if e.RoomID != "" {
		msg += " for room " + e.RoomID
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FrameError) Unwrap() error { return e.Err }

// ============================================================================
// Events
// ============================================================================

// Event is a parsed push event: one of *MessageEvent, *TypingEvent,
// *ReadStatusEvent or *ClosedEvent.
type Event interface {
	Room() string
	Topic() string
	event()
}

// MessageEvent carries a message delivered on a room's message topic.
type MessageEvent struct {
	Message Message
}

// TypingEvent carries a typing indicator.
type TypingEvent struct {
	Indicator TypingIndicator
}

// ReadStatusEvent carries a read broadcast.
type ReadStatusEvent struct {
	Status ReadStatus
}

// ClosedEvent signals that a room was closed by the server.
type ClosedEvent struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason,omitempty"`
}

func (e *MessageEvent) Room() string    { return e.Message.RoomID }
func (e *TypingEvent) Room() string     { return e.Indicator.RoomID }
func (e *ReadStatusEvent) Room() string { return e.Status.RoomID }
func (e *ClosedEvent) Room() string     { return e.RoomID }

func (*MessageEvent) Topic() string    { return TopicMessage }
func (*TypingEvent) Topic() string     { return TopicTyping }
func (*ReadStatusEvent) Topic() string { return TopicReadStatus }
func (*ClosedEvent) Topic() string     { return TopicClosed }

func (*MessageEvent) event()    {}
func (*TypingEvent) event()     {}
func (*ReadStatusEvent) event() {}
func (*ClosedEvent) event()     {}

// ParseFrame decodes a frame into a typed Event. The frame's room id fills
// in a payload that omits one. Any decode or validation failure is returned
// as a *FrameError.
func ParseFrame(f Frame) (Event, error) {
	fail := func(reason string, err error) (Event, error) {
		return nil, &FrameError{Type: f.Type, RoomID: f.RoomID, Reason: reason, Err: err}
	}
	if len(f.Payload) == 0 || string(f.Payload) == "null" {
		if f.Type == TopicClosed && f.RoomID != "" {
			return &ClosedEvent{RoomID: f.RoomID}, nil
		}
		return fail("missing payload", nil)
	}

	switch f.Type {
	case TopicMessage:
		var m Message
		if err := json.Unmarshal(f.Payload, &m); err != nil {
			return fail("", err)
		}
		if m.ID == "" {
			return fail("message without id", nil)
		}
		if m.RoomID == "" {
			m.RoomID = f.RoomID
		}
		if m.RoomID == "" {
			return fail("message without room", nil)
		}
		m.SenderType = ParseSenderType(string(m.SenderType))
		return &MessageEvent{Message: m}, nil

	case TopicTyping:
		var ind TypingIndicator
		if err := json.Unmarshal(f.Payload, &ind); err != nil {
			return fail("", err)
		}
		if ind.SenderID == "" {
			return fail("typing without sender", nil)
		}
		if ind.RoomID == "" {
			ind.RoomID = f.RoomID
		}
		if ind.RoomID == "" {
			return fail("typing without room", nil)
		}
		ind.SenderType = ParseSenderType(string(ind.SenderType))
		return &TypingEvent{Indicator: ind}, nil

	case TopicReadStatus:
		var rs ReadStatus
		if err := json.Unmarshal(f.Payload, &rs); err != nil {
			return fail("", err)
		}
		if rs.ReaderType == "" {
			return fail("read status without reader type", nil)
		}
		rs.ReaderType = ParseSenderType(string(rs.ReaderType))
		if rs.RoomID == "" {
			rs.RoomID = f.RoomID
		}
		if rs.RoomID == "" {
			return fail("read status without room", nil)
		}
		return &ReadStatusEvent{Status: rs}, nil

	case TopicClosed:
		var c ClosedEvent
		if err := json.Unmarshal(f.Payload, &c); err != nil {
			return fail("", err)
		}
		if c.RoomID == "" {
			c.RoomID = f.RoomID
		}
		if c.RoomID == "" {
			return fail("closed without room", nil)
		}
		return &c, nil
	}
	return fail("unknown frame type", nil)
}

// ParseFrameBytes decodes raw frame JSON and then the event it carries.
func ParseFrameBytes(data []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &FrameError{Reason: "invalid envelope", Err: err}
	}
	return ParseFrame(f)
}
