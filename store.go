package chatsync

import "time"

// ============================================================================
// Ordered Message Store
// ============================================================================

// MessageStore is the canonical message sequence of one room.
//
// After every operation the list holds no duplicate non-empty ids and is
// sorted by SentAt ascending, ties in insertion order. A MessageStore is not
// safe for concurrent use; Session serializes access to it.
type MessageStore struct {
	roomID  string
	window  time.Duration
	msgs    []Message
	hasMore bool
}

// NewMessageStore creates an empty store for roomID.
func NewMessageStore(roomID string) *MessageStore {
	return &MessageStore{roomID: roomID, window: DefaultSupersedeWindow}
}

// RoomID returns the room the store belongs to.
func (s *MessageStore) RoomID() string { return s.roomID }

// Seed replaces the whole list with a sorted, de-duplicated copy of msgs.
func (s *MessageStore) Seed(msgs []Message) {
	out := append([]Message(nil), msgs...)
	sortMessages(out)
	s.msgs = dedupe(out)
}

// SeedPage seeds from a history page and records whether older pages exist.
func (s *MessageStore) SeedPage(page *HistoryPage) {
	s.Seed(page.Messages)
	s.hasMore = page.HasMore
}

// IDs returns the set of ids currently held.
func (s *MessageStore) IDs() map[string]struct{} {
	out := make(map[string]struct{}, len(s.msgs))
	for _, m := range s.msgs {
		out[m.ID] = struct{}{}
	}
	return out
}

// ReseedPage seeds from page, then merges back every confirmed message that
// is held now but was absent from known. Messages pushed while the page was
// being fetched survive the replacement. It returns how many were carried.
func (s *MessageStore) ReseedPage(page *HistoryPage, known map[string]struct{}) int {
	var live []Message
	for i := range s.msgs {
		m := s.msgs[i]
		if m.IsProvisional() {
			continue
		}
		if _, ok := known[m.ID]; ok {
			continue
		}
		live = append(live, m)
	}
	s.SeedPage(page)
	for _, m := range live {
		s.Append(m)
	}
	return len(live)
}

// Prepend merges an older page into the list. Messages already present by id
// keep their current copy.
func (s *MessageStore) Prepend(older []Message) {
	out := make([]Message, 0, len(older)+len(s.msgs))
	out = append(out, s.msgs...)
	out = append(out, older...)
	out = dedupe(out)
	sortMessages(out)
	s.msgs = out
}

// PrependPage prepends a history page and records whether older pages exist.
func (s *MessageStore) PrependPage(page *HistoryPage) {
	s.Prepend(page.Messages)
	s.hasMore = page.HasMore
}

// Append merges one message into the list.
func (s *MessageStore) Append(m Message) MergeOutcome {
	out, outcome := mergeWithin(s.msgs, m, s.window)
	s.msgs = out
	return outcome
}

// MarkRoomRead marks every message from the other side of the conversation
// read, as seen by viewer, and reports whether any message changed.
func (s *MessageStore) MarkRoomRead(viewer SenderType) bool {
	before := countRead(s.msgs)
	s.msgs = markOtherSideRead(s.msgs, viewer)
	return countRead(s.msgs) != before
}

// ApplyReadStatus applies a read broadcast from readerType as seen by viewer
// and reports whether any message changed.
func (s *MessageStore) ApplyReadStatus(readerType, viewer SenderType) bool {
	before := countRead(s.msgs)
	s.msgs = ApplyReadStatus(s.msgs, readerType, viewer)
	return countRead(s.msgs) != before
}

// Has reports whether a message with id is held.
func (s *MessageStore) Has(id string) bool {
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			return true
		}
	}
	return false
}

// Remove drops the message with id and reports whether it was held.
func (s *MessageStore) Remove(id string) bool {
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			out := make([]Message, 0, len(s.msgs)-1)
			out = append(out, s.msgs[:i]...)
			s.msgs = append(out, s.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// Messages returns a copy of the ordered list.
func (s *MessageStore) Messages() []Message {
	return append([]Message(nil), s.msgs...)
}

// Len returns the number of messages held.
func (s *MessageStore) Len() int { return len(s.msgs) }

// Oldest returns the earliest confirmed message with an id, used as the
// paging cursor for older history.
func (s *MessageStore) Oldest() (Message, bool) {
	for _, m := range s.msgs {
		if m.ID != "" && !m.IsProvisional() {
			return m, true
		}
	}
	return Message{}, false
}

// Latest returns the most recent message.
func (s *MessageStore) Latest() (Message, bool) {
	if len(s.msgs) == 0 {
		return Message{}, false
	}
	return s.msgs[len(s.msgs)-1], true
}

// HasMore reports whether the last fetched page said older history exists.
func (s *MessageStore) HasMore() bool { return s.hasMore }

// Unread counts messages from the other side that viewer has not read.
func (s *MessageStore) Unread(viewer SenderType) int {
	n := 0
	for _, m := range s.msgs {
		if !m.IsRead && m.SenderType.IsStaff() != viewer.IsStaff() {
			n++
		}
	}
	return n
}

func countRead(msgs []Message) int {
	n := 0
	for i := range msgs {
		if msgs[i].IsRead {
			n++
		}
	}
	return n
}
