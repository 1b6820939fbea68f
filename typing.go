package chatsync

import (
	"sort"
	"time"
)

// ============================================================================
// Typing Indicators
// ============================================================================

// DefaultTypistName is shown for a typist who supplied no display name.
const DefaultTypistName = "Người dùng"

// DefaultTypingTTL is how long a typing entry survives without a refresh.
const DefaultTypingTTL = 8 * time.Second

// TypingIndicator is a typing start/stop notice for one room.
type TypingIndicator struct {
	RoomID     string     `json:"roomId,omitempty"`
	SenderID   string     `json:"senderId"`
	SenderName string     `json:"senderName,omitempty"`
	SenderType SenderType `json:"senderType"`
	IsTyping   bool       `json:"isTyping"`
}

// ShouldSuppress reports whether an indicator must be hidden from the local
// actor: either it is the actor's own echo, or it comes from the actor's own
// side of the conversation.
func ShouldSuppress(ind TypingIndicator, localSenderID string, localSenderType SenderType) bool {
	return ind.SenderID == localSenderID || ind.SenderType == localSenderType
}

// Typist is one surfaced typing entry.
type Typist struct {
	SenderID string
	Name     string
}

type typingEntry struct {
	name string
	seen time.Time
}

// TypingTracker holds the surfaced typing state of every room. It is not
// safe for concurrent use.
type TypingTracker struct {
	ttl   time.Duration
	rooms map[string]map[string]typingEntry
}

// NewTypingTracker creates a tracker whose entries expire after ttl. A
// negative ttl disables expiry; zero selects DefaultTypingTTL.
func NewTypingTracker(ttl time.Duration) *TypingTracker {
	if ttl == 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{ttl: ttl, rooms: make(map[string]map[string]typingEntry)}
}

// Apply folds an indicator into the room's typing map on behalf of the local
// actor. It reports whether the surfaced state changed.
func (t *TypingTracker) Apply(ind TypingIndicator, localID string, localType SenderType, now time.Time) bool {
	if ind.RoomID == "" || ind.SenderID == "" || ShouldSuppress(ind, localID, localType) {
		return false
	}
	room := t.rooms[ind.RoomID]
	if !ind.IsTyping {
		if _, ok := room[ind.SenderID]; !ok {
			return false
		}
		delete(room, ind.SenderID)
		if len(room) == 0 {
			delete(t.rooms, ind.RoomID)
		}
		return true
	}

	name := ind.SenderName
	if name == "" {
		name = DefaultTypistName
	}
	if room == nil {
		room = make(map[string]typingEntry)
		t.rooms[ind.RoomID] = room
	}
	prev, existed := room[ind.SenderID]
	room[ind.SenderID] = typingEntry{name: name, seen: now}
	return !existed || prev.name != name
}

// Typists returns the room's typists ordered by sender id.
func (t *TypingTracker) Typists(roomID string) []Typist {
	room := t.rooms[roomID]
	out := make([]Typist, 0, len(room))
	for id, e := range room {
		out = append(out, Typist{SenderID: id, Name: e.name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SenderID < out[j].SenderID })
	return out
}

// Sweep drops entries not refreshed within the TTL and returns the ids of
// rooms whose typing state changed.
func (t *TypingTracker) Sweep(now time.Time) []string {
	if t.ttl < 0 {
		return nil
	}
	var changed []string
	for roomID, room := range t.rooms {
		n := len(room)
		for id, e := range room {
			if now.Sub(e.seen) >= t.ttl {
				delete(room, id)
			}
		}
		if len(room) != n {
			changed = append(changed, roomID)
		}
		if len(room) == 0 {
			delete(t.rooms, roomID)
		}
	}
	sort.Strings(changed)
	return changed
}

// Clear drops the typing state of one room.
func (t *TypingTracker) Clear(roomID string) bool {
	if _, ok := t.rooms[roomID]; !ok {
		return false
	}
	delete(t.rooms, roomID)
	return true
}

// Reset drops all typing state.
func (t *TypingTracker) Reset() {
	t.rooms = make(map[string]map[string]typingEntry)
}
