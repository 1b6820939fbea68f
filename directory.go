package chatsync

import "sort"

// ============================================================================
// Room Directory
// ============================================================================

// Directory tracks the rooms visible to the current actor, their unread
// counts and last-message previews, and which room is active.
//
// A Directory is not safe for concurrent use; Session serializes access.
type Directory struct {
	rooms  map[string]*Room
	order  []string
	active string
	open   bool
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{rooms: make(map[string]*Room)}
}

// Load upserts rooms from a directory fetch. Existing rooms keep their
// local unread count when the fetched room reports none.
func (d *Directory) Load(rooms []Room) {
	for _, r := range rooms {
		if cur, ok := d.rooms[r.ID]; ok && r.UnreadCount == 0 {
			r.UnreadCount = cur.UnreadCount
		}
		d.Put(r)
	}
}

// Put inserts or replaces one room.
func (d *Directory) Put(r Room) {
	if r.ID == "" {
		return
	}
	if r.Status == "" {
		r.Status = RoomActive
	}
	if r.UnreadCount < 0 {
		r.UnreadCount = 0
	}
	if _, ok := d.rooms[r.ID]; !ok {
		d.order = append(d.order, r.ID)
	}
	c := r.clone()
	d.rooms[r.ID] = &c
}

// Get returns a copy of a room.
func (d *Directory) Get(roomID string) (Room, bool) {
	r, ok := d.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return r.clone(), true
}

// Len returns the number of rooms held.
func (d *Directory) Len() int { return len(d.rooms) }

// Rooms returns the rooms of a category, newest first. An empty category
// returns every room. Rooms without a creation time sort last.
func (d *Directory) Rooms(category RoomCategory) []Room {
	out := make([]Room, 0, len(d.order))
	for _, id := range d.order {
		r := d.rooms[id]
		if category != "" && r.Type.Category() != category {
			continue
		}
		out = append(out, r.clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// SetActive records the active room and whether its chat panel is open.
func (d *Directory) SetActive(roomID string, open bool) {
	d.active = roomID
	d.open = open
}

// Active returns the active room id and whether its panel is open.
func (d *Directory) Active() (string, bool) { return d.active, d.open }

// NoteMessage records an arrived message against its room: the last-message
// preview moves forward and the unread count grows unless the room is the
// active room with its panel open. Provisional messages and messages for
// unknown rooms are ignored. It reports whether the room changed.
func (d *Directory) NoteMessage(m Message, viewerID string) bool {
	r, ok := d.rooms[m.RoomID]
	if !ok || m.IsProvisional() {
		return false
	}
	changed := false
	if r.LastMessage == nil || m.SentAt >= r.LastMessage.SentAt {
		r.LastMessage = &MessageSummary{Content: m.Content, SentAt: m.SentAt}
		changed = true
	}
	if m.SenderID == viewerID && viewerID != "" {
		return changed
	}
	if m.RoomID == d.active && d.open {
		return changed
	}
	r.UnreadCount++
	return true
}

// ResetUnread zeroes a room's unread count. It reports whether it changed.
func (d *Directory) ResetUnread(roomID string) bool {
	r, ok := d.rooms[roomID]
	if !ok || r.UnreadCount == 0 {
		return false
	}
	r.UnreadCount = 0
	return true
}

// SetStatus updates a room's status. It reports whether it changed.
func (d *Directory) SetStatus(roomID string, status RoomStatus) bool {
	r, ok := d.rooms[roomID]
	if !ok || r.Status == status {
		return false
	}
	r.Status = status
	return true
}

// Unread returns the total unread count over all rooms.
func (d *Directory) Unread() int {
	n := 0
	for _, r := range d.rooms {
		n += r.UnreadCount
	}
	return n
}

// Reset removes every room and clears the active room.
func (d *Directory) Reset() {
	d.rooms = make(map[string]*Room)
	d.order = nil
	d.active = ""
	d.open = false
}

// directoryState is a restorable copy of one room entry and the active room
// selection.
type directoryState struct {
	room    Room
	present bool
	active  string
	open    bool
}

func (d *Directory) save(roomID string) directoryState {
	st := directoryState{active: d.active, open: d.open}
	st.room, st.present = d.Get(roomID)
	return st
}

func (d *Directory) restore(roomID string, st directoryState) {
	if st.present {
		c := st.room.clone()
		if _, ok := d.rooms[roomID]; !ok {
			d.order = append(d.order, roomID)
		}
		d.rooms[roomID] = &c
	} else if _, ok := d.rooms[roomID]; ok {
		delete(d.rooms, roomID)
		for i, id := range d.order {
			if id == roomID {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
	}
	d.active = st.active
	d.open = st.open
}
