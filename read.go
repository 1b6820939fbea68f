package chatsync

// ============================================================================
// Read-Receipt Reconciler
// ============================================================================

// ReadStatus is a read broadcast: someone of ReaderType has read the room.
type ReadStatus struct {
	RoomID     string     `json:"roomId"`
	ReaderID   string     `json:"readerId,omitempty"`
	ReaderType SenderType `json:"readerType"`
	ReadAt     Timestamp  `json:"readAt,omitempty"`
}

// ApplyReadStatus returns msgs with the read broadcast applied, as seen by a
// viewer of viewerType. Receipts only ever mark the other party's view of a
// message; a viewer never marks its own messages read through this path.
//
// Staff viewer:
//   - reader is not staff: staff-authored messages become read.
//   - reader is staff: non-staff-authored messages become read.
//
// Non-staff viewer:
//   - a staff-authored message becomes read when the reader's type differs
//     from the viewer's.
//
// IsRead never reverts, so applying the same status twice is a no-op. msgs
// is not modified; when nothing changes it is returned as is.
func ApplyReadStatus(msgs []Message, readerType, viewerType SenderType) []Message {
	var out []Message
	for i := range msgs {
		if msgs[i].IsRead || !readMarks(msgs[i].SenderType, readerType, viewerType) {
			continue
		}
		if out == nil {
			out = append([]Message(nil), msgs...)
		}
		out[i].IsRead = true
	}
	if out == nil {
		return msgs
	}
	return out
}

func readMarks(author, reader, viewer SenderType) bool {
	if viewer.IsStaff() {
		if reader.IsStaff() {
			return !author.IsStaff()
		}
		return author.IsStaff()
	}
	return reader != viewer && author.IsStaff()
}

// markOtherSideRead marks every message from the other side of the
// conversation as read, from the viewer's point of view.
func markOtherSideRead(msgs []Message, viewer SenderType) []Message {
	var out []Message
	for i := range msgs {
		if msgs[i].IsRead || msgs[i].SenderType.IsStaff() == viewer.IsStaff() {
			continue
		}
		if out == nil {
			out = append([]Message(nil), msgs...)
		}
		out[i].IsRead = true
	}
	if out == nil {
		return msgs
	}
	return out
}
