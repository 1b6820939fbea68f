package chatsync

import (
	"sort"
	"time"
)

// DefaultSupersedeWindow is how close in time a server echo must be to a
// provisional message for the two to be treated as the same utterance.
const DefaultSupersedeWindow = 5 * time.Second

// MergeOutcome describes what Merge did with an incoming message.
type MergeOutcome string

const (
	OutcomeAppended   MergeOutcome = "appended"
	OutcomeDuplicate  MergeOutcome = "duplicate"
	OutcomeSuperseded MergeOutcome = "superseded"
)

// Merge folds one incoming message into an ordered message list.
//
// A message whose id is already present is ignored; an empty id never
// matches. A confirmed message
// replaces the provisional message it echoes. Anything else is appended and
// the list re-sorted by SentAt. existing is never modified; when the outcome
// is OutcomeDuplicate it is returned as is.
func Merge(existing []Message, incoming Message) ([]Message, MergeOutcome) {
	return mergeWithin(existing, incoming, DefaultSupersedeWindow)
}

func mergeWithin(existing []Message, incoming Message, window time.Duration) ([]Message, MergeOutcome) {
	if incoming.ID != "" {
		for i := range existing {
			if existing[i].ID == incoming.ID {
				return existing, OutcomeDuplicate
			}
		}
	}

	if !incoming.IsProvisional() {
		if i := findProvisional(existing, incoming, window); i >= 0 {
			out := append([]Message(nil), existing...)
			out[i] = incoming
			sortMessages(out)
			return out, OutcomeSuperseded
		}
	}

	out := make([]Message, len(existing), len(existing)+1)
	copy(out, existing)
	out = append(out, incoming)
	sortMessages(out)
	return out, OutcomeAppended
}

// findProvisional returns the index of the provisional message that incoming
// confirms, or -1. A matching client correlation id wins; otherwise the first
// provisional message with identical content sent within window matches.
func findProvisional(existing []Message, incoming Message, window time.Duration) int {
	if incoming.ClientID != "" {
		for i := range existing {
			if existing[i].IsProvisional() && existing[i].ClientID == incoming.ClientID {
				return i
			}
		}
	}
	limit := window.Milliseconds()
	for i := range existing {
		m := &existing[i]
		if !m.IsProvisional() || m.Content != incoming.Content {
			continue
		}
		if absMillis(int64(incoming.SentAt)-int64(m.SentAt)) < limit {
			return i
		}
	}
	return -1
}

// sortMessages orders by SentAt ascending, keeping insertion order for ties.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].SentAt < msgs[j].SentAt })
}

// dedupe drops later occurrences of an id, keeping the first. Messages
// without an id cannot be told apart and are all kept.
func dedupe(msgs []Message) []Message {
	seen := make(map[string]struct{}, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		if m.ID == "" {
			out = append(out, m)
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

func absMillis(d int64) int64 {
	if d < 0 {
		return -d
	}
	return d
}
