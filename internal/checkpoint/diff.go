package checkpoint

import (
	"github.com/iksnae/session-vault/internal"
)

// MessageChange is one message present on both sides with different content
type MessageChange struct {
	From internal.Message `json:"from" yaml:"from"`
	To   internal.Message `json:"to" yaml:"to"`
}

// MessageDelta is the difference between two message sets, keyed by message
// id. Added and Changed carry the newer side; Removed carries the older.
type MessageDelta struct {
	Added   []internal.Message `json:"added" yaml:"added"`
	Removed []internal.Message `json:"removed" yaml:"removed"`
	Changed []MessageChange    `json:"changed" yaml:"changed"`
}

// Empty reports whether the two sides were equal
func (d MessageDelta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Diff compares message sets by identity and content. Results follow the
// order of the side they come from.
func Diff(from, to []internal.Message) MessageDelta {
	before := indexByID(from)
	after := indexByID(to)

	var d MessageDelta
	for _, m := range to {
		old, ok := before[m.ID]
		switch {
		case !ok:
			d.Added = append(d.Added, m)
		case !internal.MessageEqual(old, m):
			d.Changed = append(d.Changed, MessageChange{From: old, To: m})
		}
	}
	for _, m := range from {
		if _, ok := after[m.ID]; !ok {
			d.Removed = append(d.Removed, m)
		}
	}
	return d
}

func indexByID(msgs []internal.Message) map[string]internal.Message {
	idx := make(map[string]internal.Message, len(msgs))
	for _, m := range msgs {
		idx[m.ID] = m
	}
	return idx
}

// apply plays a stored delta onto base. Replaced messages keep their
// position and added ones are appended before the chronological sort.
func apply(base []internal.Message, cp *internal.Checkpoint) []internal.Message {
	removed := make(map[string]bool, len(cp.Removed))
	for _, id := range cp.Removed {
		removed[id] = true
	}
	upserts := indexByID(cp.Messages)

	out := make([]internal.Message, 0, len(base)+len(cp.Messages))
	placed := make(map[string]bool, len(cp.Messages))
	for _, m := range base {
		if removed[m.ID] {
			continue
		}
		if u, ok := upserts[m.ID]; ok {
			m = u
			placed[m.ID] = true
		}
		out = append(out, m)
	}
	for _, m := range cp.Messages {
		if !placed[m.ID] {
			out = append(out, m)
		}
	}
	internal.SortMessages(out)
	return out
}
