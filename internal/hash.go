package internal

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"slices"
	"strconv"
	"strings"
)

// ContentHash is the digest used to detect change without trusting mutable
// timestamps. It covers the title, model, archived flag, non-provenance
// metadata and the chronological message sequence (role, content, created_at).
// Session ids, message ids and parent ids are left out so the same
// conversation read through different adapters hashes the same.
//
// The message walk is order-sensitive: messages are sorted by created_at
// before hashing, so a different native storage order is not a change, but
// swapping two messages that share a timestamp is.
func ContentHash(s *Session) string {
	h := sha256.New()
	writeField(h, "session")
	writeField(h, s.Title)
	writeField(h, s.Model)
	writeField(h, strconv.FormatBool(s.Archived))
	keys := make([]string, 0, len(s.Metadata))
	for k := range s.Metadata {
		if strings.HasPrefix(k, MetaSourcePrefix) {
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		writeField(h, k)
		writeField(h, s.Metadata[k])
	}
	writeMessages(h, s.Messages)
	return hex.EncodeToString(h.Sum(nil))
}

// MessagesHash digests only the message sequence, using the same rules as
// ContentHash. Checkpoints record it.
func MessagesHash(msgs []Message) string {
	h := sha256.New()
	writeMessages(h, msgs)
	return hex.EncodeToString(h.Sum(nil))
}

func writeMessages(h hash.Hash, msgs []Message) {
	ordered := slices.Clone(msgs)
	SortMessages(ordered)
	writeField(h, "messages")
	writeField(h, strconv.Itoa(len(ordered)))
	for _, m := range ordered {
		writeField(h, string(m.Role))
		writeField(h, m.Content)
		writeField(h, strconv.FormatInt(m.CreatedAt, 10))
	}
}

// writeField length-prefixes v so field boundaries cannot collide
func writeField(h hash.Hash, v string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(v)))
	h.Write(n[:])
	h.Write([]byte(v))
}

// MessageEqual reports whether two messages carry the same content
func MessageEqual(a, b Message) bool {
	return a.Role == b.Role && a.Content == b.Content && a.CreatedAt == b.CreatedAt && a.ParentID == b.ParentID
}

// Deduplicator drops repeated messages while keeping first occurrences
type Deduplicator struct {
	seen map[string]struct{}
}

// NewDeduplicator creates a new Deduplicator
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]struct{})}
}

// Seen records the message and reports whether an identical one (same id and
// same content) was already recorded
func (d *Deduplicator) Seen(m Message) bool {
	key := d.key(m)
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	return false
}

func (d *Deduplicator) key(m Message) string {
	h := sha256.New()
	writeField(h, m.ID)
	writeField(h, string(m.Role))
	writeField(h, m.Content)
	writeField(h, strconv.FormatInt(m.CreatedAt, 10))
	return hex.EncodeToString(h.Sum(nil))
}
