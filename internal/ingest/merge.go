package ingest

import (
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"

	"github.com/iksnae/session-vault/internal"
)

const (
	// MergedProvider is the provider of sessions built by Merge
	MergedProvider = "merged"
	// MetaMergeSources lists the original session ids a merge was built from
	MetaMergeSources = "merge.sources"
)

// MergeSources returns the original session ids s was merged from, or s.ID
// itself when s is not a merge result
func MergeSources(s *internal.Session) []string {
	if v := s.Meta(MetaMergeSources); v != "" {
		return strings.Split(v, ",")
	}
	return []string{s.ID}
}

// Merge combines sessions into one session ordered by created_at. Ties keep
// input order. Identical messages (same id and content) collapse; an id
// reused with different content is re-keyed as "<session>/<id>". Merging a
// merge result again only changes the id. An empty id gets a fresh uuid.
func Merge(id string, sessions ...*internal.Session) (*internal.Session, error) {
	if len(sessions) == 0 {
		return nil, internal.ErrNothingToMerge
	}
	if id == "" {
		id = uuid.NewString()
	}

	out := &internal.Session{ID: id, Provider: MergedProvider}
	var sources []string
	seenSource := make(map[string]bool)
	taken := make(map[string]bool)
	dedup := internal.NewDeduplicator()
	workspace, model := sessions[0].WorkspaceID, sessions[0].Model

	for i, s := range sessions {
		if s == nil {
			return nil, fmt.Errorf("merge input %d is nil", i)
		}
		for _, src := range MergeSources(s) {
			if !seenSource[src] {
				seenSource[src] = true
				sources = append(sources, src)
			}
		}
		if s.WorkspaceID != workspace {
			workspace = ""
		}
		if s.Model != model {
			model = ""
		}
		if out.CreatedAt == 0 || (s.CreatedAt != 0 && s.CreatedAt < out.CreatedAt) {
			out.CreatedAt = s.CreatedAt
		}
		out.UpdatedAt = max(out.UpdatedAt, s.UpdatedAt)
		out.TokenCount += s.TokenCount

		rekeyed := make(map[string]string)
		var kept []internal.Message
		for _, m := range s.Messages {
			if dedup.Seen(m) {
				continue
			}
			if taken[m.ID] {
				newID := s.ID + "/" + m.ID
				rekeyed[m.ID] = newID
				m.ID = newID
			}
			m.Metadata = maps.Clone(m.Metadata)
			taken[m.ID] = true
			kept = append(kept, m)
		}
		for j := range kept {
			if to, ok := rekeyed[kept[j].ParentID]; ok {
				kept[j].ParentID = to
			}
		}
		out.Messages = append(out.Messages, kept...)
	}

	out.WorkspaceID = workspace
	out.Model = model
	out.Title = fmt.Sprintf("Merged %d sessions", len(sources))
	out.SetMeta(MetaMergeSources, strings.Join(sources, ","))
	out.Normalize()
	return out, nil
}
