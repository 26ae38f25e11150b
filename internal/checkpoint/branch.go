package checkpoint

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/store"
)

// MetaMergedBranch records the branch last merged into a session
const MetaMergedBranch = "merge.branch"

// MessageConflict is one place where two branches disagree. MessageID is set
// when both touched the same message; otherwise Parent names the message
// both branches continued from. Local is the target branch's side and
// Remote the merged-in branch's; a nil side means that branch removed it.
type MessageConflict struct {
	MessageID  string              `json:"message_id,omitempty" yaml:"message_id,omitempty"`
	Parent     string              `json:"parent,omitempty" yaml:"parent,omitempty"`
	Local      *internal.Message   `json:"local,omitempty" yaml:"local,omitempty"`
	Remote     *internal.Message   `json:"remote,omitempty" yaml:"remote,omitempty"`
	Resolution internal.Resolution `json:"resolution,omitempty" yaml:"resolution,omitempty"`
}

// MergeOptions control MergeBranches
type MergeOptions struct {
	// Strategy settles conflicts. PreferLocal keeps the target branch,
	// PreferRemote the merged-in one, LastWriteWins the most recently
	// updated branch (the target on a tie). Manual leaves conflicts open
	// and writes nothing.
	Strategy internal.ConflictStrategy
	DryRun   bool
}

// BranchMerge is the outcome of MergeBranches
type BranchMerge struct {
	Session   *internal.Session `json:"session,omitempty" yaml:"session,omitempty"`
	Base      string            `json:"base_checkpoint,omitempty" yaml:"base_checkpoint,omitempty"`
	Conflicts []MessageConflict `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	Saved     bool              `json:"saved" yaml:"saved"`
}

// Unresolved counts conflicts left open
func (r *BranchMerge) Unresolved() int {
	n := 0
	for _, c := range r.Conflicts {
		if c.Resolution == internal.Unresolved {
			n++
		}
	}
	return n
}

// forkPoint finds the checkpoint two sessions diverged from
func forkPoint(a, b *internal.Session) string {
	switch {
	case b.Meta(internal.MetaForkSession) == a.ID:
		return b.Meta(internal.MetaForkCheckpoint)
	case a.Meta(internal.MetaForkSession) == b.ID:
		return a.Meta(internal.MetaForkCheckpoint)
	case a.Meta(internal.MetaForkCheckpoint) != "" && a.Meta(internal.MetaForkCheckpoint) == b.Meta(internal.MetaForkCheckpoint):
		return a.Meta(internal.MetaForkCheckpoint)
	}
	return ""
}

// MergeBranches merges the messages of session otherID into session
// targetID. When the two share a fork point the merge is three-way against
// it; otherwise messages are matched by id alone. Both sides changing the
// same message, one side changing what the other removed, and both sides
// continuing from the same message are conflicts.
func (m *Manager) MergeBranches(ctx context.Context, targetID, otherID string, opts MergeOptions) (*BranchMerge, error) {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = internal.Manual
	}
	out := &BranchMerge{}
	err := m.store.WithTx(ctx, "merge branches "+targetID, func(tx *store.Tx) error {
		a, err := tx.LoadSession(ctx, targetID)
		if err != nil {
			return err
		}
		b, err := tx.LoadSession(ctx, otherID)
		if err != nil {
			return err
		}

		var base []internal.Message
		hasBase := false
		if id := forkPoint(a, b); id != "" {
			base, err = materialize(ctx, tx, id)
			switch {
			case err == nil:
				out.Base, hasBase = id, true
			case !errors.Is(err, internal.ErrNotFound):
				return err
			}
		}

		localWins := true
		switch strategy {
		case internal.PreferRemote:
			localWins = false
		case internal.LastWriteWins:
			localWins = a.UpdatedAt >= b.UpdatedAt
		}
		msgs, conflicts := mergeMessages(base, hasBase, a.Messages, b.Messages, strategy != internal.Manual, localWins)
		out.Conflicts = conflicts

		merged := a.Clone()
		merged.Messages = msgs
		merged.SetMeta(MetaMergedBranch, b.ID)
		merged.Normalize()
		out.Session = merged

		if opts.DryRun || out.Unresolved() > 0 {
			return nil
		}
		if _, err := tx.UpsertSession(ctx, merged); err != nil {
			return err
		}
		out.Saved = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("branches merged",
		zap.String("target", targetID),
		zap.String("other", otherID),
		zap.String("base", out.Base),
		zap.Int("conflicts", len(out.Conflicts)),
		zap.Int("unresolved", out.Unresolved()),
		zap.Bool("saved", out.Saved))
	return out, nil
}

// mergeMessages is the message-level merge. resolve says whether conflicts
// are settled; localWins picks the side that settles them.
func mergeMessages(base []internal.Message, hasBase bool, a, b []internal.Message, resolve, localWins bool) ([]internal.Message, []MessageConflict) {
	baseIdx := indexByID(base)
	aIdx := indexByID(a)
	bIdx := indexByID(b)

	resolution := internal.Unresolved
	if resolve {
		resolution = internal.ResolvedRemote
		if localWins {
			resolution = internal.ResolvedLocal
		}
	}
	takeLocal := !resolve || localWins

	var conflicts []MessageConflict
	keep := make(map[string]internal.Message)
	conflict := func(id string, la, rb *internal.Message) {
		conflicts = append(conflicts, MessageConflict{MessageID: id, Local: la, Remote: rb, Resolution: resolution})
		side := rb
		if takeLocal {
			side = la
		}
		if side != nil {
			keep[id] = *side
		}
	}
	ptr := func(m internal.Message, ok bool) *internal.Message {
		if !ok {
			return nil
		}
		return &m
	}

	// messages the fork point already had
	if hasBase {
		for _, x := range base {
			am, inA := aIdx[x.ID]
			bm, inB := bIdx[x.ID]
			aChanged := inA && !internal.MessageEqual(am, x)
			bChanged := inB && !internal.MessageEqual(bm, x)
			switch {
			case !inA && !inB:
			case !inA:
				if bChanged {
					conflict(x.ID, nil, ptr(bm, true))
				}
			case !inB:
				if aChanged {
					conflict(x.ID, ptr(am, true), nil)
				}
			case aChanged && bChanged && !internal.MessageEqual(am, bm):
				conflict(x.ID, ptr(am, true), ptr(bm, true))
			case bChanged:
				keep[x.ID] = bm
			default:
				keep[x.ID] = am
			}
		}
	}

	// messages added since, or all of them without a fork point
	addedA := make(map[string]bool)
	addedB := make(map[string]bool)
	for _, m := range a {
		if _, inBase := baseIdx[m.ID]; inBase {
			continue
		}
		bm, inB := bIdx[m.ID]
		switch {
		case !inB:
			addedA[m.ID] = true
			keep[m.ID] = m
		case internal.MessageEqual(m, bm):
			keep[m.ID] = m
		default:
			conflict(m.ID, ptr(m, true), ptr(bm, true))
		}
	}
	for _, m := range b {
		if _, inBase := baseIdx[m.ID]; inBase {
			continue
		}
		if _, inA := aIdx[m.ID]; !inA {
			addedB[m.ID] = true
			keep[m.ID] = m
		}
	}

	// both branches continuing from the same message
	parentsA := effectiveParents(a)
	parentsB := effectiveParents(b)
	rootsA := runRoots(a, addedA, parentsA)
	rootsB := runRoots(b, addedB, parentsB)
	for _, rootA := range orderedRoots(a, rootsA) {
		p := parentsA[rootA]
		rootB, ok := rootsByParent(rootsB, parentsB)[p]
		if !ok {
			continue
		}
		ma, mb := aIdx[rootA], bIdx[rootB]
		conflicts = append(conflicts, MessageConflict{Parent: p, Local: &ma, Remote: &mb, Resolution: resolution})
		if takeLocal {
			dropRun(keep, b, addedB, parentsB, rootB)
		} else {
			dropRun(keep, a, addedA, parentsA, rootA)
		}
	}

	var out []internal.Message
	emitted := make(map[string]bool)
	for _, side := range [][]internal.Message{a, b} {
		for _, m := range side {
			if k, ok := keep[m.ID]; ok && !emitted[m.ID] {
				emitted[m.ID] = true
				out = append(out, k)
			}
		}
	}
	internal.SortMessages(out)
	return out, conflicts
}

// effectiveParents maps each message to its parent id, or to the message
// before it when the source keeps no parent links
func effectiveParents(msgs []internal.Message) map[string]string {
	ordered := append([]internal.Message(nil), msgs...)
	internal.SortMessages(ordered)
	parents := make(map[string]string, len(ordered))
	prev := ""
	for _, m := range ordered {
		if m.ParentID != "" {
			parents[m.ID] = m.ParentID
		} else {
			parents[m.ID] = prev
		}
		prev = m.ID
	}
	return parents
}

// runRoots returns the added messages whose parent was not added on the
// same side: the first message of each new continuation
func runRoots(msgs []internal.Message, added map[string]bool, parents map[string]string) map[string]bool {
	roots := make(map[string]bool)
	for _, m := range msgs {
		if added[m.ID] && !added[parents[m.ID]] {
			roots[m.ID] = true
		}
	}
	return roots
}

func orderedRoots(msgs []internal.Message, roots map[string]bool) []string {
	ordered := append([]internal.Message(nil), msgs...)
	internal.SortMessages(ordered)
	var out []string
	for _, m := range ordered {
		if roots[m.ID] {
			out = append(out, m.ID)
		}
	}
	return out
}

func rootsByParent(roots map[string]bool, parents map[string]string) map[string]string {
	out := make(map[string]string, len(roots))
	for id := range roots {
		p := parents[id]
		if prev, ok := out[p]; !ok || id < prev {
			out[p] = id
		}
	}
	return out
}

// dropRun removes root and every added message descending from it
func dropRun(keep map[string]internal.Message, msgs []internal.Message, added map[string]bool, parents map[string]string, root string) {
	dropped := map[string]bool{root: true}
	for changed := true; changed; {
		changed = false
		for _, m := range msgs {
			if added[m.ID] && !dropped[m.ID] && dropped[parents[m.ID]] {
				dropped[m.ID] = true
				changed = true
			}
		}
	}
	for id := range dropped {
		delete(keep, id)
	}
}
