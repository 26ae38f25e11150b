// Package checkpoint keeps immutable point-in-time copies of a session's
// messages, and forks and merges conversation branches built from them.
//
// A checkpoint is either a full snapshot or a delta against its parent
// checkpoint. Deltas are chained at most MaxDeltaChain deep before the next
// checkpoint is written as a snapshot again.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/store"
)

// MaxDeltaChain is the default longest run of deltas between snapshots
const MaxDeltaChain = 8

// State is where a session stands against its checkpoints
type State string

const (
	StateClean        State = "clean"
	StateModified     State = "modified"
	StateCheckpointed State = "checkpointed"
)

// Options configure a Manager
type Options struct {
	Logger        *zap.Logger
	MaxDeltaChain int
}

// Manager creates and reads checkpoints in a store
type Manager struct {
	store    *store.Store
	log      *zap.Logger
	maxChain int
	now      func() int64
}

// New creates a Manager over st
func New(st *store.Store, opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = internal.L()
	}
	chain := opts.MaxDeltaChain
	if chain <= 0 {
		chain = MaxDeltaChain
	}
	return &Manager{store: st, log: log.Named("checkpoint"), maxChain: chain, now: internal.NowMillis}
}

// getter is satisfied by *store.Store and *store.Tx
type getter interface {
	GetCheckpoint(ctx context.Context, id string) (*internal.Checkpoint, error)
	LatestCheckpoint(ctx context.Context, sessionID string) (*internal.Checkpoint, error)
}

// Created is the outcome of CreateCheckpoint
type Created struct {
	Checkpoint *internal.Checkpoint `json:"checkpoint" yaml:"checkpoint"`
	From       State                `json:"from" yaml:"from"`
	To         State                `json:"to" yaml:"to"`
}

// materialize rebuilds the full message set of a checkpoint
func materialize(ctx context.Context, g getter, id string) ([]internal.Message, error) {
	var chain []*internal.Checkpoint
	for next := id; ; {
		cp, err := g.GetCheckpoint(ctx, next)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cp)
		if cp.Kind == internal.CheckpointSnapshot {
			break
		}
		if cp.ParentID == "" {
			return nil, fmt.Errorf("delta checkpoint %s has no parent", cp.ID)
		}
		if len(chain) > 1024 {
			return nil, fmt.Errorf("checkpoint %s: delta chain does not end in a snapshot", id)
		}
		next = cp.ParentID
	}

	msgs := append([]internal.Message(nil), chain[len(chain)-1].Messages...)
	for i := len(chain) - 2; i >= 0; i-- {
		msgs = apply(msgs, chain[i])
	}
	return msgs, nil
}

// Materialize returns the full message set recorded by a checkpoint
func (m *Manager) Materialize(ctx context.Context, checkpointID string) ([]internal.Message, error) {
	return materialize(ctx, m.store, checkpointID)
}

// base returns the checkpoint a session is compared with: its newest
// checkpoint, or the checkpoint it was forked from. Nil when neither exists.
func base(ctx context.Context, g getter, s *internal.Session) (*internal.Checkpoint, error) {
	cp, err := g.LatestCheckpoint(ctx, s.ID)
	if err == nil {
		return cp, nil
	}
	if !errors.Is(err, internal.ErrNotFound) {
		return nil, err
	}
	if id := s.Meta(internal.MetaForkCheckpoint); id != "" {
		cp, err := g.GetCheckpoint(ctx, id)
		if err == nil {
			return cp, nil
		}
		if !errors.Is(err, internal.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func status(s *internal.Session, b *internal.Checkpoint) State {
	if b == nil {
		if len(s.Messages) == 0 {
			return StateClean
		}
		return StateModified
	}
	if internal.MessagesHash(s.Messages) == b.ContentHash {
		return StateClean
	}
	return StateModified
}

// Status reports whether a session has changed since its last checkpoint
func (m *Manager) Status(ctx context.Context, sessionID string) (State, error) {
	s, err := m.store.LoadSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	b, err := base(ctx, m.store, s)
	if err != nil {
		return "", err
	}
	return status(s, b), nil
}

// CreateCheckpoint records the current messages of a session. It writes a
// delta against the previous checkpoint when that is smaller than a snapshot
// and the delta chain is short enough. A tag already used in the session
// fails with ErrCheckpointExists.
func (m *Manager) CreateCheckpoint(ctx context.Context, sessionID, tag string) (*Created, error) {
	var out *Created
	err := m.store.WithTx(ctx, "checkpoint "+sessionID, func(tx *store.Tx) error {
		s, err := tx.LoadSession(ctx, sessionID)
		if err != nil {
			return err
		}
		b, err := base(ctx, tx, s)
		if err != nil {
			return err
		}
		from := status(s, b)

		cp := &internal.Checkpoint{
			ID:           uuid.NewString(),
			SessionID:    s.ID,
			Tag:          tag,
			Kind:         internal.CheckpointSnapshot,
			ContentHash:  internal.MessagesHash(s.Messages),
			MessageCount: len(s.Messages),
			CreatedAt:    m.now(),
			Messages:     s.Messages,
		}
		if b != nil {
			cp.ParentID = b.ID
			if err := m.tryDelta(ctx, tx, cp, b, s.Messages); err != nil {
				return err
			}
		}
		if err := tx.InsertCheckpoint(ctx, cp); err != nil {
			return err
		}
		out = &Created{Checkpoint: cp, From: from, To: StateCheckpointed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("checkpoint created",
		zap.String("session", sessionID),
		zap.String("checkpoint", out.Checkpoint.ID),
		zap.String("kind", string(out.Checkpoint.Kind)),
		zap.Int("depth", out.Checkpoint.Depth))
	return out, nil
}

// tryDelta turns cp into a delta against b when that is worth it and the
// delta rebuilds exactly the same message sequence
func (m *Manager) tryDelta(ctx context.Context, tx *store.Tx, cp, b *internal.Checkpoint, current []internal.Message) error {
	depth := 1
	if b.Kind == internal.CheckpointDelta {
		depth = b.Depth + 1
	}
	if depth > m.maxChain {
		return nil
	}
	prev, err := materialize(ctx, tx, b.ID)
	if err != nil {
		return err
	}
	d := Diff(prev, current)
	delta := &internal.Checkpoint{ParentID: b.ID}
	delta.Messages = append(delta.Messages, d.Added...)
	for _, c := range d.Changed {
		delta.Messages = append(delta.Messages, c.To)
	}
	for _, r := range d.Removed {
		delta.Removed = append(delta.Removed, r.ID)
	}
	if len(delta.Messages)+len(delta.Removed) >= len(current) {
		return nil
	}
	// ties in created_at can replay in a different order than stored
	if internal.MessagesHash(apply(prev, delta)) != cp.ContentHash {
		return nil
	}
	cp.Kind = internal.CheckpointDelta
	cp.Depth = depth
	cp.Messages = delta.Messages
	cp.Removed = delta.Removed
	return nil
}

// List returns a session's checkpoints, oldest first
func (m *Manager) List(ctx context.Context, sessionID string) ([]internal.Checkpoint, error) {
	return m.store.ListCheckpoints(ctx, sessionID)
}

// Resolve finds a checkpoint by id, or by tag within a session
func (m *Manager) Resolve(ctx context.Context, sessionID, ref string) (*internal.Checkpoint, error) {
	cp, err := m.store.GetCheckpoint(ctx, ref)
	if err == nil || !errors.Is(err, internal.ErrNotFound) || sessionID == "" {
		return cp, err
	}
	list, err := m.store.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Tag == ref {
			return &list[i], nil
		}
	}
	return nil, fmt.Errorf("checkpoint %q in session %s: %w", ref, sessionID, internal.ErrNotFound)
}

// Diff compares the message sets of two checkpoints
func (m *Manager) Diff(ctx context.Context, fromID, toID string) (MessageDelta, error) {
	from, err := m.Materialize(ctx, fromID)
	if err != nil {
		return MessageDelta{}, err
	}
	to, err := m.Materialize(ctx, toID)
	if err != nil {
		return MessageDelta{}, err
	}
	return Diff(from, to), nil
}

// Fork creates a new session holding the messages of a checkpoint. The new
// session records the checkpoint and the session it came from.
func (m *Manager) Fork(ctx context.Context, checkpointID, title string) (*internal.Session, error) {
	var fork *internal.Session
	err := m.store.WithTx(ctx, "fork "+checkpointID, func(tx *store.Tx) error {
		cp, err := tx.GetCheckpoint(ctx, checkpointID)
		if err != nil {
			return err
		}
		msgs, err := materialize(ctx, tx, cp.ID)
		if err != nil {
			return err
		}
		origin, err := tx.GetSession(ctx, cp.SessionID)
		if err != nil && !errors.Is(err, internal.ErrNotFound) {
			return err
		}
		if origin == nil {
			origin = &internal.Session{ID: cp.SessionID, Provider: "fork"}
		}
		if title == "" {
			title = "Fork of " + origin.Title
			if origin.Title == "" {
				title = "Fork of " + origin.ID
			}
		}
		now := m.now()
		fork = &internal.Session{
			ID:          uuid.NewString(),
			WorkspaceID: origin.WorkspaceID,
			Provider:    origin.Provider,
			Title:       title,
			Model:       origin.Model,
			CreatedAt:   now,
			UpdatedAt:   now,
			Metadata:    userMeta(origin.Metadata),
			Messages:    msgs,
		}
		fork.SetMeta(internal.MetaForkCheckpoint, cp.ID)
		fork.SetMeta(internal.MetaForkSession, cp.SessionID)
		fork.Normalize()
		_, err = tx.UpsertSession(ctx, fork)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("session forked", zap.String("checkpoint", checkpointID), zap.String("session", fork.ID))
	return fork, nil
}

// userMeta drops provenance and lineage keys that belong to the original
func userMeta(meta map[string]string) map[string]string {
	out := maps.Clone(meta)
	for k := range out {
		if strings.HasPrefix(k, internal.MetaSourcePrefix) || strings.HasPrefix(k, "fork.") {
			delete(out, k)
		}
	}
	return out
}

// Prune deletes all but the newest keep checkpoints of a session. Tagged
// checkpoints are kept, as is any checkpoint a kept delta or a forked
// session still depends on. It returns the deleted ids.
func (m *Manager) Prune(ctx context.Context, sessionID string, keep int) ([]string, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep must not be negative")
	}
	var deleted []string
	err := m.store.WithTx(ctx, "prune "+sessionID, func(tx *store.Tx) error {
		list, err := tx.ListCheckpoints(ctx, sessionID)
		if err != nil {
			return err
		}
		byID := make(map[string]*internal.Checkpoint, len(list))
		for i := range list {
			byID[list[i].ID] = &list[i]
		}
		retained := make(map[string]bool)
		for i := range list {
			if list[i].Tag != "" || i >= len(list)-keep {
				retained[list[i].ID] = true
			}
		}
		// a kept delta needs its whole chain down to the snapshot
		for id := range maps.Clone(retained) {
			for cp := byID[id]; cp != nil && cp.Kind == internal.CheckpointDelta; cp = byID[cp.ParentID] {
				retained[cp.ParentID] = true
			}
		}

		for i := len(list) - 1; i >= 0; i-- {
			cp := list[i]
			if retained[cp.ID] {
				continue
			}
			inUse, err := tx.CheckpointInUse(ctx, cp.ID)
			if err != nil {
				return err
			}
			if inUse {
				continue
			}
			if err := tx.DeleteCheckpoint(ctx, cp.ID); err != nil {
				return err
			}
			deleted = append(deleted, cp.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(deleted) > 0 {
		m.log.Info("checkpoints pruned", zap.String("session", sessionID), zap.Int("deleted", len(deleted)))
	}
	return deleted, nil
}
