package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/store"
	"github.com/iksnae/session-vault/testutil"
)

func newManager(t *testing.T, chain int) (*Manager, *store.Store) {
	t.Helper()
	log := zaptest.NewLogger(t)
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "vault.db"), store.Options{Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	m := New(st, Options{Logger: log, MaxDeltaChain: chain})
	clock := int64(100)
	m.now = func() int64 {
		clock++
		return clock
	}
	return m, st
}

func save(t *testing.T, st *store.Store, s *internal.Session) {
	t.Helper()
	err := st.WithTx(context.Background(), "test save", func(tx *store.Tx) error {
		_, err := tx.UpsertSession(context.Background(), s)
		return err
	})
	require.NoError(t, err)
}

func appendMessage(t *testing.T, st *store.Store, sessionID, id string, at int64, parent string) {
	t.Helper()
	err := st.WithTx(context.Background(), "test append", func(tx *store.Tx) error {
		_, err := tx.InsertMessage(context.Background(), internal.Message{
			ID:        id,
			SessionID: sessionID,
			Role:      internal.RoleUser,
			Content:   "content of " + id,
			CreatedAt: at,
			ParentID:  parent,
		})
		return err
	})
	require.NoError(t, err)
}

func edit(t *testing.T, st *store.Store, sessionID string, fn func(s *internal.Session)) {
	t.Helper()
	s, err := st.LoadSession(context.Background(), sessionID)
	require.NoError(t, err)
	fn(s)
	save(t, st, s)
}

func messageIDs(msgs []internal.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func TestCreateCheckpoint_SnapshotThenDelta(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t, 0)
	s := testutil.SampleSession("test", "chat", 1000, 10)
	save(t, st, s)

	first, err := m.CreateCheckpoint(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, internal.CheckpointSnapshot, first.Checkpoint.Kind)
	assert.Empty(t, first.Checkpoint.ParentID)
	assert.Len(t, first.Checkpoint.Messages, 10)
	assert.Equal(t, StateModified, first.From)
	assert.Equal(t, StateCheckpointed, first.To)

	appendMessage(t, st, s.ID, "chat-m10", 11000, "chat-m9")
	second, err := m.CreateCheckpoint(ctx, s.ID, "")
	require.NoError(t, err)
	cp := second.Checkpoint
	assert.Equal(t, internal.CheckpointDelta, cp.Kind)
	assert.Equal(t, first.Checkpoint.ID, cp.ParentID)
	assert.Equal(t, 1, cp.Depth)
	assert.Equal(t, 11, cp.MessageCount)
	assert.Equal(t, []string{"chat-m10"}, messageIDs(cp.Messages))

	current, err := st.GetMessages(ctx, s.ID)
	require.NoError(t, err)
	msgs, err := m.Materialize(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, messageIDs(current), messageIDs(msgs))
	assert.Equal(t, internal.MessagesHash(current), internal.MessagesHash(msgs))
}

func TestCreateCheckpoint_ChainFallsBackToSnapshot(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t, 2)
	s := testutil.SampleSession("test", "chat", 1000, 6)
	save(t, st, s)

	var kinds []internal.CheckpointKind
	var depths []int
	for i := 0; i < 5; i++ {
		if i > 0 {
			appendMessage(t, st, s.ID, "extra-"+string(rune('a'+i)), int64(10000+i*1000), "")
		}
		c, err := m.CreateCheckpoint(ctx, s.ID, "")
		require.NoError(t, err)
		kinds = append(kinds, c.Checkpoint.Kind)
		depths = append(depths, c.Checkpoint.Depth)

		msgs, err := m.Materialize(ctx, c.Checkpoint.ID)
		require.NoError(t, err)
		assert.Len(t, msgs, 6+i)
	}
	assert.Equal(t, []internal.CheckpointKind{
		internal.CheckpointSnapshot,
		internal.CheckpointDelta,
		internal.CheckpointDelta,
		internal.CheckpointSnapshot,
		internal.CheckpointDelta,
	}, kinds)
	assert.Equal(t, []int{0, 1, 2, 0, 1}, depths)
}

func TestCreateCheckpoint_LargeChangeIsSnapshot(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t, 0)
	s := testutil.SampleSession("test", "chat", 1000, 2)
	save(t, st, s)
	_, err := m.CreateCheckpoint(ctx, s.ID, "")
	require.NoError(t, err)

	edit(t, st, s.ID, func(s *internal.Session) {
		for i := range s.Messages {
			s.Messages[i].Content += " (edited)"
		}
	})
	c, err := m.CreateCheckpoint(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, internal.CheckpointSnapshot, c.Checkpoint.Kind)
	assert.Len(t, c.Checkpoint.Messages, 2)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t, 0)

	empty := &internal.Session{ID: "test:empty", Provider: "test", CreatedAt: 1000}
	save(t, st, empty)
	state, err := m.Status(ctx, empty.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClean, state)

	s := testutil.SampleSession("test", "chat", 1000, 3)
	save(t, st, s)
	state, err = m.Status(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateModified, state)

	_, err = m.CreateCheckpoint(ctx, s.ID, "v1")
	require.NoError(t, err)
	state, err = m.Status(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClean, state)

	c, err := m.CreateCheckpoint(ctx, s.ID, "v1-again")
	require.NoError(t, err)
	assert.Equal(t, StateClean, c.From)

	appendMessage(t, st, s.ID, "late", 9000, "")
	state, err = m.Status(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateModified, state)

	_, err = m.Status(ctx, "test:missing")
	assert.ErrorIs(t, err, internal.ErrNotFound)
}

func TestCreateCheckpoint_DuplicateTag(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t, 0)
	s := testutil.SampleSession("test", "chat", 1000, 3)
	save(t, st, s)

	c, err := m.CreateCheckpoint(ctx, s.ID, "release")
	require.NoError(t, err)
	_, err = m.CreateCheckpoint(ctx, s.ID, "release")
	assert.ErrorIs(t, err, internal.ErrCheckpointExists)

	list, err := m.List(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	byTag, err := m.Resolve(ctx, s.ID, "release")
	require.NoError(t, err)
	assert.Equal(t, c.Checkpoint.ID, byTag.ID)
	byID, err := m.Resolve(ctx, "", c.Checkpoint.ID)
	require.NoError(t, err)
	assert.Equal(t, "release", byID.Tag)
	_, err = m.Resolve(ctx, s.ID, "nope")
	assert.ErrorIs(t, err, internal.ErrNotFound)
}

func TestManagerDiff(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t, 0)
	s := testutil.SampleSession("test", "chat", 1000, 4)
	save(t, st, s)
	first, err := m.CreateCheckpoint(ctx, s.ID, "")
	require.NoError(t, err)

	edit(t, st, s.ID, func(s *internal.Session) {
		s.Messages[1].Content = "rewritten"
		s.Messages = append(s.Messages[:2], s.Messages[3:]...)
	})
	appendMessage(t, st, s.ID, "new", 9000, "")
	second, err := m.CreateCheckpoint(ctx, s.ID, "")
	require.NoError(t, err)

	d, err := m.Diff(ctx, first.Checkpoint.ID, second.Checkpoint.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, messageIDs(d.Added))
	assert.Equal(t, []string{"chat-m2"}, messageIDs(d.Removed))
	require.Len(t, d.Changed, 1)
	assert.Equal(t, "rewritten", d.Changed[0].To.Content)
	assert.Equal(t, "message 1 of chat", d.Changed[0].From.Content)

	same, err := m.Diff(ctx, second.Checkpoint.ID, second.Checkpoint.ID)
	require.NoError(t, err)
	assert.True(t, same.Empty())
}

func TestFork(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t, 0)
	s := testutil.SampleSession("test", "chat", 1000, 4)
	s.Model = "gpt-4o"
	s.SetMeta(internal.MetaSourceLocator, "/tmp/chat.json")
	s.SetMeta("project", "vault")
	save(t, st, s)
	c, err := m.CreateCheckpoint(ctx, s.ID, "")
	require.NoError(t, err)
	appendMessage(t, st, s.ID, "after", 9000, "")

	fork, err := m.Fork(ctx, c.Checkpoint.ID, "")
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, fork.ID)
	assert.Equal(t, "Fork of Session chat", fork.Title)
	assert.Equal(t, "test", fork.Provider)
	assert.Empty(t, fork.ProviderSessionID)
	assert.Equal(t, "gpt-4o", fork.Model)
	assert.Equal(t, c.Checkpoint.ID, fork.Meta(internal.MetaForkCheckpoint))
	assert.Equal(t, s.ID, fork.Meta(internal.MetaForkSession))
	assert.Equal(t, "vault", fork.Meta("project"))
	assert.Empty(t, fork.Meta(internal.MetaSourceLocator))

	stored, err := st.LoadSession(ctx, fork.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"chat-m0", "chat-m1", "chat-m2", "chat-m3"}, messageIDs(stored.Messages))

	state, err := m.Status(ctx, fork.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClean, state)

	named, err := m.Fork(ctx, c.Checkpoint.ID, "experiment")
	require.NoError(t, err)
	assert.Equal(t, "experiment", named.Title)

	_, err = m.Fork(ctx, "missing", "")
	assert.ErrorIs(t, err, internal.ErrNotFound)
}

// branches builds an origin session of four messages with a fork taken at
// its only checkpoint
func branches(t *testing.T) (*Manager, *store.Store, string, string) {
	t.Helper()
	m, st := newManager(t, 0)
	s := testutil.SampleSession("test", "chat", 1000, 4)
	save(t, st, s)
	c, err := m.CreateCheckpoint(context.Background(), s.ID, "fork-point")
	require.NoError(t, err)
	fork, err := m.Fork(context.Background(), c.Checkpoint.ID, "")
	require.NoError(t, err)
	return m, st, s.ID, fork.ID
}

func TestMergeBranches_OneSidedAdditions(t *testing.T) {
	ctx := context.Background()
	m, st, origin, fork := branches(t)
	appendMessage(t, st, fork, "reply", 5000, "chat-m3")

	res, err := m.MergeBranches(ctx, origin, fork, MergeOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)
	assert.True(t, res.Saved)
	assert.NotEmpty(t, res.Base)

	stored, err := st.LoadSession(ctx, origin)
	require.NoError(t, err)
	assert.Equal(t, []string{"chat-m0", "chat-m1", "chat-m2", "chat-m3", "reply"}, messageIDs(stored.Messages))
	assert.Equal(t, fork, stored.Meta(MetaMergedBranch))
	for _, msg := range stored.Messages {
		assert.Equal(t, origin, msg.SessionID)
	}
}

func TestMergeBranches_OneSidedEdit(t *testing.T) {
	ctx := context.Background()
	m, st, origin, fork := branches(t)
	edit(t, st, fork, func(s *internal.Session) { s.Messages[1].Content = "better answer" })

	res, err := m.MergeBranches(ctx, origin, fork, MergeOptions{Strategy: internal.PreferLocal})
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, "better answer", res.Session.Messages[1].Content)
}

func TestMergeBranches_Continuations(t *testing.T) {
	tests := []struct {
		name      string
		strategy  internal.ConflictStrategy
		localAt   int64
		remoteAt  int64
		wantSaved bool
		wantIDs   []string
		want      internal.Resolution
	}{
		{"manual", internal.Manual, 5000, 6000, false, nil, internal.Unresolved},
		{"prefer local", internal.PreferLocal, 5000, 6000, true, []string{"local"}, internal.ResolvedLocal},
		{"prefer remote", internal.PreferRemote, 5000, 6000, true, []string{"remote", "remote-2"}, internal.ResolvedRemote},
		{"last write wins", internal.LastWriteWins, 5000, 6000, true, []string{"remote", "remote-2"}, internal.ResolvedRemote},
		{"last write wins tie", internal.LastWriteWins, 5000, 4500, true, []string{"local"}, internal.ResolvedLocal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m, st, origin, fork := branches(t)
			appendMessage(t, st, origin, "local", tt.localAt, "chat-m3")
			appendMessage(t, st, fork, "remote", tt.remoteAt-500, "chat-m3")
			appendMessage(t, st, fork, "remote-2", tt.remoteAt, "remote")
			if tt.remoteAt < tt.localAt {
				// same last update on both branches
				edit(t, st, fork, func(s *internal.Session) { s.UpdatedAt = tt.localAt })
			}

			res, err := m.MergeBranches(ctx, origin, fork, MergeOptions{Strategy: tt.strategy})
			require.NoError(t, err)
			require.Len(t, res.Conflicts, 1)
			c := res.Conflicts[0]
			assert.Equal(t, "chat-m3", c.Parent)
			assert.Equal(t, "local", c.Local.ID)
			assert.Equal(t, "remote", c.Remote.ID)
			assert.Equal(t, tt.want, c.Resolution)
			assert.Equal(t, tt.wantSaved, res.Saved)

			stored, err := st.LoadSession(ctx, origin)
			require.NoError(t, err)
			ids := messageIDs(stored.Messages)
			if !tt.wantSaved {
				assert.Equal(t, []string{"chat-m0", "chat-m1", "chat-m2", "chat-m3", "local"}, ids)
				return
			}
			assert.Equal(t, append([]string{"chat-m0", "chat-m1", "chat-m2", "chat-m3"}, tt.wantIDs...), ids)
		})
	}
}

func TestMergeBranches_EditConflicts(t *testing.T) {
	ctx := context.Background()
	m, st, origin, fork := branches(t)
	edit(t, st, origin, func(s *internal.Session) {
		s.Messages[1].Content = "local edit"
		s.Messages[2].Content = "local edit of removed"
	})
	edit(t, st, fork, func(s *internal.Session) {
		s.Messages[1].Content = "remote edit"
		s.Messages = append(s.Messages[:2], s.Messages[3:]...)
	})

	res, err := m.MergeBranches(ctx, origin, fork, MergeOptions{Strategy: internal.PreferRemote, DryRun: true})
	require.NoError(t, err)
	assert.False(t, res.Saved)
	require.Len(t, res.Conflicts, 2)

	byID := map[string]MessageConflict{}
	for _, c := range res.Conflicts {
		byID[c.MessageID] = c
	}
	assert.Equal(t, "local edit", byID["chat-m1"].Local.Content)
	assert.Equal(t, "remote edit", byID["chat-m1"].Remote.Content)
	assert.NotNil(t, byID["chat-m2"].Local)
	assert.Nil(t, byID["chat-m2"].Remote)

	assert.Equal(t, []string{"chat-m0", "chat-m1", "chat-m3"}, messageIDs(res.Session.Messages))
	assert.Equal(t, "remote edit", res.Session.Messages[1].Content)

	stored, err := st.LoadSession(ctx, origin)
	require.NoError(t, err)
	assert.Equal(t, "local edit", stored.Messages[1].Content)
}

func TestMergeBranches_WithoutForkPoint(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t, 0)
	a := testutil.SampleSession("test", "a", 1000, 2)
	b := a.Clone()
	b.ID = "test:b"
	b.ProviderSessionID = "b"
	b.Messages = append(b.Messages, internal.Message{ID: "a-m2", Role: internal.RoleUser, Content: "more", CreatedAt: 3000, ParentID: "a-m1"})
	b.Normalize()
	save(t, st, a)
	save(t, st, b)

	res, err := m.MergeBranches(ctx, a.ID, b.ID, MergeOptions{Strategy: internal.Manual})
	require.NoError(t, err)
	assert.Empty(t, res.Base)
	assert.Empty(t, res.Conflicts)
	assert.True(t, res.Saved)
	assert.Equal(t, []string{"a-m0", "a-m1", "a-m2"}, messageIDs(res.Session.Messages))
}

func TestPrune(t *testing.T) {
	// chain of one: snapshot, delta, snapshot, delta, snapshot
	build := func(t *testing.T) (*Manager, *store.Store, string, []string) {
		m, st := newManager(t, 1)
		s := testutil.SampleSession("test", "chat", 1000, 6)
		save(t, st, s)
		var ids []string
		for i := 0; i < 5; i++ {
			if i > 0 {
				appendMessage(t, st, s.ID, "extra-"+string(rune('a'+i)), int64(10000+i*1000), "")
			}
			c, err := m.CreateCheckpoint(context.Background(), s.ID, "")
			require.NoError(t, err)
			ids = append(ids, c.Checkpoint.ID)
		}
		return m, st, s.ID, ids
	}

	t.Run("keeps chains of kept deltas", func(t *testing.T) {
		m, _, sid, ids := build(t)
		deleted, err := m.Prune(context.Background(), sid, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{ids[1], ids[0]}, deleted)

		left, err := m.List(context.Background(), sid)
		require.NoError(t, err)
		assert.Equal(t, []string{ids[2], ids[3], ids[4]}, checkpointIDs(left))
		_, err = m.Materialize(context.Background(), ids[3])
		assert.NoError(t, err)
	})

	t.Run("keeps tags and fork points", func(t *testing.T) {
		m, st, sid, ids := build(t)
		err := st.WithTx(context.Background(), "tag", func(tx *store.Tx) error {
			cp, err := tx.GetCheckpoint(context.Background(), ids[1])
			if err != nil {
				return err
			}
			if err := tx.DeleteCheckpoint(context.Background(), cp.ID); err != nil {
				return err
			}
			cp.Tag = "keep-me"
			return tx.InsertCheckpoint(context.Background(), cp)
		})
		require.NoError(t, err)
		_, err = m.Fork(context.Background(), ids[2], "")
		require.NoError(t, err)

		deleted, err := m.Prune(context.Background(), sid, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{ids[3]}, deleted)
	})

	t.Run("keep zero", func(t *testing.T) {
		m, _, sid, ids := build(t)
		deleted, err := m.Prune(context.Background(), sid, 0)
		require.NoError(t, err)
		assert.ElementsMatch(t, ids, deleted)
	})

	t.Run("negative keep", func(t *testing.T) {
		m, _, sid, _ := build(t)
		_, err := m.Prune(context.Background(), sid, -1)
		assert.Error(t, err)
	})
}

func checkpointIDs(list []internal.Checkpoint) []string {
	ids := make([]string, len(list))
	for i, cp := range list {
		ids[i] = cp.ID
	}
	return ids
}
