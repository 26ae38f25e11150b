package cursor

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
	"github.com/iksnae/session-vault/internal/hostprobe"
	"github.com/iksnae/session-vault/internal/pathid"
	"github.com/iksnae/session-vault/testutil"
)

func newTestAdapter(t *testing.T, running bool) (*Adapter, string) {
	t.Helper()
	dir := testutil.CreateMockCursorDir(t)
	a := New(Options{
		Paths:    PathsFromBase(dir, ""),
		Resolver: &pathid.Resolver{},
		Probe:    hostprobe.Static{Name: "Cursor", Running: running},
	})
	return a, dir
}

func TestAdapter_List(t *testing.T) {
	a, _ := newTestAdapter(t, false)
	ctx := context.Background()

	refs, err := adapters.Collect(ctx, a, adapters.FetchOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "composer1", refs[0].NativeID)
	assert.Equal(t, int64(1700000002000), refs[0].UpdatedAt)
	assert.Equal(t, "composer2", refs[1].NativeID)

	page, err := a.List(ctx, adapters.FetchOptions{After: 1700000003000})
	require.NoError(t, err)
	require.Len(t, page.Refs, 1)
	assert.Equal(t, "composer2", page.Refs[0].NativeID)
	assert.Empty(t, page.Next)
}

func TestAdapter_ListMissingStorage(t *testing.T) {
	a := New(Options{Paths: PathsFromBase(testutil.CreateTempDir(t), ""), Probe: hostprobe.Static{}})
	page, err := a.List(context.Background(), adapters.FetchOptions{})
	require.NoError(t, err)
	assert.Empty(t, page.Refs)
}

func TestAdapter_Fetch(t *testing.T) {
	a, _ := newTestAdapter(t, false)

	ns, err := a.Fetch(context.Background(), adapters.NativeSessionRef{Source: Name, NativeID: "composer1"})
	require.NoError(t, err)
	assert.Equal(t, adapters.FormatKVComposer, ns.Format)
	assert.Empty(t, ns.Dropped)

	s := ns.Session
	assert.Equal(t, "cursor:composer1", s.ID)
	assert.Equal(t, "Test Conversation", s.Title)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "Hello", s.Messages[0].Content)
	assert.Equal(t, internal.RoleUser, s.Messages[0].Role)
	assert.Equal(t, "Hi there", s.Messages[1].Content)
	assert.Equal(t, int64(1700000002000), s.Messages[1].CreatedAt)

	require.NotNil(t, ns.Workspace)
	assert.Equal(t, "/path/to/workspace", ns.Workspace.ProjectPath)
	assert.Equal(t, ns.Workspace.ID, s.WorkspaceID)
	assert.Equal(t, string(adapters.FormatKVComposer), s.Meta(internal.MetaSourceFormat))
}

func TestAdapter_FetchMissing(t *testing.T) {
	a, _ := newTestAdapter(t, false)
	_, err := a.Fetch(context.Background(), adapters.NativeSessionRef{NativeID: "nope"})
	assert.ErrorIs(t, err, internal.ErrNotFound)
}

func TestAdapter_Workspaces(t *testing.T) {
	a, _ := newTestAdapter(t, false)
	ws, err := a.Workspaces(context.Background())
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.Equal(t, Name, ws[0].Provider)
	assert.Equal(t, "/path/to/workspace", ws[0].ProjectPath)
}

func TestAdapter_WriteRoundTrip(t *testing.T) {
	a, _ := newTestAdapter(t, false)
	ctx := context.Background()

	s := testutil.SampleSession("local", "draft", 1700000100000, 3)
	ref, err := a.Write(ctx, s, adapters.WriteOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, "draft", ref.NativeID, "foreign sessions get a fresh composer id")

	ns, err := a.Fetch(ctx, ref)
	require.NoError(t, err)
	got := ns.Session
	assert.Equal(t, s.Title, got.Title)
	require.Len(t, got.Messages, 3)
	for i := range s.Messages {
		assert.Equal(t, s.Messages[i].ID, got.Messages[i].ID)
		assert.Equal(t, s.Messages[i].Role, got.Messages[i].Role)
		assert.Equal(t, s.Messages[i].Content, got.Messages[i].Content)
		assert.Equal(t, s.Messages[i].CreatedAt, got.Messages[i].CreatedAt)
	}
	assert.Equal(t, internal.MessagesHash(s.Messages), internal.MessagesHash(got.Messages))
}

func TestAdapter_WritePreservesUnknownFields(t *testing.T) {
	a, dir := newTestAdapter(t, false)
	ctx := context.Background()
	dbPath := filepath.Join(dir, "globalStorage", "state.vscdb")

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	testutil.InsertRows(t, db, testutil.KV{
		Key:   "composerData:composer1",
		Value: `{"composerId":"composer1","name":"Old","unifiedMode":"agent","fullConversationHeadersOnly":[]}`,
	})
	require.NoError(t, db.Close())

	ns, err := a.Fetch(ctx, adapters.NativeSessionRef{NativeID: "composer1"})
	require.NoError(t, err)
	s := ns.Session
	s.Title = "Renamed"
	_, err = a.Write(ctx, s, adapters.WriteOptions{})
	require.NoError(t, err)

	db, err = OpenDatabase(dbPath)
	require.NoError(t, err)
	defer db.Close()
	v, ok, err := GetCursorDiskKV(ctx, db, "composerData:composer1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, v, `"unifiedMode":"agent"`)
	assert.Contains(t, v, `"name":"Renamed"`)
}

func TestAdapter_WriteRefusedWhileHostRuns(t *testing.T) {
	a, _ := newTestAdapter(t, true)
	ctx := context.Background()
	s := testutil.SampleSession(Name, "composer1", 1700000000000, 2)

	_, err := a.Write(ctx, s, adapters.WriteOptions{})
	var active *internal.HostProcessActiveError
	require.True(t, errors.As(err, &active))
	assert.Equal(t, "Cursor", active.Host)

	err = a.Delete(ctx, "composer1", adapters.WriteOptions{})
	assert.True(t, errors.As(err, &active))

	ref, err := a.Write(ctx, s, adapters.WriteOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, "composer1", ref.NativeID)
}

func TestAdapter_Delete(t *testing.T) {
	a, _ := newTestAdapter(t, false)
	ctx := context.Background()

	require.NoError(t, a.Delete(ctx, "composer1", adapters.WriteOptions{}))
	_, err := a.Fetch(ctx, adapters.NativeSessionRef{NativeID: "composer1"})
	assert.ErrorIs(t, err, internal.ErrNotFound)
	assert.ErrorIs(t, a.Delete(ctx, "composer1", adapters.WriteOptions{}), internal.ErrNotFound)

	refs, err := adapters.Collect(ctx, a, adapters.FetchOptions{})
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}
