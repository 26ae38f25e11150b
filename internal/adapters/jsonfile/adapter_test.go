package jsonfile

import (
	"context"
	"errors"
	"os"
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

func writeDoc(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func newAdapter(t *testing.T, dir string, probe hostprobe.Probe) *Adapter {
	t.Helper()
	a, err := New(Options{Dir: dir, Probe: probe, Resolver: &pathid.Resolver{}})
	require.NoError(t, err)
	return a
}

func TestFetch_FlatArray(t *testing.T) {
	dir := testutil.CreateTempDir(t)
	writeDoc(t, dir, "a.json", `{
		"id": "s1",
		"title": "Refactor",
		"workspaceDirectory": "file:///home/dev/app",
		"created_at": "2023-11-14T22:13:20Z",
		"messages": [
			{"id": "u1", "role": "user", "content": "rename it", "created_at": 1700000001},
			{"id": "a1", "role": "assistant", "content": [{"type": "text", "text": "done"}, {"type": "text", "text": "twice"}], "created_at": 1700000002000},
			{"id": "x1", "role": "narrator", "content": "?"},
			{"id": "t1", "role": "tool", "content": {"bad": true}}
		]
	}`)
	a := newAdapter(t, dir, nil)

	ns, err := a.Fetch(context.Background(), adapters.NativeSessionRef{NativeID: "s1"})
	require.NoError(t, err)
	assert.Len(t, ns.Dropped, 2)

	s := ns.Session
	assert.Equal(t, "jsonfile:s1", s.ID)
	assert.Equal(t, int64(1700000000000), s.CreatedAt)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, int64(1700000001000), s.Messages[0].CreatedAt, "seconds are normalized")
	assert.Equal(t, "done\ntwice", s.Messages[1].Content)

	require.NotNil(t, ns.Workspace)
	assert.Equal(t, "/home/dev/app", ns.Workspace.ProjectPath)
	assert.Equal(t, ns.Workspace.ID, s.WorkspaceID)
}

func TestFetch_HistoryItems(t *testing.T) {
	dir := testutil.CreateTempDir(t)
	writeDoc(t, dir, "h.json", `{
		"sessionId": "cont-1",
		"dateCreated": 1700000000000,
		"history": [
			{"message": {"role": "user", "content": "hi"}},
			{"message": {"role": "assistant", "content": "hello"}}
		]
	}`)
	a := newAdapter(t, dir, nil)

	ns, err := a.Fetch(context.Background(), adapters.NativeSessionRef{NativeID: "cont-1"})
	require.NoError(t, err)
	s := ns.Session
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "m0", s.Messages[0].ID)
	assert.Equal(t, int64(1700000000000), s.Messages[0].CreatedAt)
	assert.Equal(t, int64(1700000000001), s.Messages[1].CreatedAt)
}

func TestFetch_SchemaViolation(t *testing.T) {
	dir := testutil.CreateTempDir(t)
	path := writeDoc(t, dir, "bad.json", `{"id": "b", "messages": "not an array"}`)
	a := newAdapter(t, dir, nil)

	_, err := a.Fetch(context.Background(), adapters.NativeSessionRef{NativeID: "b", Locator: path})
	var perr *internal.FormatParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, DefaultName, perr.Source)

	_, err = a.Fetch(context.Background(), adapters.NativeSessionRef{NativeID: "missing"})
	assert.ErrorIs(t, err, internal.ErrNotFound)
}

func TestList(t *testing.T) {
	dir := testutil.CreateTempDir(t)
	writeDoc(t, dir, "1.json", `{"id":"one","updated_at":1700000001000,"messages":[]}`)
	writeDoc(t, dir, "2.json", `{"id":"two","updated_at":1700000002000,"archived":true,"messages":[]}`)
	writeDoc(t, dir, "3.json", `{"id":"three","updated_at":1700000003000,"messages":[]}`)
	writeDoc(t, dir, "broken.json", `{`)
	writeDoc(t, dir, "notes.txt", `ignored`)
	a := newAdapter(t, dir, nil)
	ctx := context.Background()

	refs, err := adapters.Collect(ctx, a, adapters.FetchOptions{Limit: 1})
	require.NoError(t, err)
	var ids []string
	for _, r := range refs {
		ids = append(ids, r.NativeID)
	}
	assert.Equal(t, []string{"one", "three", "broken"}, ids)

	page, err := a.List(ctx, adapters.FetchOptions{IncludeArchived: true, After: 1700000001500, Before: 1700000003000})
	require.NoError(t, err)
	require.Len(t, page.Refs, 1)
	assert.Equal(t, "two", page.Refs[0].NativeID)
}

func TestWriteRoundTrip(t *testing.T) {
	dir := testutil.CreateTempDir(t)
	a := newAdapter(t, dir, nil)
	ctx := context.Background()

	s := testutil.SampleSession("local", "x", 1700000000000, 4)
	s.SetMeta("team", "core")
	ref, err := a.Write(ctx, s, adapters.WriteOptions{})
	require.NoError(t, err)

	ns, err := a.Fetch(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, internal.ContentHash(s), internal.ContentHash(ns.Session))
	assert.Equal(t, internal.MessagesHash(s.Messages), internal.MessagesHash(ns.Session.Messages))

	// rewriting the fetched session keeps its file
	ns.Session.Title = "Edited"
	ref2, err := a.Write(ctx, ns.Session, adapters.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, ref.NativeID, ref2.NativeID)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteGuardedByProbe(t *testing.T) {
	dir := testutil.CreateTempDir(t)
	a := newAdapter(t, dir, hostprobe.Static{Name: "editor", Running: true})
	s := testutil.SampleSession(DefaultName, "x", 1700000000000, 2)

	_, err := a.Write(context.Background(), s, adapters.WriteOptions{})
	var active *internal.HostProcessActiveError
	require.True(t, errors.As(err, &active))

	_, err = a.Write(context.Background(), s, adapters.WriteOptions{Force: true})
	assert.NoError(t, err)
}

func TestDelete(t *testing.T) {
	dir := testutil.CreateTempDir(t)
	writeDoc(t, dir, "custom-name.json", `{"id":"abc","messages":[]}`)
	a := newAdapter(t, dir, nil)
	ctx := context.Background()

	require.NoError(t, a.Delete(ctx, "abc", adapters.WriteOptions{}))
	_, err := os.Stat(filepath.Join(dir, "custom-name.json"))
	assert.True(t, os.IsNotExist(err))
	assert.ErrorIs(t, a.Delete(ctx, "abc", adapters.WriteOptions{}), internal.ErrNotFound)
}
