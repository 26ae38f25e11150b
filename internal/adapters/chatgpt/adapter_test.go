package chatgpt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
	"github.com/iksnae/session-vault/internal/adapters/jsonfile"
	"github.com/iksnae/session-vault/testutil"
)

const exportJSON = `[
  {
    "id": "c1",
    "title": "Trip plan",
    "create_time": 1700000000.0,
    "update_time": 1700000010.0,
    "current_node": "a1",
    "default_model_slug": "gpt-4o",
    "mapping": {
      "root": {"id": "root", "message": null, "parent": null, "children": ["sys"]},
      "sys": {"id": "sys", "parent": "root", "children": ["u1"],
        "message": {"id": "sys", "author": {"role": "system"}, "content": {"content_type": "text", "parts": ["be nice"]}}},
      "u1": {"id": "u1", "parent": "sys", "children": ["a1", "h1"],
        "message": {"id": "u1", "author": {"role": "user"}, "create_time": 1700000001.5,
          "content": {"content_type": "text", "parts": ["where to?"]}}},
      "h1": {"id": "h1", "parent": "u1", "children": [],
        "message": {"id": "h1", "author": {"role": "assistant"}, "create_time": 1700000001.6,
          "content": {"content_type": "text", "parts": ["hidden"]},
          "metadata": {"is_visually_hidden_from_conversation": true}}},
      "a1": {"id": "a1", "parent": "u1", "children": ["x1"],
        "message": {"id": "a1", "author": {"role": "assistant"}, "create_time": 1700000002,
          "content": {"content_type": "multimodal_text", "parts": ["Lisbon", {"content_type": "image_asset_pointer"}]},
          "metadata": {"model_slug": "gpt-4o"}}},
      "x1": {"id": "x1", "parent": "a1", "children": [],
        "message": {"id": "x1", "author": {"role": "critic"}, "content": {"parts": ["?"]}}}
    }
  },
  {"id": "c2", "is_archived": true, "update_time": 1700000020, "mapping": {}},
  {"conversation_id": "c3", "title": "Late", "update_time": 1700000030, "mapping": {}}
]`

func writeExport(t *testing.T) string {
	t.Helper()
	dir := testutil.CreateTempDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conversations.json"), []byte(exportJSON), 0644))
	return dir
}

func ids(refs []adapters.NativeSessionRef) []string {
	var out []string
	for _, r := range refs {
		out = append(out, r.NativeID)
	}
	return out
}

func TestList(t *testing.T) {
	a := New(writeExport(t))
	ctx := context.Background()

	refs, err := adapters.Collect(ctx, a, adapters.FetchOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c3"}, ids(refs))
	assert.Equal(t, int64(1700000010000), refs[0].UpdatedAt)

	refs, err = adapters.Collect(ctx, a, adapters.FetchOptions{IncludeArchived: true, After: 1700000015000})
	require.NoError(t, err)
	assert.Equal(t, []string{"c2", "c3"}, ids(refs))

	_, err = a.List(ctx, adapters.FetchOptions{Cursor: "nope"})
	assert.Error(t, err)
}

func TestList_MissingExport(t *testing.T) {
	a := New(filepath.Join(testutil.CreateTempDir(t), "conversations.json"))
	page, err := a.List(context.Background(), adapters.FetchOptions{})
	require.NoError(t, err)
	assert.Empty(t, page.Refs)
}

func TestFetch_WalksMapping(t *testing.T) {
	a := New(writeExport(t))
	ns, err := a.Fetch(context.Background(), adapters.NativeSessionRef{NativeID: "c1"})
	require.NoError(t, err)

	assert.Equal(t, adapters.FormatDAG, ns.Format)
	require.Len(t, ns.Dropped, 1, "unknown author role")

	s := ns.Session
	assert.Equal(t, "chatgpt:c1", s.ID)
	assert.Equal(t, "Trip plan", s.Title)
	assert.Equal(t, "a1", s.Meta(internal.MetaSourcePrefix+"chatgpt.current_node"))
	require.Len(t, s.Messages, 2)

	u, as := s.Messages[0], s.Messages[1]
	assert.Equal(t, internal.RoleUser, u.Role)
	assert.Equal(t, int64(1700000001500), u.CreatedAt)
	assert.Empty(t, u.ParentID, "system scaffolding is skipped")
	assert.Equal(t, "Lisbon\n[image]", as.Content)
	assert.Equal(t, "u1", as.ParentID)
	assert.Equal(t, "gpt-4o", as.Model)
	assert.Equal(t, 2, s.MessageCount)
}

func TestFetch_AfterListSeeks(t *testing.T) {
	a := New(writeExport(t))
	ctx := context.Background()
	_, err := adapters.Collect(ctx, a, adapters.FetchOptions{IncludeArchived: true})
	require.NoError(t, err)
	require.Contains(t, a.offsets, "c3")

	ns, err := a.Fetch(ctx, adapters.NativeSessionRef{NativeID: "c3"})
	require.NoError(t, err)
	assert.Equal(t, "Late", ns.Session.Title)

	_, err = a.Fetch(ctx, adapters.NativeSessionRef{NativeID: "nope"})
	assert.ErrorIs(t, err, internal.ErrNotFound)
}

func TestFetch_NotAnArray(t *testing.T) {
	dir := testutil.CreateTempDir(t)
	path := filepath.Join(dir, "conversations.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id": "c1"}`), 0644))

	_, err := New(path).Fetch(context.Background(), adapters.NativeSessionRef{NativeID: "c1"})
	var perr *internal.FormatParseError
	assert.ErrorAs(t, err, &perr)
}

func TestContentText(t *testing.T) {
	c := content{Text: "code", Parts: nil}
	assert.Equal(t, "code", c.text())

	c = content{}
	testutil.JSONUnmarshal(t, []byte(`{"parts": ["a", "", {"text": "b"}, 3]}`), &c)
	assert.Equal(t, "a\nb", c.text())
}

// The same conversation read from two formats carries different
// provenance but must hash the same.
func TestFetch_HashMatchesOtherFormats(t *testing.T) {
	ctx := context.Background()
	ns, err := New(writeExport(t)).Fetch(ctx, adapters.NativeSessionRef{NativeID: "c1"})
	require.NoError(t, err)

	dir := testutil.CreateTempDir(t)
	path := filepath.Join(dir, "c1.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "id": "c1",
  "title": "Trip plan",
  "model": "gpt-4o",
  "messages": [
    {"id": "u1", "role": "user", "content": "where to?", "created_at": 1700000001500},
    {"id": "a1", "role": "assistant", "content": "Lisbon\n[image]", "created_at": 1700000002000}
  ]
}`), 0644))
	files, err := jsonfile.New(jsonfile.Options{Dir: dir})
	require.NoError(t, err)
	doc, err := files.Fetch(ctx, adapters.NativeSessionRef{NativeID: "c1", Locator: path})
	require.NoError(t, err)

	assert.NotEqual(t, ns.Session.Meta(internal.MetaSourceFormat), doc.Session.Meta(internal.MetaSourceFormat))
	assert.Equal(t, internal.ContentHash(doc.Session), internal.ContentHash(ns.Session))
}
