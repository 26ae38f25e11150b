package cursor

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iksnae/session-vault/testutil"
)

func TestOpenDatabase(t *testing.T) {
	dir := testutil.CreateTempDir(t)
	dbPath := filepath.Join(dir, "test.db")
	testutil.CreateSQLiteFixture(t, dbPath)

	db, err := OpenDatabase(dbPath)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO cursorDiskKV (key, value) VALUES ('x', 'y')`)
	assert.Error(t, err, "read-only connection accepted a write")

	_, err = OpenDatabase(filepath.Join(dir, "nonexistent.db"))
	assert.Error(t, err)
}

func TestQueryCursorDiskKV(t *testing.T) {
	db := testutil.CreateTestDB(t)
	testutil.InsertRows(t, db, testutil.KV{Key: "bubbleId:composer1x:b", Value: `{}`})

	pairs, err := QueryCursorDiskKV(context.Background(), db, likeEscape("bubbleId:composer1:")+"%")
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "bubbleId:composer1:bubble1", pairs[0].Key)
	assert.Equal(t, "bubbleId:composer1:bubble2", pairs[1].Key)
}

func TestGetCursorDiskKV(t *testing.T) {
	db := testutil.CreateTestDB(t)
	ctx := context.Background()

	v, ok, err := GetCursorDiskKV(ctx, db, "composerData:composer2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, v, "Another Conversation")

	_, ok, err = GetCursorDiskKV(ctx, db, "composerData:nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListComposerRows(t *testing.T) {
	db := testutil.CreateTestDB(t)
	testutil.InsertRows(t, db,
		testutil.KV{Key: "composerData:archived", Value: `{"lastUpdatedAt":1700000005000,"isArchived":true}`},
		testutil.KV{Key: "composerData:broken", Value: `{not json`},
		testutil.KV{Key: "composerData:texttime", Value: `{"lastUpdatedAt":"2020-01-01T00:00:00Z"}`},
	)
	ctx := context.Background()

	keys := func(rows []composerRow) []string {
		var out []string
		for _, r := range rows {
			out = append(out, r.Key)
		}
		return out
	}

	rows, err := listComposerRows(ctx, db, "", 0, 0, false, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"composerData:broken", "composerData:composer1", "composerData:composer2", "composerData:texttime"}, keys(rows))

	rows, err = listComposerRows(ctx, db, "", 0, 0, true, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 5)
	assert.True(t, rows[0].Archived)

	// from excludes composer1; text and unreadable rows pass through
	rows, err = listComposerRows(ctx, db, "", 1700000003000, 0, false, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"composerData:broken", "composerData:composer2", "composerData:texttime"}, keys(rows))

	rows, err = listComposerRows(ctx, db, "composerData:composer1", 0, 0, false, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"composerData:composer2"}, keys(rows))
}

func TestStorage_LoadComposer(t *testing.T) {
	s := NewStorage(testutil.CreateTestDB(t))
	ctx := context.Background()

	c, err := s.LoadComposer(ctx, "composer1")
	require.NoError(t, err)
	assert.Equal(t, "Test Conversation", c.Name)
	assert.Len(t, c.FullConversationHeadersOnly, 2)

	_, err = s.LoadComposer(ctx, "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestStorage_LoadBubbles(t *testing.T) {
	db := testutil.CreateTestDB(t)
	testutil.InsertRows(t, db, testutil.KV{Key: "bubbleId:composer1:bad", Value: `{"text":`})
	s := NewStorage(db)

	bubbles, bad, err := s.LoadBubbles(context.Background(), "composer1")
	require.NoError(t, err)
	assert.Len(t, bubbles, 2)
	assert.Equal(t, "Hello", bubbles["bubble1"].Text)
	assert.Contains(t, bad, "bubbleId:composer1:bad")
}

func TestStorage_LoadMessageContexts(t *testing.T) {
	s := NewStorage(testutil.CreateTestDB(t))

	contexts, err := s.LoadMessageContexts(context.Background(), "composer1")
	require.NoError(t, err)
	require.Len(t, contexts, 1)
	assert.Equal(t, []string{"/path/to/workspace"}, contexts[0].ProjectLayouts)
}
