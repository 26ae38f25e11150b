package testutil

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

// KV is one cursorDiskKV row
type KV struct {
	Key   string
	Value string
}

const createKVTable = `CREATE TABLE IF NOT EXISTS cursorDiskKV (key TEXT PRIMARY KEY, value BLOB)`

// CreateInMemoryDB creates an in-memory SQLite database holding an empty
// cursorDiskKV table. The pool is pinned to one connection so every query
// sees the same database.
func CreateInMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(createKVTable); err != nil {
		t.Fatalf("Failed to create cursorDiskKV table: %v", err)
	}
	return db
}

// CreateTestDB creates an in-memory database with two composers. composer1
// has two bubbles and a message context; composer2 has none stored.
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db := CreateInMemoryDB(t)
	InsertRows(t, db, SampleRows()...)
	return db
}

// SampleStart is the creation time of composer1 in SampleRows
const SampleStart int64 = 1700000000000

// SampleRows returns the rows CreateTestDB inserts. Times are epoch
// milliseconds counted from SampleStart.
func SampleRows() []KV {
	return []KV{
		{"bubbleId:composer1:bubble1", `{"bubbleId":"bubble1","text":"Hello","timestamp":1700000001000,"type":1}`},
		{"bubbleId:composer1:bubble2", `{"bubbleId":"bubble2","text":"Hi there","timestamp":1700000002000,"type":2}`},
		{"composerData:composer1", `{"composerId":"composer1","name":"Test Conversation","createdAt":1700000000000,"lastUpdatedAt":1700000002000,` +
			`"fullConversationHeadersOnly":[{"bubbleId":"bubble1","type":1},{"bubbleId":"bubble2","type":2}]}`},
		{"composerData:composer2", `{"composerId":"composer2","name":"Another Conversation","createdAt":1700000003000,"lastUpdatedAt":1700000004000}`},
		{"messageRequestContext:composer1:context1", `{"bubbleId":"bubble1","contextId":"context1","projectLayouts":["/path/to/workspace"]}`},
	}
}

// InsertRows inserts cursorDiskKV rows
func InsertRows(t *testing.T, db *sql.DB, rows ...KV) {
	t.Helper()
	for _, r := range rows {
		if _, err := db.Exec("INSERT OR REPLACE INTO cursorDiskKV (key, value) VALUES (?, ?)", r.Key, r.Value); err != nil {
			t.Fatalf("Failed to insert %s: %v", r.Key, err)
		}
	}
}
