package testutil

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// CreateSQLiteFixture creates an editor database at dbPath holding rows,
// or SampleRows when none are given
func CreateSQLiteFixture(t *testing.T, dbPath string, rows ...KV) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		t.Fatalf("Failed to create fixture directory: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := db.Exec(createKVTable); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	if len(rows) == 0 {
		rows = SampleRows()
	}
	InsertRows(t, db, rows...)
}

// CreateWorkspaceFixture creates workspaceStorage/<hash>/workspace.json
// under basePath pointing at folder
func CreateWorkspaceFixture(t *testing.T, basePath, workspaceHash, folder string) string {
	t.Helper()
	workspaceDir := filepath.Join(basePath, "workspaceStorage", workspaceHash)
	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		t.Fatalf("Failed to create workspace directory: %v", err)
	}

	jsonData := encode(t, map[string]any{"folder": folder})
	if err := os.WriteFile(filepath.Join(workspaceDir, "workspace.json"), jsonData, 0644); err != nil {
		t.Fatalf("Failed to write workspace.json: %v", err)
	}
	return workspaceDir
}

// CreateMockCursorDir creates an editor User directory with one workspace
// for /path/to/workspace and a global database holding SampleRows
func CreateMockCursorDir(t *testing.T) string {
	t.Helper()
	dir := CreateTempDir(t)
	CreateWorkspaceFixture(t, dir, "workspace-hash-123", "file:///path/to/workspace")
	CreateSQLiteFixture(t, filepath.Join(dir, "globalStorage", "state.vscdb"))
	return dir
}

// CreateAgentStoreDB creates a CLI agent store.db with blobs and meta
// tables. Values are marshaled to JSON unless they are strings or bytes.
func CreateAgentStoreDB(t *testing.T, path string, blobs []any, meta map[string]any) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create store directory: %v", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = db.Close() }()

	for _, stmt := range []string{
		`CREATE TABLE blobs (id TEXT PRIMARY KEY, data BLOB)`,
		`CREATE TABLE meta (key TEXT PRIMARY KEY, value TEXT)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("Failed to create store schema: %v", err)
		}
	}
	for i, b := range blobs {
		if _, err := db.Exec(`INSERT INTO blobs (id, data) VALUES (?, ?)`, blobID(i), encode(t, b)); err != nil {
			t.Fatalf("Failed to insert blob: %v", err)
		}
	}
	for k, v := range meta {
		if _, err := db.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)`, k, string(encode(t, v))); err != nil {
			t.Fatalf("Failed to insert meta: %v", err)
		}
	}
}

func blobID(i int) string {
	return string(rune('a'+i/26)) + string(rune('a'+i%26))
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	switch x := v.(type) {
	case string:
		return []byte(x)
	case []byte:
		return x
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal fixture: %v", err)
	}
	return data
}
