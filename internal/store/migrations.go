package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/iksnae/session-vault/internal"
)

// CurrentSchemaVersion is the schema this build reads and writes
const CurrentSchemaVersion = 3

type migration struct {
	version int
	name    string
	sql     string
	// backfill runs after sql inside the same transaction
	backfill func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{1, "create_core_tables", createCoreTables, nil},
	{2, "create_checkpoints_and_share_links", createCheckpointTables, nil},
	{3, "create_sync_tables", createSyncTables, backfillContentHashes},
}

// createMigrationsTable creates the schema version marker
func createMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	return err
}

// schemaVersion returns the highest applied migration, or 0 for a database
// without a migrations table
func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'migrations'`).Scan(&n)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM migrations`).Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

// SchemaVersion reads the version of the store at path without writing to
// it. A missing file is version 0.
func SchemaVersion(ctx context.Context, path string) (int, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	db, err := openDB(path, true)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	return schemaVersion(ctx, db)
}

// migrateTo applies pending migrations up to target, one transaction each
func migrateTo(ctx context.Context, db *sql.DB, target int, log *zap.Logger) (from int, err error) {
	if err := createMigrationsTable(ctx, db); err != nil {
		return 0, fmt.Errorf("could not create migrations table: %w", err)
	}
	from, err = schemaVersion(ctx, db)
	if err != nil {
		return 0, err
	}
	for _, m := range migrations {
		if m.version <= from || m.version > target {
			continue
		}
		log.Info("applying migration", zap.Int("version", m.version), zap.String("name", m.name))
		if err := applyMigration(ctx, db, m); err != nil {
			return from, fmt.Errorf("could not apply migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return from, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(m.sql) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if m.backfill != nil {
		if err := m.backfill(ctx, tx); err != nil {
			return fmt.Errorf("backfill: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, internal.NowMillis()); err != nil {
		return err
	}
	return tx.Commit()
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Migrate brings the store at path to CurrentSchemaVersion. It is the
// explicit step Open asks for when it finds an older store.
func Migrate(ctx context.Context, path string, log *zap.Logger) (from, to int, err error) {
	if log == nil {
		log = internal.L()
	}
	found, err := SchemaVersion(ctx, path)
	if err != nil {
		return 0, 0, err
	}
	if found > CurrentSchemaVersion {
		return found, found, &internal.SchemaVersionError{Path: path, Found: found, Expected: CurrentSchemaVersion}
	}
	if found == CurrentSchemaVersion {
		return found, found, nil
	}
	db, err := openDB(path, false)
	if err != nil {
		return found, found, err
	}
	defer db.Close()
	if _, err := migrateTo(ctx, db, CurrentSchemaVersion, log); err != nil {
		return found, found, err
	}
	log.Info("store migrated", zap.String("path", path), zap.Int("from", found), zap.Int("to", CurrentSchemaVersion))
	return found, CurrentSchemaVersion, nil
}

// backfillContentHashes fills the content_hash column added in version 3
func backfillContentHashes(ctx context.Context, tx *sql.Tx) error {
	ids, err := sessionIDs(ctx, tx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s, err := getSession(ctx, tx, id)
		if err != nil {
			return err
		}
		msgs, err := getMessages(ctx, tx, id)
		if err != nil {
			return err
		}
		s.Messages = msgs
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET content_hash = ? WHERE id = ?`, internal.ContentHash(s), id); err != nil {
			return err
		}
	}
	return nil
}

func sessionIDs(ctx context.Context, q queryer) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM sessions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Migration SQL statements

const createCoreTables = `
CREATE TABLE workspaces (
	id TEXT PRIMARY KEY,
	project_path TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	last_modified INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE sessions (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL,
	provider_session_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	token_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0,
	archived INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX idx_sessions_provider ON sessions(provider, provider_session_id);
CREATE INDEX idx_sessions_updated ON sessions(updated_at, id);
CREATE INDEX idx_sessions_workspace ON sessions(workspace_id);

CREATE TABLE messages (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	token_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (session_id, id)
);

CREATE INDEX idx_messages_order ON messages(session_id, created_at, seq);
`

const createCheckpointTables = `
CREATE TABLE checkpoints (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	tag TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	depth INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	messages TEXT NOT NULL DEFAULT '[]',
	removed TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX idx_checkpoints_session ON checkpoints(session_id, created_at);
CREATE UNIQUE INDEX idx_checkpoints_tag ON checkpoints(session_id, tag) WHERE tag != '';

CREATE TABLE share_links (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	url TEXT NOT NULL,
	visibility TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	revoked_at INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX idx_share_links_url ON share_links(session_id, url);
`

const createSyncTables = `
ALTER TABLE sessions ADD COLUMN content_hash TEXT NOT NULL DEFAULT '';

CREATE TABLE sync_changes (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	source TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	change_type TEXT NOT NULL,
	origin TEXT NOT NULL,
	content_hash TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL
);

CREATE INDEX idx_sync_changes_entity ON sync_changes(source, entity_id);

CREATE TABLE sync_conflicts (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	session_id TEXT NOT NULL,
	native_id TEXT NOT NULL DEFAULT '',
	local_hash TEXT NOT NULL DEFAULT '',
	remote_hash TEXT NOT NULL DEFAULT '',
	local TEXT NOT NULL DEFAULT '',
	remote TEXT NOT NULL DEFAULT '',
	strategy TEXT NOT NULL,
	resolution TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	resolved_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_sync_conflicts_source ON sync_conflicts(source, resolution);

CREATE TABLE session_sync_state (
	session_id TEXT NOT NULL,
	source TEXT NOT NULL,
	native_id TEXT NOT NULL DEFAULT '',
	local_hash TEXT NOT NULL DEFAULT '',
	remote_hash TEXT NOT NULL DEFAULT '',
	synced_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, source)
);

CREATE INDEX idx_sync_state_native ON session_sync_state(source, native_id);
`
