package cursor

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// OpenDatabase opens a SQLite database in read-only mode
func OpenDatabase(path string) (*sql.DB, error) {
	return openDatabase(fileURI(path) + "?mode=ro")
}

// openWritable opens the editor database for writeback on a single
// connection. The busy timeout lets a write wait out the editor's own short
// transactions.
func openWritable(path string) (*sql.DB, error) {
	db, err := openDatabase(fileURI(path) + "?mode=rw")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}

// fileURI turns a filesystem path into a SQLite file: URI
func fileURI(path string) string {
	r := strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")
	return "file:" + r.Replace(filepath.ToSlash(path))
}

func openDatabase(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return db, nil
}

// KeyValuePair represents a key-value pair from cursorDiskKV
type KeyValuePair struct {
	Key   string
	Value string
}

// QueryCursorDiskKV queries the cursorDiskKV table with a LIKE pattern,
// ordered by key
func QueryCursorDiskKV(ctx context.Context, db *sql.DB, pattern string) ([]KeyValuePair, error) {
	query := `SELECT key, CAST(value AS TEXT) FROM cursorDiskKV WHERE key LIKE ? ESCAPE '\' AND value IS NOT NULL ORDER BY key`
	rows, err := db.QueryContext(ctx, query, pattern)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var pairs []KeyValuePair
	for rows.Next() {
		var pair KeyValuePair
		var value sql.NullString
		if err := rows.Scan(&pair.Key, &value); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		if value.Valid {
			pair.Value = value.String
			pairs = append(pairs, pair)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return pairs, nil
}

// GetCursorDiskKV returns the value stored under key
func GetCursorDiskKV(ctx context.Context, db *sql.DB, key string) (string, bool, error) {
	var value sql.NullString
	err := db.QueryRowContext(ctx, `SELECT CAST(value AS TEXT) FROM cursorDiskKV WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value.String, value.Valid, nil
}

// composerRow is one line of a composer listing
type composerRow struct {
	Key      string
	Updated  any
	Archived bool
}

// listComposerRows returns up to limit composer rows after the key cursor.
// Update times in epoch milliseconds are range-filtered in SQL; other units,
// text values and rows with malformed JSON pass through for the caller to
// handle.
func listComposerRows(ctx context.Context, db *sql.DB, after string, from, to int64, includeArchived bool, limit int) ([]composerRow, error) {
	const query = `
SELECT key, updated, archived FROM (
	SELECT key,
		CASE WHEN json_valid(CAST(value AS TEXT))
			THEN coalesce(json_extract(CAST(value AS TEXT), '$.lastUpdatedAt'), json_extract(CAST(value AS TEXT), '$.createdAt'))
		END AS updated,
		CASE WHEN json_valid(CAST(value AS TEXT))
			THEN coalesce(json_extract(CAST(value AS TEXT), '$.isArchived'), 0)
			ELSE 0
		END AS archived
	FROM cursorDiskKV
	WHERE key LIKE 'composerData:%' AND key > ? AND value IS NOT NULL
)
WHERE (? = 0 OR updated IS NULL OR typeof(updated) = 'text' OR updated NOT BETWEEN 100000000000 AND 99999999999999 OR updated >= ?)
	AND (? = 0 OR updated IS NULL OR typeof(updated) = 'text' OR updated NOT BETWEEN 100000000000 AND 99999999999999 OR updated < ?)
	AND (? OR archived = 0)
ORDER BY key
LIMIT ?`
	rows, err := db.QueryContext(ctx, query, after, from, from, to, to, includeArchived, limit)
	if err != nil {
		return nil, fmt.Errorf("list composers: %w", err)
	}
	defer rows.Close()

	var out []composerRow
	for rows.Next() {
		var r composerRow
		var archived any
		if err := rows.Scan(&r.Key, &r.Updated, &archived); err != nil {
			return nil, fmt.Errorf("scan composer row: %w", err)
		}
		r.Archived = truthy(archived)
		out = append(out, r)
	}
	return out, rows.Err()
}

func truthy(v any) bool {
	switch x := v.(type) {
	case int64:
		return x != 0
	case float64:
		return x != 0
	case bool:
		return x
	case string:
		return x == "1" || x == "true"
	}
	return false
}
