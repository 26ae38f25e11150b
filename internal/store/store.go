// Package store is the canonical session store: one SQLite file holding
// workspaces, sessions, messages, checkpoints, share links and the sync
// log. Writes are serialized behind a single writer lock and always run in
// a transaction; reads run concurrently with each other.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/iksnae/session-vault/internal"
)

// Options control Open
type Options struct {
	// AutoMigrate runs pending migrations instead of failing on an older store
	AutoMigrate bool
	Logger      *zap.Logger
}

// Store is a handle on one store file
type Store struct {
	db   *sql.DB
	path string
	log  *zap.Logger

	mu     sync.RWMutex // held exclusively by WithTx, shared by reads
	closed bool
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// fileURI turns a filesystem path into a SQLite file: URI
func fileURI(path string) string {
	r := strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")
	return "file:" + r.Replace(filepath.ToSlash(path))
}

func openDB(path string, readOnly bool) (*sql.DB, error) {
	mode := "rwc"
	if readOnly {
		mode = "ro"
	}
	dsn := fileURI(path) + "?mode=" + mode + "&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not ping database: %w", err)
	}
	return db, nil
}

// Open opens the store at path, creating it at the current schema version
// when the file does not exist. An existing file is inspected read-only
// first: an older schema fails with SchemaVersionError unless
// opts.AutoMigrate is set, and a newer one always fails. In both failure
// cases the file is left untouched.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = internal.L()
	}
	log = log.Named("store")

	st, statErr := os.Stat(path)
	fresh := errors.Is(statErr, os.ErrNotExist) || (statErr == nil && st.Size() == 0)
	if statErr != nil && !fresh {
		return nil, fmt.Errorf("could not stat store: %w", statErr)
	}

	if fresh {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("could not create store directory: %w", err)
		}
	} else {
		found, err := SchemaVersion(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("could not read schema version: %w", err)
		}
		if found > CurrentSchemaVersion || (found < CurrentSchemaVersion && !opts.AutoMigrate) {
			return nil, &internal.SchemaVersionError{Path: path, Found: found, Expected: CurrentSchemaVersion}
		}
	}

	db, err := openDB(path, false)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	from, err := migrateTo(ctx, db, CurrentSchemaVersion, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	if from != CurrentSchemaVersion {
		log.Info("store migrated", zap.String("path", path), zap.Int("from", from), zap.Int("to", CurrentSchemaVersion))
	}
	return &Store{db: db, path: path, log: log}, nil
}

// Path returns the store file path
func (s *Store) Path() string { return s.path }

// Close closes the store. Pending writes finish first.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var errClosed = errors.New("store is closed")

// WithTx runs fn in one transaction under the writer lock. Any failure
// rolls the transaction back and is returned as a StoreTransactionError.
func (s *Store) WithTx(ctx context.Context, op string, fn func(*Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &internal.StoreTransactionError{Op: op, Err: errClosed}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &internal.StoreTransactionError{Op: op, Err: err}
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warn("rollback failed", zap.String("op", op), zap.Error(rbErr))
		}
		var txErr *internal.StoreTransactionError
		if errors.As(err, &txErr) {
			return err
		}
		return &internal.StoreTransactionError{Op: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &internal.StoreTransactionError{Op: op, Err: err}
	}
	return nil
}

// read runs fn under the shared lock
func (s *Store) read(fn func(q queryer) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return fn(s.db)
}

// Tx is an open write transaction. It must not be used after the WithTx
// callback returns.
type Tx struct {
	tx *sql.Tx
}

// Stats counts the rows of the main tables
type Stats struct {
	SchemaVersion int `json:"schema_version" yaml:"schema_version"`
	Workspaces    int `json:"workspaces" yaml:"workspaces"`
	Sessions      int `json:"sessions" yaml:"sessions"`
	Messages      int `json:"messages" yaml:"messages"`
	Checkpoints   int `json:"checkpoints" yaml:"checkpoints"`
	ShareLinks    int `json:"share_links" yaml:"share_links"`
	SyncChanges   int `json:"sync_changes" yaml:"sync_changes"`
	OpenConflicts int `json:"open_conflicts" yaml:"open_conflicts"`
}

// Stats returns table counts
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.read(func(q queryer) error {
		counts := []struct {
			dst   *int
			query string
		}{
			{&st.SchemaVersion, `SELECT COALESCE(MAX(version), 0) FROM migrations`},
			{&st.Workspaces, `SELECT COUNT(*) FROM workspaces`},
			{&st.Sessions, `SELECT COUNT(*) FROM sessions`},
			{&st.Messages, `SELECT COUNT(*) FROM messages`},
			{&st.Checkpoints, `SELECT COUNT(*) FROM checkpoints`},
			{&st.ShareLinks, `SELECT COUNT(*) FROM share_links`},
			{&st.SyncChanges, `SELECT COUNT(*) FROM sync_changes`},
			{&st.OpenConflicts, `SELECT COUNT(*) FROM sync_conflicts WHERE resolution = ''`},
		}
		for _, c := range counts {
			if err := q.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
				return err
			}
		}
		return nil
	})
	return st, err
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, internal.ErrNotFound)
}
