package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/iksnae/session-vault/internal"
)

// Share links

// CreateShareLink records a link. Recording the same URL for a session again
// refreshes its visibility and expiry and keeps the original id.
func (t *Tx) CreateShareLink(ctx context.Context, l *internal.ShareLink) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt == 0 {
		l.CreatedAt = internal.NowMillis()
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO share_links (id, session_id, url, visibility, created_at, expires_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(session_id, url) DO UPDATE SET
			visibility = excluded.visibility,
			expires_at = excluded.expires_at
		RETURNING id, created_at, revoked_at`,
		l.ID, l.SessionID, l.URL, l.Visibility, l.CreatedAt, l.ExpiresAt).Scan(&l.ID, &l.CreatedAt, &l.RevokedAt)
	return err
}

// RevokeShareLink tombstones a link
func (t *Tx) RevokeShareLink(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE share_links SET revoked_at = ? WHERE id = ? AND revoked_at = 0`, internal.NowMillis(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("active share link", id)
	}
	return nil
}

// ListShareLinks returns a session's links, revoked ones included when asked
func (s *Store) ListShareLinks(ctx context.Context, sessionID string, includeRevoked bool) ([]internal.ShareLink, error) {
	var out []internal.ShareLink
	err := s.read(func(q queryer) error {
		query := `SELECT id, session_id, url, visibility, created_at, expires_at, revoked_at FROM share_links WHERE session_id = ?`
		if !includeRevoked {
			query += ` AND revoked_at = 0`
		}
		rows, err := q.QueryContext(ctx, query+` ORDER BY created_at, id`, sessionID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var l internal.ShareLink
			if err := rows.Scan(&l.ID, &l.SessionID, &l.URL, &l.Visibility, &l.CreatedAt, &l.ExpiresAt, &l.RevokedAt); err != nil {
				return err
			}
			out = append(out, l)
		}
		return rows.Err()
	})
	return out, err
}

// Sync log

// AppendSyncChange adds an entry to the append-only change log
func (t *Tx) AppendSyncChange(ctx context.Context, c *internal.SyncChange) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Timestamp == 0 {
		c.Timestamp = internal.NowMillis()
	}
	if c.EntityType == "" {
		c.EntityType = internal.EntitySession
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_changes (id, source, entity_type, entity_id, change_type, origin, content_hash, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Source, c.EntityType, c.EntityID, string(c.ChangeType), string(c.Origin), c.ContentHash, c.Timestamp)
	return err
}

// ListSyncChanges returns the change log of a source in append order. An
// empty entityID lists every entity; limit 0 is unbounded.
func (s *Store) ListSyncChanges(ctx context.Context, source, entityID string, limit int) ([]internal.SyncChange, error) {
	var out []internal.SyncChange
	err := s.read(func(q queryer) error {
		query := `SELECT id, source, entity_type, entity_id, change_type, origin, content_hash, timestamp FROM sync_changes WHERE source = ?`
		args := []any{source}
		if entityID != "" {
			query += ` AND entity_id = ?`
			args = append(args, entityID)
		}
		query += ` ORDER BY seq`
		if limit > 0 {
			query += ` LIMIT ?`
			args = append(args, limit)
		}
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				c            internal.SyncChange
				change, orig string
			)
			if err := rows.Scan(&c.ID, &c.Source, &c.EntityType, &c.EntityID, &change, &orig, &c.ContentHash, &c.Timestamp); err != nil {
				return err
			}
			c.ChangeType = internal.ChangeType(change)
			c.Origin = internal.Origin(orig)
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}

// Conflicts

func encodeSide(s *internal.Session) (string, error) {
	if s == nil {
		return "", nil
	}
	b, err := json.Marshal(s)
	return string(b), err
}

func decodeSide(v string) (*internal.Session, error) {
	if v == "" {
		return nil, nil
	}
	var s internal.Session
	if err := json.Unmarshal([]byte(v), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertConflict records a conflict with both competing versions
func (t *Tx) InsertConflict(ctx context.Context, c *internal.SyncConflict) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = internal.NowMillis()
	}
	local, err := encodeSide(c.Local)
	if err != nil {
		return err
	}
	remote, err := encodeSide(c.Remote)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO sync_conflicts (id, source, session_id, native_id, local_hash, remote_hash, local, remote,
			strategy, resolution, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Source, c.SessionID, c.NativeID, c.LocalHash, c.RemoteHash, local, remote,
		string(c.Strategy), string(c.Resolution), c.CreatedAt, c.ResolvedAt)
	return err
}

// ResolveConflict records the side a conflict was settled with
func (t *Tx) ResolveConflict(ctx context.Context, id string, r internal.Resolution) error {
	if r == internal.Unresolved {
		return fmt.Errorf("resolution is empty")
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE sync_conflicts SET resolution = ?, resolved_at = ? WHERE id = ? AND resolution = ''`,
		string(r), internal.NowMillis(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("unresolved conflict", id)
	}
	return nil
}

// SupersedeConflicts closes every open conflict of a session and returns
// how many were closed
func (t *Tx) SupersedeConflicts(ctx context.Context, source, sessionID string) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE sync_conflicts SET resolution = ?, resolved_at = ?
		WHERE source = ? AND session_id = ? AND resolution = ''`,
		string(internal.Superseded), internal.NowMillis(), source, sessionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const conflictColumns = `id, source, session_id, native_id, local_hash, remote_hash, local, remote, strategy, resolution, created_at, resolved_at`

func scanConflict(sc interface{ Scan(...any) error }) (*internal.SyncConflict, error) {
	var (
		c                    internal.SyncConflict
		local, remote        string
		strategy, resolution string
	)
	if err := sc.Scan(&c.ID, &c.Source, &c.SessionID, &c.NativeID, &c.LocalHash, &c.RemoteHash, &local, &remote,
		&strategy, &resolution, &c.CreatedAt, &c.ResolvedAt); err != nil {
		return nil, err
	}
	c.Strategy = internal.ConflictStrategy(strategy)
	c.Resolution = internal.Resolution(resolution)
	var err error
	if c.Local, err = decodeSide(local); err != nil {
		return nil, fmt.Errorf("decode conflict %s local: %w", c.ID, err)
	}
	if c.Remote, err = decodeSide(remote); err != nil {
		return nil, fmt.Errorf("decode conflict %s remote: %w", c.ID, err)
	}
	return &c, nil
}

func getConflict(ctx context.Context, q queryer, id string) (*internal.SyncConflict, error) {
	c, err := scanConflict(q.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("conflict", id)
	}
	return c, err
}

// GetConflict reads a conflict inside the transaction
func (t *Tx) GetConflict(ctx context.Context, id string) (*internal.SyncConflict, error) {
	return getConflict(ctx, t.tx, id)
}

// GetConflict returns one conflict
func (s *Store) GetConflict(ctx context.Context, id string) (*internal.SyncConflict, error) {
	var c *internal.SyncConflict
	err := s.read(func(q queryer) error {
		var err error
		c, err = getConflict(ctx, q, id)
		return err
	})
	return c, err
}

// ListConflicts returns conflicts, oldest first. An empty source lists all
// sources.
func (s *Store) ListConflicts(ctx context.Context, source string, unresolvedOnly bool) ([]internal.SyncConflict, error) {
	var out []internal.SyncConflict
	err := s.read(func(q queryer) error {
		query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE 1 = 1`
		var args []any
		if source != "" {
			query += ` AND source = ?`
			args = append(args, source)
		}
		if unresolvedOnly {
			query += ` AND resolution = ''`
		}
		rows, err := q.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanConflict(rows)
			if err != nil {
				return err
			}
			out = append(out, *c)
		}
		return rows.Err()
	})
	return out, err
}

// Sync state

// PutSyncState records the hashes last synchronized for a session
func (t *Tx) PutSyncState(ctx context.Context, st internal.SessionSyncState) error {
	if st.SyncedAt == 0 {
		st.SyncedAt = internal.NowMillis()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO session_sync_state (session_id, source, native_id, local_hash, remote_hash, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, source) DO UPDATE SET
			native_id = excluded.native_id,
			local_hash = excluded.local_hash,
			remote_hash = excluded.remote_hash,
			synced_at = excluded.synced_at`,
		st.SessionID, st.Source, st.NativeID, st.LocalHash, st.RemoteHash, st.SyncedAt)
	return err
}

// DeleteSyncState forgets a session once it is gone on both sides
func (t *Tx) DeleteSyncState(ctx context.Context, sessionID, source string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM session_sync_state WHERE session_id = ? AND source = ?`, sessionID, source)
	return err
}

const syncStateColumns = `session_id, source, native_id, local_hash, remote_hash, synced_at`

func scanSyncState(sc interface{ Scan(...any) error }) (*internal.SessionSyncState, error) {
	var st internal.SessionSyncState
	if err := sc.Scan(&st.SessionID, &st.Source, &st.NativeID, &st.LocalHash, &st.RemoteHash, &st.SyncedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func getSyncState(ctx context.Context, q queryer, sessionID, source string) (*internal.SessionSyncState, error) {
	st, err := scanSyncState(q.QueryRowContext(ctx,
		`SELECT `+syncStateColumns+` FROM session_sync_state WHERE session_id = ? AND source = ?`, sessionID, source))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("sync state", source+"/"+sessionID)
	}
	return st, err
}

// GetSyncState reads sync state inside the transaction
func (t *Tx) GetSyncState(ctx context.Context, sessionID, source string) (*internal.SessionSyncState, error) {
	return getSyncState(ctx, t.tx, sessionID, source)
}

// GetSyncState returns the sync state of one session against one source
func (s *Store) GetSyncState(ctx context.Context, sessionID, source string) (*internal.SessionSyncState, error) {
	var st *internal.SessionSyncState
	err := s.read(func(q queryer) error {
		var err error
		st, err = getSyncState(ctx, q, sessionID, source)
		return err
	})
	return st, err
}

// ListSyncStates returns every session's sync state against source
func (s *Store) ListSyncStates(ctx context.Context, source string) ([]internal.SessionSyncState, error) {
	var out []internal.SessionSyncState
	err := s.read(func(q queryer) error {
		rows, err := q.QueryContext(ctx, `SELECT `+syncStateColumns+` FROM session_sync_state WHERE source = ? ORDER BY session_id`, source)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			st, err := scanSyncState(rows)
			if err != nil {
				return err
			}
			out = append(out, *st)
		}
		return rows.Err()
	})
	return out, err
}
