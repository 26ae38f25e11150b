package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iksnae/session-vault/internal"
)

func encodeMeta(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func decodeMeta(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Workspaces

// UpsertWorkspace records a discovered workspace. A rescan never moves
// last_modified backwards or clears a known project path.
func (t *Tx) UpsertWorkspace(ctx context.Context, w internal.Workspace) error {
	if w.ID == "" {
		return fmt.Errorf("workspace id is empty")
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO workspaces (id, project_path, provider, last_modified) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_path = CASE WHEN excluded.project_path != '' THEN excluded.project_path ELSE workspaces.project_path END,
			provider = CASE WHEN excluded.provider != '' THEN excluded.provider ELSE workspaces.provider END,
			last_modified = MAX(workspaces.last_modified, excluded.last_modified)`,
		w.ID, w.ProjectPath, w.Provider, w.LastModified)
	return err
}

// DeleteWorkspace removes a workspace. Sessions keep their weak reference.
func (t *Tx) DeleteWorkspace(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("workspace", id)
	}
	return nil
}

func scanWorkspace(sc interface{ Scan(...any) error }) (*internal.Workspace, error) {
	var w internal.Workspace
	if err := sc.Scan(&w.ID, &w.ProjectPath, &w.Provider, &w.LastModified); err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWorkspace returns one workspace
func (s *Store) GetWorkspace(ctx context.Context, id string) (*internal.Workspace, error) {
	var w *internal.Workspace
	err := s.read(func(q queryer) error {
		var err error
		w, err = scanWorkspace(q.QueryRowContext(ctx, `SELECT id, project_path, provider, last_modified FROM workspaces WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("workspace", id)
		}
		return err
	})
	return w, err
}

// ListWorkspaces returns all workspaces, most recently modified first
func (s *Store) ListWorkspaces(ctx context.Context) ([]internal.Workspace, error) {
	var out []internal.Workspace
	err := s.read(func(q queryer) error {
		rows, err := q.QueryContext(ctx, `SELECT id, project_path, provider, last_modified FROM workspaces ORDER BY last_modified DESC, id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			w, err := scanWorkspace(rows)
			if err != nil {
				return err
			}
			out = append(out, *w)
		}
		return rows.Err()
	})
	return out, err
}

// Sessions

const sessionColumns = `id, workspace_id, provider, provider_session_id, title, model, message_count,
	token_count, created_at, updated_at, archived, metadata, content_hash`

func scanSession(sc interface{ Scan(...any) error }) (*internal.Session, string, error) {
	var (
		s        internal.Session
		archived int
		meta     string
		hash     string
	)
	err := sc.Scan(&s.ID, &s.WorkspaceID, &s.Provider, &s.ProviderSessionID, &s.Title, &s.Model,
		&s.MessageCount, &s.TokenCount, &s.CreatedAt, &s.UpdatedAt, &archived, &meta, &hash)
	if err != nil {
		return nil, "", err
	}
	s.Archived = archived != 0
	if s.Metadata, err = decodeMeta(meta); err != nil {
		return nil, "", err
	}
	return &s, hash, nil
}

func getSession(ctx context.Context, q queryer, id string) (*internal.Session, error) {
	s, _, err := scanSession(q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("session", id)
	}
	return s, err
}

func getMessages(ctx context.Context, q queryer, sessionID string) ([]internal.Message, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, session_id, role, content, model, token_count, created_at, parent_id, metadata
		FROM messages WHERE session_id = ? ORDER BY created_at, seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []internal.Message
	for rows.Next() {
		var (
			m    internal.Message
			role string
			meta string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.Model, &m.TokenCount, &m.CreatedAt, &m.ParentID, &meta); err != nil {
			return nil, err
		}
		m.Role = internal.Role(role)
		if m.Metadata, err = decodeMeta(meta); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func findByProvider(ctx context.Context, q queryer, provider, nativeID string) (*internal.Session, error) {
	s, _, err := scanSession(q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE provider = ? AND provider_session_id = ? ORDER BY id LIMIT 1`,
		provider, nativeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("session", provider+":"+nativeID)
	}
	return s, err
}

func contentHash(ctx context.Context, q queryer, id string) (string, error) {
	var h string
	err := q.QueryRowContext(ctx, `SELECT content_hash FROM sessions WHERE id = ?`, id).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound("session", id)
	}
	return h, err
}

// GetSession returns the session header without messages
func (s *Store) GetSession(ctx context.Context, id string) (*internal.Session, error) {
	var out *internal.Session
	err := s.read(func(q queryer) error {
		var err error
		out, err = getSession(ctx, q, id)
		return err
	})
	return out, err
}

// LoadSession returns the session with its messages
func (s *Store) LoadSession(ctx context.Context, id string) (*internal.Session, error) {
	var out *internal.Session
	err := s.read(func(q queryer) error {
		var err error
		if out, err = getSession(ctx, q, id); err != nil {
			return err
		}
		out.Messages, err = getMessages(ctx, q, id)
		return err
	})
	return out, err
}

// GetMessages returns a session's messages in chronological order
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]internal.Message, error) {
	var out []internal.Message
	err := s.read(func(q queryer) error {
		if _, err := contentHash(ctx, q, sessionID); err != nil {
			return err
		}
		var err error
		out, err = getMessages(ctx, q, sessionID)
		return err
	})
	return out, err
}

// FindSessionByProvider looks a session up by its source identity
func (s *Store) FindSessionByProvider(ctx context.Context, provider, nativeID string) (*internal.Session, error) {
	var out *internal.Session
	err := s.read(func(q queryer) error {
		var err error
		out, err = findByProvider(ctx, q, provider, nativeID)
		return err
	})
	return out, err
}

// ContentHash returns the stored content hash of a session
func (s *Store) ContentHash(ctx context.Context, id string) (string, error) {
	var h string
	err := s.read(func(q queryer) error {
		var err error
		h, err = contentHash(ctx, q, id)
		return err
	})
	return h, err
}

// GetSession reads a session header inside the transaction
func (t *Tx) GetSession(ctx context.Context, id string) (*internal.Session, error) {
	return getSession(ctx, t.tx, id)
}

// LoadSession reads a session with its messages inside the transaction
func (t *Tx) LoadSession(ctx context.Context, id string) (*internal.Session, error) {
	s, err := getSession(ctx, t.tx, id)
	if err != nil {
		return nil, err
	}
	s.Messages, err = getMessages(ctx, t.tx, id)
	return s, err
}

// FindSessionByProvider looks a session up inside the transaction
func (t *Tx) FindSessionByProvider(ctx context.Context, provider, nativeID string) (*internal.Session, error) {
	return findByProvider(ctx, t.tx, provider, nativeID)
}

// UpsertSession inserts or updates a session. When s.Messages is non-nil
// it replaces the stored messages; otherwise they are kept. message_count
// and content_hash are recomputed from what is stored, and updated_at never
// moves backwards. The returned hash is the stored content hash.
func (t *Tx) UpsertSession(ctx context.Context, s *internal.Session) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	meta, err := encodeMeta(s.Metadata)
	if err != nil {
		return "", err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, '')
		ON CONFLICT(id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			provider = excluded.provider,
			provider_session_id = excluded.provider_session_id,
			title = excluded.title,
			model = excluded.model,
			token_count = excluded.token_count,
			created_at = excluded.created_at,
			updated_at = MAX(sessions.updated_at, excluded.updated_at),
			archived = excluded.archived,
			metadata = excluded.metadata`,
		s.ID, s.WorkspaceID, s.Provider, s.ProviderSessionID, s.Title, s.Model,
		s.TokenCount, s.CreatedAt, s.UpdatedAt, boolInt(s.Archived), meta)
	if err != nil {
		return "", fmt.Errorf("upsert session %s: %w", s.ID, err)
	}

	if s.Messages != nil {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, s.ID); err != nil {
			return "", err
		}
		ordered := make([]internal.Message, len(s.Messages))
		copy(ordered, s.Messages)
		internal.SortMessages(ordered)
		for i, m := range ordered {
			if err := t.insertMessage(ctx, s.ID, i, m); err != nil {
				return "", err
			}
		}
	}
	return t.refresh(ctx, s.ID)
}

func (t *Tx) insertMessage(ctx context.Context, sessionID string, seq int, m internal.Message) error {
	meta, err := encodeMeta(m.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, id, seq, role, content, model, token_count, created_at, parent_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, m.ID, seq, string(m.Role), m.Content, m.Model, m.TokenCount, m.CreatedAt, m.ParentID, meta)
	if err != nil {
		return fmt.Errorf("insert message %s/%s: %w", sessionID, m.ID, err)
	}
	return nil
}

// refresh recomputes the derived columns of a session from its stored rows
func (t *Tx) refresh(ctx context.Context, id string) (string, error) {
	s, err := t.LoadSession(ctx, id)
	if err != nil {
		return "", err
	}
	hash := internal.ContentHash(s)
	var last int64
	if n := len(s.Messages); n > 0 {
		last = s.Messages[n-1].CreatedAt
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE sessions SET message_count = ?, content_hash = ?, updated_at = MAX(updated_at, created_at, ?)
		WHERE id = ?`, len(s.Messages), hash, last, id)
	return hash, err
}

// InsertMessage appends one message to an existing session
func (t *Tx) InsertMessage(ctx context.Context, m internal.Message) (string, error) {
	if m.ID == "" {
		return "", fmt.Errorf("message id is empty")
	}
	if _, ok := internal.ParseRole(string(m.Role)); !ok {
		return "", fmt.Errorf("message %s has unknown role %q", m.ID, m.Role)
	}
	if _, err := contentHash(ctx, t.tx, m.SessionID); err != nil {
		return "", err
	}
	var seq int
	if err := t.tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE session_id = ?`, m.SessionID).Scan(&seq); err != nil {
		return "", err
	}
	if err := t.insertMessage(ctx, m.SessionID, seq, m); err != nil {
		return "", err
	}
	return t.refresh(ctx, m.SessionID)
}

// DeleteSession removes a session and its messages and tombstones its
// share links. Checkpoints and sync state are kept.
func (t *Tx) DeleteSession(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("session", id)
	}
	_, err = t.tx.ExecContext(ctx, `UPDATE share_links SET revoked_at = ? WHERE session_id = ? AND revoked_at = 0`, internal.NowMillis(), id)
	return err
}
