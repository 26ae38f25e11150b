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

const checkpointColumns = `id, session_id, parent_id, tag, kind, depth, content_hash, message_count, created_at, messages, removed`

func scanCheckpoint(sc interface{ Scan(...any) error }) (*internal.Checkpoint, error) {
	var (
		cp       internal.Checkpoint
		kind     string
		messages string
		removed  string
	)
	err := sc.Scan(&cp.ID, &cp.SessionID, &cp.ParentID, &cp.Tag, &kind, &cp.Depth, &cp.ContentHash,
		&cp.MessageCount, &cp.CreatedAt, &messages, &removed)
	if err != nil {
		return nil, err
	}
	cp.Kind = internal.CheckpointKind(kind)
	if err := json.Unmarshal([]byte(messages), &cp.Messages); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s messages: %w", cp.ID, err)
	}
	if err := json.Unmarshal([]byte(removed), &cp.Removed); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s removed: %w", cp.ID, err)
	}
	if len(cp.Messages) == 0 {
		cp.Messages = nil
	}
	if len(cp.Removed) == 0 {
		cp.Removed = nil
	}
	return &cp, nil
}

func getCheckpoint(ctx context.Context, q queryer, id string) (*internal.Checkpoint, error) {
	cp, err := scanCheckpoint(q.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("checkpoint", id)
	}
	return cp, err
}

func latestCheckpoint(ctx context.Context, q queryer, sessionID string) (*internal.Checkpoint, error) {
	cp, err := scanCheckpoint(q.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("checkpoint for session", sessionID)
	}
	return cp, err
}

func listCheckpoints(ctx context.Context, q queryer, sessionID string) ([]internal.Checkpoint, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []internal.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// InsertCheckpoint stores a new checkpoint. Checkpoints are immutable; a
// tag already used in the session fails with ErrCheckpointExists.
func (t *Tx) InsertCheckpoint(ctx context.Context, cp *internal.Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt == 0 {
		cp.CreatedAt = internal.NowMillis()
	}
	if cp.Tag != "" {
		var n int
		if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints WHERE session_id = ? AND tag = ?`, cp.SessionID, cp.Tag).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("tag %q on session %s: %w", cp.Tag, cp.SessionID, internal.ErrCheckpointExists)
		}
	}
	msgs := cp.Messages
	if msgs == nil {
		msgs = []internal.Message{}
	}
	removed := cp.Removed
	if removed == nil {
		removed = []string{}
	}
	mb, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	rb, err := json.Marshal(removed)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.ParentID, cp.Tag, string(cp.Kind), cp.Depth, cp.ContentHash, cp.MessageCount,
		cp.CreatedAt, string(mb), string(rb))
	if err != nil {
		return fmt.Errorf("insert checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// DeleteCheckpoint removes a checkpoint; retention decides which
func (t *Tx) DeleteCheckpoint(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("checkpoint", id)
	}
	return nil
}

// GetCheckpoint reads a checkpoint inside the transaction
func (t *Tx) GetCheckpoint(ctx context.Context, id string) (*internal.Checkpoint, error) {
	return getCheckpoint(ctx, t.tx, id)
}

// LatestCheckpoint reads a session's newest checkpoint inside the transaction
func (t *Tx) LatestCheckpoint(ctx context.Context, sessionID string) (*internal.Checkpoint, error) {
	return latestCheckpoint(ctx, t.tx, sessionID)
}

// ListCheckpoints reads a session's checkpoints inside the transaction
func (t *Tx) ListCheckpoints(ctx context.Context, sessionID string) ([]internal.Checkpoint, error) {
	return listCheckpoints(ctx, t.tx, sessionID)
}

// GetCheckpoint returns one checkpoint
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*internal.Checkpoint, error) {
	var cp *internal.Checkpoint
	err := s.read(func(q queryer) error {
		var err error
		cp, err = getCheckpoint(ctx, q, id)
		return err
	})
	return cp, err
}

// LatestCheckpoint returns the newest checkpoint of a session
func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*internal.Checkpoint, error) {
	var cp *internal.Checkpoint
	err := s.read(func(q queryer) error {
		var err error
		cp, err = latestCheckpoint(ctx, q, sessionID)
		return err
	})
	return cp, err
}

// ListCheckpoints returns a session's checkpoints, oldest first
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]internal.Checkpoint, error) {
	var out []internal.Checkpoint
	err := s.read(func(q queryer) error {
		var err error
		out, err = listCheckpoints(ctx, q, sessionID)
		return err
	})
	return out, err
}

// CheckpointInUse reports whether a delta checkpoint is built on id or a
// session was forked from it
func (t *Tx) CheckpointInUse(ctx context.Context, id string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM checkpoints WHERE parent_id = ? AND kind = ?)
		     + (SELECT COUNT(*) FROM sessions WHERE json_extract(metadata, '$."`+internal.MetaForkCheckpoint+`"') = ?)`,
		id, string(internal.CheckpointDelta), id).Scan(&n)
	return n > 0, err
}
