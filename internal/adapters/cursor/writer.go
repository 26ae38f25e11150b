package cursor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
)

// Write replaces the composer and bubbles of s in one transaction. Fields
// of existing rows that the canonical model does not carry are preserved.
func (a *Adapter) Write(ctx context.Context, s *internal.Session, opts adapters.WriteOptions) (adapters.NativeSessionRef, error) {
	if err := guard(ctx, a.probe, opts); err != nil {
		return adapters.NativeSessionRef{}, err
	}
	nativeID := s.ProviderSessionID
	if nativeID == "" || s.Provider != Name {
		nativeID = uuid.NewString()
	}

	db, err := openWritable(a.paths.GlobalStorageDBPath())
	if err != nil {
		return adapters.NativeSessionRef{}, err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return adapters.NativeSessionRef{}, fmt.Errorf("begin writeback: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	composer, err := loadRawObject(ctx, tx, composerKey(nativeID))
	if err != nil {
		return adapters.NativeSessionRef{}, err
	}
	existing, err := loadRawBubbles(ctx, tx, nativeID)
	if err != nil {
		return adapters.NativeSessionRef{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cursorDiskKV WHERE key LIKE ? ESCAPE '\'`, likeEscape(bubblePrefix+nativeID+":")+"%"); err != nil {
		return adapters.NativeSessionRef{}, fmt.Errorf("clear bubbles: %w", err)
	}

	headers := make([]ConversationHeader, 0, len(s.Messages))
	for _, m := range s.Messages {
		typ := bubbleAssistant
		if m.Role == internal.RoleUser {
			typ = bubbleUser
		}
		bubble := existing[m.ID]
		if bubble == nil {
			bubble = map[string]json.RawMessage{}
		}
		setRaw(bubble, "bubbleId", m.ID)
		setRaw(bubble, "type", typ)
		setRaw(bubble, "text", m.Content)
		setRaw(bubble, "timestamp", m.CreatedAt)
		// stale rich text would shadow the new text on read
		delete(bubble, "richText")
		delete(bubble, "codeBlocks")
		if m.Model != "" {
			setRaw(bubble, "modelType", m.Model)
		}
		if err := putRaw(ctx, tx, bubbleKey(nativeID, m.ID), bubble); err != nil {
			return adapters.NativeSessionRef{}, err
		}
		headers = append(headers, ConversationHeader{BubbleID: m.ID, Type: typ})
	}

	setRaw(composer, "composerId", nativeID)
	setRaw(composer, "name", s.Title)
	setRaw(composer, "createdAt", s.CreatedAt)
	setRaw(composer, "lastUpdatedAt", s.UpdatedAt)
	setRaw(composer, "isArchived", s.Archived)
	setRaw(composer, "fullConversationHeadersOnly", headers)
	delete(composer, "conversation")
	if err := putRaw(ctx, tx, composerKey(nativeID), composer); err != nil {
		return adapters.NativeSessionRef{}, err
	}

	if err := tx.Commit(); err != nil {
		return adapters.NativeSessionRef{}, fmt.Errorf("commit writeback: %w", err)
	}
	internal.LogDebug("wrote composer %s (%d bubbles)", nativeID, len(headers))
	return adapters.NativeSessionRef{
		Source:    Name,
		NativeID:  nativeID,
		Locator:   composerKey(nativeID),
		UpdatedAt: s.UpdatedAt,
		Archived:  s.Archived,
	}, nil
}

// Delete removes a composer with its bubbles and message contexts
func (a *Adapter) Delete(ctx context.Context, nativeID string, opts adapters.WriteOptions) error {
	if err := guard(ctx, a.probe, opts); err != nil {
		return err
	}
	db, err := openWritable(a.paths.GlobalStorageDBPath())
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM cursorDiskKV WHERE key = ?`, composerKey(nativeID))
	if err != nil {
		return fmt.Errorf("delete composer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("composer %s: %w", nativeID, internal.ErrNotFound)
	}
	for _, prefix := range []string{bubblePrefix, contextPrefix} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cursorDiskKV WHERE key LIKE ? ESCAPE '\'`, likeEscape(prefix+nativeID+":")+"%"); err != nil {
			return fmt.Errorf("delete %s rows: %w", prefix, err)
		}
	}
	return tx.Commit()
}

func loadRawObject(ctx context.Context, tx *sql.Tx, key string) (map[string]json.RawMessage, error) {
	var value sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT CAST(value AS TEXT) FROM cursorDiskKV WHERE key = ?`, key).Scan(&value)
	obj := map[string]json.RawMessage{}
	if err == sql.ErrNoRows || (err == nil && !value.Valid) {
		return obj, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if json.Unmarshal([]byte(value.String), &obj) != nil {
		// unreadable rows are overwritten whole
		return map[string]json.RawMessage{}, nil
	}
	return obj, nil
}

func loadRawBubbles(ctx context.Context, tx *sql.Tx, composerID string) (map[string]map[string]json.RawMessage, error) {
	rows, err := tx.QueryContext(ctx, `SELECT key, CAST(value AS TEXT) FROM cursorDiskKV WHERE key LIKE ? ESCAPE '\'`, likeEscape(bubblePrefix+composerID+":")+"%")
	if err != nil {
		return nil, fmt.Errorf("load bubbles: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		_, bubbleID, ok := splitBubbleKey(key)
		if !ok || !value.Valid {
			continue
		}
		obj := map[string]json.RawMessage{}
		if json.Unmarshal([]byte(value.String), &obj) == nil {
			out[bubbleID] = obj
		}
	}
	return out, rows.Err()
}

func setRaw(obj map[string]json.RawMessage, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal %s: %v", key, err))
	}
	obj[key] = b
}

func putRaw(ctx context.Context, tx *sql.Tx, key string, obj map[string]json.RawMessage) error {
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO cursorDiskKV (key, value) VALUES (?, ?)`, key, string(b)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
