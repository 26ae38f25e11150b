package cursor

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
)

// AgentName is the source name of the CLI agent adapter
const AgentName = "cursor-agent"

// AgentAdapter reads the CLI agent's chats. Each
// <chats>/<workspace-hash>/<session-id>/store.db holds one session as rows
// of a blobs table and a meta table. The adapter is read-only.
type AgentAdapter struct {
	paths StoragePaths
}

var _ adapters.Adapter = (*AgentAdapter)(nil)

// NewAgentAdapter creates an AgentAdapter over paths.AgentStoragePath
func NewAgentAdapter(paths StoragePaths) *AgentAdapter {
	return &AgentAdapter{paths: paths}
}

func (a *AgentAdapter) Name() string { return AgentName }

// List returns one ref per store.db, ordered by path. The cursor is the last
// path returned.
func (a *AgentAdapter) List(ctx context.Context, opts adapters.FetchOptions) (adapters.Page, error) {
	dbs, err := a.paths.FindAgentStoreDBs()
	if err != nil {
		return adapters.Page{}, err
	}
	sort.Strings(dbs)

	limit := opts.PageSize(defaultPageSize)
	var page adapters.Page
	for _, path := range dbs {
		if err := ctx.Err(); err != nil {
			return adapters.Page{}, err
		}
		if opts.Cursor != "" && path <= opts.Cursor {
			continue
		}
		if len(page.Refs) == limit {
			page.Next = page.Refs[len(page.Refs)-1].Locator
			break
		}
		st, err := os.Stat(path)
		if err != nil {
			continue
		}
		updated := st.ModTime().UnixMilli()
		if !opts.InRange(updated) {
			continue
		}
		page.Refs = append(page.Refs, adapters.NativeSessionRef{
			Source:    AgentName,
			NativeID:  filepath.Base(filepath.Dir(path)),
			Locator:   path,
			UpdatedAt: updated,
		})
	}
	return page, nil
}

// Fetch decodes the session in ref.Locator. Blob rows that are not JSON,
// base64 JSON, hex JSON or JSON embedded in binary are skipped.
func (a *AgentAdapter) Fetch(ctx context.Context, ref adapters.NativeSessionRef) (*adapters.NativeSession, error) {
	path := ref.Locator
	if path == "" {
		return nil, fmt.Errorf("agent session %s: no store path: %w", ref.NativeID, internal.ErrNotFound)
	}
	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("agent session %s: %w", ref.NativeID, internal.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	db, err := OpenDatabase(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	blobs, err := queryPairs(ctx, db, "blobs")
	if err != nil {
		return nil, adapters.ParseError(AgentName, path, err)
	}
	meta, err := queryPairs(ctx, db, "meta")
	if err != nil {
		return nil, adapters.ParseError(AgentName, path, err)
	}

	s := &internal.Session{}
	adapters.Namespace(s, AgentName, ref.NativeID)
	// sessions without stored times are anchored to the file so refetches agree
	base := st.ModTime().UnixMilli()
	for _, kv := range meta {
		obj, ok := decodeBlob(kv.Value)
		if !ok {
			continue
		}
		if name, ok := obj["name"].(string); ok && s.Title == "" {
			s.Title = name
		}
		if v, ok := obj["createdAt"]; ok && s.CreatedAt == 0 {
			s.CreatedAt = anyMillis(v)
		}
		if v, ok := obj["mode"].(string); ok {
			s.SetMeta("agent.mode", v)
		}
	}
	if s.CreatedAt > 0 {
		base = s.CreatedAt
	}

	var dropped []error
	for i, kv := range blobs {
		obj, ok := decodeBlob(kv.Value)
		if !ok {
			continue
		}
		m, err := agentMessage(obj, base, i)
		if err != nil {
			dropped = append(dropped, adapters.ParseError(AgentName, kv.Key, err))
			continue
		}
		if m != nil {
			s.Messages = append(s.Messages, *m)
		}
	}
	s.SetMeta(internal.MetaSourceFormat, string(adapters.FormatAgentBlob))
	s.SetMeta(internal.MetaSourceLocator, path)
	s.Normalize()
	if s.UpdatedAt == 0 {
		s.UpdatedAt = st.ModTime().UnixMilli()
	}

	return &adapters.NativeSession{
		Ref:     ref,
		Format:  adapters.FormatAgentBlob,
		Session: s,
		Dropped: dropped,
	}, nil
}

// agentMessage converts a decoded blob. Blobs that are not messages return
// nil.
func agentMessage(obj map[string]any, base int64, index int) (*internal.Message, error) {
	id, _ := obj["id"].(string)
	if id == "" {
		id, _ = obj["bubbleId"].(string)
	}
	rawRole, hasRole := obj["role"].(string)
	if !hasRole {
		if t, ok := obj["type"].(float64); ok {
			hasRole = true
			rawRole = "assistant"
			if int(t) == bubbleUser {
				rawRole = "user"
			}
		}
	}
	if id == "" || !hasRole {
		return nil, nil
	}
	role, ok := internal.ParseRole(rawRole)
	if !ok {
		return nil, fmt.Errorf("unknown role %q", rawRole)
	}

	text := contentText(obj["content"])
	if text == "" {
		text, _ = obj["text"].(string)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	created := base + int64(index)
	if v, ok := obj["timestamp"]; ok {
		created = anyMillis(v)
	} else if v, ok := obj["createdAt"]; ok {
		created = anyMillis(v)
	}
	m := &internal.Message{ID: id, Role: role, Content: text, CreatedAt: created}
	if model, ok := obj["model"].(string); ok {
		m.Model = model
	}
	return m, nil
}

// contentText joins the text parts of a message content, which is a plain
// string or an array of typed parts
func contentText(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, item := range c {
			part, ok := item.(map[string]any)
			if !ok {
				continue
			}
			typ, _ := part["type"].(string)
			switch {
			case typ == "redacted-reasoning" || typ == "redacted_reasoning":
				if data, ok := part["data"].(string); ok && data != "" {
					parts = append(parts, "```\n[Redacted Reasoning]\n"+data+"\n```")
				}
			case part["text"] != nil:
				if s, ok := part["text"].(string); ok {
					parts = append(parts, s)
				}
			case part["data"] != nil:
				if s, ok := part["data"].(string); ok {
					parts = append(parts, s)
				}
			}
		}
		return strings.Join(parts, "\n\n")
	}
	return ""
}

func anyMillis(v any) int64 {
	var ms int64
	var err error
	switch x := v.(type) {
	case float64:
		ms, err = adapters.EpochMillis(x)
	case string:
		ms, err = adapters.ParseTimeString(x)
	}
	if err != nil {
		return 0
	}
	return ms
}

// queryPairs reads the first two columns of table, preferring key/value or
// id/data column pairs. A missing table yields no rows.
func queryPairs(ctx context.Context, db *sql.DB, table string) ([]KeyValuePair, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		columns = append(columns, name)
	}
	rows.Close()
	if len(columns) < 2 {
		return nil, nil
	}

	keyCol, valCol := columns[0], columns[1]
	switch {
	case contains(columns, "key") && contains(columns, "value"):
		keyCol, valCol = "key", "value"
	case contains(columns, "id") && contains(columns, "data"):
		keyCol, valCol = "id", "data"
	}
	// column names come from the schema, not from input
	query := fmt.Sprintf(`SELECT CAST(%q AS TEXT), %q FROM %q WHERE %q IS NOT NULL ORDER BY rowid`, keyCol, valCol, table, valCol)
	rows, err = db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []KeyValuePair
	for rows.Next() {
		var key sql.NullString
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out = append(out, KeyValuePair{Key: key.String, Value: string(value)})
	}
	return out, rows.Err()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// decodeBlob finds a JSON object in a blob value
func decodeBlob(value string) (map[string]any, bool) {
	var obj map[string]any
	if json.Unmarshal([]byte(value), &obj) == nil {
		return obj, true
	}
	trimmed := strings.TrimSpace(value)
	if b, err := base64.StdEncoding.DecodeString(trimmed); err == nil && json.Unmarshal(b, &obj) == nil {
		return obj, true
	}
	if b, err := hex.DecodeString(trimmed); err == nil && json.Unmarshal(b, &obj) == nil {
		return obj, true
	}
	if b, ok := embeddedJSON([]byte(value)); ok && json.Unmarshal(b, &obj) == nil {
		return obj, true
	}
	return nil, false
}

// embeddedJSON returns the first balanced JSON object inside binary data
func embeddedJSON(data []byte) ([]byte, bool) {
	start := bytes.IndexByte(data, '{')
	if start < 0 {
		return nil, false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(data); i++ {
		c := data[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return data[start : i+1], true
			}
		}
	}
	return nil, false
}
