package store

import (
	"context"
	"strings"

	"github.com/iksnae/session-vault/internal"
)

const iterPageSize = 100

// SessionIter walks session headers, most recently updated first. Pages
// are fetched on demand with keyset paging, so the read lock is only held
// while a page loads.
type SessionIter struct {
	store  *Store
	filter internal.SessionFilter

	page    []*internal.Session
	pos     int
	cur     *internal.Session
	yielded int
	done    bool
	err     error

	// keyset position of the last row fetched
	lastUpdated int64
	lastID      string
	started     bool
}

// ListSessions returns a lazy iterator over sessions matching f
func (s *Store) ListSessions(f internal.SessionFilter) *SessionIter {
	return &SessionIter{store: s, filter: f}
}

// Next advances to the next session
func (it *SessionIter) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.filter.Limit > 0 && it.yielded >= it.filter.Limit {
		return false
	}
	if it.pos >= len(it.page) {
		if it.done {
			return false
		}
		if err := it.fetch(ctx); err != nil {
			it.err = err
			return false
		}
		if len(it.page) == 0 {
			return false
		}
	}
	it.cur = it.page[it.pos]
	it.pos++
	it.yielded++
	return true
}

// Session returns the current session header
func (it *SessionIter) Session() *internal.Session { return it.cur }

// Err returns the error that stopped the walk
func (it *SessionIter) Err() error { return it.err }

// All drains the iterator
func (it *SessionIter) All(ctx context.Context) ([]*internal.Session, error) {
	var out []*internal.Session
	for it.Next(ctx) {
		out = append(out, it.Session())
	}
	return out, it.Err()
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func (it *SessionIter) fetch(ctx context.Context) error {
	f := it.filter
	var (
		where []string
		args  []any
	)
	if f.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.UpdatedAfter > 0 {
		where = append(where, "updated_at >= ?")
		args = append(args, f.UpdatedAfter)
	}
	if f.UpdatedBefore > 0 {
		where = append(where, "updated_at < ?")
		args = append(args, f.UpdatedBefore)
	}
	if !f.IncludeArchived {
		where = append(where, "archived = 0")
	}
	if f.TitleContains != "" {
		where = append(where, `title LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(f.TitleContains))
	}
	if it.started {
		where = append(where, "(updated_at < ? OR (updated_at = ? AND id < ?))")
		args = append(args, it.lastUpdated, it.lastUpdated, it.lastID)
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC LIMIT ?"
	args = append(args, iterPageSize)

	it.page = it.page[:0]
	it.pos = 0
	err := it.store.read(func(q queryer) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			s, _, err := scanSession(rows)
			if err != nil {
				return err
			}
			it.page = append(it.page, s)
		}
		return rows.Err()
	})
	if err != nil {
		return err
	}
	if len(it.page) < iterPageSize {
		it.done = true
	}
	if n := len(it.page); n > 0 {
		it.started = true
		it.lastUpdated = it.page[n-1].UpdatedAt
		it.lastID = it.page[n-1].ID
	}
	return nil
}
