package cursor

import (
	"context"
	"database/sql"
	"fmt"
)

// Storage extracts raw composer data for one conversation from cursorDiskKV
type Storage struct {
	db *sql.DB
}

// NewStorage creates a new Storage instance
func NewStorage(db *sql.DB) *Storage {
	return &Storage{db: db}
}

// LoadComposer loads a composer row. A missing row returns sql.ErrNoRows.
func (s *Storage) LoadComposer(ctx context.Context, composerID string) (*RawComposer, error) {
	key := composerKey(composerID)
	value, ok, err := GetCursorDiskKV(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sql.ErrNoRows
	}
	return ParseRawComposer(key, value)
}

// LoadBubbles loads the bubbles of a composer keyed by bubble id. Rows that
// fail to parse are returned in bad keyed by row key.
func (s *Storage) LoadBubbles(ctx context.Context, composerID string) (bubbles map[string]*RawBubble, bad map[string]error, err error) {
	pairs, err := QueryCursorDiskKV(ctx, s.db, likeEscape(bubblePrefix+composerID+":")+"%")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query bubbles: %w", err)
	}

	bubbles = make(map[string]*RawBubble, len(pairs))
	bad = make(map[string]error)
	for _, pair := range pairs {
		bubble, err := ParseRawBubble(pair.Key, pair.Value)
		if err != nil {
			bad[pair.Key] = err
			continue
		}
		bubbles[bubble.BubbleID] = bubble
	}

	return bubbles, bad, nil
}

// LoadMessageContexts loads the message contexts of a composer
func (s *Storage) LoadMessageContexts(ctx context.Context, composerID string) ([]*MessageContext, error) {
	pairs, err := QueryCursorDiskKV(ctx, s.db, likeEscape(contextPrefix+composerID+":")+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to query message contexts: %w", err)
	}

	var contexts []*MessageContext
	for _, pair := range pairs {
		context, err := ParseMessageContext(pair.Key, pair.Value)
		if err != nil {
			continue
		}
		contexts = append(contexts, context)
	}

	return contexts, nil
}
