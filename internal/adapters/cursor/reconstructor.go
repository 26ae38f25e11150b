package cursor

import (
	"fmt"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
)

// Reconstructor turns a composer and its bubbles into a canonical session
type Reconstructor struct {
	source  string
	bubbles map[string]*RawBubble
}

// NewReconstructor creates a Reconstructor over the bubbles of one composer
func NewReconstructor(source string, bubbles map[string]*RawBubble) *Reconstructor {
	return &Reconstructor{source: source, bubbles: bubbles}
}

// Reconstruct builds the session. Bubbles listed in the composer headers
// are used in header order; inline conversation bubbles from older schema
// versions fill in when headers are absent. Each returned error describes
// one dropped bubble.
func (r *Reconstructor) Reconstruct(composer *RawComposer) (*internal.Session, []error) {
	s := &internal.Session{
		Title:     composer.Name,
		CreatedAt: composer.CreatedAt.Millis(),
		UpdatedAt: composer.LastUpdatedAt.Millis(),
		Archived:  composer.IsArchived,
	}
	adapters.Namespace(s, r.source, composer.ComposerID)

	type entry struct {
		bubble *RawBubble
		typ    int
	}
	var entries []entry
	if len(composer.FullConversationHeadersOnly) > 0 {
		for _, header := range composer.FullConversationHeadersOnly {
			bubble, ok := r.bubbles[header.BubbleID]
			if !ok {
				internal.LogDebug("composer %s: bubble %s listed but not stored", composer.ComposerID, header.BubbleID)
				continue
			}
			entries = append(entries, entry{bubble, header.Type})
		}
	} else {
		for i := range composer.Conversation {
			b := &composer.Conversation[i]
			if b.BubbleID == "" {
				b.BubbleID = fmt.Sprintf("inline-%d", i)
			}
			entries = append(entries, entry{b, b.Type})
		}
	}

	var dropped []error
	prev := ""
	for i, e := range entries {
		m, err := r.message(e.bubble, e.typ, composer.CreatedAt.Millis(), i)
		if err != nil {
			dropped = append(dropped, fmt.Errorf("bubble %s: %w", e.bubble.BubbleID, err))
			continue
		}
		if m == nil {
			continue
		}
		m.ParentID = prev
		prev = m.ID
		s.Messages = append(s.Messages, *m)
	}

	s.Normalize()
	return s, dropped
}

// message converts one bubble. Bubbles without readable text return nil.
// A bubble lacking any timestamp is placed after its predecessor by index
// so ordering stays deterministic.
func (r *Reconstructor) message(b *RawBubble, typ int, base int64, index int) (*internal.Message, error) {
	if typ == 0 {
		typ = b.Type
	}
	role := internal.RoleAssistant
	switch typ {
	case bubbleUser:
		role = internal.RoleUser
	case bubbleAssistant:
	default:
		return nil, fmt.Errorf("unknown bubble type %d", typ)
	}

	ts, err := adapters.ParseTimestamp(b.Timestamp)
	if err != nil {
		return nil, err
	}
	if ts == 0 {
		if ts, err = adapters.ParseTimestamp(b.CreatedAt); err != nil {
			return nil, err
		}
	}
	if ts == 0 {
		ts = base + int64(index)
	}

	text := ExtractTextFromBubble(b)
	if text == emptyBubbleText {
		return nil, nil
	}
	return &internal.Message{
		ID:        b.BubbleID,
		Role:      role,
		Content:   text,
		Model:     b.ModelType,
		CreatedAt: ts,
	}, nil
}
