package cursor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iksnae/session-vault/internal"
)

func bubble(id, text string, typ int, ts string) *RawBubble {
	b := &RawBubble{BubbleID: id, Text: text, Type: typ}
	if ts != "" {
		b.Timestamp = json.RawMessage(ts)
	}
	return b
}

func TestReconstructor_HeaderOrder(t *testing.T) {
	bubbles := map[string]*RawBubble{
		"b1": bubble("b1", "Hello", 0, "1700000001000"),
		"b2": bubble("b2", "Hi there", 0, "1700000002000"),
	}
	composer := &RawComposer{
		ComposerID: "composer1",
		Name:       "Test Conversation",
		FullConversationHeadersOnly: []ConversationHeader{
			{BubbleID: "b1", Type: bubbleUser},
			{BubbleID: "missing", Type: bubbleUser},
			{BubbleID: "b2", Type: bubbleAssistant},
		},
		CreatedAt:     1700000000000,
		LastUpdatedAt: 1700000002000,
	}

	s, dropped := NewReconstructor(Name, bubbles).Reconstruct(composer)
	assert.Empty(t, dropped)
	assert.Equal(t, "cursor:composer1", s.ID)
	assert.Equal(t, Name, s.Provider)
	assert.Equal(t, "composer1", s.ProviderSessionID)
	assert.Equal(t, "Test Conversation", s.Title)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, internal.RoleUser, s.Messages[0].Role)
	assert.Equal(t, internal.RoleAssistant, s.Messages[1].Role)
	assert.Equal(t, "b1", s.Messages[1].ParentID)
	assert.Equal(t, s.ID, s.Messages[0].SessionID)
	assert.Equal(t, 2, s.MessageCount)
}

func TestReconstructor_DropsBadBubbles(t *testing.T) {
	bubbles := map[string]*RawBubble{
		"ok":      bubble("ok", "fine", bubbleUser, "1700000001000"),
		"badtype": bubble("badtype", "?", 7, "1700000002000"),
		"badts":   bubble("badts", "?", bubbleAssistant, `"yesterday"`),
		"empty":   bubble("empty", "", bubbleAssistant, "1700000003000"),
	}
	composer := &RawComposer{
		ComposerID: "c",
		FullConversationHeadersOnly: []ConversationHeader{
			{BubbleID: "ok"}, {BubbleID: "badtype"}, {BubbleID: "badts"}, {BubbleID: "empty"},
		},
	}

	s, dropped := NewReconstructor(Name, bubbles).Reconstruct(composer)
	assert.Len(t, dropped, 2)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "ok", s.Messages[0].ID)
}

func TestReconstructor_InlineConversation(t *testing.T) {
	composer := &RawComposer{
		ComposerID: "old",
		CreatedAt:  1700000000000,
		Conversation: []RawBubble{
			{Text: "first", Type: bubbleUser},
			{Text: "second", Type: bubbleAssistant},
		},
	}

	s, dropped := NewReconstructor(Name, nil).Reconstruct(composer)
	assert.Empty(t, dropped)
	require.Len(t, s.Messages, 2)
	// no timestamps: composer creation plus position
	assert.Equal(t, "inline-0", s.Messages[0].ID)
	assert.Equal(t, int64(1700000000000), s.Messages[0].CreatedAt)
	assert.Equal(t, int64(1700000000001), s.Messages[1].CreatedAt)
	assert.Equal(t, "inline-0", s.Messages[1].ParentID)
}

func TestReconstructor_Deterministic(t *testing.T) {
	bubbles := map[string]*RawBubble{
		"b1": bubble("b1", "Hello", bubbleUser, ""),
		"b2": bubble("b2", "World", bubbleAssistant, ""),
	}
	composer := &RawComposer{
		ComposerID:                  "c",
		CreatedAt:                   1700000000000,
		FullConversationHeadersOnly: []ConversationHeader{{BubbleID: "b1"}, {BubbleID: "b2"}},
	}

	first, _ := NewReconstructor(Name, bubbles).Reconstruct(composer)
	second, _ := NewReconstructor(Name, bubbles).Reconstruct(composer)
	assert.Equal(t, internal.ContentHash(first), internal.ContentHash(second))
}
