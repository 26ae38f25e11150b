package cursor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iksnae/session-vault/internal/adapters"
)

// Key prefixes of the cursorDiskKV table
const (
	composerPrefix = "composerData:"
	bubblePrefix   = "bubbleId:"
	contextPrefix  = "messageRequestContext:"
)

// Bubble types
const (
	bubbleUser      = 1
	bubbleAssistant = 2
)

// RawBubble represents a message bubble from the database. Timestamps stay
// raw so a bad value only drops this bubble.
type RawBubble struct {
	BubbleID   string          `json:"bubbleId"`
	ChatID     string          `json:"chatId,omitempty"`
	Text       string          `json:"text,omitempty"`
	RichText   string          `json:"richText,omitempty"`
	CodeBlocks []CodeBlock     `json:"codeBlocks,omitempty"`
	Timestamp  json.RawMessage `json:"timestamp,omitempty"`
	CreatedAt  json.RawMessage `json:"createdAt,omitempty"`
	Type       int             `json:"type"` // 1=user, 2=assistant
	ModelType  string          `json:"modelType,omitempty"`
}

// CodeBlock represents a code block in a message
type CodeBlock struct {
	Language string `json:"language,omitempty"`
	Content  string `json:"content"`
}

// RawComposer represents composer data from the database
type RawComposer struct {
	ComposerID                  string               `json:"composerId"`
	Name                        string               `json:"name,omitempty"`
	FullConversationHeadersOnly []ConversationHeader `json:"fullConversationHeadersOnly,omitempty"`
	// Conversation holds bubbles inline in older schema versions
	Conversation  []RawBubble        `json:"conversation,omitempty"`
	LastUpdatedAt adapters.Timestamp `json:"lastUpdatedAt,omitempty"`
	CreatedAt     adapters.Timestamp `json:"createdAt,omitempty"`
	IsArchived    bool               `json:"isArchived,omitempty"`
}

// ConversationHeader represents a header in a conversation
type ConversationHeader struct {
	BubbleID string `json:"bubbleId"`
	Type     int    `json:"type"` // 1=user, 2=assistant
}

// MessageContext represents context data for a message
type MessageContext struct {
	BubbleID       string   `json:"bubbleId"`
	ComposerID     string   `json:"composerId"`
	ContextID      string   `json:"contextId"`
	ProjectLayouts []string `json:"projectLayouts,omitempty"`
}

// ParseRawBubble parses a JSON value into a RawBubble
func ParseRawBubble(key, value string) (*RawBubble, error) {
	// bubbleId:<chatId>:<bubbleId>
	chatID, bubbleID, ok := splitBubbleKey(key)
	if !ok {
		return nil, fmt.Errorf("invalid bubbleId key format: %s", key)
	}

	var bubble RawBubble
	if err := json.Unmarshal([]byte(value), &bubble); err != nil {
		return nil, fmt.Errorf("failed to parse bubble JSON: %w", err)
	}

	bubble.ChatID = chatID
	bubble.BubbleID = bubbleID

	return &bubble, nil
}

// ParseRawComposer parses a JSON value into a RawComposer
func ParseRawComposer(key, value string) (*RawComposer, error) {
	// composerData:<composerId>
	parts := splitKey(key, composerPrefix)
	if len(parts) != 1 || parts[0] == "" {
		return nil, fmt.Errorf("invalid composerData key format: %s", key)
	}

	var composer RawComposer
	if err := json.Unmarshal([]byte(value), &composer); err != nil {
		return nil, fmt.Errorf("failed to parse composer JSON: %w", err)
	}

	composer.ComposerID = parts[0]

	return &composer, nil
}

// ParseMessageContext parses a JSON value into a MessageContext
func ParseMessageContext(key, value string) (*MessageContext, error) {
	// messageRequestContext:<composerId>:<contextId>
	parts := splitKey(key, contextPrefix)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid messageRequestContext key format: %s", key)
	}

	var context MessageContext
	if err := json.Unmarshal([]byte(value), &context); err != nil {
		return nil, fmt.Errorf("failed to parse context JSON: %w", err)
	}

	context.ComposerID = parts[0]
	context.ContextID = parts[1]

	return &context, nil
}

// splitKey returns the colon-separated parts after prefix, or nil when key
// does not carry it
func splitKey(key, prefix string) []string {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return nil
	}
	return strings.Split(rest, ":")
}

// splitBubbleKey splits bubbleId:<composer>:<bubble>. Bubble ids may
// themselves contain colons.
func splitBubbleKey(key string) (composer, bubble string, ok bool) {
	rest, ok := strings.CutPrefix(key, bubblePrefix)
	if !ok {
		return "", "", false
	}
	composer, bubble, ok = strings.Cut(rest, ":")
	return composer, bubble, ok && composer != "" && bubble != ""
}

// composerKey builds the composerData key for id
func composerKey(id string) string { return composerPrefix + id }

// bubbleKey builds the bubbleId key for a bubble of composer
func bubbleKey(composer, bubble string) string { return bubblePrefix + composer + ":" + bubble }

// likeEscape escapes LIKE wildcards in s for use with ESCAPE '\'
func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
