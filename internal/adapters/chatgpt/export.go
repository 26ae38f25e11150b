package chatgpt

import (
	"encoding/json"
	"strings"
)

// conversation is one element of conversations.json
type conversation struct {
	ID               string          `json:"id"`
	ConversationID   string          `json:"conversation_id"`
	Title            string          `json:"title"`
	CreateTime       json.RawMessage `json:"create_time"`
	UpdateTime       json.RawMessage `json:"update_time"`
	Mapping          map[string]node `json:"mapping"`
	CurrentNode      string          `json:"current_node"`
	IsArchived       bool            `json:"is_archived"`
	DefaultModelSlug string          `json:"default_model_slug"`
}

func (c *conversation) nativeID() string {
	if c.ConversationID != "" {
		return c.ConversationID
	}
	return c.ID
}

// header is the part of a conversation a listing needs
type header struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	UpdateTime     json.RawMessage `json:"update_time"`
	CreateTime     json.RawMessage `json:"create_time"`
	IsArchived     bool            `json:"is_archived"`
}

func (h *header) nativeID() string {
	if h.ConversationID != "" {
		return h.ConversationID
	}
	return h.ID
}

type node struct {
	ID       string       `json:"id"`
	Message  *nodeMessage `json:"message"`
	Parent   string       `json:"parent"`
	Children []string     `json:"children"`
}

type nodeMessage struct {
	ID     string `json:"id"`
	Author struct {
		Role string `json:"role"`
	} `json:"author"`
	CreateTime json.RawMessage `json:"create_time"`
	Content    content         `json:"content"`
	Metadata   struct {
		ModelSlug string `json:"model_slug"`
		Hidden    bool   `json:"is_visually_hidden_from_conversation"`
	} `json:"metadata"`
}

type content struct {
	ContentType string            `json:"content_type"`
	Parts       []json.RawMessage `json:"parts"`
	Text        string            `json:"text"`
}

// text concatenates the content parts. String parts are kept as is; object
// parts contribute their text field, and non-text assets a placeholder.
func (c content) text() string {
	var out []string
	if c.Text != "" {
		out = append(out, c.Text)
	}
	for _, raw := range c.Parts {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			if s != "" {
				out = append(out, s)
			}
			continue
		}
		var part struct {
			ContentType string `json:"content_type"`
			Text        string `json:"text"`
		}
		if json.Unmarshal(raw, &part) != nil {
			continue
		}
		switch {
		case part.Text != "":
			out = append(out, part.Text)
		case part.ContentType != "":
			out = append(out, "["+strings.TrimSuffix(part.ContentType, "_asset_pointer")+"]")
		}
	}
	return strings.Join(out, "\n")
}
