package jsonfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// documentSchema is the structural contract of a session document. Only
// what the decoder relies on is constrained; unknown fields are allowed.
const documentSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"id": {"type": "string"},
		"sessionId": {"type": "string"},
		"title": {"type": "string"},
		"archived": {"type": "boolean"},
		"metadata": {"type": "object", "additionalProperties": {"type": "string"}},
		"messages": {"type": "array", "items": {"type": "object"}},
		"history": {"type": "array", "items": {"type": "object"}}
	},
	"anyOf": [{"required": ["messages"]}, {"required": ["history"]}]
}`

const schemaURL = "mem://session-vault/session-document.json"

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(schemaURL)
}

// document is the on-disk session shape. Field spellings of the common
// exporters are accepted side by side.
type document struct {
	ID                 string            `json:"id,omitempty"`
	SessionID          string            `json:"sessionId,omitempty"`
	Title              string            `json:"title,omitempty"`
	Model              string            `json:"model,omitempty"`
	WorkspaceDirectory string            `json:"workspaceDirectory,omitempty"`
	CreatedAt          json.RawMessage   `json:"created_at,omitempty"`
	UpdatedAt          json.RawMessage   `json:"updated_at,omitempty"`
	DateCreated        json.RawMessage   `json:"dateCreated,omitempty"`
	Archived           bool              `json:"archived,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Messages           []docMessage      `json:"messages,omitempty"`
	History            []docMessage      `json:"history,omitempty"`
}

func (d *document) nativeID() string {
	if d.ID != "" {
		return d.ID
	}
	return d.SessionID
}

func (d *document) turns() []docMessage {
	if len(d.Messages) > 0 {
		return d.Messages
	}
	return d.History
}

// docMessage is one turn. History items nest the turn under "message".
type docMessage struct {
	ID         string          `json:"id,omitempty"`
	Role       string          `json:"role,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Model      string          `json:"model,omitempty"`
	TokenCount int64           `json:"token_count,omitempty"`
	CreatedAt  json.RawMessage `json:"created_at,omitempty"`
	Timestamp  json.RawMessage `json:"timestamp,omitempty"`
	ParentID   string          `json:"parent_id,omitempty"`
	Message    *docMessage     `json:"message,omitempty"`
}

// contentPart is one element of a list-valued content
type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// decodeContent accepts a string or a list of typed parts
func decodeContent(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case '[':
		var parts []contentPart
		if err := json.Unmarshal(raw, &parts); err != nil {
			return "", err
		}
		var texts []string
		for _, p := range parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, "\n"), nil
	}
	return "", fmt.Errorf("content must be a string or a list of parts")
}
