package export

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/iksnae/session-vault/internal"
)

// JSONExporter exports sessions as one pretty-printed JSON document
type JSONExporter struct{}

// jsonDocument is the exported session. Times are epoch milliseconds with
// an RFC 3339 rendering alongside.
type jsonDocument struct {
	ID                string            `json:"id"`
	Provider          string            `json:"provider"`
	ProviderSessionID string            `json:"provider_session_id,omitempty"`
	WorkspaceID       string            `json:"workspace_id,omitempty"`
	Title             string            `json:"title"`
	Model             string            `json:"model,omitempty"`
	MessageCount      int               `json:"message_count"`
	TokenCount        int64             `json:"token_count,omitempty"`
	CreatedAt         int64             `json:"created_at"`
	UpdatedAt         int64             `json:"updated_at"`
	Created           string            `json:"created,omitempty"`
	Updated           string            `json:"updated,omitempty"`
	Archived          bool              `json:"archived,omitempty"`
	ContentHash       string            `json:"content_hash"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Messages          []jsonMessage     `json:"messages"`
}

type jsonMessage struct {
	ID         string            `json:"id"`
	Role       internal.Role     `json:"role"`
	Content    string            `json:"content"`
	Model      string            `json:"model,omitempty"`
	TokenCount int64             `json:"token_count,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	Timestamp  string            `json:"timestamp,omitempty"`
	ParentID   string            `json:"parent_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func newJSONDocument(s *internal.Session) jsonDocument {
	msgs := slices.Clone(s.Messages)
	internal.SortMessages(msgs)
	doc := jsonDocument{
		ID:                s.ID,
		Provider:          s.Provider,
		ProviderSessionID: s.ProviderSessionID,
		WorkspaceID:       s.WorkspaceID,
		Title:             s.Title,
		Model:             s.Model,
		MessageCount:      len(msgs),
		TokenCount:        s.TokenCount,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
		Created:           internal.FormatMillis(s.CreatedAt),
		Updated:           internal.FormatMillis(s.UpdatedAt),
		Archived:          s.Archived,
		ContentHash:       internal.ContentHash(s),
		Metadata:          s.Metadata,
		Messages:          make([]jsonMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		doc.Messages = append(doc.Messages, jsonMessage{
			ID:         m.ID,
			Role:       m.Role,
			Content:    m.Content,
			Model:      m.Model,
			TokenCount: m.TokenCount,
			CreatedAt:  m.CreatedAt,
			Timestamp:  internal.FormatMillis(m.CreatedAt),
			ParentID:   m.ParentID,
			Metadata:   m.Metadata,
		})
	}
	return doc
}

// Export writes the session in chronological message order
func (e *JSONExporter) Export(session *internal.Session, w io.Writer) error {
	if session == nil {
		return fmt.Errorf("nil session")
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(newJSONDocument(session)); err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return nil
}

// Extension returns the file extension for this format
func (e *JSONExporter) Extension() string {
	return "json"
}
