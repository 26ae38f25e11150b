package export

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/iksnae/session-vault/internal"
)

// JSONLExporter exports sessions in JSONL format (one message per line)
type JSONLExporter struct{}

type jsonlLine struct {
	ID        string        `json:"id"`
	Role      internal.Role `json:"role"`
	Content   string        `json:"content"`
	Timestamp string        `json:"timestamp,omitempty"`
	ParentID  string        `json:"parent_id,omitempty"`
	Model     string        `json:"model,omitempty"`
}

// Export exports a session to JSONL format
func (e *JSONLExporter) Export(session *internal.Session, w io.Writer) error {
	if session == nil {
		return fmt.Errorf("nil session")
	}
	enc := json.NewEncoder(w)
	for _, msg := range session.Messages {
		line := jsonlLine{
			ID:        msg.ID,
			Role:      msg.Role,
			Content:   msg.Content,
			Timestamp: internal.FormatMillis(msg.CreatedAt),
			ParentID:  msg.ParentID,
			Model:     msg.Model,
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
	}
	return nil
}

// Extension returns the file extension for this format
func (e *JSONLExporter) Extension() string {
	return "jsonl"
}
