package testutil

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/iksnae/session-vault/internal"
)

// CreateTempDir creates a temporary directory removed when the test ends
func CreateTempDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

// JSONUnmarshal unmarshals JSON for testing
func JSONUnmarshal(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("Failed to unmarshal JSON: %v", err)
	}
}

// SampleSession builds a normalized session of n alternating user and
// assistant turns, one second apart from start
func SampleSession(source, nativeID string, start int64, n int) *internal.Session {
	s := &internal.Session{
		ID:                internal.NamespacedID(source, nativeID),
		Provider:          source,
		ProviderSessionID: nativeID,
		Title:             "Session " + nativeID,
		CreatedAt:         start,
	}
	prev := ""
	for i := 0; i < n; i++ {
		role := internal.RoleUser
		if i%2 == 1 {
			role = internal.RoleAssistant
		}
		id := fmt.Sprintf("%s-m%d", nativeID, i)
		s.Messages = append(s.Messages, internal.Message{
			ID:        id,
			Role:      role,
			Content:   fmt.Sprintf("message %d of %s", i, nativeID),
			CreatedAt: start + int64(i)*1000,
			ParentID:  prev,
		})
		prev = id
	}
	s.Normalize()
	return s
}
