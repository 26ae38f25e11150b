package export

import (
	"bytes"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/testutil"
)

func TestYAMLExporter_Export(t *testing.T) {
	tests := []struct {
		name    string
		session *internal.Session
	}{
		{"basic session", testutil.SampleSession("mem", "a", 1000, 2)},
		{"empty session", &internal.Session{ID: "empty", Provider: "mem"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := (&YAMLExporter{}).Export(tt.session, &buf); err != nil {
				t.Fatalf("Export() error = %v", err)
			}
			var got internal.Session
			if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
				t.Fatalf("output is not valid YAML: %v", err)
			}
			if got.ID != tt.session.ID || len(got.Messages) != len(tt.session.Messages) {
				t.Errorf("got %s with %d messages", got.ID, len(got.Messages))
			}
			if !strings.Contains(buf.String(), "provider: mem") {
				t.Errorf("expected provider field, got:\n%s", buf.String())
			}
		})
	}
}

func TestYAMLExporter_Extension(t *testing.T) {
	if got := (&YAMLExporter{}).Extension(); got != "yaml" {
		t.Errorf("Extension() = %v, want yaml", got)
	}
}
