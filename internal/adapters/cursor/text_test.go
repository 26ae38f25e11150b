package cursor

import (
	"testing"
)

func TestExtractTextFromRichText(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "empty string", input: "", want: ""},
		{
			name:  "root.children structure",
			input: `{"root":{"children":[{"type":"text","text":"Hello"}]}}`,
			want:  "Hello",
		},
		{
			name:  "direct children",
			input: `{"children":[{"type":"text","text":"World"}]}`,
			want:  "World",
		},
		{
			name:  "array of nodes",
			input: `[{"type":"text","text":"First"},{"type":"text","text":"Second"}]`,
			want:  "FirstSecond",
		},
		{
			name:  "code block",
			input: `{"root":{"children":[{"type":"code","children":[{"type":"text","text":"package main"}]}]}}`,
			want:  "```\npackage main\n```",
		},
		{
			name:  "paragraphs",
			input: `{"root":{"children":[{"type":"paragraph","children":[{"type":"text","text":"a"}]},{"type":"paragraph","children":[{"type":"text","text":"b"}]}]}}`,
			want:  "a\nb",
		},
		{
			name:  "redacted reasoning kept verbatim",
			input: `{"type":"redacted_reasoning","data":"ZW5jcnlwdGVk"}`,
			want:  "```\n[Redacted Reasoning]\nZW5jcnlwdGVk\n```",
		},
		{
			name:  "thinking block",
			input: `[{"type":"thinking","children":[{"type":"text","text":"hmm"}]}]`,
			want:  "[thinking]\nhmm",
		},
		{name: "unknown format", input: `{"unknown":"format"}`, want: ""},
		{name: "invalid JSON", input: `{invalid json}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractTextFromRichText(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractTextFromRichText() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ExtractTextFromRichText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractTextFromBubble(t *testing.T) {
	tests := []struct {
		name   string
		bubble RawBubble
		want   string
	}{
		{
			name:   "plain text",
			bubble: RawBubble{Text: "Hello"},
			want:   "Hello",
		},
		{
			name:   "rich text only",
			bubble: RawBubble{RichText: `{"root":{"children":[{"type":"text","text":"Rich"}]}}`},
			want:   "Rich",
		},
		{
			name:   "rich text repeating plain text",
			bubble: RawBubble{Text: "Hello", RichText: `{"root":{"children":[{"type":"text","text":"Hello"}]}}`},
			want:   "Hello",
		},
		{
			name: "code blocks appended",
			bubble: RawBubble{
				Text:       "See",
				CodeBlocks: []CodeBlock{{Language: "go", Content: "x := 1"}},
			},
			want: "See\n\n```go\nx := 1\n```",
		},
		{
			name:   "truncated rich text",
			bubble: RawBubble{RichText: `{"root":{"children":[{"type":"text","text":"partial"`},
			want:   "partial",
		},
		{
			name:   "nothing readable",
			bubble: RawBubble{},
			want:   emptyBubbleText,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractTextFromBubble(&tt.bubble); got != tt.want {
				t.Errorf("ExtractTextFromBubble() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestScanTextTokens_IgnoresTextValuedKeys(t *testing.T) {
	// "type":"text" must not be mistaken for content
	got := scanTextTokens(`{"type":"text","text":"a","children":[{"text":"b"}]}`)
	if got != "a b" {
		t.Errorf("scanTextTokens() = %q, want %q", got, "a b")
	}
}
