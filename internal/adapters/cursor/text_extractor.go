package cursor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iksnae/session-vault/internal"
)

// emptyBubbleText marks a bubble that exists but carries no readable text
const emptyBubbleText = "[Message with no extractable text content]"

// ExtractTextFromBubble extracts text from a bubble using three-tier strategy:
// 1. Primary: Use bubble.text if available
// 2. Fallback: Parse bubble.richText JSON structure (including thinking/tool calls)
// 3. Enhancement: Append bubble.codeBlocks[] as markdown code fences
func ExtractTextFromBubble(bubble *RawBubble) string {
	var textParts []string

	if bubble.Text != "" {
		textParts = append(textParts, bubble.Text)
	}

	if bubble.RichText != "" {
		richText, err := ExtractTextFromRichText(bubble.RichText)
		if err != nil {
			internal.LogDebug("bubble %s: richText unreadable (%v), scanning tokens", bubble.BubbleID, err)
			richText = scanTextTokens(bubble.RichText)
		}
		// richText often repeats the plain text
		if richText != "" && (bubble.Text == "" || !strings.Contains(bubble.Text, richText)) {
			textParts = append(textParts, richText)
		}
	}

	for _, codeBlock := range bubble.CodeBlocks {
		if codeBlock.Content != "" {
			textParts = append(textParts, fmt.Sprintf("```%s\n%s\n```", codeBlock.Language, codeBlock.Content))
		}
	}

	result := strings.TrimSpace(strings.Join(textParts, "\n\n"))
	if result == "" {
		return emptyBubbleText
	}
	return result
}

// scanTextTokens walks a possibly truncated JSON document and collects the
// string values of "text" keys seen before the first syntax error
func scanTextTokens(doc string) string {
	type frame struct {
		obj       bool
		expectKey bool
		key       string
	}
	var stack []frame
	valueDone := func() {
		if n := len(stack); n > 0 && stack[n-1].obj {
			stack[n-1].expectKey = true
		}
	}

	dec := json.NewDecoder(strings.NewReader(doc))
	var parts []string
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		if d, ok := tok.(json.Delim); ok {
			if d == '{' || d == '[' {
				stack = append(stack, frame{obj: d == '{', expectKey: d == '{'})
				continue
			}
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			valueDone()
			continue
		}
		n := len(stack)
		if n > 0 && stack[n-1].obj && stack[n-1].expectKey {
			stack[n-1].key, _ = tok.(string)
			stack[n-1].expectKey = false
			continue
		}
		if s, ok := tok.(string); ok && n > 0 && stack[n-1].obj && stack[n-1].key == "text" && strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
		valueDone()
	}
	return strings.Join(parts, " ")
}
