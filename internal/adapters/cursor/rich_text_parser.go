package cursor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RichTextNode represents a node in the rich text structure
type RichTextNode struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Content  string         `json:"content,omitempty"`
	Value    string         `json:"value,omitempty"`
	Data     string         `json:"data,omitempty"`
	Children []RichTextNode `json:"children,omitempty"`
}

// RichTextRoot represents the root of the rich text structure
type RichTextRoot struct {
	Root *RichTextNode `json:"root"`
}

// ExtractTextFromRichText parses the editor's richText JSON (a lexical tree
// under "root", a bare node, or a node array) and renders it as plain text
// with markdown fences for code
func ExtractTextFromRichText(richTextJSON string) (string, error) {
	richTextJSON = strings.TrimSpace(richTextJSON)
	if richTextJSON == "" {
		return "", nil
	}

	var nodes []RichTextNode
	if strings.HasPrefix(richTextJSON, "[") {
		if err := json.Unmarshal([]byte(richTextJSON), &nodes); err != nil {
			return "", fmt.Errorf("failed to parse richText JSON: %w", err)
		}
	} else {
		var root RichTextRoot
		if err := json.Unmarshal([]byte(richTextJSON), &root); err != nil {
			return "", fmt.Errorf("failed to parse richText JSON: %w", err)
		}
		if root.Root != nil {
			nodes = root.Root.Children
		} else {
			var node RichTextNode
			if err := json.Unmarshal([]byte(richTextJSON), &node); err != nil {
				return "", fmt.Errorf("failed to parse richText JSON: %w", err)
			}
			nodes = []RichTextNode{node}
		}
	}

	var b strings.Builder
	renderNodes(&b, nodes)
	return strings.TrimSpace(b.String()), nil
}

func renderNodes(b *strings.Builder, nodes []RichTextNode) {
	for _, n := range nodes {
		renderNode(b, n)
	}
}

func renderNode(b *strings.Builder, node RichTextNode) {
	switch node.Type {
	case "text":
		b.WriteString(node.Text)
	case "linebreak":
		b.WriteString("\n")
	case "paragraph", "heading", "quote", "listitem":
		renderNodes(b, node.Children)
		b.WriteString("\n")
	case "code":
		var inner strings.Builder
		renderNodes(&inner, node.Children)
		if code := strings.TrimSpace(inner.String()); code != "" {
			fmt.Fprintf(b, "\n```\n%s\n```\n", code)
		}
	case "thinking", "tool", "tool_call", "function_call":
		var inner strings.Builder
		renderNodes(&inner, node.Children)
		if s := strings.TrimSpace(inner.String()); s != "" {
			fmt.Fprintf(b, "\n[%s]\n%s\n", node.Type, s)
		}
	case "redacted_reasoning", "redacted-reasoning":
		// encrypted by the provider; kept verbatim so the message hashes stably
		var inner strings.Builder
		renderNodes(&inner, node.Children)
		reasoning := strings.TrimSpace(inner.String())
		if reasoning == "" {
			reasoning = firstNonEmpty(node.Content, node.Value, node.Data)
		}
		if reasoning != "" {
			fmt.Fprintf(b, "\n```\n[Redacted Reasoning]\n%s\n```\n", reasoning)
		}
	default:
		for _, s := range []string{node.Text, node.Content, node.Value} {
			if s != "" {
				b.WriteString(s)
				b.WriteString("\n")
			}
		}
		renderNodes(b, node.Children)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
