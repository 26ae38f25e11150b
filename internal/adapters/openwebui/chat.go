package openwebui

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
)

type chatSummary struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	UpdatedAt adapters.Timestamp `json:"updated_at"`
	CreatedAt adapters.Timestamp `json:"created_at"`
}

type chatResponse struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	Chat      chatBody           `json:"chat"`
	UpdatedAt adapters.Timestamp `json:"updated_at"`
	CreatedAt adapters.Timestamp `json:"created_at"`
	ShareID   string             `json:"share_id,omitempty"`
	Archived  bool               `json:"archived"`
}

type chatBody struct {
	ID        string        `json:"id,omitempty"`
	Title     string        `json:"title"`
	Models    []string      `json:"models,omitempty"`
	History   history       `json:"history"`
	Messages  []chatMessage `json:"messages"`
	Timestamp int64         `json:"timestamp,omitempty"`
	// Meta carries session metadata; the server stores the chat body as is
	Meta map[string]string `json:"session_vault_meta,omitempty"`
}

type history struct {
	Messages  map[string]chatMessage `json:"messages"`
	CurrentID string                 `json:"currentId,omitempty"`
}

type chatMessage struct {
	ID          string          `json:"id"`
	ParentID    *string         `json:"parentId"`
	ChildrenIDs []string        `json:"childrenIds"`
	Role        string          `json:"role"`
	Content     json.RawMessage `json:"content"`
	Model       string          `json:"model,omitempty"`
	Timestamp   json.RawMessage `json:"timestamp,omitempty"`
}

func (m chatMessage) parent() string {
	if m.ParentID == nil {
		return ""
	}
	return *m.ParentID
}

func decodeContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("content is neither text nor parts")
	}
	var out string
	for _, p := range parts {
		if p.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out, nil
}

// toSession converts a chat. The history tree is authoritative; the flat
// messages list is used only when the tree is empty.
func toSession(c *chatResponse) (*internal.Session, adapters.Format, []error) {
	s := &internal.Session{
		Title:     c.Title,
		CreatedAt: c.CreatedAt.Millis(),
		UpdatedAt: c.UpdatedAt.Millis(),
		Archived:  c.Archived,
	}
	if s.Title == "" {
		s.Title = c.Chat.Title
	}
	if len(c.Chat.Models) > 0 {
		s.Model = c.Chat.Models[0]
	}
	adapters.Namespace(s, Name, c.ID)
	for k, v := range c.Chat.Meta {
		s.SetMeta(k, v)
	}

	var dropped []error
	format := adapters.FormatDAG
	if len(c.Chat.History.Messages) > 0 {
		keys := make([]string, 0, len(c.Chat.History.Messages))
		for k := range c.Chat.History.Messages {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		nodes := make([]adapters.Node, 0, len(keys))
		for _, k := range keys {
			cm := c.Chat.History.Messages[k]
			if cm.ID == "" {
				cm.ID = k
			}
			n := adapters.Node{ID: cm.ID, Parent: cm.parent()}
			m, err := toMessage(cm)
			if err != nil {
				dropped = append(dropped, adapters.ParseError(Name, c.ID+"/"+cm.ID, err))
			} else {
				n.CreatedAt = m.CreatedAt
				n.Message = m
			}
			nodes = append(nodes, n)
		}
		s.Messages = adapters.WalkDAG(nodes)
		if c.Chat.History.CurrentID != "" {
			s.SetMeta(internal.MetaSourcePrefix+"openwebui.current_id", c.Chat.History.CurrentID)
		}
	} else {
		format = adapters.FormatFlatArray
		prev := ""
		for i, cm := range c.Chat.Messages {
			if cm.ID == "" {
				cm.ID = fmt.Sprintf("m%d", i)
			}
			m, err := toMessage(cm)
			if err != nil {
				dropped = append(dropped, adapters.ParseError(Name, c.ID+"/"+cm.ID, err))
				continue
			}
			if m.CreatedAt == 0 {
				m.CreatedAt = s.CreatedAt + int64(i)
			}
			m.ParentID = prev
			prev = m.ID
			s.Messages = append(s.Messages, *m)
		}
	}
	s.SetMeta(internal.MetaSourceFormat, string(format))
	s.Normalize()
	return s, format, dropped
}

func toMessage(cm chatMessage) (*internal.Message, error) {
	role, ok := internal.ParseRole(cm.Role)
	if !ok {
		return nil, fmt.Errorf("unknown role %q", cm.Role)
	}
	text, err := decodeContent(cm.Content)
	if err != nil {
		return nil, err
	}
	ts, err := adapters.ParseTimestamp(cm.Timestamp)
	if err != nil {
		return nil, err
	}
	return &internal.Message{ID: cm.ID, Role: role, Content: text, Model: cm.Model, CreatedAt: ts}, nil
}

// fromSession builds the chat body written back to the server. Messages
// form a linear history unless they carry parent ids.
func fromSession(s *internal.Session) chatBody {
	msgs := make([]internal.Message, len(s.Messages))
	copy(msgs, s.Messages)
	internal.SortMessages(msgs)

	body := chatBody{
		Title:    s.Title,
		History:  history{Messages: make(map[string]chatMessage, len(msgs))},
		Messages: make([]chatMessage, 0, len(msgs)),
	}
	if s.Model != "" {
		body.Models = []string{s.Model}
	}
	for k, v := range s.Metadata {
		if strings.HasPrefix(k, internal.MetaSourcePrefix) {
			continue
		}
		if body.Meta == nil {
			body.Meta = make(map[string]string)
		}
		body.Meta[k] = v
	}
	ids := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		ids[m.ID] = true
	}
	children := make(map[string][]string)
	prev := ""
	for _, m := range msgs {
		parent := m.ParentID
		if parent == "" || !ids[parent] {
			parent = prev
		}
		if parent != "" {
			children[parent] = append(children[parent], m.ID)
		}
		prev = m.ID
		cm := chatMessage{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   mustJSON(m.Content),
			Model:     m.Model,
			Timestamp: mustJSON(float64(m.CreatedAt) / 1000),
		}
		if parent != "" {
			p := parent
			cm.ParentID = &p
		}
		body.History.Messages[m.ID] = cm
		body.Messages = append(body.Messages, cm)
	}
	for id, cm := range body.History.Messages {
		cm.ChildrenIDs = children[id]
		if cm.ChildrenIDs == nil {
			cm.ChildrenIDs = []string{}
		}
		body.History.Messages[id] = cm
	}
	for i := range body.Messages {
		body.Messages[i].ChildrenIDs = body.History.Messages[body.Messages[i].ID].ChildrenIDs
	}
	body.History.CurrentID = prev
	body.Timestamp = s.UpdatedAt / 1000
	return body
}

// mustJSON encodes strings and numbers, which cannot fail
func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
