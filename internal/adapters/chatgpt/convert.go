package chatgpt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
)

// convert walks the mapping into a canonical session. System and tool
// nodes, hidden nodes and empty nodes are scaffolding and are skipped.
func convert(c *conversation) (*internal.Session, []error, error) {
	id := c.nativeID()
	if id == "" {
		return nil, nil, fmt.Errorf("conversation has no id")
	}
	created, err := adapters.ParseTimestamp(c.CreateTime)
	if err != nil {
		return nil, nil, fmt.Errorf("create_time: %w", err)
	}
	updated, err := adapters.ParseTimestamp(c.UpdateTime)
	if err != nil {
		return nil, nil, fmt.Errorf("update_time: %w", err)
	}

	s := &internal.Session{
		Title:     c.Title,
		Model:     c.DefaultModelSlug,
		CreatedAt: created,
		UpdatedAt: updated,
		Archived:  c.IsArchived,
	}
	adapters.Namespace(s, Name, id)

	// map order is random; sort so node order never leaks into ties
	keys := make([]string, 0, len(c.Mapping))
	for k := range c.Mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var dropped []error
	nodes := make([]adapters.Node, 0, len(keys))
	for _, k := range keys {
		n := c.Mapping[k]
		if n.ID == "" {
			n.ID = k
		}
		dn := adapters.Node{ID: n.ID, Parent: n.Parent}
		m, err := nodeToMessage(n)
		if err != nil {
			dropped = append(dropped, adapters.ParseError(Name, id+"/"+n.ID, err))
		} else if m != nil {
			dn.CreatedAt = m.CreatedAt
			dn.Message = m
		}
		nodes = append(nodes, dn)
	}

	s.Messages = adapters.WalkDAG(nodes)
	// untimed messages inherit their parent's time so order holds
	last := created
	for i := range s.Messages {
		if s.Messages[i].CreatedAt == 0 {
			s.Messages[i].CreatedAt = last
		}
		last = s.Messages[i].CreatedAt
	}
	if c.CurrentNode != "" {
		s.SetMeta(internal.MetaSourcePrefix+"chatgpt.current_node", c.CurrentNode)
	}
	s.SetMeta(internal.MetaSourceFormat, string(adapters.FormatDAG))
	s.Normalize()
	return s, dropped, nil
}

func nodeToMessage(n node) (*internal.Message, error) {
	if n.Message == nil || n.Message.Metadata.Hidden {
		return nil, nil
	}
	role, ok := internal.ParseRole(n.Message.Author.Role)
	if !ok {
		return nil, fmt.Errorf("unknown author role %q", n.Message.Author.Role)
	}
	if role == internal.RoleSystem || role == internal.RoleTool {
		return nil, nil
	}
	text := n.Message.Content.text()
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	ts, err := adapters.ParseTimestamp(n.Message.CreateTime)
	if err != nil {
		return nil, err
	}
	id := n.Message.ID
	if id == "" {
		id = n.ID
	}
	return &internal.Message{
		ID:        id,
		Role:      role,
		Content:   text,
		Model:     n.Message.Metadata.ModelSlug,
		CreatedAt: ts,
	}, nil
}
