package internal

import (
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"
)

// Role is the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ParseRole maps a native role name onto a canonical Role
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "human", "userprompt":
		return RoleUser, true
	case "assistant", "ai", "bot", "model", "airesponse":
		return RoleAssistant, true
	case "system", "developer":
		return RoleSystem, true
	case "tool", "function":
		return RoleTool, true
	}
	return "", false
}

// MetaSourcePrefix namespaces provenance metadata written by adapters.
// Keys under it are excluded from the content hash.
const MetaSourcePrefix = "source."

const (
	MetaSourceFormat  = MetaSourcePrefix + "format"
	MetaSourceLocator = MetaSourcePrefix + "locator"
)

// Fork lineage keys set on sessions created from a checkpoint
const (
	MetaForkCheckpoint = "fork.checkpoint"
	MetaForkSession    = "fork.session"
)

// Workspace is a project folder or editor instance that owns sessions
type Workspace struct {
	ID           string `json:"id" yaml:"id"`
	ProjectPath  string `json:"project_path,omitempty" yaml:"project_path,omitempty"`
	Provider     string `json:"provider" yaml:"provider"`
	LastModified int64  `json:"last_modified" yaml:"last_modified"`
}

// Session represents one conversation in canonical form.
// Timestamps are epoch milliseconds.
type Session struct {
	ID                string            `json:"id" yaml:"id"`
	WorkspaceID       string            `json:"workspace_id,omitempty" yaml:"workspace_id,omitempty"`
	Provider          string            `json:"provider" yaml:"provider"`
	ProviderSessionID string            `json:"provider_session_id,omitempty" yaml:"provider_session_id,omitempty"`
	Title             string            `json:"title" yaml:"title"`
	Model             string            `json:"model,omitempty" yaml:"model,omitempty"`
	MessageCount      int               `json:"message_count" yaml:"message_count"`
	TokenCount        int64             `json:"token_count,omitempty" yaml:"token_count,omitempty"`
	CreatedAt         int64             `json:"created_at" yaml:"created_at"`
	UpdatedAt         int64             `json:"updated_at" yaml:"updated_at"`
	Archived          bool              `json:"archived,omitempty" yaml:"archived,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Messages          []Message         `json:"messages,omitempty" yaml:"messages,omitempty"`
}

// Message represents one turn of a session
type Message struct {
	ID         string            `json:"id" yaml:"id"`
	SessionID  string            `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Role       Role              `json:"role" yaml:"role"`
	Content    string            `json:"content" yaml:"content"`
	Model      string            `json:"model,omitempty" yaml:"model,omitempty"`
	TokenCount int64             `json:"token_count,omitempty" yaml:"token_count,omitempty"`
	CreatedAt  int64             `json:"created_at" yaml:"created_at"`
	ParentID   string            `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Clone returns a deep copy of the session
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Metadata = maps.Clone(s.Metadata)
	if s.Messages != nil {
		c.Messages = make([]Message, len(s.Messages))
		for i, m := range s.Messages {
			m.Metadata = maps.Clone(m.Metadata)
			c.Messages[i] = m
		}
	}
	return &c
}

// Meta returns a metadata value or the empty string
func (s *Session) Meta(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}

// SetMeta sets a metadata value, allocating the map on first use
func (s *Session) SetMeta(key, value string) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata[key] = value
}

// Validate checks the fields every stored session must carry
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id is empty")
	}
	if s.Provider == "" {
		return fmt.Errorf("session %s: provider is empty", s.ID)
	}
	seen := make(map[string]struct{}, len(s.Messages))
	for i, m := range s.Messages {
		if m.ID == "" {
			return fmt.Errorf("session %s: message %d has no id", s.ID, i)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("session %s: duplicate message id %s", s.ID, m.ID)
		}
		seen[m.ID] = struct{}{}
		if _, ok := ParseRole(string(m.Role)); !ok {
			return fmt.Errorf("session %s: message %s has unknown role %q", s.ID, m.ID, m.Role)
		}
	}
	return nil
}

// SortMessages orders messages by CreatedAt. Ties keep their input order.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt < msgs[j].CreatedAt
	})
}

// Normalize sorts messages chronologically, stamps the owning session id,
// fills missing session timestamps from the messages and sets MessageCount.
func (s *Session) Normalize() {
	SortMessages(s.Messages)
	for i := range s.Messages {
		s.Messages[i].SessionID = s.ID
	}
	if n := len(s.Messages); n > 0 {
		if s.CreatedAt == 0 || s.Messages[0].CreatedAt < s.CreatedAt {
			s.CreatedAt = s.Messages[0].CreatedAt
		}
		if last := s.Messages[n-1].CreatedAt; last > s.UpdatedAt {
			s.UpdatedAt = last
		}
	}
	if s.UpdatedAt < s.CreatedAt {
		s.UpdatedAt = s.CreatedAt
	}
	s.MessageCount = len(s.Messages)
}

// NamespacedID builds the canonical id of an imported session
func NamespacedID(source, nativeID string) string {
	return source + ":" + nativeID
}

// NowMillis returns the current time in epoch milliseconds
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// FormatMillis renders an epoch-millisecond timestamp as RFC3339
func FormatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// SessionFilter narrows ListSessions
type SessionFilter struct {
	WorkspaceID     string
	Provider        string
	UpdatedAfter    int64
	UpdatedBefore   int64
	IncludeArchived bool
	TitleContains   string
	Limit           int
}

// ConflictStrategy decides which side wins a divergent edit
type ConflictStrategy string

const (
	LastWriteWins ConflictStrategy = "last-write-wins"
	PreferLocal   ConflictStrategy = "prefer-local"
	PreferRemote  ConflictStrategy = "prefer-remote"
	Manual        ConflictStrategy = "manual"
)

// ParseConflictStrategy parses a strategy name. The empty string maps to Manual.
func ParseConflictStrategy(s string) (ConflictStrategy, error) {
	switch ConflictStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", Manual:
		return Manual, nil
	case LastWriteWins, "lww":
		return LastWriteWins, nil
	case PreferLocal, "local":
		return PreferLocal, nil
	case PreferRemote, "remote":
		return PreferRemote, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}
