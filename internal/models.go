package internal

// CheckpointKind tells how a checkpoint stores its message set
type CheckpointKind string

const (
	// CheckpointSnapshot carries the full message set
	CheckpointSnapshot CheckpointKind = "snapshot"
	// CheckpointDelta carries the messages added or changed since its parent,
	// plus the ids removed
	CheckpointDelta CheckpointKind = "delta"
)

// Checkpoint is an immutable point-in-time record of a session's messages
type Checkpoint struct {
	ID           string         `json:"id" yaml:"id"`
	SessionID    string         `json:"session_id" yaml:"session_id"`
	ParentID     string         `json:"parent_checkpoint_id,omitempty" yaml:"parent_checkpoint_id,omitempty"`
	Tag          string         `json:"tag,omitempty" yaml:"tag,omitempty"`
	Kind         CheckpointKind `json:"kind" yaml:"kind"`
	Depth        int            `json:"depth" yaml:"depth"`
	ContentHash  string         `json:"content_hash" yaml:"content_hash"`
	MessageCount int            `json:"message_count" yaml:"message_count"`
	CreatedAt    int64          `json:"created_at" yaml:"created_at"`
	Messages     []Message      `json:"messages,omitempty" yaml:"messages,omitempty"`
	Removed      []string       `json:"removed,omitempty" yaml:"removed,omitempty"`
}

// ShareLink is an external reference created from a session.
// Deleting the session sets RevokedAt instead of removing the row.
type ShareLink struct {
	ID         string `json:"id" yaml:"id"`
	SessionID  string `json:"session_id" yaml:"session_id"`
	URL        string `json:"url" yaml:"url"`
	Visibility string `json:"visibility" yaml:"visibility"`
	CreatedAt  int64  `json:"created_at" yaml:"created_at"`
	ExpiresAt  int64  `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	RevokedAt  int64  `json:"revoked_at,omitempty" yaml:"revoked_at,omitempty"`
}

// Active reports whether the link is neither revoked nor expired at now
func (l ShareLink) Active(now int64) bool {
	if l.RevokedAt != 0 {
		return false
	}
	return l.ExpiresAt == 0 || l.ExpiresAt > now
}

// ChangeType is the kind of a SyncChange
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Origin names the side a change came from
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// EntitySession is the only entity type the sync engine tracks
const EntitySession = "session"

// SyncChange is one append-only entry of the sync log
type SyncChange struct {
	ID          string     `json:"id" yaml:"id"`
	Source      string     `json:"source" yaml:"source"`
	EntityType  string     `json:"entity_type" yaml:"entity_type"`
	EntityID    string     `json:"entity_id" yaml:"entity_id"`
	ChangeType  ChangeType `json:"change_type" yaml:"change_type"`
	Origin      Origin     `json:"origin" yaml:"origin"`
	ContentHash string     `json:"content_hash,omitempty" yaml:"content_hash,omitempty"`
	Timestamp   int64      `json:"timestamp" yaml:"timestamp"`
}

// Resolution records which side a conflict was settled with. A
// superseded conflict was closed because the session moved on: a newer
// conflict replaced it, or a later sync settled the session.
type Resolution string

const (
	Unresolved     Resolution = ""
	ResolvedLocal  Resolution = "local"
	ResolvedRemote Resolution = "remote"
	Superseded     Resolution = "superseded"
)

// SyncConflict holds both competing versions of a session.
// Local or Remote is nil when that side deleted the session.
type SyncConflict struct {
	ID         string           `json:"id" yaml:"id"`
	Source     string           `json:"source" yaml:"source"`
	SessionID  string           `json:"session_id" yaml:"session_id"`
	NativeID   string           `json:"native_id,omitempty" yaml:"native_id,omitempty"`
	LocalHash  string           `json:"local_hash" yaml:"local_hash"`
	RemoteHash string           `json:"remote_hash" yaml:"remote_hash"`
	Local      *Session         `json:"local,omitempty" yaml:"local,omitempty"`
	Remote     *Session         `json:"remote,omitempty" yaml:"remote,omitempty"`
	Strategy   ConflictStrategy `json:"strategy" yaml:"strategy"`
	Resolution Resolution       `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	CreatedAt  int64            `json:"created_at" yaml:"created_at"`
	ResolvedAt int64            `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty"`
}

// Resolved reports whether a side has been chosen
func (c *SyncConflict) Resolved() bool {
	return c.Resolution != Unresolved
}

// SessionSyncState is the last hash synchronized in each direction for one
// session against one source
type SessionSyncState struct {
	SessionID  string `json:"session_id" yaml:"session_id"`
	Source     string `json:"source" yaml:"source"`
	NativeID   string `json:"native_id" yaml:"native_id"`
	LocalHash  string `json:"local_hash" yaml:"local_hash"`
	RemoteHash string `json:"remote_hash" yaml:"remote_hash"`
	SyncedAt   int64  `json:"synced_at" yaml:"synced_at"`
}
