// Package adapters defines the contract between external chat sources and
// the canonical model. Each subpackage reads one native format and converts
// it to internal.Session at the boundary; no untyped native value leaves an
// adapter.
package adapters

import (
	"context"
	"fmt"

	"github.com/iksnae/session-vault/internal"
)

// Format tags the native representation a session was read from
type Format string

const (
	FormatKVComposer        Format = "kv-composer"        // editor key-value table rows
	FormatAgentBlob         Format = "agent-blob"         // CLI agent blob store
	FormatFlatArray         Format = "flat-array"         // JSON document with a message array
	FormatDAG               Format = "dag"                // node/parent-pointer mapping
	FormatGraphInteractions Format = "graph-interactions" // Graph API interaction log
)

// FetchOptions bound a listing. After and Before are epoch milliseconds over
// the session's last update time; zero leaves that end open.
type FetchOptions struct {
	Limit           int
	After           int64
	Before          int64
	IncludeArchived bool
	// Cursor resumes a listing from a previous Page.Next
	Cursor string
}

// InRange reports whether ts falls inside [After, Before)
func (o FetchOptions) InRange(ts int64) bool {
	if o.After > 0 && ts < o.After {
		return false
	}
	if o.Before > 0 && ts >= o.Before {
		return false
	}
	return true
}

// PageSize returns Limit or def when unset
func (o FetchOptions) PageSize(def int) int {
	if o.Limit > 0 {
		return o.Limit
	}
	return def
}

// NativeSessionRef points at one session inside a source
type NativeSessionRef struct {
	Source    string `json:"source"`
	NativeID  string `json:"native_id"`
	Locator   string `json:"locator,omitempty"` // file path, db key or URL
	UpdatedAt int64  `json:"updated_at,omitempty"`
	Archived  bool   `json:"archived,omitempty"`
}

func (r NativeSessionRef) String() string {
	if r.Locator != "" {
		return r.NativeID + " (" + r.Locator + ")"
	}
	return r.NativeID
}

// Page is one step of a listing. An empty Next ends it; passing Next back as
// FetchOptions.Cursor continues it, and an older cursor restarts from there.
type Page struct {
	Refs []NativeSessionRef
	Next string
}

// NativeSession is a fetched session already converted to canonical form.
// Dropped lists messages that failed to parse; the rest of the session
// survives them.
type NativeSession struct {
	Ref        NativeSessionRef
	Format     Format
	Session    *internal.Session
	Workspace  *internal.Workspace
	ShareLinks []internal.ShareLink
	Dropped    []error
}

// Adapter reads sessions from one source
type Adapter interface {
	Name() string
	List(ctx context.Context, opts FetchOptions) (Page, error)
	Fetch(ctx context.Context, ref NativeSessionRef) (*NativeSession, error)
}

// WriteOptions control writes into a source
type WriteOptions struct {
	// Force writes even when the host application is running
	Force bool
}

// SyncAdapter is an Adapter that can also write back to its source
type SyncAdapter interface {
	Adapter
	// Write creates or replaces the native counterpart of s. The native id
	// is s.ProviderSessionID, or assigned by the source when empty.
	Write(ctx context.Context, s *internal.Session, opts WriteOptions) (NativeSessionRef, error)
	// Delete removes the native session
	Delete(ctx context.Context, nativeID string, opts WriteOptions) error
}

// WorkspaceDiscoverer is implemented by sources that know their workspaces
type WorkspaceDiscoverer interface {
	Workspaces(ctx context.Context) ([]internal.Workspace, error)
}

// Walk lists every page of a and calls fn for each ref. It stops early when
// fn returns an error or ctx is done.
func Walk(ctx context.Context, a Adapter, opts FetchOptions, fn func(NativeSessionRef) error) error {
	seen := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := a.List(ctx, opts)
		if err != nil {
			return fmt.Errorf("list %s: %w", a.Name(), err)
		}
		for _, ref := range page.Refs {
			if err := fn(ref); err != nil {
				return err
			}
		}
		if page.Next == "" {
			return nil
		}
		if _, loop := seen[page.Next]; loop {
			return fmt.Errorf("list %s: cursor %q repeated", a.Name(), page.Next)
		}
		seen[page.Next] = struct{}{}
		opts.Cursor = page.Next
	}
}

// Collect returns every ref of a listing
func Collect(ctx context.Context, a Adapter, opts FetchOptions) ([]NativeSessionRef, error) {
	var refs []NativeSessionRef
	err := Walk(ctx, a, opts, func(ref NativeSessionRef) error {
		refs = append(refs, ref)
		return nil
	})
	return refs, err
}

// ParseError wraps err as a FormatParseError for ref
func ParseError(source, ref string, err error) error {
	return &internal.FormatParseError{Source: source, Ref: ref, Err: err}
}

// Namespace stamps the canonical identity fields of an imported session
func Namespace(s *internal.Session, source, nativeID string) {
	s.ID = internal.NamespacedID(source, nativeID)
	s.Provider = source
	s.ProviderSessionID = nativeID
}
