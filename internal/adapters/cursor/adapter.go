// Package cursor reads and writes the editor's conversation storage: the
// cursorDiskKV table of globalStorage/state.vscdb and the CLI agent's
// store.db blob files.
package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
	"github.com/iksnae/session-vault/internal/hostprobe"
	"github.com/iksnae/session-vault/internal/pathid"
)

// Name is the source name of the editor adapter
const Name = "cursor"

const defaultPageSize = 200

// Options configure an Adapter
type Options struct {
	Paths    StoragePaths
	Resolver *pathid.Resolver
	// Probe guards writes; nil uses the editor process probe
	Probe hostprobe.Probe
}

// Adapter is the editor's composer store
type Adapter struct {
	paths    StoragePaths
	resolver *pathid.Resolver
	probe    hostprobe.Probe

	mu         sync.Mutex
	workspaces []*WorkspaceInfo
	loaded     bool
}

var (
	_ adapters.SyncAdapter         = (*Adapter)(nil)
	_ adapters.WorkspaceDiscoverer = (*Adapter)(nil)
)

// New creates an Adapter
func New(opts Options) *Adapter {
	if opts.Resolver == nil {
		opts.Resolver = pathid.NewResolver()
	}
	if opts.Probe == nil {
		opts.Probe = hostprobe.Cursor()
	}
	return &Adapter{paths: opts.Paths, resolver: opts.Resolver, probe: opts.Probe}
}

func (a *Adapter) Name() string { return Name }

// List pages composers in key order. The cursor is the last key returned.
func (a *Adapter) List(ctx context.Context, opts adapters.FetchOptions) (adapters.Page, error) {
	if !a.paths.GlobalStorageExists() {
		return adapters.Page{}, nil
	}
	db, err := OpenDatabase(a.paths.GlobalStorageDBPath())
	if err != nil {
		return adapters.Page{}, err
	}
	defer db.Close()

	limit := opts.PageSize(defaultPageSize)
	rows, err := listComposerRows(ctx, db, opts.Cursor, opts.After, opts.Before, opts.IncludeArchived, limit)
	if err != nil {
		return adapters.Page{}, err
	}

	var page adapters.Page
	for _, row := range rows {
		id := splitKey(row.Key, composerPrefix)
		if len(id) != 1 || id[0] == "" {
			continue
		}
		updated, err := rowMillis(row.Updated)
		if err != nil {
			internal.LogDebug("composer %s: unreadable update time: %v", id[0], err)
		}
		// text timestamps pass the SQL filter unchecked
		if updated > 0 && !opts.InRange(updated) {
			continue
		}
		page.Refs = append(page.Refs, adapters.NativeSessionRef{
			Source:    Name,
			NativeID:  id[0],
			Locator:   row.Key,
			UpdatedAt: updated,
			Archived:  row.Archived,
		})
	}
	if len(rows) == limit {
		page.Next = rows[len(rows)-1].Key
	}
	return page, nil
}

func rowMillis(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return adapters.EpochMillis(float64(x))
	case float64:
		return adapters.EpochMillis(x)
	case string:
		return adapters.ParseTimeString(x)
	case []byte:
		return adapters.ParseTimeString(string(x))
	}
	return 0, fmt.Errorf("unexpected timestamp type %T", v)
}

// Fetch loads one composer with its bubbles. Bubbles that fail to parse are
// reported in Dropped.
func (a *Adapter) Fetch(ctx context.Context, ref adapters.NativeSessionRef) (*adapters.NativeSession, error) {
	db, err := OpenDatabase(a.paths.GlobalStorageDBPath())
	if err != nil {
		return nil, err
	}
	defer db.Close()

	storage := NewStorage(db)
	composer, err := storage.LoadComposer(ctx, ref.NativeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("composer %s: %w", ref.NativeID, internal.ErrNotFound)
	}
	if err != nil {
		return nil, adapters.ParseError(Name, composerKey(ref.NativeID), err)
	}

	bubbles, bad, err := storage.LoadBubbles(ctx, ref.NativeID)
	if err != nil {
		return nil, err
	}
	var dropped []error
	for key, berr := range bad {
		dropped = append(dropped, adapters.ParseError(Name, key, berr))
	}

	session, reconErrs := NewReconstructor(Name, bubbles).Reconstruct(composer)
	for _, rerr := range reconErrs {
		dropped = append(dropped, adapters.ParseError(Name, ref.NativeID, rerr))
	}
	session.SetMeta(internal.MetaSourceFormat, string(adapters.FormatKVComposer))
	session.SetMeta(internal.MetaSourceLocator, a.paths.GlobalStorageDBPath())

	ns := &adapters.NativeSession{
		Ref:     ref,
		Format:  adapters.FormatKVComposer,
		Session: session,
		Dropped: dropped,
	}

	contexts, err := storage.LoadMessageContexts(ctx, ref.NativeID)
	if err != nil {
		internal.LogDebug("composer %s: %v", ref.NativeID, err)
	}
	if len(contexts) > 0 {
		workspaces, err := a.loadWorkspaces()
		if err != nil {
			internal.LogWarn("workspace detection failed: %v", err)
		}
		if w := AssociateComposerWithWorkspace(contexts, workspaces, a.resolver); w != nil {
			session.WorkspaceID = w.ID
			ns.Workspace = w.Workspace()
		}
	}
	return ns, nil
}

// Workspaces lists the editor's workspaces
func (a *Adapter) Workspaces(ctx context.Context) ([]internal.Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := a.loadWorkspaces()
	if err != nil {
		return nil, err
	}
	out := make([]internal.Workspace, 0, len(infos))
	for _, w := range infos {
		out = append(out, *w.Workspace())
	}
	return out, nil
}

func (a *Adapter) loadWorkspaces() ([]*WorkspaceInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loaded {
		return a.workspaces, nil
	}
	infos, err := DetectWorkspaces(a.paths.BasePath, a.resolver)
	if err != nil {
		return nil, err
	}
	a.workspaces, a.loaded = infos, true
	return infos, nil
}

// Workspace converts the entry to its canonical form
func (w *WorkspaceInfo) Workspace() *internal.Workspace {
	return &internal.Workspace{
		ID:           w.ID,
		ProjectPath:  w.Path,
		Provider:     Name,
		LastModified: w.LastModified,
	}
}

// guard refuses writes while the editor runs unless forced
func guard(ctx context.Context, probe hostprobe.Probe, opts adapters.WriteOptions) error {
	if opts.Force {
		return nil
	}
	active, err := probe.Active(ctx)
	if err != nil {
		return fmt.Errorf("probe %s: %w", probe.Host(), err)
	}
	if active {
		return &internal.HostProcessActiveError{Host: probe.Host()}
	}
	return nil
}
