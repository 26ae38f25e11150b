// Package hub wires the store, the configured sources and the engines into
// the operations the CLI exposes.
package hub

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
	"github.com/iksnae/session-vault/internal/checkpoint"
	"github.com/iksnae/session-vault/internal/config"
	"github.com/iksnae/session-vault/internal/ingest"
	"github.com/iksnae/session-vault/internal/pathid"
	"github.com/iksnae/session-vault/internal/store"
	"github.com/iksnae/session-vault/internal/syncengine"
	"github.com/iksnae/session-vault/internal/tracing"
)

// Options configure a Hub
type Options struct {
	Logger   *zap.Logger
	Tracer   *tracing.Tracer
	Resolver *pathid.Resolver
}

// Hub is the entry point for collaborators
type Hub struct {
	cfg      *config.Config
	store    *store.Store
	registry *adapters.Registry
	resolver *pathid.Resolver
	log      *zap.Logger

	ingest      *ingest.Engine
	checkpoints *checkpoint.Manager
	sync        *syncengine.Engine
}

// New creates a Hub. cfg may be nil for defaults.
func New(cfg *config.Config, st *store.Store, reg *adapters.Registry, opts Options) *Hub {
	if cfg == nil {
		cfg = config.Default("")
	}
	if reg == nil {
		reg = adapters.NewRegistry()
	}
	log := opts.Logger
	if log == nil {
		log = internal.L()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = pathid.NewResolver()
	}
	return &Hub{
		cfg:      cfg,
		store:    st,
		registry: reg,
		resolver: resolver,
		log:      log.Named("hub"),
		ingest: ingest.New(st, ingest.Options{
			Logger:   log,
			Tracer:   opts.Tracer,
			Parallel: cfg.Harvest.Parallel,
		}),
		checkpoints: checkpoint.New(st, checkpoint.Options{
			Logger:        log,
			MaxDeltaChain: cfg.Checkpoints.MaxDeltaChain,
		}),
		sync: syncengine.New(st, syncengine.Options{Logger: log, Tracer: opts.Tracer}),
	}
}

// Store returns the underlying store
func (h *Hub) Store() *store.Store { return h.store }

// Sources returns the registered source names
func (h *Hub) Sources() []string { return h.registry.Names() }

// Source returns a registered adapter
func (h *Hub) Source(name string) (adapters.Adapter, error) {
	a, ok := h.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown source %q (known: %v): %w", name, h.registry.Names(), internal.ErrNotFound)
	}
	return a, nil
}

// DiscoverWorkspaces asks every source that knows its workspaces and records
// them. A failing source does not stop the others; its error is joined into
// the returned error alongside the workspaces that were found.
func (h *Hub) DiscoverWorkspaces(ctx context.Context) ([]internal.Workspace, error) {
	var found []internal.Workspace
	var errs []error
	for _, a := range h.registry.All() {
		d, ok := a.(adapters.WorkspaceDiscoverer)
		if !ok {
			continue
		}
		ws, err := d.Workspaces(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
			continue
		}
		found = append(found, ws...)
	}
	if len(found) > 0 {
		err := h.store.WithTx(ctx, "discover workspaces", func(tx *store.Tx) error {
			for _, w := range found {
				if err := tx.UpsertWorkspace(ctx, w); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	h.log.Info("workspaces discovered", zap.Int("count", len(found)), zap.Int("failed", len(errs)))
	return found, errors.Join(errs...)
}

// FindWorkspaceByPath resolves path to its workspace identity and looks it up
func (h *Hub) FindWorkspaceByPath(ctx context.Context, path string) (*internal.Workspace, error) {
	id, err := h.resolver.WorkspaceID(path)
	if err != nil {
		return nil, err
	}
	return h.store.GetWorkspace(ctx, id)
}

// ListWorkspaces returns the recorded workspaces
func (h *Hub) ListWorkspaces(ctx context.Context) ([]internal.Workspace, error) {
	return h.store.ListWorkspaces(ctx)
}

// Harvest ingests the named sources, or every source when none are named
func (h *Hub) Harvest(ctx context.Context, opts adapters.FetchOptions, names ...string) (*ingest.HarvestReport, error) {
	var selected []adapters.Adapter
	if len(names) == 0 {
		selected = h.registry.All()
	}
	for _, name := range names {
		a, err := h.Source(name)
		if err != nil {
			return nil, err
		}
		selected = append(selected, a)
	}
	sources := make([]ingest.Source, len(selected))
	for i, a := range selected {
		sources[i] = ingest.Source{Adapter: a, Options: opts}
	}
	return h.ingest.Harvest(ctx, sources)
}

// ListSessions returns the sessions matching f, most recently updated first
func (h *Hub) ListSessions(ctx context.Context, f internal.SessionFilter) ([]*internal.Session, error) {
	return h.store.ListSessions(f).All(ctx)
}

// GetSession returns a session without its messages
func (h *Hub) GetSession(ctx context.Context, id string) (*internal.Session, error) {
	return h.store.GetSession(ctx, id)
}

// LoadSession returns a session with its messages
func (h *Hub) LoadSession(ctx context.Context, id string) (*internal.Session, error) {
	return h.store.LoadSession(ctx, id)
}

// GetMessages returns a session's messages in order
func (h *Hub) GetMessages(ctx context.Context, sessionID string) ([]internal.Message, error) {
	return h.store.GetMessages(ctx, sessionID)
}

// MergeSessions merges stored sessions into a new one, saving it when save
// is set
func (h *Hub) MergeSessions(ctx context.Context, ids []string, save bool) (*internal.Session, error) {
	if len(ids) == 0 {
		return nil, internal.ErrNothingToMerge
	}
	inputs := make([]*internal.Session, 0, len(ids))
	for _, id := range ids {
		s, err := h.store.LoadSession(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", id, err)
		}
		inputs = append(inputs, s)
	}
	merged, err := ingest.Merge("", inputs...)
	if err != nil {
		return nil, err
	}
	if !save {
		return merged, nil
	}
	err = h.store.WithTx(ctx, "merge sessions", func(tx *store.Tx) error {
		_, err := tx.UpsertSession(ctx, merged)
		return err
	})
	if err != nil {
		return nil, err
	}
	h.log.Info("sessions merged", zap.String("session", merged.ID), zap.Strings("inputs", ids))
	return merged, nil
}

// CreateCheckpoint records the current state of a session
func (h *Hub) CreateCheckpoint(ctx context.Context, sessionID, tag string) (*checkpoint.Created, error) {
	return h.checkpoints.CreateCheckpoint(ctx, sessionID, tag)
}

// ListCheckpoints returns a session's checkpoints, oldest first
func (h *Hub) ListCheckpoints(ctx context.Context, sessionID string) ([]internal.Checkpoint, error) {
	return h.checkpoints.List(ctx, sessionID)
}

// ResolveCheckpoint finds a checkpoint by id or by tag within a session
func (h *Hub) ResolveCheckpoint(ctx context.Context, sessionID, ref string) (*internal.Checkpoint, error) {
	return h.checkpoints.Resolve(ctx, sessionID, ref)
}

// CheckpointStatus reports whether a session changed since its last checkpoint
func (h *Hub) CheckpointStatus(ctx context.Context, sessionID string) (checkpoint.State, error) {
	return h.checkpoints.Status(ctx, sessionID)
}

// PruneCheckpoints applies retention to a session's checkpoints
func (h *Hub) PruneCheckpoints(ctx context.Context, sessionID string, keep int) ([]string, error) {
	return h.checkpoints.Prune(ctx, sessionID, keep)
}

// Diff compares two checkpoints
func (h *Hub) Diff(ctx context.Context, fromID, toID string) (checkpoint.MessageDelta, error) {
	return h.checkpoints.Diff(ctx, fromID, toID)
}

// Fork starts a new session from a checkpoint
func (h *Hub) Fork(ctx context.Context, checkpointID, title string) (*internal.Session, error) {
	return h.checkpoints.Fork(ctx, checkpointID, title)
}

// MergeBranches merges session otherID into targetID
func (h *Hub) MergeBranches(ctx context.Context, targetID, otherID string, opts checkpoint.MergeOptions) (*checkpoint.BranchMerge, error) {
	if opts.Strategy == "" {
		s, err := h.cfg.ConflictStrategy()
		if err != nil {
			return nil, err
		}
		opts.Strategy = s
	}
	return h.checkpoints.MergeBranches(ctx, targetID, otherID, opts)
}

// Sync reconciles the store with a writable source. An empty strategy uses
// the configured one; Force is also set by the configuration.
func (h *Hub) Sync(ctx context.Context, name string, cfg syncengine.Config) (*syncengine.Result, error) {
	a, err := h.registry.SyncAdapter(name)
	if err != nil {
		return nil, err
	}
	if cfg.Strategy == "" {
		s, err := h.cfg.ConflictStrategy()
		if err != nil {
			return nil, err
		}
		cfg.Strategy = s
	}
	cfg.Force = cfg.Force || h.cfg.Sync.Force
	return h.sync.Sync(ctx, a, cfg)
}

// ListConflicts returns recorded sync conflicts, optionally only open ones
func (h *Hub) ListConflicts(ctx context.Context, source string, unresolvedOnly bool) ([]internal.SyncConflict, error) {
	return h.store.ListConflicts(ctx, source, unresolvedOnly)
}

// ResolveConflict settles a recorded conflict in favor of side
func (h *Hub) ResolveConflict(ctx context.Context, conflictID string, side internal.Resolution, force bool) (*internal.SyncConflict, error) {
	c, err := h.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	a, err := h.registry.SyncAdapter(c.Source)
	if err != nil {
		return nil, err
	}
	return h.sync.ResolveConflict(ctx, a, conflictID, side, adapters.WriteOptions{Force: force || h.cfg.Sync.Force})
}

// History returns recorded sync changes in append order
func (h *Hub) History(ctx context.Context, source, sessionID string, limit int) ([]internal.SyncChange, error) {
	return h.store.ListSyncChanges(ctx, source, sessionID, limit)
}

// Stats returns store table counts
func (h *Hub) Stats(ctx context.Context) (store.Stats, error) {
	return h.store.Stats(ctx)
}
