// Package syncengine reconciles the canonical store with one writable
// source. A run compares a snapshot of both sides against the hashes
// recorded when each session was last synchronized, applies one-sided
// changes and records conflicts for sessions changed on both sides.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
	"github.com/iksnae/session-vault/internal/store"
	"github.com/iksnae/session-vault/internal/tracing"
)

// ErrStaleConflict is returned when a conflict no longer matches either side
var ErrStaleConflict = errors.New("conflict is stale")

// Status summarizes a sync run
type Status string

const (
	StatusOK        Status = "ok"
	StatusConflicts Status = "conflicts"
	StatusPartial   Status = "partial"
	StatusCanceled  Status = "canceled"
)

// Config controls one sync run
type Config struct {
	Strategy internal.ConflictStrategy
	// Force writes into the source even when its host application runs
	Force  bool
	DryRun bool
	// Options bound the remote listing. With a date range, sessions
	// missing from the listing are left alone instead of deleted.
	Options adapters.FetchOptions
}

// Options configure an Engine
type Options struct {
	Logger *zap.Logger
	Tracer *tracing.Tracer
}

// Engine syncs a store with sources
type Engine struct {
	store  *store.Store
	log    *zap.Logger
	tracer *tracing.Tracer
	now    func() int64
}

// New creates an Engine over st
func New(st *store.Store, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = internal.L()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracing.Default()
	}
	return &Engine{store: st, log: log.Named("sync"), tracer: tracer, now: internal.NowMillis}
}

// SessionError is a failure confined to one session
type SessionError struct {
	Source    string
	SessionID string
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s session %s: %v", e.Source, e.SessionID, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Result is the outcome of a sync run. Conflicts holds every conflict the
// run met, settled or not.
type Result struct {
	Source    string                  `json:"source" yaml:"source"`
	Applied   []internal.SyncChange   `json:"applied" yaml:"applied"`
	Conflicts []internal.SyncConflict `json:"conflicts" yaml:"conflicts"`
	Errors    []error                 `json:"-" yaml:"-"`
	Skipped   int                     `json:"skipped" yaml:"skipped"`
	DryRun    bool                    `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	Status    Status                  `json:"status" yaml:"status"`
}

// Unresolved counts conflicts left for manual resolution
func (r *Result) Unresolved() int {
	n := 0
	for i := range r.Conflicts {
		if !r.Conflicts[i].Resolved() {
			n++
		}
	}
	return n
}

func (r *Result) finish(ctx context.Context) {
	switch {
	case ctx.Err() != nil:
		r.Status = StatusCanceled
	case len(r.Errors) > 0:
		r.Status = StatusPartial
	case r.Unresolved() > 0:
		r.Status = StatusConflicts
	default:
		r.Status = StatusOK
	}
}

// entity is one session as seen from both sides
type entity struct {
	sessionID  string
	nativeID   string
	local      *internal.Session
	localHash  string
	remote     *adapters.NativeSession
	remoteHash string
	state      *internal.SessionSyncState
}

type action int

const (
	actSkip action = iota
	actRecord
	actForget
	actPush
	actPull
	actDeleteRemote
	actDeleteLocal
	actConflict
)

func decide(ent *entity) action {
	hasL, hasR := ent.local != nil, ent.remote != nil
	st := ent.state
	if st == nil {
		switch {
		case hasL && hasR && ent.localHash == ent.remoteHash:
			return actRecord
		case hasL && hasR:
			return actConflict
		case hasL:
			return actPush
		case hasR:
			return actPull
		}
		return actSkip
	}
	lChanged := !hasL || ent.localHash != st.LocalHash
	rChanged := !hasR || ent.remoteHash != st.RemoteHash
	switch {
	case !hasL && !hasR:
		return actForget
	case !lChanged && !rChanged:
		return actSkip
	case !rChanged && !hasL:
		return actDeleteRemote
	case !rChanged:
		return actPush
	case !lChanged && !hasR:
		return actDeleteLocal
	case !lChanged:
		return actPull
	case hasL && hasR && ent.localHash == ent.remoteHash:
		return actRecord
	}
	return actConflict
}

// pick chooses the winning side of a conflict; false leaves it open
func pick(strategy internal.ConflictStrategy, local, remote *internal.Session) (internal.Origin, bool) {
	switch strategy {
	case internal.PreferLocal:
		return internal.OriginLocal, true
	case internal.PreferRemote:
		return internal.OriginRemote, true
	case internal.LastWriteWins:
		// a deleted side has no update time and loses to any edit
		var lt, rt int64
		if local != nil {
			lt = local.UpdatedAt
		}
		if remote != nil {
			rt = remote.UpdatedAt
		}
		if rt > lt {
			return internal.OriginRemote, true
		}
		return internal.OriginLocal, true
	}
	return "", false
}

func resolutionFor(o internal.Origin) internal.Resolution {
	if o == internal.OriginRemote {
		return internal.ResolvedRemote
	}
	return internal.ResolvedLocal
}

// Sync runs one snapshot comparison between the store and a. Per-session
// failures are collected in the result; a store failure stops the run and
// is returned. Cancellation stops between sessions.
func (e *Engine) Sync(ctx context.Context, a adapters.SyncAdapter, cfg Config) (*Result, error) {
	source := a.Name()
	if cfg.Strategy == "" {
		cfg.Strategy = internal.Manual
	}
	res := &Result{Source: source, DryRun: cfg.DryRun}
	ctx, span := e.tracer.StartRun(ctx, "sync", source)

	ents, err := e.snapshot(ctx, a, cfg, res)
	if err == nil {
		var pending map[string][]internal.SyncConflict
		pending, err = e.pendingConflicts(ctx, source)
		for _, ent := range ents {
			if err != nil || ctx.Err() != nil {
				break
			}
			err = e.reconcile(ctx, a, ent, cfg, pending, res)
			var serr *SessionError
			if errors.As(err, &serr) {
				e.log.Warn("session not synced", zap.String("session", ent.sessionID), zap.Error(serr.Err))
				res.Errors = append(res.Errors, serr)
				err = nil
			}
		}
	}
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	res.finish(ctx)

	span.SetCount("applied", len(res.Applied))
	span.SetCount("conflicts", len(res.Conflicts))
	span.SetCount("failed", len(res.Errors))
	span.SetOutcome(string(res.Status))
	span.End(err)
	e.log.Info("sync finished",
		zap.String("source", source),
		zap.String("status", string(res.Status)),
		zap.Int("applied", len(res.Applied)),
		zap.Int("conflicts", len(res.Conflicts)),
		zap.Int("unresolved", res.Unresolved()),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", len(res.Errors)),
		zap.Bool("dry_run", cfg.DryRun))
	return res, err
}

// snapshot pairs up local sessions, remote sessions and sync state.
// Sessions whose remote side could not be read are left out.
func (e *Engine) snapshot(ctx context.Context, a adapters.SyncAdapter, cfg Config, res *Result) ([]*entity, error) {
	source := a.Name()
	opts := cfg.Options
	opts.IncludeArchived = true
	opts.Cursor = ""
	complete := opts.After == 0 && opts.Before == 0

	bySession := make(map[string]*entity)
	byNative := make(map[string]*entity)
	track := func(ent *entity) {
		bySession[ent.sessionID] = ent
		if ent.nativeID != "" && byNative[ent.nativeID] == nil {
			byNative[ent.nativeID] = ent
		}
	}

	states, err := e.store.ListSyncStates(ctx, source)
	if err != nil {
		return nil, err
	}
	for i := range states {
		track(&entity{sessionID: states[i].SessionID, nativeID: states[i].NativeID, state: &states[i]})
	}

	locals, err := e.store.ListSessions(internal.SessionFilter{Provider: source, IncludeArchived: true}).All(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range locals {
		ent := bySession[s.ID]
		if ent == nil {
			ent = &entity{sessionID: s.ID, nativeID: s.ProviderSessionID}
			track(ent)
		}
		ent.local = s
		if ent.localHash, err = e.store.ContentHash(ctx, s.ID); err != nil {
			return nil, err
		}
	}

	unreadable := make(map[string]bool)
	seen := make(map[string]bool)
	err = adapters.Walk(ctx, a, opts, func(ref adapters.NativeSessionRef) error {
		if seen[ref.NativeID] {
			return nil
		}
		seen[ref.NativeID] = true
		ns, err := a.Fetch(ctx, ref)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil && (ns == nil || ns.Session == nil) {
			err = adapters.ParseError(source, ref.NativeID, errors.New("adapter returned no session"))
		}
		if err != nil {
			res.Errors = append(res.Errors, &SessionError{Source: source, SessionID: ref.NativeID, Err: err})
			unreadable[ref.NativeID] = true
			return nil
		}
		ns.Session.Normalize()
		ent := byNative[ref.NativeID]
		if ent == nil {
			id := internal.NamespacedID(source, ref.NativeID)
			if ent = bySession[id]; ent == nil {
				ent = &entity{sessionID: id}
			}
			if ent.nativeID == "" {
				ent.nativeID = ref.NativeID
			}
			track(ent)
			byNative[ref.NativeID] = ent
		}
		ent.remote = ns
		ent.remoteHash = internal.ContentHash(ns.Session)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		// the remote set is unknown, so nothing can be decided safely
		e.log.Warn("listing failed", zap.String("source", source), zap.Error(err))
		res.Errors = append(res.Errors, err)
		return nil, nil
	}

	out := make([]*entity, 0, len(bySession))
	for _, ent := range bySession {
		if unreadable[ent.nativeID] {
			continue
		}
		if ent.remote == nil && !complete && ent.nativeID != "" {
			continue
		}
		out = append(out, ent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sessionID < out[j].sessionID })
	return out, nil
}

// pendingConflicts indexes the source's unresolved conflicts by session
func (e *Engine) pendingConflicts(ctx context.Context, source string) (map[string][]internal.SyncConflict, error) {
	list, err := e.store.ListConflicts(ctx, source, true)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]internal.SyncConflict)
	for _, c := range list {
		out[c.SessionID] = append(out[c.SessionID], c)
	}
	return out, nil
}

// reconcile decides and applies one session
func (e *Engine) reconcile(ctx context.Context, a adapters.SyncAdapter, ent *entity, cfg Config, pending map[string][]internal.SyncConflict, res *Result) (err error) {
	ctx, span := e.tracer.StartSession(ctx, "sync", a.Name(), ent.nativeID)
	act := decide(ent)
	defer func() {
		span.End(err)
	}()

	switch act {
	case actSkip:
		res.Skipped++
		span.SetOutcome("unchanged")
		return nil
	case actRecord, actForget:
		res.Skipped++
		span.SetOutcome("converged")
		if cfg.DryRun {
			return nil
		}
		return e.store.WithTx(ctx, "sync state "+ent.sessionID, func(tx *store.Tx) error {
			if _, err := tx.SupersedeConflicts(ctx, a.Name(), ent.sessionID); err != nil {
				return err
			}
			if act == actForget {
				return tx.DeleteSyncState(ctx, ent.sessionID, a.Name())
			}
			return tx.PutSyncState(ctx, internal.SessionSyncState{
				SessionID:  ent.sessionID,
				Source:     a.Name(),
				NativeID:   ent.nativeID,
				LocalHash:  ent.localHash,
				RemoteHash: ent.remoteHash,
				SyncedAt:   e.now(),
			})
		})
	case actConflict:
		return e.conflict(ctx, a, ent, cfg, pending, res, span)
	}

	winner := internal.OriginLocal
	if act == actPull || act == actDeleteLocal {
		winner = internal.OriginRemote
	}
	span.SetOutcome(string(winner))
	if cfg.DryRun {
		res.Applied = append(res.Applied, e.plannedChange(a.Name(), ent, winner))
		return nil
	}
	change, err := e.apply(ctx, a, ent, winner, adapters.WriteOptions{Force: cfg.Force}, nil)
	if err != nil {
		return err
	}
	res.Applied = append(res.Applied, *change)
	return nil
}

// conflict records a divergent session and settles it when the strategy
// allows. An open conflict recorded for the same pair of versions is
// reused: left pending when the strategy cannot settle it, resolved in
// place when it can.
func (e *Engine) conflict(ctx context.Context, a adapters.SyncAdapter, ent *entity, cfg Config, pending map[string][]internal.SyncConflict, res *Result, span *tracing.Span) error {
	var open *internal.SyncConflict
	for i := range pending[ent.sessionID] {
		p := &pending[ent.sessionID][i]
		if p.LocalHash == ent.localHash && p.RemoteHash == ent.remoteHash {
			open = p
			break
		}
	}

	var c internal.SyncConflict
	if open != nil {
		c = *open
	} else {
		c = internal.SyncConflict{
			ID:         uuid.NewString(),
			Source:     a.Name(),
			SessionID:  ent.sessionID,
			NativeID:   ent.nativeID,
			LocalHash:  ent.localHash,
			RemoteHash: ent.remoteHash,
			Strategy:   cfg.Strategy,
			CreatedAt:  e.now(),
		}
		if ent.local != nil {
			full, err := e.store.LoadSession(ctx, ent.sessionID)
			if err != nil {
				return err
			}
			c.Local = full
		}
		if ent.remote != nil {
			c.Remote = ent.remote.Session.Clone()
		}
	}
	winner, settle := pick(cfg.Strategy, c.Local, c.Remote)
	if open != nil && !settle {
		span.SetOutcome("pending")
		res.Conflicts = append(res.Conflicts, c)
		return nil
	}
	e.log.Info("conflict detected",
		zap.String("session", ent.sessionID),
		zap.String("strategy", string(cfg.Strategy)),
		zap.String("winner", string(winner)),
		zap.Bool("pending", open != nil))

	if cfg.DryRun {
		if settle {
			c.Resolution = resolutionFor(winner)
			res.Applied = append(res.Applied, e.plannedChange(a.Name(), ent, winner))
		}
		res.Conflicts = append(res.Conflicts, c)
		return nil
	}
	// a new open conflict replaces whatever was still open for the session
	record := func(tx *store.Tx) error {
		if _, err := tx.SupersedeConflicts(ctx, c.Source, c.SessionID); err != nil {
			return err
		}
		return tx.InsertConflict(ctx, &c)
	}
	if !settle {
		span.SetOutcome("conflict")
		res.Conflicts = append(res.Conflicts, c)
		return e.store.WithTx(ctx, "record conflict "+ent.sessionID, record)
	}

	span.SetOutcome("resolved-" + string(winner))
	resolution := resolutionFor(winner)
	change, err := e.apply(ctx, a, ent, winner, adapters.WriteOptions{Force: cfg.Force}, func(tx *store.Tx) error {
		if open != nil {
			return tx.ResolveConflict(ctx, c.ID, resolution)
		}
		settled := c
		settled.Resolution = resolution
		settled.ResolvedAt = e.now()
		return tx.InsertConflict(ctx, &settled)
	})
	var serr *SessionError
	if errors.As(err, &serr) {
		// the winning side could not be written; keep the conflict open
		res.Conflicts = append(res.Conflicts, c)
		if open != nil {
			return err
		}
		if terr := e.store.WithTx(ctx, "record conflict "+ent.sessionID, record); terr != nil {
			return terr
		}
		return err
	}
	if err != nil {
		return err
	}
	c.Resolution = resolution
	c.ResolvedAt = change.Timestamp
	res.Applied = append(res.Applied, *change)
	res.Conflicts = append(res.Conflicts, c)
	return nil
}

func changeType(ent *entity, winner internal.Origin) internal.ChangeType {
	switch {
	case winner == internal.OriginLocal && ent.local == nil, winner == internal.OriginRemote && ent.remote == nil:
		return internal.ChangeDelete
	case ent.state == nil:
		return internal.ChangeInsert
	}
	return internal.ChangeUpdate
}

// plannedChange describes what apply would record, for dry runs
func (e *Engine) plannedChange(source string, ent *entity, winner internal.Origin) internal.SyncChange {
	c := internal.SyncChange{
		Source:     source,
		EntityType: internal.EntitySession,
		EntityID:   ent.sessionID,
		ChangeType: changeType(ent, winner),
		Origin:     winner,
		Timestamp:  e.now(),
	}
	if c.ChangeType != internal.ChangeDelete {
		c.ContentHash = ent.localHash
		if winner == internal.OriginRemote {
			c.ContentHash = ent.remoteHash
		}
	}
	return c
}

// apply makes the winning side current on both ends and records the
// change. extra runs inside the transaction that records it; conflicts of
// the session still open after it are superseded. Source failures are
// returned as *SessionError.
func (e *Engine) apply(ctx context.Context, a adapters.SyncAdapter, ent *entity, winner internal.Origin, wopts adapters.WriteOptions, extra func(*store.Tx) error) (*internal.SyncChange, error) {
	source := a.Name()
	fail := func(err error) error {
		return &SessionError{Source: source, SessionID: ent.sessionID, Err: err}
	}
	change := e.plannedChange(source, ent, winner)
	change.ID = uuid.NewString()
	state := internal.SessionSyncState{SessionID: ent.sessionID, Source: source, NativeID: ent.nativeID, SyncedAt: e.now()}

	var (
		upsert      *internal.Session
		pulled      bool
		deleteLocal bool
		forget      bool
	)
	switch {
	case winner == internal.OriginLocal && ent.local == nil:
		if ent.remote != nil {
			if err := a.Delete(ctx, ent.nativeID, wopts); err != nil && !errors.Is(err, internal.ErrNotFound) {
				return nil, fail(err)
			}
		}
		forget = true

	case winner == internal.OriginLocal:
		full, err := e.store.LoadSession(ctx, ent.sessionID)
		if err != nil {
			return nil, err
		}
		out := full.Clone()
		out.ProviderSessionID = ent.nativeID
		ref, err := a.Write(ctx, out, wopts)
		if err != nil {
			return nil, fail(err)
		}
		back, err := a.Fetch(ctx, ref)
		if err == nil && (back == nil || back.Session == nil) {
			err = errors.New("adapter returned no session")
		}
		if err != nil {
			return nil, fail(fmt.Errorf("re-fetch after write: %w", err))
		}
		back.Session.Normalize()
		state.NativeID = ref.NativeID
		state.LocalHash = internal.ContentHash(full)
		state.RemoteHash = internal.ContentHash(back.Session)
		if full.ProviderSessionID != ref.NativeID {
			full.ProviderSessionID = ref.NativeID
			full.Messages = nil
			upsert = full
		}

	case ent.remote == nil:
		deleteLocal = ent.local != nil
		forget = true

	default:
		s := ent.remote.Session.Clone()
		s.ID = ent.sessionID
		s.Provider = source
		s.ProviderSessionID = ent.nativeID
		if s.Messages == nil {
			s.Messages = []internal.Message{}
		}
		s.Normalize()
		state.RemoteHash = ent.remoteHash
		upsert, pulled = s, true
	}

	err := e.store.WithTx(ctx, "sync "+ent.sessionID, func(tx *store.Tx) error {
		if deleteLocal {
			if err := tx.DeleteSession(ctx, ent.sessionID); err != nil && !errors.Is(err, internal.ErrNotFound) {
				return err
			}
		}
		if upsert != nil {
			if w := ent.remote; pulled && w.Workspace != nil && w.Workspace.ID != "" {
				if err := tx.UpsertWorkspace(ctx, *w.Workspace); err != nil {
					return err
				}
				if upsert.WorkspaceID == "" {
					upsert.WorkspaceID = w.Workspace.ID
				}
			}
			hash, err := tx.UpsertSession(ctx, upsert)
			if err != nil {
				return err
			}
			if pulled {
				state.LocalHash = hash
			}
		}
		if forget {
			if err := tx.DeleteSyncState(ctx, ent.sessionID, source); err != nil {
				return err
			}
		} else if err := tx.PutSyncState(ctx, state); err != nil {
			return err
		}
		if err := tx.AppendSyncChange(ctx, &change); err != nil {
			return err
		}
		if extra != nil {
			if err := extra(tx); err != nil {
				return err
			}
		}
		// the session has moved past anything still open for it
		_, err := tx.SupersedeConflicts(ctx, source, ent.sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.log.Debug("change applied",
		zap.String("session", ent.sessionID),
		zap.String("type", string(change.ChangeType)),
		zap.String("origin", string(change.Origin)))
	return &change, nil
}

// ResolveConflict settles an open conflict with the chosen side. Both
// sides must still hold the versions the conflict recorded; otherwise it
// fails with ErrStaleConflict and the next sync re-evaluates the session.
func (e *Engine) ResolveConflict(ctx context.Context, a adapters.SyncAdapter, conflictID string, side internal.Resolution, wopts adapters.WriteOptions) (*internal.SyncConflict, error) {
	if side != internal.ResolvedLocal && side != internal.ResolvedRemote {
		return nil, fmt.Errorf("resolution must be %q or %q", internal.ResolvedLocal, internal.ResolvedRemote)
	}
	c, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Resolved() {
		return nil, fmt.Errorf("conflict %s already resolved with %s", c.ID, c.Resolution)
	}
	if c.Source != a.Name() {
		return nil, fmt.Errorf("conflict %s belongs to source %q, not %q", c.ID, c.Source, a.Name())
	}

	ent, err := e.current(ctx, a, c)
	if err != nil {
		return nil, err
	}
	if ent.localHash != c.LocalHash || ent.remoteHash != c.RemoteHash {
		return nil, fmt.Errorf("conflict %s: %w", c.ID, ErrStaleConflict)
	}

	winner := internal.OriginLocal
	if side == internal.ResolvedRemote {
		winner = internal.OriginRemote
	}
	if _, err := e.apply(ctx, a, ent, winner, wopts, func(tx *store.Tx) error {
		return tx.ResolveConflict(ctx, c.ID, side)
	}); err != nil {
		return nil, err
	}
	e.log.Info("conflict resolved", zap.String("conflict", c.ID), zap.String("session", c.SessionID), zap.String("side", string(side)))
	return e.store.GetConflict(ctx, c.ID)
}

// current reads both sides of a conflicted session as they are now
func (e *Engine) current(ctx context.Context, a adapters.SyncAdapter, c *internal.SyncConflict) (*entity, error) {
	ent := &entity{sessionID: c.SessionID, nativeID: c.NativeID}
	st, err := e.store.GetSyncState(ctx, c.SessionID, c.Source)
	switch {
	case err == nil:
		ent.state = st
	case !errors.Is(err, internal.ErrNotFound):
		return nil, err
	}

	s, err := e.store.GetSession(ctx, c.SessionID)
	switch {
	case err == nil:
		ent.local = s
		if ent.localHash, err = e.store.ContentHash(ctx, s.ID); err != nil {
			return nil, err
		}
	case !errors.Is(err, internal.ErrNotFound):
		return nil, err
	}

	if ent.nativeID != "" {
		ns, err := a.Fetch(ctx, adapters.NativeSessionRef{Source: c.Source, NativeID: ent.nativeID})
		switch {
		case err == nil && ns != nil && ns.Session != nil:
			ns.Session.Normalize()
			ent.remote = ns
			ent.remoteHash = internal.ContentHash(ns.Session)
		case err != nil && !errors.Is(err, internal.ErrNotFound):
			return nil, &SessionError{Source: c.Source, SessionID: c.SessionID, Err: err}
		}
	}
	return ent, nil
}
