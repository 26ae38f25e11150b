// Package ingest pulls sessions out of format adapters into the canonical
// store, and merges sessions from several sources into one.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
	"github.com/iksnae/session-vault/internal/store"
	"github.com/iksnae/session-vault/internal/tracing"
)

// Source is one adapter to harvest and the listing options to use
type Source struct {
	Adapter adapters.Adapter
	Options adapters.FetchOptions
}

// Options configure an Engine
type Options struct {
	Logger *zap.Logger
	Tracer *tracing.Tracer
	// Parallel bounds how many sources are fetched at once; 0 fetches all
	// sources at the same time
	Parallel int
}

// Engine harvests adapters into a store. Fetches run in parallel across
// sources; writes are applied one session per transaction, in arrival order.
type Engine struct {
	store    *store.Store
	log      *zap.Logger
	tracer   *tracing.Tracer
	parallel int
}

// New creates an Engine writing to st
func New(st *store.Store, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = internal.L()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracing.Default()
	}
	return &Engine{store: st, log: log.Named("ingest"), tracer: tracer, parallel: opts.Parallel}
}

// SessionError is a failure confined to one native session
type SessionError struct {
	Source   string
	NativeID string
	Err      error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s session %s: %v", e.Source, e.NativeID, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// SourceReport counts what happened to one source's sessions
type SourceReport struct {
	Source  string `json:"source" yaml:"source"`
	Listed  int    `json:"listed" yaml:"listed"`
	Written int    `json:"written" yaml:"written"`
	Skipped int    `json:"skipped" yaml:"skipped"`
	Failed  int    `json:"failed" yaml:"failed"`
	Dropped int    `json:"dropped_messages" yaml:"dropped_messages"`
}

// HarvestReport summarizes a harvest run. Errors holds one entry per failed
// session or failed listing; Dropped holds message-level parse failures of
// sessions that were still written.
type HarvestReport struct {
	SessionsWritten int            `json:"sessions_written" yaml:"sessions_written"`
	SessionsSkipped int            `json:"sessions_skipped" yaml:"sessions_skipped"`
	Errors          []error        `json:"-" yaml:"-"`
	Dropped         []error        `json:"-" yaml:"-"`
	Written         []string       `json:"written,omitempty" yaml:"written,omitempty"`
	Sources         []SourceReport `json:"sources" yaml:"sources"`
	Canceled        bool           `json:"canceled,omitempty" yaml:"canceled,omitempty"`
}

// SessionsFailed returns the number of recorded errors
func (r *HarvestReport) SessionsFailed() int { return len(r.Errors) }

type fetched struct {
	source  int
	ref     adapters.NativeSessionRef
	session *adapters.NativeSession
	err     error
	listErr error
}

// Harvest lists and fetches every source and writes new or changed sessions.
// A session already stored under the same provider identity with the same
// content hash is skipped. Adapter and session failures are collected in the
// report; a failing store write stops the run and is returned. Cancellation
// stops the run between sessions and is reported, not returned.
func (e *Engine) Harvest(ctx context.Context, sources []Source) (*HarvestReport, error) {
	names := make([]string, len(sources))
	report := &HarvestReport{Sources: make([]SourceReport, len(sources))}
	for i, src := range sources {
		names[i] = src.Adapter.Name()
		report.Sources[i].Source = names[i]
	}
	ctx, span := e.tracer.StartRun(ctx, "harvest", names...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan fetched)
	g, gctx := errgroup.WithContext(runCtx)
	if e.parallel > 0 {
		g.SetLimit(e.parallel)
	}
	go func() {
		defer close(results)
		for i, src := range sources {
			g.Go(func() error {
				e.fetchSource(gctx, i, src, results)
				return nil
			})
		}
		_ = g.Wait()
	}()

	var storeErr error
	for r := range results {
		if storeErr != nil {
			continue // drain so producers exit
		}
		if err := e.apply(runCtx, r, report); err != nil {
			storeErr = err
			cancel()
		}
	}

	report.Canceled = ctx.Err() != nil
	span.SetCount("written", report.SessionsWritten)
	span.SetCount("skipped", report.SessionsSkipped)
	span.SetCount("failed", report.SessionsFailed())
	span.End(storeErr)

	e.log.Info("harvest finished",
		zap.Strings("sources", names),
		zap.Int("written", report.SessionsWritten),
		zap.Int("skipped", report.SessionsSkipped),
		zap.Int("failed", report.SessionsFailed()),
		zap.Bool("canceled", report.Canceled))
	if storeErr != nil {
		return report, storeErr
	}
	return report, nil
}

// fetchSource walks one adapter and hands every distinct ref's fetch result
// to the writer
func (e *Engine) fetchSource(ctx context.Context, idx int, src Source, out chan<- fetched) {
	send := func(f fetched) error {
		select {
		case out <- f:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	seen := make(map[string]bool)
	err := adapters.Walk(ctx, src.Adapter, src.Options, func(ref adapters.NativeSessionRef) error {
		if seen[ref.NativeID] {
			return nil
		}
		seen[ref.NativeID] = true
		ns, err := src.Adapter.Fetch(ctx, ref)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return send(fetched{source: idx, ref: ref, session: ns, err: err})
	})
	if err != nil && ctx.Err() == nil {
		_ = send(fetched{source: idx, listErr: err})
	}
}

// apply writes one fetch result. Only store failures are returned.
func (e *Engine) apply(ctx context.Context, r fetched, report *HarvestReport) error {
	if ctx.Err() != nil {
		return nil
	}
	rep := &report.Sources[r.source]
	if r.listErr != nil {
		e.log.Warn("listing failed", zap.String("source", rep.Source), zap.Error(r.listErr))
		report.Errors = append(report.Errors, r.listErr)
		return nil
	}
	rep.Listed++

	ctx, span := e.tracer.StartSession(ctx, "harvest", rep.Source, r.ref.NativeID)
	fail := func(err error) error {
		serr := &SessionError{Source: rep.Source, NativeID: r.ref.NativeID, Err: err}
		e.log.Warn("session skipped", zap.String("source", rep.Source), zap.String("ref", r.ref.NativeID), zap.Error(err))
		report.Errors = append(report.Errors, serr)
		rep.Failed++
		span.SetOutcome("failed")
		span.End(err)
		return nil
	}

	if r.err != nil {
		return fail(r.err)
	}
	if r.session == nil || r.session.Session == nil {
		return fail(adapters.ParseError(rep.Source, r.ref.NativeID, errors.New("adapter returned no session")))
	}
	ns := r.session
	s := ns.Session
	s.Normalize()
	if err := s.Validate(); err != nil {
		return fail(adapters.ParseError(rep.Source, r.ref.NativeID, err))
	}
	for _, d := range ns.Dropped {
		e.log.Debug("message dropped", zap.String("session", s.ID), zap.Error(d))
		report.Dropped = append(report.Dropped, &SessionError{Source: rep.Source, NativeID: r.ref.NativeID, Err: d})
	}
	rep.Dropped += len(ns.Dropped)

	hash := internal.ContentHash(s)
	existing, err := e.store.FindSessionByProvider(ctx, s.Provider, s.ProviderSessionID)
	switch {
	case err == nil:
		stored, err := e.store.ContentHash(ctx, existing.ID)
		if err != nil {
			span.End(err)
			return ignoreCanceled(ctx, err)
		}
		if stored == hash {
			report.SessionsSkipped++
			rep.Skipped++
			span.SetOutcome("unchanged")
			span.End(nil)
			return nil
		}
		s.ID = existing.ID
	case !errors.Is(err, internal.ErrNotFound):
		span.End(err)
		return ignoreCanceled(ctx, err)
	}

	err = e.store.WithTx(ctx, "harvest "+s.ID, func(tx *store.Tx) error {
		if w := ns.Workspace; w != nil && w.ID != "" {
			if err := tx.UpsertWorkspace(ctx, *w); err != nil {
				return err
			}
			if s.WorkspaceID == "" {
				s.WorkspaceID = w.ID
			}
		}
		if _, err := tx.UpsertSession(ctx, s); err != nil {
			return err
		}
		for _, l := range ns.ShareLinks {
			l.SessionID = s.ID
			if err := tx.CreateShareLink(ctx, &l); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.End(err)
		return ignoreCanceled(ctx, err)
	}
	report.SessionsWritten++
	report.Written = append(report.Written, s.ID)
	rep.Written++
	span.SetOutcome("written")
	span.End(nil)
	e.log.Debug("session written", zap.String("session", s.ID), zap.Int("messages", s.MessageCount))
	return nil
}

// ignoreCanceled drops errors caused by the run being stopped
func ignoreCanceled(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
