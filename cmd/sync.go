package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
	"github.com/iksnae/session-vault/internal/syncengine"
)

func newSyncCmd(g *globalFlags) *cobra.Command {
	var (
		strategy     string
		force        bool
		dryRun       bool
		since, until string
	)
	c := &cobra.Command{
		Use:   "sync <source>",
		Short: "Two-way sync the store with a writable source",
		Long: `Reconcile the store with a source that accepts writes. Changes on one
side are copied to the other; sessions changed on both sides since the last
sync are conflicts, settled by --strategy or recorded for
'session-vault conflicts resolve'.

Writes into an editor's storage are refused while the editor runs unless
--force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s internal.ConflictStrategy
			if strategy != "" {
				var err error
				if s, err = internal.ParseConflictStrategy(strategy); err != nil {
					return err
				}
			}
			after, before, err := timeRange(since, until)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				var res *syncengine.Result
				err := internal.ShowProgress(ctx, "Syncing "+args[0], func() error {
					var err error
					res, err = a.hub.Sync(ctx, args[0], syncengine.Config{
						Strategy: s,
						Force:    force,
						DryRun:   dryRun,
						Options:  adapters.FetchOptions{After: after, Before: before, IncludeArchived: true},
					})
					return err
				})
				if err != nil {
					return err
				}
				if g.json {
					if err := writeJSON(cmd.OutOrStdout(), struct {
						*syncengine.Result
						Errors []string `json:"errors,omitempty"`
					}{res, errorStrings(res.Errors)}); err != nil {
						return err
					}
				} else {
					printSyncResult(cmd.OutOrStdout(), res)
				}
				switch res.Status {
				case syncengine.StatusPartial:
					return fmt.Errorf("sync %s: %s failed", res.Source, plural(len(res.Errors), "session"))
				case syncengine.StatusCanceled:
					return fmt.Errorf("sync %s canceled", res.Source)
				}
				return nil
			})
		},
	}
	c.Flags().StringVar(&strategy, "strategy", "", "Conflict strategy (last-write-wins, prefer-local, prefer-remote, manual)")
	c.Flags().BoolVar(&force, "force", false, "Write even while the source application runs")
	c.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would change without writing")
	c.Flags().StringVar(&since, "since", "", "Only consider remote sessions updated at or after this time")
	c.Flags().StringVar(&until, "until", "", "Only consider remote sessions updated before this time")
	return c
}

func printSyncResult(w io.Writer, r *syncengine.Result) {
	prefix := ""
	if r.DryRun {
		prefix = "(dry run) "
	}
	for _, ch := range r.Applied {
		dir := "→ remote"
		if ch.Origin == internal.OriginRemote {
			dir = "← remote"
		}
		_, _ = fmt.Fprintf(w, "%s%s %s %s\n", prefix, dir, ch.ChangeType, ch.EntityID)
	}
	for _, c := range r.Conflicts {
		if c.Resolved() {
			_, _ = fmt.Fprintf(w, "%s%s %s kept %s\n", prefix, successStyle.Render("resolved"), c.SessionID, c.Resolution)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s%s %s (%s)\n", prefix, errorStyle.Render("conflict"), c.SessionID, c.ID)
	}
	for _, err := range r.Errors {
		_, _ = fmt.Fprintln(w, errorStyle.Render("❌ ")+err.Error())
	}
	summary := fmt.Sprintf("%s: %s applied, %d unchanged, %d open conflicts",
		r.Status, plural(len(r.Applied), "change"), r.Skipped, r.Unresolved())
	if r.Status == syncengine.StatusOK {
		_, _ = fmt.Fprintln(w, successStyle.Render("✅ "+summary))
		return
	}
	_, _ = fmt.Fprintln(w, warningStyle.Render("⚠️  "+summary))
}

func newConflictsCmd(g *globalFlags) *cobra.Command {
	c := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
	}

	var (
		source string
		all    bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				conflicts, err := a.hub.ListConflicts(ctx, source, !all)
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), conflicts)
				}
				printConflicts(cmd.OutOrStdout(), conflicts)
				return nil
			})
		},
	}
	list.Flags().StringVar(&source, "source", "", "Only conflicts of this source")
	list.Flags().BoolVar(&all, "all", false, "Include resolved conflicts")

	var force bool
	resolve := &cobra.Command{
		Use:   "resolve <conflict-id> <local|remote>",
		Short: "Settle a conflict with one side",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var side internal.Resolution
			switch args[1] {
			case string(internal.ResolvedLocal):
				side = internal.ResolvedLocal
			case string(internal.ResolvedRemote):
				side = internal.ResolvedRemote
			default:
				return fmt.Errorf("side must be local or remote, got %q", args[1])
			}
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				resolved, err := a.hub.ResolveConflict(ctx, args[0], side, force)
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), resolved)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(
					fmt.Sprintf("✅ Resolved %s: kept %s version of %s", resolved.ID, resolved.Resolution, resolved.SessionID)))
				return nil
			})
		},
	}
	resolve.Flags().BoolVar(&force, "force", false, "Write even while the source application runs")

	c.AddCommand(list, resolve)
	return c
}

func printConflicts(w io.Writer, conflicts []internal.SyncConflict) {
	if len(conflicts) == 0 {
		_, _ = fmt.Fprintln(w, successStyle.Render("✅ No conflicts"))
		return
	}
	tw := newTable(w)
	tableHeader(tw, 100, "ID", "Source", "Session", "Strategy", "Resolution", "Created")
	now := time.Now()
	for _, c := range conflicts {
		res := string(c.Resolution)
		if res == "" {
			res = errorStyle.Render("open")
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t\n",
			idStyle.Render(c.ID), c.Source, c.SessionID, c.Strategy, res,
			dateStyle.Render(relativeTime(c.CreatedAt, now)))
	}
	_ = tw.Flush()
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var (
		source, session string
		limit           int
	)
	c := &cobra.Command{
		Use:   "history",
		Short: "Show the sync change log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				changes, err := a.hub.History(ctx, source, session, limit)
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), changes)
				}
				if len(changes) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), headerStyle.Render("No sync changes recorded"))
					return nil
				}
				tw := newTable(cmd.OutOrStdout())
				tableHeader(tw, 100, "When", "Source", "Session", "Change", "Origin")
				for _, ch := range changes {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n",
						dateStyle.Render(internal.FormatMillis(ch.Timestamp)), ch.Source, ch.EntityID, ch.ChangeType, ch.Origin)
				}
				return tw.Flush()
			})
		},
	}
	c.Flags().StringVar(&source, "source", "", "Only changes of this source")
	c.Flags().StringVar(&session, "session", "", "Only changes of this session")
	c.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of entries")
	return c
}
