package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/checkpoint"
)

func newForkCmd(g *globalFlags) *cobra.Command {
	var title, session string
	c := &cobra.Command{
		Use:   "fork <checkpoint>",
		Short: "Start a new session from a checkpoint",
		Long: `Create a new session holding the messages of a checkpoint. The checkpoint
is named by id, or by tag together with --session.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				cp, err := a.hub.ResolveCheckpoint(ctx, session, args[0])
				if err != nil {
					return err
				}
				fork, err := a.hub.Fork(ctx, cp.ID, title)
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), fork)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(fmt.Sprintf("✅ Forked %s as %s (%s)", cp.ID, fork.ID, fork.Title)))
				return nil
			})
		},
	}
	c.Flags().StringVar(&title, "title", "", "Title of the new session")
	c.Flags().StringVar(&session, "session", "", "Session whose tags may name the checkpoint")
	return c
}

func newMergeBranchesCmd(g *globalFlags) *cobra.Command {
	var (
		strategy string
		dryRun   bool
	)
	c := &cobra.Command{
		Use:   "merge-branches <target-session> <other-session>",
		Short: "Merge a forked session back into another",
		Long: `Three-way merge of two sessions that share a fork point. Edits made on
both sides to the same message are conflicts, settled by --strategy.
With the manual strategy conflicts are reported and nothing is written.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s internal.ConflictStrategy
			if strategy != "" {
				var err error
				if s, err = internal.ParseConflictStrategy(strategy); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				res, err := a.hub.MergeBranches(ctx, args[0], args[1], checkpoint.MergeOptions{Strategy: s, DryRun: dryRun})
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				printBranchMerge(cmd.OutOrStdout(), res)
				if n := res.Unresolved(); n > 0 && !dryRun {
					return fmt.Errorf("%s left unresolved", plural(n, "conflict"))
				}
				return nil
			})
		},
	}
	c.Flags().StringVar(&strategy, "strategy", "", "Conflict strategy (last-write-wins, prefer-local, prefer-remote, manual)")
	c.Flags().BoolVar(&dryRun, "dry-run", false, "Compute the merge without saving it")
	return c
}

func printBranchMerge(w io.Writer, r *checkpoint.BranchMerge) {
	base := r.Base
	if base == "" {
		base = "none"
	}
	_, _ = fmt.Fprintln(w, infoStyle.Render("Merge base: "+base))
	for _, c := range r.Conflicts {
		mark, style := "resolved "+string(c.Resolution), successStyle
		if c.Resolution == internal.Unresolved {
			mark, style = "conflict", errorStyle
		}
		id := c.MessageID
		if id == "" {
			id = "after " + c.Parent
		}
		_, _ = fmt.Fprintf(w, "%s %s\n", style.Render(mark), id)
	}
	switch {
	case r.Saved:
		_, _ = fmt.Fprintln(w, successStyle.Render(fmt.Sprintf("✅ Merged into %s (%s)", r.Session.ID, plural(len(r.Session.Messages), "message"))))
	case r.Unresolved() > 0:
		_, _ = fmt.Fprintln(w, warningStyle.Render("⚠️  Nothing saved; "+plural(r.Unresolved(), "conflict")+" need a strategy"))
	default:
		_, _ = fmt.Fprintln(w, infoStyle.Render("Dry run; nothing saved"))
	}
}
