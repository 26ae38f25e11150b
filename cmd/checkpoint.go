package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/checkpoint"
)

func newCheckpointCmd(g *globalFlags) *cobra.Command {
	c := &cobra.Command{
		Use:     "checkpoint",
		Aliases: []string{"cp"},
		Short:   "Record and compare points in a session's history",
	}

	var tag string
	create := &cobra.Command{
		Use:   "create <session-id>",
		Short: "Checkpoint the current messages of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				created, err := a.hub.CreateCheckpoint(ctx, args[0], tag)
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), created)
				}
				cp := created.Checkpoint
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(fmt.Sprintf("✅ Checkpoint %s (%s, %s)",
					cp.ID, cp.Kind, plural(cp.MessageCount, "message"))))
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), dateStyle.Render(fmt.Sprintf("   %s → %s", created.From, created.To)))
				return nil
			})
		},
	}
	create.Flags().StringVarP(&tag, "tag", "t", "", "Name the checkpoint")

	list := &cobra.Command{
		Use:   "list <session-id>",
		Short: "List the checkpoints of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				cps, err := a.hub.ListCheckpoints(ctx, args[0])
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), cps)
				}
				printCheckpoints(cmd.OutOrStdout(), cps)
				return nil
			})
		},
	}

	status := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Report whether a session changed since its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				state, err := a.hub.CheckpointStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), map[string]any{"session_id": args[0], "state": state})
				}
				style := successStyle
				if state == checkpoint.StateModified {
					style = warningStyle
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), style.Render(string(state)))
				return nil
			})
		},
	}

	var diffSession string
	diff := &cobra.Command{
		Use:   "diff <from> <to>",
		Short: "Compare two checkpoints",
		Long: `Compare two checkpoints by id. With --session, tags of that session are
accepted as well.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				from, err := a.hub.ResolveCheckpoint(ctx, diffSession, args[0])
				if err != nil {
					return err
				}
				to, err := a.hub.ResolveCheckpoint(ctx, diffSession, args[1])
				if err != nil {
					return err
				}
				delta, err := a.hub.Diff(ctx, from.ID, to.ID)
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), delta)
				}
				printDelta(cmd.OutOrStdout(), delta)
				return nil
			})
		},
	}
	diff.Flags().StringVar(&diffSession, "session", "", "Session whose tags may be used as references")

	var keep int
	prune := &cobra.Command{
		Use:   "prune <session-id>",
		Short: "Delete old untagged checkpoints",
		Long: `Delete all but the newest --keep checkpoints of a session. Tagged
checkpoints and those still needed by kept deltas or forks survive.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				deleted, err := a.hub.PruneCheckpoints(ctx, args[0], keep)
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), map[string]any{"deleted": deleted})
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✅ Deleted "+plural(len(deleted), "checkpoint")))
				return nil
			})
		},
	}
	prune.Flags().IntVar(&keep, "keep", 10, "Number of newest checkpoints to keep")

	c.AddCommand(create, list, status, diff, prune)
	return c
}

func printCheckpoints(w io.Writer, cps []internal.Checkpoint) {
	if len(cps) == 0 {
		_, _ = fmt.Fprintln(w, headerStyle.Render("📌 No checkpoints"))
		return
	}
	tw := newTable(w)
	tableHeader(tw, 90, "ID", "Tag", "Kind", "Messages", "Created")
	now := time.Now()
	for _, cp := range cps {
		tag := cp.Tag
		if tag == "" {
			tag = "—"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n",
			idStyle.Render(cp.ID), tag, cp.Kind,
			countStyle.Render(strconv.Itoa(cp.MessageCount)),
			dateStyle.Render(relativeTime(cp.CreatedAt, now)))
	}
	_ = tw.Flush()
}

func printDelta(w io.Writer, d checkpoint.MessageDelta) {
	if d.Empty() {
		_, _ = fmt.Fprintln(w, successStyle.Render("No differences"))
		return
	}
	for _, m := range d.Added {
		_, _ = fmt.Fprintf(w, "%s %s [%s] %s\n", successStyle.Render("+"), m.ID, m.Role, truncate(m.Content, 60))
	}
	for _, m := range d.Removed {
		_, _ = fmt.Fprintf(w, "%s %s [%s] %s\n", errorStyle.Render("-"), m.ID, m.Role, truncate(m.Content, 60))
	}
	for _, ch := range d.Changed {
		_, _ = fmt.Fprintf(w, "%s %s [%s] %s\n", warningStyle.Render("~"), ch.To.ID, ch.To.Role, truncate(ch.To.Content, 60))
	}
	_, _ = fmt.Fprintln(w, dateStyle.Render(fmt.Sprintf("%d added, %d removed, %d changed", len(d.Added), len(d.Removed), len(d.Changed))))
}
