package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/iksnae/session-vault/internal"
)

func newWorkspacesCmd(g *globalFlags) *cobra.Command {
	var discover bool
	c := &cobra.Command{
		Use:   "workspaces",
		Short: "List the workspaces sessions belong to",
		Long: `List recorded workspaces. With --discover the sources that know their
workspaces are asked first and the results recorded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				if discover {
					found, err := a.hub.DiscoverWorkspaces(ctx)
					if err != nil && len(found) == 0 {
						return err
					}
					if err != nil {
						_, _ = fmt.Fprintln(cmd.ErrOrStderr(), warningStyle.Render("⚠️  "+err.Error()))
					}
				}
				list, err := a.hub.ListWorkspaces(ctx)
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), list)
				}
				printWorkspaces(cmd.OutOrStdout(), list)
				return nil
			})
		},
	}
	c.Flags().BoolVar(&discover, "discover", false, "Ask the sources for their workspaces first")

	find := &cobra.Command{
		Use:   "find <path>",
		Short: "Look up the workspace of a project folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				w, err := a.hub.FindWorkspaceByPath(ctx, args[0])
				if err != nil {
					return fmt.Errorf("workspace %s: %w", args[0], err)
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), w)
				}
				printWorkspaces(cmd.OutOrStdout(), []internal.Workspace{*w})
				return nil
			})
		},
	}
	c.AddCommand(find)
	return c
}

func printWorkspaces(w io.Writer, list []internal.Workspace) {
	if len(list) == 0 {
		_, _ = fmt.Fprintln(w, headerStyle.Render("📁 No workspaces recorded"))
		return
	}
	_, _ = fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("📁 %s", plural(len(list), "workspace"))))
	_, _ = fmt.Fprintln(w)
	tw := newTable(w)
	tableHeader(tw, 100, "ID", "Source", "Path", "Modified")
	now := time.Now()
	for _, ws := range list {
		path := ws.ProjectPath
		if path == "" {
			path = "—"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n",
			idStyle.Render(truncate(ws.ID, 12)),
			ws.Provider,
			workspaceStyle.Render(path),
			dateStyle.Render(relativeTime(ws.LastModified, now)))
	}
	_ = tw.Flush()
}
