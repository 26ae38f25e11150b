package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/iksnae/session-vault/internal"
)

func newListCmd(g *globalFlags) *cobra.Command {
	var (
		source, workspace, title string
		since, until             string
		archived                 bool
		limit                    int
	)
	c := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		Long:  `List sessions in the store, most recently updated first.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			after, before, err := timeRange(since, until)
			if err != nil {
				return err
			}
			filter := internal.SessionFilter{
				WorkspaceID:     workspace,
				Provider:        source,
				UpdatedAfter:    after,
				UpdatedBefore:   before,
				IncludeArchived: archived,
				TitleContains:   title,
				Limit:           limit,
			}
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				sessions, err := a.hub.ListSessions(ctx, filter)
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), sessions)
				}
				printSessions(cmd.OutOrStdout(), sessions)
				return nil
			})
		},
	}
	c.Flags().StringVar(&source, "source", "", "Only sessions from this source")
	c.Flags().StringVar(&workspace, "workspace", "", "Only sessions of this workspace id")
	c.Flags().StringVar(&title, "title", "", "Only sessions whose title contains this text")
	c.Flags().StringVar(&since, "since", "", "Only sessions updated at or after this time")
	c.Flags().StringVar(&until, "until", "", "Only sessions updated before this time")
	c.Flags().BoolVar(&archived, "archived", false, "Include archived sessions")
	c.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of sessions")
	return c
}

func printSessions(w io.Writer, sessions []*internal.Session) {
	if len(sessions) == 0 {
		_, _ = fmt.Fprintln(w, headerStyle.Render("📋 No sessions found"))
		return
	}

	_, _ = fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("📋 Found %s", plural(len(sessions), "session"))))
	_, _ = fmt.Fprintln(w)

	tw := newTable(w)
	tableHeader(tw, 120, "ID", "Title", "Messages", "Updated", "Source")
	nameStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	now := time.Now()
	for _, s := range sessions {
		name := s.Title
		if name == "" {
			name = "Untitled"
		}
		if s.Archived {
			name += " (archived)"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n",
			idStyle.Render(s.ID),
			nameStyle.Render(truncate(name, 50)),
			countStyle.Render(strconv.Itoa(s.MessageCount)),
			dateStyle.Render(relativeTime(s.UpdatedAt, now)),
			workspaceStyle.Render(s.Provider))
	}
	_ = tw.Flush()

	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, idStyle.Render("💡 Tip: Use the full ID (e.g., ")+
		lipgloss.NewStyle().Foreground(lipgloss.Color("62")).Render(sessions[0].ID)+
		idStyle.Render(") with `session-vault show <id>`"))
}
