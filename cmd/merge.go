package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMergeCmd(g *globalFlags) *cobra.Command {
	var save bool
	c := &cobra.Command{
		Use:   "merge <session-id> <session-id>...",
		Short: "Merge sessions into one timeline",
		Long: `Merge stored sessions into a single session ordered by message time.
Without --save the merged session is only printed.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				merged, err := a.hub.MergeSessions(ctx, args, save)
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), merged)
				}
				w := cmd.OutOrStdout()
				displaySessionHeader(w, merged)
				if save {
					_, _ = fmt.Fprintln(w, successStyle.Render("✅ Saved merged session "+merged.ID))
				} else {
					_, _ = fmt.Fprintln(w, infoStyle.Render(fmt.Sprintf("Preview of %s; use --save to store it", plural(len(merged.Messages), "message"))))
				}
				return nil
			})
		},
	}
	c.Flags().BoolVar(&save, "save", false, "Store the merged session")
	return c
}
