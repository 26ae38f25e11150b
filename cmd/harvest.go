package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
	"github.com/iksnae/session-vault/internal/ingest"
)

// harvestOutput is the JSON shape of a harvest report
type harvestOutput struct {
	*ingest.HarvestReport
	Errors  []string `json:"errors,omitempty"`
	Dropped []string `json:"dropped,omitempty"`
}

func newHarvestCmd(g *globalFlags) *cobra.Command {
	var (
		since, until string
		archived     bool
		limit        int
	)
	c := &cobra.Command{
		Use:   "harvest [sources...]",
		Short: "Import sessions from the configured sources",
		Long: `Import sessions from every configured source, or only the named ones.
Sessions whose content did not change since the last harvest are skipped.

Examples:
  session-vault harvest                      # All sources
  session-vault harvest cursor --since 72h   # Recent editor sessions`,
		RunE: func(cmd *cobra.Command, args []string) error {
			after, before, err := timeRange(since, until)
			if err != nil {
				return err
			}
			opts := adapters.FetchOptions{After: after, Before: before, IncludeArchived: archived, Limit: limit}
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				if len(a.hub.Sources()) == 0 {
					return errors.New("no sources configured; run `session-vault config init` and edit the sources section")
				}
				var report *ingest.HarvestReport
				err := internal.ShowProgress(ctx, "Harvesting sessions", func() error {
					var err error
					report, err = a.hub.Harvest(ctx, opts, args...)
					return err
				})
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), harvestOutput{
						HarvestReport: report,
						Errors:        errorStrings(report.Errors),
						Dropped:       errorStrings(report.Dropped),
					})
				}
				printHarvest(cmd.OutOrStdout(), report)
				if report.Canceled {
					return errors.New("harvest canceled")
				}
				return nil
			})
		},
	}
	c.Flags().StringVar(&since, "since", "", "Only sessions updated at or after this time")
	c.Flags().StringVar(&until, "until", "", "Only sessions updated before this time")
	c.Flags().BoolVar(&archived, "archived", false, "Include archived sessions")
	c.Flags().IntVar(&limit, "limit", 0, "Page size used when listing each source")
	return c
}

func printHarvest(w io.Writer, r *ingest.HarvestReport) {
	tw := newTable(w)
	tableHeader(tw, 70, "Source", "Listed", "Written", "Skipped", "Failed", "Dropped")
	for _, s := range r.Sources {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%d\t\n",
			s.Source, s.Listed, countStyle.Render(fmt.Sprint(s.Written)), s.Skipped, s.Failed, s.Dropped)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintln(w)

	for _, err := range r.Errors {
		_, _ = fmt.Fprintln(w, errorStyle.Render("❌ ")+err.Error())
	}
	for _, err := range r.Dropped {
		_, _ = fmt.Fprintln(w, warningStyle.Render("⚠️  dropped: ")+err.Error())
	}
	summary := fmt.Sprintf("%s written, %d unchanged, %d failed",
		plural(r.SessionsWritten, "session"), r.SessionsSkipped, r.SessionsFailed())
	if r.SessionsFailed() > 0 || r.Canceled {
		_, _ = fmt.Fprintln(w, warningStyle.Render("⚠️  "+summary))
		return
	}
	_, _ = fmt.Fprintln(w, successStyle.Render("✅ "+summary))
}

func errorStrings(errs []error) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}
