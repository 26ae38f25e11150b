package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/export"
)

// exportWorkers bounds concurrent session loads and writes
const exportWorkers = 4

func newExportCmd(g *globalFlags) *cobra.Command {
	var (
		format, outputDir   string
		workspace, source   string
		sessionID           string
		since, until, title string
		archived            bool
	)
	c := &cobra.Command{
		Use:   "export",
		Short: "Export sessions to file",
		Long: `Export stored sessions to jsonl, md, yaml or json, one file per session.

You can export all sessions, filter by source or workspace, or export a
specific session by ID. Use 'session-vault list' to see session IDs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exporter, err := export.NewExporter(format)
			if err != nil {
				return err
			}
			after, before, err := timeRange(since, until)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				var ids []string
				if sessionID != "" {
					ids = []string{sessionID}
				} else {
					list, err := a.hub.ListSessions(ctx, internal.SessionFilter{
						WorkspaceID:     workspace,
						Provider:        source,
						UpdatedAfter:    after,
						UpdatedBefore:   before,
						IncludeArchived: archived,
						TitleContains:   title,
					})
					if err != nil {
						return err
					}
					for _, s := range list {
						ids = append(ids, s.ID)
					}
				}
				if len(ids) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), headerStyle.Render("📋 No sessions to export"))
					return nil
				}

				if err := os.MkdirAll(outputDir, 0750); err != nil {
					return fmt.Errorf("failed to create output directory: %w", err)
				}

				var written []string
				err := internal.ShowProgress(ctx, fmt.Sprintf("Exporting %s to %s", plural(len(ids), "session"), outputDir), func() error {
					var err error
					written, err = exportSessions(ctx, a, exporter, outputDir, ids)
					return err
				})
				if g.json {
					if jerr := writeJSON(cmd.OutOrStdout(), map[string]any{"files": written}); jerr != nil {
						return jerr
					}
				} else {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(
						fmt.Sprintf("✅ Export complete: %s exported to %s", plural(len(written), "session"), outputDir)))
				}
				return err
			})
		},
	}
	c.Flags().StringVarP(&format, "format", "f", "jsonl", "Export format (jsonl, md, yaml, json)")
	c.Flags().StringVarP(&outputDir, "out", "o", "./exports", "Output directory")
	c.Flags().StringVar(&workspace, "workspace", "", "Filter by workspace id")
	c.Flags().StringVar(&source, "source", "", "Filter by source")
	c.Flags().StringVar(&title, "title", "", "Filter by title text")
	c.Flags().StringVar(&since, "since", "", "Only sessions updated at or after this time")
	c.Flags().StringVar(&until, "until", "", "Only sessions updated before this time")
	c.Flags().BoolVar(&archived, "archived", false, "Include archived sessions")
	c.Flags().StringVar(&sessionID, "session-id", "", "Export a specific session by ID")
	return c
}

// exportSessions writes every session of ids. A failing session does not stop
// the others; the failures are joined into the returned error.
func exportSessions(ctx context.Context, a *app, e export.Exporter, dir string, ids []string) ([]string, error) {
	var (
		mu      sync.Mutex
		written = make([]string, len(ids))
		errs    []error
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(exportWorkers)
	for i, id := range ids {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := a.hub.LoadSession(ctx, id)
			if err == nil {
				written[i], err = export.WriteFile(e, dir, s)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("export %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		errs = append(errs, err)
	}
	out := written[:0]
	for _, p := range written {
		if p != "" {
			out = append(out, p)
		}
	}
	return out, errors.Join(errs...)
}
