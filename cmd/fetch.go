package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
)

// errFound stops a listing once the wanted ref is seen
var errFound = errors.New("found")

// fetchedSession is the debug dump of one native session
type fetchedSession struct {
	Ref        adapters.NativeSessionRef `json:"ref" yaml:"ref"`
	Format     adapters.Format           `json:"format" yaml:"format"`
	Session    *internal.Session         `json:"session" yaml:"session"`
	Workspace  *internal.Workspace       `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	ShareLinks []internal.ShareLink      `json:"share_links,omitempty" yaml:"share_links,omitempty"`
	Dropped    []string                  `json:"dropped,omitempty" yaml:"dropped,omitempty"`
}

func newFetchCmd(g *globalFlags) *cobra.Command {
	var (
		output, format string
		archived       bool
	)
	c := &cobra.Command{
		Use:   "fetch <source> [native-id]",
		Short: "Read a session straight from a source without storing it",
		Long: `Read a session from a source and print the canonical form it converts
to, along with the native format and any messages that failed to parse.
Without a native id the source's session references are listed.
Nothing is written to the store.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "yaml" {
				return fmt.Errorf("unsupported format: %s (supported: json, yaml)", format)
			}
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				src, err := a.hub.Source(args[0])
				if err != nil {
					return err
				}
				opts := adapters.FetchOptions{IncludeArchived: archived}
				if len(args) == 1 {
					refs, err := adapters.Collect(ctx, src, opts)
					if err != nil {
						return err
					}
					if g.json {
						return writeJSON(cmd.OutOrStdout(), refs)
					}
					printRefs(cmd.OutOrStdout(), refs)
					return nil
				}

				var ref *adapters.NativeSessionRef
				err = adapters.Walk(ctx, src, opts, func(r adapters.NativeSessionRef) error {
					if r.NativeID == args[1] {
						ref = &r
						return errFound
					}
					return nil
				})
				if err != nil && !errors.Is(err, errFound) {
					return err
				}
				if ref == nil {
					ref = &adapters.NativeSessionRef{Source: src.Name(), NativeID: args[1]}
				}
				native, err := src.Fetch(ctx, *ref)
				if err != nil {
					return fmt.Errorf("fetch %s: %w", ref, err)
				}

				dump := fetchedSession{
					Ref:        native.Ref,
					Format:     native.Format,
					Session:    native.Session,
					Workspace:  native.Workspace,
					ShareLinks: native.ShareLinks,
					Dropped:    errorStrings(native.Dropped),
				}
				w := cmd.OutOrStdout()
				if output != "" {
					f, err := os.Create(output)
					if err != nil {
						return fmt.Errorf("failed to create %s: %w", output, err)
					}
					defer func() { _ = f.Close() }()
					w = f
				}
				if format == "yaml" {
					enc := yaml.NewEncoder(w)
					enc.SetIndent(2)
					if err := enc.Encode(dump); err != nil {
						return err
					}
					return enc.Close()
				}
				return writeJSON(w, dump)
			})
		},
	}
	c.Flags().StringVarP(&output, "out", "o", "", "Write to this file instead of stdout")
	c.Flags().StringVarP(&format, "format", "f", "json", "Output format (json, yaml)")
	c.Flags().BoolVar(&archived, "archived", false, "Include archived sessions when searching")
	return c
}

func printRefs(w io.Writer, refs []adapters.NativeSessionRef) {
	if len(refs) == 0 {
		_, _ = fmt.Fprintln(w, headerStyle.Render("📋 No sessions found"))
		return
	}
	tw := newTable(w)
	tableHeader(tw, 100, "Native ID", "Updated", "Locator")
	now := time.Now()
	for _, r := range refs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t\n", idStyle.Render(r.NativeID), dateStyle.Render(relativeTime(r.UpdatedAt, now)), lastPathElement(r.Locator))
	}
	_ = tw.Flush()
}
