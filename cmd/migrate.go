package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/store"
)

func newMigrateCmd(g *globalFlags) *cobra.Command {
	var statusOnly bool
	c := &cobra.Command{
		Use:   "migrate",
		Short: "Upgrade the store to the current schema",
		Long: `Upgrade the store database to the schema this binary expects.

Commands refuse to open an older store unless store.auto_migrate is set;
this command is the explicit upgrade. The store is created when missing.
A store written by a newer version is never touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			tracer, err := g.configure(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = tracer.Shutdown(ctx) }()

			path := cfg.Store.Path
			out := cmd.OutOrStdout()
			if statusOnly {
				found, err := store.SchemaVersion(ctx, path)
				if err != nil {
					return fmt.Errorf("failed to read schema version: %w", err)
				}
				if g.json {
					return writeJSON(out, map[string]any{"path": path, "version": found, "current": store.CurrentSchemaVersion})
				}
				_, _ = fmt.Fprintf(out, "Store: %s\nSchema version: %d (current %d)\n", path, found, store.CurrentSchemaVersion)
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
				return fmt.Errorf("failed to create store directory: %w", err)
			}
			internal.LogInfo("Migrating store at %s", path)
			from, to, err := store.Migrate(ctx, path, internal.L())
			if err != nil {
				return fmt.Errorf("failed to migrate store: %w", err)
			}
			if g.json {
				return writeJSON(out, map[string]any{"path": path, "from": from, "to": to})
			}
			if from == to {
				_, _ = fmt.Fprintln(out, successStyle.Render(fmt.Sprintf("✅ Store is up to date (version %d)", to)))
				return nil
			}
			_, _ = fmt.Fprintln(out, successStyle.Render(fmt.Sprintf("✅ Migrated store from version %d to %d", from, to)))
			return nil
		},
	}
	c.Flags().BoolVar(&statusOnly, "status", false, "Only print the schema version")
	return c
}
