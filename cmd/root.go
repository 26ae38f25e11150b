package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iksnae/session-vault/internal"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// globalFlags are the persistent flags shared by every command
type globalFlags struct {
	configPath string
	dbPath     string
	verbose    bool
	json       bool
}

// NewRootCmd builds the command tree. Each call returns a fresh tree.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "session-vault",
		Short: "Collect, version and sync AI chat sessions",
		Long: `session-vault harvests chat sessions from AI coding assistants into one
local store, keeps checkpoints of them and syncs them back to the sources
that accept writes.

Sources:
  • Cursor editor storage and the cursor-agent CLI
  • Directories of JSON session documents
  • ChatGPT data exports
  • Open WebUI and Microsoft Copilot over HTTP

Quick Start:
  session-vault config init              # Write a default config file
  session-vault harvest                  # Import every configured source
  session-vault list                     # List stored sessions
  session-vault show <session-id>        # View a conversation
  session-vault export --format md       # Export as Markdown`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			internal.SetVerbose(g.verbose)
		},
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Config file (default ~/.session-vault/config.yaml)")
	root.PersistentFlags().StringVar(&g.dbPath, "db", "", "Store database path, overrides store.path")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable verbose logging")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "Print results as JSON")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newConfigCmd(g),
		newWorkspacesCmd(g),
		newHarvestCmd(g),
		newListCmd(g),
		newShowCmd(g),
		newExportCmd(g),
		newMergeCmd(g),
		newCheckpointCmd(g),
		newForkCmd(g),
		newMergeBranchesCmd(g),
		newSyncCmd(g),
		newConflictsCmd(g),
		newHistoryCmd(g),
		newWatchCmd(g),
		newMigrateCmd(g),
		newHealthcheckCmd(g),
		newInspectCmd(g),
		newFetchCmd(g),
	)
	return root
}

// Execute runs the CLI. An interrupt cancels the running command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		internal.PrintError(fmt.Sprintf("Error: %v", err))
		os.Exit(1)
	}
}
