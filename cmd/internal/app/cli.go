package app

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
}

// NewRootCommand creates the relay CLI. Running it without a subcommand serves.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "Multi-tenant chat backend",
		Long:          "relay serves the conversation API and the realtime WebSocket gateway.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return Serve(opts.ConfigFile)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "path to a YAML config file (overrides "+ConfigFileEnv+")")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))

	return cmd
}

func newServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and WebSocket gateway",
		Long: `Run the HTTP API and WebSocket gateway until interrupted.

The store is chosen by RELAY_STORE, or inferred: RELAY_DATABASE_URL selects
Postgres, RELAY_SQLITE_PATH selects SQLite, otherwise an in-memory store is used.

Example:
  relay serve --config ./relay.yaml
  RELAY_SQLITE_PATH=./relay.db relay serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return Serve(opts.ConfigFile)
		},
	}
}

func newMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		Long: `Create the tables of the configured Postgres or SQLite store.

Statements are idempotent, so running migrate twice is safe.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return RunMigrate(opts.ConfigFile)
		},
	}
}
