// Package cli implements the pinchtab command line: the orchestrator server
// and thin clients for its HTTP API.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
)

type rootOptions struct {
	configFile string
	server     string
	token      string
	jsonOutput bool
}

// NewRootCommand builds the command tree. Running it without a subcommand
// starts the server.
func NewRootCommand(version string) *cobra.Command {
	opts := &rootOptions{}
	serve := newServeCmd(opts, version)

	root := &cobra.Command{
		Use:          "pinchtab",
		Short:        "Run and manage browser instances bound to persistent profiles",
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         serve.RunE,
	}
	root.SetVersionTemplate(`{{printf "pinchtab version %s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configFile, "config", "c", "", "Path to a YAML config file")
	pf.StringVar(&opts.server, "server", envOr("PINCHTAB_URL", "http://127.0.0.1:9867"), "Orchestrator URL used by client commands")
	pf.StringVar(&opts.token, "token", os.Getenv("PINCHTAB_TOKEN"), "Bearer token sent by client commands")
	pf.BoolVar(&opts.jsonOutput, "json", false, "Print raw JSON instead of tables")

	// serve flags are also accepted on the bare root command.
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(
		serve,
		newProfilesCmd(opts),
		newInstancesCmd(opts),
		newLaunchCmd(opts),
		newStopCmd(opts),
		newLogsCmd(opts),
		newWatchCmd(opts),
		newScreencastCmd(opts),
	)
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute(version string) {
	if err := NewRootCommand(version).Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
