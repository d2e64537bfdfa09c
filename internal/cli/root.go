// Package cli holds the supd command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"supd/internal/httpapi"
)

var version = "dev"

// SetVersion is called by main with the build version.
func SetVersion(v string) { version = v }

type globalOpts struct {
	addr   string
	token  string
	output string
}

func (o *globalOpts) client() *httpapi.Client {
	return httpapi.NewClient(o.addr, o.token)
}

// NewRootCmd builds the full command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOpts{}
	root := &cobra.Command{
		Use:   "supd",
		Short: "Supervise processes and systemd units",
		Long: `supd keeps services running: it restarts crashed processes with
exponential backoff, runs scheduled jobs on cron or interval triggers and
exposes everything over a small HTTP API.

Run 'supd serve' to start the daemon; the other commands talk to it.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{printf "supd version %s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.addr, "addr", envOr("SUPD_ADDR", httpapi.DefaultAddr), "daemon API address")
	pf.StringVar(&opts.token, "token", os.Getenv("SUPD_TOKEN"), "API bearer token")
	pf.StringVarP(&opts.output, "output", "o", "table", "output format (table, json)")

	root.AddCommand(
		newServeCmd(),
		newValidateCmd(),
		newListCmd(opts),
		newHealthCmd(opts),
		newEventsCmd(opts),
		newDashboardCmd(opts),
	)
	for _, a := range serviceActions {
		root.AddCommand(newActionCmd(opts, a))
	}
	for _, a := range batchActions {
		root.AddCommand(newBatchCmd(opts, a))
	}
	return root
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
