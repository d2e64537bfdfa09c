package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"supd/internal/app"
	"supd/internal/config"
	"supd/internal/supervisor"
	"supd/pkg/logx"
)

const defaultConfigPath = "./supd.yaml"

func newServeCmd() *cobra.Command {
	var cfgPath string
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor daemon",
		Long: `Run the supervisor daemon in the foreground.

SIGHUP reloads the config file; SIGINT and SIGTERM stop every service and exit.
The file is also watched, so saving it applies the change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfgPath, stopTimeout)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "config file (yaml or json)")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func runServe(parent context.Context, cfgPath string, stopTimeout time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		stopCtx, c := context.WithTimeout(context.Background(), stopTimeout)
		defer c()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	reason := app.StopUnknown
loop:
	for {
		select {
		case <-parent.Done():
			reason = app.StopAppStop
			break loop
		case s := <-sigs:
			switch s {
			case syscall.SIGHUP:
				if err := a.Reload(ctx); err != nil {
					a.Logger().Warn("reload rejected", logx.Err(err))
				}
			case syscall.SIGINT:
				reason = app.StopSIGINT
				break loop
			default:
				reason = app.StopSIGTERM
				break loop
			}
		}
	}

	cancel()
	stopCtx, c := context.WithTimeout(context.Background(), stopTimeout)
	defer c()
	return a.Stop(stopCtx, reason)
}

func newValidateCmd() *cobra.Command {
	var (
		cfgPath string
		next    int
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a config file without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(cfgPath).Load()
			if err != nil {
				return err
			}
			specs, err := cfg.ServiceSpecs()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok (%d services)\n", cfgPath, len(specs))
			if next <= 0 {
				return nil
			}
			now := time.Now()
			for _, sp := range specs {
				if sp.Supervisor.Schedule == nil {
					continue
				}
				runs, err := supervisor.NextRuns(sp.Supervisor.Schedule, now, next)
				if err != nil {
					return fmt.Errorf("%s: %w", sp.Name, err)
				}
				at := make([]string, len(runs))
				for i, t := range runs {
					at[i] = t.Format(time.DateTime)
				}
				fmt.Fprintf(out, "  %s (%s): %s\n", sp.Name, sp.Supervisor.Schedule, strings.Join(at, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "config file (yaml or json)")
	cmd.Flags().IntVar(&next, "next", 3, "preview this many fire times of each scheduled service")
	return cmd
}
