package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"supd/internal/dashboard"
	"supd/internal/httpapi"
)

const requestTimeout = 60 * time.Second

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, requestTimeout)
}

func newListCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:     "status [service]",
		Aliases: []string{"list", "ls"},
		Short:   "Show services and their state",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			c := opts.client()
			if len(args) == 1 {
				view, err := c.Service(ctx, args[0])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.output, view, func() string { return serviceDetail(view) })
			}
			list, err := c.Services(ctx)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, list, func() string { return servicesTable(list) })
		},
	}
}

func newHealthCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "health [service]",
		Short: "Run health checks",
		Long: `Run the health check of one service, or of every service when no
name is given. The aggregate report is "degraded" when any check fails.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			c := opts.client()
			if len(args) == 1 {
				h, err := c.Health(ctx, args[0])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.output, h, func() string { return healthLine(args[0], h) })
			}
			rep, err := c.HealthAll(ctx)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, rep, func() string { return healthTable(rep) })
		},
	}
}

func newEventsCmd(opts *globalOpts) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events <service>",
		Short: "Show recorded lifecycle events of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			evs, err := opts.client().Events(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, evs, func() string { return eventsTable(evs) })
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "newest N events")
	return cmd
}

type action struct {
	use, short string
	call       func(*httpapi.Client, context.Context, string) (string, error)
}

var serviceActions = []action{
	{"start", "Start a service (re-arms a scheduled one)", (*httpapi.Client).Start},
	{"stop", "Stop a service (disarms a scheduled one)", (*httpapi.Client).Stop},
	{"restart", "Stop then start a service", (*httpapi.Client).Restart},
	{"trigger", "Run a scheduled service now", (*httpapi.Client).Trigger},
	{"remove", "Stop and unregister a service", (*httpapi.Client).Remove},
}

func newActionCmd(opts *globalOpts, a action) *cobra.Command {
	return &cobra.Command{
		Use:   a.use + " <service>",
		Short: a.short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			msg, err := a.call(opts.client(), ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

type batchAction struct {
	use, short string
	call       func(*httpapi.Client, context.Context) (string, error)
}

var batchActions = []batchAction{
	{"start-all", "Start every service concurrently", (*httpapi.Client).StartAll},
	{"stop-all", "Stop every service concurrently", (*httpapi.Client).StopAll},
}

func newBatchCmd(opts *globalOpts, a batchAction) *cobra.Command {
	return &cobra.Command{
		Use:   a.use,
		Short: a.short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			msg, err := a.call(opts.client(), ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func newDashboardCmd(opts *globalOpts) *cobra.Command {
	var refresh time.Duration
	cmd := &cobra.Command{
		Use:     "dashboard",
		Aliases: []string{"ui"},
		Short:   "Interactive terminal dashboard",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return dashboard.Run(ctx, opts.client(), refresh)
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", dashboard.DefaultRefresh, "poll interval")
	return cmd
}
