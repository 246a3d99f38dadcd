package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfcci/autotune/pkg/config"
	"github.com/openfcci/autotune/pkg/telemetry"
	"github.com/openfcci/autotune/pkg/workdir"
	"github.com/openfcci/autotune/services/blueprints"
	"github.com/openfcci/autotune/services/blueprints/internal/app"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "autotunectl",
		Short:         "Operate Autotune blueprint syncs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)

	cmd.AddCommand(newSyncCommand())
	cmd.AddCommand(newEnqueueCommand())
	cmd.AddCommand(newResolveCommand())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newLogger(cfg config.Config) zerolog.Logger {
	format := cfg.LogFormat
	if format == "" || format == "json" {
		format = "console"
	}
	return telemetry.NewLogger("autotunectl", format, os.Stderr)
}

func newSyncCommand() *cobra.Command {
	var noEvents bool

	cmd := &cobra.Command{
		Use:   "sync <slug>",
		Short: "Run one blueprint sync in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := config.Load(ctx)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			rt, err := app.Open(ctx, cfg, logger, app.Options{Bus: !noEvents})
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Job.Sync(ctx, args[0]); err != nil {
				return err
			}
			bp, err := rt.Store.Find(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", bp.Slug, bp.Status, bp.Version)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noEvents, "no-events", false, "Do not connect to NATS or publish change events")
	return cmd
}

func newEnqueueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <slug>",
		Short: "Queue a blueprint sync for the workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := config.Load(ctx)
			if err != nil {
				return err
			}

			rt, err := app.Open(ctx, cfg, newLogger(cfg), app.Options{Bus: true})
			if err != nil {
				return err
			}
			defer rt.Close()

			if _, err := rt.Store.Find(ctx, args[0]); err != nil {
				return err
			}
			req, err := rt.Enqueuer.Enqueue(ctx, args[0], blueprints.OriginCLI)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), req.RequestID)
			return nil
		},
	}
}

func newResolveCommand() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "resolve <slug>",
		Short: "Print the working directory of a blueprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root == "" {
				root = os.Getenv("WORKING_DIR_ROOT")
			}
			if root == "" {
				root = "./working"
			}
			m, err := workdir.NewManager(root, nil)
			if err != nil {
				return err
			}
			dir, err := m.Resolve(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "Working directory root (default $WORKING_DIR_ROOT or ./working)")
	return cmd
}
