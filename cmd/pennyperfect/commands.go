package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pennyperfect/internal/api"
	"pennyperfect/internal/commerce"
	"pennyperfect/internal/model"
	"pennyperfect/internal/switchback"
)

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the built-in ticker and the event relay",
		RunE:  runServe,
	}

	tickCmd = &cobra.Command{
		Use:   "tick",
		Short: "Run one switchback sweep and print the result",
		RunE:  runTick,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE:  runMigrate,
	}

	experimentCmd = &cobra.Command{
		Use:   "experiment",
		Short: "Operator commands for a single experiment",
	}
)

func init() {
	experimentCmd.AddCommand(
		experimentCommand("pause", "Pause rotation of a running experiment", (*switchback.Engine).Pause),
		experimentCommand("resume", "Resume a paused experiment", (*switchback.Engine).Resume),
		experimentCommand("promote", "Promote the best ending of a running experiment", (*switchback.Engine).Promote),
		experimentCommand("revert", "Revert a running experiment to pre-experiment prices", (*switchback.Engine).Revert),
	)
}

type engineCommand func(e *switchback.Engine, ctx context.Context, id string) (*switchback.CommandResult, error)

func experimentCommand(use, short string, fn engineCommand) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <experiment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := fn(a.engine, ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if useMemory {
		if err := a.repo.Migrate(ctx); err != nil {
			return err
		}
	}

	server := api.NewServer(a.logger, a.repo, a.engine, a.cfg.Server, a.registry)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error {
		a.engine.Run(ctx)
		return nil
	})

	if url := a.cfg.Commerce.EventsURL; url != "" {
		events := make(chan model.StoreEvent, 256)
		stream := commerce.NewEventStream(a.logger, url)
		g.Go(func() error { return stream.StartStream(ctx, events) })
		g.Go(func() error {
			a.engine.ConsumeEvents(ctx, events)
			return nil
		})
	}

	a.logger.Info("PennyPerfect started", "addr", a.cfg.Server.Addr)
	err = g.Wait()
	a.logger.Info("PennyPerfect stopped")
	return err
}

func runTick(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.Tick(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.repo.Migrate(ctx); err != nil {
		return err
	}
	a.logger.Info("Migrations applied")
	return nil
}
