package app

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rzpsarthak13/sheetsync/pkg/sheetsync"
)

const statsInterval = time.Minute

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Drain the change feed until interrupted",
		Long: `Start the drainer and process change events from the configured feed.

The worker stops on SIGINT or SIGTERM after the event in flight completes.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, logger, cleanup, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	// Detached from the signal context; Stop lets the event in flight finish.
	if err := client.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	logger.Info().Msg("worker started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				logStats(logger, client.Stats(), "drainer stats")
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received")
		return client.Stop()
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logStats(logger, client.Stats(), "worker stopped")
	return nil
}

func logStats(logger zerolog.Logger, stats sheetsync.DrainerStats, msg string) {
	logger.Info().
		Int64("processed", stats.Processed).
		Int64("skipped", stats.Skipped).
		Int64("retried", stats.Retried).
		Int64("dropped", stats.Dropped).
		Msg(msg)
}
