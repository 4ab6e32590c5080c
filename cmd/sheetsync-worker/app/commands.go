// Package app provides the commands of the sheet sync worker.
package app

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rzpsarthak13/sheetsync/internal/logging"
	"github.com/rzpsarthak13/sheetsync/pkg/sheetsync"
)

// NewRootCmd creates the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sheetsync-worker",
		Short:         "Mirror record changes into spreadsheet tables and datasets",
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().String("config", "", "Path to a YAML or JSON configuration file (SHEETSYNC_* variables override it)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newBootstrapCmd())
	root.AddCommand(newMigrateFloorsCmd())
	return root
}

// setup loads the configuration and builds the root logger and the client.
// The returned cleanup closes both.
func setup(ctx context.Context, cmd *cobra.Command) (sheetsync.Client, zerolog.Logger, func(), error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	cfg, err := sheetsync.LoadConfig(path)
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, logCloser, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	logger = logger.With().Str("command", cmd.Name()).Logger()

	client, err := sheetsync.NewClient(ctx, cfg, sheetsync.WithLogger(logger))
	if err != nil {
		closeQuietly(logCloser)
		return nil, logger, nil, err
	}

	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close client")
		}
		closeQuietly(logCloser)
	}
	return client, logger, cleanup, nil
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
