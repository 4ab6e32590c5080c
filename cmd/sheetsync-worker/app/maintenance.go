package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rzpsarthak13/sheetsync/pkg/sheetsync"
)

func newBootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Seed schemas and empty datasets from the workbook templates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, logger, cleanup, err := setup(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			results, err := client.Bootstrap(cmd.Context())
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d columns\n", r.Key, r.Columns)
			}
			if err != nil {
				logger.Error().Err(err).Int("bootstrapped", len(results)).Msg("bootstrap finished with errors")
				return err
			}
			logger.Info().Int("bootstrapped", len(results)).Msg("bootstrap finished")
			return nil
		},
	}
}

func newMigrateFloorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate-floors",
		Short: "Copy legacy level fields of the source collection into floor fields",
		RunE: func(cmd *cobra.Command, _ []string) error {
			batchSize, _ := cmd.Flags().GetInt("batch-size")
			removeLegacy, _ := cmd.Flags().GetBool("remove-legacy")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			client, logger, cleanup, err := setup(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := client.MigrateFloors(cmd.Context(), sheetsync.MigrateOptions{
				BatchSize:    batchSize,
				RemoveLegacy: removeLegacy,
				DryRun:       dryRun,
			})
			if err != nil {
				return err
			}
			logger.Info().Int("migrated", n).Bool("dry_run", dryRun).Msg("floor migration finished")
			fmt.Fprintf(cmd.OutOrStdout(), "%d records migrated\n", n)
			return nil
		},
	}
	cmd.Flags().Int("batch-size", 0, "Records per batch (0 uses source.migration_batch_size)")
	cmd.Flags().Bool("remove-legacy", false, "Remove the legacy level fields after copying them")
	cmd.Flags().Bool("dry-run", false, "Count the records that would change without writing")
	return cmd
}
