package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/site-cache/internal/syncqueue"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate <up|down>",
		Short:     "Apply the PostgreSQL submission queue migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{syncqueue.MigrateUp, syncqueue.MigrateDown},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := args[0]

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			changed, err := syncqueue.Migrate(cfg.Database.MigrateURL(), direction)
			if err != nil {
				return fmt.Errorf("migration %s failed: %w", direction, err)
			}
			if !changed {
				fmt.Fprintln(cmd.OutOrStdout(), "No migrations to apply")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migration %s completed successfully\n", direction)
			return nil
		},
	}
}
