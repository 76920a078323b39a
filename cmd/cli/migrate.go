package main

import (
	"fmt"

	"github.com/nimasrn/donation-engine/internal/app"
	"github.com/nimasrn/donation-engine/internal/config"
	"github.com/nimasrn/donation-engine/pkg/pg"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := pg.Migrate(app.PostgresWrite(config.Get()), dir); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "./migrations", "directory holding the goose migrations")
	return cmd
}
