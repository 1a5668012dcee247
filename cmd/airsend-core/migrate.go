package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/airsend/airsend-core/v1/adapter"
)

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the lock table migrations to --database-url",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.DatabaseURL == "" {
				return errors.New("--database-url is required")
			}
			dialect, err := adapter.ParseDialect(a.cfg.Dialect)
			if err != nil {
				return err
			}
			if err := adapter.MigrateDSN(dialect, a.cfg.DatabaseURL); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			cmd.Println("Applied all pending migrations.")
			return nil
		},
	}
}
