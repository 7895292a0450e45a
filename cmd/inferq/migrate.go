package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Database.Type != "postgres" {
				return errors.New("migrate requires STORE_TYPE=postgres")
			}
			if err := store.RunMigrations(cfg.Database.URL, opts.migrationsDir); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			slog.Info("database migrations applied", "dir", opts.migrationsDir)
			return nil
		},
	}
}
