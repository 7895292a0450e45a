package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run inference workers without the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, opts.migrationsDir)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(); err != nil {
					slog.Warn("shutdown cleanup failed", "error", err)
				}
			}()

			a.runWorkers(ctx)
			return nil
		},
	}
}
