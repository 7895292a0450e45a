package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/kiranshivaraju/inferq/internal/config"
	"github.com/spf13/cobra"
)

const defaultMigrationsDir = "migrations"

type rootOptions struct {
	configFile    string
	migrationsDir string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "inferq",
		Short:         "Prioritised inference job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (env vars take precedence)")
	root.PersistentFlags().StringVar(&opts.migrationsDir, "migrations", defaultMigrationsDir, "directory of SQL migrations")

	root.AddCommand(newServeCmd(opts), newWorkerCmd(opts), newMigrateCmd(opts))
	return root
}

// load reads config and installs the process logger at the configured level.
func (o *rootOptions) load() (*config.Config, error) {
	path := o.configFile
	if path == "" {
		path = os.Getenv("INFERQ_CONFIG")
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"store", cfg.Database.Type,
		"inference_provider", cfg.Inference.Provider,
		"broadcast", cfg.Broadcast.Type,
	)
	return cfg, nil
}
