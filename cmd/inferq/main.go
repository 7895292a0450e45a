// Package main is the entrypoint for the inferq server and workers.
package main

import (
	"log/slog"
	"os"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("inferq failed", "error", err)
		os.Exit(1)
	}
}
