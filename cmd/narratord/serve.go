package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/loqalabs/loqa-narrator/internal/runtime"
)

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("starting narratord", slog.String("version", version), slog.String("environment", cfg.Environment))

	if err := runtime.New(cfg, logger).Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
