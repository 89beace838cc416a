package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"sessiongate/internal/app"
	"sessiongate/internal/config"
	"sessiongate/internal/observability"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the background session monitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, lp, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			a, err := app.Build(cmd.Context(), cfg, logger, lp)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
}

// loadRuntime is the shared bootstrap: env file, config, logger.
func loadRuntime(cmd *cobra.Command) (*config.Config, *slog.Logger, *sdklog.LoggerProvider, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil {
			return nil, nil, nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, lp, err := observability.NewLogger(context.Background(), cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, lp, nil
}
