package main

import (
	"github.com/spf13/cobra"

	"sessiongate/internal/app"
)

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one session cleanup sweep and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, lp, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			a, err := app.Build(cmd.Context(), cfg, logger, lp)
			if err != nil {
				return err
			}
			defer func() { _ = a.Shutdown(cmd.Context()) }()

			removed, err := a.Monitor.ForceCleanup(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("cleanup sweep finished", "removed", removed)
			return nil
		},
	}
}
