package main

import (
	"time"

	"github.com/spf13/cobra"

	"sessiongate/internal/tools/watch"
)

func newWatchCommand() *cobra.Command {
	var (
		baseURL  string
		token    string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live terminal dashboard over the monitoring endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watch.Run(cmd.Context(), watch.Config{
				BaseURL:     baseURL,
				AccessToken: token,
				Interval:    interval,
			})
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "API base URL")
	cmd.Flags().StringVar(&token, "token", "", "admin access token")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "refresh interval")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}
