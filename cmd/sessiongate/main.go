package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "sessiongate",
		Short:        "Session and token security service",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("env-file", ".env", "env file loaded before configuration (missing file is ignored)")
	root.AddCommand(newServeCommand(), newSweepCommand(), newWatchCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
