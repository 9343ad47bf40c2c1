// Package main is the entry point for the pipeline service and CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// errRunFailed reports a failed run after its result was printed.
var errRunFailed = errors.New("pipeline run failed")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// newRootCmd creates the root command.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pipeline",
		Short: "MentatLab pipeline execution engine",
		Long: `Runs MentatLab pipelines: directed graphs of widget, transform, system
and ai nodes executed in dependency order with retries and live progress.

Configuration is read from the environment and an optional .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCmd(), newRunCmd())
	return rootCmd
}
