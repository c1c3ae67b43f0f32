// Package cli implements the evalflow command line.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/me/evalflow/internal/config"
	"github.com/me/evalflow/internal/logging"
)

var (
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string
	flagEnvFile   string

	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the evalflow CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "evalflow",
		Short: "evalflow: evaluation pipeline orchestrator",
		Long: `evalflow runs configurable evaluation pipelines (data, inference, metrics,
report) over one or more benchmarks, in one process or across a pool of
worker processes, resuming from checkpoints after partial failure.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(flagEnvFile); err != nil {
				return err
			}
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")
	root.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "Environment file loaded before anything else")

	root.AddCommand(
		newRunCmd(),
		newWorkerCmd(),
		newStatusCmd(),
		newStopCmd(),
		newPluginsCmd(),
	)

	return root
}
