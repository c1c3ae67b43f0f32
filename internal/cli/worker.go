package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/me/evalflow/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	var workDir string

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one worker process of an evaluation (spawned by run)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parent, err := strconv.Atoi(os.Getenv(worker.EnvParentPID))
			if err != nil {
				return fmt.Errorf("%s is not set: worker processes are started by 'evalflow run'", worker.EnvParentPID)
			}
			index, _ := strconv.Atoi(os.Getenv(worker.EnvWorkerIndex))
			return worker.Main(cmd.Context(), worker.Config{
				WorkDir:    workDir,
				ParentPID:  parent,
				Index:      index,
				LogLevel:   flagLogLevel,
				LogFormat:  flagLogFormat,
				ExitOnTerm: true,
			})
		},
	}

	cmd.Flags().StringVar(&workDir, "work-dir", "", "Work directory holding the run snapshot")
	cmd.MarkFlagRequired("work-dir")
	return cmd
}
