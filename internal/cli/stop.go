package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/evalflow/internal/liveness"
)

func newStopCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stop [pid...]",
		Short: "Stop running evaluations (all when no pid is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			pids := make([]int, 0, len(args))
			for _, a := range args {
				pid, err := strconv.Atoi(a)
				if err != nil {
					return fmt.Errorf("invalid pid %q", a)
				}
				pids = append(pids, pid)
			}

			results, err := liveness.Stop(cmd.Context(), liveness.DefaultRoot(), pids, timeout)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(results) == 0 {
				fmt.Fprintln(out, "No evaluation stopped.")
				return nil
			}
			var failed int
			for _, r := range results {
				if r.Err != nil {
					failed++
					fmt.Fprintf(out, "Failed to stop %d: %v\n", r.PID, r.Err)
					continue
				}
				fmt.Fprintf(out, "Evaluation stopped: %d\n", r.PID)
			}
			if failed > 0 {
				return fmt.Errorf("%d evaluation(s) could not be stopped", failed)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", liveness.DefaultStopTimeout, "How long to wait for each evaluation to exit")
	return cmd
}
