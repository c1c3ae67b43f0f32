package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/evalflow/internal/liveness"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List running evaluations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := liveness.List(liveness.DefaultRoot())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No evaluation is running.")
				return nil
			}
			for _, r := range runs {
				fmt.Fprintf(out, "Run %d\n", r.PID)
				if r.Config != nil {
					fmt.Fprintf(out, "  Runner:   %s\n", r.Config.Runner)
					fmt.Fprintf(out, "  Work dir: %s\n", r.Config.WorkDir)
				}
				for _, w := range r.Workers {
					fmt.Fprintf(out, "    - worker %d (pid %d): %s", w.Index, w.PID, w.Status)
					if w.Message != "" {
						fmt.Fprintf(out, ": %s", w.Message)
					}
					fmt.Fprintln(out)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print runs as JSON")
	return cmd
}
