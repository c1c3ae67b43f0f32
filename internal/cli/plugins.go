package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/me/evalflow/internal/builtin"
	"github.com/me/evalflow/internal/plugin"
)

var roleStyle = lipgloss.NewStyle().Bold(true)

func newPluginsCmd() *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List the registered plugin implementations by role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog := builtin.Catalog()
			roles := plugin.Roles
			if role != "" {
				r := plugin.Role(role)
				if len(catalog.Names(r)) == 0 {
					return fmt.Errorf("unknown role %q", role)
				}
				roles = []plugin.Role{r}
			}

			out := cmd.OutOrStdout()
			for _, r := range roles {
				fmt.Fprintln(out, roleStyle.Render(string(r)))
				def := catalog.Default(r)
				for _, name := range catalog.Names(r) {
					if name == def {
						fmt.Fprintf(out, "  %s (default)\n", name)
					} else {
						fmt.Fprintf(out, "  %s\n", name)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "Only list implementations of this role")
	return cmd
}
