// File: cmd/generate.go
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// newGenerateCmd creates the `generate` command: goal in, stored script out.
func newGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <goal...>",
		Short: "Synthesizes a new automation script from a natural-language goal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			goal := strings.Join(args, " ")

			eng, cleanup, err := buildEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			script, err := eng.Generate(ctx, goal)
			if err != nil {
				return fmt.Errorf("synthesis failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Script %q created.\n", script.Name)
			fmt.Fprintf(out, "  ID:      %s\n", script.ID)
			fmt.Fprintf(out, "  Version: %d\n", script.Version)
			fmt.Fprintf(out, "  Steps:\n")
			for _, step := range script.Steps {
				fmt.Fprintf(out, "    %2d. [%s] %s\n", step.Index, step.Type, step.Description)
			}
			if len(script.Outputs) > 0 {
				fmt.Fprintf(out, "  Outputs: %s\n", strings.Join(script.Outputs, ", "))
			}
			return nil
		},
	}
}
