// File: cmd/improve.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newImproveCmd creates the `improve` command: an on-demand script rewrite
// without a live run.
func newImproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "improve <script-id>",
		Short: "Asks the model to repair a stored script without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			eng, cleanup, err := buildEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			script, err := eng.Improve(ctx, args[0])
			if err != nil {
				return fmt.Errorf("improvement failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Script %q rewritten to version %d (%d steps).\n",
				script.Name, script.Version, len(script.Steps))
			for _, step := range script.Steps {
				fmt.Fprintf(out, "  %2d. [%s] %s\n", step.Index, step.Type, step.Description)
			}
			return nil
		},
	}
}
