// File: cmd/scripts.go
package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newScriptsCmd groups the stored-script management subcommands.
func newScriptsCmd() *cobra.Command {
	scriptsCmd := &cobra.Command{
		Use:   "scripts",
		Short: "Manages stored automation scripts",
	}
	scriptsCmd.AddCommand(newScriptsListCmd(), newScriptsShowCmd(), newScriptsDeleteCmd())
	return scriptsCmd
}

func newScriptsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists all stored scripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			eng, cleanup, err := buildEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			scripts, err := eng.List(ctx)
			if err != nil {
				return err
			}
			if len(scripts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No scripts stored.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVERSION\tSTEPS\tOK\tFAIL\tUPDATED")
			for _, s := range scripts {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					s.ID, s.Name, s.Version, len(s.Steps),
					s.SuccessCount, s.FailCount,
					s.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func newScriptsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <script-id>",
		Short: "Shows one stored script in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			eng, cleanup, err := buildEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			script, err := eng.Get(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:    %s\n", script.Name)
			fmt.Fprintf(out, "Goal:    %s\n", script.Goal)
			fmt.Fprintf(out, "Version: %d  (ok %d / fail %d)\n", script.Version, script.SuccessCount, script.FailCount)
			fmt.Fprintln(out, "Steps:")
			for _, step := range script.Steps {
				fmt.Fprintf(out, "  %2d. [%s] %s  (on_failure=%s, max_retries=%d)\n",
					step.Index, step.Type, step.Description, step.OnFailure, step.MaxRetries)
			}
			return nil
		},
	}
}

func newScriptsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <script-id>",
		Short: "Deletes one stored script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			eng, cleanup, err := buildEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := eng.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Script %s deleted.\n", args[0])
			return nil
		},
	}
}
