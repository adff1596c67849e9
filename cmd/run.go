// File: cmd/run.go
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/engine"
)

// newRunCmd creates the `run` command, executing a stored script on the
// connected device.
func newRunCmd() *cobra.Command {
	var (
		modeFlag      string
		autoImprove   bool
		noAutoAdjust  bool
		quietProgress bool
	)

	runCmd := &cobra.Command{
		Use:   "run <script-id>",
		Short: "Executes a stored script against the connected device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]

			eng, cleanup, err := buildEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := engine.ExecuteOptions{DisableAutoAdjust: noAutoAdjust}
			if modeFlag != "" {
				mode := schemas.ParseExecutionMode(modeFlag)
				opts.Mode = &mode
			}
			if !quietProgress {
				out := cmd.OutOrStdout()
				opts.Progress = func(current, total int, description string) {
					fmt.Fprintf(out, "[%d/%d] %s\n", current, total, description)
				}
			}

			var res schemas.ExecutionResult
			if autoImprove {
				res, err = eng.ExecuteWithAutoImprove(ctx, id, opts)
			} else {
				res, err = eng.Execute(ctx, id, opts)
			}
			if err != nil {
				return err
			}

			printResult(cmd, res)
			if !res.Success {
				return fmt.Errorf("execution failed at step %d: %s", res.FailedStepIndex, res.Error)
			}
			return nil
		},
	}

	runCmd.Flags().StringVarP(&modeFlag, "mode", "m", "", "execution mode: fast, smart, monitor or agent (default: session mode)")
	runCmd.Flags().BoolVar(&autoImprove, "auto-improve", false, "rewrite and re-run the script on failure")
	runCmd.Flags().BoolVar(&noAutoAdjust, "no-auto-adjust", false, "disable automatic mode adjustment after the run")
	runCmd.Flags().BoolVarP(&quietProgress, "quiet", "q", false, "suppress per-step progress output")
	return runCmd
}

func printResult(cmd *cobra.Command, res schemas.ExecutionResult) {
	out := cmd.OutOrStdout()
	status := "FAILED"
	if res.Success {
		status = "SUCCESS"
	}
	fmt.Fprintf(out, "\n%s  (%d/%d steps, mode %s, %s)\n",
		status, res.StepsExecuted, res.TotalSteps, res.Mode, res.Duration.Round(10*time.Millisecond))
	if res.PopupsDismissed > 0 {
		fmt.Fprintf(out, "  Popups dismissed:  %d\n", res.PopupsDismissed)
	}
	if res.AIInterventions > 0 {
		fmt.Fprintf(out, "  AI interventions:  %d\n", res.AIInterventions)
	}
	for key, value := range res.ExtractedData {
		fmt.Fprintf(out, "  %s:\n%s\n", key, value)
	}
}
