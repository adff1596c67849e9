// File: internal/engine/improve.go
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/llmutil"
)

// Improver rewrites a failing script from its execution evidence. Each
// accepted rewrite bumps the script version.
type Improver struct {
	llm    schemas.LLMClient
	repo   schemas.Repository
	logger *zap.Logger
}

// NewImprover creates an Improver.
func NewImprover(llm schemas.LLMClient, repo schemas.Repository, logger *zap.Logger) *Improver {
	return &Improver{llm: llm, repo: repo, logger: logger.Named("improver")}
}

const improveSystemPrompt = `You repair Android UI automation scripts from their failure evidence.
You receive the script's goal, its current steps, the index of the step that failed, and the run logs.
Rewrite the FULL steps array so the script achieves the goal. You may reorder, add, remove or change steps.
Respond with a single JSON object: {"steps": [...], "reason": "<one line>"}
Each step uses the same shape as the input steps: {"type": "...", "description": "...", "params": {...}, "on_failure": "...", "max_retries": N}.` + "\n\n" + stepTypeReference

// stepTypeReference is shared with the synthesis prompt so rewrites use the
// same vocabulary.
const stepTypeReference = `Step types: LAUNCH_APP, TAP, SWIPE, WAIT, FIND_AND_TAP, SCROLL_UNTIL_FIND, EXTRACT_DATA, INPUT_TEXT, BACK, ASSERT, AI_DECIDE, SEARCH.`

type improveResponse struct {
	Steps  []rawStep `json:"steps"`
	Reason string    `json:"reason"`
}

// ImproveOnce performs one rewrite cycle: model call, step normalization,
// version bump, persist. The returned script is the stored, updated one.
func (im *Improver) ImproveOnce(ctx context.Context, script *schemas.Script, failedIndex int, logs []string) (*schemas.Script, error) {
	callCtx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()

	currentSteps, err := json.MarshalIndent(script.Steps, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}
	evidence := logs
	if len(evidence) > 40 {
		evidence = evidence[len(evidence)-40:]
	}

	response, err := im.llm.Generate(callCtx, schemas.GenerationRequest{
		SystemPrompt: improveSystemPrompt,
		Messages: []schemas.ChatMessage{
			{Role: "user", Content: fmt.Sprintf(
				"Goal: %s\n\nFailed at step index: %d\n\nCurrent steps:\n%s\n\nRun logs:\n%s",
				script.Goal, failedIndex, string(currentSteps), strings.Join(evidence, "\n"))},
		},
		Tier:    schemas.TierPowerful,
		Options: schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.3},
	})
	if err != nil {
		return nil, fmt.Errorf("improvement call failed: %w", err)
	}

	parsed, err := llmutil.ParseJSONResponse[improveResponse](response)
	if err != nil {
		return nil, fmt.Errorf("unparsable improvement response: %w", err)
	}
	if len(parsed.Steps) == 0 {
		return nil, fmt.Errorf("improvement response contained no steps")
	}

	steps, err := NormalizeSteps(parsed.Steps)
	if err != nil {
		return nil, fmt.Errorf("rewritten steps invalid: %w", err)
	}

	script.Steps = steps
	script.Version++
	script.FailCount++
	script.UpdatedAt = time.Now().UTC()
	if err := im.repo.Save(ctx, script); err != nil {
		return nil, fmt.Errorf("persist improved script: %w", err)
	}

	im.logger.Info("Script improved",
		zap.String("script_id", script.ID),
		zap.Int("version", script.Version),
		zap.Int("steps", len(steps)),
		zap.String("reason", parsed.Reason))
	return script, nil
}

// RunWithImprovement executes the script and, on failure, alternates rewrite
// and re-execution up to maxCycles times. The script's success and failure
// counters are updated from the final outcome.
func (im *Improver) RunWithImprovement(ctx context.Context, controller *Controller, script *schemas.Script, session *Session, opts ExecuteOptions, maxCycles int) (schemas.ExecutionResult, error) {
	if maxCycles <= 0 {
		maxCycles = 3
	}

	rs := newRunState(script, session, resolveMode(session, opts), opts.Progress)
	res := controller.Run(ctx, rs)

	for cycle := 0; !res.Success && cycle < maxCycles; cycle++ {
		if ctx.Err() != nil {
			break
		}
		switch res.ErrorCode {
		case schemas.ErrCodeCancelled, schemas.ErrCodeTimeout, schemas.ErrCodeNeedsHuman, schemas.ErrCodeAppNotInstalled, schemas.ErrCodeGoalImpossible:
			// Rewriting steps cannot fix these.
			return res, nil
		}

		im.logger.Info("Run failed, attempting improvement",
			zap.String("script_id", script.ID),
			zap.Int("cycle", cycle+1),
			zap.Int("max_cycles", maxCycles))

		improved, err := im.ImproveOnce(ctx, script, res.FailedStepIndex, res.Logs)
		if err != nil {
			im.logger.Warn("Improvement cycle failed", zap.Int("cycle", cycle+1), zap.Error(err))
			res.Logs = append(res.Logs, fmt.Sprintf("improvement cycle %d failed: %v", cycle+1, err))
			continue
		}
		script = improved

		rs = newRunState(script, session, resolveMode(session, opts), opts.Progress)
		res = controller.Run(ctx, rs)
	}

	if !res.Success {
		// The last result is returned as-is; the exhausted budget is only
		// surfaced in the log stream.
		im.logger.Warn("Improvement budget exhausted",
			zap.String("script_id", script.ID),
			zap.String("error_code", string(schemas.ErrCodeImprovementExhausted)),
			zap.Int("cycles", maxCycles))
	}
	return res, nil
}
