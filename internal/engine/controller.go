// File: internal/engine/controller.go
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/config"
	"github.com/xkilldash9x/uipilot/internal/llmutil"
)

// agentPromoteFailures is the in-run failure streak that flips a Monitor run
// into the Agent loop.
const agentPromoteFailures = 3

// Controller drives one script run under a chosen execution mode and builds
// the final ExecutionResult.
type Controller struct {
	steps     *StepExecutor
	recoverer *Recoverer
	llm       schemas.LLMClient
	cfg       config.EngineConfig
	logger    *zap.Logger

	stopped atomic.Bool
}

// NewController creates a Controller.
func NewController(steps *StepExecutor, recoverer *Recoverer, llm schemas.LLMClient, cfg config.EngineConfig, logger *zap.Logger) *Controller {
	return &Controller{
		steps:     steps,
		recoverer: recoverer,
		llm:       llm,
		cfg:       cfg,
		logger:    logger.Named("controller"),
	}
}

// Stop requests a cooperative stop. The run finishes the in-flight gesture
// and returns a cancelled result.
func (c *Controller) Stop() { c.stopped.Store(true) }

func (c *Controller) resetStop() { c.stopped.Store(false) }

// Run executes the script in rs under rs.mode, honoring the wall-clock and
// step ceilings. It mutates rs and returns the run's result.
func (c *Controller) Run(ctx context.Context, rs *runState) schemas.ExecutionResult {
	c.resetStop()
	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.MaxWallClock > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.MaxWallClock)
		defer cancel()
	}

	c.logger.Info("Starting run",
		zap.String("script_id", rs.script.ID),
		zap.String("mode", rs.mode.String()),
		zap.Int("steps", len(rs.script.Steps)))

	var res schemas.ExecutionResult
	if rs.mode == schemas.ModeAgent {
		res = c.runAgent(runCtx, rs)
	} else {
		res = c.runLinear(runCtx, rs)
	}

	res.Mode = rs.mode
	res.Duration = time.Since(start)
	res.TotalSteps = len(rs.script.Steps)
	res.ExtractedData = rs.extracted
	res.Logs = rs.logs
	res.PopupsDismissed = rs.popups
	res.AIInterventions = rs.aiCalls
	if res.Success {
		res.FailedStepIndex = -1
	}

	c.logger.Info("Run finished",
		zap.String("script_id", rs.script.ID),
		zap.Bool("success", res.Success),
		zap.Int("steps_executed", res.StepsExecuted),
		zap.Duration("duration", res.Duration))
	return res
}

// runLinear walks the step list in order under Fast, Smart or Monitor.
func (c *Controller) runLinear(ctx context.Context, rs *runState) schemas.ExecutionResult {
	var res schemas.ExecutionResult
	stepBudget := c.cfg.MaxSteps
	failureStreak := 0

	for i := 0; i < len(rs.script.Steps); i++ {
		step := rs.script.Steps[i]

		if halted := c.checkHalted(ctx, rs, &res, step.Index); halted {
			return res
		}
		if stepBudget <= 0 {
			rs.logf("step budget exhausted")
			return failResult(res, step.Index, schemas.ErrCodeExecutionFailure, "maximum step count reached")
		}
		stepBudget--

		rs.reportProgress(i+1, len(rs.script.Steps), step.Description)

		// Popup reflex: Smart and Monitor clear obstructions before every step.
		if rs.mode >= schemas.ModeSmart {
			if c.recoverer.CheckPopups(ctx) {
				rs.popups++
				rs.logf("popup dismissed before step %d", step.Index)
			}
		}

		out := c.executeVerified(ctx, rs, step)
		if !out.success && rs.mode >= schemas.ModeSmart {
			out = c.smartRecover(ctx, rs, step, out)
		}

		if out.success {
			failureStreak = 0
			res.StepsExecuted++
			mergeExtracted(rs, out)
			sleepCtx(ctx, c.cfg.InterStepDelay)
			continue
		}

		failureStreak++
		policy := c.policy(step, out)

		// Monitor holds position on a retryable failure: the step is retried
		// under supervision until the streak promotes the run to Agent.
		if rs.mode == schemas.ModeMonitor && policy == schemas.PolicyRetry {
			if failureStreak >= agentPromoteFailures {
				rs.logf("promoting run to agent mode after %d consecutive step failures", failureStreak)
				c.logger.Warn("Escalating run to agent mode", zap.Int("failure_streak", failureStreak))
				rs.mode = schemas.ModeAgent
				agentRes := c.runAgent(ctx, rs)
				agentRes.StepsExecuted += res.StepsExecuted
				return agentRes
			}
			rs.logf("holding at step %d under supervision (failure %d)", step.Index, failureStreak)
			i--
			continue
		}

		switch policy {
		case schemas.PolicySkip:
			rs.logf("skipping failed step %d per policy", step.Index)
			continue
		case schemas.PolicyEscalateToAI:
			if rec := c.escalate(ctx, rs, step); rec.success {
				failureStreak = 0
				res.StepsExecuted++
				mergeExtracted(rs, rec)
				continue
			}
			return failResult(res, step.Index, out.code, out.err.Error())
		default: // ABORT, and RETRY once its local budget is spent.
			return failResult(res, step.Index, out.code, out.err.Error())
		}
	}

	res.Success = true
	return res
}

// executeVerified runs one step and, under Monitor, asks the model whether
// the step visibly achieved its intent.
func (c *Controller) executeVerified(ctx context.Context, rs *runState, step schemas.Step) stepOutcome {
	out := c.steps.ExecuteStep(ctx, rs, step)
	if out.success && rs.mode == schemas.ModeMonitor {
		out = c.verifyStep(ctx, rs, step)
	}
	return out
}

// checkHalted fills res and returns true when the run must stop now.
func (c *Controller) checkHalted(ctx context.Context, rs *runState, res *schemas.ExecutionResult, stepIndex int) bool {
	if c.stopped.Load() {
		rs.logf("run stopped by request")
		*res = failResult(*res, stepIndex, schemas.ErrCodeCancelled, "stopped by request")
		return true
	}
	if err := ctx.Err(); err != nil {
		code := schemas.ErrCodeCancelled
		msg := "run cancelled"
		if err == context.DeadlineExceeded {
			code = schemas.ErrCodeTimeout
			msg = "wall clock limit reached"
		}
		rs.logf("%s", msg)
		*res = failResult(*res, stepIndex, code, msg)
		return true
	}
	return false
}

func failResult(res schemas.ExecutionResult, stepIndex int, code schemas.ErrorCode, msg string) schemas.ExecutionResult {
	res.Success = false
	res.FailedStepIndex = stepIndex
	res.ErrorCode = code
	res.Error = msg
	return res
}

func mergeExtracted(rs *runState, out stepOutcome) {
	for k, v := range out.extracted {
		rs.extracted[k] = v
	}
}

// policy resolves the effective failure policy. Codes that retrying cannot
// fix abort regardless of the declared policy.
func (c *Controller) policy(step schemas.Step, out stepOutcome) schemas.OnFailurePolicy {
	switch out.code {
	case schemas.ErrCodeAppNotInstalled, schemas.ErrCodeCancelled, schemas.ErrCodeNeedsHuman, schemas.ErrCodeInvalidParameters:
		return schemas.PolicyAbort
	}
	if step.OnFailure == "" {
		return schemas.PolicyRetry
	}
	return step.OnFailure
}

// smartRecover runs one recovery pass and, when the obstruction cleared, one
// extra attempt at the step. When no strategy clears it, one bounded model
// call gets a chance to unstick the screen before the failure surfaces.
// Smart gets exactly one recovery per failure.
func (c *Controller) smartRecover(ctx context.Context, rs *runState, step schemas.Step, failure stepOutcome) stepOutcome {
	outcome, strategy := c.recoverer.Recover(ctx, failure)
	switch outcome {
	case RecoveryNeedsHuman:
		rs.logf("step %d blocked on human interaction (%s)", step.Index, strategy)
		return stepFail(schemas.ErrCodeNeedsHuman, fmt.Errorf("screen requires human interaction"))
	case RecoveryRetry:
		rs.logf("recovery %q cleared obstruction, retrying step %d", strategy, step.Index)
		if isPopupStrategy(strategy) {
			rs.popups++
		}
		return c.executeVerified(ctx, rs, step)
	default:
		rs.logf("no recovery strategy cleared step %d (%s), consulting model", step.Index, failure.code)
		question := fmt.Sprintf("Step %d (%s: %s) failed with %s: %v. What single action would unblock it?",
			step.Index, step.Type, step.Description, failure.code, failure.err)
		fix := c.steps.execAIDecide(ctx, rs, &schemas.AIDecideParams{Question: question})
		if !fix.success {
			return failure
		}
		return c.executeVerified(ctx, rs, step)
	}
}

// escalate makes one bounded model call asking how to get the failed step
// unstuck, then reattempts it.
func (c *Controller) escalate(ctx context.Context, rs *runState, step schemas.Step) stepOutcome {
	rs.logf("escalating step %d to ai", step.Index)
	question := fmt.Sprintf("Step %d (%s: %s) keeps failing. What should be done to unblock it?",
		step.Index, step.Type, step.Description)
	out := c.steps.execAIDecide(ctx, rs, &schemas.AIDecideParams{Question: question})
	if !out.success {
		return out
	}
	return c.executeVerified(ctx, rs, step)
}

// -- Monitor verification --

const verifySystemPrompt = `You verify one step of an Android UI automation script.
Given the step's intent and the screen elements visible after it ran, respond with a single JSON object:
{"achieved": true|false, "reason": "<one line>"}`

type verifyVerdict struct {
	Achieved bool   `json:"achieved"`
	Reason   string `json:"reason"`
}

// verifyStep asks the model whether the executed step visibly achieved its
// intent. A negative verdict is treated as a step failure so the normal
// recovery path runs.
func (c *Controller) verifyStep(ctx context.Context, rs *runState, step schemas.Step) stepOutcome {
	tree, err := c.steps.driver.Snapshot(ctx)
	if err != nil {
		// Verification is advisory; a snapshot failure does not fail the step.
		return stepOK()
	}

	rs.aiCalls++
	response, err := c.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: verifySystemPrompt,
		Messages: []schemas.ChatMessage{
			{Role: "user", Content: fmt.Sprintf("Step intent: %s (%s)\n\nScreen after execution:\n%s",
				step.Description, step.Type, summarizeTree(tree))},
		},
		Tier:    schemas.TierFast,
		Options: schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.1},
	})
	if err != nil {
		c.logger.Warn("Step verification call failed", zap.Int("step", step.Index), zap.Error(err))
		return stepOK()
	}
	verdict, err := llmutil.ParseJSONResponse[verifyVerdict](response)
	if err != nil {
		return stepOK()
	}
	if verdict.Achieved {
		return stepOK()
	}
	rs.logf("verification rejected step %d: %s", step.Index, verdict.Reason)
	return stepFail(schemas.ErrCodeVerificationMismatch,
		fmt.Errorf("step %d did not achieve its intent: %s", step.Index, verdict.Reason))
}

// -- Agent loop --

const agentSystemPrompt = `You drive an Android UI automation session toward a goal, one decision at a time.
You see the goal, the script steps available, and the current screen elements.
Respond with a single JSON object, choosing exactly one action:
{"action": "execute_step", "step_index": <int>, "reason": "..."}
{"action": "custom", "custom": {"kind": "tap|back|input|swipe", "target_text": "...", "text": "...", "direction": "up|down|left|right"}, "reason": "..."}
{"action": "wait", "reason": "..."}
{"action": "achieved", "reason": "..."}
{"action": "impossible", "reason": "..."}`

type agentCustom struct {
	Kind       string `json:"kind"`
	TargetText string `json:"target_text"`
	Text       string `json:"text"`
	Direction  string `json:"direction"`
}

type agentDecision struct {
	Action    string       `json:"action"`
	StepIndex int          `json:"step_index"`
	Custom    *agentCustom `json:"custom"`
	Reason    string       `json:"reason"`
}

// runAgent is the advisory loop: the model picks the next move each
// iteration, bounded by AgentMaxIterations.
func (c *Controller) runAgent(ctx context.Context, rs *runState) schemas.ExecutionResult {
	var res schemas.ExecutionResult
	maxIter := c.cfg.AgentMaxIterations
	if maxIter <= 0 {
		maxIter = 25
	}

	var history []string
	for iter := 0; iter < maxIter; iter++ {
		if halted := c.checkHalted(ctx, rs, &res, -1); halted {
			return res
		}
		rs.reportProgress(iter+1, maxIter, "agent deciding")

		if c.recoverer.CheckPopups(ctx) {
			rs.popups++
		}

		decision, err := c.agentDecide(ctx, rs, history)
		if err != nil {
			rs.logf("agent decision failed: %v", err)
			return failResult(res, -1, schemas.ErrCodeExecutionFailure, err.Error())
		}
		rs.logf("agent: %s (%s)", decision.Action, decision.Reason)

		switch decision.Action {
		case "achieved":
			res.Success = true
			return res
		case "impossible":
			return failResult(res, -1, schemas.ErrCodeGoalImpossible, decision.Reason)
		case "wait":
			sleepCtx(ctx, 2*time.Second)
			history = append(history, "waited")
		case "execute_step":
			if decision.StepIndex < 0 || decision.StepIndex >= len(rs.script.Steps) {
				history = append(history, fmt.Sprintf("rejected out-of-range step %d", decision.StepIndex))
				continue
			}
			step := rs.script.Steps[decision.StepIndex]
			out := c.steps.ExecuteStep(ctx, rs, step)
			if out.success {
				res.StepsExecuted++
				mergeExtracted(rs, out)
				history = append(history, fmt.Sprintf("step %d ok: %s", step.Index, step.Description))
			} else {
				history = append(history, fmt.Sprintf("step %d failed: %v", step.Index, out.err))
			}
		case "custom":
			history = append(history, c.agentCustomAction(ctx, rs, decision.Custom))
		default:
			history = append(history, fmt.Sprintf("unknown action %q ignored", decision.Action))
		}
		sleepCtx(ctx, c.cfg.InterStepDelay)
	}

	rs.logf("agent iteration budget exhausted")
	return failResult(res, -1, schemas.ErrCodeExecutionFailure, "agent iteration budget exhausted without reaching the goal")
}

func (c *Controller) agentDecide(ctx context.Context, rs *runState, history []string) (*agentDecision, error) {
	tree, err := c.steps.driver.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot failed: %w", err)
	}

	var steps strings.Builder
	for _, s := range rs.script.Steps {
		fmt.Fprintf(&steps, "%d. [%s] %s\n", s.Index, s.Type, s.Description)
	}
	recent := history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}

	rs.aiCalls++
	response, err := c.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: agentSystemPrompt,
		Messages: []schemas.ChatMessage{
			{Role: "user", Content: fmt.Sprintf(
				"Goal: %s\n\nScript steps:\n%s\nRecent actions:\n%s\n\nCurrent screen:\n%s",
				rs.script.Goal, steps.String(), strings.Join(recent, "\n"), summarizeTree(tree))},
		},
		Tier:    schemas.TierPowerful,
		Options: schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.2},
	})
	if err != nil {
		return nil, err
	}
	return llmutil.ParseJSONResponse[agentDecision](response)
}

func (c *Controller) agentCustomAction(ctx context.Context, rs *runState, custom *agentCustom) string {
	if custom == nil {
		return "custom action missing payload"
	}
	var out stepOutcome
	switch custom.Kind {
	case "tap":
		out = c.steps.execFindAndTap(ctx, &schemas.FindParams{
			Criteria: schemas.MatchCriteria{Kind: schemas.MatchContains, Value: custom.TargetText},
		})
	case "back":
		out = c.steps.await(ctx, c.steps.driver.Back(ctx))
	case "input":
		out = c.steps.execInputText(ctx, &schemas.InputTextParams{Text: custom.Text})
	case "swipe":
		out = c.steps.execSwipe(ctx, &schemas.SwipeParams{
			Direction: schemas.SwipeDirection(custom.Direction),
			Fraction:  defaultSwipeFraction,
		})
	default:
		return fmt.Sprintf("unknown custom kind %q", custom.Kind)
	}
	if out.success {
		return fmt.Sprintf("custom %s ok", custom.Kind)
	}
	return fmt.Sprintf("custom %s failed: %v", custom.Kind, out.err)
}
