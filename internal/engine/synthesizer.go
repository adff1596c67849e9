// File: internal/engine/synthesizer.go
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/llmutil"
)

// Synthesizer turns a natural-language goal into a Script via exactly one
// model call. An unparsable response is a terminal, non-retried error.
type Synthesizer struct {
	llm    schemas.LLMClient
	repo   schemas.Repository
	logger *zap.Logger
}

// NewSynthesizer creates a Synthesizer.
func NewSynthesizer(llm schemas.LLMClient, repo schemas.Repository, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{
		llm:    llm,
		repo:   repo,
		logger: logger.Named("synthesizer"),
	}
}

// rawScript is the strict output contract the model must satisfy. Params stay
// raw maps here; they are normalized into typed variants immediately after.
type rawScript struct {
	Name    string    `json:"name"`
	Steps   []rawStep `json:"steps"`
	Outputs []string  `json:"outputs"`
}

type rawStep struct {
	Index       int                    `json:"index"`
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Params      map[string]interface{} `json:"params"`
	OnFailure   string                 `json:"on_failure"`
	MaxRetries  int                    `json:"max_retries"`
}

const synthesisSystemPrompt = `You are the planner of 'uipilot', an engine that automates Android UI interactions toward a natural-language goal.
Decompose the goal into an ordered sequence of typed steps. Respond with a single JSON object and nothing else:

{
  "name": "<short script name>",
  "steps": [
    {"index": 0, "type": "<STEP_TYPE>", "description": "<what this step does>", "params": {...}, "on_failure": "RETRY|SKIP|ABORT|ESCALATE_TO_AI", "max_retries": 2}
  ],
  "outputs": ["<declared extracted-data keys, if any>"]
}

Step types and their params:
- LAUNCH_APP: {"package": "com.example.app", "drive_home": true}
- TAP: {"x": 100, "y": 200} or {"criteria": {"kind": "contains", "value": "Login"}}
- SWIPE: {"direction": "up|down|left|right", "fraction": 0.5}
- WAIT: {"duration_ms": 1500}
- FIND_AND_TAP: {"criteria": {"kind": "exact|contains|regex", "value": "..."}, "excludes": [{"kind": "contains", "value": "live"}]}
- SCROLL_UNTIL_FIND: {"criteria": {...}, "excludes": [...], "direction": "down", "max_scrolls": 8, "tap_on_find": true, "validate_landing": true}
- EXTRACT_DATA: {"field": "<output key>", "min_length": 5, "max_length": 200, "separator": ""}
- INPUT_TEXT: {"text": "...", "submit": false}
- BACK: {}
- ASSERT: {"criteria": {...}}
- AI_DECIDE: {"question": "<sub-decision for the supervisor>"}
- SEARCH: {"query": "..."}

Prefer criteria over raw coordinates. Keep scripts short and robust.`

// Synthesize performs the single model call, normalizes the reply into a
// Script and persists it immediately.
func (s *Synthesizer) Synthesize(ctx context.Context, goal string) (*schemas.Script, error) {
	apiCtx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()

	response, err := s.llm.Generate(apiCtx, schemas.GenerationRequest{
		SystemPrompt: synthesisSystemPrompt,
		Messages: []schemas.ChatMessage{
			{Role: "user", Content: fmt.Sprintf("Goal: %s\n\nRespond with the script JSON.", goal)},
		},
		Tier:    schemas.TierPowerful,
		Options: schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.2},
	})
	if err != nil {
		return nil, fmt.Errorf("llm generation failed: %w", err)
	}

	raw, err := llmutil.ParseJSONResponse[rawScript](response)
	if err != nil {
		// Terminal: synthesis is never retried on an unparsable response.
		s.logger.Error("Unparsable synthesis response", zap.Error(err))
		return nil, fmt.Errorf("%s: %w", schemas.ErrCodeSynthesisError, err)
	}
	if len(raw.Steps) == 0 {
		return nil, fmt.Errorf("%s: synthesized script has no steps", schemas.ErrCodeSynthesisError)
	}

	now := time.Now().UTC()
	script := &schemas.Script{
		ID:        uuid.NewString(),
		Name:      raw.Name,
		Goal:      goal,
		Version:   1,
		Outputs:   raw.Outputs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if script.Name == "" {
		script.Name = truncateGoal(goal)
	}

	steps, err := NormalizeSteps(raw.Steps)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", schemas.ErrCodeSynthesisError, err)
	}
	script.Steps = steps

	if err := s.repo.Save(ctx, script); err != nil {
		return nil, fmt.Errorf("failed to persist synthesized script: %w", err)
	}

	s.logger.Info("Script synthesized",
		zap.String("script_id", script.ID),
		zap.String("name", script.Name),
		zap.Int("steps", len(script.Steps)))
	return script, nil
}

// NormalizeSteps converts the model's raw steps into typed ones, running the
// tolerant type mapping and parsing each params map into its tagged-union
// variant exactly once.
func NormalizeSteps(raws []rawStep) ([]schemas.Step, error) {
	steps := make([]schemas.Step, 0, len(raws))
	for i, r := range raws {
		t := NormalizeStepType(r.Type)
		params, err := parseParams(t, r.Params)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, r.Type, err)
		}
		step := schemas.Step{
			Index:       i,
			Type:        t,
			Description: r.Description,
			Params:      params,
			OnFailure:   normalizePolicy(r.OnFailure),
			MaxRetries:  r.MaxRetries,
		}
		if step.MaxRetries < 0 {
			step.MaxRetries = 0
		}
		if err := step.Params.Validate(step.Type); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, t, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// NormalizeStepType maps arbitrary model-emitted type strings onto the closed
// StepType vocabulary. Recognized names pass through; everything else goes
// through keyword heuristics before falling back to AI_DECIDE as catch-all.
func NormalizeStepType(s string) schemas.StepType {
	canonical := schemas.StepType(strings.ToUpper(strings.TrimSpace(s)))
	switch canonical {
	case schemas.StepLaunchApp, schemas.StepTap, schemas.StepSwipe, schemas.StepWait,
		schemas.StepFindAndTap, schemas.StepScrollUntilFind, schemas.StepExtractData,
		schemas.StepInputText, schemas.StepBack, schemas.StepAssert,
		schemas.StepAIDecide, schemas.StepSearch:
		return canonical
	}

	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "launch"), strings.Contains(lower, "open"), strings.Contains(lower, "start"):
		return schemas.StepLaunchApp
	case strings.Contains(lower, "scroll"):
		return schemas.StepScrollUntilFind
	case strings.Contains(lower, "find"):
		return schemas.StepFindAndTap
	case strings.Contains(lower, "click"), strings.Contains(lower, "tap"), strings.Contains(lower, "press"):
		return schemas.StepTap
	case strings.Contains(lower, "swipe"):
		return schemas.StepSwipe
	case strings.Contains(lower, "type"), strings.Contains(lower, "input"), strings.Contains(lower, "enter text"):
		return schemas.StepInputText
	case strings.Contains(lower, "search"):
		return schemas.StepSearch
	case strings.Contains(lower, "wait"), strings.Contains(lower, "sleep"), strings.Contains(lower, "delay"):
		return schemas.StepWait
	case strings.Contains(lower, "extract"), strings.Contains(lower, "read"), strings.Contains(lower, "collect"):
		return schemas.StepExtractData
	case strings.Contains(lower, "back"), strings.Contains(lower, "return"):
		return schemas.StepBack
	case strings.Contains(lower, "assert"), strings.Contains(lower, "verify"), strings.Contains(lower, "check"):
		return schemas.StepAssert
	}
	return schemas.StepAIDecide
}

func normalizePolicy(s string) schemas.OnFailurePolicy {
	switch schemas.OnFailurePolicy(strings.ToUpper(strings.TrimSpace(s))) {
	case schemas.PolicySkip:
		return schemas.PolicySkip
	case schemas.PolicyAbort:
		return schemas.PolicyAbort
	case schemas.PolicyEscalateToAI:
		return schemas.PolicyEscalateToAI
	default:
		return schemas.PolicyRetry
	}
}

// parseParams decodes the raw map into the typed variant for the step type.
// JSON round-tripping keeps the coercion rules in one place (json-iterator
// handles the numeric widening the model's output needs).
func parseParams(t schemas.StepType, raw map[string]interface{}) (schemas.StepParams, error) {
	var p schemas.StepParams
	if raw == nil {
		raw = map[string]interface{}{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return p, fmt.Errorf("failed to re-marshal params: %w", err)
	}

	decode := func(dst interface{}) error {
		if err := json.Unmarshal(data, dst); err != nil {
			return fmt.Errorf("invalid params for %s: %w", t, err)
		}
		return nil
	}

	switch t {
	case schemas.StepLaunchApp:
		p.LaunchApp = &schemas.LaunchAppParams{}
		err = decode(p.LaunchApp)
	case schemas.StepTap:
		p.Tap = &schemas.TapParams{}
		err = decode(p.Tap)
	case schemas.StepSwipe:
		p.Swipe = &schemas.SwipeParams{}
		err = decode(p.Swipe)
	case schemas.StepWait:
		p.Wait = &schemas.WaitParams{}
		err = decode(p.Wait)
	case schemas.StepFindAndTap:
		p.Find = &schemas.FindParams{}
		err = decode(p.Find)
	case schemas.StepScrollUntilFind:
		p.Scroll = &schemas.ScrollFindParams{}
		err = decode(p.Scroll)
		if err == nil {
			if p.Scroll.Direction == "" {
				p.Scroll.Direction = schemas.SwipeDown
			}
			// Tapping the match is the default; only an explicit false opts out.
			if _, ok := raw["tap_on_find"]; !ok {
				p.Scroll.TapOnFind = true
			}
		}
	case schemas.StepExtractData:
		p.Extract = &schemas.ExtractParams{}
		err = decode(p.Extract)
	case schemas.StepInputText:
		p.Input = &schemas.InputTextParams{}
		err = decode(p.Input)
	case schemas.StepAssert:
		p.Assert = &schemas.AssertParams{}
		err = decode(p.Assert)
	case schemas.StepAIDecide:
		p.AIDecide = &schemas.AIDecideParams{}
		err = decode(p.AIDecide)
		if err == nil && p.AIDecide.Question == "" {
			// Catch-all steps arrive without a question; derive one from the
			// raw params so the supervisor has something to work with.
			p.AIDecide.Question = fmt.Sprintf("Decide how to perform this step given params %s", string(data))
		}
	case schemas.StepSearch:
		p.Search = &schemas.SearchParams{}
		err = decode(p.Search)
	case schemas.StepBack:
		// No parameters.
	}
	return p, err
}

func truncateGoal(goal string) string {
	goal = strings.TrimSpace(goal)
	if r := []rune(goal); len(r) > 48 {
		return string(r[:48])
	}
	return goal
}
