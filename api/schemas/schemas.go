// File: api/schemas/schemas.go
package schemas

import (
	"time"
)

// StepType is an enumeration of every step the engine knows how to execute.
// It is the structured vocabulary the synthesizer is allowed to emit.
type StepType string

const (
	StepLaunchApp       StepType = "LAUNCH_APP"        // Starts the target app, optionally driving it home.
	StepTap             StepType = "TAP"               // Taps a coordinate or resolved element.
	StepSwipe           StepType = "SWIPE"             // Swipes in a direction over a screen fraction.
	StepWait            StepType = "WAIT"              // Pauses for a fixed duration.
	StepFindAndTap      StepType = "FIND_AND_TAP"      // Resolves an element by criteria and taps it.
	StepScrollUntilFind StepType = "SCROLL_UNTIL_FIND" // Scrolls repeatedly until an element resolves, then taps it.
	StepExtractData     StepType = "EXTRACT_DATA"      // Collects text nodes matching a field heuristic.
	StepInputText       StepType = "INPUT_TEXT"        // Sets text on the focused editable node.
	StepBack            StepType = "BACK"              // Presses the back key.
	StepAssert          StepType = "ASSERT"            // Verifies an element is present on screen.
	StepAIDecide        StepType = "AI_DECIDE"         // Delegates a sub-decision to the model.
	StepSearch          StepType = "SEARCH"            // Finds a search affordance, enters a query and submits.
)

// OnFailurePolicy controls what the executor does when a step exhausts its
// local retries.
type OnFailurePolicy string

const (
	PolicyRetry        OnFailurePolicy = "RETRY"
	PolicySkip         OnFailurePolicy = "SKIP"
	PolicyAbort        OnFailurePolicy = "ABORT"
	PolicyEscalateToAI OnFailurePolicy = "ESCALATE_TO_AI"
)

// Step is one typed entry in a Script. Params holds the tagged union of
// per-type parameters, parsed and validated once at synthesis time.
type Step struct {
	Index       int             `json:"index"`
	Type        StepType        `json:"type"`
	Description string          `json:"description"`
	Params      StepParams      `json:"params"`
	OnFailure   OnFailurePolicy `json:"on_failure"`
	MaxRetries  int             `json:"max_retries"`
}

// Script is a versioned, ordered plan synthesized to achieve a Goal. Version
// strictly increases on every AI rewrite; the ID never changes across rewrites.
type Script struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Goal         string    `json:"goal"`
	Version      int       `json:"version"`
	Steps        []Step    `json:"steps"`
	Outputs      []string  `json:"outputs,omitempty"` // Declared extracted-data result keys.
	SuccessCount int       `json:"success_count"`
	FailCount    int       `json:"fail_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ExecutionMode is an ordered supervision tier. Higher tiers wrap step
// execution in progressively more AI verification and recovery.
type ExecutionMode int

const (
	ModeFast    ExecutionMode = iota // Step-local retries only; no popup handling, no AI recovery.
	ModeSmart                        // Popup reflex before every step; one bounded AI-recovery call on exhaustion.
	ModeMonitor                      // Smart, plus per-step model verification of the outcome.
	ModeAgent                        // Steps become advisory; the model drives every iteration.
)

// String returns the human-readable tier name.
func (m ExecutionMode) String() string {
	switch m {
	case ModeFast:
		return "fast"
	case ModeSmart:
		return "smart"
	case ModeMonitor:
		return "monitor"
	case ModeAgent:
		return "agent"
	}
	return "unknown"
}

// ParseExecutionMode maps a tier name back to its ExecutionMode. Unknown
// names fall back to ModeSmart, the engine default.
func ParseExecutionMode(s string) ExecutionMode {
	switch s {
	case "fast":
		return ModeFast
	case "monitor":
		return ModeMonitor
	case "agent":
		return ModeAgent
	default:
		return ModeSmart
	}
}

// ErrorCode is a string type used for structured error reporting from the
// engine. Using a custom type keeps the taxonomy closed.
type ErrorCode string

const (
	ErrCodeSynthesisError        ErrorCode = "SYNTHESIS_ERROR"
	ErrCodeElementNotFound       ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeGestureDispatch       ErrorCode = "GESTURE_DISPATCH_FAILURE"
	ErrCodeInvalidLandingPage    ErrorCode = "INVALID_LANDING_PAGE"
	ErrCodeVerificationMismatch  ErrorCode = "VERIFICATION_MISMATCH"
	ErrCodeImprovementExhausted  ErrorCode = "IMPROVEMENT_EXHAUSTED"
	ErrCodeAppNotInstalled       ErrorCode = "APP_NOT_INSTALLED"
	ErrCodeTimeout               ErrorCode = "TIMEOUT_ERROR"
	ErrCodeInvalidParameters     ErrorCode = "INVALID_PARAMETERS"
	ErrCodeExecutionFailure      ErrorCode = "EXECUTION_FAILURE"
	ErrCodeNeedsHuman            ErrorCode = "NEEDS_HUMAN_INTERVENTION"
	ErrCodeGoalImpossible        ErrorCode = "GOAL_IMPOSSIBLE"
	ErrCodeConcurrentExecution   ErrorCode = "CONCURRENT_EXECUTION"
	ErrCodeScriptNotFound        ErrorCode = "SCRIPT_NOT_FOUND"
	ErrCodeCancelled             ErrorCode = "CANCELLED"
	ErrCodeNetworkError          ErrorCode = "NETWORK_ERROR"
)

// ExecutionResult reports the outcome of one execution attempt. It is
// immutable once returned; a retry or improvement cycle produces a new one.
type ExecutionResult struct {
	Success         bool              `json:"success"`
	StepsExecuted   int               `json:"steps_executed"`
	TotalSteps      int               `json:"total_steps"`
	ExtractedData   map[string]string `json:"extracted_data,omitempty"`
	Error           string            `json:"error,omitempty"`
	ErrorCode       ErrorCode         `json:"error_code,omitempty"`
	FailedStepIndex int               `json:"failed_step_index"` // -1 when Success.
	Logs            []string          `json:"logs,omitempty"`
	PopupsDismissed int               `json:"popups_dismissed"`
	AIInterventions int               `json:"ai_interventions"`
	Mode            ExecutionMode     `json:"mode"`
	Duration        time.Duration     `json:"duration"`
}
