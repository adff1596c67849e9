// File: internal/engine/models.go
package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xkilldash9x/uipilot/api/schemas"
)

// Auto-adjust thresholds. Transitions move one tier-class at a time per check.
const (
	promoteFailureStreak      = 3
	promoteInterventionBudget = 5
	demoteSuccessStreak       = 10
)

// Session is the explicit, per-engine supervision state: the current
// execution mode plus rolling counters. It is passed by reference rather than
// living in a process global, so concurrent engines (if ever needed) hold
// independent state. Counters reset only on explicit request.
type Session struct {
	mu sync.Mutex

	mode                 schemas.ExecutionMode
	consecutiveFailures  int
	consecutiveSuccesses int
	totalAIInterventions int
}

// NewSession creates a session starting at the given mode.
func NewSession(mode schemas.ExecutionMode) *Session {
	return &Session{mode: mode}
}

// Mode returns the current supervision tier.
func (s *Session) Mode() schemas.ExecutionMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode forces the tier, bypassing auto-adjustment.
func (s *Session) SetMode(m schemas.ExecutionMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

// Counters returns a snapshot of the rolling counters.
func (s *Session) Counters() (failures, successes, interventions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures, s.consecutiveSuccesses, s.totalAIInterventions
}

// Reset clears the rolling counters. It never changes the mode.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures = 0
	s.consecutiveSuccesses = 0
	s.totalAIInterventions = 0
}

// recordOutcome folds one execution result into the streak counters.
func (s *Session) recordOutcome(res *schemas.ExecutionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.Success {
		s.consecutiveSuccesses++
		s.consecutiveFailures = 0
	} else {
		s.consecutiveFailures++
		s.consecutiveSuccesses = 0
	}
	s.totalAIInterventions += res.AIInterventions
}

// adjust applies the auto-adjust rule after an execution under Smart or
// Monitor: promote toward Agent on a failure streak or intervention budget
// overrun, demote toward Fast on a clean success streak. At most one
// tier-class is crossed per call. Returns whether the mode changed.
func (s *Session) adjust() (from, to schemas.ExecutionMode, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from = s.mode
	to = s.mode
	if s.mode != schemas.ModeSmart && s.mode != schemas.ModeMonitor {
		return from, to, false
	}

	switch {
	case s.consecutiveFailures >= promoteFailureStreak || s.totalAIInterventions >= promoteInterventionBudget:
		to = s.mode + 1
	case s.consecutiveSuccesses >= demoteSuccessStreak && s.totalAIInterventions == 0:
		to = s.mode - 1
	default:
		return from, to, false
	}

	s.mode = to
	return from, to, true
}

// ProgressFunc reports per-step progress during an execution.
type ProgressFunc func(current, total int, description string)

// ExecuteOptions tune one execution attempt.
type ExecuteOptions struct {
	// Mode overrides the session mode for this run only. Nil keeps the
	// session's current tier.
	Mode *schemas.ExecutionMode
	// DisableAutoAdjust suppresses tier promotion/demotion after the run.
	DisableAutoAdjust bool
	Progress          ProgressFunc
}

// runState accumulates the mutable bookkeeping of one execution attempt. It
// is confined to the single worker goroutine that runs the script.
type runState struct {
	script    *schemas.Script
	session   *Session
	mode      schemas.ExecutionMode
	extracted map[string]string
	logs      []string
	popups    int
	aiCalls   int
	progress  ProgressFunc
}

func newRunState(script *schemas.Script, session *Session, mode schemas.ExecutionMode, progress ProgressFunc) *runState {
	return &runState{
		script:    script,
		session:   session,
		mode:      mode,
		extracted: make(map[string]string),
		progress:  progress,
	}
}

func (rs *runState) logf(format string, args ...interface{}) {
	entry := format
	if len(args) > 0 {
		entry = fmt.Sprintf(format, args...)
	}
	rs.logs = append(rs.logs, entry)
}

func (rs *runState) reportProgress(current, total int, description string) {
	if rs.progress != nil {
		rs.progress(current, total, description)
	}
}

// goalImpliesCommentable reports whether the goal implies landing on
// commentable content, which makes live/streaming landing pages invalid.
func goalImpliesCommentable(goal string) bool {
	g := strings.ToLower(goal)
	for _, kw := range []string{"comment", "reply", "评论", "回复", "コメント"} {
		if strings.Contains(g, kw) {
			return true
		}
	}
	return false
}
