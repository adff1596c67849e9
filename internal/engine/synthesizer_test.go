package engine

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
)

const wellFormedSynthesis = `{
  "name": "open settings",
  "steps": [
    {"index": 0, "type": "LAUNCH_APP", "description": "launch settings", "params": {"package": "com.android.settings"}, "on_failure": "ABORT", "max_retries": 1},
    {"index": 7, "type": "FIND_AND_TAP", "description": "tap wifi", "params": {"criteria": {"kind": "contains", "value": "Wi-Fi"}}, "on_failure": "RETRY", "max_retries": 2}
  ],
  "outputs": []
}`

func TestSynthesizePersistsImmediately(t *testing.T) {
	llm := &fakeLLM{responses: []string{wellFormedSynthesis}}
	repo := newMemRepo()
	s := NewSynthesizer(llm, repo, zap.NewNop())

	script, err := s.Synthesize(context.Background(), "turn on wifi")
	require.NoError(t, err)

	assert.Equal(t, 1, script.Version)
	assert.Equal(t, "turn on wifi", script.Goal)
	assert.NotEmpty(t, script.ID)
	require.Len(t, script.Steps, 2)

	// Step indices are reassigned sequentially regardless of what the model
	// claimed.
	assert.Equal(t, 0, script.Steps[0].Index)
	assert.Equal(t, 1, script.Steps[1].Index)
	assert.Equal(t, schemas.StepLaunchApp, script.Steps[0].Type)
	assert.Equal(t, "com.android.settings", script.Steps[0].Params.LaunchApp.Package)

	stored, err := repo.Load(context.Background(), script.ID)
	require.NoError(t, err)
	assert.Equal(t, script.Name, stored.Name)

	// Exactly one model call.
	assert.Len(t, llm.requests, 1)
	assert.Equal(t, schemas.TierPowerful, llm.requests[0].Tier)
	assert.True(t, llm.requests[0].Options.ForceJSONFormat)
}

func TestSynthesizeMarkdownFencedResponse(t *testing.T) {
	llm := &fakeLLM{responses: []string{"Here is the script:\n```json\n" + wellFormedSynthesis + "\n```"}}
	s := NewSynthesizer(llm, newMemRepo(), zap.NewNop())

	script, err := s.Synthesize(context.Background(), "turn on wifi")
	require.NoError(t, err)
	assert.Len(t, script.Steps, 2)
}

func TestSynthesizeUnparsableIsTerminal(t *testing.T) {
	llm := &fakeLLM{responses: []string{"I cannot produce a script for that."}}
	repo := newMemRepo()
	s := NewSynthesizer(llm, repo, zap.NewNop())

	_, err := s.Synthesize(context.Background(), "do something")
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(schemas.ErrCodeSynthesisError))
	assert.Len(t, llm.requests, 1, "an unparsable response is never retried")
	assert.Empty(t, repo.scripts)
}

func TestSynthesizeEmptyStepsRejected(t *testing.T) {
	llm := &fakeLLM{responses: []string{`{"name": "empty", "steps": [], "outputs": []}`}}
	s := NewSynthesizer(llm, newMemRepo(), zap.NewNop())

	_, err := s.Synthesize(context.Background(), "goal")
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(schemas.ErrCodeSynthesisError))
}

func TestNormalizeStepType(t *testing.T) {
	cases := []struct {
		in   string
		want schemas.StepType
	}{
		{"FIND_AND_TAP", schemas.StepFindAndTap},
		{"tap", schemas.StepTap},
		{"Click the button", schemas.StepTap},
		{"open_app", schemas.StepLaunchApp},
		{"scroll_down_until_visible", schemas.StepScrollUntilFind},
		{"enter text", schemas.StepInputText},
		{"sleep", schemas.StepWait},
		{"read_value", schemas.StepExtractData},
		{"go back", schemas.StepBack},
		{"verify_title", schemas.StepAssert},
		{"navigate somewhere weird", schemas.StepAIDecide},
		{"", schemas.StepAIDecide},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeStepType(tc.in), "input %q", tc.in)
	}
}

func TestNormalizeStepsDerivesAIDecideQuestion(t *testing.T) {
	steps, err := NormalizeSteps([]rawStep{
		{Type: "do something unusual", Description: "unclear", Params: map[string]interface{}{"hint": "left drawer"}},
	})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, schemas.StepAIDecide, steps[0].Type)
	assert.NotEmpty(t, steps[0].Params.AIDecide.Question)
}

func TestNormalizeStepsRejectsBadParams(t *testing.T) {
	_, err := NormalizeSteps([]rawStep{
		{Type: "LAUNCH_APP", Description: "launch", Params: map[string]interface{}{}},
	})
	assert.Error(t, err, "LAUNCH_APP without a package is invalid")
}

func TestNormalizeStepsScrollDefaults(t *testing.T) {
	steps, err := NormalizeSteps([]rawStep{
		{Type: "SCROLL_UNTIL_FIND", Params: map[string]interface{}{
			"criteria": map[string]interface{}{"kind": "contains", "value": "Comments"},
		}},
		{Type: "SCROLL_UNTIL_FIND", Params: map[string]interface{}{
			"criteria":    map[string]interface{}{"kind": "contains", "value": "Comments"},
			"tap_on_find": false,
			"direction":   "up",
		}},
	})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, schemas.SwipeDown, steps[0].Params.Scroll.Direction)
	assert.True(t, steps[0].Params.Scroll.TapOnFind, "omitting tap_on_find still taps the match")
	assert.Equal(t, schemas.SwipeUp, steps[1].Params.Scroll.Direction)
	assert.False(t, steps[1].Params.Scroll.TapOnFind, "explicit false opts out")
}

func TestTruncateGoalKeepsRunesIntact(t *testing.T) {
	long := strings.Repeat("打开设置并连接无线网络", 10)
	name := truncateGoal(long)
	assert.True(t, utf8.ValidString(name))
	assert.Equal(t, 48, utf8.RuneCountInString(name))
	assert.Equal(t, string([]rune(long)[:48]), name)

	assert.Equal(t, "short goal", truncateGoal("  short goal  "))
}

func TestNormalizePolicyDefaultsToRetry(t *testing.T) {
	steps, err := NormalizeSteps([]rawStep{
		{Type: "WAIT", Params: map[string]interface{}{"duration_ms": 100}},
		{Type: "WAIT", Params: map[string]interface{}{"duration_ms": 100}, OnFailure: "skip"},
	})
	require.NoError(t, err)
	assert.Equal(t, schemas.PolicyRetry, steps[0].OnFailure)
	assert.Equal(t, schemas.PolicySkip, steps[1].OnFailure)
}
