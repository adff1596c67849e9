package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/config"
)

func newTestEngine(driver *fakeDriver, llm schemas.LLMClient, repo schemas.Repository) *Engine {
	cfg := config.Config{
		Engine: testEngineConfig(),
		Device: config.DeviceConfig{AutoGrantPermissions: true},
	}
	return New(driver, llm, repo, cfg, zap.NewNop())
}

func TestEngineExecuteUpdatesCounters(t *testing.T) {
	repo := newMemRepo()
	script := simpleScript(tapStep(0, "Next"))
	require.NoError(t, repo.Save(context.Background(), script))

	driver := newFakeDriver(screenWith(clickableNode("Next")))
	eng := newTestEngine(driver, &fakeLLM{}, repo)

	mode := schemas.ModeFast
	res, err := eng.Execute(context.Background(), script.ID, ExecuteOptions{Mode: &mode})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, schemas.ModeFast, res.Mode)

	stored, err := repo.Load(context.Background(), script.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.SuccessCount)
	assert.Equal(t, 0, stored.FailCount)
}

func TestEngineExecuteFailureCounter(t *testing.T) {
	repo := newMemRepo()
	script := simpleScript(tapStep(0, "Missing"))
	require.NoError(t, repo.Save(context.Background(), script))

	driver := newFakeDriver(screenWith(clickableNode("Other")))
	eng := newTestEngine(driver, &fakeLLM{}, repo)

	mode := schemas.ModeFast
	res, err := eng.Execute(context.Background(), script.ID, ExecuteOptions{Mode: &mode})
	require.NoError(t, err, "a failed run is a result, not a call error")
	assert.False(t, res.Success)

	stored, err := repo.Load(context.Background(), script.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.FailCount)
}

func TestEngineExecuteUnknownScript(t *testing.T) {
	eng := newTestEngine(newFakeDriver(), &fakeLLM{}, newMemRepo())
	_, err := eng.Execute(context.Background(), "nope", ExecuteOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(schemas.ErrCodeScriptNotFound))
}

func TestEngineRefusesConcurrentExecution(t *testing.T) {
	repo := newMemRepo()
	script := simpleScript(tapStep(0, "Next"))
	require.NoError(t, repo.Save(context.Background(), script))

	eng := newTestEngine(newFakeDriver(screenWith(clickableNode("Next"))), &fakeLLM{}, repo)
	eng.running.Store(true)

	_, err := eng.Execute(context.Background(), script.ID, ExecuteOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(schemas.ErrCodeConcurrentExecution))

	eng.running.Store(false)
	mode := schemas.ModeFast
	_, err = eng.Execute(context.Background(), script.ID, ExecuteOptions{Mode: &mode})
	assert.NoError(t, err, "the guard releases once the run finishes")
}

func TestEngineResetSession(t *testing.T) {
	eng := newTestEngine(newFakeDriver(), &fakeLLM{}, newMemRepo())

	eng.SetMode(schemas.ModeAgent)
	eng.session.recordOutcome(&schemas.ExecutionResult{Success: false, AIInterventions: 2})

	eng.ResetSession()
	assert.Equal(t, schemas.ModeSmart, eng.Mode(), "reset restores the configured default mode")
	failures, successes, interventions := eng.session.Counters()
	assert.Zero(t, failures+successes+interventions)
}

func TestEngineAutoAdjustAfterRuns(t *testing.T) {
	repo := newMemRepo()
	script := simpleScript(tapStep(0, "Missing"))
	script.Steps[0].OnFailure = schemas.PolicyAbort
	require.NoError(t, repo.Save(context.Background(), script))

	// Smart runs that keep failing promote the session one tier.
	driver := newFakeDriver(screenWith(clickableNode("Other")))
	eng := newTestEngine(driver, &fakeLLM{}, repo)
	eng.SetMode(schemas.ModeFast) // Fast never auto-adjusts; prove it first.

	for i := 0; i < 3; i++ {
		_, err := eng.Execute(context.Background(), script.ID, ExecuteOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, schemas.ModeFast, eng.Mode())

	eng.SetMode(schemas.ModeSmart)
	eng.session.Reset()
	for i := 0; i < 3; i++ {
		_, err := eng.Execute(context.Background(), script.ID, ExecuteOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, schemas.ModeMonitor, eng.Mode(), "three consecutive failures promote Smart to Monitor")
}

func TestEngineAutoAdjustDisabled(t *testing.T) {
	repo := newMemRepo()
	script := simpleScript(tapStep(0, "Missing"))
	script.Steps[0].OnFailure = schemas.PolicyAbort
	require.NoError(t, repo.Save(context.Background(), script))

	driver := newFakeDriver(screenWith(clickableNode("Other")))
	eng := newTestEngine(driver, &fakeLLM{}, repo)

	for i := 0; i < 5; i++ {
		_, err := eng.Execute(context.Background(), script.ID, ExecuteOptions{DisableAutoAdjust: true})
		require.NoError(t, err)
	}
	assert.Equal(t, schemas.ModeSmart, eng.Mode())
}

func TestEngineGenerateAndGet(t *testing.T) {
	repo := newMemRepo()
	llm := &fakeLLM{responses: []string{wellFormedSynthesis}}
	eng := newTestEngine(newFakeDriver(), llm, repo)

	script, err := eng.Generate(context.Background(), "turn on wifi")
	require.NoError(t, err)

	got, err := eng.Get(context.Background(), script.ID)
	require.NoError(t, err)
	assert.Equal(t, script.Name, got.Name)

	list, err := eng.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, eng.Delete(context.Background(), script.ID))
	_, err = eng.Get(context.Background(), script.ID)
	assert.Error(t, err)
}
