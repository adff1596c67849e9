// File: internal/engine/engine.go

// Package engine contains the script lifecycle: synthesis from a goal,
// mode-controlled execution against a device, failure recovery, and
// model-driven self-improvement.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/config"
	"github.com/xkilldash9x/uipilot/internal/resolver"
)

// Engine is the public facade. One Engine owns one device binding and one
// execution session; concurrent Execute calls on the same Engine are refused.
type Engine struct {
	synthesizer *Synthesizer
	controller  *Controller
	improver    *Improver
	repo        schemas.Repository
	session     *Session
	cfg         config.EngineConfig
	logger      *zap.Logger

	running atomic.Bool
}

// New wires an Engine from its external bindings.
func New(driver schemas.ScreenDriver, llm schemas.LLMClient, repo schemas.Repository, cfg config.Config, logger *zap.Logger) *Engine {
	res := resolver.New(logger)
	steps := NewStepExecutor(driver, res, llm, cfg.Engine, logger)
	recoverer := NewRecoverer(driver, cfg.Device, logger)

	defaultMode := schemas.ParseExecutionMode(cfg.Engine.DefaultMode)
	return &Engine{
		synthesizer: NewSynthesizer(llm, repo, logger),
		controller:  NewController(steps, recoverer, llm, cfg.Engine, logger),
		improver:    NewImprover(llm, repo, logger),
		repo:        repo,
		session:     NewSession(defaultMode),
		cfg:         cfg.Engine,
		logger:      logger.Named("engine"),
	}
}

// Generate synthesizes and persists a new script for the goal.
func (e *Engine) Generate(ctx context.Context, goal string) (*schemas.Script, error) {
	return e.synthesizer.Synthesize(ctx, goal)
}

// Execute runs the stored script and updates its success/failure counters.
func (e *Engine) Execute(ctx context.Context, id string, opts ExecuteOptions) (schemas.ExecutionResult, error) {
	release, err := e.acquire()
	if err != nil {
		return schemas.ExecutionResult{}, err
	}
	defer release()

	script, err := e.repo.Load(ctx, id)
	if err != nil {
		return schemas.ExecutionResult{}, fmt.Errorf("load script %s: %w", id, err)
	}

	rs := newRunState(script, e.session, resolveMode(e.session, opts), opts.Progress)
	res := e.controller.Run(ctx, rs)

	e.finishRun(ctx, script, res, opts)
	return res, nil
}

// ExecuteWithAutoImprove runs the script and, when it fails, lets the model
// rewrite it and re-runs, bounded by the configured cycle budget.
func (e *Engine) ExecuteWithAutoImprove(ctx context.Context, id string, opts ExecuteOptions) (schemas.ExecutionResult, error) {
	release, err := e.acquire()
	if err != nil {
		return schemas.ExecutionResult{}, err
	}
	defer release()

	script, err := e.repo.Load(ctx, id)
	if err != nil {
		return schemas.ExecutionResult{}, fmt.Errorf("load script %s: %w", id, err)
	}

	res, err := e.improver.RunWithImprovement(ctx, e.controller, script, e.session, opts, e.cfg.ImproveCycles)
	if err != nil {
		return res, err
	}
	e.finishRun(ctx, script, res, opts)
	return res, nil
}

// Improve triggers a manual rewrite without a live run, feeding the model a
// synthetic failing result for the first step.
func (e *Engine) Improve(ctx context.Context, id string) (*schemas.Script, error) {
	script, err := e.repo.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load script %s: %w", id, err)
	}
	logs := []string{
		fmt.Sprintf("manual improvement requested at %s", time.Now().UTC().Format(time.RFC3339)),
		"no live execution evidence; review the steps against the goal and repair weaknesses",
	}
	return e.improver.ImproveOnce(ctx, script, 0, logs)
}

// List returns all stored scripts.
func (e *Engine) List(ctx context.Context) ([]*schemas.Script, error) {
	return e.repo.List(ctx)
}

// Get loads one stored script.
func (e *Engine) Get(ctx context.Context, id string) (*schemas.Script, error) {
	return e.repo.Load(ctx, id)
}

// Delete removes a stored script.
func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.repo.Delete(ctx, id)
}

// Stop requests a cooperative stop of the in-flight run, if any.
func (e *Engine) Stop() { e.controller.Stop() }

// Mode returns the session's current execution mode.
func (e *Engine) Mode() schemas.ExecutionMode { return e.session.Mode() }

// SetMode overrides the session mode.
func (e *Engine) SetMode(mode schemas.ExecutionMode) { e.session.SetMode(mode) }

// ResetSession clears the session's mode-adjustment counters and restores the
// configured default mode.
func (e *Engine) ResetSession() {
	e.session.Reset()
	e.session.SetMode(schemas.ParseExecutionMode(e.cfg.DefaultMode))
}

func (e *Engine) acquire() (func(), error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%s: another execution is already running on this device", schemas.ErrCodeConcurrentExecution)
	}
	return func() { e.running.Store(false) }, nil
}

// finishRun persists counter changes and applies the session auto-adjust.
func (e *Engine) finishRun(ctx context.Context, script *schemas.Script, res schemas.ExecutionResult, opts ExecuteOptions) {
	if res.Success {
		script.SuccessCount++
	} else {
		script.FailCount++
	}
	script.UpdatedAt = time.Now().UTC()
	if err := e.repo.Save(ctx, script); err != nil {
		e.logger.Warn("Failed to persist script counters", zap.String("script_id", script.ID), zap.Error(err))
	}

	e.session.recordOutcome(&res)
	if opts.DisableAutoAdjust || !e.autoAdjustEnabled() {
		return
	}
	if from, to, changed := e.session.adjust(); changed {
		e.logger.Info("Execution mode adjusted",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
}

func (e *Engine) autoAdjustEnabled() bool { return e.cfg.AutoAdjust }

// resolveMode picks the mode for one run: an explicit request wins, else the
// session's current mode.
func resolveMode(session *Session, opts ExecuteOptions) schemas.ExecutionMode {
	if opts.Mode != nil {
		return *opts.Mode
	}
	return session.Mode()
}
