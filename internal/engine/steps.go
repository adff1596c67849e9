// File: internal/engine/steps.go
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/config"
	"github.com/xkilldash9x/uipilot/internal/llmutil"
	"github.com/xkilldash9x/uipilot/internal/resolver"
)

// Bounds local to step execution.
const (
	maxHomeBackPresses   = 5
	defaultMaxScrolls    = 8
	landingRetryBound    = 3
	defaultSwipeFraction = 0.5
)

// stepOutcome reports one attempt at one step.
type stepOutcome struct {
	success   bool
	err       error
	code      schemas.ErrorCode
	extracted map[string]string
}

func stepOK() stepOutcome { return stepOutcome{success: true} }

func stepFail(code schemas.ErrorCode, err error) stepOutcome {
	return stepOutcome{err: err, code: code}
}

// StepExecutor runs one typed step with local retries. Retries are bounded by
// the step's own MaxRetries with a fixed delay and never touch Script-level
// counters.
type StepExecutor struct {
	driver   schemas.ScreenDriver
	resolver *resolver.Resolver
	llm      schemas.LLMClient
	cfg      config.EngineConfig
	logger   *zap.Logger
}

// NewStepExecutor creates a StepExecutor.
func NewStepExecutor(driver schemas.ScreenDriver, res *resolver.Resolver, llm schemas.LLMClient, cfg config.EngineConfig, logger *zap.Logger) *StepExecutor {
	return &StepExecutor{
		driver:   driver,
		resolver: res,
		llm:      llm,
		cfg:      cfg,
		logger:   logger.Named("step_executor"),
	}
}

// ExecuteStep runs the step with its local retry budget. The returned outcome
// is the last attempt's.
func (e *StepExecutor) ExecuteStep(ctx context.Context, rs *runState, step schemas.Step) stepOutcome {
	attempts := step.MaxRetries + 1
	var out stepOutcome
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return stepFail(schemas.ErrCodeCancelled, ctx.Err())
		}
		out = e.executeOnce(ctx, rs, step)
		if out.success {
			return out
		}
		rs.logf("step %d (%s) attempt %d/%d failed: %v", step.Index, step.Type, attempt+1, attempts, out.err)
		e.logger.Warn("Step attempt failed",
			zap.Int("step", step.Index),
			zap.String("type", string(step.Type)),
			zap.Int("attempt", attempt+1),
			zap.Error(out.err))
		if attempt < attempts-1 {
			// Fixed, not exponential: the UI either settles quickly or a
			// different recovery path is needed.
			sleepCtx(ctx, e.cfg.StepRetryDelay)
		}
	}
	return out
}

func (e *StepExecutor) executeOnce(ctx context.Context, rs *runState, step schemas.Step) stepOutcome {
	switch step.Type {
	case schemas.StepLaunchApp:
		return e.execLaunchApp(ctx, step.Params.LaunchApp)
	case schemas.StepTap:
		return e.execTap(ctx, step.Params.Tap)
	case schemas.StepSwipe:
		return e.execSwipe(ctx, step.Params.Swipe)
	case schemas.StepWait:
		sleepCtx(ctx, time.Duration(step.Params.Wait.DurationMs)*time.Millisecond)
		return stepOK()
	case schemas.StepFindAndTap:
		return e.execFindAndTap(ctx, step.Params.Find)
	case schemas.StepScrollUntilFind:
		return e.execScrollUntilFind(ctx, rs, step.Params.Scroll)
	case schemas.StepExtractData:
		return e.execExtractData(ctx, step.Params.Extract)
	case schemas.StepInputText:
		return e.execInputText(ctx, step.Params.Input)
	case schemas.StepBack:
		return e.await(ctx, e.driver.Back(ctx))
	case schemas.StepAssert:
		return e.execAssert(ctx, step.Params.Assert)
	case schemas.StepAIDecide:
		return e.execAIDecide(ctx, rs, step.Params.AIDecide)
	case schemas.StepSearch:
		return e.execSearch(ctx, step.Params.Search)
	}
	return stepFail(schemas.ErrCodeInvalidParameters, fmt.Errorf("unknown step type: %s", step.Type))
}

// await suspends on a dispatched gesture's completion.
func (e *StepExecutor) await(ctx context.Context, h *schemas.GestureHandle) stepOutcome {
	if err := h.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return stepFail(schemas.ErrCodeCancelled, err)
		}
		return stepFail(schemas.ErrCodeGestureDispatch, err)
	}
	return stepOK()
}

// -- LaunchApp --

func (e *StepExecutor) execLaunchApp(ctx context.Context, p *schemas.LaunchAppParams) stepOutcome {
	installed, err := e.driver.IsInstalled(ctx, p.Package)
	if err != nil {
		return stepFail(schemas.ErrCodeExecutionFailure, err)
	}
	if !installed {
		return stepFail(schemas.ErrCodeAppNotInstalled, fmt.Errorf("package %s is not installed", p.Package))
	}
	if err := e.driver.LaunchApp(ctx, p.Package); err != nil {
		return stepFail(schemas.ErrCodeExecutionFailure, err)
	}
	sleepCtx(ctx, 2*time.Second)

	if !p.DriveHome {
		return stepOK()
	}
	return e.driveToHome(ctx, p.HomeLabel)
}

// driveToHome searches for the home label and presses back a bounded number
// of times until it appears, leaving the app at its canonical landing state.
func (e *StepExecutor) driveToHome(ctx context.Context, homeLabel string) stepOutcome {
	if homeLabel == "" {
		homeLabel = "home"
	}
	criteria := schemas.MatchCriteria{Kind: schemas.MatchContains, Value: homeLabel}

	for i := 0; i <= maxHomeBackPresses; i++ {
		tree, err := e.driver.Snapshot(ctx)
		if err != nil {
			return stepFail(schemas.ErrCodeExecutionFailure, err)
		}
		if e.resolver.Resolve(criteria, tree) != nil {
			return stepOK()
		}
		if i == maxHomeBackPresses {
			break
		}
		if out := e.await(ctx, e.driver.Back(ctx)); !out.success {
			return out
		}
		sleepCtx(ctx, 600*time.Millisecond)
	}
	// Home label never appeared; proceed anyway, the next step's resolver
	// will surface the real problem if there is one.
	e.logger.Debug("Home state not confirmed after back navigation", zap.String("label", homeLabel))
	return stepOK()
}

// -- Tap / Swipe --

func (e *StepExecutor) execTap(ctx context.Context, p *schemas.TapParams) stepOutcome {
	x, y := p.X, p.Y
	if p.Criteria != nil {
		tree, err := e.driver.Snapshot(ctx)
		if err != nil {
			return stepFail(schemas.ErrCodeExecutionFailure, err)
		}
		node := e.resolver.Resolve(*p.Criteria, tree)
		if node == nil {
			return stepFail(schemas.ErrCodeElementNotFound, fmt.Errorf("no element matching %q", p.Criteria.Value))
		}
		x, y = node.Bounds.Center()
	}
	if out := e.await(ctx, e.driver.Tap(ctx, x, y)); !out.success {
		out.err = fmt.Errorf("tap at (%d,%d): %w", x, y, out.err)
		return out
	}
	return stepOK()
}

func (e *StepExecutor) execSwipe(ctx context.Context, p *schemas.SwipeParams) stepOutcome {
	w, h, err := e.driver.ScreenSize(ctx)
	if err != nil {
		return stepFail(schemas.ErrCodeExecutionFailure, err)
	}
	x1, y1, x2, y2 := swipeEndpoints(p.Direction, p.Fraction, w, h)
	return e.await(ctx, e.driver.Swipe(ctx, x1, y1, x2, y2, p.DurationMs))
}

// swipeEndpoints computes gesture endpoints from a direction and the fraction
// of the screen the gesture should cross, centered on the screen midpoint.
func swipeEndpoints(dir schemas.SwipeDirection, fraction float64, w, h int) (int, int, int, int) {
	if fraction <= 0 || fraction > 1 {
		fraction = defaultSwipeFraction
	}
	cx, cy := w/2, h/2
	dx := int(float64(w) * fraction / 2)
	dy := int(float64(h) * fraction / 2)

	switch dir {
	case schemas.SwipeUp:
		return cx, cy + dy, cx, cy - dy
	case schemas.SwipeDown:
		return cx, cy - dy, cx, cy + dy
	case schemas.SwipeLeft:
		return cx + dx, cy, cx - dx, cy
	case schemas.SwipeRight:
		return cx - dx, cy, cx + dx, cy
	}
	return cx, cy + dy, cx, cy - dy // Default: scroll content up.
}

// -- FindAndTap --

func (e *StepExecutor) execFindAndTap(ctx context.Context, p *schemas.FindParams) stepOutcome {
	tree, err := e.driver.Snapshot(ctx)
	if err != nil {
		return stepFail(schemas.ErrCodeExecutionFailure, err)
	}
	node := e.resolver.Resolve(p.Criteria, tree, p.Excludes...)
	if node == nil {
		return stepFail(schemas.ErrCodeElementNotFound, fmt.Errorf("no element matching %q", p.Criteria.Value))
	}
	x, y := node.Bounds.Center()
	return e.await(ctx, e.driver.Tap(ctx, x, y))
}

// -- ScrollUntilFind --

// livePageSignatures mark landing pages that are live/streaming surfaces, not
// commentable content.
var livePageSignatures = []string{"live", "streaming", "直播", "生放送"}

func (e *StepExecutor) execScrollUntilFind(ctx context.Context, rs *runState, p *schemas.ScrollFindParams) stepOutcome {
	maxScrolls := p.MaxScrolls
	if maxScrolls <= 0 {
		maxScrolls = defaultMaxScrolls
	}
	dir := p.Direction
	if dir == "" {
		dir = schemas.SwipeDown
	}
	// Scrolling content down means swiping up and vice versa.
	gesture := invertDirection(dir)

	w, h, err := e.driver.ScreenSize(ctx)
	if err != nil {
		return stepFail(schemas.ErrCodeExecutionFailure, err)
	}

	validate := p.ValidateLanding && goalImpliesCommentable(rs.script.Goal)

	for landing := 0; landing <= landingRetryBound; landing++ {
		node, out := e.scrollSearch(ctx, p, gesture, maxScrolls, w, h)
		if node == nil {
			return out
		}
		if !p.TapOnFind {
			return stepOK()
		}

		x, y := node.Bounds.Center()
		if out := e.await(ctx, e.driver.Tap(ctx, x, y)); !out.success {
			return out
		}
		if !validate {
			return stepOK()
		}

		sleepCtx(ctx, 1500*time.Millisecond)
		ok, err := e.landingValid(ctx)
		if err != nil {
			return stepFail(schemas.ErrCodeExecutionFailure, err)
		}
		if ok {
			return stepOK()
		}

		// Invalid landing: go back and retry the search, bounded.
		rs.logf("landing page matched live signature, navigating back (retry %d/%d)", landing+1, landingRetryBound)
		e.logger.Info("Invalid landing page, backing out", zap.Int("retry", landing+1))
		if out := e.await(ctx, e.driver.Back(ctx)); !out.success {
			return out
		}
		sleepCtx(ctx, time.Second)
	}
	return stepFail(schemas.ErrCodeInvalidLandingPage, fmt.Errorf("no valid landing page after %d attempts", landingRetryBound))
}

func (e *StepExecutor) scrollSearch(ctx context.Context, p *schemas.ScrollFindParams, gesture schemas.SwipeDirection, maxScrolls, w, h int) (*schemas.UINode, stepOutcome) {
	for i := 0; i <= maxScrolls; i++ {
		if ctx.Err() != nil {
			return nil, stepFail(schemas.ErrCodeCancelled, ctx.Err())
		}
		tree, err := e.driver.Snapshot(ctx)
		if err != nil {
			return nil, stepFail(schemas.ErrCodeExecutionFailure, err)
		}
		if node := e.resolver.Resolve(p.Criteria, tree, p.Excludes...); node != nil {
			return node, stepOK()
		}
		if i == maxScrolls {
			break
		}
		x1, y1, x2, y2 := swipeEndpoints(gesture, defaultSwipeFraction, w, h)
		if out := e.await(ctx, e.driver.Swipe(ctx, x1, y1, x2, y2, 300)); !out.success {
			return nil, out
		}
		sleepCtx(ctx, 800*time.Millisecond)
	}
	return nil, stepFail(schemas.ErrCodeElementNotFound,
		fmt.Errorf("no element matching %q after %d scrolls", p.Criteria.Value, maxScrolls))
}

// landingValid snapshots the current page and rejects it when a live
// signature dominates the visible chrome.
func (e *StepExecutor) landingValid(ctx context.Context) (bool, error) {
	tree, err := e.driver.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	for _, sig := range livePageSignatures {
		c := schemas.MatchCriteria{Kind: schemas.MatchContains, Value: sig}
		if len(e.resolver.ResolveAll(c, tree)) > 0 {
			return false, nil
		}
	}
	return true, nil
}

func invertDirection(d schemas.SwipeDirection) schemas.SwipeDirection {
	switch d {
	case schemas.SwipeDown:
		return schemas.SwipeUp
	case schemas.SwipeUp:
		return schemas.SwipeDown
	case schemas.SwipeLeft:
		return schemas.SwipeRight
	case schemas.SwipeRight:
		return schemas.SwipeLeft
	}
	return schemas.SwipeUp
}

// -- ExtractData --

// chromeLabels are UI chrome strings that are never the payload of a field
// extraction.
var chromeLabels = []string{
	"like", "comment", "share", "follow", "subscribe", "reply", "send",
	"赞", "评论", "分享", "关注", "回复", "发送",
}

func (e *StepExecutor) execExtractData(ctx context.Context, p *schemas.ExtractParams) stepOutcome {
	tree, err := e.driver.Snapshot(ctx)
	if err != nil {
		return stepFail(schemas.ErrCodeExecutionFailure, err)
	}

	minLen, maxLen := p.MinLength, p.MaxLength
	if maxLen <= 0 {
		maxLen = 500
	}

	var collected []string
	var walk func(n *schemas.UINode)
	walk = func(n *schemas.UINode) {
		if n == nil {
			return
		}
		if text := strings.TrimSpace(n.Text); text != "" && e.fieldCandidate(text, minLen, maxLen, p.Separator) {
			collected = append(collected, text)
		}
		for i := range n.Children {
			walk(&n.Children[i])
		}
	}
	walk(tree)

	if len(collected) == 0 {
		return stepFail(schemas.ErrCodeElementNotFound, fmt.Errorf("no text nodes matched extraction heuristic for field %q", p.Field))
	}
	return stepOutcome{
		success:   true,
		extracted: map[string]string{p.Field: strings.Join(collected, "\n")},
	}
}

// fieldCandidate applies the field heuristic: length window, required
// separator presence, chrome-label exclusion.
func (e *StepExecutor) fieldCandidate(text string, minLen, maxLen int, separator string) bool {
	runes := len([]rune(text))
	if runes < minLen || runes > maxLen {
		return false
	}
	if separator != "" && !strings.Contains(text, separator) {
		return false
	}
	lower := strings.ToLower(text)
	for _, chrome := range chromeLabels {
		if lower == chrome {
			return false
		}
	}
	return true
}

// -- InputText --

func (e *StepExecutor) execInputText(ctx context.Context, p *schemas.InputTextParams) stepOutcome {
	tree, err := e.driver.Snapshot(ctx)
	if err != nil {
		return stepFail(schemas.ErrCodeExecutionFailure, err)
	}

	if focusedEditable(tree) == nil {
		// No focused editable node; fall back to tap-then-set.
		target := e.findEditTarget(tree, p.Criteria)
		if target == nil {
			return stepFail(schemas.ErrCodeElementNotFound, fmt.Errorf("no editable element to receive text"))
		}
		x, y := target.Bounds.Center()
		if out := e.await(ctx, e.driver.Tap(ctx, x, y)); !out.success {
			return out
		}
		sleepCtx(ctx, 500*time.Millisecond)
	}

	if out := e.await(ctx, e.driver.SetText(ctx, p.Text)); !out.success {
		return out
	}
	if p.Submit {
		return e.await(ctx, e.driver.KeyEvent(ctx, 66)) // KEYCODE_ENTER
	}
	return stepOK()
}

func (e *StepExecutor) findEditTarget(tree *schemas.UINode, criteria *schemas.MatchCriteria) *schemas.UINode {
	if criteria != nil {
		if node := e.resolver.Resolve(*criteria, tree); node != nil {
			return node
		}
	}
	return firstEditable(tree)
}

func focusedEditable(n *schemas.UINode) *schemas.UINode {
	if n == nil {
		return nil
	}
	if n.Editable && n.Focused {
		return n
	}
	for i := range n.Children {
		if found := focusedEditable(&n.Children[i]); found != nil {
			return found
		}
	}
	return nil
}

func firstEditable(n *schemas.UINode) *schemas.UINode {
	if n == nil {
		return nil
	}
	if n.Editable && n.Enabled {
		return n
	}
	for i := range n.Children {
		if found := firstEditable(&n.Children[i]); found != nil {
			return found
		}
	}
	return nil
}

// -- Assert --

func (e *StepExecutor) execAssert(ctx context.Context, p *schemas.AssertParams) stepOutcome {
	tree, err := e.driver.Snapshot(ctx)
	if err != nil {
		return stepFail(schemas.ErrCodeExecutionFailure, err)
	}
	if e.resolver.Resolve(p.Criteria, tree) == nil {
		return stepFail(schemas.ErrCodeElementNotFound, fmt.Errorf("assertion failed: no element matching %q", p.Criteria.Value))
	}
	return stepOK()
}

// -- Search --

func (e *StepExecutor) execSearch(ctx context.Context, p *schemas.SearchParams) stepOutcome {
	// Locate the search affordance.
	out := e.execFindAndTap(ctx, &schemas.FindParams{
		Criteria: schemas.MatchCriteria{Kind: schemas.MatchContains, Value: "search"},
	})
	if !out.success {
		return out
	}
	sleepCtx(ctx, 800*time.Millisecond)
	return e.execInputText(ctx, &schemas.InputTextParams{Text: p.Query, Submit: true})
}

// -- AIDecide --

const aiDecideSystemPrompt = `You supervise one step of an Android UI automation script.
Given the question and the visible elements, respond with a single JSON object:
{"action": "tap|back|wait|none", "target_text": "<element text to tap, when action is tap>", "reason": "<one line>"}`

type aiDecision struct {
	Action     string `json:"action"`
	TargetText string `json:"target_text"`
	Reason     string `json:"reason"`
}

func (e *StepExecutor) execAIDecide(ctx context.Context, rs *runState, p *schemas.AIDecideParams) stepOutcome {
	tree, err := e.driver.Snapshot(ctx)
	if err != nil {
		return stepFail(schemas.ErrCodeExecutionFailure, err)
	}

	rs.aiCalls++
	response, err := e.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: aiDecideSystemPrompt,
		Messages: []schemas.ChatMessage{
			{Role: "user", Content: fmt.Sprintf("Question: %s\n\nVisible elements:\n%s", p.Question, summarizeTree(tree))},
		},
		Tier:    schemas.TierFast,
		Options: schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.1},
	})
	if err != nil {
		return stepFail(schemas.ErrCodeExecutionFailure, fmt.Errorf("ai decision failed: %w", err))
	}

	decision, err := llmutil.ParseJSONResponse[aiDecision](response)
	if err != nil {
		return stepFail(schemas.ErrCodeExecutionFailure, fmt.Errorf("unparsable ai decision: %w", err))
	}
	rs.logf("ai decision: %s (%s)", decision.Action, decision.Reason)

	switch decision.Action {
	case "tap":
		return e.execFindAndTap(ctx, &schemas.FindParams{
			Criteria: schemas.MatchCriteria{Kind: schemas.MatchContains, Value: decision.TargetText},
		})
	case "back":
		return e.await(ctx, e.driver.Back(ctx))
	case "wait":
		sleepCtx(ctx, 2*time.Second)
		return stepOK()
	default:
		return stepOK()
	}
}

// summarizeTree flattens the visible, labeled elements into the compact list
// the model receives.
func summarizeTree(tree *schemas.UINode) string {
	var b strings.Builder
	count := 0
	var walk func(n *schemas.UINode)
	walk = func(n *schemas.UINode) {
		if n == nil || count >= 80 {
			return
		}
		label := n.Text
		if label == "" {
			label = n.ContentDesc
		}
		if label != "" {
			count++
			fmt.Fprintf(&b, "- %q", label)
			if n.Clickable {
				b.WriteString(" [clickable]")
			}
			b.WriteString("\n")
		}
		for i := range n.Children {
			walk(&n.Children[i])
		}
	}
	walk(tree)
	if b.Len() == 0 {
		return "(no labeled elements)"
	}
	return b.String()
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
