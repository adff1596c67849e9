package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/config"
	"github.com/xkilldash9x/uipilot/internal/resolver"
)

// testEngineConfig keeps every delay near zero so runs finish instantly.
func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		DefaultMode:        "smart",
		AutoAdjust:         true,
		MaxWallClock:       30 * time.Second,
		MaxSteps:           100,
		AgentMaxIterations: 6,
		ImproveCycles:      3,
		StepRetryDelay:     time.Millisecond,
		InterStepDelay:     0,
	}
}

// fakeDriver is an in-memory ScreenDriver. Snapshots come from a queue (the
// last entry repeats); gestures resolve immediately and are recorded.
type fakeDriver struct {
	mu        sync.Mutex
	snapshots []*schemas.UINode
	snapErr   error
	installed bool
	launchErr error
	tapFails  int // next N taps resolve with an error

	taps     []schemas.Rect
	swipes   int
	backs    int
	texts    []string
	keys     []int
	launches []string
}

func newFakeDriver(snapshots ...*schemas.UINode) *fakeDriver {
	return &fakeDriver{snapshots: snapshots, installed: true}
}

func resolved() *schemas.GestureHandle {
	h := schemas.NewGestureHandle()
	h.Resolve(nil)
	return h
}

func (d *fakeDriver) Snapshot(context.Context) (*schemas.UINode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.snapErr != nil {
		return nil, d.snapErr
	}
	if len(d.snapshots) == 0 {
		return &schemas.UINode{Class: "hierarchy", Enabled: true}, nil
	}
	snap := d.snapshots[0]
	if len(d.snapshots) > 1 {
		d.snapshots = d.snapshots[1:]
	}
	return snap, nil
}

func (d *fakeDriver) ScreenSize(context.Context) (int, int, error) { return 1080, 1920, nil }

func (d *fakeDriver) Tap(_ context.Context, x, y int) *schemas.GestureHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tapFails > 0 {
		d.tapFails--
		h := schemas.NewGestureHandle()
		h.Resolve(fmt.Errorf("input tap rejected"))
		return h
	}
	d.taps = append(d.taps, schemas.Rect{X1: x, Y1: y, X2: x, Y2: y})
	return resolved()
}

func (d *fakeDriver) Swipe(_ context.Context, x1, y1, x2, y2, durationMs int) *schemas.GestureHandle {
	d.mu.Lock()
	d.swipes++
	d.mu.Unlock()
	return resolved()
}

func (d *fakeDriver) SetText(_ context.Context, text string) *schemas.GestureHandle {
	d.mu.Lock()
	d.texts = append(d.texts, text)
	d.mu.Unlock()
	return resolved()
}

func (d *fakeDriver) Back(context.Context) *schemas.GestureHandle {
	d.mu.Lock()
	d.backs++
	d.mu.Unlock()
	return resolved()
}

func (d *fakeDriver) KeyEvent(_ context.Context, code int) *schemas.GestureHandle {
	d.mu.Lock()
	d.keys = append(d.keys, code)
	d.mu.Unlock()
	return resolved()
}

func (d *fakeDriver) LaunchApp(_ context.Context, pkg string) error {
	d.mu.Lock()
	d.launches = append(d.launches, pkg)
	d.mu.Unlock()
	return d.launchErr
}

func (d *fakeDriver) StopApp(context.Context, string) error { return nil }

func (d *fakeDriver) IsInstalled(context.Context, string) (bool, error) {
	return d.installed, nil
}

// fakeLLM replays canned responses in order; the last one repeats.
type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	err       error
	requests  []schemas.GenerationRequest
}

func (f *fakeLLM) Generate(_ context.Context, req schemas.GenerationRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", fmt.Errorf("fakeLLM: no responses queued")
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

// memRepo is an in-memory Repository.
type memRepo struct {
	mu      sync.Mutex
	scripts map[string]*schemas.Script
	saveErr error
}

func newMemRepo() *memRepo {
	return &memRepo{scripts: make(map[string]*schemas.Script)}
}

func (m *memRepo) Save(_ context.Context, script *schemas.Script) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	cp := *script
	m.scripts[script.ID] = &cp
	return nil
}

func (m *memRepo) Load(_ context.Context, id string) (*schemas.Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	script, ok := m.scripts[id]
	if !ok {
		return nil, fmt.Errorf("%s: script %s", schemas.ErrCodeScriptNotFound, id)
	}
	cp := *script
	return &cp, nil
}

func (m *memRepo) List(_ context.Context) ([]*schemas.Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*schemas.Script, 0, len(m.scripts))
	for _, s := range m.scripts {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scripts[id]; !ok {
		return fmt.Errorf("%s: script %s", schemas.ErrCodeScriptNotFound, id)
	}
	delete(m.scripts, id)
	return nil
}

// newTestController wires a Controller over the fakes.
func newTestController(driver *fakeDriver, llm schemas.LLMClient) *Controller {
	logger := zap.NewNop()
	res := resolver.New(logger)
	cfg := testEngineConfig()
	steps := NewStepExecutor(driver, res, llm, cfg, logger)
	recoverer := NewRecoverer(driver, config.DeviceConfig{AutoGrantPermissions: true}, logger)
	return NewController(steps, recoverer, llm, cfg, logger)
}

func clickableNode(text string) schemas.UINode {
	return schemas.UINode{
		Class:     "android.widget.Button",
		Text:      text,
		Clickable: true,
		Enabled:   true,
		Bounds:    schemas.Rect{X1: 0, Y1: 0, X2: 200, Y2: 80},
	}
}

func screenWith(nodes ...schemas.UINode) *schemas.UINode {
	return &schemas.UINode{Class: "hierarchy", Enabled: true, Children: nodes}
}

func simpleScript(steps ...schemas.Step) *schemas.Script {
	return &schemas.Script{
		ID:      "scr-test",
		Name:    "test script",
		Goal:    "exercise the controller",
		Version: 1,
		Steps:   steps,
	}
}

func tapStep(index int, value string) schemas.Step {
	return schemas.Step{
		Index:       index,
		Type:        schemas.StepFindAndTap,
		Description: "tap " + value,
		Params: schemas.StepParams{
			Find: &schemas.FindParams{
				Criteria: schemas.MatchCriteria{Kind: schemas.MatchContains, Value: value},
			},
		},
		OnFailure: schemas.PolicyAbort,
	}
}
