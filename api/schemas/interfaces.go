// File: api/schemas/interfaces.go
package schemas

import (
	"context"
)

// ModelTier selects between the configured fast and powerful models.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierPowerful ModelTier = "powerful"
)

// ChatMessage is one turn in a chat-style prompt.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user" or "model".
	Content string `json:"content"`
}

// GenerationOptions tunes a single generation request.
type GenerationOptions struct {
	ForceJSONFormat bool    `json:"force_json_format,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
}

// GenerationRequest is the engine-facing contract for one model round trip.
// One text response is parsed per call; no streaming is assumed.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Messages     []ChatMessage     `json:"messages"`
	Tier         ModelTier         `json:"tier,omitempty"`
	Options      GenerationOptions `json:"options,omitempty"`
}

// LLMClient abstracts the language model network client. Implementations live
// in internal/llmclient; the engine only ever sees this interface.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// UINode is one node of a UI-element tree snapshot. Snapshots are ephemeral:
// recomputed per step and never persisted.
type UINode struct {
	Class       string   `json:"class,omitempty"`
	Text        string   `json:"text,omitempty"`
	ContentDesc string   `json:"content_desc,omitempty"`
	ResourceID  string   `json:"resource_id,omitempty"`
	Bounds      Rect     `json:"bounds"`
	Clickable   bool     `json:"clickable,omitempty"`
	Enabled     bool     `json:"enabled,omitempty"`
	Focused     bool     `json:"focused,omitempty"`
	Editable    bool     `json:"editable,omitempty"`
	Children    []UINode `json:"children,omitempty"`
}

// Rect is a screen-space bounding box.
type Rect struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Center returns the midpoint of the rect, the tap target for the node.
func (r Rect) Center() (int, int) {
	return r.X1 + (r.X2-r.X1)/2, r.Y1 + (r.Y2-r.Y1)/2
}

// Empty reports whether the rect has zero area.
func (r Rect) Empty() bool {
	return r.X2 <= r.X1 || r.Y2 <= r.Y1
}

// GestureHandle is the awaitable result of a dispatched gesture. The step
// executor suspends on Wait rather than registering a completion closure.
type GestureHandle struct {
	done chan error
}

// NewGestureHandle creates a handle the dispatcher resolves exactly once.
func NewGestureHandle() *GestureHandle {
	return &GestureHandle{done: make(chan error, 1)}
}

// Resolve completes the gesture with its outcome. Calling Resolve more than
// once is a programming error and panics on the closed channel by design of
// the single-dispatch contract; dispatchers resolve exactly once.
func (h *GestureHandle) Resolve(err error) {
	h.done <- err
	close(h.done)
}

// Wait blocks until the gesture completes or the context is cancelled. An
// in-flight gesture is never abandoned mid-dispatch; cancellation is observed
// at the next suspension point.
func (h *GestureHandle) Wait(ctx context.Context) error {
	select {
	case err := <-h.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScreenDriver is the low-level binding that reads the UI tree and injects
// input. All gestures are asynchronous: dispatch returns a GestureHandle that
// resolves on completion.
type ScreenDriver interface {
	// Snapshot returns the current UI-element tree.
	Snapshot(ctx context.Context) (*UINode, error)
	// ScreenSize returns the device screen dimensions in pixels.
	ScreenSize(ctx context.Context) (width, height int, err error)

	Tap(ctx context.Context, x, y int) *GestureHandle
	Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) *GestureHandle
	SetText(ctx context.Context, text string) *GestureHandle
	Back(ctx context.Context) *GestureHandle
	KeyEvent(ctx context.Context, code int) *GestureHandle

	LaunchApp(ctx context.Context, pkg string) error
	StopApp(ctx context.Context, pkg string) error
	IsInstalled(ctx context.Context, pkg string) (bool, error)
}

// Repository is the keyed document store for Scripts. No transactions are
// required by the contract; implementations may still use them.
type Repository interface {
	Save(ctx context.Context, s *Script) error
	Load(ctx context.Context, id string) (*Script, error)
	List(ctx context.Context) ([]*Script, error)
	Delete(ctx context.Context, id string) error
}
