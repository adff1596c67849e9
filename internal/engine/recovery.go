// File: internal/engine/recovery.go
package engine

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/config"
)

// RecoveryOutcome is the result of one recovery attempt.
type RecoveryOutcome int

const (
	// RecoveryRetry means the obstruction was cleared and the failed step
	// should run again.
	RecoveryRetry RecoveryOutcome = iota
	// RecoveryFailed means the strategy ran but did not clear the obstruction.
	RecoveryFailed
	// RecoveryNeedsHuman means the obstruction cannot be cleared
	// programmatically (login walls, captchas).
	RecoveryNeedsHuman
)

// RecoveryStrategy inspects the screen after a step failure and, when it
// recognizes the obstruction, attempts to clear it.
type RecoveryStrategy interface {
	Name() string
	IsApplicable(tree *schemas.UINode, failure stepOutcome) bool
	Recover(ctx context.Context, tree *schemas.UINode) RecoveryOutcome
}

// Recoverer holds the priority-ordered strategy chain. The first applicable
// strategy runs; later ones only get a chance on the next failure.
type Recoverer struct {
	strategies []RecoveryStrategy
	driver     schemas.ScreenDriver
	logger     *zap.Logger
}

// NewRecoverer builds the default strategy chain.
func NewRecoverer(driver schemas.ScreenDriver, devCfg config.DeviceConfig, logger *zap.Logger) *Recoverer {
	log := logger.Named("recovery")
	return &Recoverer{
		driver: driver,
		logger: log,
		strategies: []RecoveryStrategy{
			&dismissDialogStrategy{driver: driver, logger: log},
			&permissionPromptStrategy{driver: driver, autoGrant: devCfg.AutoGrantPermissions, logger: log},
			&elementNotFoundStrategy{driver: driver, logger: log},
			&appCrashStrategy{driver: driver, logger: log},
			&screenChangedStrategy{driver: driver, logger: log},
			&networkErrorStrategy{driver: driver, logger: log},
		},
	}
}

// isPopupStrategy reports whether the named strategy dismisses an overlay,
// as opposed to nudging state for a retry.
func isPopupStrategy(name string) bool {
	return name == "dismiss_dialog" || name == "permission_prompt"
}

// Recover snapshots the screen and runs the first applicable strategy.
// Returns the outcome and the strategy name, or RecoveryFailed with an empty
// name when nothing applied.
func (r *Recoverer) Recover(ctx context.Context, failure stepOutcome) (RecoveryOutcome, string) {
	tree, err := r.driver.Snapshot(ctx)
	if err != nil {
		r.logger.Warn("Snapshot for recovery failed", zap.Error(err))
		return RecoveryFailed, ""
	}
	for _, s := range r.strategies {
		if !s.IsApplicable(tree, failure) {
			continue
		}
		r.logger.Info("Running recovery strategy", zap.String("strategy", s.Name()))
		return s.Recover(ctx, tree), s.Name()
	}
	return RecoveryFailed, ""
}

// CheckPopups runs only the dialog and permission strategies as a pre-step
// reflex. Returns true when something was dismissed.
func (r *Recoverer) CheckPopups(ctx context.Context) bool {
	tree, err := r.driver.Snapshot(ctx)
	if err != nil {
		return false
	}
	// A synthetic failure so IsApplicable sees an element-not-found shape.
	synthetic := stepOutcome{code: schemas.ErrCodeElementNotFound}
	for _, s := range r.strategies[:2] {
		if s.IsApplicable(tree, synthetic) {
			if s.Recover(ctx, tree) == RecoveryRetry {
				return true
			}
		}
	}
	return false
}

// findAnyLabel walks the tree looking for a node whose text or content
// description carries any of the labels as a whole word. Substring hits
// inside longer words ("ok" in "Facebook") do not count, so ordinary
// screens are not mistaken for dialogs.
func findAnyLabel(tree *schemas.UINode, labels []string) *schemas.UINode {
	if tree == nil {
		return nil
	}
	for _, label := range labels {
		if labelMatches(tree.Text, label) || labelMatches(tree.ContentDesc, label) {
			return tree
		}
	}
	for i := range tree.Children {
		if node := findAnyLabel(&tree.Children[i], labels); node != nil {
			return node
		}
	}
	return nil
}

// labelMatches reports whether label occurs in field bounded by
// non-letter, non-digit runes on both sides. Comparison is
// case-insensitive.
func labelMatches(field, label string) bool {
	field = strings.ToLower(strings.TrimSpace(field))
	label = strings.ToLower(label)
	if field == "" || label == "" {
		return false
	}
	for off := 0; ; {
		i := strings.Index(field[off:], label)
		if i < 0 {
			return false
		}
		start := off + i
		end := start + len(label)
		if boundaryBefore(field, start) && boundaryAfter(field, end) {
			return true
		}
		off = start + 1
	}
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func tapNode(ctx context.Context, driver schemas.ScreenDriver, node *schemas.UINode) bool {
	x, y := node.Bounds.Center()
	return driver.Tap(ctx, x, y).Wait(ctx) == nil
}

// -- 1. Dismiss dialog --

var dismissLabels = []string{
	"dismiss", "cancel", "close", "not now", "later", "skip", "no thanks", "got it", "ok", "okay",
	"取消", "关闭", "跳过", "以后再说", "知道了", "我知道了",
	"キャンセル", "閉じる", "スキップ", "後で",
}

var humanWallLabels = []string{
	"log in", "sign in", "captcha", "verify you", "登录", "验证", "ログイン",
}

type dismissDialogStrategy struct {
	driver schemas.ScreenDriver
	logger *zap.Logger
}

func (s *dismissDialogStrategy) Name() string { return "dismiss_dialog" }

func (s *dismissDialogStrategy) IsApplicable(tree *schemas.UINode, _ stepOutcome) bool {
	return findAnyLabel(tree, dismissLabels) != nil ||
		findAnyLabel(tree, humanWallLabels) != nil
}

func (s *dismissDialogStrategy) Recover(ctx context.Context, tree *schemas.UINode) RecoveryOutcome {
	if findAnyLabel(tree, humanWallLabels) != nil {
		s.logger.Warn("Screen requires human interaction")
		return RecoveryNeedsHuman
	}
	if node := findAnyLabel(tree, dismissLabels); node != nil {
		if tapNode(ctx, s.driver, node) {
			return RecoveryRetry
		}
	}
	// Tap a blank region near the top, then fall back to the back key.
	if s.driver.Tap(ctx, 50, 200).Wait(ctx) == nil {
		sleepCtx(ctx, 500*time.Millisecond)
	}
	if s.driver.Back(ctx).Wait(ctx) == nil {
		return RecoveryRetry
	}
	return RecoveryFailed
}

// -- 2. Permission prompt --

var permissionLabels = []string{
	"allow", "while using the app", "only this time", "permission",
	"允许", "仅在使用中允许", "权限",
}

type permissionPromptStrategy struct {
	driver    schemas.ScreenDriver
	autoGrant bool
	logger    *zap.Logger
}

func (s *permissionPromptStrategy) Name() string { return "permission_prompt" }

func (s *permissionPromptStrategy) IsApplicable(tree *schemas.UINode, _ stepOutcome) bool {
	return findAnyLabel(tree, permissionLabels) != nil
}

func (s *permissionPromptStrategy) Recover(ctx context.Context, tree *schemas.UINode) RecoveryOutcome {
	if !s.autoGrant {
		s.logger.Warn("Permission prompt present but auto-grant is disabled")
		return RecoveryNeedsHuman
	}
	if node := findAnyLabel(tree, []string{"while using the app", "allow", "仅在使用中允许", "允许"}); node != nil {
		if tapNode(ctx, s.driver, node) {
			return RecoveryRetry
		}
	}
	return RecoveryFailed
}

// -- 3. Element not found --

type elementNotFoundStrategy struct {
	driver schemas.ScreenDriver
	logger *zap.Logger
}

func (s *elementNotFoundStrategy) Name() string { return "element_not_found" }

func (s *elementNotFoundStrategy) IsApplicable(_ *schemas.UINode, failure stepOutcome) bool {
	return failure.code == schemas.ErrCodeElementNotFound
}

// Recover waits for late-rendering content, then nudges the viewport down and
// back up so offscreen targets get a chance to appear.
func (s *elementNotFoundStrategy) Recover(ctx context.Context, _ *schemas.UINode) RecoveryOutcome {
	sleepCtx(ctx, 2*time.Second)

	w, h, err := s.driver.ScreenSize(ctx)
	if err != nil {
		return RecoveryFailed
	}
	x1, y1, x2, y2 := swipeEndpoints(schemas.SwipeUp, 0.3, w, h)
	if s.driver.Swipe(ctx, x1, y1, x2, y2, 300).Wait(ctx) != nil {
		return RecoveryFailed
	}
	sleepCtx(ctx, 800*time.Millisecond)
	x1, y1, x2, y2 = swipeEndpoints(schemas.SwipeDown, 0.3, w, h)
	if s.driver.Swipe(ctx, x1, y1, x2, y2, 300).Wait(ctx) != nil {
		return RecoveryFailed
	}
	return RecoveryRetry
}

// -- 4. App crash --

var crashLabels = []string{
	"has stopped", "keeps stopping", "isn't responding", "已停止运行", "屡次停止运行",
}

type appCrashStrategy struct {
	driver schemas.ScreenDriver
	logger *zap.Logger
}

func (s *appCrashStrategy) Name() string { return "app_crash" }

func (s *appCrashStrategy) IsApplicable(tree *schemas.UINode, _ stepOutcome) bool {
	return findAnyLabel(tree, crashLabels) != nil
}

func (s *appCrashStrategy) Recover(ctx context.Context, tree *schemas.UINode) RecoveryOutcome {
	// Clear the crash dialog first; the run loop relaunches via the script's
	// own LaunchApp step on retry.
	if node := findAnyLabel(tree, []string{"close app", "ok", "关闭应用", "确定"}); node != nil {
		tapNode(ctx, s.driver, node)
	} else {
		s.driver.Back(ctx).Wait(ctx)
	}
	sleepCtx(ctx, time.Second)
	return RecoveryFailed
}

// -- 5. Screen changed / loading --

var loadingLabels = []string{"loading", "加载中", "请稍候", "読み込み中"}

type screenChangedStrategy struct {
	driver schemas.ScreenDriver
	logger *zap.Logger
}

func (s *screenChangedStrategy) Name() string { return "screen_changed" }

func (s *screenChangedStrategy) IsApplicable(_ *schemas.UINode, failure stepOutcome) bool {
	return failure.code == schemas.ErrCodeElementNotFound ||
		failure.code == schemas.ErrCodeVerificationMismatch
}

func (s *screenChangedStrategy) Recover(ctx context.Context, tree *schemas.UINode) RecoveryOutcome {
	if findAnyLabel(tree, loadingLabels) != nil {
		sleepCtx(ctx, 3*time.Second)
		return RecoveryRetry
	}
	// Unexpected screen: back out once and retry from the previous surface.
	if s.driver.Back(ctx).Wait(ctx) != nil {
		return RecoveryFailed
	}
	sleepCtx(ctx, time.Second)
	return RecoveryRetry
}

// -- 6. Network error --

var networkLabels = []string{
	"no internet", "no connection", "network error", "try again", "retry",
	"网络异常", "网络错误", "重试", "无网络",
}

type networkErrorStrategy struct {
	driver schemas.ScreenDriver
	logger *zap.Logger
}

func (s *networkErrorStrategy) Name() string { return "network_error" }

func (s *networkErrorStrategy) IsApplicable(tree *schemas.UINode, failure stepOutcome) bool {
	if failure.code == schemas.ErrCodeNetworkError {
		return true
	}
	return findAnyLabel(tree, networkLabels) != nil
}

func (s *networkErrorStrategy) Recover(ctx context.Context, tree *schemas.UINode) RecoveryOutcome {
	sleepCtx(ctx, 3*time.Second)
	if node := findAnyLabel(tree, []string{"retry", "try again", "重试"}); node != nil {
		if tapNode(ctx, s.driver, node) {
			sleepCtx(ctx, 2*time.Second)
			return RecoveryRetry
		}
	}
	return RecoveryRetry
}
