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

func newTestRecoverer(driver *fakeDriver) *Recoverer {
	return NewRecoverer(driver, config.DeviceConfig{AutoGrantPermissions: true}, zap.NewNop())
}

func TestCheckPopupsIgnoresEmbeddedLabelFragments(t *testing.T) {
	// "Facebook" and "Bookmarks" both contain "ok"; neither is a dialog
	// button, so the pre-step reflex must leave them alone.
	driver := newFakeDriver(screenWith(clickableNode("Facebook"), clickableNode("Bookmarks")))
	r := newTestRecoverer(driver)

	assert.False(t, r.CheckPopups(context.Background()))
	assert.Empty(t, driver.taps)
	assert.Zero(t, driver.backs)
}

func TestCheckPopupsDismissesDialogButton(t *testing.T) {
	driver := newFakeDriver(screenWith(clickableNode("Not now")))
	r := newTestRecoverer(driver)

	assert.True(t, r.CheckPopups(context.Background()))
	require.Len(t, driver.taps, 1)
	x, y := schemas.Rect{X1: 0, Y1: 0, X2: 200, Y2: 80}.Center()
	assert.Equal(t, schemas.Rect{X1: x, Y1: y, X2: x, Y2: y}, driver.taps[0])
}

func TestRecoverBlocksOnLoginWall(t *testing.T) {
	driver := newFakeDriver(screenWith(clickableNode("Sign in to continue")))
	r := newTestRecoverer(driver)

	outcome, strategy := r.Recover(context.Background(), stepOutcome{code: schemas.ErrCodeElementNotFound})
	assert.Equal(t, RecoveryNeedsHuman, outcome)
	assert.Equal(t, "dismiss_dialog", strategy)
	assert.Empty(t, driver.taps)
}

func TestLabelMatches(t *testing.T) {
	cases := []struct {
		field, label string
		want         bool
	}{
		{"OK", "ok", true},
		{"ok, got it", "ok", true},
		{"Got it!", "got it", true},
		{"Not now", "not now", true},
		{"Facebook", "ok", false},
		{"Bookmarks", "ok", false},
		{"translater", "later", false},
		{"Maybe later", "later", true},
		{"取消", "取消", true},
		{"", "ok", false},
		{"ok", "", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, labelMatches(tc.field, tc.label),
			"field %q label %q", tc.field, tc.label)
	}
}

func TestIsPopupStrategy(t *testing.T) {
	assert.True(t, isPopupStrategy("dismiss_dialog"))
	assert.True(t, isPopupStrategy("permission_prompt"))
	assert.False(t, isPopupStrategy("element_not_found"))
	assert.False(t, isPopupStrategy("network_error"))
}
