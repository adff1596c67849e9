// File: internal/device/driver.go

// Package device provides the adb-backed screen/gesture binding. It reads the
// UI tree via uiautomator dumps and injects input through shell input
// commands, exposing both behind the schemas.ScreenDriver contract.
package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/config"
)

// Android keycodes used by the driver.
const (
	keycodeBack  = 4
	keycodeEnter = 66
)

// Driver implements schemas.ScreenDriver over adb.
type Driver struct {
	runner *adbRunner
	logger *zap.Logger
}

// Statically assert the contract.
var _ schemas.ScreenDriver = (*Driver)(nil)

// New creates a Driver for the configured device.
func New(cfg config.DeviceConfig, logger *zap.Logger) *Driver {
	return &Driver{
		runner: newAdbRunner(cfg, logger),
		logger: logger.Named("device"),
	}
}

// Snapshot captures and parses the current UI-element tree. Each snapshot is
// an immutable value; callers never observe a mutating tree.
func (d *Driver) Snapshot(ctx context.Context) (*schemas.UINode, error) {
	xml, err := d.runner.dumpHierarchy(ctx)
	if err != nil {
		return nil, err
	}
	return ParseHierarchy(xml)
}

// ScreenSize returns the device screen dimensions in pixels.
func (d *Driver) ScreenSize(ctx context.Context) (int, int, error) {
	return d.runner.screenSize(ctx)
}

// dispatch runs one input command asynchronously and resolves the handle with
// its outcome. The goroutine is the completion callback of the underlying
// process; callers suspend on the handle instead of registering closures.
func (d *Driver) dispatch(ctx context.Context, args ...string) *schemas.GestureHandle {
	h := schemas.NewGestureHandle()
	go func() {
		_, err := d.runner.run(ctx, args...)
		if err != nil {
			err = fmt.Errorf("gesture dispatch failed: %w", err)
		}
		h.Resolve(err)
	}()
	return h
}

// Tap injects a tap at the given coordinates.
func (d *Driver) Tap(ctx context.Context, x, y int) *schemas.GestureHandle {
	d.logger.Debug("Dispatching tap", zap.Int("x", x), zap.Int("y", y))
	return d.dispatch(ctx, "shell", "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
}

// Swipe injects a swipe gesture between two points.
func (d *Driver) Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) *schemas.GestureHandle {
	if durationMs <= 0 {
		durationMs = 300
	}
	d.logger.Debug("Dispatching swipe",
		zap.Int("x1", x1), zap.Int("y1", y1), zap.Int("x2", x2), zap.Int("y2", y2),
		zap.Int("duration_ms", durationMs))
	return d.dispatch(ctx, "shell", "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2), strconv.Itoa(durationMs))
}

// SetText types text into the currently focused editable node. Spaces must be
// encoded as %s for the input binary; quotes are escaped.
func (d *Driver) SetText(ctx context.Context, text string) *schemas.GestureHandle {
	escaped := strings.ReplaceAll(text, "'", "\\'")
	escaped = strings.ReplaceAll(escaped, " ", "%s")
	return d.dispatch(ctx, "shell", "input", "text", escaped)
}

// Back injects the back key.
func (d *Driver) Back(ctx context.Context) *schemas.GestureHandle {
	return d.KeyEvent(ctx, keycodeBack)
}

// KeyEvent injects an arbitrary keycode.
func (d *Driver) KeyEvent(ctx context.Context, code int) *schemas.GestureHandle {
	return d.dispatch(ctx, "shell", "input", "keyevent", strconv.Itoa(code))
}

// LaunchApp brings the package's launcher activity to the foreground via the
// monkey shim, which does not require knowing the activity name.
func (d *Driver) LaunchApp(ctx context.Context, pkg string) error {
	out, err := d.runner.run(ctx, "shell", "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return fmt.Errorf("failed to launch %s: %w", pkg, err)
	}
	if strings.Contains(out, "No activities found") {
		return fmt.Errorf("failed to launch %s: no launcher activity", pkg)
	}
	return nil
}

// StopApp force-stops the package.
func (d *Driver) StopApp(ctx context.Context, pkg string) error {
	_, err := d.runner.run(ctx, "shell", "am", "force-stop", pkg)
	return err
}

// IsInstalled reports whether the package resolves on the device.
func (d *Driver) IsInstalled(ctx context.Context, pkg string) (bool, error) {
	out, err := d.runner.run(ctx, "shell", "pm", "list", "packages", pkg)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(strings.TrimPrefix(line, "package:")) == pkg {
			return true, nil
		}
	}
	return false, nil
}
