// File: internal/device/adb.go
package device

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/internal/config"
)

// adbRunner executes adb commands against a single device serial. It is the
// only place that shells out; everything above it speaks UINode and gestures.
type adbRunner struct {
	adbPath string
	serial  string
	timeout config.DeviceConfig
	logger  *zap.Logger
}

func newAdbRunner(cfg config.DeviceConfig, logger *zap.Logger) *adbRunner {
	return &adbRunner{
		adbPath: cfg.AdbPath,
		serial:  cfg.Serial,
		timeout: cfg,
		logger:  logger.Named("adb"),
	}
}

// run executes one adb invocation. args are passed as separate argv entries,
// never through a shell, so text with spaces survives intact.
func (r *adbRunner) run(ctx context.Context, args ...string) (string, error) {
	full := make([]string, 0, len(args)+2)
	if r.serial != "" {
		full = append(full, "-s", r.serial)
	}
	full = append(full, args...)

	if r.timeout.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout.CommandTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.adbPath, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		r.logger.Debug("adb command failed",
			zap.Strings("args", full),
			zap.String("stderr", strings.TrimSpace(stderr.String())),
			zap.Error(err))
		return stdout.String(), fmt.Errorf("adb %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

var screenSizeRegex = regexp.MustCompile(`(\d+)x(\d+)`)

// screenSize parses `adb shell wm size` output, preferring the override size
// when present.
func (r *adbRunner) screenSize(ctx context.Context) (int, int, error) {
	out, err := r.run(ctx, "shell", "wm", "size")
	if err != nil {
		return 0, 0, err
	}

	// Output is one or two lines: "Physical size: WxH" and optionally
	// "Override size: WxH". The last match wins.
	matches := screenSizeRegex.FindAllStringSubmatch(out, -1)
	if len(matches) == 0 {
		return 0, 0, fmt.Errorf("could not parse screen size from %q", strings.TrimSpace(out))
	}
	last := matches[len(matches)-1]
	w, _ := strconv.Atoi(last[1])
	h, _ := strconv.Atoi(last[2])
	if w == 0 || h == 0 {
		return 0, 0, fmt.Errorf("invalid screen size %sx%s", last[1], last[2])
	}
	return w, h, nil
}

// dumpHierarchy captures the uiautomator XML for the current screen. The dump
// and cat are combined into one shell round trip.
func (r *adbRunner) dumpHierarchy(ctx context.Context) (string, error) {
	const dumpFile = "/sdcard/uipilot_window_dump.xml"
	out, err := r.run(ctx, "shell", fmt.Sprintf("uiautomator dump %s && cat %s", dumpFile, dumpFile))
	if err != nil {
		// A wedged uiautomator process is the usual culprit; kill it so the
		// next attempt can succeed.
		_, _ = r.run(ctx, "shell", "pkill", "uiautomator")
		return "", fmt.Errorf("ui hierarchy dump failed: %w", err)
	}

	idx := strings.Index(out, "<?xml")
	if idx < 0 {
		return "", fmt.Errorf("ui hierarchy dump produced no XML: %q", truncateForLog(out))
	}
	return out[idx:], nil
}

func truncateForLog(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
