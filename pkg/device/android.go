// Package device provides Android device access via ADB.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/devicelab-dev/plan-runner/pkg/core"
	"github.com/devicelab-dev/plan-runner/pkg/logger"
)

// DefaultDumpPath is where uiautomator writes the hierarchy on the device.
const DefaultDumpPath = "/sdcard/window_dump.xml"

// pngMagic prefixes every PNG stream.
var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// CommandRunner runs a host process and returns its combined output. A
// process that ran and exited non-zero is not an error: its output is
// returned with a nil error. Only failing to run the process is.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //#nosec G204 -- adb path and args are built by this package
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return out.Bytes(), nil
	}
	return out.Bytes(), err
}

// DeviceInfo is one line of `adb devices`.
type DeviceInfo struct {
	Serial string
	State  string // device, offline, unauthorized, ...
}

// ADB implements core.Transport by shelling out to the adb binary.
type ADB struct {
	path       string
	run        CommandRunner
	dumpPath   string
	retryDelay time.Duration
}

// Option configures an ADB transport.
type Option func(*ADB)

// WithRunner replaces the process runner (tests).
func WithRunner(run CommandRunner) Option {
	return func(a *ADB) { a.run = run }
}

// WithPath sets the adb binary instead of searching for it.
func WithPath(path string) Option {
	return func(a *ADB) { a.path = path }
}

// WithRetryDelay sets the wait before the single retry of a failed process.
func WithRetryDelay(d time.Duration) Option {
	return func(a *ADB) { a.retryDelay = d }
}

// NewADB creates the transport. Without WithPath the adb binary is looked up
// in PATH and the Android SDK.
func NewADB(opts ...Option) (*ADB, error) {
	a := &ADB{
		run:        ExecRunner,
		dumpPath:   DefaultDumpPath,
		retryDelay: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.path == "" {
		path, err := findADB()
		if err != nil {
			return nil, core.ErrTransport.WithCause(err)
		}
		a.path = path
	}
	return a, nil
}

var _ core.Transport = (*ADB)(nil)

// Execute runs `adb [-s deviceID] <command>`. The command is split on
// whitespace, so arguments cannot contain spaces.
func (a *ADB) Execute(ctx context.Context, command, deviceID string) (string, error) {
	out, err := a.adb(ctx, deviceID, strings.Fields(command)...)
	return string(out), err
}

// Shell runs a shell command on the device.
func (a *ADB) Shell(ctx context.Context, deviceID, cmd string) (string, error) {
	out, err := a.adb(ctx, deviceID, "shell", cmd)
	return string(out), err
}

// LaunchApp starts pkg/activity with the activity manager.
func (a *ADB) LaunchApp(ctx context.Context, deviceID, pkg, activity string) (string, error) {
	component := pkg
	if activity != "" {
		component = pkg + "/" + activity
	}
	out, err := a.adb(ctx, deviceID, "shell", "am", "start", "-n", component)
	if err != nil {
		return "", err
	}
	text := string(out)
	if strings.Contains(text, "Error:") || strings.Contains(text, "Exception") {
		return text, core.ErrTransport.WithMessage(fmt.Sprintf("launch %s failed: %s", component, strings.TrimSpace(text)))
	}
	return text, nil
}

// CaptureScreenImage returns the screen as PNG.
func (a *ADB) CaptureScreenImage(ctx context.Context, deviceID string) ([]byte, error) {
	out, err := a.adb(ctx, deviceID, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(out, pngMagic) {
		return nil, core.ErrTransport.WithMessage(fmt.Sprintf("screencap returned no image: %s", firstLine(string(out))))
	}
	return out, nil
}

// ListDevices parses `adb devices`.
func (a *ADB) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	out, err := a.adb(ctx, "", "devices")
	if err != nil {
		return nil, err
	}
	return parseDevices(string(out)), nil
}

// ListConnectedDevices returns the serials of devices in the "device" state.
func (a *ADB) ListConnectedDevices(ctx context.Context) ([]string, error) {
	devices, err := a.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	var serials []string
	for _, d := range devices {
		if d.State == "device" {
			serials = append(serials, d.Serial)
		}
	}
	return serials, nil
}

// FirstAvailable returns the first connected device serial.
func (a *ADB) FirstAvailable(ctx context.Context) (string, error) {
	serials, err := a.ListConnectedDevices(ctx)
	if err != nil {
		return "", err
	}
	if len(serials) == 0 {
		return "", core.ErrTransport.WithMessage("no connected devices found")
	}
	return serials[0], nil
}

// IsPackageInstalled checks `pm list packages` for an exact package line.
func (a *ADB) IsPackageInstalled(ctx context.Context, deviceID, pkg string) (bool, error) {
	out, err := a.adb(ctx, deviceID, "shell", "pm", "list", "packages", pkg)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == "package:"+pkg {
			return true, nil
		}
	}
	return false, nil
}

// FetchRawDump dumps the accessibility hierarchy to device storage and reads
// it back. The returned text may carry trailing adb output.
func (a *ADB) FetchRawDump(ctx context.Context, deviceID string) (string, error) {
	out, err := a.adb(ctx, deviceID, "shell", "uiautomator", "dump", a.dumpPath)
	if err != nil {
		return "", err
	}
	if msg, failed := dumpFailure(string(out)); failed {
		return "", core.ErrTransport.WithMessage("uiautomator dump failed: " + msg)
	}

	out, err = a.adb(ctx, deviceID, "exec-out", "cat", a.dumpPath)
	if err != nil {
		return "", err
	}
	raw := string(out)
	if !strings.Contains(raw, "<hierarchy") {
		return "", core.ErrTransport.WithMessage("dump file unreadable: " + firstLine(raw))
	}
	if i := strings.Index(raw, "<?xml"); i > 0 {
		raw = raw[i:]
	}
	return raw, nil
}

// dumpFailure recognizes the failure texts uiautomator prints with exit 0.
func dumpFailure(out string) (string, bool) {
	for _, marker := range []string{"ERROR", "error:", "Killed", "null root node", "could not get idle state"} {
		if strings.Contains(out, marker) {
			return firstLine(out), true
		}
	}
	return "", false
}

// adb runs the adb binary, retrying once when the process cannot be run.
func (a *ADB) adb(ctx context.Context, deviceID string, args ...string) ([]byte, error) {
	cmdArgs := make([]string, 0, len(args)+2)
	if deviceID != "" {
		cmdArgs = append(cmdArgs, "-s", deviceID)
	}
	cmdArgs = append(cmdArgs, args...)

	var out []byte
	attempt := 0
	op := func() error {
		attempt++
		var err error
		out, err = a.run(ctx, a.path, cmdArgs...)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err != nil {
			logger.Warn("adb %s (attempt %d): %v", strings.Join(args, " "), attempt, err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(a.retryDelay), 1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, core.ErrTransport.
			WithMessage(fmt.Sprintf("adb %s", strings.Join(args, " "))).
			WithDetails(map[string]interface{}{"device": deviceID, "attempts": attempt}).
			WithCause(err)
	}
	return out, nil
}

func parseDevices(out string) []DeviceInfo {
	var devices []DeviceInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of") || strings.HasPrefix(line, "*") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		devices = append(devices, DeviceInfo{Serial: parts[0], State: parts[1]})
	}
	return devices
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// findADB locates the ADB binary.
func findADB() (string, error) {
	if path, err := exec.LookPath("adb"); err == nil {
		return path, nil
	}

	name := "adb"
	if runtime.GOOS == "windows" {
		name = "adb.exe"
	}
	for _, env := range []string{"ANDROID_HOME", "ANDROID_SDK_ROOT"} {
		if root := os.Getenv(env); root != "" {
			candidate := filepath.Join(root, "platform-tools", name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("adb not found in PATH or $ANDROID_HOME/platform-tools; ensure Android SDK is installed")
}
