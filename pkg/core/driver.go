// Package core provides the shared execution model for plan-runner: locators,
// step and run states, structured errors, and the device-facing interfaces the
// engine is written against.
package core

import "context"

// Session is a live automation session against one device.
// Implementations: uiautomator2 (HTTP server on device), adb (input events).
// The Runner owns a Session for the length of one run; it never talks to the
// device any other way.
type Session interface {
	// Open starts the session for the given device and application.
	Open(ctx context.Context, deviceID, pkg, activity string) error

	// LaunchApp starts (or restarts) the application.
	LaunchApp(ctx context.Context, pkg, activity string) error

	// Tap taps the element found by target.
	Tap(ctx context.Context, target Target) error

	// InputText types text into the element found by target.
	InputText(ctx context.Context, target Target, text string) error

	// ScrollTo scrolls until the element found by target is on screen.
	ScrollTo(ctx context.Context, target Target) error

	// Back sends a navigation-back action.
	Back(ctx context.Context) error

	// QueryTexts returns the texts currently shown on screen.
	QueryTexts(ctx context.Context) ([]string, error)

	// Close releases the session. Safe to call on a session that never opened.
	Close() error
}

// DumpSource fetches the raw accessibility hierarchy of a device.
type DumpSource interface {
	FetchRawDump(ctx context.Context, deviceID string) (string, error)
}

// Transport issues device commands. Process failures that still produce output
// are returned as text; callers pattern-match it.
type Transport interface {
	DumpSource

	// Execute runs a device command. An empty deviceID targets the only
	// connected device.
	Execute(ctx context.Context, command, deviceID string) (string, error)

	// CaptureScreenImage returns the current screen as PNG.
	CaptureScreenImage(ctx context.Context, deviceID string) ([]byte, error)

	// ListConnectedDevices returns connected device serials in adb order.
	ListConnectedDevices(ctx context.Context) ([]string, error)

	// IsPackageInstalled checks whether pkg is installed on the device.
	IsPackageInstalled(ctx context.Context, deviceID, pkg string) (bool, error)
}

// Bounds represents element position and size
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Center returns the center point of the bounds
func (b Bounds) Center() (int, int) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Contains checks if a point is within the bounds
func (b Bounds) Contains(x, y int) bool {
	return x >= b.X && x < b.X+b.Width && y >= b.Y && y < b.Y+b.Height
}

// IsEmpty reports whether the bounds have no area.
func (b Bounds) IsEmpty() bool {
	return b.Width <= 0 || b.Height <= 0
}
