// Package uiautomator2 implements core.Session on top of the UIAutomator2
// server running on the device.
package uiautomator2

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/devicelab-dev/plan-runner/pkg/core"
	"github.com/devicelab-dev/plan-runner/pkg/device"
	"github.com/devicelab-dev/plan-runner/pkg/hierarchy"
	"github.com/devicelab-dev/plan-runner/pkg/logger"
	"github.com/devicelab-dev/plan-runner/pkg/uiautomator2"
)

// UIA2Client defines the client operations the session needs.
// Implemented by uiautomator2.Client.
type UIA2Client interface {
	CreateSession(ctx context.Context, caps uiautomator2.Capabilities) error
	FindElement(ctx context.Context, strategy, selector string) (*uiautomator2.Element, error)
	ScrollIntoView(ctx context.Context, uiSelector string) (*uiautomator2.Element, error)
	Back(ctx context.Context) error
	Source(ctx context.Context) (string, error)
	Close() error
}

// AppLauncher starts activities. Implemented by device.ADB.
type AppLauncher interface {
	LaunchApp(ctx context.Context, deviceID, pkg, activity string) (string, error)
}

// Server is the on-device server lifecycle. Implemented by
// device.UIAutomator2Server.
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	HTTPClient() (*http.Client, string)
}

// Session drives one device through UIAutomator2.
type Session struct {
	launcher  AppLauncher
	newServer func(deviceID string) Server

	client   UIA2Client
	server   Server
	deviceID string
	mu       sync.Mutex
}

var _ core.Session = (*Session)(nil)

// New creates a session that starts the UIAutomator2 server on Open.
func New(adb *device.ADB, cfg device.UIAutomator2Config) *Session {
	return &Session{
		launcher: adb,
		newServer: func(deviceID string) Server {
			return adb.UIAutomator2(deviceID, cfg)
		},
	}
}

// NewWithClient creates a session over an already reachable server.
func NewWithClient(client UIA2Client, launcher AppLauncher) *Session {
	return &Session{client: client, launcher: launcher}
}

// Open starts the server when needed and creates the automation session.
func (s *Session) Open(ctx context.Context, deviceID, pkg, activity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deviceID = deviceID
	if s.client == nil {
		if s.newServer == nil {
			return core.ErrDriverOperation.WithMessage("no UIAutomator2 client or server configured")
		}
		srv := s.newServer(deviceID)
		if err := srv.Start(ctx); err != nil {
			return core.ErrDriverOperation.WithMessage("start UIAutomator2 server").WithCause(err)
		}
		s.server = srv
		hc, base := srv.HTTPClient()
		s.client = uiautomator2.NewClient(hc, base)
	}

	caps := uiautomator2.Capabilities{
		PlatformName: "Android",
		DeviceName:   deviceID,
		AppPackage:   pkg,
		AppActivity:  activity,
	}
	if err := s.client.CreateSession(ctx, caps); err != nil {
		return core.ErrDriverOperation.WithMessage("create UIAutomator2 session").WithCause(err)
	}
	logger.Info("uiautomator2 session opened on %s", deviceID)
	return nil
}

// LaunchApp starts the activity through adb; the server has no launch call.
func (s *Session) LaunchApp(ctx context.Context, pkg, activity string) error {
	if s.launcher == nil {
		return core.ErrDriverOperation.WithMessage("no app launcher configured")
	}
	if _, err := s.launcher.LaunchApp(ctx, s.deviceID, pkg, activity); err != nil {
		return core.ErrDriverOperation.WithMessage(fmt.Sprintf("launch %s", pkg)).WithCause(err)
	}
	return nil
}

// Tap clicks the element found by target.
func (s *Session) Tap(ctx context.Context, target core.Target) error {
	el, err := s.find(ctx, target)
	if err != nil {
		return err
	}
	if err := el.Click(ctx); err != nil {
		return opError("tap", target, err)
	}
	return nil
}

// InputText replaces the text of the element found by target.
func (s *Session) InputText(ctx context.Context, target core.Target, text string) error {
	el, err := s.find(ctx, target)
	if err != nil {
		return err
	}
	if err := el.Clear(ctx); err != nil {
		return opError("clear text", target, err)
	}
	if err := el.SendKeys(ctx, text); err != nil {
		return opError("input text", target, err)
	}
	return nil
}

// ScrollTo scrolls the first scrollable container until target is visible.
// XPath targets cannot drive UiScrollable and are only looked up.
func (s *Session) ScrollTo(ctx context.Context, target core.Target) error {
	if err := s.ready(); err != nil {
		return err
	}
	if target.Strategy == core.StrategyXPath {
		_, err := s.find(ctx, target)
		return err
	}
	selector, err := uiSelector(target)
	if err != nil {
		return err
	}
	if _, err := s.client.ScrollIntoView(ctx, selector); err != nil {
		return opError("scroll to", target, err)
	}
	return nil
}

// Back presses the back button.
func (s *Session) Back(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.client.Back(ctx); err != nil {
		return core.ErrDriverOperation.WithMessage("back").WithCause(err)
	}
	return nil
}

// QueryTexts returns the visible texts from the page source.
func (s *Session) QueryTexts(ctx context.Context) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	src, err := s.client.Source(ctx)
	if err != nil {
		return nil, core.ErrDriverOperation.WithMessage("page source").WithCause(err)
	}
	elements, err := hierarchy.Parse(src)
	if err != nil {
		return nil, err
	}
	return hierarchy.Texts(elements), nil
}

// Close deletes the session and stops a server started by Open.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.client != nil {
		err = s.client.Close()
	}
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.server.Stop(ctx)
		cancel()
		s.server = nil
		s.client = nil
	}
	return err
}

func (s *Session) ready() error {
	if s.client == nil {
		return core.ErrDriverOperation.WithMessage("session not open")
	}
	return nil
}

func (s *Session) find(ctx context.Context, target core.Target) (*uiautomator2.Element, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	strategy, selector, err := findArgs(target)
	if err != nil {
		return nil, err
	}
	el, err := s.client.FindElement(ctx, strategy, selector)
	if err != nil {
		return nil, opError("find", target, err)
	}
	return el, nil
}

// findArgs maps a target onto a server locator strategy.
func findArgs(target core.Target) (string, string, error) {
	switch target.Strategy {
	case core.StrategyID:
		return uiautomator2.StrategyID, target.Value, nil
	case core.StrategyDesc:
		return uiautomator2.StrategyAccessibilityID, target.Value, nil
	case core.StrategyText:
		return uiautomator2.StrategyUIAutomator, textSelector(target.Value), nil
	case core.StrategyUIAutomator:
		return uiautomator2.StrategyUIAutomator, target.Value, nil
	case core.StrategyXPath:
		return uiautomator2.StrategyXPath, target.Value, nil
	}
	return "", "", unsupported(target)
}

// uiSelector renders a target as a UiSelector expression.
func uiSelector(target core.Target) (string, error) {
	v := escapeUiAutomatorString(target.Value)
	switch target.Strategy {
	case core.StrategyID:
		return fmt.Sprintf(`new UiSelector().resourceId("%s")`, v), nil
	case core.StrategyDesc:
		return fmt.Sprintf(`new UiSelector().description("%s")`, v), nil
	case core.StrategyText:
		return textSelector(target.Value), nil
	case core.StrategyUIAutomator:
		return target.Value, nil
	}
	return "", unsupported(target)
}

func textSelector(text string) string {
	return fmt.Sprintf(`new UiSelector().text("%s")`, escapeUiAutomatorString(text))
}

// escapeUiAutomatorString escapes backslashes and double quotes for a
// UiSelector string literal.
func escapeUiAutomatorString(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func unsupported(target core.Target) error {
	return core.ErrUnsupportedStrategy.WithMessage(fmt.Sprintf("uiautomator2 session cannot locate by %s", target.Strategy))
}

func opError(op string, target core.Target, err error) error {
	return core.ErrDriverOperation.
		WithMessage(fmt.Sprintf("%s %s", op, target)).
		WithDetails(map[string]interface{}{"element_missing": uiautomator2.IsNoSuchElement(err)}).
		WithCause(err)
}
