// Package adb implements core.Session with plain adb shell input events.
// Every lookup reads a fresh accessibility dump, so it needs no on-device
// server but is slower than the UIAutomator2 session.
package adb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/beevik/etree"

	"github.com/devicelab-dev/plan-runner/pkg/core"
	"github.com/devicelab-dev/plan-runner/pkg/hierarchy"
	"github.com/devicelab-dev/plan-runner/pkg/logger"
)

const (
	keyCodeBack       = 4
	defaultMaxScrolls = 10
	swipeDurationMs   = 300
)

// Device is the adb surface the session uses. Implemented by device.ADB.
type Device interface {
	core.DumpSource
	Shell(ctx context.Context, deviceID, cmd string) (string, error)
	LaunchApp(ctx context.Context, deviceID, pkg, activity string) (string, error)
}

// Session drives a device with `input` shell commands.
type Session struct {
	dev        Device
	deviceID   string
	maxScrolls int
}

var _ core.Session = (*Session)(nil)

// New creates an adb session over dev.
func New(dev Device) *Session {
	return &Session{dev: dev, maxScrolls: defaultMaxScrolls}
}

// SetMaxScrolls limits the swipes ScrollTo performs before giving up.
func (s *Session) SetMaxScrolls(n int) {
	if n > 0 {
		s.maxScrolls = n
	}
}

// Open binds the session to a device. The app is started by LaunchApp.
func (s *Session) Open(ctx context.Context, deviceID, pkg, activity string) error {
	s.deviceID = deviceID
	logger.Info("adb session opened on %s for %s", deviceID, pkg)
	return nil
}

func (s *Session) LaunchApp(ctx context.Context, pkg, activity string) error {
	if _, err := s.dev.LaunchApp(ctx, s.deviceID, pkg, activity); err != nil {
		return core.ErrDriverOperation.WithMessage(fmt.Sprintf("launch %s", pkg)).WithCause(err)
	}
	return nil
}

// Tap taps the center of the element's bounds.
func (s *Session) Tap(ctx context.Context, target core.Target) error {
	el, _, err := s.find(ctx, target)
	if err != nil {
		return err
	}
	return s.tapElement(ctx, el)
}

// InputText focuses the element with a tap and types text.
func (s *Session) InputText(ctx context.Context, target core.Target, text string) error {
	el, _, err := s.find(ctx, target)
	if err != nil {
		return err
	}
	if err := s.tapElement(ctx, el); err != nil {
		return err
	}
	return s.shell(ctx, "input text "+escapeInputText(text))
}

// ScrollTo swipes up until the target is in the dump.
func (s *Session) ScrollTo(ctx context.Context, target core.Target) error {
	for i := 0; ; i++ {
		_, doc, err := s.find(ctx, target)
		if err == nil {
			return nil
		}
		if doc == nil || !isMissing(err) || i >= s.maxScrolls {
			return err
		}

		screen := hierarchy.ParseBounds(rootBounds(doc))
		if screen.IsEmpty() {
			return core.ErrDriverOperation.WithMessage("scroll: screen bounds unknown").WithCause(err)
		}
		x := screen.X + screen.Width/2
		from := screen.Y + screen.Height*3/4
		to := screen.Y + screen.Height/4
		if err := s.shell(ctx, fmt.Sprintf("input swipe %d %d %d %d %d", x, from, x, to, swipeDurationMs)); err != nil {
			return err
		}
	}
}

func (s *Session) Back(ctx context.Context) error {
	return s.shell(ctx, fmt.Sprintf("input keyevent %d", keyCodeBack))
}

// QueryTexts returns the texts of a fresh dump.
func (s *Session) QueryTexts(ctx context.Context) ([]string, error) {
	raw, err := s.dev.FetchRawDump(ctx, s.deviceID)
	if err != nil {
		return nil, err
	}
	elements, err := hierarchy.Parse(raw)
	if err != nil {
		return nil, err
	}
	return hierarchy.Texts(elements), nil
}

// Close is a no-op; adb holds no per-session state on the device.
func (s *Session) Close() error {
	return nil
}

func (s *Session) tapElement(ctx context.Context, el *etree.Element) error {
	b := hierarchy.ParseBounds(el.SelectAttrValue("bounds", ""))
	if b.IsEmpty() {
		return core.ErrDriverOperation.WithMessage("element has no bounds")
	}
	x, y := b.Center()
	return s.shell(ctx, fmt.Sprintf("input tap %d %d", x, y))
}

func (s *Session) shell(ctx context.Context, cmd string) error {
	out, err := s.dev.Shell(ctx, s.deviceID, cmd)
	if err != nil {
		return core.ErrDriverOperation.WithMessage(cmd).WithCause(err)
	}
	if strings.Contains(out, "Error") || strings.Contains(out, "Exception") {
		return core.ErrDriverOperation.WithMessage(fmt.Sprintf("%s: %s", cmd, strings.TrimSpace(out)))
	}
	return nil
}

// find returns the first element of a fresh dump matching target, along
// with the parsed dump.
func (s *Session) find(ctx context.Context, target core.Target) (*etree.Element, *etree.Document, error) {
	match, err := matcherFor(target)
	if err != nil {
		return nil, nil, err
	}

	raw, err := s.dev.FetchRawDump(ctx, s.deviceID)
	if err != nil {
		return nil, nil, err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromString(hierarchy.Truncate(raw)); err != nil {
		return nil, nil, core.ErrParse.WithCause(err)
	}

	if el := match(doc); el != nil {
		return el, doc, nil
	}
	return nil, doc, core.ErrDriverOperation.
		WithMessage(fmt.Sprintf("element not found: %s", target)).
		WithDetails(map[string]interface{}{"element_missing": true})
}

func isMissing(err error) bool {
	var ee *core.ExecutionError
	return errors.As(err, &ee) && ee.Details["element_missing"] == true
}

func rootBounds(doc *etree.Document) string {
	root := doc.Root()
	if root == nil {
		return ""
	}
	for _, child := range root.ChildElements() {
		if b := child.SelectAttrValue("bounds", ""); b != "" {
			return b
		}
	}
	return ""
}

// escapeInputText encodes spaces the way `input text` expects and quotes
// the result for the device shell.
func escapeInputText(text string) string {
	text = strings.ReplaceAll(text, " ", "%s")
	return "'" + strings.ReplaceAll(text, "'", `'\''`) + "'"
}

type matcher func(doc *etree.Document) *etree.Element

type attrPredicate struct {
	key, value string
}

func matcherFor(target core.Target) (matcher, error) {
	switch target.Strategy {
	case core.StrategyID:
		return attrMatcher(attrPredicate{"resource-id", target.Value}), nil
	case core.StrategyDesc:
		return attrMatcher(attrPredicate{"content-desc", target.Value}), nil
	case core.StrategyText:
		return attrMatcher(attrPredicate{"text", target.Value}), nil
	case core.StrategyUIAutomator:
		preds, err := parseUiSelector(target.Value)
		if err != nil {
			return nil, err
		}
		return attrMatcher(preds...), nil
	case core.StrategyXPath:
		if preds, ok := parseAttrPath(target.Value); ok {
			return attrMatcher(preds...), nil
		}
		path, err := etree.CompilePath(target.Value)
		if err != nil {
			return nil, core.ErrUnsupportedStrategy.WithMessage(fmt.Sprintf("xpath %q", target.Value)).WithCause(err)
		}
		return func(doc *etree.Document) *etree.Element {
			return doc.FindElementPath(path)
		}, nil
	}
	return nil, core.ErrUnsupportedStrategy.WithMessage(fmt.Sprintf("adb session cannot locate by %s", target.Strategy))
}

// attrMatcher finds the first element, in document order, whose attributes
// equal every predicate.
func attrMatcher(preds ...attrPredicate) matcher {
	return func(doc *etree.Document) *etree.Element {
		for _, el := range doc.FindElements("//*") {
			ok := true
			for _, p := range preds {
				if el.SelectAttrValue(p.key, "\x00") != p.value {
					ok = false
					break
				}
			}
			if ok {
				return el
			}
		}
		return nil
	}
}

// Paths of the form //*[@a='v'][@b="w"] (or //node[...]) are matched
// directly; etree splits predicates on '[' and cannot read bounds values.
var (
	attrPathRe = regexp.MustCompile(`^//(?:\*|node)((?:\[@[\w-]+=(?:'[^']*'|"[^"]*")\])+)$`)
	attrPredRe = regexp.MustCompile(`\[@([\w-]+)=(?:'([^']*)'|"([^"]*)")\]`)
)

func parseAttrPath(path string) ([]attrPredicate, bool) {
	m := attrPathRe.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	var preds []attrPredicate
	for _, p := range attrPredRe.FindAllStringSubmatch(m[1], -1) {
		preds = append(preds, attrPredicate{key: p[1], value: p[2] + p[3]})
	}
	return preds, true
}

var (
	uiSelectorRe     = regexp.MustCompile(`^new UiSelector\(\)((?:\.\w+\("(?:[^"\\]|\\.)*"\))+)$`)
	uiSelectorCallRe = regexp.MustCompile(`\.(\w+)\("((?:[^"\\]|\\.)*)"\)`)
	uiSelectorAttrs  = map[string]string{
		"resourceId":  "resource-id",
		"text":        "text",
		"description": "content-desc",
		"className":   "class",
	}
)

// parseUiSelector accepts chained string matchers such as
// new UiSelector().resourceId("x").text("y").
func parseUiSelector(expr string) ([]attrPredicate, error) {
	m := uiSelectorRe.FindStringSubmatch(strings.TrimSpace(expr))
	if m == nil {
		return nil, core.ErrUnsupportedStrategy.WithMessage(fmt.Sprintf("unsupported UiSelector %q", expr))
	}
	var preds []attrPredicate
	for _, call := range uiSelectorCallRe.FindAllStringSubmatch(m[1], -1) {
		attr, ok := uiSelectorAttrs[call[1]]
		if !ok {
			return nil, core.ErrUnsupportedStrategy.WithMessage(fmt.Sprintf("unsupported UiSelector method %s", call[1]))
		}
		value := strings.NewReplacer(`\"`, `"`, `\\`, `\`).Replace(call[2])
		preds = append(preds, attrPredicate{key: attr, value: value})
	}
	return preds, nil
}
