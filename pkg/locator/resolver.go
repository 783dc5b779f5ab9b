// Package locator turns a step's free-form target hint into a Locator: a
// primary strategy/value pair plus ranked alternatives that a session can
// fall back to at dispatch time.
package locator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/beevik/etree"

	"github.com/devicelab-dev/plan-runner/pkg/core"
	"github.com/devicelab-dev/plan-runner/pkg/hierarchy"
	"github.com/devicelab-dev/plan-runner/pkg/logger"
	"github.com/devicelab-dev/plan-runner/pkg/plan"
)

// Meta keys read from a step.
const (
	MetaID          = "id"
	MetaDesc        = "desc"
	MetaClass       = "class"
	MetaUIAutomator = "uiautomator"
	MetaRegion      = "region"
)

// RoleWords are trailing hint words that name a widget role rather than its
// text ("Login button", "Settings icon").
var RoleWords = []string{"button", "icon", "image", "tab", "link", "menu", "checkbox", "switch", "toggle"}

var snakeToken = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)+$`)

// Request is one resolution query.
type Request struct {
	Hint     string
	StepType plan.StepType
	Meta     map[string]string
	DeviceID string
}

// RequestFor builds the request for a plan step.
func RequestFor(step plan.Step, deviceID string) Request {
	return Request{Hint: step.TargetHint, StepType: step.Type, Meta: step.Meta, DeviceID: deviceID}
}

func (r Request) meta(key string) string {
	if r.Meta == nil {
		return ""
	}
	return strings.TrimSpace(r.Meta[key])
}

// Resolver builds locators. It keeps no state between calls; the dump source
// is only used for INPUT_TEXT label association.
type Resolver struct {
	dumps core.DumpSource
}

// New creates a resolver. dumps may be nil, in which case INPUT_TEXT label
// association always fails.
func New(dumps core.DumpSource) *Resolver {
	return &Resolver{dumps: dumps}
}

// Resolve returns the locator for req. Steps that need no target return
// nil, nil. Errors match core.ErrUnresolvedTarget.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*core.Locator, error) {
	loc, _, err := r.ResolveElement(ctx, req)
	return loc, err
}

// ResolveElement is Resolve, also returning the element found by label
// association (nil on every other path).
func (r *Resolver) ResolveElement(ctx context.Context, req Request) (*core.Locator, *hierarchy.Element, error) {
	if !req.StepType.NeedsTarget() {
		return nil, nil, nil
	}

	hint := strings.TrimSpace(req.Hint)
	if req.StepType == plan.StepInputText && !namesField(req, hint) {
		loc, elem, err := r.resolveInput(ctx, req, hint)
		if err == nil || req.meta(MetaClass) == "" {
			return loc, elem, err
		}
		// No labelled field; the class clue still identifies one directly.
		logger.Debug("label %q unresolved, using direct clues: %v", hint, err)
	}

	candidates := Candidates(hint, req.Meta)
	if len(candidates) == 0 {
		return nil, nil, core.ErrUnresolvedTarget.WithMessage(fmt.Sprintf("no locator candidates for %q", req.Hint))
	}
	return build(candidates), nil, nil
}

// namesField reports whether an INPUT_TEXT request identifies its field
// directly (id, description or selector) instead of through a label.
func namesField(req Request, hint string) bool {
	return IsIDToken(hint) || req.meta(MetaID) != "" || req.meta(MetaDesc) != "" || req.meta(MetaUIAutomator) != ""
}

// resolveInput finds the text field associated with a visible label.
func (r *Resolver) resolveInput(ctx context.Context, req Request, label string) (*core.Locator, *hierarchy.Element, error) {
	unresolved := core.ErrUnresolvedTarget.WithMessage(fmt.Sprintf("no input field for label %q", label))
	if r.dumps == nil {
		return nil, nil, unresolved.WithCause(fmt.Errorf("no dump source"))
	}

	raw, err := r.dumps.FetchRawDump(ctx, req.DeviceID)
	if err != nil {
		return nil, nil, unresolved.WithCause(err)
	}
	elem, err := hierarchy.FindAssociatedInput(raw, label)
	if err != nil {
		return nil, nil, unresolved.WithCause(err)
	}
	if elem == nil {
		return nil, nil, unresolved
	}

	var candidates []core.Target
	if elem.ResourceID != "" {
		candidates = append(candidates, core.Target{Strategy: core.StrategyID, Value: elem.ResourceID})
	}
	if elem.Bounds != "" {
		candidates = append(candidates, core.Target{Strategy: core.StrategyXPath, Value: attrPath("bounds", elem.Bounds)})
	}
	if len(candidates) == 0 {
		return nil, nil, unresolved.WithMessage(fmt.Sprintf("input field for label %q has neither id nor bounds", label))
	}

	elem.EffectiveTarget = string(candidates[0].Strategy)
	loc := build(candidates)
	logger.Debug("label %q -> %s", label, loc)
	return loc, elem, nil
}

// Candidates lists every target the hint and meta support, in precedence
// order. Duplicates are removed.
func Candidates(hint string, meta map[string]string) []core.Target {
	hint = strings.TrimSpace(hint)
	get := func(k string) string {
		if meta == nil {
			return ""
		}
		return strings.TrimSpace(meta[k])
	}

	var out []core.Target
	add := func(s core.Strategy, v string) {
		if v == "" {
			return
		}
		for _, t := range out {
			if t.Strategy == s && t.Value == v {
				return
			}
		}
		out = append(out, core.Target{Strategy: s, Value: v})
	}

	idToken := IsIDToken(hint)
	stripped, role := SplitRole(hint)

	// ID
	add(core.StrategyID, get(MetaID))
	if idToken {
		add(core.StrategyID, hint)
	}

	// DESC
	add(core.StrategyDesc, get(MetaDesc))
	if role != "" {
		add(core.StrategyDesc, hint)
	}

	// TEXT
	if !idToken {
		add(core.StrategyText, hint)
		if role != "" {
			add(core.StrategyText, stripped)
		}
	}

	// UIAUTOMATOR
	add(core.StrategyUIAutomator, get(MetaUIAutomator))

	// XPATH
	if xp := synthesizeXPath(hint, idToken, meta); xp != "" {
		add(core.StrategyXPath, xp)
	}

	// OCR
	add(core.StrategyOCR, get(MetaRegion))

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Strategy.Rank() < out[j].Strategy.Rank()
	})
	return out
}

func build(candidates []core.Target) *core.Locator {
	loc := &core.Locator{Strategy: candidates[0].Strategy, Value: candidates[0].Value}
	if len(candidates) > 1 {
		loc.Alternatives = append([]core.Target(nil), candidates[1:]...)
	}
	return loc
}

// IsIDToken reports whether hint looks like a resource id: "pkg:id/name" or
// a snake_case token without spaces.
func IsIDToken(hint string) bool {
	if strings.Contains(hint, ":id/") && !strings.ContainsAny(hint, " \t") {
		return true
	}
	return snakeToken.MatchString(hint)
}

// SplitRole splits a trailing role word off hint. role is "" when the last
// word is not a role word or the hint is a single word.
func SplitRole(hint string) (stripped, role string) {
	fields := strings.Fields(hint)
	if len(fields) < 2 {
		return hint, ""
	}
	last := strings.ToLower(fields[len(fields)-1])
	for _, w := range RoleWords {
		if last == w {
			return strings.Join(fields[:len(fields)-1], " "), w
		}
	}
	return hint, ""
}

// synthesizeXPath combines class, text and resource id clues into one path.
// Paths etree cannot compile are dropped.
func synthesizeXPath(hint string, idToken bool, meta map[string]string) string {
	var preds []string
	addPred := func(attr, value string) bool {
		if value == "" {
			return true
		}
		p := attrPredicate(attr, value)
		if p == "" {
			return false
		}
		preds = append(preds, p)
		return true
	}

	var class, id string
	if meta != nil {
		class = strings.TrimSpace(meta[MetaClass])
		id = strings.TrimSpace(meta[MetaID])
	}
	if id == "" && idToken {
		id = hint
	}
	text := ""
	if !idToken {
		text = hint
	}

	if !addPred("class", class) || !addPred("text", text) || !addPred("resource-id", id) {
		return ""
	}
	if len(preds) == 0 {
		return ""
	}

	path := "//*" + strings.Join(preds, "")
	if _, err := etree.CompilePath(path); err != nil {
		return ""
	}
	return path
}

// attrPredicate renders [@attr='value'], switching to double quotes when the
// value holds a single quote. Values holding both quote kinds cannot be
// expressed and yield "".
func attrPredicate(attr, value string) string {
	switch {
	case !strings.Contains(value, "'"):
		return fmt.Sprintf("[@%s='%s']", attr, value)
	case !strings.Contains(value, `"`):
		return fmt.Sprintf(`[@%s="%s"]`, attr, value)
	}
	return ""
}

func attrPath(attr, value string) string {
	return "//*" + attrPredicate(attr, value)
}
