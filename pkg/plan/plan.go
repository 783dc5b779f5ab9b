// Package plan defines action plans: ordered UI operations loaded from YAML or
// JSON files and normalized before a run.
package plan

import (
	"fmt"
	"strings"
)

// StepType represents the type of step.
type StepType string

// Step type constants.
const (
	StepLaunchApp  StepType = "LAUNCH_APP"
	StepTap        StepType = "TAP"
	StepInputText  StepType = "INPUT_TEXT"
	StepScrollTo   StepType = "SCROLL_TO"
	StepWaitText   StepType = "WAIT_TEXT"
	StepAssertText StepType = "ASSERT_TEXT"
	StepBack       StepType = "BACK"
	StepSleep      StepType = "SLEEP"
)

// StepTypes lists every known step type.
var StepTypes = []StepType{
	StepLaunchApp,
	StepTap,
	StepInputText,
	StepScrollTo,
	StepWaitText,
	StepAssertText,
	StepBack,
	StepSleep,
}

var stepAliases = map[string]StepType{
	"launchApp":  StepLaunchApp,
	"tap":        StepTap,
	"tapOn":      StepTap,
	"inputText":  StepInputText,
	"scrollTo":   StepScrollTo,
	"waitText":   StepWaitText,
	"assertText": StepAssertText,
	"back":       StepBack,
	"sleep":      StepSleep,
}

// ParseStepType accepts canonical names (TAP) and plan-file aliases (tap).
func ParseStepType(s string) (StepType, error) {
	s = strings.TrimSpace(s)
	for _, t := range StepTypes {
		if string(t) == s {
			return t, nil
		}
	}
	if t, ok := stepAliases[s]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown step type %q", s)
}

// UnmarshalText lets YAML and JSON decoders accept aliases. Unknown names are
// kept verbatim so Validate can report them with the step index.
func (t *StepType) UnmarshalText(b []byte) error {
	parsed, err := ParseStepType(string(b))
	if err != nil {
		*t = StepType(strings.TrimSpace(string(b)))
		return nil
	}
	*t = parsed
	return nil
}

// IsKnown reports whether t is one of StepTypes.
func (t StepType) IsKnown() bool {
	for _, known := range StepTypes {
		if known == t {
			return true
		}
	}
	return false
}

// NeedsTarget reports whether steps of this type act on a UI element or text.
func (t StepType) NeedsTarget() bool {
	switch t {
	case StepTap, StepInputText, StepScrollTo, StepWaitText, StepAssertText:
		return true
	}
	return false
}

// NeedsValue reports whether steps of this type require a value.
func (t StepType) NeedsValue() bool {
	switch t {
	case StepInputText, StepWaitText, StepAssertText, StepSleep:
		return true
	}
	return false
}

// IsCheck reports whether the step only observes the screen.
func (t StepType) IsCheck() bool {
	return t == StepWaitText || t == StepAssertText
}

// ActionPlan is an ordered list of steps. Treat loaded plans as read-only;
// Normalize returns a copy.
type ActionPlan struct {
	Title string `yaml:"title" json:"title"`
	Steps []Step `yaml:"steps" json:"steps"`
}

// Step is one UI operation.
type Step struct {
	Index      int               `yaml:"index" json:"index"`
	Type       StepType          `yaml:"type" json:"type"`
	TargetHint string            `yaml:"targetHint" json:"targetHint"`
	Value      string            `yaml:"value" json:"value"`
	Meta       map[string]string `yaml:"meta" json:"meta,omitempty"`
}

// MetaValue returns Meta[key] or "".
func (s Step) MetaValue(key string) string {
	if s.Meta == nil {
		return ""
	}
	return s.Meta[key]
}

// Describe returns a short human-readable description.
func (s Step) Describe() string {
	switch s.Type {
	case StepLaunchApp:
		if app := firstNonEmpty(s.Value, s.MetaValue("package")); app != "" {
			return fmt.Sprintf("launch app %s", app)
		}
		return "launch app"
	case StepTap:
		return fmt.Sprintf("tap %q", s.TargetHint)
	case StepInputText:
		return fmt.Sprintf("input %q into %q", s.Value, s.TargetHint)
	case StepScrollTo:
		return fmt.Sprintf("scroll to %q", s.TargetHint)
	case StepWaitText:
		return fmt.Sprintf("wait for text %q", s.Value)
	case StepAssertText:
		return fmt.Sprintf("assert text %q", s.Value)
	case StepBack:
		return "back"
	case StepSleep:
		return fmt.Sprintf("sleep %s", s.Value)
	}
	return strings.ToLower(string(s.Type))
}

func (s Step) clone() Step {
	c := s
	if s.Meta != nil {
		c.Meta = make(map[string]string, len(s.Meta))
		for k, v := range s.Meta {
			c.Meta[k] = v
		}
	}
	return c
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
