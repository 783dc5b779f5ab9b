package core

import "fmt"

// Strategy names how a locator finds an element.
type Strategy string

// Strategies in precedence order, most preferred first.
const (
	StrategyID          Strategy = "ID"
	StrategyDesc        Strategy = "DESC"
	StrategyText        Strategy = "TEXT"
	StrategyUIAutomator Strategy = "UIAUTOMATOR"
	StrategyXPath       Strategy = "XPATH"
	StrategyOCR         Strategy = "OCR"
)

// Strategies lists every strategy in precedence order.
var Strategies = []Strategy{
	StrategyID,
	StrategyDesc,
	StrategyText,
	StrategyUIAutomator,
	StrategyXPath,
	StrategyOCR,
}

// Rank returns the precedence of s (0 is most preferred). Unknown strategies
// rank last.
func (s Strategy) Rank() int {
	for i, known := range Strategies {
		if known == s {
			return i
		}
	}
	return len(Strategies)
}

// Target is a single strategy/value pair.
type Target struct {
	Strategy Strategy `json:"strategy"`
	Value    string   `json:"value"`
}

// String renders the target as STRATEGY=value.
func (t Target) String() string {
	return fmt.Sprintf("%s=%s", t.Strategy, t.Value)
}

// Locator is a recipe for finding an element at dispatch time, not a live
// handle. Alternatives hold the other candidates in precedence order.
type Locator struct {
	Strategy     Strategy `json:"strategy"`
	Value        string   `json:"value"`
	Alternatives []Target `json:"alternatives,omitempty"`
}

// Primary returns the preferred target.
func (l *Locator) Primary() Target {
	return Target{Strategy: l.Strategy, Value: l.Value}
}

// Next returns the i-th alternative (0-based) and whether it exists.
func (l *Locator) Next(i int) (Target, bool) {
	if l == nil || i < 0 || i >= len(l.Alternatives) {
		return Target{}, false
	}
	return l.Alternatives[i], true
}

// Candidates returns the primary followed by every alternative.
func (l *Locator) Candidates() []Target {
	out := make([]Target, 0, len(l.Alternatives)+1)
	out = append(out, l.Primary())
	return append(out, l.Alternatives...)
}

// String renders the primary target.
func (l *Locator) String() string {
	if l == nil {
		return ""
	}
	return l.Primary().String()
}
