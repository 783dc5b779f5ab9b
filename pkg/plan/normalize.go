package plan

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/devicelab-dev/plan-runner/pkg/core"
)

// Normalize returns a copy of p with 1-based contiguous indices. When every
// step carries a distinct positive index the steps are first ordered by it;
// otherwise list order is kept. WAIT_TEXT and ASSERT_TEXT steps without a
// value expect their target hint.
func Normalize(p *ActionPlan) *ActionPlan {
	out := &ActionPlan{Title: p.Title, Steps: make([]Step, len(p.Steps))}
	for i, s := range p.Steps {
		out.Steps[i] = s.clone()
	}

	if hasDistinctIndices(out.Steps) {
		sort.SliceStable(out.Steps, func(i, j int) bool {
			return out.Steps[i].Index < out.Steps[j].Index
		})
	}

	for i := range out.Steps {
		s := &out.Steps[i]
		s.Index = i + 1
		if s.Type.IsCheck() && s.Value == "" {
			s.Value = s.TargetHint
		}
	}
	return out
}

func hasDistinctIndices(steps []Step) bool {
	seen := make(map[int]bool, len(steps))
	for _, s := range steps {
		if s.Index <= 0 || seen[s.Index] {
			return false
		}
		seen[s.Index] = true
	}
	return true
}

// ValidationError collects every problem found in a plan.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%d problem(s): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Validate checks a normalized plan. All violations are reported together in
// an error matching core.ErrInvalidPlan.
func Validate(p *ActionPlan) error {
	var problems []string
	if len(p.Steps) == 0 {
		problems = append(problems, "plan has no steps")
	}

	for i, s := range p.Steps {
		pos := s.Index
		if pos <= 0 {
			pos = i + 1
		}
		if !s.Type.IsKnown() {
			problems = append(problems, fmt.Sprintf("step %d: unknown type %q", pos, s.Type))
			continue
		}
		if s.Type.NeedsTarget() && strings.TrimSpace(s.TargetHint) == "" {
			problems = append(problems, fmt.Sprintf("step %d: %s requires a target hint", pos, s.Type))
		}
		if s.Type.NeedsValue() && s.Value == "" {
			problems = append(problems, fmt.Sprintf("step %d: %s requires a value", pos, s.Type))
		}
		if s.Type == StepSleep && s.Value != "" {
			if _, err := ParseDuration(s.Value); err != nil {
				problems = append(problems, fmt.Sprintf("step %d: %v", pos, err))
			}
		}
		if t := s.MetaValue("timeout"); t != "" {
			if _, err := ParseDuration(t); err != nil {
				problems = append(problems, fmt.Sprintf("step %d: meta timeout: %v", pos, err))
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return core.ErrInvalidPlan.WithCause(&ValidationError{Problems: problems})
}

// ParseDuration accepts Go durations ("500ms", "2s") and bare integer
// milliseconds ("1500").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.Atoi(s); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
