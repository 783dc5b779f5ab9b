// Package mock provides a scripted core.Session for testing without a real
// device, and for dry runs of a plan.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devicelab-dev/plan-runner/pkg/core"
)

// Call records one session operation.
type Call struct {
	Op     string
	Target core.Target
	Text   string
}

func (c Call) String() string {
	switch {
	case c.Target.Strategy != "" && c.Text != "":
		return fmt.Sprintf("%s %s %q", c.Op, c.Target, c.Text)
	case c.Target.Strategy != "":
		return fmt.Sprintf("%s %s", c.Op, c.Target)
	case c.Text != "":
		return fmt.Sprintf("%s %s", c.Op, c.Text)
	}
	return c.Op
}

// Session is a mock implementation of core.Session.
type Session struct {
	// Screens are returned by successive QueryTexts calls; the last one
	// repeats. Empty means no text on screen.
	Screens [][]string
	// StepDelay adds artificial delay per device operation.
	StepDelay time.Duration
	// OpenErr makes Open fail.
	OpenErr error

	mu       sync.Mutex
	calls    []Call
	failures map[string]int
	screen   int
	closed   int
}

var _ core.Session = (*Session)(nil)

// New creates a mock session showing the given screens in turn.
func New(screens ...[]string) *Session {
	return &Session{Screens: screens}
}

// FailNext makes the next n calls matching key fail. key is an operation
// name ("Tap") or an operation with its target ("Tap ID=com.app:id/login").
func (s *Session) FailNext(key string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == nil {
		s.failures = make(map[string]int)
	}
	s.failures[key] += n
}

// Calls returns the recorded operations in order.
func (s *Session) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallLog returns the recorded operations rendered as strings.
func (s *Session) CallLog() []string {
	calls := s.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// CloseCount reports how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Open(ctx context.Context, deviceID, pkg, activity string) error {
	if err := s.record(ctx, Call{Op: "Open", Text: deviceID}); err != nil {
		return err
	}
	return s.OpenErr
}

func (s *Session) LaunchApp(ctx context.Context, pkg, activity string) error {
	text := pkg
	if activity != "" {
		text += "/" + activity
	}
	return s.record(ctx, Call{Op: "LaunchApp", Text: text})
}

func (s *Session) Tap(ctx context.Context, target core.Target) error {
	return s.record(ctx, Call{Op: "Tap", Target: target})
}

func (s *Session) InputText(ctx context.Context, target core.Target, text string) error {
	return s.record(ctx, Call{Op: "InputText", Target: target, Text: text})
}

func (s *Session) ScrollTo(ctx context.Context, target core.Target) error {
	return s.record(ctx, Call{Op: "ScrollTo", Target: target})
}

func (s *Session) Back(ctx context.Context) error {
	return s.record(ctx, Call{Op: "Back"})
}

// QueryTexts returns the current screen and advances to the next one.
func (s *Session) QueryTexts(ctx context.Context) ([]string, error) {
	if err := s.record(ctx, Call{Op: "QueryTexts"}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Screens) == 0 {
		return nil, nil
	}
	texts := s.Screens[s.screen]
	if s.screen < len(s.Screens)-1 {
		s.screen++
	}
	return append([]string(nil), texts...), nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	s.calls = append(s.calls, Call{Op: "Close"})
	return nil
}

func (s *Session) record(ctx context.Context, call Call) error {
	if s.StepDelay > 0 {
		select {
		case <-time.After(s.StepDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)

	for _, key := range []string{call.Op + " " + call.Target.String(), call.Op} {
		if s.failures[key] > 0 {
			s.failures[key]--
			return core.ErrDriverOperation.WithMessage(fmt.Sprintf("mock failure: %s", call))
		}
	}
	return nil
}
