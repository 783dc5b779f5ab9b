package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/devicelab-dev/plan-runner/pkg/core"
	"github.com/devicelab-dev/plan-runner/pkg/locator"
	"github.com/devicelab-dev/plan-runner/pkg/plan"
)

// stepExecution drives one step through
// Pending → Resolving → Dispatching → Verifying → Completed | Failed.
type stepExecution struct {
	runner *Runner
	step   plan.Step
	result StepResult
	logs   []string
}

func newStepExecution(r *Runner, step plan.Step) *stepExecution {
	return &stepExecution{
		runner: r,
		step:   step,
		result: StepResult{
			Index:       step.Index,
			Type:        step.Type,
			Description: step.Describe(),
			State:       core.StepPending,
		},
	}
}

func (e *stepExecution) logf(format string, args ...interface{}) {
	e.logs = append(e.logs, fmt.Sprintf(format, args...))
}

// run executes the step. ctx carries caller cancellation and bounds waits
// and sleeps; devCtx is detached from it and bounds device calls.
func (e *stepExecution) run(ctx, devCtx context.Context) {
	start := time.Now()
	e.result.StartedAt = start
	defer func() { e.result.Duration = time.Since(start) }()

	var loc *core.Locator
	if e.step.Type.NeedsTarget() {
		e.result.State = core.StepResolving
		var err error
		loc, err = e.resolve(devCtx)
		if err != nil {
			e.fail(err)
			return
		}
		e.result.Locator = loc
	}

	e.result.State = core.StepDispatching
	var err error
	switch e.step.Type {
	case plan.StepSleep:
		err = e.sleep(ctx)
	case plan.StepWaitText:
		e.result.State = core.StepVerifying
		err = e.waitText(ctx, devCtx)
	case plan.StepAssertText:
		e.result.State = core.StepVerifying
		err = e.assertText(devCtx)
	default:
		err = e.dispatchWithRetry(devCtx, loc)
	}
	if err != nil {
		e.fail(err)
		return
	}
	e.result.State = core.StepCompleted
}

func (e *stepExecution) resolve(devCtx context.Context) (*core.Locator, error) {
	if e.runner.resolver == nil {
		return nil, core.ErrUnresolvedTarget.WithMessage("no resolver configured")
	}
	ctx, cancel := context.WithTimeout(devCtx, e.runner.config.StepTimeout)
	defer cancel()

	loc, err := e.runner.resolver.Resolve(ctx, locator.RequestFor(e.step, e.runner.config.DeviceID))
	if err != nil {
		return nil, err
	}
	if loc == nil {
		return nil, core.ErrUnresolvedTarget.WithMessage(fmt.Sprintf("no locator for %q", e.step.TargetHint))
	}
	return loc, nil
}

// fail marks the step Failed and applies the failure policy: check steps are
// tolerated, action steps only with ContinueOnFailure. Cancellation is never
// tolerated.
func (e *stepExecution) fail(err error) {
	e.result.State = core.StepFailed
	e.result.Err = err
	cancelled := errors.Is(err, core.ErrCancelled)
	e.result.Tolerated = !cancelled && (e.step.Type.IsCheck() || e.runner.config.ContinueOnFailure)

	switch {
	case cancelled:
		e.logf("step %d cancelled: %s", e.step.Index, e.result.Description)
	case e.result.Tolerated:
		e.logf("step %d failed (continuing): %s: %v", e.step.Index, e.result.Description, err)
	default:
		e.logf("step %d failed: %s: %v", e.step.Index, e.result.Description, err)
	}
}

// dispatchWithRetry performs a device action, retrying a device failure once. A
// locator step retries with its first alternative, or the primary again when
// it has none.
func (e *stepExecution) dispatchWithRetry(devCtx context.Context, loc *core.Locator) error {
	var target core.Target
	if loc != nil {
		target = loc.Primary()
	}

	err := e.attempt(devCtx, target)
	if err == nil {
		return nil
	}
	// Missing configuration fails the same way every time.
	if core.IsCategory(err, core.ErrCategoryConfig) {
		return err
	}

	if loc != nil {
		if next, ok := loc.Next(0); ok {
			target = next
		}
		e.logf("step %d: retrying with %s", e.step.Index, target)
	} else {
		e.logf("step %d: retrying", e.step.Index)
	}

	if err := e.attempt(devCtx, target); err != nil {
		var ee *core.ExecutionError
		if errors.As(err, &ee) {
			return err
		}
		return core.ErrDriverOperation.WithMessage(fmt.Sprintf("%s failed after retry", e.result.Description)).WithCause(err)
	}
	return nil
}

func (e *stepExecution) attempt(devCtx context.Context, target core.Target) error {
	e.result.Attempts++
	ctx, cancel := context.WithTimeout(devCtx, e.runner.config.StepTimeout)
	defer cancel()

	session := e.runner.session
	switch e.step.Type {
	case plan.StepLaunchApp:
		pkg, activity := e.app()
		if pkg == "" {
			return core.ErrInvalidConfig.WithMessage("launch app: no package in step or config")
		}
		return session.LaunchApp(ctx, pkg, activity)
	case plan.StepTap:
		return session.Tap(ctx, target)
	case plan.StepInputText:
		return session.InputText(ctx, target, e.step.Value)
	case plan.StepScrollTo:
		return session.ScrollTo(ctx, target)
	case plan.StepBack:
		return session.Back(ctx)
	}
	return core.ErrInvalidPlan.WithMessage(fmt.Sprintf("unsupported step type %s", e.step.Type))
}

func (e *stepExecution) app() (pkg, activity string) {
	cfg := e.runner.config
	pkg = firstNonEmpty(e.step.Value, e.step.MetaValue("package"), cfg.Package)
	activity = e.step.MetaValue("activity")
	if activity == "" && pkg == cfg.Package {
		activity = cfg.Activity
	}
	return pkg, activity
}

// assertText checks the screen once.
func (e *stepExecution) assertText(devCtx context.Context) error {
	e.result.Attempts++
	texts, err := e.queryTexts(devCtx)
	if err != nil {
		return err
	}
	if !containsText(texts, e.step.Value) {
		return core.ErrTextNotFound.WithMessage(fmt.Sprintf("text %q not on screen", e.step.Value))
	}
	return nil
}

// waitText polls the screen until the text shows up or the wait budget runs
// out. Polling stops early when ctx is cancelled.
func (e *stepExecution) waitText(ctx, devCtx context.Context) error {
	timeout := e.runner.config.WaitTimeout
	if raw := e.step.MetaValue("timeout"); raw != "" {
		if d, err := plan.ParseDuration(raw); err == nil {
			timeout = d
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(e.runner.config.PollInterval), 1)

	var lastErr error
	for {
		if err := limiter.Wait(waitCtx); err != nil {
			if ctx.Err() != nil {
				return core.ErrCancelled.WithCause(ctx.Err())
			}
			timeoutErr := core.ErrWaitTimeout.WithMessage(fmt.Sprintf("text %q not seen within %s", e.step.Value, timeout))
			if lastErr != nil {
				return timeoutErr.WithCause(lastErr)
			}
			return timeoutErr
		}

		e.result.Attempts++
		texts, err := e.queryTexts(devCtx)
		if err == nil && containsText(texts, e.step.Value) {
			return nil
		}
		lastErr = err
	}
}

func (e *stepExecution) queryTexts(devCtx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(devCtx, e.runner.config.StepTimeout)
	defer cancel()
	return e.runner.session.QueryTexts(ctx)
}

// sleep waits without touching the device.
func (e *stepExecution) sleep(ctx context.Context) error {
	d, err := plan.ParseDuration(e.step.Value)
	if err != nil {
		return core.ErrInvalidPlan.WithCause(err)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return core.ErrCancelled.WithCause(ctx.Err())
	}
}

// containsText reports whether any observed text contains want.
func containsText(texts []string, want string) bool {
	for _, t := range texts {
		if strings.Contains(t, want) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
