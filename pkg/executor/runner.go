// Package executor runs action plans against an automation session, one step
// at a time, reporting progress through observer callbacks.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devicelab-dev/plan-runner/pkg/core"
	"github.com/devicelab-dev/plan-runner/pkg/jsengine"
	"github.com/devicelab-dev/plan-runner/pkg/locator"
	"github.com/devicelab-dev/plan-runner/pkg/logger"
	"github.com/devicelab-dev/plan-runner/pkg/plan"
	"github.com/devicelab-dev/plan-runner/pkg/snapshot"
)

// ErrRunInProgress is returned when Run is called while another run holds
// the session.
var ErrRunInProgress = errors.New("executor: a run is already in progress")

// Defaults for Config fields left zero.
const (
	DefaultWaitTimeout  = 10 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	DefaultStepTimeout  = 30 * time.Second
)

// Resolver turns a step's target hint into a locator.
// Implemented by locator.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, req locator.Request) (*core.Locator, error)
}

// Snapshotter captures the screen after a step. Implemented by snapshot.Store.
type Snapshotter interface {
	Capture(ctx context.Context, stepIndex int) (*snapshot.Snapshot, error)
}

// Config configures a Runner.
type Config struct {
	DeviceID string
	Package  string // default app for LAUNCH_APP and Open
	Activity string

	WaitTimeout  time.Duration // WAIT_TEXT budget unless meta["timeout"] is set
	PollInterval time.Duration // WAIT_TEXT poll pacing
	StepTimeout  time.Duration // deadline of each dispatch attempt

	// ContinueOnFailure keeps the run going after a failed action step.
	// Check steps (WAIT_TEXT, ASSERT_TEXT) never abort a run.
	ContinueOnFailure bool

	// Snapshots, when set, captures the screen after every executed step.
	Snapshots Snapshotter

	// Variables are exposed to ${...} expressions in hints, values and meta.
	// Nil disables expansion.
	Variables map[string]string
}

func (c Config) withDefaults() Config {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	return c
}

// Observer receives progress. Callbacks run synchronously on the run
// goroutine; use EventStream to decouple slow consumers. Nil fields are
// skipped.
type Observer struct {
	OnStep   func(StepEvent)
	OnLog    func(string)
	OnStatus func(string)
}

func (o Observer) step(e StepEvent) {
	if o.OnStep != nil {
		o.OnStep(e)
	}
}

func (o Observer) log(msg string) {
	if o.OnLog != nil {
		o.OnLog(msg)
	}
}

func (o Observer) status(text string) {
	if o.OnStatus != nil {
		o.OnStatus(text)
	}
}

// MultiObserver calls every observer in order.
func MultiObserver(observers ...Observer) Observer {
	return Observer{
		OnStep: func(e StepEvent) {
			for _, o := range observers {
				o.step(e)
			}
		},
		OnLog: func(msg string) {
			for _, o := range observers {
				o.log(msg)
			}
		},
		OnStatus: func(text string) {
			for _, o := range observers {
				o.status(text)
			}
		},
	}
}

// StepEvent reports one finished step.
type StepEvent struct {
	RunID string
	Total int
	Step  StepResult
}

// StepResult is the outcome of one step.
type StepResult struct {
	Index       int            `json:"index"`
	Type        plan.StepType  `json:"type"`
	Description string         `json:"description"`
	State       core.StepState `json:"-"`
	Locator     *core.Locator  `json:"locator,omitempty"`
	Attempts    int            `json:"attempts"`
	Err         error          `json:"-"`
	Tolerated   bool           `json:"tolerated,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	Duration    time.Duration  `json:"duration"`
}

// Passed reports whether the step completed.
func (s StepResult) Passed() bool {
	return s.State == core.StepCompleted
}

// RunResult is the outcome of a run.
type RunResult struct {
	ID        string
	Title     string
	State     core.RunState
	Steps     []StepResult
	Logs      []string
	Skipped   int   // steps never started because the run aborted
	Err       error // cause of an abort
	StartedAt time.Time
	Duration  time.Duration
}

// Failed returns the failed steps.
func (r *RunResult) Failed() []StepResult {
	var failed []StepResult
	for _, s := range r.Steps {
		if s.State == core.StepFailed {
			failed = append(failed, s)
		}
	}
	return failed
}

// Runner executes plans against one session. A runner admits one run at a
// time.
type Runner struct {
	session  core.Session
	resolver Resolver
	config   Config
	running  atomic.Bool
}

// New creates a Runner. The runner owns session for the length of each run
// and closes it when the run ends.
func New(session core.Session, resolver Resolver, cfg Config) *Runner {
	return &Runner{
		session:  session,
		resolver: resolver,
		config:   cfg.withDefaults(),
	}
}

// Run normalizes, validates and executes p. An invalid plan or a concurrent
// run returns an error without touching the session; every other outcome,
// aborts included, is reported through the RunResult.
func (r *Runner) Run(ctx context.Context, p *plan.ActionPlan, obs Observer) (*RunResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer r.running.Store(false)

	if p == nil {
		return nil, core.ErrInvalidPlan.WithMessage("nil plan")
	}
	steps := plan.Normalize(p)
	if r.config.Variables != nil {
		engine := jsengine.New()
		engine.SetVariables(r.config.Variables)
		steps = plan.Expand(steps, engine.ExpandVariables)
	}
	if err := plan.Validate(steps); err != nil {
		return nil, err
	}

	run := &runState{
		runner: r,
		obs:    obs,
		result: &RunResult{
			ID:        uuid.NewString(),
			Title:     steps.Title,
			State:     core.RunRunning,
			StartedAt: time.Now(),
		},
		total: len(steps.Steps),
	}
	run.execute(ctx, steps)
	return run.result, nil
}

// runState is the bookkeeping of one Run call.
type runState struct {
	runner *Runner
	obs    Observer
	result *RunResult
	total  int

	closeOnce sync.Once
}

func (rs *runState) execute(ctx context.Context, p *plan.ActionPlan) {
	r := rs.runner
	res := rs.result
	defer func() {
		rs.closeSession()
		res.Duration = time.Since(res.StartedAt)
	}()

	log := logger.L().With(zap.String("run", res.ID))
	log.Info("run started", zap.String("title", p.Title), zap.Int("steps", rs.total), zap.String("device", r.config.DeviceID))
	rs.obs.status("Running")

	// Device calls finish even if the caller cancels; cancellation lands at
	// step boundaries.
	devCtx := context.WithoutCancel(ctx)

	openCtx, cancel := context.WithTimeout(devCtx, r.config.StepTimeout)
	err := r.session.Open(openCtx, r.config.DeviceID, r.config.Package, r.config.Activity)
	cancel()
	if err != nil {
		rs.logLine(fmt.Sprintf("open session failed: %v", err))
		rs.finish(core.RunAborted, err, len(p.Steps))
		return
	}

	for i, step := range p.Steps {
		if ctx.Err() != nil {
			rs.finish(core.RunAborted, core.ErrCancelled.WithCause(ctx.Err()), len(p.Steps)-i)
			return
		}

		exec := newStepExecution(r, step)
		exec.run(ctx, devCtx)
		rs.captureSnapshot(devCtx, step.Index)

		res.Steps = append(res.Steps, exec.result)
		rs.obs.step(StepEvent{RunID: res.ID, Total: rs.total, Step: exec.result})
		for _, line := range exec.logs {
			rs.logLine(line)
		}
		rs.obs.status(stepStatus(exec.result, rs.total))

		log.Info("step finished",
			zap.Int("step", step.Index),
			zap.String("type", string(step.Type)),
			zap.String("state", exec.result.State.String()),
			zap.Stringer("locator", exec.result.Locator),
			zap.Int("attempts", exec.result.Attempts),
			zap.Duration("duration", exec.result.Duration),
			zap.Error(exec.result.Err))

		if errors.Is(exec.result.Err, core.ErrCancelled) {
			rs.finish(core.RunAborted, exec.result.Err, len(p.Steps)-i-1)
			return
		}
		if exec.result.State == core.StepFailed && !exec.result.Tolerated {
			rs.finish(core.RunAborted, exec.result.Err, len(p.Steps)-i-1)
			return
		}
	}
	rs.finish(core.RunCompleted, nil, 0)
}

func (rs *runState) captureSnapshot(devCtx context.Context, index int) {
	snaps := rs.runner.config.Snapshots
	if snaps == nil {
		return
	}
	ctx, cancel := context.WithTimeout(devCtx, rs.runner.config.StepTimeout)
	defer cancel()
	if _, err := snaps.Capture(ctx, index); err != nil {
		logger.L().Warn("snapshot capture failed", zap.String("run", rs.result.ID), zap.Int("step", index), zap.Error(err))
	}
}

func (rs *runState) logLine(line string) {
	rs.result.Logs = append(rs.result.Logs, line)
	rs.obs.log(line)
}

func (rs *runState) closeSession() {
	rs.closeOnce.Do(func() {
		if err := rs.runner.session.Close(); err != nil {
			logger.L().Warn("session close failed", zap.String("run", rs.result.ID), zap.Error(err))
		}
	})
}

func (rs *runState) finish(state core.RunState, cause error, skipped int) {
	res := rs.result
	res.State = state
	res.Err = cause
	res.Skipped = skipped

	status := "Completed"
	if state == core.RunAborted {
		status = "Aborted"
		if errors.Is(cause, core.ErrCancelled) {
			status = "Cancelled"
		}
		if skipped > 0 {
			rs.logLine(fmt.Sprintf("run aborted: %d step(s) not executed", skipped))
		}
	}
	logger.L().Info("run finished", zap.String("run", res.ID), zap.String("state", state.String()), zap.Error(cause))
	rs.obs.status(status)
}

func stepStatus(s StepResult, total int) string {
	verdict := s.State.String()
	if s.Tolerated {
		verdict += " (tolerated)"
	}
	return fmt.Sprintf("Step %d/%d %s: %s", s.Index, total, verdict, s.Description)
}
