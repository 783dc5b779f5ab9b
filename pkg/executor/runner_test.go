package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/plan-runner/pkg/core"
	"github.com/devicelab-dev/plan-runner/pkg/driver/mock"
	"github.com/devicelab-dev/plan-runner/pkg/locator"
	"github.com/devicelab-dev/plan-runner/pkg/plan"
	"github.com/devicelab-dev/plan-runner/pkg/snapshot"
)

const loginScreen = `<?xml version='1.0' encoding='UTF-8' standalone='yes' ?>
<hierarchy rotation="0">
  <node class="android.widget.FrameLayout" bounds="[0,0][1080,2400]">
    <node class="android.widget.Button" text="" content-desc="Login button" resource-id="com.app:id/login" bounds="[100,100][500,200]"/>
    <node class="android.widget.LinearLayout" bounds="[0,300][1080,500]">
      <node class="android.widget.TextView" text="Email" bounds="[40,300][300,360]"/>
      <node class="android.widget.EditText" resource-id="com.app:id/email" bounds="[40,360][1040,480]"/>
    </node>
  </node>
</hierarchy>`

const noFieldScreen = `<hierarchy><node class="android.widget.FrameLayout" bounds="[0,0][1080,2400]"><node class="android.widget.TextView" text="Hello" bounds="[0,0][100,100]"/></node></hierarchy>`

type staticDumps struct {
	raw string
}

func (d staticDumps) FetchRawDump(context.Context, string) (string, error) {
	return d.raw, nil
}

func (d staticDumps) CaptureScreenImage(context.Context, string) ([]byte, error) {
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

// recorder captures observer callbacks in arrival order.
type recorder struct {
	mu       sync.Mutex
	events   []string
	steps    []StepEvent
	logs     []string
	statuses []string
}

func (r *recorder) observer() Observer {
	return Observer{
		OnStep: func(e StepEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.steps = append(r.steps, e)
			r.events = append(r.events, "step")
		},
		OnLog: func(msg string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.logs = append(r.logs, msg)
			r.events = append(r.events, "log")
		},
		OnStatus: func(text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, text)
			r.events = append(r.events, "status")
		},
	}
}

func (r *recorder) logsContaining(sub string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, l := range r.logs {
		if strings.Contains(l, sub) {
			out = append(out, l)
		}
	}
	return out
}

func newRunner(session core.Session, dump string, cfg Config) *Runner {
	if cfg.DeviceID == "" {
		cfg.DeviceID = "emulator-5554"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = 100 * time.Millisecond
	}
	return New(session, locator.New(staticDumps{raw: dump}), cfg)
}

func TestRun_LoginScenario(t *testing.T) {
	session := mock.New([]string{"Login", "Email"})
	runner := newRunner(session, loginScreen, Config{})
	rec := &recorder{}

	p := &plan.ActionPlan{Title: "login", Steps: []plan.Step{
		{Type: plan.StepLaunchApp, Value: "com.app"},
		{Type: plan.StepTap, TargetHint: "Login button"},
		{Type: plan.StepInputText, TargetHint: "Email", Value: "a@b.com"},
		{Type: plan.StepAssertText, TargetHint: "Welcome"},
	}}

	result, err := runner.Run(context.Background(), p, rec.observer())
	require.NoError(t, err)

	assert.Equal(t, core.RunCompleted, result.State)
	assert.Equal(t, "login", result.Title)
	assert.NotEmpty(t, result.ID)
	require.Len(t, result.Steps, 4)
	require.Len(t, rec.steps, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, core.StepCompleted, result.Steps[i].State, "step %d", i+1)
	}
	last := result.Steps[3]
	assert.Equal(t, core.StepFailed, last.State)
	assert.True(t, last.Tolerated)
	assert.ErrorIs(t, last.Err, core.ErrTextNotFound)
	assert.NotEmpty(t, rec.logsContaining(`assert text "Welcome"`))

	assert.Equal(t, "DESC=Login button", result.Steps[1].Locator.String())
	assert.Equal(t, "ID=com.app:id/email", result.Steps[2].Locator.String())

	assert.Equal(t, []string{
		"Open emulator-5554",
		"LaunchApp com.app",
		"Tap DESC=Login button",
		`InputText ID=com.app:id/email "a@b.com"`,
		"QueryTexts",
		"Close",
	}, session.CallLog())
	assert.Equal(t, "Completed", rec.statuses[len(rec.statuses)-1])
}

func TestRun_UnresolvedInputAborts(t *testing.T) {
	session := mock.New()
	runner := newRunner(session, noFieldScreen, Config{})
	rec := &recorder{}

	p := &plan.ActionPlan{Steps: []plan.Step{
		{Type: plan.StepInputText, TargetHint: "Password", Value: "secret"},
		{Type: plan.StepTap, TargetHint: "Login button"},
	}}

	result, err := runner.Run(context.Background(), p, rec.observer())
	require.NoError(t, err)

	assert.Equal(t, core.RunAborted, result.State)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, core.StepFailed, result.Steps[0].State)
	assert.ErrorIs(t, result.Steps[0].Err, core.ErrUnresolvedTarget)
	assert.ErrorIs(t, result.Err, core.ErrUnresolvedTarget)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, session.CloseCount())
	assert.Equal(t, "Aborted", rec.statuses[len(rec.statuses)-1])
	assert.NotContains(t, session.CallLog(), "Tap DESC=Login button")
}

func TestRun_TransientFailureRetriedWithAlternative(t *testing.T) {
	session := mock.New([]string{"Welcome back"})
	session.FailNext("Tap DESC=Login button", 1)
	runner := newRunner(session, loginScreen, Config{})
	rec := &recorder{}

	p := &plan.ActionPlan{Steps: []plan.Step{
		{Type: plan.StepLaunchApp, Value: "com.app"},
		{Type: plan.StepTap, TargetHint: "Login button"},
		{Type: plan.StepWaitText, TargetHint: "Welcome"},
	}}

	result, err := runner.Run(context.Background(), p, rec.observer())
	require.NoError(t, err)

	assert.Equal(t, core.RunCompleted, result.State)
	for _, s := range result.Steps {
		assert.Equal(t, core.StepCompleted, s.State, "step %d", s.Index)
	}
	assert.Equal(t, []string{"step 2: retrying with TEXT=Login button"}, rec.logsContaining("retrying"))
	assert.Equal(t, 2, result.Steps[1].Attempts)
	assert.Contains(t, session.CallLog(), "Tap TEXT=Login button")
}

func TestRun_SecondFailureFailsStep(t *testing.T) {
	session := mock.New()
	session.FailNext("Tap", 2)
	runner := newRunner(session, loginScreen, Config{})

	p := &plan.ActionPlan{Steps: []plan.Step{
		{Type: plan.StepTap, TargetHint: "Login button"},
		{Type: plan.StepBack},
	}}

	result, err := runner.Run(context.Background(), p, Observer{})
	require.NoError(t, err)

	assert.Equal(t, core.RunAborted, result.State)
	require.Len(t, result.Steps, 1)
	assert.ErrorIs(t, result.Steps[0].Err, core.ErrDriverOperation)
	assert.Equal(t, 2, result.Steps[0].Attempts)
}

func TestRun_RetryWithoutLocatorRepeatsAction(t *testing.T) {
	session := mock.New()
	session.FailNext("Back", 1)
	runner := newRunner(session, loginScreen, Config{})
	rec := &recorder{}

	result, err := runner.Run(context.Background(), &plan.ActionPlan{Steps: []plan.Step{{Type: plan.StepBack}}}, rec.observer())
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, result.State)
	assert.Equal(t, []string{"step 1: retrying"}, rec.logsContaining("retrying"))
}

func TestRun_LaunchWithoutPackageIsNotRetried(t *testing.T) {
	session := mock.New()
	runner := newRunner(session, loginScreen, Config{})
	rec := &recorder{}

	result, err := runner.Run(context.Background(), &plan.ActionPlan{Steps: []plan.Step{{Type: plan.StepLaunchApp}}}, rec.observer())
	require.NoError(t, err)
	assert.Equal(t, core.RunAborted, result.State)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, 1, result.Steps[0].Attempts)
	assert.True(t, core.IsCategory(result.Steps[0].Err, core.ErrCategoryConfig), result.Steps[0].Err)
	assert.Empty(t, rec.logsContaining("retrying"))
	assert.NotContains(t, session.CallLog(), "LaunchApp")
}

func TestRun_ContinueOnFailure(t *testing.T) {
	session := mock.New()
	session.FailNext("Tap", 2)
	runner := newRunner(session, loginScreen, Config{ContinueOnFailure: true})

	p := &plan.ActionPlan{Steps: []plan.Step{
		{Type: plan.StepTap, TargetHint: "Login button"},
		{Type: plan.StepBack},
	}}

	result, err := runner.Run(context.Background(), p, Observer{})
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, result.State)
	require.Len(t, result.Steps, 2)
	assert.True(t, result.Steps[0].Tolerated)
	assert.Len(t, result.Failed(), 1)
}

func TestRun_WaitTextPolls(t *testing.T) {
	session := mock.New([]string{"Loading"}, []string{"Loading"}, []string{"Welcome, Ann"})
	runner := newRunner(session, loginScreen, Config{WaitTimeout: time.Second})

	result, err := runner.Run(context.Background(), &plan.ActionPlan{Steps: []plan.Step{
		{Type: plan.StepWaitText, TargetHint: "Welcome"},
	}}, Observer{})
	require.NoError(t, err)

	require.Equal(t, core.StepCompleted, result.Steps[0].State)
	assert.Equal(t, 3, result.Steps[0].Attempts)
}

func TestRun_WaitTextTimeoutTolerated(t *testing.T) {
	session := mock.New([]string{"Loading"})
	runner := newRunner(session, loginScreen, Config{})

	result, err := runner.Run(context.Background(), &plan.ActionPlan{Steps: []plan.Step{
		{Type: plan.StepWaitText, TargetHint: "Welcome", Meta: map[string]string{"timeout": "30ms"}},
		{Type: plan.StepBack},
	}}, Observer{})
	require.NoError(t, err)

	assert.Equal(t, core.RunCompleted, result.State)
	assert.ErrorIs(t, result.Steps[0].Err, core.ErrWaitTimeout)
	assert.Equal(t, core.StepCompleted, result.Steps[1].State)
}

func TestRun_CancelDuringWait(t *testing.T) {
	session := mock.New([]string{"Loading"})
	runner := newRunner(session, loginScreen, Config{WaitTimeout: time.Minute})
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	result, err := runner.Run(ctx, &plan.ActionPlan{Steps: []plan.Step{
		{Type: plan.StepWaitText, TargetHint: "Welcome"},
		{Type: plan.StepBack},
	}}, rec.observer())
	require.NoError(t, err)

	assert.Equal(t, core.RunAborted, result.State)
	assert.ErrorIs(t, result.Err, core.ErrCancelled)
	require.Len(t, result.Steps, 1)
	assert.False(t, result.Steps[0].Tolerated)
	assert.Equal(t, "Cancelled", rec.statuses[len(rec.statuses)-1])
	assert.Equal(t, 1, session.CloseCount())
}

func TestRun_CancelledBeforeFirstStep(t *testing.T) {
	session := mock.New()
	runner := newRunner(session, loginScreen, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := runner.Run(ctx, &plan.ActionPlan{Steps: []plan.Step{{Type: plan.StepBack}}}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, core.RunAborted, result.State)
	assert.Empty(t, result.Steps)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, session.CloseCount())
}

func TestRun_SleepDoesNotTouchDevice(t *testing.T) {
	session := mock.New()
	runner := newRunner(session, loginScreen, Config{})

	start := time.Now()
	result, err := runner.Run(context.Background(), &plan.ActionPlan{Steps: []plan.Step{
		{Type: plan.StepSleep, Value: "20ms"},
	}}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, core.StepCompleted, result.Steps[0].State)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, []string{"Open emulator-5554", "Close"}, session.CallLog())
}

func TestRun_InvalidPlanLeavesSessionAlone(t *testing.T) {
	session := mock.New()
	runner := newRunner(session, loginScreen, Config{})

	_, err := runner.Run(context.Background(), &plan.ActionPlan{Steps: []plan.Step{
		{Type: plan.StepTap},
		{Type: "SWIPE"},
	}}, Observer{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidPlan)
	assert.Empty(t, session.CallLog())
}

func TestRun_OpenFailure(t *testing.T) {
	session := mock.New()
	session.OpenErr = errors.New("device offline")
	runner := newRunner(session, loginScreen, Config{})

	result, err := runner.Run(context.Background(), &plan.ActionPlan{Steps: []plan.Step{{Type: plan.StepBack}}}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, core.RunAborted, result.State)
	assert.Equal(t, 1, session.CloseCount())
	assert.Contains(t, result.Logs[0], "open session failed")
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	session := mock.New()
	runner := newRunner(session, loginScreen, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = runner.Run(ctx, &plan.ActionPlan{Steps: []plan.Step{{Type: plan.StepSleep, Value: "10s"}}}, Observer{
			OnStatus: func(string) { once.Do(func() { close(started) }) },
		})
	}()

	<-started
	_, err := runner.Run(context.Background(), &plan.ActionPlan{Steps: []plan.Step{{Type: plan.StepBack}}}, Observer{})
	assert.ErrorIs(t, err, ErrRunInProgress)

	cancel()
	<-done
}

func TestRun_EventOrderPerStep(t *testing.T) {
	session := mock.New()
	session.FailNext("Back", 1)
	runner := newRunner(session, loginScreen, Config{})
	rec := &recorder{}

	_, err := runner.Run(context.Background(), &plan.ActionPlan{Steps: []plan.Step{
		{Type: plan.StepBack},
		{Type: plan.StepBack},
	}}, rec.observer())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"status",                // Running
		"step", "log", "status", // step 1 with its retry line
		"step", "status",        // step 2
		"status",                // Completed
	}, rec.events)
}

func TestRun_LaunchAppDefaultsFromConfig(t *testing.T) {
	session := mock.New()
	runner := newRunner(session, loginScreen, Config{Package: "com.app", Activity: ".Main"})

	_, err := runner.Run(context.Background(), &plan.ActionPlan{Steps: []plan.Step{
		{Type: plan.StepLaunchApp},
		{Type: plan.StepLaunchApp, Value: "com.other", Meta: map[string]string{"activity": ".Home"}},
	}}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Open emulator-5554", "LaunchApp com.app/.Main", "LaunchApp com.other/.Home", "Close"}, session.CallLog())
}

func TestRun_ExpandsVariables(t *testing.T) {
	session := mock.New()
	runner := newRunner(session, loginScreen, Config{Variables: map[string]string{"USER": "ann"}})

	_, err := runner.Run(context.Background(), &plan.ActionPlan{Steps: []plan.Step{
		{Type: plan.StepInputText, TargetHint: "Email", Value: "${USER}@example.com"},
	}}, Observer{})
	require.NoError(t, err)
	assert.Contains(t, session.CallLog(), `InputText ID=com.app:id/email "ann@example.com"`)
}

func TestRun_CapturesSnapshots(t *testing.T) {
	session := mock.New()
	store := snapshot.New(staticDumps{raw: loginScreen}, "emulator-5554")
	runner := newRunner(session, loginScreen, Config{Snapshots: store})

	_, err := runner.Run(context.Background(), &plan.ActionPlan{Steps: []plan.Step{
		{Type: plan.StepBack},
		{Type: plan.StepSleep, Value: "1ms"},
	}}, Observer{})
	require.NoError(t, err)

	require.Equal(t, 2, store.Len())
	snap, ok := store.Get(2)
	require.True(t, ok)
	assert.NotEmpty(t, snap.Elements)
}
