package report

import (
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devicelab-dev/plan-runner/pkg/core"
	"github.com/devicelab-dev/plan-runner/pkg/executor"
	"github.com/devicelab-dev/plan-runner/pkg/logger"
)

// Meta is the run context that executor events do not carry.
type Meta struct {
	Title    string
	DeviceID string
	Package  string
	Activity string
	Driver   string
	Version  string

	// Snapshots marks steps as having snapshot artifacts under SnapshotsDir.
	Snapshots bool
}

// Timeline accumulates executor events into a Report. When built with a
// Writer, report.json is rewritten after every step.
type Timeline struct {
	mu     sync.Mutex
	report *Report
	logs   []string
	status string
	meta   Meta
	writer *Writer
}

// NewTimeline starts a timeline. w may be nil.
func NewTimeline(meta Meta, w *Writer) *Timeline {
	now := time.Now()
	return &Timeline{
		meta:   meta,
		writer: w,
		report: &Report{
			Version:     Version,
			Title:       meta.Title,
			Status:      StatusPending,
			StartTime:   now,
			LastUpdated: now,
			Device:      Device{ID: meta.DeviceID, Platform: "android"},
			App:         App{ID: meta.Package, Activity: meta.Activity},
			Runner:      RunnerInfo{Version: meta.Version, Driver: meta.Driver},
			Steps:       []StepEntry{},
		},
	}
}

// Observer returns callbacks that feed the timeline.
func (t *Timeline) Observer() executor.Observer {
	return executor.Observer{
		OnStep:   t.OnStep,
		OnLog:    t.OnLog,
		OnStatus: t.OnStatus,
	}
}

// OnStep records a finished step.
func (t *Timeline) OnStep(e executor.StepEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rep := t.report
	if rep.RunID == "" {
		rep.RunID = e.RunID
	}
	rep.Status = StatusRunning
	rep.Steps = append(rep.Steps, newStepEntry(e.Step, t.meta.Snapshots))
	rep.Summary = summarize(rep.Steps, 0)
	rep.Summary.Total = e.Total
	t.touch()
	t.flush()
}

// OnLog records a log line.
func (t *Timeline) OnLog(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logs = append(t.logs, line)
}

// OnStatus records the latest status line.
func (t *Timeline) OnStatus(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = text
	if t.report.Status == StatusPending && text == "Running" {
		t.report.Status = StatusRunning
		t.touch()
	}
}

// Status returns the latest status line.
func (t *Timeline) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Logs returns a copy of the recorded log lines.
func (t *Timeline) Logs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.logs...)
}

// Finish closes the report with the run outcome and, with a Writer, writes
// report.json, run.log and report.html.
func (t *Timeline) Finish(res *executor.RunResult) (*Report, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rep := t.report
	if res != nil {
		rep.RunID = res.ID
		if res.Title != "" {
			rep.Title = res.Title
		}
		rep.StartTime = res.StartedAt
		end := res.StartedAt.Add(res.Duration)
		ms := res.Duration.Milliseconds()
		rep.EndTime = &end
		rep.Duration = &ms
		rep.Status = runStatus(res)
		rep.Error = errorEntry(res.Err)
		rep.Summary = summarize(rep.Steps, res.Skipped)
	}
	t.touch()

	if t.writer == nil {
		return rep, nil
	}
	if err := t.writer.WriteAll(rep, t.logs); err != nil {
		return rep, err
	}
	return rep, nil
}

func newStepEntry(s executor.StepResult, snapshots bool) StepEntry {
	e := StepEntry{
		Index:       s.Index,
		Type:        string(s.Type),
		Description: s.Description,
		Status:      stepStatus(s.State),
		Attempts:    s.Attempts,
		Tolerated:   s.Tolerated,
		StartTime:   s.StartedAt,
		Duration:    s.Duration.Milliseconds(),
		Error:       errorEntry(s.Err),
	}
	if s.Locator != nil {
		e.Locator = s.Locator.String()
	}
	if snapshots {
		base := path.Join(SnapshotsDir, fmt.Sprintf("step-%03d", s.Index))
		e.Artifacts = Artifacts{Screenshot: base + ".png", Elements: base + ".json"}
	}
	return e
}

func (t *Timeline) touch() {
	t.report.UpdateSeq++
	t.report.LastUpdated = time.Now()
}

func (t *Timeline) flush() {
	if t.writer == nil {
		return
	}
	if err := t.writer.WriteReport(t.report); err != nil {
		logger.L().Warn("live report update failed", zap.Error(err))
	}
}

func summarize(steps []StepEntry, skipped int) Summary {
	s := Summary{Total: len(steps) + skipped, Skipped: skipped}
	for _, step := range steps {
		switch step.Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
			if step.Tolerated {
				s.Tolerated++
			}
		}
	}
	return s
}

func stepStatus(state core.StepState) Status {
	switch state {
	case core.StepCompleted:
		return StatusPassed
	case core.StepFailed:
		return StatusFailed
	case core.StepPending:
		return StatusPending
	default:
		return StatusRunning
	}
}

func runStatus(res *executor.RunResult) Status {
	switch res.State {
	case core.RunCompleted:
		if len(res.Failed()) > 0 {
			return StatusFailed
		}
		return StatusPassed
	case core.RunAborted:
		if errors.Is(res.Err, core.ErrCancelled) {
			return StatusCancelled
		}
		return StatusAborted
	case core.RunRunning:
		return StatusRunning
	default:
		return StatusPending
	}
}

func errorEntry(err error) *Error {
	if err == nil {
		return nil
	}
	e := &Error{Type: core.CategoryOf(err).String(), Message: err.Error()}
	var ee *core.ExecutionError
	if errors.As(err, &ee) {
		e.Code = ee.Code
	}
	return e
}
