// Package report records what a run did and where it happened.
//
// Layout of an output directory:
//   - report.json: run summary plus one entry per executed step
//   - run.log: the run's log lines, one per line
//   - report.html: static page rendered from report.json
//   - snapshots/step-NNN.{png,json}: per-step captures, when enabled
//
// report.json is rewritten atomically after every step, so it can be polled
// while the run is in progress.
package report

import "time"

// Version is the report schema version.
const Version = "1.0.0"

// Status represents the execution status.
type Status string

// Status values.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPassed    Status = "passed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusAborted   Status = "aborted"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped, StatusAborted, StatusCancelled:
		return true
	}
	return false
}

// Report is the content of report.json.
type Report struct {
	Version     string      `json:"version"`
	UpdateSeq   uint64      `json:"updateSeq"`
	RunID       string      `json:"runId"`
	Title       string      `json:"title,omitempty"`
	Status      Status      `json:"status"`
	StartTime   time.Time   `json:"startTime"`
	EndTime     *time.Time  `json:"endTime,omitempty"`
	Duration    *int64      `json:"duration,omitempty"` // milliseconds
	LastUpdated time.Time   `json:"lastUpdated"`
	Device      Device      `json:"device"`
	App         App         `json:"app"`
	Runner      RunnerInfo  `json:"runner"`
	Summary     Summary     `json:"summary"`
	Steps       []StepEntry `json:"steps"`
	Error       *Error      `json:"error,omitempty"`
}

// Device contains device information.
type Device struct {
	ID       string `json:"id"`
	Platform string `json:"platform"`
}

// App contains application information.
type App struct {
	ID       string `json:"id"` // package name
	Activity string `json:"activity,omitempty"`
}

// RunnerInfo contains plan-runner information.
type RunnerInfo struct {
	Version string `json:"version"`
	Driver  string `json:"driver"` // uiautomator2, adb, mock
}

// Summary contains aggregated step counts. Tolerated failures count as
// failed and also in Tolerated.
type Summary struct {
	Total     int `json:"total"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Tolerated int `json:"tolerated"`
	Skipped   int `json:"skipped"`
}

// StepEntry is one executed step.
type StepEntry struct {
	Index       int       `json:"index"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Locator     string    `json:"locator,omitempty"`
	Attempts    int       `json:"attempts"`
	Tolerated   bool      `json:"tolerated,omitempty"`
	StartTime   time.Time `json:"startTime"`
	Duration    int64     `json:"duration"` // milliseconds
	Error       *Error    `json:"error,omitempty"`
	Artifacts   Artifacts `json:"artifacts"`
}

// Error contains error details.
type Error struct {
	Type    string `json:"type"` // error category: transport, timeout, assertion, ...
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Artifacts holds paths relative to the output directory, never inline data.
type Artifacts struct {
	Screenshot string `json:"screenshot,omitempty"`
	Elements   string `json:"elements,omitempty"`
}
