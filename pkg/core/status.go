package core

// StepState is the execution state of a single plan step.
type StepState int

const (
	StepPending     StepState = iota // Not yet started
	StepResolving                    // Resolving the step target
	StepDispatching                  // Driving the session
	StepVerifying                    // Checking on-screen text
	StepCompleted                    // Finished successfully
	StepFailed                       // Finished with an error
)

// String returns the string representation of StepState
func (s StepState) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepResolving:
		return "resolving"
	case StepDispatching:
		return "dispatching"
	case StepVerifying:
		return "verifying"
	case StepCompleted:
		return "completed"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the state is a final state
func (s StepState) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed
}

// RunState is the state of a whole plan run.
type RunState int

const (
	RunIdle RunState = iota
	RunRunning
	RunCompleted
	RunAborted
)

// String returns the string representation of RunState
func (s RunState) String() string {
	switch s {
	case RunIdle:
		return "idle"
	case RunRunning:
		return "running"
	case RunCompleted:
		return "completed"
	case RunAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the run has finished.
func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunAborted
}

// ErrorCategory classifies the type of error for better debugging and reporting
type ErrorCategory int

const (
	ErrCategoryNone             ErrorCategory = iota // No error
	ErrCategoryParse                                 // Malformed accessibility dump
	ErrCategoryUnresolvedTarget                      // No locator strategy matched
	ErrCategoryTransport                             // Device/process communication failed
	ErrCategoryDriverOperation                       // Live action failed (stale element, lost session)
	ErrCategoryAssertion                             // Expected text absent
	ErrCategoryTimeout                               // Wait timed out
	ErrCategoryCancelled                             // Caller cancelled the run
	ErrCategoryConfig                                // Invalid plan or configuration
)

// String returns the string representation of ErrorCategory
func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNone:
		return "none"
	case ErrCategoryParse:
		return "parse"
	case ErrCategoryUnresolvedTarget:
		return "unresolved_target"
	case ErrCategoryTransport:
		return "transport"
	case ErrCategoryDriverOperation:
		return "driver_operation"
	case ErrCategoryAssertion:
		return "assertion"
	case ErrCategoryTimeout:
		return "timeout"
	case ErrCategoryCancelled:
		return "cancelled"
	case ErrCategoryConfig:
		return "config"
	default:
		return "unknown"
	}
}
