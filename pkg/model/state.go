package model

// StepState represents the lifecycle state of a workflow step.
type StepState string

const (
	StepStatePending    StepState = "PENDING"
	StepStateReady      StepState = "READY"
	StepStateRunning    StepState = "RUNNING"
	StepStateDone       StepState = "DONE"
	StepStateFailed     StepState = "FAILED"
	StepStateRecovering StepState = "RECOVERING"
	StepStateSkipped    StepState = "SKIPPED"
)

// String returns the string representation of the step state.
func (s StepState) String() string {
	return string(s)
}

// IsTerminal reports whether the step can no longer change state. FAILED
// is not terminal while recovery may still be attempted; callers decide
// when a failure settles.
func (s StepState) IsTerminal() bool {
	switch s {
	case StepStateDone, StepStateSkipped:
		return true
	}
	return false
}

// ValidStepTransitions defines the allowed state transitions for steps.
var ValidStepTransitions = map[StepState][]StepState{
	StepStatePending:    {StepStateReady, StepStateSkipped},
	StepStateReady:      {StepStateRunning, StepStateFailed},
	StepStateRunning:    {StepStateDone, StepStateFailed},
	StepStateFailed:     {StepStateRecovering},
	StepStateRecovering: {StepStateRunning, StepStateFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s StepState) CanTransitionTo(next StepState) bool {
	for _, allowed := range ValidStepTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// JobState represents the lifecycle state of a single job instance.
type JobState string

const (
	JobStatePending   JobState = "PENDING"
	JobStateQueued    JobState = "QUEUED"
	JobStateRunning   JobState = "RUNNING"
	JobStateSucceeded JobState = "SUCCEEDED"
	JobStateFailed    JobState = "FAILED"
	JobStateError     JobState = "ERROR"
	JobStateCancelled JobState = "CANCELLED"
)

// String returns the string representation of the job state.
func (s JobState) String() string {
	return string(s)
}

// IsTerminal returns true if the job is in a final state.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateError, JobStateCancelled:
		return true
	}
	return false
}

// WorkflowState is the overall outcome of a run.
type WorkflowState string

const (
	WorkflowStateRunning   WorkflowState = "RUNNING"
	WorkflowStateDone      WorkflowState = "DONE"
	WorkflowStateFailed    WorkflowState = "FAILED"
	WorkflowStateCancelled WorkflowState = "CANCELLED"
)

// RuntimeEnv identifies which backend runs job instances.
type RuntimeEnv string

const (
	RuntimeEnvLocal RuntimeEnv = "LOCAL"
	RuntimeEnvBatch RuntimeEnv = "BATCH"
)

// ParseRuntimeEnv accepts the canonical names case-insensitively.
func ParseRuntimeEnv(s string) (RuntimeEnv, bool) {
	switch s {
	case "LOCAL", "local", "Local":
		return RuntimeEnvLocal, true
	case "BATCH", "batch", "Batch":
		return RuntimeEnvBatch, true
	}
	return "", false
}
