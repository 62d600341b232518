package model

import (
	"time"

	"github.com/google/uuid"
)

// JobInstance is one concrete, schedulable unit of work created from a step.
// A scattered step produces one instance per combination; a resubmission
// produces a new instance with a fresh id and work directory.
type JobInstance struct {
	ID           string     `json:"id"`
	StepID       string     `json:"step_id"`
	ScatterIndex int        `json:"scatter_index"`
	Attempt      int        `json:"attempt"`
	RuntimeEnv   RuntimeEnv `json:"runtime_env"`

	// Command is the resolved argument vector. In shell mode it holds
	// already-quoted tokens that are joined and passed to /bin/sh -c.
	Command []string          `json:"command"`
	Shell   bool              `json:"shell,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// Stdin, Stdout and Stderr are redirection targets relative to WorkDir
	// (or absolute). Empty means inherit none / capture to the default file.
	Stdin  string `json:"stdin,omitempty"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	// WorkDir is owned exclusively by this instance.
	WorkDir string `json:"work_dir"`

	Queue      string `json:"queue,omitempty"`
	Project    string `json:"project,omitempty"`
	Resource   string `json:"resource,omitempty"`
	Rerunnable bool   `json:"rerunnable,omitempty"`

	Cores int   `json:"cores,omitempty"`
	RamMB int64 `json:"ram_mb,omitempty"`

	State      JobState   `json:"state"`
	ExternalID string     `json:"external_id,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	StdoutPath string     `json:"stdout_path,omitempty"`
	StderrPath string     `json:"stderr_path,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewJobInstance creates a PENDING instance with a fresh id.
func NewJobInstance(stepID string, scatterIndex, attempt int, env RuntimeEnv) *JobInstance {
	return &JobInstance{
		ID:           "job_" + uuid.New().String(),
		StepID:       stepID,
		ScatterIndex: scatterIndex,
		Attempt:      attempt,
		RuntimeEnv:   env,
		State:        JobStatePending,
		CreatedAt:    time.Now().UTC(),
	}
}

// MarkStarted records the start time and moves the job to RUNNING.
func (j *JobInstance) MarkStarted() {
	now := time.Now().UTC()
	j.StartedAt = &now
	j.State = JobStateRunning
}

// Finish records a terminal status.
func (j *JobInstance) Finish(st JobStatus) {
	now := time.Now().UTC()
	j.FinishedAt = &now
	j.State = st.State
	if st.State == JobStateSucceeded || st.State == JobStateFailed {
		code := st.ExitCode
		j.ExitCode = &code
	}
}

// Duration returns the wall time between start and finish, or zero.
func (j *JobInstance) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// JobStatus is the uniform status reported by every backend.
type JobStatus struct {
	State    JobState `json:"state"`
	ExitCode int      `json:"exit_code"`
	Cause    string   `json:"cause,omitempty"`
}

// Succeeded returns a SUCCEEDED status with the given exit code.
func Succeeded(code int) JobStatus { return JobStatus{State: JobStateSucceeded, ExitCode: code} }

// Failed returns a FAILED(exitCode) status.
func Failed(code int) JobStatus { return JobStatus{State: JobStateFailed, ExitCode: code} }

// Errored returns an ERROR(cause) status.
func Errored(cause string) JobStatus { return JobStatus{State: JobStateError, ExitCode: -1, Cause: cause} }
