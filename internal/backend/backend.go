// Package backend runs job instances on a local or batch runtime.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/me/cwlengine/pkg/model"
)

// Backend is a runtime that executes job instances.
type Backend interface {
	// Env returns the runtime environment this backend serves.
	Env() model.RuntimeEnv

	// Submit hands the job to the runtime and returns its external id.
	// It does not wait for completion.
	Submit(ctx context.Context, job *model.JobInstance) (externalID string, err error)

	// Status reports the current state of a submitted job.
	Status(ctx context.Context, job *model.JobInstance) (model.JobStatus, error)

	// Logs returns the captured stdout and stderr of a job.
	Logs(ctx context.Context, job *model.JobInstance) (stdout, stderr string, err error)

	// Cancel requests termination of a job.
	Cancel(ctx context.Context, job *model.JobInstance) error
}

// Registry maps runtime environments to backends. Registration happens at
// startup before concurrent access.
type Registry struct {
	backends map[model.RuntimeEnv]Backend
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		backends: make(map[model.RuntimeEnv]Backend),
		logger:   logger.With("component", "backend-registry"),
	}
}

// Register adds b, keyed by its Env().
func (r *Registry) Register(b Backend) {
	r.backends[b.Env()] = b
	r.logger.Info("backend registered", "env", b.Env())
}

// Get returns the backend for env.
func (r *Registry) Get(env model.RuntimeEnv) (Backend, error) {
	b, ok := r.backends[env]
	if !ok {
		return nil, fmt.Errorf("no backend registered for runtime env %q", env)
	}
	return b, nil
}

var errNotTerminal = errors.New("job not in a terminal state")

// maxStatusFailures is the number of consecutive Status errors Wait
// tolerates before giving up on a job.
const maxStatusFailures = 5

// Wait polls b every interval until job reaches a terminal state, ctx is
// cancelled, or timeout elapses (zero means no limit). Status errors are
// retried until maxStatusFailures occur in a row. A timeout is reported as
// a RuntimeError.
func Wait(ctx context.Context, b Backend, job *model.JobInstance, interval, timeout time.Duration) (model.JobStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}
	backoff := retry.NewConstant(interval)
	if timeout > 0 {
		backoff = retry.WithMaxDuration(timeout, backoff)
	}

	var status model.JobStatus
	failures := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		st, err := b.Status(ctx, job)
		if err != nil {
			failures++
			if failures >= maxStatusFailures {
				return fmt.Errorf("status failed %d times in a row: %w", failures, err)
			}
			return retry.RetryableError(fmt.Errorf("status: %w", err))
		}
		failures = 0
		if !st.State.IsTerminal() {
			return retry.RetryableError(errNotTerminal)
		}
		status = st
		return nil
	})
	switch {
	case err == nil:
		return status, nil
	case errors.Is(err, errNotTerminal):
		return model.JobStatus{}, model.NewRuntimeError(nil, "job %s did not finish within %s", job.ID, timeout)
	}
	return model.JobStatus{}, err
}
