package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/me/cwlengine/internal/backend"
	"github.com/me/cwlengine/internal/cmdline"
	"github.com/me/cwlengine/internal/coerce"
	"github.com/me/cwlengine/internal/execconfig"
	"github.com/me/cwlengine/internal/logging"
	"github.com/me/cwlengine/pkg/cwl"
	"github.com/me/cwlengine/pkg/model"
)

// toolJob is one scheduled execution of a command line tool.
type toolJob struct {
	stepID   string
	index    int
	attempt  int
	tool     *cwl.CommandLineTool
	reqs     cwl.Requirements
	inputs   map[string]any
	settings execconfig.Settings
	jobs     *atomic.Int64
}

// runTool resolves requirements, builds the command, runs it on the
// backend and captures its outputs. The returned job is nil when the
// failure happened before a job instance existed.
func (e *Engine) runTool(ctx context.Context, tj toolJob) (map[string]any, *model.JobInstance, error) {
	inputs, err := coerce.Inputs(tj.tool.Inputs, tj.inputs)
	if err != nil {
		return nil, nil, fmt.Errorf("step %s: %w", tj.stepID, err)
	}

	job := model.NewJobInstance(tj.stepID, tj.index, tj.attempt, e.backend.Env())
	job.WorkDir = filepath.Join(e.workRoot, filepath.FromSlash(strings.TrimPrefix(tj.stepID, "#")), job.ID)
	job.Queue = tj.settings.Queue
	job.Project = tj.settings.Project
	job.Resource = tj.settings.Resource
	job.Rerunnable = tj.settings.Rerunnable
	log := logging.ForJob(e.logger, job)

	resolved, err := e.resolver.Resolve(tj.reqs, inputs, e.runtime, job.WorkDir)
	if err != nil {
		return nil, job, err
	}
	built, err := e.builder.Build(tj.tool, inputs, cmdline.BuildOptions{
		Runtime: resolved.Runtime,
		Shell:   resolved.Shell,
		Library: resolved.ExpressionLib,
	})
	if err != nil {
		return nil, job, err
	}
	job.Command = built.Command
	job.Shell = built.Shell
	job.Env = resolved.Env
	job.Stdin = built.Stdin
	job.Stdout = built.Stdout
	job.Stderr = built.Stderr
	job.Cores = resolved.Resources.Cores
	job.RamMB = resolved.Resources.RAM

	extID, err := e.backend.Submit(ctx, job)
	if err != nil {
		return nil, job, asRuntimeError(err, "submit job %s", job.ID)
	}
	job.ExternalID = extID
	job.MarkStarted()
	tj.jobs.Add(1)
	e.metrics.Submissions.WithLabelValues(string(job.RuntimeEnv)).Inc()
	log.Info("job submitted", "external_id", extID, "command", built.CommandLine(), "work_dir", job.WorkDir)

	st, err := backend.Wait(ctx, e.backend, job, e.pollInterval, e.pollTimeout)
	if err != nil {
		e.cancel(job, log)
		if ctxErr := ctx.Err(); ctxErr != nil {
			job.Finish(model.JobStatus{State: model.JobStateCancelled})
			return nil, job, fmt.Errorf("job %s cancelled: %w", job.ID, ctxErr)
		}
		return nil, job, asRuntimeError(err, "wait for job %s", job.ID)
	}
	job.Finish(st)
	e.metrics.JobDuration.WithLabelValues(string(st.State)).Observe(job.Duration().Seconds())

	switch st.State {
	case model.JobStateSucceeded, model.JobStateFailed:
		// Backends only know exit 0; the tool decides what success means.
		if !tj.tool.IsSuccess(st.ExitCode) {
			log.Warn("job failed", "exit_code", st.ExitCode)
			return nil, job, model.NewRuntimeError(nil, "job %s exited with code %d", job.ID, st.ExitCode)
		}
	case model.JobStateError:
		log.Warn("job errored", "cause", st.Cause)
		return nil, job, model.NewRuntimeError(nil, "job %s errored: %s", job.ID, st.Cause)
	default:
		return nil, job, model.NewRuntimeError(nil, "job %s ended in state %s", job.ID, st.State)
	}

	out, err := e.capturer.Capture(tj.tool, inputs, job, resolved.Runtime)
	if err != nil {
		return nil, job, err
	}
	log.Info("job finished", "exit_code", st.ExitCode, "duration", job.Duration())
	return out, job, nil
}

// cancel asks the backend to stop job. The run's context may already be
// done, so the request gets its own deadline.
func (e *Engine) cancel(job *model.JobInstance, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := e.backend.Cancel(ctx, job); err != nil {
		log.Warn("cancel job", "error", err)
		return
	}
	log.Info("job cancelled")
}

// asRuntimeError classifies unclassified backend errors as RuntimeError.
func asRuntimeError(err error, format string, args ...any) error {
	if model.KindOf(err) != "" {
		return err
	}
	return model.NewRuntimeError(err, format, args...)
}
