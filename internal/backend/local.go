package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/me/cwlengine/pkg/model"
)

// Default stream files used when a job does not redirect stdout or stderr.
const (
	LocalStdoutLog = ".job.stdout"
	LocalStderrLog = ".job.stderr"
)

// Local runs each job as a subprocess in its work directory.
type Local struct {
	sem    *Semaphore
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*localProc
}

type localProc struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	started bool
	status  model.JobStatus
}

// NewLocal creates a Local backend running at most maxParallel jobs at
// once (0 means unlimited).
func NewLocal(maxParallel int, logger *slog.Logger) *Local {
	return &Local{
		sem:    NewSemaphore(maxParallel),
		logger: logger.With("component", "local-backend"),
		procs:  make(map[string]*localProc),
	}
}

// Env returns model.RuntimeEnvLocal.
func (l *Local) Env() model.RuntimeEnv { return model.RuntimeEnvLocal }

// Submit starts the job asynchronously. It queues until a concurrency slot
// is free. The job id doubles as the external id.
func (l *Local) Submit(_ context.Context, job *model.JobInstance) (string, error) {
	if len(job.Command) == 0 {
		return "", model.NewRuntimeError(nil, "job %s has an empty command", job.ID)
	}
	if err := os.MkdirAll(job.WorkDir, 0o755); err != nil {
		return "", model.NewRuntimeError(err, "job %s: create work dir", job.ID)
	}
	job.StdoutPath = streamPath(job.WorkDir, job.Stdout, LocalStdoutLog)
	job.StderrPath = streamPath(job.WorkDir, job.Stderr, LocalStderrLog)

	// The process outlives the submitting call; Cancel stops it.
	ctx, cancel := context.WithCancel(context.Background())
	p := &localProc{cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	l.procs[job.ID] = p
	l.mu.Unlock()

	spec := *job
	go l.run(ctx, &spec, p)
	return job.ID, nil
}

func (l *Local) run(ctx context.Context, job *model.JobInstance, p *localProc) {
	defer close(p.done)
	defer p.cancel()

	if !l.sem.Acquire(ctx) {
		p.finish(model.JobStatus{State: model.JobStateCancelled, ExitCode: -1, Cause: "cancelled while queued"})
		return
	}
	defer l.sem.Release()

	p.mu.Lock()
	p.started = true
	p.mu.Unlock()

	log := l.logger.With("step", job.StepID, "job_id", job.ID, "attempt", job.Attempt)
	log.Debug("starting process", "command", job.Command, "shell", job.Shell)

	status := l.exec(ctx, job)
	if ctx.Err() != nil && status.State != model.JobStateSucceeded {
		status = model.JobStatus{State: model.JobStateCancelled, ExitCode: -1, Cause: "cancelled"}
	}
	log.Debug("process finished", "state", status.State, "exit_code", status.ExitCode)
	p.finish(status)
}

func (l *Local) exec(ctx context.Context, job *model.JobInstance) model.JobStatus {
	var cmd *exec.Cmd
	if job.Shell {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", strings.Join(job.Command, " "))
	} else {
		cmd = exec.CommandContext(ctx, job.Command[0], job.Command[1:]...)
	}
	cmd.Dir = job.WorkDir
	cmd.Env = jobEnv(job)

	stdout, err := os.Create(job.StdoutPath)
	if err != nil {
		return model.Errored(fmt.Sprintf("open stdout: %v", err))
	}
	defer stdout.Close()
	stderr, err := os.Create(job.StderrPath)
	if err != nil {
		return model.Errored(fmt.Sprintf("open stderr: %v", err))
	}
	defer stderr.Close()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if job.Stdin != "" {
		stdin, err := os.Open(resolve(job.WorkDir, job.Stdin))
		if err != nil {
			return model.Errored(fmt.Sprintf("open stdin: %v", err))
		}
		defer stdin.Close()
		cmd.Stdin = stdin
	}

	err = cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return model.Succeeded(0)
	case errors.As(err, &exitErr):
		return model.Failed(exitErr.ExitCode())
	default:
		return model.Errored(err.Error())
	}
}

func (p *localProc) finish(st model.JobStatus) {
	p.mu.Lock()
	p.status = st
	p.mu.Unlock()
}

// Status reports QUEUED until a slot is acquired, RUNNING while the
// process runs, then the terminal status. The terminal status is reported
// once; the job is forgotten afterwards.
func (l *Local) Status(_ context.Context, job *model.JobInstance) (model.JobStatus, error) {
	p, err := l.proc(job)
	if err != nil {
		return model.JobStatus{}, err
	}
	select {
	case <-p.done:
		l.forget(job)
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.status, nil
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return model.JobStatus{State: model.JobStateRunning}, nil
	}
	return model.JobStatus{State: model.JobStateQueued}, nil
}

// Logs reads the job's stream files.
func (l *Local) Logs(_ context.Context, job *model.JobInstance) (string, string, error) {
	return readStreams(job)
}

// Cancel kills the process, or drops the job if it is still queued.
func (l *Local) Cancel(_ context.Context, job *model.JobInstance) error {
	p, err := l.proc(job)
	if err != nil {
		return err
	}
	p.cancel()
	<-p.done
	l.forget(job)
	return nil
}

func (l *Local) forget(job *model.JobInstance) {
	l.mu.Lock()
	delete(l.procs, job.ID)
	l.mu.Unlock()
}

func (l *Local) proc(job *model.JobInstance) (*localProc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.procs[job.ID]
	if !ok {
		return nil, fmt.Errorf("local backend: unknown job %s", job.ID)
	}
	return p, nil
}

// jobEnv returns the process environment: PATH from the engine, HOME and
// TMPDIR in the work directory, then the job's own variables.
func jobEnv(job *model.JobInstance) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + job.WorkDir,
		"TMPDIR=" + job.WorkDir,
	}
	for k, v := range job.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func streamPath(workDir, name, fallback string) string {
	if name == "" {
		name = fallback
	}
	return resolve(workDir, name)
}

func resolve(workDir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(workDir, name)
}

func readStreams(job *model.JobInstance) (string, string, error) {
	var out, errOut []byte
	var err error
	if job.StdoutPath != "" {
		if out, err = os.ReadFile(job.StdoutPath); err != nil && !os.IsNotExist(err) {
			return "", "", err
		}
	}
	if job.StderrPath != "" {
		if errOut, err = os.ReadFile(job.StderrPath); err != nil && !os.IsNotExist(err) {
			return "", "", err
		}
	}
	return string(out), string(errOut), nil
}
