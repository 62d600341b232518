package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/me/cwlengine/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tracked reports how many jobs the backend still holds.
func (l *Local) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newJob(t *testing.T, env model.RuntimeEnv, command ...string) *model.JobInstance {
	t.Helper()
	job := model.NewJobInstance("align", 0, 0, env)
	job.WorkDir = filepath.Join(t.TempDir(), job.ID)
	job.Command = command
	return job
}

func submitAndWait(t *testing.T, b Backend, job *model.JobInstance) model.JobStatus {
	t.Helper()
	id, err := b.Submit(context.Background(), job)
	require.NoError(t, err)
	job.ExternalID = id
	st, err := Wait(context.Background(), b, job, 10*time.Millisecond, 10*time.Second)
	require.NoError(t, err)
	return st
}

func TestRegistry(t *testing.T) {
	t.Run("Should return registered backends by env", func(t *testing.T) {
		r := NewRegistry(discard())
		local := NewLocal(1, discard())
		r.Register(local)
		got, err := r.Get(model.RuntimeEnvLocal)
		require.NoError(t, err)
		assert.Same(t, local, got)
	})

	t.Run("Should fail for an unregistered env", func(t *testing.T) {
		_, err := NewRegistry(discard()).Get(model.RuntimeEnvBatch)
		assert.Error(t, err)
	})
}

// stuck never reaches a terminal state.
type stuck struct{ Local }

func (*stuck) Status(context.Context, *model.JobInstance) (model.JobStatus, error) {
	return model.JobStatus{State: model.JobStateRunning}, nil
}

type broken struct {
	Local
	calls int
}

func (b *broken) Status(context.Context, *model.JobInstance) (model.JobStatus, error) {
	b.calls++
	return model.JobStatus{}, errors.New("scheduler unreachable")
}

// flaky fails its first status call and then reports RUNNING until done.
type flaky struct {
	Local
	calls int
}

func (f *flaky) Status(context.Context, *model.JobInstance) (model.JobStatus, error) {
	f.calls++
	switch f.calls {
	case 1:
		return model.JobStatus{}, errors.New("connection reset")
	case 2:
		return model.JobStatus{State: model.JobStateRunning}, nil
	}
	return model.Succeeded(0), nil
}

func TestWait(t *testing.T) {
	job := model.NewJobInstance("s", 0, 0, model.RuntimeEnvLocal)

	t.Run("Should report a timeout as a runtime error", func(t *testing.T) {
		_, err := Wait(context.Background(), &stuck{}, job, 5*time.Millisecond, 30*time.Millisecond)
		require.Error(t, err)
		assert.Equal(t, model.KindRuntime, model.KindOf(err))
	})

	t.Run("Should stop when the context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := Wait(ctx, &stuck{}, job, 5*time.Millisecond, 0)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Should keep polling after a transient status error", func(t *testing.T) {
		b := &flaky{}
		st, err := Wait(context.Background(), b, job, time.Millisecond, time.Second)
		require.NoError(t, err)
		assert.Equal(t, model.Succeeded(0), st)
		assert.Equal(t, 3, b.calls)
	})

	t.Run("Should give up after repeated status errors", func(t *testing.T) {
		b := &broken{}
		_, err := Wait(context.Background(), b, job, time.Millisecond, 10*time.Second)
		assert.ErrorContains(t, err, "scheduler unreachable")
		assert.Equal(t, maxStatusFailures, b.calls)
	})
}

func TestLocal(t *testing.T) {
	t.Run("Should run a command and capture stdout", func(t *testing.T) {
		b := NewLocal(2, discard())
		job := newJob(t, model.RuntimeEnvLocal, "echo", "hello world")
		job.Stdout = "out.txt"
		job.Env = map[string]string{"SAMPLE": "s1"}

		st := submitAndWait(t, b, job)
		assert.Equal(t, model.Succeeded(0), st)
		assert.Equal(t, filepath.Join(job.WorkDir, "out.txt"), job.StdoutPath)

		stdout, _, err := b.Logs(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, "hello world\n", stdout)
	})

	t.Run("Should run shell mode through /bin/sh", func(t *testing.T) {
		b := NewLocal(0, discard())
		job := newJob(t, model.RuntimeEnvLocal, "echo", "$SAMPLE", "|", "tr", "a-z", "A-Z")
		job.Shell = true
		job.Env = map[string]string{"SAMPLE": "abc"}

		st := submitAndWait(t, b, job)
		require.Equal(t, model.JobStateSucceeded, st.State)
		stdout, _, err := b.Logs(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, "ABC\n", stdout)
	})

	t.Run("Should report a non-zero exit as FAILED with its code", func(t *testing.T) {
		b := NewLocal(0, discard())
		job := newJob(t, model.RuntimeEnvLocal, "exit 3")
		job.Shell = true
		assert.Equal(t, model.Failed(3), submitAndWait(t, b, job))
	})

	t.Run("Should report a missing binary as ERROR", func(t *testing.T) {
		b := NewLocal(0, discard())
		job := newJob(t, model.RuntimeEnvLocal, "/nonexistent/tool")
		assert.Equal(t, model.JobStateError, submitAndWait(t, b, job).State)
	})

	t.Run("Should feed stdin from a file", func(t *testing.T) {
		b := NewLocal(0, discard())
		job := newJob(t, model.RuntimeEnvLocal, "cat")
		require.NoError(t, os.MkdirAll(job.WorkDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(job.WorkDir, "in.txt"), []byte("ACGT"), 0o644))
		job.Stdin = "in.txt"
		submitAndWait(t, b, job)
		stdout, _, err := b.Logs(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, "ACGT", stdout)
	})

	t.Run("Should queue beyond max parallel", func(t *testing.T) {
		b := NewLocal(1, discard())
		first := newJob(t, model.RuntimeEnvLocal, "sleep", "10")
		second := newJob(t, model.RuntimeEnvLocal, "sleep", "10")
		_, err := b.Submit(context.Background(), first)
		require.NoError(t, err)
		_, err = b.Submit(context.Background(), second)
		require.NoError(t, err)

		state := func(j *model.JobInstance) model.JobState {
			st, err := b.Status(context.Background(), j)
			require.NoError(t, err)
			return st.State
		}
		require.Eventually(t, func() bool {
			return state(first) == model.JobStateRunning || state(second) == model.JobStateRunning
		}, 5*time.Second, 10*time.Millisecond)
		running, queued := first, second
		if state(second) == model.JobStateRunning {
			running, queued = second, first
		}
		assert.Equal(t, model.JobStateQueued, state(queued))

		queuedProc, err := b.proc(queued)
		require.NoError(t, err)
		runningProc, err := b.proc(running)
		require.NoError(t, err)

		require.NoError(t, b.Cancel(context.Background(), queued))
		require.NoError(t, b.Cancel(context.Background(), running))
		assert.Equal(t, model.JobStateCancelled, queuedProc.status.State)
		assert.Equal(t, model.JobStateCancelled, runningProc.status.State)
		assert.Zero(t, b.tracked())
	})

	t.Run("Should forget a job once its terminal status is read", func(t *testing.T) {
		b := NewLocal(0, discard())
		job := newJob(t, model.RuntimeEnvLocal, "true")
		assert.Equal(t, model.Succeeded(0), submitAndWait(t, b, job))
		assert.Zero(t, b.tracked())

		_, err := b.Status(context.Background(), job)
		assert.Error(t, err)
	})

	t.Run("Should reject an empty command", func(t *testing.T) {
		_, err := NewLocal(0, discard()).Submit(context.Background(), newJob(t, model.RuntimeEnvLocal))
		assert.Equal(t, model.KindRuntime, model.KindOf(err))
	})

	t.Run("Should fail status for unknown jobs", func(t *testing.T) {
		_, err := NewLocal(0, discard()).Status(context.Background(), newJob(t, model.RuntimeEnvLocal, "true"))
		assert.Error(t, err)
	})
}

// fakeRunner records scheduler commands and answers from a script.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	answer func(args []string) ([]byte, error)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	call := append([]string{name}, args...)
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return f.answer(call)
}

func (f *fakeRunner) last() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func testBatchConfig() BatchConfig {
	cfg := DefaultBatchConfig()
	cfg.JobIDPattern = `^(\d+)\.`
	return cfg
}

func TestBatch(t *testing.T) {
	state := "Q"
	runner := &fakeRunner{answer: func(args []string) ([]byte, error) {
		switch args[0] {
		case "qsub":
			return []byte("4242.pbs-server\n"), nil
		case "qstat":
			return []byte("Job Id: 4242.pbs-server\n    job_state = " + state + "\n"), nil
		case "qdel":
			return nil, nil
		}
		return nil, errors.New("unexpected command")
	}}
	b, err := NewBatch(testBatchConfig(), runner, discard())
	require.NoError(t, err)

	job := newJob(t, model.RuntimeEnvBatch, "bwa", "mem", "ref genome.fa")
	job.Queue = "short"
	job.Project = "genomics"
	job.Resource = "nodes=1:ppn=4"
	job.Rerunnable = true
	job.Env = map[string]string{"THREADS": "4"}

	t.Run("Should submit with the expanded template", func(t *testing.T) {
		id, err := b.Submit(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, "4242", id)
		job.ExternalID = id

		script := filepath.Join(job.WorkDir, BatchScript)
		assert.Equal(t, []string{
			"qsub", "-q", "short", "-A", "genomics", "-l", "nodes=1:ppn=4",
			"-N", "align_0_0", "-r", "y", script,
		}, runner.last())

		data, err := os.ReadFile(script)
		require.NoError(t, err)
		assert.Contains(t, string(data), "bwa mem 'ref genome.fa' > ")
		assert.Contains(t, string(data), "export THREADS=4")
		assert.Contains(t, string(data), BatchExitCode)
	})

	t.Run("Should map scheduler states", func(t *testing.T) {
		st, err := b.Status(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateQueued, st.State)
		assert.Equal(t, []string{"qstat", "-f", "4242"}, runner.last())

		state = "R"
		st, err = b.Status(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateRunning, st.State)
	})

	t.Run("Should report ERROR when finished without an exit code", func(t *testing.T) {
		state = "C"
		st, err := b.Status(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateError, st.State)
	})

	t.Run("Should read the exit code file", func(t *testing.T) {
		exitFile := filepath.Join(job.WorkDir, BatchExitCode)
		require.NoError(t, os.WriteFile(exitFile, []byte("0\n"), 0o644))
		st, err := b.Status(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, model.Succeeded(0), st)

		require.NoError(t, os.WriteFile(exitFile, []byte("137\n"), 0o644))
		st, err = b.Status(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, model.Failed(137), st)
	})

	t.Run("Should reject unknown state words", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(job.WorkDir, BatchExitCode)))
		state = "Z"
		_, err := b.Status(context.Background(), job)
		assert.ErrorContains(t, err, "unknown scheduler state")
	})

	t.Run("Should cancel with the cancel template", func(t *testing.T) {
		require.NoError(t, b.Cancel(context.Background(), job))
		assert.Equal(t, []string{"qdel", "4242"}, runner.last())
	})
}

func TestBatch_WaitSurvivesStatusFailure(t *testing.T) {
	job := newJob(t, model.RuntimeEnvBatch, "true")
	var statusCalls int
	runner := &fakeRunner{answer: func(args []string) ([]byte, error) {
		switch args[0] {
		case "qsub":
			return []byte("77.pbs-server\n"), nil
		case "qstat":
			statusCalls++
			switch statusCalls {
			case 1:
				return nil, errors.New("qstat: cannot connect to server")
			case 2:
				return []byte("    job_state = R\n"), nil
			}
			if err := os.WriteFile(filepath.Join(job.WorkDir, BatchExitCode), []byte("0\n"), 0o644); err != nil {
				return nil, err
			}
			return []byte("    job_state = C\n"), nil
		case "qdel":
			return nil, nil
		}
		return nil, errors.New("unexpected command")
	}}
	b, err := NewBatch(testBatchConfig(), runner, discard())
	require.NoError(t, err)

	t.Run("Should poll again after a failed status command", func(t *testing.T) {
		id, err := b.Submit(context.Background(), job)
		require.NoError(t, err)
		job.ExternalID = id

		st, err := Wait(context.Background(), b, job, time.Millisecond, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, model.Succeeded(0), st)
		assert.Equal(t, 3, statusCalls)
	})
}

func TestBatch_SubmitEdgeCases(t *testing.T) {
	t.Run("Should drop empty placeholders", func(t *testing.T) {
		runner := &fakeRunner{answer: func([]string) ([]byte, error) { return []byte("77.host"), nil }}
		cfg := testBatchConfig()
		cfg.SubmitCommand = "sbatch {rerunnable} --chdir={workdir} {script}"
		b, err := NewBatch(cfg, runner, discard())
		require.NoError(t, err)

		job := newJob(t, model.RuntimeEnvBatch, "true")
		_, err = b.Submit(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, []string{"sbatch", "--chdir=" + job.WorkDir, filepath.Join(job.WorkDir, BatchScript)}, runner.last())
	})

	t.Run("Should fail without a job id in the acknowledgment", func(t *testing.T) {
		runner := &fakeRunner{answer: func([]string) ([]byte, error) { return []byte("qsub: queue is full"), nil }}
		b, err := NewBatch(testBatchConfig(), runner, discard())
		require.NoError(t, err)
		_, err = b.Submit(context.Background(), newJob(t, model.RuntimeEnvBatch, "true"))
		require.Error(t, err)
		assert.Equal(t, model.KindRuntime, model.KindOf(err))
	})

	t.Run("Should reject invalid patterns", func(t *testing.T) {
		cfg := testBatchConfig()
		cfg.JobIDPattern = "("
		_, err := NewBatch(cfg, nil, discard())
		assert.Error(t, err)
	})

	t.Run("Should write a runnable script", func(t *testing.T) {
		job := newJob(t, model.RuntimeEnvBatch, "printf", "%s", "it's")
		job.StdoutPath = filepath.Join(job.WorkDir, "o")
		job.StderrPath = filepath.Join(job.WorkDir, "e")
		script := jobScript(job)
		assert.True(t, strings.HasPrefix(script, "#!/bin/sh\n"))
		assert.Contains(t, script, `'it'\''s'`)
	})
}
