package backend

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/me/cwlengine/internal/cmdline"
	"github.com/me/cwlengine/pkg/model"
)

// Files the batch job script writes into the work directory.
const (
	BatchScript    = ".job.sh"
	BatchExitCode  = ".job.exitcode"
	BatchStdoutLog = ".job.stdout"
	BatchStderrLog = ".job.stderr"
)

// BatchConfig describes how to talk to a batch scheduler. Command
// templates are split like a shell would and may use the placeholders
// {queue}, {project}, {resource}, {name}, {script}, {workdir}, {rerunnable}
// and (status/cancel only) {id}. A token that is empty after substitution
// is dropped.
type BatchConfig struct {
	SubmitCommand string `koanf:"submit_command" yaml:"submit_command" validate:"required"`
	StatusCommand string `koanf:"status_command" yaml:"status_command" validate:"required"`
	CancelCommand string `koanf:"cancel_command" yaml:"cancel_command" validate:"required"`

	// JobIDPattern extracts the job id from the submit acknowledgment. The
	// first capture group is used if present, else the whole match.
	JobIDPattern string `koanf:"job_id_pattern" yaml:"job_id_pattern" validate:"required"`

	// StatePattern extracts the state word from the status output.
	StatePattern string `koanf:"state_pattern" yaml:"state_pattern" validate:"required"`

	// States maps scheduler state words to job states. A word mapped to
	// SUCCEEDED means "finished": the exit code file decides the outcome.
	States map[string]model.JobState `koanf:"states" yaml:"states"`

	// RerunnableFlag replaces {rerunnable} for rerunnable jobs.
	RerunnableFlag string `koanf:"rerunnable_flag" yaml:"rerunnable_flag"`
}

// DefaultBatchConfig returns templates for a PBS-style scheduler.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		SubmitCommand:  "qsub -q {queue} -A {project} -l {resource} -N {name} {rerunnable} {script}",
		StatusCommand:  "qstat -f {id}",
		CancelCommand:  "qdel {id}",
		JobIDPattern:   `^\s*(\S+)`,
		StatePattern:   `job_state\s*=\s*(\w+)`,
		RerunnableFlag: "-r y",
		States: map[string]model.JobState{
			"Q": model.JobStateQueued,
			"H": model.JobStateQueued,
			"W": model.JobStateQueued,
			"R": model.JobStateRunning,
			"E": model.JobStateRunning,
			"C": model.JobStateSucceeded,
			"F": model.JobStateSucceeded,
		},
	}
}

// Runner executes a scheduler command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return buf.Bytes(), fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(buf.String()))
	}
	return buf.Bytes(), nil
}

// Batch submits jobs to a batch scheduler through its command-line tools.
type Batch struct {
	cfg     BatchConfig
	jobID   *regexp.Regexp
	state   *regexp.Regexp
	runner  Runner
	logger  *slog.Logger
	submitT []string
	statusT []string
	cancelT []string
}

// NewBatch creates a Batch backend. A nil runner uses ExecRunner.
func NewBatch(cfg BatchConfig, runner Runner, logger *slog.Logger) (*Batch, error) {
	if runner == nil {
		runner = ExecRunner{}
	}
	b := &Batch{cfg: cfg, runner: runner, logger: logger.With("component", "batch-backend")}

	var err error
	if b.jobID, err = regexp.Compile(cfg.JobIDPattern); err != nil {
		return nil, fmt.Errorf("job id pattern: %w", err)
	}
	if b.state, err = regexp.Compile(cfg.StatePattern); err != nil {
		return nil, fmt.Errorf("state pattern: %w", err)
	}
	for _, t := range []struct {
		name string
		src  string
		dst  *[]string
	}{
		{"submit", cfg.SubmitCommand, &b.submitT},
		{"status", cfg.StatusCommand, &b.statusT},
		{"cancel", cfg.CancelCommand, &b.cancelT},
	} {
		tokens, err := shlex.Split(t.src)
		if err != nil {
			return nil, fmt.Errorf("%s command: %w", t.name, err)
		}
		if len(tokens) == 0 {
			return nil, fmt.Errorf("%s command is empty", t.name)
		}
		*t.dst = tokens
	}
	return b, nil
}

// Env returns model.RuntimeEnvBatch.
func (b *Batch) Env() model.RuntimeEnv { return model.RuntimeEnvBatch }

// Submit writes the job script and submits it.
func (b *Batch) Submit(ctx context.Context, job *model.JobInstance) (string, error) {
	if len(job.Command) == 0 {
		return "", model.NewRuntimeError(nil, "job %s has an empty command", job.ID)
	}
	if err := os.MkdirAll(job.WorkDir, 0o755); err != nil {
		return "", model.NewRuntimeError(err, "job %s: create work dir", job.ID)
	}
	job.StdoutPath = streamPath(job.WorkDir, job.Stdout, BatchStdoutLog)
	job.StderrPath = streamPath(job.WorkDir, job.Stderr, BatchStderrLog)
	_ = os.Remove(filepath.Join(job.WorkDir, BatchExitCode))

	script := filepath.Join(job.WorkDir, BatchScript)
	if err := os.WriteFile(script, []byte(jobScript(job)), 0o755); err != nil {
		return "", model.NewRuntimeError(err, "job %s: write job script", job.ID)
	}

	args := b.expand(b.submitT, b.placeholders(job, script, ""))
	out, err := b.runner.Run(ctx, args[0], args[1:]...)
	if err != nil {
		return "", model.NewRuntimeError(err, "job %s: submit", job.ID)
	}
	m := b.jobID.FindSubmatch(out)
	if m == nil {
		return "", model.NewRuntimeError(nil, "job %s: no job id in submit output %q", job.ID, strings.TrimSpace(string(out)))
	}
	id := string(m[0])
	if len(m) > 1 {
		id = string(m[1])
	}
	b.logger.Info("job submitted", "step", job.StepID, "job_id", job.ID, "attempt", job.Attempt, "batch_id", id, "queue", job.Queue)
	return id, nil
}

// Status prefers the exit code file; otherwise it asks the scheduler.
func (b *Batch) Status(ctx context.Context, job *model.JobInstance) (model.JobStatus, error) {
	if st, ok := b.exitStatus(job); ok {
		return st, nil
	}
	if job.ExternalID == "" {
		return model.JobStatus{State: model.JobStateQueued}, nil
	}
	args := b.expand(b.statusT, b.placeholders(job, "", job.ExternalID))
	out, err := b.runner.Run(ctx, args[0], args[1:]...)
	if err != nil {
		return model.JobStatus{}, fmt.Errorf("job %s: status: %w", job.ID, err)
	}
	m := b.state.FindSubmatch(out)
	if m == nil {
		return model.JobStatus{}, fmt.Errorf("job %s: no state in status output", job.ID)
	}
	word := string(m[len(m)-1])
	state, ok := b.cfg.States[word]
	if !ok {
		return model.JobStatus{}, fmt.Errorf("job %s: unknown scheduler state %q", job.ID, word)
	}
	if state.IsTerminal() {
		// The scheduler considers the job finished; re-check in case the
		// exit code file appeared since the first look.
		if st, ok := b.exitStatus(job); ok {
			return st, nil
		}
		if state == model.JobStateSucceeded {
			return model.Errored("job finished without writing an exit code"), nil
		}
		return model.JobStatus{State: state, ExitCode: -1, Cause: "scheduler state " + word}, nil
	}
	return model.JobStatus{State: state}, nil
}

func (b *Batch) exitStatus(job *model.JobInstance) (model.JobStatus, bool) {
	data, err := os.ReadFile(filepath.Join(job.WorkDir, BatchExitCode))
	if err != nil {
		return model.JobStatus{}, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return model.Errored(fmt.Sprintf("malformed exit code %q", strings.TrimSpace(string(data)))), true
	}
	if code == 0 {
		return model.Succeeded(0), true
	}
	return model.Failed(code), true
}

// Logs reads the job's stream files from the shared work directory.
func (b *Batch) Logs(_ context.Context, job *model.JobInstance) (string, string, error) {
	return readStreams(job)
}

// Cancel runs the cancel command.
func (b *Batch) Cancel(ctx context.Context, job *model.JobInstance) error {
	if job.ExternalID == "" {
		return nil
	}
	args := b.expand(b.cancelT, b.placeholders(job, "", job.ExternalID))
	if _, err := b.runner.Run(ctx, args[0], args[1:]...); err != nil {
		return fmt.Errorf("job %s: cancel: %w", job.ID, err)
	}
	return nil
}

func (b *Batch) placeholders(job *model.JobInstance, script, id string) map[string]string {
	rerun := ""
	if job.Rerunnable {
		rerun = b.cfg.RerunnableFlag
	}
	return map[string]string{
		"{queue}":      job.Queue,
		"{project}":    job.Project,
		"{resource}":   job.Resource,
		"{name}":       jobName(job),
		"{script}":     script,
		"{workdir}":    job.WorkDir,
		"{rerunnable}": rerun,
		"{id}":         id,
	}
}

// expand substitutes placeholders token by token. A token consisting of a
// placeholder whose value has several words (such as "-r y") is split.
func (b *Batch) expand(tmpl []string, vals map[string]string) []string {
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []string
	for _, tok := range tmpl {
		if v, ok := vals[tok]; ok {
			if words, err := shlex.Split(v); err == nil {
				out = append(out, words...)
				continue
			}
		}
		for _, k := range keys {
			tok = strings.ReplaceAll(tok, k, vals[k])
		}
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// jobName is a scheduler-safe job name.
func jobName(job *model.JobInstance) string {
	name := fmt.Sprintf("%s_%d_%d", job.StepID, job.ScatterIndex, job.Attempt)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, name)
}

// jobScript renders the shell script run by the scheduler. It records the
// command's exit status in the exit code file.
func jobScript(job *model.JobInstance) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "cd %s || exit 1\n", cmdline.Quote(job.WorkDir))
	fmt.Fprintf(&b, "export HOME=%s TMPDIR=%s\n", cmdline.Quote(job.WorkDir), cmdline.Quote(job.WorkDir))

	names := make([]string, 0, len(job.Env))
	for k := range job.Env {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(&b, "export %s=%s\n", k, cmdline.Quote(job.Env[k]))
	}

	var cmd string
	if job.Shell {
		cmd = "( " + strings.Join(job.Command, " ") + " )"
	} else {
		quoted := make([]string, len(job.Command))
		for i, arg := range job.Command {
			quoted[i] = cmdline.Quote(arg)
		}
		cmd = strings.Join(quoted, " ")
	}
	if job.Stdin != "" {
		cmd += " < " + cmdline.Quote(resolve(job.WorkDir, job.Stdin))
	}
	cmd += " > " + cmdline.Quote(job.StdoutPath) + " 2> " + cmdline.Quote(job.StderrPath)

	b.WriteString(cmd + "\n")
	fmt.Fprintf(&b, "echo $? > %s\n", cmdline.Quote(filepath.Join(job.WorkDir, BatchExitCode)))
	return b.String()
}
