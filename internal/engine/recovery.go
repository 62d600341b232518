package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/me/cwlengine/pkg/model"
)

// scriptWaitDelay bounds the wait for output pipes held by children of a
// killed script.
const scriptWaitDelay = 2 * time.Second

// ScriptRunner runs post-failure recovery scripts.
type ScriptRunner interface {
	Run(ctx context.Context, script string, env map[string]string) error
}

// ShellScriptRunner runs the script with /bin/sh -c, inheriting the
// engine's environment plus env.
type ShellScriptRunner struct {
	Logger *slog.Logger
}

func (r ShellScriptRunner) Run(ctx context.Context, script string, env map[string]string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
	cmd.WaitDelay = scriptWaitDelay
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if r.Logger != nil && out.Len() > 0 {
		r.Logger.Debug("post-failure script output", "script", script, "output", strings.TrimSpace(out.String()))
	}
	if ctx.Err() != nil {
		return fmt.Errorf("post-failure script %s: %w", script, ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("post-failure script %s: %w", script, err)
	}
	return nil
}

// recoveryEnv describes a failed instance to its recovery script.
func recoveryEnv(f instanceFailure) map[string]string {
	env := map[string]string{
		"CWL_STEP_ID":       f.stepID,
		"CWL_SCATTER_INDEX": strconv.Itoa(f.index),
		"CWL_ATTEMPT":       strconv.Itoa(f.attempt),
		"CWL_ERROR":         f.err.Error(),
		"CWL_ERROR_KIND":    string(model.KindOf(f.err)),
	}
	if job := f.job; job != nil {
		env["CWL_JOB_ID"] = job.ID
		env["CWL_WORKDIR"] = job.WorkDir
		env["CWL_RUNTIME_ENV"] = string(job.RuntimeEnv)
		if job.ExternalID != "" {
			env["CWL_EXTERNAL_ID"] = job.ExternalID
		}
		if job.ExitCode != nil {
			env["CWL_EXIT_CODE"] = strconv.Itoa(*job.ExitCode)
		}
		if job.StdoutPath != "" {
			env["CWL_STDOUT"] = job.StdoutPath
		}
		if job.StderrPath != "" {
			env["CWL_STDERR"] = job.StderrPath
		}
	}
	return env
}
