// Package outputs collects the output object of a finished tool instance
// from its work directory.
package outputs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/me/cwlengine/internal/coerce"
	"github.com/me/cwlengine/internal/cwlexpr"
	"github.com/me/cwlengine/pkg/cwl"
	"github.com/me/cwlengine/pkg/model"
)

// OutputJSON is the file a tool may write to provide its whole output object.
const OutputJSON = "cwl.output.json"

// Capturer collects tool outputs.
type Capturer struct {
	evaluator *cwlexpr.Evaluator
	logger    *slog.Logger
}

// NewCapturer creates a Capturer.
func NewCapturer(evaluator *cwlexpr.Evaluator, logger *slog.Logger) *Capturer {
	return &Capturer{
		evaluator: evaluator,
		logger:    logger.With("component", "outputs"),
	}
}

// Capture builds the output object of job, which ran tool with inputs.
// runtime is the instance's resolved runtime object; the job's exit code,
// when known, is exposed to outputEval as runtime.exitCode.
func (c *Capturer) Capture(tool *cwl.CommandLineTool, inputs map[string]any, job *model.JobInstance, runtime map[string]any) (map[string]any, error) {
	workDir := job.WorkDir

	rt := make(map[string]any, len(runtime)+1)
	for k, v := range runtime {
		rt[k] = v
	}
	rt["outdir"] = workDir
	if job.ExitCode != nil {
		rt["exitCode"] = int64(*job.ExitCode)
	}
	ctx := &cwlexpr.Context{Inputs: inputs, Runtime: rt, Library: tool.Requirements.ExpressionLib()}

	if out, ok, err := c.readOutputJSON(workDir); ok || err != nil {
		if err != nil {
			return nil, err
		}
		return c.finish(tool, out)
	}

	out := make(map[string]any, len(tool.Outputs))
	for _, param := range tool.Outputs {
		var (
			v   any
			err error
		)
		switch {
		case param.Type.Kind == cwl.TypeStdout:
			v, err = c.streamFile(workDir, job.StdoutPath, job.Stdout)
		case param.Type.Kind == cwl.TypeStderr:
			v, err = c.streamFile(workDir, job.StderrPath, job.Stderr)
		case param.Type.Kind == cwl.TypeRecord && param.OutputBinding == nil:
			v, err = c.collectRecord(param.Type, ctx, workDir)
		default:
			v, err = c.collect(param.OutputBinding, param.Type, ctx, workDir)
		}
		if err != nil {
			return nil, model.NewOutputCaptureError(err, "output %s", param.ID)
		}
		out[param.ID] = v
	}
	return c.finish(tool, out)
}

// finish validates out against the declared output types.
func (c *Capturer) finish(tool *cwl.CommandLineTool, out map[string]any) (map[string]any, error) {
	for _, param := range tool.Outputs {
		v, present := out[param.ID]
		if !present || v == nil {
			if param.Type.Optional || param.Type.Kind == cwl.TypeNull || param.Type.Kind == cwl.TypeAny {
				continue
			}
			return nil, model.NewOutputCaptureError(nil, "missing required output %s", param.ID)
		}
		coerced, err := coerce.Coerce(v, param.Type)
		if err != nil {
			return nil, model.NewOutputCaptureError(err, "output %s does not match type %s", param.ID, param.Type)
		}
		out[param.ID] = coerced
	}
	c.logger.Debug("outputs captured", "tool", tool.ID, "count", len(out))
	return out, nil
}

func (c *Capturer) readOutputJSON(workDir string) (map[string]any, bool, error) {
	data, err := os.ReadFile(filepath.Join(workDir, OutputJSON))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, model.NewOutputCaptureError(err, "read %s", OutputJSON)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, true, model.NewOutputCaptureError(err, "parse %s", OutputJSON)
	}
	for k, v := range out {
		resolved, err := resolveObjects(v, workDir)
		if err != nil {
			return nil, true, model.NewOutputCaptureError(err, "%s: output %s", OutputJSON, k)
		}
		out[k] = resolved
	}
	return out, true, nil
}

func (c *Capturer) streamFile(workDir, path, name string) (any, error) {
	if path == "" {
		if name == "" {
			return nil, fmt.Errorf("stream was not redirected to a file")
		}
		path = name
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, name)
		}
	}
	return fileObject(path, false)
}

func (c *Capturer) collectRecord(t cwl.Type, ctx *cwlexpr.Context, workDir string) (any, error) {
	rec := make(map[string]any, len(t.Fields))
	for _, f := range t.Fields {
		var (
			v   any
			err error
		)
		if f.Type.Kind == cwl.TypeRecord && f.OutputBinding == nil {
			v, err = c.collectRecord(f.Type, ctx, workDir)
		} else {
			v, err = c.collect(f.OutputBinding, f.Type, ctx, workDir)
		}
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		rec[f.Name] = v
	}
	return rec, nil
}

// collect applies one output binding: glob, then loadContents, then
// outputEval with self bound to the matched objects.
func (c *Capturer) collect(b *cwl.OutputBinding, t cwl.Type, ctx *cwlexpr.Context, workDir string) (any, error) {
	if b == nil {
		return nil, nil
	}
	patterns, err := c.patterns(b.Glob, ctx)
	if err != nil {
		return nil, err
	}

	matched := []any{}
	for _, pattern := range patterns {
		full := pattern
		if !filepath.IsAbs(full) {
			full = filepath.Join(workDir, pattern)
		}
		paths, err := doublestar.FilepathGlob(full)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		sort.Strings(paths)
		for _, p := range paths {
			info, err := os.Stat(p)
			if err != nil {
				return nil, err
			}
			var obj map[string]any
			if info.IsDir() {
				if t.Kind == cwl.TypeFile {
					return nil, fmt.Errorf("glob %q matched directory %s for a File output", pattern, p)
				}
				obj, err = directoryObject(p)
			} else {
				if t.Kind == cwl.TypeDirectory {
					return nil, fmt.Errorf("glob %q matched file %s for a Directory output", pattern, p)
				}
				obj, err = fileObject(p, b.LoadContents)
			}
			if err != nil {
				return nil, err
			}
			matched = append(matched, obj)
		}
	}

	if b.OutputEval != "" {
		var self any = matched
		if b.Glob == nil {
			self = nil
		}
		return c.evaluator.EvaluateAny(b.OutputEval, ctx.WithSelf(self))
	}
	if b.Glob == nil {
		return nil, nil
	}
	if t.Kind == cwl.TypeArray || t.Kind == cwl.TypeAny {
		return matched, nil
	}
	switch len(matched) {
	case 0:
		return nil, nil
	case 1:
		return matched[0], nil
	}
	return nil, fmt.Errorf("%d files matched a single-valued output", len(matched))
}

// patterns returns the glob patterns of a binding. glob may be a string,
// a list of strings, or an expression yielding either.
func (c *Capturer) patterns(glob any, ctx *cwlexpr.Context) ([]string, error) {
	switch g := glob.(type) {
	case nil:
		return nil, nil
	case string:
		if !cwlexpr.IsExpression(g) {
			return []string{g}, nil
		}
		v, err := c.evaluator.EvaluateAny(g, ctx)
		if err != nil {
			return nil, err
		}
		return c.patterns(v, ctx)
	case []any:
		var out []string
		for _, item := range g {
			sub, err := c.patterns(item, ctx)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
		return out, nil
	case []string:
		return g, nil
	}
	return nil, fmt.Errorf("glob must be a string or list of strings, got %T", glob)
}
