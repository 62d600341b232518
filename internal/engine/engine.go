// Package engine executes CWL processes. It walks a workflow's step graph,
// dispatches job instances to a runtime backend, applies post-failure
// recovery and assembles the final outputs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/me/cwlengine/internal/backend"
	"github.com/me/cwlengine/internal/cmdline"
	"github.com/me/cwlengine/internal/cwlexpr"
	"github.com/me/cwlengine/internal/execconfig"
	"github.com/me/cwlengine/internal/outputs"
	"github.com/me/cwlengine/internal/requirements"
	"github.com/me/cwlengine/pkg/cwl"
	"github.com/me/cwlengine/pkg/model"
)

const (
	defaultWorkRoot      = "./cwl-work"
	defaultScriptTimeout = 10 * time.Minute
	cancelTimeout        = 30 * time.Second
)

// Options configures an Engine.
type Options struct {
	// Backend runs every job instance. Required.
	Backend backend.Backend

	// Evaluator defaults to a fresh evaluator without a library.
	Evaluator *cwlexpr.Evaluator

	// ExecConfig supplies per-step queue, project, resource and recovery
	// settings. Nil means no configuration.
	ExecConfig *execconfig.Config

	// WorkRoot holds one directory per job instance.
	WorkRoot string

	// Runtime is the base runtime object shared by all instances. It is
	// never modified. Nil means cwlexpr.DefaultRuntime().
	Runtime map[string]any

	PollInterval time.Duration

	// PollTimeout bounds the wait for one job; zero means no limit.
	PollTimeout time.Duration

	// Scripts runs post-failure scripts; defaults to ShellScriptRunner.
	Scripts ScriptRunner

	// ScriptTimeout applies to post-failure scripts without their own.
	ScriptTimeout time.Duration

	// Registerer receives the engine's metrics; nil means a private
	// registry.
	Registerer prometheus.Registerer

	Logger *slog.Logger
}

// Engine runs CWL processes. It is safe for concurrent use.
type Engine struct {
	backend   backend.Backend
	evaluator *cwlexpr.Evaluator
	resolver  *requirements.Resolver
	builder   *cmdline.Builder
	capturer  *outputs.Capturer
	exec      *execconfig.Config

	workRoot      string
	runtime       map[string]any
	pollInterval  time.Duration
	pollTimeout   time.Duration
	scripts       ScriptRunner
	scriptTimeout time.Duration

	metrics *Metrics
	logger  *slog.Logger
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, errors.New("engine: a backend is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")

	ev := opts.Evaluator
	if ev == nil {
		ev = cwlexpr.NewEvaluator(nil)
	}
	execCfg := opts.ExecConfig
	if execCfg == nil {
		execCfg = execconfig.New(nil, execconfig.Settings{})
	}

	root := opts.WorkRoot
	if root == "" {
		root = defaultWorkRoot
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve work root: %w", err)
	}

	rt := opts.Runtime
	if rt == nil {
		rt = cwlexpr.DefaultRuntime()
	}

	scripts := opts.Scripts
	if scripts == nil {
		scripts = ShellScriptRunner{Logger: logger}
	}
	scriptTimeout := opts.ScriptTimeout
	if scriptTimeout <= 0 {
		scriptTimeout = defaultScriptTimeout
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics, err := NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	return &Engine{
		backend:       opts.Backend,
		evaluator:     ev,
		resolver:      requirements.NewResolver(ev, logger),
		builder:       cmdline.NewBuilder(ev),
		capturer:      outputs.NewCapturer(ev, logger),
		exec:          execCfg,
		workRoot:      root,
		runtime:       rt,
		pollInterval:  opts.PollInterval,
		pollTimeout:   opts.PollTimeout,
		scripts:       scripts,
		scriptTimeout: scriptTimeout,
		metrics:       metrics,
		logger:        logger,
	}, nil
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// StepFailure records a step that settled in FAILED.
type StepFailure struct {
	StepID   string `json:"step_id"`
	Attempts int    `json:"attempts"`
	Message  string `json:"error"`
	Err      error  `json:"-"`
}

// Result is the outcome of a run. Outputs of failed branches are absent.
type Result struct {
	State    model.WorkflowState        `json:"state"`
	Outputs  map[string]any             `json:"outputs"`
	Failures []StepFailure              `json:"failures,omitempty"`
	Steps    map[string]model.StepState `json:"steps"`
	Jobs     int                        `json:"jobs"`
}

// Run executes process with inputs. Step failures are reported in the
// Result, not as an error; an error is returned for invalid inputs or an
// invalid step graph, and ctx.Err() together with a partial Result when
// the run is cancelled.
func (e *Engine) Run(ctx context.Context, process cwl.Process, inputs map[string]any) (*Result, error) {
	var wf *cwl.Workflow
	switch p := process.(type) {
	case *cwl.Workflow:
		wf = p
	case *cwl.CommandLineTool:
		wf = wrapTool(p)
	default:
		return nil, model.NewValidationError(fmt.Sprintf("unsupported process class %s", process.ProcessClass()))
	}

	if _, err := inspect(wf, ""); err != nil {
		return nil, err
	}
	if unknown := e.exec.UnknownSteps(stepIDs(wf, "")); len(unknown) > 0 {
		e.logger.Warn("execution config names unknown steps", "steps", unknown)
	}

	start := time.Now()
	e.logger.Info("run started", "process", process.ProcessID(), "class", process.ProcessClass(), "steps", len(wf.Steps))

	var jobs atomic.Int64
	res, err := e.runWorkflow(ctx, wf, inputs, "", nil, &jobs)
	if res == nil {
		return nil, err
	}
	e.logger.Info("run finished",
		"state", res.State,
		"jobs", res.Jobs,
		"failed_steps", len(res.Failures),
		"duration", time.Since(start).Round(time.Millisecond))
	return res, err
}

// runWorkflow runs wf. prefix qualifies nested step ids; inherited holds
// the requirements of enclosing workflows and steps.
func (e *Engine) runWorkflow(ctx context.Context, wf *cwl.Workflow, inputs map[string]any, prefix string, inherited cwl.Requirements, jobs *atomic.Int64) (*Result, error) {
	in, err := coerceWorkflowInputs(wf, inputs)
	if err != nil {
		return nil, err
	}
	g, err := buildGraph(wf)
	if err != nil {
		return nil, err
	}

	r := newWorkflowRun(e, wf, g, in, prefix, inherited.Merge(wf.Requirements), jobs)
	r.schedule(ctx)

	res := &Result{
		State:    model.WorkflowStateDone,
		Outputs:  r.workflowOutputs(),
		Failures: r.failures,
		Steps:    r.snapshot(),
		Jobs:     int(jobs.Load()),
	}
	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].StepID < res.Failures[j].StepID })

	if err := ctx.Err(); err != nil {
		res.State = model.WorkflowStateCancelled
		return res, err
	}
	for _, st := range res.Steps {
		if st != model.StepStateDone {
			res.State = model.WorkflowStateFailed
			break
		}
	}
	return res, nil
}

// wrapTool presents a single tool as a one-step workflow.
func wrapTool(tool *cwl.CommandLineTool) *cwl.Workflow {
	id := toolStepID(tool)
	step := cwl.Step{ID: id, Run: tool, Out: tool.OutputIDs()}
	for _, in := range tool.Inputs {
		step.In = append(step.In, cwl.StepInput{ID: in.ID, Source: cwl.Single(in.ID)})
	}
	wf := &cwl.Workflow{ID: tool.ID, Steps: []cwl.Step{step}}
	for _, in := range tool.Inputs {
		in.InputBinding = nil
		wf.Inputs = append(wf.Inputs, in)
	}
	for _, out := range tool.Outputs {
		wf.Outputs = append(wf.Outputs, cwl.OutputParam{
			ID:           out.ID,
			Type:         out.Type,
			OutputSource: cwl.Single(id + "/" + out.ID),
		})
	}
	return wf
}

func toolStepID(tool *cwl.CommandLineTool) string {
	id := strings.TrimPrefix(tool.ID, "#")
	if i := strings.LastIndexAny(id, "/#"); i >= 0 {
		id = id[i+1:]
	}
	id = strings.TrimSuffix(id, ".cwl")
	if id == "" {
		return "main"
	}
	return id
}

// stepIDs lists qualified step ids, nested workflows included.
func stepIDs(wf *cwl.Workflow, prefix string) []string {
	var ids []string
	for _, s := range wf.Steps {
		ids = append(ids, prefix+s.ID)
		if sub, ok := s.Run.(*cwl.Workflow); ok {
			ids = append(ids, stepIDs(sub, prefix+s.ID+"/")...)
		}
	}
	return ids
}
