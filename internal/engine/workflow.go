package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/me/cwlengine/internal/execconfig"
	"github.com/me/cwlengine/internal/scatter"
	"github.com/me/cwlengine/pkg/cwl"
	"github.com/me/cwlengine/pkg/model"
)

// workflowRun is the mutable state of one workflow execution.
type workflowRun struct {
	e      *Engine
	wf     *cwl.Workflow
	graph  *graph
	inputs map[string]any
	prefix string
	reqs   cwl.Requirements
	jobs   *atomic.Int64
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]model.StepState

	// Written only by the scheduling loop.
	stepOutputs map[string]map[string]any
	failures    []StepFailure
}

type stepResult struct {
	stepID   string
	outputs  map[string]any
	attempts int
	err      error
}

// instanceFailure describes one failed job instance of a step.
type instanceFailure struct {
	stepID  string
	index   int
	attempt int
	job     *model.JobInstance
	err     error
}

func newWorkflowRun(e *Engine, wf *cwl.Workflow, g *graph, inputs map[string]any, prefix string, reqs cwl.Requirements, jobs *atomic.Int64) *workflowRun {
	r := &workflowRun{
		e:           e,
		wf:          wf,
		graph:       g,
		inputs:      inputs,
		prefix:      prefix,
		reqs:        reqs,
		jobs:        jobs,
		logger:      e.logger,
		states:      make(map[string]model.StepState, len(wf.Steps)),
		stepOutputs: make(map[string]map[string]any, len(wf.Steps)),
	}
	if prefix != "" {
		r.logger = e.logger.With("workflow", prefix)
	}
	for _, s := range wf.Steps {
		r.states[s.ID] = model.StepStatePending
	}
	return r
}

// schedule runs steps as their dependencies complete. Independent branches
// keep running after a failure; steps downstream of a failure are skipped.
func (r *workflowRun) schedule(ctx context.Context) {
	results := make(chan stepResult, len(r.wf.Steps))
	inFlight := 0

	dispatch := func(id string) {
		step, _ := r.wf.Step(id)
		r.transition(id, model.StepStateReady)
		inputs, err := r.stepInputs(step)
		if err != nil {
			r.transition(id, model.StepStateFailed)
			r.recordFailure(id, 0, err)
			return
		}
		r.transition(id, model.StepStateRunning)
		r.logger.Info("step started", "step", r.prefix+id)
		inFlight++
		go func() {
			out, attempts, err := r.executeStep(ctx, step, inputs)
			results <- stepResult{stepID: id, outputs: out, attempts: attempts, err: err}
		}()
	}

	if ctx.Err() == nil {
		for _, id := range r.graph.roots() {
			dispatch(id)
		}
	}

	for inFlight > 0 {
		res := <-results
		inFlight--

		if res.err != nil {
			r.transition(res.stepID, model.StepStateFailed)
			r.recordFailure(res.stepID, res.attempts, res.err)
			continue
		}
		r.stepOutputs[res.stepID] = res.outputs
		r.transition(res.stepID, model.StepStateDone)
		r.logger.Info("step completed", "step", r.prefix+res.stepID, "attempts", res.attempts)

		if ctx.Err() != nil {
			continue
		}
		for _, next := range r.graph.dependents[res.stepID] {
			if r.ready(next) {
				dispatch(next)
			}
		}
	}

	for _, id := range r.graph.order {
		if r.state(id) == model.StepStatePending {
			r.transition(id, model.StepStateSkipped)
		}
	}
}

func (r *workflowRun) recordFailure(id string, attempts int, err error) {
	r.logger.Error("step failed", "step", r.prefix+id, "attempts", attempts, "error", err)
	r.failures = append(r.failures, StepFailure{
		StepID:   r.prefix + id,
		Attempts: attempts,
		Message:  err.Error(),
		Err:      err,
	})
}

// ready reports whether a pending step has all dependencies DONE.
func (r *workflowRun) ready(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[id] != model.StepStatePending {
		return false
	}
	for _, dep := range r.graph.deps[id] {
		if r.states[dep] != model.StepStateDone {
			return false
		}
	}
	return true
}

func (r *workflowRun) state(id string) model.StepState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[id]
}

func (r *workflowRun) snapshot() map[string]model.StepState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]model.StepState, len(r.states))
	for k, v := range r.states {
		out[k] = v
	}
	return out
}

// transition moves a step to next. Invalid transitions are rejected and
// logged.
func (r *workflowRun) transition(id string, next model.StepState) error {
	r.mu.Lock()
	cur := r.states[id]
	if !cur.CanTransitionTo(next) {
		r.mu.Unlock()
		err := &model.InvalidTransitionError{Entity: "step", ID: r.prefix + id, From: string(cur), To: string(next)}
		r.logger.Error("rejected step transition", "error", err)
		return err
	}
	r.states[id] = next
	r.mu.Unlock()

	r.e.metrics.StepTransitions.WithLabelValues(string(next)).Inc()
	r.logger.Debug("step transition", "step", r.prefix+id, "from", cur, "to", next)
	return nil
}

// executeStep runs all instances of step, resubmitting failed instances
// after a successful post-failure script. It returns the gathered outputs
// and the number of attempts made.
func (r *workflowRun) executeStep(ctx context.Context, step *cwl.Step, inputs map[string]any) (map[string]any, int, error) {
	qualified := r.prefix + step.ID
	settings, err := r.e.exec.Resolve(qualified)
	if err != nil {
		return nil, 0, err
	}
	reqs := r.reqs.Merge(step.Requirements)

	instances, plan, err := r.expand(step, inputs, reqs.ExpressionLib())
	if err != nil {
		return nil, 0, err
	}
	if plan != nil {
		r.logger.Info("step scattered", "step", qualified, "method", plan.Method, "instances", len(instances))
	}

	results := make([]map[string]any, len(instances))
	pending := make([]int, len(instances))
	for i := range pending {
		pending[i] = i
	}

	attempt := 0
	for len(pending) > 0 {
		failures := r.runInstances(ctx, step, reqs, settings, instances, pending, attempt, results)
		if len(failures) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, attempt + 1, fmt.Errorf("step %s cancelled: %w", qualified, err)
		}
		first := failures[0].err
		for _, f := range failures {
			if !model.IsRetryable(f.err) {
				return nil, attempt + 1, f.err
			}
		}
		pfs := settings.PostFailureScript
		if pfs == nil || attempt >= pfs.Retry {
			return nil, attempt + 1, first
		}
		if err := r.recover(ctx, step.ID, pfs, failures); err != nil {
			return nil, attempt + 1, errors.Join(first, err)
		}

		attempt++
		pending = pending[:0]
		for _, f := range failures {
			pending = append(pending, f.index)
		}
		r.logger.Info("resubmitting failed instances", "step", qualified, "attempt", attempt, "instances", len(pending))
	}

	outIDs := step.Out
	if len(outIDs) == 0 {
		outIDs = step.Run.OutputIDs()
	}
	if plan != nil {
		out, err := scatter.Gather(plan, results, outIDs)
		return out, attempt + 1, err
	}
	out := make(map[string]any, len(outIDs))
	for _, id := range outIDs {
		out[id] = results[0][id]
	}
	return out, attempt + 1, nil
}

// expand turns the step inputs into per-instance inputs. valueFrom is
// applied after scatter expansion so it sees one element per instance.
func (r *workflowRun) expand(step *cwl.Step, inputs map[string]any, lib []string) ([]map[string]any, *scatter.Plan, error) {
	if len(step.Scatter) == 0 {
		in, err := r.applyValueFrom(step, inputs, lib)
		if err != nil {
			return nil, nil, err
		}
		return []map[string]any{in}, nil, nil
	}

	plan, err := scatter.Expand(inputs, step.Scatter, step.ScatterMethod)
	if err != nil {
		return nil, nil, fmt.Errorf("step %s: %w", r.prefix+step.ID, err)
	}
	out := make([]map[string]any, len(plan.Instances))
	for i, inst := range plan.Instances {
		if out[i], err = r.applyValueFrom(step, inst.Inputs, lib); err != nil {
			return nil, nil, err
		}
	}
	return out, plan, nil
}

// runInstances runs the instances at the given indices concurrently and
// stores successful outputs into results. A failing instance does not
// cancel its siblings.
func (r *workflowRun) runInstances(ctx context.Context, step *cwl.Step, reqs cwl.Requirements, settings execconfig.Settings,
	instances []map[string]any, indices []int, attempt int, results []map[string]any) []instanceFailure {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []instanceFailure
	)
	qualified := r.prefix + step.ID
	for _, idx := range indices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, job, err := r.runInstance(ctx, step, reqs, settings, instances[idx], idx, attempt)
			if err != nil {
				if len(instances) > 1 {
					err = fmt.Errorf("scatter instance %d: %w", idx, err)
				}
				mu.Lock()
				failures = append(failures, instanceFailure{stepID: qualified, index: idx, attempt: attempt, job: job, err: err})
				mu.Unlock()
				return
			}
			results[idx] = out
		}()
	}
	wg.Wait()
	sort.Slice(failures, func(i, j int) bool { return failures[i].index < failures[j].index })
	return failures
}

// runInstance runs one instance: a tool job or a nested workflow.
func (r *workflowRun) runInstance(ctx context.Context, step *cwl.Step, reqs cwl.Requirements, settings execconfig.Settings,
	inputs map[string]any, index, attempt int) (map[string]any, *model.JobInstance, error) {
	qualified := r.prefix + step.ID
	switch p := step.Run.(type) {
	case *cwl.CommandLineTool:
		return r.e.runTool(ctx, toolJob{
			stepID:   qualified,
			index:    index,
			attempt:  attempt,
			tool:     p,
			reqs:     reqs.Merge(p.Requirements),
			inputs:   inputs,
			settings: settings,
			jobs:     r.jobs,
		})
	case *cwl.Workflow:
		res, err := r.e.runWorkflow(ctx, p, inputs, qualified+"/", reqs, r.jobs)
		if err != nil {
			return nil, nil, err
		}
		if res.State != model.WorkflowStateDone {
			errs := make([]error, len(res.Failures))
			ids := make([]string, len(res.Failures))
			for i, f := range res.Failures {
				errs[i] = f.Err
				ids[i] = f.StepID
			}
			return nil, nil, model.NewRuntimeError(errors.Join(errs...), "subworkflow %s failed at steps %v", qualified, ids)
		}
		return res.Outputs, nil, nil
	case nil:
		return nil, nil, model.NewValidationError(fmt.Sprintf("step %s has no run process", qualified))
	default:
		return nil, nil, model.NewValidationError(fmt.Sprintf("step %s: unsupported process class %s", qualified, p.ProcessClass()))
	}
}

// recover moves the step through RECOVERING and runs the post-failure
// script once per failed instance. Any script failure ends recovery.
func (r *workflowRun) recover(ctx context.Context, id string, pfs *execconfig.PostFailureScript, failures []instanceFailure) error {
	r.transition(id, model.StepStateFailed)
	r.transition(id, model.StepStateRecovering)

	timeout := pfs.Timeout
	if timeout <= 0 {
		timeout = r.e.scriptTimeout
	}
	for _, f := range failures {
		r.logger.Warn("running post-failure script",
			"step", f.stepID,
			"scatter_index", f.index,
			"attempt", f.attempt,
			"script", pfs.Script,
			"error", f.err)
		sctx, cancel := context.WithTimeout(ctx, timeout)
		err := r.e.scripts.Run(sctx, pfs.Script, recoveryEnv(f))
		cancel()
		if err != nil {
			r.e.metrics.Recoveries.WithLabelValues("failed").Inc()
			return err
		}
	}
	r.e.metrics.Recoveries.WithLabelValues("succeeded").Inc()
	return r.transition(id, model.StepStateRunning)
}
