package engine

import (
	"fmt"

	"github.com/me/cwlengine/internal/coerce"
	"github.com/me/cwlengine/internal/cwlexpr"
	"github.com/me/cwlengine/internal/scatter"
	"github.com/me/cwlengine/pkg/cwl"
	"github.com/me/cwlengine/pkg/model"
)

func coerceWorkflowInputs(wf *cwl.Workflow, inputs map[string]any) (map[string]any, error) {
	out, err := coerce.Inputs(wf.Inputs, inputs)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", wf.ID, err)
	}
	return out, nil
}

// stepInputs resolves each input port of step from its sources, applying
// link merge, then falls back to the port default. valueFrom is not
// applied here.
func (r *workflowRun) stepInputs(step *cwl.Step) (map[string]any, error) {
	params := make(map[string]cwl.Type)
	if step.Run != nil {
		for _, p := range step.Run.InputParams() {
			params[p.ID] = p.Type
		}
	}

	out := make(map[string]any, len(step.In))
	for _, in := range step.In {
		var v any
		if refs := in.Source.Refs; len(refs) > 0 {
			values := make([]any, 0, len(refs))
			for _, ref := range refs {
				val, ok := r.lookup(ref)
				if !ok {
					return nil, model.NewValidationError(fmt.Sprintf("step %s input %s: source %q is not available", r.prefix+step.ID, in.ID, ref))
				}
				values = append(values, val)
			}
			dest, ok := params[in.ID]
			if !ok {
				dest = cwl.Type{Kind: cwl.TypeAny}
			}
			merged, err := scatter.Link(in.LinkMerge, in.Source, values, dest)
			if err != nil {
				return nil, fmt.Errorf("step %s input %s: %w", r.prefix+step.ID, in.ID, err)
			}
			v = merged
		}
		if v == nil && in.Default != nil {
			v = in.Default
		}
		out[in.ID] = v
	}
	return out, nil
}

// applyValueFrom evaluates valueFrom expressions of step inputs. The
// expressions see the pre-valueFrom input object, with self bound to the
// port's own value.
func (r *workflowRun) applyValueFrom(step *cwl.Step, inputs map[string]any, lib []string) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	for _, in := range step.In {
		if in.ValueFrom == "" {
			continue
		}
		ctx := &cwlexpr.Context{
			Inputs:  inputs,
			Self:    inputs[in.ID],
			Runtime: r.e.runtime,
			Library: lib,
		}
		v, err := r.e.evaluator.EvaluateAny(in.ValueFrom, ctx)
		if err != nil {
			return nil, fmt.Errorf("step %s input %s valueFrom: %w", r.prefix+step.ID, in.ID, err)
		}
		out[in.ID] = v
	}
	return out, nil
}

// lookup resolves a source reference: a workflow input, or an output of a
// DONE step.
func (r *workflowRun) lookup(ref string) (any, bool) {
	stepID, port := cwl.SplitSource(ref)
	if stepID == "" {
		v, ok := r.inputs[port]
		return v, ok || r.declaresInput(port)
	}
	if r.state(stepID) != model.StepStateDone {
		return nil, false
	}
	out, ok := r.stepOutputs[stepID]
	if !ok {
		return nil, false
	}
	return out[port], true
}

func (r *workflowRun) declaresInput(id string) bool {
	for _, p := range r.wf.Inputs {
		if p.ID == id {
			return true
		}
	}
	return false
}

// workflowOutputs assembles the outputs whose sources are all available.
func (r *workflowRun) workflowOutputs() map[string]any {
	out := make(map[string]any, len(r.wf.Outputs))
	for _, o := range r.wf.Outputs {
		values := make([]any, 0, len(o.OutputSource.Refs))
		complete := len(o.OutputSource.Refs) > 0
		for _, ref := range o.OutputSource.Refs {
			v, ok := r.lookup(ref)
			if !ok {
				complete = false
				break
			}
			values = append(values, v)
		}
		if !complete {
			continue
		}
		v, err := scatter.Link(o.LinkMerge, o.OutputSource, values, o.Type)
		if err != nil {
			r.logger.Warn("dropping workflow output", "output", o.ID, "error", err)
			continue
		}
		out[o.ID] = v
	}
	return out
}
