package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/me/cwlengine/pkg/cwl"
	"github.com/me/cwlengine/pkg/model"
)

// graph is the step dependency graph of one workflow.
type graph struct {
	// deps maps each step id to the step ids it consumes from.
	deps map[string][]string
	// dependents maps each step id to the steps that consume from it.
	dependents map[string][]string
	// order is a deterministic topological order.
	order []string
}

// buildGraph derives edges from step input sources with Kahn's algorithm.
// A source "align/bam" makes the step depend on align; bare sources name
// workflow inputs and add no edge. Cycles and references to unknown steps
// are validation errors.
func buildGraph(wf *cwl.Workflow) (*graph, error) {
	g := &graph{
		deps:       make(map[string][]string, len(wf.Steps)),
		dependents: make(map[string][]string, len(wf.Steps)),
	}
	inDegree := make(map[string]int, len(wf.Steps))
	for _, s := range wf.Steps {
		if _, dup := inDegree[s.ID]; dup {
			return nil, model.NewValidationError(fmt.Sprintf("duplicate step id %q", s.ID))
		}
		inDegree[s.ID] = 0
	}

	for _, s := range wf.Steps {
		seen := make(map[string]bool)
		for _, in := range s.In {
			for _, ref := range in.Source.Refs {
				up, _ := cwl.SplitSource(ref)
				if up == "" || seen[up] {
					continue
				}
				if up == s.ID {
					return nil, model.NewValidationError(fmt.Sprintf("workflow contains a cycle involving steps: %s", s.ID))
				}
				if _, ok := inDegree[up]; !ok {
					return nil, model.NewValidationError(fmt.Sprintf("step %s input %s: unknown source step %q", s.ID, in.ID, up))
				}
				seen[up] = true
				g.dependents[up] = append(g.dependents[up], s.ID)
				g.deps[s.ID] = append(g.deps[s.ID], up)
				inDegree[s.ID]++
			}
		}
	}
	for id := range g.deps {
		sort.Strings(g.deps[id])
	}
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}

	remaining := make(map[string]int, len(inDegree))
	var queue []string
	for id, deg := range inDegree {
		remaining[id] = deg
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		g.order = append(g.order, node)
		for _, succ := range g.dependents[node] {
			remaining[succ]--
			if remaining[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.Strings(queue)
	}

	if len(g.order) != len(inDegree) {
		var cycle []string
		for id, deg := range remaining {
			if deg > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return nil, model.NewValidationError(fmt.Sprintf("workflow contains a cycle involving steps: %s", strings.Join(cycle, ", ")))
	}
	return g, nil
}

// roots returns the steps without upstream dependencies, in order.
func (g *graph) roots() []string {
	var out []string
	for _, id := range g.order {
		if len(g.deps[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// DAG is the exported view of a workflow's step graph.
type DAG struct {
	Order []string            `json:"order"`
	Deps  map[string][]string `json:"deps"`
}

// Inspect validates the step graphs of process and any nested workflows,
// and returns the top-level graph. A tool has a single step.
func Inspect(process cwl.Process) (*DAG, error) {
	var wf *cwl.Workflow
	switch p := process.(type) {
	case *cwl.Workflow:
		wf = p
	case *cwl.CommandLineTool:
		wf = wrapTool(p)
	default:
		return nil, model.NewValidationError(fmt.Sprintf("unsupported process class %s", process.ProcessClass()))
	}
	g, err := inspect(wf, "")
	if err != nil {
		return nil, err
	}
	deps := make(map[string][]string, len(g.order))
	for _, id := range g.order {
		deps[id] = append([]string{}, g.deps[id]...)
	}
	return &DAG{Order: g.order, Deps: deps}, nil
}

func inspect(wf *cwl.Workflow, prefix string) (*graph, error) {
	g, err := buildGraph(wf)
	if err != nil {
		if prefix != "" {
			return nil, fmt.Errorf("subworkflow %s: %w", strings.TrimSuffix(prefix, "/"), err)
		}
		return nil, err
	}
	for _, s := range wf.Steps {
		switch run := s.Run.(type) {
		case nil:
			return nil, model.NewValidationError(fmt.Sprintf("step %s%s has no run process", prefix, s.ID))
		case *cwl.Workflow:
			if _, err := inspect(run, prefix+s.ID+"/"); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}
