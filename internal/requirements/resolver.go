// Package requirements computes the runtime contract of one job instance
// from a process's declared requirements.
package requirements

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"

	"github.com/me/cwlengine/internal/cwlexpr"
	"github.com/me/cwlengine/pkg/cwl"
	"github.com/me/cwlengine/pkg/model"
)

// Resources is the resolved resource ask of a job instance.
type Resources struct {
	Cores      int            `json:"cores"`
	RAM        int64          `json:"ram"`
	TmpdirSize int64          `json:"tmpdirSize"`
	OutdirSize int64          `json:"outdirSize"`
	Custom     map[string]any `json:"custom,omitempty"`
}

// Resolved is the concrete runtime contract of one job instance.
type Resolved struct {
	// Env holds the merged environment variables; a later requirement
	// overrides an earlier one with the same name.
	Env map[string]string

	Resources Resources

	// Staged lists the InitialWorkDir entries placed in the work directory.
	Staged []StagedEntry

	// Shell is set by ShellCommandRequirement.
	Shell bool

	// ExpressionLib is the concatenated InlineJavascriptRequirement library.
	ExpressionLib []string

	// Runtime is a per-instance copy of the runtime object with the
	// resolved resources and outdir filled in.
	Runtime map[string]any
}

// Resolver resolves requirements against inputs and a runtime object.
type Resolver struct {
	evaluator *cwlexpr.Evaluator
	logger    *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(evaluator *cwlexpr.Evaluator, logger *slog.Logger) *Resolver {
	return &Resolver{
		evaluator: evaluator,
		logger:    logger.With("component", "requirements"),
	}
}

// Resolve computes the runtime contract. It creates workDir if absent and
// stages the InitialWorkDir listing into it. runtime is not modified.
func (r *Resolver) Resolve(reqs cwl.Requirements, inputs, runtime map[string]any, workDir string) (*Resolved, error) {
	res := &Resolved{
		Env:           make(map[string]string),
		Shell:         reqs.Has(cwl.ClassShellCommand),
		ExpressionLib: reqs.ExpressionLib(),
		Runtime:       make(map[string]any, len(runtime)+4),
	}
	for k, v := range runtime {
		res.Runtime[k] = v
	}
	if workDir != "" {
		res.Runtime["outdir"] = workDir
	}

	ctx := &cwlexpr.Context{Inputs: inputs, Runtime: runtime, Library: res.ExpressionLib}

	var err error
	if res.Resources, err = r.resolveResources(reqs, ctx); err != nil {
		return nil, err
	}
	res.Runtime["cores"] = int64(res.Resources.Cores)
	res.Runtime["ram"] = res.Resources.RAM
	res.Runtime["tmpdirSize"] = res.Resources.TmpdirSize
	res.Runtime["outdirSize"] = res.Resources.OutdirSize
	for k, v := range res.Resources.Custom {
		res.Runtime[k] = v
	}
	ctx.Runtime = res.Runtime

	for _, req := range reqs {
		ev, ok := req.(*cwl.EnvVarRequirement)
		if !ok {
			continue
		}
		for _, def := range ev.EnvDef {
			val, err := r.evaluator.EvaluateString(def.EnvValue, ctx)
			if err != nil {
				return nil, model.NewRequirementError(err, "envDef %s", def.EnvName)
			}
			res.Env[def.EnvName] = val
		}
	}

	if workDir != "" {
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return nil, model.NewRequirementError(err, "create work directory")
		}
	}

	for _, req := range reqs {
		iwd, ok := req.(*cwl.InitialWorkDirRequirement)
		if !ok {
			continue
		}
		if workDir == "" {
			return nil, model.NewRequirementError(nil, "InitialWorkDirRequirement needs a work directory")
		}
		st := &stager{evaluator: r.evaluator, ctx: ctx, workDir: workDir}
		if err := st.stageListing(iwd.Listing); err != nil {
			return nil, err
		}
		for _, e := range st.staged {
			r.logger.Debug("staged entry", "name", e.Name, "source", e.Source, "writable", e.Writable)
		}
		res.Staged = append(res.Staged, st.staged...)
	}
	return res, nil
}

func (r *Resolver) resolveResources(reqs cwl.Requirements, ctx *cwlexpr.Context) (Resources, error) {
	out := Resources{
		Cores:      int(numberOr(ctx.Runtime["cores"], 1)),
		RAM:        int64(numberOr(ctx.Runtime["ram"], 1024)),
		TmpdirSize: int64(numberOr(ctx.Runtime["tmpdirSize"], 1024)),
		OutdirSize: int64(numberOr(ctx.Runtime["outdirSize"], 1024)),
	}
	for _, req := range reqs {
		rr, ok := req.(*cwl.ResourceRequirement)
		if !ok {
			continue
		}
		bounds := []struct {
			name     string
			min, max any
			set      func(float64)
		}{
			{"cores", rr.CoresMin, rr.CoresMax, func(v float64) { out.Cores = int(math.Ceil(v)) }},
			{"ram", rr.RamMin, rr.RamMax, func(v float64) { out.RAM = int64(math.Ceil(v)) }},
			{"tmpdir", rr.TmpdirMin, rr.TmpdirMax, func(v float64) { out.TmpdirSize = int64(math.Ceil(v)) }},
			{"outdir", rr.OutdirMin, rr.OutdirMax, func(v float64) { out.OutdirSize = int64(math.Ceil(v)) }},
		}
		for _, b := range bounds {
			raw := b.min
			if raw == nil {
				raw = b.max
			}
			if raw == nil {
				continue
			}
			v, err := r.number(raw, ctx)
			if err != nil {
				return Resources{}, model.NewRequirementError(err, "ResourceRequirement %s", b.name)
			}
			b.set(v)
		}
		for name, raw := range rr.Custom {
			v := raw
			if s, ok := raw.(string); ok && cwlexpr.IsExpression(s) {
				ev, err := r.evaluator.EvaluateAny(s, ctx)
				if err != nil {
					return Resources{}, model.NewRequirementError(err, "ResourceRequirement custom %s", name)
				}
				v = ev
			}
			if out.Custom == nil {
				out.Custom = make(map[string]any)
			}
			out.Custom[name] = v
		}
	}
	return out, nil
}

// number resolves a literal number or an expression yielding one.
func (r *Resolver) number(raw any, ctx *cwlexpr.Context) (float64, error) {
	if s, ok := raw.(string); ok {
		if !cwlexpr.IsExpression(s) {
			return strconv.ParseFloat(s, 64)
		}
		v, err := r.evaluator.Evaluate(s, ctx)
		if err != nil {
			return 0, err
		}
		return v.AsFloat()
	}
	if f, ok := toFloat(raw); ok {
		return f, nil
	}
	return 0, fmt.Errorf("expected number, got %T", raw)
}

func numberOr(v any, def float64) float64 {
	if f, ok := toFloat(v); ok {
		return f
	}
	return def
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
