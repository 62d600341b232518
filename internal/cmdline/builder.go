// Package cmdline builds command lines from CWL CommandLineTool definitions.
package cmdline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/me/cwlengine/internal/cwlexpr"
	"github.com/me/cwlengine/pkg/cwl"
	"github.com/me/cwlengine/pkg/model"
)

// Default redirection targets for stdout/stderr typed outputs that do not
// name a file.
const (
	DefaultStdoutName = "cwl.stdout.txt"
	DefaultStderrName = "cwl.stderr.txt"
)

// Builder constructs command lines from CWL CommandLineTool definitions.
type Builder struct {
	evaluator *cwlexpr.Evaluator
}

// NewBuilder creates a command line builder that evaluates valueFrom and
// redirection expressions with evaluator.
func NewBuilder(evaluator *cwlexpr.Evaluator) *Builder {
	return &Builder{evaluator: evaluator}
}

// BuildOptions carries the per-instance context of a build.
type BuildOptions struct {
	// Runtime is the runtime object exposed to expressions.
	Runtime map[string]any

	// Shell quotes every token for /bin/sh (ShellCommandRequirement).
	Shell bool

	// Library is the expression library of the effective requirements.
	Library []string
}

// BuildResult contains the constructed command line and related information.
type BuildResult struct {
	// Command is the full command line. In shell mode every token is
	// already quoted unless its binding disabled quoting.
	Command []string

	// Shell reports whether Command must be run through a shell.
	Shell bool

	// Stdin is the file path for standard input (if specified).
	Stdin string

	// Stdout is the file path for standard output capture (if specified).
	Stdout string

	// Stderr is the file path for standard error capture (if specified).
	Stderr string
}

// CommandLine renders the command as one line, for display and shell mode.
func (r *BuildResult) CommandLine() string {
	if r.Shell {
		return strings.Join(r.Command, " ")
	}
	quoted := make([]string, len(r.Command))
	for i, tok := range r.Command {
		quoted[i] = Quote(tok)
	}
	return strings.Join(quoted, " ")
}

// token is one command-line word.
type token struct {
	text  string
	quote bool
}

// cmdPart is the contribution of one argument or input binding.
type cmdPart struct {
	position    int
	hasPosition bool
	order       int
	tokens      []token
}

// Build constructs the command line for a CommandLineTool with the given
// inputs. Parts are ordered by binding position, then declaration order
// (arguments before inputs); unpositioned bindings come last.
func (b *Builder) Build(tool *cwl.CommandLineTool, inputs map[string]any, opts BuildOptions) (*BuildResult, error) {
	values, err := applyDefaults(tool, inputs)
	if err != nil {
		return nil, err
	}
	ctx := &cwlexpr.Context{Inputs: values, Runtime: opts.Runtime, Library: opts.Library}

	var parts []cmdPart
	order := 0

	for i, arg := range tool.Arguments {
		binding := arg.Binding()
		var value any
		if binding.ValueFrom != "" {
			v, err := b.evaluator.EvaluateAny(binding.ValueFrom, ctx)
			if err != nil {
				return nil, fmt.Errorf("argument[%d]: %w", i, err)
			}
			value = v
		}
		toks, err := b.bind(binding, value, cwl.Type{Kind: cwl.TypeAny}, ctx, true)
		if err != nil {
			return nil, fmt.Errorf("argument[%d]: %w", i, err)
		}
		if binding.ValueFrom == "" && binding.Prefix != "" {
			toks = []token{{text: binding.Prefix, quote: binding.ShellQuoteOrDefault()}}
		}
		part, err := b.newPart(binding, order, toks, ctx)
		if err != nil {
			return nil, fmt.Errorf("argument[%d]: %w", i, err)
		}
		parts = append(parts, part)
		order++
	}

	for _, in := range tool.Inputs {
		if in.InputBinding == nil {
			continue
		}
		value := values[in.ID]
		if in.InputBinding.ValueFrom != "" {
			v, err := b.evaluator.EvaluateAny(in.InputBinding.ValueFrom, ctx.WithSelf(value))
			if err != nil {
				return nil, fmt.Errorf("input %q: %w", in.ID, err)
			}
			value = v
		}
		toks, err := b.bind(in.InputBinding, value, in.Type, ctx, false)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", in.ID, err)
		}
		part, err := b.newPart(in.InputBinding, order, toks, ctx.WithSelf(values[in.ID]))
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", in.ID, err)
		}
		parts = append(parts, part)
		order++
	}

	sort.SliceStable(parts, func(i, j int) bool {
		a, c := parts[i], parts[j]
		if a.hasPosition != c.hasPosition {
			return a.hasPosition
		}
		if a.position != c.position {
			return a.position < c.position
		}
		return a.order < c.order
	})

	var words []token
	for _, bc := range tool.BaseCommand {
		words = append(words, token{text: bc, quote: true})
	}
	for _, p := range parts {
		words = append(words, p.tokens...)
	}

	result := &BuildResult{Shell: opts.Shell}
	for _, w := range words {
		if opts.Shell && w.quote {
			result.Command = append(result.Command, Quote(w.text))
		} else {
			result.Command = append(result.Command, w.text)
		}
	}

	if result.Stdin, err = b.redirect(tool.Stdin, ctx); err != nil {
		return nil, fmt.Errorf("stdin: %w", err)
	}
	if result.Stdout, err = b.redirect(tool.Stdout, ctx); err != nil {
		return nil, fmt.Errorf("stdout: %w", err)
	}
	if result.Stderr, err = b.redirect(tool.Stderr, ctx); err != nil {
		return nil, fmt.Errorf("stderr: %w", err)
	}
	for _, out := range tool.Outputs {
		switch {
		case out.Type.Kind == cwl.TypeStdout && result.Stdout == "":
			result.Stdout = DefaultStdoutName
		case out.Type.Kind == cwl.TypeStderr && result.Stderr == "":
			result.Stderr = DefaultStderrName
		}
	}
	return result, nil
}

func (b *Builder) redirect(expr string, ctx *cwlexpr.Context) (string, error) {
	if expr == "" {
		return "", nil
	}
	return b.evaluator.EvaluateString(expr, ctx)
}

// newPart orders toks by the binding's position. An expression position
// is evaluated with self bound to the input value.
func (b *Builder) newPart(binding *cwl.InputBinding, order int, toks []token, ctx *cwlexpr.Context) (cmdPart, error) {
	p := cmdPart{order: order, tokens: toks}
	if binding.Position == nil {
		return p, nil
	}
	p.hasPosition = true
	if !binding.Position.IsExpression() {
		p.position = binding.Position.Value
		return p, nil
	}
	v, err := b.evaluator.Evaluate(binding.Position.Expr, ctx)
	if err != nil {
		return p, fmt.Errorf("position: %w", err)
	}
	n, err := v.AsInt()
	if err != nil {
		return p, model.NewCommandBuildError(err, "position %s did not evaluate to an integer", binding.Position.Expr)
	}
	p.position = int(n)
	return p, nil
}

// applyDefaults fills defaults for missing inputs and rejects missing
// required inputs.
func applyDefaults(tool *cwl.CommandLineTool, inputs map[string]any) (map[string]any, error) {
	values := make(map[string]any, len(inputs))
	for k, v := range inputs {
		values[k] = v
	}
	for _, in := range tool.Inputs {
		if values[in.ID] != nil {
			continue
		}
		if in.Default != nil {
			values[in.ID] = in.Default
			continue
		}
		if !in.Type.Optional && in.Type.Kind != cwl.TypeNull {
			return nil, model.NewCommandBuildError(nil, "required input %q has no value and no default", in.ID)
		}
	}
	return values, nil
}

// bind renders one value under binding. valueFrom has already been applied.
func (b *Builder) bind(binding *cwl.InputBinding, value any, typ cwl.Type, ctx *cwlexpr.Context, argument bool) ([]token, error) {
	quote := binding.ShellQuoteOrDefault()
	prefixed := func(text string) []token {
		if binding.Prefix == "" {
			return []token{{text: text, quote: quote}}
		}
		if binding.SeparateOrDefault() {
			return []token{{text: binding.Prefix, quote: quote}, {text: text, quote: quote}}
		}
		return []token{{text: binding.Prefix + text, quote: quote}}
	}

	switch v := value.(type) {
	case nil:
		return nil, nil

	case bool:
		if v && binding.Prefix != "" {
			return []token{{text: binding.Prefix, quote: quote}}, nil
		}
		if argument && v {
			return []token{{text: "true", quote: quote}}, nil
		}
		return nil, nil

	case []any:
		if len(v) == 0 {
			return nil, nil
		}
		itemType := cwl.Type{Kind: cwl.TypeAny}
		if typ.Items != nil {
			itemType = *typ.Items
		}
		if binding.ItemSeparator != "" {
			items := make([]string, 0, len(v))
			for _, item := range v {
				items = append(items, scalarString(item))
			}
			return prefixed(strings.Join(items, binding.ItemSeparator)), nil
		}
		var toks []token
		if binding.Prefix != "" {
			toks = append(toks, token{text: binding.Prefix, quote: quote})
		}
		for _, item := range v {
			itemBinding := typ.InputBinding
			if itemBinding == nil {
				itemBinding = &cwl.InputBinding{ShellQuote: binding.ShellQuote}
			}
			itemToks, err := b.bind(itemBinding, item, itemType, ctx, false)
			if err != nil {
				return nil, err
			}
			toks = append(toks, itemToks...)
		}
		return toks, nil

	case map[string]any:
		if isFileLike(v) || typ.Kind != cwl.TypeRecord {
			return prefixed(scalarString(v)), nil
		}
		var toks []token
		if binding.Prefix != "" {
			toks = append(toks, token{text: binding.Prefix, quote: quote})
		}
		fields, err := b.bindRecord(typ, v, ctx)
		if err != nil {
			return nil, err
		}
		return append(toks, fields...), nil

	default:
		return prefixed(scalarString(v)), nil
	}
}

// bindRecord renders the fields of a record that carry bindings, ordered by
// their own positions, depth first.
func (b *Builder) bindRecord(typ cwl.Type, rec map[string]any, ctx *cwlexpr.Context) ([]token, error) {
	var parts []cmdPart
	for i, f := range typ.Fields {
		if f.InputBinding == nil {
			continue
		}
		toks, err := b.bind(f.InputBinding, rec[f.Name], f.Type, ctx, false)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		part, err := b.newPart(f.InputBinding, i, toks, ctx.WithSelf(rec[f.Name]))
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		parts = append(parts, part)
	}
	sort.SliceStable(parts, func(i, j int) bool {
		if parts[i].hasPosition != parts[j].hasPosition {
			return parts[i].hasPosition
		}
		return parts[i].position < parts[j].position
	})
	var toks []token
	for _, p := range parts {
		toks = append(toks, p.tokens...)
	}
	return toks, nil
}

func isFileLike(m map[string]any) bool {
	class, _ := m["class"].(string)
	return class == "File" || class == "Directory"
}

// scalarString renders a value as a single command-line word. Files and
// directories render as their path.
func scalarString(v any) string {
	if m, ok := v.(map[string]any); ok && isFileLike(m) {
		if path, ok := m["path"].(string); ok {
			return path
		}
		if loc, ok := m["location"].(string); ok {
			return strings.TrimPrefix(loc, "file://")
		}
	}
	return cwlexpr.ToString(v)
}
