package cwlexpr

// Context holds the evaluation context for CWL expressions.
type Context struct {
	// Inputs is the inputs object containing all input parameter values.
	Inputs map[string]any

	// Self is the current value being processed (used in valueFrom, outputEval).
	// For inputBinding.valueFrom, self is the input parameter value.
	// For outputBinding.outputEval, self is the collected output files.
	Self any

	// Runtime is the runtime object (outdir, tmpdir, cores, ram, ...).
	// It is shared between instances and never written to.
	Runtime map[string]any

	// Library is extra JavaScript loaded after the evaluator's own library.
	Library []string
}

// NewContext creates a new evaluation context with the given inputs and
// the default runtime object.
func NewContext(inputs map[string]any) *Context {
	return &Context{
		Inputs:  inputs,
		Runtime: DefaultRuntime(),
	}
}

// WithSelf returns a copy of the context with the self value set.
func (c *Context) WithSelf(self any) *Context {
	cp := *c
	cp.Self = self
	return &cp
}

// WithRuntime returns a copy of the context with the runtime object set.
func (c *Context) WithRuntime(rt map[string]any) *Context {
	cp := *c
	cp.Runtime = rt
	return &cp
}

// DefaultRuntime returns a runtime object with sensible defaults.
func DefaultRuntime() map[string]any {
	return map[string]any{
		"outdir":     "/tmp/cwl-output",
		"tmpdir":     "/tmp/cwl-tmp",
		"cores":      int64(1),
		"ram":        int64(1024),
		"outdirSize": int64(1024),
		"tmpdirSize": int64(1024),
	}
}
