// Package cwlexpr provides a CWL expression evaluator using JavaScript (goja).
// It supports CWL parameter references, expressions, and JavaScript code blocks.
package cwlexpr

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/me/cwlengine/pkg/model"
)

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = 5 * time.Second

// Evaluator evaluates CWL expressions. It holds no per-call state: every
// call gets a fresh JavaScript runtime, so one Evaluator may be shared by
// concurrently running jobs.
type Evaluator struct {
	expressionLib []string
	timeout       time.Duration
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithTimeout sets the per-call evaluation timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.timeout = d }
}

// NewEvaluator creates a new CWL expression evaluator.
// The expressionLib parameter contains JavaScript code to include before evaluation.
func NewEvaluator(expressionLib []string, opts ...Option) *Evaluator {
	e := &Evaluator{
		expressionLib: expressionLib,
		timeout:       DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithLibrary returns an evaluator that prepends lib after e's own library.
func (e *Evaluator) WithLibrary(lib []string) *Evaluator {
	if len(lib) == 0 {
		return e
	}
	combined := make([]string, 0, len(e.expressionLib)+len(lib))
	combined = append(combined, e.expressionLib...)
	combined = append(combined, lib...)
	return &Evaluator{expressionLib: combined, timeout: e.timeout}
}

// setupVM creates a runtime with the library loaded and inputs, self and
// runtime bound.
func (e *Evaluator) setupVM(ctx *Context) (*goja.Runtime, func(), error) {
	vm := goja.New()
	stop := func() {}
	if e.timeout > 0 {
		timer := time.AfterFunc(e.timeout, func() {
			vm.Interrupt(fmt.Sprintf("expression timed out after %s", e.timeout))
		})
		stop = func() { timer.Stop() }
	}

	libs := append(append([]string{}, e.expressionLib...), ctx.Library...)
	for i, lib := range libs {
		if _, err := vm.RunString(lib); err != nil {
			stop()
			return nil, nil, fmt.Errorf("expressionLib[%d]: %w", i, err)
		}
	}

	bindings := map[string]any{
		"inputs":  ctx.Inputs,
		"self":    ctx.Self,
		"runtime": ctx.Runtime,
	}
	for name, v := range bindings {
		if err := vm.Set(name, toJS(vm, v)); err != nil {
			stop()
			return nil, nil, fmt.Errorf("set %s: %w", name, err)
		}
	}
	return vm, stop, nil
}

// Evaluate evaluates a CWL expression string with the given context.
// Supports three expression forms:
//   - Parameter references: $(inputs.file.basename)
//   - Simple expressions: $(inputs.count * 2)
//   - JavaScript code blocks: ${ return inputs.x + 1; }
//
// A string without expressions evaluates to itself, with \$( unescaped.
// Failures are reported as ExpressionError.
func (e *Evaluator) Evaluate(expr string, ctx *Context) (Value, error) {
	if ctx == nil {
		ctx = NewContext(nil)
	}
	if !containsExpression(expr) {
		return String(unescape(expr)), nil
	}

	vm, stop, err := e.setupVM(ctx)
	if err != nil {
		return Value{}, model.NewExpressionError(err, "load expression library")
	}
	defer stop()

	// Trim only leading whitespace: YAML block scalars keep a trailing newline.
	trimmedLeft := strings.TrimLeft(expr, " \t\n\r")
	if strings.HasPrefix(trimmedLeft, "${") {
		if idx := findMatchingBrace(trimmedLeft); idx >= 0 {
			block := trimmedLeft[:idx+1]
			rest := trimmedLeft[idx+1:]
			v, err := evaluateCodeBlock(vm, block)
			if err != nil {
				return Value{}, err
			}
			if strings.TrimSpace(rest) == "" {
				return v, nil
			}
			tail, err := evaluateInterpolated(vm, rest)
			if err != nil {
				return Value{}, err
			}
			return String(toString(v.Interface()) + toString(tail.Interface())), nil
		}
	}

	return evaluateInterpolated(vm, expr)
}

// EvaluateAny is Evaluate returning plain Go values.
func (e *Evaluator) EvaluateAny(expr string, ctx *Context) (any, error) {
	v, err := e.Evaluate(expr, ctx)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

func evaluateCodeBlock(vm *goja.Runtime, block string) (Value, error) {
	code := strings.TrimSpace(block[2 : len(block)-1])
	wrapped := "(function() {\n" + code + "\n})()"
	val, err := vm.RunString(wrapped)
	if err != nil {
		return Value{}, model.NewExpressionError(err, "evaluate ${%s}", abbreviate(code))
	}
	if goja.IsUndefined(val) {
		return Null(), nil
	}
	return fromJS(val), nil
}

// evaluateInterpolated evaluates a string with embedded $(expr) expressions.
// A string that is exactly one $(...) keeps the result's type; anything
// else becomes a string.
func evaluateInterpolated(vm *goja.Runtime, expr string) (Value, error) {
	matches := findExpressions(expr)
	if len(matches) == 0 {
		return String(unescape(expr)), nil
	}

	if len(matches) == 1 && matches[0].start == 0 && matches[0].end == len(expr) {
		return runParameterReference(vm, matches[0].expr)
	}

	var b strings.Builder
	lastEnd := 0
	for _, m := range matches {
		b.WriteString(unescape(expr[lastEnd:m.start]))
		v, err := runParameterReference(vm, m.expr)
		if err != nil {
			return Value{}, err
		}
		b.WriteString(toString(v.Interface()))
		lastEnd = m.end
	}
	b.WriteString(unescape(expr[lastEnd:]))
	return String(b.String()), nil
}

func runParameterReference(vm *goja.Runtime, code string) (Value, error) {
	src := code
	// A bare object literal needs parentheses to parse as an expression.
	if strings.HasPrefix(strings.TrimSpace(src), "{") {
		src = "(" + src + ")"
	}
	val, err := vm.RunString(src)
	if err != nil {
		return Value{}, model.NewExpressionError(err, "evaluate $(%s)", abbreviate(code))
	}
	if goja.IsUndefined(val) {
		return Value{}, model.NewExpressionError(nil, "$(%s) is undefined", abbreviate(code))
	}
	return fromJS(val), nil
}

// toJS converts plain Go values into JavaScript values. Objects are built
// with sorted keys so that iteration order inside expressions is stable.
func toJS(vm *goja.Runtime, x any) goja.Value {
	switch v := x.(type) {
	case nil:
		return goja.Null()
	case Value:
		return toJS(vm, v.Interface())
	case map[string]any:
		obj := vm.NewObject()
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_ = obj.Set(k, toJS(vm, v[k]))
		}
		return obj
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = toJS(vm, item)
		}
		return vm.NewArray(items...)
	case bool, string, int, int64, float64:
		return vm.ToValue(v)
	default:
		return toJS(vm, FromGo(x).Interface())
	}
}

// fromJS converts a JavaScript value into a Value, preserving object key
// insertion order.
func fromJS(val goja.Value) Value {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return Null()
	}
	obj, ok := val.(*goja.Object)
	if !ok {
		return FromGo(val.Export())
	}
	switch obj.ClassName() {
	case "Array":
		n := int(obj.Get("length").ToInteger())
		items := make([]Value, n)
		for i := 0; i < n; i++ {
			items[i] = fromJS(obj.Get(strconv.Itoa(i)))
		}
		return Array(items...)
	case "Object":
		keys := obj.Keys()
		members := make([]Member, 0, len(keys))
		for _, k := range keys {
			v := obj.Get(k)
			if _, isFunc := goja.AssertFunction(v); isFunc {
				continue
			}
			members = append(members, Member{Key: k, Value: fromJS(v)})
		}
		return Object(members...)
	case "Function":
		return Null()
	default:
		return FromGo(obj.Export())
	}
}

// findMatchingBrace finds the index of the closing brace for a ${...} code block.
// Returns -1 if no matching brace is found.
func findMatchingBrace(s string) int {
	open := strings.IndexByte(s, '{')
	if open < 0 {
		return -1
	}
	return matchClose(s, open, '{', '}')
}

type exprMatch struct {
	start int    // index of "$("
	end   int    // index after the closing ")"
	expr  string // contents between the parentheses
}

// findExpressions finds all unescaped $(expr) patterns in a string, handling
// nested parentheses.
func findExpressions(s string) []exprMatch {
	var matches []exprMatch
	i := 0
	for i < len(s)-1 {
		if s[i] == '$' && s[i+1] == '(' && (i == 0 || s[i-1] != '\\') {
			if j := matchClose(s, i+1, '(', ')'); j >= 0 {
				matches = append(matches, exprMatch{start: i, end: j + 1, expr: s[i+2 : j]})
				i = j + 1
				continue
			}
		}
		i++
	}
	return matches
}

// matchClose returns the index of closeCh balancing the openCh at s[from].
// Brackets inside string literals, template literals and comments do not
// count. Returns -1 when the text ends first.
func matchClose(s string, from int, openCh, closeCh byte) int {
	depth := 0
	for i := from; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\'' || c == '"' || c == '`':
			if i = skipQuoted(s, i); i < 0 {
				return -1
			}
		case c == '/' && i+1 < len(s) && s[i+1] == '/':
			nl := strings.IndexByte(s[i:], '\n')
			if nl < 0 {
				return -1
			}
			i += nl
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return -1
			}
			i += end + 3
		case c == openCh:
			depth++
		case c == closeCh:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// skipQuoted returns the index of the quote closing the literal opened at
// s[i], honouring backslash escapes.
func skipQuoted(s string, i int) int {
	q := s[i]
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			j++
		case q:
			return j
		}
	}
	return -1
}

func unescape(s string) string {
	s = strings.ReplaceAll(s, `\$(`, "$(")
	return strings.ReplaceAll(s, `\${`, "${")
}

func abbreviate(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}

// EvaluateBool evaluates an expression that should return a boolean.
// Null counts as false.
func (e *Evaluator) EvaluateBool(expr string, ctx *Context) (bool, error) {
	v, err := e.Evaluate(expr, ctx)
	if err != nil {
		return false, err
	}
	if v.IsNull() {
		return false, nil
	}
	b, err := v.AsBool()
	if err != nil {
		return false, model.NewExpressionError(err, "%s", abbreviate(expr))
	}
	return b, nil
}

// EvaluateString evaluates an expression and renders the result as a string.
func (e *Evaluator) EvaluateString(expr string, ctx *Context) (string, error) {
	v, err := e.Evaluate(expr, ctx)
	if err != nil {
		return "", err
	}
	return toString(v.Interface()), nil
}

// containsExpression checks if a string contains CWL expression syntax.
func containsExpression(s string) bool {
	if strings.HasPrefix(strings.TrimLeft(s, " \t\n\r"), "${") {
		return true
	}
	// \$( is a literal $(, not an expression.
	for i := 0; i < len(s)-1; i++ {
		if s[i] == '$' && s[i+1] == '(' && (i == 0 || s[i-1] != '\\') {
			return true
		}
	}
	return false
}

// IsExpression returns true if the string is a CWL expression.
func IsExpression(s string) bool {
	return containsExpression(s)
}

// ToString renders an evaluated value the way interpolation does.
func ToString(v any) string { return toString(v) }

// toString converts any value to a string representation.
// Maps and arrays are rendered as JSON with ", " and ": " separators.
// Floats are formatted without scientific notation.
func toString(v any) string {
	if v == nil {
		return "null"
	}
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]any, []any:
		return jsonDumps(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func jsonDumps(v any) string {
	switch val := v.(type) {
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = jsonDumps(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			key, _ := json.Marshal(k)
			parts = append(parts, string(key)+": "+jsonDumps(val[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}
