package cwl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// InputBinding controls how an input parameter is converted to command-line argument(s).
// See https://www.commonwl.org/v1.2/CommandLineTool.html#CommandLineBinding
type InputBinding struct {
	// Position determines the relative ordering of arguments on the command line.
	// Bindings without a position sort after all positioned bindings.
	Position *Position `json:"position,omitempty"`

	// Prefix is a string to prepend to the input value (e.g., "--input" or "-i").
	Prefix string `json:"prefix,omitempty"`

	// Separate controls whether there is a space between prefix and value.
	// Default is true; if false, prefix and value are concatenated (e.g., "-i=value").
	Separate *bool `json:"separate,omitempty"`

	// ItemSeparator joins array items into a single token.
	ItemSeparator string `json:"itemSeparator,omitempty"`

	// ValueFrom is a CWL expression (or literal) that replaces the input value.
	// Within it, self is bound to the input value.
	ValueFrom string `json:"valueFrom,omitempty"`

	// ShellQuote controls whether the value is shell-quoted.
	// Only has effect when ShellCommandRequirement is in effect.
	ShellQuote *bool `json:"shellQuote,omitempty"`

	// LoadContents loads the file content into the inputs object if the input type is File.
	LoadContents bool `json:"loadContents,omitempty"`
}

// Position is a binding position: an integer, or an expression that
// evaluates to one.
type Position struct {
	Value int
	Expr  string
}

// Pos returns a literal position.
func Pos(n int) *Position { return &Position{Value: n} }

// IsExpression reports whether the position must be evaluated.
func (p Position) IsExpression() bool { return p.Expr != "" }

func (p *Position) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		i, err := strconv.Atoi(n.String())
		if err != nil {
			return fmt.Errorf("position %s is not an integer", n)
		}
		*p = Position{Value: i}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("position must be an integer or an expression")
	}
	if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		*p = Position{Value: i}
		return nil
	}
	*p = Position{Expr: s}
	return nil
}

func (p Position) MarshalJSON() ([]byte, error) {
	if p.IsExpression() {
		return json.Marshal(p.Expr)
	}
	return json.Marshal(p.Value)
}

// SeparateOrDefault returns Separate, defaulting to true.
func (b *InputBinding) SeparateOrDefault() bool {
	if b == nil || b.Separate == nil {
		return true
	}
	return *b.Separate
}

// ShellQuoteOrDefault returns ShellQuote, defaulting to true.
func (b *InputBinding) ShellQuoteOrDefault() bool {
	if b == nil || b.ShellQuote == nil {
		return true
	}
	return *b.ShellQuote
}

// OutputBinding specifies how to find and collect output files after tool execution.
// See https://www.commonwl.org/v1.2/CommandLineTool.html#CommandOutputBinding
type OutputBinding struct {
	// Glob is a pattern (or list of patterns) to match output files in the output directory.
	// Can be a string, array of strings, or a CWL expression.
	Glob any `json:"glob,omitempty"`

	// LoadContents reads the first 64 KiB of the file into the file object's contents field.
	LoadContents bool `json:"loadContents,omitempty"`

	// OutputEval is a CWL expression to transform the collected output.
	// The expression has access to `self` (the collected files) and `inputs`.
	OutputEval string `json:"outputEval,omitempty"`
}

// Argument is a command-line argument not tied to an input parameter.
// A plain string argument is represented with only ValueFrom set.
type Argument struct {
	Position   *Position `json:"position,omitempty"`
	Prefix     string    `json:"prefix,omitempty"`
	Separate   *bool     `json:"separate,omitempty"`
	ValueFrom  string    `json:"valueFrom,omitempty"`
	ShellQuote *bool     `json:"shellQuote,omitempty"`
}

// Binding returns the argument as an InputBinding.
func (a Argument) Binding() *InputBinding {
	return &InputBinding{
		Position:   a.Position,
		Prefix:     a.Prefix,
		Separate:   a.Separate,
		ValueFrom:  a.ValueFrom,
		ShellQuote: a.ShellQuote,
	}
}

// UnmarshalJSON handles the CWL polymorphic form: string | Expression | CommandLineBinding.
func (a *Argument) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*a = Argument{ValueFrom: s}
		return nil
	}
	type plain Argument
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("argument must be string, expression, or CommandLineBinding object")
	}
	*a = Argument(p)
	return nil
}

// Dirent represents an entry in InitialWorkDirRequirement listing.
// See https://www.commonwl.org/v1.2/CommandLineTool.html#Dirent
type Dirent struct {
	// Entryname is the name of the file or directory to create.
	// Can be an expression.
	Entryname string `json:"entryname,omitempty"`

	// Entry is the content of the file, a File/Directory literal, or an expression.
	Entry any `json:"entry"`

	// Writable makes the entry writable (copy instead of link).
	Writable bool `json:"writable,omitempty"`
}

// EnvironmentDef defines an environment variable for EnvVarRequirement.
// See https://www.commonwl.org/v1.2/CommandLineTool.html#EnvironmentDef
type EnvironmentDef struct {
	EnvName  string `json:"envName"`
	EnvValue string `json:"envValue"`
}
