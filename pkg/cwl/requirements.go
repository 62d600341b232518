package cwl

import (
	"encoding/json"
	"fmt"
)

// Requirement class names.
const (
	ClassEnvVar           = "EnvVarRequirement"
	ClassResource         = "ResourceRequirement"
	ClassInitialWorkDir   = "InitialWorkDirRequirement"
	ClassShellCommand     = "ShellCommandRequirement"
	ClassInlineJavascript = "InlineJavascriptRequirement"
	ClassDocker           = "DockerRequirement"
)

// Requirement is one entry of a process's requirements list.
// The set of implementations is closed; unknown classes decode to
// *UnknownRequirement and are ignored by the engine.
type Requirement interface {
	Class() string
}

// Requirements is an ordered requirements list. Order matters: when two
// requirements define the same value, the later one wins.
type Requirements []Requirement

// EnvVarRequirement specifies environment variables.
// See https://www.commonwl.org/v1.2/CommandLineTool.html#EnvVarRequirement
type EnvVarRequirement struct {
	EnvDef []EnvironmentDef `json:"envDef"`
}

// ResourceRequirement specifies compute resource requirements.
// Each bound may be a number or an expression.
// See https://www.commonwl.org/v1.2/CommandLineTool.html#ResourceRequirement
type ResourceRequirement struct {
	CoresMin  any `json:"coresMin,omitempty"`
	CoresMax  any `json:"coresMax,omitempty"`
	RamMin    any `json:"ramMin,omitempty"`
	RamMax    any `json:"ramMax,omitempty"`
	TmpdirMin any `json:"tmpdirMin,omitempty"`
	TmpdirMax any `json:"tmpdirMax,omitempty"`
	OutdirMin any `json:"outdirMin,omitempty"`
	OutdirMax any `json:"outdirMax,omitempty"`

	// Custom holds scheduler-specific resource asks (e.g. "gpus"), each a
	// literal or an expression.
	Custom map[string]any `json:"custom,omitempty"`
}

// InitialWorkDirRequirement specifies files to stage in the working directory.
// Listing is either an expression or a list of Dirent, File/Directory
// objects or expressions.
type InitialWorkDirRequirement struct {
	Listing any `json:"listing"`
}

// ShellCommandRequirement enables shell interpretation of the command.
type ShellCommandRequirement struct{}

// InlineJavascriptRequirement enables JavaScript expressions.
type InlineJavascriptRequirement struct {
	ExpressionLib []string `json:"expressionLib,omitempty"`
}

// DockerRequirement is carried for completeness; container execution is
// delegated to an external handler.
type DockerRequirement struct {
	DockerPull string `json:"dockerPull,omitempty"`
}

// UnknownRequirement preserves a requirement class the engine does not model.
type UnknownRequirement struct {
	ClassName string
	Raw       json.RawMessage
}

func (*EnvVarRequirement) Class() string           { return ClassEnvVar }
func (*ResourceRequirement) Class() string         { return ClassResource }
func (*InitialWorkDirRequirement) Class() string   { return ClassInitialWorkDir }
func (*ShellCommandRequirement) Class() string     { return ClassShellCommand }
func (*InlineJavascriptRequirement) Class() string { return ClassInlineJavascript }
func (*DockerRequirement) Class() string           { return ClassDocker }
func (r *UnknownRequirement) Class() string        { return r.ClassName }

// Has reports whether a requirement with the given class is present.
func (rs Requirements) Has(class string) bool {
	for _, r := range rs {
		if r.Class() == class {
			return true
		}
	}
	return false
}

// ExpressionLib concatenates the expression libraries of every
// InlineJavascriptRequirement in order.
func (rs Requirements) ExpressionLib() []string {
	var lib []string
	for _, r := range rs {
		if js, ok := r.(*InlineJavascriptRequirement); ok {
			lib = append(lib, js.ExpressionLib...)
		}
	}
	return lib
}

// Merge returns a new list with rs followed by more; later entries win.
func (rs Requirements) Merge(more Requirements) Requirements {
	out := make(Requirements, 0, len(rs)+len(more))
	out = append(out, rs...)
	return append(out, more...)
}

// UnmarshalJSON decodes a list of requirement objects, or the CWL map form
// keyed by class name.
func (rs *Requirements) UnmarshalJSON(data []byte) error {
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err != nil {
		var byClass map[string]json.RawMessage
		if err := json.Unmarshal(data, &byClass); err != nil {
			return fmt.Errorf("requirements must be a list or a map: %w", err)
		}
		for _, class := range sortedKeys(byClass) {
			r, err := decodeRequirement(class, byClass[class])
			if err != nil {
				return err
			}
			*rs = append(*rs, r)
		}
		return nil
	}
	for i, raw := range list {
		var head struct {
			Class string `json:"class"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return fmt.Errorf("requirements[%d]: %w", i, err)
		}
		r, err := decodeRequirement(head.Class, raw)
		if err != nil {
			return fmt.Errorf("requirements[%d]: %w", i, err)
		}
		*rs = append(*rs, r)
	}
	return nil
}

// MarshalJSON writes the list form with a class field on every entry.
func (rs Requirements) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(rs))
	for _, r := range rs {
		var body []byte
		var err error
		if u, ok := r.(*UnknownRequirement); ok {
			body = u.Raw
		} else {
			body, err = json.Marshal(r)
			if err != nil {
				return nil, err
			}
		}
		var m map[string]any
		if len(body) > 0 {
			if err := json.Unmarshal(body, &m); err != nil {
				return nil, err
			}
		}
		if m == nil {
			m = make(map[string]any)
		}
		m["class"] = r.Class()
		entry, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return json.Marshal(out)
}

func decodeRequirement(class string, raw json.RawMessage) (Requirement, error) {
	var r Requirement
	switch class {
	case ClassEnvVar:
		r = &EnvVarRequirement{}
	case ClassResource:
		r = &ResourceRequirement{}
	case ClassInitialWorkDir:
		r = &InitialWorkDirRequirement{}
	case ClassShellCommand:
		return &ShellCommandRequirement{}, nil
	case ClassInlineJavascript:
		r = &InlineJavascriptRequirement{}
	case ClassDocker:
		r = &DockerRequirement{}
	case "":
		return nil, fmt.Errorf("requirement without class")
	default:
		return &UnknownRequirement{ClassName: class, Raw: raw}, nil
	}
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("%s: %w", class, err)
	}
	return r, nil
}
