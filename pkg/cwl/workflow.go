package cwl

import (
	"encoding/json"
	"strings"
)

// ScatterMethod is the combinatorial method of a scattered step.
type ScatterMethod string

const (
	DotProduct         ScatterMethod = "dotproduct"
	NestedCrossProduct ScatterMethod = "nested_crossproduct"
	FlatCrossProduct   ScatterMethod = "flat_crossproduct"
)

// LinkMergeMethod combines several sources feeding one port.
type LinkMergeMethod string

const (
	MergeNested    LinkMergeMethod = "merge_nested"
	MergeFlattened LinkMergeMethod = "merge_flattened"
)

// Workflow is a typed representation of a CWL Workflow.
type Workflow struct {
	ID           string        `json:"id,omitempty"`
	Doc          string        `json:"doc,omitempty"`
	Inputs       []InputParam  `json:"inputs"`
	Outputs      []OutputParam `json:"outputs"`
	Steps        []Step        `json:"steps"`
	Requirements Requirements  `json:"requirements,omitempty"`
	Hints        Requirements  `json:"hints,omitempty"`
}

// OutputParam is a CWL workflow output.
type OutputParam struct {
	ID           string          `json:"id"`
	Type         Type            `json:"type"`
	OutputSource Sources         `json:"outputSource,omitempty"`
	LinkMerge    LinkMergeMethod `json:"linkMerge,omitempty"`
}

// Step is a CWL workflow step.
type Step struct {
	ID            string        `json:"id"`
	Run           Process       `json:"-"`
	In            []StepInput   `json:"in"`
	Out           []string      `json:"out"`
	Scatter       []string      `json:"scatter,omitempty"`
	ScatterMethod ScatterMethod `json:"scatterMethod,omitempty"`
	Requirements  Requirements  `json:"requirements,omitempty"`
}

// StepInput is one input port of a workflow step.
type StepInput struct {
	ID        string          `json:"id"`
	Source    Sources         `json:"source,omitempty"`
	LinkMerge LinkMergeMethod `json:"linkMerge,omitempty"`
	Default   any             `json:"default,omitempty"`
	ValueFrom string          `json:"valueFrom,omitempty"`
}

// Sources is a list of source references. A single string decodes to a
// one-element list; Multiple records whether the document used list form,
// which decides link-merge behaviour for a single source.
type Sources struct {
	Refs     []string
	Multiple bool
}

// Single returns a Sources with one reference.
func Single(ref string) Sources { return Sources{Refs: []string{ref}} }

// Many returns a Sources in list form.
func Many(refs ...string) Sources { return Sources{Refs: refs, Multiple: true} }

func (s *Sources) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = Single(one)
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = Many(many...)
	return nil
}

func (s Sources) MarshalJSON() ([]byte, error) {
	if !s.Multiple && len(s.Refs) == 1 {
		return json.Marshal(s.Refs[0])
	}
	return json.Marshal(s.Refs)
}

// SplitSource splits "step/output" into its parts. A bare workflow input
// reference returns an empty step id.
func SplitSource(ref string) (stepID, portID string) {
	ref = strings.TrimPrefix(ref, "#")
	if idx := strings.Index(ref, "/"); idx >= 0 {
		return ref[:idx], ref[idx+1:]
	}
	return "", ref
}

func (w *Workflow) ProcessID() string                 { return w.ID }
func (w *Workflow) ProcessClass() string              { return "Workflow" }
func (w *Workflow) InputParams() []InputParam         { return w.Inputs }
func (w *Workflow) ProcessRequirements() Requirements { return w.Requirements }

// OutputIDs returns the output ids in declaration order.
func (w *Workflow) OutputIDs() []string {
	ids := make([]string, len(w.Outputs))
	for i, o := range w.Outputs {
		ids[i] = o.ID
	}
	return ids
}

// Step returns the step with the given id.
func (w *Workflow) Step(id string) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i], true
		}
	}
	return nil, false
}
