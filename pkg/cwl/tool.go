package cwl

// Process is a runnable CWL process: a CommandLineTool or a Workflow.
type Process interface {
	ProcessID() string
	ProcessClass() string
	InputParams() []InputParam
	OutputIDs() []string
	ProcessRequirements() Requirements
}

// CommandLineTool is a typed representation of a CWL CommandLineTool.
// See https://www.commonwl.org/v1.2/CommandLineTool.html
type CommandLineTool struct {
	ID    string `json:"id,omitempty"`
	Doc   string `json:"doc,omitempty"`
	Label string `json:"label,omitempty"`

	// BaseCommand is the program and leading arguments.
	BaseCommand []string `json:"baseCommand,omitempty"`

	// Inputs in declaration order.
	Inputs []InputParam `json:"inputs"`

	// Outputs in declaration order.
	Outputs []ToolOutputParam `json:"outputs"`

	Requirements Requirements `json:"requirements,omitempty"`
	Hints        Requirements `json:"hints,omitempty"`

	// Arguments are command-line arguments not tied to input parameters.
	Arguments []Argument `json:"arguments,omitempty"`

	// Stdin, Stdout and Stderr may be literals or expressions.
	Stdin  string `json:"stdin,omitempty"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	// SuccessCodes are exit codes that indicate success (default: [0]).
	SuccessCodes []int `json:"successCodes,omitempty"`
}

// InputParam is a tool or workflow input parameter.
type InputParam struct {
	ID      string `json:"id"`
	Type    Type   `json:"type"`
	Doc     string `json:"doc,omitempty"`
	Default any    `json:"default,omitempty"`

	// InputBinding controls how this parameter appears on the command line.
	// Workflow inputs never carry one.
	InputBinding *InputBinding `json:"inputBinding,omitempty"`
}

// ToolOutputParam is a CWL tool output parameter.
type ToolOutputParam struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	Doc           string         `json:"doc,omitempty"`
	OutputBinding *OutputBinding `json:"outputBinding,omitempty"`
}

func (t *CommandLineTool) ProcessID() string                 { return t.ID }
func (t *CommandLineTool) ProcessClass() string              { return "CommandLineTool" }
func (t *CommandLineTool) InputParams() []InputParam         { return t.Inputs }
func (t *CommandLineTool) ProcessRequirements() Requirements { return t.Requirements }

// OutputIDs returns the output ids in declaration order.
func (t *CommandLineTool) OutputIDs() []string {
	ids := make([]string, len(t.Outputs))
	for i, o := range t.Outputs {
		ids[i] = o.ID
	}
	return ids
}

// IsSuccess reports whether code is one of the tool's success codes.
func (t *CommandLineTool) IsSuccess(code int) bool {
	if len(t.SuccessCodes) == 0 {
		return code == 0
	}
	for _, c := range t.SuccessCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Input returns the input parameter with the given id.
func (t *CommandLineTool) Input(id string) (InputParam, bool) {
	for _, in := range t.Inputs {
		if in.ID == id {
			return in, true
		}
	}
	return InputParam{}, false
}
