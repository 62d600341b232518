package cwl

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DecodeProcess decodes an already-typed process document (JSON or YAML)
// into a Process. Steps reference their process either inline in "run" or
// by "#id" into a top-level "$graph" list.
func DecodeProcess(data []byte) (Process, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode process document: %w", err)
	}
	doc, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("process document must be an object")
	}

	graph := make(map[string]map[string]any)
	if entries, ok := doc["$graph"].([]any); ok {
		var main map[string]any
		for _, e := range entries {
			m, ok := e.(map[string]any)
			if !ok {
				continue
			}
			id := strings.TrimPrefix(fmt.Sprint(m["id"]), "#")
			graph[id] = m
			if id == "main" {
				main = m
			}
		}
		if main == nil {
			return nil, fmt.Errorf("$graph document has no #main process")
		}
		doc = main
	}
	return decodeProcessMap(doc, graph, 0)
}

const maxProcessDepth = 32

func decodeProcessMap(doc map[string]any, graph map[string]map[string]any, depth int) (Process, error) {
	if depth > maxProcessDepth {
		return nil, fmt.Errorf("process nesting exceeds %d levels", maxProcessDepth)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	class, _ := doc["class"].(string)
	switch class {
	case "CommandLineTool":
		var tool CommandLineTool
		if bc, ok := doc["baseCommand"].(string); ok {
			doc["baseCommand"] = []any{bc}
			if data, err = json.Marshal(doc); err != nil {
				return nil, err
			}
		}
		if err := json.Unmarshal(data, &tool); err != nil {
			return nil, fmt.Errorf("decode CommandLineTool %q: %w", doc["id"], err)
		}
		return &tool, nil

	case "Workflow":
		var wf Workflow
		if err := json.Unmarshal(data, &wf); err != nil {
			return nil, fmt.Errorf("decode Workflow %q: %w", doc["id"], err)
		}
		rawSteps, _ := doc["steps"].([]any)
		for i := range wf.Steps {
			if i >= len(rawSteps) {
				break
			}
			stepMap, _ := rawSteps[i].(map[string]any)
			run, err := resolveRun(stepMap["run"], graph, depth)
			if err != nil {
				return nil, fmt.Errorf("step %s: %w", wf.Steps[i].ID, err)
			}
			wf.Steps[i].Run = run
		}
		return &wf, nil

	default:
		return nil, fmt.Errorf("unsupported process class %q", class)
	}
}

func resolveRun(run any, graph map[string]map[string]any, depth int) (Process, error) {
	switch r := run.(type) {
	case map[string]any:
		return decodeProcessMap(r, graph, depth+1)
	case string:
		ref, ok := graph[strings.TrimPrefix(r, "#")]
		if !ok {
			return nil, fmt.Errorf("run reference %q not found", r)
		}
		return decodeProcessMap(ref, graph, depth+1)
	default:
		return nil, fmt.Errorf("missing run")
	}
}

// ConvertForCWLOutput recursively converts values for CWL-compliant JSON output:
// float64 values become json.Number to avoid scientific notation, and NaN
// and Inf become null.
func ConvertForCWLOutput(v any) any {
	switch val := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, v := range val {
			result[k] = ConvertForCWLOutput(v)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, v := range val {
			result[i] = ConvertForCWLOutput(v)
		}
		return result
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return json.Number(strconv.FormatFloat(val, 'f', -1, 64))
	default:
		return v
	}
}

// MarshalCWLOutput marshals output data to CWL-compliant JSON.
func MarshalCWLOutput(v any) ([]byte, error) {
	return json.MarshalIndent(ConvertForCWLOutput(v), "", "  ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
