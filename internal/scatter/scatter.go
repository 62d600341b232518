// Package scatter expands scattered workflow steps into job instances and
// merges their results back into the step's output shape.
package scatter

import (
	"fmt"
	"reflect"

	"github.com/me/cwlengine/pkg/cwl"
	"github.com/me/cwlengine/pkg/model"
)

// Instance is one combination of scattered values.
type Instance struct {
	// Index is the position in enumeration order.
	Index int

	// Coords holds the per-port element index (one entry for dotproduct).
	Coords []int

	// Inputs is the instance's input object. Non-scattered values are the
	// same references as in the step's input object.
	Inputs map[string]any
}

// Plan is the expansion of one scattered step.
type Plan struct {
	Method cwl.ScatterMethod
	Ports  []string

	// Shape is the array shape results are gathered into.
	Shape []int

	Instances []Instance
}

// DefaultMethod returns dotproduct for a single port and
// nested_crossproduct otherwise.
func DefaultMethod(ports []string) cwl.ScatterMethod {
	if len(ports) <= 1 {
		return cwl.DotProduct
	}
	return cwl.NestedCrossProduct
}

// Expand expands inputs over the scattered ports. Under dotproduct all
// scattered arrays must have the same length; otherwise a ScatterError is
// returned and no instance is created.
func Expand(inputs map[string]any, ports []string, method cwl.ScatterMethod) (*Plan, error) {
	if len(ports) == 0 {
		return nil, model.NewScatterError("no scatter ports")
	}
	if method == "" {
		method = DefaultMethod(ports)
	}

	arrays := make([][]any, len(ports))
	for i, port := range ports {
		arr, ok := toSlice(inputs[port])
		if !ok {
			return nil, model.NewScatterError("scatter port %q is not an array (got %T)", port, inputs[port])
		}
		arrays[i] = arr
	}

	plan := &Plan{Method: method, Ports: ports}
	switch method {
	case cwl.DotProduct:
		n := len(arrays[0])
		for i, arr := range arrays[1:] {
			if len(arr) != n {
				return nil, model.NewScatterError("dotproduct length mismatch: %q has %d elements, %q has %d",
					ports[0], n, ports[i+1], len(arr))
			}
		}
		plan.Shape = []int{n}
		for i := 0; i < n; i++ {
			plan.Instances = append(plan.Instances, newInstance(i, []int{i}, inputs, ports, arrays))
		}

	case cwl.NestedCrossProduct, cwl.FlatCrossProduct:
		lens := make([]int, len(arrays))
		total := 1
		for i, arr := range arrays {
			lens[i] = len(arr)
			total *= len(arr)
		}
		if method == cwl.NestedCrossProduct {
			plan.Shape = lens
		} else {
			plan.Shape = []int{total}
		}
		coords := make([]int, len(arrays))
		for idx := 0; idx < total; idx++ {
			// Row-major: the last port varies fastest.
			rem := idx
			for k := len(lens) - 1; k >= 0; k-- {
				coords[k] = rem % lens[k]
				rem /= lens[k]
			}
			plan.Instances = append(plan.Instances, newInstance(idx, append([]int(nil), coords...), inputs, ports, arrays))
		}

	default:
		return nil, model.NewScatterError("unknown scatter method %q", method)
	}
	return plan, nil
}

func newInstance(index int, coords []int, inputs map[string]any, ports []string, arrays [][]any) Instance {
	in := make(map[string]any, len(inputs))
	for k, v := range inputs {
		in[k] = v
	}
	for k, port := range ports {
		c := coords[0]
		if len(coords) > 1 {
			c = coords[k]
		}
		in[port] = arrays[k][c]
	}
	return Instance{Index: index, Coords: coords, Inputs: in}
}

// Gather assembles per-instance results into arrays of the plan's shape,
// one per output id. results is indexed by Instance.Index; a nil entry
// yields null elements.
func Gather(plan *Plan, results []map[string]any, outputIDs []string) (map[string]any, error) {
	if len(results) != len(plan.Instances) {
		return nil, fmt.Errorf("gather: %d results for %d instances", len(results), len(plan.Instances))
	}
	out := make(map[string]any, len(outputIDs))
	for _, id := range outputIDs {
		flat := make([]any, len(results))
		for i, r := range results {
			if r != nil {
				flat[i] = r[id]
			}
		}
		out[id] = reshape(flat, plan.Shape)
	}
	return out, nil
}

func reshape(flat []any, shape []int) []any {
	if len(shape) <= 1 {
		return flat
	}
	chunk := 1
	for _, n := range shape[1:] {
		chunk *= n
	}
	out := make([]any, shape[0])
	for i := range out {
		out[i] = reshape(flat[i*chunk:(i+1)*chunk], shape[1:])
	}
	return out
}

func toSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
