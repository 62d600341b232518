package scatter

import (
	"fmt"

	"github.com/me/cwlengine/internal/coerce"
	"github.com/me/cwlengine/pkg/cwl"
	"github.com/me/cwlengine/pkg/model"
)

// MergeNested returns one element per source value, in source order.
func MergeNested(values []any) []any {
	out := make([]any, len(values))
	copy(out, values)
	return out
}

// MergeSingle wraps a single source value. merge_nested over one source
// always yields a one-element array, even when the value is itself an
// array.
func MergeSingle(value any) []any {
	return []any{value}
}

// MergeFlattened concatenates array sources and appends scalar sources in
// source order. When dest is an array type every element must conform to
// its item type.
func MergeFlattened(values []any, dest cwl.Type) ([]any, error) {
	var out []any
	for _, v := range values {
		if arr, ok := toSlice(v); ok {
			out = append(out, arr...)
			continue
		}
		out = append(out, v)
	}
	if out == nil {
		out = []any{}
	}
	if dest.Kind != cwl.TypeArray || dest.Items == nil {
		return out, nil
	}
	var details []model.FieldError
	for i, v := range out {
		if !coerce.Check(v, *dest.Items) {
			details = append(details, model.FieldError{
				Path:    fmt.Sprintf("[%d]", i),
				Message: fmt.Sprintf("%T is not compatible with %s", v, dest.Items),
			})
		}
	}
	if len(details) > 0 {
		return nil, model.NewValidationError("merge_flattened element type mismatch", details...)
	}
	return out, nil
}

// Link combines the values of the sources feeding one port. A single
// source written in non-list form with no linkMerge passes through
// unchanged. Otherwise merge_nested is the default.
func Link(method cwl.LinkMergeMethod, src cwl.Sources, values []any, dest cwl.Type) (any, error) {
	if len(values) == 1 && !src.Multiple && method == "" {
		return values[0], nil
	}
	switch method {
	case cwl.MergeFlattened:
		return MergeFlattened(values, dest)
	case "", cwl.MergeNested:
		if len(values) == 1 {
			return MergeSingle(values[0]), nil
		}
		return MergeNested(values), nil
	default:
		return nil, model.NewValidationError(fmt.Sprintf("unknown linkMerge method %q", method))
	}
}
