// Package coerce converts raw parameter values into the CWL type system and
// validates them against declared types.
package coerce

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/me/cwlengine/pkg/cwl"
	"github.com/me/cwlengine/pkg/model"
)

// Coerce converts raw into a value of type t. Integers become int64,
// floating-point numbers float64, arrays []any and records, Files and
// Directories map[string]any. A failure is a ValidationError whose details
// point at the offending element.
func Coerce(raw any, t cwl.Type) (any, error) {
	v, fe := coerce(raw, t, "")
	if fe != nil {
		return nil, model.NewValidationError(fmt.Sprintf("value does not match type %s", t), *fe)
	}
	return v, nil
}

// Check reports whether raw can be coerced to t.
func Check(raw any, t cwl.Type) bool {
	_, fe := coerce(raw, t, "")
	return fe == nil
}

// Inputs applies defaults and coerces every declared parameter. Missing
// required inputs and null values for non-optional types are reported
// together. Undeclared inputs are passed through unchanged.
func Inputs(params []cwl.InputParam, inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	var details []model.FieldError
	for _, p := range params {
		v, ok := out[p.ID]
		if !ok || v == nil {
			switch {
			case p.Default != nil:
				v = p.Default
			case p.Type.Optional || p.Type.Kind == cwl.TypeNull:
				continue
			default:
				msg := "required"
				if ok {
					msg = fmt.Sprintf("null is not valid for non-optional type %s", p.Type)
				}
				details = append(details, model.FieldError{Field: p.ID, Path: p.ID, Message: msg})
				continue
			}
		}
		cv, fe := coerce(v, p.Type, p.ID)
		if fe != nil {
			fe.Field = p.ID
			details = append(details, *fe)
			continue
		}
		out[p.ID] = cv
	}
	if len(details) > 0 {
		return nil, model.NewValidationError("invalid inputs", details...)
	}
	return out, nil
}

func fail(path, format string, args ...any) *model.FieldError {
	if path == "" {
		path = "$"
	}
	return &model.FieldError{Path: path, Message: fmt.Sprintf(format, args...)}
}

func coerce(raw any, t cwl.Type, path string) (any, *model.FieldError) {
	if raw == nil {
		if t.Optional || t.Kind == cwl.TypeNull {
			return nil, nil
		}
		return nil, fail(path, "null is not valid for type %s", t)
	}

	switch t.Kind {
	case cwl.TypeNull:
		return nil, fail(path, "expected null, got %T", raw)

	case cwl.TypeAny:
		return raw, nil

	case cwl.TypeBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b, nil
			}
		}
		return nil, fail(path, "expected boolean, got %T", raw)

	case cwl.TypeInt, cwl.TypeLong:
		if i, ok := toInt(raw); ok {
			if t.Kind == cwl.TypeInt && (i > math.MaxInt32 || i < math.MinInt32) {
				return nil, fail(path, "%d overflows int", i)
			}
			return i, nil
		}
		return nil, fail(path, "expected %s, got %v", t.Kind, raw)

	case cwl.TypeFloat, cwl.TypeDouble:
		if f, ok := toFloat(raw); ok {
			return f, nil
		}
		return nil, fail(path, "expected %s, got %v", t.Kind, raw)

	case cwl.TypeString:
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return nil, fail(path, "expected string, got %T", raw)

	case cwl.TypeFile, cwl.TypeStdout, cwl.TypeStderr:
		return coerceFileLike(raw, "File", path)

	case cwl.TypeDirectory:
		return coerceFileLike(raw, "Directory", path)

	case cwl.TypeEnum:
		s, ok := raw.(string)
		if !ok {
			return nil, fail(path, "expected enum symbol, got %T", raw)
		}
		if !t.HasSymbol(s) {
			return nil, fail(path, "%q is not one of %s", s, strings.Join(t.Symbols, ", "))
		}
		return s, nil

	case cwl.TypeArray:
		items, ok := toSlice(raw)
		if !ok {
			return nil, fail(path, "expected array, got %T", raw)
		}
		itemType := cwl.Type{Kind: cwl.TypeAny}
		if t.Items != nil {
			itemType = *t.Items
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, fe := coerce(item, itemType, fmt.Sprintf("%s[%d]", path, i))
			if fe != nil {
				return nil, fe
			}
			out[i] = v
		}
		return out, nil

	case cwl.TypeRecord:
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fail(path, "expected record, got %T", raw)
		}
		out := make(map[string]any, len(t.Fields))
		for _, f := range t.Fields {
			fieldPath := f.Name
			if path != "" {
				fieldPath = path + "." + f.Name
			}
			v, fe := coerce(m[f.Name], f.Type, fieldPath)
			if fe != nil {
				return nil, fe
			}
			if v != nil || hasKey(m, f.Name) {
				out[f.Name] = v
			}
		}
		return out, nil
	}
	return nil, fail(path, "unsupported type %s", t.Kind)
}

func coerceFileLike(raw any, class, path string) (any, *model.FieldError) {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil, fail(path, "empty %s path", class)
		}
		return map[string]any{"class": class, "path": v}, nil
	case map[string]any:
		if c, _ := v["class"].(string); c != class {
			return nil, fail(path, "expected %s, got class %q", class, c)
		}
		_, hasPath := v["path"]
		_, hasLoc := v["location"]
		_, hasContents := v["contents"]
		_, hasListing := v["listing"]
		if !hasPath && !hasLoc && !hasContents && !hasListing {
			return nil, fail(path, "%s has no path, location or contents", class)
		}
		return v, nil
	}
	return nil, fail(path, "expected %s, got %T", class, raw)
}

func toInt(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, which is out of range.
		if v == math.Trunc(v) && v >= math.MinInt64 && v < math.MaxInt64 {
			return int64(v), true
		}
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return i, err == nil
	}
	return 0, false
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func toSlice(raw any) ([]any, bool) {
	if s, ok := raw.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func hasKey(m map[string]any, k string) bool {
	_, ok := m[k]
	return ok
}
