package cwl

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TypeKind identifies one variant of the CWL type system.
type TypeKind string

const (
	TypeNull      TypeKind = "null"
	TypeBoolean   TypeKind = "boolean"
	TypeInt       TypeKind = "int"
	TypeLong      TypeKind = "long"
	TypeFloat     TypeKind = "float"
	TypeDouble    TypeKind = "double"
	TypeString    TypeKind = "string"
	TypeFile      TypeKind = "File"
	TypeDirectory TypeKind = "Directory"
	TypeArray     TypeKind = "array"
	TypeRecord    TypeKind = "record"
	TypeEnum      TypeKind = "enum"
	TypeAny       TypeKind = "Any"
	TypeStdout    TypeKind = "stdout"
	TypeStderr    TypeKind = "stderr"
)

var primitiveKinds = map[string]TypeKind{
	"null":      TypeNull,
	"boolean":   TypeBoolean,
	"int":       TypeInt,
	"long":      TypeLong,
	"float":     TypeFloat,
	"double":    TypeDouble,
	"string":    TypeString,
	"File":      TypeFile,
	"Directory": TypeDirectory,
	"Any":       TypeAny,
	"stdout":    TypeStdout,
	"stderr":    TypeStderr,
}

// Type is a CWL parameter type. It is a closed sum over the TypeKind
// variants; Items, Fields and Symbols are only meaningful for array,
// record and enum respectively.
type Type struct {
	Kind     TypeKind
	Optional bool

	// Items is the element type of an array.
	Items *Type

	// Fields are the members of a record, in declaration order.
	Fields []Field

	// Symbols are the allowed values of an enum.
	Symbols []string

	// Name is the optional schema name for records and enums.
	Name string

	// InputBinding is the item-level binding declared inside an array schema.
	InputBinding *InputBinding
}

// Field is one member of a record type.
type Field struct {
	Name          string
	Type          Type
	InputBinding  *InputBinding
	OutputBinding *OutputBinding
}

// ArrayOf returns an array type with the given item type.
func ArrayOf(items Type) Type {
	return Type{Kind: TypeArray, Items: &items}
}

// OptionalOf returns t as an optional type.
func OptionalOf(t Type) Type {
	t.Optional = true
	return t
}

// ParseType parses CWL type shorthand such as "File", "string?", "int[]"
// and "File[]?".
func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Type{}, fmt.Errorf("empty type")
	}
	var t Type
	optional := false
	if strings.HasSuffix(s, "?") {
		optional = true
		s = strings.TrimSuffix(s, "?")
	}
	if strings.HasSuffix(s, "[]") {
		items, err := ParseType(strings.TrimSuffix(s, "[]"))
		if err != nil {
			return Type{}, err
		}
		t = ArrayOf(items)
	} else {
		kind, ok := primitiveKinds[s]
		if !ok {
			return Type{}, fmt.Errorf("unknown type %q", s)
		}
		t = Type{Kind: kind}
	}
	t.Optional = optional || t.Kind == TypeNull
	return t, nil
}

// MustParseType is like ParseType but panics on error.
func MustParseType(s string) Type {
	t, err := ParseType(s)
	if err != nil {
		panic(err)
	}
	return t
}

// IsArray reports whether t is an array type.
func (t Type) IsArray() bool { return t.Kind == TypeArray }

// IsFileLike reports whether values of t are File or Directory objects.
func (t Type) IsFileLike() bool {
	switch t.Kind {
	case TypeFile, TypeDirectory, TypeStdout, TypeStderr:
		return true
	}
	return false
}

// HasSymbol reports whether s is one of the enum symbols of t.
func (t Type) HasSymbol(s string) bool {
	for _, sym := range t.Symbols {
		if sym == s || strings.HasSuffix(sym, "/"+s) || strings.HasSuffix(sym, "#"+s) {
			return true
		}
	}
	return false
}

// String returns the shorthand form of the type.
func (t Type) String() string {
	var s string
	switch t.Kind {
	case TypeArray:
		if t.Items != nil {
			s = t.Items.String() + "[]"
		} else {
			s = "array"
		}
	case TypeRecord, TypeEnum:
		s = string(t.Kind)
		if t.Name != "" {
			s = t.Name
		}
	default:
		s = string(t.Kind)
	}
	if t.Optional && t.Kind != TypeNull {
		s += "?"
	}
	return s
}

// typeSchema is the object form of a CWL type.
type typeSchema struct {
	Type         json.RawMessage `json:"type"`
	Items        *Type           `json:"items,omitempty"`
	Fields       []fieldSchema   `json:"fields,omitempty"`
	Symbols      []string        `json:"symbols,omitempty"`
	Name         string          `json:"name,omitempty"`
	InputBinding *InputBinding   `json:"inputBinding,omitempty"`
}

type fieldSchema struct {
	Name          string         `json:"name"`
	Type          Type           `json:"type"`
	InputBinding  *InputBinding  `json:"inputBinding,omitempty"`
	OutputBinding *OutputBinding `json:"outputBinding,omitempty"`
}

// UnmarshalJSON accepts shorthand strings, ["null", T] unions and schema
// objects for arrays, records and enums.
func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseType(s)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}

	var union []json.RawMessage
	if err := json.Unmarshal(data, &union); err == nil {
		var members []Type
		optional := false
		for _, raw := range union {
			var m Type
			if err := m.UnmarshalJSON(raw); err != nil {
				return err
			}
			if m.Kind == TypeNull {
				optional = true
				continue
			}
			members = append(members, m)
		}
		switch len(members) {
		case 0:
			*t = Type{Kind: TypeNull, Optional: true}
		case 1:
			*t = members[0]
			t.Optional = t.Optional || optional
		default:
			// Unions of several non-null types degrade to Any.
			*t = Type{Kind: TypeAny, Optional: optional}
		}
		return nil
	}

	var schema typeSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return fmt.Errorf("invalid type: %w", err)
	}
	var kind string
	if err := json.Unmarshal(schema.Type, &kind); err != nil {
		// Nested form: {"type": ["null", ...]} and similar.
		var inner Type
		if err := inner.UnmarshalJSON(schema.Type); err != nil {
			return err
		}
		*t = inner
		return nil
	}
	switch TypeKind(kind) {
	case TypeArray:
		if schema.Items == nil {
			return fmt.Errorf("array type without items")
		}
		*t = ArrayOf(*schema.Items)
		t.InputBinding = schema.InputBinding
	case TypeRecord:
		*t = Type{Kind: TypeRecord, Name: schema.Name}
		for _, f := range schema.Fields {
			t.Fields = append(t.Fields, Field(f))
		}
	case TypeEnum:
		*t = Type{Kind: TypeEnum, Name: schema.Name, Symbols: schema.Symbols}
	default:
		parsed, err := ParseType(kind)
		if err != nil {
			return err
		}
		*t = parsed
	}
	return nil
}

// MarshalJSON writes primitives and arrays of primitives in shorthand and
// everything else in schema form.
func (t Type) MarshalJSON() ([]byte, error) {
	switch t.Kind {
	case TypeRecord, TypeEnum:
	case TypeArray:
		if t.Items != nil && t.Items.Kind != TypeRecord && t.Items.Kind != TypeEnum && t.InputBinding == nil {
			return json.Marshal(t.String())
		}
	default:
		return json.Marshal(t.String())
	}

	kind, _ := json.Marshal(string(t.Kind))
	schema := typeSchema{
		Type:         kind,
		Items:        t.Items,
		Symbols:      t.Symbols,
		Name:         t.Name,
		InputBinding: t.InputBinding,
	}
	for _, f := range t.Fields {
		schema.Fields = append(schema.Fields, fieldSchema(f))
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	if !t.Optional {
		return data, nil
	}
	return json.Marshal([]json.RawMessage{json.RawMessage(`"null"`), data})
}
