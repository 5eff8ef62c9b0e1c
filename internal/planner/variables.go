package planner

import (
	"encoding/json"
	"fmt"
	"math"

	language "github.com/hanpama/projector/internal/language"
	"github.com/hanpama/projector/internal/projection"
	schema "github.com/hanpama/projector/internal/schema"
)

// VariableKind is the box representation chosen for an operation variable.
type VariableKind int

const (
	// KindBoolean variables are boxed as bool; null reads as false.
	KindBoolean VariableKind = iota
	// KindInt variables are boxed as projection.Nullable[int64].
	KindInt
	// KindFloat variables are boxed as projection.Nullable[float64].
	KindFloat
	// KindString variables (String, ID and enums) are boxed as
	// projection.Nullable[string].
	KindString
	// KindInput variables (lists, input objects and custom scalars) are
	// opaque to the projection. They are boxed as projection.Nullable[string]
	// holding the value's JSON encoding, which sorts object keys.
	KindInput
)

func (k VariableKind) String() string {
	switch k {
	case KindBoolean:
		return "Boolean"
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindInput:
		return "Input"
	default:
		return "String"
	}
}

// VariableInfo describes one operation variable of a plan.
type VariableInfo struct {
	Name    string
	ID      projection.Identifier
	Kind    VariableKind
	Type    string
	NonNull bool
	// HasDefault is true when the operation declares a default value.
	HasDefault bool
	// Default is the coerced default (or zero) value in box representation.
	Default any
}

func variableKind(t *language.Type, named *schema.Type) (VariableKind, bool) {
	if t.Elem != nil {
		return KindInput, true
	}
	switch t.NamedType {
	case "Boolean":
		return KindBoolean, true
	case "Int":
		return KindInt, true
	case "Float":
		return KindFloat, true
	case "String", "ID":
		return KindString, true
	}
	if named == nil {
		return 0, false
	}
	switch named.Kind {
	case schema.TypeKindEnum:
		return KindString, true
	case schema.TypeKindScalar, schema.TypeKindInputObject:
		return KindInput, true
	}
	return 0, false
}

func newVariableInfo(id projection.Identifier, def *language.VariableDefinition, named *schema.Type) (*VariableInfo, error) {
	kind, ok := variableKind(def.Type, named)
	if !ok {
		return nil, fmt.Errorf("variable $%s: unsupported type %s", def.Variable, def.Type.String())
	}
	info := &VariableInfo{
		Name:    def.Variable,
		ID:      id,
		Kind:    kind,
		Type:    def.Type.String(),
		NonNull: def.Type.NonNull,
	}
	var raw any
	if def.DefaultValue != nil {
		v, err := def.DefaultValue.Value(nil)
		if err != nil {
			return nil, fmt.Errorf("variable $%s: default value: %w", def.Variable, err)
		}
		raw = v
		info.HasDefault = true
	}
	d, err := info.coerce(raw)
	if err != nil {
		return nil, fmt.Errorf("variable $%s: default value: %w", def.Variable, err)
	}
	info.Default = d
	return info, nil
}

// initial returns the reference binding of the variable.
func (v *VariableInfo) initial() projection.Variable {
	switch d := v.Default.(type) {
	case bool:
		return projection.NewVariable(d)
	case projection.Nullable[int64]:
		return projection.NewVariable(d)
	case projection.Nullable[float64]:
		return projection.NewVariable(d)
	default:
		return projection.NewVariable(d.(projection.Nullable[string]))
	}
}

// coerce converts a JSON-decoded input value into the box representation.
func (v *VariableInfo) coerce(raw any) (any, error) {
	if n, ok := raw.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			raw = i
		} else if f, err := n.Float64(); err == nil {
			raw = f
		}
	}
	switch v.Kind {
	case KindBoolean:
		switch b := raw.(type) {
		case nil:
			return false, nil
		case bool:
			return b, nil
		}
	case KindInt:
		switch n := raw.(type) {
		case nil:
			return projection.Null[int64](), nil
		case int:
			return int32Value(int64(n))
		case int32:
			return projection.Some(int64(n)), nil
		case int64:
			return int32Value(n)
		case float64:
			if n == math.Trunc(n) && n >= math.MinInt32 && n <= math.MaxInt32 {
				return projection.Some(int64(n)), nil
			}
		}
	case KindFloat:
		switch n := raw.(type) {
		case nil:
			return projection.Null[float64](), nil
		case float64:
			return projection.Some(n), nil
		case int:
			return projection.Some(float64(n)), nil
		case int64:
			return projection.Some(float64(n)), nil
		}
	case KindString:
		switch s := raw.(type) {
		case nil:
			return projection.Null[string](), nil
		case string:
			return projection.Some(s), nil
		}
	case KindInput:
		if raw == nil {
			return projection.Null[string](), nil
		}
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("cannot encode %T: %w", raw, err)
		}
		return projection.Some(string(b)), nil
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", raw, v.Kind)
}

// int32Value bounds Int values to the 32-bit range GraphQL defines.
func int32Value(n int64) (any, error) {
	if n < math.MinInt32 || n > math.MaxInt32 {
		return nil, fmt.Errorf("%d is outside the 32-bit Int range", n)
	}
	return projection.Some(n), nil
}

// set binds a coerced value on the lease.
func (v *VariableInfo) set(l *projection.Lease, value any) error {
	switch c := value.(type) {
	case bool:
		return projection.SetVariableValue(l, v.ID, c)
	case projection.Nullable[int64]:
		return projection.SetVariableValue(l, v.ID, c)
	case projection.Nullable[float64]:
		return projection.SetVariableValue(l, v.ID, c)
	case projection.Nullable[string]:
		return projection.SetVariableValue(l, v.ID, c)
	}
	return fmt.Errorf("variable $%s: unexpected value %T", v.Name, value)
}

// Bind sets every variable of the plan on l from the request values.
// Variables absent from values fall back to their default so that a reused
// cache never carries a previous request's bindings.
func (p *Plan) Bind(l *projection.Lease, values map[string]any) error {
	for _, v := range p.Variables {
		raw, ok := values[v.Name]
		if !ok {
			if v.NonNull && !v.HasDefault {
				return fmt.Errorf("variable $%s of required type %s was not provided", v.Name, v.Type)
			}
			if err := v.set(l, v.Default); err != nil {
				return err
			}
			continue
		}
		if raw == nil && v.NonNull {
			return fmt.Errorf("variable $%s of type %s cannot be null", v.Name, v.Type)
		}
		c, err := v.coerce(raw)
		if err != nil {
			return fmt.Errorf("variable $%s of type %s cannot be coerced: %v", v.Name, v.Type, err)
		}
		if err := v.set(l, c); err != nil {
			return err
		}
	}
	return nil
}
