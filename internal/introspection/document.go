package introspection

import (
	"fmt"
	"sort"
	"strings"

	schema "github.com/hanpama/projector/internal/schema"
)

// Root members holding the introspection data.
const (
	SchemaMember = "__schema"
	TypesMember  = "__types"
)

const deprecatedSuffix = "+deprecated"

// Member returns the data member holding field. Lists that honor
// includeDeprecated are stored twice, once without deprecated entries.
func Member(field string, includeDeprecated bool) string {
	if includeDeprecated {
		return field + deprecatedSuffix
	}
	return field
}

// Document is the introspection data of one schema, built once. Types and
// type references share maps, so the data is cyclic; projections only walk
// as deep as the query selects.
type Document struct {
	schema map[string]any
	types  map[string]any
}

// Build builds the introspection data of s. s is normally the result of
// Extend.
func Build(s *schema.Schema) *Document {
	b := &docBuilder{s: s, types: make(map[string]map[string]any, len(s.Types))}
	names := make([]string, 0, len(s.Types))
	for name := range s.Types {
		names = append(names, name)
		b.types[name] = map[string]any{}
	}
	sort.Strings(names)

	d := &Document{types: make(map[string]any, len(names))}
	types := make([]any, 0, len(names))
	for _, name := range names {
		b.fillType(s.Types[name], b.types[name])
		d.types[name] = b.types[name]
		types = append(types, b.types[name])
	}

	dirNames := make([]string, 0, len(s.Directives))
	for name := range s.Directives {
		dirNames = append(dirNames, name)
	}
	sort.Strings(dirNames)
	directives := make([]any, 0, len(dirNames))
	for _, name := range dirNames {
		directives = append(directives, b.directive(s.Directives[name]))
	}

	d.schema = map[string]any{
		"description":      optional(s.Description),
		"types":            types,
		"queryType":        b.named(s.QueryType),
		"mutationType":     b.named(s.MutationType),
		"subscriptionType": b.named(s.SubscriptionType),
		"directives":       directives,
	}
	return d
}

// Type returns the data of the named type, or nil.
func (d *Document) Type(name string) map[string]any {
	t, _ := d.types[name].(map[string]any)
	return t
}

// Root returns root with the introspection members added. A mapping root is
// copied shallowly; a nil root becomes a mapping of its own. Other roots
// are returned as they are.
func (d *Document) Root(root any) any {
	switch r := root.(type) {
	case nil:
		return map[string]any{SchemaMember: d.schema, TypesMember: d.types}
	case map[string]any:
		out := make(map[string]any, len(r)+2)
		for k, v := range r {
			out[k] = v
		}
		out[SchemaMember] = d.schema
		out[TypesMember] = d.types
		return out
	}
	return root
}

type docBuilder struct {
	s     *schema.Schema
	types map[string]map[string]any
}

func (b *docBuilder) named(name string) any {
	if t, ok := b.types[name]; ok {
		return t
	}
	return nil
}

func (b *docBuilder) ref(tr *schema.TypeRef) any {
	if tr == nil {
		return nil
	}
	if tr.Kind == schema.TypeRefKindNamed {
		return b.named(tr.Named)
	}
	return map[string]any{
		"kind":   string(tr.Kind),
		"name":   nil,
		"ofType": b.ref(tr.OfType),
	}
}

func (b *docBuilder) fillType(t *schema.Type, out map[string]any) {
	out["kind"] = string(t.Kind)
	out["name"] = t.Name
	out["description"] = optional(t.Description)
	out["ofType"] = nil
	if t.SpecifiedByURL != nil {
		out["specifiedByURL"] = *t.SpecifiedByURL
	} else {
		out["specifiedByURL"] = nil
	}

	switch t.Kind {
	case schema.TypeKindObject, schema.TypeKindInterface:
		var fields []any
		var all []any
		for _, f := range sortedFields(t.Fields) {
			if strings.HasPrefix(f.Name, "__") {
				continue
			}
			m := b.field(f)
			all = append(all, m)
			if !f.IsDeprecated {
				fields = append(fields, m)
			}
		}
		out["fields"] = orEmpty(fields)
		out[Member("fields", true)] = orEmpty(all)
		out["interfaces"] = b.typeList(t.Interfaces)
	}
	switch t.Kind {
	case schema.TypeKindInterface, schema.TypeKindUnion:
		out["possibleTypes"] = b.typeList(t.PossibleTypes)
	case schema.TypeKindEnum:
		values := append([]*schema.EnumValue(nil), t.EnumValues...)
		sort.Slice(values, func(i, j int) bool { return values[i].Name < values[j].Name })
		var visible []any
		var all []any
		for _, ev := range values {
			m := map[string]any{
				"name":              ev.Name,
				"description":       optional(ev.Description),
				"isDeprecated":      ev.IsDeprecated,
				"deprecationReason": deprecationReason(ev.IsDeprecated, ev.DeprecationReason),
			}
			all = append(all, m)
			if !ev.IsDeprecated {
				visible = append(visible, m)
			}
		}
		out["enumValues"] = orEmpty(visible)
		out[Member("enumValues", true)] = orEmpty(all)
	case schema.TypeKindInputObject:
		out["inputFields"], out[Member("inputFields", true)] = b.inputValues(t.InputFields)
		out["isOneOf"] = t.OneOf
	}
}

func (b *docBuilder) typeList(names []string) []any {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	out := []any{}
	for _, name := range sorted {
		if t, ok := b.types[name]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (b *docBuilder) field(f *schema.Field) map[string]any {
	m := map[string]any{
		"name":              f.Name,
		"description":       optional(f.Description),
		"type":              b.ref(f.Type),
		"isDeprecated":      f.IsDeprecated,
		"deprecationReason": deprecationReason(f.IsDeprecated, f.DeprecationReason),
	}
	m["args"], m[Member("args", true)] = b.inputValues(f.Arguments)
	return m
}

// inputValues returns the sorted values without and with deprecated ones.
func (b *docBuilder) inputValues(values []*schema.InputValue) (visible, all []any) {
	sorted := append([]*schema.InputValue(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	visible, all = []any{}, []any{}
	for _, v := range sorted {
		m := map[string]any{
			"name":              v.Name,
			"description":       optional(v.Description),
			"type":              b.ref(v.Type),
			"defaultValue":      defaultValue(v.DefaultValue),
			"isDeprecated":      v.IsDeprecated,
			"deprecationReason": deprecationReason(v.IsDeprecated, v.DeprecationReason),
		}
		all = append(all, m)
		if !v.IsDeprecated {
			visible = append(visible, m)
		}
	}
	return visible, all
}

func (b *docBuilder) directive(d *schema.Directive) map[string]any {
	locations := make([]any, 0, len(d.Locations))
	sorted := append([]string(nil), d.Locations...)
	sort.Strings(sorted)
	for _, l := range sorted {
		locations = append(locations, l)
	}
	m := map[string]any{
		"name":         d.Name,
		"description":  optional(d.Description),
		"isRepeatable": d.IsRepeatable,
		"locations":    locations,
	}
	m["args"], m[Member("args", true)] = b.inputValues(d.Arguments)
	return m
}

func sortedFields(fields []*schema.Field) []*schema.Field {
	out := append([]*schema.Field(nil), fields...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orEmpty(l []any) []any {
	if l == nil {
		return []any{}
	}
	return l
}

func deprecationReason(deprecated bool, reason string) any {
	if !deprecated {
		return nil
	}
	return reason
}

func defaultValue(v any) any {
	switch d := v.(type) {
	case nil:
		return nil
	case string:
		if d == "" {
			return nil
		}
		return d
	}
	return fmt.Sprintf("%v", v)
}
