// Package introspection serves __schema and __type as projected data.
// Extend adds the introspection types to a schema so that plans can select
// them, and Document builds the values those plans read.
package introspection

import (
	"strings"

	schema "github.com/hanpama/projector/internal/schema"
)

// Extend returns a copy of original with the introspection types and the
// __schema and __type fields of the query type. original is not modified.
// A schema without a validated source is returned unchanged.
func Extend(original *schema.Schema) *schema.Schema {
	if original.Source == nil {
		return original
	}
	extended := &schema.Schema{
		QueryType:        original.QueryType,
		MutationType:     original.MutationType,
		SubscriptionType: original.SubscriptionType,
		Types:            make(map[string]*schema.Type, len(original.Types)+8),
		Directives:       original.Directives,
		Description:      original.Description,
		Source:           original.Source,
	}
	for name, typ := range original.Types {
		extended.Types[name] = typ
	}
	for name, def := range original.Source.Types {
		if !strings.HasPrefix(name, "__") {
			continue
		}
		if t := schema.BuildType(original.Source, def); t != nil {
			extended.Types[name] = t
		}
	}

	if queryType := original.GetQueryType(); queryType != nil {
		queryTypeCopy := *queryType
		queryTypeCopy.Fields = append(append([]*schema.Field(nil), queryType.Fields...),
			&schema.Field{
				Name:        "__schema",
				Description: "Access the current type schema of this server.",
				Type:        schema.NonNullType(schema.NamedType("__Schema")),
			},
			&schema.Field{
				Name:        "__type",
				Description: "Request the type information of a single type.",
				Arguments: []*schema.InputValue{{
					Name:        "name",
					Description: "The name of the type to look up.",
					Type:        schema.NonNullType(schema.NamedType("String")),
				}},
				Type: schema.NamedType("__Type"),
			},
		)
		extended.Types[queryType.Name] = &queryTypeCopy
	}
	return extended
}

// IsIntrospectionType reports whether name is one of the __ types.
func IsIntrospectionType(name string) bool { return strings.HasPrefix(name, "__") }
