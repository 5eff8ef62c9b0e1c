package schema

import (
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"

	language "github.com/hanpama/projector/internal/language"
)

// BuildFromSDL parses and validates SDL and returns the corresponding Schema.
func BuildFromSDL(sdl string) (*Schema, error) {
	return BuildFromSources(map[string]string{"schema.graphql": sdl})
}

// BuildFromSources parses and validates several SDL sources as one schema.
func BuildFromSources(sources map[string]string) (*Schema, error) {
	loaded, err := language.LoadSchema(sources)
	if err != nil {
		return nil, err
	}
	return BuildFromAST(loaded), nil
}

// BuildFromAST converts a loaded gqlparser schema. Introspection types are
// left out; builtin scalars and directives are kept.
func BuildFromAST(src *language.LoadedSchema) *Schema {
	s := &Schema{
		Types:       make(map[string]*Type, len(src.Types)),
		Directives:  make(map[string]*Directive, len(src.Directives)),
		Description: src.Description,
		Source:      src,
	}
	if src.Query != nil {
		s.QueryType = src.Query.Name
	}
	if src.Mutation != nil {
		s.MutationType = src.Mutation.Name
	}
	if src.Subscription != nil {
		s.SubscriptionType = src.Subscription.Name
	}
	for name, def := range src.Types {
		if strings.HasPrefix(name, "__") {
			continue
		}
		if t := BuildType(src, def); t != nil {
			s.Types[name] = t
		}
	}
	for name, dir := range src.Directives {
		s.Directives[name] = buildDirective(dir)
	}
	return s
}

// BuildType converts one named type of src. It returns nil for definition
// kinds it does not know.
func BuildType(src *language.LoadedSchema, def *ast.Definition) *Type {
	switch def.Kind {
	case ast.Object:
		return buildComposite(def, TypeKindObject)
	case ast.Interface:
		t := buildComposite(def, TypeKindInterface)
		t.PossibleTypes = possibleTypeNames(src, def)
		return t
	case ast.Union:
		t := &Type{Name: def.Name, Kind: TypeKindUnion, Description: def.Description}
		t.PossibleTypes = possibleTypeNames(src, def)
		return t
	case ast.Enum:
		return buildEnum(def)
	case ast.InputObject:
		return buildInput(def)
	case ast.Scalar:
		return &Type{Name: def.Name, Kind: TypeKindScalar, Description: def.Description}
	}
	return nil
}

func buildComposite(def *ast.Definition, kind TypeKind) *Type {
	t := &Type{Name: def.Name, Kind: kind, Description: def.Description}
	t.Interfaces = append(t.Interfaces, def.Interfaces...)
	sort.Strings(t.Interfaces)
	for _, fd := range def.Fields {
		if strings.HasPrefix(fd.Name, "__") {
			continue
		}
		t.Fields = append(t.Fields, buildField(fd))
	}
	return t
}

func possibleTypeNames(src *ast.Schema, def *ast.Definition) []string {
	var names []string
	for _, pt := range src.GetPossibleTypes(def) {
		names = append(names, pt.Name)
	}
	sort.Strings(names)
	return names
}

func buildField(def *ast.FieldDefinition) *Field {
	f := &Field{Name: def.Name, Description: def.Description, Type: buildTypeRef(def.Type)}
	f.IsDeprecated, f.DeprecationReason = deprecation(def.Directives)
	for _, arg := range def.Arguments {
		in := &InputValue{Name: arg.Name, Description: arg.Description, Type: buildTypeRef(arg.Type)}
		if arg.DefaultValue != nil {
			in.DefaultValue = arg.DefaultValue.String()
		}
		in.IsDeprecated, in.DeprecationReason = deprecation(arg.Directives)
		f.Arguments = append(f.Arguments, in)
	}
	return f
}

func buildEnum(def *ast.Definition) *Type {
	t := &Type{Name: def.Name, Kind: TypeKindEnum, Description: def.Description}
	for _, v := range def.EnumValues {
		e := &EnumValue{Name: v.Name, Description: v.Description}
		e.IsDeprecated, e.DeprecationReason = deprecation(v.Directives)
		t.EnumValues = append(t.EnumValues, e)
	}
	return t
}

func buildInput(def *ast.Definition) *Type {
	t := &Type{Name: def.Name, Kind: TypeKindInputObject, Description: def.Description}
	t.OneOf = def.Directives.ForName("oneOf") != nil
	for _, fd := range def.Fields {
		in := &InputValue{Name: fd.Name, Description: fd.Description, Type: buildTypeRef(fd.Type)}
		if fd.DefaultValue != nil {
			in.DefaultValue = fd.DefaultValue.String()
		}
		t.InputFields = append(t.InputFields, in)
	}
	return t
}

func buildTypeRef(t *ast.Type) *TypeRef {
	var ref *TypeRef
	if t.Elem != nil {
		ref = ListType(buildTypeRef(t.Elem))
	} else {
		ref = NamedType(t.NamedType)
	}
	if t.NonNull {
		ref = NonNullType(ref)
	}
	return ref
}

func buildDirective(dir *ast.DirectiveDefinition) *Directive {
	d := &Directive{Name: dir.Name, Description: dir.Description, IsRepeatable: dir.IsRepeatable}
	for _, loc := range dir.Locations {
		d.Locations = append(d.Locations, string(loc))
	}
	for _, arg := range dir.Arguments {
		d.Arguments = append(d.Arguments, &InputValue{Name: arg.Name, Description: arg.Description, Type: buildTypeRef(arg.Type)})
	}
	return d
}

func deprecation(dirs ast.DirectiveList) (bool, string) {
	d := dirs.ForName("deprecated")
	if d == nil {
		return false, ""
	}
	if arg := d.Arguments.ForName("reason"); arg != nil && arg.Value != nil {
		return true, arg.Value.Raw
	}
	return true, ""
}
