package planner

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hanpama/projector/internal/expr"
	introspection "github.com/hanpama/projector/internal/introspection"
	language "github.com/hanpama/projector/internal/language"
	"github.com/hanpama/projector/internal/projection"
	schema "github.com/hanpama/projector/internal/schema"
)

// Plan is a query operation compiled into a projection tree.
type Plan struct {
	Tree      *projection.SealedMetaTree
	Operation *language.OperationDefinition
	// Variables are ordered by identifier.
	Variables []*VariableInfo
	// Selections maps dotted response paths ("users.friends.name") to the
	// selection exposing that field's value relative to its parent object.
	Selections map[string]projection.SelectionID
	// Introspects is set when the operation selects __schema or __type.
	// Such plans read the members added by introspection.Document.Root.
	Introspects bool
}

// Variable returns the variable named name (without "$").
func (p *Plan) Variable(name string) (*VariableInfo, bool) {
	for _, v := range p.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return nil, false
}

// InitialVariables returns the reference bindings for a CacheManager.
func (p *Plan) InitialVariables() map[projection.Identifier]projection.Variable {
	out := make(map[projection.Identifier]projection.Variable, len(p.Variables))
	for _, v := range p.Variables {
		out[v.ID] = v.initial()
	}
	return out
}

// NewCacheManager returns a cache manager for the plan's tree.
func (p *Plan) NewCacheManager(opts ...projection.Option) (*projection.CacheManager, error) {
	return projection.NewCacheManager(p.Tree, p.InitialVariables(), opts...)
}

// SelectionPaths returns the registered selection paths in sorted order.
func (p *Plan) SelectionPaths() []string {
	out := make([]string, 0, len(p.Selections))
	for path := range p.Selections {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

type builder struct {
	schema      *schema.Schema
	doc         *language.QueryDocument
	vars        map[string]*VariableInfo
	nodes       []projection.SealedExpressionNode
	selections  map[projection.SelectionID]projection.Identifier
	paths       map[string]projection.SelectionID
	introspects bool
}

// Compile builds the projection plan of one query operation. The operation
// is chosen by name, or is the document's only operation when name is empty.
func Compile(s *schema.Schema, doc *language.QueryDocument, operationName string) (*Plan, error) {
	if s.Source != nil {
		if err := language.ValidateQuery(s.Source, doc); err != nil {
			return nil, err
		}
	}
	op := getOperation(doc, operationName)
	if op == nil {
		return nil, fmt.Errorf("operation not found")
	}
	if op.Operation != language.Query {
		return nil, fmt.Errorf("unsupported operation type: %s", op.Operation)
	}
	rootType := s.GetQueryType()
	if rootType == nil {
		return nil, fmt.Errorf("root type not found for %s operation", op.Operation)
	}

	b := &builder{
		schema:     s,
		doc:        doc,
		vars:       make(map[string]*VariableInfo, len(op.VariableDefinitions)),
		selections: make(map[projection.SelectionID]projection.Identifier),
		paths:      make(map[string]projection.SelectionID),
	}
	plan := &Plan{Operation: op}
	for i, def := range op.VariableDefinitions {
		info, err := newVariableInfo(projection.FromIndex(i), def, s.GetType(def.Type.Name()))
		if err != nil {
			return nil, err
		}
		b.vars[info.Name] = info
		plan.Variables = append(plan.Variables, info)
	}

	rootInstance := b.add(projection.SealedExpressionNode{
		Name:    "root",
		Factory: parameterFactory("root"),
	})
	scope := &projection.Scope{OutermostInstance: rootInstance, InnermostInstance: rootInstance}
	fields := newCollectedFieldMap()
	if err := b.collectFields(rootType, op.SelectionSet, nil, fields, map[string]bool{}); err != nil {
		return nil, err
	}
	root, err := b.object(rootType, fields, scope, "")
	if err != nil {
		return nil, err
	}
	tree, err := projection.NewSealedMetaTree(b.nodes, root, b.selections)
	if err != nil {
		return nil, err
	}
	plan.Tree = tree
	plan.Selections = b.paths
	plan.Introspects = b.introspects
	return plan, nil
}

func getOperation(doc *language.QueryDocument, name string) *language.OperationDefinition {
	if name == "" {
		if len(doc.Operations) == 1 {
			return doc.Operations[0]
		}
		return nil
	}
	return doc.Operations.ForName(name)
}

func (b *builder) add(n projection.SealedExpressionNode) projection.Identifier {
	b.nodes = append(b.nodes, n)
	return projection.FromIndex(len(b.nodes) - 1)
}

func (b *builder) register(path string, node projection.Identifier) {
	id := projection.SelectionID(len(b.paths))
	b.paths[path] = id
	b.selections[id] = node
}

// object adds one node per collected field and an object node assembling
// them, and returns the object node.
func (b *builder) object(parentType *schema.Type, fields *collectedFieldMap, scope *projection.Scope, path string) (projection.Identifier, error) {
	var children []projection.Identifier
	var names []string
	for _, cf := range fields.orderedFields() {
		fieldPath := cf.ResponseName
		if path != "" {
			fieldPath = path + "." + cf.ResponseName
		}
		id, err := b.field(parentType, cf, scope, fieldPath)
		if err != nil {
			return 0, err
		}
		b.register(fieldPath, id)
		children = append(children, id)
		names = append(names, cf.ResponseName)
	}
	label := path
	if label == "" {
		label = parentType.Name
	}
	return b.add(projection.SealedExpressionNode{
		Name:     label + "{}",
		Scope:    scope,
		Children: children,
		Factory:  objectFactory(names),
	}), nil
}

func (b *builder) field(parentType *schema.Type, cf collectedField, scope *projection.Scope, path string) (projection.Identifier, error) {
	first := cf.Occurrences[0].field
	deps := projection.Dependencies{Structural: projection.VariableSet(cf.variables()...)}

	if first.Name == "__typename" {
		return b.add(projection.SealedExpressionNode{
			Name:         path,
			Scope:        scope,
			Dependencies: deps,
			Factory:      typenameFactory(cf, parentType),
		}), nil
	}

	fieldDef := b.lookupField(parentType, first.Name)
	if fieldDef == nil {
		return 0, fmt.Errorf("cannot query field %q on type %q", first.Name, parentType.Name)
	}
	count, err := b.countArgument(fieldDef, first)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", path, err)
	}
	if count != nil && count.variable {
		deps.HasExpressionDependencies = true
		deps.Expressions = projection.VariableSet(count.id)
	}
	source, err := b.memberPath(parentType, fieldDef, first)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", path, err)
	}
	if parentType.Name == b.schema.QueryType && strings.HasPrefix(first.Name, "__") {
		b.introspects = true
	}

	namedType := b.schema.GetType(fieldDef.Type.GetNamedType())
	if namedType == nil {
		return 0, fmt.Errorf("field %s: unknown type %s", path, fieldDef.Type.GetNamedType())
	}
	if namedType.IsLeaf() {
		return b.add(projection.SealedExpressionNode{
			Name:         path,
			Scope:        scope,
			Dependencies: deps,
			Factory:      leafFactory(cf, source, count),
		}), nil
	}

	list := schema.IsList(fieldDef.Type)
	if list && schema.IsList(listElem(fieldDef.Type)) {
		return 0, fmt.Errorf("field %s: nested lists of objects cannot be projected", path)
	}

	item := b.add(projection.SealedExpressionNode{
		Name:    path + "[item]",
		Factory: parameterFactory(strings.ReplaceAll(path, ".", "_")),
	})
	itemScope := &projection.Scope{OutermostInstance: scope.OutermostInstance, InnermostInstance: item}
	sub := newCollectedFieldMap()
	for _, o := range cf.Occurrences {
		if err := b.collectFields(namedType, o.field.SelectionSet, o.conds, sub, map[string]bool{}); err != nil {
			return 0, err
		}
	}
	obj, err := b.object(namedType, sub, itemScope, path)
	if err != nil {
		return 0, err
	}
	return b.add(projection.SealedExpressionNode{
		Name:         path,
		Scope:        scope,
		Children:     []projection.Identifier{item, obj},
		Dependencies: deps,
		Factory:      compositeFactory(cf, source, list, count),
	}), nil
}

// memberPath returns the data members read for f, outermost first.
// Introspection fields with arguments read precomputed members.
func (b *builder) memberPath(parentType *schema.Type, fieldDef *schema.Field, f *language.Field) ([]string, error) {
	switch {
	case f.Name == "__type" && parentType.Name == b.schema.QueryType:
		arg := f.Arguments.ForName("name")
		if arg == nil || arg.Value == nil || arg.Value.Kind != language.StringValue {
			return nil, fmt.Errorf("argument \"name\" of __type must be a literal String")
		}
		return []string{introspection.TypesMember, arg.Value.Raw}, nil
	case introspection.IsIntrospectionType(parentType.Name) && fieldDef.Argument("includeDeprecated") != nil:
		arg := f.Arguments.ForName("includeDeprecated")
		if arg == nil || arg.Value == nil || arg.Value.Kind == language.NullValue {
			return []string{f.Name}, nil
		}
		if arg.Value.Kind != language.BooleanValue {
			return nil, fmt.Errorf("argument \"includeDeprecated\" must be a literal Boolean")
		}
		return []string{introspection.Member(f.Name, arg.Value.Raw == "true")}, nil
	}
	return []string{f.Name}, nil
}

// listElem returns the element type of a (possibly non-null) list type.
func listElem(t *schema.TypeRef) *schema.TypeRef {
	if t.IsNonNull() {
		t = t.OfType
	}
	if t.Kind == schema.TypeRefKindList {
		return t.OfType
	}
	return nil
}

// lookupField finds name on parentType or, for abstract types, on one of
// its possible types.
func (b *builder) lookupField(parentType *schema.Type, name string) *schema.Field {
	if f := parentType.Field(name); f != nil {
		return f
	}
	for _, pt := range parentType.PossibleTypes {
		if t := b.schema.GetType(pt); t != nil {
			if f := t.Field(name); f != nil {
				return f
			}
		}
	}
	return nil
}

// countSpec is a resolved "first" argument.
type countSpec struct {
	literal  int64
	variable bool
	id       projection.Identifier
}

// countArgument resolves the Int argument "first" of list fields.
func (b *builder) countArgument(fieldDef *schema.Field, f *language.Field) (*countSpec, error) {
	argDef := fieldDef.Argument("first")
	if argDef == nil || !schema.IsList(fieldDef.Type) || argDef.Type.GetNamedType() != "Int" {
		return nil, nil
	}
	arg := f.Arguments.ForName("first")
	if arg == nil || arg.Value == nil {
		if s, ok := argDef.DefaultValue.(string); ok && s != "" && s != "null" {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("default of \"first\": %w", err)
			}
			return &countSpec{literal: n}, nil
		}
		return nil, nil
	}
	switch arg.Value.Kind {
	case language.IntValue:
		n, err := strconv.ParseInt(arg.Value.Raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("argument \"first\": %w", err)
		}
		return &countSpec{literal: n}, nil
	case language.NullValue:
		return nil, nil
	case language.Variable:
		v, ok := b.vars[arg.Value.Raw]
		if !ok {
			return nil, fmt.Errorf("undefined variable $%s", arg.Value.Raw)
		}
		if v.Kind != KindInt {
			return nil, fmt.Errorf("variable $%s used in \"first\" must be Int", v.Name)
		}
		return &countSpec{variable: true, id: v.ID}, nil
	}
	return nil, fmt.Errorf("argument \"first\" must be an Int")
}

func (c *countSpec) expression(ctx *projection.CompilationContext) (expr.Expr, error) {
	if !c.variable {
		return expr.NewConstant(c.literal), nil
	}
	return ctx.BoxExpression(c.id)
}
