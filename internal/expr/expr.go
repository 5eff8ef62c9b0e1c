// Package expr is a small expression-tree model for projections.
//
// Expressions are plain data: building one has no side effects, and the same
// node may be shared by several parents. A Lambda is turned into a callable
// Func with Compile.
package expr

// Expr is a node of an expression tree.
type Expr interface {
	isExpr()
}

// ValueSource is a mutable cell read at evaluation time.
type ValueSource interface {
	Value() any
}

// Parameter is a lambda parameter. Parameters compare by identity.
type Parameter struct {
	Name string
}

// Constant yields a fixed value.
type Constant struct {
	Value any
}

// Member reads Name from Target. Maps are indexed by key, structs by
// exported field name. A nil target yields nil.
type Member struct {
	Target Expr
	Name   string
}

// ObjectField is one output entry of an Object.
type ObjectField struct {
	Name  string
	Value Expr
}

// Object builds a map[string]any from its fields.
type Object struct {
	Fields []ObjectField
}

// Conditional evaluates Then when Test is true, Else otherwise.
type Conditional struct {
	Test Expr
	Then Expr
	Else Expr
}

// Map projects every element of Source through Lambda. A nil source yields nil.
type Map struct {
	Source Expr
	Lambda *Lambda
}

// Apply invokes Lambda with the value of Arg. A nil argument yields nil.
type Apply struct {
	Arg    Expr
	Lambda *Lambda
}

// Take keeps the first Count elements of Source.
type Take struct {
	Source Expr
	Count  Expr
}

// BoxValue reads the current value of Source each time it is evaluated.
type BoxValue struct {
	Source ValueSource
}

// Lambda is a single-parameter function.
type Lambda struct {
	Parameter *Parameter
	Body      Expr
}

func (*Parameter) isExpr()   {}
func (*Constant) isExpr()    {}
func (*Member) isExpr()      {}
func (*Object) isExpr()      {}
func (*Conditional) isExpr() {}
func (*Map) isExpr()         {}
func (*Apply) isExpr()       {}
func (*Take) isExpr()        {}
func (*BoxValue) isExpr()    {}
func (*Lambda) isExpr()      {}

func NewParameter(name string) *Parameter { return &Parameter{Name: name} }
func NewConstant(v any) *Constant         { return &Constant{Value: v} }
func NewMember(target Expr, name string) *Member {
	return &Member{Target: target, Name: name}
}
func NewLambda(p *Parameter, body Expr) *Lambda { return &Lambda{Parameter: p, Body: body} }
