package projection

import (
	"fmt"

	"github.com/hanpama/projector/internal/expr"
)

// CompilationContext is the view handed to a node's ExpressionFactory. One
// context is reused for a whole pass; the driver moves it from node to node.
type CompilationContext struct {
	node  Identifier
	tree  *SealedMetaTree
	cache *ExpressionTreeCache
}

func newCompilationContext(tree *SealedMetaTree, cache *ExpressionTreeCache) *CompilationContext {
	return &CompilationContext{tree: tree, cache: cache}
}

// NodeIndex is the node currently being compiled.
func (c *CompilationContext) NodeIndex() Identifier { return c.node }

func (c *CompilationContext) setNode(id Identifier) { c.node = id }

func (c *CompilationContext) current() *SealedExpressionNode { return c.tree.node(c.node) }

// Instance returns the compiled innermost instance of the node's scope, or
// nil when the node has no scope.
func (c *CompilationContext) Instance() expr.Expr {
	s := c.current().Scope
	if s == nil {
		return nil
	}
	return c.cache.expressions[s.InnermostInstance]
}

// InstanceRoot returns the compiled outermost instance of the node's scope,
// or nil when the node has no scope.
func (c *CompilationContext) InstanceRoot() expr.Expr {
	s := c.current().Scope
	if s == nil {
		return nil
	}
	return c.cache.expressions[s.OutermostInstance]
}

// Children returns the node's child expressions.
func (c *CompilationContext) Children() ChildExpressions {
	return ChildExpressions{ids: c.current().Children, cache: c.cache}
}

// ChildExpressions is a read-only view over the compiled children of a node.
// Entries are resolved on access.
type ChildExpressions struct {
	ids   []Identifier
	cache *ExpressionTreeCache
}

func (ce ChildExpressions) Len() int { return len(ce.ids) }

// At returns the compiled expression of the i-th child. Children compile
// before their parents, so this is always the current expression.
func (ce ChildExpressions) At(i int) expr.Expr { return ce.cache.expressions[ce.ids[i]] }

// ID returns the node identifier of the i-th child.
func (ce ChildExpressions) ID(i int) Identifier { return ce.ids[i] }

// Box returns the box of variable id. The node must declare id as a
// structural dependency.
func (c *CompilationContext) Box(id Identifier) (Box, error) {
	if !c.current().Dependencies.Structural.Contains(id) {
		return nil, fmt.Errorf("%w: node %v reads %v", ErrUndeclaredVariable, c.node, id)
	}
	b, ok := c.cache.vars.boxes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownVariable, id)
	}
	return b, nil
}

// BoxExpression returns the runtime-read expression of variable id. The
// node must declare expression dependencies and list id in Expressions or
// Structural.
func (c *CompilationContext) BoxExpression(id Identifier) (*expr.BoxValue, error) {
	deps := c.current().Dependencies
	if !deps.HasExpressionDependencies {
		return nil, fmt.Errorf("%w: node %v reads %v", ErrNoExpressionDependencies, c.node, id)
	}
	if !deps.readsExpression(id) {
		return nil, fmt.Errorf("%w: node %v reads expression of %v", ErrUndeclaredVariable, c.node, id)
	}
	e, ok := c.cache.vars.expressions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownVariable, id)
	}
	return e, nil
}

// LookupBox is Box with the value type asserted.
func LookupBox[T comparable](c *CompilationContext, id Identifier) (*TypedBox[T], error) {
	b, err := c.Box(id)
	if err != nil {
		return nil, err
	}
	tb, ok := b.(*TypedBox[T])
	if !ok {
		return nil, fmt.Errorf("%w: %v holds %v", ErrTypeMismatch, id, b.Type())
	}
	return tb, nil
}
