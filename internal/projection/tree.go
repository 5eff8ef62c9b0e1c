package projection

import (
	"fmt"
	"slices"

	"github.com/hanpama/projector/internal/expr"
)

// ExpressionFactory builds the expression of one node. It must be a pure
// function of the context: everything it reads comes from ctx.
type ExpressionFactory func(ctx *CompilationContext) (expr.Expr, error)

// Scope binds a node to the instance expressions it closes over.
// InnermostInstance is the nearest enclosing instance (the parameter of the
// lambda the node lives in); OutermostInstance is the instance of the
// tree's root lambda.
type Scope struct {
	OutermostInstance Identifier
	InnermostInstance Identifier
}

// SealedExpressionNode is one node of a SealedMetaTree.
type SealedExpressionNode struct {
	// Scope is nil for nodes that define instances themselves.
	Scope        *Scope
	Children     []Identifier
	Dependencies Dependencies
	Factory      ExpressionFactory
	// Name is a debug label.
	Name string
}

// SealedMetaTree is an immutable, dependency-ordered node array. It is
// shared by every cache and lease derived from it.
type SealedMetaTree struct {
	nodes      []SealedExpressionNode
	root       Identifier
	selections map[SelectionID]Identifier
	// effective holds each node's structural dependencies merged with those
	// of every node it references.
	effective []StructuralDependencies
}

// NewSealedMetaTree validates nodes and seals them into a tree.
//
// Every child and scope reference must point at a lower index, so ascending
// index order is a valid compilation order. Because factories embed the
// compiled expressions of the nodes they reference, a node is treated as
// structurally dependent on everything its children and scope instances
// depend on.
func NewSealedMetaTree(nodes []SealedExpressionNode, root Identifier, selections map[SelectionID]Identifier) (*SealedMetaTree, error) {
	n := len(nodes)
	if root < 0 || int(root) >= n {
		return nil, fmt.Errorf("%w: root %v out of range [0,%d)", ErrInvalidTree, root, n)
	}
	effective := make([]StructuralDependencies, n)
	for i := range nodes {
		node := &nodes[i]
		self := FromIndex(i)
		if node.Factory == nil {
			return nil, fmt.Errorf("%w: node %v has no factory", ErrInvalidTree, self)
		}
		deps := node.Dependencies.Structural
		refs := node.Children
		if node.Scope != nil {
			refs = append([]Identifier{node.Scope.OutermostInstance, node.Scope.InnermostInstance}, refs...)
		}
		for _, ref := range refs {
			if ref < 0 || ref >= self {
				return nil, fmt.Errorf("%w: node %v references %v", ErrInvalidTree, self, ref)
			}
			deps = deps.Union(effective[ref])
		}
		effective[i] = deps
	}
	sel := make(map[SelectionID]Identifier, len(selections))
	for id, target := range selections {
		if target < 0 || int(target) >= n {
			return nil, fmt.Errorf("%w: selection %d targets %v", ErrInvalidTree, id, target)
		}
		sel[id] = target
	}
	cp := make([]SealedExpressionNode, n)
	for i, node := range nodes {
		node.Children = slices.Clone(node.Children)
		if node.Scope != nil {
			scope := *node.Scope
			node.Scope = &scope
		}
		cp[i] = node
	}
	return &SealedMetaTree{nodes: cp, root: root, selections: sel, effective: effective}, nil
}

// Len returns the number of nodes.
func (t *SealedMetaTree) Len() int { return len(t.nodes) }

// Node returns a copy of the node at id.
func (t *SealedMetaTree) Node(id Identifier) SealedExpressionNode {
	n := t.nodes[id]
	n.Children = slices.Clone(n.Children)
	if n.Scope != nil {
		scope := *n.Scope
		n.Scope = &scope
	}
	return n
}

func (t *SealedMetaTree) node(id Identifier) *SealedExpressionNode { return &t.nodes[id] }

// Root returns the root node identifier.
func (t *SealedMetaTree) Root() Identifier { return t.root }

// Selection returns the node that builds selection id.
func (t *SealedMetaTree) Selection(id SelectionID) (Identifier, bool) {
	n, ok := t.selections[id]
	return n, ok
}

// EffectiveDependencies returns the transitive structural dependencies of id.
func (t *SealedMetaTree) EffectiveDependencies(id Identifier) StructuralDependencies {
	return t.effective[id]
}
