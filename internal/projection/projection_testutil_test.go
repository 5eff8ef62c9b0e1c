package projection

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanpama/projector/internal/expr"
)

// callCounter records how often each node factory ran.
type callCounter struct {
	mu    sync.Mutex
	calls map[Identifier]int
}

func newCallCounter() *callCounter { return &callCounter{calls: map[Identifier]int{}} }

func (c *callCounter) wrap(f ExpressionFactory) ExpressionFactory {
	return func(ctx *CompilationContext) (expr.Expr, error) {
		c.mu.Lock()
		c.calls[ctx.NodeIndex()]++
		c.mu.Unlock()
		return f(ctx)
	}
}

func (c *callCounter) count(id Identifier) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func (c *callCounter) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = map[Identifier]int{}
}

func parameterFactory(name string) ExpressionFactory {
	return func(*CompilationContext) (expr.Expr, error) { return expr.NewParameter(name), nil }
}

// memberFromVariable reads the string box id at compile time and projects
// the instance member named by its value.
func memberFromVariable(id Identifier) ExpressionFactory {
	return func(ctx *CompilationContext) (expr.Expr, error) {
		b, err := LookupBox[string](ctx, id)
		if err != nil {
			return nil, err
		}
		return expr.NewMember(ctx.Instance(), b.Get()), nil
	}
}

// objectOfChildren builds an object with one field per child.
func objectOfChildren(ctx *CompilationContext) (expr.Expr, error) {
	children := ctx.Children()
	obj := &expr.Object{}
	for i := 0; i < children.Len(); i++ {
		obj.Fields = append(obj.Fields, expr.ObjectField{Name: fmt.Sprintf("f%d", i), Value: children.At(i)})
	}
	return obj, nil
}

func mustTree(t *testing.T, nodes []SealedExpressionNode, root Identifier, selections map[SelectionID]Identifier) *SealedMetaTree {
	t.Helper()
	tree, err := NewSealedMetaTree(nodes, root, selections)
	require.NoError(t, err)
	return tree
}

func mustLease(t *testing.T, m *CacheManager) *Lease {
	t.Helper()
	l, err := m.Lease(context.Background())
	require.NoError(t, err)
	return l
}

func snapshot(t *testing.T, l *Lease) []expr.Expr {
	t.Helper()
	out := make([]expr.Expr, l.m.tree.Len())
	for i := range out {
		e, err := l.NodeExpression(FromIndex(i))
		require.NoError(t, err)
		out[i] = e
	}
	return out
}
