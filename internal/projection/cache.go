package projection

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hanpama/projector/internal/expr"
)

type cacheState int32

const (
	stateAvailable cacheState = iota
	stateLeased
)

// ExpressionTreeCache holds one full set of compiled node expressions for a
// tree together with the variable state they were compiled against. A cache
// is owned by at most one lease at a time.
type ExpressionTreeCache struct {
	id          uuid.UUID
	expressions []expr.Expr
	vars        variableSet
	// changed holds variables whose value changed since the last pass.
	changed  map[Identifier]struct{}
	firstUse bool
	state    atomic.Int32
}

func newExpressionTreeCache(nodes int, vars variableSet) *ExpressionTreeCache {
	return &ExpressionTreeCache{
		id:          uuid.New(),
		expressions: make([]expr.Expr, nodes),
		vars:        vars,
		changed:     make(map[Identifier]struct{}),
		firstUse:    true,
	}
}

// ID identifies the cache instance across leases.
func (c *ExpressionTreeCache) ID() uuid.UUID { return c.id }

// IsFirstUse reports whether the cache has not completed a pass yet.
func (c *ExpressionTreeCache) IsFirstUse() bool { return c.firstUse }

// Expression returns the compiled expression of node id.
func (c *ExpressionTreeCache) Expression(id Identifier) expr.Expr { return c.expressions[id] }

// ValuesChanged returns the variables changed since the last pass.
func (c *ExpressionTreeCache) ValuesChanged() []Identifier {
	out := make([]Identifier, 0, len(c.changed))
	for id := range c.changed {
		out = append(out, id)
	}
	return out
}

func (c *ExpressionTreeCache) transition(from, to cacheState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// compute runs one compilation pass in ascending node order and returns the
// number of nodes compiled. On first use every node compiles; afterwards
// only nodes whose transitive dependencies intersect the changed set do.
//
// A failed pass leaves the cache in first-use state so the next pass
// rebuilds it completely.
func (c *ExpressionTreeCache) compute(tree *SealedMetaTree) (int, error) {
	if !c.firstUse && len(c.changed) == 0 {
		return 0, nil
	}
	ctx := newCompilationContext(tree, c)
	compiled := 0
	for i := 0; i < tree.Len(); i++ {
		id := FromIndex(i)
		if !c.firstUse && !tree.EffectiveDependencies(id).Intersects(c.changed) {
			continue
		}
		ctx.setNode(id)
		e, err := tree.node(id).Factory(ctx)
		if err != nil {
			c.firstUse = true
			return compiled, fmt.Errorf("compile node %v (%s): %w", id, tree.node(id).Name, err)
		}
		c.expressions[i] = e
		compiled++
	}
	c.firstUse = false
	clear(c.changed)
	return compiled, nil
}
