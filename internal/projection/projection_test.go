package projection

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/projector/internal/expr"
)

const (
	varX Identifier = 0
	varY Identifier = 1
)

// scenarioTree is the three node tree: an instance parameter, a member
// chosen by variable x, and a root object embedding that member.
func scenarioTree(t *testing.T, counter *callCounter) *SealedMetaTree {
	scope := &Scope{OutermostInstance: 0, InnermostInstance: 0}
	return mustTree(t, []SealedExpressionNode{
		{Name: "instance", Factory: counter.wrap(parameterFactory("u"))},
		{Name: "field", Scope: scope, Dependencies: Dependencies{Structural: VariableSet(varX)}, Factory: counter.wrap(memberFromVariable(varX))},
		{Name: "root", Scope: scope, Children: []Identifier{1}, Factory: counter.wrap(objectOfChildren)},
	}, 2, map[SelectionID]Identifier{7: 1})
}

func scenarioManager(t *testing.T, counter *callCounter, opts ...Option) *CacheManager {
	m, err := NewCacheManager(scenarioTree(t, counter), map[Identifier]Variable{
		varX: NewVariable("name"),
	}, opts...)
	require.NoError(t, err)
	return m
}

func TestBoxUpdateValue(t *testing.T) {
	b := NewBox("a")
	require.False(t, b.UpdateValue("a"))
	require.True(t, b.UpdateValue("b"))
	require.False(t, b.UpdateValue("b"))
	require.Equal(t, "b", b.Get())

	c := b.Clone().(*TypedBox[string])
	require.True(t, c.UpdateValue("c"))
	require.Equal(t, "b", b.Get(), "clone must not alias the original")
	require.Equal(t, "c", c.Get())
}

func TestNullableBoxValue(t *testing.T) {
	b := NewBox(Null[int64]())
	require.Nil(t, b.Value())
	require.True(t, b.UpdateValue(Some(int64(3))))
	require.False(t, b.UpdateValue(Some(int64(3))))
	require.Equal(t, int64(3), b.Value())
}

func TestStructuralDependencies(t *testing.T) {
	changed := map[Identifier]struct{}{varX: {}}

	none := VariableSet()
	require.True(t, none.IsEmpty())
	require.False(t, none.IsAll())
	require.False(t, none.Intersects(changed))

	all := AllVariables()
	require.False(t, all.IsEmpty())
	require.True(t, all.Intersects(changed))
	require.False(t, all.Intersects(nil))

	onlyY := VariableSet(varY)
	require.False(t, onlyY.Intersects(changed))
	require.True(t, onlyY.Union(VariableSet(varX)).Intersects(changed))
	require.Equal(t, []Identifier{varX, varY}, VariableSet(varY, varX).IDs())
	require.True(t, onlyY.Union(all).IsAll())
}

func TestNewSealedMetaTreeValidation(t *testing.T) {
	f := parameterFactory("p")
	cases := []struct {
		name  string
		nodes []SealedExpressionNode
		root  Identifier
		sel   map[SelectionID]Identifier
	}{
		{name: "root out of range", nodes: []SealedExpressionNode{{Factory: f}}, root: 1},
		{name: "forward child", nodes: []SealedExpressionNode{{Factory: f, Children: []Identifier{1}}, {Factory: f}}, root: 1},
		{name: "self reference", nodes: []SealedExpressionNode{{Factory: f, Children: []Identifier{0}}}, root: 0},
		{name: "forward scope", nodes: []SealedExpressionNode{{Factory: f, Scope: &Scope{0, 1}}, {Factory: f}}, root: 0},
		{name: "missing factory", nodes: []SealedExpressionNode{{}}, root: 0},
		{name: "selection out of range", nodes: []SealedExpressionNode{{Factory: f}}, root: 0, sel: map[SelectionID]Identifier{1: 4}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSealedMetaTree(tc.nodes, tc.root, tc.sel)
			require.ErrorIs(t, err, ErrInvalidTree)
		})
	}
}

func TestEffectiveDependenciesPropagate(t *testing.T) {
	tree := scenarioTree(t, newCallCounter())
	assert.True(t, tree.EffectiveDependencies(0).IsEmpty())
	assert.Equal(t, []Identifier{varX}, tree.EffectiveDependencies(1).IDs())
	assert.Equal(t, []Identifier{varX}, tree.EffectiveDependencies(2).IDs())
	assert.True(t, tree.Node(2).Dependencies.Structural.IsEmpty(), "declared dependencies stay untouched")
}

func TestSealedTreeIsolatedFromCaller(t *testing.T) {
	f := parameterFactory("p")
	scope := &Scope{OutermostInstance: 0, InnermostInstance: 0}
	children := []Identifier{0}
	nodes := []SealedExpressionNode{{Factory: f}, {Scope: scope, Children: children, Factory: f}}
	tree := mustTree(t, nodes, 1, nil)

	children[0] = 1
	scope.InnermostInstance = 1
	nodes[1].Name = "renamed"
	n := tree.Node(1)
	require.Equal(t, []Identifier{0}, n.Children)
	require.Equal(t, Identifier(0), n.Scope.InnermostInstance)
	require.Empty(t, n.Name)

	n.Children[0] = 1
	n.Scope.OutermostInstance = 1
	require.Equal(t, []Identifier{0}, tree.Node(1).Children)
	require.Equal(t, Identifier(0), tree.Node(1).Scope.OutermostInstance)
}

func TestFirstUseCompilesEveryNode(t *testing.T) {
	counter := newCallCounter()
	m := scenarioManager(t, counter)
	l := mustLease(t, m)
	defer l.Release()

	for i := 0; i < m.Tree().Len(); i++ {
		e, err := l.NodeExpression(FromIndex(i))
		require.NoError(t, err)
		require.NotNil(t, e, "node %d", i)
		require.Equal(t, 1, counter.count(FromIndex(i)))
	}
	require.False(t, l.cache.IsFirstUse())
	require.Equal(t, int64(1), m.Stats().Created)
}

func TestReuseWithoutChangesKeepsExpressions(t *testing.T) {
	counter := newCallCounter()
	m := scenarioManager(t, counter)

	l := mustLease(t, m)
	first := snapshot(t, l)
	id := l.CacheID()
	require.NoError(t, l.Release())

	counter.reset()
	l = mustLease(t, m)
	defer l.Release()
	require.Equal(t, id, l.CacheID(), "pooled cache must be reused")
	require.NoError(t, SetVariableValue(l, varX, "name"))
	second := snapshot(t, l)
	for i := range first {
		require.Same(t, first[i], second[i], "node %d", i)
		require.Zero(t, counter.count(FromIndex(i)))
	}
}

func TestSelectiveRecompute(t *testing.T) {
	counter := newCallCounter()
	scope := &Scope{}
	tree := mustTree(t, []SealedExpressionNode{
		{Name: "instance", Factory: counter.wrap(parameterFactory("u"))},
		{Name: "n", Scope: scope, Dependencies: Dependencies{Structural: VariableSet(varX)}, Factory: counter.wrap(memberFromVariable(varX))},
		{Name: "m", Scope: scope, Dependencies: Dependencies{Structural: VariableSet(varY)}, Factory: counter.wrap(memberFromVariable(varY))},
	}, 0, nil)
	m, err := NewCacheManager(tree, map[Identifier]Variable{
		varX: NewVariable("a"),
		varY: NewVariable("b"),
	})
	require.NoError(t, err)

	l := mustLease(t, m)
	defer l.Release()
	before := snapshot(t, l)
	counter.reset()

	require.NoError(t, SetVariableValue(l, varX, "a2"))
	after := snapshot(t, l)

	require.Same(t, before[2], after[2], "m does not depend on x")
	require.NotSame(t, before[1], after[1])
	require.Equal(t, &expr.Member{Target: after[0], Name: "a2"}, after[1])
	require.Equal(t, 1, counter.count(1))
	require.Zero(t, counter.count(0))
	require.Zero(t, counter.count(2))
}

func TestAllVariablesRecomputedOnAnyChange(t *testing.T) {
	counter := newCallCounter()
	tree := mustTree(t, []SealedExpressionNode{
		{Name: "instance", Factory: counter.wrap(parameterFactory("u"))},
		{Name: "opaque", Scope: &Scope{}, Dependencies: Dependencies{Structural: AllVariables()}, Factory: counter.wrap(func(ctx *CompilationContext) (expr.Expr, error) {
			return expr.NewConstant("opaque"), nil
		})},
		{Name: "y", Scope: &Scope{}, Dependencies: Dependencies{Structural: VariableSet(varY)}, Factory: counter.wrap(memberFromVariable(varY))},
	}, 1, nil)
	m, err := NewCacheManager(tree, map[Identifier]Variable{
		varX: NewVariable("a"),
		varY: NewVariable("b"),
	})
	require.NoError(t, err)
	l := mustLease(t, m)
	defer l.Release()
	counter.reset()

	require.NoError(t, SetVariableValue(l, varX, "changed"))
	require.NoError(t, l.Recompute())
	require.Equal(t, 1, counter.count(1))
	require.Zero(t, counter.count(2))

	require.NoError(t, SetVariableValue(l, varY, "changed"))
	require.NoError(t, l.Recompute())
	require.Equal(t, 2, counter.count(1))
	require.Equal(t, 1, counter.count(2))

	// Nothing changed: not even AllVariables nodes rebuild.
	require.NoError(t, l.Recompute())
	require.Equal(t, 2, counter.count(1))
}

func TestRootExpressionLambda(t *testing.T) {
	m := scenarioManager(t, newCallCounter())
	l := mustLease(t, m)
	defer l.Release()

	lambda, err := l.RootExpression()
	require.NoError(t, err)
	inst, err := l.NodeExpression(0)
	require.NoError(t, err)
	body, err := l.NodeExpression(2)
	require.NoError(t, err)
	require.Same(t, inst, lambda.Parameter)
	require.Same(t, body, lambda.Body)

	fn, err := expr.Compile(lambda)
	require.NoError(t, err)
	got, err := fn(map[string]any{"name": "Ada", "age": 36})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"f0": "Ada"}, got)
}

func TestSelectionExpression(t *testing.T) {
	m := scenarioManager(t, newCallCounter())
	l := mustLease(t, m)
	defer l.Release()

	lambda, err := l.Expression(7)
	require.NoError(t, err)
	field, _ := l.NodeExpression(1)
	require.Same(t, field, lambda.Body)

	_, err = l.Expression(8)
	require.ErrorIs(t, err, ErrUnknownSelection)
}

func TestLambdaRequiresParameterInstance(t *testing.T) {
	tree := mustTree(t, []SealedExpressionNode{
		{Factory: func(*CompilationContext) (expr.Expr, error) { return expr.NewConstant(1), nil }},
		{Scope: &Scope{}, Factory: func(ctx *CompilationContext) (expr.Expr, error) { return ctx.Instance(), nil }},
	}, 1, nil)
	m, err := NewCacheManager(tree, nil)
	require.NoError(t, err)
	l := mustLease(t, m)
	defer l.Release()
	_, err = l.RootExpression()
	require.ErrorIs(t, err, ErrInstanceNotParameter)

	tree = mustTree(t, []SealedExpressionNode{{Factory: parameterFactory("p")}}, 0, nil)
	m, err = NewCacheManager(tree, nil)
	require.NoError(t, err)
	l2 := mustLease(t, m)
	defer l2.Release()
	_, err = l2.RootExpression()
	require.ErrorIs(t, err, ErrNoScope)
}

// Changing x rebuilds the field and, because the root embeds the field's
// expression, the root too. The instance parameter is never rebuilt.
func TestTransitiveDependencyScenario(t *testing.T) {
	counter := newCallCounter()
	m := scenarioManager(t, counter)
	l := mustLease(t, m)
	defer l.Release()
	before := snapshot(t, l)
	counter.reset()

	require.NoError(t, SetVariableValue(l, varX, "age"))
	lambda, err := l.RootExpression()
	require.NoError(t, err)

	require.Zero(t, counter.count(0))
	require.Equal(t, 1, counter.count(1))
	require.Equal(t, 1, counter.count(2))

	after := snapshot(t, l)
	require.Same(t, before[0], after[0])
	require.NotSame(t, before[2], after[2])
	require.Same(t, after[1], after[2].(*expr.Object).Fields[0].Value)

	fn, err := expr.Compile(lambda)
	require.NoError(t, err)
	got, err := fn(map[string]any{"name": "Ada", "age": 36})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"f0": 36}, got)
}

func TestExpressionDependenciesReadAtRuntime(t *testing.T) {
	counter := newCallCounter()
	tree := mustTree(t, []SealedExpressionNode{
		{Factory: counter.wrap(parameterFactory("u"))},
		{Scope: &Scope{}, Dependencies: Dependencies{HasExpressionDependencies: true, Expressions: VariableSet(varX)}, Factory: counter.wrap(func(ctx *CompilationContext) (expr.Expr, error) {
			b, err := ctx.BoxExpression(varX)
			if err != nil {
				return nil, err
			}
			return &expr.Object{Fields: []expr.ObjectField{{Name: "greeting", Value: b}}}, nil
		})},
	}, 1, nil)
	m, err := NewCacheManager(tree, map[Identifier]Variable{varX: NewVariable("hello")})
	require.NoError(t, err)

	l := mustLease(t, m)
	defer l.Release()
	lambda, err := l.RootExpression()
	require.NoError(t, err)
	fn, err := expr.Compile(lambda)
	require.NoError(t, err)

	require.NoError(t, SetVariableValue(l, varX, "bonjour"))
	require.NoError(t, l.Recompute())
	require.Equal(t, 1, counter.count(1), "expression dependencies do not trigger rebuilds")

	got, err := fn(nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"greeting": "bonjour"}, got)
}

func TestUndeclaredVariableAccess(t *testing.T) {
	t.Run("box outside declared set", func(t *testing.T) {
		tree := mustTree(t, []SealedExpressionNode{
			{Factory: parameterFactory("u")},
			{Scope: &Scope{}, Dependencies: Dependencies{Structural: VariableSet(varY)}, Factory: memberFromVariable(varX)},
		}, 1, nil)
		m, err := NewCacheManager(tree, map[Identifier]Variable{varX: NewVariable("a"), varY: NewVariable("b")})
		require.NoError(t, err)
		_, err = m.Lease(context.Background())
		require.ErrorIs(t, err, ErrUndeclaredVariable)
		require.Zero(t, m.Stats().Pooled, "a cache that failed its first pass is not pooled")
	})

	t.Run("expressions without flag", func(t *testing.T) {
		tree := mustTree(t, []SealedExpressionNode{
			{Factory: func(ctx *CompilationContext) (expr.Expr, error) {
				_, err := ctx.BoxExpression(varX)
				return nil, err
			}},
		}, 0, nil)
		m, err := NewCacheManager(tree, map[Identifier]Variable{varX: NewVariable("a")})
		require.NoError(t, err)
		_, err = m.Lease(context.Background())
		require.ErrorIs(t, err, ErrNoExpressionDependencies)
	})

	t.Run("expression outside declared set", func(t *testing.T) {
		tree := mustTree(t, []SealedExpressionNode{
			{Factory: parameterFactory("u")},
			{Scope: &Scope{}, Dependencies: Dependencies{Structural: VariableSet(varX), HasExpressionDependencies: true}, Factory: func(ctx *CompilationContext) (expr.Expr, error) {
				return ctx.BoxExpression(varY)
			}},
		}, 1, nil)
		m, err := NewCacheManager(tree, map[Identifier]Variable{varX: NewVariable("a"), varY: NewVariable("b")})
		require.NoError(t, err)
		_, err = m.Lease(context.Background())
		require.ErrorIs(t, err, ErrUndeclaredVariable)
	})

	t.Run("expression declared structurally", func(t *testing.T) {
		tree := mustTree(t, []SealedExpressionNode{
			{Factory: parameterFactory("u")},
			{Scope: &Scope{}, Dependencies: Dependencies{Structural: VariableSet(varX), HasExpressionDependencies: true}, Factory: func(ctx *CompilationContext) (expr.Expr, error) {
				return ctx.BoxExpression(varX)
			}},
		}, 1, nil)
		m, err := NewCacheManager(tree, map[Identifier]Variable{varX: NewVariable("a")})
		require.NoError(t, err)
		l, err := m.Lease(context.Background())
		require.NoError(t, err)
		require.NoError(t, l.Release())
	})

	t.Run("wrong box type", func(t *testing.T) {
		tree := mustTree(t, []SealedExpressionNode{
			{Factory: parameterFactory("u")},
			{Scope: &Scope{}, Dependencies: Dependencies{Structural: VariableSet(varX)}, Factory: memberFromVariable(varX)},
		}, 1, nil)
		m, err := NewCacheManager(tree, map[Identifier]Variable{varX: NewVariable(true)})
		require.NoError(t, err)
		_, err = m.Lease(context.Background())
		require.ErrorIs(t, err, ErrTypeMismatch)
	})
}

func TestFailedPassRebuildsEverything(t *testing.T) {
	counter := newCallCounter()
	scope := &Scope{OutermostInstance: 0, InnermostInstance: 0}
	tree := mustTree(t, []SealedExpressionNode{
		{Factory: counter.wrap(parameterFactory("u"))},
		{Scope: scope, Dependencies: Dependencies{Structural: VariableSet(varX)}, Factory: counter.wrap(func(ctx *CompilationContext) (expr.Expr, error) {
			b, err := LookupBox[string](ctx, varX)
			if err != nil {
				return nil, err
			}
			if b.Get() == "bad" {
				return nil, errors.New("no such member")
			}
			return expr.NewMember(ctx.Instance(), b.Get()), nil
		})},
		{Scope: scope, Children: []Identifier{1}, Factory: counter.wrap(objectOfChildren)},
	}, 2, nil)
	m, err := NewCacheManager(tree, map[Identifier]Variable{varX: NewVariable("a")})
	require.NoError(t, err)

	l := mustLease(t, m)
	defer l.Release()
	require.NoError(t, SetVariableValue(l, varX, "bad"))
	require.Error(t, l.Recompute())
	require.True(t, l.cache.IsFirstUse())

	counter.reset()
	require.NoError(t, SetVariableValue(l, varX, "b"))
	require.NoError(t, l.Recompute())
	for i := 0; i < tree.Len(); i++ {
		require.Equal(t, 1, counter.count(FromIndex(i)), "node %d", i)
	}
	require.False(t, l.cache.IsFirstUse())

	lambda, err := l.RootExpression()
	require.NoError(t, err)
	fn, err := expr.Compile(lambda)
	require.NoError(t, err)
	got, err := fn(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"f0": 2}, got)
}

func TestSetVariableValueErrors(t *testing.T) {
	m := scenarioManager(t, newCallCounter())
	l := mustLease(t, m)
	defer l.Release()

	require.ErrorIs(t, SetVariableValue(l, varX, 42), ErrTypeMismatch)
	require.ErrorIs(t, SetVariableValue(l, varY, "y"), ErrUnknownVariable)
	v, err := l.VariableValue(varX)
	require.NoError(t, err)
	require.Equal(t, "name", v)
}

func TestPooledCacheKeepsVariableValues(t *testing.T) {
	counter := newCallCounter()
	m := scenarioManager(t, counter)
	l := mustLease(t, m)
	require.NoError(t, SetVariableValue(l, varX, "age"))
	require.NoError(t, l.Recompute())
	require.NoError(t, l.Release())

	counter.reset()
	l = mustLease(t, m)
	defer l.Release()
	v, err := l.VariableValue(varX)
	require.NoError(t, err)
	require.Equal(t, "age", v)
	require.Empty(t, l.cache.ValuesChanged())

	// Setting the value the cache already holds is not a change.
	require.NoError(t, SetVariableValue(l, varX, "age"))
	require.NoError(t, l.Recompute())
	require.Zero(t, counter.count(1))

	// The reference variables are untouched by lease mutations.
	l2 := mustLease(t, m)
	defer l2.Release()
	v, err = l2.VariableValue(varX)
	require.NoError(t, err)
	require.Equal(t, "name", v)
}

func TestLeaseRelease(t *testing.T) {
	m := scenarioManager(t, newCallCounter())
	l := mustLease(t, m)
	require.NoError(t, l.Release())
	require.ErrorIs(t, l.Release(), ErrLeaseReleased)

	_, err := l.RootExpression()
	require.ErrorIs(t, err, ErrLeaseReleased)
	require.ErrorIs(t, SetVariableValue(l, varX, "x"), ErrLeaseReleased)
	require.ErrorIs(t, l.Recompute(), ErrLeaseReleased)

	st := m.Stats()
	require.Equal(t, int64(1), st.Leased)
	require.Equal(t, int64(1), st.Released)
	require.Equal(t, 1, st.Pooled)
}

func TestWithLeaseReleasesOnEveryPath(t *testing.T) {
	m := scenarioManager(t, newCallCounter())
	boom := errors.New("boom")

	err := m.WithLease(context.Background(), func(*Lease) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, m.Stats().Pooled)

	require.Panics(t, func() {
		_ = m.WithLease(context.Background(), func(*Lease) error { panic("factory bug") })
	})
	st := m.Stats()
	require.Equal(t, st.Leased, st.Released)
	require.Equal(t, 1, st.Pooled)
}

func TestMaxPooled(t *testing.T) {
	m := scenarioManager(t, newCallCounter(), WithMaxPooled(1))
	a := mustLease(t, m)
	b := mustLease(t, m)
	require.NotEqual(t, a.CacheID(), b.CacheID())
	require.NoError(t, a.Release())
	require.NoError(t, b.Release())
	st := m.Stats()
	require.Equal(t, 1, st.Pooled)
	require.Equal(t, int64(2), st.Created)
}

func TestConcurrentLeasesAreExclusive(t *testing.T) {
	m := scenarioManager(t, newCallCounter())
	const workers = 16
	var (
		mu     sync.Mutex
		inUse  = map[uuid.UUID]bool{}
		wg     sync.WaitGroup
		errsMu sync.Mutex
		errs   []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				err := m.WithLease(context.Background(), func(l *Lease) error {
					mu.Lock()
					if inUse[l.CacheID()] {
						mu.Unlock()
						return errors.New("cache leased twice")
					}
					inUse[l.CacheID()] = true
					mu.Unlock()
					field := "name"
					if (i+j)%2 == 0 {
						field = "age"
					}
					if err := SetVariableValue(l, varX, field); err != nil {
						return err
					}
					lambda, err := l.RootExpression()
					if err != nil {
						return err
					}
					if got := lambda.Body.(*expr.Object).Fields[0].Value.(*expr.Member).Name; got != field {
						return errors.New("stale expression: " + got)
					}
					mu.Lock()
					delete(inUse, l.CacheID())
					mu.Unlock()
					return nil
				})
				if err != nil {
					errsMu.Lock()
					errs = append(errs, err)
					errsMu.Unlock()
				}
			}
		}(i)
	}
	wg.Wait()
	require.Empty(t, errs)
	st := m.Stats()
	require.Equal(t, st.Leased, st.Released)
	require.LessOrEqual(t, st.Created, int64(workers))
}
