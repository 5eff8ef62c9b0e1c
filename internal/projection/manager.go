package projection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	eventbus "github.com/hanpama/projector/internal/eventbus"
	events "github.com/hanpama/projector/internal/events"
	"github.com/hanpama/projector/internal/expr"
)

// Options configures a CacheManager.
type Options struct {
	// MaxPooled bounds the number of idle caches kept for reuse. Caches
	// released while the pool is full are dropped. 0 means unbounded.
	MaxPooled int
}

type Option func(*Options)

func WithMaxPooled(n int) Option { return func(o *Options) { o.MaxPooled = n } }

// PoolStats is a snapshot of a manager's pool counters.
type PoolStats struct {
	Created  int64
	Leased   int64
	Released int64
	Pooled   int
}

// CacheManager leases ExpressionTreeCaches for one tree. Leases are served
// from a pool of previously released caches; when the pool is empty a new
// cache is cloned from the manager's reference variables and compiled in
// full. A CacheManager is safe for concurrent use.
type CacheManager struct {
	tree *SealedMetaTree
	// reference is the template for new caches; it is never leased and never
	// mutated after construction.
	reference variableSet
	opt       Options

	mu   sync.Mutex
	pool []*ExpressionTreeCache

	created  atomic.Int64
	leased   atomic.Int64
	released atomic.Int64
}

// NewCacheManager returns a manager for tree whose caches start with the
// given variable bindings.
func NewCacheManager(tree *SealedMetaTree, variables map[Identifier]Variable, opts ...Option) (*CacheManager, error) {
	if tree == nil {
		return nil, fmt.Errorf("%w: nil tree", ErrInvalidTree)
	}
	boxes := make(map[Identifier]Box, len(variables))
	for id, v := range variables {
		if v.newBox == nil {
			return nil, fmt.Errorf("%w: %v has no value", ErrUnknownVariable, id)
		}
		boxes[id] = v.newBox()
	}
	var op Options
	for _, f := range opts {
		f(&op)
	}
	return &CacheManager{tree: tree, reference: newVariableSet(boxes), opt: op}, nil
}

// Tree returns the tree the manager compiles.
func (m *CacheManager) Tree() *SealedMetaTree { return m.tree }

// Stats returns the current pool counters.
func (m *CacheManager) Stats() PoolStats {
	m.mu.Lock()
	pooled := len(m.pool)
	m.mu.Unlock()
	return PoolStats{
		Created:  m.created.Load(),
		Leased:   m.leased.Load(),
		Released: m.released.Load(),
		Pooled:   pooled,
	}
}

func (m *CacheManager) pop() *ExpressionTreeCache {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.pool)
	if n == 0 {
		return nil
	}
	c := m.pool[n-1]
	m.pool[n-1] = nil
	m.pool = m.pool[:n-1]
	return c
}

func (m *CacheManager) push(c *ExpressionTreeCache) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opt.MaxPooled > 0 && len(m.pool) >= m.opt.MaxPooled {
		return false
	}
	m.pool = append(m.pool, c)
	return true
}

// Lease checks out a cache. ctx is used to correlate the emitted events;
// leasing never blocks.
//
// A reused cache keeps its expressions and variable values from its previous
// lease; only variables set through this lease mark nodes for recompilation.
func (m *CacheManager) Lease(ctx context.Context) (*Lease, error) {
	cache := m.pop()
	reused := cache != nil
	if reused {
		clear(cache.changed)
	} else {
		cache = newExpressionTreeCache(m.tree.Len(), m.reference.clone())
		m.created.Add(1)
		eventbus.Publish(ctx, events.CacheCreated{CacheID: cache.id, Nodes: m.tree.Len()})
	}
	if !cache.transition(stateAvailable, stateLeased) {
		return nil, fmt.Errorf("%w: %s", ErrCacheInUse, cache.id)
	}
	l := &Lease{ctx: ctx, m: m, cache: cache, start: time.Now()}
	if !reused {
		if err := l.Recompute(); err != nil {
			cache.transition(stateLeased, stateAvailable)
			return nil, err
		}
	}
	m.leased.Add(1)
	eventbus.Publish(ctx, events.CacheLeased{CacheID: cache.id, Reused: reused})
	return l, nil
}

// WithLease leases a cache, runs fn and releases the lease on every exit
// path, panics included.
func (m *CacheManager) WithLease(ctx context.Context, fn func(*Lease) error) (err error) {
	l, err := m.Lease(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(l)
}

// Lease is an exclusive checkout of one cache. It must be released exactly
// once; every method fails with ErrLeaseReleased afterwards.
type Lease struct {
	ctx      context.Context
	m        *CacheManager
	cache    *ExpressionTreeCache
	start    time.Time
	released atomic.Bool
}

func (l *Lease) check() error {
	if l.released.Load() {
		return ErrLeaseReleased
	}
	return nil
}

// CacheID identifies the leased cache instance.
func (l *Lease) CacheID() uuid.UUID { return l.cache.id }

// Recompute compiles the nodes affected by variables set since the last
// pass. It is a no-op when nothing changed.
func (l *Lease) Recompute() error {
	if err := l.check(); err != nil {
		return err
	}
	c := l.cache
	if !c.firstUse && len(c.changed) == 0 {
		return nil
	}
	firstUse := c.firstUse
	start := time.Now()
	compiled, err := c.compute(l.m.tree)
	eventbus.Publish(l.ctx, events.CompilePass{
		CacheID:  c.id,
		FirstUse: firstUse,
		Compiled: compiled,
		Reused:   l.m.tree.Len() - compiled,
		Err:      err,
		Duration: time.Since(start),
	})
	return err
}

// NodeExpression returns the current compiled expression of node id,
// recomputing first if variables changed.
func (l *Lease) NodeExpression(id Identifier) (expr.Expr, error) {
	if err := l.Recompute(); err != nil {
		return nil, err
	}
	if id < 0 || int(id) >= l.m.tree.Len() {
		return nil, fmt.Errorf("%w: node %v", ErrNotCompiled, id)
	}
	return l.cache.expressions[id], nil
}

// RootExpression returns the lambda of the tree's root node.
func (l *Lease) RootExpression() (*expr.Lambda, error) {
	return l.lambda(l.m.tree.Root())
}

// Expression returns the lambda of selection sel.
func (l *Lease) Expression(sel SelectionID) (*expr.Lambda, error) {
	if err := l.check(); err != nil {
		return nil, err
	}
	id, ok := l.m.tree.Selection(sel)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSelection, sel)
	}
	return l.lambda(id)
}

// lambda wraps node id in a lambda over its scope's innermost instance,
// which must have compiled to a parameter.
func (l *Lease) lambda(id Identifier) (*expr.Lambda, error) {
	body, err := l.NodeExpression(id)
	if err != nil {
		return nil, err
	}
	scope := l.m.tree.node(id).Scope
	if scope == nil {
		return nil, fmt.Errorf("%w: node %v", ErrNoScope, id)
	}
	inst := l.cache.expressions[scope.InnermostInstance]
	if inst == nil {
		return nil, fmt.Errorf("%w: instance %v", ErrNotCompiled, scope.InnermostInstance)
	}
	p, ok := inst.(*expr.Parameter)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrInstanceNotParameter, inst)
	}
	return expr.NewLambda(p, body), nil
}

// Release returns the cache to the manager's pool.
func (l *Lease) Release() error {
	if !l.released.CompareAndSwap(false, true) {
		return ErrLeaseReleased
	}
	c := l.cache
	if !c.transition(stateLeased, stateAvailable) {
		return fmt.Errorf("%w: cache %s", ErrLeaseReleased, c.id)
	}
	pooled := l.m.push(c)
	l.m.released.Add(1)
	eventbus.Publish(l.ctx, events.CacheReleased{CacheID: c.id, Pooled: pooled, Duration: time.Since(l.start)})
	return nil
}

// SetVariableValue binds variable id to v on the leased cache. T must be the
// type the variable was declared with. A changed value marks id for the next
// pass.
func SetVariableValue[T comparable](l *Lease, id Identifier, v T) error {
	if err := l.check(); err != nil {
		return err
	}
	b, ok := l.cache.vars.boxes[id]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownVariable, id)
	}
	tb, ok := b.(*TypedBox[T])
	if !ok {
		return fmt.Errorf("%w: %v holds %v, got %T", ErrTypeMismatch, id, b.Type(), v)
	}
	if tb.UpdateValue(v) {
		l.cache.changed[id] = struct{}{}
	}
	return nil
}

// VariableValue returns the current value of variable id on the leased cache.
func (l *Lease) VariableValue(id Identifier) (any, error) {
	if err := l.check(); err != nil {
		return nil, err
	}
	b, ok := l.cache.vars.boxes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownVariable, id)
	}
	return b.Value(), nil
}
