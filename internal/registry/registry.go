// Package registry keeps one compiled plan and cache manager per query
// document and executes requests against them.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	eventbus "github.com/hanpama/projector/internal/eventbus"
	events "github.com/hanpama/projector/internal/events"
	"github.com/hanpama/projector/internal/expr"
	introspection "github.com/hanpama/projector/internal/introspection"
	language "github.com/hanpama/projector/internal/language"
	"github.com/hanpama/projector/internal/planner"
	"github.com/hanpama/projector/internal/projection"
	schema "github.com/hanpama/projector/internal/schema"
)

// ErrTooManyPlans is returned when the registry is full and a new document
// arrives.
var ErrTooManyPlans = errors.New("registry: plan limit reached")

// Request is one operation to execute.
type Request struct {
	Query         string
	OperationName string
	Variables     map[string]any
}

// Result is the projected value of one request.
type Result struct {
	Data any
	// PlanCached is false when this request compiled the plan.
	PlanCached bool
	CacheID    uuid.UUID
}

type Options struct {
	// MaxPooled bounds idle caches per plan. 0 means unbounded.
	MaxPooled int
	// MaxPlans bounds the number of distinct documents kept. 0 means
	// unbounded.
	MaxPlans int
}

type Option func(*Options)

func WithMaxPooled(n int) Option { return func(o *Options) { o.MaxPooled = n } }
func WithMaxPlans(n int) Option  { return func(o *Options) { o.MaxPlans = n } }

type key struct {
	query     string
	operation string
}

// Entry is a compiled document and the manager of its caches.
type Entry struct {
	Plan    *planner.Plan
	Manager *projection.CacheManager
}

// Registry is safe for concurrent use.
type Registry struct {
	schema *schema.Schema
	opt    Options
	intro  *introspection.Document

	mu      sync.RWMutex
	entries map[key]*Entry
	group   singleflight.Group
}

// New returns a registry compiling against s extended with the
// introspection types.
func New(s *schema.Schema, opts ...Option) *Registry {
	var op Options
	for _, f := range opts {
		f(&op)
	}
	ext := introspection.Extend(s)
	return &Registry{
		schema:  ext,
		opt:     op,
		intro:   introspection.Build(ext),
		entries: make(map[key]*Entry),
	}
}

// Schema returns the schema plans are compiled against.
func (r *Registry) Schema() *schema.Schema { return r.schema }

// Len returns the number of compiled documents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Lookup returns the entry for (query, operationName), compiling it on first
// use. Concurrent first lookups of one document compile it once. cached is
// false when the lookup waited for a compilation. Failed compilations are
// not remembered.
func (r *Registry) Lookup(ctx context.Context, query, operationName string) (e *Entry, cached bool, err error) {
	k := key{query: query, operation: operationName}
	r.mu.RLock()
	e, ok := r.entries[k]
	r.mu.RUnlock()
	if ok {
		return e, true, nil
	}

	type compiled struct {
		entry *Entry
		fresh bool
	}
	v, err, _ := r.group.Do(operationName+"\x00"+query, func() (any, error) {
		r.mu.RLock()
		e, ok := r.entries[k]
		n := len(r.entries)
		r.mu.RUnlock()
		if ok {
			return compiled{entry: e}, nil
		}
		if r.opt.MaxPlans > 0 && n >= r.opt.MaxPlans {
			return nil, ErrTooManyPlans
		}
		e, err := r.compile(ctx, query, operationName)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.entries[k] = e
		r.mu.Unlock()
		return compiled{entry: e, fresh: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	c := v.(compiled)
	return c.entry, !c.fresh, nil
}

func (r *Registry) compile(ctx context.Context, query, operationName string) (*Entry, error) {
	start := time.Now()
	ev := events.PlanCompiled{OperationName: operationName}
	defer func() {
		ev.Duration = time.Since(start)
		eventbus.Publish(ctx, ev)
	}()

	doc, err := language.ParseQuery(query)
	if err != nil {
		ev.Err = err
		return nil, err
	}
	plan, err := planner.Compile(r.schema, doc, operationName)
	if err != nil {
		ev.Err = err
		return nil, err
	}
	ev.Nodes = plan.Tree.Len()
	ev.Variables = len(plan.Variables)
	m, err := plan.NewCacheManager(projection.WithMaxPooled(r.opt.MaxPooled))
	if err != nil {
		ev.Err = err
		return nil, err
	}
	return &Entry{Plan: plan, Manager: m}, nil
}

// Execute projects root through the request's operation: the plan's cache
// is leased, the request variables are bound, and the root lambda is
// compiled and applied to root.
func (r *Registry) Execute(ctx context.Context, req Request, root any) (*Result, error) {
	e, cached, err := r.Lookup(ctx, req.Query, req.OperationName)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.Plan.Introspects {
		root = r.intro.Root(root)
	}
	res := &Result{PlanCached: cached}
	err = e.Manager.WithLease(ctx, func(l *projection.Lease) error {
		res.CacheID = l.CacheID()
		if err := e.Plan.Bind(l, req.Variables); err != nil {
			return err
		}
		lambda, err := l.RootExpression()
		if err != nil {
			return err
		}
		fn, err := expr.Compile(lambda)
		if err != nil {
			return err
		}
		res.Data, err = fn(root)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
