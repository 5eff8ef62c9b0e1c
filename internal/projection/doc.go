// Package projection implements an incremental, pooled cache of compiled
// projection expressions.
//
// # Trees
//
// A SealedMetaTree is an immutable array of SealedExpressionNodes produced
// by a tree compiler (see package planner). Each node carries an
// ExpressionFactory that builds the node's expression from a
// CompilationContext: the compiled expressions of its children, the
// instance expressions of its scope and a restricted view of the variables
// it declared in its Dependencies. Child and scope references always point
// at lower indices, so compiling in ascending index order sees every
// referenced node already compiled.
//
// # Dependencies
//
// A node's structural dependencies name the variables whose values decide
// the shape of its expression (an @include condition, for example). When one
// of those variables changes the node must be rebuilt. Expression
// dependencies are different: the factory embeds a BoxValue that reads the
// variable when the compiled lambda runs, so a change does not require a
// rebuild.
//
// Factories embed child expressions by identity. A parent that is not
// rebuilt would keep referencing a child's stale expression, so the tree
// propagates structural dependencies upwards: a node depends on everything
// its children and scope instances depend on.
//
// # Caches and leases
//
// An ExpressionTreeCache is one instantiation of every node's expression
// plus the variable boxes they were compiled against. A CacheManager keeps
// idle caches in a pool and hands them out as Leases:
//
//	err := manager.WithLease(ctx, func(l *projection.Lease) error {
//		if err := projection.SetVariableValue(l, showEmail, true); err != nil {
//			return err
//		}
//		fn, err := l.RootExpression()
//		...
//	})
//
// A new cache compiles every node once. A reused cache recompiles only the
// nodes whose dependencies intersect the variables changed through the
// current lease; every other node keeps its previous expression, identity
// included. Nodes without structural dependencies are therefore compiled
// exactly once per cache.
//
// A lease is single-caller. Releasing it returns the cache to the pool;
// using it afterwards, or releasing it twice, fails with ErrLeaseReleased.
package projection
