package projection

import "errors"

var (
	// ErrInvalidTree indicates a node array that is not in dependency order
	// or references nodes out of range.
	ErrInvalidTree = errors.New("projection: invalid tree")
	// ErrUndeclaredVariable indicates a factory reading a variable outside
	// of its node's declared dependencies.
	ErrUndeclaredVariable = errors.New("projection: variable not declared as dependency")
	// ErrNoExpressionDependencies indicates a factory reading variable
	// expressions although its node declared none.
	ErrNoExpressionDependencies = errors.New("projection: node has no expression dependencies")
	// ErrUnknownVariable indicates an identifier with no backing box.
	ErrUnknownVariable = errors.New("projection: unknown variable")
	// ErrTypeMismatch indicates a box accessed with the wrong value type.
	ErrTypeMismatch = errors.New("projection: variable type mismatch")
	// ErrUnknownSelection indicates a selection id the tree does not expose.
	ErrUnknownSelection = errors.New("projection: unknown selection")
	// ErrNoScope indicates a lambda requested for a node without a scope.
	ErrNoScope = errors.New("projection: node has no scope")
	// ErrInstanceNotParameter indicates a scope instance that did not compile
	// to a parameter expression.
	ErrInstanceNotParameter = errors.New("projection: scope instance is not a parameter")
	// ErrNotCompiled indicates a read of a node that has no compiled expression.
	ErrNotCompiled = errors.New("projection: node not compiled")
	// ErrLeaseReleased indicates use of a lease after it was released.
	ErrLeaseReleased = errors.New("projection: lease already released")
	// ErrCacheInUse indicates a pooled cache that is still leased out.
	ErrCacheInUse = errors.New("projection: cache already leased")
)
