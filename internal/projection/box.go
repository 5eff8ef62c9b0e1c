package projection

import (
	"reflect"
	"sync"

	"github.com/hanpama/projector/internal/expr"
)

// Box is a mutable, change-tracked cell holding one variable's current value.
type Box interface {
	// Value returns the current value. Nullable values unwrap to nil or
	// their payload.
	Value() any
	// Type is the static type the box was declared with.
	Type() reflect.Type
	// Clone returns an independent box holding the same current value.
	Clone() Box
}

// TypedBox is the Box implementation for values of type T.
type TypedBox[T comparable] struct {
	mu sync.Mutex
	v  T
}

// NewBox returns a box holding v.
func NewBox[T comparable](v T) *TypedBox[T] {
	return &TypedBox[T]{v: v}
}

// Get returns the current value.
func (b *TypedBox[T]) Get() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v
}

// UpdateValue stores v and reports whether it differs from the previous value.
func (b *TypedBox[T]) UpdateValue(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.v == v {
		return false
	}
	b.v = v
	return true
}

func (b *TypedBox[T]) Value() any {
	v := b.Get()
	if n, ok := any(v).(interface{ Any() any }); ok {
		return n.Any()
	}
	return v
}

func (b *TypedBox[T]) Type() reflect.Type { return reflect.TypeFor[T]() }

func (b *TypedBox[T]) Clone() Box { return NewBox(b.Get()) }

// Nullable is a comparable optional value, for variables that may be null.
type Nullable[T comparable] struct {
	V     T
	Valid bool
}

// Some returns a non-null Nullable holding v.
func Some[T comparable](v T) Nullable[T] { return Nullable[T]{V: v, Valid: true} }

// Null returns the null Nullable of T.
func Null[T comparable]() Nullable[T] { return Nullable[T]{} }

// Any returns nil for null, the payload otherwise.
func (n Nullable[T]) Any() any {
	if !n.Valid {
		return nil
	}
	return n.V
}

// Variable is an initial variable binding: a value and its static type.
type Variable struct {
	value  any
	typ    reflect.Type
	newBox func() Box
}

// NewVariable returns a Variable of type T holding v.
func NewVariable[T comparable](v T) Variable {
	return Variable{
		value:  v,
		typ:    reflect.TypeFor[T](),
		newBox: func() Box { return NewBox(v) },
	}
}

func (v Variable) Value() any         { return v.value }
func (v Variable) Type() reflect.Type { return v.typ }

// variableSet is the per-cache variable state: boxes plus one box expression
// per box.
type variableSet struct {
	boxes       map[Identifier]Box
	expressions map[Identifier]*expr.BoxValue
}

func newVariableSet(boxes map[Identifier]Box) variableSet {
	exprs := make(map[Identifier]*expr.BoxValue, len(boxes))
	for id, b := range boxes {
		exprs[id] = &expr.BoxValue{Source: b}
	}
	return variableSet{boxes: boxes, expressions: exprs}
}

func (s variableSet) clone() variableSet {
	boxes := make(map[Identifier]Box, len(s.boxes))
	for id, b := range s.boxes {
		boxes[id] = b.Clone()
	}
	return newVariableSet(boxes)
}
