package planner

import (
	"fmt"
	"strings"

	"github.com/hanpama/projector/internal/expr"
	"github.com/hanpama/projector/internal/projection"
	schema "github.com/hanpama/projector/internal/schema"
)

// Factories return a nil expression for fields excluded by @include/@skip;
// the enclosing object leaves them out.

func parameterFactory(name string) projection.ExpressionFactory {
	return func(*projection.CompilationContext) (expr.Expr, error) {
		return expr.NewParameter(name), nil
	}
}

func objectFactory(names []string) projection.ExpressionFactory {
	return func(ctx *projection.CompilationContext) (expr.Expr, error) {
		ch := ctx.Children()
		obj := &expr.Object{Fields: make([]expr.ObjectField, 0, ch.Len())}
		for i := 0; i < ch.Len(); i++ {
			if v := ch.At(i); v != nil {
				obj.Fields = append(obj.Fields, expr.ObjectField{Name: names[i], Value: v})
			}
		}
		return obj, nil
	}
}

func typenameFactory(cf collectedField, parentType *schema.Type) projection.ExpressionFactory {
	return func(ctx *projection.CompilationContext) (expr.Expr, error) {
		if ok, err := cf.included(ctx); err != nil || !ok {
			return nil, err
		}
		if parentType.Kind == schema.TypeKindObject {
			return expr.NewConstant(parentType.Name), nil
		}
		// Abstract values carry their concrete type name.
		return expr.NewMember(ctx.Instance(), "__typename"), nil
	}
}

// members reads path from instance, outermost member first.
func members(instance expr.Expr, path []string) expr.Expr {
	for _, name := range path {
		instance = expr.NewMember(instance, name)
	}
	return instance
}

func leafFactory(cf collectedField, path []string, count *countSpec) projection.ExpressionFactory {
	return func(ctx *projection.CompilationContext) (expr.Expr, error) {
		if ok, err := cf.included(ctx); err != nil || !ok {
			return nil, err
		}
		value := members(ctx.Instance(), path)
		if count != nil {
			n, err := count.expression(ctx)
			if err != nil {
				return nil, err
			}
			value = &expr.Take{Source: value, Count: n}
		}
		return value, nil
	}
}

// compositeFactory projects an object or list-of-objects field. Its
// children are the item parameter and the item's object node.
func compositeFactory(cf collectedField, path []string, list bool, count *countSpec) projection.ExpressionFactory {
	return func(ctx *projection.CompilationContext) (expr.Expr, error) {
		if ok, err := cf.included(ctx); err != nil || !ok {
			return nil, err
		}
		ch := ctx.Children()
		item, ok := ch.At(0).(*expr.Parameter)
		if !ok {
			return nil, fmt.Errorf("field %s: item is %T, not a parameter", strings.Join(path, "."), ch.At(0))
		}
		lambda := expr.NewLambda(item, ch.At(1))
		source := members(ctx.Instance(), path)
		if !list {
			return &expr.Apply{Arg: source, Lambda: lambda}, nil
		}
		if count != nil {
			n, err := count.expression(ctx)
			if err != nil {
				return nil, err
			}
			source = &expr.Take{Source: source, Count: n}
		}
		return &expr.Map{Source: source, Lambda: lambda}, nil
	}
}
