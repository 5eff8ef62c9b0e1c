package expr

import (
	"errors"
	"fmt"
	"reflect"
)

// Func is a compiled Lambda.
type Func func(arg any) (any, error)

var (
	// ErrUnboundParameter indicates a Parameter referenced outside of its lambda.
	ErrUnboundParameter = errors.New("expr: unbound parameter")
	// ErrNotBoolean indicates a Conditional test that did not yield a bool.
	ErrNotBoolean = errors.New("expr: condition is not a boolean")
	// ErrNotList indicates a Map or Take over a non-list value.
	ErrNotList = errors.New("expr: value is not a list")
	// ErrNotCount indicates a Take count that is not a non-negative integer.
	ErrNotCount = errors.New("expr: invalid count")
)

type env struct {
	param  *Parameter
	value  any
	parent *env
}

func (e *env) lookup(p *Parameter) (any, bool) {
	for cur := e; cur != nil; cur = cur.parent {
		if cur.param == p {
			return cur.value, true
		}
	}
	return nil, false
}

type evalFn func(e *env) (any, error)

// Compile turns l into a callable Func. The tree is walked once; the
// returned Func can be invoked concurrently.
func Compile(l *Lambda) (Func, error) {
	if l == nil || l.Parameter == nil {
		return nil, fmt.Errorf("expr: compile: lambda without parameter")
	}
	body, err := compile(l.Body)
	if err != nil {
		return nil, err
	}
	p := l.Parameter
	return func(arg any) (any, error) {
		return body(&env{param: p, value: arg})
	}, nil
}

func compile(x Expr) (evalFn, error) {
	switch n := x.(type) {
	case nil:
		return func(*env) (any, error) { return nil, nil }, nil
	case *Parameter:
		return func(e *env) (any, error) {
			v, ok := e.lookup(n)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnboundParameter, n.Name)
			}
			return v, nil
		}, nil
	case *Constant:
		v := n.Value
		return func(*env) (any, error) { return v, nil }, nil
	case *BoxValue:
		src := n.Source
		return func(*env) (any, error) { return src.Value(), nil }, nil
	case *Member:
		target, err := compile(n.Target)
		if err != nil {
			return nil, err
		}
		name := n.Name
		return func(e *env) (any, error) {
			v, err := target(e)
			if err != nil {
				return nil, err
			}
			return member(v, name), nil
		}, nil
	case *Object:
		names := make([]string, len(n.Fields))
		values := make([]evalFn, len(n.Fields))
		for i, f := range n.Fields {
			fn, err := compile(f.Value)
			if err != nil {
				return nil, err
			}
			names[i] = f.Name
			values[i] = fn
		}
		return func(e *env) (any, error) {
			out := make(map[string]any, len(names))
			for i, fn := range values {
				v, err := fn(e)
				if err != nil {
					return nil, err
				}
				out[names[i]] = v
			}
			return out, nil
		}, nil
	case *Conditional:
		test, err := compile(n.Test)
		if err != nil {
			return nil, err
		}
		then, err := compile(n.Then)
		if err != nil {
			return nil, err
		}
		els, err := compile(n.Else)
		if err != nil {
			return nil, err
		}
		return func(e *env) (any, error) {
			t, err := test(e)
			if err != nil {
				return nil, err
			}
			b, ok := t.(bool)
			if !ok {
				return nil, fmt.Errorf("%w: %T", ErrNotBoolean, t)
			}
			if b {
				return then(e)
			}
			return els(e)
		}, nil
	case *Map:
		src, err := compile(n.Source)
		if err != nil {
			return nil, err
		}
		p, body, err := compileLambda(n.Lambda)
		if err != nil {
			return nil, err
		}
		return func(e *env) (any, error) {
			v, err := src(e)
			if err != nil {
				return nil, err
			}
			items, ok, err := listOf(v)
			if err != nil || !ok {
				return nil, err
			}
			out := make([]any, len(items))
			for i, item := range items {
				r, err := body(&env{param: p, value: item, parent: e})
				if err != nil {
					return nil, err
				}
				out[i] = r
			}
			return out, nil
		}, nil
	case *Apply:
		arg, err := compile(n.Arg)
		if err != nil {
			return nil, err
		}
		p, body, err := compileLambda(n.Lambda)
		if err != nil {
			return nil, err
		}
		return func(e *env) (any, error) {
			v, err := arg(e)
			if err != nil || isNil(v) {
				return nil, err
			}
			return body(&env{param: p, value: v, parent: e})
		}, nil
	case *Take:
		src, err := compile(n.Source)
		if err != nil {
			return nil, err
		}
		count, err := compile(n.Count)
		if err != nil {
			return nil, err
		}
		return func(e *env) (any, error) {
			v, err := src(e)
			if err != nil {
				return nil, err
			}
			items, ok, err := listOf(v)
			if err != nil || !ok {
				return nil, err
			}
			c, err := count(e)
			if err != nil || c == nil {
				return items, err
			}
			k, err := toCount(c)
			if err != nil {
				return nil, err
			}
			if k < len(items) {
				items = items[:k]
			}
			return items, nil
		}, nil
	case *Lambda:
		p, body, err := compileLambda(n)
		if err != nil {
			return nil, err
		}
		return func(e *env) (any, error) {
			return Func(func(arg any) (any, error) {
				return body(&env{param: p, value: arg, parent: e})
			}), nil
		}, nil
	default:
		return nil, fmt.Errorf("expr: unsupported node %T", x)
	}
}

func compileLambda(l *Lambda) (*Parameter, evalFn, error) {
	if l == nil || l.Parameter == nil {
		return nil, nil, fmt.Errorf("expr: lambda without parameter")
	}
	body, err := compile(l.Body)
	if err != nil {
		return nil, nil, err
	}
	return l.Parameter, body, nil
}

func member(v any, name string) any {
	switch m := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return m[name]
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil
		}
		r := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !r.IsValid() {
			return nil
		}
		return r.Interface()
	case reflect.Struct:
		f := rv.FieldByName(name)
		if !f.IsValid() || !f.CanInterface() {
			return nil
		}
		return f.Interface()
	}
	return nil
}

func listOf(v any) ([]any, bool, error) {
	switch l := v.(type) {
	case nil:
		return nil, false, nil
	case []any:
		return l, true, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, false, nil
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false, fmt.Errorf("%w: %T", ErrNotList, v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true, nil
}

func toCount(v any) (int, error) {
	var n int64
	switch c := v.(type) {
	case int:
		n = int64(c)
	case int32:
		n = int64(c)
	case int64:
		n = c
	case float64:
		if c != float64(int64(c)) {
			return 0, fmt.Errorf("%w: %v", ErrNotCount, c)
		}
		n = int64(c)
	default:
		return 0, fmt.Errorf("%w: %T", ErrNotCount, v)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNotCount, n)
	}
	return int(n), nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
