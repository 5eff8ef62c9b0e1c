package expr

import (
	"fmt"
	"strings"
)

// String renders x in a compact, single-line debug form.
func String(x Expr) string {
	var b strings.Builder
	write(&b, x)
	return b.String()
}

func write(b *strings.Builder, x Expr) {
	switch n := x.(type) {
	case nil:
		b.WriteString("<nil>")
	case *Parameter:
		b.WriteString(n.Name)
	case *Constant:
		fmt.Fprintf(b, "%#v", n.Value)
	case *BoxValue:
		b.WriteString("box(")
		fmt.Fprintf(b, "%v", n.Source.Value())
		b.WriteString(")")
	case *Member:
		write(b, n.Target)
		b.WriteString(".")
		b.WriteString(n.Name)
	case *Object:
		b.WriteString("{")
		for i, f := range n.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(f.Name)
			b.WriteString(": ")
			write(b, f.Value)
		}
		b.WriteString("}")
	case *Conditional:
		b.WriteString("(")
		write(b, n.Test)
		b.WriteString(" ? ")
		write(b, n.Then)
		b.WriteString(" : ")
		write(b, n.Else)
		b.WriteString(")")
	case *Map:
		write(b, n.Source)
		b.WriteString(".map(")
		write(b, n.Lambda)
		b.WriteString(")")
	case *Apply:
		write(b, n.Arg)
		b.WriteString(".let(")
		write(b, n.Lambda)
		b.WriteString(")")
	case *Take:
		write(b, n.Source)
		b.WriteString(".take(")
		write(b, n.Count)
		b.WriteString(")")
	case *Lambda:
		if n.Parameter != nil {
			b.WriteString(n.Parameter.Name)
		}
		b.WriteString(" => ")
		write(b, n.Body)
	default:
		fmt.Fprintf(b, "<%T>", x)
	}
}
