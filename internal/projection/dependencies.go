package projection

import "sort"

// StructuralDependencies declares which variables a node's expression
// structure depends on. It is either every variable (AllVariables) or an
// explicit, possibly empty, set. The zero value is the empty set.
type StructuralDependencies struct {
	all bool
	ids map[Identifier]struct{}
}

// AllVariables depends on every variable. Nodes whose factories cannot be
// analyzed use it; they are recompiled whenever anything changes.
func AllVariables() StructuralDependencies {
	return StructuralDependencies{all: true}
}

// VariableSet depends exactly on ids.
func VariableSet(ids ...Identifier) StructuralDependencies {
	if len(ids) == 0 {
		return StructuralDependencies{}
	}
	m := make(map[Identifier]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return StructuralDependencies{ids: m}
}

// IsAll reports whether d depends on every variable.
func (d StructuralDependencies) IsAll() bool { return d.all }

// IsEmpty reports whether d depends on no variable at all.
func (d StructuralDependencies) IsEmpty() bool { return !d.all && len(d.ids) == 0 }

// Contains reports whether a change of id affects d.
func (d StructuralDependencies) Contains(id Identifier) bool {
	if d.all {
		return true
	}
	_, ok := d.ids[id]
	return ok
}

// Intersects reports whether any of changed affects d. An empty change set
// never intersects, not even AllVariables.
func (d StructuralDependencies) Intersects(changed map[Identifier]struct{}) bool {
	if len(changed) == 0 {
		return false
	}
	if d.all {
		return true
	}
	small, large := d.ids, changed
	if len(small) > len(large) {
		small, large = large, small
	}
	for id := range small {
		if _, ok := large[id]; ok {
			return true
		}
	}
	return false
}

// Union returns the dependencies of d and o combined.
func (d StructuralDependencies) Union(o StructuralDependencies) StructuralDependencies {
	if d.all || o.all {
		return AllVariables()
	}
	if len(o.ids) == 0 {
		return d
	}
	if len(d.ids) == 0 {
		return o
	}
	m := make(map[Identifier]struct{}, len(d.ids)+len(o.ids))
	for id := range d.ids {
		m[id] = struct{}{}
	}
	for id := range o.ids {
		m[id] = struct{}{}
	}
	return StructuralDependencies{ids: m}
}

// IDs returns the explicit identifiers in ascending order; nil for AllVariables.
func (d StructuralDependencies) IDs() []Identifier {
	if d.all || len(d.ids) == 0 {
		return nil
	}
	out := make([]Identifier, 0, len(d.ids))
	for id := range d.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dependencies is the full static input declaration of a node.
type Dependencies struct {
	Structural StructuralDependencies
	// HasExpressionDependencies allows the factory to read variable box
	// expressions, which are evaluated when the compiled lambda runs rather
	// than when the node is compiled.
	HasExpressionDependencies bool
	// Expressions lists the variables whose box expressions the factory
	// reads in addition to Structural. They never trigger a rebuild.
	Expressions StructuralDependencies
}

// readsExpression reports whether the factory may read the box expression
// of id.
func (d Dependencies) readsExpression(id Identifier) bool {
	return d.Structural.Contains(id) || d.Expressions.Contains(id)
}
