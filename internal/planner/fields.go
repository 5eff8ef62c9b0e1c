package planner

import (
	"fmt"

	language "github.com/hanpama/projector/internal/language"
	"github.com/hanpama/projector/internal/projection"
	schema "github.com/hanpama/projector/internal/schema"
)

// condition is one variable-driven @include/@skip. The field is kept when
// the variable's value equals include.
type condition struct {
	id      projection.Identifier
	include bool
}

// occurrence is one appearance of a field in the document together with the
// conditions of every enclosing directive.
type occurrence struct {
	field *language.Field
	conds []condition
}

// collectedField groups the occurrences sharing a response name. The field
// is part of the result when any occurrence has all its conditions met.
type collectedField struct {
	ResponseName string
	Occurrences  []occurrence
}

// collectedFieldMap preserves field order from the original query.
type collectedFieldMap struct {
	fields []collectedField
	index  map[string]int
}

func newCollectedFieldMap() *collectedFieldMap {
	return &collectedFieldMap{index: make(map[string]int)}
}

func (cfm *collectedFieldMap) add(responseName string, occ occurrence) {
	if idx, exists := cfm.index[responseName]; exists {
		cfm.fields[idx].Occurrences = append(cfm.fields[idx].Occurrences, occ)
		return
	}
	cfm.index[responseName] = len(cfm.fields)
	cfm.fields = append(cfm.fields, collectedField{ResponseName: responseName, Occurrences: []occurrence{occ}})
}

func (cfm *collectedFieldMap) orderedFields() []collectedField { return cfm.fields }

// unconditional reports whether some occurrence is always included.
func (cf collectedField) unconditional() bool {
	for _, o := range cf.Occurrences {
		if len(o.conds) == 0 {
			return true
		}
	}
	return false
}

// variables returns the variables the field's inclusion depends on.
func (cf collectedField) variables() []projection.Identifier {
	if cf.unconditional() {
		return nil
	}
	seen := map[projection.Identifier]bool{}
	var out []projection.Identifier
	for _, o := range cf.Occurrences {
		for _, c := range o.conds {
			if !seen[c.id] {
				seen[c.id] = true
				out = append(out, c.id)
			}
		}
	}
	return out
}

// collectFields gathers the fields of selectionSet applying to parentType.
// Literal directives are resolved here; variable directives become
// conditions inherited by everything below them.
func (b *builder) collectFields(parentType *schema.Type, selectionSet language.SelectionSet, inherited []condition, into *collectedFieldMap, visited map[string]bool) error {
	for _, selection := range selectionSet {
		switch sel := selection.(type) {
		case *language.Field:
			conds, keep, err := b.directiveConditions(sel.Directives, inherited)
			if err != nil {
				return err
			}
			if !keep {
				continue
			}
			responseName := sel.Alias
			if responseName == "" {
				responseName = sel.Name
			}
			into.add(responseName, occurrence{field: sel, conds: conds})

		case *language.InlineFragment:
			if !b.typeApplies(parentType, sel.TypeCondition) {
				continue
			}
			conds, keep, err := b.directiveConditions(sel.Directives, inherited)
			if err != nil {
				return err
			}
			if !keep {
				continue
			}
			if err := b.collectFields(parentType, sel.SelectionSet, conds, into, visited); err != nil {
				return err
			}

		case *language.FragmentSpread:
			if visited[sel.Name] {
				continue
			}
			fragmentDef := b.doc.Fragments.ForName(sel.Name)
			if fragmentDef == nil {
				return fmt.Errorf("unknown fragment %q", sel.Name)
			}
			if !b.typeApplies(parentType, fragmentDef.TypeCondition) {
				continue
			}
			conds, keep, err := b.directiveConditions(sel.Directives, inherited)
			if err != nil {
				return err
			}
			if !keep {
				continue
			}
			visited[sel.Name] = true
			err = b.collectFields(parentType, fragmentDef.SelectionSet, conds, into, visited)
			delete(visited, sel.Name)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// typeApplies reports whether a fragment with typeCondition applies to
// values of parentType. Abstract parents accept fragments on any of their
// possible types: the projection carries the union of those fields.
func (b *builder) typeApplies(parentType *schema.Type, typeCondition string) bool {
	if typeCondition == "" || typeCondition == parentType.Name {
		return true
	}
	for _, pt := range parentType.PossibleTypes {
		if pt == typeCondition {
			return true
		}
	}
	for _, iface := range parentType.Interfaces {
		if iface == typeCondition {
			return true
		}
	}
	return false
}

// directiveConditions evaluates @include/@skip. keep is false when a literal
// argument excludes the selection.
func (b *builder) directiveConditions(dirs language.DirectiveList, inherited []condition) (conds []condition, keep bool, err error) {
	conds = inherited
	for _, d := range dirs {
		var include bool
		switch d.Name {
		case "include":
			include = true
		case "skip":
			include = false
		default:
			continue
		}
		arg := d.Arguments.ForName("if")
		if arg == nil || arg.Value == nil {
			return nil, false, fmt.Errorf("@%s requires argument \"if\"", d.Name)
		}
		switch arg.Value.Kind {
		case language.BooleanValue:
			if (arg.Value.Raw == "true") != include {
				return nil, false, nil
			}
		case language.Variable:
			v, ok := b.vars[arg.Value.Raw]
			if !ok {
				return nil, false, fmt.Errorf("undefined variable $%s", arg.Value.Raw)
			}
			if v.Kind != KindBoolean {
				return nil, false, fmt.Errorf("variable $%s used in @%s must be Boolean", v.Name, d.Name)
			}
			next := make([]condition, len(conds), len(conds)+1)
			copy(next, conds)
			conds = append(next, condition{id: v.ID, include: include})
		default:
			return nil, false, fmt.Errorf("@%s argument \"if\" must be a Boolean", d.Name)
		}
	}
	return conds, true, nil
}

// included evaluates the occurrences of cf against the compile-time variable
// values visible to ctx.
func (cf collectedField) included(ctx *projection.CompilationContext) (bool, error) {
	for _, o := range cf.Occurrences {
		ok := true
		for _, c := range o.conds {
			box, err := projection.LookupBox[bool](ctx, c.id)
			if err != nil {
				return false, err
			}
			if box.Get() != c.include {
				ok = false
				break
			}
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
