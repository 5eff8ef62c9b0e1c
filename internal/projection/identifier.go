package projection

import "strconv"

// Identifier is a dense index handle. Node identifiers index the node array
// of a SealedMetaTree; variable identifiers index the variable set of the
// caches derived from it. Both are assigned once by the tree compiler and
// never reused within a tree's lifetime.
type Identifier int

// FromIndex returns the identifier for index i.
func FromIndex(i int) Identifier { return Identifier(i) }

// AsIndex returns the dense index of id.
func (id Identifier) AsIndex() int { return int(id) }

func (id Identifier) String() string { return "#" + strconv.Itoa(int(id)) }

// SelectionID names a selection exposed by a tree. The tree maps it to the
// node that builds the selection's value.
type SelectionID int
