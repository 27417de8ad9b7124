// Package pathtree builds the trie of dotted path segments that drives
// projection, update and index-spec handling. A tree is constructed once
// from a user-supplied specification document and is read-only afterwards.
package pathtree

import (
	"strings"

	"github.com/stratumdb/stratum/core/internal/bsonval"
)

// Kind discriminates the node variants.
type Kind int

const (
	// Intermediate nodes hold a segment and ordered children.
	Intermediate Kind = iota
	// Included marks a selected path.
	Included
	// Excluded marks a removed path.
	Excluded
	// Field maps a path to a computed or constant expression.
	Field
	// ArrayField maps a field to an array built from sub-leaves at known
	// indices.
	ArrayField
	// FieldWithContext carries per-operator state ($, $elemMatch, $slice,
	// $meta).
	FieldWithContext
)

func (k Kind) String() string {
	switch k {
	case Intermediate:
		return "intermediate"
	case Included:
		return "included"
	case Excluded:
		return "excluded"
	case Field:
		return "field"
	case ArrayField:
		return "arrayField"
	case FieldWithContext:
		return "fieldWithContext"
	default:
		return "invalid"
	}
}

// OpKind identifies the operator a FieldWithContext leaf carries.
type OpKind int

const (
	OpNone OpKind = iota
	OpPositional
	OpElemMatch
	OpSlice
	OpMeta
)

// OpContext is the opaque per-operator leaf state.
type OpContext struct {
	Op OpKind

	// Positional: the query the $ qualifier is evaluated against.
	Query bsonval.Document

	// ElemMatch: the sub-query matched against array elements.
	ElemMatch bsonval.Document

	// Slice window.
	SliceSkip  int32
	SliceLimit int32
	HasSkip    bool

	// Meta field name (e.g. "textScore").
	Meta string
}

// Node is one tree node. Children are ordered by insertion and uniquely
// keyed by segment (case-sensitive); idx keeps lookups O(1) without
// losing the order.
type Node struct {
	Segment  string
	Kind     Kind
	Children []*Node
	idx      map[string]int

	// HasExprChildren is set on every ancestor of a Field or
	// FieldWithContext leaf.
	HasExprChildren bool

	// Expr holds the leaf expression spec (Field) or the constant value.
	Expr bsonval.Value

	// Ctx holds operator state for FieldWithContext leaves.
	Ctx *OpContext

	// Elems holds the ArrayField sub-leaves in index order.
	Elems []*Node
}

// Child returns the child with the given segment.
func (n *Node) Child(seg string) (*Node, bool) {
	if n.idx == nil {
		return nil, false
	}
	i, ok := n.idx[seg]
	if !ok {
		return nil, false
	}
	return n.Children[i], true
}

func (n *Node) addChild(c *Node) {
	if n.idx == nil {
		n.idx = make(map[string]int, 4)
	}
	n.idx[c.Segment] = len(n.Children)
	n.Children = append(n.Children, c)
}

// IsLeaf reports whether n terminates a path.
func (n *Node) IsLeaf() bool { return n.Kind != Intermediate }

// Tree is a built path tree plus its whole-tree properties.
type Tree struct {
	Root *Node

	// HasInclusion / HasExclusion describe the leaf population, with the
	// _id exemption already applied.
	HasInclusion bool
	HasExclusion bool
	HasExprs     bool

	// IncludeID records the final _id disposition.
	IncludeID bool
}

// Mode classifies how the projection engine should drive the tree.
type Mode int

const (
	ModeInclusion Mode = iota
	ModeExclusion
	ModeExpression
)

// Mode returns the projection mode the tree resolves to. Expression trees
// behave as inclusion trees for unnamed paths.
func (t *Tree) Mode() Mode {
	switch {
	case t.HasExprs || t.HasInclusion:
		return ModeInclusion
	case t.HasExclusion:
		return ModeExclusion
	default:
		// an _id-only exclusion, or empty spec: keep everything
		return ModeExclusion
	}
}

// Walk visits every node depth-first in child order.
func (t *Tree) Walk(fn func(path string, n *Node)) {
	var rec func(prefix string, n *Node)
	rec = func(prefix string, n *Node) {
		for _, c := range n.Children {
			p := c.Segment
			if prefix != "" {
				p = prefix + "." + c.Segment
			}
			fn(p, c)
			rec(p, c)
		}
	}
	rec("", t.Root)
}

// Paths returns the leaf paths in insertion order. Used by the index
// builder for key-pattern specs.
func (t *Tree) Paths() []string {
	var out []string
	t.Walk(func(p string, n *Node) {
		if n.IsLeaf() {
			out = append(out, p)
		}
	})
	return out
}

func splitPath(p string) []string { return strings.Split(p, ".") }
