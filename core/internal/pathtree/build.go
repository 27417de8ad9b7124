package pathtree

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
)

// DefaultMaxDepth bounds the number of path segments a spec entry may
// have before construction fails with FailedToParse.
const DefaultMaxDepth = 100

// Options control construction.
type Options struct {
	// AllowInclusionExclusion permits mixing Included and Excluded leaves
	// beyond the _id exemption.
	AllowInclusionExclusion bool

	// FindProjection enables the find-query operator leaves
	// ($ positional, $elemMatch, $slice, $meta).
	FindProjection bool

	// Query is the find filter the $ positional qualifier evaluates
	// against.
	Query bsonval.Document

	// MaxDepth overrides DefaultMaxDepth when positive.
	MaxDepth int
}

// Build parses a projection or field-update specification document into a
// path tree.
func Build(spec bsonval.Document, opts Options) (*Tree, error) {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	t := &Tree{Root: &Node{Kind: Intermediate}}
	idSeen := false

	it, err := bsonval.Iterate(spec)
	if err != nil {
		return nil, parseErr(err.Error())
	}
	for {
		key, v, ok := it.Next()
		if !ok {
			if err := it.Err(); err != nil {
				return nil, parseErr(err.Error())
			}
			break
		}
		if key == "" {
			return nil, badValueErr(key, "empty field name")
		}
		segs := splitPath(key)
		if len(segs) > maxDepth {
			return nil, parseErr("projection path exceeds maximum depth")
		}
		if strings.HasPrefix(segs[0], "$") {
			return nil, badValueErr(key, "field names may not start with '$'")
		}
		for _, s := range segs {
			if s == "" {
				return nil, badValueErr(key, "empty path segment")
			}
		}

		leaf, err := makeLeaf(key, segs, v, opts)
		if err != nil {
			return nil, err
		}
		if err := insert(t.Root, key, segs, leaf); err != nil {
			return nil, err
		}

		isID := key == "_id"
		if isID {
			idSeen = true
		}
		switch leaf.Kind {
		case Included:
			if isID {
				t.IncludeID = true
			} else {
				t.HasInclusion = true
			}
		case Excluded:
			if !isID {
				t.HasExclusion = true
			}
		case FieldWithContext:
			switch leaf.Ctx.Op {
			case OpPositional, OpElemMatch:
				t.HasInclusion = true
			default:
				// $slice and $meta ride along in either mode
			}
		default:
			t.HasExprs = true
		}
	}

	if t.HasInclusion && t.HasExclusion && !opts.AllowInclusionExclusion {
		return nil, badValueErr("", "cannot mix inclusion and exclusion in a projection")
	}
	if t.HasExclusion && t.HasExprs && !opts.AllowInclusionExclusion {
		return nil, badValueErr("", "cannot mix exclusion with computed fields")
	}
	if !idSeen {
		// _id rides along by default in inclusion, exclusion and
		// expression trees.
		t.IncludeID = true
	}
	markExprAncestors(t.Root)
	return t, nil
}

// insert walks/creates intermediates for segs[:len-1] and attaches leaf
// at the final segment, detecting collisions on the way.
func insert(root *Node, path string, segs []string, leaf *Node) error {
	cur := root
	for i, seg := range segs[:len(segs)-1] {
		next, ok := cur.Child(seg)
		if !ok {
			next = &Node{Segment: seg, Kind: Intermediate}
			cur.addChild(next)
		} else if next.IsLeaf() {
			return partialCollisionErr(path, strings.Join(segs[:i+1], "."))
		}
		cur = next
	}
	last := segs[len(segs)-1]
	if exist, ok := cur.Child(last); ok {
		if exist.IsLeaf() {
			return collisionErr(path)
		}
		return partialCollisionErr(path, path)
	}
	leaf.Segment = last
	cur.addChild(leaf)
	return nil
}

func makeLeaf(key string, segs []string, v bsonval.Value, opts Options) (*Node, error) {
	// "field.$" positional spelling
	if segs[len(segs)-1] == "$" {
		if !opts.FindProjection {
			return nil, badValueErr(key, "positional projection is only valid in find")
		}
		inc, isToggle := toggleValue(v)
		if !isToggle || !inc {
			return nil, badValueErr(key, "positional projection must be included")
		}
		return &Node{
			Kind: FieldWithContext,
			Ctx:  &OpContext{Op: OpPositional, Query: opts.Query},
		}, nil
	}

	if inc, ok := toggleValue(v); ok {
		if inc {
			return &Node{Kind: Included}, nil
		}
		return &Node{Kind: Excluded}, nil
	}

	if v.Type == bsoncore.TypeEmbeddedDocument {
		doc := bsonval.Document(v.Data)
		if op, av, ok := firstOperator(doc); ok {
			if opts.FindProjection {
				switch op {
				case "$elemMatch":
					if av.Type != bsoncore.TypeEmbeddedDocument {
						return nil, badValueErr(key, "$elemMatch requires a document")
					}
					return &Node{
						Kind: FieldWithContext,
						Ctx:  &OpContext{Op: OpElemMatch, ElemMatch: bsonval.Document(av.Data)},
					}, nil
				case "$slice":
					ctx, err := parseSlice(key, av)
					if err != nil {
						return nil, err
					}
					return &Node{Kind: FieldWithContext, Ctx: ctx}, nil
				case "$meta":
					name, ok := stringValue(av)
					if !ok {
						return nil, badValueErr(key, "$meta requires a string argument")
					}
					return &Node{Kind: FieldWithContext, Ctx: &OpContext{Op: OpMeta, Meta: name}}, nil
				}
			}
			// Any other operator document is a computed expression.
			return &Node{Kind: Field, Expr: v}, nil
		}
		// Literal sub-document: constant expression.
		return &Node{Kind: Field, Expr: v}, nil
	}

	if v.Type == bsoncore.TypeArray {
		return arrayLeaf(key, bsonval.Document(v.Data), opts)
	}

	// Any other literal scalar is a constant expression.
	return &Node{Kind: Field, Expr: v}, nil
}

// arrayLeaf builds an ArrayField whose sub-leaves sit at known indices.
func arrayLeaf(key string, arr bsonval.Document, opts Options) (*Node, error) {
	n := &Node{Kind: ArrayField}
	it, err := bsonval.Iterate(arr)
	if err != nil {
		return nil, parseErr(err.Error())
	}
	for {
		_, ev, ok := it.Next()
		if !ok {
			break
		}
		sub, err := makeLeaf(key, []string{""}, ev, opts)
		if err != nil {
			return nil, err
		}
		n.Elems = append(n.Elems, sub)
	}
	return n, nil
}

func parseSlice(key string, v bsonval.Value) (*OpContext, error) {
	switch v.Type {
	case bsoncore.TypeInt32, bsoncore.TypeInt64, bsoncore.TypeDouble:
		lim, ok := int32Value(v)
		if !ok {
			return nil, badValueErr(key, "$slice limit must be an integer")
		}
		return &OpContext{Op: OpSlice, SliceLimit: lim}, nil
	case bsoncore.TypeArray:
		elems, err := bsonval.Elements(bsonval.Document(v.Data))
		if err != nil || len(elems) != 2 {
			return nil, badValueErr(key, "$slice array form requires [skip, limit]")
		}
		skip, ok1 := int32Value(elems[0].Value)
		lim, ok2 := int32Value(elems[1].Value)
		if !ok1 || !ok2 || lim <= 0 {
			return nil, badValueErr(key, "$slice limit must be positive")
		}
		return &OpContext{Op: OpSlice, SliceSkip: skip, SliceLimit: lim, HasSkip: true}, nil
	default:
		return nil, badValueErr(key, "$slice requires a number or [skip, limit]")
	}
}

// firstOperator reports the first key of doc when it is a $-operator.
func firstOperator(doc bsonval.Document) (string, bsonval.Value, bool) {
	it, err := bsonval.Iterate(doc)
	if err != nil {
		return "", bsonval.Value{}, false
	}
	k, v, ok := it.Next()
	if !ok || !strings.HasPrefix(k, "$") {
		return "", bsonval.Value{}, false
	}
	return k, v, true
}

// toggleValue interprets numeric and boolean spec values as the
// include/exclude toggle.
func toggleValue(v bsonval.Value) (include, ok bool) {
	switch v.Type {
	case bsoncore.TypeBoolean:
		return v.Data[0] != 0, true
	case bsoncore.TypeInt32:
		return int32(binary.LittleEndian.Uint32(v.Data)) != 0, true
	case bsoncore.TypeInt64:
		return int64(binary.LittleEndian.Uint64(v.Data)) != 0, true
	case bsoncore.TypeDouble:
		f := math.Float64frombits(binary.LittleEndian.Uint64(v.Data))
		return f != 0, true
	default:
		return false, false
	}
}

func int32Value(v bsonval.Value) (int32, bool) {
	switch v.Type {
	case bsoncore.TypeInt32:
		return int32(binary.LittleEndian.Uint32(v.Data)), true
	case bsoncore.TypeInt64:
		return int32(int64(binary.LittleEndian.Uint64(v.Data))), true
	case bsoncore.TypeDouble:
		f := math.Float64frombits(binary.LittleEndian.Uint64(v.Data))
		if f != math.Trunc(f) {
			return 0, false
		}
		return int32(f), true
	default:
		return 0, false
	}
}

func stringValue(v bsonval.Value) (string, bool) {
	if v.Type != bsoncore.TypeString {
		return "", false
	}
	if len(v.Data) < 5 {
		return "", false
	}
	l := int(int32(binary.LittleEndian.Uint32(v.Data)))
	if l < 1 || 4+l > len(v.Data) {
		return "", false
	}
	return string(v.Data[4 : 4+l-1]), true
}

func markExprAncestors(n *Node) bool {
	has := n.Kind == Field || n.Kind == FieldWithContext
	for _, c := range n.Children {
		if markExprAncestors(c) {
			has = true
		}
	}
	if n.Kind == Intermediate {
		n.HasExprChildren = has
	}
	return has
}

// NormalizeWildcard normalizes a wildcard-index projection document: each
// key is reduced to its first segment, redundant entries collapse onto the
// first occurrence, and the _id disposition is always materialized
// (excluded unless the spec includes it).
func NormalizeWildcard(spec bsonval.Document) (*Tree, error) {
	t := &Tree{Root: &Node{Kind: Intermediate}}
	idIncluded := false

	it, err := bsonval.Iterate(spec)
	if err != nil {
		return nil, parseErr(err.Error())
	}
	for {
		key, v, ok := it.Next()
		if !ok {
			break
		}
		seg := splitPath(key)[0]
		if strings.HasPrefix(seg, "$") && seg != "$**" {
			return nil, badValueErr(key, "field names may not start with '$'")
		}
		inc, isToggle := toggleValue(v)
		if !isToggle {
			return nil, badValueErr(key, "wildcard projection values must be 0 or 1")
		}
		if seg == "_id" {
			idIncluded = inc
			continue
		}
		if _, dup := t.Root.Child(seg); dup {
			continue
		}
		kind := Excluded
		if inc {
			kind = Included
		}
		t.Root.addChild(&Node{Segment: seg, Kind: kind})
		if inc {
			t.HasInclusion = true
		} else {
			t.HasExclusion = true
		}
	}

	if t.HasInclusion && t.HasExclusion {
		return nil, badValueErr("", "cannot mix inclusion and exclusion in a wildcard projection")
	}
	t.IncludeID = idIncluded
	idKind := Excluded
	if idIncluded {
		idKind = Included
	}
	t.Root.addChild(&Node{Segment: "_id", Kind: idKind})
	return t, nil
}
