// Package project walks a path tree over a source document to emit the
// projected target document, covering inclusion, exclusion and expression
// modes plus the find-projection operators ($ positional, $elemMatch,
// $slice, $meta).
package project

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/pathtree"
)

// Options configure a Projector.
type Options struct {
	// NullOnEmpty emits explicit nulls for named-but-missing paths in
	// inclusion mode.
	NullOnEmpty bool

	// SkipUnresolvedIntermediate drops intermediate paths that resolve to
	// nothing instead of materializing empty documents.
	SkipUnresolvedIntermediate bool

	// Snapshot backs $$NOW / $$CLUSTER_TIME during expression evaluation.
	Snapshot TimeSnapshot

	// Collation applies to string comparisons in positional/$elemMatch
	// evaluation.
	Collation *bsonval.Collation

	// Meta resolves $meta names (e.g. "textScore") for the current row.
	Meta func(name string) (bsonval.Value, bool)
}

// Projector applies one parsed projection tree to documents. Construction
// is done once per query; Apply is called per row.
type Projector struct {
	tree    *pathtree.Tree
	opts    Options
	matcher *Matcher
	hooks   hooks
}

// hooks is the per-mode capability record the document walk consults.
// Operator nodes use it to consume intermediate arrays, and deferred
// projections are buffered and flushed through it.
type hooks struct {
	tryHandleIntermediateArray func(st *state, prefix string, n *pathtree.Node, arr bsonval.Value, w *bsonval.DocWriter, name string) bool
	initPending                func(total int) *pendingState
	writePending               func(w *bsonval.DocWriter, ps *pendingState)
	skipUnresolvedIntermediate func(n *pathtree.Node) bool
}

type pendingState struct {
	names []string
	vals  []bsonval.Value
}

func (ps *pendingState) add(name string, v bsonval.Value) {
	ps.names = append(ps.names, name)
	ps.vals = append(ps.vals, v)
}

// state is the per-document walk state.
type state struct {
	root           bsonval.Document
	vars           *Variables
	positionalDone bool
	inNestedArray  bool
	pending        *pendingState
}

// New builds a projector. query is the find filter used by the
// $ positional qualifier; nil when projecting outside find.
func New(tree *pathtree.Tree, query bsonval.Document, opts Options) *Projector {
	p := &Projector{
		tree:    tree,
		opts:    opts,
		matcher: NewMatcher(query, opts.Collation),
	}
	p.hooks = hooks{
		tryHandleIntermediateArray: p.tryIntermediateArray,
		initPending:                func(total int) *pendingState { return &pendingState{names: make([]string, 0, total)} },
		writePending: func(w *bsonval.DocWriter, ps *pendingState) {
			for i, n := range ps.names {
				w.AppendValue(n, ps.vals[i])
			}
		},
		skipUnresolvedIntermediate: func(n *pathtree.Node) bool {
			return opts.SkipUnresolvedIntermediate && !n.HasExprChildren
		},
	}
	return p
}

// Apply projects one document.
func (p *Projector) Apply(doc bsonval.Document) (bsonval.Document, error) {
	st := &state{
		root:    doc,
		vars:    NewVariables(doc, p.opts.Snapshot),
		pending: p.hooks.initPending(4),
	}
	var out bsonval.Document
	var err error
	switch p.tree.Mode() {
	case pathtree.ModeInclusion:
		out, err = p.projectInclude(st, "", p.tree.Root, doc, true)
	default:
		out, err = p.projectExclude(st, "", p.tree.Root, doc, true)
	}
	if err != nil {
		return nil, err
	}
	if len(out) > bsonval.MaxDocumentSize {
		return nil, fmt.Errorf("BadValue: projected document exceeds maximum size")
	}
	return out, nil
}

// projectInclude emits only named paths, plus computed fields.
func (p *Projector) projectInclude(st *state, prefix string, node *pathtree.Node, src bsonval.Document, isRoot bool) (bsonval.Document, error) {
	w := bsonval.NewDocWriter()
	emitted := map[string]bool{}

	it, err := bsonval.Iterate(src)
	if err != nil {
		return nil, err
	}
	for {
		name, v, ok := it.Next()
		if !ok {
			break
		}
		child, known := node.Child(name)
		if !known {
			if isRoot && name == "_id" && p.tree.IncludeID {
				w.AppendValue(name, v)
			}
			continue
		}
		emitted[name] = true
		if err := p.emitInclude(st, childPath(prefix, name), child, name, v, w); err != nil {
			return nil, err
		}
	}

	// Named paths absent from the source: computed fields evaluate, plain
	// inclusions go to null when requested.
	for _, child := range node.Children {
		if emitted[child.Segment] {
			continue
		}
		switch child.Kind {
		case pathtree.Field, pathtree.ArrayField:
			if err := p.emitExpr(st, child, child.Segment, w); err != nil {
				return nil, err
			}
		case pathtree.FieldWithContext:
			if child.Ctx.Op == pathtree.OpMeta {
				p.emitMeta(child, child.Segment, w)
			}
		case pathtree.Included:
			if p.opts.NullOnEmpty {
				w.AppendNull(child.Segment)
			}
		case pathtree.Intermediate:
			if !p.hooks.skipUnresolvedIntermediate(child) && p.opts.NullOnEmpty {
				w.AppendNull(child.Segment)
			}
		}
	}

	if isRoot && len(st.pending.names) != 0 {
		p.hooks.writePending(w, st.pending)
	}
	return w.Finish(), nil
}

func (p *Projector) emitInclude(st *state, path string, child *pathtree.Node, name string, v bsonval.Value, w *bsonval.DocWriter) error {
	switch child.Kind {
	case pathtree.Excluded:
		// only _id lands here in an inclusion tree
		return nil

	case pathtree.Included:
		w.AppendValue(name, v)
		return nil

	case pathtree.Field, pathtree.ArrayField:
		return p.emitExpr(st, child, name, w)

	case pathtree.FieldWithContext:
		return p.emitOperator(st, path, child, name, v, w)

	case pathtree.Intermediate:
		switch v.Type {
		case bsoncore.TypeEmbeddedDocument:
			sub, err := p.projectInclude(st, path, child, bsonval.Document(v.Data), false)
			if err != nil {
				return err
			}
			if bsonval.ArrayLen(sub) == 0 && p.hooks.skipUnresolvedIntermediate(child) {
				return nil
			}
			w.AppendValue(name, bsonval.DocValue(sub))
			return nil
		case bsoncore.TypeArray:
			if p.hooks.tryHandleIntermediateArray(st, path, child, v, w, name) {
				return nil
			}
			return p.projectArrayInclude(st, path, child, bsonval.Document(v.Data), w, name)
		default:
			if !p.hooks.skipUnresolvedIntermediate(child) && p.opts.NullOnEmpty {
				w.AppendNull(name)
			}
			return nil
		}
	}
	return nil
}

// projectArrayInclude recurses the tree into each document element of an
// array-valued intermediate path; scalars are dropped.
func (p *Projector) projectArrayInclude(st *state, path string, node *pathtree.Node, arr bsonval.Document, w *bsonval.DocWriter, name string) error {
	w.BeginArray(name)
	it, err := bsonval.Iterate(arr)
	if err != nil {
		return err
	}
	for {
		_, ev, ok := it.Next()
		if !ok {
			break
		}
		switch ev.Type {
		case bsoncore.TypeEmbeddedDocument:
			sub, err := p.projectInclude(st, path, node, bsonval.Document(ev.Data), false)
			if err != nil {
				return err
			}
			w.AppendValue("", bsonval.DocValue(sub))
		case bsoncore.TypeArray:
			// nested arrays suppress outermost-only operators
			prev := st.inNestedArray
			st.inNestedArray = true
			if err := p.projectArrayInclude(st, path, node, bsonval.Document(ev.Data), w, ""); err != nil {
				return err
			}
			st.inNestedArray = prev
		}
	}
	w.End()
	return nil
}

// tryIntermediateArray lets positional/$elemMatch leaves consume an
// array-valued intermediate path by picking a single element.
func (p *Projector) tryIntermediateArray(st *state, prefix string, n *pathtree.Node, arr bsonval.Value, w *bsonval.DocWriter, name string) bool {
	if st.inNestedArray {
		return false
	}
	leaf, ok := n.Child("$")
	if !ok || leaf.Kind != pathtree.FieldWithContext || leaf.Ctx.Op != pathtree.OpPositional {
		return false
	}
	if st.positionalDone {
		return true
	}
	idx, found := p.matcher.PositionalIndex(st.root, prefix)
	if !found {
		return true
	}
	st.positionalDone = true
	el, ok := bsonval.ExtractPath(arr, fmt.Sprintf("%d", idx), bsonval.ExtractOptions{})
	if !ok {
		return true
	}
	aw := bsonval.NewArrayWriter()
	aw.AppendValue(el)
	w.AppendValue(name, bsonval.Value{Type: bsoncore.TypeArray, Data: aw.Finish()})
	return true
}

func (p *Projector) emitOperator(st *state, path string, child *pathtree.Node, name string, v bsonval.Value, w *bsonval.DocWriter) error {
	switch child.Ctx.Op {
	case pathtree.OpElemMatch:
		if st.inNestedArray || v.Type != bsoncore.TypeArray {
			return nil
		}
		idx, ok := p.matcher.FirstElemMatch(bsonval.Document(v.Data), child.Ctx.ElemMatch)
		if !ok {
			return nil
		}
		el, _ := bsonval.ExtractPath(v, fmt.Sprintf("%d", idx), bsonval.ExtractOptions{})
		aw := bsonval.NewArrayWriter()
		aw.AppendValue(el)
		st.pending.add(name, bsonval.Value{Type: bsoncore.TypeArray, Data: aw.Finish()})
		return nil

	case pathtree.OpSlice:
		if v.Type != bsoncore.TypeArray {
			w.AppendValue(name, v)
			return nil
		}
		w.AppendValue(name, sliceArray(v, child.Ctx))
		return nil

	case pathtree.OpMeta:
		p.emitMeta(child, name, w)
		return nil

	case pathtree.OpPositional:
		// handled by tryIntermediateArray at the parent level
		return nil
	}
	return nil
}

func (p *Projector) emitMeta(child *pathtree.Node, name string, w *bsonval.DocWriter) {
	if p.opts.Meta == nil {
		return
	}
	if v, ok := p.opts.Meta(child.Ctx.Meta); ok {
		w.AppendValue(name, v)
	}
}

func (p *Projector) emitExpr(st *state, child *pathtree.Node, name string, w *bsonval.DocWriter) error {
	if child.Kind == pathtree.ArrayField {
		// array built from sub-leaves at known indices
		aw := bsonval.NewArrayWriter()
		for _, sub := range child.Elems {
			v, found, err := EvalExpr(sub.Expr, st.root, st.vars)
			if err != nil {
				return err
			}
			if !found {
				v = bsonval.Null()
			}
			aw.AppendValue(v)
		}
		w.AppendValue(name, bsonval.Value{Type: bsoncore.TypeArray, Data: aw.Finish()})
		return nil
	}
	v, found, err := EvalExpr(child.Expr, st.root, st.vars)
	if err != nil {
		return err
	}
	if !found {
		if p.opts.NullOnEmpty {
			w.AppendNull(name)
		}
		return nil
	}
	w.AppendValue(name, v)
	return nil
}

// projectExclude copies everything except named paths; operator leaves
// that are valid in exclusion-like trees ($slice, $meta) transform in
// place.
func (p *Projector) projectExclude(st *state, prefix string, node *pathtree.Node, src bsonval.Document, isRoot bool) (bsonval.Document, error) {
	w := bsonval.NewDocWriter()
	it, err := bsonval.Iterate(src)
	if err != nil {
		return nil, err
	}
	for {
		name, v, ok := it.Next()
		if !ok {
			break
		}
		if isRoot && name == "_id" && !p.tree.IncludeID {
			if _, named := node.Child(name); !named {
				continue
			}
		}
		child, known := node.Child(name)
		if !known {
			w.AppendValue(name, v)
			continue
		}
		switch child.Kind {
		case pathtree.Excluded:
			continue
		case pathtree.Included:
			w.AppendValue(name, v)
		case pathtree.FieldWithContext:
			if err := p.emitOperator(st, childPath(prefix, name), child, name, v, w); err != nil {
				return nil, err
			}
		case pathtree.Field, pathtree.ArrayField:
			if err := p.emitExpr(st, child, name, w); err != nil {
				return nil, err
			}
		case pathtree.Intermediate:
			switch v.Type {
			case bsoncore.TypeEmbeddedDocument:
				sub, err := p.projectExclude(st, childPath(prefix, name), child, bsonval.Document(v.Data), false)
				if err != nil {
					return nil, err
				}
				w.AppendValue(name, bsonval.DocValue(sub))
			case bsoncore.TypeArray:
				if err := p.projectArrayExclude(st, childPath(prefix, name), child, bsonval.Document(v.Data), w, name); err != nil {
					return nil, err
				}
			default:
				w.AppendValue(name, v)
			}
		}
	}
	if isRoot && len(st.pending.names) != 0 {
		p.hooks.writePending(w, st.pending)
	}
	return w.Finish(), nil
}

func (p *Projector) projectArrayExclude(st *state, path string, node *pathtree.Node, arr bsonval.Document, w *bsonval.DocWriter, name string) error {
	w.BeginArray(name)
	it, err := bsonval.Iterate(arr)
	if err != nil {
		return err
	}
	for {
		_, ev, ok := it.Next()
		if !ok {
			break
		}
		switch ev.Type {
		case bsoncore.TypeEmbeddedDocument:
			sub, err := p.projectExclude(st, path, node, bsonval.Document(ev.Data), false)
			if err != nil {
				return err
			}
			w.AppendValue("", bsonval.DocValue(sub))
		case bsoncore.TypeArray:
			prev := st.inNestedArray
			st.inNestedArray = true
			if err := p.projectArrayExclude(st, path, node, bsonval.Document(ev.Data), w, ""); err != nil {
				return err
			}
			st.inNestedArray = prev
		default:
			w.AppendValue("", ev)
		}
	}
	w.End()
	return nil
}

// sliceArray applies the $slice window.
func sliceArray(v bsonval.Value, ctx *pathtree.OpContext) bsonval.Value {
	arr := bsonval.Document(v.Data)
	n := bsonval.ArrayLen(arr)
	skip, limit := int(ctx.SliceSkip), int(ctx.SliceLimit)
	var lo, hi int
	switch {
	case ctx.HasSkip:
		if skip < 0 {
			skip += n
			if skip < 0 {
				skip = 0
			}
		}
		lo, hi = skip, skip+limit
	case limit < 0:
		lo, hi = n+limit, n
		if lo < 0 {
			lo = 0
		}
	default:
		lo, hi = 0, limit
	}
	if hi > n {
		hi = n
	}
	aw := bsonval.NewArrayWriter()
	it, err := bsonval.Iterate(arr)
	if err != nil {
		return v
	}
	i := 0
	for {
		_, ev, ok := it.Next()
		if !ok {
			break
		}
		if i >= lo && i < hi {
			aw.AppendValue(ev)
		}
		i++
	}
	return bsonval.Value{Type: bsoncore.TypeArray, Data: aw.Finish()}
}

func childPath(prefix, seg string) string {
	if prefix == "" {
		return seg
	}
	return prefix + "." + seg
}
