package rowstore

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
	"golang.org/x/sync/errgroup"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/pathtree"
	"github.com/stratumdb/stratum/core/internal/project"
	"github.com/stratumdb/stratum/core/internal/qcode"
)

// Executor materializes query trees against table snapshots. It is the
// reference consumer of the compiler's output: the in-memory store and
// the test suites run on it, and its semantics define what the SQL
// renderer must reproduce.
type Executor struct {
	// Fetch returns the rows of a table in primary-key order.
	Fetch func(ctx context.Context, table string) ([]Row, error)
	// Params resolves parameterized operands.
	Params Params
	// Snapshot backs $$NOW / $$CLUSTER_TIME.
	Snapshot project.TimeSnapshot
	// Collation applies to string ordering and equality.
	Collation *bsonval.Collation
	// BaseVars is the enclosing variable scope; lookup let-bindings run
	// nested pipelines with the outer row's values bound here.
	BaseVars *project.Variables
}

// Run evaluates sel and returns the output documents in order.
func (ex *Executor) Run(ctx context.Context, sel *qcode.Select) ([]bsonval.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs, err := ex.source(ctx, sel)
	if err != nil {
		return nil, err
	}

	if sel.Recurse != nil {
		if docs, err = ex.applyRecurse(ctx, sel.Recurse, docs); err != nil {
			return nil, err
		}
	}
	for i := range sel.Joins {
		if docs, err = ex.applyJoin(ctx, &sel.Joins[i], docs); err != nil {
			return nil, err
		}
	}
	for i := range sel.Unwinds {
		docs = applyUnwind(&sel.Unwinds[i], docs)
	}
	if sel.Where != nil {
		filtered := docs[:0:0]
		for _, d := range docs {
			ok, err := ex.evalExp(ctx, sel.Where, d)
			if err != nil {
				return nil, err
			}
			if ok {
				filtered = append(filtered, d)
			}
		}
		docs = filtered
	}
	if sel.Group != nil {
		if docs, err = ex.applyGroup(sel.Group, docs); err != nil {
			return nil, err
		}
	}
	if sel.DistinctPath != "" {
		docs = ex.applyDistinct(sel.DistinctPath, docs)
	}
	if sel.CountAs != "" {
		w := bsonval.NewDocWriter()
		w.AppendInt64(sel.CountAs, int64(len(docs)))
		docs = []bsonval.Document{w.Finish()}
	}
	if len(sel.Windows) != 0 {
		if docs, err = ex.applyWindows(sel.Windows, docs); err != nil {
			return nil, err
		}
	}
	if sel.Densify != nil {
		if docs, err = ex.applyDensify(sel.Densify, docs); err != nil {
			return nil, err
		}
	}
	if sel.Fill != nil {
		if docs, err = ex.applyFill(sel.Fill, docs); err != nil {
			return nil, err
		}
	}
	if sel.Redact.Type != 0 {
		if docs, err = ex.applyRedact(sel.Redact, docs); err != nil {
			return nil, err
		}
	}
	if sel.ReplaceRoot.Type != 0 {
		if docs, err = ex.applyReplaceRoot(sel.ReplaceRoot, docs); err != nil {
			return nil, err
		}
	}
	if sel.Project != nil {
		if docs, err = ex.applyProjection(sel.Project, docs); err != nil {
			return nil, err
		}
	}
	if len(sel.Facets) != 0 {
		if docs, err = ex.applyFacets(ctx, sel.Facets, docs); err != nil {
			return nil, err
		}
	}
	for _, u := range sel.Unions {
		more, err := ex.Run(ctx, u.Query)
		if err != nil {
			return nil, err
		}
		docs = append(docs, more...)
	}
	if len(sel.Order) != 0 {
		ex.sortDocs(sel.Order, docs)
	}
	if sel.Offset > 0 {
		if sel.Offset >= int64(len(docs)) {
			docs = nil
		} else {
			docs = docs[sel.Offset:]
		}
	}
	if sel.Limit >= 0 && int64(len(docs)) > sel.Limit {
		docs = docs[:sel.Limit]
	}
	if sel.Sample > 0 && int64(len(docs)) > sel.Sample {
		// deterministic stride sample; good enough without a randomness
		// source in the executor
		stride := len(docs) / int(sel.Sample)
		out := make([]bsonval.Document, 0, sel.Sample)
		for i := 0; i < len(docs) && len(out) < int(sel.Sample); i += stride {
			out = append(out, docs[i])
		}
		docs = out
	}
	return docs, nil
}

func (ex *Executor) source(ctx context.Context, sel *qcode.Select) ([]bsonval.Document, error) {
	switch {
	case sel.From != nil:
		return ex.Run(ctx, sel.From)
	case sel.Docs != nil:
		return sel.Docs, nil
	case sel.Table != "":
		rows, err := ex.Fetch(ctx, sel.Table)
		if err != nil {
			return nil, err
		}
		docs := make([]bsonval.Document, len(rows))
		for i, r := range rows {
			docs[i] = r.Doc
		}
		return docs, nil
	default:
		// sourceless select: a single empty row ($documents on db-less
		// aggregates starts here)
		return []bsonval.Document{emptyDoc()}, nil
	}
}

func (ex *Executor) operand(e *qcode.Exp) bsonval.Value {
	if e.ParamID > 0 {
		if v, ok := ex.Params[e.ParamID]; ok {
			return v
		}
	}
	return e.Val
}

// evalExp evaluates a filter-tree node against doc.
func (ex *Executor) evalExp(ctx context.Context, e *qcode.Exp, doc bsonval.Document) (bool, error) {
	switch e.Op {
	case qcode.OpAnd:
		for _, c := range e.Children {
			ok, err := ex.evalExp(ctx, c, doc)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case qcode.OpOr:
		for _, c := range e.Children {
			ok, err := ex.evalExp(ctx, c, doc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case qcode.OpNot:
		for _, c := range e.Children {
			ok, err := ex.evalExp(ctx, c, doc)
			if err != nil {
				return false, err
			}
			if ok {
				return false, nil
			}
		}
		return true, nil
	case qcode.OpExpr:
		v, _, err := project.EvalExpr(ex.operand(e), doc, ex.vars(doc))
		if err != nil {
			return false, err
		}
		return exprTruthy(v), nil
	}

	val, found := bsonval.ExtractPath(bsonval.DocValue(doc), e.Path, bsonval.ExtractOptions{})
	operand := ex.operand(e)

	switch e.Op {
	case qcode.OpEquals:
		if !found {
			return operand.Type == bsoncore.TypeNull, nil
		}
		return valueEq(val, operand, ex.Collation), nil
	case qcode.OpNotEquals:
		if !found {
			return operand.Type != bsoncore.TypeNull, nil
		}
		return !valueEq(val, operand, ex.Collation), nil
	case qcode.OpGreaterThan, qcode.OpGreaterOrEquals, qcode.OpLesserThan, qcode.OpLesserOrEquals:
		if !found {
			return false, nil
		}
		sat := func(v bsonval.Value) bool {
			if !bsonval.SameTypeClass(v, operand) {
				return false
			}
			c := bsonval.Compare(v, operand, ex.Collation)
			switch e.Op {
			case qcode.OpGreaterThan:
				return c > 0
			case qcode.OpGreaterOrEquals:
				return c >= 0
			case qcode.OpLesserThan:
				return c < 0
			default:
				return c <= 0
			}
		}
		if sat(val) {
			return true, nil
		}
		// multikey: any array element may satisfy the range
		if val.Type == bsoncore.TypeArray {
			elems, _ := bsonval.Elements(bsonval.Document(val.Data))
			for _, el := range elems {
				if sat(el.Value) {
					return true, nil
				}
			}
		}
		return false, nil
	case qcode.OpIn, qcode.OpNotIn:
		hit := false
		if operand.Type == bsoncore.TypeArray {
			elems, _ := bsonval.Elements(bsonval.Document(operand.Data))
			for _, el := range elems {
				if found && valueEq(val, el.Value, ex.Collation) {
					hit = true
					break
				}
				if !found && el.Value.Type == bsoncore.TypeNull {
					hit = true
					break
				}
			}
		}
		if e.Op == qcode.OpIn {
			return hit, nil
		}
		return !hit, nil
	case qcode.OpExists:
		return found, nil
	case qcode.OpNotExists:
		return !found, nil
	case qcode.OpRegex:
		if !found {
			return false, nil
		}
		pat, _ := valueStr(operand)
		re, err := regexp.Compile(pat)
		if err != nil {
			return false, nil
		}
		if s, ok := valueStr(val); ok {
			return re.MatchString(s), nil
		}
		if val.Type == bsoncore.TypeArray {
			elems, _ := bsonval.Elements(bsonval.Document(val.Data))
			for _, el := range elems {
				if s, ok := valueStr(el.Value); ok && re.MatchString(s) {
					return true, nil
				}
			}
		}
		return false, nil
	case qcode.OpSize:
		if !found || val.Type != bsoncore.TypeArray {
			return false, nil
		}
		n, _ := valueInt(operand)
		return int64(bsonval.ArrayLen(bsonval.Document(val.Data))) == n, nil
	case qcode.OpType:
		if !found {
			return false, nil
		}
		n, _ := valueInt(operand)
		return int64(val.Type) == n, nil
	case qcode.OpAll:
		if !found || operand.Type != bsoncore.TypeArray {
			return false, nil
		}
		elems, _ := bsonval.Elements(bsonval.Document(operand.Data))
		for _, el := range elems {
			if !valueEq(val, el.Value, ex.Collation) {
				return false, nil
			}
		}
		return true, nil
	case qcode.OpElemMatch:
		if !found || val.Type != bsoncore.TypeArray || operand.Type != bsoncore.TypeEmbeddedDocument {
			return false, nil
		}
		m := project.NewMatcher(bsonval.Document(operand.Data), ex.Collation)
		elems, _ := bsonval.Elements(bsonval.Document(val.Data))
		for _, el := range elems {
			if el.Value.Type == bsoncore.TypeEmbeddedDocument &&
				m.Matches(bsonval.Document(el.Value.Data)) {
				return true, nil
			}
		}
		return false, nil
	case qcode.OpBitsAllSet, qcode.OpBitsAnySet, qcode.OpBitsAllClear, qcode.OpBitsAnyClear:
		if !found {
			return false, nil
		}
		mask, ok1 := valueInt(operand)
		n, ok2 := valueInt(val)
		if !ok1 || !ok2 {
			return false, nil
		}
		switch e.Op {
		case qcode.OpBitsAllSet:
			return n&mask == mask, nil
		case qcode.OpBitsAnySet:
			return n&mask != 0, nil
		case qcode.OpBitsAllClear:
			return n&mask == 0, nil
		default:
			return n&mask != mask, nil
		}
	case qcode.OpMod:
		if !found || operand.Type != bsoncore.TypeArray {
			return false, nil
		}
		elems, _ := bsonval.Elements(bsonval.Document(operand.Data))
		if len(elems) != 2 {
			return false, nil
		}
		div, _ := valueInt(elems[0].Value)
		rem, _ := valueInt(elems[1].Value)
		n, ok := valueInt(val)
		return ok && div != 0 && n%div == rem, nil
	default:
		return false, fmt.Errorf("InternalError: operator %s not executable in memory", e.Op)
	}
}

// valueEq applies equality with multikey array semantics.
func valueEq(val, want bsonval.Value, coll *bsonval.Collation) bool {
	if bsonval.Compare(val, want, coll) == 0 {
		return true
	}
	if val.Type == bsoncore.TypeArray && want.Type != bsoncore.TypeArray {
		elems, _ := bsonval.Elements(bsonval.Document(val.Data))
		for _, el := range elems {
			if bsonval.Compare(el.Value, want, coll) == 0 {
				return true
			}
		}
	}
	return false
}

func (ex *Executor) vars(doc bsonval.Document) *project.Variables {
	if ex.BaseVars != nil {
		return ex.BaseVars.WithRoot(doc)
	}
	return project.NewVariables(doc, ex.Snapshot)
}

// exprTruthy applies $expr boolean coercion: false, numeric zero, null
// and missing are false; everything else is true.
func exprTruthy(v bsonval.Value) bool {
	switch v.Type {
	case 0, bsoncore.TypeNull, bsoncore.TypeUndefined:
		return false
	case bsoncore.TypeBoolean:
		return v.Data[0] != 0
	case bsoncore.TypeInt32, bsoncore.TypeInt64, bsoncore.TypeDouble:
		f, ok := valueFloat(v)
		return ok && f != 0
	default:
		return true
	}
}

func (ex *Executor) applyJoin(ctx context.Context, j *qcode.Join, docs []bsonval.Document) ([]bsonval.Document, error) {
	foreign, err := ex.Fetch(ctx, j.Table)
	if err != nil {
		if err == ErrNamespaceNotFound {
			// a missing lookup target resolves to an empty right side
			foreign = nil
		} else {
			return nil, err
		}
	}
	out := make([]bsonval.Document, 0, len(docs))
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var matches []bsonval.Document
		if j.Pipeline != nil {
			scope, err := ex.letScope(j.Let, d)
			if err != nil {
				return nil, err
			}
			// the arm re-runs per outer row so $$-references resolve
			// against that row's bindings
			sub := &Executor{
				Fetch:     ex.Fetch,
				Params:    ex.Params,
				Snapshot:  ex.Snapshot,
				Collation: ex.Collation,
				BaseVars:  scope,
			}
			matches, err = sub.Run(ctx, j.Pipeline)
			if err != nil {
				return nil, err
			}
		} else {
			local, _ := bsonval.ExtractPath(bsonval.DocValue(d), j.LocalPath, bsonval.ExtractOptions{})
			for _, f := range foreign {
				fv, ffound := bsonval.ExtractPath(bsonval.DocValue(f.Doc), j.ForeignPath, bsonval.ExtractOptions{})
				if !ffound {
					fv = bsonval.Null()
				}
				if joinEq(local, fv, ex.Collation) {
					matches = append(matches, f.Doc)
				}
			}
		}
		if j.Unwound {
			if len(matches) == 0 {
				if j.PreserveEmpty {
					out = append(out, d)
				}
				continue
			}
			for _, m := range matches {
				out = append(out, setField(d, j.As, bsonval.DocValue(m)))
			}
			continue
		}
		aw := bsonval.NewArrayWriter()
		for _, m := range matches {
			aw.AppendDoc(m)
		}
		out = append(out, setField(d, j.As, bsonval.Value{Type: bsoncore.TypeArray, Data: aw.Finish()}))
	}
	return out, nil
}

// letScope evaluates lookup let-bindings against the outer row and
// returns the variable scope the nested pipeline runs under.
func (ex *Executor) letScope(let bsonval.Document, d bsonval.Document) (*project.Variables, error) {
	if len(let) == 0 {
		return ex.BaseVars, nil
	}
	outer := project.NewVariables(d, ex.Snapshot)
	scope := outer.Child()
	elems, err := bsonval.Elements(let)
	if err != nil {
		return nil, err
	}
	for _, e := range elems {
		v, found, err := project.EvalExpr(e.Value, d, outer)
		if err != nil {
			return nil, err
		}
		if !found {
			v = bsonval.Null()
		}
		scope.Bind(e.Name, v)
	}
	return scope, nil
}

// joinEq matches localField against foreignField with array-member
// semantics on both sides.
func joinEq(local, foreign bsonval.Value, coll *bsonval.Collation) bool {
	if local.Type == 0 {
		local = bsonval.Null()
	}
	if valueEq(foreign, local, coll) || valueEq(local, foreign, coll) {
		return true
	}
	if local.Type == bsoncore.TypeArray {
		elems, _ := bsonval.Elements(bsonval.Document(local.Data))
		for _, el := range elems {
			if valueEq(foreign, el.Value, coll) {
				return true
			}
		}
	}
	return false
}

func applyUnwind(u *qcode.Unwind, docs []bsonval.Document) []bsonval.Document {
	path := strings.TrimPrefix(u.Path, "$")
	var out []bsonval.Document
	for _, d := range docs {
		v, found := bsonval.ExtractPath(bsonval.DocValue(d), path, bsonval.ExtractOptions{NoArrayTraversal: true})
		if !found || v.Type == bsoncore.TypeNull ||
			(v.Type == bsoncore.TypeArray && bsonval.ArrayLen(bsonval.Document(v.Data)) == 0) {
			if u.PreserveNullAndEmptyArrays {
				out = append(out, d)
			}
			continue
		}
		if v.Type != bsoncore.TypeArray {
			out = append(out, d)
			continue
		}
		elems, _ := bsonval.Elements(bsonval.Document(v.Data))
		for i, el := range elems {
			nd := setField(d, path, el.Value)
			if u.IncludeArrayIndex != "" {
				nd = setField(nd, u.IncludeArrayIndex, int64Value(int64(i)))
			}
			out = append(out, nd)
		}
	}
	return out
}

func (ex *Executor) applyGroup(g *qcode.GroupBy, docs []bsonval.Document) ([]bsonval.Document, error) {
	type bucket struct {
		key  bsonval.Value
		accs []*accState
	}
	order := []int64{}
	buckets := map[int64]*bucket{}

	for _, d := range docs {
		key, found, err := project.EvalExpr(g.KeyExpr, d, ex.vars(d))
		if err != nil {
			return nil, err
		}
		if !found {
			key = bsonval.Null()
		}
		h := bsonval.Hash(key)
		b, ok := buckets[h]
		if !ok {
			b = &bucket{key: copyValue(key), accs: make([]*accState, len(g.Accums))}
			for i := range g.Accums {
				b.accs[i] = &accState{}
			}
			buckets[h] = b
			order = append(order, h)
		}
		for i, a := range g.Accums {
			var av bsonval.Value
			var afound bool
			if a.Op == "$count" {
				afound = true
			} else {
				av, afound, err = project.EvalExpr(a.Arg, d, ex.vars(d))
				if err != nil {
					return nil, err
				}
			}
			b.accs[i].add(a.Op, av, afound, ex.Collation)
		}
	}

	out := make([]bsonval.Document, 0, len(order))
	for _, h := range order {
		b := buckets[h]
		w := bsonval.NewDocWriter()
		w.AppendValue("_id", b.key)
		for i, a := range g.Accums {
			w.AppendValue(a.Name, b.accs[i].result(a.Op))
		}
		out = append(out, w.Finish())
	}
	return out, nil
}

// accState folds one accumulator.
type accState struct {
	n      int64
	sum    float64
	sumInt int64
	intOK  bool
	first  bsonval.Value
	last   bsonval.Value
	min    bsonval.Value
	max    bsonval.Value
	items  []bsonval.Value
	seen   map[int64]bool
	init   bool
}

func (a *accState) add(op string, v bsonval.Value, found bool, coll *bsonval.Collation) {
	switch op {
	case "$count":
		a.n++
	case "$sum", "$avg":
		f, ok := valueFloat(v)
		if !found || !ok {
			break
		}
		if a.n == 0 {
			a.intOK = true
		}
		a.n++
		a.sum += f
		if i, isInt := valueInt(v); isInt {
			a.sumInt += i
		} else {
			a.intOK = false
		}
	case "$min":
		if found && (!a.init || bsonval.Compare(v, a.min, coll) < 0) {
			a.min = copyValue(v)
		}
	case "$max":
		if found && (!a.init || bsonval.Compare(v, a.max, coll) > 0) {
			a.max = copyValue(v)
		}
	case "$first":
		if !a.init {
			if !found {
				v = bsonval.Null()
			}
			a.first = copyValue(v)
		}
	case "$last":
		if !found {
			v = bsonval.Null()
		}
		a.last = copyValue(v)
	case "$push":
		if found {
			a.items = append(a.items, copyValue(v))
		}
	case "$addToSet":
		if found {
			if a.seen == nil {
				a.seen = map[int64]bool{}
			}
			h := bsonval.Hash(v)
			if !a.seen[h] {
				a.seen[h] = true
				a.items = append(a.items, copyValue(v))
			}
		}
	}
	a.init = true
}

func (a *accState) result(op string) bsonval.Value {
	switch op {
	case "$count":
		return int64Value(a.n)
	case "$sum":
		if a.n == 0 || a.intOK {
			return int64Value(a.sumInt)
		}
		return doubleValue(a.sum)
	case "$avg":
		if a.n == 0 {
			return bsonval.Null()
		}
		return doubleValue(a.sum / float64(a.n))
	case "$min":
		if !a.init || a.min.Type == 0 {
			return bsonval.Null()
		}
		return a.min
	case "$max":
		if !a.init || a.max.Type == 0 {
			return bsonval.Null()
		}
		return a.max
	case "$first":
		if a.first.Type == 0 {
			return bsonval.Null()
		}
		return a.first
	case "$last":
		if a.last.Type == 0 {
			return bsonval.Null()
		}
		return a.last
	case "$push", "$addToSet":
		aw := bsonval.NewArrayWriter()
		for _, it := range a.items {
			aw.AppendValue(it)
		}
		return bsonval.Value{Type: bsoncore.TypeArray, Data: aw.Finish()}
	default:
		return bsonval.Null()
	}
}

func (ex *Executor) applyDistinct(path string, docs []bsonval.Document) []bsonval.Document {
	seen := map[int64]bool{}
	var out []bsonval.Document
	emit := func(v bsonval.Value) {
		h := bsonval.Hash(v)
		if seen[h] {
			return
		}
		seen[h] = true
		w := bsonval.NewDocWriter()
		w.AppendValue("_id", v)
		out = append(out, w.Finish())
	}
	for _, d := range docs {
		v, found := bsonval.ExtractPath(bsonval.DocValue(d), path, bsonval.ExtractOptions{})
		if !found {
			continue
		}
		// distinct unwinds one level of arrays
		if v.Type == bsoncore.TypeArray {
			elems, _ := bsonval.Elements(bsonval.Document(v.Data))
			for _, el := range elems {
				emit(el.Value)
			}
			continue
		}
		emit(v)
	}
	return out
}

func (ex *Executor) applyWindows(windows []qcode.Window, docs []bsonval.Document) ([]bsonval.Document, error) {
	for wi := range windows {
		w := &windows[wi]
		// partition assignment
		parts := map[int64][]int{}
		var partOrder []int64
		for i, d := range docs {
			var key bsonval.Value
			if w.PartitionBy.Type != 0 {
				var err error
				var found bool
				key, found, err = project.EvalExpr(w.PartitionBy, d, ex.vars(d))
				if err != nil {
					return nil, err
				}
				if !found {
					key = bsonval.Null()
				}
			} else {
				key = bsonval.Null()
			}
			h := bsonval.Hash(key)
			if _, ok := parts[h]; !ok {
				partOrder = append(partOrder, h)
			}
			parts[h] = append(parts[h], i)
		}
		results := make([]bsonval.Value, len(docs))
		for _, h := range partOrder {
			idxs := parts[h]
			if len(w.SortBy) != 0 {
				sort.SliceStable(idxs, func(a, b int) bool {
					return ex.docLess(w.SortBy, docs[idxs[a]], docs[idxs[b]])
				})
			}
			if err := ex.windowFunc(w, docs, idxs, results); err != nil {
				return nil, err
			}
		}
		for i := range docs {
			if results[i].Type != 0 {
				docs[i] = setField(docs[i], w.Name, results[i])
			}
		}
	}
	return docs, nil
}

func (ex *Executor) windowFunc(w *qcode.Window, docs []bsonval.Document, idxs []int, results []bsonval.Value) error {
	switch w.Func {
	case "$documentNumber":
		for n, i := range idxs {
			results[i] = int64Value(int64(n + 1))
		}
	case "$rank", "$denseRank":
		rank := int64(0)
		dense := int64(0)
		var prevKey bsonval.Document
		for n, i := range idxs {
			same := prevKey != nil && !ex.docLess(w.SortBy, prevKey, docs[i]) && !ex.docLess(w.SortBy, docs[i], prevKey)
			if !same {
				dense++
				rank = int64(n + 1)
			}
			if w.Func == "$rank" {
				results[i] = int64Value(rank)
			} else {
				results[i] = int64Value(dense)
			}
			prevKey = docs[i]
		}
	case "$sum", "$avg", "$min", "$max", "$push", "$count":
		acc := &accState{}
		for _, i := range idxs {
			v, found, err := project.EvalExpr(w.Arg, docs[i], ex.vars(docs[i]))
			if err != nil {
				return err
			}
			acc.add(w.Func, v, found, ex.Collation)
		}
		total := acc.result(w.Func)
		for _, i := range idxs {
			results[i] = total
		}
	default:
		return fmt.Errorf("StageNotSupported: window function %s", w.Func)
	}
	return nil
}

func (ex *Executor) applyReplaceRoot(expr bsonval.Value, docs []bsonval.Document) ([]bsonval.Document, error) {
	out := make([]bsonval.Document, 0, len(docs))
	for _, d := range docs {
		v, found, err := project.EvalExpr(expr, d, ex.vars(d))
		if err != nil {
			return nil, err
		}
		if !found || v.Type != bsoncore.TypeEmbeddedDocument {
			return nil, fmt.Errorf("BadValue: $replaceRoot expression must evaluate to a document")
		}
		out = append(out, bsonval.Document(copyBytes(v.Data)))
	}
	return out, nil
}

func (ex *Executor) applyProjection(p *qcode.Projection, docs []bsonval.Document) ([]bsonval.Document, error) {
	if len(p.Unset) != 0 {
		w := bsonval.NewDocWriter()
		for _, u := range p.Unset {
			w.AppendInt32(u, 0)
		}
		spec := w.Finish()
		tree, err := pathtree.Build(spec, pathtree.Options{})
		if err != nil {
			return nil, err
		}
		return ex.projectAll(tree, docs)
	}
	tree, err := pathtree.Build(p.Spec, pathtree.Options{AllowInclusionExclusion: p.AddFields})
	if err != nil {
		return nil, err
	}
	if p.AddFields {
		return ex.addFieldsAll(p.Spec, docs)
	}
	return ex.projectAll(tree, docs)
}

func (ex *Executor) projectAll(tree *pathtree.Tree, docs []bsonval.Document) ([]bsonval.Document, error) {
	proj := project.New(tree, nil, project.Options{Snapshot: ex.Snapshot, Collation: ex.Collation})
	out := make([]bsonval.Document, 0, len(docs))
	for _, d := range docs {
		nd, err := proj.Apply(d)
		if err != nil {
			return nil, err
		}
		out = append(out, nd)
	}
	return out, nil
}

// addFieldsAll merges evaluated fields over the source document.
func (ex *Executor) addFieldsAll(spec bsonval.Document, docs []bsonval.Document) ([]bsonval.Document, error) {
	elems, err := bsonval.Elements(spec)
	if err != nil {
		return nil, err
	}
	out := make([]bsonval.Document, 0, len(docs))
	for _, d := range docs {
		nd := d
		for _, e := range elems {
			v, found, err := project.EvalExpr(e.Value, d, ex.vars(d))
			if err != nil {
				return nil, err
			}
			if !found {
				v = bsonval.Null()
			}
			nd = setField(nd, e.Name, v)
		}
		out = append(out, nd)
	}
	return out, nil
}

func (ex *Executor) applyFacets(ctx context.Context, facets []qcode.Facet, docs []bsonval.Document) ([]bsonval.Document, error) {
	// arms run in parallel over the same input; errors surface at
	// collection time
	results := make([][]bsonval.Document, len(facets))
	g, gctx := errgroup.WithContext(ctx)
	for i := range facets {
		i := i
		arm := injectDocs(facets[i].Query, docs)
		g.Go(func() error {
			sub := &Executor{Fetch: ex.Fetch, Params: ex.Params, Snapshot: ex.Snapshot, Collation: ex.Collation}
			res, err := sub.Run(gctx, arm)
			if err != nil {
				return fmt.Errorf("facet %q: %w", facets[i].Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	w := bsonval.NewDocWriter()
	for i, f := range facets {
		w.BeginArray(f.Name)
		for _, d := range results[i] {
			w.AppendValue("", bsonval.DocValue(d))
		}
		w.End()
	}
	return []bsonval.Document{w.Finish()}, nil
}

// injectDocs rebinds the innermost level of a tree to literal input
// rows, leaving the shared tree untouched.
func injectDocs(sel *qcode.Select, docs []bsonval.Document) *qcode.Select {
	cp := *sel
	if cp.From != nil {
		cp.From = injectDocs(cp.From, docs)
	} else {
		cp.Table = ""
		cp.Docs = docs
	}
	return &cp
}

func (ex *Executor) applyRecurse(ctx context.Context, r *qcode.Recurse, docs []bsonval.Document) ([]bsonval.Document, error) {
	rows, err := ex.Fetch(ctx, r.Table)
	if err != nil {
		return nil, err
	}
	restrict := project.NewMatcher(r.RestrictSearch, ex.Collation)
	out := make([]bsonval.Document, 0, len(docs))
	for _, d := range docs {
		seed, found, err := project.EvalExpr(r.StartWith, d, ex.vars(d))
		if err != nil {
			return nil, err
		}
		visited := roaring64.New()
		var collected []bsonval.Document
		var depths []int64

		frontier := []bsonval.Value{}
		if found {
			frontier = append(frontier, seed)
		}
		depth := int64(0)
		for len(frontier) != 0 {
			if r.MaxDepth >= 0 && depth > r.MaxDepth {
				break
			}
			var next []bsonval.Value
			for ri, row := range rows {
				if visited.Contains(uint64(ri)) {
					continue
				}
				to, tfound := bsonval.ExtractPath(bsonval.DocValue(row.Doc), r.ConnectToField, bsonval.ExtractOptions{})
				if !tfound {
					continue
				}
				hit := false
				for _, fv := range frontier {
					if frontierMatch(fv, to, ex.Collation) {
						hit = true
						break
					}
				}
				if !hit || !restrict.Matches(row.Doc) {
					continue
				}
				visited.Add(uint64(ri))
				collected = append(collected, row.Doc)
				depths = append(depths, depth)
				if from, ffound := bsonval.ExtractPath(bsonval.DocValue(row.Doc), r.ConnectFromField, bsonval.ExtractOptions{}); ffound {
					next = append(next, from)
				}
			}
			frontier = next
			depth++
		}

		aw := bsonval.NewArrayWriter()
		for i, c := range collected {
			if r.DepthField != "" {
				c = setField(c, r.DepthField, int64Value(depths[i]))
			}
			aw.AppendDoc(c)
		}
		out = append(out, setField(d, r.As, bsonval.Value{Type: bsoncore.TypeArray, Data: aw.Finish()}))
	}
	return out, nil
}

// frontierMatch matches a traversal frontier value against a
// connectToField value, honoring array fan-out on both sides.
func frontierMatch(from, to bsonval.Value, coll *bsonval.Collation) bool {
	if joinEq(from, to, coll) {
		return true
	}
	if from.Type == bsoncore.TypeArray {
		elems, _ := bsonval.Elements(bsonval.Document(from.Data))
		for _, el := range elems {
			if joinEq(el.Value, to, coll) {
				return true
			}
		}
	}
	return false
}

func (ex *Executor) sortDocs(order []qcode.OrderBy, docs []bsonval.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		return ex.docLess(order, docs[i], docs[j])
	})
}

func (ex *Executor) docLess(order []qcode.OrderBy, a, b bsonval.Document) bool {
	for _, o := range order {
		av, afound := bsonval.ExtractPath(bsonval.DocValue(a), o.Path, bsonval.ExtractOptions{})
		bv, bfound := bsonval.ExtractPath(bsonval.DocValue(b), o.Path, bsonval.ExtractOptions{})
		if !afound {
			av = bsonval.Null()
		}
		if !bfound {
			bv = bsonval.Null()
		}
		c := bsonval.Compare(av, bv, ex.Collation)
		if c == 0 {
			continue
		}
		if o.Desc {
			return c > 0
		}
		return c < 0
	}
	return false
}

// setField rewrites doc with the dotted path set to v, creating
// intermediate documents as needed.
func setField(doc bsonval.Document, path string, v bsonval.Value) bsonval.Document {
	segs := strings.Split(path, ".")
	return setFieldSegs(doc, segs, v)
}

func setFieldSegs(doc bsonval.Document, segs []string, v bsonval.Value) bsonval.Document {
	w := bsonval.NewDocWriter()
	done := false
	elems, _ := bsonval.Elements(doc)
	for _, e := range elems {
		if e.Name != segs[0] {
			w.AppendValue(e.Name, e.Value)
			continue
		}
		done = true
		if len(segs) == 1 {
			w.AppendValue(e.Name, v)
		} else if e.Value.Type == bsoncore.TypeEmbeddedDocument {
			sub := setFieldSegs(bsonval.Document(e.Value.Data), segs[1:], v)
			w.AppendValue(e.Name, bsonval.DocValue(sub))
		} else {
			sub := setFieldSegs(emptyDoc(), segs[1:], v)
			w.AppendValue(e.Name, bsonval.DocValue(sub))
		}
	}
	if !done {
		if len(segs) == 1 {
			w.AppendValue(segs[0], v)
		} else {
			sub := setFieldSegs(emptyDoc(), segs[1:], v)
			w.AppendValue(segs[0], bsonval.DocValue(sub))
		}
	}
	return w.Finish()
}

func emptyDoc() bsonval.Document {
	return bsonval.Document([]byte{5, 0, 0, 0, 0})
}

func copyValue(v bsonval.Value) bsonval.Value {
	return bsonval.Value{Type: v.Type, Data: copyBytes(v.Data)}
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func valueStr(v bsonval.Value) (string, bool) {
	if v.Type != bsoncore.TypeString || len(v.Data) < 5 {
		return "", false
	}
	l := int(int32(uint32(v.Data[0]) | uint32(v.Data[1])<<8 | uint32(v.Data[2])<<16 | uint32(v.Data[3])<<24))
	if l < 1 || 4+l > len(v.Data) {
		return "", false
	}
	return string(v.Data[4 : 4+l-1]), true
}

func valueInt(v bsonval.Value) (int64, bool) {
	switch v.Type {
	case bsoncore.TypeInt32:
		return int64(int32(uint32(v.Data[0]) | uint32(v.Data[1])<<8 | uint32(v.Data[2])<<16 | uint32(v.Data[3])<<24)), true
	case bsoncore.TypeInt64:
		var u uint64
		for i := 7; i >= 0; i-- {
			u = u<<8 | uint64(v.Data[i])
		}
		return int64(u), true
	case bsoncore.TypeDouble:
		f, ok := valueFloat(v)
		if !ok || f != math.Trunc(f) {
			return 0, false
		}
		return int64(f), true
	default:
		return 0, false
	}
}

func valueFloat(v bsonval.Value) (float64, bool) {
	switch v.Type {
	case bsoncore.TypeInt32, bsoncore.TypeInt64:
		i, _ := valueInt(v)
		return float64(i), true
	case bsoncore.TypeDouble:
		var u uint64
		for i := 7; i >= 0; i-- {
			u = u<<8 | uint64(v.Data[i])
		}
		return math.Float64frombits(u), true
	default:
		return 0, false
	}
}

func int64Value(i int64) bsonval.Value {
	b := make([]byte, 8)
	for k := 0; k < 8; k++ {
		b[k] = byte(i >> (8 * k))
	}
	return bsonval.Value{Type: bsoncore.TypeInt64, Data: b}
}

func doubleValue(f float64) bsonval.Value {
	u := math.Float64bits(f)
	b := make([]byte, 8)
	for k := 0; k < 8; k++ {
		b[k] = byte(u >> (8 * k))
	}
	return bsonval.Value{Type: bsoncore.TypeDouble, Data: b}
}
