package pipeline

import (
	"encoding/binary"
	"math"
	"strings"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/pathtree"
	"github.com/stratumdb/stratum/core/internal/qcode"
)

// ensure wraps the current level when it already carries a conflicting
// construct.
func ensure(q *qcode.Select, occupied bool) *qcode.Select {
	if occupied {
		return q.Wrap()
	}
	return q
}

func compileProject(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	doc, err := specDoc("$project", spec)
	if err != nil {
		return nil, err
	}
	// validate by building the path tree now; the executor rebuilds it
	// from the spec at plan time
	if _, err := pathtree.Build(doc, pathtree.Options{}); err != nil {
		return nil, &StageError{Code: "StageSpecInvalid", Stage: "$project", Msg: err.Error()}
	}
	q = ensure(q, q.Project != nil || q.Group != nil || q.CountAs != "" || len(q.Facets) != 0)
	q.Project = &qcode.Projection{Spec: doc}
	return q, nil
}

func compileAddFields(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	doc, err := specDoc("$addFields", spec)
	if err != nil {
		return nil, err
	}
	elems, err := bsonval.Elements(doc)
	if err != nil || len(elems) == 0 {
		return nil, specInvalid("$addFields", "requires at least one field")
	}
	for _, e := range elems {
		if strings.HasPrefix(e.Name, "$") {
			return nil, specInvalid("$addFields", "field names may not start with '$'")
		}
	}
	q = ensure(q, q.Project != nil || q.Group != nil || q.CountAs != "")
	q.Project = &qcode.Projection{Spec: doc, AddFields: true}
	return q, nil
}

func compileUnset(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	var paths []string
	switch spec.Type {
	case bsoncore.TypeString:
		s, _ := valueString(spec)
		paths = []string{s}
	case bsoncore.TypeArray:
		elems, err := bsonval.Elements(bsonval.Document(spec.Data))
		if err != nil {
			return nil, specInvalid("$unset", "%v", err)
		}
		for _, e := range elems {
			s, ok := valueString(e.Value)
			if !ok {
				return nil, specInvalid("$unset", "arguments must be strings")
			}
			paths = append(paths, s)
		}
	default:
		return nil, specInvalid("$unset", "requires a string or array of strings")
	}
	if len(paths) == 0 {
		return nil, specInvalid("$unset", "requires at least one path")
	}
	q = ensure(q, q.Project != nil || q.Group != nil)
	q.Project = &qcode.Projection{Unset: paths}
	return q, nil
}

func compileReplaceRoot(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	doc, err := specDoc("$replaceRoot", spec)
	if err != nil {
		return nil, err
	}
	nr, ok := bsonval.Lookup(doc, "newRoot")
	if !ok {
		return nil, specInvalid("$replaceRoot", "requires newRoot")
	}
	q = ensure(q, q.ReplaceRoot.Type != 0 || q.Project != nil || q.Group != nil)
	q.ReplaceRoot = nr
	return q, nil
}

func compileReplaceWith(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	q = ensure(q, q.ReplaceRoot.Type != 0 || q.Project != nil || q.Group != nil)
	q.ReplaceRoot = spec
	return q, nil
}

func compileGroup(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	doc, err := specDoc("$group", spec)
	if err != nil {
		return nil, err
	}
	g, err := parseGroup(doc)
	if err != nil {
		return nil, err
	}
	q = ensure(q, !q.IsBare())
	q.Group = g
	return q, nil
}

func parseGroup(doc bsonval.Document) (*qcode.GroupBy, error) {
	g := &qcode.GroupBy{}
	elems, err := bsonval.Elements(doc)
	if err != nil {
		return nil, specInvalid("$group", "%v", err)
	}
	idSeen := false
	for _, e := range elems {
		if e.Name == "_id" {
			g.KeyExpr = e.Value
			idSeen = true
			continue
		}
		if e.Value.Type != bsoncore.TypeEmbeddedDocument {
			return nil, specInvalid("$group", "accumulator %q must be a document", e.Name)
		}
		it, _ := bsonval.Iterate(bsonval.Document(e.Value.Data))
		op, arg, ok := it.Next()
		if !ok || !strings.HasPrefix(op, "$") {
			return nil, specInvalid("$group", "accumulator %q must use a $-operator", e.Name)
		}
		switch op {
		case "$sum", "$avg", "$min", "$max", "$first", "$last", "$push", "$addToSet", "$count":
		default:
			return nil, notSupported("$group", "accumulator "+op)
		}
		g.Accums = append(g.Accums, qcode.Accumulator{Name: e.Name, Op: op, Arg: arg})
	}
	if !idSeen {
		return nil, specInvalid("$group", "requires _id")
	}
	return g, nil
}

func compileBucket(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	doc, err := specDoc("$bucket", spec)
	if err != nil {
		return nil, err
	}
	if _, ok := bsonval.Lookup(doc, "groupBy"); !ok {
		return nil, specInvalid("$bucket", "requires groupBy")
	}
	bounds, ok := bsonval.Lookup(doc, "boundaries")
	if !ok || bounds.Type != bsoncore.TypeArray {
		return nil, specInvalid("$bucket", "requires boundaries array")
	}
	if bsonval.ArrayLen(bsonval.Document(bounds.Data)) < 2 {
		return nil, specInvalid("$bucket", "needs at least two boundaries")
	}
	return lowerBucket(doc, q)
}

func compileBucketAuto(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	doc, err := specDoc("$bucketAuto", spec)
	if err != nil {
		return nil, err
	}
	if _, ok := bsonval.Lookup(doc, "groupBy"); !ok {
		return nil, specInvalid("$bucketAuto", "requires groupBy")
	}
	n, ok := bsonval.Lookup(doc, "buckets")
	if !ok {
		return nil, specInvalid("$bucketAuto", "requires buckets")
	}
	if i, ok := intValue(n); !ok || i <= 0 {
		return nil, specInvalid("$bucketAuto", "buckets must be a positive integer")
	}
	return lowerBucket(doc, q)
}

// lowerBucket reduces bucket stages to a group over the bucket key; the
// substrate's bson_group computes bucket assignment from the carried
// spec.
func lowerBucket(doc bsonval.Document, q *qcode.Select) (*qcode.Select, error) {
	groupBy, _ := bsonval.Lookup(doc, "groupBy")
	g := &qcode.GroupBy{KeyExpr: groupBy}
	if outSpec, ok := bsonval.Lookup(doc, "output"); ok && outSpec.Type == bsoncore.TypeEmbeddedDocument {
		og, err := parseGroup(withSyntheticID(bsonval.Document(outSpec.Data)))
		if err != nil {
			return nil, err
		}
		g.Accums = og.Accums
	} else {
		g.Accums = []qcode.Accumulator{{Name: "count", Op: "$count"}}
	}
	q = ensure(q, !q.IsBare())
	q.Group = g
	return q, nil
}

// withSyntheticID prefixes an output spec with a placeholder _id so it
// parses through the $group validator.
func withSyntheticID(output bsonval.Document) bsonval.Document {
	w := bsonval.NewDocWriter()
	w.AppendNull("_id")
	elems, _ := bsonval.Elements(output)
	for _, e := range elems {
		w.AppendValue(e.Name, e.Value)
	}
	return w.Finish()
}

func compileSortByCount(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	switch spec.Type {
	case bsoncore.TypeString:
		s, ok := valueString(spec)
		if !ok || !strings.HasPrefix(s, "$") {
			return nil, specInvalid("$sortByCount", "requires a field path or expression")
		}
	case bsoncore.TypeEmbeddedDocument:
	default:
		return nil, specInvalid("$sortByCount", "requires a field path or expression")
	}
	q = ensure(q, !q.IsBare())
	q.Group = &qcode.GroupBy{
		KeyExpr: spec,
		Accums:  []qcode.Accumulator{{Name: "count", Op: "$count"}},
	}
	q = q.Wrap()
	q.Order = []qcode.OrderBy{{Path: "count", Desc: true}}
	return q, nil
}

func compileSort(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	doc, err := specDoc("$sort", spec)
	if err != nil {
		return nil, err
	}
	order, err := ParseSortSpec(doc)
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return nil, specInvalid("$sort", "requires at least one key")
	}
	q = ensure(q, len(q.Order) != 0 || q.Limit >= 0 || q.Offset > 0)
	q.Order = order
	bctx.SortSpec = order
	return q, nil
}

// ParseSortSpec parses {path: ±1 | {$meta: name}} documents; shared with
// the find command path.
func ParseSortSpec(doc bsonval.Document) ([]qcode.OrderBy, error) {
	elems, err := bsonval.Elements(doc)
	if err != nil {
		return nil, specInvalid("$sort", "%v", err)
	}
	var out []qcode.OrderBy
	for _, e := range elems {
		switch e.Value.Type {
		case bsoncore.TypeEmbeddedDocument:
			meta, ok := bsonval.Lookup(bsonval.Document(e.Value.Data), "$meta")
			if !ok {
				return nil, specInvalid("$sort", "bad sort value for %q", e.Name)
			}
			name, _ := valueString(meta)
			out = append(out, qcode.OrderBy{Path: e.Name, Desc: true, Meta: name})
		default:
			dir, ok := intValue(e.Value)
			if !ok || (dir != 1 && dir != -1) {
				return nil, specInvalid("$sort", "sort direction must be 1 or -1")
			}
			out = append(out, qcode.OrderBy{Path: e.Name, Desc: dir < 0})
		}
	}
	return out, nil
}

func compileLimit(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	n, ok := intValue(spec)
	if !ok || n < 0 {
		return nil, specInvalid("$limit", "requires a non-negative integer")
	}
	if q.Limit >= 0 && q.Limit < n {
		return q, nil // tighter limit already in place
	}
	q.Limit = n
	return q, nil
}

func compileSkip(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	n, ok := intValue(spec)
	if !ok || n < 0 {
		return nil, specInvalid("$skip", "requires a non-negative integer")
	}
	q = ensure(q, q.Limit >= 0)
	q.Offset += n
	return q, nil
}

func compileSample(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	doc, err := specDoc("$sample", spec)
	if err != nil {
		return nil, err
	}
	sv, ok := bsonval.Lookup(doc, "size")
	if !ok {
		return nil, specInvalid("$sample", "requires size")
	}
	n, ok := intValue(sv)
	if !ok || n < 0 {
		return nil, specInvalid("$sample", "size must be a non-negative integer")
	}
	q = ensure(q, !q.IsBare())
	q.Sample = n
	return q, nil
}

func compileCount(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	name, ok := valueString(spec)
	if !ok || name == "" || strings.HasPrefix(name, "$") || strings.Contains(name, ".") {
		return nil, specInvalid("$count", "requires a plain field name")
	}
	q = ensure(q, !q.IsBare())
	q.CountAs = name
	return q, nil
}

func compileUnwind(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	path, preserve, includeIdx, ok := unwindTarget(spec)
	if !ok {
		return nil, specInvalid("$unwind", "requires a $-prefixed path")
	}
	q = ensure(q, q.Project != nil || q.Group != nil || len(q.Order) != 0 || q.Limit >= 0)
	q.Unwinds = append(q.Unwinds, qcode.Unwind{
		Path:                       "$" + path,
		IncludeArrayIndex:          includeIdx,
		PreserveNullAndEmptyArrays: preserve,
	})
	return q, nil
}

func intValue(v bsonval.Value) (int64, bool) {
	switch v.Type {
	case bsoncore.TypeInt32:
		return int64(int32(binary.LittleEndian.Uint32(v.Data))), true
	case bsoncore.TypeInt64:
		return int64(binary.LittleEndian.Uint64(v.Data)), true
	case bsoncore.TypeDouble:
		f := math.Float64frombits(binary.LittleEndian.Uint64(v.Data))
		if f != math.Trunc(f) {
			return 0, false
		}
		return int64(f), true
	default:
		return 0, false
	}
}
