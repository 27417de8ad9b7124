package project

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/pathtree"
)

func doc(t *testing.T, v bson.D) bsonval.Document {
	t.Helper()
	raw, err := bson.Marshal(v)
	require.NoError(t, err)
	d, err := bsonval.Decode(raw)
	require.NoError(t, err)
	return d
}

func unmarshal(t *testing.T, d bsonval.Document) bson.D {
	t.Helper()
	var out bson.D
	require.NoError(t, bson.Unmarshal([]byte(d), &out))
	return out
}

func projectDoc(t *testing.T, src, projSpec, query bson.D, opts pathtree.Options, popts Options) bson.D {
	t.Helper()
	var q bsonval.Document
	if query != nil {
		q = doc(t, query)
		opts.Query = q
	}
	tree, err := pathtree.Build(doc(t, projSpec), opts)
	require.NoError(t, err)
	p := New(tree, q, popts)
	out, err := p.Apply(doc(t, src))
	require.NoError(t, err)
	return unmarshal(t, out)
}

func TestInclusionProjection(t *testing.T) {
	// S1 from the compatibility suite
	got := projectDoc(t,
		bson.D{
			{Key: "_id", Value: int32(1)},
			{Key: "a", Value: bson.D{{Key: "b", Value: int32(2)}, {Key: "c", Value: int32(3)}}},
			{Key: "d", Value: int32(4)},
		},
		bson.D{{Key: "a.b", Value: int32(1)}},
		nil, pathtree.Options{}, Options{})
	want := bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "a", Value: bson.D{{Key: "b", Value: int32(2)}}},
	}
	assert.Equal(t, want, got)
}

func TestInclusionDropsID(t *testing.T) {
	got := projectDoc(t,
		bson.D{{Key: "_id", Value: int32(1)}, {Key: "a", Value: int32(2)}},
		bson.D{{Key: "_id", Value: int32(0)}, {Key: "a", Value: int32(1)}},
		nil, pathtree.Options{}, Options{})
	assert.Equal(t, bson.D{{Key: "a", Value: int32(2)}}, got)
}

func TestExclusionProjection(t *testing.T) {
	got := projectDoc(t,
		bson.D{
			{Key: "_id", Value: int32(1)},
			{Key: "a", Value: bson.D{{Key: "b", Value: int32(2)}, {Key: "c", Value: int32(3)}}},
			{Key: "d", Value: int32(4)},
		},
		bson.D{{Key: "a.c", Value: int32(0)}},
		nil, pathtree.Options{}, Options{})
	want := bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "a", Value: bson.D{{Key: "b", Value: int32(2)}}},
		{Key: "d", Value: int32(4)},
	}
	assert.Equal(t, want, got)
}

func TestInclusionOverArray(t *testing.T) {
	got := projectDoc(t,
		bson.D{{Key: "arr", Value: bson.A{
			bson.D{{Key: "x", Value: int32(1)}, {Key: "y", Value: int32(2)}},
			bson.D{{Key: "y", Value: int32(3)}},
			int32(7),
		}}},
		bson.D{{Key: "arr.x", Value: int32(1)}},
		nil, pathtree.Options{}, Options{})
	want := bson.D{{Key: "arr", Value: bson.A{
		bson.D{{Key: "x", Value: int32(1)}},
		bson.D{},
	}}}
	assert.Equal(t, want, got)
}

func TestPositionalProjection(t *testing.T) {
	// S2 from the compatibility suite
	got := projectDoc(t,
		bson.D{{Key: "grades", Value: bson.A{
			bson.D{{Key: "s", Value: "math"}, {Key: "g", Value: int32(85)}},
			bson.D{{Key: "s", Value: "eng"}, {Key: "g", Value: int32(90)}},
		}}},
		bson.D{{Key: "grades.$", Value: int32(1)}},
		bson.D{{Key: "grades.g", Value: bson.D{{Key: "$gte", Value: int32(90)}}}},
		pathtree.Options{FindProjection: true}, Options{})
	want := bson.D{{Key: "grades", Value: bson.A{
		bson.D{{Key: "s", Value: "eng"}, {Key: "g", Value: int32(90)}},
	}}}
	assert.Equal(t, want, got)
}

func TestElemMatchProjectionDeferred(t *testing.T) {
	got := projectDoc(t,
		bson.D{
			{Key: "_id", Value: int32(9)},
			{Key: "items", Value: bson.A{
				bson.D{{Key: "k", Value: "a"}, {Key: "v", Value: int32(1)}},
				bson.D{{Key: "k", Value: "b"}, {Key: "v", Value: int32(2)}},
			}},
			{Key: "tail", Value: "z"},
		},
		bson.D{{Key: "items", Value: bson.D{{Key: "$elemMatch", Value: bson.D{{Key: "k", Value: "b"}}}}}},
		nil, pathtree.Options{FindProjection: true}, Options{})
	// deferred $elemMatch output lands after the directly-emitted fields
	want := bson.D{
		{Key: "_id", Value: int32(9)},
		{Key: "items", Value: bson.A{
			bson.D{{Key: "k", Value: "b"}, {Key: "v", Value: int32(2)}},
		}},
	}
	assert.Equal(t, want, got)
}

func TestSliceProjectionKeepsSiblings(t *testing.T) {
	got := projectDoc(t,
		bson.D{
			{Key: "_id", Value: int32(1)},
			{Key: "items", Value: bson.A{int32(1), int32(2), int32(3), int32(4)}},
			{Key: "other", Value: "keep"},
		},
		bson.D{{Key: "items", Value: bson.D{{Key: "$slice", Value: int32(2)}}}},
		nil, pathtree.Options{FindProjection: true}, Options{})
	want := bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "items", Value: bson.A{int32(1), int32(2)}},
		{Key: "other", Value: "keep"},
	}
	assert.Equal(t, want, got)
}

func TestSliceNegative(t *testing.T) {
	got := projectDoc(t,
		bson.D{{Key: "items", Value: bson.A{int32(1), int32(2), int32(3)}}},
		bson.D{{Key: "items", Value: bson.D{{Key: "$slice", Value: int32(-2)}}}},
		nil, pathtree.Options{FindProjection: true}, Options{})
	assert.Equal(t, bson.D{{Key: "items", Value: bson.A{int32(2), int32(3)}}}, got)
}

func TestExpressionProjection(t *testing.T) {
	got := projectDoc(t,
		bson.D{{Key: "_id", Value: int32(1)}, {Key: "a", Value: int32(3)}, {Key: "b", Value: int32(4)}},
		bson.D{{Key: "total", Value: bson.D{{Key: "$add", Value: bson.A{"$a", "$b"}}}}},
		nil, pathtree.Options{}, Options{})
	assert.Equal(t, bson.D{{Key: "_id", Value: int32(1)}, {Key: "total", Value: int64(7)}}, got)
}

func TestExpressionSystemVariables(t *testing.T) {
	snap := TimeSnapshot{NowMillis: 1700000000000}
	got := projectDoc(t,
		bson.D{{Key: "_id", Value: int32(1)}},
		bson.D{{Key: "at", Value: "$$NOW"}},
		nil, pathtree.Options{}, Options{Snapshot: snap})
	require.Len(t, got, 2)
	assert.Equal(t, "at", got[1].Key)
	dt, ok := got[1].Value.(bson.DateTime)
	require.True(t, ok)
	assert.Equal(t, int64(1700000000000), int64(dt))
}

func TestNullOnEmpty(t *testing.T) {
	got := projectDoc(t,
		bson.D{{Key: "_id", Value: int32(1)}},
		bson.D{{Key: "missing", Value: int32(1)}},
		nil, pathtree.Options{}, Options{NullOnEmpty: true})
	assert.Equal(t, bson.D{{Key: "_id", Value: int32(1)}, {Key: "missing", Value: nil}}, got)
}

func TestMatcherOperators(t *testing.T) {
	d := doc(t, bson.D{
		{Key: "a", Value: int32(5)},
		{Key: "s", Value: "hello"},
		{Key: "arr", Value: bson.A{int32(1), int32(2), int32(3)}},
		{Key: "flags", Value: int32(0b1010)},
	})
	tests := []struct {
		q    bson.D
		want bool
	}{
		{bson.D{{Key: "a", Value: int32(5)}}, true},
		{bson.D{{Key: "a", Value: bson.D{{Key: "$gt", Value: int32(4)}}}}, true},
		{bson.D{{Key: "a", Value: bson.D{{Key: "$gt", Value: "4"}}}}, false},
		{bson.D{{Key: "a", Value: bson.D{{Key: "$gte", Value: int32(5)}, {Key: "$lt", Value: int32(6)}}}}, true},
		{bson.D{{Key: "arr", Value: int32(2)}}, true},
		{bson.D{{Key: "arr", Value: bson.D{{Key: "$size", Value: int32(3)}}}}, true},
		{bson.D{{Key: "arr", Value: bson.D{{Key: "$all", Value: bson.A{int32(1), int32(3)}}}}}, true},
		{bson.D{{Key: "missing", Value: bson.D{{Key: "$exists", Value: false}}}}, true},
		{bson.D{{Key: "s", Value: bson.D{{Key: "$regex", Value: "^he"}}}}, true},
		{bson.D{{Key: "a", Value: bson.D{{Key: "$in", Value: bson.A{int32(4), int32(5)}}}}}, true},
		{bson.D{{Key: "a", Value: bson.D{{Key: "$nin", Value: bson.A{int32(4), int32(5)}}}}}, false},
		{bson.D{{Key: "a", Value: bson.D{{Key: "$mod", Value: bson.A{int32(2), int32(1)}}}}}, true},
		{bson.D{{Key: "a", Value: bson.D{{Key: "$type", Value: "int"}}}}, true},
		{bson.D{{Key: "flags", Value: bson.D{{Key: "$bitsAllSet", Value: int32(0b1010)}}}}, true},
		{bson.D{{Key: "flags", Value: bson.D{{Key: "$bitsAnyClear", Value: int32(0b0101)}}}}, true},
		{bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "a", Value: int32(9)}},
			bson.D{{Key: "s", Value: "hello"}},
		}}}, true},
		{bson.D{{Key: "$nor", Value: bson.A{bson.D{{Key: "a", Value: int32(5)}}}}}, false},
	}
	for _, tc := range tests {
		m := NewMatcher(doc(t, tc.q), nil)
		assert.Equal(t, tc.want, m.Matches(d), "query %v", tc.q)
	}
}

func TestEvalExprOperators(t *testing.T) {
	d := doc(t, bson.D{
		{Key: "a", Value: int32(2)},
		{Key: "b", Value: int32(3)},
		{Key: "name", Value: "ada"},
		{Key: "arr", Value: bson.A{int32(10), int32(20)}},
	})
	vars := NewVariables(d, TimeSnapshot{})
	eval := func(e bson.D) bsonval.Value {
		spec := doc(t, bson.D{{Key: "e", Value: e}})
		ev, _ := bsonval.Lookup(spec, "e")
		v, _, err := EvalExpr(ev, d, vars)
		require.NoError(t, err)
		return v
	}

	v := eval(bson.D{{Key: "$multiply", Value: bson.A{"$a", "$b", int32(2)}}})
	assert.Equal(t, 0, bsonval.Compare(v, int64Val(12), nil))

	v = eval(bson.D{{Key: "$concat", Value: bson.A{"$name", "!"}}})
	assert.Equal(t, 0, bsonval.Compare(v, stringValue("ada!"), nil))

	v = eval(bson.D{{Key: "$cond", Value: bson.D{
		{Key: "if", Value: bson.D{{Key: "$gt", Value: bson.A{"$a", "$b"}}}},
		{Key: "then", Value: "yes"},
		{Key: "else", Value: "no"},
	}}})
	assert.Equal(t, 0, bsonval.Compare(v, stringValue("no"), nil))

	v = eval(bson.D{{Key: "$arrayElemAt", Value: bson.A{"$arr", int32(-1)}}})
	assert.Equal(t, 0, bsonval.Compare(v, int32Val(20), nil))

	v = eval(bson.D{{Key: "$let", Value: bson.D{
		{Key: "vars", Value: bson.D{{Key: "x", Value: "$a"}}},
		{Key: "in", Value: bson.D{{Key: "$add", Value: bson.A{"$$x", int32(1)}}}},
	}}})
	assert.Equal(t, 0, bsonval.Compare(v, int64Val(3), nil))

	v = eval(bson.D{{Key: "$ifNull", Value: bson.A{"$missing", "fallback"}}})
	assert.Equal(t, 0, bsonval.Compare(v, stringValue("fallback"), nil))
}

func TestPositionalOutermostWins(t *testing.T) {
	// Two candidate elements of one array: the $ slot is evaluated once and
	// keeps the element the query matches.
	got := projectDoc(t,
		bson.D{{Key: "a", Value: bson.A{
			bson.D{{Key: "n", Value: int32(1)}},
			bson.D{{Key: "n", Value: int32(2)}},
		}}},
		bson.D{{Key: "a.$", Value: int32(1)}},
		bson.D{{Key: "a.n", Value: int32(2)}},
		pathtree.Options{FindProjection: true}, Options{})
	want := bson.D{{Key: "a", Value: bson.A{bson.D{{Key: "n", Value: int32(2)}}}}}
	assert.Equal(t, want, got)
}
