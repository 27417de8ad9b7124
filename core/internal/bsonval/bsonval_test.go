package bsonval

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
)

func mustDoc(t *testing.T, v any) Document {
	t.Helper()
	b, err := bson.Marshal(v)
	require.NoError(t, err)
	doc, err := Decode(b)
	require.NoError(t, err)
	return doc
}

func val(t *testing.T, v any) Value {
	t.Helper()
	doc := mustDoc(t, bson.D{{Key: "v", Value: v}})
	out, ok := Lookup(doc, "v")
	require.True(t, ok)
	return out
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		kind ErrKind
	}{
		{"empty", nil, ErrTruncated},
		{"short", []byte{5, 0, 0}, ErrTruncated},
		{"bad length", []byte{99, 0, 0, 0, 0}, ErrLengthMismatch},
		{"no terminator", []byte{5, 0, 0, 0, 1}, ErrMissingTerminator},
		{"unknown tag", append([]byte{9, 0, 0, 0, 0x20, 'a', 0}, 0, 0), ErrUnknownType},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.in)
			require.Error(t, err)
			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tc.kind, de.Kind)
		})
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	src := bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "s", Value: "hello"},
		{Key: "d", Value: 3.5},
		{Key: "b", Value: true},
		{Key: "n", Value: nil},
		{Key: "doc", Value: bson.D{{Key: "x", Value: int64(9)}}},
		{Key: "arr", Value: bson.A{int32(1), "two", bson.D{{Key: "y", Value: 3}}}},
	}
	raw, err := bson.Marshal(src)
	require.NoError(t, err)

	doc, err := Decode(raw)
	require.NoError(t, err)

	elems, err := Elements(doc)
	require.NoError(t, err)
	require.Len(t, elems, 7)
	assert.Equal(t, "_id", elems[0].Name)
	assert.Equal(t, bsoncore.TypeArray, elems[6].Value.Type)

	// Re-encode through the writer and decode again.
	w := NewDocWriter()
	for _, e := range elems {
		w.AppendValue(e.Name, e.Value)
	}
	out := w.Finish()
	assert.Equal(t, []byte(doc), []byte(out))
}

func TestDecodeDepthBound(t *testing.T) {
	inner, err := bson.Marshal(bson.D{})
	require.NoError(t, err)
	doc := Document(inner)
	for i := 0; i < MaxDepth+5; i++ {
		w := NewDocWriter()
		w.AppendValue("a", DocValue(doc))
		doc = w.Finish()
	}
	_, err = Decode(doc)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrDepthExceeded, de.Kind)
}

func TestCompareTypeOrder(t *testing.T) {
	ordered := []Value{
		{Type: bsoncore.TypeMinKey},
		{Type: bsoncore.TypeNull},
		val(t, int32(5)),
		val(t, "abc"),
		val(t, bson.D{{Key: "a", Value: 1}}),
		val(t, bson.A{1}),
		val(t, bson.Binary{Subtype: 0, Data: []byte{1}}),
		val(t, bson.NewObjectID()),
		val(t, true),
		val(t, bson.NewDateTimeFromTime(time.UnixMilli(1700000000000))),
		val(t, bson.Timestamp{T: 1, I: 1}),
		val(t, bson.Regex{Pattern: "a", Options: "i"}),
		{Type: bsoncore.TypeMaxKey},
	}
	for i := range ordered {
		for j := range ordered {
			got := Compare(ordered[i], ordered[j], nil)
			want := sign(i - j)
			assert.Equal(t, want, got, "i=%d j=%d", i, j)
		}
	}
}

func TestCompareAntisymmetry(t *testing.T) {
	vals := []Value{
		val(t, int32(1)), val(t, int64(1)), val(t, 1.0),
		val(t, int64(2)), val(t, "a"), val(t, "b"),
		val(t, bson.A{1, 2}), val(t, bson.A{1, 3}),
		val(t, bson.D{{Key: "a", Value: 1}}), val(t, bson.D{{Key: "a", Value: 2}}),
	}
	for _, a := range vals {
		for _, b := range vals {
			assert.Equal(t, Compare(a, b, nil), -Compare(b, a, nil))
		}
	}
}

func TestCompareNumericCrossWidth(t *testing.T) {
	d128 := func(s string) bson.Decimal128 {
		d, err := bson.ParseDecimal128(s)
		require.NoError(t, err)
		return d
	}
	tests := []struct {
		a, b any
		want int
	}{
		{int32(2), int64(2), 0},
		{int32(2), 2.0, 0},
		{int64(2), d128("2"), 0},
		{2.5, d128("2.5"), 0},
		{int64(3), 2.9, 1},
		{int64(1 << 62), float64(1 << 62), 0},
		{int64(1<<62 + 1), float64(1 << 62), 1},
		{d128("1E10"), int64(10000000000), 0},
		{d128("-0.1"), int32(0), -1},
	}
	for _, tc := range tests {
		got := Compare(val(t, tc.a), val(t, tc.b), nil)
		assert.Equal(t, tc.want, got, "%v vs %v", tc.a, tc.b)
	}
}

func TestCompareNaN(t *testing.T) {
	nan := val(t, nan64())
	one := val(t, 1.0)
	assert.Equal(t, -1, Compare(nan, one, nil))
	assert.Equal(t, 1, Compare(one, nan, nil))
	assert.Equal(t, 0, Compare(nan, nan, nil))
	// NaN still sorts above non-numeric lower classes
	assert.Equal(t, 1, Compare(nan, Null(), nil))
}

func TestCompareCollation(t *testing.T) {
	coll, err := NewCollation("en")
	require.NoError(t, err)
	a, b := val(t, "cote"), val(t, "côte")
	assert.NotEqual(t, 0, Compare(a, b, nil))
	assert.Equal(t, -1, Compare(a, b, coll))
}

func TestHashAgreesWithCompare(t *testing.T) {
	groups := [][]any{
		{int32(7), int64(7), 7.0},
		{"x", "x"},
		{bson.A{int32(1), int64(2)}, bson.A{1.0, int32(2)}},
		{bson.D{{Key: "a", Value: int32(1)}}, bson.D{{Key: "a", Value: int64(1)}}},
	}
	for _, g := range groups {
		first := Hash(val(t, g[0]))
		for _, v := range g[1:] {
			assert.Equal(t, first, Hash(val(t, v)), "%v", v)
		}
	}
	assert.NotEqual(t, Hash(val(t, int32(7))), Hash(val(t, int32(8))))
}

func TestExtractPath(t *testing.T) {
	doc := mustDoc(t, bson.D{
		{Key: "a", Value: bson.D{{Key: "b", Value: int32(2)}}},
		{Key: "arr", Value: bson.A{
			bson.D{{Key: "x", Value: int32(1)}},
			bson.D{{Key: "x", Value: int32(2)}},
			"scalar",
		}},
	})
	root := DocValue(doc)

	v, ok := ExtractPath(root, "a.b", ExtractOptions{})
	require.True(t, ok)
	assert.Equal(t, 0, Compare(v, val(t, int32(2)), nil))

	_, ok = ExtractPath(root, "a.z", ExtractOptions{})
	assert.False(t, ok)

	// numeric index
	v, ok = ExtractPath(root, "arr.1.x", ExtractOptions{})
	require.True(t, ok)
	assert.Equal(t, 0, Compare(v, val(t, int32(2)), nil))

	// map-style over array elements
	v, ok = ExtractPath(root, "arr.x", ExtractOptions{})
	require.True(t, ok)
	assert.Equal(t, 0, Compare(v, val(t, bson.A{int32(1), int32(2)}), nil))

	// disabled traversal
	_, ok = ExtractPath(root, "arr.x", ExtractOptions{NoArrayTraversal: true})
	assert.False(t, ok)
}

func TestWriterNesting(t *testing.T) {
	w := NewDocWriter()
	w.AppendInt32("_id", 1)
	w.BeginDoc("a")
	w.AppendString("s", "v")
	w.BeginArray("list")
	w.AppendInt64("", 10)
	w.AppendInt64("", 20)
	w.End()
	w.End()
	doc := w.Finish()

	want := mustDoc(t, bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "a", Value: bson.D{
			{Key: "s", Value: "v"},
			{Key: "list", Value: bson.A{int64(10), int64(20)}},
		}},
	})
	assert.Equal(t, []byte(want), []byte(doc))
}

func nan64() float64 { return math.NaN() }
