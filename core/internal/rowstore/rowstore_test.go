package rowstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/qcode"
)

func mustDoc(t *testing.T, v bson.D) bsonval.Document {
	t.Helper()
	raw, err := bson.Marshal(v)
	require.NoError(t, err)
	d, err := bsonval.Decode(raw)
	require.NoError(t, err)
	return d
}

func mustVal(t *testing.T, v any) bsonval.Value {
	t.Helper()
	d := mustDoc(t, bson.D{{Key: "v", Value: v}})
	out, ok := bsonval.Lookup(d, "v")
	require.True(t, ok)
	return out
}

func asBsonD(t *testing.T, d bsonval.Document) bson.D {
	t.Helper()
	var out bson.D
	require.NoError(t, bson.Unmarshal([]byte(d), &out))
	return out
}

// seedStore loads a store with an orders and an items table.
func seedStore(t *testing.T) *MemStore {
	t.Helper()
	s := NewMemStore()
	ctx := context.Background()
	h, err := s.CreateCollection(ctx, "app", "orders")
	require.NoError(t, err)
	rows := []bson.D{
		{{Key: "_id", Value: int32(1)}, {Key: "cat", Value: "a"}, {Key: "qty", Value: int32(5)}, {Key: "item", Value: int32(10)}},
		{{Key: "_id", Value: int32(2)}, {Key: "cat", Value: "b"}, {Key: "qty", Value: int32(3)}, {Key: "item", Value: int32(11)}},
		{{Key: "_id", Value: int32(3)}, {Key: "cat", Value: "a"}, {Key: "qty", Value: int32(7)}, {Key: "item", Value: int32(12)}},
		{{Key: "_id", Value: int32(4)}, {Key: "cat", Value: "c"}, {Key: "qty", Value: int32(1)}, {Key: "item", Value: int32(99)}},
	}
	for i, r := range rows {
		require.NoError(t, s.Insert(ctx, h, Row{
			Locator: Locator{ShardKey: []byte{byte(i)}, ObjectID: []byte{byte(i)}},
			Doc:     mustDoc(t, r),
		}))
	}
	hi, err := s.CreateCollection(ctx, "app", "items")
	require.NoError(t, err)
	items := []bson.D{
		{{Key: "_id", Value: int32(10)}, {Key: "name", Value: "apple"}},
		{{Key: "_id", Value: int32(11)}, {Key: "name", Value: "pear"}},
		{{Key: "_id", Value: int32(12)}, {Key: "name", Value: "plum"}},
	}
	for i, r := range items {
		require.NoError(t, s.Insert(ctx, hi, Row{
			Locator: Locator{ShardKey: []byte{0x10, byte(i)}, ObjectID: []byte{byte(i)}},
			Doc:     mustDoc(t, r),
		}))
	}
	return s
}

func runSel(t *testing.T, s *MemStore, sel *qcode.Select) []bson.D {
	t.Helper()
	h := Handle{Database: "app", Collection: "orders", Table: "app.orders"}
	st, err := s.Scan(context.Background(), h, sel, nil)
	require.NoError(t, err)
	defer st.Close()
	var out []bson.D
	for {
		r, ok, err := st.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, asBsonD(t, r.Doc))
	}
}

func TestScanFilterSortLimit(t *testing.T) {
	s := seedStore(t)
	sel := qcode.NewSelect("app.orders")
	e := qcode.NewExp(qcode.OpGreaterOrEquals)
	e.Path = "qty"
	e.Val = mustVal(t, int32(3))
	sel.Where = e
	sel.Order = []qcode.OrderBy{{Path: "qty", Desc: true}}
	sel.Limit = 2

	got := runSel(t, s, sel)
	require.Len(t, got, 2)
	assert.Equal(t, int32(3), got[0][0].Value) // _id 3, qty 7
	assert.Equal(t, int32(1), got[1][0].Value) // _id 1, qty 5
}

func TestScanGroup(t *testing.T) {
	s := seedStore(t)
	sel := qcode.NewSelect("app.orders")
	sel.Group = &qcode.GroupBy{
		KeyExpr: mustVal(t, "$cat"),
		Accums: []qcode.Accumulator{
			{Name: "total", Op: "$sum", Arg: mustVal(t, "$qty")},
			{Name: "n", Op: "$count"},
		},
	}
	outer := sel.Wrap()
	outer.Order = []qcode.OrderBy{{Path: "_id"}}

	got := runSel(t, s, outer)
	require.Len(t, got, 3)
	assert.Equal(t, bson.D{
		{Key: "_id", Value: "a"},
		{Key: "total", Value: int64(12)},
		{Key: "n", Value: int64(2)},
	}, got[0])
}

func TestScanJoinFused(t *testing.T) {
	s := seedStore(t)
	sel := qcode.NewSelect("app.orders")
	sel.Joins = []qcode.Join{{
		Kind:        qcode.JoinInner,
		Table:       "app.items",
		LocalPath:   "item",
		ForeignPath: "_id",
		As:          "it",
		Unwound:     true,
	}}
	sel.Order = []qcode.OrderBy{{Path: "_id"}}

	got := runSel(t, s, sel)
	// order 4 points to a missing item and drops out of the inner join
	require.Len(t, got, 3)
	first := got[0]
	itField := first[len(first)-1]
	assert.Equal(t, "it", itField.Key)
	assert.Equal(t, bson.D{{Key: "_id", Value: int32(10)}, {Key: "name", Value: "apple"}}, itField.Value)
}

func TestScanJoinMissingTableEmptyRightSide(t *testing.T) {
	s := seedStore(t)
	sel := qcode.NewSelect("app.orders")
	sel.Joins = []qcode.Join{{
		Kind:        qcode.JoinLeft,
		Table:       "app.nothere",
		LocalPath:   "item",
		ForeignPath: "_id",
		As:          "xs",
	}}
	got := runSel(t, s, sel)
	require.Len(t, got, 4)
	last := got[0][len(got[0])-1]
	assert.Equal(t, "xs", last.Key)
	assert.Equal(t, bson.A{}, last.Value)
}

func TestScanJoinPipelineLetCorrelated(t *testing.T) {
	s := seedStore(t)
	arm := qcode.NewSelect("app.items")
	e := qcode.NewExp(qcode.OpExpr)
	e.Val = mustVal(t, bson.D{{Key: "$eq", Value: bson.A{"$_id", "$$want"}}})
	arm.Where = e

	letRaw := mustDoc(t, bson.D{{Key: "want", Value: "$item"}})
	sel := qcode.NewSelect("app.orders")
	sel.Joins = []qcode.Join{{
		Kind:     qcode.JoinLeft,
		Table:    "app.items",
		As:       "it",
		Pipeline: arm,
		Let:      letRaw,
	}}
	sel.Order = []qcode.OrderBy{{Path: "_id"}}

	got := runSel(t, s, sel)
	require.Len(t, got, 4)

	// order 1 points at item 10: exactly that one item joins
	first := got[0][len(got[0])-1]
	assert.Equal(t, "it", first.Key)
	arr := first.Value.(bson.A)
	require.Len(t, arr, 1)
	assert.Equal(t, bson.D{{Key: "_id", Value: int32(10)}, {Key: "name", Value: "apple"}}, arr[0])

	// order 4 points at a missing item: empty right side, not the
	// uncorrelated full result
	last := got[3][len(got[3])-1]
	assert.Equal(t, bson.A{}, last.Value)
}

func TestScanUnwind(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	h, _ := s.CreateCollection(ctx, "app", "docs")
	require.NoError(t, s.Insert(ctx, h, Row{
		Locator: Locator{ShardKey: []byte{1}, ObjectID: []byte{1}},
		Doc: mustDoc(t, bson.D{
			{Key: "_id", Value: int32(1)},
			{Key: "tags", Value: bson.A{"x", "y"}},
		}),
	}))
	require.NoError(t, s.Insert(ctx, h, Row{
		Locator: Locator{ShardKey: []byte{2}, ObjectID: []byte{2}},
		Doc:     mustDoc(t, bson.D{{Key: "_id", Value: int32(2)}}),
	}))

	sel := qcode.NewSelect("app.docs")
	sel.Unwinds = []qcode.Unwind{{Path: "$tags", IncludeArrayIndex: "i"}}
	st, err := s.Scan(ctx, Handle{Table: "app.docs"}, sel, nil)
	require.NoError(t, err)
	var rows []bson.D
	for {
		r, ok, err := st.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		rows = append(rows, asBsonD(t, r.Doc))
	}
	require.Len(t, rows, 2)
	assert.Equal(t, "x", rows[0][1].Value)
	assert.Equal(t, int64(0), rows[0][2].Value)

	sel.Unwinds[0].PreserveNullAndEmptyArrays = true
	st, _ = s.Scan(ctx, Handle{Table: "app.docs"}, sel, nil)
	n := 0
	for {
		_, ok, err := st.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		n++
	}
	assert.Equal(t, 3, n)
}

func TestScanRecurseCycleSafe(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	h, _ := s.CreateCollection(ctx, "app", "emps")
	emps := []bson.D{
		{{Key: "_id", Value: int32(1)}, {Key: "name", Value: "a"}, {Key: "boss", Value: "b"}},
		{{Key: "_id", Value: int32(2)}, {Key: "name", Value: "b"}, {Key: "boss", Value: "a"}}, // cycle
		{{Key: "_id", Value: int32(3)}, {Key: "name", Value: "c"}, {Key: "boss", Value: "b"}},
	}
	for i, r := range emps {
		require.NoError(t, s.Insert(ctx, h, Row{
			Locator: Locator{ShardKey: []byte{byte(i)}, ObjectID: []byte{byte(i)}},
			Doc:     mustDoc(t, r),
		}))
	}
	sel := qcode.NewSelect("app.emps")
	e := qcode.NewExp(qcode.OpEquals)
	e.Path = "name"
	e.Val = mustVal(t, "c")
	sel.Recurse = &qcode.Recurse{
		Table:            "app.emps",
		StartWith:        mustVal(t, "$boss"),
		ConnectFromField: "boss",
		ConnectToField:   "name",
		As:               "chain",
		MaxDepth:         -1,
	}
	sel.Where = e

	st, err := s.Scan(ctx, Handle{Table: "app.emps"}, sel, nil)
	require.NoError(t, err)
	r, ok, err := st.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	out := asBsonD(t, r.Doc)
	chain, ok := out[len(out)-1].Value.(bson.A)
	require.True(t, ok)
	// b then a; the cycle back to b does not loop forever
	assert.Len(t, chain, 2)
}

func TestScanFacets(t *testing.T) {
	s := seedStore(t)
	arm1 := &qcode.Select{Limit: -1, Group: &qcode.GroupBy{
		KeyExpr: mustVal(t, "$cat"),
		Accums:  []qcode.Accumulator{{Name: "n", Op: "$count"}},
	}}
	arm2 := &qcode.Select{Limit: -1, CountAs: "total"}
	sel := qcode.NewSelect("app.orders")
	sel.Facets = []qcode.Facet{{Name: "byCat", Query: arm1}, {Name: "total", Query: arm2}}

	got := runSel(t, s, sel)
	require.Len(t, got, 1)
	assert.Equal(t, "byCat", got[0][0].Key)
	total := got[0][1].Value.(bson.A)
	require.Len(t, total, 1)
	assert.Equal(t, bson.D{{Key: "total", Value: int64(4)}}, total[0])
}

func TestScanDistinctAndCount(t *testing.T) {
	s := seedStore(t)
	sel := qcode.NewSelect("app.orders")
	sel.DistinctPath = "cat"
	got := runSel(t, s, sel)
	assert.Len(t, got, 3)

	sel = qcode.NewSelect("app.orders")
	sel.CountAs = "n"
	got = runSel(t, s, sel)
	require.Len(t, got, 1)
	assert.Equal(t, bson.D{{Key: "n", Value: int64(4)}}, got[0])
}

func TestPointReadAndConflict(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	h, err := s.OpenCollection(ctx, "app", "orders")
	require.NoError(t, err)

	r, found, err := s.PointRead(ctx, h, []byte{0}, []byte{0})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int32(1), asBsonD(t, r.Doc)[0].Value)

	_, found, err = s.PointRead(ctx, h, []byte{9}, []byte{9})
	require.NoError(t, err)
	assert.False(t, found)

	err = s.Insert(ctx, h, Row{Locator: Locator{ShardKey: []byte{0}, ObjectID: []byte{0}}})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.OpenCollection(ctx, "app", "missing")
	assert.ErrorIs(t, err, ErrNamespaceNotFound)
}

func TestProjectionThroughExecutor(t *testing.T) {
	s := seedStore(t)
	sel := qcode.NewSelect("app.orders")
	sel.Project = &qcode.Projection{Spec: mustDoc(t, bson.D{{Key: "cat", Value: int32(1)}})}
	sel.Order = []qcode.OrderBy{{Path: "_id"}}
	got := runSel(t, s, sel)
	require.Len(t, got, 4)
	assert.Equal(t, bson.D{{Key: "_id", Value: int32(1)}, {Key: "cat", Value: "a"}}, got[0])
}

func TestAddFieldsThroughExecutor(t *testing.T) {
	s := seedStore(t)
	sel := qcode.NewSelect("app.orders")
	sel.Project = &qcode.Projection{
		Spec:      mustDoc(t, bson.D{{Key: "double", Value: bson.D{{Key: "$multiply", Value: bson.A{"$qty", int32(2)}}}}}),
		AddFields: true,
	}
	sel.Order = []qcode.OrderBy{{Path: "_id"}}
	got := runSel(t, s, sel)
	require.Len(t, got, 4)
	last := got[0][len(got[0])-1]
	assert.Equal(t, "double", last.Key)
	assert.Equal(t, int64(10), last.Value)
}

func TestFillLocf(t *testing.T) {
	docs := []bsonval.Document{
		mustDoc(t, bson.D{{Key: "t", Value: int32(1)}, {Key: "v", Value: int32(10)}}),
		mustDoc(t, bson.D{{Key: "t", Value: int32(2)}}),
		mustDoc(t, bson.D{{Key: "t", Value: int32(3)}, {Key: "v", Value: int32(30)}}),
	}
	ex := &Executor{}
	out, err := ex.applyFill(&qcode.Fill{
		SortBy:  []qcode.OrderBy{{Path: "t"}},
		Methods: map[string]string{"v": "locf"},
	}, docs)
	require.NoError(t, err)
	var mid bson.D
	require.NoError(t, bson.Unmarshal([]byte(out[1]), &mid))
	assert.Equal(t, bson.D{{Key: "t", Value: int32(2)}, {Key: "v", Value: int32(10)}}, mid)
}

func TestUnionAll(t *testing.T) {
	s := seedStore(t)
	union := qcode.NewSelect("app.items")
	sel := qcode.NewSelect("app.orders")
	sel.Unions = []qcode.SetOp{{All: true, Query: union}}
	got := runSel(t, s, sel)
	assert.Len(t, got, 7)
}
