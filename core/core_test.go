package core

import (
	"context"
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func raw(t *testing.T, v any) RawDocument {
	t.Helper()
	b, err := bson.Marshal(v)
	require.NoError(t, err)
	return RawDocument(b)
}

func rawArr(t *testing.T, stages ...bson.D) RawDocument {
	t.Helper()
	arr := bson.A{}
	for _, s := range stages {
		arr = append(arr, s)
	}
	b, err := bson.Marshal(bson.D{{Key: "p", Value: arr}})
	require.NoError(t, err)
	var m bson.Raw = b
	pv := m.Lookup("p")
	return RawDocument(pv.Value)
}

func unRaw(t *testing.T, d RawDocument) bson.D {
	t.Helper()
	var out bson.D
	require.NoError(t, bson.Unmarshal([]byte(d), &out))
	return out
}

func newTestEngine(t *testing.T) (*Engine, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	eng, err := NewInMemory(&Config{DefaultDatabase: "app"}, OptionSetSpillFS(fs))
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return eng, fs
}

func seedOrders(t *testing.T, eng *Engine) {
	t.Helper()
	ctx := context.Background()
	var docs []RawDocument
	for i := 1; i <= 4; i++ {
		docs = append(docs, raw(t, bson.D{
			{Key: "_id", Value: int32(i)},
			{Key: "cat", Value: []string{"", "a", "b", "a", "c"}[i]},
			{Key: "qty", Value: int32(i * 2)},
		}))
	}
	res, err := eng.Insert(ctx, "app.orders", docs, true, RetryID{})
	require.NoError(t, err)
	require.Equal(t, int64(4), res.Inserted)
}

func TestFindBasic(t *testing.T) {
	eng, _ := newTestEngine(t)
	seedOrders(t, eng)

	page, err := eng.Find(context.Background(), "s1", "app.orders",
		raw(t, bson.D{{Key: "qty", Value: bson.D{{Key: "$gte", Value: int32(4)}}}}),
		FindOptions{Sort: raw(t, bson.D{{Key: "qty", Value: int32(-1)}})})
	require.NoError(t, err)
	require.Len(t, page.Docs, 3)
	assert.Equal(t, int32(4), unRaw(t, page.Docs[0])[0].Value)
	assert.Zero(t, page.CursorID, "small result completes in one page")
}

func TestFindInclusionProjectionS1(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := eng.Insert(ctx, "app.docs", []RawDocument{raw(t, bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "a", Value: bson.D{{Key: "b", Value: int32(2)}, {Key: "c", Value: int32(3)}}},
		{Key: "d", Value: int32(4)},
	})}, true, RetryID{})
	require.NoError(t, err)

	page, err := eng.Find(ctx, "s", "app.docs", nil, FindOptions{
		Projection: raw(t, bson.D{{Key: "a.b", Value: int32(1)}}),
	})
	require.NoError(t, err)
	require.Len(t, page.Docs, 1)
	want := bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "a", Value: bson.D{{Key: "b", Value: int32(2)}}},
	}
	assert.Equal(t, want, unRaw(t, page.Docs[0]))
}

func TestFindPositionalProjectionS2(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := eng.Insert(ctx, "app.students", []RawDocument{raw(t, bson.D{
		{Key: "_id", Value: int32(7)},
		{Key: "grades", Value: bson.A{
			bson.D{{Key: "s", Value: "math"}, {Key: "g", Value: int32(85)}},
			bson.D{{Key: "s", Value: "eng"}, {Key: "g", Value: int32(90)}},
		}},
	})}, true, RetryID{})
	require.NoError(t, err)

	page, err := eng.Find(ctx, "s", "app.students",
		raw(t, bson.D{{Key: "grades.g", Value: bson.D{{Key: "$gte", Value: int32(90)}}}}),
		FindOptions{Projection: raw(t, bson.D{{Key: "grades.$", Value: int32(1)}})})
	require.NoError(t, err)
	require.Len(t, page.Docs, 1)
	got := unRaw(t, page.Docs[0])
	grades := got[len(got)-1]
	assert.Equal(t, "grades", grades.Key)
	assert.Equal(t, bson.A{
		bson.D{{Key: "s", Value: "eng"}, {Key: "g", Value: int32(90)}},
	}, grades.Value)
}

func TestPointReadRecognitionS3(t *testing.T) {
	eng, _ := newTestEngine(t)
	seedOrders(t, eng)

	page, err := eng.Aggregate(context.Background(), "s", "app.orders",
		rawArr(t, bson.D{{Key: "$match", Value: bson.D{{Key: "_id", Value: int32(2)}}}}),
		AggregateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "pointRead", page.Kind)
	assert.Zero(t, page.CursorID, "no server-side cursor for point reads")
	require.Len(t, page.Docs, 1)
	assert.Equal(t, int32(2), unRaw(t, page.Docs[0])[0].Value)
}

func TestLookupUnwindFusionS4(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := eng.Insert(ctx, "app.A", []RawDocument{
		raw(t, bson.D{{Key: "_id", Value: int32(1)}, {Key: "x", Value: int32(10)}}),
		raw(t, bson.D{{Key: "_id", Value: int32(2)}, {Key: "x", Value: int32(11)}}),
		raw(t, bson.D{{Key: "_id", Value: int32(3)}, {Key: "x", Value: int32(99)}}),
	}, true, RetryID{})
	require.NoError(t, err)
	_, err = eng.Insert(ctx, "app.B", []RawDocument{
		raw(t, bson.D{{Key: "_id", Value: int32(20)}, {Key: "y", Value: int32(10)}}),
		raw(t, bson.D{{Key: "_id", Value: int32(21)}, {Key: "y", Value: int32(11)}}),
		raw(t, bson.D{{Key: "_id", Value: int32(22)}, {Key: "y", Value: int32(11)}}),
	}, true, RetryID{})
	require.NoError(t, err)

	page, err := eng.Aggregate(ctx, "s", "app.A", rawArr(t,
		bson.D{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: "B"},
			{Key: "localField", Value: "x"},
			{Key: "foreignField", Value: "y"},
			{Key: "as", Value: "j"},
		}}},
		bson.D{{Key: "$unwind", Value: "$j"}},
	), AggregateOptions{})
	require.NoError(t, err)
	// inner join on A.x = B.y: one row for x=10, two rows for x=11, none
	// for x=99
	require.Len(t, page.Docs, 3)
	for _, d := range page.Docs {
		got := unRaw(t, d)
		j := got[len(got)-1]
		assert.Equal(t, "j", j.Key)
		_, isDoc := j.Value.(bson.D)
		assert.True(t, isDoc, "fused join inlines a single document")
	}
}

func TestLookupUnwindFusionMatchesUnfused(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := eng.Insert(ctx, "app.A", []RawDocument{
		raw(t, bson.D{{Key: "_id", Value: int32(1)}, {Key: "x", Value: int32(10)}}),
		raw(t, bson.D{{Key: "_id", Value: int32(2)}, {Key: "x", Value: int32(11)}}),
	}, true, RetryID{})
	require.NoError(t, err)
	_, err = eng.Insert(ctx, "app.B", []RawDocument{
		raw(t, bson.D{{Key: "_id", Value: int32(20)}, {Key: "y", Value: int32(10)}}),
		raw(t, bson.D{{Key: "_id", Value: int32(21)}, {Key: "y", Value: int32(11)}}),
		raw(t, bson.D{{Key: "_id", Value: int32(22)}, {Key: "y", Value: int32(11)}}),
	}, true, RetryID{})
	require.NoError(t, err)

	lookup := bson.D{{Key: "$lookup", Value: bson.D{
		{Key: "from", Value: "B"},
		{Key: "localField", Value: "x"},
		{Key: "foreignField", Value: "y"},
		{Key: "as", Value: "j"},
	}}}
	unwind := bson.D{{Key: "$unwind", Value: "$j"}}

	fused, err := eng.Aggregate(ctx, "s", "app.A", rawArr(t, lookup, unwind), AggregateOptions{})
	require.NoError(t, err)
	// the inhibit stage blocks the fusion rewrite, forcing the
	// lookup-then-unwind plan
	unfused, err := eng.Aggregate(ctx, "s", "app.A", rawArr(t,
		lookup,
		bson.D{{Key: "$_inhibitOptimization", Value: bson.D{}}},
		unwind,
	), AggregateOptions{})
	require.NoError(t, err)

	key := func(d RawDocument) string { return fmt.Sprintf("%v", unRaw(t, d)) }
	var fk, uk []string
	for _, d := range fused.Docs {
		fk = append(fk, key(d))
	}
	for _, d := range unfused.Docs {
		uk = append(uk, key(d))
	}
	assert.ElementsMatch(t, uk, fk, "fused output is set-equal to the unfused pipeline")
}

func TestLookupLetCorrelated(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := eng.Insert(ctx, "app.A", []RawDocument{
		raw(t, bson.D{{Key: "_id", Value: int32(1)}, {Key: "x", Value: int32(10)}}),
		raw(t, bson.D{{Key: "_id", Value: int32(2)}, {Key: "x", Value: int32(11)}}),
	}, true, RetryID{})
	require.NoError(t, err)
	_, err = eng.Insert(ctx, "app.B", []RawDocument{
		raw(t, bson.D{{Key: "_id", Value: int32(20)}, {Key: "y", Value: int32(10)}}),
		raw(t, bson.D{{Key: "_id", Value: int32(21)}, {Key: "y", Value: int32(11)}}),
		raw(t, bson.D{{Key: "_id", Value: int32(22)}, {Key: "y", Value: int32(11)}}),
	}, true, RetryID{})
	require.NoError(t, err)

	page, err := eng.Aggregate(ctx, "s", "app.A", rawArr(t,
		bson.D{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: "B"},
			{Key: "let", Value: bson.D{{Key: "ox", Value: "$x"}}},
			{Key: "pipeline", Value: bson.A{
				bson.D{{Key: "$match", Value: bson.D{
					{Key: "$expr", Value: bson.D{{Key: "$eq", Value: bson.A{"$y", "$$ox"}}}},
				}}},
			}},
			{Key: "as", Value: "j"},
		}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "_id", Value: int32(1)}}}},
	), AggregateOptions{})
	require.NoError(t, err)
	require.Len(t, page.Docs, 2)

	// each outer row gets only its own matches, not the uncorrelated
	// full foreign result
	first := unRaw(t, page.Docs[0])
	j := first[len(first)-1].Value.(bson.A)
	require.Len(t, j, 1)
	assert.Equal(t, bson.D{{Key: "_id", Value: int32(20)}, {Key: "y", Value: int32(10)}}, j[0])

	second := unRaw(t, page.Docs[1])
	j = second[len(second)-1].Value.(bson.A)
	assert.Len(t, j, 2)
}

func TestRangeWithSortStreamableS5(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	var docs []RawDocument
	for i := 0; i < 10; i++ {
		docs = append(docs, raw(t, bson.D{
			{Key: "_id", Value: int32(i)},
			{Key: "t", Value: fmt.Sprintf("2024-01-%02d", i+1)},
		}))
	}
	_, err := eng.Insert(ctx, "app.events", docs, true, RetryID{})
	require.NoError(t, err)
	_, err = eng.CreateIndexes(ctx, "app.events", []IndexModel{{
		Keys: raw(t, bson.D{{Key: "t", Value: int32(1)}}),
	}})
	require.NoError(t, err)

	page, err := eng.Find(ctx, "s", "app.events",
		raw(t, bson.D{{Key: "t", Value: bson.D{
			{Key: "$gte", Value: "2024-01-03"},
			{Key: "$lt", Value: "2024-01-06"},
		}}}),
		FindOptions{Sort: raw(t, bson.D{{Key: "t", Value: int32(1)}}), BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, "streamable", page.Kind)
	require.Len(t, page.Docs, 2)
	assert.NotZero(t, page.CursorID)
	assert.NotEmpty(t, page.Continuation)

	more, err := eng.GetMore(ctx, page.CursorID, 2)
	require.NoError(t, err)
	require.Len(t, more.Docs, 1)
	assert.Zero(t, more.CursorID, "exhausted")
}

func TestContinuationRoundTripS6(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	var docs []RawDocument
	for i := 0; i < 500; i++ {
		docs = append(docs, raw(t, bson.D{{Key: "_id", Value: int32(i)}}))
	}
	_, err := eng.Insert(ctx, "app.big", docs, true, RetryID{})
	require.NoError(t, err)

	page, err := eng.Find(ctx, "s", "app.big", nil, FindOptions{
		Sort:      raw(t, bson.D{{Key: "_id", Value: int32(1)}}),
		BatchSize: 101,
	})
	require.NoError(t, err)
	require.Len(t, page.Docs, 101)
	require.NotZero(t, page.CursorID)

	seen := map[int32]bool{}
	record := func(ds []RawDocument) {
		for _, d := range ds {
			id := unRaw(t, d)[0].Value.(int32)
			require.False(t, seen[id], "row %d repeated", id)
			seen[id] = true
		}
	}
	record(page.Docs)
	id := page.CursorID
	for i := 0; i < 5; i++ {
		more, err := eng.GetMore(ctx, id, 101)
		require.NoError(t, err)
		record(more.Docs)
		if more.CursorID == 0 {
			break
		}
		id = more.CursorID
	}
	assert.Len(t, seen, 500, "no row omitted")
}

func TestRetryableWriteIdempotence(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	rid := RetryID{SessionID: "sess-9", TxnNumber: 1}

	docs := []RawDocument{raw(t, bson.D{{Key: "_id", Value: int32(1)}})}
	res1, err := eng.Insert(ctx, "app.r", docs, true, rid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res1.Inserted)

	// re-issuing with the same retry id returns the recorded result
	// without a duplicate-key failure
	res2, err := eng.Insert(ctx, "app.r", docs, true, rid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res2.Inserted)
	assert.Empty(t, res2.WriteErrors)

	n, err := eng.Count(ctx, "app.r", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAggregateGroupSort(t *testing.T) {
	eng, _ := newTestEngine(t)
	seedOrders(t, eng)

	page, err := eng.Aggregate(context.Background(), "s", "app.orders", rawArr(t,
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$cat"},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: "$qty"}}},
		}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "total", Value: int32(-1)}}}},
	), AggregateOptions{})
	require.NoError(t, err)
	require.Len(t, page.Docs, 3)
	first := unRaw(t, page.Docs[0])
	assert.Equal(t, "a", first[0].Value)
	assert.Equal(t, int64(8), first[1].Value)
}

func TestAggregateFacet(t *testing.T) {
	eng, _ := newTestEngine(t)
	seedOrders(t, eng)

	page, err := eng.Aggregate(context.Background(), "s", "app.orders", rawArr(t,
		bson.D{{Key: "$facet", Value: bson.D{
			{Key: "count", Value: bson.A{bson.D{{Key: "$count", Value: "n"}}}},
			{Key: "cats", Value: bson.A{
				bson.D{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$cat"}}}},
			}},
		}}},
	), AggregateOptions{})
	require.NoError(t, err)
	require.Len(t, page.Docs, 1)
	out := unRaw(t, page.Docs[0])
	require.Len(t, out, 2)
	counts := out[0].Value.(bson.A)
	assert.Equal(t, bson.D{{Key: "n", Value: int64(4)}}, counts[0])
}

func TestAggregateOut(t *testing.T) {
	eng, _ := newTestEngine(t)
	seedOrders(t, eng)
	ctx := context.Background()

	page, err := eng.Aggregate(ctx, "s", "app.orders", rawArr(t,
		bson.D{{Key: "$match", Value: bson.D{{Key: "cat", Value: "a"}}}},
		bson.D{{Key: "$out", Value: "archived"}},
	), AggregateOptions{})
	require.NoError(t, err)
	assert.Empty(t, page.Docs)

	n, err := eng.Count(ctx, "app.archived", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDistinct(t *testing.T) {
	eng, _ := newTestEngine(t)
	seedOrders(t, eng)
	got, err := eng.Distinct(context.Background(), "app.orders", "cat", nil)
	require.NoError(t, err)
	var arr bson.A
	require.NoError(t, bson.UnmarshalValue(bson.TypeArray, []byte(got), &arr))
	assert.ElementsMatch(t, bson.A{"a", "b", "c"}, arr)
}

func TestUpdateAndDelete(t *testing.T) {
	eng, _ := newTestEngine(t)
	seedOrders(t, eng)
	ctx := context.Background()

	res, err := eng.Update(ctx, "app.orders",
		raw(t, bson.D{{Key: "cat", Value: "a"}}),
		raw(t, bson.D{{Key: "$set", Value: bson.D{{Key: "flag", Value: true}}},
			{Key: "$inc", Value: bson.D{{Key: "qty", Value: int32(1)}}}}),
		true, false, RetryID{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Matched)
	assert.Equal(t, int64(2), res.Modified)

	page, err := eng.Find(ctx, "s", "app.orders",
		raw(t, bson.D{{Key: "flag", Value: true}}), FindOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Docs, 2)

	del, err := eng.Delete(ctx, "app.orders",
		raw(t, bson.D{{Key: "flag", Value: true}}), true, RetryID{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), del.Deleted)

	n, err := eng.Count(ctx, "app.orders", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUpsert(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.CreateCollection(ctx, "app.kv"))

	res, err := eng.Update(ctx, "app.kv",
		raw(t, bson.D{{Key: "k", Value: "x"}}),
		raw(t, bson.D{{Key: "$set", Value: bson.D{{Key: "v", Value: int32(1)}}}}),
		false, true, RetryID{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Matched)
	assert.NotEmpty(t, res.Upserted)

	n, err := eng.Count(ctx, "app.kv", raw(t, bson.D{{Key: "k", Value: "x"}}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestListCollectionsAndIndexes(t *testing.T) {
	eng, _ := newTestEngine(t)
	seedOrders(t, eng)
	ctx := context.Background()

	page, err := eng.ListCollections(ctx, "app", nil)
	require.NoError(t, err)
	require.Len(t, page.Docs, 1)
	assert.Equal(t, "orders", unRaw(t, page.Docs[0])[0].Value)

	_, err = eng.CreateIndexes(ctx, "app.orders", []IndexModel{
		{Keys: raw(t, bson.D{{Key: "cat", Value: int32(1)}, {Key: "qty", Value: int32(-1)}})},
		{Keys: raw(t, bson.D{{Key: "qty", Value: "hashed"}})},
	})
	require.NoError(t, err)

	page, err = eng.ListIndexes(ctx, "app.orders")
	require.NoError(t, err)
	require.Len(t, page.Docs, 2)
	first := unRaw(t, page.Docs[0])
	assert.Equal(t, "cat_1_qty_-1", first[0].Value)

	require.NoError(t, eng.DropIndexes(ctx, "app.orders", "cat_1_qty_-1"))
	page, err = eng.ListIndexes(ctx, "app.orders")
	require.NoError(t, err)
	assert.Len(t, page.Docs, 1)

	err = eng.DropIndexes(ctx, "app.orders", "nope")
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, CodeIndexNotFound, be.Code)
}

func TestNamespaceNotFound(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.Find(context.Background(), "s", "app.missing", nil, FindOptions{})
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, CodeNamespaceNotFound, be.Code)
	assert.Equal(t, int32(26), be.Number())
}

func TestKillCursors(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	var docs []RawDocument
	for i := 0; i < 300; i++ {
		docs = append(docs, raw(t, bson.D{{Key: "_id", Value: int32(i)}}))
	}
	_, err := eng.Insert(ctx, "app.big", docs, true, RetryID{})
	require.NoError(t, err)

	page, err := eng.Find(ctx, "s", "app.big", nil, FindOptions{BatchSize: 10})
	require.NoError(t, err)
	require.NotZero(t, page.CursorID)

	killed := eng.KillCursors(ctx, []uint64{page.CursorID, 999})
	assert.Equal(t, []uint64{page.CursorID}, killed)

	_, err = eng.GetMore(ctx, page.CursorID, 10)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, CodeCursorNotFound, be.Code)
}

func TestChangeStreamTailable(t *testing.T) {
	eng, _ := newTestEngine(t)
	seedOrders(t, eng)
	ctx := context.Background()

	page, err := eng.Aggregate(ctx, "tailer", "app.orders",
		rawArr(t, bson.D{{Key: "$changeStream", Value: bson.D{}}}),
		AggregateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "tailable", page.Kind)
	require.NotZero(t, page.CursorID)

	_, err = eng.Insert(ctx, "app.orders",
		[]RawDocument{raw(t, bson.D{{Key: "_id", Value: int32(99)}})}, true, RetryID{})
	require.NoError(t, err)

	more, err := eng.GetMore(ctx, page.CursorID, 10)
	require.NoError(t, err)
	require.Len(t, more.Docs, 1)
	ev := unRaw(t, more.Docs[0])
	assert.Equal(t, "insert", ev[0].Value)
	assert.NotZero(t, more.CursorID, "tailable cursors stay open")
}

func TestPersistentCursorSpill(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng, err := NewInMemory(&Config{
		DefaultDatabase:      "app",
		CursorSpillThreshold: 50,
		CursorSpillDir:       "/spool",
	}, OptionSetSpillFS(fs))
	require.NoError(t, err)
	defer eng.Close()
	require.NoError(t, fs.MkdirAll("/spool", 0o755))

	ctx := context.Background()
	var docs []RawDocument
	for i := 0; i < 200; i++ {
		docs = append(docs, raw(t, bson.D{{Key: "_id", Value: int32(i)}}))
	}
	_, err = eng.Insert(ctx, "app.big", docs, true, RetryID{})
	require.NoError(t, err)

	page, err := eng.Aggregate(ctx, "s", "app.big",
		rawArr(t, bson.D{{Key: "$match", Value: bson.D{}}}),
		AggregateOptions{AllowDiskUse: true, BatchSize: 60})
	require.NoError(t, err)
	assert.Equal(t, "persistent", page.Kind)
	require.NotZero(t, page.CursorID)
	assert.NotZero(t, page.CursorID&(uint64(1)<<63), "spilled cursor ids carry the file-backed bit")

	total := len(page.Docs)
	id := page.CursorID
	for id != 0 {
		more, err := eng.GetMore(ctx, id, 60)
		require.NoError(t, err)
		total += len(more.Docs)
		id = more.CursorID
	}
	assert.Equal(t, 200, total)
}

func TestExplain(t *testing.T) {
	eng, _ := newTestEngine(t)
	seedOrders(t, eng)
	page, err := eng.Aggregate(context.Background(), "s", "app.orders", rawArr(t,
		bson.D{{Key: "$match", Value: bson.D{{Key: "cat", Value: "a"}}}},
	), AggregateOptions{Explain: true})
	require.NoError(t, err)
	require.Len(t, page.Docs, 1)
	out := unRaw(t, page.Docs[0])
	planner := out[0].Value.(bson.D)
	sql := planner[0].Value.(string)
	assert.Contains(t, sql, "SELECT")
	assert.Contains(t, sql, "bson_matches")
}

func TestParseFindCommand(t *testing.T) {
	cmdDoc := raw(t, bson.D{
		{Key: "find", Value: "orders"},
		{Key: "filter", Value: bson.D{{Key: "cat", Value: "a"}}},
		{Key: "sort", Value: bson.D{{Key: "qty", Value: int32(1)}}},
		{Key: "limit", Value: int32(5)},
		{Key: "singleBatch", Value: true},
		{Key: "collation", Value: bson.D{{Key: "locale", Value: "en"}}},
	})
	ns, filter, opts, err := ParseFindCommand("app", cmdDoc)
	require.NoError(t, err)
	assert.Equal(t, "app.orders", ns)
	assert.Equal(t, bson.D{{Key: "cat", Value: "a"}}, unRaw(t, filter))
	assert.Equal(t, int64(5), opts.Limit)
	assert.True(t, opts.SingleBatch)
	assert.Equal(t, "en", opts.Collation)
	assert.NotEmpty(t, opts.Sort)
}

func TestCancelledContext(t *testing.T) {
	eng, _ := newTestEngine(t)
	seedOrders(t, eng)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := eng.Find(ctx, "s", "app.orders", nil, FindOptions{})
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, CodeCancelled, be.Code)
}
