package sqlgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/qcode"
)

func testVal(t *testing.T, v any) bsonval.Value {
	t.Helper()
	raw, err := bson.Marshal(bson.D{{Key: "v", Value: v}})
	require.NoError(t, err)
	doc, err := bsonval.Decode(raw)
	require.NoError(t, err)
	out, ok := bsonval.Lookup(doc, "v")
	require.True(t, ok)
	return out
}

func TestRenderFilterSortLimit(t *testing.T) {
	sel := qcode.NewSelect("app.orders")
	e := qcode.NewExp(qcode.OpGreaterOrEquals)
	e.Path = "qty"
	e.Val = testVal(t, int32(5))
	sel.Where = e
	sel.Order = []qcode.OrderBy{{Path: "qty", Desc: true}}
	sel.Limit = 10
	sel.Offset = 2

	text, md, err := NewRenderer().Render(sel)
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT document FROM "app.orders" WHERE bson_matches(document, 'qty', 'gte', $1)`+
			` ORDER BY bson_get(document, 'qty') DESC LIMIT 10 OFFSET 2`, text)
	require.Len(t, md.Params(), 1)
	assert.Equal(t, e.Val.Data, md.Params()[0].BSON)
}

func TestRenderSubqueryAndBoolTree(t *testing.T) {
	inner := qcode.NewSelect("app.t")
	or := qcode.NewExp(qcode.OpOr)
	a := qcode.NewExp(qcode.OpEquals)
	a.Path = "x"
	a.Val = testVal(t, int32(1))
	b := qcode.NewExp(qcode.OpNotExists)
	b.Path = "y"
	or.Children = append(or.Children, a, b)
	inner.Where = or
	outer := inner.Wrap()
	outer.Limit = 1

	text, _, err := NewRenderer().Render(outer)
	require.NoError(t, err)
	assert.Contains(t, text, `FROM (SELECT document FROM "app.t" WHERE `)
	assert.Contains(t, text, `NOT bson_path_exists(document, 'y')`)
	assert.Contains(t, text, ` OR `)
	assert.Contains(t, text, `LIMIT 1`)
}

func TestRenderJoinShapes(t *testing.T) {
	sel := qcode.NewSelect("app.a")
	sel.Joins = []qcode.Join{{
		Kind:        qcode.JoinInner,
		Table:       "app.b",
		LocalPath:   "x",
		ForeignPath: "y",
		As:          "j",
		Unwound:     true,
	}}
	text, _, err := NewRenderer().Render(sel)
	require.NoError(t, err)
	assert.Contains(t, text, `INNER JOIN "app.b" AS "__j_j" ON bson_path_eq(`)

	sel.Joins[0].PreserveEmpty = true
	text, _, err = NewRenderer().Render(sel)
	require.NoError(t, err)
	assert.Contains(t, text, `LEFT JOIN`)
}

func TestRenderLateralJoinLet(t *testing.T) {
	arm := qcode.NewSelect("app.b")
	e := qcode.NewExp(qcode.OpExpr)
	e.Val = testVal(t, bson.D{{Key: "$eq", Value: bson.A{"$y", "$$ox"}}})
	arm.Where = e

	letDoc, err := bson.Marshal(bson.D{{Key: "ox", Value: "$x"}})
	require.NoError(t, err)
	letSpec, err := bsonval.Decode(letDoc)
	require.NoError(t, err)

	sel := qcode.NewSelect("app.a")
	sel.Joins = []qcode.Join{{
		Kind:     qcode.JoinLeft,
		Table:    "app.b",
		As:       "j",
		Pipeline: arm,
		Let:      letSpec,
	}}
	text, md, err := NewRenderer().Render(sel)
	require.NoError(t, err)
	assert.Contains(t, text, `LEFT JOIN LATERAL (`)
	assert.Contains(t, text, `bson_expr(document, `)
	assert.Contains(t, text, `ON bson_let_eval(document, `)
	// the let spec ships as a bind parameter
	var found bool
	for _, p := range md.Params() {
		if string(p.BSON) == string(letSpec) {
			found = true
		}
	}
	assert.True(t, found, "let spec bound as a parameter")
}

func TestRenderJoinPipelineErrorPropagates(t *testing.T) {
	arm := qcode.NewSelect("app.b")
	for i := 0; i < qcode.MaxNestingDepth*2+2; i++ {
		arm = arm.Wrap()
	}
	sel := qcode.NewSelect("app.a")
	sel.Joins = []qcode.Join{{Kind: qcode.JoinLeft, Table: "app.b", As: "j", Pipeline: arm}}
	_, _, err := NewRenderer().Render(sel)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NestedLimit")
}

func TestRenderRecursiveCTE(t *testing.T) {
	sel := qcode.NewSelect("app.emps")
	sel.Recurse = &qcode.Recurse{
		Table:            "app.emps",
		StartWith:        testVal(t, "$boss"),
		ConnectFromField: "boss",
		ConnectToField:   "name",
		As:               "chain",
		MaxDepth:         3,
	}
	text, _, err := NewRenderer().Render(sel)
	require.NoError(t, err)
	assert.Contains(t, text, `WITH RECURSIVE "__gl" AS (`)
	assert.Contains(t, text, `"__gl"."__depth" < 3`)
}

func TestRenderUnionAll(t *testing.T) {
	sel := qcode.NewSelect("app.a")
	sel.Unions = []qcode.SetOp{{All: true, Query: qcode.NewSelect("app.b")}}
	text, _, err := NewRenderer().Render(sel)
	require.NoError(t, err)
	assert.Contains(t, text, `UNION ALL SELECT document FROM "app.b"`)
}

func TestRenderParamsStayShapeStable(t *testing.T) {
	mk := func(v int32) *qcode.Select {
		sel := qcode.NewSelect("app.t")
		e := qcode.NewExp(qcode.OpEquals)
		e.Path = "x"
		e.Val = testVal(t, v)
		sel.Where = e
		return sel
	}
	t1, _, err := NewRenderer().Render(mk(1))
	require.NoError(t, err)
	t2, _, err := NewRenderer().Render(mk(2))
	require.NoError(t, err)
	assert.Equal(t, t1, t2, "only bind values differ between same-shape queries")
}

func TestRenderGroupOutput(t *testing.T) {
	sel := qcode.NewSelect("app.t")
	sel.Group = &qcode.GroupBy{
		KeyExpr: testVal(t, "$cat"),
		Accums:  []qcode.Accumulator{{Name: "n", Op: "$count"}},
	}
	text, md, err := NewRenderer().Render(sel)
	require.NoError(t, err)
	assert.Contains(t, text, `bson_group($1, $2, document)`)
	assert.Contains(t, text, `GROUP BY bson_eval(document, `)
	require.GreaterOrEqual(t, len(md.Params()), 2)
}
