// Package sqlgen renders the query tree to parameterized SQL for the
// relational substrate. The substrate exposes BSON operators as SQL
// functions (bson_get, bson_cmp, bson_matches); the renderer's job is
// purely structural: subqueries, joins, unions, recursion, ordering and
// paging. The substrate's own optimizer plans the emitted text.
package sqlgen

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/stratumdb/stratum/core/internal/qcode"
)

// Param describes one emitted placeholder.
type Param struct {
	ID int
	// BSON is the single-value BSON encoding bound at execution.
	BSON []byte
}

// Metadata accumulates render output state.
type Metadata struct {
	params []Param
	pindex map[int]int
}

// Params returns the placeholders in emission order.
func (md *Metadata) Params() []Param { return md.params }

type renderCtx struct {
	md *Metadata
	w  *bytes.Buffer
	*Renderer
}

// Renderer compiles query trees to SQL text.
type Renderer struct {
	// DocColumn is the document column name in backing tables.
	DocColumn string
}

// NewRenderer returns a renderer with the standard table layout.
func NewRenderer() *Renderer {
	return &Renderer{DocColumn: "document"}
}

// Render emits SQL for sel and returns the text plus metadata.
func (r *Renderer) Render(sel *qcode.Select) (string, Metadata, error) {
	var w bytes.Buffer
	md := Metadata{pindex: map[int]int{}}
	c := &renderCtx{md: &md, w: &w, Renderer: r}
	if err := c.renderSelect(sel, 0); err != nil {
		return "", md, err
	}
	return w.String(), md, nil
}

func (c *renderCtx) renderSelect(sel *qcode.Select, depth int) error {
	if depth > qcode.MaxNestingDepth*2 {
		return fmt.Errorf("NestedLimit: query tree too deep")
	}

	if sel.Recurse != nil {
		return c.renderRecurse(sel)
	}

	c.w.WriteString(`SELECT `)
	c.renderOutput(sel)
	c.w.WriteString(` FROM `)
	if err := c.renderSource(sel, depth); err != nil {
		return err
	}

	for i := range sel.Joins {
		if err := c.renderJoin(&sel.Joins[i], depth); err != nil {
			return err
		}
	}

	if sel.Where != nil {
		c.w.WriteString(` WHERE `)
		c.renderExp(sel.Where)
	}

	if sel.Group != nil {
		c.w.WriteString(` GROUP BY bson_eval(`)
		c.w.WriteString(c.DocColumn)
		c.w.WriteString(`, `)
		c.renderParamValue(sel.Group.KeyExpr.Data)
		c.w.WriteString(`)`)
	}

	if len(sel.Order) != 0 {
		c.w.WriteString(` ORDER BY `)
		for i, o := range sel.Order {
			if i != 0 {
				c.w.WriteString(`, `)
			}
			c.renderPathExtract(o.Path)
			if o.Desc {
				c.w.WriteString(` DESC`)
			}
		}
	}

	if sel.Limit >= 0 {
		c.w.WriteString(` LIMIT `)
		c.w.WriteString(strconv.FormatInt(sel.Limit, 10))
	}
	if sel.Offset > 0 {
		c.w.WriteString(` OFFSET `)
		c.w.WriteString(strconv.FormatInt(sel.Offset, 10))
	}

	for _, u := range sel.Unions {
		if u.All {
			c.w.WriteString(` UNION ALL `)
		} else {
			c.w.WriteString(` UNION `)
		}
		if err := c.renderSelect(u.Query, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// renderOutput emits the select list: the document column, transformed
// through the substrate's BSON functions for terminal stages.
func (c *renderCtx) renderOutput(sel *qcode.Select) {
	switch {
	case sel.CountAs != "":
		c.w.WriteString(`bson_build_count('`)
		c.w.WriteString(sel.CountAs)
		c.w.WriteString(`', count(*)) AS `)
		c.w.WriteString(c.DocColumn)
	case sel.DistinctPath != "":
		c.w.WriteString(`DISTINCT bson_build_id(`)
		c.renderPathExtract(sel.DistinctPath)
		c.w.WriteString(`) AS `)
		c.w.WriteString(c.DocColumn)
	case sel.Group != nil:
		c.w.WriteString(`bson_group(`)
		c.renderParamValue(sel.Group.KeyExpr.Data)
		c.w.WriteString(`, `)
		c.renderParamValue(accumSpec(sel.Group))
		c.w.WriteString(`, `)
		c.w.WriteString(c.DocColumn)
		c.w.WriteString(`) AS `)
		c.w.WriteString(c.DocColumn)
	case sel.Project != nil:
		c.w.WriteString(`bson_project(`)
		c.w.WriteString(c.DocColumn)
		c.w.WriteString(`, `)
		c.renderParamValue(sel.Project.Spec)
		c.w.WriteString(`) AS `)
		c.w.WriteString(c.DocColumn)
	case sel.ReplaceRoot.Type != 0:
		c.w.WriteString(`bson_eval(`)
		c.w.WriteString(c.DocColumn)
		c.w.WriteString(`, `)
		c.renderParamValue(sel.ReplaceRoot.Data)
		c.w.WriteString(`) AS `)
		c.w.WriteString(c.DocColumn)
	default:
		c.w.WriteString(c.DocColumn)
	}
}

func (c *renderCtx) renderSource(sel *qcode.Select, depth int) error {
	switch {
	case sel.From != nil:
		c.w.WriteString(`(`)
		if err := c.renderSelect(sel.From, depth+1); err != nil {
			return err
		}
		c.w.WriteString(`) AS "__sq_`)
		c.w.WriteString(strconv.Itoa(depth))
		c.w.WriteString(`"`)
	case sel.Table != "":
		c.quoteTable(sel.Table)
	default:
		c.w.WriteString(`(VALUES (NULL)) AS "__empty"`)
	}
	return nil
}

func (c *renderCtx) renderJoin(j *qcode.Join, depth int) error {
	if j.Unwound && !j.PreserveEmpty {
		c.w.WriteString(` INNER JOIN `)
	} else {
		c.w.WriteString(` LEFT JOIN `)
	}
	if j.Pipeline != nil {
		c.w.WriteString(`LATERAL (`)
		if err := c.renderSelect(j.Pipeline, depth+1); err != nil {
			return err
		}
		c.w.WriteString(`) AS `)
		c.quoteIdent("__j_" + j.As)
		if len(j.Let) != 0 {
			// the substrate evaluates the let spec against the outer
			// row and exposes the bindings to $$-references inside the
			// lateral arm
			c.w.WriteString(` ON bson_let_eval(`)
			c.w.WriteString(c.DocColumn)
			c.w.WriteString(`, `)
			c.renderParamValue(j.Let)
			c.w.WriteString(`)`)
			return nil
		}
		c.w.WriteString(` ON true`)
		return nil
	}
	c.quoteTable(j.Table)
	c.w.WriteString(` AS `)
	c.quoteIdent("__j_" + j.As)
	c.w.WriteString(` ON bson_path_eq(`)
	c.w.WriteString(c.DocColumn)
	c.w.WriteString(`, '`)
	c.w.WriteString(j.LocalPath)
	c.w.WriteString(`', `)
	c.quoteIdent("__j_" + j.As)
	c.w.WriteString(`.`)
	c.w.WriteString(c.DocColumn)
	c.w.WriteString(`, '`)
	c.w.WriteString(j.ForeignPath)
	c.w.WriteString(`')`)
	return nil
}

// renderRecurse lowers $graphLookup to a recursive CTE.
func (c *renderCtx) renderRecurse(sel *qcode.Select) error {
	r := sel.Recurse
	c.w.WriteString(`WITH RECURSIVE "__gl" AS (`)
	c.w.WriteString(`SELECT `)
	c.w.WriteString(c.DocColumn)
	c.w.WriteString(`, 0 AS "__depth" FROM `)
	c.quoteTable(r.Table)
	c.w.WriteString(` WHERE bson_path_in(`)
	c.w.WriteString(c.DocColumn)
	c.w.WriteString(`, '`)
	c.w.WriteString(r.ConnectToField)
	c.w.WriteString(`', `)
	c.renderParamValue(r.StartWith.Data)
	c.w.WriteString(`)`)
	c.w.WriteString(` UNION ALL SELECT t.`)
	c.w.WriteString(c.DocColumn)
	c.w.WriteString(`, "__gl"."__depth" + 1 FROM `)
	c.quoteTable(r.Table)
	c.w.WriteString(` AS t JOIN "__gl" ON bson_path_eq(t.`)
	c.w.WriteString(c.DocColumn)
	c.w.WriteString(`, '`)
	c.w.WriteString(r.ConnectToField)
	c.w.WriteString(`', "__gl".`)
	c.w.WriteString(c.DocColumn)
	c.w.WriteString(`, '`)
	c.w.WriteString(r.ConnectFromField)
	c.w.WriteString(`')`)
	if r.MaxDepth >= 0 {
		c.w.WriteString(` WHERE "__gl"."__depth" < `)
		c.w.WriteString(strconv.FormatInt(r.MaxDepth, 10))
	}
	c.w.WriteString(`) SELECT `)
	c.w.WriteString(c.DocColumn)
	c.w.WriteString(` FROM "__gl"`)
	return nil
}

func (c *renderCtx) renderExp(e *qcode.Exp) {
	switch e.Op {
	case qcode.OpAnd, qcode.OpOr:
		c.w.WriteString(`(`)
		for i, ch := range e.Children {
			if i != 0 {
				if e.Op == qcode.OpAnd {
					c.w.WriteString(` AND `)
				} else {
					c.w.WriteString(` OR `)
				}
			}
			c.renderExp(ch)
		}
		c.w.WriteString(`)`)
	case qcode.OpNot:
		c.w.WriteString(`NOT (`)
		for i, ch := range e.Children {
			if i != 0 {
				c.w.WriteString(` AND `)
			}
			c.renderExp(ch)
		}
		c.w.WriteString(`)`)
	case qcode.OpExists:
		c.w.WriteString(`bson_path_exists(`)
		c.w.WriteString(c.DocColumn)
		c.w.WriteString(`, '`)
		c.w.WriteString(e.Path)
		c.w.WriteString(`')`)
	case qcode.OpNotExists:
		c.w.WriteString(`NOT bson_path_exists(`)
		c.w.WriteString(c.DocColumn)
		c.w.WriteString(`, '`)
		c.w.WriteString(e.Path)
		c.w.WriteString(`')`)
	case qcode.OpExpr:
		c.w.WriteString(`bson_expr(`)
		c.w.WriteString(c.DocColumn)
		c.w.WriteString(`, `)
		c.renderOperand(e)
		c.w.WriteString(`)`)
	default:
		// bson_matches applies one operator with multikey semantics; the
		// substrate maps the strategy string to the index operator class.
		c.w.WriteString(`bson_matches(`)
		c.w.WriteString(c.DocColumn)
		c.w.WriteString(`, '`)
		c.w.WriteString(e.Path)
		c.w.WriteString(`', '`)
		c.w.WriteString(e.Op.String())
		c.w.WriteString(`', `)
		c.renderOperand(e)
		c.w.WriteString(`)`)
	}
}

func (c *renderCtx) renderOperand(e *qcode.Exp) {
	if e.ParamID > 0 {
		c.renderParamRef(e.ParamID, nil)
		return
	}
	c.renderParamValue(e.Val.Data)
}

// renderParamValue emits a placeholder for an inline BSON operand; the
// value ships as a bind parameter so query text stays shape-stable for
// the plan cache.
func (c *renderCtx) renderParamValue(data []byte) {
	id := len(c.md.params) + 1
	c.renderParamRef(id, data)
}

func (c *renderCtx) renderParamRef(id int, data []byte) {
	pos, ok := c.md.pindex[id]
	if !ok {
		c.md.params = append(c.md.params, Param{ID: id, BSON: data})
		pos = len(c.md.params)
		c.md.pindex[id] = pos
	}
	c.w.WriteString(`$`)
	c.w.WriteString(strconv.Itoa(pos))
}

func (c *renderCtx) renderPathExtract(path string) {
	c.w.WriteString(`bson_get(`)
	c.w.WriteString(c.DocColumn)
	c.w.WriteString(`, '`)
	c.w.WriteString(path)
	c.w.WriteString(`')`)
}

func (c *renderCtx) quoteTable(name string) {
	c.quoteIdent(name)
}

func (c *renderCtx) quoteIdent(name string) {
	c.w.WriteString(`"`)
	for _, r := range name {
		if r == '"' {
			c.w.WriteString(`""`)
			continue
		}
		c.w.WriteRune(r)
	}
	c.w.WriteString(`"`)
}

// accumSpec re-encodes the accumulator list as the substrate's bson_group
// argument: the name and operator of each entry. The accumulators'
// argument expressions are not encoded and are not bound as parameters.
func accumSpec(g *qcode.GroupBy) []byte {
	var buf bytes.Buffer
	buf.WriteString("[")
	for i, a := range g.Accums {
		if i != 0 {
			buf.WriteString(",")
		}
		buf.WriteString("{\"name\":")
		buf.WriteString(strconv.Quote(a.Name))
		buf.WriteString(",\"op\":")
		buf.WriteString(strconv.Quote(a.Op))
		buf.WriteString("}")
	}
	buf.WriteString("]")
	return buf.Bytes()
}
