package pipeline

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/qcode"
)

func compileLookup(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	j, err := c.parseLookup(spec, bctx)
	if err != nil {
		return nil, err
	}
	q = ensure(q, q.Group != nil || q.CountAs != "" || q.Project != nil)
	q.Joins = append(q.Joins, *j)
	return q, nil
}

// compileLookupUnwind lowers the fused stage: an inner or left join with
// the unwound shape inlined, skipping the group-and-rewrap round trip.
func compileLookupUnwind(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	doc, err := specDoc("$lookup", spec)
	if err != nil {
		return nil, err
	}
	inner, ok := bsonval.Lookup(doc, "lookup")
	if !ok {
		return nil, specInvalid("$lookup", "fused stage missing lookup spec")
	}
	preserve := false
	if pv, found := bsonval.Lookup(doc, "preserveNullAndEmptyArrays"); found {
		preserve = pv.Type == bsoncore.TypeBoolean && pv.Data[0] != 0
	}
	j, err := c.parseLookup(inner, bctx)
	if err != nil {
		return nil, err
	}
	j.Unwound = true
	j.PreserveEmpty = preserve
	if preserve {
		j.Kind = qcode.JoinLeft
	} else {
		j.Kind = qcode.JoinInner
	}
	q = ensure(q, q.Group != nil || q.CountAs != "" || q.Project != nil)
	q.Joins = append(q.Joins, *j)
	return q, nil
}

func (c *Compiler) parseLookup(spec bsonval.Value, bctx *qcode.BuildContext) (*qcode.Join, error) {
	doc, err := specDoc("$lookup", spec)
	if err != nil {
		return nil, err
	}
	from, ok := docStringField(bsonval.DocValue(doc), "from")
	if !ok {
		return nil, specInvalid("$lookup", "requires from")
	}
	as, ok := docStringField(bsonval.DocValue(doc), "as")
	if !ok {
		return nil, specInvalid("$lookup", "requires as")
	}
	// a missing lookup target resolves to an empty right side at run
	// time, not a compile error
	target := c.resolveLenient(bctx, from)

	j := &qcode.Join{Kind: qcode.JoinLeft, Table: target.TableName, As: as}
	j.LocalPath, _ = docStringField(bsonval.DocValue(doc), "localField")
	j.ForeignPath, _ = docStringField(bsonval.DocValue(doc), "foreignField")

	if lv, found := bsonval.Lookup(doc, "let"); found {
		if lv.Type != bsoncore.TypeEmbeddedDocument {
			return nil, specInvalid("$lookup", "let must be a document")
		}
		j.Let = bsonval.Document(lv.Data)
	}

	if pv, found := bsonval.Lookup(doc, "pipeline"); found {
		if pv.Type != bsoncore.TypeArray {
			return nil, specInvalid("$lookup", "pipeline must be an array")
		}
		stages, err := ParsePipeline(bsonval.Document(pv.Data))
		if err != nil {
			return nil, err
		}
		child := bctx.Child(qcode.ParentLookup, target)
		sub, err := c.Compile(stages, child)
		if err != nil {
			return nil, err
		}
		bctx.ParamCounter = child.ParamCounter
		j.Pipeline = sub
	} else if j.LocalPath == "" || j.ForeignPath == "" {
		return nil, specInvalid("$lookup", "requires localField/foreignField or pipeline")
	}
	return j, nil
}

func compileGraphLookup(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	doc, err := specDoc("$graphLookup", spec)
	if err != nil {
		return nil, err
	}
	from, ok := docStringField(bsonval.DocValue(doc), "from")
	if !ok {
		return nil, specInvalid("$graphLookup", "requires from")
	}
	target := c.resolveLenient(bctx, from)
	r := &qcode.Recurse{Table: target.TableName, MaxDepth: -1}
	if r.As, ok = docStringField(bsonval.DocValue(doc), "as"); !ok {
		return nil, specInvalid("$graphLookup", "requires as")
	}
	if r.StartWith, ok = bsonval.Lookup(doc, "startWith"); !ok {
		return nil, specInvalid("$graphLookup", "requires startWith")
	}
	cf, ok := docStringField(bsonval.DocValue(doc), "connectFromField")
	if !ok {
		return nil, specInvalid("$graphLookup", "requires connectFromField")
	}
	ct, ok := docStringField(bsonval.DocValue(doc), "connectToField")
	if !ok {
		return nil, specInvalid("$graphLookup", "requires connectToField")
	}
	r.ConnectFromField, r.ConnectToField = cf, ct
	if mv, found := bsonval.Lookup(doc, "maxDepth"); found {
		n, ok := intValue(mv)
		if !ok || n < 0 {
			return nil, specInvalid("$graphLookup", "maxDepth must be a non-negative integer")
		}
		r.MaxDepth = n
	}
	r.DepthField, _ = docStringField(bsonval.DocValue(doc), "depthField")
	if rs, found := bsonval.Lookup(doc, "restrictSearchWithMatch"); found {
		if rs.Type != bsoncore.TypeEmbeddedDocument {
			return nil, specInvalid("$graphLookup", "restrictSearchWithMatch must be a document")
		}
		r.RestrictSearch = bsonval.Document(rs.Data)
	}
	q = ensure(q, q.Recurse != nil || q.Group != nil || q.Project != nil)
	q.Recurse = r
	return q, nil
}

func compileFacet(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	doc, err := specDoc("$facet", spec)
	if err != nil {
		return nil, err
	}
	elems, err := bsonval.Elements(doc)
	if err != nil || len(elems) == 0 {
		return nil, specInvalid("$facet", "requires at least one arm")
	}
	q = ensure(q, !q.IsBare())
	for _, e := range elems {
		if strings.HasPrefix(e.Name, "$") || strings.Contains(e.Name, ".") {
			return nil, specInvalid("$facet", "invalid output field %q", e.Name)
		}
		if e.Value.Type != bsoncore.TypeArray {
			return nil, specInvalid("$facet", "arm %q must be a pipeline array", e.Name)
		}
		stages, err := ParsePipeline(bsonval.Document(e.Value.Data))
		if err != nil {
			return nil, err
		}
		child := bctx.Child(qcode.ParentFacet, bctx.Target)
		arm, err := c.Compile(stages, child)
		if err != nil {
			return nil, err
		}
		bctx.ParamCounter = child.ParamCounter
		// the arm reads the facet input, not the base table
		arm.Base().Table = ""
		q.Facets = append(q.Facets, qcode.Facet{Name: e.Name, Query: arm})
	}
	return q, nil
}

func compileUnionWith(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	var coll string
	var pipelineArr bsonval.Document

	switch spec.Type {
	case bsoncore.TypeString:
		coll, _ = valueString(spec)
	case bsoncore.TypeEmbeddedDocument:
		doc := bsonval.Document(spec.Data)
		coll, _ = docStringField(bsonval.DocValue(doc), "coll")
		if pv, found := bsonval.Lookup(doc, "pipeline"); found {
			if pv.Type != bsoncore.TypeArray {
				return nil, specInvalid("$unionWith", "pipeline must be an array")
			}
			pipelineArr = bsonval.Document(pv.Data)
		}
	default:
		return nil, specInvalid("$unionWith", "requires a collection name or document")
	}
	if coll == "" {
		return nil, specInvalid("$unionWith", "requires coll")
	}
	target, err := c.resolve(bctx, coll)
	if err != nil {
		return nil, err
	}

	arm := qcode.NewSelect(target.TableName)
	if pipelineArr != nil {
		stages, err := ParsePipeline(pipelineArr)
		if err != nil {
			return nil, err
		}
		child := bctx.Child(qcode.ParentUnionWith, target)
		if arm, err = c.Compile(stages, child); err != nil {
			return nil, err
		}
		bctx.ParamCounter = child.ParamCounter
	}
	q = ensure(q, len(q.Order) != 0 || q.Limit >= 0)
	q.Unions = append(q.Unions, qcode.SetOp{All: true, Query: arm})
	return q, nil
}

func compileDocuments(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	if spec.Type != bsoncore.TypeArray {
		return nil, specInvalid("$documents", "requires an array of documents")
	}
	elems, err := bsonval.Elements(bsonval.Document(spec.Data))
	if err != nil {
		return nil, specInvalid("$documents", "%v", err)
	}
	docs := make([]bsonval.Document, 0, len(elems))
	for _, e := range elems {
		if e.Value.Type != bsoncore.TypeEmbeddedDocument {
			return nil, specInvalid("$documents", "entries must be documents")
		}
		docs = append(docs, bsonval.Document(e.Value.Data))
	}
	q.Table = ""
	q.Docs = docs
	return q, nil
}

// resolveLenient falls back to conventional table naming when the
// catalog has no entry; the executor treats the missing table as empty.
func (c *Compiler) resolveLenient(bctx *qcode.BuildContext, coll string) qcode.Collection {
	if c.ResolveCollection != nil {
		if t, ok := c.ResolveCollection(bctx.Target.Database, coll); ok {
			return t
		}
	}
	return qcode.Collection{
		Database:  bctx.Target.Database,
		Name:      coll,
		TableName: bctx.Target.Database + "." + coll,
	}
}

func (c *Compiler) resolve(bctx *qcode.BuildContext, coll string) (qcode.Collection, error) {
	if c.ResolveCollection != nil {
		t, ok := c.ResolveCollection(bctx.Target.Database, coll)
		if !ok {
			return qcode.Collection{}, &StageError{
				Code: "NamespaceNotFound", Stage: "$unionWith",
				Msg: bctx.Target.Database + "." + coll,
			}
		}
		return t, nil
	}
	return qcode.Collection{
		Database:  bctx.Target.Database,
		Name:      coll,
		TableName: bctx.Target.Database + "." + coll,
	}, nil
}
