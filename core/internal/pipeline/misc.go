package pipeline

import (
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/qcode"
)

func compileGeoNear(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	doc, err := specDoc("$geoNear", spec)
	if err != nil {
		return nil, err
	}
	near, ok := bsonval.Lookup(doc, "near")
	if !ok {
		return nil, specInvalid("$geoNear", "requires near")
	}
	key, _ := docStringField(bsonval.DocValue(doc), "key")
	if key == "" {
		key = "location"
	}
	distField, _ := docStringField(bsonval.DocValue(doc), "distanceField")

	ex := qcode.NewExp(qcode.OpGeoNear)
	ex.Path = key
	ex.Val = near
	ex.ParamID = bctx.NextParam()
	q.Where = qcode.And(q.Where, ex)
	if distField != "" {
		// the spatial engine materializes the computed distance under
		// this output path
		q.Order = append(q.Order, qcode.OrderBy{Path: distField})
	}
	return q, nil
}

func compileSearch(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	if _, err := specDoc("$search", spec); err != nil {
		return nil, err
	}
	ex := qcode.NewExp(qcode.OpText)
	ex.Val = spec
	ex.ParamID = bctx.NextParam()
	q.Where = qcode.And(q.Where, ex)
	return q, nil
}

func compileVectorSearch(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	doc, err := specDoc("$vectorSearch", spec)
	if err != nil {
		return nil, err
	}
	path, ok := docStringField(bsonval.DocValue(doc), "path")
	if !ok {
		return nil, specInvalid("$vectorSearch", "requires path")
	}
	if _, ok := bsonval.Lookup(doc, "queryVector"); !ok {
		return nil, specInvalid("$vectorSearch", "requires queryVector")
	}
	limit := int64(-1)
	if lv, found := bsonval.Lookup(doc, "limit"); found {
		n, ok := intValue(lv)
		if !ok || n <= 0 {
			return nil, specInvalid("$vectorSearch", "limit must be a positive integer")
		}
		limit = n
	}
	ex := qcode.NewExp(qcode.OpVectorNear)
	ex.Path = path
	ex.Val = spec
	ex.ParamID = bctx.NextParam()
	q.Where = qcode.And(q.Where, ex)
	if limit > 0 {
		q.Limit = limit
	}
	return q, nil
}

func compileOut(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	out := &qcode.Output{Database: bctx.Target.Database}
	switch spec.Type {
	case bsoncore.TypeString:
		out.Collection, _ = valueString(spec)
	case bsoncore.TypeEmbeddedDocument:
		d := bsonval.Document(spec.Data)
		out.Database, _ = docStringField(bsonval.DocValue(d), "db")
		out.Collection, _ = docStringField(bsonval.DocValue(d), "coll")
	default:
		return nil, specInvalid("$out", "requires a collection name")
	}
	if out.Collection == "" {
		return nil, specInvalid("$out", "requires a collection name")
	}
	q = ensure(q, q.Out != nil)
	q.Out = out
	return q, nil
}

func compileMerge(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	out := &qcode.Output{
		Database:       bctx.Target.Database,
		WhenMatched:    "merge",
		WhenNotMatched: "insert",
		On:             []string{"_id"},
	}
	switch spec.Type {
	case bsoncore.TypeString:
		out.Collection, _ = valueString(spec)
	case bsoncore.TypeEmbeddedDocument:
		d := bsonval.Document(spec.Data)
		into, ok := bsonval.Lookup(d, "into")
		if !ok {
			return nil, specInvalid("$merge", "requires into")
		}
		switch into.Type {
		case bsoncore.TypeString:
			out.Collection, _ = valueString(into)
		case bsoncore.TypeEmbeddedDocument:
			id := bsonval.Document(into.Data)
			out.Database, _ = docStringField(bsonval.DocValue(id), "db")
			out.Collection, _ = docStringField(bsonval.DocValue(id), "coll")
		}
		if wm, found := docStringField(bsonval.DocValue(d), "whenMatched"); found {
			switch wm {
			case "replace", "keepExisting", "merge", "fail":
				out.WhenMatched = wm
			default:
				return nil, specInvalid("$merge", "unsupported whenMatched %q", wm)
			}
		}
		if wn, found := docStringField(bsonval.DocValue(d), "whenNotMatched"); found {
			switch wn {
			case "insert", "discard", "fail":
				out.WhenNotMatched = wn
			default:
				return nil, specInvalid("$merge", "unsupported whenNotMatched %q", wn)
			}
		}
		if on, found := bsonval.Lookup(d, "on"); found {
			out.On = out.On[:0]
			switch on.Type {
			case bsoncore.TypeString:
				s, _ := valueString(on)
				out.On = append(out.On, s)
			case bsoncore.TypeArray:
				elems, _ := bsonval.Elements(bsonval.Document(on.Data))
				for _, e := range elems {
					s, _ := valueString(e.Value)
					out.On = append(out.On, s)
				}
			}
		}
	default:
		return nil, specInvalid("$merge", "requires a collection name or document")
	}
	if out.Collection == "" {
		return nil, specInvalid("$merge", "requires a collection name")
	}
	q = ensure(q, q.Out != nil)
	q.Out = out
	return q, nil
}

func compileChangeStream(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	if spec.Type != bsoncore.TypeEmbeddedDocument {
		return nil, specInvalid("$changeStream", "requires a document")
	}
	bctx.Tailable = true
	q.Virtual = "changeStream"
	q.Table = bctx.Target.TableName
	return q, nil
}

func compileCurrentOp(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	if bctx.Target.Name != "" {
		return nil, specInvalid("$currentOp", "only valid on database-level aggregate")
	}
	q.Table = ""
	q.Virtual = "currentOp"
	return q, nil
}

func compileIndexStats(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	q.Table = ""
	q.Virtual = "indexStats"
	return q, nil
}

func compileCollStats(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	if _, err := specDoc("$collStats", spec); err != nil {
		return nil, err
	}
	q.Table = ""
	q.Virtual = "collStats"
	return q, nil
}

func compileListSessions(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	if bctx.Target.Name != "" {
		return nil, specInvalid("$listSessions", "only valid on database-level aggregate")
	}
	q.Table = ""
	q.Virtual = "listSessions"
	return q, nil
}

// compileInhibit blocks stage reordering around it: the tree wraps so
// neighbors land in different levels.
func compileInhibit(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	bctx.RequiresSubquery = true
	return q, nil
}
