package pipeline

import (
	"encoding/binary"
	"math"
	"strings"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/qcode"
)

func compileSetWindowFields(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	doc, err := specDoc("$setWindowFields", spec)
	if err != nil {
		return nil, err
	}
	partition, _ := bsonval.Lookup(doc, "partitionBy")

	var sortBy []qcode.OrderBy
	if sv, found := bsonval.Lookup(doc, "sortBy"); found {
		if sv.Type != bsoncore.TypeEmbeddedDocument {
			return nil, specInvalid("$setWindowFields", "sortBy must be a document")
		}
		if sortBy, err = ParseSortSpec(bsonval.Document(sv.Data)); err != nil {
			return nil, err
		}
	}

	outSpec, ok := bsonval.Lookup(doc, "output")
	if !ok || outSpec.Type != bsoncore.TypeEmbeddedDocument {
		return nil, specInvalid("$setWindowFields", "requires output document")
	}
	outs, err := bsonval.Elements(bsonval.Document(outSpec.Data))
	if err != nil || len(outs) == 0 {
		return nil, specInvalid("$setWindowFields", "output requires at least one field")
	}

	delegable := bctx.ShardAligned(partition)
	q = ensure(q, !q.IsBare())
	for _, o := range outs {
		if o.Value.Type != bsoncore.TypeEmbeddedDocument {
			return nil, specInvalid("$setWindowFields", "output %q must be a document", o.Name)
		}
		it, _ := bsonval.Iterate(bsonval.Document(o.Value.Data))
		fn, arg, ok := it.Next()
		if !ok || !strings.HasPrefix(fn, "$") {
			return nil, specInvalid("$setWindowFields", "output %q needs a window function", o.Name)
		}
		q.Windows = append(q.Windows, qcode.Window{
			Name:           o.Name,
			Func:           fn,
			Arg:            arg,
			PartitionBy:    partition,
			SortBy:         sortBy,
			ShardDelegable: delegable,
		})
	}
	return q, nil
}

func compileDensify(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	doc, err := specDoc("$densify", spec)
	if err != nil {
		return nil, err
	}
	field, ok := docStringField(bsonval.DocValue(doc), "field")
	if !ok {
		return nil, specInvalid("$densify", "requires field")
	}
	rng, ok := bsonval.Lookup(doc, "range")
	if !ok || rng.Type != bsoncore.TypeEmbeddedDocument {
		return nil, specInvalid("$densify", "requires range")
	}
	rd := bsonval.Document(rng.Data)
	stepV, ok := bsonval.Lookup(rd, "step")
	if !ok {
		return nil, specInvalid("$densify", "range requires step")
	}
	step, ok := floatValue(stepV)
	if !ok || step <= 0 {
		return nil, specInvalid("$densify", "step must be a positive number")
	}

	d := &qcode.Densify{Field: field, Step: step, BoundsKind: "full"}
	if bv, found := bsonval.Lookup(rd, "bounds"); found {
		switch bv.Type {
		case bsoncore.TypeString:
			kind, _ := valueString(bv)
			if kind != "full" && kind != "partition" {
				return nil, specInvalid("$densify", "bounds must be full, partition or [lower, upper]")
			}
			d.BoundsKind = kind
		case bsoncore.TypeArray:
			elems, err := bsonval.Elements(bsonval.Document(bv.Data))
			if err != nil || len(elems) != 2 {
				return nil, specInvalid("$densify", "explicit bounds must be [lower, upper]")
			}
			d.BoundsKind = "explicit"
			d.Lower, d.Upper = elems[0].Value, elems[1].Value
		default:
			return nil, specInvalid("$densify", "bad bounds")
		}
	}
	if pv, found := bsonval.Lookup(doc, "partitionByFields"); found && pv.Type == bsoncore.TypeArray {
		elems, _ := bsonval.Elements(bsonval.Document(pv.Data))
		for _, e := range elems {
			s, _ := valueString(e.Value)
			d.PartitionByFields = append(d.PartitionByFields, s)
		}
	}
	q = ensure(q, !q.IsBare())
	q.Densify = d
	return q, nil
}

func compileFill(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	doc, err := specDoc("$fill", spec)
	if err != nil {
		return nil, err
	}
	outSpec, ok := bsonval.Lookup(doc, "output")
	if !ok || outSpec.Type != bsoncore.TypeEmbeddedDocument {
		return nil, specInvalid("$fill", "requires output document")
	}
	f := &qcode.Fill{Methods: map[string]string{}, Values: map[string]bsonval.Value{}}

	if sv, found := bsonval.Lookup(doc, "sortBy"); found && sv.Type == bsoncore.TypeEmbeddedDocument {
		if f.SortBy, err = ParseSortSpec(bsonval.Document(sv.Data)); err != nil {
			return nil, err
		}
	}
	if pv, found := bsonval.Lookup(doc, "partitionByFields"); found && pv.Type == bsoncore.TypeArray {
		elems, _ := bsonval.Elements(bsonval.Document(pv.Data))
		for _, e := range elems {
			s, _ := valueString(e.Value)
			f.PartitionByFields = append(f.PartitionByFields, s)
		}
	}

	outs, err := bsonval.Elements(bsonval.Document(outSpec.Data))
	if err != nil || len(outs) == 0 {
		return nil, specInvalid("$fill", "output requires at least one field")
	}
	for _, o := range outs {
		if o.Value.Type != bsoncore.TypeEmbeddedDocument {
			return nil, specInvalid("$fill", "output %q must be a document", o.Name)
		}
		od := bsonval.Document(o.Value.Data)
		if mv, found := bsonval.Lookup(od, "method"); found {
			m, _ := valueString(mv)
			if m != "locf" && m != "linear" {
				return nil, specInvalid("$fill", "unknown fill method %q", m)
			}
			f.Methods[o.Name] = m
			continue
		}
		if vv, found := bsonval.Lookup(od, "value"); found {
			f.Values[o.Name] = vv
			continue
		}
		return nil, specInvalid("$fill", "output %q requires method or value", o.Name)
	}
	q = ensure(q, q.Fill != nil)
	q.Fill = f
	return q, nil
}

func compileRedact(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	switch spec.Type {
	case bsoncore.TypeString, bsoncore.TypeEmbeddedDocument:
	default:
		return nil, specInvalid("$redact", "requires an expression")
	}
	q = ensure(q, q.Redact.Type != 0 || q.Project != nil)
	q.Redact = spec
	return q, nil
}

func floatValue(v bsonval.Value) (float64, bool) {
	if i, ok := intValue(v); ok {
		return float64(i), true
	}
	if v.Type != bsoncore.TypeDouble || len(v.Data) < 8 {
		return 0, false
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(v.Data)), true
}
