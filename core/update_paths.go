package core

import (
	"math"
	"strings"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/stratumdb/stratum/core/internal/bsonval"
)

// setPathValue rewrites doc with the dotted path set to v, creating
// intermediate documents on the way down.
func setPathValue(doc bsonval.Document, path string, v bsonval.Value) bsonval.Document {
	return setSegs(doc, strings.Split(path, "."), v)
}

func setSegs(doc bsonval.Document, segs []string, v bsonval.Value) bsonval.Document {
	w := bsonval.NewDocWriter()
	done := false
	elems, _ := bsonval.Elements(doc)
	for _, e := range elems {
		if e.Name != segs[0] {
			w.AppendValue(e.Name, e.Value)
			continue
		}
		done = true
		if len(segs) == 1 {
			w.AppendValue(e.Name, v)
		} else if e.Value.Type == bsoncore.TypeEmbeddedDocument {
			w.AppendValue(e.Name, bsonval.DocValue(setSegs(bsonval.Document(e.Value.Data), segs[1:], v)))
		} else {
			w.AppendValue(e.Name, bsonval.DocValue(setSegs(emptyBSONDoc(), segs[1:], v)))
		}
	}
	if !done {
		if len(segs) == 1 {
			w.AppendValue(segs[0], v)
		} else {
			w.AppendValue(segs[0], bsonval.DocValue(setSegs(emptyBSONDoc(), segs[1:], v)))
		}
	}
	return w.Finish()
}

// unsetPath removes the dotted path; ok reports whether anything was
// removed.
func unsetPath(doc bsonval.Document, path string) (bsonval.Document, bool) {
	segs := strings.Split(path, ".")
	w := bsonval.NewDocWriter()
	removed := false
	elems, _ := bsonval.Elements(doc)
	for _, e := range elems {
		if e.Name != segs[0] {
			w.AppendValue(e.Name, e.Value)
			continue
		}
		if len(segs) == 1 {
			removed = true
			continue
		}
		if e.Value.Type == bsoncore.TypeEmbeddedDocument {
			sub, ok := unsetPath(bsonval.Document(e.Value.Data), strings.Join(segs[1:], "."))
			removed = removed || ok
			w.AppendValue(e.Name, bsonval.DocValue(sub))
			continue
		}
		w.AppendValue(e.Name, e.Value)
	}
	return w.Finish(), removed
}

// incPath adds a numeric delta at the path, creating it when absent.
func incPath(doc bsonval.Document, path string, delta bsonval.Value) (bsonval.Document, error) {
	df, ok := numericValueOf(delta)
	if !ok {
		return nil, newError(CodeTypeMismatch, "$inc requires a numeric argument")
	}
	cur, found := bsonval.ExtractPath(bsonval.DocValue(doc), path, bsonval.ExtractOptions{NoArrayTraversal: true})
	if !found {
		return setPathValue(doc, path, delta), nil
	}
	cf, ok := numericValueOf(cur)
	if !ok {
		return nil, newError(CodeTypeMismatch, "cannot $inc a non-numeric field %q", path)
	}
	sum := cf + df
	var nv bsonval.Value
	if sum == math.Trunc(sum) && math.Abs(sum) < 1<<53 &&
		cur.Type != bsoncore.TypeDouble && delta.Type != bsoncore.TypeDouble {
		nv = int64BSON(int64(sum))
	} else {
		nv = doubleBSON(sum)
	}
	return setPathValue(doc, path, nv), nil
}

// pushPath appends to the array at path, creating it when absent.
func pushPath(doc bsonval.Document, path string, v bsonval.Value) bsonval.Document {
	cur, found := bsonval.ExtractPath(bsonval.DocValue(doc), path, bsonval.ExtractOptions{NoArrayTraversal: true})
	aw := bsonval.NewArrayWriter()
	if found && cur.Type == bsoncore.TypeArray {
		elems, _ := bsonval.Elements(bsonval.Document(cur.Data))
		for _, e := range elems {
			aw.AppendValue(e.Value)
		}
	}
	aw.AppendValue(v)
	return setPathValue(doc, path, bsonval.Value{Type: bsoncore.TypeArray, Data: aw.Finish()})
}

func numericValueOf(v bsonval.Value) (float64, bool) {
	switch v.Type {
	case bsoncore.TypeInt32:
		return float64(int32(leU32(v.Data))), true
	case bsoncore.TypeInt64:
		return float64(int64(leU64(v.Data))), true
	case bsoncore.TypeDouble:
		return math.Float64frombits(leU64(v.Data)), true
	default:
		return 0, false
	}
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leU64(b []byte) uint64 {
	var u uint64
	for i := 7; i >= 0; i-- {
		u = u<<8 | uint64(b[i])
	}
	return u
}

func int64BSON(i int64) bsonval.Value {
	b := make([]byte, 8)
	for k := 0; k < 8; k++ {
		b[k] = byte(i >> (8 * k))
	}
	return bsonval.Value{Type: bsoncore.TypeInt64, Data: b}
}

func doubleBSON(f float64) bsonval.Value {
	u := math.Float64bits(f)
	b := make([]byte, 8)
	for k := 0; k < 8; k++ {
		b[k] = byte(u >> (8 * k))
	}
	return bsonval.Value{Type: bsoncore.TypeDouble, Data: b}
}

func emptyBSONDoc() bsonval.Document {
	return bsonval.Document([]byte{5, 0, 0, 0, 0})
}

// retry-record result encodings: small BSON documents so the records can
// persist through the row store later without a format change.

func encodeInsertResult(r *InsertResult) bsonval.Document {
	w := bsonval.NewDocWriter()
	w.AppendInt64("n", r.Inserted)
	w.BeginArray("writeErrors")
	for _, we := range r.WriteErrors {
		w.BeginDoc("")
		w.AppendInt32("index", int32(we.Index))
		w.AppendString("code", string(we.Code))
		w.AppendString("errmsg", we.Msg)
		w.End()
	}
	w.End()
	return w.Finish()
}

func decodeInsertResult(d bsonval.Document) *InsertResult {
	r := &InsertResult{}
	if v, ok := bsonval.Lookup(d, "n"); ok {
		r.Inserted, _ = intFromValue(v)
	}
	if v, ok := bsonval.Lookup(d, "writeErrors"); ok && v.Type == bsoncore.TypeArray {
		elems, _ := bsonval.Elements(bsonval.Document(v.Data))
		for _, e := range elems {
			if e.Value.Type != bsoncore.TypeEmbeddedDocument {
				continue
			}
			ed := bsonval.Document(e.Value.Data)
			we := WriteError{}
			if iv, ok := bsonval.Lookup(ed, "index"); ok {
				n, _ := intFromValue(iv)
				we.Index = int(n)
			}
			if cv, ok := bsonval.Lookup(ed, "code"); ok {
				s, _ := rawString(cv)
				we.Code = Code(s)
			}
			if mv, ok := bsonval.Lookup(ed, "errmsg"); ok {
				we.Msg, _ = rawString(mv)
			}
			r.WriteErrors = append(r.WriteErrors, we)
		}
	}
	return r
}

func encodeUpdateResult(r *UpdateResult) bsonval.Document {
	w := bsonval.NewDocWriter()
	w.AppendInt64("n", r.Matched)
	w.AppendInt64("nModified", r.Modified)
	if len(r.Upserted) != 0 {
		if d, err := bsonval.Decode(r.Upserted); err == nil {
			w.AppendValue("upserted", bsonval.DocValue(d))
		}
	}
	return w.Finish()
}

func decodeUpdateResult(d bsonval.Document) *UpdateResult {
	r := &UpdateResult{}
	if v, ok := bsonval.Lookup(d, "n"); ok {
		r.Matched, _ = intFromValue(v)
	}
	if v, ok := bsonval.Lookup(d, "nModified"); ok {
		r.Modified, _ = intFromValue(v)
	}
	if v, ok := bsonval.Lookup(d, "upserted"); ok && v.Type == bsoncore.TypeEmbeddedDocument {
		r.Upserted = RawDocument(v.Data)
	}
	return r
}

func encodeDeleteResult(r *DeleteResult) bsonval.Document {
	w := bsonval.NewDocWriter()
	w.AppendInt64("n", r.Deleted)
	return w.Finish()
}

func decodeDeleteResult(d bsonval.Document) *DeleteResult {
	r := &DeleteResult{}
	if v, ok := bsonval.Lookup(d, "n"); ok {
		r.Deleted, _ = intFromValue(v)
	}
	return r
}

func rawString(v bsonval.Value) (string, bool) {
	if v.Type != bsoncore.TypeString || len(v.Data) < 5 {
		return "", false
	}
	l := int(int32(leU32(v.Data)))
	if l < 1 || 4+l > len(v.Data) {
		return "", false
	}
	return string(v.Data[4 : 4+l-1]), true
}
