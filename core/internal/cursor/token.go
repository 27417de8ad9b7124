package cursor

import (
	"errors"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/stratumdb/stratum/core/internal/bsonval"
)

// Continuation is the opaque token a streamable cursor hands the client:
// the last primary key, per-table scan positions, and the parameter set
// the original query ran with. The encoding is a plain BSON document so
// the frontend can carry it bit-exactly.
type Continuation struct {
	PrimaryKey bsonval.Value
	Tables     []TableContinuation
	Params     bsonval.Document
}

// TableContinuation is one table's resume state.
type TableContinuation struct {
	Table string
	// Position is the zero-based row offset already returned.
	Position int64
}

// Encode serializes the token.
func (c *Continuation) Encode() bsonval.Document {
	w := bsonval.NewDocWriter()
	if c.PrimaryKey.Type != 0 {
		w.AppendValue("primaryKey", c.PrimaryKey)
	}
	w.BeginArray("tableContinuations")
	for _, t := range c.Tables {
		w.BeginDoc("")
		w.AppendString("table", t.Table)
		w.AppendInt64("cursorState", t.Position)
		w.End()
	}
	w.End()
	if c.Params != nil {
		w.AppendValue("params", bsonval.DocValue(c.Params))
	}
	return w.Finish()
}

// DecodeContinuation parses a client-echoed token.
func DecodeContinuation(raw []byte) (*Continuation, error) {
	doc, err := bsonval.Decode(raw)
	if err != nil {
		return nil, errors.New("BadValue: malformed continuation token")
	}
	out := &Continuation{}
	if pk, ok := bsonval.Lookup(doc, "primaryKey"); ok {
		out.PrimaryKey = pk
	}
	if tv, ok := bsonval.Lookup(doc, "tableContinuations"); ok {
		if tv.Type != bsoncore.TypeArray {
			return nil, errors.New("BadValue: malformed continuation token")
		}
		elems, err := bsonval.Elements(bsonval.Document(tv.Data))
		if err != nil {
			return nil, errors.New("BadValue: malformed continuation token")
		}
		for _, e := range elems {
			if e.Value.Type != bsoncore.TypeEmbeddedDocument {
				return nil, errors.New("BadValue: malformed continuation token")
			}
			td := bsonval.Document(e.Value.Data)
			tc := TableContinuation{}
			if nv, ok := bsonval.Lookup(td, "table"); ok {
				tc.Table, _ = tokenString(nv)
			}
			if pv, ok := bsonval.Lookup(td, "cursorState"); ok {
				tc.Position, _ = tokenInt(pv)
			}
			out.Tables = append(out.Tables, tc)
		}
	}
	if pv, ok := bsonval.Lookup(doc, "params"); ok && pv.Type == bsoncore.TypeEmbeddedDocument {
		out.Params = bsonval.Document(pv.Data)
	}
	return out, nil
}

// Position returns the resume offset for a table.
func (c *Continuation) Position(table string) int64 {
	for _, t := range c.Tables {
		if t.Table == table {
			return t.Position
		}
	}
	return 0
}

func tokenString(v bsonval.Value) (string, bool) {
	if v.Type != bsoncore.TypeString || len(v.Data) < 5 {
		return "", false
	}
	l := int(int32(uint32(v.Data[0]) | uint32(v.Data[1])<<8 | uint32(v.Data[2])<<16 | uint32(v.Data[3])<<24))
	if l < 1 || 4+l > len(v.Data) {
		return "", false
	}
	return string(v.Data[4 : 4+l-1]), true
}

func tokenInt(v bsonval.Value) (int64, bool) {
	switch v.Type {
	case bsoncore.TypeInt32:
		return int64(int32(uint32(v.Data[0]) | uint32(v.Data[1])<<8 | uint32(v.Data[2])<<16 | uint32(v.Data[3])<<24)), true
	case bsoncore.TypeInt64:
		var u uint64
		for i := 7; i >= 0; i-- {
			u = u<<8 | uint64(v.Data[i])
		}
		return int64(u), true
	default:
		return 0, false
	}
}
