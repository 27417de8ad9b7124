// Package bsonval implements the engine's BSON value model: a zero-copy
// decoder, canonical comparison and hashing, dotted-path extraction and
// document builders, all over the raw length-prefixed wire form.
package bsonval

import (
	"encoding/binary"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
)

// Value is the raw tagged value the model operates on. The Data slice
// aliases the source buffer; no copies are made during decoding.
type Value = bsoncore.Value

// Document is a raw BSON document (or array body).
type Document = bsoncore.Document

// Decode validates b as a BSON document and returns it without copying.
// The whole buffer is walked once; nested documents are validated to
// MaxDepth.
func Decode(b []byte) (Document, error) {
	if err := validateDoc(b, 0, 0); err != nil {
		return nil, err
	}
	return Document(b[:int(int32(binary.LittleEndian.Uint32(b)))]), nil
}

func validateDoc(b []byte, base, depth int) error {
	if depth > MaxDepth {
		return decodeErr(ErrDepthExceeded, base)
	}
	if len(b) < 5 {
		return decodeErr(ErrTruncated, base)
	}
	length := int(int32(binary.LittleEndian.Uint32(b)))
	if length < 5 || length > len(b) {
		return decodeErr(ErrLengthMismatch, base)
	}
	if b[length-1] != 0 {
		return decodeErr(ErrMissingTerminator, base+length-1)
	}
	pos := 4
	for pos < length-1 {
		t := bsoncore.Type(b[pos])
		pos++
		nameEnd := pos
		for nameEnd < length-1 && b[nameEnd] != 0 {
			nameEnd++
		}
		if nameEnd >= length-1 {
			return decodeErr(ErrInvalidCString, base+pos)
		}
		pos = nameEnd + 1
		vlen, err := valueLength(t, b[pos:length-1], base+pos)
		if err != nil {
			return err
		}
		switch t {
		case bsoncore.TypeEmbeddedDocument, bsoncore.TypeArray:
			if err := validateDoc(b[pos:pos+vlen], base+pos, depth+1); err != nil {
				return err
			}
		case bsoncore.TypeCodeWithScope:
			// code string length then scope document
			if vlen < 14 {
				return decodeErr(ErrTruncated, base+pos)
			}
			strLen := int(int32(binary.LittleEndian.Uint32(b[pos+4:])))
			if strLen < 1 || 4+4+strLen > vlen {
				return decodeErr(ErrLengthMismatch, base+pos+4)
			}
			scope := b[pos+8+strLen : pos+vlen]
			if err := validateDoc(scope, base+8+strLen+pos, depth+1); err != nil {
				return err
			}
		}
		pos += vlen
	}
	if pos != length-1 {
		return decodeErr(ErrLengthMismatch, base+pos)
	}
	return nil
}

// valueLength returns the encoded length of a value of type t at the head
// of b. b holds at least the remaining element bytes of the enclosing
// document; off is the absolute offset used for error reporting.
func valueLength(t bsoncore.Type, b []byte, off int) (int, error) {
	need := func(n int) error {
		if len(b) < n {
			return decodeErr(ErrTruncated, off)
		}
		return nil
	}
	switch t {
	case bsoncore.TypeNull, bsoncore.TypeUndefined, bsoncore.TypeMinKey, bsoncore.TypeMaxKey:
		return 0, nil
	case bsoncore.TypeBoolean:
		return 1, need(1)
	case bsoncore.TypeInt32:
		return 4, need(4)
	case bsoncore.TypeDouble, bsoncore.TypeInt64, bsoncore.TypeDateTime, bsoncore.TypeTimestamp:
		return 8, need(8)
	case bsoncore.TypeDecimal128:
		return 16, need(16)
	case bsoncore.TypeObjectID:
		return 12, need(12)
	case bsoncore.TypeString, bsoncore.TypeSymbol, bsoncore.TypeJavaScript:
		if err := need(4); err != nil {
			return 0, err
		}
		slen := int(int32(binary.LittleEndian.Uint32(b)))
		if slen < 1 || slen > len(b)-4 {
			return 0, decodeErr(ErrLengthMismatch, off)
		}
		if b[4+slen-1] != 0 {
			return 0, decodeErr(ErrMissingTerminator, off+4+slen-1)
		}
		return 4 + slen, nil
	case bsoncore.TypeEmbeddedDocument, bsoncore.TypeArray, bsoncore.TypeCodeWithScope:
		if err := need(4); err != nil {
			return 0, err
		}
		dlen := int(int32(binary.LittleEndian.Uint32(b)))
		if dlen < 5 || dlen > len(b) {
			return 0, decodeErr(ErrLengthMismatch, off)
		}
		return dlen, nil
	case bsoncore.TypeBinary:
		if err := need(5); err != nil {
			return 0, err
		}
		blen := int(int32(binary.LittleEndian.Uint32(b)))
		if blen < 0 || blen > len(b)-5 {
			return 0, decodeErr(ErrLengthMismatch, off)
		}
		return 5 + blen, nil
	case bsoncore.TypeRegex:
		pos := 0
		for i := 0; i < 2; i++ {
			start := pos
			for pos < len(b) && b[pos] != 0 {
				pos++
			}
			if pos >= len(b) {
				return 0, decodeErr(ErrInvalidCString, off+start)
			}
			pos++
		}
		return pos, nil
	case bsoncore.TypeDBPointer:
		if err := need(4); err != nil {
			return 0, err
		}
		slen := int(int32(binary.LittleEndian.Uint32(b)))
		if slen < 1 || 4+slen+12 > len(b) {
			return 0, decodeErr(ErrLengthMismatch, off)
		}
		return 4 + slen + 12, nil
	default:
		return 0, decodeErr(ErrUnknownType, off-1)
	}
}

// Iter walks a document's elements lazily without copying. The document
// must have been validated (Decode) first; Iter still degrades safely on
// malformed input by returning an error from Next.
type Iter struct {
	buf []byte
	pos int
	end int
	err error
}

// Iterate returns an element iterator over doc.
func Iterate(doc Document) (*Iter, error) {
	if len(doc) < 5 {
		return nil, decodeErr(ErrTruncated, 0)
	}
	length := int(int32(binary.LittleEndian.Uint32(doc)))
	if length < 5 || length > len(doc) {
		return nil, decodeErr(ErrLengthMismatch, 0)
	}
	return &Iter{buf: doc, pos: 4, end: length - 1}, nil
}

// Next returns the next (name, value) pair. ok is false when the iterator
// is exhausted or an error occurred; check Err after a false ok.
func (it *Iter) Next() (name string, val Value, ok bool) {
	if it.err != nil || it.pos >= it.end {
		return "", Value{}, false
	}
	t := bsoncore.Type(it.buf[it.pos])
	it.pos++
	start := it.pos
	for it.pos < it.end && it.buf[it.pos] != 0 {
		it.pos++
	}
	if it.pos >= it.end {
		it.err = decodeErr(ErrInvalidCString, start)
		return "", Value{}, false
	}
	name = string(it.buf[start:it.pos])
	it.pos++
	vlen, err := valueLength(t, it.buf[it.pos:it.end], it.pos)
	if err != nil {
		it.err = err
		return "", Value{}, false
	}
	val = Value{Type: t, Data: it.buf[it.pos : it.pos+vlen]}
	it.pos += vlen
	return name, val, true
}

// Err reports the decoding error that stopped iteration, if any.
func (it *Iter) Err() error { return it.err }

// Elements materializes all (name, value) pairs of doc in order.
func Elements(doc Document) ([]Element, error) {
	it, err := Iterate(doc)
	if err != nil {
		return nil, err
	}
	var out []Element
	for {
		n, v, ok := it.Next()
		if !ok {
			return out, it.Err()
		}
		out = append(out, Element{Name: n, Value: v})
	}
}

// Element is a decoded (name, value) pair.
type Element struct {
	Name  string
	Value Value
}

// Lookup returns the value of the named top-level field.
func Lookup(doc Document, name string) (Value, bool) {
	it, err := Iterate(doc)
	if err != nil {
		return Value{}, false
	}
	for {
		n, v, ok := it.Next()
		if !ok {
			return Value{}, false
		}
		if n == name {
			return v, true
		}
	}
}

// DocValue wraps a document as a Value.
func DocValue(doc Document) Value {
	return Value{Type: bsoncore.TypeEmbeddedDocument, Data: doc}
}

// Null is the BSON null value.
func Null() Value { return Value{Type: bsoncore.TypeNull} }
