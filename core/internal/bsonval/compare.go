package bsonval

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/big"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// typeClass is the canonical cross-type sort rank. Values of different
// classes order by rank alone; values of the same class order by the
// per-class rules below.
func typeClass(t bsoncore.Type) int {
	switch t {
	case bsoncore.TypeMinKey:
		return 0
	case bsoncore.TypeUndefined:
		return 1
	case bsoncore.TypeNull:
		return 2
	case bsoncore.TypeInt32, bsoncore.TypeInt64, bsoncore.TypeDouble, bsoncore.TypeDecimal128:
		return 3
	case bsoncore.TypeString, bsoncore.TypeSymbol:
		return 4
	case bsoncore.TypeEmbeddedDocument:
		return 5
	case bsoncore.TypeArray:
		return 6
	case bsoncore.TypeBinary:
		return 7
	case bsoncore.TypeObjectID:
		return 8
	case bsoncore.TypeDBPointer:
		return 9
	case bsoncore.TypeBoolean:
		return 10
	case bsoncore.TypeDateTime:
		return 11
	case bsoncore.TypeTimestamp:
		return 12
	case bsoncore.TypeRegex:
		return 13
	case bsoncore.TypeJavaScript:
		return 14
	case bsoncore.TypeCodeWithScope:
		return 15
	case bsoncore.TypeMaxKey:
		return 16
	default:
		return 1
	}
}

// Collation is a compiled locale-aware string comparator.
type Collation struct {
	locale string
	col    *collate.Collator
}

// NewCollation compiles an ICU-style locale tag ("en", "fr-CA", ...).
func NewCollation(locale string) (*Collation, error) {
	tag, err := language.Parse(locale)
	if err != nil {
		return nil, err
	}
	return &Collation{locale: locale, col: collate.New(tag)}, nil
}

// Locale returns the tag the collation was built from.
func (c *Collation) Locale() string { return c.locale }

func (c *Collation) compareStrings(a, b string) int {
	return c.col.CompareString(a, b)
}

// Key returns the sort key for s, usable as an order-preserving index term.
func (c *Collation) Key(s string) []byte {
	var buf collate.Buffer
	k := c.col.KeyFromString(&buf, s)
	out := make([]byte, len(k))
	copy(out, k)
	return out
}

// Compare orders a against b under the canonical cross-type ordering.
// Returns -1, 0 or +1. A nil collation means byte-lexicographic strings.
func Compare(a, b Value, coll *Collation) int {
	return compareDepth(a, b, coll, 0)
}

func compareDepth(a, b Value, coll *Collation, depth int) int {
	if depth > MaxDepth {
		return 0
	}
	ca, cb := typeClass(a.Type), typeClass(b.Type)
	if ca != cb {
		return sign(ca - cb)
	}
	switch ca {
	case 0, 1, 2, 16: // minkey, undefined/missing, null, maxkey
		return 0
	case 3:
		return compareNumbers(a, b)
	case 4:
		as, _ := readString(a.Data)
		bs, _ := readString(b.Data)
		if coll != nil {
			return coll.compareStrings(as, bs)
		}
		return bytes.Compare([]byte(as), []byte(bs))
	case 5:
		return compareDocs(Document(a.Data), Document(b.Data), coll, depth)
	case 6:
		return compareArrays(Document(a.Data), Document(b.Data), coll, depth)
	case 7:
		return compareBinary(a.Data, b.Data)
	case 8:
		return bytes.Compare(a.Data, b.Data)
	case 10:
		return sign(int(a.Data[0]) - int(b.Data[0]))
	case 11:
		return cmpInt64(readInt64(a.Data), readInt64(b.Data))
	case 12:
		// timestamp: seconds then counter; stored counter-low, seconds-high
		if c := cmpUint32(binary.LittleEndian.Uint32(a.Data[4:]), binary.LittleEndian.Uint32(b.Data[4:])); c != 0 {
			return c
		}
		return cmpUint32(binary.LittleEndian.Uint32(a.Data), binary.LittleEndian.Uint32(b.Data))
	case 13:
		return bytes.Compare(a.Data, b.Data)
	default:
		return bytes.Compare(a.Data, b.Data)
	}
}

// SameTypeClass reports whether a and b share a canonical sort class.
// Range operators are type-bracketed: they never match across classes.
func SameTypeClass(a, b Value) bool { return typeClass(a.Type) == typeClass(b.Type) }

// Equal reports canonical equality without a collation.
func Equal(a, b Value) bool { return Compare(a, b, nil) == 0 }

func compareDocs(a, b Document, coll *Collation, depth int) int {
	ai, errA := Iterate(a)
	bi, errB := Iterate(b)
	if errA != nil || errB != nil {
		return bytes.Compare(a, b)
	}
	for {
		an, av, aok := ai.Next()
		bn, bv, bok := bi.Next()
		switch {
		case !aok && !bok:
			return 0
		case !aok:
			return -1
		case !bok:
			return 1
		}
		if c := sign(typeClass(av.Type) - typeClass(bv.Type)); c != 0 {
			return c
		}
		if c := bytes.Compare([]byte(an), []byte(bn)); c != 0 {
			return c
		}
		if c := compareDepth(av, bv, coll, depth+1); c != 0 {
			return c
		}
	}
}

func compareArrays(a, b Document, coll *Collation, depth int) int {
	ai, errA := Iterate(a)
	bi, errB := Iterate(b)
	if errA != nil || errB != nil {
		return bytes.Compare(a, b)
	}
	for {
		_, av, aok := ai.Next()
		_, bv, bok := bi.Next()
		switch {
		case !aok && !bok:
			return 0
		case !aok:
			return -1
		case !bok:
			return 1
		}
		if c := compareDepth(av, bv, coll, depth+1); c != 0 {
			return c
		}
	}
}

func compareBinary(a, b []byte) int {
	al := int(int32(binary.LittleEndian.Uint32(a)))
	bl := int(int32(binary.LittleEndian.Uint32(b)))
	if al != bl {
		return sign(al - bl)
	}
	if a[4] != b[4] {
		return sign(int(a[4]) - int(b[4]))
	}
	return bytes.Compare(a[5:], b[5:])
}

// numKind discriminates the numeric fast paths.
type numKind int

const (
	numInt numKind = iota
	numFloat
	numDecimal
	numNaN
)

type number struct {
	kind numKind
	i    int64
	f    float64
	dec  bson.Decimal128
}

func numericValue(v Value) number {
	switch v.Type {
	case bsoncore.TypeInt32:
		return number{kind: numInt, i: int64(int32(binary.LittleEndian.Uint32(v.Data)))}
	case bsoncore.TypeInt64:
		return number{kind: numInt, i: readInt64(v.Data)}
	case bsoncore.TypeDouble:
		f := math.Float64frombits(binary.LittleEndian.Uint64(v.Data))
		if math.IsNaN(f) {
			return number{kind: numNaN}
		}
		return number{kind: numFloat, f: f}
	case bsoncore.TypeDecimal128:
		l := binary.LittleEndian.Uint64(v.Data)
		h := binary.LittleEndian.Uint64(v.Data[8:])
		d := bson.NewDecimal128(h, l)
		if d.IsNaN() {
			return number{kind: numNaN}
		}
		return number{kind: numDecimal, dec: d}
	}
	return number{kind: numNaN}
}

func compareNumbers(a, b Value) int {
	na, nb := numericValue(a), numericValue(b)
	// NaN sorts below every number and equal to itself.
	if na.kind == numNaN || nb.kind == numNaN {
		if na.kind == nb.kind {
			return 0
		}
		if na.kind == numNaN {
			return -1
		}
		return 1
	}
	if na.kind == numInt && nb.kind == numInt {
		return cmpInt64(na.i, nb.i)
	}
	if na.kind != numDecimal && nb.kind != numDecimal {
		af, bf := na.float(), nb.float()
		// Route through big.Rat when a float looses int64 precision.
		if na.kind == numInt && !exactFloat(na.i) || nb.kind == numInt && !exactFloat(nb.i) {
			return na.rat().Cmp(nb.rat())
		}
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	// Decimal128 involved: infinities first, then exact rationals.
	ar, ainf := na.ratInf()
	br, binf := nb.ratInf()
	if ainf != 0 || binf != 0 {
		return sign(ainf - binf)
	}
	return ar.Cmp(br)
}

func (n number) float() float64 {
	if n.kind == numInt {
		return float64(n.i)
	}
	return n.f
}

func exactFloat(i int64) bool {
	return i >= -(1<<53) && i <= 1<<53
}

func (n number) rat() *big.Rat {
	r, _ := n.ratInf()
	return r
}

// ratInf converts to an exact rational; inf is -1/+1 for infinities.
func (n number) ratInf() (*big.Rat, int) {
	switch n.kind {
	case numInt:
		return new(big.Rat).SetInt64(n.i), 0
	case numFloat:
		if math.IsInf(n.f, 1) {
			return nil, 1
		}
		if math.IsInf(n.f, -1) {
			return nil, -1
		}
		return new(big.Rat).SetFloat64(n.f), 0
	case numDecimal:
		if inf := n.dec.IsInf(); inf != 0 {
			return nil, inf
		}
		coeff, exp, err := n.dec.BigInt()
		if err != nil {
			return new(big.Rat), 0
		}
		r := new(big.Rat).SetInt(coeff)
		pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(abs(exp))), nil)
		if exp >= 0 {
			return r.Mul(r, new(big.Rat).SetInt(pow)), 0
		}
		return r.Quo(r, new(big.Rat).SetInt(pow)), 0
	}
	return new(big.Rat), 0
}

func readString(b []byte) (string, bool) {
	if len(b) < 5 {
		return "", false
	}
	l := int(int32(binary.LittleEndian.Uint32(b)))
	if l < 1 || 4+l > len(b) {
		return "", false
	}
	return string(b[4 : 4+l-1]), true
}

func readInt64(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}

func sign(i int) int {
	switch {
	case i < 0:
		return -1
	case i > 0:
		return 1
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint32(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}
