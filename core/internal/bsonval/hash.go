package bsonval

import (
	"encoding/binary"
	"hash/fnv"
	"math"
)

// Hash returns the canonical 64-bit hash of v: values that Compare equal
// hash equal, across numeric widths and across string/symbol. Used by
// hashed indexes and group accumulators.
func Hash(v Value) int64 {
	h := fnv.New64a()
	hashValue(h, v, 0)
	return int64(h.Sum64())
}

type hasher interface {
	Write([]byte) (int, error)
}

func hashValue(h hasher, v Value, depth int) {
	if depth > MaxDepth {
		return
	}
	var tag [1]byte
	switch typeClass(v.Type) {
	case 0, 1, 2, 16:
		tag[0] = byte(typeClass(v.Type))
		h.Write(tag[:])
	case 3:
		hashNumber(h, v)
	case 4:
		s, _ := readString(v.Data)
		tag[0] = 4
		h.Write(tag[:])
		h.Write([]byte(s))
	case 5:
		tag[0] = 5
		h.Write(tag[:])
		it, err := Iterate(Document(v.Data))
		if err != nil {
			h.Write(v.Data)
			return
		}
		for {
			n, ev, ok := it.Next()
			if !ok {
				return
			}
			h.Write([]byte(n))
			h.Write([]byte{0})
			hashValue(h, ev, depth+1)
		}
	case 6:
		tag[0] = 6
		h.Write(tag[:])
		it, err := Iterate(Document(v.Data))
		if err != nil {
			h.Write(v.Data)
			return
		}
		for {
			_, ev, ok := it.Next()
			if !ok {
				return
			}
			hashValue(h, ev, depth+1)
		}
	default:
		tag[0] = byte(typeClass(v.Type))
		h.Write(tag[:])
		h.Write(v.Data)
	}
}

// hashNumber writes a width-independent encoding: integers that fit int64
// hash as the integer, everything else as the exact rational's canonical
// string. Keeps hash consistent with compareNumbers.
func hashNumber(h hasher, v Value) {
	n := numericValue(v)
	var buf [9]byte
	switch n.kind {
	case numNaN:
		buf[0] = 'n'
		h.Write(buf[:1])
		return
	case numInt:
		buf[0] = 'i'
		binary.LittleEndian.PutUint64(buf[1:], uint64(n.i))
		h.Write(buf[:])
		return
	case numFloat:
		if f := n.f; f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			buf[0] = 'i'
			binary.LittleEndian.PutUint64(buf[1:], uint64(int64(f)))
			h.Write(buf[:])
			return
		}
	case numDecimal:
		if r, inf := n.ratInf(); inf == 0 && r.IsInt() && r.Num().IsInt64() {
			buf[0] = 'i'
			binary.LittleEndian.PutUint64(buf[1:], uint64(r.Num().Int64()))
			h.Write(buf[:])
			return
		}
	}
	r, inf := n.ratInf()
	if inf != 0 {
		if inf > 0 {
			h.Write([]byte{'+'})
		} else {
			h.Write([]byte{'-'})
		}
		return
	}
	h.Write([]byte{'r'})
	h.Write([]byte(r.RatString()))
}

// HashedIndexKey is the value stored by the hashed index AM for v.
func HashedIndexKey(v Value) int64 { return Hash(v) }
