package bsonval

import (
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
)

// ExtractOptions controls dotted-path traversal.
type ExtractOptions struct {
	// NoArrayTraversal disables map-style application of a non-numeric
	// segment to every element of an array.
	NoArrayTraversal bool
}

// ExtractPath resolves a dotted path against v. A numeric segment indexes
// an array; a non-numeric segment against an array applies to every
// element and the matches are collected into a new array value. The
// second result is false when any segment is absent.
func ExtractPath(v Value, path string, opts ExtractOptions) (Value, bool) {
	if path == "" {
		return v, true
	}
	return extractSegments(v, strings.Split(path, "."), opts)
}

func extractSegments(v Value, segs []string, opts ExtractOptions) (Value, bool) {
	if len(segs) == 0 {
		return v, true
	}
	seg := segs[0]
	switch v.Type {
	case bsoncore.TypeEmbeddedDocument:
		fv, ok := Lookup(Document(v.Data), seg)
		if !ok {
			return Value{}, false
		}
		return extractSegments(fv, segs[1:], opts)

	case bsoncore.TypeArray:
		if idx, err := strconv.Atoi(seg); err == nil && idx >= 0 {
			ev, ok := arrayIndex(Document(v.Data), idx)
			if !ok {
				return Value{}, false
			}
			return extractSegments(ev, segs[1:], opts)
		}
		if opts.NoArrayTraversal {
			return Value{}, false
		}
		return extractFromArrayElements(Document(v.Data), segs, opts)

	default:
		return Value{}, false
	}
}

// extractFromArrayElements applies the remaining path to each document
// element and collects the hits into an array.
func extractFromArrayElements(arr Document, segs []string, opts ExtractOptions) (Value, bool) {
	it, err := Iterate(arr)
	if err != nil {
		return Value{}, false
	}
	aw := NewArrayWriter()
	found := false
	for {
		_, ev, ok := it.Next()
		if !ok {
			break
		}
		if ev.Type != bsoncore.TypeEmbeddedDocument {
			continue
		}
		if mv, ok := extractSegments(ev, segs, opts); ok {
			found = true
			aw.AppendValue(mv)
		}
	}
	if !found {
		return Value{}, false
	}
	return Value{Type: bsoncore.TypeArray, Data: aw.Finish()}, true
}

func arrayIndex(arr Document, idx int) (Value, bool) {
	it, err := Iterate(arr)
	if err != nil {
		return Value{}, false
	}
	i := 0
	for {
		_, ev, ok := it.Next()
		if !ok {
			return Value{}, false
		}
		if i == idx {
			return ev, true
		}
		i++
	}
}

// ArrayLen returns the number of elements in an array body.
func ArrayLen(arr Document) int {
	it, err := Iterate(arr)
	if err != nil {
		return 0
	}
	n := 0
	for {
		if _, _, ok := it.Next(); !ok {
			return n
		}
		n++
	}
}
