package project

import (
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/stratumdb/stratum/core/internal/bsonval"
)

// TimeSnapshot carries the time system variables frozen at cursor
// creation. Every getMore on the same cursor reuses the snapshot.
type TimeSnapshot struct {
	// NowMillis backs $$NOW (UTC datetime, ms since epoch).
	NowMillis int64
	// ClusterTime backs $$CLUSTER_TIME (a timestamp value).
	ClusterTime bsonval.Value
}

// NowValue returns $$NOW as a BSON datetime.
func (ts TimeSnapshot) NowValue() bsonval.Value {
	return bsonval.Value{Type: bsoncore.TypeDateTime, Data: appendInt64(nil, ts.NowMillis)}
}

// Variables is a parent-scoped chain of name → value bindings threaded
// through expression evaluation ($let, pipeline let, lookup let).
type Variables struct {
	parent *Variables
	names  []string
	vals   []bsonval.Value
	snap   TimeSnapshot
	root   bsonval.Document
}

// NewVariables creates the root scope with the frozen time snapshot.
func NewVariables(root bsonval.Document, snap TimeSnapshot) *Variables {
	return &Variables{snap: snap, root: root}
}

// Child opens a nested scope; lookups fall through to the parent.
func (v *Variables) Child() *Variables {
	return &Variables{parent: v, snap: v.snap, root: v.root}
}

// Bind adds a binding in this scope.
func (v *Variables) Bind(name string, val bsonval.Value) {
	v.names = append(v.names, name)
	v.vals = append(v.vals, val)
}

// Lookup resolves name, walking parent scopes. System variables NOW,
// CLUSTER_TIME and ROOT resolve from the frozen snapshot and the current
// document.
func (v *Variables) Lookup(name string) (bsonval.Value, bool) {
	switch name {
	case "NOW":
		return v.snap.NowValue(), true
	case "CLUSTER_TIME":
		if v.snap.ClusterTime.Type != 0 {
			return v.snap.ClusterTime, true
		}
		return bsonval.Value{}, false
	case "ROOT", "CURRENT":
		if v.root != nil {
			return bsonval.DocValue(v.root), true
		}
		return bsonval.Value{}, false
	}
	for s := v; s != nil; s = s.parent {
		for i := len(s.names) - 1; i >= 0; i-- {
			if s.names[i] == name {
				return s.vals[i], true
			}
		}
	}
	return bsonval.Value{}, false
}

// WithRoot rebinds the current document without reopening scopes; used as
// the projector moves from row to row.
func (v *Variables) WithRoot(root bsonval.Document) *Variables {
	c := v.Child()
	c.root = root
	return c
}

func appendInt64(dst []byte, i int64) []byte {
	return append(dst,
		byte(i), byte(i>>8), byte(i>>16), byte(i>>24),
		byte(i>>32), byte(i>>40), byte(i>>48), byte(i>>56))
}
