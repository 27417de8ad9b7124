package project

import (
	"encoding/binary"
	"math"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/stratumdb/stratum/core/internal/bsonval"
)

// Matcher evaluates a find/match filter against in-memory documents. The
// pipeline compiler lowers the same filters into the query tree for the
// row store; the matcher exists for the paths that must re-evaluate
// per-document state on the way out: the $ positional qualifier,
// $elemMatch projection, and tailable-cursor post-filters.
type Matcher struct {
	query bsonval.Document
	coll  *bsonval.Collation
}

// NewMatcher compiles query. A nil collation means byte-order strings.
func NewMatcher(query bsonval.Document, coll *bsonval.Collation) *Matcher {
	return &Matcher{query: query, coll: coll}
}

// Matches reports whether doc satisfies the filter.
func (m *Matcher) Matches(doc bsonval.Document) bool {
	if m == nil || len(m.query) == 0 {
		return true
	}
	return m.matchDoc(m.query, doc)
}

func (m *Matcher) matchDoc(query, doc bsonval.Document) bool {
	it, err := bsonval.Iterate(query)
	if err != nil {
		return false
	}
	for {
		key, v, ok := it.Next()
		if !ok {
			return true
		}
		if !m.matchClause(key, v, doc) {
			return false
		}
	}
}

func (m *Matcher) matchClause(key string, v bsonval.Value, doc bsonval.Document) bool {
	switch key {
	case "$and":
		return m.matchAnd(v, doc)
	case "$or":
		return m.matchAny(v, doc)
	case "$nor":
		return !m.matchAny(v, doc)
	case "$not":
		if v.Type == bsoncore.TypeEmbeddedDocument {
			return !m.matchDoc(bsonval.Document(v.Data), doc)
		}
		return false
	}
	return m.matchPath(key, v, doc)
}

func (m *Matcher) matchAnd(v bsonval.Value, doc bsonval.Document) bool {
	if v.Type != bsoncore.TypeArray {
		return false
	}
	it, err := bsonval.Iterate(bsonval.Document(v.Data))
	if err != nil {
		return false
	}
	for {
		_, ev, ok := it.Next()
		if !ok {
			return true
		}
		if ev.Type != bsoncore.TypeEmbeddedDocument {
			return false
		}
		if !m.matchDoc(bsonval.Document(ev.Data), doc) {
			return false
		}
	}
}

func (m *Matcher) matchAny(v bsonval.Value, doc bsonval.Document) bool {
	if v.Type != bsoncore.TypeArray {
		return false
	}
	it, err := bsonval.Iterate(bsonval.Document(v.Data))
	if err != nil {
		return false
	}
	for {
		_, ev, ok := it.Next()
		if !ok {
			return false
		}
		if ev.Type == bsoncore.TypeEmbeddedDocument &&
			m.matchDoc(bsonval.Document(ev.Data), doc) {
			return true
		}
	}
}

// matchPath applies a path condition. Array fields match when any element
// matches (multikey semantics) or when the whole array matches.
func (m *Matcher) matchPath(path string, cond bsonval.Value, doc bsonval.Document) bool {
	val, found := bsonval.ExtractPath(bsonval.DocValue(doc), path, bsonval.ExtractOptions{})
	if isOperatorDoc(cond) {
		return m.matchOperators(bsonval.Document(cond.Data), val, found)
	}
	if !found {
		return cond.Type == bsoncore.TypeNull
	}
	return m.valueMatches(val, cond, opEq)
}

func (m *Matcher) matchOperators(ops bsonval.Document, val bsonval.Value, found bool) bool {
	it, err := bsonval.Iterate(ops)
	if err != nil {
		return false
	}
	for {
		op, arg, ok := it.Next()
		if !ok {
			return true
		}
		if !m.applyOperator(op, arg, val, found) {
			return false
		}
	}
}

type cmpOp int

const (
	opEq cmpOp = iota
	opNe
	opGt
	opGte
	opLt
	opLte
)

func (m *Matcher) applyOperator(op string, arg, val bsonval.Value, found bool) bool {
	switch op {
	case "$eq":
		return found && m.valueMatches(val, arg, opEq) || !found && arg.Type == bsoncore.TypeNull
	case "$ne":
		return !(found && m.valueMatches(val, arg, opEq))
	case "$gt":
		return found && m.valueMatches(val, arg, opGt)
	case "$gte":
		return found && m.valueMatches(val, arg, opGte)
	case "$lt":
		return found && m.valueMatches(val, arg, opLt)
	case "$lte":
		return found && m.valueMatches(val, arg, opLte)
	case "$exists":
		want := truthy(arg)
		return found == want
	case "$in":
		return found && m.matchIn(val, arg)
	case "$nin":
		return !(found && m.matchIn(val, arg))
	case "$size":
		if !found || val.Type != bsoncore.TypeArray {
			return false
		}
		n, ok := intArg(arg)
		return ok && bsonval.ArrayLen(bsonval.Document(val.Data)) == int(n)
	case "$all":
		return found && m.matchAllValues(val, arg)
	case "$regex":
		return found && m.matchRegex(val, arg, "")
	case "$mod":
		return found && matchMod(val, arg)
	case "$type":
		return found && matchType(val, arg)
	case "$elemMatch":
		if !found || val.Type != bsoncore.TypeArray || arg.Type != bsoncore.TypeEmbeddedDocument {
			return false
		}
		idx, ok := m.FirstElemMatch(bsonval.Document(val.Data), bsonval.Document(arg.Data))
		_ = idx
		return ok
	case "$not":
		if arg.Type == bsoncore.TypeEmbeddedDocument {
			return !m.matchOperators(bsonval.Document(arg.Data), val, found)
		}
		if arg.Type == bsoncore.TypeRegex {
			return !(found && m.matchRegex(val, arg, ""))
		}
		return false
	case "$bitsAllSet", "$bitsAnySet", "$bitsAllClear", "$bitsAnyClear":
		return found && matchBits(op, val, arg)
	default:
		return false
	}
}

// valueMatches applies a comparison, honoring multikey array semantics
// for equality and range operators.
func (m *Matcher) valueMatches(val, want bsonval.Value, op cmpOp) bool {
	if cmpSatisfied(bsonval.Compare(val, want, m.coll), op) && comparableClasses(val, want, op) {
		return true
	}
	if val.Type == bsoncore.TypeArray && want.Type != bsoncore.TypeArray {
		it, err := bsonval.Iterate(bsonval.Document(val.Data))
		if err != nil {
			return false
		}
		for {
			_, ev, ok := it.Next()
			if !ok {
				return false
			}
			if cmpSatisfied(bsonval.Compare(ev, want, m.coll), op) && comparableClasses(ev, want, op) {
				return true
			}
		}
	}
	return false
}

// comparableClasses keeps range operators from matching across canonical
// type classes (Mongo range semantics are type-bracketed).
func comparableClasses(a, b bsonval.Value, op cmpOp) bool {
	if op == opEq {
		return true
	}
	return bsonval.SameTypeClass(a, b)
}

func cmpSatisfied(c int, op cmpOp) bool {
	switch op {
	case opEq:
		return c == 0
	case opGt:
		return c > 0
	case opGte:
		return c >= 0
	case opLt:
		return c < 0
	case opLte:
		return c <= 0
	default:
		return false
	}
}

func (m *Matcher) matchIn(val, arg bsonval.Value) bool {
	if arg.Type != bsoncore.TypeArray {
		return false
	}
	it, err := bsonval.Iterate(bsonval.Document(arg.Data))
	if err != nil {
		return false
	}
	for {
		_, want, ok := it.Next()
		if !ok {
			return false
		}
		if m.valueMatches(val, want, opEq) {
			return true
		}
	}
}

func (m *Matcher) matchAllValues(val, arg bsonval.Value) bool {
	if arg.Type != bsoncore.TypeArray {
		return false
	}
	it, err := bsonval.Iterate(bsonval.Document(arg.Data))
	if err != nil {
		return false
	}
	for {
		_, want, ok := it.Next()
		if !ok {
			return true
		}
		if !m.valueMatches(val, want, opEq) {
			return false
		}
	}
}

func (m *Matcher) matchRegex(val, arg bsonval.Value, opts string) bool {
	var pattern string
	switch arg.Type {
	case bsoncore.TypeString:
		s, ok := stringData(arg.Data)
		if !ok {
			return false
		}
		pattern = s
	case bsoncore.TypeRegex:
		p, o := splitRegex(arg.Data)
		pattern, opts = p, o
	default:
		return false
	}
	if strings.Contains(opts, "i") {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	match := func(v bsonval.Value) bool {
		s, ok := stringData(v.Data)
		return v.Type == bsoncore.TypeString && ok && re.MatchString(s)
	}
	if match(val) {
		return true
	}
	if val.Type == bsoncore.TypeArray {
		it, err := bsonval.Iterate(bsonval.Document(val.Data))
		if err != nil {
			return false
		}
		for {
			_, ev, ok := it.Next()
			if !ok {
				return false
			}
			if match(ev) {
				return true
			}
		}
	}
	return false
}

// FirstElemMatch returns the index of the first array element satisfying
// sub. Shared by the $elemMatch operator and the $elemMatch projection.
func (m *Matcher) FirstElemMatch(arr, sub bsonval.Document) (int, bool) {
	it, err := bsonval.Iterate(arr)
	if err != nil {
		return 0, false
	}
	sm := &Matcher{query: sub, coll: m.coll}
	i := 0
	for {
		_, ev, ok := it.Next()
		if !ok {
			return 0, false
		}
		if ev.Type == bsoncore.TypeEmbeddedDocument {
			if sm.Matches(bsonval.Document(ev.Data)) {
				return i, true
			}
		} else if isOperatorDoc(bsonval.DocValue(sub)) &&
			sm.matchOperators(sub, ev, true) {
			return i, true
		}
		i++
	}
}

// PositionalIndex resolves the $ qualifier: the index of the first
// element of the array at arrayPath satisfying every query condition
// rooted under that path.
func (m *Matcher) PositionalIndex(doc bsonval.Document, arrayPath string) (int, bool) {
	arrv, found := bsonval.ExtractPath(bsonval.DocValue(doc), arrayPath,
		bsonval.ExtractOptions{NoArrayTraversal: true})
	if !found || arrv.Type != bsoncore.TypeArray {
		return 0, false
	}
	conds := m.conditionsUnder(arrayPath)
	if len(conds) == 0 {
		return 0, false
	}
	arr := bsonval.Document(arrv.Data)
	it, err := bsonval.Iterate(arr)
	if err != nil {
		return 0, false
	}
	i := 0
	for {
		_, ev, ok := it.Next()
		if !ok {
			return 0, false
		}
		if m.elementSatisfies(ev, conds) {
			return i, true
		}
		i++
	}
}

type pathCond struct {
	rest string // path remainder below the array field ("" = element itself)
	cond bsonval.Value
}

func (m *Matcher) conditionsUnder(prefix string) []pathCond {
	var out []pathCond
	it, err := bsonval.Iterate(m.query)
	if err != nil {
		return nil
	}
	for {
		key, v, ok := it.Next()
		if !ok {
			return out
		}
		switch {
		case key == prefix:
			out = append(out, pathCond{rest: "", cond: v})
		case strings.HasPrefix(key, prefix+"."):
			out = append(out, pathCond{rest: key[len(prefix)+1:], cond: v})
		}
	}
}

func (m *Matcher) elementSatisfies(el bsonval.Value, conds []pathCond) bool {
	for _, c := range conds {
		target := el
		found := true
		if c.rest != "" {
			target, found = bsonval.ExtractPath(el, c.rest, bsonval.ExtractOptions{})
		}
		if isOperatorDoc(c.cond) {
			if !m.matchOperators(bsonval.Document(c.cond.Data), target, found) {
				return false
			}
		} else if !found || !m.valueMatches(target, c.cond, opEq) {
			return false
		}
	}
	return true
}

func isOperatorDoc(v bsonval.Value) bool {
	if v.Type != bsoncore.TypeEmbeddedDocument {
		return false
	}
	it, err := bsonval.Iterate(bsonval.Document(v.Data))
	if err != nil {
		return false
	}
	k, _, ok := it.Next()
	return ok && strings.HasPrefix(k, "$")
}

func truthy(v bsonval.Value) bool {
	switch v.Type {
	case bsoncore.TypeBoolean:
		return v.Data[0] != 0
	case bsoncore.TypeInt32:
		return int32(binary.LittleEndian.Uint32(v.Data)) != 0
	case bsoncore.TypeInt64:
		return int64(binary.LittleEndian.Uint64(v.Data)) != 0
	case bsoncore.TypeDouble:
		return math.Float64frombits(binary.LittleEndian.Uint64(v.Data)) != 0
	case bsoncore.TypeNull, bsoncore.TypeUndefined:
		return false
	default:
		return true
	}
}

func intArg(v bsonval.Value) (int64, bool) {
	switch v.Type {
	case bsoncore.TypeInt32:
		return int64(int32(binary.LittleEndian.Uint32(v.Data))), true
	case bsoncore.TypeInt64:
		return int64(binary.LittleEndian.Uint64(v.Data)), true
	case bsoncore.TypeDouble:
		f := math.Float64frombits(binary.LittleEndian.Uint64(v.Data))
		if f != math.Trunc(f) {
			return 0, false
		}
		return int64(f), true
	default:
		return 0, false
	}
}

func stringData(b []byte) (string, bool) {
	if len(b) < 5 {
		return "", false
	}
	l := int(int32(binary.LittleEndian.Uint32(b)))
	if l < 1 || 4+l > len(b) {
		return "", false
	}
	return string(b[4 : 4+l-1]), true
}

func splitRegex(b []byte) (pattern, opts string) {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	pattern = string(b[:i])
	if i+1 < len(b) {
		j := i + 1
		for j < len(b) && b[j] != 0 {
			j++
		}
		opts = string(b[i+1 : j])
	}
	return
}

func matchMod(val, arg bsonval.Value) bool {
	if arg.Type != bsoncore.TypeArray {
		return false
	}
	elems, err := bsonval.Elements(bsonval.Document(arg.Data))
	if err != nil || len(elems) != 2 {
		return false
	}
	div, ok1 := intArg(elems[0].Value)
	rem, ok2 := intArg(elems[1].Value)
	if !ok1 || !ok2 || div == 0 {
		return false
	}
	n, ok := intArg(val)
	return ok && n%div == rem
}

func matchType(val, arg bsonval.Value) bool {
	if s, ok := stringData(arg.Data); ok && arg.Type == bsoncore.TypeString {
		return typeAlias(val.Type) == s
	}
	n, ok := intArg(arg)
	return ok && int64(val.Type) == n
}

func typeAlias(t bsoncore.Type) string {
	switch t {
	case bsoncore.TypeDouble:
		return "double"
	case bsoncore.TypeString:
		return "string"
	case bsoncore.TypeEmbeddedDocument:
		return "object"
	case bsoncore.TypeArray:
		return "array"
	case bsoncore.TypeBinary:
		return "binData"
	case bsoncore.TypeObjectID:
		return "objectId"
	case bsoncore.TypeBoolean:
		return "bool"
	case bsoncore.TypeDateTime:
		return "date"
	case bsoncore.TypeNull:
		return "null"
	case bsoncore.TypeRegex:
		return "regex"
	case bsoncore.TypeInt32:
		return "int"
	case bsoncore.TypeTimestamp:
		return "timestamp"
	case bsoncore.TypeInt64:
		return "long"
	case bsoncore.TypeDecimal128:
		return "decimal"
	case bsoncore.TypeMinKey:
		return "minKey"
	case bsoncore.TypeMaxKey:
		return "maxKey"
	default:
		return ""
	}
}

func matchBits(op string, val, arg bsonval.Value) bool {
	mask, ok := intArg(arg)
	if !ok {
		return false
	}
	n, ok := intArg(val)
	if !ok {
		return false
	}
	switch op {
	case "$bitsAllSet":
		return n&mask == mask
	case "$bitsAnySet":
		return n&mask != 0
	case "$bitsAllClear":
		return n&mask == 0
	case "$bitsAnyClear":
		return n&mask != mask
	default:
		return false
	}
}
