// Package qcode defines the internal query tree the pipeline compiler
// emits and the relational substrate plans. The tree is deliberately
// SQL-shaped: selects wrap selects, filters are expression trees, and
// joins/unions/recursion mirror the constructs the row store's optimizer
// already understands.
package qcode

import (
	"github.com/stratumdb/stratum/core/internal/bsonval"
)

// ExpOp enumerates filter-expression operators.
type ExpOp int

const (
	OpNop ExpOp = iota
	OpAnd
	OpOr
	OpNot
	OpEquals
	OpNotEquals
	OpGreaterThan
	OpGreaterOrEquals
	OpLesserThan
	OpLesserOrEquals
	OpIn
	OpNotIn
	OpExists
	OpNotExists
	OpRegex
	OpMod
	OpSize
	OpType
	OpAll
	OpElemMatch
	OpBitsAllSet
	OpBitsAnySet
	OpBitsAllClear
	OpBitsAnyClear
	OpGeoWithin
	OpGeoIntersects
	OpGeoNear
	OpText
	OpVectorNear
	OpSelectExists
	OpExpr
)

func (op ExpOp) String() string {
	switch op {
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	case OpNot:
		return "not"
	case OpEquals:
		return "eq"
	case OpNotEquals:
		return "ne"
	case OpGreaterThan:
		return "gt"
	case OpGreaterOrEquals:
		return "gte"
	case OpLesserThan:
		return "lt"
	case OpLesserOrEquals:
		return "lte"
	case OpIn:
		return "in"
	case OpNotIn:
		return "nin"
	case OpExists:
		return "exists"
	case OpNotExists:
		return "nexists"
	case OpRegex:
		return "regex"
	case OpMod:
		return "mod"
	case OpSize:
		return "size"
	case OpType:
		return "type"
	case OpAll:
		return "all"
	case OpElemMatch:
		return "elemMatch"
	case OpBitsAllSet:
		return "bitsAllSet"
	case OpBitsAnySet:
		return "bitsAnySet"
	case OpBitsAllClear:
		return "bitsAllClear"
	case OpBitsAnyClear:
		return "bitsAnyClear"
	case OpGeoWithin:
		return "geoWithin"
	case OpGeoIntersects:
		return "geoIntersects"
	case OpGeoNear:
		return "geoNear"
	case OpText:
		return "text"
	case OpVectorNear:
		return "vectorNear"
	case OpSelectExists:
		return "selectExists"
	case OpExpr:
		return "expr"
	default:
		return "nop"
	}
}

// Negated reports whether op requires wrapping index results with an
// anti-match.
func (op ExpOp) Negated() bool {
	switch op {
	case OpNotEquals, OpNotIn, OpNot, OpNotExists:
		return true
	default:
		return false
	}
}

// Exp is one node of a filter tree. Leaf nodes carry a document path on
// the left and a literal or parameter on the right; branch nodes carry
// children.
type Exp struct {
	Op       ExpOp
	Path     string        // dotted document path ("" for branch nodes)
	Val      bsonval.Value // literal operand
	ParamID  int           // >0 when the operand is parameterized
	Children []*Exp

	childrenA [2]*Exp
}

// NewExp returns an expression node with its inline children array
// armed, so small filters stay allocation-free.
func NewExp(op ExpOp) *Exp {
	e := &Exp{Op: op}
	e.Children = e.childrenA[:0]
	return e
}

// And conjoins a and b, flattening nested conjunctions.
func And(a, b *Exp) *Exp {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.Op == OpAnd:
		a.Children = append(a.Children, b)
		return a
	default:
		e := NewExp(OpAnd)
		e.Children = append(e.Children, a, b)
		return e
	}
}

// OrderBy is one sort key.
type OrderBy struct {
	Path string
	Desc bool
	// Meta is set for $meta sort keys ("textScore").
	Meta string
}

// Projection carries a $project / $addFields / $set / $unset spec into
// the tree; the executor drives the projection engine with it.
type Projection struct {
	Spec bsonval.Document
	// AddFields merges computed fields into the document instead of
	// replacing it.
	AddFields bool
	// Unset lists removed paths ($unset sugar).
	Unset []string
}

// Accumulator is one $group output.
type Accumulator struct {
	Name string
	Op   string // $sum, $avg, $min, $max, $first, $last, $push, $addToSet, $count
	Arg  bsonval.Value
}

// JoinKind enumerates join lowering shapes.
type JoinKind int

const (
	JoinLeft JoinKind = iota
	JoinInner
	JoinLateral
)

// Join is a lowered $lookup (or fused LookupUnwind).
type Join struct {
	Kind       JoinKind
	Table      string
	LocalPath  string
	ForeignPath string
	As         string
	// Pipeline holds the nested pipeline arm for pipeline-form $lookup.
	Pipeline *Select
	// Unwound marks the LookupUnwind fusion: the joined rows inline
	// instead of aggregating into an array.
	Unwound bool
	// PreserveEmpty carries $unwind's preserveNullAndEmptyArrays through
	// the fusion.
	PreserveEmpty bool
	// Let carries lookup let-bindings (name → expression spec).
	Let bsonval.Document
}

// GroupBy is a grouping specification.
type GroupBy struct {
	// KeyExpr is the _id expression of $group.
	KeyExpr bsonval.Value
	Accums  []Accumulator
}

// Window is one $setWindowFields output.
type Window struct {
	Name         string
	Func         string // accumulator/window function name
	Arg          bsonval.Value
	PartitionBy  bsonval.Value
	SortBy       []OrderBy
	// ShardDelegable is set when the partition keys align with the shard
	// key and the partition can run shard-local.
	ShardDelegable bool
}

// Recurse is the recursive-CTE lowering of $graphLookup.
type Recurse struct {
	Table            string
	StartWith        bsonval.Value
	ConnectFromField string
	ConnectToField   string
	As               string
	MaxDepth         int64 // -1 = unbounded
	DepthField       string
	RestrictSearch   bsonval.Document
}

// Unwind is the $unwind lowering.
type Unwind struct {
	Path                       string
	IncludeArrayIndex          string
	PreserveNullAndEmptyArrays bool
}

// SetOp is a union arm.
type SetOp struct {
	All   bool
	Query *Select
}

// Facet is one named $facet arm.
type Facet struct {
	Name  string
	Query *Select
}

// Output is a terminal $out / $merge target.
type Output struct {
	Database   string
	Collection string
	// Merge semantics; zero-valued for $out.
	WhenMatched    string
	WhenNotMatched string
	On             []string
}

// Densify is the $densify lowering: emit synthetic rows so field steps
// through its range without gaps.
type Densify struct {
	Field string
	Step  float64
	// Bounds: "full", "partition" or explicit [lower, upper].
	BoundsKind string
	Lower      bsonval.Value
	Upper      bsonval.Value
	PartitionByFields []string
}

// Fill is the $fill lowering.
type Fill struct {
	SortBy            []OrderBy
	PartitionByFields []string
	// Methods maps field → method ("locf", "linear"); Values maps field →
	// constant value.
	Methods map[string]string
	Values  map[string]bsonval.Value
}

// Select is one level of the query tree.
type Select struct {
	ID int32

	// One of Table / From / Docs / Virtual is the row source; a
	// $changeStream level sets both Table and Virtual ("changeStream").
	Table string
	From  *Select
	// Docs backs $documents: literal input rows.
	Docs []bsonval.Document
	// Virtual names an engine-provided source ("indexStats", "collStats",
	// "currentOp", "listSessions") materialized before execution.
	Virtual string

	Where   *Exp
	Project *Projection
	Group   *GroupBy
	Order   []OrderBy
	Windows []Window
	Joins   []Join
	Unions  []SetOp
	Recurse *Recurse
	Unwinds []Unwind
	Facets  []Facet
	Out     *Output

	Limit  int64 // -1 = none
	Offset int64

	// Sample is a reservoir-sample row count ($sample).
	Sample int64

	// DistinctPath collapses rows to distinct values of one path.
	DistinctPath string

	// CountAs emits a single row counting the input ($count).
	CountAs string

	// ReplaceRoot promotes an expression to the document root.
	ReplaceRoot bsonval.Value

	// Redact carries the $redact control expression.
	Redact bsonval.Value

	Densify *Densify
	Fill    *Fill
}

// NewSelect returns a select with no limit.
func NewSelect(table string) *Select {
	return &Select{Table: table, Limit: -1}
}

// Wrap pushes s down one level and returns the new outer select, the
// subquery-injection primitive.
func (s *Select) Wrap() *Select {
	outer := &Select{From: s, Limit: -1, ID: s.ID + 1}
	return outer
}

// Base returns the innermost select (the table scan).
func (s *Select) Base() *Select {
	cur := s
	for cur.From != nil {
		cur = cur.From
	}
	return cur
}

// Depth reports the wrapping depth of the tree.
func (s *Select) Depth() int {
	d := 0
	for cur := s; cur.From != nil; cur = cur.From {
		d++
	}
	return d
}

// IsBare reports whether s adds nothing over its row source; bare selects
// can absorb the next stage without a subquery.
func (s *Select) IsBare() bool {
	return s.Where == nil && s.Project == nil && s.Group == nil &&
		len(s.Order) == 0 && len(s.Windows) == 0 && len(s.Joins) == 0 &&
		len(s.Unions) == 0 && s.Recurse == nil && len(s.Unwinds) == 0 &&
		len(s.Facets) == 0 && s.Out == nil && s.Limit < 0 && s.Offset == 0 &&
		s.Sample == 0 && s.DistinctPath == "" && s.CountAs == "" &&
		s.ReplaceRoot.Type == 0 && s.Redact.Type == 0 &&
		s.Densify == nil && s.Fill == nil
}
