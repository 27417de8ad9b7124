package qcode

import (
	"github.com/stratumdb/stratum/core/internal/bsonval"
)

// ParentStage tags the pipeline nesting a stage compiles under.
type ParentStage int

const (
	ParentNone ParentStage = iota
	ParentLookup
	ParentFacet
	ParentUnionWith
	ParentInverseMatch
)

func (p ParentStage) String() string {
	switch p {
	case ParentLookup:
		return "$lookup"
	case ParentFacet:
		return "$facet"
	case ParentUnionWith:
		return "$unionWith"
	case ParentInverseMatch:
		return "inverseMatch"
	default:
		return "none"
	}
}

// MaxCollationLength bounds the ICU collation string carried in the
// context.
const MaxCollationLength = 256

// MaxNestingDepth is the default nested-pipeline limit.
const MaxNestingDepth = 20

// Collection describes the compile target.
type Collection struct {
	Database string
	Name     string
	// ShardKeyPath is the distribution column's document path; "_id"
	// for unsharded collections.
	ShardKeyPath string
	// TableName is the backing relational table.
	TableName string
}

// Namespace renders "db.coll".
func (c Collection) Namespace() string { return c.Database + "." + c.Name }

// BuildContext is threaded through every stage handler. Handlers mutate
// it to steer subquery injection, ordering preservation and cursor-kind
// selection for the stages that follow.
type BuildContext struct {
	// StageNum is the index of the stage being compiled.
	StageNum int

	// NestingDepth counts nested pipelines ($lookup/$facet/$unionWith).
	NestingDepth int

	// Parent tags the enclosing stage kind.
	Parent ParentStage

	// RequiresSubquery forces the next stage to wrap the tree before
	// extending it.
	RequiresSubquery bool

	// ProjectionStreak counts consecutive projection-class stages; the
	// second in a row forces a subquery.
	ProjectionStreak int

	// SortSpec is the ordering currently in effect, if any; stages that
	// invalidate ordering reset it.
	SortSpec []OrderBy

	// Collation is the ICU collation string for the whole pipeline.
	Collation string

	// Target describes the collection being queried.
	Target Collection

	// IsPointRead is raised when the final tree's sole filter is an _id
	// equality on the primary key.
	IsPointRead bool

	// Tailable marks a change-stream / tailable-cursor pipeline.
	Tailable bool

	// ParamCounter numbers emitted parameters for parameterized queries.
	ParamCounter int

	// Vars carries let-bindings visible to stage expressions.
	Vars bsonval.Document

	// AllowDiskUse flows from the command options to spillable stages.
	AllowDiskUse bool
}

// Child derives the context a nested pipeline compiles under.
func (c *BuildContext) Child(parent ParentStage, target Collection) *BuildContext {
	return &BuildContext{
		NestingDepth: c.NestingDepth + 1,
		Parent:       parent,
		Collation:    c.Collation,
		Target:       target,
		ParamCounter: c.ParamCounter,
		Vars:         c.Vars,
		AllowDiskUse: c.AllowDiskUse,
	}
}

// NextParam allocates a parameter id.
func (c *BuildContext) NextParam() int {
	c.ParamCounter++
	return c.ParamCounter
}

// ResetSort drops the recorded ordering.
func (c *BuildContext) ResetSort() { c.SortSpec = nil }

// ShardAligned reports whether the given partition expression is exactly
// the shard-key path, making the partition delegable to the shard.
func (c *BuildContext) ShardAligned(partition bsonval.Value) bool {
	if c.Target.ShardKeyPath == "" {
		return false
	}
	s, ok := exprFieldPath(partition)
	return ok && s == c.Target.ShardKeyPath
}

// exprFieldPath unwraps a "$path" string expression.
func exprFieldPath(v bsonval.Value) (string, bool) {
	s, ok := valueString(v)
	if !ok || len(s) < 2 || s[0] != '$' || s[1] == '$' {
		return "", false
	}
	return s[1:], true
}

func valueString(v bsonval.Value) (string, bool) {
	if v.Type != 2 { // TypeString
		return "", false
	}
	if len(v.Data) < 5 {
		return "", false
	}
	l := int(int32(uint32(v.Data[0]) | uint32(v.Data[1])<<8 | uint32(v.Data[2])<<16 | uint32(v.Data[3])<<24))
	if l < 1 || 4+l > len(v.Data) {
		return "", false
	}
	return string(v.Data[4 : 4+l-1]), true
}
