// Package pipeline compiles aggregation pipelines into query trees. Each
// stage has a handler transforming the stage spec plus the in-progress
// tree into a new tree; a shared build context steers subquery injection,
// ordering preservation and cursor-kind selection.
package pipeline

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/qcode"
)

// Stage is one parsed pipeline entry.
type Stage struct {
	Name string
	Spec bsonval.Value
}

// handler is the per-stage contract.
type handler func(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error)

// stageDef declares a stage's handler and compile-time properties.
type stageDef struct {
	handle handler

	// projClass marks projection-class transforms for the streak policy.
	projClass bool
	// subqueryAfter forces a subquery before the next stage.
	subqueryAfter bool
	// invalidatesSort resets the recorded sort spec.
	invalidatesSort bool
	// preservesSort explicitly keeps the recorded sort spec.
	preservesSort bool
	// firstOnly restricts the stage to pipeline position zero.
	firstOnly bool
	// forbidNested rejects the stage under any nested parent.
	forbidNested bool
	// forbidInFacet rejects the stage under $facet (multi-stream
	// producers).
	forbidInFacet bool
}

// Compiler compiles pipelines against a collection resolver.
type Compiler struct {
	stages map[string]stageDef

	// ResolveCollection maps a collection name (same database) to its
	// descriptor; nil falls back to a table named db.coll.
	ResolveCollection func(database, name string) (qcode.Collection, bool)
}

// New returns a compiler with the full stage registry.
func New() *Compiler {
	c := &Compiler{}
	c.stages = map[string]stageDef{
		"$match":            {handle: compileMatch, preservesSort: true},
		"$project":          {handle: compileProject, projClass: true},
		"$addFields":        {handle: compileAddFields, projClass: true},
		"$set":              {handle: compileAddFields, projClass: true},
		"$unset":            {handle: compileUnset, projClass: true},
		"$replaceRoot":      {handle: compileReplaceRoot, projClass: true, invalidatesSort: true},
		"$replaceWith":      {handle: compileReplaceWith, projClass: true, invalidatesSort: true},
		"$group":            {handle: compileGroup, subqueryAfter: true, invalidatesSort: true},
		"$bucket":           {handle: compileBucket, subqueryAfter: true, invalidatesSort: true},
		"$bucketAuto":       {handle: compileBucketAuto, subqueryAfter: true, invalidatesSort: true},
		"$sortByCount":      {handle: compileSortByCount, subqueryAfter: true, invalidatesSort: true},
		"$sort":             {handle: compileSort},
		"$limit":            {handle: compileLimit, preservesSort: true},
		"$skip":             {handle: compileSkip, preservesSort: true},
		"$sample":           {handle: compileSample, invalidatesSort: true},
		"$count":            {handle: compileCount, invalidatesSort: true},
		"$unwind":           {handle: compileUnwind, invalidatesSort: true},
		"$lookup":           {handle: compileLookup, preservesSort: true},
		"$graphLookup":      {handle: compileGraphLookup, preservesSort: true},
		"$facet":            {handle: compileFacet, subqueryAfter: true, invalidatesSort: true, forbidInFacet: true},
		"$unionWith":        {handle: compileUnionWith, invalidatesSort: true},
		"$documents":        {handle: compileDocuments, firstOnly: true},
		"$setWindowFields":  {handle: compileSetWindowFields, subqueryAfter: true},
		"$densify":          {handle: compileDensify, invalidatesSort: true},
		"$fill":             {handle: compileFill},
		"$redact":           {handle: compileRedact, projClass: true},
		"$geoNear":          {handle: compileGeoNear, firstOnly: true},
		"$search":           {handle: compileSearch, firstOnly: true, forbidNested: true},
		"$vectorSearch":     {handle: compileVectorSearch, firstOnly: true, forbidNested: true},
		"$out":              {handle: compileOut, forbidNested: true, forbidInFacet: true},
		"$merge":            {handle: compileMerge, forbidNested: true, forbidInFacet: true},
		"$changeStream":     {handle: compileChangeStream, firstOnly: true, forbidNested: true, forbidInFacet: true},
		"$currentOp":        {handle: compileCurrentOp, firstOnly: true, forbidNested: true, forbidInFacet: true},
		"$indexStats":       {handle: compileIndexStats, firstOnly: true, forbidNested: true, forbidInFacet: true},
		"$collStats":        {handle: compileCollStats, firstOnly: true},
		"$listSessions":     {handle: compileListSessions, firstOnly: true, forbidNested: true},
		"$listLocalSessions": {handle: compileListSessions, firstOnly: true, forbidNested: true},

		// internal stages
		"$_inhibitOptimization": {handle: compileInhibit},
		"$_lookupUnwind":        {handle: compileLookupUnwind, preservesSort: true},
	}
	return c
}

// ParsePipeline decodes a pipeline array value into stages.
func ParsePipeline(arr bsonval.Document) ([]Stage, error) {
	elems, err := bsonval.Elements(arr)
	if err != nil {
		return nil, specInvalid("", "pipeline: %v", err)
	}
	out := make([]Stage, 0, len(elems))
	for _, e := range elems {
		if e.Value.Type != bsoncore.TypeEmbeddedDocument {
			return nil, specInvalid("", "pipeline stages must be documents")
		}
		it, err := bsonval.Iterate(bsonval.Document(e.Value.Data))
		if err != nil {
			return nil, specInvalid("", "stage: %v", err)
		}
		name, spec, ok := it.Next()
		if !ok || !strings.HasPrefix(name, "$") {
			return nil, specInvalid("", "each stage must have exactly one $-operator")
		}
		if _, _, more := it.Next(); more {
			return nil, specInvalid(name, "stage documents hold a single operator")
		}
		out = append(out, Stage{Name: name, Spec: spec})
	}
	return out, nil
}

// Compile lowers stages onto a query tree rooted at the context's target
// collection.
func (c *Compiler) Compile(stages []Stage, bctx *qcode.BuildContext) (*qcode.Select, error) {
	if bctx.NestingDepth > qcode.MaxNestingDepth {
		return nil, nestedLimit("pipeline nesting exceeds limit")
	}
	if len(bctx.Collation) > qcode.MaxCollationLength {
		return nil, specInvalid("", "collation string too long")
	}

	stages = c.fuseLookupUnwind(stages)

	q := qcode.NewSelect(bctx.Target.TableName)
	for i, st := range stages {
		def, ok := c.stages[st.Name]
		if !ok {
			return nil, notSupported(st.Name, "unrecognized pipeline stage")
		}
		if def.firstOnly && i != 0 {
			return nil, specInvalid(st.Name, "must be the first stage")
		}
		if def.forbidNested && bctx.Parent != qcode.ParentNone {
			return nil, specInvalid(st.Name, "not allowed inside %s", bctx.Parent.String())
		}
		if def.forbidInFacet && bctx.Parent == qcode.ParentFacet {
			return nil, specInvalid(st.Name, "not allowed inside $facet")
		}

		if bctx.RequiresSubquery && !q.IsBare() {
			q = q.Wrap()
		}
		bctx.RequiresSubquery = false
		bctx.StageNum = i

		var err error
		q, err = def.handle(c, st.Spec, q, bctx)
		if err != nil {
			return nil, err
		}

		if def.projClass {
			bctx.ProjectionStreak++
			if bctx.ProjectionStreak >= 2 {
				// one projection-class transform may follow another; the
				// next one gets its own subquery level
				bctx.RequiresSubquery = true
				bctx.ProjectionStreak = 0
			}
		} else {
			bctx.ProjectionStreak = 0
		}
		if def.subqueryAfter {
			bctx.RequiresSubquery = true
		}
		if def.invalidatesSort {
			bctx.ResetSort()
		}
	}

	c.RecognizePointRead(q, bctx)
	return q, nil
}

// RecognizePointRead raises the context flag when the final tree's sole
// filter is an _id equality on the primary key and nothing else remains.
// Exposed so cached trees can re-derive the flag.
func (c *Compiler) RecognizePointRead(q *qcode.Select, bctx *qcode.BuildContext) {
	if q.From != nil || q.Where == nil || bctx.Tailable {
		return
	}
	if bctx.Target.ShardKeyPath != "_id" {
		return
	}
	if q.Project != nil || q.Group != nil || len(q.Order) != 0 || len(q.Joins) != 0 ||
		len(q.Unwinds) != 0 || len(q.Unions) != 0 || len(q.Facets) != 0 ||
		q.Recurse != nil || q.Out != nil || q.CountAs != "" || q.DistinctPath != "" ||
		q.Sample != 0 || len(q.Windows) != 0 {
		return
	}
	e := q.Where
	if e.Op == qcode.OpAnd && len(e.Children) == 1 {
		e = e.Children[0]
	}
	if e.Op == qcode.OpEquals && e.Path == "_id" && isScalar(e.Val) {
		bctx.IsPointRead = true
	}
}

func isScalar(v bsonval.Value) bool {
	switch v.Type {
	case bsoncore.TypeEmbeddedDocument, bsoncore.TypeArray, 0:
		return false
	default:
		return true
	}
}

// fuseLookupUnwind rewrites [$lookup, $unwind-on-as] pairs into the
// internal fused stage when the unwind's options can be captured.
func (c *Compiler) fuseLookupUnwind(stages []Stage) []Stage {
	out := make([]Stage, 0, len(stages))
	for i := 0; i < len(stages); i++ {
		st := stages[i]
		if st.Name != "$lookup" || i+1 >= len(stages) || stages[i+1].Name != "$unwind" {
			out = append(out, st)
			continue
		}
		as, ok := docStringField(st.Spec, "as")
		if !ok {
			out = append(out, st)
			continue
		}
		path, preserve, includeIdx, ok := unwindTarget(stages[i+1].Spec)
		if !ok || path != as || includeIdx != "" {
			out = append(out, st)
			continue
		}
		fusedSpec := bsonval.NewDocWriter()
		fusedSpec.AppendValue("lookup", st.Spec)
		fusedSpec.AppendBool("preserveNullAndEmptyArrays", preserve)
		out = append(out, Stage{Name: "$_lookupUnwind", Spec: bsonval.DocValue(fusedSpec.Finish())})
		i++
	}
	return out
}

// unwindTarget parses an $unwind spec into its path and options.
func unwindTarget(spec bsonval.Value) (path string, preserve bool, includeIdx string, ok bool) {
	switch spec.Type {
	case bsoncore.TypeString:
		s, sok := valueString(spec)
		if !sok || !strings.HasPrefix(s, "$") {
			return "", false, "", false
		}
		return s[1:], false, "", true
	case bsoncore.TypeEmbeddedDocument:
		d := bsonval.Document(spec.Data)
		p, pok := docStringField(bsonval.DocValue(d), "path")
		if !pok || !strings.HasPrefix(p, "$") {
			return "", false, "", false
		}
		if v, found := bsonval.Lookup(d, "preserveNullAndEmptyArrays"); found {
			preserve = v.Type == bsoncore.TypeBoolean && v.Data[0] != 0
		}
		includeIdx, _ = docStringField(bsonval.DocValue(d), "includeArrayIndex")
		return p[1:], preserve, includeIdx, true
	default:
		return "", false, "", false
	}
}

func docStringField(v bsonval.Value, field string) (string, bool) {
	if v.Type != bsoncore.TypeEmbeddedDocument {
		return "", false
	}
	fv, ok := bsonval.Lookup(bsonval.Document(v.Data), field)
	if !ok {
		return "", false
	}
	return valueString(fv)
}

func valueString(v bsonval.Value) (string, bool) {
	if v.Type != bsoncore.TypeString || len(v.Data) < 5 {
		return "", false
	}
	l := int(int32(uint32(v.Data[0]) | uint32(v.Data[1])<<8 | uint32(v.Data[2])<<16 | uint32(v.Data[3])<<24))
	if l < 1 || 4+l > len(v.Data) {
		return "", false
	}
	return string(v.Data[4 : 4+l-1]), true
}

func specDoc(stage string, v bsonval.Value) (bsonval.Document, error) {
	if v.Type != bsoncore.TypeEmbeddedDocument {
		return nil, specInvalid(stage, "specification must be a document")
	}
	return bsonval.Document(v.Data), nil
}
