package core

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/cursor"
	"github.com/stratumdb/stratum/core/internal/pathtree"
	"github.com/stratumdb/stratum/core/internal/pipeline"
	"github.com/stratumdb/stratum/core/internal/project"
	"github.com/stratumdb/stratum/core/internal/qcode"
	"github.com/stratumdb/stratum/core/internal/rowstore"
)

// RawDocument is a BSON document as raw bytes; the engine validates
// every document it decodes.
type RawDocument []byte

// Page is one response page: the documents plus the cursor to continue
// with. A zero CursorID means the result is complete; Continuation is
// the opaque token streamable cursors also accept.
type Page struct {
	Docs         []RawDocument
	CursorID     uint64
	Continuation RawDocument
	// Kind reports the cursor lifecycle class chosen by the engine.
	Kind string
}

// FindOptions mirror the find command's options.
type FindOptions struct {
	Projection  RawDocument
	Sort        RawDocument
	Limit       int64
	Skip        int64
	BatchSize   int32
	SingleBatch bool
	Tailable    bool
	Collation   string
	Let         RawDocument
	MaxTimeMS   int64
	ClusterTime RawDocument
}

// AggregateOptions mirror the aggregate command's options.
type AggregateOptions struct {
	BatchSize    int32
	Collation    string
	Let          RawDocument
	AllowDiskUse bool
	Explain      bool
	MaxTimeMS    int64
	ClusterTime  RawDocument
}

// Find runs a find command and returns the first page.
func (e *Engine) Find(ctx context.Context, session, ns string, filter RawDocument, opts FindOptions) (*Page, error) {
	ctx, cancelTimeout := e.withTimeout(ctx, opts.MaxTimeMS)
	defer cancelTimeout()

	database, name, err := e.splitNamespace(ns)
	if err != nil {
		return nil, err
	}
	target, err := e.meta.Lookup(ctx, database, name)
	if err != nil {
		return nil, wrapErr(err)
	}

	var filterDoc bsonval.Document
	if len(filter) != 0 {
		if filterDoc, err = bsonval.Decode(filter); err != nil {
			return nil, newError(CodeBadValue, "filter: %v", err)
		}
	}

	bctx := &qcode.BuildContext{
		Target:    target,
		Collation: opts.Collation,
		Tailable:  opts.Tailable,
	}

	q := qcode.NewSelect(target.TableName)
	if filterDoc != nil {
		exp, err := pipeline.CompileFilter(filterDoc)
		if err != nil {
			return nil, wrapErr(err)
		}
		q.Where = exp
	}
	if len(opts.Sort) != 0 {
		sortDoc, err := bsonval.Decode(opts.Sort)
		if err != nil {
			return nil, newError(CodeBadValue, "sort: %v", err)
		}
		if q.Order, err = pipeline.ParseSortSpec(sortDoc); err != nil {
			return nil, wrapErr(err)
		}
		bctx.SortSpec = q.Order
	}
	if opts.Skip > 0 {
		q.Offset = opts.Skip
	}
	if opts.Limit > 0 {
		q.Limit = opts.Limit
	}

	// find-mode projection runs engine-side after the scan so the
	// operator leaves ($ positional, $elemMatch) can see the filter
	var proj *project.Projector
	if len(opts.Projection) != 0 {
		projDoc, err := bsonval.Decode(opts.Projection)
		if err != nil {
			return nil, newError(CodeBadValue, "projection: %v", err)
		}
		tree, err := pathtree.Build(projDoc, pathtree.Options{
			FindProjection: true,
			Query:          filterDoc,
			MaxDepth:       e.conf.MaxProjectionDepth,
		})
		if err != nil {
			return nil, wrapErr(err)
		}
		coll, err := e.collation(opts.Collation)
		if err != nil {
			return nil, err
		}
		proj = project.New(tree, filterDoc, project.Options{
			Snapshot:  snapshotNow(clusterTimeValue(opts.ClusterTime)),
			Collation: coll,
		})
	}

	snap := snapshotNow(clusterTimeValue(opts.ClusterTime))

	// point-read recognition: sole _id equality on the primary key
	if pk, ok := pointReadKey(q, target); ok && !opts.Tailable {
		row, found, err := e.store.PointRead(ctx, storeHandle(target), pk, pk)
		if err != nil {
			return nil, wrapErr(err)
		}
		var docs []bsonval.Document
		if found {
			docs = append(docs, row.Doc)
		}
		if proj != nil {
			if docs, err = applyProjector(proj, docs); err != nil {
				return nil, wrapErr(err)
			}
		}
		return pageOf(docs, 0, cursor.PointRead), nil
	}

	docs, err := e.scanAll(ctx, target, q, nil)
	if err != nil {
		return nil, wrapErr(err)
	}
	if proj != nil {
		if docs, err = applyProjector(proj, docs); err != nil {
			return nil, wrapErr(err)
		}
	}

	kind := cursor.Streamable
	switch {
	case opts.Tailable:
		kind = cursor.Tailable
	case opts.SingleBatch:
		kind = cursor.SingleBatch
	}
	return e.openAndPage(ctx, kind, ns, session, opts.BatchSize, snap, docs, target.TableName)
}

// Aggregate compiles and runs an aggregation pipeline.
func (e *Engine) Aggregate(ctx context.Context, session, ns string, pipelineRaw RawDocument, opts AggregateOptions) (*Page, error) {
	ctx, cancelTimeout := e.withTimeout(ctx, opts.MaxTimeMS)
	defer cancelTimeout()

	database, name, err := e.splitNamespace(ns)
	if err != nil {
		return nil, err
	}
	target, err := e.meta.Lookup(ctx, database, name)
	if err != nil {
		return nil, wrapErr(err)
	}

	arr, err := bsonval.Decode(pipelineRaw)
	if err != nil {
		return nil, newError(CodeBadValue, "pipeline: %v", err)
	}

	bctx := &qcode.BuildContext{
		Target:       target,
		Collation:    opts.Collation,
		AllowDiskUse: opts.AllowDiskUse,
	}
	if len(opts.Let) != 0 {
		letDoc, err := bsonval.Decode(opts.Let)
		if err != nil {
			return nil, newError(CodeBadValue, "let: %v", err)
		}
		bctx.Vars = letDoc
	}

	// plan cache: operation bits + shape bits + metadata version
	key := e.plans.key("aggregate", ns, pipelineRaw, e.meta.Version())
	q, cached := e.plans.get(key)
	if !cached {
		stages, err := pipeline.ParsePipeline(arr)
		if err != nil {
			return nil, wrapErr(err)
		}
		if q, err = e.compiler.Compile(stages, bctx); err != nil {
			return nil, wrapErr(err)
		}
		e.plans.set(key, q)
	} else {
		// re-derive the context flags the cached tree implies
		e.compiler.RecognizePointRead(q, bctx)
		bctx.Tailable = hasVirtual(q, "changeStream")
	}

	if opts.Explain {
		return e.explainPage(q)
	}

	snap := snapshotNow(clusterTimeValue(opts.ClusterTime))

	if bctx.Tailable {
		c, err := e.cursors.Open(cursor.Tailable, ns, session, opts.BatchSize, snap, nil)
		if err != nil {
			return nil, wrapErr(err)
		}
		e.registerTail(ns, c)
		return &Page{CursorID: c.ID, Kind: cursor.Tailable.String()}, nil
	}

	if bctx.IsPointRead {
		if pk, ok := pointReadKey(q, target); ok {
			row, found, err := e.store.PointRead(ctx, storeHandle(target), pk, pk)
			if err != nil {
				return nil, wrapErr(err)
			}
			var docs []bsonval.Document
			if found {
				docs = append(docs, row.Doc)
			}
			return pageOf(docs, 0, cursor.PointRead), nil
		}
	}

	if q.Base().Virtual != "" {
		// never mutate a cached tree: materialize onto a copy
		q = cloneChain(q)
		if err := e.materializeVirtual(ctx, q, target); err != nil {
			return nil, wrapErr(err)
		}
	}

	docs, err := e.scanAll(ctx, target, q, nil)
	if err != nil {
		return nil, wrapErr(err)
	}

	// terminal $out / $merge write the result set and return no rows
	if out := q.Out; out != nil {
		if err := e.writeOutput(ctx, out, docs); err != nil {
			return nil, wrapErr(err)
		}
		return pageOf(nil, 0, cursor.SingleBatch), nil
	}

	kind := cursor.Streamable
	if opts.AllowDiskUse {
		kind = cursor.Persistent
	}
	return e.openAndPage(ctx, kind, ns, session, opts.BatchSize, snap, docs, target.TableName)
}

// GetMore returns the next page of an open cursor.
func (e *Engine) GetMore(ctx context.Context, cursorID uint64, batchSize int32) (*Page, error) {
	c, err := e.cursors.Get(cursorID)
	if err != nil {
		return nil, wrapErr(err)
	}
	batch, err := c.NextBatch(ctx, batchSize)
	if err != nil {
		if err == cursor.ErrCancelled {
			e.cursors.Cancel(cursorID)
		}
		return nil, wrapErr(err)
	}
	page := pageOf(batch, cursorID, c.Kind)
	if c.Exhausted() && c.Kind != cursor.Tailable {
		e.cursors.Close(cursorID)
		page.CursorID = 0
	}
	return page, nil
}

// KillCursors closes the given cursors, returning the ids actually
// killed.
func (e *Engine) KillCursors(ctx context.Context, ids []uint64) []uint64 {
	var killed []uint64
	for _, id := range ids {
		if err := e.cursors.Kill(id); err == nil {
			killed = append(killed, id)
		}
	}
	return killed
}

// Count returns the number of documents matching filter.
func (e *Engine) Count(ctx context.Context, ns string, filter RawDocument) (int64, error) {
	database, name, err := e.splitNamespace(ns)
	if err != nil {
		return 0, err
	}
	target, err := e.meta.Lookup(ctx, database, name)
	if err != nil {
		return 0, wrapErr(err)
	}
	q := qcode.NewSelect(target.TableName)
	if len(filter) != 0 {
		filterDoc, err := bsonval.Decode(filter)
		if err != nil {
			return 0, newError(CodeBadValue, "filter: %v", err)
		}
		if q.Where, err = pipeline.CompileFilter(filterDoc); err != nil {
			return 0, wrapErr(err)
		}
	}
	q.CountAs = "n"
	docs, err := e.scanAll(ctx, target, q, nil)
	if err != nil {
		return 0, wrapErr(err)
	}
	if len(docs) != 1 {
		return 0, newError(CodeInternalError, "count produced %d rows", len(docs))
	}
	v, ok := bsonval.Lookup(docs[0], "n")
	if !ok {
		return 0, newError(CodeInternalError, "count row missing n")
	}
	n, _ := intFromValue(v)
	return n, nil
}

// Distinct returns the distinct values of field among matching
// documents, as a BSON array body.
func (e *Engine) Distinct(ctx context.Context, ns, field string, filter RawDocument) (RawDocument, error) {
	database, name, err := e.splitNamespace(ns)
	if err != nil {
		return nil, err
	}
	target, err := e.meta.Lookup(ctx, database, name)
	if err != nil {
		return nil, wrapErr(err)
	}
	q := qcode.NewSelect(target.TableName)
	if len(filter) != 0 {
		filterDoc, err := bsonval.Decode(filter)
		if err != nil {
			return nil, newError(CodeBadValue, "filter: %v", err)
		}
		if q.Where, err = pipeline.CompileFilter(filterDoc); err != nil {
			return nil, wrapErr(err)
		}
	}
	q.DistinctPath = field
	docs, err := e.scanAll(ctx, target, q, nil)
	if err != nil {
		return nil, wrapErr(err)
	}
	aw := bsonval.NewArrayWriter()
	for _, d := range docs {
		if v, ok := bsonval.Lookup(d, "_id"); ok {
			aw.AppendValue(v)
		}
	}
	return RawDocument(aw.Finish()), nil
}

// ListCollections returns the database's collections as a single-batch
// cursor of {name} documents, optionally filtered.
func (e *Engine) ListCollections(ctx context.Context, database string, filter RawDocument) (*Page, error) {
	names, err := e.store.ListCollections(ctx, database)
	if err != nil {
		return nil, wrapErr(err)
	}
	var m *project.Matcher
	if len(filter) != 0 {
		fd, err := bsonval.Decode(filter)
		if err != nil {
			return nil, newError(CodeBadValue, "filter: %v", err)
		}
		m = project.NewMatcher(fd, nil)
	}
	var docs []bsonval.Document
	for _, n := range names {
		w := bsonval.NewDocWriter()
		w.AppendString("name", n)
		w.AppendString("type", "collection")
		d := w.Finish()
		if m.Matches(d) {
			docs = append(docs, d)
		}
	}
	return pageOf(docs, 0, cursor.SingleBatch), nil
}

// ListIndexes returns the collection's indexes as a single-batch cursor.
func (e *Engine) ListIndexes(ctx context.Context, ns string) (*Page, error) {
	database, name, err := e.splitNamespace(ns)
	if err != nil {
		return nil, err
	}
	target, err := e.meta.Lookup(ctx, database, name)
	if err != nil {
		return nil, wrapErr(err)
	}
	specs, err := e.store.ListIndexes(ctx, storeHandle(target))
	if err != nil {
		return nil, wrapErr(err)
	}
	docs := make([]bsonval.Document, 0, len(specs))
	for _, s := range specs {
		docs = append(docs, indexSpecDoc(s))
	}
	return pageOf(docs, 0, cursor.SingleBatch), nil
}

// scanAll drains a store scan, checking cancellation between rows.
func (e *Engine) scanAll(ctx context.Context, target qcode.Collection, q *qcode.Select, params rowstore.Params) ([]bsonval.Document, error) {
	stream, err := e.store.Scan(ctx, storeHandle(target), q, params)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	var out []bsonval.Document
	for {
		row, ok, err := stream.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, row.Doc)
	}
}

// openAndPage registers a cursor and ships the first page.
func (e *Engine) openAndPage(ctx context.Context, kind cursor.Kind, ns, session string, batchSize int32, snap project.TimeSnapshot, docs []bsonval.Document, table string) (*Page, error) {
	c, err := e.cursors.Open(kind, ns, session, batchSize, snap, docs)
	if err != nil {
		return nil, wrapErr(err)
	}
	batch, err := c.NextBatch(ctx, batchSize)
	if err != nil {
		return nil, wrapErr(err)
	}
	page := pageOf(batch, c.ID, kind)
	if kind == cursor.SingleBatch || kind == cursor.PointRead {
		page.CursorID = 0
		return page, nil
	}
	if c.Exhausted() && kind != cursor.Tailable {
		if c.ID != 0 {
			e.cursors.Close(c.ID)
		}
		page.CursorID = 0
		return page, nil
	}
	if kind == cursor.Streamable {
		tok := &cursor.Continuation{
			Tables: []cursor.TableContinuation{{Table: table, Position: int64(len(batch))}},
		}
		if len(batch) != 0 {
			if pk, ok := bsonval.Lookup(batch[len(batch)-1], "_id"); ok {
				tok.PrimaryKey = pk
			}
		}
		page.Continuation = RawDocument(tok.Encode())
	}
	return page, nil
}

func (e *Engine) explainPage(q *qcode.Select) (*Page, error) {
	text, md, err := e.renderer.Render(q)
	if err != nil {
		return nil, wrapErr(err)
	}
	w := bsonval.NewDocWriter()
	w.BeginDoc("queryPlanner")
	w.AppendString("generatedQuery", text)
	w.AppendInt32("parameterCount", int32(len(md.Params())))
	w.End()
	w.AppendBool("ok", true)
	return pageOf([]bsonval.Document{w.Finish()}, 0, cursor.SingleBatch), nil
}

// materializeVirtual fills engine-provided sources ($indexStats,
// $collStats, $currentOp, $listSessions) before execution.
func (e *Engine) materializeVirtual(ctx context.Context, q *qcode.Select, target qcode.Collection) error {
	base := q.Base()
	switch base.Virtual {
	case "":
		return nil
	case "indexStats":
		specs, err := e.store.ListIndexes(ctx, storeHandle(target))
		if err != nil {
			return err
		}
		for _, s := range specs {
			base.Docs = append(base.Docs, indexSpecDoc(s))
		}
	case "collStats":
		n, err := e.Count(ctx, target.Namespace(), nil)
		if err != nil {
			return err
		}
		w := bsonval.NewDocWriter()
		w.AppendString("ns", target.Namespace())
		w.AppendInt64("count", n)
		base.Docs = append(base.Docs, w.Finish())
	case "currentOp", "listSessions":
		for session, id := range e.cursors.Sessions() {
			w := bsonval.NewDocWriter()
			w.AppendString("sessionId", session)
			w.AppendInt64("cursorId", int64(id))
			base.Docs = append(base.Docs, w.Finish())
		}
	}
	if base.Docs == nil {
		base.Docs = []bsonval.Document{}
	}
	base.Virtual = ""
	base.Table = ""
	return nil
}

// writeOutput lands $out / $merge results in the target collection.
func (e *Engine) writeOutput(ctx context.Context, out *qcode.Output, docs []bsonval.Document) error {
	h, err := e.store.CreateCollection(ctx, out.Database, out.Collection)
	if err != nil {
		return err
	}
	if out.WhenMatched == "" {
		// $out replaces the collection wholesale
		if err := e.store.DropCollection(ctx, h); err != nil {
			return err
		}
		if h, err = e.store.CreateCollection(ctx, out.Database, out.Collection); err != nil {
			return err
		}
	}
	for _, d := range docs {
		id, ok := bsonval.Lookup(d, "_id")
		if !ok {
			id = objectIDValue()
			d = prependID(d, id)
		}
		pk := pkBytes(id)
		loc := rowstore.Locator{ShardKey: pk, ObjectID: pk}
		err := e.store.Insert(ctx, h, rowstore.Row{Locator: loc, Doc: d})
		if err == rowstore.ErrConflict {
			switch out.WhenMatched {
			case "keepExisting":
				continue
			case "fail":
				return newError(CodeConflict, "$merge matched an existing document with whenMatched: fail")
			default:
				if err := e.store.Update(ctx, h, loc, d); err != nil {
					return err
				}
				continue
			}
		}
		if err != nil {
			return err
		}
	}
	e.meta.Invalidate(out.Database + "." + out.Collection)
	return nil
}

func applyProjector(p *project.Projector, docs []bsonval.Document) ([]bsonval.Document, error) {
	out := make([]bsonval.Document, 0, len(docs))
	for _, d := range docs {
		nd, err := p.Apply(d)
		if err != nil {
			return nil, err
		}
		out = append(out, nd)
	}
	return out, nil
}

func pageOf(docs []bsonval.Document, id uint64, kind cursor.Kind) *Page {
	p := &Page{CursorID: id, Kind: kind.String()}
	p.Docs = make([]RawDocument, len(docs))
	for i, d := range docs {
		p.Docs[i] = RawDocument(d)
	}
	return p
}

// pointReadKey extracts the primary-key bytes when q is a sole _id
// equality with no other work.
func pointReadKey(q *qcode.Select, target qcode.Collection) ([]byte, bool) {
	if target.ShardKeyPath != "_id" || q.From != nil || q.Where == nil {
		return nil, false
	}
	if q.Project != nil || q.Group != nil || len(q.Order) != 0 || len(q.Joins) != 0 ||
		len(q.Unwinds) != 0 || len(q.Unions) != 0 || len(q.Facets) != 0 ||
		q.Recurse != nil || q.Out != nil || q.CountAs != "" || q.DistinctPath != "" ||
		q.Sample != 0 || len(q.Windows) != 0 || q.Offset > 0 {
		return nil, false
	}
	e := q.Where
	if e.Op == qcode.OpAnd && len(e.Children) == 1 {
		e = e.Children[0]
	}
	if e.Op != qcode.OpEquals || e.Path != "_id" {
		return nil, false
	}
	switch e.Val.Type {
	case bsoncore.TypeEmbeddedDocument, bsoncore.TypeArray, 0:
		return nil, false
	}
	return pkBytes(e.Val), true
}

func (e *Engine) collation(locale string) (*bsonval.Collation, error) {
	if locale == "" {
		return nil, nil
	}
	if len(locale) > qcode.MaxCollationLength {
		return nil, newError(CodeBadValue, "collation string too long")
	}
	c, err := bsonval.NewCollation(locale)
	if err != nil {
		return nil, newError(CodeBadValue, "collation: %v", err)
	}
	return c, nil
}

func clusterTimeValue(raw RawDocument) bsonval.Value {
	if len(raw) == 0 {
		return bsonval.Value{}
	}
	doc, err := bsonval.Decode([]byte(raw))
	if err != nil {
		return bsonval.Value{}
	}
	v, ok := bsonval.Lookup(doc, "clusterTime")
	if !ok {
		return bsonval.Value{}
	}
	return v
}

// cloneChain shallow-copies every level of a select chain so cached
// plans stay immutable.
func cloneChain(q *qcode.Select) *qcode.Select {
	cp := *q
	if cp.From != nil {
		cp.From = cloneChain(cp.From)
	}
	return &cp
}

// hasVirtual reports whether any level of the tree reads the named
// engine-provided source.
func hasVirtual(q *qcode.Select, name string) bool {
	for cur := q; cur != nil; cur = cur.From {
		if cur.Virtual == name {
			return true
		}
	}
	return false
}

func storeHandle(c qcode.Collection) rowstore.Handle {
	return rowstore.Handle{Database: c.Database, Collection: c.Name, Table: c.TableName}
}

func intFromValue(v bsonval.Value) (int64, bool) {
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

func indexSpecDoc(s rowstore.IndexSpec) bsonval.Document {
	w := bsonval.NewDocWriter()
	w.AppendString("name", s.Name)
	w.BeginDoc("key")
	for i, p := range s.KeyPaths {
		dir := int32(1)
		if i < len(s.Descending) && s.Descending[i] {
			dir = -1
		}
		w.AppendInt32(p, dir)
	}
	w.End()
	if s.AccessMethod != "" {
		w.AppendString("accessMethod", s.AccessMethod)
	}
	if s.Unique {
		w.AppendBool("unique", true)
	}
	return w.Finish()
}
