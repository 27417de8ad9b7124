package core

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
	"golang.org/x/sync/errgroup"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/pipeline"
	"github.com/stratumdb/stratum/core/internal/project"
	"github.com/stratumdb/stratum/core/internal/qcode"
	"github.com/stratumdb/stratum/core/internal/rowstore"
)

// WriteError reports one failed item of a batch write.
type WriteError struct {
	Index int
	Code  Code
	Msg   string
}

// InsertResult summarizes a batch insert.
type InsertResult struct {
	Inserted    int64
	WriteErrors []WriteError
}

// UpdateResult summarizes an update.
type UpdateResult struct {
	Matched  int64
	Modified int64
	Upserted RawDocument // the upserted _id value document, if any
}

// DeleteResult summarizes a delete.
type DeleteResult struct {
	Deleted int64
}

// Insert writes a batch of documents. Ordered batches stop at the first
// error; unordered batches run on the write pool and report every error.
// A retry id makes the call idempotent: the recorded result returns
// without re-applying side effects.
func (e *Engine) Insert(ctx context.Context, ns string, docs []RawDocument, ordered bool, retryID RetryID) (*InsertResult, error) {
	if rec, ok := e.retries.Lookup(retryID); ok {
		return decodeInsertResult(rec), nil
	}
	database, name, err := e.splitNamespace(ns)
	if err != nil {
		return nil, err
	}
	h, err := e.store.CreateCollection(ctx, database, name)
	if err != nil {
		return nil, wrapErr(err)
	}

	res := &InsertResult{}
	insertOne := func(i int, raw RawDocument) *WriteError {
		doc, err := bsonval.Decode(raw)
		if err != nil {
			return &WriteError{Index: i, Code: CodeBadValue, Msg: err.Error()}
		}
		if len(doc) > bsonval.MaxDocumentSize {
			return &WriteError{Index: i, Code: CodeBadValue, Msg: "document exceeds maximum BSON size"}
		}
		id, ok := bsonval.Lookup(doc, "_id")
		if !ok {
			id = objectIDValue()
			doc = prependID(doc, id)
		}
		pk := pkBytes(id)
		err = e.store.Insert(ctx, h, rowstore.Row{
			Locator: rowstore.Locator{ShardKey: pk, ObjectID: pk},
			Doc:     doc,
		})
		if err != nil {
			we := wrapErr(err).(*Error)
			return &WriteError{Index: i, Code: we.Code, Msg: we.Msg}
		}
		e.publishChange(ns, "insert", doc)
		return nil
	}

	if ordered {
		for i, raw := range docs {
			if we := insertOne(i, raw); we != nil {
				res.WriteErrors = append(res.WriteErrors, *we)
				break
			}
			res.Inserted++
		}
	} else {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for i, raw := range docs {
			i, raw := i, raw
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				// the shared pool bounds write concurrency per process
				done := make(chan *WriteError, 1)
				if err := e.writePool.Submit(func() {
					done <- insertOne(i, raw)
				}); err != nil {
					done <- &WriteError{Index: i, Code: CodeInternalError, Msg: err.Error()}
				}
				we := <-done
				mu.Lock()
				defer mu.Unlock()
				if we != nil {
					res.WriteErrors = append(res.WriteErrors, *we)
				} else {
					res.Inserted++
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, wrapErr(err)
		}
	}

	e.retries.Record(retryID, encodeInsertResult(res))
	return res, nil
}

// Update applies an update document (operator form or replacement) to
// matching documents.
func (e *Engine) Update(ctx context.Context, ns string, filter, update RawDocument, multi, upsert bool, retryID RetryID) (*UpdateResult, error) {
	if rec, ok := e.retries.Lookup(retryID); ok {
		return decodeUpdateResult(rec), nil
	}
	database, name, err := e.splitNamespace(ns)
	if err != nil {
		return nil, err
	}
	target, err := e.meta.Lookup(ctx, database, name)
	if err != nil {
		return nil, wrapErr(err)
	}
	h := storeHandle(target)

	filterDoc, err := bsonval.Decode(filter)
	if err != nil {
		return nil, newError(CodeBadValue, "filter: %v", err)
	}
	updateDoc, err := bsonval.Decode(update)
	if err != nil {
		return nil, newError(CodeBadValue, "update: %v", err)
	}

	rows, err := e.matchRows(ctx, h, filterDoc)
	if err != nil {
		return nil, wrapErr(err)
	}

	res := &UpdateResult{}
	for _, row := range rows {
		res.Matched++
		nd, changed, err := applyUpdate(row.Doc, updateDoc)
		if err != nil {
			return nil, wrapErr(err)
		}
		if changed {
			if err := e.store.Update(ctx, h, row.Locator, nd); err != nil {
				return nil, wrapErr(err)
			}
			e.publishChange(ns, "update", nd)
			res.Modified++
		}
		if !multi {
			break
		}
	}

	if res.Matched == 0 && upsert {
		seed := upsertSeed(filterDoc)
		nd, _, err := applyUpdate(seed, updateDoc)
		if err != nil {
			return nil, wrapErr(err)
		}
		if soi, ok := bsonval.Lookup(updateDoc, "$setOnInsert"); ok && soi.Type == bsoncore.TypeEmbeddedDocument {
			fields, err := bsonval.Elements(bsonval.Document(soi.Data))
			if err != nil {
				return nil, wrapErr(err)
			}
			for _, f := range fields {
				nd = setPathValue(nd, f.Name, f.Value)
			}
		}
		id, ok := bsonval.Lookup(nd, "_id")
		if !ok {
			id = objectIDValue()
			nd = prependID(nd, id)
		}
		pk := pkBytes(id)
		if err := e.store.Insert(ctx, h, rowstore.Row{
			Locator: rowstore.Locator{ShardKey: pk, ObjectID: pk},
			Doc:     nd,
		}); err != nil {
			return nil, wrapErr(err)
		}
		e.publishChange(ns, "insert", nd)
		w := bsonval.NewDocWriter()
		w.AppendValue("_id", id)
		res.Upserted = RawDocument(w.Finish())
	}

	e.retries.Record(retryID, encodeUpdateResult(res))
	return res, nil
}

// Delete removes matching documents.
func (e *Engine) Delete(ctx context.Context, ns string, filter RawDocument, multi bool, retryID RetryID) (*DeleteResult, error) {
	if rec, ok := e.retries.Lookup(retryID); ok {
		return decodeDeleteResult(rec), nil
	}
	database, name, err := e.splitNamespace(ns)
	if err != nil {
		return nil, err
	}
	target, err := e.meta.Lookup(ctx, database, name)
	if err != nil {
		return nil, wrapErr(err)
	}
	h := storeHandle(target)

	filterDoc, err := bsonval.Decode(filter)
	if err != nil {
		return nil, newError(CodeBadValue, "filter: %v", err)
	}
	rows, err := e.matchRows(ctx, h, filterDoc)
	if err != nil {
		return nil, wrapErr(err)
	}
	res := &DeleteResult{}
	for _, row := range rows {
		if err := e.store.Delete(ctx, h, row.Locator); err != nil {
			return nil, wrapErr(err)
		}
		e.publishChange(ns, "delete", row.Doc)
		res.Deleted++
		if !multi {
			break
		}
	}
	e.retries.Record(retryID, encodeDeleteResult(res))
	return res, nil
}

// matchRows fetches the rows satisfying filter, locator included, by
// matching engine-side; writes need locators, not just documents.
func (e *Engine) matchRows(ctx context.Context, h rowstore.Handle, filter bsonval.Document) ([]rowstore.Row, error) {
	// validate the filter through the same compiler the read path uses
	if _, err := pipeline.CompileFilter(filter); err != nil {
		return nil, err
	}
	m := project.NewMatcher(filter, nil)

	sel := qcode.NewSelect(h.Table)
	stream, err := e.store.Scan(ctx, h, sel, nil)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	var out []rowstore.Row
	for {
		row, ok, err := stream.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		if m.Matches(row.Doc) {
			if len(row.Locator.ShardKey) == 0 {
				if id, ok := bsonval.Lookup(row.Doc, "_id"); ok {
					pk := pkBytes(id)
					row.Locator = rowstore.Locator{ShardKey: pk, ObjectID: pk}
				}
			}
			out = append(out, row)
		}
	}
}

// applyUpdate applies an operator-form or replacement update.
func applyUpdate(doc, update bsonval.Document) (bsonval.Document, bool, error) {
	elems, err := bsonval.Elements(update)
	if err != nil {
		return nil, false, err
	}
	operatorForm := false
	for _, e := range elems {
		if len(e.Name) != 0 && e.Name[0] == '$' {
			operatorForm = true
			break
		}
	}
	if !operatorForm {
		// replacement keeps the original _id
		if id, ok := bsonval.Lookup(doc, "_id"); ok {
			if _, has := bsonval.Lookup(update, "_id"); !has {
				update = prependID(update, id)
			}
		}
		return update, !bsonval.Equal(bsonval.DocValue(doc), bsonval.DocValue(update)), nil
	}

	out := doc
	changed := false
	for _, op := range elems {
		if op.Value.Type != bsoncore.TypeEmbeddedDocument {
			return nil, false, newError(CodeFailedToParse, "update operator %s requires a document", op.Name)
		}
		fields, err := bsonval.Elements(bsonval.Document(op.Value.Data))
		if err != nil {
			return nil, false, err
		}
		switch op.Name {
		case "$set":
			for _, f := range fields {
				out = setPathValue(out, f.Name, f.Value)
				changed = true
			}
		case "$unset":
			for _, f := range fields {
				var ok bool
				if out, ok = unsetPath(out, f.Name); ok {
					changed = true
				}
			}
		case "$inc":
			for _, f := range fields {
				nd, err := incPath(out, f.Name, f.Value)
				if err != nil {
					return nil, false, err
				}
				out = nd
				changed = true
			}
		case "$push":
			for _, f := range fields {
				out = pushPath(out, f.Name, f.Value)
				changed = true
			}
		case "$setOnInsert":
			// only meaningful during upsert seeding; no-op on matched rows
		default:
			return nil, false, newError(CodeFailedToParse, "unknown update operator %s", op.Name)
		}
	}
	return out, changed, nil
}

// upsertSeed builds the base document for an upsert from the filter's
// equality conditions.
func upsertSeed(filter bsonval.Document) bsonval.Document {
	w := bsonval.NewDocWriter()
	elems, _ := bsonval.Elements(filter)
	for _, e := range elems {
		if len(e.Name) != 0 && e.Name[0] == '$' {
			continue
		}
		if e.Value.Type == bsoncore.TypeEmbeddedDocument {
			continue
		}
		w.AppendValue(e.Name, e.Value)
	}
	return w.Finish()
}

// pkBytes is the primary-key encoding of a BSON value: the type byte
// followed by the raw value bytes, preserving uniqueness.
func pkBytes(v bsonval.Value) []byte {
	out := make([]byte, 0, len(v.Data)+1)
	out = append(out, byte(v.Type))
	return append(out, v.Data...)
}

func objectIDValue() bsonval.Value {
	oid := bson.NewObjectID()
	return bsonval.Value{Type: bsoncore.TypeObjectID, Data: oid[:]}
}

// prependID rewrites doc with _id first, the storage-normal form.
func prependID(doc bsonval.Document, id bsonval.Value) bsonval.Document {
	w := bsonval.NewDocWriter()
	w.AppendValue("_id", id)
	elems, _ := bsonval.Elements(doc)
	for _, e := range elems {
		if e.Name == "_id" {
			continue
		}
		w.AppendValue(e.Name, e.Value)
	}
	return w.Finish()
}
