package core

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/indexam"
	"github.com/stratumdb/stratum/core/internal/pathtree"
	"github.com/stratumdb/stratum/core/internal/rowstore"
)

// CreateCollection creates a collection (and its backing table).
func (e *Engine) CreateCollection(ctx context.Context, ns string) error {
	database, name, err := e.splitNamespace(ns)
	if err != nil {
		return err
	}
	if _, err := e.store.CreateCollection(ctx, database, name); err != nil {
		return wrapErr(err)
	}
	e.meta.Invalidate(database + "." + name)
	return nil
}

// DropCollection drops a collection.
func (e *Engine) DropCollection(ctx context.Context, ns string) error {
	database, name, err := e.splitNamespace(ns)
	if err != nil {
		return err
	}
	target, err := e.meta.Lookup(ctx, database, name)
	if err != nil {
		return wrapErr(err)
	}
	if err := e.store.DropCollection(ctx, storeHandle(target)); err != nil {
		return wrapErr(err)
	}
	e.meta.Invalidate(database + "." + name)
	return nil
}

// IndexModel is one createIndexes entry.
type IndexModel struct {
	Name   string
	Keys   RawDocument // {path: 1|-1|"hashed"|"text"|"2dsphere", ...}
	Unique bool
}

// CreateIndexes builds the requested indexes, routing each to the index
// access method whose capabilities cover its key pattern.
func (e *Engine) CreateIndexes(ctx context.Context, ns string, models []IndexModel) ([]int64, error) {
	database, name, err := e.splitNamespace(ns)
	if err != nil {
		return nil, err
	}
	target, err := e.meta.Lookup(ctx, database, name)
	if err != nil {
		return nil, wrapErr(err)
	}
	h := storeHandle(target)

	var ids []int64
	for _, m := range models {
		spec, err := e.indexSpec(m)
		if err != nil {
			return nil, err
		}
		id, err := e.store.CreateIndex(ctx, h, spec)
		if err != nil {
			return nil, wrapErr(err)
		}
		ids = append(ids, id)
	}
	e.meta.Invalidate(database + "." + name)
	return ids, nil
}

// indexSpec validates a key pattern and selects an access method.
func (e *Engine) indexSpec(m IndexModel) (rowstore.IndexSpec, error) {
	keys, err := bsonval.Decode(m.Keys)
	if err != nil {
		return rowstore.IndexSpec{}, newError(CodeBadValue, "index keys: %v", err)
	}
	elems, err := bsonval.Elements(keys)
	if err != nil || len(elems) == 0 {
		return rowstore.IndexSpec{}, newError(CodeBadValue, "index requires at least one key")
	}

	spec := rowstore.IndexSpec{Name: m.Name, Unique: m.Unique}
	kind := "" // "", "hashed", "text", "2dsphere", "vector"
	for _, el := range elems {
		path := el.Name
		if path == "$**" || strings.HasSuffix(path, ".$**") {
			spec.Wildcard = true
			path = strings.TrimSuffix(path, "$**")
			path = strings.TrimSuffix(path, ".")
		} else if strings.HasPrefix(path, "$") {
			return rowstore.IndexSpec{}, newError(CodeBadValue, "invalid index path %q", path)
		}
		spec.KeyPaths = append(spec.KeyPaths, path)

		switch el.Value.Type {
		case bsoncore.TypeString:
			s, _ := rawString(el.Value)
			switch s {
			case "hashed", "text", "2dsphere", "vector":
				if kind != "" && kind != s {
					return rowstore.IndexSpec{}, newError(CodeIndexOptionsConflict,
						"cannot mix %s and %s keys", kind, s)
				}
				kind = s
			default:
				return rowstore.IndexSpec{}, newError(CodeBadValue, "unknown index kind %q", s)
			}
			spec.Descending = append(spec.Descending, false)
		default:
			dir, ok := intFromValue(el.Value)
			if !ok || (dir != 1 && dir != -1) {
				return rowstore.IndexSpec{}, newError(CodeBadValue, "index direction must be 1 or -1")
			}
			spec.Descending = append(spec.Descending, dir < 0)
		}
	}

	am, err := e.selectAM(kind, len(elems) > 1, spec)
	if err != nil {
		return rowstore.IndexSpec{}, err
	}
	spec.AccessMethod = am.SubstrateID
	if m.Name == "" {
		spec.Name = defaultIndexName(spec)
	}
	return spec, nil
}

// selectAM routes a key pattern to the first registered AM claiming it;
// ties resolve in registration order.
func (e *Engine) selectAM(kind string, composite bool, spec rowstore.IndexSpec) (*indexam.Entry, error) {
	var pred func(*indexam.Entry) bool
	switch kind {
	case "hashed":
		pred = func(am *indexam.Entry) bool { return am.Caps.Hashed }
	case "text":
		pred = func(am *indexam.Entry) bool { return am.Caps.Text }
	case "2dsphere":
		pred = func(am *indexam.Entry) bool { return am.Name == "2dsphere" }
	case "vector":
		pred = func(am *indexam.Entry) bool { return am.Name == "vector" }
	default:
		switch {
		case spec.Wildcard:
			pred = func(am *indexam.Entry) bool { return am.Caps.Wildcard }
		case composite:
			pred = func(am *indexam.Entry) bool { return am.Caps.Composite }
		case spec.Unique:
			pred = func(am *indexam.Entry) bool { return am.Caps.SinglePath && am.Caps.Unique }
		default:
			pred = func(am *indexam.Entry) bool { return am.Caps.SinglePath }
		}
	}
	am, ok := e.indexAMs.Select(pred)
	if !ok {
		return nil, newError(CodeUnableToFindIndex, "no access method supports this key pattern")
	}
	return am, nil
}

func defaultIndexName(spec rowstore.IndexSpec) string {
	var sb strings.Builder
	for i, p := range spec.KeyPaths {
		if i != 0 {
			sb.WriteByte('_')
		}
		sb.WriteString(strings.ReplaceAll(p, ".", "_"))
		if i < len(spec.Descending) && spec.Descending[i] {
			sb.WriteString("_-1")
		} else {
			sb.WriteString("_1")
		}
	}
	return sb.String()
}

// DropIndexes drops the named index, or all non-primary indexes for "*".
func (e *Engine) DropIndexes(ctx context.Context, ns, indexName string) error {
	database, name, err := e.splitNamespace(ns)
	if err != nil {
		return err
	}
	target, err := e.meta.Lookup(ctx, database, name)
	if err != nil {
		return wrapErr(err)
	}
	h := storeHandle(target)
	specs, err := e.store.ListIndexes(ctx, h)
	if err != nil {
		return wrapErr(err)
	}
	found := false
	for _, s := range specs {
		if indexName != "*" && s.Name != indexName {
			continue
		}
		found = true
		if err := e.store.DropIndex(ctx, h, s.ID); err != nil {
			return wrapErr(err)
		}
	}
	if !found && indexName != "*" {
		return newError(CodeIndexNotFound, "index %q not found", indexName)
	}
	e.meta.Invalidate(database + "." + name)
	return nil
}

// CollMod applies collection modifications. Only a wildcardProjection
// field is checked (it must be a document that normalizes); other fields
// are accepted without effect. The call always bumps the metadata
// version so plan-cache entries refresh.
func (e *Engine) CollMod(ctx context.Context, ns string, mod RawDocument) error {
	database, name, err := e.splitNamespace(ns)
	if err != nil {
		return err
	}
	if _, err := e.meta.Lookup(ctx, database, name); err != nil {
		return wrapErr(err)
	}
	doc, err := bsonval.Decode(mod)
	if err != nil {
		return newError(CodeBadValue, "collMod: %v", err)
	}
	if wp, ok := bsonval.Lookup(doc, "wildcardProjection"); ok {
		if wp.Type != bsoncore.TypeEmbeddedDocument {
			return newError(CodeBadValue, "wildcardProjection must be a document")
		}
		if _, err := pathtree.NormalizeWildcard(bsonval.Document(wp.Data)); err != nil {
			return wrapErr(err)
		}
	}
	e.meta.Invalidate(database + "." + name)
	return nil
}
