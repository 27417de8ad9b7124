package rowstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/qcode"
)

// MemStore is the in-memory Row Store: shard-keyed tables of
// (shard-key, object-id, document) rows with primary-key ordering. Tests
// and single-node deployments run on it; the SQL adapter replaces it in
// front of a real substrate.
type MemStore struct {
	mu     sync.RWMutex
	tables map[string]*memTable
	nextIx int64
}

type memTable struct {
	database   string
	collection string
	rows       []Row
	indexes    map[int64]IndexSpec
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{tables: map[string]*memTable{}}
}

func tableName(database, name string) string {
	return database + "." + name
}

// OpenCollection resolves a handle or fails with NamespaceNotFound.
func (s *MemStore) OpenCollection(ctx context.Context, database, name string) (Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tn := tableName(database, name)
	if _, ok := s.tables[tn]; !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrNamespaceNotFound, tn)
	}
	return Handle{Database: database, Collection: name, Table: tn}, nil
}

// CreateCollection creates the backing table if missing.
func (s *MemStore) CreateCollection(ctx context.Context, database, name string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tn := tableName(database, name)
	if _, ok := s.tables[tn]; !ok {
		s.tables[tn] = &memTable{database: database, collection: name, indexes: map[int64]IndexSpec{}}
	}
	return Handle{Database: database, Collection: name, Table: tn}, nil
}

// DropCollection removes the table.
func (s *MemStore) DropCollection(ctx context.Context, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[h.Table]; !ok {
		return fmt.Errorf("%w: %s", ErrNamespaceNotFound, h.Table)
	}
	delete(s.tables, h.Table)
	return nil
}

// ListCollections names the database's collections sorted.
func (s *MemStore) ListCollections(ctx context.Context, database string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, t := range s.tables {
		if t.database == database {
			out = append(out, t.collection)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Scan executes the query tree with the reference executor.
func (s *MemStore) Scan(ctx context.Context, h Handle, sel *qcode.Select, params Params) (Stream, error) {
	ex := &Executor{
		Fetch: func(ctx context.Context, table string) ([]Row, error) {
			return s.snapshotRows(table)
		},
		Params: params,
	}
	docs, err := ex.Run(ctx, sel)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, len(docs))
	for i, d := range docs {
		rows[i] = Row{Doc: d}
	}
	return NewSliceStream(rows), nil
}

func (s *MemStore) snapshotRows(table string) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[table]
	if !ok {
		return nil, ErrNamespaceNotFound
	}
	out := make([]Row, len(t.rows))
	copy(out, t.rows)
	return out, nil
}

// PointRead fetches one row by primary key.
func (s *MemStore) PointRead(ctx context.Context, h Handle, shardKey, objectID []byte) (Row, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[h.Table]
	if !ok {
		return Row{}, false, fmt.Errorf("%w: %s", ErrNamespaceNotFound, h.Table)
	}
	i, found := t.find(shardKey, objectID)
	if !found {
		return Row{}, false, nil
	}
	return t.rows[i], true, nil
}

// find locates the row index for a primary key; rows stay sorted by
// (shard-key, object-id).
func (t *memTable) find(shardKey, objectID []byte) (int, bool) {
	i := sort.Search(len(t.rows), func(i int) bool {
		return pkCompare(t.rows[i].Locator, shardKey, objectID) >= 0
	})
	if i < len(t.rows) && pkCompare(t.rows[i].Locator, shardKey, objectID) == 0 {
		return i, true
	}
	return i, false
}

func pkCompare(l Locator, shardKey, objectID []byte) int {
	if c := bytes.Compare(l.ShardKey, shardKey); c != 0 {
		return c
	}
	return bytes.Compare(l.ObjectID, objectID)
}

// Insert adds a row, failing with Conflict on duplicate primary keys.
func (s *MemStore) Insert(ctx context.Context, h Handle, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[h.Table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNamespaceNotFound, h.Table)
	}
	i, found := t.find(row.Locator.ShardKey, row.Locator.ObjectID)
	if found {
		return ErrConflict
	}
	t.rows = append(t.rows, Row{})
	copy(t.rows[i+1:], t.rows[i:])
	t.rows[i] = row
	return nil
}

// Update replaces the document at loc.
func (s *MemStore) Update(ctx context.Context, h Handle, loc Locator, doc bsonval.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[h.Table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNamespaceNotFound, h.Table)
	}
	i, found := t.find(loc.ShardKey, loc.ObjectID)
	if !found {
		return fmt.Errorf("%w: row", ErrNamespaceNotFound)
	}
	t.rows[i].Doc = doc
	return nil
}

// Delete removes the row at loc; deleting a missing row is a no-op.
func (s *MemStore) Delete(ctx context.Context, h Handle, loc Locator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[h.Table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNamespaceNotFound, h.Table)
	}
	i, found := t.find(loc.ShardKey, loc.ObjectID)
	if !found {
		return nil
	}
	t.rows = append(t.rows[:i], t.rows[i+1:]...)
	return nil
}

// CreateIndex records a secondary-index spec and returns its id.
func (s *MemStore) CreateIndex(ctx context.Context, h Handle, spec IndexSpec) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[h.Table]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNamespaceNotFound, h.Table)
	}
	for _, existing := range t.indexes {
		if existing.Name == spec.Name {
			return 0, fmt.Errorf("IndexOptionsConflict: index %q exists", spec.Name)
		}
	}
	s.nextIx++
	t.indexes[s.nextIx] = spec
	return s.nextIx, nil
}

// DropIndex removes an index by id.
func (s *MemStore) DropIndex(ctx context.Context, h Handle, indexID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[h.Table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNamespaceNotFound, h.Table)
	}
	if _, ok := t.indexes[indexID]; !ok {
		return ErrIndexNotFound
	}
	delete(t.indexes, indexID)
	return nil
}

// ListIndexes returns the table's index specs in id order.
func (s *MemStore) ListIndexes(ctx context.Context, h Handle) ([]IndexSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[h.Table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNamespaceNotFound, h.Table)
	}
	ids := make([]int64, 0, len(t.indexes))
	for id := range t.indexes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]IndexSpec, 0, len(ids))
	for _, id := range ids {
		spec := t.indexes[id]
		spec.ID = id
		out = append(out, spec)
	}
	return out, nil
}

var _ Store = (*MemStore)(nil)
