// Package rowstore defines the relational Row Store collaborator the
// engine consumes: shard-keyed tables holding (shard-key, object-id,
// document) rows with secondary indexes. The package ships two
// implementations: an in-memory store used by tests and single-node
// deployments, and a database/sql adapter for a PostgreSQL substrate.
package rowstore

import (
	"context"
	"errors"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/qcode"
)

var (
	// ErrNamespaceNotFound is returned when a collection does not exist.
	ErrNamespaceNotFound = errors.New("NamespaceNotFound")
	// ErrConflict is returned on primary-key conflicts.
	ErrConflict = errors.New("Conflict")
	// ErrIndexNotFound is returned when dropping an unknown index.
	ErrIndexNotFound = errors.New("IndexNotFound")
)

// Locator addresses one physical row: the primary key is
// (shard-key-value, object-id).
type Locator struct {
	ShardKey []byte
	ObjectID []byte
}

// Row is one stored document plus its locator.
type Row struct {
	Locator Locator
	Doc     bsonval.Document
}

// Handle is an opened collection.
type Handle struct {
	Database   string
	Collection string
	Table      string
}

// IndexSpec describes a secondary index.
type IndexSpec struct {
	// ID is the substrate's index identifier; MemStore.ListIndexes fills
	// it, SQLStore.ListIndexes leaves it zero.
	ID           int64
	Name         string
	AccessMethod string
	KeyPaths     []string
	Descending   []bool
	Unique       bool
	Wildcard     bool
}

// Stream yields rows one at a time; implementations check ctx between
// rows so cancellation lands between tuples.
type Stream interface {
	Next(ctx context.Context) (Row, bool, error)
	Close() error
}

// Params carries parameterized-query operand values keyed by the
// compiler's parameter ids.
type Params map[int]bsonval.Value

// Store is the Row Store interface the engine consumes.
type Store interface {
	OpenCollection(ctx context.Context, database, name string) (Handle, error)
	CreateCollection(ctx context.Context, database, name string) (Handle, error)
	DropCollection(ctx context.Context, h Handle) error
	ListCollections(ctx context.Context, database string) ([]string, error)

	// Scan plans and executes a query tree, returning a row stream in
	// the tree's declared order.
	Scan(ctx context.Context, h Handle, sel *qcode.Select, params Params) (Stream, error)

	// PointRead reads a single row by primary key, bypassing the
	// iterator machinery.
	PointRead(ctx context.Context, h Handle, shardKey, objectID []byte) (Row, bool, error)

	Insert(ctx context.Context, h Handle, row Row) error
	Update(ctx context.Context, h Handle, loc Locator, doc bsonval.Document) error
	Delete(ctx context.Context, h Handle, loc Locator) error

	CreateIndex(ctx context.Context, h Handle, spec IndexSpec) (int64, error)
	DropIndex(ctx context.Context, h Handle, indexID int64) error
	ListIndexes(ctx context.Context, h Handle) ([]IndexSpec, error)
}

// sliceStream adapts a materialized result to Stream.
type sliceStream struct {
	rows []Row
	pos  int
}

// NewSliceStream wraps rows in a Stream.
func NewSliceStream(rows []Row) Stream { return &sliceStream{rows: rows} }

func (s *sliceStream) Next(ctx context.Context) (Row, bool, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, false, err
	}
	if s.pos >= len(s.rows) {
		return Row{}, false, nil
	}
	r := s.rows[s.pos]
	s.pos++
	return r, true, nil
}

func (s *sliceStream) Close() error { return nil }
