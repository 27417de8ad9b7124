package rowstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// registers the pgx database/sql driver for the default substrate
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pkg/errors"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/qcode"
	"github.com/stratumdb/stratum/core/internal/sqlgen"
)

// SQLStore adapts a database/sql connection to the Row Store interface.
// Tables use the physical layout (shard_key bytea, object_id bytea,
// document bytea) with primary key (shard_key, object_id); query trees
// are rendered through sqlgen and planned by the substrate.
type SQLStore struct {
	db       *sql.DB
	renderer *sqlgen.Renderer
}

// NewSQLStore wraps db.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, renderer: sqlgen.NewRenderer()}
}

func sqlTableName(database, name string) string {
	return strings.ReplaceAll(database, `"`, ``) + "_" + strings.ReplaceAll(name, `"`, ``)
}

// OpenCollection verifies the backing table exists.
func (s *SQLStore) OpenCollection(ctx context.Context, database, name string) (Handle, error) {
	tn := sqlTableName(database, name)
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM information_schema.tables WHERE table_name = $1`, tn).Scan(&one)
	if err == sql.ErrNoRows {
		return Handle{}, fmt.Errorf("%w: %s.%s", ErrNamespaceNotFound, database, name)
	}
	if err != nil {
		return Handle{}, errors.Wrap(err, "open collection")
	}
	return Handle{Database: database, Collection: name, Table: tn}, nil
}

// CreateCollection creates the backing table.
func (s *SQLStore) CreateCollection(ctx context.Context, database, name string) (Handle, error) {
	tn := sqlTableName(database, name)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (shard_key bytea NOT NULL, object_id bytea NOT NULL, document bytea NOT NULL, PRIMARY KEY (shard_key, object_id))`, tn))
	if err != nil {
		return Handle{}, errors.Wrap(err, "create collection")
	}
	return Handle{Database: database, Collection: name, Table: tn}, nil
}

// DropCollection drops the backing table.
func (s *SQLStore) DropCollection(ctx context.Context, h Handle) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, h.Table))
	return errors.Wrap(err, "drop collection")
}

// ListCollections names the database's collections.
func (s *SQLStore) ListCollections(ctx context.Context, database string) ([]string, error) {
	prefix := sqlTableName(database, "")
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_name LIKE $1 || '%'`, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "list collections")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var tn string
		if err := rows.Scan(&tn); err != nil {
			return nil, err
		}
		out = append(out, strings.TrimPrefix(tn, prefix))
	}
	return out, rows.Err()
}

// Scan renders sel and streams the document column.
func (s *SQLStore) Scan(ctx context.Context, h Handle, sel *qcode.Select, params Params) (Stream, error) {
	text, md, err := s.renderer.Render(sel)
	if err != nil {
		return nil, err
	}
	args := make([]any, 0, len(md.Params()))
	for _, p := range md.Params() {
		if p.BSON != nil {
			args = append(args, p.BSON)
			continue
		}
		v, ok := params[p.ID]
		if !ok {
			return nil, fmt.Errorf("InternalError: unbound parameter %d", p.ID)
		}
		args = append(args, v.Data)
	}
	rows, err := s.db.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, errors.Wrap(err, "scan")
	}
	return &sqlStream{rows: rows}, nil
}

type sqlStream struct {
	rows *sql.Rows
}

func (st *sqlStream) Next(ctx context.Context) (Row, bool, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, false, err
	}
	if !st.rows.Next() {
		return Row{}, false, st.rows.Err()
	}
	var doc []byte
	if err := st.rows.Scan(&doc); err != nil {
		return Row{}, false, err
	}
	d, err := bsonval.Decode(doc)
	if err != nil {
		return Row{}, false, err
	}
	return Row{Doc: d}, true, nil
}

func (st *sqlStream) Close() error { return st.rows.Close() }

// PointRead fetches one row by primary key.
func (s *SQLStore) PointRead(ctx context.Context, h Handle, shardKey, objectID []byte) (Row, bool, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT document FROM %q WHERE shard_key = $1 AND object_id = $2`, h.Table),
		shardKey, objectID).Scan(&doc)
	if err == sql.ErrNoRows {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, errors.Wrap(err, "point read")
	}
	d, err := bsonval.Decode(doc)
	if err != nil {
		return Row{}, false, err
	}
	return Row{Locator: Locator{ShardKey: shardKey, ObjectID: objectID}, Doc: d}, true, nil
}

// Insert adds a row; unique violations surface as Conflict.
func (s *SQLStore) Insert(ctx context.Context, h Handle, row Row) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %q (shard_key, object_id, document) VALUES ($1, $2, $3)`, h.Table),
		row.Locator.ShardKey, row.Locator.ObjectID, []byte(row.Doc))
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrConflict
	}
	return errors.Wrap(err, "insert")
}

// Update replaces the stored document.
func (s *SQLStore) Update(ctx context.Context, h Handle, loc Locator, doc bsonval.Document) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %q SET document = $3 WHERE shard_key = $1 AND object_id = $2`, h.Table),
		loc.ShardKey, loc.ObjectID, []byte(doc))
	return errors.Wrap(err, "update")
}

// Delete removes a row.
func (s *SQLStore) Delete(ctx context.Context, h Handle, loc Locator) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %q WHERE shard_key = $1 AND object_id = $2`, h.Table),
		loc.ShardKey, loc.ObjectID)
	return errors.Wrap(err, "delete")
}

// CreateIndex creates a substrate index via the registered access
// method's substrate identifier.
func (s *SQLStore) CreateIndex(ctx context.Context, h Handle, spec IndexSpec) (int64, error) {
	cols := make([]string, len(spec.KeyPaths))
	for i, p := range spec.KeyPaths {
		dir := ""
		if i < len(spec.Descending) && spec.Descending[i] {
			dir = " DESC"
		}
		cols[i] = fmt.Sprintf(`(bson_get(document, '%s'))%s`, strings.ReplaceAll(p, "'", ""), dir)
	}
	unique := ""
	if spec.Unique {
		unique = "UNIQUE "
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE %sINDEX %q ON %q USING %s (%s)`,
		unique, spec.Name, h.Table, spec.AccessMethod, strings.Join(cols, ", ")))
	if err != nil {
		return 0, errors.Wrap(err, "create index")
	}
	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT oid FROM pg_class WHERE relname = $1`, spec.Name).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "index id")
	}
	return id, nil
}

// DropIndex drops by substrate id.
func (s *SQLStore) DropIndex(ctx context.Context, h Handle, indexID int64) error {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT relname FROM pg_class WHERE oid = $1`, indexID).Scan(&name)
	if err == sql.ErrNoRows {
		return ErrIndexNotFound
	}
	if err != nil {
		return errors.Wrap(err, "drop index")
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`DROP INDEX %q`, name))
	return errors.Wrap(err, "drop index")
}

// ListIndexes lists substrate indexes for the table.
func (s *SQLStore) ListIndexes(ctx context.Context, h Handle) ([]IndexSpec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT indexname FROM pg_indexes WHERE tablename = $1`, h.Table)
	if err != nil {
		return nil, errors.Wrap(err, "list indexes")
	}
	defer rows.Close()
	var out []IndexSpec
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, IndexSpec{Name: name})
	}
	return out, rows.Err()
}

var _ Store = (*SQLStore)(nil)
