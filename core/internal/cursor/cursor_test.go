package cursor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/project"
)

func docN(t *testing.T, i int) bsonval.Document {
	t.Helper()
	raw, err := bson.Marshal(bson.D{{Key: "_id", Value: int32(i)}, {Key: "v", Value: fmt.Sprintf("row-%04d", i)}})
	require.NoError(t, err)
	d, err := bsonval.Decode(raw)
	require.NoError(t, err)
	return d
}

func docs(t *testing.T, n int) []bsonval.Document {
	out := make([]bsonval.Document, n)
	for i := range out {
		out[i] = docN(t, i)
	}
	return out
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.FS == nil {
		cfg.FS = afero.NewMemMapFs()
	}
	if cfg.SpillDir == "" {
		cfg.SpillDir = "/spill"
		require.NoError(t, cfg.FS.MkdirAll("/spill", 0o755))
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m
}

func TestBatchingContract(t *testing.T) {
	m := newTestManager(t, Config{})
	c, err := m.Open(Streamable, "db.c", "s1", 10, project.TimeSnapshot{}, docs(t, 25))
	require.NoError(t, err)

	ctx := context.Background()
	var total int
	for i := 0; i < 3; i++ {
		batch, err := c.NextBatch(ctx, 10)
		require.NoError(t, err)
		if i < 2 {
			assert.Len(t, batch, 10)
		} else {
			assert.Len(t, batch, 5)
		}
		total += len(batch)
	}
	assert.Equal(t, 25, total)
	assert.True(t, c.Exhausted())
}

func TestConcatenationEqualsResultSet(t *testing.T) {
	// property 6: all pages concatenated equal the result set, in order
	m := newTestManager(t, Config{SpillThreshold: 100})
	src := docs(t, 500)
	c, err := m.Open(Persistent, "db.c", "s1", 101, project.TimeSnapshot{}, src)
	require.NoError(t, err)

	ctx := context.Background()
	var got []bsonval.Document
	for !c.Exhausted() {
		batch, err := c.NextBatch(ctx, 101)
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		got = append(got, batch...)
	}
	require.Len(t, got, 500)
	for i := range got {
		assert.Equal(t, []byte(src[i]), []byte(got[i]), "row %d", i)
	}
}

func TestSpillFileDeletedOnClose(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := newTestManager(t, Config{FS: fs, SpillThreshold: 10})
	c, err := m.Open(Persistent, "db.c", "s1", 0, project.TimeSnapshot{}, docs(t, 50))
	require.NoError(t, err)
	require.NotNil(t, c.spill)
	assert.NotZero(t, c.ID&(uint64(1)<<63), "file-backed cursors carry the top bit")

	files, err := afero.ReadDir(fs, "/spill")
	require.NoError(t, err)
	require.Len(t, files, 1)

	require.NoError(t, m.Close(c.ID))
	files, err = afero.ReadDir(fs, "/spill")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestSpillDiskFull(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	m, err := NewManager(Config{FS: fs, SpillDir: "/nope", SpillThreshold: 5})
	require.NoError(t, err)
	_, err = m.Open(Persistent, "db.c", "s", 0, project.TimeSnapshot{}, docs(t, 20))
	assert.ErrorIs(t, err, ErrDiskFull)
}

func TestCursorIDUniqueAndPrefix(t *testing.T) {
	m := newTestManager(t, Config{})
	seen := map[uint64]bool{}
	for i := 0; i < 100; i++ {
		c, err := m.Open(Streamable, "db.c", "", 0, project.TimeSnapshot{}, docs(t, 1))
		require.NoError(t, err)
		assert.False(t, seen[c.ID])
		assert.Zero(t, c.ID&(uint64(1)<<63), "memory cursors keep the top bit clear")
		seen[c.ID] = true
	}
}

func TestSingleBatchNotRegistered(t *testing.T) {
	m := newTestManager(t, Config{})
	c, err := m.Open(SingleBatch, "db.c", "s", 0, project.TimeSnapshot{}, docs(t, 3))
	require.NoError(t, err)
	assert.Zero(t, c.ID)
	assert.Equal(t, 0, m.ActiveCount())
}

func TestGetRefreshesTTLAndExpires(t *testing.T) {
	m := newTestManager(t, Config{TTL: 50 * time.Millisecond})
	c, err := m.Open(Streamable, "db.c", "s", 0, project.TimeSnapshot{}, docs(t, 5))
	require.NoError(t, err)

	got, err := m.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	time.Sleep(80 * time.Millisecond)
	_, err = m.Get(c.ID)
	assert.ErrorIs(t, err, ErrCursorNotFound)
}

func TestKillAndCancel(t *testing.T) {
	m := newTestManager(t, Config{})
	c, err := m.Open(Streamable, "db.c", "s", 0, project.TimeSnapshot{}, docs(t, 5))
	require.NoError(t, err)
	require.NoError(t, m.Kill(c.ID))
	_, err = c.NextBatch(context.Background(), 5)
	assert.ErrorIs(t, err, ErrCursorKilled)
	_, err = m.Get(c.ID)
	assert.ErrorIs(t, err, ErrCursorNotFound)
	assert.ErrorIs(t, m.Kill(c.ID), ErrCursorNotFound)
}

func TestCancellationBetweenRows(t *testing.T) {
	m := newTestManager(t, Config{})
	c, err := m.Open(Streamable, "db.c", "s", 0, project.TimeSnapshot{}, docs(t, 5))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.NextBatch(ctx, 5)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestSessionHoldsOneCursor(t *testing.T) {
	m := newTestManager(t, Config{})
	c1, err := m.Open(Streamable, "db.c", "sess", 0, project.TimeSnapshot{}, docs(t, 5))
	require.NoError(t, err)
	c2, err := m.Open(Streamable, "db.c", "sess", 0, project.TimeSnapshot{}, docs(t, 5))
	require.NoError(t, err)
	_, err = m.Get(c1.ID)
	assert.ErrorIs(t, err, ErrCursorNotFound, "opening a second stream closes the first")
	_, err = m.Get(c2.ID)
	assert.NoError(t, err)
}

func TestTailableAppend(t *testing.T) {
	m := newTestManager(t, Config{})
	c, err := m.Open(Tailable, "db.c", "s", 0, project.TimeSnapshot{}, docs(t, 2))
	require.NoError(t, err)
	batch, err := c.NextBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	c.Append(docs(t, 3))
	batch, err = c.NextBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, batch, 3)
	assert.Equal(t, int64(3), c.TailPosition())
}

func TestFrozenSnapshot(t *testing.T) {
	snap := project.TimeSnapshot{NowMillis: 42}
	m := newTestManager(t, Config{})
	c, err := m.Open(Streamable, "db.c", "s", 0, snap, docs(t, 1))
	require.NoError(t, err)
	got, err := m.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Snapshot.NowMillis)
}

func TestContinuationRoundTrip(t *testing.T) {
	raw, err := bson.Marshal(bson.D{{Key: "x", Value: int32(1)}})
	require.NoError(t, err)
	params, err := bsonval.Decode(raw)
	require.NoError(t, err)

	tok := &Continuation{
		Tables: []TableContinuation{{Table: "app.orders", Position: 101}},
		Params: params,
	}
	enc := tok.Encode()
	dec, err := DecodeContinuation([]byte(enc))
	require.NoError(t, err)
	assert.Equal(t, int64(101), dec.Position("app.orders"))
	assert.Equal(t, int64(0), dec.Position("other"))
	require.NotNil(t, dec.Params)

	_, err = DecodeContinuation([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestBatchSizeDefaults(t *testing.T) {
	m := newTestManager(t, Config{})
	c, err := m.Open(Streamable, "db.c", "s", 0, project.TimeSnapshot{}, docs(t, 200))
	require.NoError(t, err)
	batch, err := c.NextBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, batch, DefaultBatchSize)
}
