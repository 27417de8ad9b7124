// Package core is the document-database engine: it compiles
// MongoDB-style find and aggregate commands into query trees, executes
// them against a relational row store, and manages server-side cursors
// across client round trips.
package core

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/cursor"
	"github.com/stratumdb/stratum/core/internal/indexam"
	"github.com/stratumdb/stratum/core/internal/pipeline"
	"github.com/stratumdb/stratum/core/internal/project"
	"github.com/stratumdb/stratum/core/internal/qcode"
	"github.com/stratumdb/stratum/core/internal/rowstore"
	"github.com/stratumdb/stratum/core/internal/sqlgen"
)

// Engine is one engine instance. All public methods are safe for
// concurrent use; per-session cursor streams are serialized by the
// cursor manager.
type Engine struct {
	conf      *Config
	log       *zap.Logger
	store     rowstore.Store
	compiler  *pipeline.Compiler
	renderer  *sqlgen.Renderer
	cursors   *cursor.Manager
	plans     *planCache
	meta      *metaCache
	indexAMs  *indexam.Registry
	retries   *retryStore
	writePool *ants.Pool
	spillFS   afero.Fs
	metrics   *cursor.Metrics

	// tails fans newly written rows out to open tailable cursors.
	tailMu sync.Mutex
	tails  map[string][]*cursor.Cursor

	done chan bool
}

// Option tweaks engine construction.
type Option func(*Engine) error

// OptionSetLogger installs a logger (zap.NewNop by default).
func OptionSetLogger(l *zap.Logger) Option {
	return func(e *Engine) error {
		e.log = l
		return nil
	}
}

// OptionSetSpillFS overrides the cursor spill filesystem (tests use an
// in-memory one).
func OptionSetSpillFS(fs afero.Fs) Option {
	return func(e *Engine) error {
		e.spillFS = fs
		return nil
	}
}

// OptionSetMetricsRegistry registers the engine's cursor bookkeeping
// collectors with reg.
func OptionSetMetricsRegistry(reg prometheus.Registerer) Option {
	return func(e *Engine) error {
		e.metrics = cursor.NewMetrics(reg)
		return nil
	}
}

// OptionSetIndexRegistry replaces the default index AM registry.
func OptionSetIndexRegistry(r *indexam.Registry) Option {
	return func(e *Engine) error {
		e.indexAMs = r
		return nil
	}
}

// NewWithDB builds an engine over a database/sql connection to the
// relational substrate.
func NewWithDB(conf *Config, db *sql.DB, options ...Option) (*Engine, error) {
	return newEngine(conf, rowstore.NewSQLStore(db), options...)
}

// NewInMemory builds an engine over the in-memory row store; useful for
// tests and embedded single-process use.
func NewInMemory(conf *Config, options ...Option) (*Engine, error) {
	return newEngine(conf, rowstore.NewMemStore(), options...)
}

func newEngine(conf *Config, store rowstore.Store, options ...Option) (*Engine, error) {
	if conf == nil {
		conf = &Config{}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		conf:     conf.withDefaults(),
		log:      zap.NewNop(),
		store:    store,
		indexAMs: indexam.DefaultRegistry(),
		renderer: sqlgen.NewRenderer(),
		retries:  newRetryStore(0),
		tails:    map[string][]*cursor.Cursor{},
		done:     make(chan bool),
	}
	for _, opt := range options {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	var err error
	if e.plans, err = newPlanCache(e.conf.PlanCacheSize); err != nil {
		return nil, err
	}
	if e.meta, err = newMetaCache(store, e.conf.MetadataCacheSize); err != nil {
		return nil, err
	}
	if e.writePool, err = ants.NewPool(e.conf.WritePoolSize); err != nil {
		return nil, err
	}
	if e.cursors, err = cursor.NewManager(cursor.Config{
		TTL:            e.conf.CursorTTL,
		SpillThreshold: e.conf.CursorSpillThreshold,
		SpillDir:       e.conf.CursorSpillDir,
		FS:             e.spillFS,
		Logger:         e.log,
		Metrics:        e.metrics,
	}); err != nil {
		return nil, err
	}

	e.compiler = pipeline.New()
	e.compiler.ResolveCollection = e.resolveForCompile

	go e.background()
	return e, nil
}

// Close stops background work and releases the write pool.
func (e *Engine) Close() {
	close(e.done)
	e.writePool.Release()
}

func (e *Engine) background() {
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-tick.C:
			if n := e.cursors.ReapExpired(); n != 0 {
				e.log.Debug("reaped expired cursors", zap.Int("count", n))
			}
			e.retries.Sweep()
		}
	}
}

// resolveForCompile adapts the metadata cache for the pipeline compiler.
func (e *Engine) resolveForCompile(database, name string) (qcode.Collection, bool) {
	got, err := e.meta.Lookup(context.Background(), database, name)
	if err != nil {
		return qcode.Collection{}, false
	}
	return got, true
}

// splitNamespace resolves "db.coll" with the configured default
// database.
func (e *Engine) splitNamespace(ns string) (database, name string, err error) {
	i := strings.IndexByte(ns, '.')
	if i < 0 {
		return e.conf.DefaultDatabase, ns, nil
	}
	if i == 0 || i == len(ns)-1 {
		return "", "", newError(CodeBadValue, "invalid namespace %q", ns)
	}
	return ns[:i], ns[i+1:], nil
}

// snapshotNow freezes the time system variables for a new cursor.
func snapshotNow(clusterTime bsonval.Value) project.TimeSnapshot {
	return project.TimeSnapshot{
		NowMillis:   time.Now().UnixMilli(),
		ClusterTime: clusterTime,
	}
}

// withTimeout applies the statement timeout.
func (e *Engine) withTimeout(ctx context.Context, maxTimeMS int64) (context.Context, context.CancelFunc) {
	d := e.conf.StatementTimeout
	if maxTimeMS > 0 {
		d = time.Duration(maxTimeMS) * time.Millisecond
	}
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// publishChange feeds open tailable cursors on a namespace.
func (e *Engine) publishChange(ns, op string, doc bsonval.Document) {
	e.tailMu.Lock()
	defer e.tailMu.Unlock()
	curs := e.tails[ns]
	if len(curs) == 0 {
		return
	}
	w := bsonval.NewDocWriter()
	w.AppendString("operationType", op)
	if doc != nil {
		w.AppendValue("fullDocument", bsonval.DocValue(doc))
	}
	w.AppendString("ns", ns)
	event := w.Finish()
	for _, c := range curs {
		c.Append([]bsonval.Document{event})
	}
}

func (e *Engine) registerTail(ns string, c *cursor.Cursor) {
	e.tailMu.Lock()
	defer e.tailMu.Unlock()
	e.tails[ns] = append(e.tails[ns], c)
}
