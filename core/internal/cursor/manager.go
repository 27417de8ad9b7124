package cursor

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	cache "github.com/go-pkgz/expirable-cache"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/project"
)

// fileBackedBit marks file-backed cursor ids; the remaining bits are a
// per-process prefix plus a monotonic counter.
const fileBackedBit = uint64(1) << 63

// Config tunes the manager.
type Config struct {
	// TTL reaps cursors idle longer than this (default 10 minutes).
	TTL time.Duration
	// SpillThreshold is the in-memory row count past which a persistent
	// cursor spills to disk (default 1000).
	SpillThreshold int
	// SpillDir holds cursor files.
	SpillDir string
	// FS abstracts the spill directory; afero.NewOsFs by default.
	FS afero.Fs
	// Logger defaults to a nop logger.
	Logger *zap.Logger
	// Metrics is optional.
	Metrics *Metrics
}

// Manager owns all open cursors of a process.
type Manager struct {
	cfg    Config
	prefix uint64
	next   atomic.Uint64

	mu    sync.Mutex
	open  map[uint64]*Cursor
	reap  cache.Cache
	bySession map[string]uint64
}

// NewManager builds a manager; zero-valued config fields take defaults.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.SpillThreshold <= 0 {
		cfg.SpillThreshold = 1000
	}
	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}
	if cfg.SpillDir == "" {
		cfg.SpillDir = os.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	m := &Manager{
		cfg:       cfg,
		open:      map[uint64]*Cursor{},
		bySession: map[string]uint64{},
		// pid-derived prefix keeps ids collision-free across processes
		prefix: uint64(os.Getpid()&0x7fff) << 47,
	}
	reap, err := cache.NewCache(cache.TTL(cfg.TTL))
	if err != nil {
		return nil, err
	}
	m.reap = reap
	return m, nil
}

func (m *Manager) allocID(fileBacked bool) uint64 {
	id := m.prefix | m.next.Add(1)
	if fileBacked {
		id |= fileBackedBit
	}
	return id
}

// Open registers a cursor over materialized rows. SingleBatch and
// PointRead cursors are not registered; their whole result ships
// immediately. Each session holds at most one active cursor stream.
func (m *Manager) Open(kind Kind, namespace, session string, batchSize int32, snap project.TimeSnapshot, docs []bsonval.Document) (*Cursor, error) {
	c := &Cursor{
		Kind:      kind,
		Namespace: namespace,
		Session:   session,
		BatchSize: batchSize,
		Snapshot:  snap,
		buf:       docs,
	}
	switch kind {
	case SingleBatch, PointRead:
		return c, nil
	}

	fileBacked := false
	if kind == Persistent && len(docs) > m.cfg.SpillThreshold {
		keep := docs[:m.cfg.SpillThreshold]
		rest := docs[m.cfg.SpillThreshold:]
		sw, err := newSpillWriter(m.cfg.FS, m.cfg.SpillDir)
		if err != nil {
			return nil, err
		}
		for _, d := range rest {
			if err := sw.write(d); err != nil {
				sw.abort()
				return nil, err
			}
		}
		sr, err := sw.finish()
		if err != nil {
			sw.abort()
			return nil, err
		}
		c.buf = keep
		c.spill = sr
		fileBacked = true
		m.cfg.Logger.Debug("cursor spilled",
			zap.String("namespace", namespace),
			zap.Int64("rows", sw.rows),
			zap.String("size", humanize.Bytes(uint64(sw.raw))))
	}

	c.ID = m.allocID(fileBacked)

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.bySession[session]; ok && session != "" {
		m.closeLocked(prev)
	}
	m.open[c.ID] = c
	if session != "" {
		m.bySession[session] = c.ID
	}
	m.reap.Set(strconv.FormatUint(c.ID, 10), nil, m.cfg.TTL)
	m.cfg.Metrics.cursorOpened(len(docs))
	return c, nil
}

// Get resolves a live cursor and refreshes its TTL.
func (m *Manager) Get(id uint64) (*Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// touching the reap cache also evicts expired entries
	if _, ok := m.reap.Get(strconv.FormatUint(id, 10)); !ok {
		if _, open := m.open[id]; open {
			m.closeLocked(id)
		}
		return nil, ErrCursorNotFound
	}
	c, ok := m.open[id]
	if !ok {
		return nil, ErrCursorNotFound
	}
	m.reap.Set(strconv.FormatUint(id, 10), nil, m.cfg.TTL)
	return c, nil
}

// Close closes and forgets a cursor; spill files are unlinked.
func (m *Manager) Close(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[id]; !ok {
		return ErrCursorNotFound
	}
	m.closeLocked(id)
	m.reap.Invalidate(strconv.FormatUint(id, 10))
	return nil
}

// Kill marks a cursor killed (subsequent reads fail with CursorKilled)
// and releases its resources.
func (m *Manager) Kill(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.open[id]
	if !ok {
		return ErrCursorNotFound
	}
	c.killed = true
	m.closeLocked(id)
	m.reap.Invalidate(strconv.FormatUint(id, 10))
	return nil
}

// Cancel discards a cursor mid-operation: partial results are dropped
// and on-disk files unlinked.
func (m *Manager) Cancel(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.open[id]; ok {
		c.buf = nil
		m.closeLocked(id)
		m.reap.Invalidate(strconv.FormatUint(id, 10))
	}
}

// ReapExpired closes every cursor whose TTL elapsed, unlinking spill
// files. The engine runs this from its background loop.
func (m *Manager) ReapExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id := range m.open {
		if _, ok := m.reap.Get(strconv.FormatUint(id, 10)); !ok {
			m.closeLocked(id)
			n++
		}
	}
	return n
}

// closeLocked releases cursor resources; callers hold mu.
func (m *Manager) closeLocked(id uint64) {
	c := m.open[id]
	if c == nil {
		return
	}
	if c.spill != nil {
		c.spill.close()
	}
	delete(m.open, id)
	if c.Session != "" && m.bySession[c.Session] == id {
		delete(m.bySession, c.Session)
	}
	m.cfg.Metrics.cursorClosed()
}

// ActiveCount reports currently open registered cursors.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// Sessions lists open cursors per session for $listLocalSessions.
func (m *Manager) Sessions() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.bySession))
	for s, id := range m.bySession {
		out[s] = id
	}
	return out
}

// FormatID renders an id the way the wire protocol expects.
func FormatID(id uint64) string { return fmt.Sprintf("%d", id) }
