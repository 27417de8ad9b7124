package core

import (
	"context"
	"sync"
	"sync/atomic"

	retry "github.com/avast/retry-go"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/stratumdb/stratum/core/internal/qcode"
	"github.com/stratumdb/stratum/core/internal/rowstore"
)

// planCache caches compiled query trees keyed by a query id composed of
// operation-kind bits plus shape bits; entries become unreachable on a
// metadata version bump because the version folds into the key.
type planCache struct {
	cache *lru.TwoQueueCache[uint64, *qcode.Select]
}

func newPlanCache(size int) (*planCache, error) {
	c, err := lru.New2Q[uint64, *qcode.Select](size)
	if err != nil {
		return nil, err
	}
	return &planCache{cache: c}, nil
}

// planKey folds the operation kind, raw command bytes and the metadata
// version into one 64-bit id.
type planKey struct {
	Op      string
	Ns      string
	Body    []byte
	Version uint64
}

func (pc *planCache) key(op, ns string, body []byte, version uint64) uint64 {
	h, err := hashstructure.Hash(planKey{Op: op, Ns: ns, Body: body, Version: version},
		hashstructure.FormatV2, nil)
	if err != nil {
		return 0
	}
	return h
}

func (pc *planCache) get(key uint64) (*qcode.Select, bool) {
	if key == 0 {
		return nil, false
	}
	return pc.cache.Get(key)
}

func (pc *planCache) set(key uint64, sel *qcode.Select) {
	if key != 0 {
		pc.cache.Add(key, sel)
	}
}

// metaCache is the process-wide collection-metadata cache. DDL bumps the
// version, which both invalidates plan-cache keys and forces descriptor
// reloads.
type metaCache struct {
	store   rowstore.Store
	cache   *lru.TwoQueueCache[string, qcode.Collection]
	version atomic.Uint64
	mu      sync.Mutex
}

func newMetaCache(store rowstore.Store, size int) (*metaCache, error) {
	c, err := lru.New2Q[string, qcode.Collection](size)
	if err != nil {
		return nil, err
	}
	return &metaCache{store: store, cache: c}, nil
}

// Version is folded into plan-cache keys.
func (mc *metaCache) Version() uint64 { return mc.version.Load() }

// Invalidate drops a namespace and bumps the version; the cluster
// coordinator calls this when DDL runs.
func (mc *metaCache) Invalidate(ns string) {
	mc.cache.Remove(ns)
	mc.version.Add(1)
}

// Lookup resolves a collection descriptor, retrying transient store
// failures; NamespaceNotFound is definitive.
func (mc *metaCache) Lookup(ctx context.Context, database, name string) (qcode.Collection, error) {
	ns := database + "." + name
	if c, ok := mc.cache.Get(ns); ok {
		return c, nil
	}
	var h rowstore.Handle
	err := retry.Do(
		func() error {
			var err error
			h, err = mc.store.OpenCollection(ctx, database, name)
			return err
		},
		retry.Attempts(3),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// NamespaceNotFound is definitive; everything else may be a
			// stale-config blip
			return !isNamespaceNotFound(err)
		}),
	)
	if err != nil {
		return qcode.Collection{}, err
	}
	c := qcode.Collection{
		Database:     database,
		Name:         name,
		ShardKeyPath: "_id",
		TableName:    h.Table,
	}
	mc.cache.Add(ns, c)
	return c, nil
}

func isNamespaceNotFound(err error) bool {
	for e := err; e != nil; {
		if e == rowstore.ErrNamespaceNotFound {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}
