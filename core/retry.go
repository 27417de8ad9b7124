package core

import (
	"sync"
	"time"

	"github.com/stratumdb/stratum/core/internal/bsonval"
)

// RetryID identifies a retryable write: the logical session plus the
// transaction number.
type RetryID struct {
	SessionID string
	TxnNumber int64
}

// retryStore keeps retry records so a re-issued retryable write returns
// the recorded result document instead of producing duplicate side
// effects.
type retryStore struct {
	mu      sync.Mutex
	records map[RetryID]retryRecord
	ttl     time.Duration
}

type retryRecord struct {
	result  bsonval.Document
	written time.Time
}

func newRetryStore(ttl time.Duration) *retryStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &retryStore{records: map[RetryID]retryRecord{}, ttl: ttl}
}

// Lookup returns the recorded result for a retried write.
func (rs *retryStore) Lookup(id RetryID) (bsonval.Document, bool) {
	if id.SessionID == "" {
		return nil, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rec, ok := rs.records[id]
	if !ok {
		return nil, false
	}
	return rec.result, true
}

// Record stores the result document for id.
func (rs *retryStore) Record(id RetryID, result bsonval.Document) {
	if id.SessionID == "" {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.records[id] = retryRecord{result: result, written: time.Now()}
}

// Sweep drops expired records; the engine's background loop runs it.
func (rs *retryStore) Sweep() {
	cutoff := time.Now().Add(-rs.ttl)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for id, rec := range rs.records {
		if rec.written.Before(cutoff) {
			delete(rs.records, id)
		}
	}
}
