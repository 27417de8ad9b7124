// Package cursor manages server-side cursor state across client
// round-trips: streamable, single-batch, point-read, tailable and
// persistent cursors, including on-disk spill files and continuation
// tokens.
package cursor

import (
	"context"
	"errors"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/project"
)

// Kind is the cursor lifecycle class.
type Kind int

const (
	// Streamable resumes via an opaque continuation token echoed by the
	// client.
	Streamable Kind = iota
	// SingleBatch holds no server-side state; the whole result ships in
	// one response.
	SingleBatch
	// PointRead bypasses the iterator machinery for single-key queries.
	PointRead
	// Tailable follows an append-only source and waits for new data.
	Tailable
	// Persistent keeps the cursor open between getMore calls, spilling
	// to disk past the buffer threshold.
	Persistent
)

func (k Kind) String() string {
	switch k {
	case Streamable:
		return "streamable"
	case SingleBatch:
		return "singleBatch"
	case PointRead:
		return "pointRead"
	case Tailable:
		return "tailable"
	case Persistent:
		return "persistent"
	default:
		return "invalid"
	}
}

var (
	// ErrCancelled is surfaced when a cancel signal lands between
	// batches; the operation is retryable.
	ErrCancelled = errors.New("Cancelled")
	// ErrCursorNotFound is returned for unknown or expired cursor ids.
	ErrCursorNotFound = errors.New("CursorNotFound")
	// ErrCursorKilled is returned when the cursor was explicitly killed
	// mid-use.
	ErrCursorKilled = errors.New("CursorKilled")
	// ErrDiskFull is returned when a spill file cannot be created.
	ErrDiskFull = errors.New("DiskFull")
)

// MaxBatchBytes is the response-size cap: a page stops before the
// accumulated serialized size plus one more candidate would exceed it.
const MaxBatchBytes = 16 * 1024 * 1024

// DefaultBatchSize applies when the client sends none.
const DefaultBatchSize = 101

// Cursor is one open cursor: the namespace, batch size, frozen time
// snapshot and the optional continuation document; Persistent cursors
// add the file-state handle.
type Cursor struct {
	ID        uint64
	Kind      Kind
	Namespace string
	BatchSize int32
	Session   string

	// Snapshot freezes $$NOW / $$CLUSTER_TIME at first invocation.
	Snapshot project.TimeSnapshot

	// Continuation is the decoded client continuation, if any.
	Continuation bsonval.Document

	// buffered rows not yet shipped
	buf []bsonval.Document
	pos int

	// spill holds the file-backed tail for Persistent cursors.
	spill *spillReader

	// tailPos is the last observed position for Tailable cursors.
	tailPos int64

	killed bool
}

// Exhausted reports whether all buffered and spilled rows shipped.
func (c *Cursor) Exhausted() bool {
	return c.pos >= len(c.buf) && (c.spill == nil || c.spill.done)
}

// NextBatch accumulates up to batchSize documents, stopping early when
// the serialized page would exceed MaxBatchBytes. Cancellation is
// checked between rows.
func (c *Cursor) NextBatch(ctx context.Context, batchSize int32) ([]bsonval.Document, error) {
	if c.killed {
		return nil, ErrCursorKilled
	}
	if batchSize <= 0 {
		batchSize = c.BatchSize
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	var out []bsonval.Document
	var size int
	for int32(len(out)) < batchSize {
		if err := ctx.Err(); err != nil {
			return nil, ErrCancelled
		}
		doc, ok, err := c.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if size+len(doc) > MaxBatchBytes && len(out) != 0 {
			c.pushback(doc)
			break
		}
		if len(doc) > bsonval.MaxDocumentSize {
			return nil, errors.New("BadValue: document exceeds maximum BSON size")
		}
		out = append(out, doc)
		size += len(doc)
	}
	return out, nil
}

func (c *Cursor) next() (bsonval.Document, bool, error) {
	if c.pos < len(c.buf) {
		d := c.buf[c.pos]
		c.pos++
		return d, true, nil
	}
	if c.spill != nil && !c.spill.done {
		return c.spill.next()
	}
	return nil, false, nil
}

func (c *Cursor) pushback(doc bsonval.Document) {
	if c.pos > 0 {
		c.pos--
		c.buf[c.pos] = doc
		return
	}
	c.buf = append([]bsonval.Document{doc}, c.buf...)
}

// Append adds new rows to a tailable cursor's buffer.
func (c *Cursor) Append(docs []bsonval.Document) {
	c.buf = append(c.buf, docs...)
	c.tailPos += int64(len(docs))
}

// TailPosition is the last observed append-only position.
func (c *Cursor) TailPosition() int64 { return c.tailPos }
