package store

import (
	"context"
	"sync"
	"time"
)

// Store is the contract every substrate implements: named append-only
// byte streams addressed by offset, with blocking tail reads. Offsets,
// framing, and validation behave identically across substrates; only
// the physical layout differs.
type Store interface {
	// Create makes a stream, or verifies an existing one matches the
	// request (idempotent create). Mismatched content type returns
	// ErrContentTypeMismatch; mismatched TTL or expiry returns
	// ErrStreamConflict.
	Create(ctx context.Context, path string, opts CreateOptions) (CreateResult, error)

	// Append adds bytes to a stream and wakes matching waiters.
	// Returns ErrStreamNotFound if the stream is absent or expired,
	// ErrContentTypeMismatch or ErrSequenceConflict on failed
	// validation, and ErrInvalidJSON for malformed JSON bodies.
	Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error)

	// Read takes a snapshot from the given offset: at most one message
	// covering the bytes past offset.Pos. Snapshot reads are always up
	// to date. Returns ErrStreamNotFound if absent or expired.
	Read(ctx context.Context, path string, offset Offset) (ReadResult, error)

	// Head reports the stream's content type, tail offset, and ETag
	// without touching the data. Returns ErrStreamNotFound if absent.
	Head(ctx context.Context, path string) (HeadResult, error)

	// Delete removes a stream and resolves all of its waiters with an
	// empty result. Returns ErrStreamNotFound if absent.
	Delete(ctx context.Context, path string) error

	// Has is a fast existence check. Substrates with remote backing
	// answer from their local cache, so a false may only mean "never
	// seen here"; it is a hint, not a guard.
	Has(ctx context.Context, path string) bool

	// WaitForData returns immediately if bytes exist past offset.Pos,
	// otherwise blocks until an append satisfies the offset, the
	// stream is deleted (empty result), or the timeout elapses
	// (TimedOut set). Returns ErrStreamNotFound if absent at entry.
	WaitForData(ctx context.Context, path string, offset Offset, timeout time.Duration) (WaitResult, error)

	// FormatResponse renders messages per the stream's content type:
	// bracket-wrapped for JSON, concatenated for raw. If the stream is
	// unknown at format time it returns no bytes.
	FormatResponse(ctx context.Context, path string, messages []Message) []byte

	// Close releases the substrate's resources and resolves any
	// remaining waiters.
	Close() error
}

// CreateOptions carries the attributes fixed at stream creation. TTL
// and expiry are mutually exclusive; the adapter enforces that before
// calling.
type CreateOptions struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	Data        []byte
}

// CreateResult reports whether the stream was created and where its
// tail is.
type CreateResult struct {
	Created    bool
	NextOffset Offset
}

// AppendOptions carries per-append validation inputs.
type AppendOptions struct {
	ContentType string // validated against the stream when non-empty
	Seq         string // Stream-Seq token, must exceed the last one
}

// AppendResult reports the tail after the append.
type AppendResult struct {
	NextOffset Offset
}

// ReadResult is a snapshot read: zero or one message, the tail offset,
// and the validators a response needs.
type ReadResult struct {
	Messages    []Message
	NextOffset  Offset
	UpToDate    bool
	Cursor      string
	ETag        string
	ContentType string
}

// HeadResult mirrors ReadResult without body or cursor. Its ETag spans
// the whole stream, from the initial offset to the tail.
type HeadResult struct {
	ContentType string
	NextOffset  Offset
	ETag        string
}

// WaitResult is the outcome of a blocking read. Deletion resolves with
// no messages and TimedOut false.
type WaitResult struct {
	Messages   []Message
	NextOffset Offset
	TimedOut   bool
}

// Message is a contiguous span of stream bytes. Offset is the position
// the reader asked for, not where the span ends.
type Message struct {
	Data      []byte
	Offset    Offset
	Timestamp time.Time
}

// existsCache remembers which paths this instance has observed and
// their content types. Remote-backed substrates use it for Has hints
// and for FormatResponse after deletes.
type existsCache struct {
	mu sync.RWMutex
	m  map[string]string
}

func newExistsCache() *existsCache {
	return &existsCache{m: make(map[string]string)}
}

func (c *existsCache) set(path, contentType string) {
	c.mu.Lock()
	c.m[path] = contentType
	c.mu.Unlock()
}

func (c *existsCache) drop(path string) {
	c.mu.Lock()
	delete(c.m, path)
	c.mu.Unlock()
}

func (c *existsCache) lookup(path string) (string, bool) {
	c.mu.RLock()
	ct, ok := c.m[path]
	c.mu.RUnlock()
	return ct, ok
}
