package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// blobKV is the minimal key→blob surface the two-object substrates
// need from their backing engine.
type blobKV interface {
	get(key string) ([]byte, bool, error)
	put(key string, value []byte) error
	del(key string) error
}

// twoObjectCore implements the stream contract over any blobKV with
// two keys per stream: a JSON metadata record and the raw data blob.
// The pair is not written atomically, so appends stage the data blob
// before the metadata and reads clamp data to the metadata's byte
// position; a crash between the writes leaves the stream consistent,
// just shorter than the data blob.
type twoObjectCore struct {
	blobs   blobKV
	locks   *pathLocks
	waiters *waiterRegistry
	exists  *existsCache
}

func newTwoObjectCore(blobs blobKV) *twoObjectCore {
	return &twoObjectCore{
		blobs:   blobs,
		locks:   newPathLocks(),
		waiters: newWaiterRegistry(),
		exists:  newExistsCache(),
	}
}

func metaKey(path string) string { return "stream." + blobKeySegment(path) + ".meta" }
func dataKey(path string) string { return "stream." + blobKeySegment(path) + ".data" }

// blobKeySegment adapts EncodePath to the strictest backing charset.
// NATS KV keys may not contain '~', so the truncation marker becomes
// '=', which base64url never emits.
func blobKeySegment(path string) string {
	return strings.ReplaceAll(EncodePath(path), "~", "=")
}

// fetchMeta loads and decodes the metadata record, tombstoning the
// stream if expired. A (nil, nil) return means absent.
func (c *twoObjectCore) fetchMeta(path string, now time.Time) (*StreamMeta, error) {
	raw, ok, err := c.blobs.get(metaKey(path))
	if err != nil {
		return nil, fmt.Errorf("load stream %s: %w", path, err)
	}
	if !ok {
		return nil, nil
	}
	meta, err := decodeMeta(raw)
	if err != nil {
		return nil, fmt.Errorf("load stream %s: %w", path, err)
	}
	if meta.expired(now) {
		c.tombstone(path)
		return nil, nil
	}
	c.exists.set(path, meta.ContentType)
	return meta, nil
}

// fetchData loads the data blob clamped to the metadata's byte
// position, hiding any staged-but-uncommitted tail.
func (c *twoObjectCore) fetchData(path string, clampTo uint64) ([]byte, error) {
	data, ok, err := c.blobs.get(dataKey(path))
	if err != nil {
		return nil, fmt.Errorf("load stream data %s: %w", path, err)
	}
	if !ok {
		return nil, nil
	}
	if uint64(len(data)) > clampTo {
		data = data[:clampTo]
	}
	return data, nil
}

func (c *twoObjectCore) tombstone(path string) {
	_ = c.blobs.del(metaKey(path))
	_ = c.blobs.del(dataKey(path))
	c.exists.drop(path)
	c.waiters.dropAll(path)
}

func (c *twoObjectCore) Create(ctx context.Context, path string, opts CreateOptions) (CreateResult, error) {
	l := c.locks.get(path)
	l.Lock()
	defer l.Unlock()

	now := time.Now()
	existing, err := c.fetchMeta(path, now)
	if err != nil {
		return CreateResult{}, err
	}
	if existing != nil {
		if err := checkIdempotentCreate(existing, opts); err != nil {
			return CreateResult{}, err
		}
		return CreateResult{NextOffset: existing.NextOffset}, nil
	}

	meta, buf, err := newStreamMeta(path, opts, now)
	if err != nil {
		return CreateResult{}, err
	}
	rec, err := encodeMeta(meta)
	if err != nil {
		return CreateResult{}, fmt.Errorf("create stream %s: %w", path, err)
	}

	// The stream is unobservable until its metadata lands, so the two
	// initial writes can race each other.
	var wg sync.WaitGroup
	var dataErr, metaErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		dataErr = c.blobs.put(dataKey(path), buf)
	}()
	go func() {
		defer wg.Done()
		metaErr = c.blobs.put(metaKey(path), rec)
	}()
	wg.Wait()
	if err := errors.Join(dataErr, metaErr); err != nil {
		return CreateResult{}, fmt.Errorf("create stream %s: %w", path, err)
	}
	c.exists.set(path, meta.ContentType)
	return CreateResult{Created: true, NextOffset: meta.NextOffset}, nil
}

func (c *twoObjectCore) Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error) {
	l := c.locks.get(path)
	l.Lock()
	defer l.Unlock()

	now := time.Now()
	meta, err := c.fetchMeta(path, now)
	if err != nil {
		return AppendResult{}, err
	}
	if meta == nil {
		return AppendResult{}, notFound(path)
	}
	if err := validateAppendContentType(meta.ContentType, opts.ContentType); err != nil {
		return AppendResult{}, err
	}
	if err := validateAppendSeq(meta.LastSeq, opts.Seq); err != nil {
		return AppendResult{}, err
	}
	chunk, err := encodeAppendData(meta.ContentType, data)
	if err != nil {
		return AppendResult{}, err
	}

	buf, err := c.fetchData(path, meta.NextOffset.Pos)
	if err != nil {
		return AppendResult{}, err
	}
	buf = append(buf, chunk...)

	// Data first, then metadata. Readers never see an offset pointing
	// past the end of the blob.
	if err := c.blobs.put(dataKey(path), buf); err != nil {
		return AppendResult{}, fmt.Errorf("append to stream %s: %w", path, err)
	}
	advanceMeta(meta, len(chunk), opts.Seq)
	rec, err := encodeMeta(meta)
	if err != nil {
		return AppendResult{}, fmt.Errorf("append to stream %s: %w", path, err)
	}
	if err := c.blobs.put(metaKey(path), rec); err != nil {
		return AppendResult{}, fmt.Errorf("append to stream %s: %w", path, err)
	}
	c.waiters.notify(path, chunk, meta.NextOffset)
	return AppendResult{NextOffset: meta.NextOffset}, nil
}

func (c *twoObjectCore) Read(ctx context.Context, path string, offset Offset) (ReadResult, error) {
	now := time.Now()
	meta, err := c.fetchMeta(path, now)
	if err != nil {
		return ReadResult{}, err
	}
	if meta == nil {
		return ReadResult{}, notFound(path)
	}
	buf, err := c.fetchData(path, meta.NextOffset.Pos)
	if err != nil {
		return ReadResult{}, err
	}
	return snapshotResult(path, meta, buf, offset, now), nil
}

func (c *twoObjectCore) Head(ctx context.Context, path string) (HeadResult, error) {
	now := time.Now()
	meta, err := c.fetchMeta(path, now)
	if err != nil {
		return HeadResult{}, err
	}
	if meta == nil {
		return HeadResult{}, notFound(path)
	}
	return HeadResult{
		ContentType: meta.ContentType,
		NextOffset:  meta.NextOffset,
		ETag:        FormatETag(path, ZeroOffset, meta.NextOffset),
	}, nil
}

func (c *twoObjectCore) Delete(ctx context.Context, path string) error {
	l := c.locks.get(path)
	l.Lock()
	defer l.Unlock()

	_, ok, err := c.blobs.get(metaKey(path))
	if err != nil {
		return fmt.Errorf("delete stream %s: %w", path, err)
	}
	c.tombstone(path)
	if !ok {
		return notFound(path)
	}
	return nil
}

// Has answers from the local cache. The backing store is remote, so a
// path never observed by this instance reports false; callers treat
// the answer as a hint.
func (c *twoObjectCore) Has(ctx context.Context, path string) bool {
	_, ok := c.exists.lookup(path)
	return ok
}

func (c *twoObjectCore) WaitForData(ctx context.Context, path string, offset Offset, timeout time.Duration) (WaitResult, error) {
	l := c.locks.get(path)
	l.Lock()

	now := time.Now()
	meta, err := c.fetchMeta(path, now)
	if err != nil {
		l.Unlock()
		return WaitResult{}, err
	}
	if meta == nil {
		l.Unlock()
		return WaitResult{}, notFound(path)
	}
	if offset.Pos < meta.NextOffset.Pos {
		buf, err := c.fetchData(path, meta.NextOffset.Pos)
		if err != nil {
			l.Unlock()
			return WaitResult{}, err
		}
		res := WaitResult{
			Messages:   snapshotResult(path, meta, buf, offset, now).Messages,
			NextOffset: meta.NextOffset,
		}
		l.Unlock()
		return res, nil
	}
	w := c.waiters.enroll(path, offset)
	l.Unlock()

	return c.waiters.await(ctx, w, timeout)
}

func (c *twoObjectCore) FormatResponse(ctx context.Context, path string, messages []Message) []byte {
	ct, ok := c.exists.lookup(path)
	if !ok {
		return nil
	}
	return formatMessages(ct, messages)
}

func (c *twoObjectCore) shutdown() {
	c.waiters.dropEverything()
}
