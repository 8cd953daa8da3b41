package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the reference substrate: one map, one lock, buffers
// held whole. It defines the semantics the persistent substrates must
// reproduce.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*memStream
	waiters *waiterRegistry
}

type memStream struct {
	meta *StreamMeta
	data []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string]*memStream),
		waiters: newWaiterRegistry(),
	}
}

// lookupLive returns the stream at path, tombstoning it first if its
// expiry has elapsed. Callers must hold the write lock.
func (s *MemoryStore) lookupLive(path string, now time.Time) *memStream {
	st, ok := s.streams[path]
	if !ok {
		return nil
	}
	if st.meta.expired(now) {
		delete(s.streams, path)
		s.waiters.dropAll(path)
		return nil
	}
	return st
}

func (s *MemoryStore) Create(ctx context.Context, path string, opts CreateOptions) (CreateResult, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.lookupLive(path, now); st != nil {
		if err := checkIdempotentCreate(st.meta, opts); err != nil {
			return CreateResult{}, err
		}
		return CreateResult{NextOffset: st.meta.NextOffset}, nil
	}

	meta, buf, err := newStreamMeta(path, opts, now)
	if err != nil {
		return CreateResult{}, err
	}
	s.streams[path] = &memStream{meta: meta, data: buf}
	return CreateResult{Created: true, NextOffset: meta.NextOffset}, nil
}

func (s *MemoryStore) Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.lookupLive(path, now)
	if st == nil {
		return AppendResult{}, notFound(path)
	}
	if err := validateAppendContentType(st.meta.ContentType, opts.ContentType); err != nil {
		return AppendResult{}, err
	}
	if err := validateAppendSeq(st.meta.LastSeq, opts.Seq); err != nil {
		return AppendResult{}, err
	}
	chunk, err := encodeAppendData(st.meta.ContentType, data)
	if err != nil {
		return AppendResult{}, err
	}

	st.data = append(st.data, chunk...)
	advanceMeta(st.meta, len(chunk), opts.Seq)
	s.waiters.notify(path, chunk, st.meta.NextOffset)
	return AppendResult{NextOffset: st.meta.NextOffset}, nil
}

func (s *MemoryStore) Read(ctx context.Context, path string, offset Offset) (ReadResult, error) {
	now := time.Now()
	s.mu.RLock()
	st, ok := s.streams[path]
	if ok && !st.meta.expired(now) {
		res := snapshotResult(path, st.meta, st.data, offset, now)
		s.mu.RUnlock()
		return res, nil
	}
	s.mu.RUnlock()

	if ok {
		s.tombstone(path, now)
	}
	return ReadResult{}, notFound(path)
}

func (s *MemoryStore) Head(ctx context.Context, path string) (HeadResult, error) {
	now := time.Now()
	s.mu.RLock()
	st, ok := s.streams[path]
	if ok && !st.meta.expired(now) {
		res := HeadResult{
			ContentType: st.meta.ContentType,
			NextOffset:  st.meta.NextOffset,
			ETag:        FormatETag(path, ZeroOffset, st.meta.NextOffset),
		}
		s.mu.RUnlock()
		return res, nil
	}
	s.mu.RUnlock()

	if ok {
		s.tombstone(path, now)
	}
	return HeadResult{}, notFound(path)
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[path]; !ok {
		return notFound(path)
	}
	delete(s.streams, path)
	s.waiters.dropAll(path)
	return nil
}

func (s *MemoryStore) Has(ctx context.Context, path string) bool {
	now := time.Now()
	s.mu.RLock()
	st, ok := s.streams[path]
	live := ok && !st.meta.expired(now)
	s.mu.RUnlock()

	if ok && !live {
		s.tombstone(path, now)
	}
	return live
}

func (s *MemoryStore) WaitForData(ctx context.Context, path string, offset Offset, timeout time.Duration) (WaitResult, error) {
	now := time.Now()
	s.mu.Lock()
	st := s.lookupLive(path, now)
	if st == nil {
		s.mu.Unlock()
		return WaitResult{}, notFound(path)
	}
	if offset.Pos < uint64(len(st.data)) {
		res := WaitResult{
			Messages:   snapshotResult(path, st.meta, st.data, offset, now).Messages,
			NextOffset: st.meta.NextOffset,
		}
		s.mu.Unlock()
		return res, nil
	}
	w := s.waiters.enroll(path, offset)
	s.mu.Unlock()

	return s.waiters.await(ctx, w, timeout)
}

func (s *MemoryStore) FormatResponse(ctx context.Context, path string, messages []Message) []byte {
	s.mu.RLock()
	st, ok := s.streams[path]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return formatMessages(st.meta.ContentType, messages)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.streams = make(map[string]*memStream)
	s.mu.Unlock()
	s.waiters.dropEverything()
	return nil
}

// tombstone removes an expired stream, re-checking under the write
// lock since the expiry was observed under a read lock.
func (s *MemoryStore) tombstone(path string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[path]
	if ok && st.meta.expired(now) {
		delete(s.streams, path)
		s.waiters.dropAll(path)
	}
}

var _ Store = (*MemoryStore)(nil)
