package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	streamsDirName = "streams"
	dataFileName   = "data.log"
	deletedPrefix  = ".deleted~"
)

// FileStore persists each stream as a flat append-only log under
// root/streams/<encoded path>/data.log, with stream metadata in a bbolt
// index at root/metadata.db. The log holds exactly the stream's bytes,
// so the committed length in the metadata is the source of truth:
// recovery truncates logs back to it and drops metadata whose log never
// materialized.
type FileStore struct {
	root       string
	index      *metaIndex
	writers    *handlePool
	readers    *handlePool
	locks      *pathLocks
	waiters    *waiterRegistry
	syncWrites bool
	recovered  RecoveryStats

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// FileStoreOptions tunes the file substrate. Zero values mean no
// background cleanup, no fsync per append, and the default handle pool
// size.
type FileStoreOptions struct {
	CleanupInterval time.Duration
	SyncWrites      bool
	MaxOpenFiles    int
}

// RecoveryStats summarizes what opening the store found on disk.
type RecoveryStats struct {
	Streams   int // live streams after recovery
	Expired   int // expired streams purged
	Truncated int // logs cut back to their committed length
	Orphans   int // metadata and directories missing their other half
}

// NewFileStore opens the store rooted at dir, creating it if needed,
// and runs crash recovery before serving.
func NewFileStore(dir string, opts FileStoreOptions) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, streamsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	index, err := openMetaIndex(dir)
	if err != nil {
		return nil, err
	}
	s := &FileStore{
		root:       dir,
		index:      index,
		writers:    newWriterPool(opts.MaxOpenFiles),
		readers:    newReaderPool(opts.MaxOpenFiles),
		locks:      newPathLocks(),
		waiters:    newWaiterRegistry(),
		syncWrites: opts.SyncWrites,
	}
	if err := s.recover(time.Now()); err != nil {
		index.close()
		return nil, err
	}
	if opts.CleanupInterval > 0 {
		s.cleanupStop = make(chan struct{})
		s.cleanupDone = make(chan struct{})
		go s.janitor(opts.CleanupInterval)
	}
	return s, nil
}

// Recovered reports what crash recovery found when the store opened.
func (s *FileStore) Recovered() RecoveryStats {
	return s.recovered
}

func (s *FileStore) dirFor(path string) string {
	return filepath.Join(s.root, streamsDirName, EncodePath(path))
}

func (s *FileStore) dataPathFor(path string) string {
	return filepath.Join(s.dirFor(path), dataFileName)
}

// recover reconciles the metadata index with the logs on disk. Appends
// write data before metadata, so a log longer than its committed length
// is a crashed append and gets truncated; metadata pointing at a
// missing or short log is unservable and gets dropped. Anything under
// streams/ without a live metadata entry is swept.
func (s *FileStore) recover(now time.Time) error {
	var metas []*StreamMeta
	if err := s.index.forEach(func(m *StreamMeta) error {
		metas = append(metas, m)
		return nil
	}); err != nil {
		return err
	}

	// Directories accounted for by a metadata entry; anything else under
	// streams/ is swept at the end.
	claimed := make(map[string]bool, len(metas))
	for _, meta := range metas {
		if meta.expired(now) {
			if _, err := s.index.delete(meta.Path); err != nil {
				return err
			}
			if err := os.RemoveAll(s.dirFor(meta.Path)); err != nil {
				return err
			}
			claimed[EncodePath(meta.Path)] = true
			s.recovered.Expired++
			continue
		}
		dataPath := s.dataPathFor(meta.Path)
		fi, err := os.Stat(dataPath)
		switch {
		case os.IsNotExist(err) && meta.NextOffset.Pos == 0:
			if err := os.MkdirAll(s.dirFor(meta.Path), 0o755); err != nil {
				return fmt.Errorf("recover stream %s: %w", meta.Path, err)
			}
			if err := os.WriteFile(dataPath, nil, 0o644); err != nil {
				return fmt.Errorf("recover stream %s: %w", meta.Path, err)
			}
		case os.IsNotExist(err):
			if derr := s.dropBroken(meta.Path); derr != nil {
				return derr
			}
			claimed[EncodePath(meta.Path)] = true
			continue
		case err != nil:
			return fmt.Errorf("recover stream %s: %w", meta.Path, err)
		case uint64(fi.Size()) > meta.NextOffset.Pos:
			if terr := os.Truncate(dataPath, int64(meta.NextOffset.Pos)); terr != nil {
				return fmt.Errorf("recover stream %s: %w", meta.Path, terr)
			}
			s.recovered.Truncated++
		case uint64(fi.Size()) < meta.NextOffset.Pos:
			if derr := s.dropBroken(meta.Path); derr != nil {
				return derr
			}
			claimed[EncodePath(meta.Path)] = true
			continue
		}
		claimed[EncodePath(meta.Path)] = true
		s.recovered.Streams++
	}

	entries, err := os.ReadDir(filepath.Join(s.root, streamsDirName))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if claimed[entry.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, streamsDirName, entry.Name())); err != nil {
			return err
		}
		s.recovered.Orphans++
	}
	return nil
}

// dropBroken discards a stream whose log cannot serve its
// committed length, counting it once as an orphan.
func (s *FileStore) dropBroken(path string) error {
	if _, err := s.index.delete(path); err != nil {
		return err
	}
	if err := os.RemoveAll(s.dirFor(path)); err != nil {
		return err
	}
	s.recovered.Orphans++
	return nil
}

func (s *FileStore) janitor(interval time.Duration) {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.cleanupStop:
			return
		case <-ticker.C:
			s.purgeExpired(time.Now())
		}
	}
}

func (s *FileStore) purgeExpired(now time.Time) {
	var expired []string
	_ = s.index.forEach(func(m *StreamMeta) error {
		if m.expired(now) {
			expired = append(expired, m.Path)
		}
		return nil
	})
	for _, path := range expired {
		l := s.locks.get(path)
		l.Lock()
		if meta, err := s.index.get(path); err == nil && meta != nil && meta.expired(now) {
			_ = s.removeLocked(path)
		}
		l.Unlock()
	}
}

// removeLocked tears a stream down: pooled handles first, then the
// directory is renamed aside and reclaimed off the request path, then
// the metadata entry. The caller holds the path lock.
func (s *FileStore) removeLocked(path string) error {
	dataPath := s.dataPathFor(path)
	_ = s.writers.remove(dataPath)
	_ = s.readers.remove(dataPath)

	dir := s.dirFor(path)
	trash := filepath.Join(s.root, streamsDirName,
		deletedPrefix+EncodePath(path)+"~"+strconv.FormatInt(time.Now().UnixNano(), 10))
	if err := os.Rename(dir, trash); err == nil {
		go os.RemoveAll(trash)
	} else if !os.IsNotExist(err) {
		os.RemoveAll(dir)
	}

	if _, err := s.index.delete(path); err != nil {
		return err
	}
	s.waiters.dropAll(path)
	return nil
}

// fetchLiveLocked loads metadata under the caller's path lock,
// tombstoning the stream when expired. A (nil, nil) return means
// absent.
func (s *FileStore) fetchLiveLocked(path string, now time.Time) (*StreamMeta, error) {
	meta, err := s.index.get(path)
	if err != nil || meta == nil {
		return nil, err
	}
	if meta.expired(now) {
		// Garbage collection on the read path; the caller's own
		// not-found result is the only error it may see.
		_ = s.removeLocked(path)
		return nil, nil
	}
	return meta, nil
}

// fetchLive is fetchLiveLocked for callers that do not hold the path
// lock; it only takes the lock when a tombstone is due.
func (s *FileStore) fetchLive(path string, now time.Time) (*StreamMeta, error) {
	meta, err := s.index.get(path)
	if err != nil || meta == nil {
		return nil, err
	}
	if !meta.expired(now) {
		return meta, nil
	}
	l := s.locks.get(path)
	l.Lock()
	defer l.Unlock()
	return s.fetchLiveLocked(path, now)
}

func (s *FileStore) writeChunk(path string, chunk []byte) error {
	f, err := s.writers.acquire(s.dataPathFor(path))
	if err != nil {
		return err
	}
	if _, err := f.Write(chunk); err != nil {
		return err
	}
	if s.syncWrites {
		return f.Sync()
	}
	return nil
}

// readTail returns the bytes from offset up to the committed length.
// The log only grows, so the slice is stable without a lock; reads use
// ReadAt so pooled handles can serve readers concurrently.
func (s *FileStore) readTail(path string, meta *StreamMeta, offset Offset) ([]byte, error) {
	if offset.Pos >= meta.NextOffset.Pos {
		return nil, nil
	}
	f, err := s.readers.acquire(s.dataPathFor(path))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, meta.NextOffset.Pos-offset.Pos)
	n, err := f.ReadAt(buf, int64(offset.Pos))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

func (s *FileStore) Create(ctx context.Context, path string, opts CreateOptions) (CreateResult, error) {
	l := s.locks.get(path)
	l.Lock()
	defer l.Unlock()

	now := time.Now()
	existing, err := s.fetchLiveLocked(path, now)
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
	if err := os.MkdirAll(s.dirFor(path), 0o755); err != nil {
		return CreateResult{}, fmt.Errorf("create stream %s: %w", path, err)
	}
	// WriteFile truncates leftovers from a create whose metadata never
	// landed, so a retry starts from a clean log.
	if err := os.WriteFile(s.dataPathFor(path), buf, 0o644); err != nil {
		return CreateResult{}, fmt.Errorf("create stream %s: %w", path, err)
	}
	if err := s.index.put(meta); err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Created: true, NextOffset: meta.NextOffset}, nil
}

func (s *FileStore) Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error) {
	l := s.locks.get(path)
	l.Lock()
	defer l.Unlock()

	now := time.Now()
	meta, err := s.fetchLiveLocked(path, now)
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

	// Data first, then metadata. Recovery resolves the gap between the
	// two writes by truncating the log to the committed length.
	if err := s.writeChunk(path, chunk); err != nil {
		return AppendResult{}, fmt.Errorf("append to stream %s: %w", path, err)
	}
	advanceMeta(meta, len(chunk), opts.Seq)
	if err := s.index.put(meta); err != nil {
		return AppendResult{}, err
	}
	s.waiters.notify(path, chunk, meta.NextOffset)
	return AppendResult{NextOffset: meta.NextOffset}, nil
}

func (s *FileStore) Read(ctx context.Context, path string, offset Offset) (ReadResult, error) {
	now := time.Now()
	meta, err := s.fetchLive(path, now)
	if err != nil {
		return ReadResult{}, err
	}
	if meta == nil {
		return ReadResult{}, notFound(path)
	}
	tail, err := s.readTail(path, meta, offset)
	if err != nil {
		return ReadResult{}, fmt.Errorf("read stream %s: %w", path, err)
	}
	return tailResult(path, meta, tail, offset, now), nil
}

func (s *FileStore) Head(ctx context.Context, path string) (HeadResult, error) {
	meta, err := s.fetchLive(path, time.Now())
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

func (s *FileStore) Delete(ctx context.Context, path string) error {
	l := s.locks.get(path)
	l.Lock()
	defer l.Unlock()

	meta, err := s.fetchLiveLocked(path, time.Now())
	if err != nil {
		return err
	}
	if meta == nil {
		return notFound(path)
	}
	if err := s.removeLocked(path); err != nil {
		return fmt.Errorf("delete stream %s: %w", path, err)
	}
	return nil
}

func (s *FileStore) Has(ctx context.Context, path string) bool {
	meta, err := s.fetchLive(path, time.Now())
	return err == nil && meta != nil
}

func (s *FileStore) WaitForData(ctx context.Context, path string, offset Offset, timeout time.Duration) (WaitResult, error) {
	l := s.locks.get(path)
	l.Lock()

	now := time.Now()
	meta, err := s.fetchLiveLocked(path, now)
	if err != nil {
		l.Unlock()
		return WaitResult{}, err
	}
	if meta == nil {
		l.Unlock()
		return WaitResult{}, notFound(path)
	}
	if offset.Pos < meta.NextOffset.Pos {
		tail, rerr := s.readTail(path, meta, offset)
		l.Unlock()
		if rerr != nil {
			return WaitResult{}, fmt.Errorf("read stream %s: %w", path, rerr)
		}
		res := tailResult(path, meta, tail, offset, now)
		return WaitResult{Messages: res.Messages, NextOffset: res.NextOffset}, nil
	}
	w := s.waiters.enroll(path, offset)
	l.Unlock()

	return s.waiters.await(ctx, w, timeout)
}

func (s *FileStore) FormatResponse(ctx context.Context, path string, messages []Message) []byte {
	meta, err := s.index.get(path)
	if err != nil || meta == nil {
		return nil
	}
	return formatMessages(meta.ContentType, messages)
}

func (s *FileStore) Close() error {
	if s.cleanupStop != nil {
		close(s.cleanupStop)
		<-s.cleanupDone
	}
	s.waiters.dropEverything()
	return errors.Join(s.writers.closeAll(), s.readers.closeAll(), s.index.close())
}

var _ Store = (*FileStore)(nil)
