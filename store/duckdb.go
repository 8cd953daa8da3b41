package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// DuckDBStore persists streams in an embedded DuckDB database: one row
// per stream, the whole buffer in a blob column, next_offset stored
// redundantly so reads never recompute it. A single mutex serializes
// every operation, which is the substrate's single-writer guarantee.
type DuckDBStore struct {
	db      *sql.DB
	mu      sync.Mutex
	waiters *waiterRegistry
	exists  *existsCache
}

const duckdbSchema = `
CREATE TABLE IF NOT EXISTS streams (
	path VARCHAR PRIMARY KEY,
	content_type VARCHAR NOT NULL,
	ttl_seconds BIGINT,
	expires_at BIGINT,
	created_at BIGINT NOT NULL,
	data BLOB NOT NULL,
	next_offset VARCHAR NOT NULL,
	last_seq VARCHAR NOT NULL DEFAULT '',
	append_count BIGINT NOT NULL
)`

const (
	duckdbSelect = `SELECT path, content_type, ttl_seconds, expires_at, created_at, data, next_offset, last_seq, append_count
		FROM streams WHERE path = ?`
	duckdbInsert = `INSERT INTO streams (path, content_type, ttl_seconds, expires_at, created_at, data, next_offset, last_seq, append_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	duckdbUpdate = `UPDATE streams SET data = ?, next_offset = ?, last_seq = ?, append_count = ? WHERE path = ?`
	duckdbDelete = `DELETE FROM streams WHERE path = ?`
)

// NewDuckDBStore opens (or creates) the database at dbPath and ensures
// the streams table exists.
func NewDuckDBStore(dbPath string) (*DuckDBStore, error) {
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open duckdb at %s: %w", dbPath, err)
	}
	s := &DuckDBStore{
		db:      db,
		waiters: newWaiterRegistry(),
		exists:  newExistsCache(),
	}
	if _, err := db.Exec(duckdbSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create streams table: %w", err)
	}
	return s, nil
}

// fetchLive loads a stream row, tombstoning it if expired. A (nil, nil,
// nil) return means absent. Callers must hold s.mu.
func (s *DuckDBStore) fetchLive(ctx context.Context, path string, now time.Time) (*StreamMeta, []byte, error) {
	row := s.db.QueryRowContext(ctx, duckdbSelect, path)
	meta, data, err := scanStreamRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load stream %s: %w", path, err)
	}
	if meta.expired(now) {
		// Garbage collection on the read path; the caller's own
		// not-found result is the only error it may see.
		_, _ = s.db.ExecContext(ctx, duckdbDelete, path)
		s.exists.drop(path)
		s.waiters.dropAll(path)
		return nil, nil, nil
	}
	s.exists.set(path, meta.ContentType)
	return meta, data, nil
}

func (s *DuckDBStore) Create(ctx context.Context, path string, opts CreateOptions) (CreateResult, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, _, err := s.fetchLive(ctx, path, now)
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
	var expiresMs *int64
	if meta.ExpiresAt != nil {
		ms := meta.ExpiresAt.UnixMilli()
		expiresMs = &ms
	}
	if buf == nil {
		buf = []byte{}
	}
	_, err = s.db.ExecContext(ctx, duckdbInsert,
		path, meta.ContentType, meta.TTLSeconds, expiresMs, meta.CreatedAt.UnixMilli(),
		buf, meta.NextOffset.String(), meta.LastSeq, int64(meta.AppendCount))
	if err != nil {
		return CreateResult{}, fmt.Errorf("insert stream %s: %w", path, err)
	}
	s.exists.set(path, meta.ContentType)
	return CreateResult{Created: true, NextOffset: meta.NextOffset}, nil
}

func (s *DuckDBStore) Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, buf, err := s.fetchLive(ctx, path, now)
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

	buf = append(buf, chunk...)
	advanceMeta(meta, len(chunk), opts.Seq)
	_, err = s.db.ExecContext(ctx, duckdbUpdate,
		buf, meta.NextOffset.String(), meta.LastSeq, int64(meta.AppendCount), path)
	if err != nil {
		return AppendResult{}, fmt.Errorf("append to stream %s: %w", path, err)
	}
	s.waiters.notify(path, chunk, meta.NextOffset)
	return AppendResult{NextOffset: meta.NextOffset}, nil
}

func (s *DuckDBStore) Read(ctx context.Context, path string, offset Offset) (ReadResult, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, buf, err := s.fetchLive(ctx, path, now)
	if err != nil {
		return ReadResult{}, err
	}
	if meta == nil {
		return ReadResult{}, notFound(path)
	}
	return snapshotResult(path, meta, buf, offset, now), nil
}

func (s *DuckDBStore) Head(ctx context.Context, path string) (HeadResult, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, _, err := s.fetchLive(ctx, path, now)
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

func (s *DuckDBStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, duckdbDelete, path)
	if err != nil {
		return fmt.Errorf("delete stream %s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete stream %s: %w", path, err)
	}
	s.exists.drop(path)
	s.waiters.dropAll(path)
	if n == 0 {
		return notFound(path)
	}
	return nil
}

// Has answers exactly: the database is local, so the lookup is cheap.
func (s *DuckDBStore) Has(ctx context.Context, path string) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, _, err := s.fetchLive(ctx, path, now)
	return err == nil && meta != nil
}

func (s *DuckDBStore) WaitForData(ctx context.Context, path string, offset Offset, timeout time.Duration) (WaitResult, error) {
	now := time.Now()
	s.mu.Lock()
	meta, buf, err := s.fetchLive(ctx, path, now)
	if err != nil {
		s.mu.Unlock()
		return WaitResult{}, err
	}
	if meta == nil {
		s.mu.Unlock()
		return WaitResult{}, notFound(path)
	}
	if offset.Pos < uint64(len(buf)) {
		res := WaitResult{
			Messages:   snapshotResult(path, meta, buf, offset, now).Messages,
			NextOffset: meta.NextOffset,
		}
		s.mu.Unlock()
		return res, nil
	}
	w := s.waiters.enroll(path, offset)
	s.mu.Unlock()

	return s.waiters.await(ctx, w, timeout)
}

func (s *DuckDBStore) FormatResponse(ctx context.Context, path string, messages []Message) []byte {
	ct, ok := s.exists.lookup(path)
	if !ok {
		return nil
	}
	return formatMessages(ct, messages)
}

func (s *DuckDBStore) Close() error {
	s.waiters.dropEverything()
	return s.db.Close()
}

var _ Store = (*DuckDBStore)(nil)
