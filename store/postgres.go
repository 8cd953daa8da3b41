package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps streams in a relational table and leans on the
// server for the heavy lifting: appends are a server-side concat,
// reads slice the blob with substring, so the buffer never crosses the
// wire whole. In-process mutations are serialized per path; across
// processes the deployment assumes at most one writer per path.
type PostgresStore struct {
	pool    *pgxpool.Pool
	locks   *pathLocks
	waiters *waiterRegistry
	exists  *existsCache
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS streams (
	path TEXT PRIMARY KEY,
	content_type TEXT NOT NULL,
	ttl_seconds BIGINT,
	expires_at BIGINT,
	created_at BIGINT NOT NULL,
	data BYTEA NOT NULL,
	next_offset TEXT NOT NULL,
	last_seq TEXT NOT NULL DEFAULT '',
	append_count BIGINT NOT NULL
)`

const (
	pgSelectMeta = `SELECT content_type, ttl_seconds, expires_at, created_at, next_offset, last_seq, append_count
		FROM streams WHERE path = $1`
	pgSelectRead = `SELECT content_type, ttl_seconds, expires_at, created_at, next_offset, last_seq, append_count,
		substring(data FROM $2::bigint) FROM streams WHERE path = $1`
	pgInsert = `INSERT INTO streams (path, content_type, ttl_seconds, expires_at, created_at, data, next_offset, last_seq, append_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	pgAppend = `UPDATE streams SET data = data || $2, next_offset = $3, last_seq = $4, append_count = $5 WHERE path = $1`
	pgDelete = `DELETE FROM streams WHERE path = $1`
)

// NewPostgresStore connects to the database named by dsn and ensures
// the streams table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create streams table: %w", err)
	}
	return &PostgresStore{
		pool:    pool,
		locks:   newPathLocks(),
		waiters: newWaiterRegistry(),
		exists:  newExistsCache(),
	}, nil
}

// scanMeta decodes the metadata columns of pgSelectMeta/pgSelectRead.
func scanMeta(path string, row rowScanner, extra ...any) (*StreamMeta, error) {
	var (
		m         StreamMeta
		ttl       *int64
		expiresMs *int64
		createdMs int64
		next      string
		count     int64
	)
	dest := []any{&m.ContentType, &ttl, &expiresMs, &createdMs, &next, &m.LastSeq, &count}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	offset, err := ParseOffset(next)
	if err != nil {
		return nil, fmt.Errorf("corrupt stream row for %s: %w", path, err)
	}
	m.Path = path
	m.TTLSeconds = ttl
	if expiresMs != nil {
		t := time.UnixMilli(*expiresMs).UTC()
		m.ExpiresAt = &t
	}
	m.CreatedAt = time.UnixMilli(createdMs).UTC()
	m.NextOffset = offset
	m.AppendCount = uint64(count)
	return &m, nil
}

// fetchMeta loads stream metadata, tombstoning the row when expired.
// A (nil, nil) return means absent.
func (s *PostgresStore) fetchMeta(ctx context.Context, path string, now time.Time) (*StreamMeta, error) {
	row := s.pool.QueryRow(ctx, pgSelectMeta, path)
	meta, err := scanMeta(path, row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load stream %s: %w", path, err)
	}
	if meta.expired(now) {
		_, _ = s.pool.Exec(ctx, pgDelete, path)
		s.exists.drop(path)
		s.waiters.dropAll(path)
		return nil, nil
	}
	s.exists.set(path, meta.ContentType)
	return meta, nil
}

func (s *PostgresStore) Create(ctx context.Context, path string, opts CreateOptions) (CreateResult, error) {
	l := s.locks.get(path)
	l.Lock()
	defer l.Unlock()

	now := time.Now()
	existing, err := s.fetchMeta(ctx, path, now)
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
	_, err = s.pool.Exec(ctx, pgInsert,
		path, meta.ContentType, meta.TTLSeconds, expiresMs, meta.CreatedAt.UnixMilli(),
		buf, meta.NextOffset.String(), meta.LastSeq, int64(meta.AppendCount))
	if isUniqueViolation(err) {
		// Another process created the path first; treat ours as the
		// idempotent retry.
		existing, ferr := s.fetchMeta(ctx, path, now)
		if ferr != nil || existing == nil {
			return CreateResult{}, fmt.Errorf("create stream %s: %w", path, err)
		}
		if cerr := checkIdempotentCreate(existing, opts); cerr != nil {
			return CreateResult{}, cerr
		}
		return CreateResult{NextOffset: existing.NextOffset}, nil
	}
	if err != nil {
		return CreateResult{}, fmt.Errorf("create stream %s: %w", path, err)
	}
	s.exists.set(path, meta.ContentType)
	return CreateResult{Created: true, NextOffset: meta.NextOffset}, nil
}

func (s *PostgresStore) Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error) {
	l := s.locks.get(path)
	l.Lock()
	defer l.Unlock()

	now := time.Now()
	meta, err := s.fetchMeta(ctx, path, now)
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

	advanceMeta(meta, len(chunk), opts.Seq)
	_, err = s.pool.Exec(ctx, pgAppend,
		path, chunk, meta.NextOffset.String(), meta.LastSeq, int64(meta.AppendCount))
	if err != nil {
		return AppendResult{}, fmt.Errorf("append to stream %s: %w", path, err)
	}
	s.waiters.notify(path, chunk, meta.NextOffset)
	return AppendResult{NextOffset: meta.NextOffset}, nil
}

func (s *PostgresStore) Read(ctx context.Context, path string, offset Offset) (ReadResult, error) {
	now := time.Now()
	var tail []byte
	row := s.pool.QueryRow(ctx, pgSelectRead, path, int64(offset.Pos)+1)
	meta, err := scanMeta(path, row, &tail)
	if errors.Is(err, pgx.ErrNoRows) {
		return ReadResult{}, notFound(path)
	}
	if err != nil {
		return ReadResult{}, fmt.Errorf("read stream %s: %w", path, err)
	}
	if meta.expired(now) {
		_, _ = s.pool.Exec(ctx, pgDelete, path)
		s.exists.drop(path)
		s.waiters.dropAll(path)
		return ReadResult{}, notFound(path)
	}
	s.exists.set(path, meta.ContentType)

	if offset.Pos >= meta.NextOffset.Pos {
		tail = nil
	}
	return tailResult(path, meta, tail, offset, now), nil
}

func (s *PostgresStore) Head(ctx context.Context, path string) (HeadResult, error) {
	now := time.Now()
	meta, err := s.fetchMeta(ctx, path, now)
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

func (s *PostgresStore) Delete(ctx context.Context, path string) error {
	l := s.locks.get(path)
	l.Lock()
	defer l.Unlock()

	tag, err := s.pool.Exec(ctx, pgDelete, path)
	if err != nil {
		return fmt.Errorf("delete stream %s: %w", path, err)
	}
	s.exists.drop(path)
	s.waiters.dropAll(path)
	if tag.RowsAffected() == 0 {
		return notFound(path)
	}
	return nil
}

// Has answers from the local cache only. Consulting the database would
// cost a round trip on every call, so a path never observed by this
// instance reports false even when the row exists.
func (s *PostgresStore) Has(ctx context.Context, path string) bool {
	_, ok := s.exists.lookup(path)
	return ok
}

func (s *PostgresStore) WaitForData(ctx context.Context, path string, offset Offset, timeout time.Duration) (WaitResult, error) {
	l := s.locks.get(path)
	l.Lock()

	res, err := s.Read(ctx, path, offset)
	if err != nil {
		l.Unlock()
		return WaitResult{}, err
	}
	if len(res.Messages) > 0 {
		l.Unlock()
		return WaitResult{Messages: res.Messages, NextOffset: res.NextOffset}, nil
	}
	w := s.waiters.enroll(path, offset)
	l.Unlock()

	return s.waiters.await(ctx, w, timeout)
}

func (s *PostgresStore) FormatResponse(ctx context.Context, path string, messages []Message) []byte {
	ct, ok := s.exists.lookup(path)
	if !ok {
		return nil
	}
	return formatMessages(ct, messages)
}

func (s *PostgresStore) Close() error {
	s.waiters.dropEverything()
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ Store = (*PostgresStore)(nil)
