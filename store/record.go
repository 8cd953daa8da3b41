package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// StreamMeta is the per-stream bookkeeping every substrate maintains.
// NextOffset is derivable from AppendCount and the buffer length but is
// carried explicitly so reads never need the data blob.
type StreamMeta struct {
	Path        string
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	AppendCount uint64
	NextOffset  Offset
	LastSeq     string
}

// metaRecord is the serialized form of StreamMeta shared by the
// key-value, object-store, and file substrates. Times are Unix
// milliseconds.
type metaRecord struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
	TTLSeconds  *int64 `json:"ttl_seconds,omitempty"`
	ExpiresAtMs *int64 `json:"expires_at,omitempty"`
	CreatedAtMs int64  `json:"created_at"`
	AppendCount uint64 `json:"append_count"`
	NextOffset  string `json:"next_offset"`
	LastSeq     string `json:"last_seq,omitempty"`
}

// encodeMeta serializes stream metadata for storage.
func encodeMeta(m *StreamMeta) ([]byte, error) {
	rec := metaRecord{
		Path:        m.Path,
		ContentType: m.ContentType,
		TTLSeconds:  m.TTLSeconds,
		CreatedAtMs: m.CreatedAt.UnixMilli(),
		AppendCount: m.AppendCount,
		NextOffset:  m.NextOffset.String(),
		LastSeq:     m.LastSeq,
	}
	if m.ExpiresAt != nil {
		ms := m.ExpiresAt.UnixMilli()
		rec.ExpiresAtMs = &ms
	}
	return json.Marshal(rec)
}

// decodeMeta deserializes stream metadata.
func decodeMeta(data []byte) (*StreamMeta, error) {
	var rec metaRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt stream metadata: %w", err)
	}
	next, err := ParseOffset(rec.NextOffset)
	if err != nil {
		return nil, fmt.Errorf("corrupt stream metadata: %w", err)
	}
	m := &StreamMeta{
		Path:        rec.Path,
		ContentType: rec.ContentType,
		TTLSeconds:  rec.TTLSeconds,
		CreatedAt:   time.UnixMilli(rec.CreatedAtMs).UTC(),
		AppendCount: rec.AppendCount,
		NextOffset:  next,
		LastSeq:     rec.LastSeq,
	}
	if rec.ExpiresAtMs != nil {
		t := time.UnixMilli(*rec.ExpiresAtMs).UTC()
		m.ExpiresAt = &t
	}
	return m, nil
}

// rowScanner is the slice of database/sql and pgx row APIs the stream
// row codec needs.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanStreamRow decodes one row of the streams table layout shared by
// the row-store substrates: path, content_type, ttl_seconds,
// expires_at, created_at, data, next_offset, last_seq, append_count.
func scanStreamRow(row rowScanner) (*StreamMeta, []byte, error) {
	var (
		m         StreamMeta
		ttl       *int64
		expiresMs *int64
		createdMs int64
		data      []byte
		next      string
		count     int64
	)
	if err := row.Scan(&m.Path, &m.ContentType, &ttl, &expiresMs, &createdMs, &data, &next, &m.LastSeq, &count); err != nil {
		return nil, nil, err
	}
	offset, err := ParseOffset(next)
	if err != nil {
		return nil, nil, fmt.Errorf("corrupt stream row for %s: %w", m.Path, err)
	}
	m.TTLSeconds = ttl
	if expiresMs != nil {
		t := time.UnixMilli(*expiresMs).UTC()
		m.ExpiresAt = &t
	}
	m.CreatedAt = time.UnixMilli(createdMs).UTC()
	m.NextOffset = offset
	m.AppendCount = uint64(count)
	return &m, data, nil
}

// clone returns an independent copy so cached metadata can be handed
// out without aliasing the store's working copy.
func (m *StreamMeta) clone() *StreamMeta {
	c := *m
	if m.TTLSeconds != nil {
		v := *m.TTLSeconds
		c.TTLSeconds = &v
	}
	if m.ExpiresAt != nil {
		v := *m.ExpiresAt
		c.ExpiresAt = &v
	}
	return &c
}
