package store

import (
	"bytes"
	"fmt"
	"time"
)

// Shared create/append logic. Substrates differ in how they persist
// bytes, not in what an operation means, so the semantics live here as
// free functions over primitive inputs.

// checkIdempotentCreate compares a create request against an existing
// stream. A nil return means the request matches and the create is an
// idempotent no-op.
func checkIdempotentCreate(existing *StreamMeta, opts CreateOptions) error {
	if !ContentTypeMatches(existing.ContentType, opts.ContentType) {
		return &ContentTypeMismatchError{
			Expected: existing.ContentType,
			Received: NormalizeContentType(opts.ContentType),
		}
	}
	if (existing.TTLSeconds == nil) != (opts.TTLSeconds == nil) {
		return &StreamConflictError{Attribute: "ttl"}
	}
	if existing.TTLSeconds != nil && *existing.TTLSeconds != *opts.TTLSeconds {
		return &StreamConflictError{Attribute: "ttl"}
	}
	if (existing.ExpiresAt == nil) != (opts.ExpiresAt == nil) {
		return &StreamConflictError{Attribute: "expires_at"}
	}
	if existing.ExpiresAt != nil && !existing.ExpiresAt.Equal(*opts.ExpiresAt) {
		return &StreamConflictError{Attribute: "expires_at"}
	}
	return nil
}

// prepareInitialData builds the initial buffer for a new stream. JSON
// bodies are converted to the internal trailing-comma form; an empty
// JSON array is legal here and yields an empty buffer. The append count
// is 1 exactly when the buffer is non-empty.
func prepareInitialData(contentType string, data []byte) ([]byte, uint64, error) {
	if len(data) == 0 {
		return nil, 0, nil
	}
	if IsJSONContentType(contentType) {
		buf, _, err := encodeJSONItems(data)
		if err != nil {
			return nil, 0, err
		}
		if len(buf) == 0 {
			return nil, 0, nil
		}
		return buf, 1, nil
	}
	return data, 1, nil
}

// newStreamMeta assembles metadata and the initial buffer for a create.
func newStreamMeta(path string, opts CreateOptions, now time.Time) (*StreamMeta, []byte, error) {
	ct := NormalizeContentType(opts.ContentType)
	buf, count, err := prepareInitialData(ct, opts.Data)
	if err != nil {
		return nil, nil, err
	}
	m := &StreamMeta{
		Path:        path,
		ContentType: ct,
		TTLSeconds:  opts.TTLSeconds,
		ExpiresAt:   opts.ExpiresAt,
		CreatedAt:   now,
		AppendCount: count,
		NextOffset:  Offset{Seq: count, Pos: uint64(len(buf))},
	}
	return m, buf, nil
}

// encodeAppendData converts an append body into the bytes that join the
// buffer. JSON appends must contribute at least one item.
func encodeAppendData(contentType string, data []byte) ([]byte, error) {
	if !IsJSONContentType(contentType) {
		return data, nil
	}
	buf, items, err := encodeJSONItems(data)
	if err != nil {
		return nil, err
	}
	if items == 0 {
		return nil, fmt.Errorf("%w: append requires at least one item", ErrInvalidJSON)
	}
	return buf, nil
}

// validateAppendContentType checks a declared append content type
// against the stream's. Absent means "whatever the stream is".
func validateAppendContentType(streamCT, requestCT string) error {
	if requestCT == "" {
		return nil
	}
	if !ContentTypeMatches(streamCT, requestCT) {
		return &ContentTypeMismatchError{
			Expected: streamCT,
			Received: NormalizeContentType(requestCT),
		}
	}
	return nil
}

// validateAppendSeq enforces strictly increasing Stream-Seq tokens.
// Comparison is plain string order; callers pick zero-padded or
// otherwise monotonic encodings.
func validateAppendSeq(lastSeq, seq string) error {
	if seq == "" || lastSeq == "" {
		return nil
	}
	if seq <= lastSeq {
		return newSequenceConflict(lastSeq, seq)
	}
	return nil
}

// advanceMeta commits one append of n bytes into the metadata.
func advanceMeta(m *StreamMeta, n int, seq string) {
	m.AppendCount++
	m.NextOffset = Offset{Seq: m.AppendCount, Pos: m.NextOffset.Pos + uint64(n)}
	if seq != "" {
		m.LastSeq = seq
	}
}

// snapshotResult assembles a Read result from the stream's buffer: at
// most one message spanning everything past the requested position,
// stamped with the request offset.
func snapshotResult(path string, meta *StreamMeta, buf []byte, offset Offset, now time.Time) ReadResult {
	var tail []byte
	if offset.Pos < uint64(len(buf)) {
		tail = bytes.Clone(buf[offset.Pos:])
	}
	return tailResult(path, meta, tail, offset, now)
}

// tailResult is snapshotResult for substrates that read only the bytes
// past the requested position instead of the whole buffer.
func tailResult(path string, meta *StreamMeta, tail []byte, offset Offset, now time.Time) ReadResult {
	res := ReadResult{
		NextOffset:  meta.NextOffset,
		UpToDate:    true,
		Cursor:      CalculateCursor(now),
		ETag:        FormatETag(path, offset, meta.NextOffset),
		ContentType: meta.ContentType,
	}
	if len(tail) > 0 {
		res.Messages = []Message{{
			Data:      tail,
			Offset:    offset,
			Timestamp: now,
		}}
	}
	return res
}
