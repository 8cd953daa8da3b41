package store

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors
var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrStreamConflict      = errors.New("stream configuration conflict")
	ErrContentTypeMismatch = errors.New("content type mismatch")
	ErrSequenceConflict    = errors.New("sequence number conflict")
	ErrInvalidJSON         = errors.New("invalid JSON")
	ErrInvalidOffset       = errors.New("invalid offset")
	ErrPayloadTooLarge     = errors.New("payload too large")
)

// notFound wraps ErrStreamNotFound with the path that was asked for.
func notFound(path string) error {
	return fmt.Errorf("%w: %s", ErrStreamNotFound, path)
}

// SequenceConflictError reports an append whose Stream-Seq was not
// strictly greater than the stream's last accepted value.
type SequenceConflictError struct {
	Expected string // "> {last accepted seq}"
	Received string
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("sequence number conflict: expected %s, received %s", e.Expected, e.Received)
}

func (e *SequenceConflictError) Unwrap() error { return ErrSequenceConflict }

// newSequenceConflict builds the error for a rejected seq. The expected
// field carries the exclusive lower bound, not a concrete value.
func newSequenceConflict(lastSeq, received string) *SequenceConflictError {
	return &SequenceConflictError{
		Expected: "> " + lastSeq,
		Received: received,
	}
}

// ContentTypeMismatchError reports a create or append whose declared
// content type does not normalize to the stream's content type.
type ContentTypeMismatchError struct {
	Expected string
	Received string
}

func (e *ContentTypeMismatchError) Error() string {
	return fmt.Sprintf("content type mismatch: expected %s, received %s", e.Expected, e.Received)
}

func (e *ContentTypeMismatchError) Unwrap() error { return ErrContentTypeMismatch }

// StreamConflictError reports an idempotent create whose TTL or expiry
// does not match the existing stream. Attribute names the field that
// differed.
type StreamConflictError struct {
	Attribute string // "ttl" or "expires_at"
}

func (e *StreamConflictError) Error() string {
	return fmt.Sprintf("stream configuration conflict: %s does not match existing stream", e.Attribute)
}

func (e *StreamConflictError) Unwrap() error { return ErrStreamConflict }

// IsPayloadTooLarge reports whether err is a size-limit rejection,
// either our own sentinel or a substrate message that names one.
func IsPayloadTooLarge(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPayloadTooLarge) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "too large") || strings.Contains(msg, "row too big")
}
