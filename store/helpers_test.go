package store

import (
	"errors"
	"testing"
	"time"
)

func TestPrepareInitialData(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		data        string
		expected    string
		count       uint64
		expectError bool
	}{
		{
			name:        "empty body",
			contentType: "text/plain",
			data:        "",
			expected:    "",
			count:       0,
		},
		{
			name:        "raw bytes",
			contentType: "application/octet-stream",
			data:        "hello",
			expected:    "hello",
			count:       1,
		},
		{
			name:        "json object",
			contentType: "application/json",
			data:        `{"a":1}`,
			expected:    `{"a":1},`,
			count:       1,
		},
		{
			name:        "empty json array counts as no append",
			contentType: "application/json",
			data:        `[]`,
			expected:    "",
			count:       0,
		},
		{
			name:        "invalid json",
			contentType: "application/json",
			data:        `not json`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, count, err := prepareInitialData(tt.contentType, []byte(tt.data))
			if tt.expectError {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if string(buf) != tt.expected {
				t.Errorf("buffer: expected %q, got %q", tt.expected, buf)
			}
			if count != tt.count {
				t.Errorf("count: expected %d, got %d", tt.count, count)
			}
		})
	}
}

func TestNewStreamMetaOffsets(t *testing.T) {
	now := time.Now()

	m, buf, err := newStreamMeta("/s", CreateOptions{ContentType: "application/octet-stream", Data: []byte("hello")}, now)
	if err != nil {
		t.Fatalf("newStreamMeta failed: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("buffer: %q", buf)
	}
	if m.NextOffset != (Offset{Seq: 1, Pos: 5}) {
		t.Errorf("next offset: %+v", m.NextOffset)
	}
	if m.AppendCount != 1 {
		t.Errorf("append count: %d", m.AppendCount)
	}

	m, buf, err = newStreamMeta("/empty", CreateOptions{ContentType: "application/json", Data: []byte("[]")}, now)
	if err != nil {
		t.Fatalf("newStreamMeta failed: %v", err)
	}
	if len(buf) != 0 || !m.NextOffset.IsZero() || m.AppendCount != 0 {
		t.Errorf("empty create should start at zero: buf=%q meta=%+v", buf, m)
	}
	if m.ContentType != "application/json" {
		t.Errorf("content type: %q", m.ContentType)
	}
}

func TestCheckIdempotentCreate(t *testing.T) {
	ttl60 := int64(60)
	ttl120 := int64(120)
	at := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	atOther := at.Add(time.Hour)

	existing := &StreamMeta{ContentType: "application/json", TTLSeconds: &ttl60}

	tests := []struct {
		name     string
		opts     CreateOptions
		expected error
	}{
		{
			name: "exact match",
			opts: CreateOptions{ContentType: "application/json", TTLSeconds: &ttl60},
		},
		{
			name: "match with parameters",
			opts: CreateOptions{ContentType: "application/json; charset=utf-8", TTLSeconds: &ttl60},
		},
		{
			name:     "content type mismatch",
			opts:     CreateOptions{ContentType: "text/plain", TTLSeconds: &ttl60},
			expected: ErrContentTypeMismatch,
		},
		{
			name:     "ttl mismatch",
			opts:     CreateOptions{ContentType: "application/json", TTLSeconds: &ttl120},
			expected: ErrStreamConflict,
		},
		{
			name:     "ttl dropped",
			opts:     CreateOptions{ContentType: "application/json"},
			expected: ErrStreamConflict,
		},
		{
			name:     "expiry added",
			opts:     CreateOptions{ContentType: "application/json", TTLSeconds: &ttl60, ExpiresAt: &at},
			expected: ErrStreamConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkIdempotentCreate(existing, tt.opts)
			if tt.expected == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, err)
			}
		})
	}

	withExpiry := &StreamMeta{ContentType: "text/plain", ExpiresAt: &at}
	if err := checkIdempotentCreate(withExpiry, CreateOptions{ContentType: "text/plain", ExpiresAt: &at}); err != nil {
		t.Errorf("matching expiry should pass: %v", err)
	}
	if err := checkIdempotentCreate(withExpiry, CreateOptions{ContentType: "text/plain", ExpiresAt: &atOther}); !errors.Is(err, ErrStreamConflict) {
		t.Errorf("expected ErrStreamConflict for different expiry, got %v", err)
	}
}

func TestValidateAppendSeq(t *testing.T) {
	tests := []struct {
		name        string
		lastSeq     string
		seq         string
		expectError bool
	}{
		{"no seq tracking", "", "", false},
		{"first seq on untracked stream", "", "00000005", false},
		{"seq omitted on tracked stream", "00000005", "", false},
		{"strictly greater", "00000005", "00000006", false},
		{"equal", "00000005", "00000005", true},
		{"lower", "00000005", "00000004", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAppendSeq(tt.lastSeq, tt.seq)
			if tt.expectError {
				if !errors.Is(err, ErrSequenceConflict) {
					t.Errorf("expected ErrSequenceConflict, got %v", err)
				}
				var conflict *SequenceConflictError
				if errors.As(err, &conflict) {
					if conflict.Expected != "> "+tt.lastSeq {
						t.Errorf("expected field %q", conflict.Expected)
					}
					if conflict.Received != tt.seq {
						t.Errorf("received field %q", conflict.Received)
					}
				} else {
					t.Error("error should be a *SequenceConflictError")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestAdvanceMeta(t *testing.T) {
	m := &StreamMeta{AppendCount: 1, NextOffset: Offset{Seq: 1, Pos: 5}}

	advanceMeta(m, 6, "")
	if m.NextOffset != (Offset{Seq: 2, Pos: 11}) {
		t.Errorf("offset after advance: %+v", m.NextOffset)
	}
	if m.AppendCount != 2 {
		t.Errorf("append count: %d", m.AppendCount)
	}
	if m.LastSeq != "" {
		t.Errorf("seq should stay empty, got %q", m.LastSeq)
	}

	advanceMeta(m, 1, "00000007")
	if m.LastSeq != "00000007" {
		t.Errorf("seq not recorded: %q", m.LastSeq)
	}
}
