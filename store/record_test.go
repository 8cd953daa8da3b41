package store

import (
	"testing"
	"time"
)

func TestMetaRoundTrip(t *testing.T) {
	ttl := int64(3600)
	expires := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	created := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

	orig := &StreamMeta{
		Path:        "/logs/app-1",
		ContentType: "application/json",
		TTLSeconds:  &ttl,
		ExpiresAt:   &expires,
		CreatedAt:   created,
		AppendCount: 7,
		NextOffset:  Offset{Seq: 7, Pos: 1234},
		LastSeq:     "00000007",
	}

	data, err := encodeMeta(orig)
	if err != nil {
		t.Fatalf("encodeMeta: %v", err)
	}
	got, err := decodeMeta(data)
	if err != nil {
		t.Fatalf("decodeMeta: %v", err)
	}

	if got.Path != orig.Path || got.ContentType != orig.ContentType || got.LastSeq != orig.LastSeq {
		t.Errorf("decoded %+v", got)
	}
	if got.TTLSeconds == nil || *got.TTLSeconds != ttl {
		t.Errorf("ttl = %v", got.TTLSeconds)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Errorf("expires = %v", got.ExpiresAt)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created = %v", got.CreatedAt)
	}
	if got.AppendCount != 7 || !got.NextOffset.Equal(orig.NextOffset) {
		t.Errorf("offsets: count %d next %s", got.AppendCount, got.NextOffset)
	}
}

func TestMetaRoundTripNoExpiry(t *testing.T) {
	orig := &StreamMeta{
		Path:        "/plain",
		ContentType: "text/plain",
		CreatedAt:   time.Now().Truncate(time.Millisecond),
		NextOffset:  ZeroOffset,
	}

	data, err := encodeMeta(orig)
	if err != nil {
		t.Fatalf("encodeMeta: %v", err)
	}
	got, err := decodeMeta(data)
	if err != nil {
		t.Fatalf("decodeMeta: %v", err)
	}
	if got.TTLSeconds != nil || got.ExpiresAt != nil {
		t.Errorf("expiry fields should stay nil: %+v", got)
	}
	if got.LastSeq != "" {
		t.Errorf("last seq = %q", got.LastSeq)
	}
}

func TestDecodeMetaCorrupt(t *testing.T) {
	if _, err := decodeMeta([]byte("not json")); err == nil {
		t.Error("garbage should not decode")
	}
	if _, err := decodeMeta([]byte(`{"path":"/x","next_offset":"0_11"}`)); err == nil {
		t.Error("short offset should not decode")
	}
}

func TestStreamMetaClone(t *testing.T) {
	ttl := int64(60)
	expires := time.Now().UTC()
	orig := &StreamMeta{
		Path:       "/logs",
		TTLSeconds: &ttl,
		ExpiresAt:  &expires,
		NextOffset: Offset{Seq: 1, Pos: 5},
	}

	c := orig.clone()
	*c.TTLSeconds = 999
	*c.ExpiresAt = expires.Add(time.Hour)
	c.NextOffset = Offset{Seq: 2, Pos: 10}

	if *orig.TTLSeconds != 60 {
		t.Errorf("clone aliases TTLSeconds: %d", *orig.TTLSeconds)
	}
	if !orig.ExpiresAt.Equal(expires) {
		t.Errorf("clone aliases ExpiresAt: %v", orig.ExpiresAt)
	}
	if !orig.NextOffset.Equal(Offset{Seq: 1, Pos: 5}) {
		t.Errorf("clone aliases NextOffset: %s", orig.NextOffset)
	}
}
