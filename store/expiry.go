package store

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	// TTLs are positive decimal seconds. Zero and leading zeros are
	// rejected so every accepted value has exactly one spelling.
	ttlPattern = regexp.MustCompile(`^[1-9][0-9]*$`)

	// Absolute expiry requires full ISO 8601 with seconds and an
	// explicit zone, either Z or ±HH:MM.
	expiresAtPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})$`)
)

// ParseTTL parses a Stream-TTL header value into seconds.
func ParseTTL(s string) (int64, error) {
	if !ttlPattern.MatchString(s) {
		return 0, fmt.Errorf("invalid TTL %q: must be positive integer seconds", s)
	}
	ttl, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid TTL %q: %w", s, err)
	}
	return ttl, nil
}

// ParseExpiresAt parses a Stream-Expires-At header value.
func ParseExpiresAt(s string) (time.Time, error) {
	if !expiresAtPattern.MatchString(s) {
		return time.Time{}, fmt.Errorf("invalid expiry %q: must be ISO 8601 with seconds and timezone", s)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiry %q: %w", s, err)
	}
	return t, nil
}

// expired reports whether the stream's expiry has elapsed at now.
// An absolute expiry must be strictly in the past; a TTL expires the
// moment created+ttl is reached.
func (m *StreamMeta) expired(now time.Time) bool {
	if m.ExpiresAt != nil && now.After(*m.ExpiresAt) {
		return true
	}
	if m.TTLSeconds != nil {
		deadline := m.CreatedAt.Add(time.Duration(*m.TTLSeconds) * time.Second)
		if !now.Before(deadline) {
			return true
		}
	}
	return false
}
