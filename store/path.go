package store

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Stream paths are opaque UTF-8 strings, so substrate keys use URL-safe
// base64 without padding. Encodings longer than maxEncodedPathLen are
// truncated to truncatedPathLen characters plus "~" and the first 16 hex
// digits of the path's SHA-256, which keeps keys bounded and unique.
const (
	maxEncodedPathLen = 200
	truncatedPathLen  = 180
	pathHashLen       = 16
)

// EncodePath converts a stream path into a substrate-safe key.
func EncodePath(path string) string {
	enc := base64.RawURLEncoding.EncodeToString([]byte(path))
	if len(enc) <= maxEncodedPathLen {
		return enc
	}
	sum := sha256.Sum256([]byte(path))
	return enc[:truncatedPathLen] + "~" + hex.EncodeToString(sum[:])[:pathHashLen]
}

// DecodePath reverses EncodePath. For truncated keys the hash suffix is
// stripped and the base64 prefix is decoded, so the round trip is lossy
// only when truncation occurred.
func DecodePath(key string) (string, error) {
	if n := len(key); n > pathHashLen && key[n-pathHashLen-1] == '~' && isLowerHex(key[n-pathHashLen:]) {
		key = key[:n-pathHashLen-1]
	}
	decoded, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("invalid stream key %q: %w", key, err)
	}
	return string(decoded), nil
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
