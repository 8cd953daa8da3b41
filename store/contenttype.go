package store

import "strings"

// DefaultContentType is assumed when a create supplies no Content-Type.
const DefaultContentType = "application/octet-stream"

// NormalizeContentType lowercases a media type and strips any
// parameters (everything from the first ';' on). Empty input maps to
// the default type.
func NormalizeContentType(ct string) string {
	if ct == "" {
		return DefaultContentType
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// IsJSONContentType reports whether the normalized content type uses
// the JSON stitching convention: application/json itself or any
// "+json" structured suffix.
func IsJSONContentType(ct string) bool {
	n := NormalizeContentType(ct)
	return n == "application/json" || strings.HasSuffix(n, "+json")
}

// ContentTypeMatches compares two content types after normalization.
func ContentTypeMatches(a, b string) bool {
	return NormalizeContentType(a) == NormalizeContentType(b)
}
