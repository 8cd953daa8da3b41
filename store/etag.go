package store

// FormatETag builds the quoted validator for a snapshot of a stream:
// the encoded path plus the start and end offsets the response covers.
// Embedding the path keeps tags from colliding across streams.
func FormatETag(path string, start, end Offset) string {
	return `"` + EncodePath(path) + ":" + start.String() + ":" + end.String() + `"`
}

// ETagMatches reports whether a client's If-None-Match value names
// exactly the ETag a fresh response would carry.
func ETagMatches(ifNoneMatch, etag string) bool {
	return ifNoneMatch != "" && ifNoneMatch == etag
}
