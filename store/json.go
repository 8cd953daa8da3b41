package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSON streams store items in a trailing-comma concatenation:
// "item1,item2,...,itemN," with every item minified. Appends stay
// O(bytes added) because earlier items are never re-serialized; reads
// strip the final comma and wrap the whole buffer in brackets.

// encodeJSONItems converts a request body into the internal form and
// reports how many items it contained. Top-level values must be an
// array (flattened one level) or a single object; anything else is
// rejected.
func encodeJSONItems(data []byte) ([]byte, int, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, 0, fmt.Errorf("%w: empty body", ErrInvalidJSON)
	}

	var items []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
	case '{':
		items = []json.RawMessage{trimmed}
	default:
		return nil, 0, fmt.Errorf("%w: top-level value must be an array or object", ErrInvalidJSON)
	}

	var buf bytes.Buffer
	buf.Grow(len(trimmed) + len(items))
	for _, item := range items {
		if err := json.Compact(&buf, item); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		buf.WriteByte(',')
	}
	return buf.Bytes(), len(items), nil
}

// wrapJSONBuffer turns the internal trailing-comma form into the JSON
// array a reader receives. An empty buffer reads as "[]".
func wrapJSONBuffer(buf []byte) []byte {
	buf = bytes.TrimSuffix(buf, []byte{','})
	out := make([]byte, 0, len(buf)+2)
	out = append(out, '[')
	out = append(out, buf...)
	out = append(out, ']')
	return out
}

// formatMessages renders messages for the wire. JSON streams get the
// bracket wrap; raw streams are plain concatenation.
func formatMessages(contentType string, messages []Message) []byte {
	var buf []byte
	for _, msg := range messages {
		buf = append(buf, msg.Data...)
	}
	if IsJSONContentType(contentType) {
		return wrapJSONBuffer(buf)
	}
	return buf
}
