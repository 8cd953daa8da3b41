package store

import (
	"fmt"
	"strconv"
)

// Offset is a position within a stream, encoded on the wire as
// "SSSSSSSSSSSSSSSS_PPPPPPPPPPPPPPPP": two 16-digit lowercase hex halves
// joined by an underscore. Seq counts appends, Pos counts payload bytes.
// The fixed-width encoding sorts lexicographically.
type Offset struct {
	Seq uint64 // number of appends absorbed into the stream
	Pos uint64 // byte position in the logical buffer
}

// ZeroOffset is the starting offset for a new stream.
var ZeroOffset = Offset{}

// StartSentinel is the client shorthand for "read from the beginning".
const StartSentinel = "-1"

const offsetStringLen = 33 // 16 hex + '_' + 16 hex

// String returns the canonical wire form of the offset.
func (o Offset) String() string {
	return fmt.Sprintf("%016x_%016x", o.Seq, o.Pos)
}

// IsZero returns true if this is the zero/starting offset.
func (o Offset) IsZero() bool {
	return o.Seq == 0 && o.Pos == 0
}

// Advance returns the offset after one append of n payload bytes.
func (o Offset) Advance(n uint64) Offset {
	return Offset{Seq: o.Seq + 1, Pos: o.Pos + n}
}

// ParseOffset parses a wire offset. The sentinel "-1" and the empty
// string both mean the start of the stream. Anything else must be the
// canonical 33-character form; lenient variants are rejected so that
// every offset the server hands out round-trips byte for byte.
func ParseOffset(s string) (Offset, error) {
	if s == "" || s == StartSentinel {
		return ZeroOffset, nil
	}

	if !isValidOffsetFormat(s) {
		return Offset{}, fmt.Errorf("%w: %q", ErrInvalidOffset, s)
	}

	seq, err := strconv.ParseUint(s[:16], 16, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("%w: %q", ErrInvalidOffset, s)
	}
	pos, err := strconv.ParseUint(s[17:], 16, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("%w: %q", ErrInvalidOffset, s)
	}

	return Offset{Seq: seq, Pos: pos}, nil
}

// isValidOffsetFormat reports whether s is exactly the canonical form:
// 16 lowercase hex digits, underscore, 16 lowercase hex digits.
func isValidOffsetFormat(s string) bool {
	if len(s) != offsetStringLen || s[16] != '_' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if i == 16 {
			continue
		}
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Compare returns -1 if a < b, 0 if a == b, 1 if a > b.
// Seq is the major key, Pos the minor.
func Compare(a, b Offset) int {
	if a.Seq < b.Seq {
		return -1
	}
	if a.Seq > b.Seq {
		return 1
	}
	if a.Pos < b.Pos {
		return -1
	}
	if a.Pos > b.Pos {
		return 1
	}
	return 0
}

// LessThan returns true if o < other.
func (o Offset) LessThan(other Offset) bool {
	return Compare(o, other) < 0
}

// Equal returns true if o == other.
func (o Offset) Equal(other Offset) bool {
	return Compare(o, other) == 0
}
