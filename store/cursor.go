package store

import (
	"math/rand/v2"
	"strconv"
	"time"
)

// Cursors are coarse interval numbers clients echo back to detect
// server-side epoch drift. They are a liveness hint, not an ordering
// key.
var cursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

const (
	cursorIntervalSeconds = 20
	cursorMaxJitterSecs   = 3600
)

// CalculateCursor returns the current interval number as a decimal
// string.
func CalculateCursor(now time.Time) string {
	interval := now.Sub(cursorEpoch) / (cursorIntervalSeconds * time.Second)
	return strconv.FormatInt(int64(interval), 10)
}

// ResponseCursor picks the cursor to hand back on a live read. A
// missing, malformed, or stale client cursor is replaced with the
// current one. A cursor at or ahead of the server clock is pushed
// further ahead by a random jitter of 1..180 intervals, which spreads
// reconnect storms after clock skew instead of synchronizing them.
func ResponseCursor(clientCursor string, now time.Time) string {
	current := CalculateCursor(now)
	if clientCursor == "" {
		return current
	}
	client, err := strconv.ParseInt(clientCursor, 10, 64)
	if err != nil {
		return current
	}
	cur, _ := strconv.ParseInt(current, 10, 64)
	if client < cur {
		return current
	}
	jitterSecs := rand.IntN(cursorMaxJitterSecs) + 1
	jitter := int64((jitterSecs + cursorIntervalSeconds - 1) / cursorIntervalSeconds)
	return strconv.FormatInt(client+jitter, 10)
}
