package tailstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tailstream-io/tailstream/store"
)

// sseControl is the payload of a control event. Field names follow the
// client library's wire format.
type sseControl struct {
	StreamNextOffset string `json:"streamNextOffset"`
	StreamCursor     string `json:"streamCursor"`
	UpToDate         bool   `json:"upToDate"`
}

type sseErrorEvent struct {
	Message string `json:"message"`
}

type waitOutcome struct {
	res store.WaitResult
	err error
}

// handleSSE streams a live read as server-sent events: data events
// carry new bytes, control events refresh the client's offset and
// cursor after data or a wait timeout, heartbeat comments keep
// intermediaries from idling the connection out, and an error event
// closes the stream when it vanishes. Connections are cut after the
// reconnect interval so CDN request collapsing gets a fresh chance.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request, path string, offset store.Offset, clientCursor string, head store.HeadResult) error {
	ct := head.ContentType
	if !strings.HasPrefix(ct, "text/") && ct != "application/json" {
		return newHTTPError(http.StatusBadRequest, "sse requires a text or json stream")
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return newHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	h.metrics.liveActive.Inc()
	defer h.metrics.liveActive.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	heartbeat := time.NewTicker(time.Duration(h.HeartbeatInterval))
	defer heartbeat.Stop()
	reconnect := time.NewTimer(time.Duration(h.SSEReconnectInterval))
	defer reconnect.Stop()

	current := offset
	if current.Pos >= head.NextOffset.Pos {
		// Caught-up clients get their position confirmed right away
		// instead of after the first wait cycle.
		writeSSEControl(w, current, store.ResponseCursor(clientCursor, time.Now()))
		flusher.Flush()
	}

	resCh := make(chan waitOutcome, 1)
	startWait := func(from store.Offset) {
		go func() {
			res, err := h.store.WaitForData(ctx, path, from, time.Duration(h.LongPollTimeout))
			resCh <- waitOutcome{res: res, err: err}
		}()
	}
	startWait(current)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reconnect.C:
			return nil
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case out := <-resCh:
			if out.err != nil {
				if errors.Is(out.err, context.Canceled) {
					return nil
				}
				writeSSEError(w, out.err.Error())
				flusher.Flush()
				return nil
			}
			if len(out.res.Messages) == 0 && !out.res.TimedOut {
				// Deletion resolves waiters with an empty result.
				writeSSEError(w, "stream no longer exists")
				flusher.Flush()
				return nil
			}
			if len(out.res.Messages) > 0 {
				writeSSEData(w, h.store.FormatResponse(ctx, path, out.res.Messages))
				current = out.res.NextOffset
			}
			writeSSEControl(w, current, store.ResponseCursor(clientCursor, time.Now()))
			flusher.Flush()
			startWait(current)
		}
	}
}

func writeSSEData(w io.Writer, body []byte) {
	fmt.Fprint(w, "event: data\n")
	for _, line := range strings.Split(string(body), "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

func writeSSEControl(w io.Writer, offset store.Offset, cursor string) {
	payload, _ := json.Marshal(sseControl{
		StreamNextOffset: offset.String(),
		StreamCursor:     cursor,
		UpToDate:         true,
	})
	fmt.Fprintf(w, "event: control\ndata: %s\n\n", payload)
}

func writeSSEError(w io.Writer, message string) {
	payload, _ := json.Marshal(sseErrorEvent{Message: message})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
}
