package tailstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/gorilla/schema"
	"go.uber.org/zap"

	"github.com/tailstream-io/tailstream/store"
)

// Protocol header names
const (
	HeaderStreamNextOffset = "Stream-Next-Offset"
	HeaderStreamCursor     = "Stream-Cursor"
	HeaderStreamUpToDate   = "Stream-Up-To-Date"
	HeaderStreamSeq        = "Stream-Seq"
	HeaderStreamTTL        = "Stream-TTL"
	HeaderStreamExpiresAt  = "Stream-Expires-At"
)

const (
	liveModeLongPoll = "long-poll"
	liveModeSSE      = "sse"
)

// readQuery is the recognized query surface of a GET. Offset stays a
// slice so a repeated or explicitly empty parameter is distinguishable
// from an absent one.
type readQuery struct {
	Offset []string `schema:"offset"`
	Live   string   `schema:"live"`
	Cursor string   `schema:"cursor"`
}

var queryDecoder = newQueryDecoder()

func newQueryDecoder() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	// An explicitly empty offset must reach the slice, not be dropped.
	d.ZeroEmpty(true)
	return d
}

// ServeHTTP implements caddyhttp.MiddlewareHandler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Stream-Seq, Stream-TTL, Stream-Expires-At, If-None-Match")
	w.Header().Set("Access-Control-Expose-Headers", "Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, ETag, Location")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	streamPath := r.URL.Path

	h.logger.Debug("handling request",
		zap.String("method", r.Method),
		zap.String("path", streamPath),
		zap.String("query", r.URL.RawQuery))

	var err error
	switch r.Method {
	case http.MethodPut:
		err = h.handleCreate(w, r, streamPath)
	case http.MethodHead:
		err = h.handleHead(w, r, streamPath)
	case http.MethodGet:
		err = h.handleRead(w, r, streamPath)
	case http.MethodPost:
		err = h.handleAppend(w, r, streamPath)
	case http.MethodDelete:
		err = h.handleDelete(w, r, streamPath)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}

	if err != nil {
		h.writeError(w, err)
	}
	return nil
}

// handleCreate handles PUT requests to create a stream
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, path string) error {
	ttlStr := r.Header.Get(HeaderStreamTTL)
	expiresAtStr := r.Header.Get(HeaderStreamExpiresAt)

	if ttlStr != "" && expiresAtStr != "" {
		return newHTTPError(http.StatusBadRequest, "cannot specify both Stream-TTL and Stream-Expires-At")
	}

	var ttlSeconds *int64
	if ttlStr != "" {
		ttl, err := store.ParseTTL(ttlStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, err.Error())
		}
		ttlSeconds = &ttl
	}

	var expiresAt *time.Time
	if expiresAtStr != "" {
		t, err := store.ParseExpiresAt(expiresAtStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, err.Error())
		}
		expiresAt = &t
	}

	initialData, err := h.readBody(w, r)
	if err != nil {
		return err
	}

	res, err := h.store.Create(r.Context(), path, store.CreateOptions{
		ContentType: r.Header.Get("Content-Type"),
		TTLSeconds:  ttlSeconds,
		ExpiresAt:   expiresAt,
		Data:        initialData,
	})
	if err != nil {
		return err
	}
	h.metrics.operations.WithLabelValues("create").Inc()

	w.Header().Set(HeaderStreamNextOffset, res.NextOffset.String())
	if res.Created {
		w.Header().Set("Location", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

// handleAppend handles POST requests to append to a stream
func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return newHTTPError(http.StatusBadRequest, "Content-Type header is required")
	}

	body, err := h.readBody(w, r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return newHTTPError(http.StatusBadRequest, "empty body not allowed")
	}

	res, err := h.store.Append(r.Context(), path, body, store.AppendOptions{
		ContentType: contentType,
		Seq:         r.Header.Get(HeaderStreamSeq),
	})
	if err != nil {
		return err
	}
	h.metrics.operations.WithLabelValues("append").Inc()
	h.metrics.appendedBytes.Add(float64(len(body)))

	w.Header().Set(HeaderStreamNextOffset, res.NextOffset.String())
	w.WriteHeader(http.StatusOK)
	return nil
}

// handleRead handles GET requests: a snapshot by default, or a blocking
// live read when the query asks for one.
func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, path string) error {
	var q readQuery
	if err := queryDecoder.Decode(&q, r.URL.Query()); err != nil {
		return newHTTPError(http.StatusBadRequest, "malformed query parameters")
	}

	offsetProvided := len(q.Offset) > 0
	if len(q.Offset) > 1 {
		return newHTTPError(http.StatusBadRequest, "multiple offset parameters not allowed")
	}
	offsetStr := ""
	if offsetProvided {
		offsetStr = q.Offset[0]
		if offsetStr == "" {
			return newHTTPError(http.StatusBadRequest, "offset parameter cannot be empty")
		}
	}
	offset, err := store.ParseOffset(offsetStr)
	if err != nil {
		return err
	}

	switch q.Live {
	case "":
	case liveModeLongPoll, liveModeSSE:
		if !offsetProvided {
			return newHTTPError(http.StatusBadRequest, "offset required for live mode")
		}
	default:
		return newHTTPError(http.StatusBadRequest, "unknown live mode")
	}

	// Resolves 404 before any live handshake and pins the content type
	// for responses that never touch the data.
	head, err := h.store.Head(r.Context(), path)
	if err != nil {
		return err
	}

	switch q.Live {
	case liveModeSSE:
		h.metrics.liveRequests.WithLabelValues(liveModeSSE).Inc()
		return h.handleSSE(w, r, path, offset, q.Cursor, head)
	case liveModeLongPoll:
		h.metrics.liveRequests.WithLabelValues(liveModeLongPoll).Inc()
		return h.handleLongPoll(w, r, path, offset, q.Cursor, head)
	}

	res, err := h.store.Read(r.Context(), path, offset)
	if err != nil {
		return err
	}
	h.metrics.operations.WithLabelValues("read").Inc()
	return h.writeSnapshot(w, r, path, res, q.Cursor)
}

// handleLongPoll performs at most one blocking wait. Data resolves the
// request immediately; a timeout or a vanished stream falls back to a
// fresh snapshot, which also produces the 404 when the stream is gone.
func (h *Handler) handleLongPoll(w http.ResponseWriter, r *http.Request, path string, offset store.Offset, cursor string, head store.HeadResult) error {
	h.metrics.liveActive.Inc()
	defer h.metrics.liveActive.Dec()

	waitStart := time.Now()
	res, err := h.store.WaitForData(r.Context(), path, offset, time.Duration(h.LongPollTimeout))
	h.metrics.waitDuration.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	if len(res.Messages) == 0 {
		snap, err := h.store.Read(r.Context(), path, offset)
		if err != nil {
			return err
		}
		return h.writeSnapshot(w, r, path, snap, cursor)
	}

	body := h.store.FormatResponse(r.Context(), path, res.Messages)
	w.Header().Set("Content-Type", head.ContentType)
	w.Header().Set(HeaderStreamNextOffset, res.NextOffset.String())
	w.Header().Set(HeaderStreamUpToDate, "true")
	w.Header().Set(HeaderStreamCursor, store.ResponseCursor(cursor, time.Now()))
	w.Header().Set("ETag", store.FormatETag(path, offset, res.NextOffset))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	h.metrics.servedBytes.Add(float64(len(body)))
	return nil
}

// writeSnapshot emits a snapshot read, honoring If-None-Match.
func (h *Handler) writeSnapshot(w http.ResponseWriter, r *http.Request, path string, res store.ReadResult, cursor string) error {
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set(HeaderStreamNextOffset, res.NextOffset.String())
	w.Header().Set(HeaderStreamUpToDate, strconv.FormatBool(res.UpToDate))
	w.Header().Set(HeaderStreamCursor, store.ResponseCursor(cursor, time.Now()))
	w.Header().Set("ETag", res.ETag)

	if store.ETagMatches(r.Header.Get("If-None-Match"), res.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	body := h.store.FormatResponse(r.Context(), path, res.Messages)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	h.metrics.servedBytes.Add(float64(len(body)))
	return nil
}

// handleHead handles HEAD requests for stream metadata
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, path string) error {
	res, err := h.store.Head(r.Context(), path)
	if err != nil {
		return err
	}
	h.metrics.operations.WithLabelValues("head").Inc()

	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set(HeaderStreamNextOffset, res.NextOffset.String())
	w.Header().Set("ETag", res.ETag)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	return nil
}

// handleDelete handles DELETE requests to remove a stream
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, path string) error {
	if err := h.store.Delete(r.Context(), path); err != nil {
		return err
	}
	h.metrics.operations.WithLabelValues("delete").Inc()

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// readBody drains the request body, bounded by MaxBodySize when set.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body := r.Body
	if h.MaxBodySize > 0 {
		body = http.MaxBytesReader(w, r.Body, h.MaxBodySize)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, newHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
		}
		return nil, newHTTPError(http.StatusBadRequest, "failed to read body")
	}
	return data, nil
}

// HTTP error handling
type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string {
	return e.message
}

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

// writeError maps store errors onto protocol status codes. Anything
// without a mapping is a 500 and gets logged.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		http.Error(w, httpErr.message, httpErr.status)
		return
	}

	switch {
	case errors.Is(err, store.ErrStreamNotFound):
		http.Error(w, "stream not found", http.StatusNotFound)
	case errors.Is(err, store.ErrSequenceConflict),
		errors.Is(err, store.ErrContentTypeMismatch),
		errors.Is(err, store.ErrStreamConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrInvalidJSON),
		errors.Is(err, store.ErrInvalidOffset):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case store.IsPayloadTooLarge(err):
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
	default:
		h.logger.Error("request failed", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
