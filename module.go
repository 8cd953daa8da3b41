package tailstream

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/tailstream-io/tailstream/store"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("tailstream", parseCaddyfile)
}

// Handler serves durable byte streams over HTTP as a Caddy handler.
// Streams are append-only, addressed by offset, and readable either as
// snapshots or as blocking live reads (long-poll and SSE).
type Handler struct {
	// Backend selects the storage substrate.
	Backend string `json:"backend,omitempty" validate:"omitempty,oneof=memory file duckdb postgres nats-kv nats-object"`

	// DataDir roots the file backend's logs and metadata index.
	DataDir string `json:"data_dir,omitempty"`

	// DBPath locates the duckdb database file.
	DBPath string `json:"db_path,omitempty"`

	// DSN is the postgres connection string.
	DSN string `json:"dsn,omitempty"`

	// URL points the NATS backends at their server.
	URL string `json:"url,omitempty"`

	// Bucket names the NATS KV or object store bucket.
	Bucket string `json:"bucket,omitempty"`

	// MaxOpenFiles caps the file backend's pooled handles.
	MaxOpenFiles int `json:"max_open_files,omitempty" validate:"omitempty,min=1"`

	// SyncWrites fsyncs the file backend after every append.
	SyncWrites bool `json:"sync_writes,omitempty"`

	// CleanupInterval is how often the file backend sweeps expired
	// streams. Zero disables the sweep; expiry still applies on access.
	CleanupInterval caddy.Duration `json:"cleanup_interval,omitempty"`

	// MaxBodySize bounds request bodies in bytes. Zero means no limit.
	MaxBodySize int64 `json:"max_body_size,omitempty" validate:"omitempty,min=1"`

	// LongPollTimeout bounds a long-poll request and one SSE wait
	// cycle.
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// HeartbeatInterval paces SSE heartbeat comments.
	HeartbeatInterval caddy.Duration `json:"heartbeat_interval,omitempty"`

	// SSEReconnectInterval is how long an SSE connection lives before
	// the server closes it to force a reconnect.
	SSEReconnectInterval caddy.Duration `json:"sse_reconnect_interval,omitempty"`

	store   store.Store
	logger  *zap.Logger
	metrics *handlerMetrics
}

// CaddyModule returns the Caddy module information
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.tailstream",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the handler
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()
	h.metrics = newHandlerMetrics(ctx.GetMetricsRegistry())

	if h.Backend == "" {
		h.Backend = "memory"
	}
	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(30 * time.Second)
	}
	if h.HeartbeatInterval == 0 {
		h.HeartbeatInterval = caddy.Duration(15 * time.Second)
	}
	if h.SSEReconnectInterval == 0 {
		h.SSEReconnectInterval = caddy.Duration(60 * time.Second)
	}
	if h.Bucket == "" {
		h.Bucket = "tailstream"
	}
	if err := h.validateConfig(); err != nil {
		return err
	}

	switch h.Backend {
	case "memory":
		h.store = store.NewMemoryStore()
		h.logger.Info("using in-memory store")
	case "file":
		fs, err := store.NewFileStore(h.DataDir, store.FileStoreOptions{
			CleanupInterval: time.Duration(h.CleanupInterval),
			SyncWrites:      h.SyncWrites,
			MaxOpenFiles:    h.MaxOpenFiles,
		})
		if err != nil {
			return fmt.Errorf("opening file store: %w", err)
		}
		rec := fs.Recovered()
		h.logger.Info("using file store",
			zap.String("data_dir", h.DataDir),
			zap.Int("streams", rec.Streams),
			zap.Int("expired", rec.Expired),
			zap.Int("truncated", rec.Truncated),
			zap.Int("orphans", rec.Orphans))
		h.store = fs
	case "duckdb":
		ds, err := store.NewDuckDBStore(h.DBPath)
		if err != nil {
			return fmt.Errorf("opening duckdb store: %w", err)
		}
		h.store = ds
		h.logger.Info("using duckdb store", zap.String("db_path", h.DBPath))
	case "postgres":
		ps, err := store.NewPostgresStore(ctx, h.DSN)
		if err != nil {
			return fmt.Errorf("connecting postgres store: %w", err)
		}
		h.store = ps
		h.logger.Info("using postgres store")
	case "nats-kv":
		ns, err := store.NewNATSKVStore(h.URL, h.Bucket)
		if err != nil {
			return fmt.Errorf("connecting nats kv store: %w", err)
		}
		h.store = ns
		h.logger.Info("using nats kv store", zap.String("url", h.URL), zap.String("bucket", h.Bucket))
	case "nats-object":
		ns, err := store.NewNATSObjectStore(h.URL, h.Bucket)
		if err != nil {
			return fmt.Errorf("connecting nats object store: %w", err)
		}
		h.store = ns
		h.logger.Info("using nats object store", zap.String("url", h.URL), zap.String("bucket", h.Bucket))
	}
	return nil
}

var validate = validator.New()

func (h *Handler) validateConfig() error {
	if err := validate.Struct(h); err != nil {
		return err
	}
	switch h.Backend {
	case "file":
		if h.DataDir == "" {
			return errors.New("data_dir is required for the file backend")
		}
	case "duckdb":
		if h.DBPath == "" {
			return errors.New("db_path is required for the duckdb backend")
		}
	case "postgres":
		if h.DSN == "" {
			return errors.New("dsn is required for the postgres backend")
		}
	case "nats-kv", "nats-object":
		if h.URL == "" {
			return errors.New("url is required for the nats backends")
		}
	}
	return nil
}

// Validate ensures the handler configuration is valid
func (h *Handler) Validate() error {
	return h.validateConfig()
}

// Cleanup releases resources
func (h *Handler) Cleanup() error {
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for tailstream:
//
//	tailstream {
//	    backend file
//	    data_dir /var/lib/tailstream
//	    max_open_files 100
//	    sync_writes
//	    cleanup_interval 1m
//	    long_poll_timeout 30s
//	    heartbeat_interval 15s
//	    sse_reconnect_interval 60s
//	    max_body_size 10485760
//	}
//
// The duckdb backend takes db_path, postgres takes dsn, and the NATS
// backends take url and an optional bucket.
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "backend":
				if !d.Args(&h.Backend) {
					return d.ArgErr()
				}
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "db_path":
				if !d.Args(&h.DBPath) {
					return d.ArgErr()
				}
			case "dsn":
				if !d.Args(&h.DSN) {
					return d.ArgErr()
				}
			case "url":
				if !d.Args(&h.URL) {
					return d.ArgErr()
				}
			case "bucket":
				if !d.Args(&h.Bucket) {
					return d.ArgErr()
				}
			case "max_open_files":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_open_files: %v", err)
				}
				h.MaxOpenFiles = n
			case "sync_writes":
				h.SyncWrites = true
			case "max_body_size":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := strconv.ParseInt(val, 10, 64)
				if err != nil {
					return d.Errf("invalid max_body_size: %v", err)
				}
				h.MaxBodySize = n
			case "cleanup_interval", "long_poll_timeout", "heartbeat_interval", "sse_reconnect_interval":
				name := d.Val()
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid %s: %v", name, err)
				}
				switch name {
				case "cleanup_interval":
					h.CleanupInterval = caddy.Duration(dur)
				case "long_poll_timeout":
					h.LongPollTimeout = caddy.Duration(dur)
				case "heartbeat_interval":
					h.HeartbeatInterval = caddy.Duration(dur)
				case "sse_reconnect_interval":
					h.SSEReconnectInterval = caddy.Duration(dur)
				}
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

func parseIntArg(s string) (int, error) {
	var val int
	_, err := fmt.Sscanf(s, "%d", &val)
	return val, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
