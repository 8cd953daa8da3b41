package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSKVStore keeps streams in a NATS JetStream key-value bucket using
// the two-object layout. KV values are capped by the server's max
// message size, so this substrate suits many small streams; large
// blobs belong in the object-store variant.
type NATSKVStore struct {
	*twoObjectCore
	nc *nats.Conn
}

// NewNATSKVStore connects to the NATS server at url and opens (or
// creates) the key-value bucket.
func NewNATSKVStore(url, bucket string) (*NATSKVStore, error) {
	nc, err := nats.Connect(url,
		nats.Name("tailstream"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return &NATSKVStore{
		twoObjectCore: newTwoObjectCore(kvBlobs{kv}),
		nc:            nc,
	}, nil
}

func (s *NATSKVStore) Close() error {
	s.shutdown()
	s.nc.Close()
	return nil
}

// kvBlobs adapts a JetStream key-value bucket to the blobKV surface.
type kvBlobs struct {
	kv nats.KeyValue
}

func (b kvBlobs) get(key string) ([]byte, bool, error) {
	entry, err := b.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value(), true, nil
}

func (b kvBlobs) put(key string, value []byte) error {
	_, err := b.kv.Put(key, value)
	return err
}

func (b kvBlobs) del(key string) error {
	err := b.kv.Delete(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

var _ Store = (*NATSKVStore)(nil)
