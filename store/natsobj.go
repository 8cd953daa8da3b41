package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSObjectStore keeps streams in a JetStream object-store bucket:
// the same two-object layout as the key-value variant, but the data
// blob rides the chunked object API, which handles payloads far past
// the server's message size limit.
type NATSObjectStore struct {
	*twoObjectCore
	nc *nats.Conn
}

// NewNATSObjectStore connects to the NATS server at url and opens (or
// creates) the object-store bucket.
func NewNATSObjectStore(url, bucket string) (*NATSObjectStore, error) {
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
	obs, err := js.ObjectStore(bucket)
	if errors.Is(err, nats.ErrStreamNotFound) || errors.Is(err, nats.ErrBucketNotFound) {
		obs, err = js.CreateObjectStore(&nats.ObjectStoreConfig{Bucket: bucket})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open object bucket %s: %w", bucket, err)
	}
	return &NATSObjectStore{
		twoObjectCore: newTwoObjectCore(objBlobs{obs}),
		nc:            nc,
	}, nil
}

func (s *NATSObjectStore) Close() error {
	s.shutdown()
	s.nc.Close()
	return nil
}

// objBlobs adapts a JetStream object store to the blobKV surface.
type objBlobs struct {
	obs nats.ObjectStore
}

func (b objBlobs) get(key string) ([]byte, bool, error) {
	data, err := b.obs.GetBytes(key)
	if errors.Is(err, nats.ErrObjectNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b objBlobs) put(key string, value []byte) error {
	_, err := b.obs.PutBytes(key, value)
	return err
}

func (b objBlobs) del(key string) error {
	err := b.obs.Delete(key)
	if errors.Is(err, nats.ErrObjectNotFound) {
		return nil
	}
	return err
}

var _ Store = (*NATSObjectStore)(nil)
