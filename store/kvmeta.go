package store

import (
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// metaIndex is the file substrate's metadata table: one bbolt bucket
// mapping stream path to its serialized metaRecord. Data bytes live in
// per-stream log files; only bookkeeping lands here.
type metaIndex struct {
	db *bbolt.DB
}

var streamsBucket = []byte("streams")

func openMetaIndex(dir string) (*metaIndex, error) {
	db, err := bbolt.Open(filepath.Join(dir, "metadata.db"), 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open metadata index: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(streamsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create streams bucket: %w", err)
	}
	return &metaIndex{db: db}, nil
}

// get returns the stream's metadata, or nil when absent.
func (x *metaIndex) get(path string) (*StreamMeta, error) {
	var meta *StreamMeta
	err := x.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(streamsBucket).Get([]byte(path))
		if raw == nil {
			return nil
		}
		// Bolt values are only valid inside the transaction.
		dup := make([]byte, len(raw))
		copy(dup, raw)
		m, err := decodeMeta(dup)
		if err != nil {
			return err
		}
		meta = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load stream %s: %w", path, err)
	}
	return meta, nil
}

func (x *metaIndex) put(meta *StreamMeta) error {
	raw, err := encodeMeta(meta)
	if err != nil {
		return fmt.Errorf("store stream %s: %w", meta.Path, err)
	}
	err = x.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(streamsBucket).Put([]byte(meta.Path), raw)
	})
	if err != nil {
		return fmt.Errorf("store stream %s: %w", meta.Path, err)
	}
	return nil
}

// delete removes the entry and reports whether it existed.
func (x *metaIndex) delete(path string) (bool, error) {
	existed := false
	err := x.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(streamsBucket)
		if b.Get([]byte(path)) == nil {
			return nil
		}
		existed = true
		return b.Delete([]byte(path))
	})
	if err != nil {
		return false, fmt.Errorf("delete stream %s: %w", path, err)
	}
	return existed, nil
}

// forEach visits every stream's metadata. The callback receives an
// independent copy.
func (x *metaIndex) forEach(fn func(*StreamMeta) error) error {
	return x.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(streamsBucket).ForEach(func(k, v []byte) error {
			dup := make([]byte, len(v))
			copy(dup, v)
			meta, err := decodeMeta(dup)
			if err != nil {
				return err
			}
			return fn(meta)
		})
	})
}

func (x *metaIndex) close() error {
	return x.db.Close()
}
