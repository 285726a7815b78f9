package boltstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketNameInstance  = []byte("instance")
	bucketNameSession   = []byte("session")
	bucketNameContainer = []byte("container")
	bucketNameEvent     = []byte("event")
	bucketNameChallenge = []byte("challenge")
	allBuckets          = [][]byte{bucketNameInstance, bucketNameSession, bucketNameContainer, bucketNameEvent, bucketNameChallenge}
)

// DB is a single-node store for instances, events and challenge definitions.
// bbolt allows one writer at a time, which makes every Update transaction
// atomic with respect to concurrent creations.
type DB struct {
	db *bolt.DB
}

func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	_db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store: %w", err)
	}

	err = _db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &DB{db: _db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func idKey(id int64) []byte {
	return []byte(fmt.Sprintf("%d", id))
}
