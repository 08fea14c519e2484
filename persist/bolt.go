package persist

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"coedit/common"
)

var (
	boltSnapshotBucket = []byte("snapshots")
	boltUpdatedBucket  = []byte("updated_at")
)

// BoltAdapter is a bbolt-backed persistence adapter for single-node
// deployments that want durability without an external database.
type BoltAdapter struct {
	// db is the bbolt database. The adapter owns it.
	db *bolt.DB
}

// NewBoltAdapter opens (or creates) the bbolt database at path.
func NewBoltAdapter(path string) (*BoltAdapter, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltSnapshotBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltUpdatedBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltAdapter{db: db}, nil
}

// Fetch loads the stored snapshot for the key.
func (a *BoltAdapter) Fetch(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := a.db.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket(boltSnapshotBucket).Get([]byte(key))
		if stored == nil {
			return common.ErrSnapshotNotFound{Key: key}
		}
		data = make([]byte, len(stored))
		copy(data, stored)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Store overwrites the stored snapshot for the key.
func (a *BoltAdapter) Store(ctx context.Context, key string, data []byte) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(boltSnapshotBucket).Put([]byte(key), data); err != nil {
			return err
		}
		stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano))
		return tx.Bucket(boltUpdatedBucket).Put([]byte(key), stamp)
	})
}

// Close closes the bbolt database.
func (a *BoltAdapter) Close() error {
	return a.db.Close()
}
