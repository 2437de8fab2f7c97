package store

import (
	"bytes"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRecords = []byte("records")

// BoltStore implements Store using BoltDB. All keys live in a single
// bucket; bbolt serializes writers and fsyncs every committed transaction.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// records runs fn against the records bucket inside a read (write=false)
// or read-write transaction.
func (s *BoltStore) records(write bool, fn func(b *bolt.Bucket) error) error {
	run := s.db.View
	if write {
		run = s.db.Update
	}
	return run(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if b == nil {
			return fmt.Errorf("bucket %q missing", bucketRecords)
		}
		return fn(b)
	})
}

func (s *BoltStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.records(false, func(b *bolt.Bucket) error {
		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("key %s: %w", key, ErrNotFound)
		}
		// bbolt values are only valid for the life of the transaction.
		out = bytes.Clone(v)
		return nil
	})
	return out, err
}

func (s *BoltStore) Set(key string, value []byte) error {
	return s.records(true, func(b *bolt.Bucket) error {
		return b.Put([]byte(key), value)
	})
}

func (s *BoltStore) Delete(key string) error {
	return s.records(true, func(b *bolt.Bucket) error {
		k := []byte(key)
		if b.Get(k) == nil {
			return fmt.Errorf("key %s: %w", key, ErrNotFound)
		}
		return b.Delete(k)
	})
}

func (s *BoltStore) KeysWithPrefix(prefix string) ([]string, error) {
	keys := []string{}
	err := s.records(false, func(b *bolt.Bucket) error {
		p := []byte(prefix)
		c := b.Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
