package store

import "errors"

// ErrNotFound is returned when a requested key does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store is a persistent, namespaced mapping from string keys to opaque
// serialized records. Callers partition the namespace with key prefixes
// (see Repository).
//
// Writes are exclusive and durable: Set and Delete return only after the
// change has been flushed. Reads may run concurrently with each other and
// never observe a partially written record.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(key string, value []byte) error

	// Delete removes key. Returns ErrNotFound if the key is absent.
	Delete(key string) error

	// KeysWithPrefix lists every key that starts with prefix. The order is
	// backend specific and callers must not depend on it.
	KeysWithPrefix(prefix string) ([]string, error)

	// Close releases the underlying database.
	Close() error
}
