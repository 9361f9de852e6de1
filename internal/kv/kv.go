// Package kv provides the small key-value store the client persists
// local state in (token pairs, key pairs).
//
// The interface exists so KeyStore and TokenManager can be tested
// without a real persistence backend; FileStore is the on-disk
// implementation, MemStore the in-memory one.
package kv

// Store is a flat key-value store for opaque byte values.
type Store interface {
	// Get returns the value for key; the bool reports presence.
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	// List returns the keys starting with prefix, sorted.
	List(prefix string) ([]string, error)
	// Clear removes every key.
	Clear() error
}
