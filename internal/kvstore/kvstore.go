// Package kvstore abstracts the durable local store behind a small key-value
// interface so progress and access state survive restarts and converge across
// instances via change notifications.
package kvstore

// Event describes one observed change to a key.
type Event struct {
	Key     string
	Value   []byte
	Deleted bool
}

// Store is the shared durable store for a device. Every consumer does
// read-merge-write through it; Subscribe delivers changes made by other
// writers so two instances converge instead of clobbering each other.
type Store interface {
	// Get returns the value for key, reporting presence explicitly.
	Get(key string) ([]byte, bool, error)
	// Set writes value under key.
	Set(key string, value []byte) error
	// SetTTL writes value under key with an expiry.
	SetTTL(key string, value []byte, ttlSeconds int64) error
	// Remove deletes key; removing an absent key is not an error.
	Remove(key string) error
	// List returns all keys with the given prefix.
	List(prefix string) ([]string, error)
	// Subscribe registers fn for changes to keys under prefix. The returned
	// cancel stops delivery.
	Subscribe(prefix string, fn func(Event)) (cancel func())
	// Close releases resources.
	Close() error
}
