package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is a TTL-capable key/value store.
// Implementations must be safe for concurrent use and Set must be an atomic put.
type Store interface {
	// Get returns the value stored under key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key for ttl. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// DeletePrefix removes every key starting with prefix and returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Close() error
}

// Namespaced prefixes every key with a fixed namespace.
type Namespaced struct {
	store  Store
	prefix string
}

// Namespace returns a view of store whose keys live under "ns:".
func Namespace(store Store, ns string) *Namespaced {
	return &Namespaced{store: store, prefix: ns + ":"}
}

// Get implements Store
func (n *Namespaced) Get(ctx context.Context, key string) ([]byte, error) {
	return n.store.Get(ctx, n.prefix+key)
}

// Set implements Store
func (n *Namespaced) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.store.Set(ctx, n.prefix+key, value, ttl)
}

// DeletePrefix implements Store
func (n *Namespaced) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return n.store.DeletePrefix(ctx, n.prefix+prefix)
}

// Close is a no-op; the underlying store is owned by whoever created it.
func (n *Namespaced) Close() error {
	return nil
}
