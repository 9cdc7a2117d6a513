package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SynchronizedCache keeps a local KeyedCache in front of a shared
// StorageBackend. Changes other instances make to the backend reach the local
// cache through the backend's callbacks.
type SynchronizedCache[K comparable, V any] struct {
	Options *SynchronizedCacheOptions[K, V]
	local   *KeyedCache[K, V]
	backend StorageBackend[K, V]

	// bumped before every local write that reflects a change, so a backend
	// read can tell that it raced with one
	changes atomic.Uint64

	// events that arrive while the preload snapshot is applied are held back
	// and replayed on top of it
	preloadMu  sync.Mutex
	preloading bool
	deferred   []CacheEvent[K, V]
}

// Options passed to NewSynchronizedCache
//
// LocalTTL: Time to live for local entries. Set to 0 to disable expiration
// LocalSize: Maximum number of local entries. Set to 0 for unlimited size
// CacheKey: Used to match local keys against RemovePrefix prefixes
// StorageBackend: The shared tier
// Preload: Copy every backend entry into the local cache on start
type SynchronizedCacheOptions[K comparable, V any] struct {
	LocalTTL       time.Duration
	LocalSize      int
	CacheKey       CacheKey[K]
	StorageBackend StorageBackend[K, V]
	Preload        bool
}

func (o *SynchronizedCacheOptions[K, V]) GetTTL() time.Duration {
	return o.LocalTTL
}

func (o *SynchronizedCacheOptions[K, V]) GetSize() int {
	return o.LocalSize
}

func (o *SynchronizedCacheOptions[K, V]) GetLocalStore() Store[K, V] {
	if o.GetTTL() > 0 || o.GetSize() > 0 {
		return NewLRUStore[K, V](&LRUStoreOptions{
			TTL:  o.GetTTL(),
			Size: o.GetSize(),
		})
	}
	return NewMapStore[K, V]()
}

func NewSynchronizedCache[K comparable, V any](options *SynchronizedCacheOptions[K, V]) (*SynchronizedCache[K, V], error) {
	if options == nil {
		return nil, errors.New("SynchronizedCacheOptions must be provided")
	}
	if options.StorageBackend == nil {
		return nil, errors.New("StorageBackend must be provided")
	}
	if options.CacheKey == nil {
		return nil, errors.New("CacheKey must be provided")
	}

	c := &SynchronizedCache[K, V]{
		Options: options,
		local: NewKeyedCache[K, V](&KeyedCacheOptions[K, V]{
			Store: options.GetLocalStore(),
		}),
		backend: options.StorageBackend,
	}

	c.preloading = options.Preload
	c.backend.AddCallback(c.apply)

	if options.Preload {
		entries, err := c.backend.Load(context.Background())
		if err != nil {
			return nil, fmt.Errorf("preloading local cache: %w", err)
		}
		for _, entry := range entries {
			if entry.Value != nil {
				c.local.Put(entry.Key, *entry.Value)
			}
		}

		c.preloadMu.Lock()
		for _, event := range c.deferred {
			c.applyEvent(event)
		}
		c.deferred = nil
		c.preloading = false
		c.preloadMu.Unlock()

		c.local.Flush()
	}

	return c, nil
}

func (c *SynchronizedCache[K, V]) apply(event CacheEvent[K, V]) {
	c.preloadMu.Lock()
	if c.preloading {
		c.deferred = append(c.deferred, event)
		c.preloadMu.Unlock()
		return
	}
	c.preloadMu.Unlock()

	c.applyEvent(event)
}

func (c *SynchronizedCache[K, V]) applyEvent(event CacheEvent[K, V]) {
	c.changes.Add(1)
	switch event.Type {
	case CacheEventSet:
		if event.Entry != nil && event.Entry.Value != nil {
			c.local.Put(event.Entry.Key, *event.Entry.Value)
		}
	case CacheEventRemove:
		if event.Entry != nil {
			c.local.Remove(event.Entry.Key)
		}
	case CacheEventRemovePrefix:
		c.removeLocalPrefix(event.KeyPrefix)
	}
}

func (c *SynchronizedCache[K, V]) removeLocalPrefix(keyPrefix string) {
	c.local.RemoveFunc(func(key K) bool {
		return strings.HasPrefix(c.Options.CacheKey.Marshal(key), keyPrefix)
	})
}

// Local returns the local tier.
func (c *SynchronizedCache[K, V]) Local() *KeyedCache[K, V] {
	return c.local
}

// Get looks at the local cache first and falls back to the backend. Backend
// hits are copied into the local cache unless a Set, Remove or remote event
// reached the local cache while the backend was read. In that case the value
// is still returned but not cached, since it may already be stale.
func (c *SynchronizedCache[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	seen := c.changes.Load()
	if value, ok := c.local.Get(key); ok {
		return value, true, nil
	}

	value, ok, err := c.backend.Get(ctx, key)
	if err != nil || !ok {
		return value, false, err
	}

	// checked on the queue: a change counted after this runs queues its local
	// write behind the Put
	c.local.putIf(key, value, func() bool {
		return c.changes.Load() == seen
	})
	return value, true, nil
}

func (c *SynchronizedCache[K, V]) Set(ctx context.Context, key K, value V) error {
	c.changes.Add(1)
	c.local.Put(key, value)
	return c.backend.Set(ctx, key, value)
}

func (c *SynchronizedCache[K, V]) Remove(ctx context.Context, key K) error {
	c.changes.Add(1)
	c.local.Remove(key)
	return c.backend.Remove(ctx, key)
}

func (c *SynchronizedCache[K, V]) RemovePrefix(ctx context.Context, keyPrefix string) error {
	c.changes.Add(1)
	c.removeLocalPrefix(keyPrefix)
	return c.backend.RemovePrefix(ctx, keyPrefix)
}

func (c *SynchronizedCache[K, V]) Close() error {
	return c.backend.Close()
}
