package cache

// KeyedCache is a concurrency safe key value cache. All reads and writes are
// funneled through one serial queue, the only place the underlying Store is
// touched. Callers never lock anything themselves.
//
// Writes are fire-and-forget: Put and Remove return before the write is
// applied. Writes are applied in the order they were submitted, so the last
// submitted Put for a key wins. Get waits for its turn on the queue and
// therefore sees every write submitted before it by the same goroutine.
// Across goroutines there is no such guarantee: a Get may or may not observe
// a Put another goroutine submitted concurrently. Use Flush, or synchronize
// with the writer, when a write must be visible before reading.
type KeyedCache[K comparable, V any] struct {
	Options *KeyedCacheOptions[K, V]
	queue   serialQueue
	store   Store[K, V]
}

// Options passed to NewKeyedCache
//
// Store: Backing store. Set to nil for an unbounded map without expiration
type KeyedCacheOptions[K comparable, V any] struct {
	Store Store[K, V]
}

func (o *KeyedCacheOptions[K, V]) GetStore() Store[K, V] {
	if o == nil || o.Store == nil {
		return NewMapStore[K, V]()
	}
	return o.Store
}

func NewKeyedCache[K comparable, V any](options *KeyedCacheOptions[K, V]) *KeyedCache[K, V] {
	if options == nil {
		options = &KeyedCacheOptions[K, V]{}
	}
	return &KeyedCache[K, V]{
		Options: options,
		store:   options.GetStore(),
	}
}

// Put stores value at key without waiting for the write to land.
func (c *KeyedCache[K, V]) Put(key K, value V) {
	c.queue.async(func() {
		c.store.Set(key, value)
	})
}

// Get returns the value stored at key. The second return value is false if
// no write for key has been applied yet.
func (c *KeyedCache[K, V]) Get(key K) (V, bool) {
	var value V
	var ok bool
	c.queue.sync(func() {
		value, ok = c.store.Get(key)
	})
	return value, ok
}

// putIf stores value at key if ok reports true when evaluated on the queue.
// ok must not call into the cache.
func (c *KeyedCache[K, V]) putIf(key K, value V, ok func() bool) {
	c.queue.async(func() {
		if ok() {
			c.store.Set(key, value)
		}
	})
}

// Remove deletes key without waiting for the removal to land. It is ordered
// with Put like any other write.
func (c *KeyedCache[K, V]) Remove(key K) {
	c.queue.async(func() {
		c.store.Remove(key)
	})
}

// RemoveFunc deletes every key for which match returns true. match runs on
// the cache's queue and must not call into the cache.
func (c *KeyedCache[K, V]) RemoveFunc(match func(K) bool) {
	c.queue.async(func() {
		var keys []K
		c.store.Range(func(key K, _ V) bool {
			if match(key) {
				keys = append(keys, key)
			}
			return true
		})
		for _, key := range keys {
			c.store.Remove(key)
		}
	})
}

// Flush blocks until every write submitted before the call has been applied.
func (c *KeyedCache[K, V]) Flush() {
	c.queue.sync(func() {})
}

func (c *KeyedCache[K, V]) Len() int {
	var n int
	c.queue.sync(func() {
		n = c.store.Len()
	})
	return n
}

// Range calls fn for each entry of a snapshot taken on the queue. fn runs
// outside the queue and may call back into the cache.
func (c *KeyedCache[K, V]) Range(fn func(K, V) bool) {
	var entries []CacheEntry[K, V]
	c.queue.sync(func() {
		entries = make([]CacheEntry[K, V], 0, c.store.Len())
		c.store.Range(func(key K, value V) bool {
			entries = append(entries, CacheEntry[K, V]{Key: key, Value: &value})
			return true
		})
	})
	for _, entry := range entries {
		if !fn(entry.Key, *entry.Value) {
			return
		}
	}
}
