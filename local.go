package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRUStore is a bounded Store. When full it drops the least recently used
// entry, and entries older than the TTL disappear.
type LRUStore[K comparable, V any] struct {
	Options *LRUStoreOptions
	Cache   *expirable.LRU[K, V]
}

// Options passed to NewLRUStore
//
// TTL: Time to live for each entry in the store. Set to 0 to disable expiration
// Size: Maximum number of entries in the store. Set to 0 for unlimited size
type LRUStoreOptions struct {
	TTL  time.Duration
	Size int
}

func (o *LRUStoreOptions) GetTTL() time.Duration {
	if o.TTL < 0 {
		return 0
	}
	return o.TTL
}

func (o *LRUStoreOptions) GetSize() int {
	if o.Size < 0 {
		return 0
	}
	return o.Size
}

func NewLRUStore[K comparable, V any](options *LRUStoreOptions) *LRUStore[K, V] {
	if options == nil {
		options = &LRUStoreOptions{}
	}
	return &LRUStore[K, V]{
		Options: options,
		Cache:   expirable.NewLRU[K, V](options.GetSize(), nil, options.GetTTL()),
	}
}

func (s *LRUStore[K, V]) Get(key K) (V, bool) {
	return s.Cache.Get(key)
}

func (s *LRUStore[K, V]) Set(key K, value V) {
	s.Cache.Add(key, value)
}

func (s *LRUStore[K, V]) Remove(key K) bool {
	return s.Cache.Remove(key)
}

func (s *LRUStore[K, V]) Len() int {
	return s.Cache.Len()
}

// Range walks the entries from oldest to newest without touching recency.
func (s *LRUStore[K, V]) Range(fn func(K, V) bool) {
	for _, key := range s.Cache.Keys() {
		value, ok := s.Cache.Peek(key)
		if !ok {
			continue
		}
		if !fn(key, value) {
			return
		}
	}
}
