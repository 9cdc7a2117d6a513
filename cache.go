package cache

type CacheEntry[K comparable, V any] struct {
	Key   K
	Value *V
}

type CacheEventType int

const (
	CacheEventSet CacheEventType = iota
	CacheEventRemove
	CacheEventRemovePrefix
)

// CacheEvent describes a change made to a storage backend. Entry is nil for
// CacheEventRemovePrefix, KeyPrefix is only set for it.
type CacheEvent[K comparable, V any] struct {
	Entry     *CacheEntry[K, V]
	Type      CacheEventType
	KeyPrefix string
}

// Cache is the surface the fetch pipeline and the presentation layer use.
type Cache[K comparable, V any] interface {
	Get(K) (V, bool)
	Put(K, V)
}

var _ Cache[string, []byte] = (*KeyedCache[string, []byte])(nil)
