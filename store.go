package cache

// Store is the mapping a KeyedCache serializes access to. Implementations are
// only ever called from the cache's serial queue and need no locking of their
// own. They must not call back into the cache.
type Store[K comparable, V any] interface {
	Get(K) (V, bool)
	Set(K, V)
	Remove(K) bool
	Len() int
	Range(func(K, V) bool)
}

// MapStore is an unbounded Store backed by a Go map. Entries never expire.
type MapStore[K comparable, V any] struct {
	items map[K]V
}

func NewMapStore[K comparable, V any]() *MapStore[K, V] {
	return &MapStore[K, V]{
		items: make(map[K]V),
	}
}

func (s *MapStore[K, V]) Get(key K) (V, bool) {
	value, ok := s.items[key]
	return value, ok
}

func (s *MapStore[K, V]) Set(key K, value V) {
	s.items[key] = value
}

func (s *MapStore[K, V]) Remove(key K) bool {
	_, ok := s.items[key]
	delete(s.items, key)
	return ok
}

func (s *MapStore[K, V]) Len() int {
	return len(s.items)
}

func (s *MapStore[K, V]) Range(fn func(K, V) bool) {
	for key, value := range s.items {
		if !fn(key, value) {
			return
		}
	}
}
