package cache

import (
	"context"
	"strconv"
)

// CacheKey converts keys to and from the string form used by external
// storage backends.
type CacheKey[K comparable] interface {
	Marshal(K) string
	Unmarshal(string) (K, error)
}

type StringCacheKey struct {
}

func (k *StringCacheKey) Marshal(key string) string {
	return key
}

func (k *StringCacheKey) Unmarshal(data string) (string, error) {
	return data, nil
}

type IntCacheKey struct {
}

func (k *IntCacheKey) Marshal(key int) string {
	return strconv.Itoa(key)
}

func (k *IntCacheKey) Unmarshal(data string) (int, error) {
	return strconv.Atoi(data)
}

// StorageBackend is a shared tier behind a local KeyedCache. A missing key is
// reported as (zero, false, nil) by Get.
type StorageBackend[K comparable, V any] interface {
	Get(context.Context, K) (V, bool, error)
	Set(context.Context, K, V) error
	Remove(context.Context, K) error
	RemovePrefix(context.Context, string) error
	Contains(context.Context, K) (bool, error)
	Load(context.Context) ([]CacheEntry[K, V], error)
	AddCallback(func(CacheEvent[K, V]))
	Close() error
}

var _ StorageBackend[string, []byte] = (*RedisStorageBackend[string, []byte])(nil)
