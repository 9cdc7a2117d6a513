package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedCacheEmpty(t *testing.T) {
	cache := NewKeyedCache[int, string](nil)

	value, ok := cache.Get(42)
	assert.False(t, ok)
	assert.Equal(t, "", value)
	assert.Equal(t, 0, cache.Len())
}

func TestKeyedCachePutGet(t *testing.T) {
	cache := NewKeyedCache[string, string](&KeyedCacheOptions[string, string]{})

	cache.Put("foo", "bar")
	cache.Flush()

	value, ok := cache.Get("foo")
	assert.True(t, ok)
	assert.Equal(t, "bar", value)

	_, ok = cache.Get("fizz")
	assert.False(t, ok)
}

func TestKeyedCacheLastWriterWins(t *testing.T) {
	cache := NewKeyedCache[int, string](nil)

	cache.Put(1, "A")
	cache.Put(1, "B")
	cache.Flush()

	value, ok := cache.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "B", value)
	assert.Equal(t, 1, cache.Len())
}

func TestKeyedCacheReadOwnWrite(t *testing.T) {
	cache := NewKeyedCache[int, int](nil)

	for i := 0; i < 1000; i++ {
		cache.Put(i%10, i)
		value, ok := cache.Get(i % 10)
		assert.True(t, ok)
		assert.Equal(t, i, value)
	}
}

func TestKeyedCacheBytes(t *testing.T) {
	cache := NewKeyedCache[int, []byte](nil)

	cache.Put(7, []byte{0x89, 0x50, 0x4e, 0x47})
	value, ok := cache.Get(7)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, value)
}

func TestKeyedCacheConcurrentPut(t *testing.T) {
	cache := NewKeyedCache[int, int](nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.Put(i, i)
		}()
	}
	wg.Wait()
	cache.Flush()

	for i := 0; i < 100; i++ {
		value, ok := cache.Get(i)
		assert.True(t, ok, "expected key %d to be present", i)
		assert.Equal(t, i, value)
	}
	assert.Equal(t, 100, cache.Len())
}

func TestKeyedCacheManyWriters(t *testing.T) {
	cache := NewKeyedCache[int, int](nil)

	const writers = 32
	const perWriter = 250

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				cache.Put(w*perWriter+i, w)
			}
		}()
	}
	wg.Wait()
	cache.Flush()

	assert.Equal(t, writers*perWriter, cache.Len())
	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			value, ok := cache.Get(w*perWriter + i)
			assert.True(t, ok)
			assert.Equal(t, w, value)
		}
	}
}

type pair struct {
	A int
	B int
}

// run with -race
func TestKeyedCacheNoTornReads(t *testing.T) {
	cache := NewKeyedCache[string, pair](nil)
	cache.Put("key", pair{A: 0, B: 0})

	const writes = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= writes; i++ {
			cache.Put("key", pair{A: i, B: i})
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for i := 0; i < writes; i++ {
				value, ok := cache.Get("key")
				if !assert.True(t, ok) {
					return
				}
				assert.Equal(t, value.A, value.B)
				// writes land in submission order, so a reader never goes back
				assert.GreaterOrEqual(t, value.A, last)
				last = value.A
			}
		}()
	}
	wg.Wait()
	cache.Flush()

	value, ok := cache.Get("key")
	assert.True(t, ok)
	assert.Equal(t, pair{A: writes, B: writes}, value)
}

func TestKeyedCacheRemove(t *testing.T) {
	cache := NewKeyedCache[string, string](nil)

	cache.Put("foo", "bar")
	cache.Put("fizz", "buzz")
	cache.Remove("foo")
	cache.Flush()

	_, ok := cache.Get("foo")
	assert.False(t, ok)
	value, ok := cache.Get("fizz")
	assert.True(t, ok)
	assert.Equal(t, "buzz", value)

	// a put submitted after the remove wins
	cache.Remove("fizz")
	cache.Put("fizz", "again")
	value, ok = cache.Get("fizz")
	assert.True(t, ok)
	assert.Equal(t, "again", value)
}

func TestKeyedCacheRemoveFunc(t *testing.T) {
	cache := NewKeyedCache[int, string](nil)
	for i := 0; i < 10; i++ {
		cache.Put(i, "v")
	}

	cache.RemoveFunc(func(key int) bool {
		return key%2 == 0
	})

	assert.Equal(t, 5, cache.Len())
	for i := 0; i < 10; i++ {
		_, ok := cache.Get(i)
		assert.Equal(t, i%2 == 1, ok)
	}
}

func TestKeyedCacheRange(t *testing.T) {
	cache := NewKeyedCache[string, int](nil)
	cache.Put("one", 1)
	cache.Put("two", 2)
	cache.Put("three", 3)

	seen := map[string]int{}
	cache.Range(func(key string, value int) bool {
		seen[key] = value
		// the callback runs outside the queue
		cache.Put(key+"-copy", value)
		return true
	})
	assert.Equal(t, map[string]int{"one": 1, "two": 2, "three": 3}, seen)
	assert.Equal(t, 6, cache.Len())

	count := 0
	cache.Range(func(string, int) bool {
		count++
		return count < 2
	})
	assert.Equal(t, 2, count)
}

func TestKeyedCacheLRUStore(t *testing.T) {
	cache := NewKeyedCache[int, int](&KeyedCacheOptions[int, int]{
		Store: NewLRUStore[int, int](&LRUStoreOptions{Size: 2}),
	})

	cache.Put(1, 1)
	cache.Put(2, 2)
	cache.Put(3, 3)

	_, ok := cache.Get(1)
	assert.False(t, ok)
	value, ok := cache.Get(3)
	assert.True(t, ok)
	assert.Equal(t, 3, value)
	assert.Equal(t, 2, cache.Len())
}
