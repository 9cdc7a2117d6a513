package cache

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

func (b *RedisStorageBackend[K, V]) fetchValues(ctx context.Context, keys []string, resultsChan chan<- map[string]V, wg *sync.WaitGroup) {
	defer wg.Done()
	keyValues := make(map[string]V)

	values, err := b.Client.MGet(ctx, keys...).Result()
	if err != nil {
		log.Printf("keyed-cache: error fetching %d values: %s", len(keys), err)
		resultsChan <- keyValues
		return
	}

	for i, raw := range values {
		// MGET reports keys that vanished since the scan as nil
		data, ok := raw.(string)
		if !ok {
			continue
		}

		var unmarshalledValue V
		err = msgpack.Unmarshal([]byte(data), &unmarshalledValue)
		if err != nil {
			log.Printf("keyed-cache: error unmarshalling value for key %s: %s", keys[i], err)
			continue
		}
		keyValues[keys[i]] = unmarshalledValue
	}
	resultsChan <- keyValues
}

func (b *RedisStorageBackend[K, V]) scanPattern(prefix string) string {
	if b.Options.KeyPrefix == "" {
		return prefix + "*"
	}
	return fmt.Sprintf("%s:%s*", b.Options.KeyPrefix, prefix)
}

func (b *RedisStorageBackend[K, V]) trimKeyPrefix(key string) string {
	if b.Options.KeyPrefix == "" {
		return key
	}
	return strings.TrimPrefix(key, b.Options.KeyPrefix+":")
}

func (b *RedisStorageBackend[K, V]) fetchEntriesWithPrefix(ctx context.Context, prefix string, batchSize int) (map[K]V, error) {
	var cursor uint64
	var err error
	resultsChan := make(chan map[string]V)
	var wg sync.WaitGroup

	keyPattern := b.scanPattern(prefix)

	var scanErr error
	for {
		var scanKeys []string
		scanKeys, cursor, err = b.Client.Scan(ctx, cursor, keyPattern, b.Options.GetScanCount()).Result()
		if err != nil {
			scanErr = err
			break
		}

		// Process the keys in batches.
		for i := 0; i < len(scanKeys); i += batchSize {
			end := min(i+batchSize, len(scanKeys))
			wg.Add(1)
			go b.fetchValues(ctx, scanKeys[i:end], resultsChan, &wg)
		}

		if cursor == 0 {
			break
		}
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	entries := make(map[K]V)
	for keyMap := range resultsChan {
		for key, value := range keyMap {
			unmarshalledKey, err := b.Options.CacheKey.Unmarshal(b.trimKeyPrefix(key))
			if err != nil {
				log.Printf("keyed-cache: error unmarshalling key %v: %s", key, err)
				continue
			}

			entries[unmarshalledKey] = value
		}
	}

	if scanErr != nil {
		return nil, scanErr
	}
	return entries, nil
}

func (b *RedisStorageBackend[K, V]) fetchKeysWithPrefix(ctx context.Context, prefix string) ([]K, error) {
	var cursor uint64
	var err error

	keyPattern := b.scanPattern(prefix)

	var stringKeys []string

	for {
		var scanKeys []string
		scanKeys, cursor, err = b.Client.Scan(ctx, cursor, keyPattern, b.Options.GetScanCount()).Result()
		if err != nil {
			return nil, err
		}

		stringKeys = append(stringKeys, scanKeys...)

		if cursor == 0 {
			break
		}
	}

	keys := []K{}

	for _, key := range stringKeys {
		unmarshalledKey, err := b.Options.CacheKey.Unmarshal(b.trimKeyPrefix(key))
		if err != nil {
			log.Printf("keyed-cache: error unmarshalling key %v: %s", key, err)
			continue
		}

		keys = append(keys, unmarshalledKey)
	}

	return keys, nil
}
