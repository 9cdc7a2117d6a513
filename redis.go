package cache

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mxcd/keyed-cache"

var ErrPubSubChannelNameRequired = errors.New("PubSubChannelName is required when PubSub is enabled")

type RedisStorageBackend[K comparable, V any] struct {
	Options      *RedisStorageBackendOptions[K]
	Client       *redis.Client
	tracer       trace.Tracer
	callbacks    []func(CacheEvent[K, V])
	callbacksMu  sync.RWMutex
	cancelPubSub context.CancelFunc
	pubSubWg     sync.WaitGroup
}

func (b *RedisStorageBackend[K, V]) GetStringKey(key K) string {
	if b.Options.KeyPrefix == "" {
		return b.Options.CacheKey.Marshal(key)
	} else {
		return b.Options.KeyPrefix + ":" + b.Options.CacheKey.Marshal(key)
	}
}

func (b *RedisStorageBackend[K, V]) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("cache.key_prefix", b.Options.KeyPrefix))
	return b.tracer.Start(ctx, "keyed-cache."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (b *RedisStorageBackend[K, V]) Get(ctx context.Context, key K) (value V, ok bool, err error) {
	stringKey := b.GetStringKey(key)
	ctx, span := b.startSpan(ctx, "get", attribute.String("cache.key", stringKey))
	defer func() { endSpan(span, err) }()

	data, err := b.Client.Get(ctx, stringKey).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return value, false, nil
	}
	if err != nil {
		return value, false, err
	}

	err = msgpack.Unmarshal(data, &value)
	if err != nil {
		return value, false, err
	}

	span.SetAttributes(attribute.Bool("cache.hit", true))
	return value, true, nil
}

func (b *RedisStorageBackend[K, V]) Ttl(ctx context.Context, key K) (time.Duration, error) {
	return b.Client.TTL(ctx, b.GetStringKey(key)).Result()
}

func (b *RedisStorageBackend[K, V]) Set(ctx context.Context, key K, value V) (err error) {
	stringKey := b.GetStringKey(key)
	ctx, span := b.startSpan(ctx, "set", attribute.String("cache.key", stringKey))
	defer func() { endSpan(span, err) }()

	data, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}

	err = b.Client.Set(ctx, stringKey, data, b.Options.TTL).Err()
	if err != nil {
		return err
	}

	if b.Options.PubSub {
		err = b.PublishEvent(ctx, &CacheEvent[K, V]{
			Entry: &CacheEntry[K, V]{
				Key:   key,
				Value: &value,
			},
			Type: CacheEventSet,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (b *RedisStorageBackend[K, V]) Remove(ctx context.Context, key K) (err error) {
	stringKey := b.GetStringKey(key)
	ctx, span := b.startSpan(ctx, "remove", attribute.String("cache.key", stringKey))
	defer func() { endSpan(span, err) }()

	err = b.Client.Del(ctx, stringKey).Err()
	if err != nil {
		return err
	}

	if b.Options.PubSub {
		err = b.PublishEvent(ctx, &CacheEvent[K, V]{
			Entry: &CacheEntry[K, V]{
				Key: key,
			},
			Type: CacheEventRemove,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (b *RedisStorageBackend[K, V]) RemovePrefix(ctx context.Context, keyPrefix string) (err error) {
	ctx, span := b.startSpan(ctx, "remove_prefix", attribute.String("cache.prefix", keyPrefix))
	defer func() { endSpan(span, err) }()

	keys, err := b.fetchKeysWithPrefix(ctx, keyPrefix)
	if err != nil {
		return err
	}

	var errs []error
	for i := 0; i < len(keys); i += 1000 {
		end := min(i+1000, len(keys))

		batchKeys := make([]string, end-i)
		for j, key := range keys[i:end] {
			batchKeys[j] = b.GetStringKey(key)
		}

		if err := b.Client.Del(ctx, batchKeys...).Err(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	if b.Options.PubSub {
		err = b.PublishEvent(ctx, &CacheEvent[K, V]{
			Type:      CacheEventRemovePrefix,
			KeyPrefix: keyPrefix,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (b *RedisStorageBackend[K, V]) Contains(ctx context.Context, key K) (bool, error) {
	n, err := b.Client.Exists(ctx, b.GetStringKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *RedisStorageBackend[K, V]) Load(ctx context.Context) (entries []CacheEntry[K, V], err error) {
	ctx, span := b.startSpan(ctx, "load")
	defer func() { endSpan(span, err) }()

	data, err := b.fetchEntriesWithPrefix(ctx, "", b.Options.GetLoadBatchSize())
	if err != nil {
		return nil, err
	}

	for key, value := range data {
		entries = append(entries, CacheEntry[K, V]{
			Key:   key,
			Value: &value,
		})
	}

	span.SetAttributes(attribute.Int("cache.entries", len(entries)))
	return entries, nil
}

func (b *RedisStorageBackend[K, V]) AddCallback(callback func(CacheEvent[K, V])) {
	b.callbacksMu.Lock()
	defer b.callbacksMu.Unlock()
	b.callbacks = append(b.callbacks, callback)
}

func (b *RedisStorageBackend[K, V]) PublishEvent(ctx context.Context, event *CacheEvent[K, V]) error {
	data, err := msgpack.Marshal(event)
	if err != nil {
		return err
	}

	return b.Client.Publish(ctx, b.Options.PubSubChannelName, data).Err()
}

func (b *RedisStorageBackend[K, V]) dispatch(event CacheEvent[K, V]) {
	b.callbacksMu.RLock()
	defer b.callbacksMu.RUnlock()
	for _, callback := range b.callbacks {
		callback(event)
	}
}

// Options passed to NewRedisStorageBackend
//
// TTL: Expiration set on every write. Set to 0 to keep keys forever
// KeyPrefix: Prepended to every key as "<prefix>:"
// PubSub: Publish every change on PubSubChannelName and deliver changes made
// by other instances to the registered callbacks
// ScanCount: COUNT hint for SCAN. Set to 0 for the server default
// LoadBatchSize: Keys fetched per goroutine by Load. Defaults to 100
type RedisStorageBackendOptions[K comparable] struct {
	RedisOptions      *redis.Options
	TTL               time.Duration
	CacheKey          CacheKey[K]
	KeyPrefix         string
	PubSub            bool
	PubSubChannelName string
	ScanCount         int64
	LoadBatchSize     int
}

func (o *RedisStorageBackendOptions[K]) GetScanCount() int64 {
	if o.ScanCount <= 0 {
		return 0
	}
	return o.ScanCount
}

func (o *RedisStorageBackendOptions[K]) GetLoadBatchSize() int {
	if o.LoadBatchSize <= 0 {
		return 100
	}
	return o.LoadBatchSize
}

func NewRedisStorageBackend[K comparable, V any](options *RedisStorageBackendOptions[K]) (*RedisStorageBackend[K, V], error) {
	if options == nil || options.RedisOptions == nil {
		return nil, errors.New("RedisOptions must be provided")
	}

	if options.CacheKey == nil {
		return nil, errors.New("CacheKey must be provided")
	}

	if options.PubSub && options.PubSubChannelName == "" {
		return nil, ErrPubSubChannelNameRequired
	}

	client := redis.NewClient(options.RedisOptions)

	if err := redisotel.InstrumentTracing(client); err != nil {
		client.Close()
		return nil, err
	}

	if err := redisotel.InstrumentMetrics(client); err != nil {
		client.Close()
		return nil, err
	}

	b := &RedisStorageBackend[K, V]{
		Options: options,
		Client:  client,
		tracer:  otel.Tracer(tracerName),
	}

	if b.Options.PubSub {
		ctx, cancel := context.WithCancel(context.Background())
		b.cancelPubSub = cancel

		// subscribe before returning so that no event published after the
		// constructor is missed
		pubsub := b.Client.Subscribe(ctx, b.Options.PubSubChannelName)
		if _, err := pubsub.Receive(ctx); err != nil {
			cancel()
			pubsub.Close()
			client.Close()
			return nil, err
		}

		b.pubSubWg.Add(1)
		go b.subscribe(ctx, pubsub)
	}

	return b, nil
}

func (b *RedisStorageBackend[K, V]) subscribe(ctx context.Context, pubsub *redis.PubSub) {
	defer b.pubSubWg.Done()
	backoff := 100 * time.Millisecond
	maxBackoff := 10 * time.Second

	for {
		if ctx.Err() != nil {
			pubsub.Close()
			return
		}

		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					pubsub.Close()
					return
				}
				log.Printf("keyed-cache: pubsub error, reconnecting: %s", err)
				break
			}

			backoff = 100 * time.Millisecond

			var event CacheEvent[K, V]
			err = msgpack.Unmarshal([]byte(msg.Payload), &event)
			if err != nil {
				log.Printf("keyed-cache: error unmarshalling cache event message: %s", err)
				continue
			}

			b.dispatch(event)
		}
		pubsub.Close()

		select {
		case <-time.After(backoff):
			if backoff < maxBackoff {
				backoff *= 2
			}
		case <-ctx.Done():
			return
		}

		pubsub = b.Client.Subscribe(ctx, b.Options.PubSubChannelName)
	}
}

func (b *RedisStorageBackend[K, V]) Close() error {
	if b.cancelPubSub != nil {
		b.cancelPubSub()
	}
	// Close client to unblock any TCP reads in the PubSub goroutine,
	// then wait for the goroutine to finish.
	err := b.Client.Close()
	b.pubSubWg.Wait()
	return err
}
