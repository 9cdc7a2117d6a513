package photos

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/maphash"
	"log"
	"sync"

	cache "github.com/mxcd/keyed-cache"
	"github.com/puzpuzpuz/xsync/v2"
)

var ErrFetcherRequired = errors.New("Fetcher must be provided")

// ErrFetchAborted is returned to callers that waited on a fetch which ended
// in a panic.
var ErrFetchAborted = errors.New("fetch aborted")

type fetchCall struct {
	done   chan struct{}
	cancel context.CancelFunc
	data   []byte
	err    error
}

// Loader serves photo bytes from a cache and fetches the ones it does not
// have. Concurrent loads of the same photo share one fetch.
type Loader struct {
	Options  *LoaderOptions
	cache    cache.Cache[int, []byte]
	fetcher  Fetcher
	inflight *xsync.MapOf[int, *fetchCall]
}

// Options passed to NewLoader
//
// Cache: Where fetched images are kept. Set to nil for a new unbounded KeyedCache
// Fetcher: Downloads images that are not cached. Required
// Workers: Parallel fetches run by Prefetch. Defaults to 4
type LoaderOptions struct {
	Cache   cache.Cache[int, []byte]
	Fetcher Fetcher
	Workers int
}

func (o *LoaderOptions) GetCache() cache.Cache[int, []byte] {
	if o.Cache == nil {
		return cache.NewKeyedCache[int, []byte](nil)
	}
	return o.Cache
}

func (o *LoaderOptions) GetWorkers() int {
	if o.Workers <= 0 {
		return 4
	}
	return o.Workers
}

func photoIDHasher(seed maphash.Seed, id int) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	var h maphash.Hash
	h.SetSeed(seed)
	h.Write(buf[:])
	return h.Sum64()
}

func NewLoader(options *LoaderOptions) (*Loader, error) {
	if options == nil || options.Fetcher == nil {
		return nil, ErrFetcherRequired
	}
	return &Loader{
		Options:  options,
		cache:    options.GetCache(),
		fetcher:  options.Fetcher,
		inflight: xsync.NewTypedMapOf[int, *fetchCall](photoIDHasher),
	}, nil
}

// Cached returns the image bytes of a photo if they are in the cache.
func (l *Loader) Cached(id int) ([]byte, bool) {
	return l.cache.Get(id)
}

// Load returns the image bytes of ref, fetching them if they are not cached.
// The fetch runs with the context of the first caller; later callers for the
// same photo wait for it or for their own context, whichever ends first.
func (l *Loader) Load(ctx context.Context, ref PhotoReference) ([]byte, error) {
	if data, ok := l.cache.Get(ref.ID); ok {
		return data, nil
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	call := &fetchCall{done: make(chan struct{}), cancel: cancel}
	actual, loaded := l.inflight.LoadOrStore(ref.ID, call)
	if loaded {
		select {
		case <-actual.done:
			return actual.data, actual.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	finished := false
	defer func() {
		if !finished {
			call.data = nil
			call.err = fmt.Errorf("fetching photo %d: %w", ref.ID, ErrFetchAborted)
		}
		// the Put is queued before the call leaves the registry, so a caller
		// that no longer finds the call finds the bytes in the cache instead
		l.inflight.Delete(ref.ID)
		close(call.done)
	}()

	// another fetch may have finished between the cache check and LoadOrStore
	if data, ok := l.cache.Get(ref.ID); ok {
		call.data = data
	} else {
		call.data, call.err = l.fetch(fetchCtx, ref)
	}
	finished = true

	return call.data, call.err
}

func (l *Loader) fetch(ctx context.Context, ref PhotoReference) ([]byte, error) {
	data, err := l.fetcher.FetchPhoto(ctx, ref)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("keyed-cache: error fetching photo %d on sol %d: %s", ref.ID, ref.Sol, err)
		}
		return nil, fmt.Errorf("fetching photo %d: %w", ref.ID, err)
	}
	l.cache.Put(ref.ID, data)
	return data, nil
}

// Cancel stops the in-flight fetch of a photo. It reports whether there was
// one.
func (l *Loader) Cancel(id int) bool {
	call, ok := l.inflight.Load(id)
	if !ok {
		return false
	}
	call.cancel()
	return true
}

// InFlight returns the number of fetches currently running.
func (l *Loader) InFlight() int {
	return l.inflight.Size()
}

// Prefetch loads every reference that is not cached yet, running up to
// Workers fetches at a time. Failed fetches do not stop the others; their
// errors are joined.
func (l *Loader) Prefetch(ctx context.Context, refs []PhotoReference) error {
	sem := make(chan struct{}, l.Options.GetWorkers())
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	addErr := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

loop:
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			addErr(err)
			break
		}
		if _, ok := l.cache.Get(ref.ID); ok {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			addErr(ctx.Err())
			break loop
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := l.Load(ctx, ref); err != nil {
				addErr(err)
			}
		}()
	}

	wg.Wait()
	return errors.Join(errs...)
}
