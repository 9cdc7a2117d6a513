package cache

import (
	"sync"
)

// serialQueue runs submitted functions one at a time in submission order.
// A drain goroutine is started when work arrives on an idle queue and exits
// once the queue is empty again, so an unused queue holds no goroutine.
//
// Functions run on the queue must not submit to the same queue with sync,
// that deadlocks.
type serialQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

func (q *serialQueue) async(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	if !q.running {
		q.running = true
		go q.drain()
	}
	q.mu.Unlock()
}

func (q *serialQueue) sync(fn func()) {
	done := make(chan struct{})
	q.async(func() {
		defer close(done)
		fn()
	})
	<-done
}

func (q *serialQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.pending = nil
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		fn()
	}
}
