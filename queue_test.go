package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSerialQueueOrder(t *testing.T) {
	var q serialQueue
	var got []int

	for i := 0; i < 500; i++ {
		q.async(func() {
			got = append(got, i)
		})
	}

	var n int
	q.sync(func() {
		n = len(got)
	})
	assert.Equal(t, 500, n)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSerialQueueExclusive(t *testing.T) {
	var q serialQueue
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				q.sync(func() {
					active++
					maxActive = max(maxActive, active)
					active--
				})
			}
		}()
	}
	wg.Wait()

	q.sync(func() {})
	assert.Equal(t, 1, maxActive)
}

func TestSerialQueueIdle(t *testing.T) {
	var q serialQueue
	q.sync(func() {})

	assert.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return !q.running && len(q.pending) == 0
	}, time.Second, time.Millisecond)

	// a stopped queue starts again on the next submission
	ran := false
	q.sync(func() { ran = true })
	assert.True(t, ran)
}
