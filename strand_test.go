package drowsynet

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStrandOrderAndExclusion verifies tasks run in post order and never overlap,
// even when posted from many goroutines onto a multi-worker executor.
func TestStrandOrderAndExclusion(t *testing.T) {
	e := NewExecutor(8)
	defer e.Close()
	s := newStrand(e)

	const producers = 8
	const perProducer = 500

	var (
		running atomic.Int32
		overlap atomic.Bool
		mu      sync.Mutex
		seen    = make(map[int][]int)
		wg      sync.WaitGroup
	)
	wg.Add(producers * perProducer)

	for p := 0; p < producers; p++ {
		go func(p int) {
			for i := 0; i < perProducer; i++ {
				i := i
				s.post(func() {
					defer wg.Done()
					if running.Add(1) != 1 {
						overlap.Store(true)
					}
					mu.Lock()
					seen[p] = append(seen[p], i)
					mu.Unlock()
					running.Add(-1)
				})
			}
		}(p)
	}
	wg.Wait()

	assert.False(t, overlap.Load(), "strand tasks ran concurrently")
	for p := 0; p < producers; p++ {
		require.Len(t, seen[p], perProducer)
		for i, v := range seen[p] {
			require.Equal(t, i, v, "producer %d tasks out of order", p)
		}
	}
	assert.Equal(t, 0, s.pending())
}

// TestStrandNestedPost verifies a task can post to its own strand; the new
// task runs after the current one returns.
func TestStrandNestedPost(t *testing.T) {
	s := newStrand(NewExecutor(2))

	var order []string
	done := make(chan struct{})
	s.post(func() {
		s.post(func() {
			order = append(order, "inner")
			close(done)
		})
		order = append(order, "outer")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested task never ran")
	}
	assert.Equal(t, []string{"outer", "inner"}, order)
}

// TestStrandSurvivesClosedExecutor verifies posted tasks still run after the executor closes.
func TestStrandSurvivesClosedExecutor(t *testing.T) {
	e := NewExecutor(1)
	s := newStrand(e)
	e.Close()

	done := make(chan struct{})
	s.post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task lost after executor close")
	}
}

// TestStrandPanicContained verifies a panicking task does not stop the lane.
func TestStrandPanicContained(t *testing.T) {
	s := newStrand(NewExecutor(1))

	done := make(chan struct{})
	s.post(func() { panic("boom") })
	s.post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("strand stalled after panic")
	}
}
