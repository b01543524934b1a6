package drowsynet

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExecutorRunsTasks verifies every submitted task runs.
func TestExecutorRunsTasks(t *testing.T) {
	e := NewExecutor(4)
	defer e.Close()

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.NoError(t, e.Submit(func() {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()

	assert.Equal(t, int32(100), ran.Load())
	assert.Equal(t, 4, e.Workers())
}

// TestExecutorDefaultWorkers verifies a non-positive worker count picks a sane default.
func TestExecutorDefaultWorkers(t *testing.T) {
	e := NewExecutor(0)
	defer e.Close()

	assert.Greater(t, e.Workers(), 0)
	assert.Same(t, DefaultExecutor(), DefaultExecutor())
}

// TestExecutorCloseDrains verifies Close waits for queued tasks and rejects new ones.
func TestExecutorCloseDrains(t *testing.T) {
	e := NewExecutor(1)

	release := make(chan struct{})
	var ran atomic.Int32
	require.NoError(t, e.Submit(func() { <-release }))
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Submit(func() { ran.Add(1) }))
	}

	closed := make(chan struct{})
	go func() {
		e.Close()
		close(closed)
	}()

	// Submit fails as soon as Close has flagged the executor.
	require.Eventually(t, func() bool {
		return e.Submit(func() {}) == ErrExecutorClosed
	}, time.Second, time.Millisecond)

	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, int32(10), ran.Load())

	// Closing twice is harmless.
	e.Close()
}

// TestExecutorRecoversPanics verifies a panicking task does not kill its worker.
func TestExecutorRecoversPanics(t *testing.T) {
	e := NewExecutor(1)
	defer e.Close()

	require.NoError(t, e.Submit(func() { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, e.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
}
