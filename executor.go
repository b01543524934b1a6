package drowsynet

import (
	"runtime"
	"sync"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
)

// Executor is the worker pool every strand and accept hook runs on.
//
// Design rationale:
//   - A fixed number of worker goroutines pull tasks from one unbounded FIFO
//   - Submit never blocks, so a task may safely submit more tasks
//   - A panicking task is recovered and logged; the worker keeps running
//
// Blocking I/O never runs on an Executor worker; it runs on per-operation
// goroutines parked in the Go netpoller, which post their completions back.
type Executor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   *queue.Queue // of func()
	closed  bool
	workers int
	wg      sync.WaitGroup
}

var (
	defaultExecutor     *Executor
	defaultExecutorOnce sync.Once
)

// DefaultExecutor returns the process-wide executor, creating it on first
// use with one worker per CPU. It is never closed.
func DefaultExecutor() *Executor {
	defaultExecutorOnce.Do(func() {
		defaultExecutor = NewExecutor(0)
	})
	return defaultExecutor
}

// NewExecutor starts an executor with the given number of workers.
// A non-positive count means runtime.NumCPU().
func NewExecutor(workers int) *Executor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	e := &Executor{
		tasks:   queue.New(),
		workers: workers,
	}
	e.cond = sync.NewCond(&e.mu)
	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.run(i)
	}
	log.Debug().Int("workers", workers).Msg("executor started")
	return e
}

// Submit enqueues task. It returns ErrExecutorClosed after Close.
func (e *Executor) Submit(task func()) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	e.tasks.Add(task)
	e.mu.Unlock()
	e.cond.Signal()
	return nil
}

// Workers returns the number of worker goroutines.
func (e *Executor) Workers() int {
	return e.workers
}

// Close stops accepting tasks, lets the workers drain what is already
// queued and waits for them to exit.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.cond.Broadcast()
	e.wg.Wait()
	log.Debug().Int("workers", e.workers).Msg("executor stopped")
}

func (e *Executor) run(id int) {
	defer e.wg.Done()
	for {
		task, ok := e.next()
		if !ok {
			return
		}
		e.safeExecute(id, task)
	}
}

// next blocks until a task is available. It returns false once the
// executor is closed and the queue is empty.
func (e *Executor) next() (func(), bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.tasks.Length() == 0 {
		if e.closed {
			return nil, false
		}
		e.cond.Wait()
	}
	return e.tasks.Remove().(func()), true
}

func (e *Executor) safeExecute(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Int("worker", id).
				Interface("panic", r).
				Msg("executor task panicked")
		}
	}()
	task()
}
