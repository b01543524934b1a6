package drowsynet

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
)

// strandBatch is how many tasks one drain runs before yielding its worker.
const strandBatch = 64

// strand is a single-lane task runner: tasks posted to it run one at a time,
// in post order, on whichever Executor worker picks up the drain. It is the
// serialization domain of one connection.
type strand struct {
	exec      *Executor
	mu        sync.Mutex
	tasks     *queue.Queue // of func()
	scheduled bool
}

func newStrand(exec *Executor) *strand {
	if exec == nil {
		exec = DefaultExecutor()
	}
	return &strand{
		exec:  exec,
		tasks: queue.New(),
	}
}

// post appends fn and makes sure a drain is scheduled.
func (s *strand) post(fn func()) {
	s.mu.Lock()
	s.tasks.Add(fn)
	if s.scheduled {
		s.mu.Unlock()
		return
	}
	s.scheduled = true
	s.mu.Unlock()
	s.schedule()
}

func (s *strand) schedule() {
	if err := s.exec.Submit(s.drain); err != nil {
		// Keep the lane alive after its executor is gone so pending
		// completions and disconnects still run.
		log.Debug().Err(err).Msg("strand falling back to a dedicated goroutine")
		go s.drain()
	}
}

// drain runs up to strandBatch tasks and reschedules itself if more remain.
func (s *strand) drain() {
	for i := 0; i < strandBatch; i++ {
		s.mu.Lock()
		if s.tasks.Length() == 0 {
			s.scheduled = false
			s.mu.Unlock()
			return
		}
		fn := s.tasks.Remove().(func())
		s.mu.Unlock()
		s.run(fn)
	}
	s.schedule()
}

func (s *strand) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("strand task panicked")
		}
	}()
	fn()
}

// pending returns the number of queued tasks.
func (s *strand) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks.Length()
}
