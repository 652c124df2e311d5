package scheduleutil

import (
	"sync"
	"time"
)

// Job is a function to be run by a Scheduler worker.
type Job func()

// Scheduler runs jobs on a fixed pool of workers, optionally after a delay.
// Jobs scheduled from one goroutine may run concurrently when the pool has
// more than one worker; callers needing ordering serialize themselves.
type Scheduler struct {
	mu      sync.Mutex
	stopped bool

	jobc  chan Job
	donec chan struct{}
	wg    sync.WaitGroup
}

// NewScheduler returns a Scheduler with the given number of workers.
func NewScheduler(workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		jobc:  make(chan Job, 1024),
		donec: make(chan struct{}),
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.run()
	}
	return s
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case j := <-s.jobc:
			j()
		case <-s.donec:
			return
		}
	}
}

// Schedule enqueues the job for the next free worker.
// Jobs scheduled after Stop are dropped.
func (s *Scheduler) Schedule(j Job) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.jobc <- j:
	case <-s.donec:
	}
}

// ScheduleAfter runs the job on a worker once the delay has elapsed.
func (s *Scheduler) ScheduleAfter(d time.Duration, j Job) {
	time.AfterFunc(d, func() { s.Schedule(j) })
}

// Stop stops all workers. Queued jobs that have not started are dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.donec)
	s.wg.Wait()
}
