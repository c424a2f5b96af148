package process

import (
	"sync"
	"sync/atomic"
	"time"
)

// scheduler runs the background work of one supervisor: the asynchronous
// start and the delayed destroy. It is released exactly once, after which
// pending timers are stopped and no new work is accepted.
type scheduler struct {
	mu       sync.Mutex
	timers   map[*time.Timer]struct{}
	released chan struct{}
	once     sync.Once
	releases atomic.Int32
}

func newScheduler() *scheduler {
	return &scheduler{
		timers:   make(map[*time.Timer]struct{}),
		released: make(chan struct{}),
	}
}

// submit runs fn on a new goroutine. Returns false if the scheduler is released.
func (s *scheduler) submit(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isReleased() {
		return false
	}
	go fn()
	return true
}

// schedule runs fn after d unless the scheduler is released first.
// Returns false if the scheduler is already released.
func (s *scheduler) schedule(d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isReleased() {
		return false
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, pending := s.timers[timer]
		delete(s.timers, timer)
		s.mu.Unlock()

		if pending {
			fn()
		}
	})
	s.timers[timer] = struct{}{}
	return true
}

// pending returns the number of timers that have neither fired nor been stopped.
func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// release stops all pending timers. Safe to call any number of times.
func (s *scheduler) release() {
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		for timer := range s.timers {
			timer.Stop()
			delete(s.timers, timer)
		}
		s.releases.Add(1)
		close(s.released)
	})
}

func (s *scheduler) isReleased() bool {
	select {
	case <-s.released:
		return true
	default:
		return false
	}
}
