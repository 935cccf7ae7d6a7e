// Package schedule runs cancellable delayed tasks.
package schedule

import (
	"sync"
	"time"
)

// Task is a pending delayed call.
type Task struct {
	s     *Scheduler
	timer *time.Timer
	id    uint64
}

// Cancel prevents the task from running. It reports whether the task was
// still pending.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.pending[t.id]; !ok {
		return false
	}
	delete(t.s.pending, t.id)
	t.timer.Stop()
	return true
}

// Scheduler tracks every task it creates so they can be cancelled together.
// A cancelled task never runs.
type Scheduler struct {
	mu      sync.Mutex
	pending map[uint64]*Task
	next    uint64
	stopped bool
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{pending: make(map[uint64]*Task)}
}

// After runs fn on its own goroutine once d has elapsed. It returns nil if
// the scheduler has been stopped.
func (s *Scheduler) After(d time.Duration, fn func()) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}

	s.next++
	t := &Task{s: s, id: s.next}
	t.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, ok := s.pending[t.id]
		delete(s.pending, t.id)
		s.mu.Unlock()
		if ok {
			fn()
		}
	})
	s.pending[t.id] = t
	return t
}

// Pending returns the number of tasks that have neither run nor been cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CancelAll cancels every pending task.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	for id, t := range s.pending {
		t.timer.Stop()
		delete(s.pending, id)
	}
	return n
}

// Stop cancels every pending task and refuses new ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.CancelAll()
}
