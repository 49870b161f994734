package torrent

import (
	"container/heap"
	"time"
)

// Scheduler is a monotonic-time min-heap of deferred tasks. Grounded on
// spec §4.10/§5: the main loop refreshes a cached time.Time once per
// iteration (mirrors "Timer::cache is refreshed at the top of each
// iteration") and runs every task whose deadline has passed before the
// caller goes back to blocking on I/O. Torrent runs its choke cycle on one
// and Engine its tracker announces; hash-completion callbacks are delivered
// by HashQueue.DrainResults and HAVE broadcasts by Torrent.mu's deferred
// actions, not through this queue.
type Scheduler struct {
	tasks schedulerHeap
	now   time.Time
	seq   uint64
}

type schedulerTask struct {
	deadline time.Time
	seq      uint64 // tiebreaks equal deadlines in FIFO order
	canceled bool
	fn       func()
}

type schedulerHeap []*schedulerTask

func (h schedulerHeap) Len() int { return len(h) }
func (h schedulerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h schedulerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *schedulerHeap) Push(x any)   { *h = append(*h, x.(*schedulerTask)) }
func (h *schedulerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// NewScheduler returns an empty scheduler with its cached clock set to now.
func NewScheduler() *Scheduler {
	s := &Scheduler{now: time.Now()}
	heap.Init(&s.tasks)
	return s
}

// CancelToken revokes a scheduled task.
type CancelToken struct{ task *schedulerTask }

// Cancel marks the task as canceled; it is skipped when its deadline is
// reached and dropped from the heap without running.
func (c CancelToken) Cancel() {
	if c.task != nil {
		c.task.canceled = true
	}
}

// After schedules fn to run no earlier than d after the scheduler's current
// cached time.
func (s *Scheduler) After(d time.Duration, fn func()) CancelToken {
	return s.at(s.now.Add(d), fn)
}

// Defer schedules fn to run on the next RunDue, after every already-queued
// zero-delay task ahead of it.
func (s *Scheduler) Defer(fn func()) CancelToken {
	return s.at(s.now, fn)
}

func (s *Scheduler) at(deadline time.Time, fn func()) CancelToken {
	s.seq++
	t := &schedulerTask{deadline: deadline, seq: s.seq, fn: fn}
	heap.Push(&s.tasks, t)
	return CancelToken{task: t}
}

// RunDue refreshes the cached clock and runs every task whose deadline has
// passed, in deadline (then FIFO) order. Safe to call repeatedly from a
// single owner goroutine; not safe for concurrent callers.
func (s *Scheduler) RunDue() {
	s.now = time.Now()
	for s.tasks.Len() > 0 {
		next := s.tasks[0]
		if next.deadline.After(s.now) {
			return
		}
		heap.Pop(&s.tasks)
		if next.canceled {
			continue
		}
		next.fn()
	}
}

// NextDeadline returns the earliest pending task's deadline and true, or the
// zero time and false if nothing is scheduled — the caller's
// sleep-until-earliest-deadline suspension point per spec §5.
func (s *Scheduler) NextDeadline() (time.Time, bool) {
	if s.tasks.Len() == 0 {
		return time.Time{}, false
	}
	return s.tasks[0].deadline, true
}
