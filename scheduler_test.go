package torrent

import (
	"testing"
	"time"
)

func TestSchedulerRunsDueTasksInOrder(t *testing.T) {
	s := NewScheduler()
	var order []int
	s.After(5*time.Millisecond, func() { order = append(order, 2) })
	s.After(0, func() { order = append(order, 1) })
	s.Defer(func() { order = append(order, 0) })

	time.Sleep(10 * time.Millisecond)
	s.RunDue()

	if len(order) != 3 {
		t.Fatalf("expected 3 tasks to run, got %d: %v", len(order), order)
	}
	for i := 1; i < len(order); i++ {
		if order[i] < order[i-1] {
			t.Fatalf("tasks ran out of scheduled order: %v", order)
		}
	}
}

func TestSchedulerSkipsCanceledTask(t *testing.T) {
	s := NewScheduler()
	ran := false
	tok := s.Defer(func() { ran = true })
	tok.Cancel()
	s.RunDue()
	if ran {
		t.Fatal("canceled task must not run")
	}
}

func TestSchedulerNextDeadlineReflectsEarliestPending(t *testing.T) {
	s := NewScheduler()
	if _, ok := s.NextDeadline(); ok {
		t.Fatal("empty scheduler must report no pending deadline")
	}
	s.After(50*time.Millisecond, func() {})
	s.After(10*time.Millisecond, func() {})
	d, ok := s.NextDeadline()
	if !ok {
		t.Fatal("expected a pending deadline")
	}
	if d.After(s.now.Add(15 * time.Millisecond)) {
		t.Fatalf("NextDeadline should surface the sooner task, got %v", d)
	}
}

func TestSchedulerDoesNotRunFutureTasksEarly(t *testing.T) {
	s := NewScheduler()
	ran := false
	s.After(time.Hour, func() { ran = true })
	s.RunDue()
	if ran {
		t.Fatal("far-future task must not run before its deadline")
	}
}
