// Package schedule runs deferred work that can be cancelled before it fires.
package schedule

import (
	"sort"
	"sync"
	"time"
)

// Handle refers to one scheduled task.
type Handle interface {
	// Cancel stops the task. It reports false if the task already ran or was cancelled.
	Cancel() bool
	// Delay is the delay the task was scheduled with.
	Delay() time.Duration
}

// Scheduler defers work without blocking the caller.
type Scheduler interface {
	After(d time.Duration, fn func()) Handle
}

// TimerScheduler schedules tasks on runtime timers.
type TimerScheduler struct{}

// NewTimerScheduler returns a Scheduler backed by time.AfterFunc.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{}
}

type timerHandle struct {
	t *time.Timer
	d time.Duration
}

func (h *timerHandle) Cancel() bool         { return h.t.Stop() }
func (h *timerHandle) Delay() time.Duration { return h.d }

// After runs fn on its own goroutine once d has elapsed.
func (s *TimerScheduler) After(d time.Duration, fn func()) Handle {
	if d < 0 {
		d = 0
	}
	return &timerHandle{t: time.AfterFunc(d, fn), d: d}
}

// ManualScheduler runs tasks against a virtual clock that only moves on Advance.
// Tasks run on the goroutine calling Advance, ordered by due time and then by
// the order they were scheduled.
type ManualScheduler struct {
	mu    sync.Mutex
	now   time.Duration
	seq   uint64
	tasks []*manualTask
}

// NewManualScheduler returns a ManualScheduler at virtual time zero.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

type manualTask struct {
	s     *ManualScheduler
	due   time.Duration
	delay time.Duration
	seq   uint64
	fn    func()
}

func (t *manualTask) Delay() time.Duration { return t.delay }

func (t *manualTask) Cancel() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i, task := range t.s.tasks {
		if task == t {
			t.s.tasks = append(t.s.tasks[:i], t.s.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// After queues fn to run once the virtual clock reaches now+d.
func (s *ManualScheduler) After(d time.Duration, fn func()) Handle {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	task := &manualTask{s: s, due: s.now + d, delay: d, seq: s.seq, fn: fn}
	s.tasks = append(s.tasks, task)
	sort.SliceStable(s.tasks, func(i, j int) bool {
		if s.tasks[i].due != s.tasks[j].due {
			return s.tasks[i].due < s.tasks[j].due
		}
		return s.tasks[i].seq < s.tasks[j].seq
	})
	return task
}

// Advance moves the clock forward by d and runs every task that became due,
// including tasks scheduled by tasks run during this call.
// It returns the number of tasks run.
func (s *ManualScheduler) Advance(d time.Duration) int {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()

	ran := 0
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 || s.tasks[0].due > target {
			s.now = target
			s.mu.Unlock()
			return ran
		}
		task := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.now = task.due
		s.mu.Unlock()

		task.fn()
		ran++
	}
}

// Flush runs every pending task regardless of due time.
func (s *ManualScheduler) Flush() int {
	ran := 0
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.mu.Unlock()
			return ran
		}
		last := s.tasks[len(s.tasks)-1].due
		s.mu.Unlock()
		ran += s.Advance(last - s.Now())
	}
}

// Now returns the virtual time elapsed since creation.
func (s *ManualScheduler) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Pending returns the number of tasks not yet run or cancelled.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
