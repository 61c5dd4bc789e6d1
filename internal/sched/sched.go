// Package sched is the clock and delayed/periodic task capability the engine
// depends on. Realtime runs tasks on timers; Manual runs them when advanced.
package sched

import (
	"sync"
	"time"
)

// Task is a scheduled callback that can be cancelled. Cancel is idempotent.
type Task interface {
	Cancel()
}

type Scheduler interface {
	Now() time.Time
	After(d time.Duration, fn func()) Task
	Every(d time.Duration, fn func()) Task
}

// Realtime schedules on wall-clock timers. Close cancels every outstanding task.
type Realtime struct {
	mu     sync.Mutex
	tasks  map[*realTask]struct{}
	closed bool
}

func NewRealtime() *Realtime {
	return &Realtime{tasks: map[*realTask]struct{}{}}
}

type realTask struct {
	owner *Realtime
	once  sync.Once
	timer *time.Timer
	stop  chan struct{}
}

func (t *realTask) Cancel() {
	t.once.Do(func() {
		if t.timer != nil {
			t.timer.Stop()
		}
		if t.stop != nil {
			close(t.stop)
		}
		t.owner.forget(t)
	})
}

func (r *Realtime) Now() time.Time { return time.Now() }

func (r *Realtime) After(d time.Duration, fn func()) Task {
	t := &realTask{owner: r}
	if !r.track(t) {
		return t
	}
	t.timer = time.AfterFunc(d, func() {
		r.forget(t)
		fn()
	})
	return t
}

func (r *Realtime) Every(d time.Duration, fn func()) Task {
	t := &realTask{owner: r, stop: make(chan struct{})}
	if !r.track(t) {
		close(t.stop)
		return t
	}
	go func() {
		tick := time.NewTicker(d)
		defer tick.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-tick.C:
				select {
				case <-t.stop:
					return
				default:
				}
				fn()
			}
		}
	}()
	return t
}

// Close cancels all outstanding tasks; later After/Every calls are inert.
func (r *Realtime) Close() {
	r.mu.Lock()
	r.closed = true
	tasks := make([]*realTask, 0, len(r.tasks))
	for t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()
	for _, t := range tasks {
		t.Cancel()
	}
}

func (r *Realtime) track(t *realTask) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		t.once.Do(func() {})
		return false
	}
	r.tasks[t] = struct{}{}
	return true
}

func (r *Realtime) forget(t *realTask) {
	r.mu.Lock()
	delete(r.tasks, t)
	r.mu.Unlock()
}
