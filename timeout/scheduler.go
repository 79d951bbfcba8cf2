// Package timeout implements the single process-wide time source for
// SwitchForge: a monotonic clock plus a one-shot timeout scheduler backed by
// a min-heap. Every state-scoped timeout in the fleet is armed and cancelled
// through one Scheduler instance.
package timeout

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// ErrSchedulerStopped is returned by Schedule after Stop has been called.
// The callback is guaranteed not to run in that case.
var ErrSchedulerStopped = errors.New("timeout scheduler is stopped")

const (
	statePending = iota
	stateFired
	stateCancelled
)

// Handle identifies a scheduled timeout. Cancel is idempotent and safe to
// call after the timeout has fired; a cancel that loses the race against
// firing is observable (the callback may already have started).
type Handle struct {
	deadline time.Time
	callback func()
	seq      uint64
	index    int // position in the heap, -1 once removed
	state    int // guarded by the owning Scheduler's mutex
}

// Scheduler fires one-shot timeouts from a shared min-heap. Callbacks run on
// the scheduler's own goroutine, at most once, and no earlier than the
// requested delay. Precision is bounded by the runtime timer granularity,
// well inside the 10ms target.
type Scheduler struct {
	mu      sync.Mutex
	heap    timeoutHeap
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	seq     uint64
	stopped bool
}

// NewScheduler creates a running Scheduler. Callers must Stop it when done.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Now returns the current time. Go's time.Time carries a monotonic clock
// reading, so intervals computed from Now are immune to wall-clock steps.
func (s *Scheduler) Now() time.Time {
	return time.Now()
}

// Schedule arms a one-shot timeout. A negative delay is treated as zero.
// The returned Handle may be used to cancel the timeout before it fires.
func (s *Scheduler) Schedule(delay time.Duration, callback func()) (*Handle, error) {
	if callback == nil {
		return nil, errors.New("timeout: nil callback")
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrSchedulerStopped
	}
	s.seq++
	h := &Handle{
		deadline: time.Now().Add(delay),
		callback: callback,
		seq:      s.seq,
		state:    statePending,
	}
	heap.Push(&s.heap, h)
	front := s.heap[0] == h
	s.mu.Unlock()

	if front {
		s.kick()
	}
	return h, nil
}

// Cancel revokes a pending timeout. It is a no-op for nil handles, already
// fired timeouts, and repeated cancels.
func (s *Scheduler) Cancel(h *Handle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	if h.state == statePending {
		h.state = stateCancelled
		if h.index >= 0 {
			heap.Remove(&s.heap, h.index)
		}
	}
	s.mu.Unlock()
}

// Pending reports the number of armed, not-yet-fired timeouts.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

// Stop shuts the scheduler down. Pending timeouts are discarded without
// firing; subsequent Schedule calls return ErrSchedulerStopped. Stop blocks
// until the run loop has exited and is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	for _, h := range s.heap {
		h.state = stateCancelled
		h.index = -1
	}
	s.heap = nil
	s.mu.Unlock()

	close(s.stop)
	<-s.done
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false

	for {
		// Fire everything that is due, then compute the next deadline.
		var next time.Duration
		haveNext := false
		for {
			s.mu.Lock()
			if s.heap.Len() == 0 {
				s.mu.Unlock()
				break
			}
			h := s.heap[0]
			wait := time.Until(h.deadline)
			if wait > 0 {
				s.mu.Unlock()
				next, haveNext = wait, true
				break
			}
			heap.Pop(&s.heap)
			h.state = stateFired
			cb := h.callback
			s.mu.Unlock()
			// Invoked without holding the lock so callbacks may schedule
			// or cancel freely.
			cb()
		}

		if timerArmed && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timerArmed = false
		if haveNext {
			timer.Reset(next)
			timerArmed = true
		}

		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-timer.C:
			timerArmed = false
		}
	}
}

// timeoutHeap orders handles by deadline, breaking ties by scheduling order.
type timeoutHeap []*Handle

func (h timeoutHeap) Len() int { return len(h) }

func (h timeoutHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timeoutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timeoutHeap) Push(x any) {
	handle := x.(*Handle)
	handle.index = len(*h)
	*h = append(*h, handle)
}

func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	handle := old[n-1]
	old[n-1] = nil
	handle.index = -1
	*h = old[:n-1]
	return handle
}
