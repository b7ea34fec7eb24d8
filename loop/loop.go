// Package loop wraps the OS polling primitive (epoll on Linux) behind a
// small, opaque handle: register/unregister interest in a file descriptor,
// schedule/cancel a one-shot timer, and run a single bounded poll pass.
//
// A Loop has no notion of "leader" or "follower" - that coordination lives
// in the worker package, one layer up. Loop only guarantees that callbacks
// registered here fire on whichever goroutine currently calls RunOnce, and
// that RegisterFD/UnregisterFD/ScheduleTimer/CancelTimer are safe to call
// from any goroutine, including one that is not currently polling.
package loop

import (
	"container/heap"
	"sync"
	"time"

	"github.com/spiral/errors"
)

// IOEvents is a bitmask of readiness conditions, independent of the
// underlying OS representation (EPOLLIN/EPOLLOUT/...).
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// IOCallback is invoked with the events that fired for a registered fd.
type IOCallback func(IOEvents)

// TimerID identifies a scheduled timer for cancellation.
type TimerID uint64

// defaultPollBudget bounds a single RunOnce call when no timer is sooner
// and no caller-supplied budget applies. It exists only so RunOnce can
// periodically return control even if nothing is registered yet.
const defaultPollBudget = 200 * time.Millisecond

// Loop is the event loop handle described by the package doc. Exactly one
// goroutine should call RunOnce at a time; callers above this package are
// responsible for enforcing that (see worker.Worker).
type Loop struct {
	poller poller

	timerMu  sync.Mutex
	timers   timerHeap
	timerSeq TimerID

	unloop *WakeupSource

	closed bool
	mu     sync.Mutex
}

// New creates and initializes a Loop backed by the platform poller.
func New() (*Loop, error) {
	const op = errors.Op("loop_new")
	l := &Loop{}
	if err := l.poller.init(); err != nil {
		return nil, errors.E(op, err)
	}
	heap.Init(&l.timers)

	ws, err := NewWakeupSource()
	if err != nil {
		_ = l.poller.close()
		return nil, errors.E(op, err)
	}
	if err := l.poller.add(ws.FD(), EventRead, func(IOEvents) { ws.Drain() }); err != nil {
		_ = ws.Close()
		_ = l.poller.close()
		return nil, errors.E(op, err)
	}
	l.unloop = ws

	return l, nil
}

// Close releases the poller and wakeup resources. Not safe to call while a
// RunOnce is in flight.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	_ = l.poller.remove(l.unloop.FD())
	_ = l.unloop.Close()
	return l.poller.close()
}

// RegisterFD registers fd for the given interest mask; cb fires on the
// goroutine currently executing RunOnce. Safe to call concurrently with an
// in-flight RunOnce on another goroutine.
func (l *Loop) RegisterFD(fd int, interest IOEvents, cb IOCallback) error {
	const op = errors.Op("loop_register_fd")
	if err := l.poller.add(fd, interest, cb); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// ModifyFD changes the interest mask for an already-registered fd.
func (l *Loop) ModifyFD(fd int, interest IOEvents) error {
	const op = errors.Op("loop_modify_fd")
	if err := l.poller.modify(fd, interest); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// UnregisterFD removes fd from the poller. Idempotent: unregistering an fd
// that is not currently registered is not an error.
func (l *Loop) UnregisterFD(fd int) error {
	const op = errors.Op("loop_unregister_fd")
	if err := l.poller.remove(fd); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// ScheduleTimer arranges for cb to run once, after delay has elapsed, on a
// future RunOnce call. Repeat semantics are the caller's responsibility
// (spec.md's timer tasks re-schedule themselves from the worker drain loop).
func (l *Loop) ScheduleTimer(delay time.Duration, cb func()) TimerID {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	l.timerSeq++
	id := l.timerSeq
	heap.Push(&l.timers, &timerEntry{id: id, deadline: time.Now().Add(delay), cb: cb})
	return id
}

// CancelTimer removes a pending timer. Returns false if it already fired
// or was never scheduled.
func (l *Loop) CancelTimer(id TimerID) bool {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	for i, e := range l.timers {
		if e.id == id {
			heap.Remove(&l.timers, i)
			return true
		}
	}
	return false
}

// RunOnce blocks until at least one I/O or timer callback has fired, or
// the budget elapses, whichever is first. It returns the number of
// callbacks invoked during this pass. This is the Go analogue of libev's
// EVLOOP_ONESHOT: a single bounded pass, never a run-forever loop, so the
// caller (the worker state machine) can interleave promotion between
// polls.
func (l *Loop) RunOnce(budget time.Duration) (int, error) {
	const op = errors.Op("loop_run_once")
	if budget <= 0 {
		budget = defaultPollBudget
	}

	timeout := budget
	if d, ok := l.nextTimerDelay(); ok && d < timeout {
		timeout = d
	}
	if timeout < 0 {
		timeout = 0
	}

	fired, err := l.poller.wait(timeout)
	if err != nil {
		return 0, errors.E(op, err)
	}

	fired += l.runExpiredTimers()
	return fired, nil
}

// UnloopAll forces any in-flight or future RunOnce to return immediately.
// Used by a worker that is both leader and terminating.
func (l *Loop) UnloopAll() {
	_ = l.unloop.Trigger()
}

func (l *Loop) nextTimerDelay() (time.Duration, bool) {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if len(l.timers) == 0 {
		return 0, false
	}
	d := time.Until(l.timers[0].deadline)
	if d < 0 {
		d = 0
	}
	return d, true
}

func (l *Loop) runExpiredTimers() int {
	now := time.Now()
	var due []*timerEntry
	l.timerMu.Lock()
	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		due = append(due, heap.Pop(&l.timers).(*timerEntry))
	}
	l.timerMu.Unlock()

	for _, e := range due {
		e.cb()
	}
	return len(due)
}

type timerEntry struct {
	id       TimerID
	deadline time.Time
	cb       func()
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
