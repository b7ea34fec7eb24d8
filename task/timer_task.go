package task

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adtechlabs/libtasks/loop"
)

// TimerHandlerFunc is the application-supplied logic for a TimerTask.
type TimerHandlerFunc func(h Host) bool

// TimerTask fires once after an initial delay. If repeat is zero it is
// destroyed after a single successful run; if positive it is rearmed with
// repeat as the new delay (spec.md §3, §4.3).
type TimerTask struct {
	id               uuid.UUID
	initial          time.Duration
	repeat           time.Duration
	handler          TimerHandlerFunc
	deleteAfterError bool

	mu      sync.Mutex
	timerID loop.TimerID
	armed   bool
}

// NewTimerTask creates a task firing handler after initial, then every
// repeat thereafter (or once, if repeat is zero).
func NewTimerTask(initial, repeat time.Duration, handler TimerHandlerFunc, deleteAfterError bool) *TimerTask {
	return &TimerTask{
		id:               uuid.New(),
		initial:          initial,
		repeat:           repeat,
		handler:          handler,
		deleteAfterError: deleteAfterError,
	}
}

func (t *TimerTask) TaskID() uuid.UUID { return t.id }

// Repeat implements task.Repeater.
func (t *TimerTask) Repeat() time.Duration { return t.repeat }

func (t *TimerTask) HandleEvent(h Host, _ loop.IOEvents) bool {
	if t.handler == nil {
		return false
	}
	return t.handler(h)
}

// StartWatcher schedules the next fire. The first call uses the initial
// delay; rearms after that use repeat, mirroring start_watcher being
// called again by the worker's timer drain (spec.md §4.3).
func (t *TimerTask) StartWatcher(h Host) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armed {
		return nil
	}

	delay := t.initial
	t.initial = t.repeat // subsequent rearms use repeat

	t.timerID = h.Loop().ScheduleTimer(delay, func() {
		_ = t.StopWatcher(h)
		h.EnqueueTimer(t)
	})
	t.armed = true
	return nil
}

func (t *TimerTask) StopWatcher(h Host) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return nil
	}
	t.armed = false
	h.Loop().CancelTimer(t.timerID)
	return nil
}

func (t *TimerTask) DeleteAfterError() bool { return t.deleteAfterError }
