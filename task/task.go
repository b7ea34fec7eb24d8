// Package task defines the event-source abstraction this library schedules:
// a Task owns a watcher registration against a Host's event loop and a
// handler invoked once that watcher fires. Concrete variants (IOTask,
// TimerTask) are the only things the core out-of-scope language in spec.md
// does not fully specify - their start/stop/handle wiring lives here, but
// the handler functions themselves are supplied by the application.
package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/adtechlabs/libtasks/loop"
)

// Host is the capability surface a worker exposes to tasks. It is defined
// here, not in package worker, so that task has no import-time dependency
// on worker - worker depends on task, not the other way around.
type Host interface {
	// ID returns the numeric identity of the worker currently driving
	// this task's lifecycle (for logging/debugging only).
	ID() int
	// Loop returns the shared event loop handle. Safe to call from any
	// worker at any time: registering or unregistering a watcher does
	// not require holding leadership, only RunOnce does (see loop.Loop).
	Loop() *loop.Loop
	// EnqueueIO is called by an IOTask's watcher callback once its
	// watcher has already been stopped (spec.md §4.5).
	EnqueueIO(t Task, revents loop.IOEvents)
	// EnqueueTimer is the timer equivalent of EnqueueIO.
	EnqueueTimer(t Task)
	// Defer queues fn on this host's own async inbox (spec.md §4.4). fn
	// runs inside whichever RunOnce call next services that inbox's
	// wakeup, with this host as its argument.
	Defer(fn func(Host))
}

// Task is the abstract event source spec.md §3 describes: something that
// owns a watcher and a handler, and that the worker can start, stop, and
// invoke without knowing which concrete kind it is.
type Task interface {
	// TaskID is a stable identifier, independent of the raw fd or timer
	// id the watcher currently uses - see spec.md §9's arena/registry
	// design note.
	TaskID() uuid.UUID
	// HandleEvent runs the application handler. A true return means
	// "keep this task alive and rearm it"; false means the handler
	// failed or the task is done, and DeleteAfterError decides what
	// happens to the task object itself.
	HandleEvent(h Host, revents loop.IOEvents) bool
	// StartWatcher (re)registers this task's watcher on h's loop. Must
	// be idempotent: calling it on an already-started watcher is a
	// no-op, and calling it after StopWatcher must restore identical
	// parameters.
	StartWatcher(h Host) error
	// StopWatcher deregisters the watcher. Idempotent.
	StopWatcher(h Host) error
	// DeleteAfterError reports this task's policy for what happens when
	// HandleEvent returns false: true means the worker destroys the
	// task, false means it is left deregistered but not destroyed
	// (ownership stays with whatever external entity registered it).
	DeleteAfterError() bool
}

// Repeater is implemented by tasks whose rearm behaviour depends on a
// repeat interval (currently only TimerTask). The worker type-asserts for
// it during timer drain (spec.md §4.3).
type Repeater interface {
	Repeat() time.Duration
}
