package task

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/adtechlabs/libtasks/loop"
)

// IOHandlerFunc is the application-supplied logic for an IOTask. Its
// return value follows the Task.HandleEvent contract.
type IOHandlerFunc func(h Host, fd int, revents loop.IOEvents) bool

// IOTask watches a single file descriptor for the given interest mask and
// is rearmed after every successful handler return (spec.md §3).
type IOTask struct {
	id               uuid.UUID
	fd               int
	interest         loop.IOEvents
	handler          IOHandlerFunc
	deleteAfterError bool
	started          atomic.Bool
}

// NewIOTask creates a task watching fd for interest, invoking handler
// when it fires. deleteAfterError mirrors delete_after_error() in spec.md.
func NewIOTask(fd int, interest loop.IOEvents, handler IOHandlerFunc, deleteAfterError bool) *IOTask {
	return &IOTask{
		id:               uuid.New(),
		fd:               fd,
		interest:         interest,
		handler:          handler,
		deleteAfterError: deleteAfterError,
	}
}

func (t *IOTask) TaskID() uuid.UUID { return t.id }

// FD returns the watched descriptor.
func (t *IOTask) FD() int { return t.fd }

func (t *IOTask) HandleEvent(h Host, revents loop.IOEvents) bool {
	if t.handler == nil {
		return false
	}
	return t.handler(h, t.fd, revents)
}

// StartWatcher registers fd with h's loop. The installed callback is the
// one spec.md §4.5 assigns to the worker: stop the watcher, then enqueue,
// never call the handler directly from inside the poll.
func (t *IOTask) StartWatcher(h Host) error {
	if t.started.Load() {
		return nil
	}
	err := h.Loop().RegisterFD(t.fd, t.interest, func(ev loop.IOEvents) {
		_ = t.StopWatcher(h)
		h.EnqueueIO(t, ev)
	})
	if err != nil {
		return err
	}
	t.started.Store(true)
	return nil
}

func (t *IOTask) StopWatcher(h Host) error {
	if !t.started.CompareAndSwap(true, false) {
		return nil
	}
	return h.Loop().UnregisterFD(t.fd)
}

func (t *IOTask) DeleteAfterError() bool { return t.deleteAfterError }
