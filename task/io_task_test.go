package task_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adtechlabs/libtasks/loop"
	"github.com/adtechlabs/libtasks/task"
)

// fakeHost is a minimal task.Host for exercising task lifecycle logic
// without a real worker/dispatcher pool.
type fakeHost struct {
	id       int
	lp       *loop.Loop
	ioEnq    []ioEnqueue
	timerEnq []task.Task
	deferred []func(task.Host)
}

type ioEnqueue struct {
	t       task.Task
	revents loop.IOEvents
}

func (h *fakeHost) ID() int           { return h.id }
func (h *fakeHost) Loop() *loop.Loop   { return h.lp }
func (h *fakeHost) EnqueueIO(t task.Task, revents loop.IOEvents) {
	h.ioEnq = append(h.ioEnq, ioEnqueue{t: t, revents: revents})
}
func (h *fakeHost) EnqueueTimer(t task.Task) { h.timerEnq = append(h.timerEnq, t) }
func (h *fakeHost) Defer(fn func(task.Host)) { h.deferred = append(h.deferred, fn) }

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	lp, err := loop.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = lp.Close() })
	return &fakeHost{lp: lp}
}

func TestIOTaskStartWatcherIsIdempotent(t *testing.T) {
	h := newFakeHost(t)
	r, w := mustPipe(t)
	defer r.Close()
	defer w.Close()

	it := task.NewIOTask(int(r.Fd()), loop.EventRead, func(task.Host, int, loop.IOEvents) bool { return true }, false)

	require.NoError(t, it.StartWatcher(h))
	require.NoError(t, it.StartWatcher(h), "second StartWatcher on an already-started task must be a no-op")
}

func TestIOTaskStopWatcherIsIdempotent(t *testing.T) {
	h := newFakeHost(t)
	r, w := mustPipe(t)
	defer r.Close()
	defer w.Close()

	it := task.NewIOTask(int(r.Fd()), loop.EventRead, nil, false)
	require.NoError(t, it.StartWatcher(h))
	require.NoError(t, it.StopWatcher(h))
	require.NoError(t, it.StopWatcher(h), "second StopWatcher must be a no-op, not an error")
}

func TestIOTaskHandleEventInvokesHandler(t *testing.T) {
	h := newFakeHost(t)
	var gotFD int
	var gotEvents loop.IOEvents
	it := task.NewIOTask(42, loop.EventRead, func(_ task.Host, fd int, ev loop.IOEvents) bool {
		gotFD = fd
		gotEvents = ev
		return true
	}, false)

	ok := it.HandleEvent(h, loop.EventRead)
	assert.True(t, ok)
	assert.Equal(t, 42, gotFD)
	assert.Equal(t, loop.EventRead, gotEvents)
}

func TestIOTaskHandleEventNilHandlerFails(t *testing.T) {
	h := newFakeHost(t)
	it := task.NewIOTask(1, loop.EventRead, nil, true)
	assert.False(t, it.HandleEvent(h, loop.EventRead))
	assert.True(t, it.DeleteAfterError())
}
