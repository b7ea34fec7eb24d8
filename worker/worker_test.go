package worker_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adtechlabs/libtasks/events"
	"github.com/adtechlabs/libtasks/loop"
	"github.com/adtechlabs/libtasks/task"
	"github.com/adtechlabs/libtasks/worker"
)

// testRegistry is a minimal worker.Registry for exercising the
// leader/followers state machine without a full dispatcher.
type testRegistry struct {
	mu     sync.Mutex
	free   []*worker.Worker
	leader *worker.Worker
}

func (r *testRegistry) FreeWorker() *worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.free) == 0 {
		return nil
	}
	w := r.free[0]
	r.free = r.free[1:]
	return w
}

func (r *testRegistry) AddFree(w *worker.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.free = append(r.free, w)
}

func (r *testRegistry) SetLeader(w *worker.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leader = w
}

func (r *testRegistry) CurrentLeader() *worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leader
}

func buildPool(t *testing.T, n int) (*loop.Loop, *testRegistry, []*worker.Worker, events.Handler) {
	t.Helper()
	lp, err := loop.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = lp.Close() })

	reg := &testRegistry{}
	ev := events.NewHandler()
	shutdown := make(chan struct{})
	t.Cleanup(func() {
		select {
		case <-shutdown:
		default:
			close(shutdown)
		}
	})

	workers := make([]*worker.Worker, n)
	for i := 0; i < n; i++ {
		w, err := worker.New(i, lp, worker.Config{}, reg, ev, nil, shutdown, i == 0)
		require.NoError(t, err)
		workers[i] = w
	}
	reg.SetLeader(workers[0])
	for _, w := range workers[1:] {
		reg.AddFree(w)
	}
	return lp, reg, workers, ev
}

func TestSingleWorkerDegenerateCaseHandlesSerially(t *testing.T) {
	_, _, workers, _ := buildPool(t, 1)
	w := workers[0]
	go w.Run()
	defer func() {
		w.Terminate()
		<-w.Done()
	}()

	r, wr := mustPipe(t)
	defer r.Close()
	defer wr.Close()

	fired := make(chan struct{})
	it := task.NewIOTask(int(r.Fd()), loop.EventRead, func(task.Host, int, loop.IOEvents) bool {
		close(fired)
		return false
	}, false)
	w.Register(it)
	w.Defer(func(h task.Host) { _ = it.StartWatcher(h) })

	_, err := wr.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran on the single-worker pool")
	}
}

func TestHandoffPromotesAFreeFollower(t *testing.T) {
	_, reg, workers, ev := buildPool(t, 4)
	for _, w := range workers {
		go w.Run()
	}
	defer func() {
		for _, w := range workers {
			w.Terminate()
		}
		for _, w := range workers {
			<-w.Done()
		}
	}()

	var mu sync.Mutex
	var promotions int
	ev.AddListener(func(e interface{}) {
		if we, ok := e.(events.WorkerEvent); ok && we.Kind == events.WorkerPromoted {
			mu.Lock()
			promotions++
			mu.Unlock()
		}
	})

	r, wr := mustPipe(t)
	defer r.Close()
	defer wr.Close()

	it := task.NewIOTask(int(r.Fd()), loop.EventRead, func(task.Host, int, loop.IOEvents) bool { return false }, false)
	leader := reg.CurrentLeader()
	leader.Register(it)
	leader.Defer(func(h task.Host) { _ = it.StartWatcher(h) })

	_, err := wr.Write([]byte("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return promotions >= 1
	}, 2*time.Second, 10*time.Millisecond, "no promotion observed after the original leader had work to drain")
}

func TestBackPressureLeaderStaysOffFreeListWhenNoFollowerIsFree(t *testing.T) {
	_, reg, workers, ev := buildPool(t, 1)
	w := workers[0]
	go w.Run()
	defer func() {
		w.Terminate()
		<-w.Done()
	}()

	var mu sync.Mutex
	var parked int
	ev.AddListener(func(e interface{}) {
		if we, ok := e.(events.WorkerEvent); ok && we.Kind == events.WorkerParked {
			mu.Lock()
			parked++
			mu.Unlock()
		}
	})

	r, wr := mustPipe(t)
	defer r.Close()
	defer wr.Close()

	handled := make(chan struct{})
	it := task.NewIOTask(int(r.Fd()), loop.EventRead, func(task.Host, int, loop.IOEvents) bool {
		close(handled)
		return false
	}, false)
	w.Register(it)
	w.Defer(func(h task.Host) { _ = it.StartWatcher(h) })

	_, err := wr.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("sole worker never drained its own event")
	}

	require.Eventually(t, func() bool {
		return w.State() == worker.Leader
	}, time.Second, 10*time.Millisecond, "sole worker should remain leader after draining with no free follower")

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, parked, "a worker with no free follower to hand off to must not park itself")
	assert.Nil(t, reg.FreeWorker(), "the still-leading worker must not appear on the free list")
}

func TestStateReflectsLeaderAndTerminateFlags(t *testing.T) {
	_, _, workers, _ := buildPool(t, 2)
	assert.Equal(t, worker.Leader, workers[0].State())
	assert.Equal(t, worker.Follower, workers[1].State())

	workers[1].Terminate()
	assert.Equal(t, worker.Terminating, workers[1].State())
}
