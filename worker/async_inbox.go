package worker

import (
	"sync"

	"github.com/adtechlabs/libtasks/loop"
	"github.com/adtechlabs/libtasks/task"
)

// asyncInbox is component C6: a per-worker queue of closures any goroutine
// may enqueue, backed by a loop.WakeupSource registered once at
// construction and never re-registered on handoff (spec.md §4.4, and §9's
// resolution of "is the wakeup watcher re-bound on handoff?" - it is not).
//
// Enqueue and drain share a single mutex rather than routing through the
// owning worker's ioQueue, unlike IOTask/TimerTask. That is deliberate: a
// closure submitted with Defer is addressed to a specific worker (e.g.
// Dispatcher.Submit picking worker N for round-robin placement), and must
// run with that worker as the Host argument even if some other worker's
// RunOnce call is the one that happens to service the wakeup fd. Routing
// it dynamically like an IOTask's callback would silently turn per-worker
// inboxes into one shared global inbox, defeating their purpose.
type asyncInbox struct {
	owner *Worker
	wake  *loop.WakeupSource

	mu  sync.Mutex
	fns []func(task.Host)
}

func newAsyncInbox(owner *Worker) (*asyncInbox, error) {
	ws, err := loop.NewWakeupSource()
	if err != nil {
		return nil, err
	}
	return &asyncInbox{owner: owner, wake: ws}, nil
}

// register wires the wakeup fd into lp. Called once, during worker
// construction, before any worker goroutine starts - never re-registered.
func (ib *asyncInbox) register(lp *loop.Loop) error {
	return lp.RegisterFD(ib.wake.FD(), loop.EventRead, func(loop.IOEvents) {
		ib.wake.Drain()
		ib.runPending()
	})
}

func (ib *asyncInbox) close(lp *loop.Loop) error {
	_ = lp.UnregisterFD(ib.wake.FD())
	return ib.wake.Close()
}

// enqueue appends fn and wakes whichever worker currently holds the loop,
// so the pending closure is serviced promptly instead of waiting for the
// owner to be leader again.
func (ib *asyncInbox) enqueue(fn func(task.Host)) {
	ib.mu.Lock()
	ib.fns = append(ib.fns, fn)
	ib.mu.Unlock()
	_ = ib.wake.Trigger()
}

// runPending executes every closure queued since the last drain, with the
// owning worker as the Host argument. Executed inline from the wakeup
// callback, matching spec.md §4.4's "closures are executed with the
// worker as argument, as soon as the inbox is drained".
func (ib *asyncInbox) runPending() {
	ib.mu.Lock()
	pending := ib.fns
	ib.fns = nil
	ib.mu.Unlock()

	for _, fn := range pending {
		fn(ib.owner)
	}
}
