// Package worker implements the leader/followers state machine (spec.md
// §4): a fixed set of Workers share one loop.Loop, exactly one of them
// ("leader") ever blocks inside RunOnce at a time, and the rest ("followers")
// park on a channel until promoted.
package worker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/spiral/errors"

	"github.com/adtechlabs/libtasks/events"
	"github.com/adtechlabs/libtasks/loop"
	"github.com/adtechlabs/libtasks/queue"
	"github.com/adtechlabs/libtasks/task"
	"github.com/adtechlabs/libtasks/telemetry"
)

// Registry is the capability a Worker needs from its owning dispatcher:
// the free-worker pool and the single source of truth for "who is leader
// right now". Defined here, not in package dispatcher, so dispatcher can
// depend on worker without worker importing dispatcher.
type Registry interface {
	// FreeWorker removes and returns one parked worker, or nil if none is
	// currently free (spec.md §4.2: handoff is a best-effort promotion).
	FreeWorker() *Worker
	// AddFree returns w to the free pool. Called by w itself, just before
	// it parks.
	AddFree(w *Worker)
	// SetLeader records w as the worker currently permitted to call
	// RunOnce. Regular task callbacks route to whoever this currently
	// names (see EnqueueIO), since ownership of the live queues follows
	// the loop, not whichever worker originally registered the watcher
	// (spec.md §6's "ownership moves with the loop").
	SetLeader(w *Worker)
	// CurrentLeader returns the worker SetLeader most recently recorded.
	CurrentLeader() *Worker
}

// Worker is one OS-thread-equivalent participant in the leader/followers
// pool. All Workers in a pool share the same *loop.Loop pointer; the
// atomic leader flag, not pointer possession, is what gates RunOnce
// (spec.md §9's resolution of the "loop handle present iff leader" tension
// with rearming during drain).
type Worker struct {
	id  int
	lp  *loop.Loop
	cfg Config

	registry Registry
	ev       events.Handler
	log      *zap.Logger

	leader    atomic.Bool
	terminate atomic.Bool

	wake     chan struct{}
	shutdown <-chan struct{}
	done     chan struct{}

	ioQueue    queue.IOQueue
	timerQueue queue.TimerQueue
	inbox      *asyncInbox

	tasksMu sync.Mutex
	tasks   map[uuid.UUID]task.Task
}

// Config bundles the per-worker tunables a Dispatcher hands down. Kept
// small and copied by value - no file or environment loading happens here
// (out of scope per spec.md §1); the zero value plus InitDefaults is the
// only construction path.
type Config struct {
	// PollBudget bounds a single RunOnce call (spec.md §4.1's "bounded
	// poll pass").
	PollBudget time.Duration
	// FollowerWaitTimeout is the periodic liveness recheck a parked
	// follower performs between wake signals - a defensive guard, since
	// shutdown and promotion wakes are otherwise delivered immediately
	// via channel close/send (spec.md §9, "cleaner design" note).
	FollowerWaitTimeout time.Duration
}

// InitDefaults fills in zero fields with workable defaults, mirroring the
// teacher's pool.Config.InitDefaults pattern.
func (c *Config) InitDefaults() {
	if c.PollBudget <= 0 {
		c.PollBudget = 200 * time.Millisecond
	}
	if c.FollowerWaitTimeout <= 0 {
		c.FollowerWaitTimeout = time.Second
	}
}

// New constructs a Worker and wires its async inbox into lp. It does not
// start the worker's goroutine - callers must call Run in their own
// goroutine once every worker in the pool has been constructed this way
// (spec.md §9's startup-barrier resolution: no sleep, a real barrier).
func New(id int, lp *loop.Loop, cfg Config, registry Registry, ev events.Handler, log *zap.Logger, shutdown <-chan struct{}, initialLeader bool) (*Worker, error) {
	if log == nil {
		log = telemetry.Nop()
	}
	cfg.InitDefaults()

	w := &Worker{
		id:       id,
		lp:       lp,
		cfg:      cfg,
		registry: registry,
		ev:       ev,
		log:      log,
		wake:     make(chan struct{}, 1),
		shutdown: shutdown,
		done:     make(chan struct{}),
		tasks:    make(map[uuid.UUID]task.Task),
	}
	w.leader.Store(initialLeader)

	inbox, err := newAsyncInbox(w)
	if err != nil {
		return nil, err
	}
	if err := inbox.register(lp); err != nil {
		return nil, err
	}
	w.inbox = inbox

	return w, nil
}

// ID implements task.Host.
func (w *Worker) ID() int { return w.id }

// Loop implements task.Host.
func (w *Worker) Loop() *loop.Loop { return w.lp }

// EnqueueIO implements task.Host. It routes to whichever worker the
// registry currently names as leader, not to the receiver - see Registry's
// doc comment for why that is the correct queue owner at fire time.
func (w *Worker) EnqueueIO(t task.Task, revents loop.IOEvents) {
	w.currentOwner().ioQueue.Push(queue.IOEntry{Task: t, Revents: revents})
}

// EnqueueTimer implements task.Host, with the same routing as EnqueueIO.
func (w *Worker) EnqueueTimer(t task.Task) {
	w.currentOwner().timerQueue.Push(t)
}

// Defer implements task.Host. Unlike EnqueueIO/EnqueueTimer, this is
// pinned to the receiver, not routed dynamically (see asyncInbox).
func (w *Worker) Defer(fn func(task.Host)) {
	w.inbox.enqueue(fn)
}

func (w *Worker) currentOwner() *Worker {
	if l := w.registry.CurrentLeader(); l != nil {
		return l
	}
	return w
}

// Register records t as owned by this worker, for enumeration during
// shutdown (spec.md §9's resolution of the original's shutdown FIXME).
func (w *Worker) Register(t task.Task) {
	w.tasksMu.Lock()
	defer w.tasksMu.Unlock()
	w.tasks[t.TaskID()] = t
}

// Unregister drops t from the live-task set; called once a task is
// destroyed (one-shot timer fired, or a handler failed with
// DeleteAfterError true).
func (w *Worker) Unregister(t task.Task) {
	w.tasksMu.Lock()
	defer w.tasksMu.Unlock()
	delete(w.tasks, t.TaskID())
}

// LiveTasks returns a snapshot of every task this worker currently owns.
func (w *Worker) LiveTasks() []task.Task {
	w.tasksMu.Lock()
	defer w.tasksMu.Unlock()
	out := make([]task.Task, 0, len(w.tasks))
	for _, t := range w.tasks {
		out = append(out, t)
	}
	return out
}

// Terminate requests that this worker unwind. It does not block; callers
// wait on Done().
func (w *Worker) Terminate() {
	w.terminate.Store(true)
}

// Done is closed once Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Close releases this worker's async inbox wakeup fd. Callers must wait
// for Done() first, and must call this before the shared loop.Loop itself
// is closed.
func (w *Worker) Close() error {
	return w.inbox.close(w.lp)
}

// Run is the worker's main loop: Follower until promoted or promoted at
// construction, Leader while it owns polling, Draining on every
// RunOnce pass that produced work, Terminating once the terminate flag is
// observed (spec.md §4.1).
func (w *Worker) Run() {
	defer close(w.done)

	for {
		if w.terminate.Load() {
			break
		}
		if !w.leader.Load() {
			w.awaitPromotion()
			continue
		}

		fired, err := w.lp.RunOnce(w.cfg.PollBudget)
		if err != nil {
			w.log.Error("poll failed", telemetry.WorkerField(w.id), zap.Error(err))
			w.terminate.Store(true)
			break
		}

		if fired == 0 {
			continue
		}
		if w.ioQueue.Len() == 0 && w.timerQueue.Len() == 0 {
			// Every callback this pass was a wakeup (the loop's unloop
			// source or an async inbox, whose closures already ran
			// inline), so nothing was queued.
			continue
		}

		w.promote()
		w.drain()
	}

	if w.leader.Load() {
		// Still leader while unwinding: trigger the shared loop's unloop
		// wakeup so that any RunOnce on it returns at once. Followers are
		// not signalled here; they exit via the shutdown channel or their
		// periodic recheck.
		w.lp.UnloopAll()
	}
	w.ev.Push(events.WorkerEvent{Kind: events.WorkerTerminated, WorkerID: w.id})
}

// awaitPromotion parks this follower until it is promoted, the pool is
// shutting down, or a periodic liveness recheck fires. The recheck exists
// purely as a defensive guard against a missed wake; ordinary promotion
// and shutdown are both delivered by an immediate signal (channel send,
// channel close), matching spec.md §9's "cleaner design... removes the
// timeout entirely" note, which this implementation keeps as a backstop
// rather than removing outright.
func (w *Worker) awaitPromotion() {
	ticker := time.NewTicker(w.cfg.FollowerWaitTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-w.wake:
			return
		case <-w.shutdown:
			return
		case <-ticker.C:
			if w.leader.Load() || w.terminate.Load() {
				return
			}
		}
	}
}

// promote hands leadership to one free follower, in the order spec.md
// §4.2 requires: clear our own leader flag, record the new leader with
// the registry, set the follower's leader flag, then signal it. The loop
// pointer itself never moves - every worker already shares it - so there
// is no separate "move loop reference" step to perform.
func (w *Worker) promote() {
	free := w.registry.FreeWorker()
	if free == nil {
		return
	}

	w.leader.Store(false)
	w.registry.SetLeader(free)
	free.leader.Store(true)

	select {
	case free.wake <- struct{}{}:
	default:
	}

	w.ev.Push(events.WorkerEvent{Kind: events.WorkerPromoted, WorkerID: free.id})
}

// drain runs every handler fired during the RunOnce pass that just ended,
// I/O before timers (spec.md §4.3), then parks this worker back onto the
// free pool unless it is terminating or is still the leader. This runs concurrently with the new
// leader's own polling - that parallelism is the entire point of the
// handoff.
func (w *Worker) drain() {
	for {
		e, ok := w.ioQueue.PopFront()
		if !ok {
			break
		}
		if e.Task == nil {
			// A callback enqueued an entry with no task attached - a
			// programmer error in the watcher wiring, not a condition any
			// caller can recover from (spec.md §5; teacher's equivalent:
			// worker_watcher.wait panicking on an unrecoverable pool state).
			err := errors.E(errors.Op("worker_drain_io"), errors.Str("nil task dequeued from io queue"))
			w.log.Error("assertion failed", telemetry.WorkerField(w.id), zap.Error(err))
			panic(err)
		}
		w.handleIO(e.Task, e.Revents)
	}
	for {
		t, ok := w.timerQueue.PopFront()
		if !ok {
			break
		}
		if t == nil {
			err := errors.E(errors.Op("worker_drain_timer"), errors.Str("nil task dequeued from timer queue"))
			w.log.Error("assertion failed", telemetry.WorkerField(w.id), zap.Error(err))
			panic(err)
		}
		w.handleTimer(t)
	}

	if w.terminate.Load() {
		return
	}
	// Only park if promote() actually handed leadership to someone else.
	// If no follower was free, promote() left us as leader (spec.md §4.2's
	// back-pressure path) and we must keep driving the loop ourselves, not
	// sit on the free list where a later promote() could hand "our own"
	// leadership to a second worker at the same time.
	if w.leader.Load() {
		return
	}
	w.registry.AddFree(w)
	w.ev.Push(events.WorkerEvent{Kind: events.WorkerParked, WorkerID: w.id})
}

func (w *Worker) handleIO(t task.Task, revents loop.IOEvents) {
	ok := t.HandleEvent(w, revents)
	if ok {
		if err := t.StartWatcher(w); err != nil {
			w.log.Error("rearm failed", telemetry.WorkerField(w.id), telemetry.TaskField(t.TaskID().String()), zap.Error(err))
			w.destroy(t)
		}
		return
	}

	w.ev.Push(events.TaskEvent{Kind: events.TaskError, WorkerID: w.id, TaskID: t.TaskID().String()})
	if t.DeleteAfterError() {
		w.destroy(t)
	}
}

// handleTimer runs a fired timer task's handler, then decides whether to
// rearm or destroy it. On a true return, a one-shot timer (Repeat() == 0,
// via task.Repeater) is destroyed and a repeating timer is rearmed. On a
// false return the timer is never rearmed, and is destroyed only if
// DeleteAfterError reports true (spec.md §4.3).
func (w *Worker) handleTimer(t task.Task) {
	ok := t.HandleEvent(w, 0)
	if !ok {
		w.ev.Push(events.TaskEvent{Kind: events.TaskError, WorkerID: w.id, TaskID: t.TaskID().String()})
		if t.DeleteAfterError() {
			w.destroy(t)
		}
		return
	}

	if rep, isRepeater := t.(task.Repeater); isRepeater && rep.Repeat() <= 0 {
		w.destroy(t)
		return
	}

	if err := t.StartWatcher(w); err != nil {
		w.log.Error("rearm failed", telemetry.WorkerField(w.id), telemetry.TaskField(t.TaskID().String()), zap.Error(err))
		w.destroy(t)
	}
}

func (w *Worker) destroy(t task.Task) {
	_ = t.StopWatcher(w)
	w.Unregister(t)
	w.ev.Push(events.TaskEvent{Kind: events.TaskDestroyed, WorkerID: w.id, TaskID: t.TaskID().String()})
}
