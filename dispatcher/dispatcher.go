// Package dispatcher implements component C5: the fixed pool of workers,
// the free-worker registry they hand leadership through, and the public
// entry points for submitting tasks and shutting the pool down. Everything
// above this package (façades, builders, application handlers) is
// explicitly out of scope (spec.md §1) - Submit and Shutdown are the
// direct methods that remain in scope.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/spiral/errors"

	"github.com/adtechlabs/libtasks/events"
	"github.com/adtechlabs/libtasks/loop"
	"github.com/adtechlabs/libtasks/task"
	"github.com/adtechlabs/libtasks/telemetry"
	"github.com/adtechlabs/libtasks/worker"
)

// Dispatcher owns the shared loop.Loop and the fixed Worker pool built on
// top of it. It implements worker.Registry so workers can hand off
// leadership and route live queues without depending on this package.
type Dispatcher struct {
	cfg     Config
	lp      *loop.Loop
	workers []*worker.Worker
	ev      events.Handler
	log     *zap.Logger

	freeMu sync.Mutex
	free   []*worker.Worker

	leader atomic.Pointer[worker.Worker]

	submitNext atomic.Uint64

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// Option configures a Dispatcher at construction time, mirroring the
// teacher's pool.Options functional-option pattern.
type Option func(d *Dispatcher)

// WithLogger replaces the default no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithListener registers an event listener before any worker starts, so
// it never misses a startup event.
func WithListener(l events.Listener) Option {
	return func(d *Dispatcher) { d.ev.AddListener(l) }
}

// New builds the shared loop and every worker in the pool, fully wiring
// each one (loop registration, async inbox, free-list membership) before
// starting any goroutine. This is the startup-barrier resolution: the
// original's fixed post-spawn sleep is replaced by a real happens-before
// edge - no worker goroutine runs until the whole pool is constructed.
func New(cfg Config, opts ...Option) (*Dispatcher, error) {
	const op = errors.Op("dispatcher_new")
	cfg.InitDefaults()

	lp, err := loop.New()
	if err != nil {
		return nil, errors.E(op, err)
	}

	d := &Dispatcher{
		cfg:        cfg,
		lp:         lp,
		ev:         events.NewHandler(),
		log:        telemetry.Nop(),
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	workers := make([]*worker.Worker, cfg.NumWorkers)
	for i := 0; i < cfg.NumWorkers; i++ {
		w, err := worker.New(i, lp, cfg.workerConfig(), d, d.ev, d.log, d.shutdownCh, i == 0)
		if err != nil {
			_ = lp.Close()
			return nil, errors.E(op, err)
		}
		workers[i] = w
	}
	d.workers = workers
	d.leader.Store(workers[0])
	for _, w := range workers[1:] {
		d.free = append(d.free, w)
	}

	for _, w := range workers {
		go w.Run()
	}

	return d, nil
}

// Events returns the bus every worker and task lifecycle transition is
// pushed through, for application code that wants to observe the pool.
func (d *Dispatcher) Events() events.Handler { return d.ev }

// FreeWorker implements worker.Registry.
func (d *Dispatcher) FreeWorker() *worker.Worker {
	d.freeMu.Lock()
	defer d.freeMu.Unlock()
	if len(d.free) == 0 {
		return nil
	}
	w := d.free[0]
	d.free[0] = nil
	d.free = d.free[1:]
	return w
}

// AddFree implements worker.Registry.
func (d *Dispatcher) AddFree(w *worker.Worker) {
	d.freeMu.Lock()
	defer d.freeMu.Unlock()
	d.free = append(d.free, w)
}

// SetLeader implements worker.Registry.
func (d *Dispatcher) SetLeader(w *worker.Worker) { d.leader.Store(w) }

// CurrentLeader implements worker.Registry.
func (d *Dispatcher) CurrentLeader() *worker.Worker { return d.leader.Load() }

// Submit places t on one worker's async inbox, round-robin, and arranges
// for its watcher to be started there. Placement is not re-balanced after
// the fact - spec.md's Non-goals explicitly exclude work stealing and
// fairness.
func (d *Dispatcher) Submit(t task.Task) error {
	if len(d.workers) == 0 {
		return errors.E(errors.Op("dispatcher_submit"), errors.Str("no workers configured"))
	}
	idx := int(d.submitNext.Inc()-1) % len(d.workers)
	w := d.workers[idx]
	w.Register(t)
	w.Defer(func(h task.Host) {
		if err := t.StartWatcher(h); err != nil {
			d.log.Error("task registration failed", telemetry.TaskField(t.TaskID().String()), zap.Error(err))
			w.Unregister(t)
		}
	})
	return nil
}

// Shutdown requests every worker terminate, wakes whichever worker is
// currently blocked in RunOnce, waits for all worker goroutines to exit,
// and then enumerates and disposes of every task still registered on any
// worker - the original's shutdown FIXME ("tasks should be enumerated and
// deleted but are not"), resolved here via each worker's task registry
// (spec.md §9).
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	const op = errors.Op("dispatcher_shutdown")

	d.shutdownOnce.Do(func() {
		d.ev.Push(events.WorkerEvent{Kind: events.DispatcherShutdown, WorkerID: -1})
		for _, w := range d.workers {
			w.Terminate()
		}
		close(d.shutdownCh)
		d.lp.UnloopAll()
	})

	done := make(chan struct{})
	go func() {
		for _, w := range d.workers {
			<-w.Done()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return errors.E(op, ctx.Err())
	case <-time.After(d.cfg.ShutdownGrace):
		return errors.E(op, errors.Str("timed out waiting for workers to terminate"))
	}

	for _, w := range d.workers {
		for _, t := range w.LiveTasks() {
			_ = t.StopWatcher(w)
			w.Unregister(t)
		}
		_ = w.Close()
	}

	return d.lp.Close()
}
