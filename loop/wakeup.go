package loop

import "github.com/spiral/errors"

// WakeupSource is a self-pipe/eventfd style fd that can be registered with
// a Loop like any other I/O source and triggered from any goroutine to
// force a blocked RunOnce to return. The worker package uses one of these
// per worker to back its async inbox (spec.md §4.4): the fd is registered
// once, at worker construction, and stays registered for the worker's
// whole lifetime regardless of which worker currently holds leadership
// (spec.md §9's open question - the registration is pinned to the worker
// that created it, not to "whoever is leader now").
// A pool has one WakeupSource per Loop (UnloopAll) plus one per Worker
// (the async inbox), so each instance owns its own read/write fd pair -
// none of this is package-global state.
type WakeupSource struct {
	readFD  int
	writeFD int
}

// NewWakeupSource creates a new wakeup fd pair. Callers must Close it once
// done and must not use FD() after the owning Loop has unregistered it.
func NewWakeupSource() (*WakeupSource, error) {
	const op = errors.Op("loop_new_wakeup_source")
	readFD, writeFD, err := createWakeFD()
	if err != nil {
		return nil, errors.E(op, err)
	}
	return &WakeupSource{readFD: readFD, writeFD: writeFD}, nil
}

// FD returns the read end to register with Loop.RegisterFD.
func (w *WakeupSource) FD() int { return w.readFD }

// Trigger wakes up whichever goroutine is currently blocked in RunOnce
// and polling this source's Loop.
func (w *WakeupSource) Trigger() error {
	return signalWakeFD(w.writeFD)
}

// Drain consumes the pending wakeup bytes. Call this from the registered
// callback before acting on whatever the wakeup signalled, so a second
// Trigger during handling is not lost and does not double-fire.
func (w *WakeupSource) Drain() {
	drainWakeFD(w.readFD)
}

// Close releases the underlying fd(s). The caller must have already
// unregistered FD() from its Loop.
func (w *WakeupSource) Close() error {
	return closeWakeFD(w.readFD, w.writeFD)
}
