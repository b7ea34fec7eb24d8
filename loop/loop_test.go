package loop_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adtechlabs/libtasks/loop"
)

func TestScheduleTimerFires(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)
	defer l.Close()

	fired := make(chan struct{})
	l.ScheduleTimer(10*time.Millisecond, func() { close(fired) })

	fired2 := false
	for i := 0; i < 10 && !fired2; i++ {
		if _, err := l.RunOnce(50 * time.Millisecond); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		select {
		case <-fired:
			fired2 = true
		default:
		}
	}
	assert.True(t, fired2, "timer never fired within the poll budget")
}

func TestCancelTimerPreventsFire(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)
	defer l.Close()

	id := l.ScheduleTimer(20*time.Millisecond, func() { t.Fatal("cancelled timer fired") })
	assert.True(t, l.CancelTimer(id))
	assert.False(t, l.CancelTimer(id), "second cancel of the same id must be a no-op, not a double-fire")

	_, err = l.RunOnce(30 * time.Millisecond)
	require.NoError(t, err)
}

func TestUnloopAllReturnsBlockedRunOnce(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)
	defer l.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// No timers, no fds: without UnloopAll this would block for the
		// full budget.
		_, _ = l.RunOnce(10 * time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	l.UnloopAll()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunOnce did not return after UnloopAll")
	}
}

func TestRegisterFDDeliversReadReadiness(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)
	defer l.Close()

	r, w := mustPipe(t)
	defer r.Close()
	defer w.Close()

	var mu sync.Mutex
	var gotEvents loop.IOEvents
	fired := make(chan struct{})

	require.NoError(t, l.RegisterFD(int(r.Fd()), loop.EventRead, func(ev loop.IOEvents) {
		mu.Lock()
		gotEvents = ev
		mu.Unlock()
		close(fired)
	}))

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		if _, err := l.RunOnce(100 * time.Millisecond); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		select {
		case <-fired:
			mu.Lock()
			assert.NotZero(t, gotEvents&loop.EventRead)
			mu.Unlock()
			return
		default:
		}
	}
	t.Fatal("fd readiness never delivered")
}
