//go:build darwin

package loop

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// poller is the kqueue-backed implementation used on Darwin/BSD. See
// poller_linux.go for the epoll equivalent; the two share the same
// registration/wait contract so loop.go need not special-case platforms.
type poller struct {
	kq int

	mu  sync.RWMutex
	fds map[int]registration

	buf [128]unix.Kevent_t
}

type registration struct {
	interest IOEvents
	cb       IOCallback
}

func (p *poller) init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	p.kq = kq
	p.fds = make(map[int]registration)
	return nil
}

func (p *poller) close() error {
	return unix.Close(p.kq)
}

func (p *poller) add(fd int, interest IOEvents, cb IOCallback) error {
	p.mu.Lock()
	p.fds[fd] = registration{interest: interest, cb: cb}
	p.mu.Unlock()
	return p.applyFilters(fd, interest, unix.EV_ADD|unix.EV_CLEAR)
}

func (p *poller) modify(fd int, interest IOEvents) error {
	p.mu.Lock()
	r, ok := p.fds[fd]
	if !ok {
		p.mu.Unlock()
		return unix.ENOENT
	}
	old := r.interest
	r.interest = interest
	p.fds[fd] = r
	p.mu.Unlock()

	if old&EventRead != 0 && interest&EventRead == 0 {
		_ = p.applyOne(fd, unix.EVFILT_READ, unix.EV_DELETE)
	}
	if old&EventWrite != 0 && interest&EventWrite == 0 {
		_ = p.applyOne(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	}
	return p.applyFilters(fd, interest, unix.EV_ADD|unix.EV_CLEAR)
}

func (p *poller) remove(fd int) error {
	p.mu.Lock()
	_, ok := p.fds[fd]
	delete(p.fds, fd)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	_ = p.applyOne(fd, unix.EVFILT_READ, unix.EV_DELETE)
	_ = p.applyOne(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	return nil
}

func (p *poller) applyFilters(fd int, interest IOEvents, flags uint16) error {
	if interest&EventRead != 0 {
		if err := p.applyOne(fd, unix.EVFILT_READ, flags); err != nil {
			return err
		}
	}
	if interest&EventWrite != 0 {
		if err := p.applyOne(fd, unix.EVFILT_WRITE, flags); err != nil {
			return err
		}
	}
	return nil
}

func (p *poller) applyOne(fd int, filter int16, flags uint16) error {
	ev := unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags}
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{ev}, nil, nil)
	return err
}

func (p *poller) wait(timeout time.Duration) (int, error) {
	ts := unix.NsecToTimespec(timeout.Nanoseconds())

	n, err := unix.Kevent(p.kq, nil, p.buf[:], &ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	fired := 0
	for i := 0; i < n; i++ {
		fd := int(p.buf[i].Ident)
		p.mu.RLock()
		r, ok := p.fds[fd]
		p.mu.RUnlock()
		if !ok || r.cb == nil {
			continue
		}
		r.cb(fromKeventFlags(p.buf[i]))
		fired++
	}
	return fired, nil
}

func fromKeventFlags(ev unix.Kevent_t) IOEvents {
	var out IOEvents
	switch ev.Filter {
	case unix.EVFILT_READ:
		out |= EventRead
	case unix.EVFILT_WRITE:
		out |= EventWrite
	}
	if ev.Flags&unix.EV_EOF != 0 {
		out |= EventHangup
	}
	if ev.Flags&unix.EV_ERROR != 0 {
		out |= EventError
	}
	return out
}

// createWakeFD returns a self-pipe: the read end is registered with the
// poller, the write end is kept by the caller (WakeupSource) for
// signalling. Every WakeupSource gets its own pair - there is no
// process-wide singleton, since a pool has one per Loop plus one per
// Worker.
func createWakeFD() (readFD, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	_ = unix.SetNonblock(fds[0], true)
	_ = unix.SetNonblock(fds[1], true)
	return fds[0], fds[1], nil
}

func drainWakeFD(fd int) {
	var buf [64]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

func signalWakeFD(writeFD int) error {
	_, err := unix.Write(writeFD, []byte{1})
	return err
}

func closeWakeFD(readFD, writeFD int) error {
	_ = unix.Close(readFD)
	if writeFD != readFD {
		_ = unix.Close(writeFD)
	}
	return nil
}
