//go:build linux

package loop

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// poller is the epoll-backed implementation of the polling primitive this
// package wraps. Registration (add/modify/remove) is safe to call from any
// goroutine; wait must only be called by the current leader (enforced by
// the worker package, not here - epoll_ctl and epoll_wait on the same epfd
// from different threads is explicitly supported by the kernel).
type poller struct {
	epfd int

	mu  sync.RWMutex
	fds map[int]registration

	buf [128]unix.EpollEvent
}

type registration struct {
	interest IOEvents
	cb       IOCallback
}

func (p *poller) init() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	p.fds = make(map[int]registration)
	return nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

func (p *poller) add(fd int, interest IOEvents, cb IOCallback) error {
	p.mu.Lock()
	p.fds[fd] = registration{interest: interest, cb: cb}
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: toEpollMask(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.mu.Lock()
		delete(p.fds, fd)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *poller) modify(fd int, interest IOEvents) error {
	p.mu.Lock()
	r, ok := p.fds[fd]
	if !ok {
		p.mu.Unlock()
		return unix.ENOENT
	}
	r.interest = interest
	p.fds[fd] = r
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: toEpollMask(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *poller) remove(fd int) error {
	p.mu.Lock()
	_, ok := p.fds[fd]
	delete(p.fds, fd)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

// wait blocks for up to timeout for readiness on any registered fd and
// invokes the matching callbacks inline. It returns the number of
// callbacks invoked.
func (p *poller) wait(timeout time.Duration) (int, error) {
	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}

	n, err := unix.EpollWait(p.epfd, p.buf[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	fired := 0
	for i := 0; i < n; i++ {
		fd := int(p.buf[i].Fd)
		p.mu.RLock()
		r, ok := p.fds[fd]
		p.mu.RUnlock()
		if !ok || r.cb == nil {
			continue
		}
		r.cb(fromEpollMask(p.buf[i].Events))
		fired++
	}
	return fired, nil
}

func toEpollMask(ev IOEvents) uint32 {
	var m uint32
	if ev&EventRead != 0 {
		m |= unix.EPOLLIN
	}
	if ev&EventWrite != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func fromEpollMask(m uint32) IOEvents {
	var ev IOEvents
	if m&unix.EPOLLIN != 0 {
		ev |= EventRead
	}
	if m&unix.EPOLLOUT != 0 {
		ev |= EventWrite
	}
	if m&unix.EPOLLERR != 0 {
		ev |= EventError
	}
	if m&unix.EPOLLHUP != 0 {
		ev |= EventHangup
	}
	return ev
}

// createWakeFD returns an eventfd, whose single fd serves as both the read
// end (register with the poller) and the write end (Trigger).
func createWakeFD() (readFD, writeFD int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return 0, 0, err
	}
	return fd, fd, nil
}

func drainWakeFD(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

func signalWakeFD(fd int) error {
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(fd, one[:])
	return err
}

func closeWakeFD(readFD, writeFD int) error {
	if writeFD != readFD && writeFD >= 0 {
		_ = unix.Close(writeFD)
	}
	return unix.Close(readFD)
}
