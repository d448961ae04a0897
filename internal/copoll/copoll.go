//go:build linux
// +build linux

// Package copoll implements CoEpoll: the fd -> {reader, writer} waiter
// registry over a single epoll instance. Grounded on the teacher's
// register_unix.go (Registry) and poll_unix.go (poll/processEvent), kept as
// the same thin unix.EpollCtl/unix.EpollWait wrapper, generalized from a
// connection-pool reactor to generic read/write waiter slots.
package copoll

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/fzft/corosched/coroerr"
	"github.com/fzft/corosched/corolog"
)

const (
	readEvents  = unix.EPOLLIN | unix.EPOLLPRI
	writeEvents = unix.EPOLLOUT
)

// Waiter is one coroutine's readiness registration on an fd. Resume is
// invoked by Poll (from the owning thread) once for a readiness event or an
// error/hangup, always with a nil err: the retried syscall reports the
// outcome. CancelAll passes its own err instead.
type Waiter struct {
	Resume func(err error)
}

type fdState struct {
	fd     int
	reader *Waiter
	writer *Waiter
}

func (s *fdState) mask() uint32 {
	var m uint32
	if s.reader != nil {
		m |= readEvents
	}
	if s.writer != nil {
		m |= writeEvents
	}
	return m
}

// CoEpoll owns one epoll instance and the fd waiter registry over it.
// Like every other Processor-owned structure it is not safe for concurrent
// use: all methods must run on the owning thread.
type CoEpoll struct {
	epfd    int
	wakeFD  int
	states  map[int]*fdState
	eventsN int
}

// New creates an epoll instance and registers wakeFD (the Processor's
// cross-thread wakeup eventfd) for read events. wakeFD's readiness is
// drained and skipped inside Poll, never surfaced as a Waiter event.
func New(wakeFD int, maxEvents int) (*CoEpoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, coroerr.NewFatal(coroerr.ErrSetupFailed, fmt.Errorf("epoll_create1: %w", err))
	}
	ce := &CoEpoll{
		epfd:    epfd,
		wakeFD:  wakeFD,
		states:  make(map[int]*fdState),
		eventsN: maxEvents,
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{Fd: int32(wakeFD), Events: unix.EPOLLIN}); err != nil {
		unix.Close(epfd)
		return nil, coroerr.NewFatal(coroerr.ErrSetupFailed, fmt.Errorf("epoll_ctl add wakefd: %w", err))
	}
	return ce, nil
}

// Interest selects which direction a waiter cares about.
type Interest int

const (
	Readable Interest = iota
	Writable
)

// UpdateEvent registers or modifies fd's interest for the given direction,
// recording waiter as the coroutine to resume when it fires. At most one
// waiter per (fd, direction) may be pending; a second registration attempt
// is Misuse (spec.md section 4.3/ Open Questions).
func (ce *CoEpoll) UpdateEvent(fd int, interest Interest, waiter *Waiter) error {
	st, existed := ce.states[fd]
	if !existed {
		st = &fdState{fd: fd}
		ce.states[fd] = st
	}

	switch interest {
	case Readable:
		if st.reader != nil {
			return coroerr.NewFatal(coroerr.ErrMisuse, fmt.Errorf("fd %d already has a reader waiter", fd))
		}
		st.reader = waiter
	case Writable:
		if st.writer != nil {
			return coroerr.NewFatal(coroerr.ErrMisuse, fmt.Errorf("fd %d already has a writer waiter", fd))
		}
		st.writer = waiter
	}

	op := unix.EPOLL_CTL_MOD
	if !existed {
		op = unix.EPOLL_CTL_ADD
	}
	ev := &unix.EpollEvent{Fd: int32(fd), Events: st.mask()}
	if err := unix.EpollCtl(ce.epfd, op, fd, ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// clearDirection removes one direction's waiter slot and re-arms epoll
// with whatever mask remains (or removes the fd entirely if both are now
// empty).
func (ce *CoEpoll) clearDirection(st *fdState, interest Interest) {
	switch interest {
	case Readable:
		st.reader = nil
	case Writable:
		st.writer = nil
	}
	if st.reader == nil && st.writer == nil {
		unix.EpollCtl(ce.epfd, unix.EPOLL_CTL_DEL, st.fd, nil)
		delete(ce.states, st.fd)
		return
	}
	unix.EpollCtl(ce.epfd, unix.EPOLL_CTL_MOD, st.fd, &unix.EpollEvent{Fd: int32(st.fd), Events: st.mask()})
}

// Forget clears a single direction's waiter slot without invoking its
// Resume callback — used when a timeout fires first and the waiter must be
// unregistered before the coroutine it belonged to is reused for anything
// else. Unlike RemoveEvent this leaves the other direction's registration
// (if any) intact.
func (ce *CoEpoll) Forget(fd int, interest Interest) {
	st, ok := ce.states[fd]
	if !ok {
		return
	}
	ce.clearDirection(st, interest)
}

// RemoveEvent deletes fd's kernel registration entirely and clears both
// waiter slots without resuming them (callers that need waiters resumed on
// close should read them first, e.g. via CancelAll).
func (ce *CoEpoll) RemoveEvent(fd int) error {
	_, ok := ce.states[fd]
	if !ok {
		return nil
	}
	if err := unix.EpollCtl(ce.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	delete(ce.states, fd)
	return nil
}

// CancelAll resumes every pending waiter on fd with err and removes the
// registration. Used when a connection's fd is closed: "closing an fd
// cancels all its pending waiters" (spec.md section 5).
func (ce *CoEpoll) CancelAll(fd int, err error) {
	st, ok := ce.states[fd]
	if !ok {
		return
	}
	if st.reader != nil {
		st.reader.Resume(err)
	}
	if st.writer != nil {
		st.writer.Resume(err)
	}
	unix.EpollCtl(ce.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(ce.states, fd)
}

// Poll blocks up to timeoutMs waiting for kernel readiness, then resumes
// every waiter whose fd fired, in kernel-returned order, reader before
// writer within a single fd. It returns the number of waiters resumed.
func (ce *CoEpoll) Poll(timeoutMs int) (int, error) {
	events := make([]unix.EpollEvent, ce.eventsN)
	n, err := unix.EpollWait(ce.epfd, events, timeoutMs)
	if n < 0 {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	resumed := 0
	for i := 0; i < n; i++ {
		ev := &events[i]
		fd := int(ev.Fd)

		if fd == ce.wakeFD {
			drainEventfd(ce.wakeFD)
			continue
		}

		st, ok := ce.states[fd]
		if !ok {
			continue
		}

		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			// Both slots are resumed: each will observe the error on retry.
			if st.reader != nil {
				r := st.reader
				st.reader = nil
				r.Resume(nil)
				resumed++
			}
			if st.writer != nil {
				w := st.writer
				st.writer = nil
				w.Resume(nil)
				resumed++
			}
			unix.EpollCtl(ce.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			delete(ce.states, fd)
			continue
		}

		if ev.Events&readEvents != 0 && st.reader != nil {
			r := st.reader
			ce.clearDirection(st, Readable)
			r.Resume(nil)
			resumed++
		}
		if ev.Events&writeEvents != 0 && st.writer != nil {
			w := st.writer
			ce.clearDirection(st, Writable)
			w.Resume(nil)
			resumed++
		}
	}
	return resumed, nil
}

// Close releases the epoll fd itself. It does not close registered
// connection fds; those are owned by netconn.Conn.
func (ce *CoEpoll) Close() error {
	corolog.Component("copoll").Debug("closing epoll instance")
	return unix.Close(ce.epfd)
}

func drainEventfd(fd int) {
	var buf [8]byte
	unix.Read(fd, buf[:])
}
