// Package hook implements the hook layer: it turns otherwise-blocking
// descriptor operations into cooperative suspensions keyed on fd
// readiness. Go gives no symbol-level interposition over read(2)/write(2)
// the way the original C++ design relies on, so this package follows
// spec.md Design Notes section 9's own fallback: "expose an explicit
// async/awaitable I/O API ... plus a blocking-style wrapper that suspends
// the current task." Each function here is both: from the caller's
// perspective it reads like a blocking call (it only returns once the
// operation completes, times out, or fails); internally it is implemented
// by registering a waiter and swapping the current coroutine out.
//
// Grounded on the teacher's poll_unix.go accept()/handleWrite() EAGAIN
// handling for the "attempt, register-on-EAGAIN, retry" shape.
package hook

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fzft/corosched/coroerr"
	"github.com/fzft/corosched/internal/copoll"
	"github.com/fzft/corosched/internal/cotimer"
	"github.com/fzft/corosched/processor"
)

// Hooked reports whether ctx carries a Processor/Coroutine pair, i.e.
// whether hooking is available for the calling code. When it is not, the
// I/O functions in this package never suspend: on EAGAIN (or EINPROGRESS
// for ConnectAsync) they return that error to the caller instead —
// spec.md section 4.2 step 1's "falls through to the unhooked call".
func Hooked(ctx context.Context) bool {
	_, _, ok := processor.FromContext(ctx)
	return ok
}

// awaitFD registers the current coroutine as a waiter on fd for dir,
// optionally armed with a deadline, then swaps out. It returns nil once
// resumed by readiness (including an error/hangup event, which the retried
// syscall then reports), coroerr.ErrTimedOut if the deadline fired first,
// the error given to CoEpoll.CancelAll if the fd was closed, or the error
// from registration if registration itself failed.
func awaitFD(ctx context.Context, fd int, dir copoll.Interest, deadline time.Time) error {
	proc, co, ok := processor.FromContext(ctx)
	if !ok {
		return coroerr.ErrMisuse
	}

	var (
		done    bool
		ioErr   error
		timerID cotimer.ID
		hasTmr  bool
	)

	waiter := &copoll.Waiter{Resume: func(e error) {
		if done {
			return
		}
		done = true
		if hasTmr {
			proc.CancelTimer(timerID)
		}
		ioErr = e
		proc.ResumeCoroutine(co)
	}}

	if err := proc.Epoll().UpdateEvent(fd, dir, waiter); err != nil {
		return err
	}

	if !deadline.IsZero() {
		hasTmr = true
		timerID = proc.AddTimer(cotimer.Payload{Resume: func() {
			if done {
				return
			}
			done = true
			proc.Epoll().Forget(fd, dir)
			ioErr = coroerr.ErrTimedOut
			proc.ResumeCoroutine(co)
		}}, deadline, 0)
	}

	co.SwapOut()
	return ioErr
}

func classify(err error) error {
	switch err {
	case unix.EPIPE, unix.ECONNRESET:
		return coroerr.ErrPeerClosed
	default:
		return coroerr.NewFatal(coroerr.ErrFatalFD, err)
	}
}

// RecvAsync reads into buf, suspending the calling coroutine on EAGAIN
// until fd is readable or deadline elapses (the zero Time means no
// deadline). A 0-byte, nil-error return means the peer closed its write
// side (spec.md section 7, Peer-closed).
func RecvAsync(ctx context.Context, fd int, buf []byte, deadline time.Time) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == nil {
			return n, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if !Hooked(ctx) {
				return 0, err
			}
			if werr := awaitFD(ctx, fd, copoll.Readable, deadline); werr != nil {
				return 0, werr
			}
			continue
		}
		if err == unix.EINTR {
			continue
		}
		return 0, classify(err)
	}
}

// SendAsync writes all of buf, suspending on EAGAIN the same way RecvAsync
// does, looping until every byte is flushed or an error/timeout occurs
// (spec.md section 4.7: "looping to consume all bytes unless the
// connection is closed").
func SendAsync(ctx context.Context, fd int, buf []byte, deadline time.Time) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Write(fd, buf[total:])
		if err == nil {
			total += n
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if !Hooked(ctx) {
				return total, err
			}
			if werr := awaitFD(ctx, fd, copoll.Writable, deadline); werr != nil {
				return total, werr
			}
			continue
		}
		if err == unix.EINTR {
			continue
		}
		return total, classify(err)
	}
	return total, nil
}

// AcceptAsync accepts one connection from a non-blocking listening fd,
// suspending on EAGAIN until the listener is readable.
func AcceptAsync(ctx context.Context, listenFD int, deadline time.Time) (int, unix.Sockaddr, error) {
	for {
		connFD, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == nil {
			return connFD, sa, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if !Hooked(ctx) {
				return 0, nil, err
			}
			if werr := awaitFD(ctx, listenFD, copoll.Readable, deadline); werr != nil {
				return 0, nil, werr
			}
			continue
		}
		if err == unix.EINTR {
			continue
		}
		return 0, nil, classify(err)
	}
}

// ConnectAsync issues a non-blocking connect, suspending on EINPROGRESS
// until fd is writable, then checking SO_ERROR for the real outcome.
func ConnectAsync(ctx context.Context, fd int, sa unix.Sockaddr, deadline time.Time) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return classify(err)
	}
	if !Hooked(ctx) {
		return err
	}
	if werr := awaitFD(ctx, fd, copoll.Writable, deadline); werr != nil {
		return werr
	}
	errno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return classify(gerr)
	}
	if errno != 0 {
		return classify(unix.Errno(errno))
	}
	return nil
}

// SleepAsync suspends the calling coroutine for d, implemented as a
// one-shot timer rather than a real thread sleep so the Processor keeps
// running every other coroutine in the meantime. Without a hooking
// context it falls back to a real time.Sleep, per the same "unhooked call"
// contract as the I/O operations above.
func SleepAsync(ctx context.Context, d time.Duration) {
	proc, co, ok := processor.FromContext(ctx)
	if !ok {
		time.Sleep(d)
		return
	}
	proc.AddTimer(cotimer.Payload{Resume: func() {
		proc.ResumeCoroutine(co)
	}}, time.Now().Add(d), 0)
	co.SwapOut()
}
