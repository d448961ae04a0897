//go:build linux
// +build linux

// Package netconn implements CoTcpConnection: a thin, linear-code facade
// over a connected, non-blocking socket fd bound to one Processor.
// Grounded on the teacher's node/conn.go Conn/BufferedConn interfaces
// (kept as the facade's shape) and node/handler.go's default read/write
// functions (kept as the retry loop's shape, generalized from a
// buffer-backed reactor push-write into the hook layer's
// synchronous-looking Send loop).
package netconn

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fzft/corosched/coroerr"
	"github.com/fzft/corosched/internal/hook"
	"github.com/fzft/corosched/processor"
)

// Conn is a connected socket fd owned by one Processor. All methods must
// be called from a context carrying that Processor's coroutine; calling
// from a different Processor's coroutine is undefined per spec.md section
// 4.7. No method compares the context's Processor with the one the Conn
// was built with: a hooked Recv/Send registers the fd on whichever
// Processor the context carries, and no Misuse error is raised for it.
type Conn struct {
	fd    int
	name  string
	local net.Addr
	peer  net.Addr
	proc  *processor.Processor

	quit bool

	recvTimeout time.Duration
	sendTimeout time.Duration
}

// New wraps an already-connected, non-blocking fd bound to proc. The
// caller (an acceptor loop or Dial) is responsible for having set it
// non-blocking already.
func New(proc *processor.Processor, fd int, name string, local, peer net.Addr) *Conn {
	c := &Conn{fd: fd, name: name, local: local, peer: peer, proc: proc}
	c.recvTimeout = readSockTimeout(fd, unix.SO_RCVTIMEO)
	c.sendTimeout = readSockTimeout(fd, unix.SO_SNDTIMEO)
	return c
}

func readSockTimeout(fd, opt int) time.Duration {
	tv, err := unix.GetsockoptTimeval(fd, unix.SOL_SOCKET, opt)
	if err != nil || (tv.Sec == 0 && tv.Usec == 0) {
		return 0
	}
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}

func (c *Conn) Fd() int          { return c.fd }
func (c *Conn) Name() string     { return c.name }
func (c *Conn) LocalAddr() net.Addr { return c.local }
func (c *Conn) PeerAddr() net.Addr  { return c.peer }
func (c *Conn) IsConnected() bool   { return !c.quit }

func (c *Conn) deadline(configured time.Duration) time.Time {
	if configured <= 0 {
		return time.Time{}
	}
	return time.Now().Add(configured)
}

// Recv issues a hooked read into buf. A 0-byte, nil-error return means the
// peer closed its write side; the connection is marked quit so a
// subsequent Send fails fast with coroerr.ErrPeerClosed (spec.md section 8
// scenario 5).
func (c *Conn) Recv(ctx context.Context, buf []byte) (int, error) {
	if c.quit {
		return 0, coroerr.ErrPeerClosed
	}
	n, err := hook.RecvAsync(ctx, c.fd, buf, c.deadline(c.recvTimeout))
	if err != nil {
		if err == coroerr.ErrPeerClosed {
			c.quit = true
		}
		return 0, err
	}
	if n == 0 {
		c.quit = true
	}
	return n, nil
}

// Send writes all of data, looping until every byte is flushed unless the
// connection is already known closed.
func (c *Conn) Send(ctx context.Context, data []byte) (int, error) {
	if c.quit {
		return 0, coroerr.ErrPeerClosed
	}
	n, err := hook.SendAsync(ctx, c.fd, data, c.deadline(c.sendTimeout))
	if err != nil {
		if err == coroerr.ErrPeerClosed {
			c.quit = true
		}
		return n, err
	}
	return n, nil
}

// Shutdown half-closes the write side, signaling EOF to the peer while
// still allowing further reads.
func (c *Conn) Shutdown() error {
	if err := unix.Shutdown(c.fd, unix.SHUT_WR); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// SetTCPNoDelay toggles TCP_NODELAY (spec.md section 6's recognized
// tcp.no_delay socket option).
func (c *Conn) SetTCPNoDelay(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := unix.SetsockoptInt(c.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v); err != nil {
		return fmt.Errorf("setsockopt TCP_NODELAY: %w", err)
	}
	return nil
}

// Close cancels any pending waiters on this fd (spec.md section 5: "closing
// an fd cancels all its pending waiters") and closes it. Conn does not
// hand the fd off between Processors — it is scoped to the coroutine(s)
// that use it, per spec.md's ownership summary.
func (c *Conn) Close() error {
	c.quit = true
	if c.proc != nil && c.proc.Epoll() != nil {
		c.proc.Epoll().CancelAll(c.fd, coroerr.ErrPeerClosed)
	}
	return unix.Close(c.fd)
}
