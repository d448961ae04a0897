//go:build linux
// +build linux

package netconn

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/require"

	"github.com/fzft/corosched/coroerr"
	"github.com/fzft/corosched/processor"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func runningProcessor(t *testing.T) *processor.Processor {
	t.Helper()
	p := processor.New(0, "conntest", processor.Config{})
	done := make(chan error, 1)
	go func() { done <- p.Run() }()
	require.Eventually(t, func() bool { return p.Phase() == processor.Running }, time.Second, time.Millisecond)
	t.Cleanup(func() {
		p.Stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("processor did not stop")
		}
	})
	return p
}

func TestSendThenPeerRecv(t *testing.T) {
	p := runningProcessor(t)
	a, b := socketpair(t)

	conn := New(p, a, "c", nil, nil)

	sent := make(chan int, 1)
	errc := make(chan error, 1)
	p.AddTask(context.Background(), "send", func(ctx context.Context) {
		n, err := conn.Send(ctx, []byte("ping"))
		sent <- n
		errc <- err
	})

	select {
	case n := <-sent:
		require.Equal(t, 4, n)
		require.NoError(t, <-errc)
	case <-time.After(time.Second):
		t.Fatal("Send never completed")
	}

	unix.SetNonblock(b, false)
	buf := make([]byte, 16)
	n, err := unix.Read(b, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}

func TestRecvReportsPeerClosedAndLatchesQuit(t *testing.T) {
	p := runningProcessor(t)
	a, b := socketpair(t)
	conn := New(p, a, "c", nil, nil)

	result := make(chan int, 1)
	errc := make(chan error, 1)
	p.AddTask(context.Background(), "recv", func(ctx context.Context) {
		buf := make([]byte, 16)
		n, err := conn.Recv(ctx, buf)
		result <- n
		errc <- err
	})

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, unix.Close(b))

	select {
	case n := <-result:
		require.Equal(t, 0, n)
		require.NoError(t, <-errc)
	case <-time.After(time.Second):
		t.Fatal("Recv never observed close")
	}

	require.False(t, conn.IsConnected())

	sendErrc := make(chan error, 1)
	p.AddTask(context.Background(), "send-after-close", func(ctx context.Context) {
		_, err := conn.Send(ctx, []byte("x"))
		sendErrc <- err
	})
	select {
	case err := <-sendErrc:
		require.ErrorIs(t, err, coroerr.ErrPeerClosed)
	case <-time.After(time.Second):
		t.Fatal("Send after close never returned")
	}
}

func TestCloseCancelsPendingWaiters(t *testing.T) {
	p := runningProcessor(t)
	a, _ := socketpair(t)
	conn := New(p, a, "c", nil, nil)

	errc := make(chan error, 1)
	p.AddTask(context.Background(), "recv-blocked", func(ctx context.Context) {
		buf := make([]byte, 16)
		_, err := conn.Recv(ctx, buf)
		errc <- err
	})

	time.Sleep(30 * time.Millisecond)

	closeDone := make(chan struct{})
	p.AddTask(context.Background(), "closer", func(ctx context.Context) {
		require.NoError(t, conn.Close())
		close(closeDone)
	})

	select {
	case <-closeDone:
	case <-time.After(time.Second):
		t.Fatal("Close never ran")
	}

	select {
	case err := <-errc:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked Recv never unblocked after Close")
	}
}

func TestSetTCPNoDelayOnUnixSocketSurfacesError(t *testing.T) {
	p := runningProcessor(t)
	a, _ := socketpair(t)
	conn := New(p, a, "c", nil, nil)

	// AF_UNIX sockets don't support IPPROTO_TCP options; this exercises the
	// error path rather than asserting a specific errno.
	err := conn.SetTCPNoDelay(true)
	require.Error(t, err)
}
