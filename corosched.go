// Package corosched is the public façade for the coroutine-driven epoll
// networking runtime. It re-exports the handful of constructors and types
// an embedder needs to stand up a scheduler and wrap accepted connections,
// so a caller who only wants "give me a scheduler and a connection type"
// does not need to know the package layout under processor/scheduler/netconn.
package corosched

import (
	"net"

	"github.com/fzft/corosched/internal/cotimer"
	"github.com/fzft/corosched/netconn"
	"github.com/fzft/corosched/processor"
	"github.com/fzft/corosched/scheduler"
)

// Config is the Processor construction config: stack size, epoll timeout,
// maximum events per epoll wait. Re-exported so callers never import processor
// directly just to build one.
type Config = processor.Config

// Scheduler owns the main Processor plus any worker Processors and is the
// entry point for adding tasks and timers.
type Scheduler = scheduler.Scheduler

// Conn is an accepted or dialed connection bound to one Processor.
type Conn = netconn.Conn

// TimerID identifies a timer armed through a Scheduler, for Cancel.
type TimerID = cotimer.ID

// New builds a Scheduler around the given Processor config. Call
// SetWorkerCount before Start/StartAsync to run with worker Processors; the
// zero value runs solo on the main Processor.
func New(cfg Config) *Scheduler {
	return scheduler.New(cfg)
}

// NewConn wraps fd (already accepted or dialed) as a Conn bound to proc.
func NewConn(proc *processor.Processor, fd int, name string, local, peer net.Addr) *Conn {
	return netconn.New(proc, fd, name, local, peer)
}

// Processor re-exports the Processor type for callers that need direct
// access (e.g. Scheduler.Processors(), or AddTask's ctx plumbing).
type Processor = processor.Processor
