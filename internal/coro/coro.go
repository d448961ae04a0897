// Package coro implements the stackful coroutine substrate: a private
// execution context with explicit swap-in/swap-out and the lifecycle state
// machine INIT -> EXEC -> HOLD/READY -> TERM/EXCEPT.
//
// A real symbol-level context switch (as libco or gosim's linkname'd
// runtime.coroswitch give you) is not reachable from portable Go. Instead
// each Coroutine is backed by one goroutine and a pair of unbuffered
// handoff channels: at most one side of the pair ever runs at a time,
// which is the same mutual-exclusion contract a register-level swap
// provides. See DESIGN.md for the full rationale.
package coro

import (
	"fmt"
	"sync/atomic"
)

// State is a Coroutine's position in its lifecycle.
type State int

const (
	INIT State = iota
	HOLD
	EXEC
	READY
	TERM
	EXCEPT
)

func (s State) String() string {
	switch s {
	case INIT:
		return "INIT"
	case HOLD:
		return "HOLD"
	case EXEC:
		return "EXEC"
	case READY:
		return "READY"
	case TERM:
		return "TERM"
	case EXCEPT:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

var nextID uint64

// Func is a coroutine body. It receives the Coroutine itself so it can call
// SwapOut to yield control back to whoever called SwapIn.
type Func func(c *Coroutine)

// Coroutine is a stackful, cooperatively scheduled execution context.
// It is owned by exactly one Processor at a time; nothing in this package
// enforces that ownership, callers (processor.Processor) do.
type Coroutine struct {
	id        uint64
	name      string
	stackSize int
	state     State
	fn        Func

	resume chan struct{}
	yield  chan struct{}

	err       error // set on EXCEPT
	nextState State // state the trampoline/SwapOut installs after the next swap-in
}

// New allocates a coroutine in state INIT. stackSize is informational: Go
// manages the backing goroutine's stack itself and grows it on demand, but
// the configured size is preserved and reported by StackSize, for parity
// with spec.md's stack-size configuration key.
func New(name string, stackSize int, fn Func) *Coroutine {
	return &Coroutine{
		id:        atomic.AddUint64(&nextID, 1),
		name:      name,
		stackSize: stackSize,
		state:     INIT,
		fn:        fn,
		resume:    make(chan struct{}),
		yield:     make(chan struct{}),
		nextState: HOLD,
	}
}

func (c *Coroutine) ID() uint64      { return c.id }
func (c *Coroutine) Name() string    { return c.name }
func (c *Coroutine) State() State    { return c.state }
func (c *Coroutine) StackSize() int  { return c.stackSize }
func (c *Coroutine) Err() error      { return c.err }
func (c *Coroutine) IsTerminal() bool {
	return c.state == TERM || c.state == EXCEPT
}

// SwapIn transitions the coroutine to EXEC and blocks the caller until the
// coroutine calls SwapOut or terminates. It is a fatal programming error to
// swap into a TERM/EXCEPT coroutine.
func (c *Coroutine) SwapIn() {
	if c.IsTerminal() {
		panic(fmt.Sprintf("coro: swap into terminal coroutine %q (id=%d, state=%s)", c.name, c.id, c.state))
	}

	starting := c.state == INIT
	c.state = EXEC

	if starting {
		go c.trampoline()
	} else {
		c.resume <- struct{}{}
	}
	<-c.yield
}

// trampoline runs fn inside a failure boundary. On normal return the state
// becomes TERM; on panic it becomes EXCEPT and the panic value is recorded
// as err instead of propagating, so one misbehaving coroutine cannot bring
// down its Processor's driving goroutine.
func (c *Coroutine) trampoline() {
	defer func() {
		if r := recover(); r != nil {
			c.state = EXCEPT
			if e, ok := r.(error); ok {
				c.err = e
			} else {
				c.err = fmt.Errorf("coro: panic: %v", r)
			}
		} else if c.state != EXCEPT {
			c.state = TERM
		}
		c.yield <- struct{}{}
	}()
	c.fn(c)
}

// SwapOut must be called from inside the running coroutine. It installs the
// state recorded by SetNextState (HOLD by default, i.e. "waiting on
// something external") as the state the caller of SwapIn observes, resets
// the recorded state to HOLD, then blocks until SwapIn is called again.
// SwapOut does not requeue the coroutine anywhere; whoever resumes it must
// call SwapIn.
func (c *Coroutine) SwapOut() {
	c.state = c.nextState
	c.nextState = HOLD
	c.yield <- struct{}{}
	<-c.resume
}

// SetNextState overrides the state this coroutine will have once its
// next SwapOut call returns control to the caller of SwapIn, e.g. READY
// instead of the default HOLD. It only records the state: the Processor's
// Run loop does not re-enqueue a coroutine that swaps out as READY.
func (c *Coroutine) SetNextState(s State) {
	c.nextState = s
}

// Reset reuses this Coroutine's bookkeeping (the struct and its id) for a
// new body; the handoff channels are replaced.
// Only legal from TERM or INIT; it is the mechanism behind the Processor's
// idle-coroutine free list. The coroutine's identity (id) does not change:
// spec.md requires monotonically assigned ids, so Reset must not mint a
// fresh one just because the backing goroutine will be.
func (c *Coroutine) Reset(name string, fn Func) {
	if c.state != TERM && c.state != INIT {
		panic(fmt.Sprintf("coro: reset on non-terminal coroutine %q (id=%d, state=%s)", c.name, c.id, c.state))
	}
	c.name = name
	c.fn = fn
	c.state = INIT
	c.err = nil
	c.nextState = HOLD
	// A goroutine that has returned cannot be resumed: trampoline() will be
	// invoked fresh on the next SwapIn, using new channels so a stray send
	// from the old (already-exited) goroutine can never be observed here.
	c.resume = make(chan struct{})
	c.yield = make(chan struct{})
}
