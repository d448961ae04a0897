// Package processor implements the Processor: a single-thread driver
// owning one runnable queue, one CoEpoll, one CoTimerQueue and one wakeup
// fd. Grounded on the teacher's reactor.go Run loop (select-driven
// done/signal handling, generalized here into the runnable-queue-driven
// loop spec.md section 4.5 describes) and db/dlist.go's generic list,
// reused via internal/queue as the runnable queue.
package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/corosched/coroerr"
	"github.com/fzft/corosched/corolog"
	"github.com/fzft/corosched/internal/copoll"
	"github.com/fzft/corosched/internal/coro"
	"github.com/fzft/corosched/internal/cotimer"
	"github.com/fzft/corosched/internal/queue"
)

// Phase is the Processor's own state machine, distinct from a Coroutine's
// State: Created -> Running -> Stopping -> Joined.
type Phase int32

const (
	Created Phase = iota
	Running
	Stopping
	Joined
)

func (p Phase) String() string {
	switch p {
	case Created:
		return "Created"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Joined:
		return "Joined"
	default:
		return "Unknown"
	}
}

// Func is a unit of user work: a task or coroutine body, given a context
// that carries this Processor and the Coroutine running it so hooked I/O
// and netconn.Conn can find them without thread-local storage.
type Func func(ctx context.Context)

type pendingTask struct {
	name string
	fn   Func
}

// Config bounds a Processor's behavior; zero-value fields fall back to
// spec.md's defaults.
type Config struct {
	StackSizeBytes int
	EpollTimeoutMs int
	MaxEpollEvents int
}

func (c Config) withDefaults() Config {
	if c.StackSizeBytes <= 0 {
		c.StackSizeBytes = 131072
	}
	if c.EpollTimeoutMs <= 0 {
		c.EpollTimeoutMs = 10000
	}
	if c.MaxEpollEvents <= 0 {
		c.MaxEpollEvents = 128
	}
	return c
}

// Processor is one OS-thread-equivalent driver. All mutation of the
// runnable queue, idle list, CoEpoll and CoTimerQueue happens from the
// goroutine that calls Run (spec.md section 4.5 invariant i); cross-thread
// submission is serialized by mu (invariant ii).
type Processor struct {
	id   int
	name string
	cfg  Config

	phase atomic.Int32
	load  atomic.Int64

	runnable queue.Queue[*coro.Coroutine]
	idle     queue.Queue[*coro.Coroutine]

	mu      sync.Mutex
	pending []pendingTask

	epoll   *copoll.CoEpoll
	timers  *cotimer.Queue
	wakeFD  int
	epollCo *coro.Coroutine

	log *zap.SugaredLogger
}

// New constructs a Processor in phase Created. It does not touch any OS
// resource yet; those are allocated inside Run, on the thread that will
// own them, matching spec.md's "setup failure aborts the Processor's
// thread" policy (section 7).
func New(id int, name string, cfg Config) *Processor {
	return &Processor{
		id:   id,
		name: name,
		cfg:  cfg.withDefaults(),
	}
}

func (p *Processor) ID() int        { return p.id }
func (p *Processor) Name() string   { return p.name }
func (p *Processor) Phase() Phase   { return Phase(p.phase.Load()) }
func (p *Processor) Load() int64    { return p.load.Load() }

// Stats is a point-in-time snapshot, not part of spec.md's CORE contract
// but needed to make cmd/coroctl meaningful (see SPEC_FULL.md Supplemented
// Features).
type Stats struct {
	Phase          Phase
	Load           int64
	RunnableDepth  int
	IdleShells     int
	PendingTasks   int
	NextTimerIn    time.Duration
	HasNextTimer   bool
}

func (p *Processor) SnapshotStats() Stats {
	s := Stats{
		Phase:         p.Phase(),
		Load:          p.Load(),
		RunnableDepth: p.runnable.Len(),
		IdleShells:    p.idle.Len(),
	}
	p.mu.Lock()
	s.PendingTasks = len(p.pending)
	p.mu.Unlock()
	if p.timers != nil {
		if d, ok := p.timers.NextDeadline(); ok {
			s.HasNextTimer = true
			s.NextTimerIn = time.Until(d)
		}
	}
	return s
}

type ctxKey struct{}

type ctxValue struct {
	proc *Processor
	co   *coro.Coroutine
}

// WithCoroutine returns a context carrying p and co, the pairing every
// hooked I/O call and netconn.Conn method needs to find its owning
// Processor without thread-local storage (see DESIGN.md's Open Question
// resolution on "current coroutine" tracking).
func WithCoroutine(parent context.Context, p *Processor, co *coro.Coroutine) context.Context {
	return context.WithValue(parent, ctxKey{}, &ctxValue{proc: p, co: co})
}

// FromContext extracts the Processor/Coroutine pair WithCoroutine stored,
// if any.
func FromContext(ctx context.Context) (p *Processor, co *coro.Coroutine, ok bool) {
	v, ok := ctx.Value(ctxKey{}).(*ctxValue)
	if !ok {
		return nil, nil, false
	}
	return v.proc, v.co, true
}

// onOwningThread reports whether ctx is running inside a coroutine this
// Processor is currently driving. It is the logical substitute for the OS
// thread-id check spec.md's reference implementation performs.
func (p *Processor) onOwningThread(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _, ok := FromContext(ctx)
	return ok && owner == p
}

// newTask wraps fn so that, once spawned, its body observes a context
// carrying this Processor and its own Coroutine.
func (p *Processor) newTask(name string, fn Func) *coro.Coroutine {
	var co *coro.Coroutine
	co = coro.New(name, p.cfg.StackSizeBytes, func(self *coro.Coroutine) {
		ctx := WithCoroutine(context.Background(), p, self)
		fn(ctx)
	})
	return co
}

// AddTask enqueues name/fn as a new coroutine. If ctx shows the caller is
// already running inside a coroutine owned by this Processor, the
// coroutine is pushed directly onto the runnable queue; otherwise it is
// buffered under mu and the wakeup fd is notified (spec.md section 4.5).
func (p *Processor) AddTask(ctx context.Context, name string, fn Func) {
	if p.onOwningThread(ctx) {
		p.spawnRunnable(name, fn)
		return
	}
	p.mu.Lock()
	p.pending = append(p.pending, pendingTask{name: name, fn: fn})
	p.mu.Unlock()
	p.wake()
}

// spawnRunnable reuses a TERM shell from the idle list via Reset when one
// is at the head of the list (an EXCEPT shell popped there is dropped) and
// otherwise allocates a new coroutine.
func (p *Processor) spawnRunnable(name string, fn Func) {
	var co *coro.Coroutine
	if node := p.idle.PopFront(); node != nil && node.Value.State() == coro.TERM {
		co = node.Value
		co.Reset(name, func(self *coro.Coroutine) {
			fn(WithCoroutine(context.Background(), p, self))
		})
	} else {
		co = p.newTask(name, fn)
	}
	p.load.Add(1)
	p.runnable.PushBack(co)
}

// resume re-enqueues an already-spawned coroutine that was suspended on
// I/O or a timer. Only ever called from within this Processor's own
// epoll/timer dispatch, i.e. logically on its own thread. The coroutine's
// own body — via awaitFD's SwapOut — already recorded HOLD as its state
// while parked; resume only changes which queue holds it, not its
// SetNextState bookkeeping (that is the coroutine's own business).
func (p *Processor) resume(co *coro.Coroutine) {
	p.runnable.PushBack(co)
}

// Epoll exposes the Processor's CoEpoll to the hook layer. Only valid once
// Run has started (phase >= Running).
func (p *Processor) Epoll() *copoll.CoEpoll { return p.epoll }

// Timers exposes the Processor's CoTimerQueue to the hook layer.
func (p *Processor) Timers() *cotimer.Queue { return p.timers }

// ResumeCoroutine is the hook layer's entry point for requeuing a
// suspended coroutine from an I/O-readiness or timer callback.
func (p *Processor) ResumeCoroutine(co *coro.Coroutine) { p.resume(co) }

// WakeupFD is read only by Run's own epoll instance; any thread may write
// to it (spec.md section 5's "unidirectional cross-thread notifier").
func (p *Processor) WakeupFD() int { return p.wakeFD }

func (p *Processor) wake() {
	if p.wakeFD == 0 {
		return
	}
	var buf [8]byte
	buf[0] = 1
	unix.Write(p.wakeFD, buf[:])
}

// Run is the Processor's thread-main loop. It allocates the wakeup fd,
// CoEpoll and CoTimerQueue, constructs the epoll coroutine, then drives
// coroutines until Stop is observed and the runnable queue is empty.
func (p *Processor) Run() error {
	p.log = corolog.Component("processor").Sugar().With("processor", p.name)

	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return coroerr.NewFatal(coroerr.ErrSetupFailed, fmt.Errorf("eventfd: %w", err))
	}
	p.wakeFD = wakeFD
	defer unix.Close(wakeFD)

	ep, err := copoll.New(wakeFD, p.cfg.MaxEpollEvents)
	if err != nil {
		return err
	}
	p.epoll = ep
	defer ep.Close()

	p.timers = cotimer.New(nil)
	p.epollCo = coro.New("epoll", 0, p.epollLoop)

	p.phase.Store(int32(Running))
	p.log.Info("processor started")

	for p.Phase() != Stopping || p.runnable.Len() > 0 {
		var next *coro.Coroutine
		if node := p.runnable.PopFront(); node != nil {
			next = node.Value
		} else {
			next = p.epollCo
		}

		next.SwapIn()

		if next != p.epollCo && next.IsTerminal() {
			p.load.Add(-1)
			if next.State() == coro.EXCEPT {
				p.log.Warnw("coroutine terminated with error", "coroutine", next.Name(), "err", next.Err())
			}
			p.idle.PushBack(next)
		}

		p.drainPending()
	}

	// Let the epoll coroutine run its final pass so any already-fired
	// timer callbacks still get to run before the thread exits (spec.md
	// section 4.5 step 4).
	if !p.epollCo.IsTerminal() {
		p.epollCo.SwapIn()
	}

	p.phase.Store(int32(Joined))
	p.log.Info("processor stopped")
	return nil
}

func (p *Processor) drainPending() {
	p.mu.Lock()
	tasks := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, t := range tasks {
		p.spawnRunnable(t.name, t.fn)
	}
}

// epollLoop is the body of the per-Processor epoll coroutine: it waits on
// the kernel, dispatches timers, and swaps back out so the Run loop can
// give runnable coroutines their turn. It only returns (ending the
// coroutine) once Stop has been observed and nothing is left runnable.
func (p *Processor) epollLoop(self *coro.Coroutine) {
	for {
		timeout := p.nextTimeoutMs()
		if _, err := p.epoll.Poll(timeout); err != nil {
			p.log.Errorw("epoll wait failed", "err", err)
		}
		p.timers.DealWithExpiredTimers(time.Now())

		if p.Phase() == Stopping && p.runnable.Len() == 0 {
			return
		}
		self.SwapOut()
	}
}

func (p *Processor) nextTimeoutMs() int {
	if d, ok := p.timers.NextDeadline(); ok {
		ms := int(time.Until(d).Milliseconds())
		if ms < 0 {
			ms = 0
		}
		if ms < p.cfg.EpollTimeoutMs {
			return ms
		}
	}
	return p.cfg.EpollTimeoutMs
}

// Stop requests the Processor to exit its run loop once drained. If the
// epoll coroutine is currently blocked in the kernel wait, Stop unblocks it
// immediately via the wakeup fd.
func (p *Processor) Stop() {
	p.phase.Store(int32(Stopping))
	p.wake()
}

// AddTimer schedules payload to fire at deadline (optionally repeating
// every interval), returning its ID for later cancellation. Like the
// runnable queue, this must be called either from this Processor's own
// thread or indirectly via the hook layer; there is no cross-thread
// fast-path because timers are always armed from inside a running
// coroutine or the epoll coroutine itself.
func (p *Processor) AddTimer(payload cotimer.Payload, deadline time.Time, interval time.Duration) cotimer.ID {
	id, _ := p.timers.AddTimer(payload, deadline, interval)
	return id
}

// CancelTimer cancels a previously scheduled timer. Idempotent.
func (p *Processor) CancelTimer(id cotimer.ID) {
	p.timers.Cancel(id)
}

// AddTimerWithID is AddTimer for a caller (Scheduler) that already minted
// id via cotimer.NewID so it can hand back a stable TimerId before the
// cross-thread insertion task it queued has actually run.
func (p *Processor) AddTimerWithID(id cotimer.ID, payload cotimer.Payload, deadline time.Time, interval time.Duration) {
	p.timers.AddTimerWithID(id, payload, deadline, interval)
}
