// Package scheduler implements the fleet controller: it owns N Processors
// (one main, N-1 workers) and is the only surface external callers submit
// work through. Grounded on the teacher's server.go Run() (signal
// handling, listener setup) generalized from "one reactor" to "one main
// Processor plus N-1 worker Processors", each independently running the
// reactor-style loop processor.Processor.Run implements.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fzft/corosched/corolog"
	"github.com/fzft/corosched/internal/cotimer"
	"github.com/fzft/corosched/processor"
)

// Phase mirrors processor.Phase at the fleet level.
type Phase int32

const (
	Created Phase = iota
	Starting
	Running
	Stopping
	Joined
)

// Scheduler owns every Processor for the lifetime of the process. The
// Processor slice is immutable after Start (spec.md section 5's shared
// resource policy item b); only the round-robin index and each
// Processor's own pending-task buffer need synchronization afterward.
type Scheduler struct {
	mu    sync.Mutex
	phase Phase

	workerCount int // total including main; set before Start
	procs       []*processor.Processor
	main        *processor.Processor
	workers     []*processor.Processor

	rrMu  sync.Mutex
	rrIdx int

	timerOwner   map[cotimer.ID]*processor.Processor
	timerOwnerMu sync.Mutex

	wg      sync.WaitGroup
	readyCh chan struct{}
	cfg     processor.Config
}

// New constructs a Scheduler whose Processors use cfg. Call
// SetWorkerCount before Start to change the fleet size; the default is a
// single Processor (main-only, "solo mode").
func New(cfg processor.Config) *Scheduler {
	return &Scheduler{
		workerCount: 1,
		timerOwner:  make(map[cotimer.ID]*processor.Processor),
		readyCh:     make(chan struct{}),
		cfg:         cfg,
	}
}

// SetWorkerCount sets the total Processor count, including the main
// thread (n >= 1). Callable only before Start.
func (s *Scheduler) SetWorkerCount(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Created {
		return fmt.Errorf("scheduler: SetWorkerCount called after Start")
	}
	if n < 1 {
		return fmt.Errorf("scheduler: worker count must be >= 1, got %d", n)
	}
	s.workerCount = n
	return nil
}

// Start constructs the main Processor on the calling goroutine, spawns
// n-1 worker goroutines each running its own Processor, and blocks driving
// the main Processor's Run until Stop is called. Use StartAsync to run the
// fleet from a background goroutine instead.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.phase != Created {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: Start called twice")
	}
	s.phase = Starting

	s.main = processor.New(0, "main", s.cfg)
	s.procs = []*processor.Processor{s.main}
	for i := 1; i < s.workerCount; i++ {
		w := processor.New(i, fmt.Sprintf("worker-%d", i), s.cfg)
		s.workers = append(s.workers, w)
		s.procs = append(s.procs, w)
	}
	s.mu.Unlock()

	logger := corolog.Component("scheduler").Sugar()

	for _, w := range s.workers {
		w := w
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := w.Run(); err != nil {
				logger.Errorw("worker processor exited with error", "processor", w.Name(), "err", err)
			}
		}()
	}

	s.wg.Add(1)
	s.phase = Running
	close(s.readyCh)

	err := s.main.Run()
	s.wg.Done()
	s.phase = Joined
	return err
}

// StartAsync starts the fleet on a new goroutine and blocks the caller
// until Start has constructed every Processor and launched the worker
// goroutines. It does not wait for the Processors' run loops to begin;
// tasks submitted before then stay buffered until that Processor runs.
func (s *Scheduler) StartAsync() {
	go s.Start()
	<-s.readyCh
}

// Wait blocks until every Processor has joined.
func (s *Scheduler) Wait() {
	<-s.readyCh
	s.wg.Wait()
}

// Stop requests every Processor to stop and waits for every Processor,
// main included, to join. If called from within one of this Scheduler's own
// Processor threads, the join runs on a detached goroutine to avoid a
// self-join deadlock (spec.md section 4.6).
func (s *Scheduler) Stop(ctx context.Context) {
	for _, p := range s.procs {
		p.Stop()
	}

	if onOwnProcessor(ctx, s.procs) {
		go s.wg.Wait()
		return
	}
	s.wg.Wait()
}

func onOwnProcessor(ctx context.Context, procs []*processor.Processor) bool {
	owner, _, ok := processor.FromContext(ctx)
	if !ok {
		return false
	}
	for _, p := range procs {
		if p == owner {
			return true
		}
	}
	return false
}

// nextWorker returns the Processor that the next round-robin submission
// should target. The main Processor is excluded from rotation whenever at
// least one worker exists (spec.md section 4.6's Open Question,
// resolved — see DESIGN.md); it still runs tasks added directly to it.
func (s *Scheduler) nextWorker() *processor.Processor {
	s.rrMu.Lock()
	defer s.rrMu.Unlock()

	pool := s.workers
	if len(pool) == 0 {
		pool = []*processor.Processor{s.main}
	}
	p := pool[s.rrIdx%len(pool)]
	s.rrIdx++
	return p
}

// AddTask submits fn to be run as a new coroutine on a round-robin-chosen
// Processor.
func (s *Scheduler) AddTask(name string, fn processor.Func) {
	s.nextWorker().AddTask(context.Background(), name, fn)
}

// RunAt schedules fn to run once at the given absolute time on a
// round-robin-chosen Processor, returning a TimerId valid for Cancel.
func (s *Scheduler) RunAt(name string, at time.Time, fn func()) cotimer.ID {
	return s.scheduleTimer(name, at, 0, fn)
}

// RunAfter schedules fn to run once after d elapses.
func (s *Scheduler) RunAfter(name string, d time.Duration, fn func()) cotimer.ID {
	return s.scheduleTimer(name, time.Now().Add(d), 0, fn)
}

// RunEvery schedules fn to run every interval starting at now+interval,
// until canceled.
func (s *Scheduler) RunEvery(name string, interval time.Duration, fn func()) cotimer.ID {
	return s.scheduleTimer(name, time.Now().Add(interval), interval, fn)
}

// scheduleTimer mints a TimerId up front (so it can be returned
// synchronously) and submits a task to the target Processor that performs
// the actual CoTimerQueue insertion on that Processor's own thread — the
// cross-thread path every other Processor mutation goes through.
func (s *Scheduler) scheduleTimer(name string, deadline time.Time, interval time.Duration, fn func()) cotimer.ID {
	target := s.nextWorker()
	id := cotimer.NewID()

	s.timerOwnerMu.Lock()
	s.timerOwner[id] = target
	s.timerOwnerMu.Unlock()

	target.AddTask(context.Background(), name+"-arm-timer", func(ctx context.Context) {
		target.AddTimerWithID(id, cotimer.Payload{Callback: fn}, deadline, interval)
	})
	return id
}

// Cancel dispatches to the TimerId's owning Processor (spec.md section
// 4.6). Unknown ids are a no-op, matching CoTimerQueue's own idempotent
// Cancel.
func (s *Scheduler) Cancel(id cotimer.ID) {
	s.timerOwnerMu.Lock()
	owner, ok := s.timerOwner[id]
	s.timerOwnerMu.Unlock()
	if !ok {
		return
	}
	owner.AddTask(context.Background(), "cancel-timer", func(ctx context.Context) {
		owner.CancelTimer(id)
	})
}

// Processors returns the fleet, main Processor first. Exposed for
// cmd/coroctl's stats view; not part of the core submission surface.
func (s *Scheduler) Processors() []*processor.Processor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*processor.Processor, len(s.procs))
	copy(out, s.procs)
	return out
}
