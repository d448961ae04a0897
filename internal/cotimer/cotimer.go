// Package cotimer implements CoTimerQueue: an ordered multiset of
// deadlines, dispatched by the owning Processor when no runnable
// coroutine exists and the epoll coroutine's wait expires early.
package cotimer

import (
	"container/heap"
	"sync/atomic"
	"time"
)

// ID identifies a Timer for cancellation.
type ID uint64

var nextID uint64

// Payload is the work a Timer performs when it expires: either a plain
// callback to run as a new task, or the resumption of a specific waiting
// coroutine. Processor supplies both halves; cotimer only carries whichever
// was set.
type Payload struct {
	Callback func()
	Resume   func() // resumes a specific suspended coroutine
}

type timer struct {
	id       ID
	deadline time.Time
	interval time.Duration // 0 => one-shot
	payload  Payload
	canceled bool
	seq      uint64 // insertion order, breaks deadline ties
	index    int    // heap index, maintained by heap.Interface
}

// Queue is a min-heap of timers ordered by (deadline, insertion order).
// Not safe for concurrent use: like every other Processor-owned structure,
// all mutation happens on the owning thread (spec.md section 4.5 invariant i).
type Queue struct {
	h     timerHeap
	byID  map[ID]*timer
	clock func() time.Time
}

// New returns an empty CoTimerQueue. clock defaults to time.Now when nil;
// tests substitute a deterministic clock.
func New(clock func() time.Time) *Queue {
	if clock == nil {
		clock = time.Now
	}
	return &Queue{byID: make(map[ID]*timer), clock: clock}
}

// NewID mints a fresh, globally unique TimerId without inserting anything.
// Scheduler uses this to hand back a stable id to a caller of RunAt/
// RunAfter/RunEvery before the actual insertion — which must happen on the
// target Processor's own thread — has run.
func NewID() ID {
	return ID(atomic.AddUint64(&nextID, 1))
}

// AddTimer schedules payload to fire at deadline, optionally repeating
// every interval (0 means one-shot). It returns the new Timer's ID for
// later cancellation and the new head's deadline so the caller (Processor)
// can decide whether to shorten its epoll wait.
func (q *Queue) AddTimer(payload Payload, deadline time.Time, interval time.Duration) (ID, time.Time) {
	id := NewID()
	return id, q.AddTimerWithID(id, payload, deadline, interval)
}

// AddTimerWithID is AddTimer for a caller that already minted an ID via
// NewID (see Scheduler.RunAt et al).
func (q *Queue) AddTimerWithID(id ID, payload Payload, deadline time.Time, interval time.Duration) time.Time {
	t := &timer{
		id:       id,
		deadline: deadline,
		interval: interval,
		payload:  payload,
		seq:      nextSeq(),
	}
	q.byID[id] = t
	heap.Push(&q.h, t)
	return q.h[0].deadline
}

var seqCounter uint64

func nextSeq() uint64 { return atomic.AddUint64(&seqCounter, 1) }

// Cancel marks id canceled. Idempotent: canceling an already-canceled or
// already-expired (and thus forgotten) id is a no-op that still reports
// success, matching spec.md section 8's round-trip property.
func (q *Queue) Cancel(id ID) {
	t, ok := q.byID[id]
	if !ok {
		return
	}
	t.canceled = true
	// Remove eagerly rather than waiting for lazy skip-on-expiry: this is
	// the "explicit id->iterator map ... for O(log n) removal if the
	// cancellation races close to expiry" spec.md calls out.
	heap.Remove(&q.h, t.index)
	delete(q.byID, id)
}

// Len reports the number of live (non-canceled, not yet expired) timers.
func (q *Queue) Len() int { return q.h.Len() }

// NextDeadline reports the earliest live deadline, or the zero Time if the
// queue is empty.
func (q *Queue) NextDeadline() (time.Time, bool) {
	if q.h.Len() == 0 {
		return time.Time{}, false
	}
	return q.h[0].deadline, true
}

// DealWithExpiredTimers pops and runs every timer whose deadline is <= now,
// reinserting periodic ones at deadline+interval. It returns the number of
// payloads actually run. Canceled entries are dropped without running their
// payload; since Cancel removes an entry from the heap at once, a popped
// entry is never marked canceled and the canceled check is only a guard.
// A periodic entry is reinserted before its payload runs, so a Cancel of
// its id from inside that payload removes it.
func (q *Queue) DealWithExpiredTimers(now time.Time) int {
	ran := 0
	for q.h.Len() > 0 && !q.h[0].deadline.After(now) {
		t := heap.Pop(&q.h).(*timer)
		delete(q.byID, t.id)
		if t.canceled {
			continue
		}
		payload := t.payload
		if t.interval > 0 {
			t.deadline = t.deadline.Add(t.interval)
			t.seq = nextSeq()
			q.byID[t.id] = t
			heap.Push(&q.h, t)
		}
		switch {
		case payload.Resume != nil:
			payload.Resume()
		case payload.Callback != nil:
			payload.Callback()
		}
		ran++
	}
	return ran
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	t.index = -1
	return t
}
