package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fzft/corosched/processor"
)

func newTestScheduler(t *testing.T, workers int) *Scheduler {
	t.Helper()
	s := New(processor.Config{})
	require.NoError(t, s.SetWorkerCount(workers))
	s.StartAsync()
	t.Cleanup(func() {
		s.Stop(context.Background())
	})
	return s
}

// TestRoundRobinFanOut covers spec.md section 8 scenario 2: 3 worker
// Processors, 300 tasks, each worker executes exactly 100. The worker count
// passed to SetWorkerCount includes the main Processor, which round-robin
// excludes, so 4 Processors give 3 workers.
func TestRoundRobinFanOut(t *testing.T) {
	s := newTestScheduler(t, 4)

	const total = 300
	var mu sync.Mutex
	counts := make(map[string]int)
	var wg sync.WaitGroup
	wg.Add(total)
	for i := 0; i < total; i++ {
		s.AddTask("fanout", func(ctx context.Context) {
			proc, _, ok := processor.FromContext(ctx)
			require.True(t, ok)
			mu.Lock()
			counts[proc.Name()]++
			mu.Unlock()
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("not all tasks ran")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, counts, 3)
	for name, c := range counts {
		require.Equalf(t, 100, c, "worker %s ran %d tasks, want 100", name, c)
	}
}

func TestRunAfterFiresOnce(t *testing.T) {
	s := newTestScheduler(t, 2)

	var fired int32
	s.RunAfter("once", 20*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestRunEveryFiresUntilCanceled(t *testing.T) {
	s := newTestScheduler(t, 2)

	var count int32
	id := s.RunEvery("periodic", 15*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&count) >= 2 }, time.Second, time.Millisecond)
	s.Cancel(id)

	time.Sleep(20 * time.Millisecond)
	snapshot := atomic.LoadInt32(&count)
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, snapshot, atomic.LoadInt32(&count))
}

func TestSoloModeUsesMainProcessorForTasks(t *testing.T) {
	s := newTestScheduler(t, 1)

	ran := make(chan string, 1)
	s.AddTask("solo", func(ctx context.Context) {
		proc, _, ok := processor.FromContext(ctx)
		require.True(t, ok)
		ran <- proc.Name()
	})

	select {
	case name := <-ran:
		require.Equal(t, "main", name)
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestProcessorsReturnsFullFleet(t *testing.T) {
	s := newTestScheduler(t, 3)
	require.Eventually(t, func() bool {
		return len(s.Processors()) == 3
	}, time.Second, time.Millisecond)
}
