package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()
	p := New(0, "test", Config{})
	done := make(chan error, 1)
	go func() { done <- p.Run() }()
	require.Eventually(t, func() bool { return p.Phase() == Running }, time.Second, time.Millisecond)
	t.Cleanup(func() {
		p.Stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("processor did not stop in time")
		}
	})
	return p
}

func TestLoadCounterTracksLiveCoroutines(t *testing.T) {
	p := newTestProcessor(t)

	release := make(chan struct{})
	p.AddTask(context.Background(), "hold", func(ctx context.Context) {
		<-release
	})

	require.Eventually(t, func() bool { return p.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return p.Load() == 0 }, time.Second, time.Millisecond)
}

func TestAddTaskFromExternalGoroutineIsCrossThread(t *testing.T) {
	p := newTestProcessor(t)

	var (
		mu  sync.Mutex
		ran bool
	)
	p.AddTask(context.Background(), "external", func(ctx context.Context) {
		mu.Lock()
		ran = true
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran
	}, time.Second, time.Millisecond)
}

func TestManyCrossThreadTasksAllRun(t *testing.T) {
	p := newTestProcessor(t)

	const n = 100
	var mu sync.Mutex
	count := 0
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.AddTask(context.Background(), "t", func(ctx context.Context) {
				mu.Lock()
				count++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == n
	}, 2*time.Second, time.Millisecond)
}

func TestStopDrainsWithoutHangingWhenIdle(t *testing.T) {
	p := New(0, "stoptest", Config{})
	done := make(chan error, 1)
	go func() { done <- p.Run() }()
	require.Eventually(t, func() bool { return p.Phase() == Running }, time.Second, time.Millisecond)

	p.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	require.Equal(t, Joined, p.Phase())
}
