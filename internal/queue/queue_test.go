package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessAllRunsEverything(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []int
	q := New(context.Background(), Config{Hard: 4}, func(_ context.Context, v int) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	})

	for i := 0; i < 50; i++ {
		require.NoError(t, q.Add(context.Background(), i))
	}
	require.NoError(t, q.ProcessAll(context.Background()))

	assert.Len(t, got, 50)
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, 0, q.Running())
}

func TestFIFOAndPrepend(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	q := New(context.Background(), Config{Hard: 1}, func(_ context.Context, v string) error {
		if v == "first" {
			<-release
		}
		mu.Lock()
		order = append(order, v)
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	require.NoError(t, q.Add(ctx, "first"))
	waitFor(t, func() bool { return q.Running() == 1 })

	require.NoError(t, q.Add(ctx, "second"))
	require.NoError(t, q.Add(ctx, "third"))
	require.NoError(t, q.Prepend(ctx, "jumped"))
	close(release)

	require.NoError(t, q.ProcessAll(ctx))
	assert.Equal(t, []string{"first", "jumped", "second", "third"}, order)
}

func TestBackpressure(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	q := New(context.Background(), Config{Hard: 1, MaxSize: 1}, func(_ context.Context, v int) error {
		<-release
		return nil
	})

	ctx := context.Background()
	require.NoError(t, q.Add(ctx, 1)) // starts running
	waitFor(t, func() bool { return q.Running() == 1 })
	require.NoError(t, q.Add(ctx, 2)) // fills the waiting set

	blocked := make(chan error, 1)
	go func() {
		blocked <- q.Add(ctx, 3)
	}()

	select {
	case <-blocked:
		t.Fatal("Add returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-blocked)
	require.NoError(t, q.ProcessAll(ctx))
}

func TestAddRespectsContext(t *testing.T) {
	t.Parallel()

	q := New(context.Background(), Config{Hard: 1, MaxSize: 1}, func(_ context.Context, v int) error {
		select {} // never finishes
	})

	ctx := context.Background()
	require.NoError(t, q.Add(ctx, 1))
	waitFor(t, func() bool { return q.Running() == 1 })
	require.NoError(t, q.Add(ctx, 2))

	cancelled, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Add(cancelled, 3)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHardLimit(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var mu sync.Mutex
	peak, current := 0, 0
	q := New(context.Background(), Config{Hard: 3}, func(_ context.Context, v int) error {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		<-release
		mu.Lock()
		current--
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Add(ctx, i))
	}
	// Running counts tasks at dispatch; wait until three bodies have entered.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return current == 3
	})
	close(release)
	require.NoError(t, q.ProcessAll(ctx))
	assert.Equal(t, 3, peak)
}

func TestSoftDemotionLetsFasterTasksDrain(t *testing.T) {
	t.Parallel()

	slowRelease := make(chan struct{})
	fastRan := make(chan struct{})
	q := New(context.Background(), Config{
		Hard:        2,
		Soft:        1,
		SoftTimeout: 30 * time.Millisecond,
	}, func(_ context.Context, v string) error {
		if v == "slow" {
			<-slowRelease
			return nil
		}
		close(fastRan)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, q.Add(ctx, "slow"))
	waitFor(t, func() bool { return q.Running() == 1 })
	require.NoError(t, q.Add(ctx, "fast"))

	// The soft limit holds "fast" back while "slow" is still counted.
	select {
	case <-fastRan:
		t.Fatal("fast task started before soft demotion")
	case <-time.After(15 * time.Millisecond):
	}

	// After demotion, "fast" runs even though "slow" never finished.
	select {
	case <-fastRan:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("fast task never started after soft demotion")
	}

	close(slowRelease)
	require.NoError(t, q.ProcessAll(ctx))
}

func TestCancellationRequeues(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	attempts := 0
	q := New(context.Background(), Config{Hard: 1}, func(_ context.Context, v int) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return context.DeadlineExceeded
		}
		return nil
	})

	ctx := context.Background()
	require.NoError(t, q.Add(ctx, 7))
	require.NoError(t, q.ProcessAll(ctx))
	assert.Equal(t, 2, attempts)
}

func TestErrorDropsTask(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	var mu sync.Mutex
	var events []Event
	q := New(context.Background(), Config{
		Hard: 1,
		OnEvent: func(ev Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	}, func(_ context.Context, v int) error {
		return boom
	})

	ctx := context.Background()
	require.NoError(t, q.Add(ctx, 1))
	require.NoError(t, q.ProcessAll(ctx))

	mu.Lock()
	defer mu.Unlock()
	var errored, drained bool
	for _, ev := range events {
		if ev.Kind == EventError {
			errored = true
			assert.ErrorIs(t, ev.Err, boom)
		}
		if ev.Kind == EventDrained {
			drained = true
		}
	}
	assert.True(t, errored, "expected an error event")
	assert.True(t, drained, "expected a drained event")
}

func TestProcessAllWithConcurrentProducer(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	total := 0
	var q *Queue[int]
	q = New(context.Background(), Config{Hard: 4}, func(ctx context.Context, v int) error {
		mu.Lock()
		total++
		mu.Unlock()
		// Tasks re-enqueue children a few levels deep.
		if v > 0 {
			return q.Add(ctx, v-1)
		}
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Add(ctx, 3))
	}
	require.NoError(t, q.ProcessAll(ctx))

	assert.Equal(t, 20, total) // 5 chains of 4 tasks each
	assert.True(t, q.Idle())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
