package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrdh/guessgame/internal/observability"
	"github.com/sdrdh/guessgame/internal/scheduler"
	"github.com/sdrdh/guessgame/internal/testutil"
)

func newMemory(cfg scheduler.Config) *scheduler.Memory {
	return scheduler.NewMemory(cfg, observability.NewMetrics(prometheus.NewRegistry()), zerolog.Nop())
}

func run(t *testing.T, s scheduler.Scheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestMemoryDeliversNoEarlierThanDelay(t *testing.T) {
	s := newMemory(scheduler.Config{})

	var mu sync.Mutex
	var order []string
	delivered := make(map[string]time.Time)
	s.OnDeliver(func(ctx context.Context, task scheduler.Task) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, task.GuessID)
		delivered[task.GuessID] = time.Now()
		return nil
	})
	run(t, s)

	start := time.Now()
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, scheduler.Task{UserID: "u", GuessID: "late"}, 150*time.Millisecond))
	require.NoError(t, s.Enqueue(ctx, scheduler.Task{UserID: "u", GuessID: "soon"}, 50*time.Millisecond))

	testutil.Eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"soon", "late"}, order)
	assert.GreaterOrEqual(t, delivered["soon"].Sub(start), 50*time.Millisecond)
	assert.GreaterOrEqual(t, delivered["late"].Sub(start), 150*time.Millisecond)
}

func TestMemoryRedeliversThenSucceeds(t *testing.T) {
	s := newMemory(scheduler.Config{MaxReceiveCount: 3, RedeliveryBackoff: 10 * time.Millisecond})

	var calls atomic.Int32
	s.OnDeliver(func(ctx context.Context, task scheduler.Task) error {
		if calls.Add(1) < 3 {
			return errors.New("store unavailable")
		}
		return nil
	})
	run(t, s)

	require.NoError(t, s.Enqueue(context.Background(), scheduler.Task{UserID: "u", GuessID: "g"}, 0))
	testutil.Eventually(t, 2*time.Second, func() bool { return s.Pending() == 0 && calls.Load() == 3 })
	assert.Empty(t, s.DeadLetters())
}

func TestMemoryDeadLettersAfterMaxReceiveCount(t *testing.T) {
	s := newMemory(scheduler.Config{MaxReceiveCount: 3, RedeliveryBackoff: 5 * time.Millisecond})

	var calls atomic.Int32
	s.OnDeliver(func(ctx context.Context, task scheduler.Task) error {
		calls.Add(1)
		return errors.New("upstream down")
	})
	run(t, s)

	require.NoError(t, s.Enqueue(context.Background(), scheduler.Task{UserID: "u", GuessID: "g"}, 0))
	testutil.Eventually(t, 2*time.Second, func() bool { return len(s.DeadLetters()) == 1 })

	dl := s.DeadLetters()[0]
	assert.Equal(t, scheduler.ReasonMaxReceiveCount, dl.Reason)
	assert.Equal(t, 3, dl.Attempts)
	assert.Equal(t, "g", dl.Task.GuessID)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 0, s.Pending())
}

func TestMemoryPermanentErrorSkipsRetries(t *testing.T) {
	s := newMemory(scheduler.Config{MaxReceiveCount: 3, RedeliveryBackoff: time.Hour})

	var calls atomic.Int32
	s.OnDeliver(func(ctx context.Context, task scheduler.Task) error {
		calls.Add(1)
		return scheduler.Permanent(errors.New("guess does not exist"))
	})
	run(t, s)

	require.NoError(t, s.Enqueue(context.Background(), scheduler.Task{UserID: "u", GuessID: "g"}, 0))
	testutil.Eventually(t, 2*time.Second, func() bool { return len(s.DeadLetters()) == 1 })
	assert.Equal(t, scheduler.ReasonPermanent, s.DeadLetters()[0].Reason)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMemoryRequeueDeadLetter(t *testing.T) {
	s := newMemory(scheduler.Config{MaxReceiveCount: 1})

	var fail atomic.Bool
	fail.Store(true)
	var ok atomic.Int32
	s.OnDeliver(func(ctx context.Context, task scheduler.Task) error {
		if fail.Load() {
			return errors.New("boom")
		}
		ok.Add(1)
		return nil
	})
	run(t, s)

	require.NoError(t, s.Enqueue(context.Background(), scheduler.Task{UserID: "u", GuessID: "g"}, 0))
	testutil.Eventually(t, 2*time.Second, func() bool { return len(s.DeadLetters()) == 1 })

	fail.Store(false)
	require.True(t, s.Requeue(s.DeadLetters()[0].ID))
	testutil.Eventually(t, 2*time.Second, func() bool { return ok.Load() == 1 })
	assert.Empty(t, s.DeadLetters())
	assert.False(t, s.Requeue(12345))
}

func TestMemoryConcurrencyOneIsSerial(t *testing.T) {
	s := newMemory(scheduler.Config{Concurrency: 1})

	var inFlight, maxInFlight, done atomic.Int32
	s.OnDeliver(func(ctx context.Context, task scheduler.Task) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		done.Add(1)
		return nil
	})
	run(t, s)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Enqueue(context.Background(), scheduler.Task{UserID: "u", GuessID: "g"}, 0))
	}
	testutil.Eventually(t, 2*time.Second, func() bool { return done.Load() == 5 })
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestRunWithoutHandler(t *testing.T) {
	s := newMemory(scheduler.Config{})
	err := s.Run(context.Background())
	require.True(t, errors.Is(err, scheduler.ErrNoHandler))
}
