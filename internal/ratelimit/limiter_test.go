package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterEnforcesWindow(t *testing.T) {
	l := New(Config{MaxRequestsPerInterval: 1, Interval: 100 * time.Millisecond}, nil, nil)

	var starts []time.Time
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Execute(context.Background(), func(context.Context) error {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	require.Len(t, starts, 3)
	for i := 1; i < len(starts); i++ {
		require.GreaterOrEqual(t, starts[i].Sub(starts[i-1]).Milliseconds(), int64(90))
	}
}

func TestLimiterRetriesOnFailure(t *testing.T) {
	l := New(Config{MaxRequestsPerInterval: 10, Interval: time.Second, MaxRetries: 2, BaseDelay: time.Millisecond}, nil, nil)

	var calls int32
	err := l.Execute(context.Background(), func(context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int32(3), calls)
}

func TestLimiterGrantsAcquireInArrivalOrder(t *testing.T) {
	l := New(Config{MaxRequestsPerInterval: 1000, Interval: time.Second}, nil, nil)

	const n = 5
	var mu sync.Mutex
	var finishOrder []int
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			require.NoError(t, l.Acquire(context.Background()))
			mu.Lock()
			finishOrder = append(finishOrder, i)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, finishOrder, n)
	for i := 0; i < n; i++ {
		require.Equal(t, i, finishOrder[i], "acquisitions must be granted in arrival order")
	}
}

func TestLimiterCancellationDuringWait(t *testing.T) {
	l := New(Config{MaxRequestsPerInterval: 1, Interval: time.Second}, nil, nil)
	require.NoError(t, l.Execute(context.Background(), func(context.Context) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Execute(ctx, func(context.Context) error { return nil })
	require.Error(t, err)
}
