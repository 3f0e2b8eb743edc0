package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAdmitsUpToCap(t *testing.T) {
	l := NewLimiter(2, 4, nil)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Acquire(ctx))
	assert.Equal(t, 2, l.InFlight())

	// Third acquire must wait until a slot frees.
	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx) }()

	select {
	case <-done:
		t.Fatal("acquire should have blocked at the cap")
	case <-time.After(20 * time.Millisecond):
	}

	l.Release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued acquire never admitted")
	}

	l.Release()
	l.Release()
	assert.Zero(t, l.InFlight())
}

func TestLimiterAcquireHonorsContext(t *testing.T) {
	l := NewLimiter(1, 4, nil)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	l.Release()
}

func TestLimiterQueueBound(t *testing.T) {
	l := NewLimiter(1, 2, nil)
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))

	waitCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Acquire(waitCtx)
		}()
	}
	// Wait for both goroutines to be queued.
	require.Eventually(t, func() bool { return l.Waiting() == 2 },
		time.Second, time.Millisecond)

	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, ErrQueueFull)

	cancel()
	wg.Wait()
	l.Release()
}

func TestLimiterShedsUnderDegradation(t *testing.T) {
	effective := 2
	l := NewLimiter(10, 4, func() int { return effective })
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Acquire(ctx))

	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, ErrOverloaded)

	// Once degradation lifts, the full cap applies again.
	effective = 0
	require.NoError(t, l.Acquire(ctx))

	l.Release()
	l.Release()
	l.Release()
}
