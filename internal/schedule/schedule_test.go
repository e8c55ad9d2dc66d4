package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRunsPeriodically(t *testing.T) {
	var calls atomic.Int32
	task := Start(context.Background(), "tick", 5*time.Millisecond, false, func(ctx context.Context, now time.Time) {
		calls.Add(1)
	}, nil)
	defer task.Stop()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestTaskImmediate(t *testing.T) {
	var calls atomic.Int32
	task := Start(context.Background(), "now", time.Hour, true, func(ctx context.Context, now time.Time) {
		calls.Add(1)
	}, nil)
	defer task.Stop()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestStopHaltsCallbacks(t *testing.T) {
	var calls atomic.Int32
	task := Start(context.Background(), "tick", time.Millisecond, false, func(ctx context.Context, now time.Time) {
		calls.Add(1)
	}, nil)

	require.Eventually(t, func() bool { return calls.Load() > 0 }, time.Second, time.Millisecond)
	task.Stop()

	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no callback may run after Stop returns")

	select {
	case <-task.Done():
	default:
		t.Fatal("Done must be closed after Stop")
	}
}

func TestStopWaitsForRunningCallback(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	task := Start(context.Background(), "slow", time.Millisecond, true, func(ctx context.Context, now time.Time) {
		select {
		case <-started:
		default:
			close(started)
		}
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
	}, nil)

	<-started
	task.Stop()
	assert.True(t, finished.Load())
}

func TestPanicDoesNotKillLoop(t *testing.T) {
	var calls atomic.Int32
	task := Start(context.Background(), "panicky", time.Millisecond, false, func(ctx context.Context, now time.Time) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	}, nil)
	defer task.Stop()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestParentContextCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	task := Start(ctx, "child", time.Millisecond, false, func(ctx context.Context, now time.Time) {}, nil)
	cancel()

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not exit after parent cancel")
	}
}

func TestGroupStopHaltsAll(t *testing.T) {
	g := NewGroup(context.Background(), nil)

	var a, b atomic.Int32
	_, err := g.Every("a", time.Millisecond, func(ctx context.Context, now time.Time) { a.Add(1) })
	require.NoError(t, err)
	_, err = g.Frames("b", func(ctx context.Context, now time.Time) { b.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())

	require.Eventually(t, func() bool { return a.Load() > 0 && b.Load() > 0 }, time.Second, time.Millisecond)
	g.Stop()

	ra, rb := a.Load(), b.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, ra, a.Load())
	assert.Equal(t, rb, b.Load())
	assert.Error(t, g.Context().Err())

	_, err = g.Every("late", time.Millisecond, func(ctx context.Context, now time.Time) {})
	assert.ErrorIs(t, err, ErrStopped)

	g.Stop()
}

func TestGroupRejectsBadInterval(t *testing.T) {
	g := NewGroup(context.Background(), nil)
	defer g.Stop()

	_, err := g.Every("zero", 0, func(ctx context.Context, now time.Time) {})
	assert.Error(t, err)
}
