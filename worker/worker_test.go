package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	return log.WithLogger(t.Context(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestManager(t *testing.T) {
	ctx := testContext(t)

	t.Run("one worker failing stops all", func(t *testing.T) {
		m := NewManager()
		m.AddWorker("producer", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		m.AddWorker("failing", func(ctx context.Context) error {
			return errors.New("boom")
		})
		m.Start(ctx)
		errMap := m.Wait(ctx)
		require.NoError(t, errMap["producer"])
		require.EqualError(t, errMap["failing"], "boom")
		require.EqualError(t, JoinErrors(errMap), "failing: boom")
	})

	t.Run("panic is recovered", func(t *testing.T) {
		m := NewManager()
		m.AddWorker("panics", func(ctx context.Context) error {
			panic("oops")
		})
		m.Start(ctx)
		errMap := m.Wait(ctx)
		require.ErrorContains(t, errMap["panics"], "panic: oops")
	})
}

func TestLoop(t *testing.T) {
	ctx := testContext(t)

	t.Run("start is idempotent", func(t *testing.T) {
		var count atomic.Int32
		l := NewLoop("test", time.Millisecond, true, func(ctx context.Context) (bool, error) {
			count.Add(1)
			return false, nil
		})
		require.True(t, l.Start(ctx))
		require.False(t, l.Start(ctx))
		require.True(t, l.Running())
		require.Eventually(t, func() bool { return count.Load() > 3 }, time.Second, time.Millisecond)
		l.Stop()
		l.Stop()
		require.False(t, l.Running())
		require.NoError(t, l.Wait(ctx))
	})

	t.Run("done ends the loop", func(t *testing.T) {
		var count atomic.Int32
		l := NewLoop("test", time.Millisecond, false, func(ctx context.Context) (bool, error) {
			return count.Add(1) == 3, nil
		})
		require.True(t, l.Start(ctx))
		require.NoError(t, l.Wait(ctx))
		require.Equal(t, int32(3), count.Load())
		require.False(t, l.Running())
	})

	t.Run("restart after stop", func(t *testing.T) {
		var count atomic.Int32
		l := NewLoop("test", time.Millisecond, true, func(ctx context.Context) (bool, error) {
			count.Add(1)
			return false, errors.New("ignored")
		})
		require.True(t, l.Start(ctx))
		l.Stop()
		require.NoError(t, l.Wait(ctx))
		before := count.Load()
		require.True(t, l.Start(ctx))
		require.Eventually(t, func() bool { return count.Load() > before }, time.Second, time.Millisecond)
		l.Stop()
		require.NoError(t, l.Wait(ctx))
	})

	t.Run("stop from within", func(t *testing.T) {
		var l *Loop
		l = NewLoop("test", time.Millisecond, true, func(ctx context.Context) (bool, error) {
			l.Stop()
			return false, nil
		})
		require.True(t, l.Start(ctx))
		require.NoError(t, l.Wait(ctx))
		require.False(t, l.Running())
	})
}
