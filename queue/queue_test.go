package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueOrder(t *testing.T) {
	q := New[int]()
	for i := range 1000 {
		q.Put(i)
	}
	require.Equal(t, 1000, q.Len())
	for i := range 1000 {
		v, ok := q.TryGet()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := q.TryGet()
	require.False(t, ok)
}

func TestQueueGet(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		q := New[string]()
		_, ok, err := q.Get(t.Context(), 10*time.Millisecond)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("wakes on put", func(t *testing.T) {
		q := New[string]()
		go func() {
			time.Sleep(10 * time.Millisecond)
			q.Put("ok")
		}()
		v, ok, err := q.Get(t.Context(), time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "ok", v)
	})

	t.Run("context cancelled", func(t *testing.T) {
		q := New[string]()
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		_, ok, err := q.Get(ctx, time.Second)
		require.ErrorIs(t, err, context.Canceled)
		require.False(t, ok)
	})
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup
	for p := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 250 {
				q.Put(p*1000 + i)
			}
		}()
	}
	wg.Wait()

	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	for range 1000 {
		v, ok := q.TryGet()
		require.True(t, ok)
		p, i := v/1000, v%1000
		require.Greater(t, i, last[p])
		last[p] = i
	}
	require.Equal(t, 0, q.Clear())
}
